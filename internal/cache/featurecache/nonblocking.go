package featurecache

import (
	"context"

	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/grid"
)

// NonBlocking never waits for another caller. Cells are claimed with a CAS
// from Unregistered to PendingFetch; a caller that loses the claim fetches
// the cell anyway. Overwriting storage and idempotent registration make the
// redundant fills converge on the same state.
type NonBlocking struct {
	*core
}

var _ Interface = (*NonBlocking)(nil)

func NewNonBlocking(opts Options) (*NonBlocking, error) {
	c, err := newCore(VariantNonBlocking, opts)
	if err != nil {
		return nil, err
	}
	c.sync = &optimistic{core: c}
	return &NonBlocking{core: c}, nil
}

type optimistic struct {
	core *core
}

func (o *optimistic) claim(_ context.Context, refs []grid.Ref) (fetch, ready []grid.Ref, release func(), err error) {
	g := o.core.grid
	var claimed []grid.Ref
	redundant := 0
	for _, ref := range refs {
		if g.Claim(ref) {
			claimed = append(claimed, ref)
		} else if _, st, ok := g.Lookup(ref.ID); ok && st == grid.PendingFetch {
			redundant++
		}
	}
	o.core.redundant.Add(int64(redundant))
	return refs, nil, func() {
		// only instances still pending after a failed fill go back
		for _, ref := range claimed {
			g.Release(ref)
		}
	}, nil
}

func (o *optimistic) lockCells(context.Context, []grid.CellID) (func(), error) {
	return func() {}, nil
}

func (o *optimistic) lockAll(context.Context) (func(), error) { return func() {}, nil }

func (o *optimistic) lockVictim(context.Context, grid.CellID) func() { return func() {} }
