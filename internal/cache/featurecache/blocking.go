package featurecache

import (
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"

	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/grid"
)

const numStripes = 64

// Blocking serialises fills of the same cell: a caller filling a cell holds
// that cell's stripe for the whole fetch and registration, and callers that
// want the same cell wait and then read the registered result.
type Blocking struct {
	*core
}

var _ Interface = (*Blocking)(nil)

func NewBlocking(opts Options) (*Blocking, error) {
	c, err := newCore(VariantBlocking, opts)
	if err != nil {
		return nil, err
	}
	s := &stripes{grid: c.grid, timeout: opts.LockTimeout}
	for i := range s.sems {
		s.sems[i] = semaphore.NewWeighted(1)
	}
	c.sync = s
	return &Blocking{core: c}, nil
}

type stripes struct {
	grid    *grid.Index
	timeout time.Duration
	sems    [numStripes]*semaphore.Weighted
}

func stripeOf(id grid.CellID) int {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[:8], uint64(id.Row))
	binary.LittleEndian.PutUint64(b[8:], uint64(id.Col))
	return int(xxhash.Sum64(b[:]) & (numStripes - 1))
}

// lock takes the stripes in ascending order so concurrent callers never
// deadlock on each other.
func (s *stripes) lock(ctx context.Context, idx []int) (func(), error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for n, i := range idx {
		if err := s.sems[i].Acquire(ctx, 1); err != nil {
			for _, j := range idx[:n] {
				s.sems[j].Release(1)
			}
			return nil, fmt.Errorf("%w: %w", ErrLockWait, err)
		}
	}
	return func() {
		for _, i := range idx {
			s.sems[i].Release(1)
		}
	}, nil
}

func (s *stripes) lockCells(ctx context.Context, ids []grid.CellID) (func(), error) {
	idx := make([]int, 0, len(ids))
	for _, id := range ids {
		idx = append(idx, stripeOf(id))
	}
	return s.lock(ctx, idx)
}

func (s *stripes) lockAll(ctx context.Context) (func(), error) {
	idx := make([]int, numStripes)
	for i := range idx {
		idx[i] = i
	}
	return s.lock(ctx, idx)
}

func (s *stripes) claim(ctx context.Context, refs []grid.Ref) (fetch, ready []grid.Ref, release func(), err error) {
	ids := make([]grid.CellID, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	release, err = s.lockCells(ctx, ids)
	if err != nil {
		return nil, nil, nil, err
	}
	// someone may have filled or evicted the cell while we waited
	for _, id := range ids {
		ref, st := s.grid.Acquire(id)
		if st == grid.Registered {
			ready = append(ready, ref)
		} else {
			fetch = append(fetch, ref)
		}
	}
	return fetch, ready, release, nil
}

// lockVictim waits for the stripe only as long as the configured timeout;
// generation checks keep the eviction safe without it.
func (s *stripes) lockVictim(ctx context.Context, id grid.CellID) func() {
	unlock, err := s.lock(ctx, []int{stripeOf(id)})
	if err != nil {
		return func() {}
	}
	return unlock
}
