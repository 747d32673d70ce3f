package grid

import (
	"cmp"
	"slices"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
)

// Block is a rectangle of cells that are fetched together.
type Block struct {
	Span     Span
	Envelope model.Envelope
	Cells    []Ref
}

// Plan splits a query envelope into what can be served from registered
// cells and what still has to come from the backing source.
type Plan struct {
	Registered []Ref
	Missing    []Block
	// Outside are the parts of the query beyond the grid bounds.
	Outside []model.Envelope
}

func (p Plan) MissingCells() int {
	n := 0
	for _, b := range p.Missing {
		n += len(b.Cells)
	}
	return n
}

// Plan classifies every cell covering env. Cells that are not Registered get
// a live instance so a later fill can register exactly that generation.
func (ix *Index) Plan(env model.Envelope) Plan {
	p := Plan{Outside: ix.outside(env)}
	span, ok := ix.Range(env)
	if !ok {
		return p
	}

	missing := make(map[CellID]Ref)
	for id := range span.IDs() {
		c := ix.acquire(id)
		ref := Ref{ID: id, Gen: c.gen}
		if c.load() == Registered {
			p.Registered = append(p.Registered, ref)
			continue
		}
		missing[id] = ref
	}
	for _, s := range mergeSpans(span, func(id CellID) bool { _, ok := missing[id]; return ok }) {
		b := Block{Span: s, Envelope: ix.spanEnvelope(s), Cells: make([]Ref, 0, s.Cells())}
		for id := range s.IDs() {
			b.Cells = append(b.Cells, missing[id])
		}
		p.Missing = append(p.Missing, b)
	}
	return p
}

// Blocks groups refs into rectangles of adjacent cells.
func (ix *Index) Blocks(refs []Ref) []Block {
	if len(refs) == 0 {
		return nil
	}
	byID := make(map[CellID]Ref, len(refs))
	bound := Span{Row0: ix.rows, Col0: ix.cols, Row1: -1, Col1: -1}
	for _, r := range refs {
		byID[r.ID] = r
		bound.Row0 = min(bound.Row0, r.ID.Row)
		bound.Row1 = max(bound.Row1, r.ID.Row)
		bound.Col0 = min(bound.Col0, r.ID.Col)
		bound.Col1 = max(bound.Col1, r.ID.Col)
	}
	var out []Block
	for _, s := range mergeSpans(bound, func(id CellID) bool { _, ok := byID[id]; return ok }) {
		b := Block{Span: s, Envelope: ix.spanEnvelope(s), Cells: make([]Ref, 0, s.Cells())}
		for id := range s.IDs() {
			b.Cells = append(b.Cells, byID[id])
		}
		out = append(out, b)
	}
	return out
}

// Match returns the parts of env not covered by registered cells: runs of
// unregistered cells merged into rectangles and clipped to env, plus the
// parts of env outside the grid bounds. The union of the result and the
// registered cells covering env is exactly env.
func (ix *Index) Match(env model.Envelope) []model.Envelope {
	if env.IsEmpty() {
		return nil
	}
	out := ix.outside(env)
	span, ok := ix.Range(env)
	if !ok {
		return out
	}
	unregistered := func(id CellID) bool {
		_, st, ok := ix.Lookup(id)
		return !ok || st != Registered
	}
	for _, s := range mergeSpans(span, unregistered) {
		if clip, ok := ix.spanEnvelope(s).Intersection(env); ok {
			out = append(out, clip)
		}
	}
	return out
}

// mergeSpans finds runs of selected cells along each row and then stacks
// runs with identical columns on consecutive rows into one rectangle.
func mergeSpans(area Span, selected func(CellID) bool) []Span {
	type run struct{ c0, c1 int }
	var (
		out  []Span
		open = map[run]*Span{}
	)
	for r := area.Row0; r <= area.Row1; r++ {
		next := map[run]*Span{}
		for c := area.Col0; c <= area.Col1; {
			if !selected(CellID{Row: r, Col: c}) {
				c++
				continue
			}
			start := c
			for c <= area.Col1 && selected(CellID{Row: r, Col: c}) {
				c++
			}
			k := run{start, c - 1}
			if s, ok := open[k]; ok {
				s.Row1 = r
				next[k] = s
				delete(open, k)
			} else {
				next[k] = &Span{Row0: r, Row1: r, Col0: k.c0, Col1: k.c1}
			}
		}
		for _, s := range open {
			out = append(out, *s)
		}
		open = next
	}
	for _, s := range open {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b Span) int {
		return cmp.Or(cmp.Compare(a.Row0, b.Row0), cmp.Compare(a.Col0, b.Col0))
	})
	return out
}

// outside returns env minus the grid bounds as up to four rectangles: full
// height strips left and right, then bottom and top strips between them.
func (ix *Index) outside(env model.Envelope) []model.Envelope {
	if env.IsEmpty() {
		return nil
	}
	b := ix.bounds
	if !env.Intersects(b) {
		return []model.Envelope{env}
	}
	var out []model.Envelope
	if env.MinX < b.MinX {
		out = append(out, model.Envelope{MinX: env.MinX, MinY: env.MinY, MaxX: b.MinX, MaxY: env.MaxY})
	}
	if env.MaxX > b.MaxX {
		out = append(out, model.Envelope{MinX: b.MaxX, MinY: env.MinY, MaxX: env.MaxX, MaxY: env.MaxY})
	}
	midMinX, midMaxX := max(env.MinX, b.MinX), min(env.MaxX, b.MaxX)
	if env.MinY < b.MinY {
		out = append(out, model.Envelope{MinX: midMinX, MinY: env.MinY, MaxX: midMaxX, MaxY: b.MinY})
	}
	if env.MaxY > b.MaxY {
		out = append(out, model.Envelope{MinX: midMinX, MinY: b.MaxY, MaxX: midMaxX, MaxY: env.MaxY})
	}
	return out
}
