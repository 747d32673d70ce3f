// Package grid partitions a planar working envelope into a fixed
// rows x cols lattice and tracks which cells hold complete cached contents.
package grid

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sync/atomic"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
)

const MaxAxisCells = 4096

type Config struct {
	Bounds model.Envelope
	// Cols and Rows fix the resolution. When both are zero it is derived
	// from Tiles with ResolutionFor.
	Cols  int
	Rows  int
	Tiles int
}

// Index is safe for concurrent use. Resolution never changes after New.
type Index struct {
	bounds     model.Envelope
	cols, rows int
	cellW      float64
	cellH      float64

	nextGen atomic.Uint64
	shards  [numShards]shard
}

func New(cfg Config) (*Index, error) {
	b := cfg.Bounds
	if b.IsEmpty() || b.Width() <= 0 || b.Height() <= 0 {
		return nil, fmt.Errorf("grid bounds %v must have a positive area", b)
	}
	if math.IsInf(b.Width(), 0) || math.IsInf(b.Height(), 0) {
		return nil, errors.New("grid bounds must be finite")
	}
	cols, rows := cfg.Cols, cfg.Rows
	if cols == 0 && rows == 0 {
		cols, rows = ResolutionFor(b, cfg.Tiles)
	}
	if cols < 1 || rows < 1 || cols > MaxAxisCells || rows > MaxAxisCells {
		return nil, fmt.Errorf("grid resolution %dx%d out of range [1,%d]", cols, rows, MaxAxisCells)
	}

	ix := &Index{
		bounds: b,
		cols:   cols,
		rows:   rows,
		cellW:  b.Width() / float64(cols),
		cellH:  b.Height() / float64(rows),
	}
	for i := range ix.shards {
		ix.shards[i].slots = make(map[CellID]*cell)
	}
	return ix, nil
}

// ResolutionFor picks cols and rows so that cols*rows is close to tiles and
// cells are roughly square for the aspect ratio of bounds.
func ResolutionFor(bounds model.Envelope, tiles int) (cols, rows int) {
	if tiles < 1 {
		tiles = 1
	}
	w, h := bounds.Width(), bounds.Height()
	if w <= 0 || h <= 0 {
		return 1, 1
	}
	aspect := w / h
	cols = clampAxis(int(math.Round(math.Sqrt(float64(tiles) * aspect))))
	rows = clampAxis(int(math.Round(float64(tiles) / float64(cols))))
	return cols, rows
}

func clampAxis(n int) int {
	switch {
	case n < 1:
		return 1
	case n > MaxAxisCells:
		return MaxAxisCells
	default:
		return n
	}
}

func (ix *Index) Bounds() model.Envelope { return ix.bounds }
func (ix *Index) Cols() int              { return ix.cols }
func (ix *Index) Rows() int              { return ix.rows }

func (ix *Index) edgeX(i int) float64 {
	if i >= ix.cols {
		return ix.bounds.MaxX
	}
	return ix.bounds.MinX + float64(i)*ix.cellW
}

func (ix *Index) edgeY(i int) float64 {
	if i >= ix.rows {
		return ix.bounds.MaxY
	}
	return ix.bounds.MinY + float64(i)*ix.cellH
}

// CellEnvelope is the closed extent of a cell. Cells in the last row and
// column end exactly on the bounds.
func (ix *Index) CellEnvelope(id CellID) model.Envelope {
	return model.Envelope{
		MinX: ix.edgeX(id.Col),
		MinY: ix.edgeY(id.Row),
		MaxX: ix.edgeX(id.Col + 1),
		MaxY: ix.edgeY(id.Row + 1),
	}
}

func (ix *Index) spanEnvelope(s Span) model.Envelope {
	return model.Envelope{
		MinX: ix.edgeX(s.Col0),
		MinY: ix.edgeY(s.Row0),
		MaxX: ix.edgeX(s.Col1 + 1),
		MaxY: ix.edgeY(s.Row1 + 1),
	}
}

func (ix *Index) Contains(id CellID) bool {
	return id.Row >= 0 && id.Row < ix.rows && id.Col >= 0 && id.Col < ix.cols
}

// Span is an inclusive rectangle of cells.
type Span struct {
	Row0, Row1 int
	Col0, Col1 int
}

func (s Span) Cells() int { return (s.Row1 - s.Row0 + 1) * (s.Col1 - s.Col0 + 1) }

func (s Span) IDs() iter.Seq[CellID] {
	return func(yield func(CellID) bool) {
		for r := s.Row0; r <= s.Row1; r++ {
			for c := s.Col0; c <= s.Col1; c++ {
				if !yield(CellID{Row: r, Col: c}) {
					return
				}
			}
		}
	}
}

// Range returns the cells whose extent shares at least one point with env
// inside the bounds. ok is false when env misses the grid entirely.
func (ix *Index) Range(env model.Envelope) (Span, bool) {
	clip, ok := env.Intersection(ix.bounds)
	if !ok {
		return Span{}, false
	}
	c0, c1 := axisRange(clip.MinX, clip.MaxX, ix.bounds.MinX, ix.cellW, ix.cols, ix.edgeX)
	r0, r1 := axisRange(clip.MinY, clip.MaxY, ix.bounds.MinY, ix.cellH, ix.rows, ix.edgeY)
	return Span{Row0: r0, Row1: r1, Col0: c0, Col1: c1}, true
}

// axisRange maps [lo,hi] onto cell indices along one axis. The floor/ceil
// estimate is corrected against the computed edges so rounding never leaves
// a point of [lo,hi] outside the returned cells.
func axisRange(lo, hi, origin, size float64, n int, edge func(int) float64) (int, int) {
	a := clampIndex(int(math.Floor((lo-origin)/size)), n)
	b := clampIndex(int(math.Ceil((hi-origin)/size))-1, n)
	if b < a {
		b = a
	}
	for a > 0 && edge(a) > lo {
		a--
	}
	for a < n-1 && edge(a+1) < lo {
		a++
	}
	for b < n-1 && edge(b+1) < hi {
		b++
	}
	for b > a && edge(b) > hi {
		b--
	}
	return a, b
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// Acquire returns the live instance at id, creating an Unregistered one when
// the slot is empty.
func (ix *Index) Acquire(id CellID) (Ref, State) {
	c := ix.acquire(id)
	return Ref{ID: id, Gen: c.gen}, c.load()
}

func (ix *Index) acquire(id CellID) *cell {
	s := pick(&ix.shards, id)
	s.mu.RLock()
	c := s.slots[id]
	s.mu.RUnlock()
	if c != nil {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.slots[id]; c != nil {
		return c
	}
	c = &cell{gen: ix.nextGen.Add(1)}
	s.slots[id] = c
	return c
}

// Lookup returns the live instance at id without creating one.
func (ix *Index) Lookup(id CellID) (Ref, State, bool) {
	s := pick(&ix.shards, id)
	s.mu.RLock()
	c := s.slots[id]
	s.mu.RUnlock()
	if c == nil {
		return Ref{}, Unregistered, false
	}
	return Ref{ID: id, Gen: c.gen}, c.load(), true
}

func (ix *Index) instance(ref Ref) *cell {
	s := pick(&ix.shards, ref.ID)
	s.mu.RLock()
	c := s.slots[ref.ID]
	s.mu.RUnlock()
	if c == nil || c.gen != ref.Gen {
		return nil
	}
	return c
}

// Register marks every cell covering env as Registered and returns the
// registered instances. Registering an already registered area is a no-op.
func (ix *Index) Register(env model.Envelope) []Ref {
	span, ok := ix.Range(env)
	if !ok {
		return nil
	}
	refs := make([]Ref, 0, span.Cells())
	for id := range span.IDs() {
		for {
			c := ix.acquire(id)
			if c.register() {
				refs = append(refs, Ref{ID: id, Gen: c.gen})
				break
			}
			// evicted between acquire and register; the slot is gone, retry
		}
	}
	return refs
}

// RegisterRef registers exactly that instance. It reports false when the
// instance was evicted in the meantime.
func (ix *Index) RegisterRef(ref Ref) bool {
	c := ix.instance(ref)
	if c == nil {
		return false
	}
	return c.register()
}

// Claim moves the instance from Unregistered to PendingFetch. It reports
// false when another caller holds the claim or the instance moved on.
func (ix *Index) Claim(ref Ref) bool {
	c := ix.instance(ref)
	return c != nil && c.cas(Unregistered, PendingFetch)
}

// Release returns a claimed instance to Unregistered after a failed fetch.
func (ix *Index) Release(ref Ref) {
	if c := ix.instance(ref); c != nil {
		c.cas(PendingFetch, Unregistered)
	}
}

// MarkPending claims the live instance of every id.
func (ix *Index) MarkPending(ids []CellID) (claimed, contended int) {
	for _, id := range ids {
		if ix.acquire(id).cas(Unregistered, PendingFetch) {
			claimed++
		} else {
			contended++
		}
	}
	return claimed, contended
}

// Evict retires that instance and frees its slot. It reports false when the
// slot already holds another generation or nothing at all.
func (ix *Index) Evict(ref Ref) bool {
	s := pick(&ix.shards, ref.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.slots[ref.ID]
	if c == nil || c.gen != ref.Gen {
		return false
	}
	delete(s.slots, ref.ID)
	return c.evict()
}

// Drop evicts whatever instance lives at id.
func (ix *Index) Drop(id CellID) (Ref, bool) {
	s := pick(&ix.shards, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.slots[id]
	if c == nil {
		return Ref{}, false
	}
	delete(s.slots, id)
	return Ref{ID: id, Gen: c.gen}, c.evict()
}

// Reset evicts every instance and returns the retired refs.
func (ix *Index) Reset() []Ref {
	var out []Ref
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.Lock()
		for id, c := range s.slots {
			if c.evict() {
				out = append(out, Ref{ID: id, Gen: c.gen})
			}
		}
		s.slots = make(map[CellID]*cell)
		s.mu.Unlock()
	}
	return out
}

// CellView is a point-in-time look at one live cell.
type CellView struct {
	Ref      Ref
	State    State
	Envelope model.Envelope
}

// IntersectionQuery yields every live cell whose extent intersects env.
// The sequence is lazy and may be ranged over more than once; order is
// unspecified.
func (ix *Index) IntersectionQuery(env model.Envelope) iter.Seq[CellView] {
	return func(yield func(CellView) bool) {
		span, ok := ix.Range(env)
		if !ok {
			return
		}
		for id := range span.IDs() {
			ref, st, ok := ix.Lookup(id)
			if !ok || st == Evicted {
				continue
			}
			if !yield(CellView{Ref: ref, State: st, Envelope: ix.CellEnvelope(id)}) {
				return
			}
		}
	}
}

type Stats struct {
	Cols       int `json:"cols"`
	Rows       int `json:"rows"`
	Live       int `json:"live_cells"`
	Registered int `json:"registered_cells"`
	Pending    int `json:"pending_cells"`
}

func (ix *Index) Stats() Stats {
	st := Stats{Cols: ix.cols, Rows: ix.rows}
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		for _, c := range s.slots {
			st.Live++
			switch c.load() {
			case Registered:
				st.Registered++
			case PendingFetch:
				st.Pending++
			}
		}
		s.mu.RUnlock()
	}
	return st
}
