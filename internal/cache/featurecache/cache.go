// Package featurecache serves spatial feature queries from a grid of cached
// cells and reads through to the backing source for cells it does not hold.
package featurecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/eviction"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/grid"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/keys"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/storage"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-feature-cache/internal/source"
)

const (
	VariantBlocking    = "blocking"
	VariantNonBlocking = "nonblocking"
)

type Interface interface {
	// GetFeatures returns exactly what the source would return for f.
	GetFeatures(ctx context.Context, f model.Filter) (model.FeatureCollection, error)
	// Put pre-warms the cache. Cells lying entirely inside fc.Bounds become
	// registered.
	Put(ctx context.Context, fc model.FeatureCollection) error
	// Register asserts that the cached contents for env are complete.
	Register(ctx context.Context, env model.Envelope) error
	// Invalidate drops every cell intersecting env and returns how many.
	Invalidate(ctx context.Context, env model.Envelope) (int, error)
	Clear(ctx context.Context) error
	Statistics() Stats
	Close() error
}

type Options struct {
	Variant string
	Layer   string
	Source  source.FeatureSource
	Storage storage.Storage
	Grid    grid.Config
	// Capacity is the maximum number of cached cell entries. A feature
	// spanning several cells counts once per cell.
	Capacity     int
	Policy       eviction.Kind
	HalfLife     time.Duration
	FetchWorkers int
	// LockTimeout bounds how long the blocking variant waits for another
	// caller's fill. Zero waits until the context is done.
	LockTimeout time.Duration
	// Epoch namespaces the storage keys of this instance. Empty picks a
	// random one, so payloads left in disk or redis storage by an earlier
	// process are never mistaken for current cells.
	Epoch  string
	Logger *slog.Logger
}

type Stats struct {
	Variant          string         `json:"variant"`
	Queries          int64          `json:"queries"`
	CellHits         int64          `json:"cell_hits"`
	CellMisses       int64          `json:"cell_misses"`
	Refetches        int64          `json:"refetches"`
	Fetches          int64          `json:"fetches"`
	RedundantFetches int64          `json:"redundant_fetches"`
	Bypasses         int64          `json:"bypasses"`
	Eviction         eviction.Stats `json:"eviction"`
	Grid             grid.Stats     `json:"grid"`
}

// New builds the variant named by opts.Variant; empty means blocking.
func New(opts Options) (Interface, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Variant)) {
	case "", VariantBlocking:
		c, err := NewBlocking(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	case VariantNonBlocking, "non-blocking":
		c, err := NewNonBlocking(opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown cache variant %q", opts.Variant)
	}
}

// discipline is the synchronisation that differs between the variants.
type discipline interface {
	// claim prepares missing cells for a fill. fetch are the instances this
	// caller must fetch; ready turned Registered while it waited.
	claim(ctx context.Context, refs []grid.Ref) (fetch, ready []grid.Ref, release func(), err error)
	// lockCells serialises bulk mutations of ids with concurrent fills.
	lockCells(ctx context.Context, ids []grid.CellID) (func(), error)
	lockAll(ctx context.Context) (func(), error)
	// lockVictim is taken around a single eviction; failure is not fatal.
	lockVictim(ctx context.Context, id grid.CellID) func()
}

type cellBatch struct {
	ref   grid.Ref
	feats []model.Feature
}

type core struct {
	variant  string
	layer    string
	epoch    string
	src      source.FeatureSource
	store    storage.Storage
	grid     *grid.Index
	tracker  *eviction.Tracker[grid.Ref]
	capacity int
	workers  int
	logger   *slog.Logger
	sync     discipline

	queries   atomic.Int64
	hits      atomic.Int64
	misses    atomic.Int64
	refetches atomic.Int64
	fetches   atomic.Int64
	redundant atomic.Int64
	bypasses  atomic.Int64
	closed    atomic.Bool
}

func newCore(variant string, opts Options) (*core, error) {
	if opts.Source == nil {
		return nil, errors.New("feature source is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Capacity <= 0 {
		return nil, fmt.Errorf("capacity must be > 0 (got %d)", opts.Capacity)
	}
	gcfg := opts.Grid
	if gcfg.Cols == 0 && gcfg.Rows == 0 && gcfg.Tiles == 0 {
		// about a hundred features per cell when the cache is full
		gcfg.Tiles = max(1, opts.Capacity/100)
	}
	ix, err := grid.New(gcfg)
	if err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	tr, err := eviction.New[grid.Ref](eviction.Config{
		Capacity: opts.Capacity,
		Policy:   opts.Policy,
		HalfLife: opts.HalfLife,
	})
	if err != nil {
		return nil, fmt.Errorf("eviction: %w", err)
	}
	workers := opts.FetchWorkers
	if workers <= 0 {
		workers = 8
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	epoch := opts.Epoch
	if epoch == "" {
		epoch = keys.NewEpoch()
	}
	return &core{
		variant:  variant,
		layer:    opts.Layer,
		epoch:    epoch,
		src:      opts.Source,
		store:    opts.Storage,
		grid:     ix,
		tracker:  tr,
		capacity: opts.Capacity,
		workers:  workers,
		logger:   logger.With("component", "featurecache", "variant", variant, "epoch", epoch),
	}, nil
}

func (c *core) key(ref grid.Ref) string {
	return keys.CellKey(c.layer, c.epoch, ref.ID.Row, ref.ID.Col, ref.Gen)
}

// Grid exposes the index for diagnostics and tests.
func (c *core) Grid() *grid.Index { return c.grid }

func (c *core) Evictions() int64 { return c.tracker.Evictions() }

func (c *core) GetFeatures(ctx context.Context, f model.Filter) (model.FeatureCollection, error) {
	if c.closed.Load() {
		return model.FeatureCollection{}, ErrClosed
	}
	c.queries.Add(1)
	observability.IncQuery("cache")

	env, ok := f.Envelope()
	if !ok {
		c.bypasses.Add(1)
		observability.IncQuery("bypass")
		c.logger.Info("query without bbox bypasses the cache", "filter", f.String())
		return c.src.GetFeatures(ctx, f)
	}

	plan := c.grid.Plan(env)
	cached, stale, err := c.readCells(ctx, plan.Registered)
	if err != nil {
		return model.FeatureCollection{}, err
	}
	missing := make([]grid.Ref, 0, plan.MissingCells()+len(stale))
	for _, b := range plan.Missing {
		missing = append(missing, b.Cells...)
	}
	missing = append(missing, c.retire(stale)...)

	var (
		filled  []model.Feature
		outside = make([][]model.Feature, len(plan.Outside))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		filled, err = c.fill(gctx, missing)
		return err
	})
	for i, o := range plan.Outside {
		g.Go(func() error {
			fc, err := c.src.GetFeatures(gctx, f.WithBBox(o))
			if err != nil {
				return err
			}
			outside[i] = fc.Features
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if IsOversized(err) {
			c.logger.Info("query result does not fit in the cache", "filter", f.String(), "err", err)
		}
		return model.FeatureCollection{}, err
	}

	candidates := append(cached, filled...)
	for _, o := range outside {
		candidates = append(candidates, o...)
	}
	out := make([]model.Feature, 0, len(candidates))
	for _, feat := range candidates {
		if f.Matches(feat) {
			out = append(out, feat)
		}
	}

	c.enforceCapacity(ctx)
	return model.FeatureCollection{Features: model.Dedup(out)}, nil
}

// readCells loads the payloads of registered cells. Cells whose payload is
// gone or unreadable come back as stale.
func (c *core) readCells(ctx context.Context, refs []grid.Ref) ([]model.Feature, []grid.Ref, error) {
	if len(refs) == 0 {
		return nil, nil, nil
	}
	payloads, found, err := c.loadPayloads(ctx, refs)
	if err != nil {
		return nil, nil, err
	}

	var (
		out   []model.Feature
		stale []grid.Ref
		hits  int
	)
	for i, ref := range refs {
		if !found[i] {
			stale = append(stale, ref)
			continue
		}
		feats, err := decodeBatch(payloads[i])
		if err != nil {
			c.logger.Warn("dropping unreadable cell payload", "cell", ref.String(), "err", err)
			stale = append(stale, ref)
			continue
		}
		hits++
		c.tracker.RecordAccess(ref)
		out = append(out, feats...)
	}
	c.hits.Add(int64(hits))
	observability.AddCellHits(hits)
	return out, stale, nil
}

// loadPayloads fetches the stored payload of every ref, in one round trip
// when the backend supports batch reads.
func (c *core) loadPayloads(ctx context.Context, refs []grid.Ref) ([][]byte, []bool, error) {
	payloads := make([][]byte, len(refs))
	found := make([]bool, len(refs))
	if bg, ok := c.store.(storage.BatchGetter); ok {
		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = c.key(ref)
		}
		got, err := bg.GetMany(ctx, ids)
		if err != nil {
			return nil, nil, err
		}
		for i, id := range ids {
			payloads[i], found[i] = got[id]
		}
		return payloads, found, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, ref := range refs {
		g.Go(func() error {
			payload, ok, err := c.store.Get(gctx, c.key(ref))
			if err != nil {
				return err
			}
			payloads[i], found[i] = payload, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return payloads, found, nil
}

// retire drops registered instances that lost their payload and returns the
// fresh instances that replace them.
func (c *core) retire(stale []grid.Ref) []grid.Ref {
	if len(stale) == 0 {
		return nil
	}
	out := make([]grid.Ref, 0, len(stale))
	for _, ref := range stale {
		c.grid.Evict(ref)
		c.tracker.Forget(ref)
		fresh, _ := c.grid.Acquire(ref.ID)
		out = append(out, fresh)
	}
	c.refetches.Add(int64(len(stale)))
	observability.AddCellRefetches(len(stale))
	return out
}

// fill fetches the missing cells from the source, stores one batch per cell
// and registers exactly the instances that were fetched.
func (c *core) fill(ctx context.Context, missing []grid.Ref) ([]model.Feature, error) {
	if len(missing) == 0 {
		return nil, nil
	}
	fetch, ready, release, err := c.sync.claim(ctx, missing)
	if err != nil {
		return nil, err
	}
	defer release()

	out, stale, err := c.readCells(ctx, ready)
	if err != nil {
		return nil, err
	}
	fetch = append(fetch, c.retire(stale)...)
	if len(fetch) == 0 {
		return out, nil
	}

	blocks := c.grid.Blocks(fetch)
	results := make([][]cellBatch, len(blocks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i, b := range blocks {
		g.Go(func() error {
			c.fetches.Add(1)
			fc, err := c.src.GetFeatures(gctx, model.BBoxFilter(b.Envelope))
			if err != nil {
				return err
			}
			results[i] = c.distribute(b, fc.Features)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	entries := 0
	for _, rs := range results {
		for _, cb := range rs {
			entries += len(cb.feats)
		}
	}
	if entries > c.capacity {
		return nil, &CacheOversizedError{Requested: entries, Capacity: c.capacity}
	}

	c.misses.Add(int64(len(fetch)))
	observability.AddCellMisses(len(fetch))
	for _, rs := range results {
		for _, cb := range rs {
			if err := c.storeCell(ctx, cb); err != nil {
				return nil, err
			}
			out = append(out, cb.feats...)
		}
	}
	return out, nil
}

// distribute assigns every feature to each cell of b its envelope touches.
func (c *core) distribute(b grid.Block, feats []model.Feature) []cellBatch {
	pos := make(map[grid.CellID]int, len(b.Cells))
	out := make([]cellBatch, len(b.Cells))
	for i, ref := range b.Cells {
		pos[ref.ID] = i
		out[i].ref = ref
	}
	for _, feat := range feats {
		for _, i := range c.cellsOf(feat.Envelope, b.Span, pos) {
			out[i].feats = append(out[i].feats, feat)
		}
	}
	return out
}

// cellsOf returns the positions of the cells in area whose closed extent
// intersects env.
func (c *core) cellsOf(env model.Envelope, area grid.Span, pos map[grid.CellID]int) []int {
	span, ok := c.grid.Range(env)
	if !ok {
		return nil
	}
	var out []int
	for id := range widen(span, area).IDs() {
		i, ok := pos[id]
		if !ok || !c.grid.CellEnvelope(id).Intersects(env) {
			continue
		}
		out = append(out, i)
	}
	return out
}

func (c *core) storeCell(ctx context.Context, cb cellBatch) error {
	payload, err := encodeBatch(cb.feats)
	if err != nil {
		return err
	}
	key := c.key(cb.ref)
	if err := c.store.Put(ctx, key, payload); err != nil {
		return err
	}
	if !c.grid.RegisterRef(cb.ref) {
		// evicted or invalidated while we were fetching
		if err := c.store.Remove(ctx, key); err != nil {
			c.logger.Warn("remove orphan cell payload", "cell", cb.ref.String(), "err", err)
		}
		return nil
	}
	c.track(cb.ref, len(cb.feats))
	return nil
}

// track records n entries for ref unless the instance disappeared meanwhile.
func (c *core) track(ref grid.Ref, n int) {
	c.tracker.RecordInsertion(ref, n)
	if cur, _, ok := c.grid.Lookup(ref.ID); !ok || cur.Gen != ref.Gen {
		c.tracker.Forget(ref)
	}
}

// enforceCapacity evicts cells until the cached total fits again.
func (c *core) enforceCapacity(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for {
		ref, ok := c.tracker.SelectEvictionCandidate()
		if !ok {
			break
		}
		unlock := c.sync.lockVictim(ctx, ref.ID)
		c.grid.Evict(ref)
		err := c.store.Remove(ctx, c.key(ref))
		unlock()
		if err != nil {
			c.logger.Warn("remove evicted cell payload", "cell", ref.String(), "err", err)
		}
		observability.IncEviction()
		c.logger.Debug("evicted cell", "cell", ref.String(), "cached", c.tracker.Total())
	}
	observability.SetCachedFeatures(c.tracker.Total())
}

func (c *core) Put(ctx context.Context, fc model.FeatureCollection) error {
	if c.closed.Load() {
		return ErrClosed
	}
	all := grid.Span{Row0: 0, Row1: c.grid.Rows() - 1, Col0: 0, Col1: c.grid.Cols() - 1}
	byCell := make(map[grid.CellID][]model.Feature)
	for _, feat := range fc.Features {
		span, ok := c.grid.Range(feat.Envelope)
		if !ok {
			continue
		}
		for id := range widen(span, all).IDs() {
			if c.grid.CellEnvelope(id).Intersects(feat.Envelope) {
				byCell[id] = append(byCell[id], feat)
			}
		}
	}
	entries := 0
	for _, feats := range byCell {
		entries += len(feats)
	}
	if entries > c.capacity {
		c.logger.Info("put does not fit in the cache", "features", fc.Len(), "entries", entries, "capacity", c.capacity)
		return &CacheOversizedError{Requested: entries, Capacity: c.capacity}
	}

	// only cells lying entirely inside the authoritative extent are complete
	register := make(map[grid.CellID]bool)
	if fc.Bounds != nil {
		if span, ok := c.grid.Range(*fc.Bounds); ok {
			for id := range span.IDs() {
				if fc.Bounds.Contains(c.grid.CellEnvelope(id)) {
					register[id] = true
				}
			}
		}
	}
	ids := make([]grid.CellID, 0, len(byCell)+len(register))
	for id := range byCell {
		ids = append(ids, id)
	}
	for id := range register {
		if _, ok := byCell[id]; !ok {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)

	unlock, err := c.sync.lockCells(ctx, ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := c.putCell(ctx, id, byCell[id], register[id]); err != nil {
			errs = append(errs, err)
		}
	}
	unlock()

	c.enforceCapacity(ctx)
	return errors.Join(errs...)
}

// putCell merges feats into the live instance at id and optionally registers it.
func (c *core) putCell(ctx context.Context, id grid.CellID, feats []model.Feature, register bool) error {
	ref, _ := c.grid.Acquire(id)
	key := c.key(ref)
	payload, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return err
	}
	var base []model.Feature
	if ok {
		if base, err = decodeBatch(payload); err != nil {
			c.logger.Warn("replacing unreadable cell payload", "cell", ref.String(), "err", err)
			base = nil
		}
	}
	if ok && len(feats) == 0 && !register {
		return nil
	}
	merged := mergeBatch(base, feats)
	if !ok || len(feats) > 0 {
		b, err := encodeBatch(merged)
		if err != nil {
			return err
		}
		if err := c.store.Put(ctx, key, b); err != nil {
			return err
		}
	}
	if register && !c.grid.RegisterRef(ref) {
		if err := c.store.Remove(ctx, key); err != nil {
			c.logger.Warn("remove orphan cell payload", "cell", ref.String(), "err", err)
		}
		return nil
	}
	c.track(ref, len(merged))
	return nil
}

func (c *core) Register(ctx context.Context, env model.Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}
	span, ok := c.grid.Range(env)
	if !ok {
		return nil
	}
	ids := slices.Collect(span.IDs())
	unlock, err := c.sync.lockCells(ctx, ids)
	if err != nil {
		return err
	}
	var errs []error
	for _, id := range ids {
		if err := c.putCell(ctx, id, nil, true); err != nil {
			errs = append(errs, err)
		}
	}
	unlock()

	c.enforceCapacity(ctx)
	return errors.Join(errs...)
}

func (c *core) Invalidate(ctx context.Context, env model.Envelope) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	var ids []grid.CellID
	for v := range c.grid.IntersectionQuery(env) {
		ids = append(ids, v.Ref.ID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	sortIDs(ids)
	unlock, err := c.sync.lockCells(ctx, ids)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var (
		n    int
		errs []error
	)
	for _, id := range ids {
		ref, ok := c.grid.Drop(id)
		if !ok {
			continue
		}
		n++
		c.tracker.Forget(ref)
		if err := c.store.Remove(ctx, c.key(ref)); err != nil {
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)
	observability.SetCachedFeatures(c.tracker.Total())
	c.logger.Debug("invalidated cells", "bbox", env.String(), "cells", n)
	return n, err
}

func (c *core) Clear(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	unlock, err := c.sync.lockAll(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	c.grid.Reset()
	c.tracker.Reset()
	observability.SetCachedFeatures(0)
	return c.store.Clear(ctx)
}

func (c *core) Statistics() Stats {
	return Stats{
		Variant:          c.variant,
		Queries:          c.queries.Load(),
		CellHits:         c.hits.Load(),
		CellMisses:       c.misses.Load(),
		Refetches:        c.refetches.Load(),
		Fetches:          c.fetches.Load(),
		RedundantFetches: c.redundant.Load(),
		Bypasses:         c.bypasses.Load(),
		Eviction:         c.tracker.Statistics(),
		Grid:             c.grid.Stats(),
	}
}

// Close releases the storage. Further calls fail with ErrClosed.
func (c *core) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.store.Close()
}

// widen grows s by one cell on every side, within bound. Range may stop
// short of a neighbour that only touches an envelope on its edge.
func widen(s, bound grid.Span) grid.Span {
	return grid.Span{
		Row0: max(bound.Row0, s.Row0-1), Row1: min(bound.Row1, s.Row1+1),
		Col0: max(bound.Col0, s.Col0-1), Col1: min(bound.Col1, s.Col1+1),
	}
}

func sortIDs(ids []grid.CellID) {
	slices.SortFunc(ids, func(a, b grid.CellID) int {
		if a.Row != b.Row {
			return a.Row - b.Row
		}
		return a.Col - b.Col
	})
}
