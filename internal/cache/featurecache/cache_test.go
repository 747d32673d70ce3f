package featurecache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/grid"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/keys"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/storage"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-feature-cache/internal/source"
)

var (
	testBounds = model.Envelope{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}
	variants   = []string{VariantBlocking, VariantNonBlocking}
)

// dataset places k*k point features on a lattice that never hits a cell edge
// of the 10x10 test grid, plus a few features spanning several cells.
func dataset(k int) []model.Feature {
	step := 10.0 / float64(k)
	out := make([]model.Feature, 0, k*k+3)
	for r := range k {
		for c := range k {
			x, y := (float64(c)+0.5)*step, (float64(r)+0.5)*step
			out = append(out, model.Feature{
				ID:         fmt.Sprintf("p-%03d-%03d", r, c),
				Envelope:   model.Envelope{MinX: x, MinY: y, MaxX: x, MaxY: y},
				Properties: map[string]any{"rank": float64(r*k + c), "parity": []string{"even", "odd"}[(r+c)%2]},
			})
		}
	}
	out = append(out,
		model.Feature{ID: "span-a", Envelope: model.Envelope{MinX: 0.5, MinY: 0.5, MaxX: 3.5, MaxY: 1.5}, Properties: map[string]any{"rank": -1.0}},
		model.Feature{ID: "span-b", Envelope: model.Envelope{MinX: 4, MinY: 4, MaxX: 6, MaxY: 6}, Properties: map[string]any{"rank": -2.0}},
		model.Feature{ID: "edge", Envelope: model.Envelope{MinX: 7, MinY: 2, MaxX: 7, MaxY: 3}, Properties: map[string]any{"rank": -3.0}},
	)
	return out
}

type fixture struct {
	cache Interface
	src   *source.Memory
	store *storage.Memory
}

func newFixture(t *testing.T, variant string, capacity int, src source.FeatureSource, mem *source.Memory) fixture {
	t.Helper()
	if mem == nil {
		mem = source.NewMemory(dataset(20)...)
	}
	if src == nil {
		src = mem
	}
	store := storage.NewMemory()
	c, err := New(Options{
		Variant:  variant,
		Layer:    "test:points",
		Source:   src,
		Storage:  store,
		Grid:     grid.Config{Bounds: testBounds, Cols: 10, Rows: 10},
		Capacity: capacity,
	})
	if err != nil {
		t.Fatalf("New(%s): %v", variant, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return fixture{cache: c, src: mem, store: store}
}

func ids(fc model.FeatureCollection) string { return strings.Join(fc.IDs(), ",") }

func direct(t *testing.T, src source.FeatureSource, f model.Filter) string {
	t.Helper()
	fc, err := src.GetFeatures(context.Background(), f)
	if err != nil {
		t.Fatalf("direct query: %v", err)
	}
	got := fc.IDs()
	slices.Sort(got)
	return strings.Join(got, ",")
}

func randomEnvelope(rng *rand.Rand, lo, hi float64) model.Envelope {
	p := func() float64 { return lo + rng.Float64()*(hi-lo) }
	return model.NewEnvelope(p(), p(), p(), p())
}

func TestGetFeatures_ReadThroughEquality(t *testing.T) {
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			fx := newFixture(t, v, 1_000_000, nil, nil)
			rng := rand.New(rand.NewPCG(3, 5))
			ctx := context.Background()

			for i := range 150 {
				env := randomEnvelope(rng, -2, 12)
				f := model.BBoxFilter(env)
				if i%3 == 0 {
					f.Where = []model.Condition{{Property: "rank", Op: model.OpGe, Value: float64(rng.IntN(400))}}
				}
				want := direct(t, fx.src, f)
				for pass := range 2 {
					got, err := fx.cache.GetFeatures(ctx, f)
					if err != nil {
						t.Fatalf("query %d pass %d: %v", i, pass, err)
					}
					if ids(got) != want {
						t.Fatalf("query %d pass %d %s\n got: %s\nwant: %s", i, pass, f, ids(got), want)
					}
				}
			}
		})
	}
}

func TestGetFeatures_SmallCellRepeatedly(t *testing.T) {
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			fx := newFixture(t, v, 1_000_000, nil, nil)
			f := model.BBoxFilter(model.Envelope{MinX: 2.2, MinY: 2.2, MaxX: 2.3, MaxY: 2.3})
			want := direct(t, fx.src, f)
			for range 5 {
				got, err := fx.cache.GetFeatures(context.Background(), f)
				if err != nil {
					t.Fatalf("GetFeatures: %v", err)
				}
				if ids(got) != want {
					t.Fatalf("got %s want %s", ids(got), want)
				}
			}
		})
	}
}

func TestGetFeatures_SecondQueryServedFromCells(t *testing.T) {
	fx := newFixture(t, VariantBlocking, 1_000_000, nil, nil)
	f := model.BBoxFilter(model.Envelope{MinX: 1, MinY: 1, MaxX: 3.5, MaxY: 3.5})
	ctx := context.Background()

	if _, err := fx.cache.GetFeatures(ctx, f); err != nil {
		t.Fatalf("first: %v", err)
	}
	calls := fx.src.Calls()
	if _, err := fx.cache.GetFeatures(ctx, f); err != nil {
		t.Fatalf("second: %v", err)
	}
	if fx.src.Calls() != calls {
		t.Fatalf("second query hit the source: calls %d -> %d", calls, fx.src.Calls())
	}
	st := fx.cache.Statistics()
	if st.CellHits == 0 || st.CellMisses == 0 || st.Queries != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSweep_EvictsAndKeepsCapacity(t *testing.T) {
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			data := dataset(20)
			capacity := len(data) / 2
			fx := newFixture(t, v, capacity, nil, source.NewMemory(data...))
			ctx := context.Background()

			for pass := range 2 {
				for y := 0.0; y < 10; y += 1.5 {
					for x := 0.0; x < 10; x += 1.5 {
						f := model.BBoxFilter(model.Envelope{MinX: x, MinY: y, MaxX: x + 1.5, MaxY: y + 1.5})
						got, err := fx.cache.GetFeatures(ctx, f)
						if err != nil {
							t.Fatalf("pass %d sweep %v: %v", pass, f, err)
						}
						if want := direct(t, fx.src, f); ids(got) != want {
							t.Fatalf("sweep %v got %s want %s", f, ids(got), want)
						}
						if n := fx.cache.Statistics().Eviction.CachedFeatures; n > int64(capacity) {
							t.Fatalf("cached %d > capacity %d", n, capacity)
						}
					}
				}
			}
			if ev := fx.cache.Statistics().Eviction.Evictions; ev == 0 {
				t.Fatal("expected evictions once the dataset exceeds capacity")
			}
		})
	}
}

func TestPutThenRegister_ReturnsFullDataset(t *testing.T) {
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			data := dataset(20)
			fx := newFixture(t, v, 10*len(data), nil, source.NewMemory())
			ctx := context.Background()
			full := model.FeatureCollection{Features: data}

			if err := fx.cache.Put(ctx, full); err != nil {
				t.Fatalf("Put: %v", err)
			}
			extent := full.Extent()
			if err := fx.cache.Register(ctx, extent); err != nil {
				t.Fatalf("Register: %v", err)
			}
			got, err := fx.cache.GetFeatures(ctx, model.BBoxFilter(extent))
			if err != nil {
				t.Fatalf("GetFeatures: %v", err)
			}
			if got.Len() != len(data) {
				t.Fatalf("got %d features want %d", got.Len(), len(data))
			}
			if fx.src.Calls() != 0 {
				t.Fatalf("source consulted %d times after put+register", fx.src.Calls())
			}
		})
	}
}

func TestPut_WithBoundsRegisters(t *testing.T) {
	fx := newFixture(t, VariantNonBlocking, 10_000, nil, source.NewMemory())
	ctx := context.Background()
	bounds := model.Envelope{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}
	fc := model.FeatureCollection{
		Features: []model.Feature{{ID: "a", Envelope: model.Envelope{MinX: 0.5, MinY: 0.5, MaxX: 0.5, MaxY: 0.5}}},
		Bounds:   &bounds,
	}
	if err := fx.cache.Put(ctx, fc); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if st := fx.cache.Statistics().Grid; st.Registered != 4 {
		t.Fatalf("registered=%d want 4", st.Registered)
	}
	got, err := fx.cache.GetFeatures(ctx, model.BBoxFilter(bounds))
	if err != nil || ids(got) != "a" || fx.src.Calls() != 0 {
		t.Fatalf("got %s err=%v calls=%d", ids(got), err, fx.src.Calls())
	}
}

func point(id string, x, y float64) model.Feature {
	return model.Feature{ID: id, Envelope: model.Envelope{MinX: x, MinY: y, MaxX: x, MaxY: y}}
}

func TestPut_CellsStickingOutOfBoundsStayUnregistered(t *testing.T) {
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			mem := source.NewMemory(point("a", 0.5, 0.5), point("b", 1.75, 1.75))
			fx := newFixture(t, v, 10_000, nil, mem)
			ctx := context.Background()

			bounds := model.Envelope{MinX: 0, MinY: 0, MaxX: 1.5, MaxY: 1.5}
			fc, err := mem.GetFeatures(ctx, model.BBoxFilter(bounds))
			if err != nil {
				t.Fatalf("source: %v", err)
			}
			fc.Bounds = &bounds
			if err := fx.cache.Put(ctx, fc); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if st := fx.cache.Statistics().Grid; st.Registered != 1 {
				t.Fatalf("registered=%d want only the cell inside bounds", st.Registered)
			}

			f := model.BBoxFilter(model.Envelope{MinX: 1, MinY: 1, MaxX: 2, MaxY: 2})
			got, err := fx.cache.GetFeatures(ctx, f)
			if err != nil {
				t.Fatalf("GetFeatures: %v", err)
			}
			if want := direct(t, mem, f); ids(got) != want || want != "b" {
				t.Fatalf("got %q want %q", ids(got), want)
			}
		})
	}
}

func TestPut_OversizedCountsCellEntries(t *testing.T) {
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			fx := newFixture(t, v, 10, nil, source.NewMemory())
			// eight features, each spanning two neighbouring cells
			var feats []model.Feature
			for c := range 8 {
				x := float64(c) + 0.5
				feats = append(feats, model.Feature{
					ID:       fmt.Sprintf("w-%d", c),
					Envelope: model.Envelope{MinX: x, MinY: 0.5, MaxX: x + 1, MaxY: 0.5},
				})
			}
			err := fx.cache.Put(context.Background(), model.FeatureCollection{Features: feats})
			var oe *CacheOversizedError
			if !errors.As(err, &oe) || oe.Requested != 16 || oe.Capacity != 10 {
				t.Fatalf("err=%v want oversized with 16 entries", err)
			}
			st := fx.cache.Statistics()
			if fx.store.Len() != 0 || st.Eviction.Evictions != 0 || st.Eviction.CachedFeatures != 0 {
				t.Fatalf("rejected put touched the cache: payloads=%d stats=%+v", fx.store.Len(), st.Eviction)
			}
		})
	}
}

func TestReopenedDiskStorageStartsCold(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	area := model.Envelope{MinX: 0.1, MinY: 0.1, MaxX: 0.9, MaxY: 0.9}
	open := func(src source.FeatureSource) Interface {
		store, err := storage.NewDisk(storage.DiskOptions{Dir: dir, KeepOnClose: true})
		if err != nil {
			t.Fatalf("NewDisk: %v", err)
		}
		c, err := New(Options{
			Layer:    "test:points",
			Source:   src,
			Storage:  store,
			Grid:     grid.Config{Bounds: testBounds, Cols: 10, Rows: 10},
			Capacity: 1000,
		})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return c
	}

	first := open(source.NewMemory(point("old", 0.5, 0.5)))
	if _, err := first.GetFeatures(ctx, model.BBoxFilter(area)); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	src := source.NewMemory(point("new", 0.5, 0.5))
	second := open(src)
	t.Cleanup(func() { _ = second.Close() })
	fc, err := src.GetFeatures(ctx, model.BBoxFilter(area))
	if err != nil {
		t.Fatalf("source: %v", err)
	}
	if err := second.Put(ctx, fc); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := second.Register(ctx, model.Envelope{MaxX: 1, MaxY: 1}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, err := second.GetFeatures(ctx, model.BBoxFilter(area))
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if ids(got) != "new" {
		t.Fatalf("got %q want payloads of the previous process ignored", ids(got))
	}
}

func TestPut_ReplacesUnreadablePayloadAndLogs(t *testing.T) {
	var logs bytes.Buffer
	store := storage.NewMemory()
	c, err := New(Options{
		Layer:    "test:points",
		Epoch:    "fixed",
		Source:   source.NewMemory(),
		Storage:  store,
		Grid:     grid.Config{Bounds: testBounds, Cols: 10, Rows: 10},
		Capacity: 100,
		Logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	// first instance of cell (0,0) is generation 1
	_ = store.Put(ctx, keys.CellKey("test:points", "fixed", 0, 0, 1), []byte("{not json"))
	bounds := model.Envelope{MaxX: 1, MaxY: 1}
	fc := model.FeatureCollection{Features: []model.Feature{point("a", 0.5, 0.5)}, Bounds: &bounds}
	if err := c.Put(ctx, fc); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.Contains(logs.String(), "replacing unreadable cell payload") {
		t.Fatalf("missing warning in logs:\n%s", logs.String())
	}
	got, err := c.GetFeatures(ctx, model.BBoxFilter(model.Envelope{MinX: 0.2, MinY: 0.2, MaxX: 0.8, MaxY: 0.8}))
	if err != nil || ids(got) != "a" {
		t.Fatalf("got %q err=%v", ids(got), err)
	}
}

// batchStore counts batch reads on top of the memory backend.
type batchStore struct {
	*storage.Memory
	batches atomic.Int64
}

func (b *batchStore) GetMany(ctx context.Context, ids []string) (map[string][]byte, error) {
	b.batches.Add(1)
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		p, ok, err := b.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = p
		}
	}
	return out, nil
}

func TestBatchGetterReadsRegisteredCellsInOneCall(t *testing.T) {
	mem := source.NewMemory(dataset(20)...)
	store := &batchStore{Memory: storage.NewMemory()}
	c, err := New(Options{
		Layer:    "test:points",
		Source:   mem,
		Storage:  store,
		Grid:     grid.Config{Bounds: testBounds, Cols: 10, Rows: 10},
		Capacity: 1_000_000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()
	f := model.BBoxFilter(model.Envelope{MinX: 1.2, MinY: 1.2, MaxX: 4.8, MaxY: 4.8})

	if _, err := c.GetFeatures(ctx, f); err != nil {
		t.Fatalf("warm: %v", err)
	}
	before, calls := store.batches.Load(), mem.Calls()
	got, err := c.GetFeatures(ctx, f)
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if want := direct(t, mem, f); ids(got) != want {
		t.Fatalf("got %s want %s", ids(got), want)
	}
	if store.batches.Load()-before != 1 || mem.Calls() != calls {
		t.Fatalf("batches=%d source calls %d -> %d", store.batches.Load()-before, calls, mem.Calls())
	}
}

func TestRedisBackedCacheMatchesSource(t *testing.T) {
	mr := miniredis.RunT(t)
	cli, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore.New: %v", err)
	}
	mem := source.NewMemory(dataset(20)...)
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			c, err := New(Options{
				Variant:  v,
				Layer:    "test:points",
				Source:   mem,
				Storage:  storage.NewRedis(cli, "gfc:"+v+":"),
				Grid:     grid.Config{Bounds: testBounds, Cols: 10, Rows: 10},
				Capacity: 200,
			})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			t.Cleanup(func() { _ = c.Close() })
			rng := rand.New(rand.NewPCG(7, 11))
			for range 40 {
				f := model.BBoxFilter(randomEnvelope(rng, 0, 10))
				got, err := c.GetFeatures(context.Background(), f)
				if IsOversized(err) {
					continue
				}
				if err != nil {
					t.Fatalf("GetFeatures(%s): %v", f, err)
				}
				if want := direct(t, mem, f); ids(got) != want {
					t.Fatalf("%s: got %s want %s", f, ids(got), want)
				}
			}
			if c.Statistics().CellHits == 0 {
				t.Fatal("expected cells to be served from redis")
			}
		})
	}
	_ = cli.Close()
}

func TestOversized(t *testing.T) {
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			fx := newFixture(t, v, 10, nil, nil)
			ctx := context.Background()

			_, err := fx.cache.GetFeatures(ctx, model.BBoxFilter(testBounds))
			var oe *CacheOversizedError
			if !errors.As(err, &oe) || oe.Capacity != 10 || oe.Requested <= 10 {
				t.Fatalf("err=%v want CacheOversizedError", err)
			}
			if fx.store.Len() != 0 || fx.cache.Statistics().Grid.Registered != 0 {
				t.Fatalf("oversized query stored data: payloads=%d", fx.store.Len())
			}
			if fx.cache.Statistics().Grid.Pending != 0 {
				t.Fatal("claims leaked after oversized query")
			}

			// a small query still works afterwards
			f := model.BBoxFilter(model.Envelope{MinX: 0.1, MinY: 0.1, MaxX: 0.9, MaxY: 0.9})
			if _, err := fx.cache.GetFeatures(ctx, f); err != nil {
				t.Fatalf("small query: %v", err)
			}

			err = fx.cache.Put(ctx, model.FeatureCollection{Features: dataset(4)})
			if !IsOversized(err) {
				t.Fatalf("Put err=%v want oversized", err)
			}
		})
	}
}

func TestBackingErrorPropagatesUnchanged(t *testing.T) {
	boom := errors.New("backend down")
	src := source.Func(func(context.Context, model.Filter) (model.FeatureCollection, error) {
		return model.FeatureCollection{}, boom
	})
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			fx := newFixture(t, v, 1000, src, nil)
			_, err := fx.cache.GetFeatures(context.Background(), model.BBoxFilter(model.Envelope{MinX: 1, MinY: 1, MaxX: 4, MaxY: 4}))
			if err != boom {
				t.Fatalf("err=%v want the source error itself", err)
			}
			_, err = fx.cache.GetFeatures(context.Background(), model.Filter{})
			if err != boom {
				t.Fatalf("bypass err=%v", err)
			}
		})
	}
}

type failingStore struct {
	*storage.Memory
}

func (failingStore) Put(_ context.Context, id string, _ []byte) error {
	return &storage.IOError{Backend: "fake", Op: "put", ID: id, Err: errors.New("disk full")}
}

func TestStorageIOErrorPropagates(t *testing.T) {
	c, err := New(Options{
		Variant:  VariantBlocking,
		Source:   source.NewMemory(dataset(4)...),
		Storage:  failingStore{storage.NewMemory()},
		Grid:     grid.Config{Bounds: testBounds, Cols: 10, Rows: 10},
		Capacity: 100,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.GetFeatures(context.Background(), model.BBoxFilter(model.Envelope{MaxX: 5, MaxY: 5}))
	if !storage.IsIOError(err) {
		t.Fatalf("err=%v want storage IOError", err)
	}
	if c.Statistics().Grid.Registered != 0 {
		t.Fatal("cells registered without a stored payload")
	}
}

func TestNonBlocking_DisjointQueriesDoNotWait(t *testing.T) {
	mem := source.NewMemory(dataset(20)...)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	src := source.Func(func(ctx context.Context, f model.Filter) (model.FeatureCollection, error) {
		if f.BBox != nil && f.BBox.MaxX <= 5 {
			once.Do(func() { close(started) })
			select {
			case <-release:
			case <-ctx.Done():
				return model.FeatureCollection{}, ctx.Err()
			}
		}
		return mem.GetFeatures(ctx, f)
	})
	fx := newFixture(t, VariantNonBlocking, 1_000_000, src, mem)

	left := model.BBoxFilter(model.Envelope{MinX: 0.5, MinY: 0.5, MaxX: 4.5, MaxY: 4.5})
	right := model.BBoxFilter(model.Envelope{MinX: 5.5, MinY: 5.5, MaxX: 9.5, MaxY: 9.5})

	leftDone := make(chan error, 1)
	var leftGot model.FeatureCollection
	go func() {
		var err error
		leftGot, err = fx.cache.GetFeatures(context.Background(), left)
		leftDone <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := fx.cache.GetFeatures(ctx, right)
	if err != nil {
		t.Fatalf("right query blocked or failed: %v", err)
	}
	if want := direct(t, mem, right); ids(got) != want {
		t.Fatalf("right got %s want %s", ids(got), want)
	}

	close(release)
	if err := <-leftDone; err != nil {
		t.Fatalf("left query: %v", err)
	}
	if want := direct(t, mem, left); ids(leftGot) != want {
		t.Fatalf("left got %s want %s", ids(leftGot), want)
	}
}

func TestConcurrentSameCell(t *testing.T) {
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			mem := source.NewMemory(dataset(20)...)
			mem.SetLatency(30 * time.Millisecond)
			fx := newFixture(t, v, 1_000_000, nil, mem)
			f := model.BBoxFilter(model.Envelope{MinX: 1.1, MinY: 1.1, MaxX: 1.9, MaxY: 1.9})
			want := direct(t, mem, f)
			callsBefore := mem.Calls()

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					got, err := fx.cache.GetFeatures(context.Background(), f)
					if err == nil && ids(got) != want {
						err = fmt.Errorf("got %s want %s", ids(got), want)
					}
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatal(err)
				}
			}

			st := fx.cache.Statistics()
			if st.Grid.Registered != 1 || st.Grid.Pending != 0 {
				t.Fatalf("grid did not converge: %+v", st.Grid)
			}
			fetched := mem.Calls() - callsBefore
			if v == VariantBlocking && fetched != 1 {
				t.Fatalf("blocking variant fetched the cell %d times", fetched)
			}
			if v == VariantNonBlocking && st.Fetches != fetched {
				t.Fatalf("fetches=%d source calls=%d", st.Fetches, fetched)
			}
		})
	}
}

func TestBlocking_LockTimeout(t *testing.T) {
	mem := source.NewMemory(dataset(20)...)
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	src := source.Func(func(ctx context.Context, f model.Filter) (model.FeatureCollection, error) {
		once.Do(func() { close(started) })
		<-release
		return mem.GetFeatures(ctx, f)
	})
	c, err := NewBlocking(Options{
		Source:      src,
		Storage:     storage.NewMemory(),
		Grid:        grid.Config{Bounds: testBounds, Cols: 10, Rows: 10},
		Capacity:    1000,
		LockTimeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewBlocking: %v", err)
	}
	f := model.BBoxFilter(model.Envelope{MinX: 1.1, MinY: 1.1, MaxX: 1.9, MaxY: 1.9})

	first := make(chan error, 1)
	go func() {
		_, err := c.GetFeatures(context.Background(), f)
		first <- err
	}()
	<-started

	if _, err := c.GetFeatures(context.Background(), f); !errors.Is(err, ErrLockWait) {
		t.Fatalf("err=%v want ErrLockWait", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first query: %v", err)
	}
}

func TestInvalidate_RefreshesChangedArea(t *testing.T) {
	for _, v := range variants {
		t.Run(v, func(t *testing.T) {
			fx := newFixture(t, v, 1_000_000, nil, nil)
			ctx := context.Background()
			f := model.BBoxFilter(model.Envelope{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2})
			if _, err := fx.cache.GetFeatures(ctx, f); err != nil {
				t.Fatalf("warm: %v", err)
			}

			added := model.Feature{ID: "new", Envelope: model.Envelope{MinX: 1.5, MinY: 1.5, MaxX: 1.5, MaxY: 1.5}}
			fx.src.Add(added)
			got, _ := fx.cache.GetFeatures(ctx, f)
			if strings.Contains(ids(got), "new") {
				t.Fatal("registered cells should be served without the source")
			}

			n, err := fx.cache.Invalidate(ctx, added.Envelope)
			if err != nil || n == 0 {
				t.Fatalf("Invalidate n=%d err=%v", n, err)
			}
			got, err = fx.cache.GetFeatures(ctx, f)
			if err != nil {
				t.Fatalf("after invalidate: %v", err)
			}
			if want := direct(t, fx.src, f); ids(got) != want {
				t.Fatalf("got %s want %s", ids(got), want)
			}
		})
	}
}

func TestSourceChangeListenerKeepsCacheFresh(t *testing.T) {
	fx := newFixture(t, VariantNonBlocking, 1_000_000, nil, nil)
	ctx := context.Background()
	fx.src.OnChange(func(_ string, env model.Envelope) {
		if _, err := fx.cache.Invalidate(ctx, env); err != nil {
			t.Errorf("invalidate: %v", err)
		}
	})
	f := model.BBoxFilter(model.Envelope{MinX: 3, MinY: 3, MaxX: 6, MaxY: 6})
	if _, err := fx.cache.GetFeatures(ctx, f); err != nil {
		t.Fatalf("warm: %v", err)
	}
	fx.src.Remove("span-b")
	got, err := fx.cache.GetFeatures(ctx, f)
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if want := direct(t, fx.src, f); ids(got) != want {
		t.Fatalf("got %s want %s", ids(got), want)
	}
}

func TestMissingPayloadIsRefetched(t *testing.T) {
	fx := newFixture(t, VariantBlocking, 1_000_000, nil, nil)
	ctx := context.Background()
	f := model.BBoxFilter(model.Envelope{MinX: 2, MinY: 2, MaxX: 4, MaxY: 4})
	if _, err := fx.cache.GetFeatures(ctx, f); err != nil {
		t.Fatalf("warm: %v", err)
	}
	_ = fx.store.Clear(ctx)

	got, err := fx.cache.GetFeatures(ctx, f)
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if want := direct(t, fx.src, f); ids(got) != want {
		t.Fatalf("got %s want %s", ids(got), want)
	}
	if fx.cache.Statistics().Refetches == 0 {
		t.Fatal("expected refetches to be counted")
	}
}

func TestClearAndBypass(t *testing.T) {
	fx := newFixture(t, VariantBlocking, 1_000_000, nil, nil)
	ctx := context.Background()
	if _, err := fx.cache.GetFeatures(ctx, model.BBoxFilter(model.Envelope{MaxX: 3, MaxY: 3})); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if err := fx.cache.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	st := fx.cache.Statistics()
	if st.Grid.Live != 0 || st.Eviction.CachedFeatures != 0 || fx.store.Len() != 0 {
		t.Fatalf("Clear left state behind: %+v payloads=%d", st, fx.store.Len())
	}

	all, err := fx.cache.GetFeatures(ctx, model.Filter{})
	if err != nil || all.Len() != fx.src.Len() {
		t.Fatalf("bypass len=%d err=%v", all.Len(), err)
	}
	if fx.cache.Statistics().Bypasses != 1 {
		t.Fatal("bypass not counted")
	}
}

func TestClosedCacheRejectsCalls(t *testing.T) {
	fx := newFixture(t, VariantNonBlocking, 10, nil, nil)
	if err := fx.cache.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := fx.cache.GetFeatures(context.Background(), model.Filter{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
}

func TestNew_Validates(t *testing.T) {
	base := Options{
		Source:   source.NewMemory(),
		Storage:  storage.NewMemory(),
		Grid:     grid.Config{Bounds: testBounds, Cols: 2, Rows: 2},
		Capacity: 10,
	}
	bad := base
	bad.Variant = "optimistic"
	if _, err := New(bad); err == nil {
		t.Fatal("unknown variant accepted")
	}
	bad = base
	bad.Capacity = 0
	if _, err := New(bad); err == nil {
		t.Fatal("zero capacity accepted")
	}
	bad = base
	bad.Source = nil
	if _, err := New(bad); err == nil {
		t.Fatal("missing source accepted")
	}
	c, err := New(base)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.(*Blocking); !ok {
		t.Fatalf("default variant is %T, want *Blocking", c)
	}
}
