package source

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/ogc"
)

// ChangeFunc is told which area of the dataset changed.
type ChangeFunc func(op string, env model.Envelope)

type indexedFeature struct {
	feature model.Feature
}

// Bounds implements rtreego.Spatial. The R-tree treats touching rectangles as
// disjoint, so rectangles are padded and results are filtered exactly later.
func (f *indexedFeature) Bounds() rtreego.Rect {
	return paddedRect(f.feature.Envelope)
}

func paddedRect(e model.Envelope) rtreego.Rect {
	scale := math.Max(1, math.Max(math.Max(math.Abs(e.MinX), math.Abs(e.MaxX)),
		math.Max(math.Abs(e.MinY), math.Abs(e.MaxY))))
	pad := 1e-9 * scale
	point := rtreego.Point{e.MinX - pad, e.MinY - pad}
	rect, _ := rtreego.NewRect(point, []float64{e.Width() + 2*pad, e.Height() + 2*pad})
	return rect
}

// Memory is an in-process dataset indexed by an R-tree.
type Memory struct {
	mu       sync.RWMutex
	tree     *rtreego.Rtree
	byID     map[string]*indexedFeature
	onChange ChangeFunc

	latency atomic.Int64
	calls   atomic.Int64
}

var _ FeatureSource = (*Memory)(nil)

func NewMemory(features ...model.Feature) *Memory {
	m := &Memory{
		tree: rtreego.NewTree(2, 25, 50),
		byID: make(map[string]*indexedFeature, len(features)),
	}
	m.Add(features...)
	return m
}

// LoadGeoJSONFile builds a Memory source from a GeoJSON FeatureCollection file.
func LoadGeoJSONFile(path string) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer func() { _ = f.Close() }()
	fc, err := ogc.DecodeFeatureCollection(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return NewMemory(fc.Features...), nil
}

// OnChange registers fn to be called after Add and Remove.
func (m *Memory) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// SetLatency makes every query wait d first, to model a slow backend.
func (m *Memory) SetLatency(d time.Duration) { m.latency.Store(int64(d)) }

// Calls is the number of GetFeatures calls served so far.
func (m *Memory) Calls() int64 { return m.calls.Load() }

func (m *Memory) GetFeatures(ctx context.Context, f model.Filter) (model.FeatureCollection, error) {
	m.calls.Add(1)
	if d := time.Duration(m.latency.Load()); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return model.FeatureCollection{}, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return model.FeatureCollection{}, err
	}

	m.mu.RLock()
	var out []model.Feature
	if env, ok := f.Envelope(); ok {
		for _, s := range m.tree.SearchIntersect(paddedRect(env)) {
			if feat := s.(*indexedFeature).feature; f.Matches(feat) {
				out = append(out, feat)
			}
		}
	} else {
		for _, it := range m.byID {
			if f.Matches(it.feature) {
				out = append(out, it.feature)
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return model.FeatureCollection{Features: out}, nil
}

// Add inserts features, replacing any with the same ID.
func (m *Memory) Add(features ...model.Feature) {
	if len(features) == 0 {
		return
	}
	changed := model.EmptyEnvelope()
	op := "insert"
	m.mu.Lock()
	for _, feat := range features {
		if old, ok := m.byID[feat.ID]; ok {
			m.tree.Delete(old)
			changed = changed.Union(old.feature.Envelope)
			op = "update"
		}
		it := &indexedFeature{feature: feat}
		m.tree.Insert(it)
		m.byID[feat.ID] = it
		changed = changed.Union(feat.Envelope)
	}
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil {
		notify(op, changed)
	}
}

// Remove deletes features by ID and reports how many existed.
func (m *Memory) Remove(ids ...string) int {
	changed := model.EmptyEnvelope()
	n := 0
	m.mu.Lock()
	for _, id := range ids {
		it, ok := m.byID[id]
		if !ok {
			continue
		}
		m.tree.Delete(it)
		delete(m.byID, id)
		changed = changed.Union(it.feature.Envelope)
		n++
	}
	notify := m.onChange
	m.mu.Unlock()

	if notify != nil && n > 0 {
		notify("delete", changed)
	}
	return n
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Bounds is the extent of the whole dataset.
func (m *Memory) Bounds() model.Envelope {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env := model.EmptyEnvelope()
	for _, it := range m.byID {
		env = env.Union(it.feature.Envelope)
	}
	return env
}

// All returns every feature sorted by ID.
func (m *Memory) All() model.FeatureCollection {
	fc, _ := m.GetFeatures(context.Background(), model.Filter{})
	return fc
}
