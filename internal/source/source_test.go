package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/executor"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
)

func feat(id string, minX, minY, maxX, maxY float64, props map[string]any) model.Feature {
	return model.Feature{ID: id, Envelope: model.Envelope{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}, Properties: props}
}

func TestMemory_ClosedIntersection(t *testing.T) {
	m := NewMemory(
		feat("inside", 1, 1, 2, 2, nil),
		feat("touching", 3, 0, 4, 1, nil),
		feat("point-on-edge", 3, 3, 3, 3, nil),
		feat("far", 10, 10, 11, 11, nil),
	)
	fc, err := m.GetFeatures(context.Background(), model.BBoxFilter(model.Envelope{MinX: 0, MinY: 0, MaxX: 3, MaxY: 3}))
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	got := strings.Join(fc.IDs(), ",")
	if got != "inside,point-on-edge,touching" {
		t.Fatalf("ids=%s", got)
	}
	if m.Calls() != 1 {
		t.Fatalf("calls=%d", m.Calls())
	}
}

func TestMemory_AttributeConditions(t *testing.T) {
	m := NewMemory(
		feat("a", 0, 0, 1, 1, map[string]any{"lanes": 2.0}),
		feat("b", 0, 0, 1, 1, map[string]any{"lanes": 4.0}),
	)
	f := model.Filter{Where: []model.Condition{{Property: "lanes", Op: model.OpGt, Value: 3.0}}}
	fc, _ := m.GetFeatures(context.Background(), f)
	if fc.Len() != 1 || fc.Features[0].ID != "b" {
		t.Fatalf("unexpected result %v", fc.IDs())
	}
}

func TestMemory_AddReplaceRemoveNotifies(t *testing.T) {
	m := NewMemory(feat("a", 0, 0, 1, 1, nil))
	var ops []string
	var last model.Envelope
	m.OnChange(func(op string, env model.Envelope) {
		ops = append(ops, op)
		last = env
	})

	m.Add(feat("a", 5, 5, 6, 6, nil))
	if last != (model.Envelope{MinX: 0, MinY: 0, MaxX: 6, MaxY: 6}) {
		t.Fatalf("update should cover old and new position, got %v", last)
	}
	fc, _ := m.GetFeatures(context.Background(), model.BBoxFilter(model.Envelope{MaxX: 1, MaxY: 1}))
	if fc.Len() != 0 {
		t.Fatalf("old position still indexed: %v", fc.IDs())
	}
	m.Add(feat("b", 2, 2, 3, 3, nil))
	if n := m.Remove("a", "missing"); n != 1 {
		t.Fatalf("Remove=%d want 1", n)
	}
	if strings.Join(ops, ",") != "update,insert,delete" {
		t.Fatalf("ops=%v", ops)
	}
	if m.Len() != 1 || m.Bounds() != (model.Envelope{MinX: 2, MinY: 2, MaxX: 3, MaxY: 3}) {
		t.Fatalf("len=%d bounds=%v", m.Len(), m.Bounds())
	}
}

func TestMemory_LatencyHonoursContext(t *testing.T) {
	m := NewMemory()
	m.SetLatency(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.GetFeatures(ctx, model.Filter{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
}

func TestLoadGeoJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.geojson")
	body := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","id":"p1","geometry":{"type":"Point","coordinates":[1,1]},"properties":{}},
	  {"type":"Feature","id":"p2","geometry":{"type":"Point","coordinates":[2,2]},"properties":{}}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m, err := LoadGeoJSONFile(path)
	if err != nil {
		t.Fatalf("LoadGeoJSONFile: %v", err)
	}
	if m.Len() != 2 {
		t.Fatalf("len=%d", m.Len())
	}
	if _, err := LoadGeoJSONFile(filepath.Join(t.TempDir(), "missing.geojson")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWFS_DecodesUpstreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("typeNames") != "demo:roads" {
			http.Error(w, "bad layer", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"type":"FeatureCollection","features":[
		  {"type":"Feature","id":"roads.1","geometry":{"type":"LineString","coordinates":[[0,0],[1,1]]},"properties":{"name":"A"}}]}`)
	}))
	defer srv.Close()

	exec, err := executor.New(nil, nil, srv.URL+"/ows", "geom")
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}
	src := NewWFS(exec, "demo:roads")
	fc, err := src.GetFeatures(context.Background(), model.BBoxFilter(model.Envelope{MaxX: 2, MaxY: 2}))
	if err != nil {
		t.Fatalf("GetFeatures: %v", err)
	}
	if fc.Len() != 1 || fc.Features[0].Envelope != (model.Envelope{MaxX: 1, MaxY: 1}) {
		t.Fatalf("unexpected result: %+v", fc.Features)
	}

	bad := NewWFS(exec, "demo:other")
	if _, err := bad.GetFeatures(context.Background(), model.Filter{}); err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected upstream status error, got %v", err)
	}
}

func TestInstrumented_PassesThrough(t *testing.T) {
	boom := errors.New("boom")
	src := Instrument(Func(func(_ context.Context, f model.Filter) (model.FeatureCollection, error) {
		if f.BBox == nil {
			return model.FeatureCollection{}, boom
		}
		return model.FeatureCollection{Features: []model.Feature{feat("x", 0, 0, 1, 1, nil)}}, nil
	}), "test", nil)

	if _, err := src.GetFeatures(context.Background(), model.Filter{}); !errors.Is(err, boom) {
		t.Fatalf("err=%v want boom", err)
	}
	fc, err := src.GetFeatures(context.Background(), model.BBoxFilter(model.Envelope{MaxX: 1, MaxY: 1}))
	if err != nil || fc.Len() != 1 {
		t.Fatalf("fc=%v err=%v", fc.IDs(), err)
	}
}
