package ogc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
)

type geoJSONGeometry struct {
	Type        string            `json:"type"`
	Coordinates json.RawMessage   `json:"coordinates"`
	Geometries  []json.RawMessage `json:"geometries"`
}

type geoJSONFeature struct {
	Type       string          `json:"type"`
	ID         json.RawMessage `json:"id"`
	BBox       []float64       `json:"bbox,omitempty"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties map[string]any  `json:"properties"`
}

type geoJSONCollection struct {
	Type     string           `json:"type"`
	Features []geoJSONFeature `json:"features"`
	BBox     []float64        `json:"bbox,omitempty"`
}

// DecodeFeatureCollection reads a GeoJSON FeatureCollection. Features without
// a bbox member get the envelope of their geometry coordinates.
func DecodeFeatureCollection(r io.Reader) (model.FeatureCollection, error) {
	var raw geoJSONCollection
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return model.FeatureCollection{}, fmt.Errorf("decode feature collection: %w", err)
	}
	if raw.Type != "" && raw.Type != "FeatureCollection" {
		return model.FeatureCollection{}, fmt.Errorf("unexpected geojson type %q", raw.Type)
	}

	fc := model.FeatureCollection{Features: make([]model.Feature, 0, len(raw.Features))}
	for i, gf := range raw.Features {
		f, err := convertFeature(gf)
		if err != nil {
			return model.FeatureCollection{}, fmt.Errorf("feature %d: %w", i, err)
		}
		fc.Features = append(fc.Features, f)
	}
	return fc, nil
}

func convertFeature(gf geoJSONFeature) (model.Feature, error) {
	id, err := decodeID(gf.ID)
	if err != nil {
		return model.Feature{}, err
	}
	f := model.Feature{ID: id, Properties: normalizeProps(gf.Properties)}
	if len(gf.Geometry) > 0 && !bytes.Equal(bytes.TrimSpace(gf.Geometry), []byte("null")) {
		f.Geometry = gf.Geometry
	}

	switch {
	case len(gf.BBox) == 4:
		f.Envelope = model.NewEnvelope(gf.BBox[0], gf.BBox[1], gf.BBox[2], gf.BBox[3])
	case f.Geometry != nil:
		env, err := GeometryEnvelope(f.Geometry)
		if err != nil {
			return model.Feature{}, fmt.Errorf("feature %q: %w", id, err)
		}
		f.Envelope = env
	default:
		return model.Feature{}, fmt.Errorf("feature %q has neither bbox nor geometry", id)
	}
	return f, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", errors.New("feature id is required")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("feature id: %w", err)
		}
		if s == "" {
			return "", errors.New("feature id is required")
		}
		return s, nil
	}
	return string(raw), nil
}

// normalizeProps turns json.Number values into float64 so attribute filters
// compare numerically.
func normalizeProps(in map[string]any) map[string]any {
	for k, v := range in {
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				in[k] = f
			}
		}
	}
	return in
}

// GeometryEnvelope returns the bounding box of every position in a GeoJSON
// geometry, including nested geometry collections.
func GeometryEnvelope(geom json.RawMessage) (model.Envelope, error) {
	var g geoJSONGeometry
	if err := json.Unmarshal(geom, &g); err != nil {
		return model.Envelope{}, fmt.Errorf("parse geometry: %w", err)
	}
	env := model.EmptyEnvelope()
	if g.Type == "GeometryCollection" {
		for _, sub := range g.Geometries {
			e, err := GeometryEnvelope(sub)
			if err != nil {
				return model.Envelope{}, err
			}
			env = env.Union(e)
		}
	} else {
		var coords any
		if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
			return model.Envelope{}, fmt.Errorf("parse %s coordinates: %w", g.Type, err)
		}
		if err := walkPositions(coords, func(x, y float64) { env = env.ExpandToInclude(x, y) }); err != nil {
			return model.Envelope{}, fmt.Errorf("%s: %w", g.Type, err)
		}
	}
	if env.IsEmpty() {
		return model.Envelope{}, errors.New("geometry has no coordinates")
	}
	return env, nil
}

func walkPositions(v any, fn func(x, y float64)) error {
	arr, ok := v.([]any)
	if !ok {
		return errors.New("coordinates must be arrays")
	}
	if len(arr) == 0 {
		return nil
	}
	if x, ok := arr[0].(float64); ok {
		if len(arr) < 2 {
			return errors.New("position needs at least two numbers")
		}
		y, ok := arr[1].(float64)
		if !ok {
			return errors.New("position must be numeric")
		}
		fn(x, y)
		return nil
	}
	for _, sub := range arr {
		if err := walkPositions(sub, fn); err != nil {
			return err
		}
	}
	return nil
}

// EncodeFeatureCollection writes fc as a GeoJSON FeatureCollection with a
// bbox on every feature.
func EncodeFeatureCollection(w io.Writer, fc model.FeatureCollection) error {
	out := struct {
		Type           string           `json:"type"`
		NumberReturned int              `json:"numberReturned"`
		BBox           []float64        `json:"bbox,omitempty"`
		Features       []geoJSONFeature `json:"features"`
	}{
		Type:           "FeatureCollection",
		NumberReturned: len(fc.Features),
		Features:       make([]geoJSONFeature, 0, len(fc.Features)),
	}
	if ext := fc.Extent(); !ext.IsEmpty() {
		out.BBox = []float64{ext.MinX, ext.MinY, ext.MaxX, ext.MaxY}
	}
	for _, f := range fc.Features {
		geom := f.Geometry
		if len(geom) == 0 {
			geom = json.RawMessage("null")
		}
		props := f.Properties
		if props == nil {
			props = map[string]any{}
		}
		id, err := json.Marshal(f.ID)
		if err != nil {
			return fmt.Errorf("encode feature id: %w", err)
		}
		out.Features = append(out.Features, geoJSONFeature{
			Type:       "Feature",
			ID:         id,
			BBox:       []float64{f.Envelope.MinX, f.Envelope.MinY, f.Envelope.MaxX, f.Envelope.MaxY},
			Geometry:   geom,
			Properties: props,
		})
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("encode feature collection: %w", err)
	}
	return nil
}
