package model

import (
	"encoding/json"
	"sort"
)

// Feature is a cached unit of data: a stable identifier, its envelope and an
// opaque GeoJSON geometry with properties.
type Feature struct {
	ID         string          `json:"id"`
	Envelope   Envelope        `json:"bbox"`
	Geometry   json.RawMessage `json:"geometry,omitempty"`
	Properties map[string]any  `json:"properties,omitempty"`
}

// FeatureCollection is a batch of features. Bounds, when set, is the extent
// the collection is known to be complete for.
type FeatureCollection struct {
	Features []Feature `json:"features"`
	Bounds   *Envelope `json:"bounds,omitempty"`
}

func (fc FeatureCollection) Len() int { return len(fc.Features) }

func (fc FeatureCollection) IDs() []string {
	out := make([]string, 0, len(fc.Features))
	for _, f := range fc.Features {
		out = append(out, f.ID)
	}
	return out
}

// Extent is the union of all feature envelopes.
func (fc FeatureCollection) Extent() Envelope {
	env := EmptyEnvelope()
	for _, f := range fc.Features {
		env = env.Union(f.Envelope)
	}
	return env
}

// Dedup keeps the first feature seen for every ID and sorts the result by ID.
func Dedup(feats []Feature) []Feature {
	seen := make(map[string]struct{}, len(feats))
	out := make([]Feature, 0, len(feats))
	for _, f := range feats {
		if _, ok := seen[f.ID]; ok {
			continue
		}
		seen[f.ID] = struct{}{}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
