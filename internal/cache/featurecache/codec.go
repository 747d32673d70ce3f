package featurecache

import (
	"encoding/json"
	"fmt"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
)

// A cell payload is the JSON array of the features stored in that cell.

func encodeBatch(feats []model.Feature) ([]byte, error) {
	if feats == nil {
		feats = []model.Feature{}
	}
	b, err := json.Marshal(feats)
	if err != nil {
		return nil, fmt.Errorf("encode cell batch: %w", err)
	}
	return b, nil
}

func decodeBatch(b []byte) ([]model.Feature, error) {
	var feats []model.Feature
	if err := json.Unmarshal(b, &feats); err != nil {
		return nil, fmt.Errorf("decode cell batch: %w", err)
	}
	return feats, nil
}

// mergeBatch adds feats to base, replacing entries with the same ID.
func mergeBatch(base, feats []model.Feature) []model.Feature {
	idx := make(map[string]int, len(base))
	out := append([]model.Feature(nil), base...)
	for i, f := range out {
		idx[f.ID] = i
	}
	for _, f := range feats {
		if i, ok := idx[f.ID]; ok {
			out[i] = f
			continue
		}
		idx[f.ID] = len(out)
		out = append(out, f)
	}
	return out
}
