package source

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/executor"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/ogc"
)

// WFS reads one layer from an OGC WFS 2.0 server such as GeoServer.
type WFS struct {
	exec  executor.Interface
	layer string
}

var _ FeatureSource = (*WFS)(nil)

func NewWFS(exec executor.Interface, layer string) *WFS {
	return &WFS{exec: exec, layer: layer}
}

func (w *WFS) GetFeatures(ctx context.Context, f model.Filter) (model.FeatureCollection, error) {
	body, _, err := w.exec.FetchGetFeature(ctx, w.layer, f)
	if err != nil {
		return model.FeatureCollection{}, fmt.Errorf("wfs %s: %w", w.layer, err)
	}
	fc, err := ogc.DecodeFeatureCollection(bytes.NewReader(body))
	if err != nil {
		return model.FeatureCollection{}, fmt.Errorf("wfs %s: %w", w.layer, err)
	}
	return fc, nil
}
