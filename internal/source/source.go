// Package source provides the authoritative feature providers the cache
// reads through to.
package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/observability"
)

// FeatureSource returns every feature matching f. Implementations must be
// safe for concurrent use and return features with stable IDs and envelopes.
type FeatureSource interface {
	GetFeatures(ctx context.Context, f model.Filter) (model.FeatureCollection, error)
}

// Func adapts a function to FeatureSource.
type Func func(ctx context.Context, f model.Filter) (model.FeatureCollection, error)

func (fn Func) GetFeatures(ctx context.Context, f model.Filter) (model.FeatureCollection, error) {
	return fn(ctx, f)
}

// Instrumented records latency and failures of the wrapped source.
type Instrumented struct {
	next   FeatureSource
	name   string
	logger *slog.Logger
}

func Instrument(next FeatureSource, name string, logger *slog.Logger) *Instrumented {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Instrumented{next: next, name: name, logger: logger}
}

func (s *Instrumented) GetFeatures(ctx context.Context, f model.Filter) (model.FeatureCollection, error) {
	start := time.Now()
	fc, err := s.next.GetFeatures(ctx, f)
	dur := time.Since(start)
	observability.ObserveSourceLatency(s.name, err, dur.Seconds())
	if err != nil {
		s.logger.Warn("source query failed", "source", s.name, "filter", f.String(), "err", err)
		return fc, err
	}
	s.logger.Debug("source query", "source", s.name, "filter", f.String(),
		"features", fc.Len(), "duration", dur)
	return fc, nil
}
