// Package router exposes the feature cache over HTTP.
package router

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/featurecache"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/health"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/middleware"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/ogc"
)

const maxPutBody = 32 << 20

type Deps struct {
	Cache  featurecache.Interface
	Logger *slog.Logger
	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string
	Ready       map[string]health.Probe
}

func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handlers{cache: d.Cache, logger: d.Logger}

	r := chi.NewRouter()
	r.Use(middleware.Recover(d.Logger))
	r.Use(middleware.Logging(d.Logger))
	r.Use(middleware.Metrics())
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(d.Ready))
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics)
	}

	r.Get("/features", h.getFeatures)
	r.Post("/features", h.putFeatures)
	r.Get("/stats", h.stats)
	r.Post("/register", h.register)
	r.Post("/invalidate", h.invalidate)
	r.Post("/clear", h.clear)
	return r
}

type handlers struct {
	cache  featurecache.Interface
	logger *slog.Logger
}

func (h *handlers) getFeatures(w http.ResponseWriter, r *http.Request) {
	f, err := ParseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fc, err := h.cache.GetFeatures(r.Context(), f)
	if err != nil {
		h.fail(w, r, "get features", err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	if err := ogc.EncodeFeatureCollection(w, fc); err != nil {
		h.logger.WarnContext(r.Context(), "write response", "err", err)
	}
}

// putFeatures pre-warms the cache from a GeoJSON body. With bbox the body is
// asserted to be complete for that area.
func (h *handlers) putFeatures(w http.ResponseWriter, r *http.Request) {
	var bounds *model.Envelope
	if r.URL.Query().Has("bbox") {
		env, err := RequireBBox(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bounds = &env
	}
	fc, err := ogc.DecodeFeatureCollection(http.MaxBytesReader(w, r.Body, maxPutBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fc.Bounds = bounds
	if err := h.cache.Put(r.Context(), fc); err != nil {
		h.fail(w, r, "put features", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"features": fc.Len()})
}

func (h *handlers) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Statistics())
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	env, err := RequireBBox(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.cache.Register(r.Context(), env); err != nil {
		h.fail(w, r, "register", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	env, err := RequireBBox(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	n, err := h.cache.Invalidate(r.Context(), env)
	if err != nil {
		h.fail(w, r, "invalidate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cells": n})
}

func (h *handlers) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(r.Context()); err != nil {
		h.fail(w, r, "clear", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := StatusFor(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, op+" failed", "status", status, "err", err)
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
