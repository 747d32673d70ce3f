// Package executor runs WFS GetFeature requests against the upstream OWS endpoint.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/ogc"
)

type Interface interface {
	FetchGetFeature(ctx context.Context, layer string, f model.Filter) ([]byte, string, error)
}

type Executor struct {
	logger   *slog.Logger
	client   *http.Client
	owsURL   *url.URL
	geomAttr string
	startNow func() time.Time // for tests
}

var _ Interface = (*Executor)(nil)

func New(logger *slog.Logger, client *http.Client, ows, geomAttr string) (*Executor, error) {
	u, err := url.Parse(ows)
	if err != nil {
		return nil, fmt.Errorf("parse ows url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ows url %q must be absolute", ows)
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		logger:   logger,
		client:   client,
		owsURL:   u,
		geomAttr: geomAttr,
		startNow: time.Now,
	}, nil
}

// FetchGetFeature returns the raw GeoJSON body. Non-2xx answers become an
// error carrying the status and the start of the body.
func (e *Executor) FetchGetFeature(ctx context.Context, layer string, f model.Filter) ([]byte, string, error) {
	params := ogc.BuildGetFeatureParams(layer, f, e.geomAttr)

	u := *e.owsURL
	u.RawQuery = params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Host = e.owsURL.Host
	req.Header.Set("Accept", "application/json")

	start := e.startNow()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	e.logger.Debug("wfs getfeature done",
		"layer", layer,
		"filter", f.String(),
		"status", resp.StatusCode,
		"duration", time.Since(start).String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, "", fmt.Errorf("upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	return b, resp.Header.Get("Content-Type"), nil
}
