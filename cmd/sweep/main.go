// Command sweep runs a gridded query sweep against a gridcache server and
// checks every answer against an uncached read of the whole layer.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/ogc"
	"github.com/mohammed-shakir/grid-feature-cache/internal/invalidation"
	"github.com/mohammed-shakir/grid-feature-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/grid-feature-cache/internal/logger"
)

type options struct {
	base        string
	area        model.Envelope
	step        float64
	rounds      int
	concurrency int
	where       []string
	invalidate  int
	brokers     string
	topic       string
	layer       string
}

type result struct {
	Queries    int64           `json:"queries"`
	Mismatches int64           `json:"mismatches"`
	Published  int64           `json:"published"`
	Elapsed    string          `json:"elapsed"`
	Server     json.RawMessage `json:"server_stats,omitempty"`
}

type stringList []string

func (s *stringList) String() string     { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func main() {
	os.Exit(run())
}

func run() int {
	var (
		o     options
		bbox  string
		where stringList
	)
	flag.StringVar(&o.base, "addr", "http://localhost:8090", "gridcache base URL")
	flag.StringVar(&bbox, "bbox", "-180,-90,180,90", "area to sweep")
	flag.Float64Var(&o.step, "step", 10, "query window size")
	flag.IntVar(&o.rounds, "rounds", 2, "number of passes over the area")
	flag.IntVar(&o.concurrency, "c", 4, "concurrent queries")
	flag.Var(&where, "where", "attribute condition, repeatable")
	flag.IntVar(&o.invalidate, "invalidate", 0, "publish an invalidation for every Nth window (0 disables)")
	flag.StringVar(&o.brokers, "brokers", "localhost:9092", "kafka brokers for -invalidate")
	flag.StringVar(&o.topic, "topic", "spatial-invalidation", "kafka topic for -invalidate")
	flag.StringVar(&o.layer, "layer", "demo:features", "layer named in invalidation events")
	flag.Parse()
	o.where = where

	zl := logger.Build(logger.Config{Level: "info", Console: true, Component: "sweep"}, os.Stderr)
	log := logger.NewSlog(&zl)

	area, err := model.ParseEnvelope(bbox)
	if err != nil || o.step <= 0 {
		log.Error("bad sweep area", "bbox", bbox, "step", o.step, "err", err)
		return 2
	}
	o.area = area

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pub *invalidation.Publisher
	if o.invalidate > 0 {
		pub, err = invalidation.NewKafkaPublisher(kafkaconsumer.SplitCSV(o.brokers), o.topic)
		if err != nil {
			log.Error("kafka producer", "err", err)
			return 1
		}
		defer func() { _ = pub.Close() }()
	}

	res, err := sweep(ctx, httpclient.NewOutbound(httpclient.WithTimeout(time.Minute)), o, pub, log)
	if err != nil {
		log.Error("sweep failed", "err", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if res.Mismatches > 0 {
		return 3
	}
	return 0
}

func windows(area model.Envelope, step float64) []model.Envelope {
	var out []model.Envelope
	for y := area.MinY; y < area.MaxY; y += step {
		for x := area.MinX; x < area.MaxX; x += step {
			out = append(out, model.Envelope{
				MinX: x, MinY: y,
				MaxX: min(x+step, area.MaxX), MaxY: min(y+step, area.MaxY),
			})
		}
	}
	return out
}

func sweep(ctx context.Context, client *http.Client, o options, pub *invalidation.Publisher, log *slog.Logger) (result, error) {
	start := time.Now()
	conds := make([]model.Condition, 0, len(o.where))
	for _, w := range o.where {
		c, err := model.ParseCondition(w)
		if err != nil {
			return result{}, err
		}
		conds = append(conds, c)
	}

	// a request without bbox bypasses the cache, so this is the source's answer
	all, err := fetch(ctx, client, o.base, nil, o.where)
	if err != nil {
		return result{}, fmt.Errorf("reference read: %w", err)
	}
	log.Info("reference loaded", "features", all.Len())

	var queries, mismatches, published atomic.Int64
	wins := windows(o.area, o.step)
	for round := range o.rounds {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(1, o.concurrency))
		for i, w := range wins {
			g.Go(func() error {
				got, err := fetch(gctx, client, o.base, &w, o.where)
				if err != nil {
					return err
				}
				queries.Add(1)
				want := expected(all, model.Filter{BBox: &w, Where: conds})
				if ids := got.IDs(); !slices.Equal(ids, want) {
					mismatches.Add(1)
					log.Warn("result differs from source", "bbox", w.String(), "got", len(ids), "want", len(want))
				}
				if pub != nil && (i+round)%o.invalidate == 0 {
					if err := pub.Publish(invalidation.NewEvent("update", o.layer, w)); err != nil {
						return err
					}
					published.Add(1)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result{}, err
		}
		log.Info("round done", "round", round+1, "windows", len(wins))
	}

	res := result{
		Queries:    queries.Load(),
		Mismatches: mismatches.Load(),
		Published:  published.Load(),
		Elapsed:    time.Since(start).Round(time.Millisecond).String(),
	}
	if raw, err := getStats(ctx, client, o.base); err == nil {
		res.Server = raw
	}
	return res, nil
}

func expected(all model.FeatureCollection, f model.Filter) []string {
	out := []string{}
	for _, feat := range all.Features {
		if f.Matches(feat) {
			out = append(out, feat.ID)
		}
	}
	slices.Sort(out)
	return out
}

func fetch(ctx context.Context, client *http.Client, base string, bbox *model.Envelope, where []string) (model.FeatureCollection, error) {
	q := url.Values{}
	if bbox != nil {
		q.Set("bbox", bbox.String())
	}
	for _, w := range where {
		q.Add("where", w)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/features?"+q.Encode(), nil)
	if err != nil {
		return model.FeatureCollection{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return model.FeatureCollection{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return model.FeatureCollection{}, fmt.Errorf("GET /features: status %d", resp.StatusCode)
	}
	return ogc.DecodeFeatureCollection(resp.Body)
}

func getStats(ctx context.Context, client *http.Client, base string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/stats", nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(resp.Status)
	}
	var raw json.RawMessage
	err = json.NewDecoder(resp.Body).Decode(&raw)
	return raw, err
}
