// Command gridcache serves spatial feature queries through the grid cache.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/config"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/health"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/router"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/server"
	"github.com/mohammed-shakir/grid-feature-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/grid-feature-cache/internal/logger"
	"github.com/mohammed-shakir/grid-feature-cache/internal/metrics"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	variantFlag := flag.String("variant", "", "cache variant (blocking|nonblocking), overrides CACHE_VARIANT")
	flag.Parse()

	cfg := config.FromEnv()
	if *variantFlag != "" {
		cfg.Variant = *variantFlag
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Variant:   cfg.Variant,
		Component: "gridcache",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 2
	}

	observability.SetVariant(cfg.Variant)
	observability.ExposeBuildInfo(Version)
	appLog.Info("starting gridcache",
		"addr", cfg.Addr,
		"version", Version,
		"layer", cfg.Layer,
		"source", cfg.Source.Kind,
		"storage", cfg.Storage.Backend,
		"capacity", cfg.Capacity)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	src, err := buildSource(cfg, appLog)
	if err != nil {
		appLog.Error("source setup failed", "err", err)
		return 1
	}
	store, probes, err := buildStorage(ctx, cfg)
	if err != nil {
		appLog.Error("storage setup failed", "err", err)
		return 1
	}
	cache, err := buildCache(cfg, src, store, appLog)
	if err != nil {
		_ = store.Close()
		appLog.Error("cache setup failed", "err", err)
		return 1
	}
	defer func() {
		if err := cache.Close(); err != nil {
			appLog.Warn("cache close", "err", err)
		}
	}()

	deps := router.Deps{Cache: cache, Logger: appLog, Ready: probes}
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Enabled {
		p := metrics.Init(metrics.Config{
			Enabled: true,
			Addr:    cfg.Metrics.Addr,
			Path:    cfg.Metrics.Path,
			Build: metrics.BuildInfo{
				Version:   Version,
				Revision:  os.Getenv("BUILD_REVISION"),
				Branch:    os.Getenv("BUILD_BRANCH"),
				BuildDate: os.Getenv("BUILD_DATE"),
			},
		})
		if cfg.Metrics.Addr == "" {
			deps.Metrics, deps.MetricsPath = p.Handler(), cfg.Metrics.Path
		} else {
			mr := chi.NewRouter()
			mr.Method(http.MethodGet, cfg.Metrics.Path, p.Handler())
			mr.Get("/healthz", health.Liveness())
			g.Go(func() error { return server.Run(gctx, cfg.Metrics.Addr, mr, appLog.With("server", "metrics")) })
		}
	}

	if cfg.Invalidation.Enabled {
		kc := kafkaconsumer.New(
			kafkaconsumer.NewConfig(cfg.Invalidation.Brokers, cfg.Invalidation.Topic, cfg.Invalidation.GroupID, cfg.Layer),
			appLog, cache,
		)
		kzl := zl.With().Str("component", "kafka_consumer").Logger()
		kc.WithZerolog(&kzl)
		g.Go(func() error {
			// a consumer failure is logged, not fatal
			if err := kc.Start(gctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
			return nil
		})
	}

	g.Go(func() error { return server.Run(gctx, cfg.Addr, router.New(deps), appLog) })

	if err := g.Wait(); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
