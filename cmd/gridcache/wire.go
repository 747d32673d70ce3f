package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/eviction"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/featurecache"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/grid"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/grid-feature-cache/internal/cache/storage"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/config"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/executor"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/health"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/grid-feature-cache/internal/core/ogc"
	"github.com/mohammed-shakir/grid-feature-cache/internal/source"
)

const redisNamespace = "gridcache:"

// buildSource returns the backing source named by cfg.Source.Kind.
func buildSource(cfg config.Config, logger *slog.Logger) (source.FeatureSource, error) {
	switch cfg.Source.Kind {
	case "memory":
		mem, err := source.LoadGeoJSONFile(cfg.Source.File)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded memory source", "file", cfg.Source.File, "features", mem.Len())
		return source.Instrument(mem, "memory", logger), nil
	case "wfs":
		client := httpclient.NewOutbound(httpclient.WithTimeout(cfg.Source.Timeout))
		exec, err := executor.New(logger, client, ogc.OWSEndpoint(cfg.Source.GeoServerURL), cfg.Source.GeometryAttr)
		if err != nil {
			return nil, fmt.Errorf("executor: %w", err)
		}
		return source.Instrument(source.NewWFS(exec, cfg.Layer), "wfs", logger), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}

// buildStorage opens the payload backend and the readiness probes it needs.
func buildStorage(ctx context.Context, cfg config.Config) (storage.Storage, map[string]health.Probe, error) {
	probes := map[string]health.Probe{}
	switch cfg.Storage.Backend {
	case "memory":
		return storage.NewMemory(), probes, nil
	case "disk":
		dir := cfg.Storage.Dir
		d, err := storage.NewDisk(storage.DiskOptions{
			Dir:           dir,
			ExpectedItems: uint(cfg.Capacity),
			KeepOnClose:   dir != "",
		})
		if err != nil {
			return nil, nil, err
		}
		return d, probes, nil
	case "redis":
		cli, err := redisstore.New(ctx, cfg.Storage.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		probes["redis"] = cli.Ping
		s := storage.NewRedis(cli, redisNamespace,
			storage.WithOpTimeout(cfg.Storage.OpTimeout), storage.WithOwnedClient())
		return s, probes, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildCache(cfg config.Config, src source.FeatureSource, store storage.Storage, logger *slog.Logger) (featurecache.Interface, error) {
	policy, err := eviction.ParseKind(cfg.Policy)
	if err != nil {
		return nil, err
	}
	return featurecache.New(featurecache.Options{
		Variant: cfg.Variant,
		Layer:   cfg.Layer,
		Source:  src,
		Storage: store,
		Grid: grid.Config{
			Bounds: cfg.Grid.Bounds,
			Tiles:  cfg.Grid.Tiles,
			Cols:   cfg.Grid.Cols,
			Rows:   cfg.Grid.Rows,
		},
		Capacity:     cfg.Capacity,
		Policy:       policy,
		HalfLife:     cfg.HalfLife,
		FetchWorkers: cfg.Workers,
		LockTimeout:  cfg.LockWait,
		Logger:       logger,
	})
}
