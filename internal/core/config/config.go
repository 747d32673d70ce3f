package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
)

type InvalidationCfg struct {
	Enabled bool
	Topic   string
	Brokers string
	GroupID string
}

type GridCfg struct {
	Bounds model.Envelope
	// Tiles is the index capacity hint used when Cols/Rows are not set.
	Tiles int
	Cols  int
	Rows  int
}

type StorageCfg struct {
	Backend   string // memory | disk | redis
	Dir       string
	RedisAddr string
	OpTimeout time.Duration
}

type SourceCfg struct {
	Kind         string // wfs | memory
	File         string
	GeoServerURL string
	GeometryAttr string
	Timeout      time.Duration
}

type MetricsCfg struct {
	Enabled bool
	// Addr serves metrics on a separate listener when set; otherwise they
	// share the API server.
	Addr string
	Path string
}

type Config struct {
	Addr         string
	LogLevel     string
	LogConsole   bool
	LogSampleN   int
	Layer        string
	Variant      string // blocking | nonblocking
	Capacity     int
	Workers      int
	LockWait     time.Duration
	Policy       string // lru | lfu | fifo
	HalfLife     time.Duration
	Grid         GridCfg
	Storage      StorageCfg
	Source       SourceCfg
	Invalidation InvalidationCfg
	Metrics      MetricsCfg
}

func FromEnv() Config {
	capacity := getint("CACHE_CAPACITY", 50000)
	bounds, err := model.ParseEnvelope(getenv("GRID_BOUNDS", "-180,-90,180,90"))
	if err != nil {
		bounds = model.Envelope{MinX: -180, MinY: -90, MaxX: 180, MaxY: 90}
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),
		Layer:      getenv("LAYER", "demo:features"),
		Variant:    strings.ToLower(getenv("CACHE_VARIANT", "blocking")),
		Capacity:   capacity,
		Workers:    getint("CACHE_FETCH_WORKERS", 8),
		LockWait:   getduration("CACHE_LOCK_TIMEOUT", 30*time.Second),
		Policy:     strings.ToLower(getenv("EVICTION_POLICY", "lru")),
		HalfLife:   getduration("EVICTION_HALF_LIFE", time.Minute),
		Grid: GridCfg{
			Bounds: bounds,
			Tiles:  getint("GRID_TILES", defaultTiles(capacity)),
			Cols:   getint("GRID_COLS", 0),
			Rows:   getint("GRID_ROWS", 0),
		},
		Storage: StorageCfg{
			Backend:   strings.ToLower(getenv("STORAGE_BACKEND", "memory")),
			Dir:       getenv("STORAGE_DIR", ""),
			RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),
			OpTimeout: getduration("STORAGE_OP_TIMEOUT", 250*time.Millisecond),
		},
		Source: SourceCfg{
			Kind:         strings.ToLower(getenv("SOURCE_KIND", "wfs")),
			File:         getenv("SOURCE_FILE", ""),
			GeoServerURL: getenv("GEOSERVER_URL", "http://localhost:8080/geoserver"),
			GeometryAttr: getenv("GEOMETRY_ATTR", "geom"),
			Timeout:      getduration("SOURCE_TIMEOUT", 10*time.Second),
		},
		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Topic:   getenv("KAFKA_TOPIC", "spatial-invalidation"),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID: getenv("KAFKA_GROUP_ID", "grid-cache-invalidator"),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", true),
			Addr:    getenv("METRICS_ADDR", ""),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},
	}
}

// Validate reports settings the cache cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_CAPACITY must be > 0 (got %d)", c.Capacity))
	}
	switch c.Variant {
	case "blocking", "nonblocking":
	default:
		errs = append(errs, fmt.Errorf("CACHE_VARIANT must be blocking|nonblocking (got %q)", c.Variant))
	}
	switch c.Policy {
	case "lru", "lfu", "fifo":
	default:
		errs = append(errs, fmt.Errorf("EVICTION_POLICY must be lru|lfu|fifo (got %q)", c.Policy))
	}
	switch c.Storage.Backend {
	case "memory", "disk", "redis":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be memory|disk|redis (got %q)", c.Storage.Backend))
	}
	switch c.Source.Kind {
	case "wfs":
	case "memory":
		if c.Source.File == "" {
			errs = append(errs, errors.New("SOURCE_FILE is required for SOURCE_KIND=memory"))
		}
	default:
		errs = append(errs, fmt.Errorf("SOURCE_KIND must be wfs|memory (got %q)", c.Source.Kind))
	}
	if c.Grid.Bounds.Width() <= 0 || c.Grid.Bounds.Height() <= 0 {
		errs = append(errs, errors.New("GRID_BOUNDS must have a positive area"))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("METRICS_PATH must start with / (got %q)", c.Metrics.Path))
	}
	if strings.TrimSpace(c.Layer) == "" {
		errs = append(errs, errors.New("LAYER is required"))
	}
	return errors.Join(errs...)
}

// roughly 100 features per tile at full capacity
func defaultTiles(capacity int) int {
	t := capacity / 100
	if t < 1 {
		return 1
	}
	return t
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
