// Package kafkaconsumer applies invalidation events from a Kafka topic to the
// feature cache.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/mohammed-shakir/grid-feature-cache/internal/core/model"
	obs "github.com/mohammed-shakir/grid-feature-cache/internal/core/observability"
	"github.com/mohammed-shakir/grid-feature-cache/internal/invalidation"
	mylog "github.com/mohammed-shakir/grid-feature-cache/internal/logger"
)

// Invalidator drops the cached cells of an area.
type Invalidator interface {
	Invalidate(ctx context.Context, env model.Envelope) (int, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	target Invalidator
	seen   *lru.Cache[string, struct{}]
	zlog   *zerolog.Logger
}

func New(cfg Config, logger *slog.Logger, target Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	size := cfg.DedupeSize
	if size <= 0 {
		size = 4096
	}
	seen, _ := lru.New[string, struct{}](size)
	zl := mylog.Nop()
	return &Consumer{
		cfg:    cfg,
		logger: logger.With("component", "kafka_consumer"),
		target: target,
		seen:   seen,
		zlog:   &zl,
	}
}

// WithZerolog sets the logger used for per-message records.
func (c *Consumer) WithZerolog(zl *zerolog.Logger) *Consumer {
	if zl != nil {
		c.zlog = zl
	}
	return c
}

// Start consumes until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.target == nil {
		return errors.New("kafkaconsumer: missing cache")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{apply: c.ProcessOne}
	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID, "layer", c.cfg.Layer)

	for {
		if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
			c.logger.Error("consumer error", "err", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		}
	}
}

// ProcessOne applies a single message. Malformed events and events for other
// layers are skipped; only a failed invalidation is returned as an error.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	zl := mylog.FromContext(ctx, c.zlog)

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		obs.ObserveInvalidation("decode", 0, err)
		zl.Error().Err(err).
			Str("kind", "decode").
			Str("topic", msg.Topic).
			Int32("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return nil
	}
	if err := ev.Validate(); err != nil {
		obs.ObserveInvalidation("invalid", 0, err)
		c.logger.Warn("skipping invalid event", "offset", msg.Offset, "err", err)
		return nil
	}
	if c.cfg.Layer != "" && ev.Layer != c.cfg.Layer {
		c.logger.Debug("event for another layer", "layer", ev.Layer)
		return nil
	}
	key := ev.DedupeKey()
	if c.seen.Contains(key) {
		c.logger.Debug("duplicate event", "key", key)
		return nil
	}

	env, err := ev.Envelope()
	if err != nil {
		obs.ObserveInvalidation(ev.Op, 0, err)
		return nil
	}
	n, err := c.target.Invalidate(ctx, env)
	obs.ObserveInvalidation(ev.Op, n, err)
	if err != nil {
		zl.Error().Err(err).
			Str("kind", "invalidate").
			Str("layer", ev.Layer).
			Int64("offset", msg.Offset).
			Msg("kafka error")
		return fmt.Errorf("invalidate %s: %w", env, err)
	}
	c.seen.Add(key, struct{}{})

	zl.Info().
		Str("event", "invalidation").
		Str("op", ev.Op).Str("layer", ev.Layer).
		Str("bbox", env.String()).
		Int("cells", n).
		Msg("invalidated cells")
	return nil
}
