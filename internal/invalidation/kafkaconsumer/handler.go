package kafkaconsumer

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
)

// invalidateFunc applies one invalidation message. A nil return means the
// message is done with, either applied or deliberately skipped.
type invalidateFunc func(context.Context, *sarama.ConsumerMessage) error

// groupHandler feeds each claimed partition through apply, one message at a
// time and in offset order.
//
// An offset is marked only once apply returns nil. When the cache fails to
// drop the affected cells, ConsumeClaim returns the error without marking, the
// consumer group ends the session and the same event is delivered again after
// the rebalance. Undecodable events, events for other layers and replays are
// skipped inside apply, so they are marked and never block the partition.
type groupHandler struct {
	apply invalidateFunc
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("invalidation claim %s/%d: %w", claim.Topic(), claim.Partition(), ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.apply(ctx, msg); err != nil {
				// leave the offset unmarked so the event is redelivered
				return fmt.Errorf("invalidate %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
		}
	}
}
