package runtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/internal/runtime/registry"
	"github.com/drblury/busflow/transport"
)

// messageHandle adapts one Watermill message to pipeline.StateHandle.
// Complete acks, AbandonByError nacks and DeadLetter parks the message then
// acks it.
type messageHandle struct {
	msg           *message.Message
	topic         string
	deliveryCount int
	limit         int
	decode        registry.DecodeFunc
	deadLetter    func(ctx context.Context, msg *message.Message, reason string) error
	settled       func(id string)
}

func (h *messageHandle) MessageID() string            { return h.msg.UUID }
func (h *messageHandle) DeliveryCount() int           { return h.deliveryCount }
func (h *messageHandle) DeadLetterDeliveryLimit() int { return h.limit }

func (h *messageHandle) GetMessage(ctx context.Context) (any, error) {
	return h.decode(h.msg.Payload)
}

func (h *messageHandle) Complete(ctx context.Context) error {
	h.msg.Ack()
	h.done()
	return nil
}

// AbandonByError nacks so the transport redelivers. The cause only matters
// for logging, which the dispatcher already did.
func (h *messageHandle) AbandonByError(ctx context.Context, cause error) error {
	h.msg.Nack()
	return nil
}

func (h *messageHandle) DeadLetter(ctx context.Context, deliveryLimit int) error {
	reason := fmt.Sprintf("delivery count %d exceeded limit %d", h.deliveryCount, deliveryLimit)
	if err := h.deadLetter(ctx, h.msg, reason); err != nil {
		// Leave it for redelivery; the next attempt dead-letters again.
		h.msg.Nack()
		return err
	}
	h.msg.Ack()
	h.done()
	return nil
}

func (h *messageHandle) done() {
	if h.settled != nil {
		h.settled(h.msg.UUID)
	}
}

// deliveryCounter resolves the delivery count of an incoming message.
type deliveryCounter struct {
	key     string
	tracker *deliveryTracker
}

func newDeliveryCounter(caps transport.Capabilities, trackerSize int) *deliveryCounter {
	if caps.TracksDeliveryCount() {
		return &deliveryCounter{key: caps.DeliveryCountKey}
	}
	return &deliveryCounter{tracker: newDeliveryTracker(trackerSize)}
}

func (c *deliveryCounter) Count(msg *message.Message) (int, error) {
	if c.tracker != nil {
		return c.tracker.Observe(msg.UUID), nil
	}
	raw := msg.Metadata.Get(c.key)
	count, err := strconv.Atoi(raw)
	if err != nil || count < 1 {
		return 0, fmt.Errorf("%w: %s=%q on %s", errspkg.ErrDeliveryCountUnavailable, c.key, raw, msg.UUID)
	}
	return count, nil
}

func (c *deliveryCounter) Forget(id string) {
	if c.tracker != nil {
		c.tracker.Forget(id)
	}
}

// publishDeadLetterer emulates a dead-letter queue by publishing a copy of
// the message to a sibling topic.
type publishDeadLetterer struct {
	publisher message.Publisher
	topicFor  func(topic string) string
	now       func() time.Time
}

func (p *publishDeadLetterer) DeadLetter(ctx context.Context, topic string, msg *message.Message, reason string) error {
	out := msg.Copy()
	out.Metadata = metadatapkg.ToWatermill(metadatapkg.FromWatermill(msg.Metadata).WithAll(metadatapkg.New(
		metadatapkg.KeyDeadLetterReason, reason,
		metadatapkg.KeyOriginalTopic, topic,
		metadatapkg.KeyDeadLetteredAt, p.now().UTC().Format(time.RFC3339Nano),
	)))
	out.SetContext(ctx)
	if err := p.publisher.Publish(p.topicFor(topic), out); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topicFor(topic), err)
	}
	return nil
}
