package runtime

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// Producer sends messages onto the configured transport.
type Producer interface {
	Send(ctx context.Context, topic string, msg any, metadata metadatapkg.Metadata) error
}

// NewMessage encodes msg into a Watermill message with a fresh ULID and the
// type header channels are matched on. proto.Message values are encoded as
// protojson, everything else as JSON.
func NewMessage(msg any, metadata metadatapkg.Metadata) (*message.Message, error) {
	payload, err := handlerpkg.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	out := message.NewMessage(idspkg.CreateULID(), payload)
	out.Metadata = metadatapkg.ToWatermill(metadata.With(metadatapkg.KeyMessageType, reflect.TypeOf(msg).String()))
	return out, nil
}

// Send encodes msg and publishes it to topic with publisher.
func Send(ctx context.Context, publisher message.Publisher, topic string, msg any, metadata metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	out, err := NewMessage(msg, metadata)
	if err != nil {
		return err
	}
	if ctx != nil {
		out.SetContext(ctx)
	}
	return publisher.Publish(topic, out)
}

// Send publishes msg with the Service publisher.
func (s *Service) Send(ctx context.Context, topic string, msg any, metadata metadatapkg.Metadata) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	return Send(ctx, s.transport.Publisher, topic, msg, metadata)
}

var _ Producer = (*Service)(nil)
