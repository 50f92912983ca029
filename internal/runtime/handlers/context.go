package handlers

import (
	"context"

	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

// MessageInfo describes the delivery a processor is currently handling.
type MessageInfo struct {
	MessageID     string
	Topic         string
	Channel       string
	DeliveryCount int
	Metadata      metadatapkg.Metadata
}

// CorrelationID returns the correlation id carried in the headers, if any.
func (m MessageInfo) CorrelationID() string {
	return m.Metadata[metadatapkg.KeyCorrelationID]
}

type messageInfoKey struct{}

// WithMessageInfo attaches info to ctx.
func WithMessageInfo(ctx context.Context, info MessageInfo) context.Context {
	return context.WithValue(ctx, messageInfoKey{}, info)
}

// MessageInfoFromContext returns the MessageInfo the runtime attached before
// invoking a processor.
func MessageInfoFromContext(ctx context.Context) (MessageInfo, bool) {
	info, ok := ctx.Value(messageInfoKey{}).(MessageInfo)
	return info, ok
}
