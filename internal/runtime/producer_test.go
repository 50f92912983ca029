package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/internal/runtime/registry"
	"github.com/drblury/busflow/transport/transporttest"
)

func TestNewMessageStampsTypeAndID(t *testing.T) {
	md := metadatapkg.New(metadatapkg.KeyCorrelationID, "c-1")
	msg, err := NewMessage(&orderPlaced{OrderID: "o-1"}, md)
	require.NoError(t, err)

	_, ok := idspkg.IssuedAt(msg.UUID)
	assert.True(t, ok, "message ids are ULIDs")
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(msg.Payload))
	assert.Equal(t, registry.TypeName[*orderPlaced](), msg.Metadata.Get(metadatapkg.KeyMessageType))
	assert.Equal(t, "c-1", msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.NotContains(t, md, metadatapkg.KeyMessageType, "caller metadata is not modified")
}

func TestNewMessageProtoPayload(t *testing.T) {
	msg, err := NewMessage(wrapperspb.String("hello"), nil)
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, string(msg.Payload))
	assert.Equal(t, registry.TypeName[*wrapperspb.StringValue](), msg.Metadata.Get(metadatapkg.KeyMessageType))
}

func TestSendValidation(t *testing.T) {
	pub := &transporttest.Publisher{}
	ctx := context.Background()

	assert.ErrorIs(t, Send(ctx, nil, "orders", &orderPlaced{}, nil), errspkg.ErrPublisherRequired)
	assert.ErrorIs(t, Send(ctx, pub, "", &orderPlaced{}, nil), errspkg.ErrTopicRequired)
	assert.ErrorIs(t, Send(ctx, pub, "orders", nil, nil), errspkg.ErrMessageRequired)
	assert.ErrorIs(t, Send(ctx, pub, "orders", (*orderPlaced)(nil), nil), errspkg.ErrMessageRequired)

	require.NoError(t, Send(ctx, pub, "orders", &orderPlaced{OrderID: "o-2"}, nil))
	require.Len(t, pub.Messages("orders"), 1)

	var nilService *Service
	assert.ErrorIs(t, nilService.Send(ctx, "orders", &orderPlaced{}, nil), errspkg.ErrServiceRequired)
}
