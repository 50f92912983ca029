package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
)

type invoiceIssued struct {
	InvoiceID string `json:"invoice_id"`
	Total     int    `json:"total"`
}

func TestNewDecoderPointerType(t *testing.T) {
	decode, err := NewDecoder[*invoiceIssued]()
	require.NoError(t, err)

	got, err := decode([]byte(`{"invoice_id":"inv-1","total":40}`))
	require.NoError(t, err)
	assert.Equal(t, &invoiceIssued{InvoiceID: "inv-1", Total: 40}, got)

	again, err := decode([]byte(`{"invoice_id":"inv-2"}`))
	require.NoError(t, err)
	assert.NotSame(t, got, again)
}

func TestNewDecoderValueType(t *testing.T) {
	decode, err := NewDecoder[invoiceIssued]()
	require.NoError(t, err)

	got, err := decode([]byte(`{"invoice_id":"inv-3","total":1}`))
	require.NoError(t, err)
	assert.Equal(t, invoiceIssued{InvoiceID: "inv-3", Total: 1}, got)
}

func TestNewDecoderProtoUsesProtojson(t *testing.T) {
	decode, err := NewDecoder[*structpb.Struct]()
	require.NoError(t, err)

	got, err := decode([]byte(`{"region":"eu","retries":2}`))
	require.NoError(t, err)
	assert.Equal(t, "eu", got.GetFields()["region"].GetStringValue())
	assert.Equal(t, float64(2), got.GetFields()["retries"].GetNumberValue())
}

func TestNewDecoderRejectsInterface(t *testing.T) {
	_, err := NewDecoder[error]()
	assert.True(t, errors.Is(err, errspkg.ErrMessageTypeRequired))
}

func TestDecodeMalformedPayload(t *testing.T) {
	decode, err := NewDecoder[*invoiceIssued]()
	require.NoError(t, err)

	_, err = decode([]byte(`{"invoice_id":`))
	assert.ErrorContains(t, err, "failed to unmarshal JSON payload")
}

func TestEncode(t *testing.T) {
	data, err := Encode(invoiceIssued{InvoiceID: "inv-4", Total: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"invoice_id":"inv-4","total":2}`, string(data))

	pb, err := structpb.NewStruct(map[string]any{"k": "v"})
	require.NoError(t, err)
	data, err = Encode(pb)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(data))

	_, err = Encode(nil)
	assert.ErrorIs(t, err, errspkg.ErrMessageRequired)

	var missing *invoiceIssued
	_, err = Encode(missing)
	assert.ErrorIs(t, err, errspkg.ErrMessageRequired)
}

func TestMessageInfoContext(t *testing.T) {
	_, ok := MessageInfoFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithMessageInfo(context.Background(), MessageInfo{
		MessageID:     "01H",
		DeliveryCount: 2,
		Metadata:      metadatapkg.New(metadatapkg.KeyCorrelationID, "corr-1"),
	})
	info, ok := MessageInfoFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, 2, info.DeliveryCount)
	assert.Equal(t, "corr-1", info.CorrelationID())
}
