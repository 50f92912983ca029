package http

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/busflow/transport"
	"github.com/drblury/busflow/transport/transporttest"
)

func stubFactories(t *testing.T) {
	t.Helper()
	pub, sub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = pub
		SubscriberFactory = sub
	})
}

func testConfig() *transporttest.Config {
	return &transporttest.Config{HTTPServerAddress: ":8080", HTTPPublisherURL: "http://peer:8080"}
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "http", caps.Name)
	assert.False(t, caps.CompetingConsumers)
	assert.Equal(t, transport.HTTPCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("wraps the subscriber as a starter", func(t *testing.T) {
		stubFactories(t)
		var gotAddr string
		PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return &transporttest.Publisher{}, nil
		}
		SubscriberFactory = func(addr string, _ watermillhttp.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
			gotAddr = addr
			return &transporttest.Subscriber{}, nil
		}

		tr, err := Build(context.Background(), testConfig(), watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, ":8080", gotAddr)

		starter, ok := tr.Subscriber.(transport.Starter)
		require.True(t, ok)
		assert.NoError(t, starter.Start(context.Background()))
	})

	t.Run("requires server address", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{HTTPPublisherURL: "http://peer"}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrServerAddressRequired)
	})

	t.Run("requires publisher url", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":8080"}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrPublisherURLRequired)
	})

	t.Run("subscriber failure closes the publisher", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), testConfig(), watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}

func TestTopicURLMarshaler(t *testing.T) {
	marshal := topicURLMarshaler("http://peer:8080")
	msg := message.NewMessage("m-1", []byte(`{"id":1}`))
	msg.Metadata.Set("correlation_id", "c-1")

	req, err := marshal("orders", msg)
	require.NoError(t, err)
	assert.Equal(t, "http://peer:8080/orders", req.URL.String())

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":1}`, string(body))
}
