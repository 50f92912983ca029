package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
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

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.CompetingConsumers)
	assert.False(t, caps.SupportsNativeDLQ)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("passes brokers, group and client id", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		sub := &transporttest.Subscriber{}

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.Equal(t, "busflow-test", cfg.OverwriteSaramaConfig.ClientID)
			return pub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "workers", cfg.ConsumerGroup)
			assert.Equal(t, "busflow-test", cfg.OverwriteSaramaConfig.ClientID)
			return sub, nil
		}

		tr, err := Build(context.Background(), &transporttest.Config{
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaConsumerGroup: "workers",
			KafkaClientID:      "busflow-test",
		}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Same(t, pub, tr.Publisher)
		assert.Same(t, sub, tr.Subscriber)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorIs(t, err, ErrBrokersRequired)
	})

	t.Run("publisher failure", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber failure closes the publisher", func(t *testing.T) {
		stubFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed)
	})
}
