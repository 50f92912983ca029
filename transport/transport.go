// Package transport defines how busflow talks to a message broker. Each
// implementation lives in its own sub-package and registers a Builder with
// the transport registry under the name used in Config.PubSubSystem.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/busflow/internal/runtime/pipeline"
)

// Transport is what a Builder produces for the host.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Middlewares run after the global middlewares for every channel
	// consuming from this transport.
	Middlewares []pipeline.Middleware
	// DeadLetterer is set when the broker can park a message natively.
	DeadLetterer DeadLetterer
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the subset of the service configuration transports read.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetPostgresURL() string
	GetPostgresSchema() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// Starter is implemented by subscribers that begin receiving only after
// every topic has been subscribed, such as the HTTP transport's server.
type Starter interface {
	Start(ctx context.Context) error
}

// DeadLetterer moves a received message into the broker's own dead-letter
// storage. The caller acknowledges msg afterwards.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, topic string, msg *message.Message, reason string) error
}

// DLQManager is implemented by transports that can replay or purge parked
// messages.
type DLQManager interface {
	GetDLQCount(topic string) (int64, error)
	ReplayDLQMessage(dlqID int64) error
	ReplayAllDLQ(topic string) (int64, error)
	PurgeDLQ(topic string) (int64, error)
}

// DLQLister is implemented by transports that can page through parked messages.
type DLQLister interface {
	ListDLQMessages(topic string, limit, offset int) ([]DLQMessage, error)
}

// DLQMessage is one parked message.
type DLQMessage struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	Reason        string            `json:"reason"`
	FailedAt      time.Time         `json:"failed_at"`
	DeliveryCount int               `json:"delivery_count"`
}

// QueueIntrospector is implemented by transports that can count waiting messages.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}
