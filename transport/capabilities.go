package transport

// Capabilities describes what a broker does on its own, so the host knows
// what it has to emulate.
type Capabilities struct {
	Name string

	// SupportsAck and SupportsNack report explicit settlement. Without Nack
	// an abandoned message is only redelivered after a restart or rebalance.
	SupportsAck  bool
	SupportsNack bool

	// SupportsNativeDLQ means Transport.DeadLetterer is set.
	SupportsNativeDLQ bool

	SupportsOrdering bool
	SupportsTracing  bool

	// CompetingConsumers means several subscriptions to one topic share its
	// messages instead of each receiving a copy. The host opens one
	// subscription per worker only when this is set.
	CompetingConsumers bool

	// DeliveryCountKey names the metadata entry in which the broker reports
	// how often a message was delivered. Empty means the host counts
	// deliveries itself.
	DeliveryCountKey string

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// RequiresDLQEmulation reports whether dead-lettering has to be done by
// publishing to a dead-letter topic.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once semantics.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// TracksDeliveryCount reports whether the broker counts deliveries.
func (c Capabilities) TracksDeliveryCount() bool {
	return c.DeliveryCountKey != ""
}

// PostgresDeliveryCountKey is stamped on every message read from the
// postgres queue.
const PostgresDeliveryCountKey = "busflow_delivery_count"

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:               "kafka",
		SupportsAck:        true,
		SupportsOrdering:   true,
		SupportsTracing:    true,
		CompetingConsumers: true,
		MaxMessageSize:     1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:               "rabbitmq",
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsOrdering:   true,
		SupportsTracing:    true,
		CompetingConsumers: true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	AWSCapabilities = Capabilities{
		Name:               "aws",
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsTracing:    true,
		CompetingConsumers: true,
		MaxMessageSize:     262144,
	}

	PostgresCapabilities = Capabilities{
		Name:               "postgres",
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsNativeDLQ:  true,
		SupportsOrdering:   true,
		CompetingConsumers: true,
		DeliveryCountKey:   PostgresDeliveryCountKey,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for transportName, or
// a zero value carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
