// Package busflow hosts message processors on top of Watermill publishers and
// subscribers. A Service reads the target transport (Kafka, RabbitMQ, AWS
// SNS/SQS, NATS, PostgreSQL, HTTP or Go channels) from Config, resolves a
// processor for every registered channel through the ProcessorRegistry and
// pumps deliveries through a middleware chain into a Dispatcher.
//
// The Dispatcher settles every delivery exactly once: completed messages are
// acked, failed ones are abandoned for redelivery, and a delivery whose count
// exceeds the channel's dead-letter limit is forwarded to the dead-letter
// store without reaching the processor. A minimal setup fills Config, creates
// a Service, registers a Processor and a ChannelRegistration, and calls Start.
//
// # Processors
//
// A Processor lists its Declarations; each one is built with Handles and binds
// one message type to one Capability:
//
//	func (p *OrderProcessor) Declarations() []busflow.Declaration {
//		return []busflow.Declaration{
//			busflow.Handles(busflow.CapabilityCommand, p.handleOrder),
//		}
//	}
//
// # Singleton channels
//
// Channels marked Singleton are consumed by at most one instance at a time.
// The instance must hold a lease from the lease package; it renews the lease
// while consuming and stops as soon as the lease is lost.
//
// # Middleware
//
// The default chain injects correlation IDs, logs each message, opens an
// OpenTelemetry span, records Prometheus metrics and bounds each processor
// call by the message lock timeout. Custom middleware can be added through
// ServiceDependencies.Middlewares or per channel.
//
// # Job Hooks
//
// JobHooksMiddleware provides OnJobStart, OnJobDone, and OnJobError callbacks
// for custom logging, metrics collection, and alerting around processing.
package busflow
