/*
Package runtime hosts busflow channels on top of a Watermill transport.

# Architecture Overview

A channel reads one topic and hands every message to the processor the
registry holds for the channel's message type and capability. Between the
two sits a middleware pipeline and a dispatcher that settles each message
exactly once: completed, abandoned for redelivery, or dead-lettered once its
delivery count exceeds the channel's limit.

# Package Structure

## Core Service (service.go, channel.go)

The Service owns the transport built from the transport registry, the
processor registry and the global middlewares. Channels are registered up
front and wired on Start.

## Pumps (pump.go, state_handle.go, delivery_tracker.go)

Each channel runs a pump: subscription readers fill a buffer of
PrefetchCount messages that MaxConcurrentCalls workers drain. Every message
is wrapped in a state handle that maps dispositions onto Ack and Nack and
reads the delivery count from the transport, or from an in-process LRU when
the transport does not count.

## Singleton channels (singleton.go)

Singleton channels only consume while this replica holds the lease
"busflow/<channel>" from the configured lease.Locker.

## Middleware (middleware.go, hooks.go)

The default chain:
  - CorrelationID: assigns a correlation id when missing
  - LogMessages: debug logging of decoded messages
  - Tracer: OpenTelemetry consumer spans
  - Metrics: Prometheus counters, durations and in-flight gauges
  - MessageLockTimeout: bounds processing by the channel's lock timeout

ThrottlingMiddleware and JobHooksMiddleware are available on request.

## Stats & Monitoring (stats.go, dlq_metrics.go, resources.go, diagnostics.go)

Per-channel outcome counters, latency percentiles and throughput, dead-letter
metrics and process usage, served as JSON on /api/channels.

## Producing (producer.go)

Send encodes a message, stamps a ULID and the message type header and
publishes it.

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - handlers/: Payload codec and the per-message context
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - pipeline/: Middleware pipeline and dispatcher
  - registry/: Processor registry

# Usage Example

	cfg := &busflow.Config{
		PubSubSystem:   "kafka",
		KafkaBrokers:   []string{"localhost:9092"},
		MetricsEnabled: true,
		MetricsPort:    9090,
	}

	svc := busflow.NewService(cfg, logger, ctx, busflow.ServiceDependencies{})

	_ = svc.RegisterProcessor(&OrderProcessor{})
	_ = svc.RegisterChannel(busflow.ChannelRegistration{
		Topic:       "orders",
		MessageType: busflow.TypeName[*OrderPlaced](),
	})

	svc.Start(ctx)
*/
package runtime
