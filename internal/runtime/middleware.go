package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/internal/runtime/pipeline"
)

// MiddlewareBuilder constructs a middleware once the Service exists. A nil
// middleware with a nil error means "not enabled" and is skipped.
type MiddlewareBuilder func(*Service) (pipeline.Middleware, error)

// MiddlewareRegistration names a global middleware. Exactly one of
// Middleware or Builder must be set.
type MiddlewareRegistration struct {
	Name       string
	Middleware pipeline.Middleware
	Builder    MiddlewareBuilder
}

func (r MiddlewareRegistration) build(s *Service) (pipeline.Middleware, error) {
	switch {
	case r.Middleware != nil:
		return r.Middleware, nil
	case r.Builder != nil:
		return r.Builder(s)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

// DefaultMiddlewares is the chain every channel gets unless
// ServiceDependencies.DisableDefaultMiddlewares is set.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		MessageLockTimeoutMiddleware(),
	}
}

// CorrelationIDMiddleware assigns a correlation id to messages that arrive
// without one. Processors read it from handlers.MessageInfoFromContext.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(next pipeline.HandlerFunc) pipeline.HandlerFunc {
			return func(ctx context.Context, d *pipeline.Delivery) error {
				info, ok := handlerpkg.MessageInfoFromContext(ctx)
				if ok && info.CorrelationID() == "" {
					info.Metadata = info.Metadata.With(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
					ctx = handlerpkg.WithMessageInfo(ctx, info)
				}
				return next(ctx, d)
			}
		},
	}
}

// LogMessagesMiddleware logs every decoded message at debug level. A nil
// logger uses the Service logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (pipeline.Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return func(next pipeline.HandlerFunc) pipeline.HandlerFunc {
				return func(ctx context.Context, d *pipeline.Delivery) error {
					fields := loggingpkg.LogFields{
						"message_id":     d.Handle.MessageID(),
						"delivery_count": d.Handle.DeliveryCount(),
						"message":        d.Message,
					}
					if info, ok := handlerpkg.MessageInfoFromContext(ctx); ok {
						fields["channel"] = info.Channel
						fields["topic"] = info.Topic
						fields["metadata"] = info.Metadata
					}
					l.Debug("Processing message", fields)
					return next(ctx, d)
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps processing in an OpenTelemetry span using the
// global tracer provider.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Middleware: func(next pipeline.HandlerFunc) pipeline.HandlerFunc {
			tracer := otel.Tracer("github.com/drblury/busflow")
			return func(ctx context.Context, d *pipeline.Delivery) error {
				attrs := []attribute.KeyValue{
					attribute.String("messaging.message.id", d.Handle.MessageID()),
					attribute.Int("messaging.delivery_count", d.Handle.DeliveryCount()),
				}
				if info, ok := handlerpkg.MessageInfoFromContext(ctx); ok {
					attrs = append(attrs,
						attribute.String("messaging.destination.name", info.Topic),
						attribute.String("busflow.channel", info.Channel),
					)
				}
				ctx, span := tracer.Start(ctx, "ProcessMessage",
					trace.WithSpanKind(trace.SpanKindConsumer),
					trace.WithAttributes(attrs...),
				)
				defer span.End()

				err := next(ctx, d)
				if err != nil {
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
				}
				return err
			}
		},
	}
}

// MetricsMiddleware records processing counts and durations per channel and
// serves /metrics on Config.MetricsPort. It is a no-op unless
// Config.MetricsEnabled is set.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (pipeline.Middleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}
			m := newProcessingMetrics()
			if err := m.register(s.registerer); err != nil {
				return nil, err
			}
			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
			}
			return m.middleware, nil
		},
	}
}

type processingMetrics struct {
	processed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
}

func newProcessingMetrics() *processingMetrics {
	return &processingMetrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "busflow",
			Name:      "messages_processed_total",
			Help:      "Messages that went through a channel pipeline, by result.",
		}, []string{"channel", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "busflow",
			Name:      "message_processing_seconds",
			Help:      "Time spent in the channel pipeline.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "busflow",
			Name:      "messages_in_flight",
			Help:      "Messages currently inside a channel pipeline.",
		}, []string{"channel"}),
	}
}

func (m *processingMetrics) register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.processed, m.duration, m.inFlight} {
		if err := r.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return fmt.Errorf("register processing metrics: %w", err)
			}
		}
	}
	return nil
}

func (m *processingMetrics) middleware(next pipeline.HandlerFunc) pipeline.HandlerFunc {
	return func(ctx context.Context, d *pipeline.Delivery) error {
		channel := "unknown"
		if info, ok := handlerpkg.MessageInfoFromContext(ctx); ok {
			channel = info.Channel
		}
		gauge := m.inFlight.WithLabelValues(channel)
		gauge.Inc()
		started := time.Now()

		err := next(ctx, d)

		gauge.Dec()
		m.duration.WithLabelValues(channel).Observe(time.Since(started).Seconds())
		result := "success"
		if err != nil {
			result = "error"
		}
		m.processed.WithLabelValues(channel, result).Inc()
		return err
	}
}

// MessageLockTimeoutMiddleware bounds processing by the channel's
// MessageLockTimeout so a stuck processor gives its message back before the
// broker's own visibility timeout hands it to another consumer.
func MessageLockTimeoutMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "message_lock_timeout",
		Builder: func(s *Service) (pipeline.Middleware, error) {
			fallback := s.Conf.GetMessageLockTimeout()
			return func(next pipeline.HandlerFunc) pipeline.HandlerFunc {
				return func(ctx context.Context, d *pipeline.Delivery) error {
					timeout := fallback
					if info, ok := handlerpkg.MessageInfoFromContext(ctx); ok {
						if ch := s.channel(info.Channel); ch != nil {
							timeout = ch.settings.MessageLockTimeout
						}
					}
					if timeout <= 0 {
						return next(ctx, d)
					}
					ctx, cancel := context.WithTimeout(ctx, timeout)
					defer cancel()
					return next(ctx, d)
				}
			}, nil
		},
	}
}

// ThrottlingMiddleware caps how many messages run through the rest of the
// pipeline at once across all channels.
func ThrottlingMiddleware(limit int64) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "throttling",
		Builder: func(*Service) (pipeline.Middleware, error) {
			if limit <= 0 {
				return nil, fmt.Errorf("throttling middleware requires a positive limit, got %d", limit)
			}
			sem := semaphore.NewWeighted(limit)
			return func(next pipeline.HandlerFunc) pipeline.HandlerFunc {
				return func(ctx context.Context, d *pipeline.Delivery) error {
					if err := sem.Acquire(ctx, 1); err != nil {
						return err
					}
					defer sem.Release(1)
					return next(ctx, d)
				}
			}, nil
		},
	}
}
