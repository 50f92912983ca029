package runtime

import (
	"context"
	"time"

	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/busflow/internal/runtime/metadata"
	"github.com/drblury/busflow/internal/runtime/pipeline"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// Channel is the name of the channel processing the job.
	Channel string
	// Topic is the topic/queue the message was received from.
	Topic string
	// MessageID is the unique identifier of the message.
	MessageID string
	// Metadata contains the message metadata.
	Metadata metadatapkg.Metadata
	// Context is the context the job runs under.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone and OnJobError).
	Duration time.Duration
	// DeliveryCount is 1 on the first delivery of the message.
	DeliveryCount int
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called when a handler begins processing a message.
	// This is called before the handler function is invoked.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when a handler successfully completes processing.
	// Duration will be set to how long the handler took.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when a handler returns an error.
	// The error is passed as the second argument.
	// Duration will be set to how long the handler took before failing.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainStartHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainDoneHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainStartHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainDoneHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks
// at appropriate points in the message lifecycle.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "job_hooks",
		Middleware: jobHooksMiddleware(hooks),
	}
}

func jobHooksMiddleware(hooks JobHooks) pipeline.Middleware {
	return func(next pipeline.HandlerFunc) pipeline.HandlerFunc {
		return func(ctx context.Context, d *pipeline.Delivery) error {
			jobCtx := JobContext{
				MessageID:     d.Handle.MessageID(),
				DeliveryCount: d.Handle.DeliveryCount(),
				Context:       ctx,
				StartedAt:     time.Now(),
			}
			if info, ok := handlerpkg.MessageInfoFromContext(ctx); ok {
				jobCtx.Channel = info.Channel
				jobCtx.Topic = info.Topic
				jobCtx.Metadata = info.Metadata
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			err := next(ctx, d)

			jobCtx.Duration = time.Since(jobCtx.StartedAt)
			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}

			return err
		}
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Info("Job started", loggingpkg.LogFields{
				"channel":        ctx.Channel,
				"topic":          ctx.Topic,
				"message_id":     ctx.MessageID,
				"delivery_count": ctx.DeliveryCount,
			})
		},
		OnJobDone: func(ctx JobContext) {
			logger.Info("Job completed", loggingpkg.LogFields{
				"channel":     ctx.Channel,
				"topic":       ctx.Topic,
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
			})
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Job failed", err, loggingpkg.LogFields{
				"channel":        ctx.Channel,
				"topic":          ctx.Topic,
				"message_id":     ctx.MessageID,
				"duration_ms":    ctx.Duration.Milliseconds(),
				"delivery_count": ctx.DeliveryCount,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart, onDone, onError func(channel, topic string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Channel, ctx.Topic)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Channel, ctx.Topic)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Channel, ctx.Topic)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
