package postgres

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/busflow/internal/runtime/pipeline"
)

// LockExtender keeps a claimed message invisible to other subscribers.
type LockExtender interface {
	ExtendLock(ctx context.Context, uuid string) error
}

// LockExtensionMiddleware extends the row lock every interval while the rest
// of the pipeline runs, so slow processors do not see their message handed
// to another worker. A failed extension is logged and retried on the next tick.
func LockExtensionMiddleware(ext LockExtender, interval time.Duration, logger watermill.LoggerAdapter) pipeline.Middleware {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return func(next pipeline.HandlerFunc) pipeline.HandlerFunc {
		return func(ctx context.Context, d *pipeline.Delivery) error {
			if interval <= 0 || d == nil || d.Handle == nil {
				return next(ctx, d)
			}
			uuid := d.Handle.MessageID()

			done := make(chan struct{})
			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ctx.Done():
						return
					case <-ticker.C:
						if err := ext.ExtendLock(ctx, uuid); err != nil {
							logger.Error("Failed to extend message lock", err, watermill.LogFields{"message_uuid": uuid})
						}
					}
				}
			}()

			defer func() {
				close(done)
				<-stopped
			}()
			return next(ctx, d)
		}
	}
}
