package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
)

// Outcome is the disposition the dispatcher reported to the transport.
type Outcome int

const (
	OutcomeCompleted Outcome = iota + 1
	OutcomeDeadLettered
	OutcomeAbandoned
	// OutcomeCancelled is an abandon caused by the dispatch context ending
	// before the processor finished.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeAbandoned:
		return "abandoned"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Result describes one dispatch.
type Result struct {
	Outcome       Outcome
	MessageID     string
	DeliveryCount int
	Limit         int
	Duration      time.Duration
	// Err is the processing failure for abandoned messages, or the error
	// returned by the transport while applying the disposition.
	Err error
}

// Dispatcher runs the per-message state machine for one channel.
type Dispatcher struct {
	name      string
	pipeline  HandlerFunc
	logger    loggingpkg.ServiceLogger
	onOutcome []func(Result)
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithOutcomeObserver registers fn to be called after every dispatch.
func WithOutcomeObserver(fn func(Result)) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.onOutcome = append(d.onOutcome, fn)
		}
	}
}

// NewDispatcher wraps a composed pipeline.
func NewDispatcher(name string, pipeline HandlerFunc, logger loggingpkg.ServiceLogger, opts ...DispatcherOption) (*Dispatcher, error) {
	if pipeline == nil {
		return nil, fmt.Errorf("%w: dispatcher %q has no pipeline", errspkg.ErrProcessorRequired, name)
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	d := &Dispatcher{name: name, pipeline: pipeline, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch processes one message and always returns a disposition; processor
// failures and panics never escape.
func (d *Dispatcher) Dispatch(ctx context.Context, handle StateHandle) (res Result) {
	started := time.Now()
	res = Result{
		MessageID:     handle.MessageID(),
		DeliveryCount: handle.DeliveryCount(),
		Limit:         handle.DeadLetterDeliveryLimit(),
	}
	defer func() {
		res.Duration = time.Since(started)
		for _, fn := range d.onOutcome {
			fn(res)
		}
	}()

	fields := loggingpkg.LogFields{
		"channel":        d.name,
		"message_id":     res.MessageID,
		"delivery_count": res.DeliveryCount,
	}
	// Dispositions must reach the transport even when ctx is already done.
	settle := context.WithoutCancel(ctx)

	if res.DeliveryCount > res.Limit {
		res.Outcome = OutcomeDeadLettered
		if err := handle.DeadLetter(settle, res.Limit); err != nil {
			res.Err = err
			d.logger.Error("Failed to dead-letter message", err, fields)
			return res
		}
		fields["dead_letter_limit"] = res.Limit
		d.logger.Info("Message dead-lettered", fields)
		return res
	}

	payload, err := d.invoke(ctx, handle)
	if err == nil {
		res.Outcome = OutcomeCompleted
		if cerr := handle.Complete(settle); cerr != nil {
			res.Err = cerr
			d.logger.Error("Failed to complete message", cerr, fields)
		}
		return res
	}

	res.Err = err
	res.Outcome = OutcomeAbandoned
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		res.Outcome = OutcomeCancelled
		d.logger.Info("Message processing cancelled", fields)
	} else {
		fields["message"] = payload
		d.logger.Error("Error processing message", err, fields)
	}
	if aerr := handle.AbandonByError(settle, err); aerr != nil {
		d.logger.Error("Failed to abandon message", aerr, loggingpkg.LogFields{
			"channel":    d.name,
			"message_id": res.MessageID,
		})
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, handle StateHandle) (payload any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", errspkg.ErrProcessorPanic, r, debug.Stack())
		}
	}()

	payload, err = handle.GetMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return payload, d.pipeline(ctx, &Delivery{Handle: handle, Message: payload})
}
