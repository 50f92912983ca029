// Package pipeline composes middlewares around a processor and decides the
// final disposition of every delivered message.
package pipeline

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

// StateHandle is the per-message view of a transport. The dispatcher calls
// exactly one of Complete, AbandonByError or DeadLetter for every message.
type StateHandle interface {
	MessageID() string
	DeliveryCount() int
	DeadLetterDeliveryLimit() int
	// GetMessage returns the decoded payload.
	GetMessage(ctx context.Context) (any, error)
	Complete(ctx context.Context) error
	AbandonByError(ctx context.Context, cause error) error
	DeadLetter(ctx context.Context, deliveryLimit int) error
}

// Delivery is a materialised message travelling through a pipeline.
type Delivery struct {
	Handle  StateHandle
	Message any
}

// HandlerFunc is one stage of a pipeline.
type HandlerFunc func(ctx context.Context, d *Delivery) error

// Middleware wraps the next stage. It may run code around next, translate
// its error, or not call it at all.
type Middleware func(next HandlerFunc) HandlerFunc

// MiddlewarePipeline holds the global and transport middlewares of one channel.
type MiddlewarePipeline struct {
	stages []Middleware
}

// NewMiddlewarePipeline validates and snapshots both lists. Execution order is
// global in order, then transport in order, then the terminal handler.
func NewMiddlewarePipeline(global, transport []Middleware) (*MiddlewarePipeline, error) {
	stages := make([]Middleware, 0, len(global)+len(transport))
	for i, mw := range global {
		if mw == nil {
			return nil, fmt.Errorf("%w: global middleware %d is nil", errspkg.ErrMiddlewareRequired, i)
		}
		stages = append(stages, mw)
	}
	for i, mw := range transport {
		if mw == nil {
			return nil, fmt.Errorf("%w: transport middleware %d is nil", errspkg.ErrMiddlewareRequired, i)
		}
		stages = append(stages, mw)
	}
	return &MiddlewarePipeline{stages: stages}, nil
}

// GetPipeline composes the stages around terminal. The result holds no
// per-message state and is shared by all workers of the channel.
func (p *MiddlewarePipeline) GetPipeline(terminal HandlerFunc) HandlerFunc {
	h := terminal
	for i := len(p.stages) - 1; i >= 0; i-- {
		h = p.stages[i](h)
	}
	return h
}

// Len reports how many middlewares the pipeline wraps around its terminal.
func (p *MiddlewarePipeline) Len() int {
	return len(p.stages)
}
