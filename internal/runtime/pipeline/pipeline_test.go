package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
)

func tracing(name string, trace *[]string) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, d *Delivery) error {
			*trace = append(*trace, name+":before")
			err := next(ctx, d)
			*trace = append(*trace, name+":after")
			return err
		}
	}
}

func TestPipelineOrdersGlobalThenTransportThenTerminal(t *testing.T) {
	var trace []string
	p, err := NewMiddlewarePipeline(
		[]Middleware{tracing("g1", &trace), tracing("g2", &trace)},
		[]Middleware{tracing("t1", &trace)},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())

	handler := p.GetPipeline(func(ctx context.Context, d *Delivery) error {
		trace = append(trace, "terminal")
		return nil
	})
	require.NoError(t, handler(context.Background(), &Delivery{}))

	assert.Equal(t, []string{
		"g1:before", "g2:before", "t1:before",
		"terminal",
		"t1:after", "g2:after", "g1:after",
	}, trace)
}

func TestPipelineIsReusable(t *testing.T) {
	calls := 0
	p, err := NewMiddlewarePipeline(nil, nil)
	require.NoError(t, err)
	handler := p.GetPipeline(func(ctx context.Context, d *Delivery) error {
		calls++
		return nil
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, handler(context.Background(), &Delivery{}))
	}
	assert.Equal(t, 3, calls)
}

func TestMiddlewareCanShortCircuit(t *testing.T) {
	rejected := errors.New("rejected")
	gate := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, d *Delivery) error { return rejected }
	}
	p, err := NewMiddlewarePipeline([]Middleware{gate}, nil)
	require.NoError(t, err)

	terminalCalled := false
	handler := p.GetPipeline(func(ctx context.Context, d *Delivery) error {
		terminalCalled = true
		return nil
	})

	assert.ErrorIs(t, handler(context.Background(), &Delivery{}), rejected)
	assert.False(t, terminalCalled)
}

func TestMiddlewareCanTranslateFailures(t *testing.T) {
	swallow := func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, d *Delivery) error {
			_ = next(ctx, d)
			return nil
		}
	}
	p, err := NewMiddlewarePipeline(nil, []Middleware{swallow})
	require.NoError(t, err)

	handler := p.GetPipeline(func(ctx context.Context, d *Delivery) error {
		return errors.New("boom")
	})
	assert.NoError(t, handler(context.Background(), &Delivery{}))
}

func TestPipelineRejectsNilMiddleware(t *testing.T) {
	_, err := NewMiddlewarePipeline([]Middleware{nil}, nil)
	assert.ErrorIs(t, err, errspkg.ErrMiddlewareRequired)

	_, err = NewMiddlewarePipeline(nil, []Middleware{nil})
	assert.ErrorIs(t, err, errspkg.ErrMiddlewareRequired)
}

func TestPipelineSnapshotsInputSlices(t *testing.T) {
	var trace []string
	global := []Middleware{tracing("g1", &trace)}
	p, err := NewMiddlewarePipeline(global, nil)
	require.NoError(t, err)

	global[0] = tracing("replaced", &trace)

	handler := p.GetPipeline(func(ctx context.Context, d *Delivery) error { return nil })
	require.NoError(t, handler(context.Background(), &Delivery{}))
	assert.Equal(t, []string{"g1:before", "g1:after"}, trace)
}
