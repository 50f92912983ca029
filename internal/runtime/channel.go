package runtime

import (
	"fmt"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/pipeline"
	"github.com/drblury/busflow/internal/runtime/registry"
)

// ChannelRegistration binds a topic to the processor registered for
// MessageType and Capability.
type ChannelRegistration struct {
	// Name identifies the channel in logs, metrics and diagnostics. It
	// defaults to Topic.
	Name  string
	Topic string
	// MessageType is the registry type name, see registry.TypeName.
	MessageType string
	// Capability defaults to registry.CapabilityCommand.
	Capability registry.Capability
	// Settings left at zero fall back to Config.Processing.
	Settings configpkg.ProcessingSettings
	// Middlewares run after the global and transport middlewares.
	Middlewares []pipeline.Middleware
	// Singleton channels only consume while this replica holds the
	// channel's lease.
	Singleton bool
}

func (r ChannelRegistration) normalize() (ChannelRegistration, error) {
	if r.Topic == "" {
		return r, errspkg.ErrTopicRequired
	}
	if r.Name == "" {
		r.Name = r.Topic
	}
	if r.MessageType == "" {
		return r, fmt.Errorf("%w: channel %q", errspkg.ErrMessageTypeRequired, r.Name)
	}
	if r.Capability == "" {
		r.Capability = registry.CapabilityCommand
	}
	if err := r.Settings.Validate(); err != nil {
		return r, fmt.Errorf("channel %q: %w", r.Name, err)
	}
	for i, mw := range r.Middlewares {
		if mw == nil {
			return r, fmt.Errorf("%w: channel %q middleware %d is nil", errspkg.ErrMiddlewareRequired, r.Name, i)
		}
	}
	return r, nil
}

// channel is a registration after Start resolved everything it needs.
type channel struct {
	ChannelRegistration
	settings   configpkg.ProcessingSettings
	binding    registry.Binding
	dispatcher *pipeline.Dispatcher
	stats      *ChannelStats
	counter    *deliveryCounter
}
