// Package registry maps (message type, capability) pairs to the processors
// that serve them.
package registry

import (
	"cmp"
	"context"
	"fmt"
	"reflect"
	"slices"
	"sync"

	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	"github.com/drblury/busflow/internal/runtime/handlers"
)

// Capability tags the way a processor consumes a message type.
type Capability string

const (
	// CapabilityCommand processes point-to-point commands from a queue.
	CapabilityCommand Capability = "command"
	// CapabilityEvent processes events from a topic subscription.
	CapabilityEvent Capability = "event"
	// CapabilityRequest processes requests that expect a reply.
	CapabilityRequest Capability = "request"
)

// Key identifies one registry entry.
type Key struct {
	MessageType string
	Capability  Capability
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.MessageType, k.Capability)
}

// InvokeFunc runs a processor against an already decoded message.
type InvokeFunc func(ctx context.Context, msg any) error

// DecodeFunc materialises a raw payload for the declared message type.
type DecodeFunc func(payload []byte) (any, error)

// Declaration states that a processor serves one message type under one
// capability. Build declarations with Handles.
type Declaration struct {
	Key
	invoke InvokeFunc
	decode DecodeFunc
}

// Processor is implemented by anything registered on a ProcessorRegistry.
type Processor interface {
	Declarations() []Declaration
}

// TypeName is the message type name used for T throughout the registry.
func TypeName[T any]() string {
	return reflect.TypeFor[T]().String()
}

// Handles declares fn as the handler for messages of type T.
func Handles[T any](capability Capability, fn func(ctx context.Context, msg T) error) Declaration {
	decl := Declaration{Key: Key{MessageType: TypeName[T](), Capability: capability}}
	if fn == nil {
		return decl
	}
	decl.invoke = func(ctx context.Context, msg any) error {
		typed, ok := msg.(T)
		if !ok {
			return fmt.Errorf("%w: %s expects %s, got %T", errspkg.ErrUnexpectedMessageType, decl.Key, decl.MessageType, msg)
		}
		return fn(ctx, typed)
	}
	if decode, err := handlers.NewDecoder[T](); err == nil {
		decl.decode = func(payload []byte) (any, error) {
			return decode(payload)
		}
	}
	return decl
}

// Binding is a resolved registry entry ready to be placed at the end of a
// middleware pipeline.
type Binding struct {
	Key
	Processor Processor
	Invoke    InvokeFunc
	Decode    DecodeFunc
}

type entry struct {
	processor Processor
	decl      Declaration
}

// ProcessorRegistry is filled during startup and read concurrently by the
// pipelines afterwards.
type ProcessorRegistry struct {
	mu      sync.RWMutex
	entries map[Key]entry
}

// NewProcessorRegistry creates an empty registry.
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{entries: make(map[Key]entry)}
}

// Register adds one entry per declaration of p. A later registration for the
// same key replaces the earlier one.
func (r *ProcessorRegistry) Register(p Processor) error {
	if p == nil {
		return errspkg.ErrProcessorRequired
	}
	decls := p.Declarations()
	if len(decls) == 0 {
		return fmt.Errorf("%w: %T", errspkg.ErrNoCapabilities, p)
	}
	for _, decl := range decls {
		if err := validate(decl); err != nil {
			return fmt.Errorf("%T: %w", p, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, decl := range decls {
		r.entries[decl.Key] = entry{processor: p, decl: decl}
	}
	return nil
}

func validate(decl Declaration) error {
	switch {
	case decl.MessageType == "" || decl.Capability == "":
		return fmt.Errorf("%w: message type and capability are required", errspkg.ErrInvalidDeclaration)
	case decl.invoke == nil:
		return fmt.Errorf("%w: %s has no handler", errspkg.ErrInvalidDeclaration, decl.Key)
	case decl.decode == nil:
		return fmt.Errorf("%w: %s cannot be decoded", errspkg.ErrInvalidDeclaration, decl.Key)
	}
	return nil
}

// Resolve returns the processor registered for the pair.
func (r *ProcessorRegistry) Resolve(messageType string, capability Capability) (Processor, error) {
	b, err := r.Binding(messageType, capability)
	if err != nil {
		return nil, err
	}
	return b.Processor, nil
}

// Binding returns the processor together with its handler and decoder.
func (r *ProcessorRegistry) Binding(messageType string, capability Capability) (Binding, error) {
	key := Key{MessageType: messageType, Capability: capability}

	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()

	if !ok {
		return Binding{}, fmt.Errorf("%w for %s", errspkg.ErrProcessorNotFound, key)
	}
	return Binding{Key: key, Processor: e.processor, Invoke: e.decl.invoke, Decode: e.decl.decode}, nil
}

// ResolveFor is Resolve keyed by the Go type of the message.
func ResolveFor[T any](r *ProcessorRegistry, capability Capability) (Processor, error) {
	return r.Resolve(TypeName[T](), capability)
}

// ListRegisteredTypes returns the distinct processor types currently
// reachable through the registry, sorted.
func (r *ProcessorRegistry) ListRegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.entries))
	for _, e := range r.entries {
		seen[fmt.Sprintf("%T", e.processor)] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Keys returns every registered pair, sorted by message type then capability.
func (r *ProcessorRegistry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if c := cmp.Compare(a.MessageType, b.MessageType); c != 0 {
			return c
		}
		return cmp.Compare(a.Capability, b.Capability)
	})
	return keys
}
