package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	handlerpkg "github.com/drblury/busflow/internal/runtime/handlers"
	idspkg "github.com/drblury/busflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/internal/runtime/registry"
	"github.com/drblury/busflow/lease"
	"github.com/drblury/busflow/transport"
)

var errProcessing = errors.New("processing failed")

type orderPlaced struct {
	OrderID string `json:"order_id"`
}

// orderProcessor fails its first failFirst deliveries, or all of them when
// failFirst is negative.
type orderProcessor struct {
	failFirst int
	handled   chan *orderPlaced

	mu         sync.Mutex
	deliveries []int
}

func newOrderProcessor(failFirst int) *orderProcessor {
	return &orderProcessor{failFirst: failFirst, handled: make(chan *orderPlaced, 16)}
}

func (p *orderProcessor) Declarations() []registry.Declaration {
	return []registry.Declaration{registry.Handles(registry.CapabilityCommand, p.handle)}
}

func (p *orderProcessor) handle(ctx context.Context, msg *orderPlaced) error {
	info, _ := handlerpkg.MessageInfoFromContext(ctx)

	p.mu.Lock()
	p.deliveries = append(p.deliveries, info.DeliveryCount)
	n := len(p.deliveries)
	p.mu.Unlock()

	if p.failFirst < 0 || n <= p.failFirst {
		return errProcessing
	}
	p.handled <- msg
	return nil
}

func (p *orderProcessor) Deliveries() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.deliveries...)
}

func orderChannel() ChannelRegistration {
	return ChannelRegistration{
		Name:        "orders",
		Topic:       "orders",
		MessageType: registry.TypeName[*orderPlaced](),
	}
}

// newTestService builds a Service on a persistent gochannel so messages sent
// before Start are delivered once the channel subscribes.
func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) (*Service, *gochannel.GoChannel) {
	t.Helper()

	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	transports := transport.NewRegistry()
	transports.RegisterWithCapabilities("channel", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		return transport.Transport{Publisher: pubSub, Subscriber: pubSub}, nil
	}, transport.ChannelCapabilities)

	if conf == nil {
		conf = &configpkg.Config{}
	}
	conf.PubSubSystem = "channel"
	deps.TransportRegistry = transports
	if deps.MetricsRegistry == nil {
		deps.MetricsRegistry = prometheus.NewRegistry()
	}

	svc, err := TryNewService(conf, loggingpkg.NewNopServiceLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, pubSub
}

// startService runs Start in the background and returns a func that stops
// it and reports what Start returned.
func startService(t *testing.T, svc *Service) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("service did not stop")
			return nil
		}
	}
}

func receiveOrder(t *testing.T, ch <-chan *orderPlaced) *orderPlaced {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the processor")
		return nil
	}
}

// memLocker grants leases from a map.
type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]string)}
}

func (l *memLocker) TryAcquire(ctx context.Context, lockID string, period time.Duration) (*lease.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[lockID]; ok {
		return nil, lease.ErrLockHeld
	}
	leaseID := idspkg.CreateULID()
	l.held[lockID] = leaseID
	return lease.NewLock(leaseID, lockID, period, &memHandle{locker: l, lockID: lockID})
}

// hold takes lockID for another owner.
func (l *memLocker) hold(lockID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[lockID] = "someone-else"
}

func (l *memLocker) drop(lockID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockID)
}

type memHandle struct {
	locker *memLocker
	lockID string
}

func (h *memHandle) RenewLease(ctx context.Context, leaseID string) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	if h.locker.held[h.lockID] != leaseID {
		return lease.Gone(errors.New("lease expired"))
	}
	return nil
}

func (h *memHandle) ReleaseLease(ctx context.Context, leaseID string) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()
	if h.locker.held[h.lockID] == leaseID {
		delete(h.locker.held, h.lockID)
	}
	return nil
}
