package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/busflow/internal/runtime/config"
	errspkg "github.com/drblury/busflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/busflow/internal/runtime/logging"
	"github.com/drblury/busflow/internal/runtime/pipeline"
	"github.com/drblury/busflow/internal/runtime/registry"
	"github.com/drblury/busflow/lease"
	"github.com/drblury/busflow/transport"
)

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	// TransportRegistry defaults to transport.DefaultRegistry.
	TransportRegistry *transport.Registry
	// Locker grants the leases of singleton channels.
	Locker lease.Locker
	// MetricsRegistry receives every collector the Service creates. Nil uses
	// the Prometheus default registry.
	MetricsRegistry *prometheus.Registry
	// DeliveryTrackerSize bounds the in-process delivery counter used when the
	// transport does not count deliveries. Defaults to DefaultDeliveryTrackerSize.
	DeliveryTrackerSize int
}

// Service hosts channels: it owns the transport, the processor registry and
// the global middlewares, and pumps every registered channel on Start.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transport.Transport
	caps         transport.Capabilities
	deadLetterer transport.DeadLetterer
	processors   *registry.ProcessorRegistry
	locker       lease.Locker
	dlqMetrics   *DLQMetrics
	sampler      *processSampler
	registerer   prometheus.Registerer
	gatherer     prometheus.Gatherer
	trackerSize  int

	middlewares []pipeline.Middleware

	mu            sync.RWMutex
	registrations []ChannelRegistration
	channels      map[string]*channel
	leases        map[string]*lease.Lock

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration. Register
// processors and channels on the returned Service before calling Start. It
// panics on invalid input; use TryNewService to get an error instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning construction errors.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if conf.PubSubSystem == "" {
		return nil, errspkg.ErrTransportRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	transports := deps.TransportRegistry
	if transports == nil {
		transports = transport.DefaultRegistry
	}
	built, err := transports.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build %s transport: %w", conf.PubSubSystem, err)
	}

	s := &Service{
		Conf:        conf,
		Logger:      log,
		transport:   built,
		caps:        transports.GetCapabilities(conf.PubSubSystem),
		processors:  registry.NewProcessorRegistry(),
		locker:      deps.Locker,
		trackerSize: deps.DeliveryTrackerSize,
		sampler:     newProcessSampler(),
		channels:    make(map[string]*channel),
		leases:      make(map[string]*lease.Lock),
	}
	s.registerer, s.gatherer = prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	if deps.MetricsRegistry != nil {
		s.registerer, s.gatherer = deps.MetricsRegistry, deps.MetricsRegistry
	}

	s.deadLetterer = built.DeadLetterer
	if s.deadLetterer == nil {
		s.deadLetterer = &publishDeadLetterer{
			publisher: built.Publisher,
			topicFor:  conf.DeadLetterTopic,
			now:       time.Now,
		}
	}

	s.dlqMetrics = NewDLQMetrics(s.registerer)
	if conf.MetricsEnabled {
		if err := s.dlqMetrics.Register(); err != nil {
			return nil, s.abort(err)
		}
	}

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, s.abort(err)
	}
	if conf.DiagnosticsEnabled {
		s.registerDiagnostics()
	}
	return s, nil
}

// abort closes the transport of a Service that failed construction.
func (s *Service) abort(err error) error {
	return errors.Join(err, s.Close())
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterMiddleware appends a global middleware. Global middlewares run
// before the transport's and the channel's own.
func (s *Service) RegisterMiddleware(reg MiddlewareRegistration) error {
	if s.started.Load() {
		return errspkg.ErrServiceAlreadyStarted
	}
	mw, err := reg.build(s)
	if err != nil {
		return err
	}
	if mw == nil {
		return nil
	}
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
	return nil
}

// RegisterProcessor adds p to the processor registry.
func (s *Service) RegisterProcessor(p registry.Processor) error {
	if s.started.Load() {
		return errspkg.ErrServiceAlreadyStarted
	}
	return s.processors.Register(p)
}

// Processors exposes the registry channels are resolved against.
func (s *Service) Processors() *registry.ProcessorRegistry {
	return s.processors
}

// RegisterChannel adds a channel. The processor is resolved on Start, so
// processors and channels may be registered in any order.
func (s *Service) RegisterChannel(reg ChannelRegistration) error {
	if s.started.Load() {
		return errspkg.ErrServiceAlreadyStarted
	}
	reg, err := reg.normalize()
	if err != nil {
		return err
	}
	if reg.Singleton && s.locker == nil {
		return fmt.Errorf("%w: %q", errspkg.ErrLockerRequired, reg.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.registrations {
		if existing.Name == reg.Name {
			return fmt.Errorf("%w: %q", errspkg.ErrChannelExists, reg.Name)
		}
	}
	s.registrations = append(s.registrations, reg)
	return nil
}

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers
// are started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Start wires every channel and consumes until ctx is cancelled. Wiring
// errors, such as a channel without a matching processor, fail Start before
// anything is consumed. Cancelling ctx is a clean shutdown and returns nil.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errspkg.ErrServiceAlreadyStarted
	}

	s.mu.Lock()
	registrations := slices.Clone(s.registrations)
	global := slices.Clone(s.middlewares)
	s.mu.Unlock()

	channels := make([]*channel, 0, len(registrations))
	for _, reg := range registrations {
		ch, err := s.wire(reg, global)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}
	s.mu.Lock()
	for _, ch := range channels {
		s.channels[ch.Name] = ch
	}
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	for _, ch := range channels {
		if ch.Singleton {
			g.Go(func() error { return s.runSingleton(gctx, ch) })
			continue
		}
		subs, err := s.subscribe(gctx, ch)
		if err != nil {
			return fail(err)
		}
		g.Go(func() error { return s.pump(gctx, ch, subs) })
	}

	if starter, ok := s.transport.Subscriber.(transport.Starter); ok {
		if err := starter.Start(gctx); err != nil {
			return fail(fmt.Errorf("start subscriber: %w", err))
		}
	}

	s.startHTTPServers(gctx, g)

	s.Logger.Info("Service started", loggingpkg.LogFields{
		"channels":      len(channels),
		"pubsub_system": s.Conf.PubSubSystem,
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (s *Service) wire(reg ChannelRegistration, global []pipeline.Middleware) (*channel, error) {
	binding, err := s.processors.Binding(reg.MessageType, reg.Capability)
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", reg.Name, err)
	}

	local := make([]pipeline.Middleware, 0, len(s.transport.Middlewares)+len(reg.Middlewares))
	local = append(local, s.transport.Middlewares...)
	local = append(local, reg.Middlewares...)
	chain, err := pipeline.NewMiddlewarePipeline(global, local)
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", reg.Name, err)
	}
	terminal := func(ctx context.Context, d *pipeline.Delivery) error {
		return binding.Invoke(ctx, d.Message)
	}

	ch := &channel{
		ChannelRegistration: reg,
		settings:            reg.Settings.Or(s.Conf.Processing).WithDefaults(),
		binding:             binding,
		stats:               newChannelStats(),
		counter:             newDeliveryCounter(s.caps, s.trackerSize),
	}
	ch.dispatcher, err = pipeline.NewDispatcher(reg.Name, chain.GetPipeline(terminal), s.Logger,
		pipeline.WithOutcomeObserver(ch.stats.observe),
		pipeline.WithOutcomeObserver(s.recordDeadLetter(ch)),
	)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}

func (s *Service) channel(name string) *channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[name]
}

// ChannelStats returns the processing statistics of a started channel.
func (s *Service) ChannelStats(name string) (ChannelStatsSnapshot, bool) {
	ch := s.channel(name)
	if ch == nil {
		return ChannelStatsSnapshot{}, false
	}
	return ch.stats.Snapshot(), true
}

// DLQMetrics exposes the dead-letter counters of this Service.
func (s *Service) DLQMetrics() *DLQMetrics {
	return s.dlqMetrics
}

// WatermillLogger adapts the Service logger for code that talks to
// Watermill directly.
func (s *Service) WatermillLogger() watermill.LoggerAdapter {
	return loggingpkg.NewWatermillAdapter(s.Logger)
}

// Close releases the transport. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.transport.Publisher != nil {
			if err := s.transport.Publisher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close publisher: %w", err))
			}
		}
		if s.transport.Subscriber != nil {
			if err := s.transport.Subscriber.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close subscriber: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
