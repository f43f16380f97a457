package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/next-trace/scg-service-rpc/contract/broker"
	berr "github.com/next-trace/scg-service-rpc/contract/errors"
	"github.com/next-trace/scg-service-rpc/internal/ids"
	"github.com/next-trace/scg-service-rpc/routing"
)

// Defaults applied by New.
const (
	DefaultRPCExchange     = "rpc"
	DefaultEventExchange   = "events"
	DefaultCallTimeout     = 20 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

type state int

const (
	stateIdle state = iota
	stateConnecting
	stateConnected
	stateClosed
)

// stream names one of the three broker connections, in acquisition order.
type stream string

const (
	streamCommand  stream = "command"
	streamResponse stream = "response"
	streamEvent    stream = "event"
)

type conn struct {
	stream stream
	b      broker.Broker
}

// Service is one named participant on the bus. Register routes, then Connect.
//
// Service is safe for concurrent use once constructed.
type Service struct {
	name string
	dial broker.Dialer

	logger     *slog.Logger
	recorder   Recorder
	propagator broker.HeaderPropagator
	tracer     trace.Tracer

	rpcExchange     string
	eventExchange   string
	callTimeout     time.Duration
	shutdownTimeout time.Duration

	commandQueue  string
	responseQueue string
	eventQueue    string

	commands *routing.Table[CommandHandler]
	events   *routing.Table[EventHandler]
	pending  *pendingTable

	mu       sync.Mutex
	state    state
	conns    []conn
	cancel   context.CancelFunc
	stopped  chan struct{}
	inflight sync.WaitGroup

	// connectDone is closed when the running Connect has returned and released
	// anything it acquired. aborting stops track once a Connect is failing.
	connectDone chan struct{}
	aborting    bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l == nil {
			l = slog.New(slog.NewTextHandler(io.Discard, nil))
		}

		s.logger = l
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.recorder = r
		}
	}
}

// WithPropagator sets how request context travels in message headers.
func WithPropagator(p broker.HeaderPropagator) Option {
	return func(s *Service) {
		if p != nil {
			s.propagator = p
		}
	}
}

// WithTracer sets the tracer used for call and dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithExchanges overrides the RPC and event exchange names. Empty names keep the default.
func WithExchanges(rpc, events string) Option {
	return func(s *Service) {
		if rpc != "" {
			s.rpcExchange = rpc
		}

		if events != "" {
			s.eventExchange = events
		}
	}
}

// WithCallTimeout sets the default timeout of Call. Non-positive values are ignored.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// WithShutdownTimeout bounds the Shutdown performed by Run.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// New creates an unconnected Service named name that dials brokers with dial.
func New(name string, dial broker.Dialer, opts ...Option) *Service {
	s := &Service{
		name:            name,
		dial:            dial,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder:        NopRecorder{},
		propagator:      broker.NopHeaderPropagator{},
		tracer:          defaultTracer(),
		rpcExchange:     DefaultRPCExchange,
		eventExchange:   DefaultEventExchange,
		callTimeout:     DefaultCallTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
		commandQueue:    name,
		responseQueue:   fmt.Sprintf("%s-responses-%s", name, ids.NewInstanceID()),
		eventQueue:      name + "-events",
		commands:        routing.NewTable[CommandHandler]("command"),
		events:          routing.NewTable[EventHandler]("event"),
		pending:         newPendingTable(),
		stopped:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With("service", name)

	return s
}

// Name returns the service name, which is also its command queue and routing key.
func (s *Service) Name() string { return s.name }

// ResponseQueue returns the private queue responses to this service's calls arrive on.
func (s *Service) ResponseQueue() string { return s.responseQueue }

// EventQueue returns the queue events for this service are bound to.
func (s *Service) EventQueue() string { return s.eventQueue }

// PendingCalls returns the number of calls awaiting a response.
func (s *Service) PendingCalls() int { return s.pending.len() }

// RegisterCommand binds h to path. Registering a path twice fails with ErrDuplicateRoute.
func (s *Service) RegisterCommand(path string, h CommandHandler) error {
	if h == nil {
		return fmt.Errorf("register command route %q: nil handler", path)
	}

	return s.commands.Register(path, h)
}

// RegisterEvent binds h to path. Events are only subscribed for paths
// registered before Connect, or on a later BindEvents.
func (s *Service) RegisterEvent(path string, h EventHandler) error {
	if h == nil {
		return fmt.Errorf("register event route %q: nil handler", path)
	}

	if err := s.events.Register(path, h); err != nil {
		return err
	}

	if s.connected() {
		s.logger.Warn("event route registered after connect; call BindEvents to subscribe", "path", path)
	}

	return nil
}

// Connect dials the command, response and event connections and declares the
// topology on each. On failure every connection already acquired is closed.
func (s *Service) Connect(ctx context.Context, address string) (err error) {
	s.mu.Lock()
	switch s.state {
	case stateConnecting, stateConnected:
		s.mu.Unlock()

		return fmt.Errorf("connect %s: %w", s.name, berr.ErrAlreadyConnected)
	case stateClosed:
		s.mu.Unlock()

		return fmt.Errorf("connect %s: service is shut down: %w", s.name, berr.ErrNotConnected)
	}

	s.state = stateConnecting
	s.aborting = false
	connectDone := make(chan struct{})
	s.connectDone = connectDone
	s.mu.Unlock()

	defer close(connectDone)

	runCtx, cancel := context.WithCancel(context.Background())

	var acquired []conn

	defer func() {
		if err == nil {
			return
		}

		s.mu.Lock()
		s.aborting = true
		s.mu.Unlock()

		cancel()

		wctx, wcancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		if werr := s.waitInflight(wctx); werr != nil {
			s.logger.Warn("handlers still running after failed connect", "error", werr)
		}
		wcancel()

		if cerr := closeConns(acquired); cerr != nil {
			s.logger.Warn("releasing connections after failed connect", "error", cerr)
		}

		s.mu.Lock()
		if s.state == stateConnecting {
			s.state = stateIdle
		}
		s.mu.Unlock()
	}()

	for _, st := range []stream{streamCommand, streamResponse, streamEvent} {
		if s.isClosed() {
			return fmt.Errorf("connect %s: shut down while connecting: %w", s.name, berr.ErrNotConnected)
		}

		b, derr := s.dial(ctx, address)
		if derr != nil {
			return fmt.Errorf("connect %s: dial %s connection: %w", s.name, st, derr)
		}

		acquired = append(acquired, conn{stream: st, b: b})

		if serr := s.setup(ctx, runCtx, st, b); serr != nil {
			return fmt.Errorf("connect %s: %s topology: %w", s.name, st, serr)
		}

		s.logger.Debug("connection ready", "stream", string(st))
	}

	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()

		return fmt.Errorf("connect %s: shut down while connecting: %w", s.name, berr.ErrNotConnected)
	}

	s.state = stateConnected
	s.conns = acquired
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("service connected",
		"command_queue", s.commandQueue,
		"response_queue", s.responseQueue,
		"event_queue", s.eventQueue,
		"events", s.events.Len(),
		"commands", s.commands.Len(),
	)

	return nil
}

// Shutdown stops consuming, waits for in-flight handlers (bounded by ctx), and
// closes the connections in reverse order of acquisition. Every close is attempted;
// failures are joined. Calls still waiting for a response fail with ErrNotConnected.
// Shutdown during Connect makes that Connect fail with ErrNotConnected and waits,
// bounded by ctx, until it has released what it acquired. Shutdown of a service
// that is idle or already shut down is a no-op.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateConnected:
	case stateConnecting:
		s.state = stateClosed
		connectDone := s.connectDone
		s.mu.Unlock()

		close(s.stopped)

		select {
		case <-connectDone:
			s.logger.Info("service shut down while connecting")

			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		s.mu.Unlock()

		return nil
	}

	s.state = stateClosed
	conns := s.conns
	s.conns = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	close(s.stopped)

	var errs []error

	if err := s.waitInflight(ctx); err != nil {
		s.logger.Warn("shutdown: handlers still running", "error", err)
		errs = append(errs, err)
	}

	if err := closeConns(conns); err != nil {
		errs = append(errs, err)
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("service shut down with errors", "error", err)
	} else {
		s.logger.Info("service shut down")
	}

	return err
}

// Run connects, serves until ctx is done, then shuts down.
func (s *Service) Run(ctx context.Context, address string) error {
	if err := s.Connect(ctx, address); err != nil {
		return err
	}

	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()

	return s.Shutdown(sctx)
}

// waitInflight waits for tracked handlers, bounded by ctx.
func (s *Service) waitInflight(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func closeConns(conns []conn) error {
	var errs []error

	for i := len(conns) - 1; i >= 0; i-- {
		if err := conns[i].b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s connection: %w", conns[i].stream, err))
		}
	}

	return errors.Join(errs...)
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == stateClosed
}

func (s *Service) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state == stateConnected
}

// conn returns the broker for st, or ErrNotConnected.
func (s *Service) conn(st stream) (broker.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateConnected {
		return nil, berr.ErrNotConnected
	}

	for _, c := range s.conns {
		if c.stream == st {
			return c.b, nil
		}
	}

	return nil, berr.ErrNotConnected
}

// track registers an in-flight handler. It fails once Shutdown has begun or a
// failing Connect is releasing its connections.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state == stateConnected:
	case s.state == stateConnecting && !s.aborting:
	default:
		return false
	}

	s.inflight.Add(1)

	return true
}

func (s *Service) headers(ctx context.Context) map[string]string {
	h := make(map[string]string)
	s.propagator.Inject(ctx, h)

	if len(h) == 0 {
		return nil
	}

	return h
}
