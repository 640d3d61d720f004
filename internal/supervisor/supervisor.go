// Package supervisor owns the RabbitMQ connection and channel used by the notifier.
//
// It opens the connection, watches for broker-initiated closes, probes the queue
// periodically to catch half-open TCP connections, and reconnects with a fixed
// delay until the configured attempt budget is spent. Exhaustion is reported on
// Fatal(); the supervisor never exits the process itself.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/deliveryhero/asya/asya-notifier/internal/broker"
	"github.com/deliveryhero/asya/asya-notifier/internal/metrics"
)

var (
	// ErrAlreadyConnecting is returned by Connect while another attempt is in progress
	ErrAlreadyConnecting = errors.New("connection attempt already in progress")

	// ErrClosed is returned by Connect after Close or Shutdown
	ErrClosed = errors.New("supervisor is closed")
)

// ConnectionError wraps a failure to reach the broker or complete channel setup
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to broker: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// State is the connection state owned by the supervisor
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config controls connection setup and recovery
type Config struct {
	URL            string
	Queue          string
	Prefetch       int
	MaxAttempts    int
	ReconnectDelay time.Duration
	HealthInterval time.Duration
	ShutdownGrace  time.Duration
}

// SubscribeFunc (re)registers consumers on a fresh channel
type SubscribeFunc func(ctx context.Context) error

// Option configures a Supervisor
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// WithSleepFunc overrides how reconnect and shutdown delays are waited out.
// Intended for tests.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) {
		s.sleep = fn
	}
}

// Supervisor guarantees, barring terminal failure, a usable connection and channel
type Supervisor struct {
	cfg     Config
	dialer  broker.Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	conn         broker.Connection
	ch           broker.Channel
	state        State
	attempts     int
	reconnecting bool
	closing      bool
	generation   uint64
	stopProbe    chan struct{}
	subscribe    SubscribeFunc

	ctx    context.Context
	cancel context.CancelFunc
	fatal  chan error
	wg     sync.WaitGroup
}

// New creates a supervisor. Zero config values fall back to defaults.
func New(dialer broker.Dialer, cfg Config, opts ...Option) *Supervisor {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.ReconnectDelay < 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:    cfg,
		dialer: dialer,
		logger: slog.Default(),
		sleep:  sleepContext,
		state:  StateDisconnected,
		ctx:    ctx,
		cancel: cancel,
		fatal:  make(chan error, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// OnConnected registers the function that subscribes consumers after every successful (re)connect
func (s *Supervisor) OnConnected(fn SubscribeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribe = fn
}

// Fatal delivers a *broker.FatalError once reconnect attempts are exhausted
func (s *Supervisor) Fatal() <-chan error {
	return s.fatal
}

// Start connects and subscribes. A failed first connection enters the
// reconnect procedure instead of failing, so only setup errors are returned.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.Connect(ctx); err != nil {
		var connErr *ConnectionError
		if !errors.As(err, &connErr) {
			return err
		}
		s.logger.Warn("Initial broker connection failed, reconnecting", "error", err)
		s.mu.Lock()
		s.beginReconnectLocked(err)
		s.mu.Unlock()
		return nil
	}

	if err := s.runSubscribe(s.ctx); err != nil {
		s.logger.Error("Failed to start consuming", "queue", s.cfg.Queue, "error", err)
		s.OnConnectionLost(err)
	}
	return nil
}

// Connect opens a connection and channel, sets prefetch and declares the queue as durable.
// On success the attempt counter resets and close watchers plus the health probe start.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closing:
		s.mu.Unlock()
		return ErrClosed
	case s.state == StateConnecting:
		s.mu.Unlock()
		return ErrAlreadyConnecting
	case s.state == StateConnected:
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.logger.Info("Connecting to broker", "queue", s.cfg.Queue)
	conn, ch, err := s.open(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.state = StateDisconnected
		s.metrics.SetBrokerConnected(false)
		return &ConnectionError{Err: err}
	}

	if s.closing {
		s.state = StateDisconnected
		_ = ch.Close()
		_ = conn.Close()
		return ErrClosed
	}

	s.conn = conn
	s.ch = ch
	s.state = StateConnected
	s.attempts = 0
	s.generation++
	s.watchLocked(s.generation, conn, ch)
	s.startProbeLocked(s.generation, ch)
	s.metrics.SetBrokerConnected(true)

	s.logger.Info("Connected to broker", "queue", s.cfg.Queue, "prefetch", s.cfg.Prefetch)
	return nil
}

func (s *Supervisor) open(ctx context.Context) (broker.Connection, broker.Channel, error) {
	conn, err := s.dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(s.cfg.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if _, err := ch.QueueDeclare(
		s.cfg.Queue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	return conn, ch, nil
}

// watchLocked turns unsolicited connection or channel closes into OnConnectionLost
func (s *Supervisor) watchLocked(gen uint64, conn broker.Connection, ch broker.Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var amqpErr *amqp.Error
		var source string
		select {
		case amqpErr = <-connClosed:
			source = "connection"
		case amqpErr = <-chClosed:
			source = "channel"
		case <-s.ctx.Done():
			return
		}

		var cause error
		if amqpErr != nil {
			cause = fmt.Errorf("%s closed by broker: %w", source, amqpErr)
		} else {
			cause = fmt.Errorf("%s closed", source)
		}
		s.connectionLost(gen, cause)
	}()
}

// startProbeLocked runs a passive queue declare every HealthInterval
func (s *Supervisor) startProbeLocked(gen uint64, ch broker.Channel) {
	if s.cfg.HealthInterval <= 0 {
		return
	}

	stop := make(chan struct{})
	s.stopProbe = stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				if _, err := ch.QueueDeclarePassive(s.cfg.Queue, true, false, false, false, nil); err != nil {
					s.logger.Warn("Broker health check failed", "queue", s.cfg.Queue, "error", err)
					s.connectionLost(gen, fmt.Errorf("health check failed: %w", err))
					return
				}
				s.logger.Debug("Broker health check passed", "queue", s.cfg.Queue)
			}
		}
	}()
}

func (s *Supervisor) stopProbeLocked() {
	if s.stopProbe != nil {
		close(s.stopProbe)
		s.stopProbe = nil
	}
}

// OnConnectionLost clears the cached connection and starts the reconnect procedure.
// Signals arriving while a reconnect is pending do not start another one.
func (s *Supervisor) OnConnectionLost(cause error) {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	s.connectionLost(gen, cause)
}

// connectionLost ignores signals from connections that have already been replaced
func (s *Supervisor) connectionLost(gen uint64, cause error) {
	s.mu.Lock()
	if s.closing || gen != s.generation {
		s.mu.Unlock()
		return
	}

	conn, ch := s.conn, s.ch
	s.conn = nil
	s.ch = nil
	s.state = StateDisconnected
	s.generation++
	s.stopProbeLocked()
	s.metrics.SetBrokerConnected(false)

	if conn != nil || ch != nil {
		s.logger.Warn("Broker connection lost", "queue", s.cfg.Queue, "error", cause)
	}
	s.beginReconnectLocked(cause)
	s.mu.Unlock()

	release(conn, ch)
}

func (s *Supervisor) beginReconnectLocked(cause error) {
	if s.reconnecting || s.closing {
		s.logger.Debug("Reconnect already pending", "error", cause)
		return
	}
	s.reconnecting = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reconnect(cause)
	}()
}

// reconnect retries Connect followed by subscribe until it succeeds, the
// supervisor closes, or MaxAttempts is reached.
func (s *Supervisor) reconnect(cause error) {
	for {
		s.mu.Lock()
		if s.closing {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		if s.attempts >= s.cfg.MaxAttempts {
			attempts := s.attempts
			s.reconnecting = false
			s.mu.Unlock()

			fatalErr := &broker.FatalError{Attempts: attempts, Cause: cause}
			s.logger.Error("Giving up on broker connection", "attempts", attempts, "error", cause)
			s.reportFatal(fatalErr)
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		s.metrics.RecordReconnectAttempt()
		s.logger.Info("Reconnecting to broker",
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"delay", s.cfg.ReconnectDelay)

		if err := s.sleep(s.ctx, s.cfg.ReconnectDelay); err != nil {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
			return
		}

		if err := s.Connect(s.ctx); err != nil {
			s.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
			cause = err
			continue
		}

		if err := s.runSubscribe(s.ctx); err != nil {
			s.logger.Warn("Failed to resubscribe after reconnect", "attempt", attempt, "error", err)
			cause = err
			s.dropAfterFailedSubscribe(attempt)
			continue
		}

		s.mu.Lock()
		if s.conn == nil {
			// Lost again between connect and subscribe; keep going
			s.mu.Unlock()
			continue
		}
		s.reconnecting = false
		s.mu.Unlock()

		s.logger.Info("Reconnected to broker", "attempt", attempt)
		return
	}
}

// dropAfterFailedSubscribe tears down a connection that opened but could not be
// consumed from, keeping the attempt count that Connect reset.
func (s *Supervisor) dropAfterFailedSubscribe(attempt int) {
	s.mu.Lock()
	conn, ch := s.conn, s.ch
	s.conn = nil
	s.ch = nil
	s.state = StateDisconnected
	s.generation++
	s.stopProbeLocked()
	s.attempts = attempt
	s.metrics.SetBrokerConnected(false)
	s.mu.Unlock()

	release(conn, ch)
}

func (s *Supervisor) runSubscribe(ctx context.Context) error {
	s.mu.Lock()
	fn := s.subscribe
	s.mu.Unlock()

	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (s *Supervisor) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// Channel returns the active channel, or broker.ErrNotConnected
func (s *Supervisor) Channel() (broker.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.ch == nil {
		return nil, broker.ErrNotConnected
	}
	return s.ch, nil
}

// IsConnected is true iff both connection and channel are held
func (s *Supervisor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.ch != nil
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts returns the current reconnect attempt count
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Close stops the health probe and closes the channel, then the connection.
// Both closes are attempted; their errors are joined.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.closing = true
	s.stopProbeLocked()
	conn, ch := s.conn, s.ch
	s.conn = nil
	s.ch = nil
	s.state = StateDisconnected
	s.generation++
	s.metrics.SetBrokerConnected(false)
	s.mu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	s.cancel()
	s.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		s.logger.Error("Errors while closing broker connection", "error", err)
		return err
	}
	s.logger.Info("Broker connection closed")
	return nil
}

// Shutdown waits the grace period so an in-flight message can finish, then closes.
// No reconnect is started once Shutdown begins.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.logger.Info("Shutting down broker connection", "grace", s.cfg.ShutdownGrace)
	if err := s.sleep(ctx, s.cfg.ShutdownGrace); err != nil {
		s.logger.Warn("Shutdown grace period cut short", "error", err)
	}

	return s.Close()
}

// release closes resources of a dead connection; errors are expected and ignored
func release(conn broker.Connection, ch broker.Channel) {
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
