// Package transport owns the single logical connection a chat client keeps to
// the server: dialing, bounded reconnection, status notifications and frame
// fan-out to subscribers.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/livechat/internal/observability"
	"github.com/haasonsaas/livechat/pkg/models"
)

var (
	// ErrClosed is returned after Teardown.
	ErrClosed = errors.New("transport: manager torn down")
	// ErrNotConnected is returned by Send when no connection is open.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectionLost is reported when the server closes the connection
	// without a more specific error.
	ErrConnectionLost = errors.New("transport: connection lost")
)

// Conn is one established transport session.
type Conn interface {
	// Frames delivers inbound frames and is closed when the connection ends.
	Frames() <-chan []byte
	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error
	// Err reports why Frames was closed.
	Err() error
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// StatusEvent is published on every status transition.
type StatusEvent struct {
	Previous   models.ConnectionStatus
	Connection models.Connection
	Err        error
}

// Opened reports whether the transition is into the open state.
func (e StatusEvent) Opened() bool {
	return e.Connection.Status == models.ConnectionOpen
}

// Config configures a Manager.
type Config struct {
	Role    models.Role
	Policy  ReconnectPolicy
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Manager maintains exactly one live connection and exposes its status.
//
// Status and frame callbacks run on the manager's goroutine; a callback that
// needs to wait for further frames (the identification handshake) must hand
// off to its own goroutine.
type Manager struct {
	dialer  Dialer
	policy  ReconnectPolicy
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	state   models.Connection
	conn    Conn
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	nextID     int
	statusSubs map[int]func(StatusEvent)
	frameSubs  map[int]func([]byte)
}

// NewManager creates a manager in the down state. Nothing is dialed until
// Connect is called.
func NewManager(dialer Dialer, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dialer:     dialer,
		policy:     cfg.Policy.normalized(),
		logger:     logger.With("component", "transport"),
		metrics:    cfg.Metrics,
		state:      models.Connection{Role: cfg.Role, Status: models.ConnectionDown},
		statusSubs: make(map[int]func(StatusEvent)),
		frameSubs:  make(map[int]func([]byte)),
	}
}

// Connect starts the connection loop. It is a no-op while an attempt is in
// flight or a connection is open; after the manager went down it starts over
// with a fresh retry budget. The loop lives until ctx is canceled or Teardown.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state.RetryCount = 0
	done := m.done
	m.mu.Unlock()

	m.setStatus(models.ConnectionConnecting, nil)
	go m.run(runCtx, done)
	return nil
}

// Teardown closes the connection, stops the loop and drops every
// subscription. The manager cannot be reused afterwards.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	done := m.done
	conn := m.conn
	m.conn = nil
	m.statusSubs = make(map[int]func(StatusEvent))
	m.frameSubs = make(map[int]func([]byte))
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close() //nolint:errcheck // best-effort cleanup
	}
	if done != nil {
		<-done
	}

	m.mu.Lock()
	m.state.Status = models.ConnectionDown
	m.mu.Unlock()
	m.metrics.SetConnectionStatus(models.ConnectionDown)
	m.logger.Debug("transport torn down")
}

// Connection returns a snapshot of the connection state.
func (m *Manager) Connection() models.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOpen reports whether a connection is currently open.
func (m *Manager) IsOpen() bool {
	return m.Connection().Status == models.ConnectionOpen
}

// Subscribe registers a status callback and returns its unsubscribe func.
func (m *Manager) Subscribe(fn func(StatusEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.statusSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.statusSubs, id)
	}
}

// OnFrame registers an inbound frame callback and returns its unsubscribe func.
func (m *Manager) OnFrame(fn func([]byte)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return func() {}
	}
	id := m.nextID
	m.nextID++
	m.frameSubs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.frameSubs, id)
	}
}

// Send writes a frame on the open connection.
func (m *Manager) Send(ctx context.Context, frame []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	conn := m.conn
	open := m.state.Status == models.ConnectionOpen
	m.mu.Unlock()

	if conn == nil || !open {
		return ErrNotConnected
	}
	return conn.Send(ctx, frame)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.stopped(done)
		close(done)
	}()

	for {
		conn, err := m.dialer.Dial(ctx)
		if err == nil {
			err = m.serve(ctx, conn)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = ErrConnectionLost
		}

		m.mu.Lock()
		attempts := m.state.RetryCount
		m.mu.Unlock()
		if attempts >= m.policy.MaxAttempts {
			m.logger.Error("reconnect attempts exhausted", "attempts", attempts, "error", err)
			// Allow a manual Connect as soon as subscribers observe down.
			m.stopped(done)
			m.setStatus(models.ConnectionDown, err)
			return
		}

		attempt := attempts + 1
		m.mu.Lock()
		m.state.RetryCount = attempt
		m.mu.Unlock()
		m.setStatus(models.ConnectionReconnecting, err)
		m.metrics.ReconnectAttempt()

		delay := m.policy.Delay(attempt)
		m.logger.Warn("connection failed, retrying", "attempt", attempt, "max_attempts", m.policy.MaxAttempts, "delay", delay, "error", err)
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (m *Manager) stopped(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == done {
		if m.cancel != nil {
			m.cancel()
		}
		m.running = false
		m.cancel = nil
	}
}

// serve runs one established connection until it ends.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close() //nolint:errcheck // best-effort cleanup
		return ctx.Err()
	}
	m.conn = conn
	m.state.RetryCount = 0
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close() //nolint:errcheck // best-effort cleanup
	}()

	m.logger.Info("connection open")
	m.setStatus(models.ConnectionOpen, nil)

	frames := conn.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				if err := conn.Err(); err != nil {
					return err
				}
				return ErrConnectionLost
			}
			m.dispatch(frame)
		}
	}
}

func (m *Manager) dispatch(frame []byte) {
	m.mu.Lock()
	subs := make([]func([]byte), 0, len(m.frameSubs))
	for _, fn := range m.frameSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(frame)
	}
}

func (m *Manager) setStatus(status models.ConnectionStatus, err error) {
	m.mu.Lock()
	previous := m.state.Status
	m.state.Status = status
	if err != nil {
		m.state.LastError = err.Error()
	} else if status == models.ConnectionOpen {
		m.state.LastError = ""
	}
	event := StatusEvent{Previous: previous, Connection: m.state, Err: err}
	subs := make([]func(StatusEvent), 0, len(m.statusSubs))
	for _, fn := range m.statusSubs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.metrics.SetConnectionStatus(status)
	for _, fn := range subs {
		fn(event)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
