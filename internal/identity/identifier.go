package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/livechat/internal/observability"
	"github.com/haasonsaas/livechat/internal/protocol"
	"github.com/haasonsaas/livechat/pkg/models"
)

// DefaultHandshakeTimeout bounds the wait for the identified ack.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrHandshakeFailed is returned when the server rejects the identity.
	ErrHandshakeFailed = errors.New("identity: handshake rejected")
	// ErrHandshakeTimeout is returned when no ack arrives in time.
	ErrHandshakeTimeout = errors.New("identity: handshake timed out")
	// ErrHandshakeReset aborts a wait when the connection left the open state.
	ErrHandshakeReset = errors.New("identity: connection reset during handshake")
)

// Sender writes frames on the current connection.
type Sender interface {
	Send(ctx context.Context, frame []byte) error
}

// State is the identification state for the current connection.
type State struct {
	Identified bool
	Degraded   bool
	Reason     string
	Resolved   models.Identity
}

// Config configures an Identifier.
type Config struct {
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Identifier runs the identify/identified handshake.
//
// Identify blocks until HandleAck delivers the server's answer, so it must not
// run on the goroutine that dispatches inbound frames.
type Identifier struct {
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	state   State
	gen     uint64
	waiting chan protocol.IdentifiedAck
	reset   chan struct{}
	subs    map[int]func(State)
	nextSub int
}

// NewIdentifier creates an identifier that sends on sender.
func NewIdentifier(sender Sender, cfg Config) *Identifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Identifier{
		sender:  sender,
		timeout: timeout,
		logger:  logger.With("component", "identity"),
		metrics: cfg.Metrics,
		reset:   make(chan struct{}),
		subs:    make(map[int]func(State)),
	}
}

// Identify declares who to the server and waits for the ack. Errors leave the
// identifier degraded; they are never fatal to the connection.
func (id *Identifier) Identify(ctx context.Context, who models.Identity) (State, error) {
	ackCh := make(chan protocol.IdentifiedAck, 1)
	id.mu.Lock()
	id.gen++
	gen := id.gen
	id.waiting = ackCh
	reset := id.reset
	id.mu.Unlock()

	frame, err := protocol.EncodeIdentify(who)
	if err != nil {
		return id.degrade(gen, "encode", err)
	}

	ctx, cancel := context.WithTimeout(ctx, id.timeout)
	defer cancel()

	if err := id.sender.Send(ctx, frame); err != nil {
		return id.degrade(gen, "send", fmt.Errorf("send identify: %w", err))
	}

	select {
	case ack := <-ackCh:
		if !ack.OK() {
			reason := ack.Reason
			if reason == "" {
				reason = string(ack.Status)
			}
			id.metrics.Handshake("failure")
			return id.degrade(gen, reason, fmt.Errorf("%w: %s", ErrHandshakeFailed, reason))
		}
		// Empty ack fields leave the claimed identity in place.
		resolved := who
		if ack.ResolvedRole != "" {
			resolved.Role = ack.ResolvedRole
		}
		if ack.ResolvedSessionID != "" {
			resolved.SessionID = ack.ResolvedSessionID
		}
		id.metrics.Handshake("success")
		state := State{Identified: true, Resolved: resolved}
		if !id.publish(gen, state) {
			return State{}, ErrHandshakeReset
		}
		id.logger.Info("identified", "role", resolved.Role, "session_id", resolved.SessionID)
		return state, nil
	case <-reset:
		return State{}, ErrHandshakeReset
	case <-ctx.Done():
		id.metrics.Handshake("timeout")
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return id.degrade(gen, "timeout", ErrHandshakeTimeout)
		}
		return id.degrade(gen, "canceled", ctx.Err())
	}
}

// HandleAck delivers a decoded identified frame. Acks with no handshake in
// flight are dropped.
func (id *Identifier) HandleAck(ack protocol.IdentifiedAck) {
	id.mu.Lock()
	ch := id.waiting
	id.waiting = nil
	id.mu.Unlock()

	if ch == nil {
		id.logger.Debug("dropping unsolicited identified ack", "status", ack.Status)
		return
	}
	ch <- ack
}

// Reset clears the state for a connection that left the open state and wakes
// any in-flight Identify.
func (id *Identifier) Reset() {
	id.mu.Lock()
	id.gen++
	id.waiting = nil
	close(id.reset)
	id.reset = make(chan struct{})
	changed := id.state != (State{})
	id.state = State{}
	subs := id.subscribers()
	id.mu.Unlock()

	if changed {
		for _, fn := range subs {
			fn(State{})
		}
	}
}

// State returns the identification state of the current connection.
func (id *Identifier) State() State {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.state
}

// Identified reports whether the current connection completed the handshake.
func (id *Identifier) Identified() bool {
	return id.State().Identified
}

// Subscribe registers a callback for state changes.
func (id *Identifier) Subscribe(fn func(State)) func() {
	id.mu.Lock()
	defer id.mu.Unlock()
	key := id.nextSub
	id.nextSub++
	id.subs[key] = fn
	return func() {
		id.mu.Lock()
		defer id.mu.Unlock()
		delete(id.subs, key)
	}
}

func (id *Identifier) degrade(gen uint64, reason string, err error) (State, error) {
	state := State{Degraded: true, Reason: reason}
	if !id.publish(gen, state) {
		return State{}, ErrHandshakeReset
	}
	id.logger.Warn("identification failed, continuing degraded", "reason", reason, "error", err)
	return state, err
}

// publish stores state if gen is still the current handshake.
func (id *Identifier) publish(gen uint64, state State) bool {
	id.mu.Lock()
	if gen != id.gen {
		id.mu.Unlock()
		return false
	}
	id.state = state
	id.waiting = nil
	subs := id.subscribers()
	id.mu.Unlock()

	for _, fn := range subs {
		fn(state)
	}
	return true
}

func (id *Identifier) subscribers() []func(State) {
	subs := make([]func(State), 0, len(id.subs))
	for _, fn := range id.subs {
		subs = append(subs, fn)
	}
	return subs
}
