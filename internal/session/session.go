// Package session wires transport, identification, delivery and caching into
// the two client surfaces: the staff Console and the customer Widget.
//
// Each session owns its own connection manager, metrics and stores; nothing
// is shared between sessions in the same process.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/livechat/internal/api"
	"github.com/haasonsaas/livechat/internal/cache"
	"github.com/haasonsaas/livechat/internal/delivery"
	"github.com/haasonsaas/livechat/internal/identity"
	"github.com/haasonsaas/livechat/internal/messages"
	"github.com/haasonsaas/livechat/internal/observability"
	"github.com/haasonsaas/livechat/internal/protocol"
	"github.com/haasonsaas/livechat/internal/transport"
	"github.com/haasonsaas/livechat/pkg/models"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("session: closed")

// API is the REST collaborator used by sessions.
type API interface {
	delivery.Persister
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	FetchConversation(ctx context.Context, conversationID string) (models.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Config is shared by Console and Widget.
type Config struct {
	// WebSocketURL and APIURL locate the server. They are ignored when Dialer
	// and API are set.
	WebSocketURL string
	APIURL       string
	// Credential is the bearer token for both transports. A widget with no
	// credential runs as a guest.
	Credential string

	DisplayName string
	Profile     *models.ProfileRef

	Reconnect        transport.ReconnectPolicy
	DialTimeout      time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	DedupTolerance   time.Duration
	KeepFailed       bool
	// RefreshSchedule is the cron spec for the console's bulk refresh.
	RefreshSchedule string

	Cache   *cache.Cache
	// Guests allocates guest session ids. Widgets opened in the same process
	// should share one so retired ids are never handed out again.
	Guests  *identity.Guests
	Dialer  transport.Dialer
	API     API
	Notify  func(Event)
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// EventKind names what an Event reports.
type EventKind string

const (
	EventStatus     EventKind = "status"
	EventIdentified EventKind = "identified"
	EventMessage    EventKind = "message"
	EventDirectory  EventKind = "directory"
)

// Event is published to Config.Notify.
type Event struct {
	Kind           EventKind
	Connection     models.Connection
	Identity       identity.State
	Message        models.Message
	ConversationID string
}

// link is one transport connection and the handshake state bound to it.
type link struct {
	manager    *transport.Manager
	identifier *identity.Identifier
	unsub      []func()
	// joined is set once the session has adopted the resolved identity.
	joined atomic.Bool
}

// core holds what Console and Widget have in common.
type core struct {
	cfg      Config
	role     models.Role
	logger   *slog.Logger
	metrics  *observability.Metrics
	api      API
	cache    *cache.Cache
	book     *messages.Book
	pipeline *delivery.Pipeline

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	who        models.Identity
	credential string
	link       *link
	closed     bool

	onIdentified func(context.Context, identity.State)
	onPresence   func(protocol.PresenceEvent)
}

func newCore(cfg Config, role models.Role, summaries delivery.Summaries, onUnknown func(string)) *core {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	client := cfg.API
	if client == nil {
		client = api.NewClient(api.Config{
			BaseURL:    cfg.APIURL,
			Credential: cfg.Credential,
			Logger:     logger,
			Metrics:    metrics,
			Tracer:     cfg.Tracer,
		})
	}
	store := cfg.Cache
	if store == nil {
		store = cache.New(cache.NewMemory())
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &core{
		cfg:     cfg,
		role:    role,
		logger:  logger.With("role", string(role)),
		metrics: metrics,
		api:     client,
		cache:   store,
		book:    messages.NewBook(cfg.DedupTolerance),
		ctx:     ctx,
		cancel:  cancel,

		credential: cfg.Credential,
	}
	c.pipeline = delivery.New(delivery.Config{
		Book:       c.book,
		API:        client,
		Emitter:    c,
		Identity:   c,
		Summaries:  summaries,
		Cache:      store,
		KeepFailed: cfg.KeepFailed,
		OnUnknown:  onUnknown,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     cfg.Tracer,
	})
	return c
}

// Send implements delivery.Emitter on the current connection.
func (c *core) Send(ctx context.Context, frame []byte) error {
	l := c.currentLink()
	if l == nil {
		return transport.ErrNotConnected
	}
	return l.manager.Send(ctx, frame)
}

// Identified implements delivery.Identification for the current connection.
func (c *core) Identified() bool {
	l := c.currentLink()
	return l != nil && l.joined.Load() && l.identifier.Identified()
}

func (c *core) currentLink() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.link
}

func (c *core) identity() models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.who
}

// setCredential swaps the bearer token used by the next connection and by
// the REST client, when it supports that.
func (c *core) setCredential(credential string) {
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
	if setter, ok := c.api.(interface{ SetCredential(string) }); ok {
		setter.SetCredential(credential)
	}
}

func (c *core) setIdentity(who models.Identity) {
	c.mu.Lock()
	c.who = who
	c.mu.Unlock()
	c.pipeline.SetSelf(who)
}

// connect replaces any current link with a fresh connection. Identity
// changes always go through here so no connection is reused across them.
func (c *core) connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	old := c.link
	c.link = nil
	credential := c.credential
	c.mu.Unlock()
	if old != nil {
		c.teardownLink(old)
	}

	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = &transport.WebSocketDialer{
			URL:              c.cfg.WebSocketURL,
			Credential:       credential,
			HandshakeTimeout: c.cfg.DialTimeout,
			PingInterval:     c.cfg.PingInterval,
			WriteTimeout:     c.cfg.WriteTimeout,
		}
	}
	manager := transport.NewManager(dialer, transport.Config{
		Role:    c.role,
		Policy:  c.cfg.Reconnect,
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	l := &link{
		manager: manager,
		identifier: identity.NewIdentifier(manager, identity.Config{
			Timeout: c.cfg.HandshakeTimeout,
			Logger:  c.logger,
			Metrics: c.metrics,
		}),
	}
	l.unsub = append(l.unsub,
		manager.Subscribe(func(ev transport.StatusEvent) { c.handleStatus(l, ev) }),
		manager.OnFrame(func(frame []byte) { c.handleFrame(l, frame) }),
	)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.teardownLink(l)
		return ErrClosed
	}
	c.link = l
	c.mu.Unlock()

	return manager.Connect(c.ctx)
}

// Reconnect starts a new connection attempt after the manager went down.
func (c *core) Reconnect(ctx context.Context) error {
	l := c.currentLink()
	if l == nil {
		return ErrClosed
	}
	return l.manager.Connect(c.ctx)
}

// Connection returns the current transport snapshot.
func (c *core) Connection() models.Connection {
	l := c.currentLink()
	if l == nil {
		return models.Connection{Role: c.role, Status: models.ConnectionDown}
	}
	return l.manager.Connection()
}

// IdentityState returns the handshake state of the current connection.
func (c *core) IdentityState() identity.State {
	l := c.currentLink()
	if l == nil {
		return identity.State{}
	}
	return l.identifier.State()
}

func (c *core) teardownLink(l *link) {
	for _, unsub := range l.unsub {
		unsub()
	}
	l.manager.Teardown()
	l.identifier.Reset()
}

func (c *core) handleStatus(l *link, ev transport.StatusEvent) {
	c.notify(Event{Kind: EventStatus, Connection: ev.Connection})
	if !ev.Opened() {
		l.joined.Store(false)
		l.identifier.Reset()
		return
	}
	// Identify blocks on a frame delivered by this same dispatch loop.
	c.goTracked(func(ctx context.Context) {
		state, err := l.identifier.Identify(ctx, c.identity())
		if errors.Is(err, identity.ErrHandshakeReset) || ctx.Err() != nil {
			return
		}
		if err == nil {
			if c.onIdentified != nil {
				c.onIdentified(ctx, state)
			}
			l.joined.Store(true)
		}
		c.notify(Event{Kind: EventIdentified, Identity: state, Connection: l.manager.Connection()})
	})
}

func (c *core) handleFrame(l *link, frame []byte) {
	event, err := protocol.Decode(frame)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return
	}
	switch ev := event.(type) {
	case protocol.IdentifiedAck:
		l.identifier.HandleAck(ev)
	case protocol.MessageEvent:
		if outcome := c.pipeline.Receive(ev); outcome != messages.Duplicate {
			c.notify(Event{Kind: EventMessage, Message: ev.Message(), ConversationID: ev.ConversationID})
		}
	case protocol.PresenceEvent:
		if c.onPresence != nil {
			c.onPresence(ev)
		}
	}
}

func (c *core) goTracked(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

func (c *core) notify(ev Event) {
	if c.cfg.Notify != nil {
		c.cfg.Notify(ev)
	}
}

// hydrate loads cached history into the store of conversationID and then
// reconciles it with the server copy. A failed fetch leaves the cached copy.
func (c *core) hydrate(ctx context.Context, conversationID string) error {
	store := c.book.Store(conversationID)
	cached, err := c.cache.LoadMessages(ctx, conversationID)
	switch {
	case err == nil:
		for _, msg := range cached {
			store.Insert(msg)
		}
	case !errors.Is(err, cache.ErrMiss):
		c.logger.Warn("cache read failed", "conversation_id", conversationID, "error", err)
	}

	history, err := c.api.FetchMessages(ctx, conversationID)
	if err != nil {
		c.logger.Warn("history fetch failed, showing cached messages", "conversation_id", conversationID, "error", err, "temporary", api.Temporary(err))
		return fmt.Errorf("fetch history: %w", err)
	}
	store.Reconcile(history)
	c.pipeline.Persist(conversationID)
	return nil
}

// shutdown aborts pending sends and tears the connection down.
func (c *core) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.mu.Unlock()

	c.pipeline.Close()
	if l != nil {
		c.teardownLink(l)
	}
	c.cancel()
	c.wg.Wait()
}
