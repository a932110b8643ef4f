// Package delivery moves chat messages between the local stores, the REST
// collaborator and the realtime transport.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/livechat/internal/api"
	"github.com/haasonsaas/livechat/internal/messages"
	"github.com/haasonsaas/livechat/internal/observability"
	"github.com/haasonsaas/livechat/internal/protocol"
	"github.com/haasonsaas/livechat/pkg/models"
)

var (
	// ErrEmptyMessage is returned for blank text. Nothing is sent.
	ErrEmptyMessage = errors.New("delivery: message text is empty")
	// ErrAborted is returned by sends canceled through Abort.
	ErrAborted = errors.New("delivery: send aborted")
	// ErrNotResendable is returned by Resend for unknown or delivered messages
	// and for messages whose send is still in flight.
	ErrNotResendable = errors.New("delivery: message cannot be resent")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("delivery: pipeline closed")
)

// Persister is the REST half of the send path.
type Persister interface {
	SendMessage(ctx context.Context, req api.SendRequest) (string, error)
	MarkRead(ctx context.Context, conversationID string) error
}

// Emitter writes frames on the realtime connection.
type Emitter interface {
	Send(ctx context.Context, frame []byte) error
}

// Identification reports whether the current connection is identified.
type Identification interface {
	Identified() bool
}

// Summaries is the conversation directory as seen by the pipeline.
type Summaries interface {
	ApplyMessage(msg models.Message, fromSelf bool) bool
	IsActive(conversationID string) bool
	UnreadTotal() int
	List() []models.Conversation
}

// HistoryCache receives message histories and the directory after every
// mutation.
type HistoryCache interface {
	SaveMessages(ctx context.Context, conversationID string, msgs []models.Message) error
	SaveConversations(ctx context.Context, convs []models.Conversation) error
}

// Config wires a Pipeline. Summaries, Cache and OnUnknown are optional.
type Config struct {
	Book      *messages.Book
	API       Persister
	Emitter   Emitter
	Identity  Identification
	Summaries Summaries
	Cache     HistoryCache
	// KeepFailed marks rejected sends failed instead of removing them.
	KeepFailed bool
	// OnUnknown is called when a pushed message names a conversation the
	// directory did not know.
	OnUnknown func(conversationID string)
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

const cacheWriteTimeout = 5 * time.Second

type flight struct {
	cancel  context.CancelFunc
	aborted bool
}

// Pipeline implements the send and receive paths.
type Pipeline struct {
	book       *messages.Book
	api        Persister
	emitter    Emitter
	identity   Identification
	summaries  Summaries
	cache      HistoryCache
	keepFailed bool
	onUnknown  func(string)
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	self     models.Identity
	inflight map[string]*flight
	closed   bool
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	book := cfg.Book
	if book == nil {
		book = messages.NewBook(0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		book:       book,
		api:        cfg.API,
		emitter:    cfg.Emitter,
		identity:   cfg.Identity,
		summaries:  cfg.Summaries,
		cache:      cfg.Cache,
		keepFailed: cfg.KeepFailed,
		onUnknown:  cfg.OnUnknown,
		logger:     logger.With("component", "delivery"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]*flight),
	}
}

// SetSelf records who outgoing messages are sent as.
func (p *Pipeline) SetSelf(identity models.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.self = identity
}

// Self returns the identity outgoing messages are sent as.
func (p *Pipeline) Self() models.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.self
}

// Book returns the message stores the pipeline writes to.
func (p *Pipeline) Book() *messages.Book { return p.book }

// Send appends text optimistically and persists it. On success the returned
// message is confirmed when the connection is identified and pending
// otherwise. On failure the optimistic entry is rolled back.
func (p *Pipeline) Send(ctx context.Context, conversationID, text string) (models.Message, error) {
	if strings.TrimSpace(text) == "" {
		p.metrics.MessageFailed("validation")
		return models.Message{}, ErrEmptyMessage
	}
	if conversationID == "" {
		p.metrics.MessageFailed("validation")
		return models.Message{}, fmt.Errorf("delivery: conversation id is required")
	}

	self := p.Self()
	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       self.SessionID,
		SenderRole:     self.Role,
		Text:           text,
		CreatedAt:      p.now().UTC(),
		LocalID:        uuid.NewString(),
		State:          models.DeliveryPending,
	}
	p.book.Store(conversationID).Insert(msg)
	ctx, f, err := p.track(ctx, msg.LocalID)
	if err != nil {
		p.rollback(msg, "aborted")
		return msg, err
	}
	return p.deliverTracked(ctx, f, msg)
}

// Resend retries a pending or failed local message.
func (p *Pipeline) Resend(ctx context.Context, conversationID, localID string) (models.Message, error) {
	store, ok := p.book.Lookup(conversationID)
	if !ok {
		return models.Message{}, ErrNotResendable
	}
	msg, ok := store.Find(localID)
	if !ok || !msg.IsLocalEcho() || msg.State == models.DeliveryConfirmed {
		return models.Message{}, ErrNotResendable
	}
	ctx, f, err := p.track(ctx, localID)
	if err != nil {
		return msg, err
	}
	store.SetState(localID, models.DeliveryPending)
	msg.State = models.DeliveryPending
	return p.deliverTracked(ctx, f, msg)
}

// Abort cancels every in-flight send. Each of them is rolled back and
// returns ErrAborted.
func (p *Pipeline) Abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.inflight {
		f.aborted = true
		f.cancel()
	}
}

// Close aborts in-flight sends and waits for them to roll back and for
// background mark-read calls to finish.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Abort()
	p.cancel()
	p.wg.Wait()
}

// deliverTracked persists msg, which track has already registered.
func (p *Pipeline) deliverTracked(ctx context.Context, f *flight, msg models.Message) (models.Message, error) {
	defer p.untrack(msg.LocalID)

	ctx, span := p.tracer.Start(ctx, "delivery.send",
		attribute.String("conversation.id", msg.ConversationID),
		attribute.String("message.local_id", msg.LocalID),
	)
	deliveryID, err := p.api.SendMessage(ctx, api.SendRequest{
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
		SenderID:       msg.SenderID,
	})
	if err != nil {
		p.mu.Lock()
		aborted := f.aborted
		p.mu.Unlock()
		if aborted {
			err = fmt.Errorf("%w: %v", ErrAborted, err)
		}
		if stored, ok := p.adopted(msg); ok {
			// A push confirmed the message while the REST call was failing.
			observability.End(span, nil)
			p.applySummary(stored, true)
			p.persist(msg.ConversationID)
			return stored, nil
		}
		reason := "persist"
		if aborted {
			reason = "aborted"
		}
		p.rollback(msg, reason)
		observability.End(span, err)
		return msg, err
	}
	defer observability.End(span, nil)

	store := p.book.Store(msg.ConversationID)
	if p.identity == nil || !p.identity.Identified() {
		p.logger.Warn("message persisted on an unidentified connection, leaving pending",
			"conversation_id", msg.ConversationID, "local_id", msg.LocalID)
		p.persist(msg.ConversationID)
		return msg, nil
	}

	confirmed, ok := store.Confirm(msg.LocalID, deliveryID)
	if !ok {
		// Reconciliation already replaced the echo with the server copy.
		confirmed, ok = store.Find(deliveryID)
		if !ok {
			msg.DeliveryID = deliveryID
			msg.State = models.DeliveryConfirmed
			confirmed, _ = store.Insert(msg)
		}
	}
	p.metrics.MessageSent(confirmed.SenderRole)
	p.applySummary(confirmed, true)
	p.emit(ctx, confirmed)
	p.persist(msg.ConversationID)
	return confirmed, nil
}

func (p *Pipeline) emit(ctx context.Context, msg models.Message) {
	if p.emitter == nil {
		return
	}
	frame, err := protocol.EncodeMessage(msg)
	if err == nil {
		err = p.emitter.Send(ctx, frame)
	}
	if err != nil {
		p.metrics.MessageFailed("emit")
		p.logger.Warn("failed to emit confirmed message", "conversation_id", msg.ConversationID, "delivery_id", msg.DeliveryID, "error", err)
	}
}

// adopted reports whether the echo picked up a delivery id from a push.
func (p *Pipeline) adopted(msg models.Message) (models.Message, bool) {
	store, ok := p.book.Lookup(msg.ConversationID)
	if !ok {
		return models.Message{}, false
	}
	stored, ok := store.Find(msg.LocalID)
	if !ok || stored.DeliveryID == "" {
		return models.Message{}, false
	}
	return stored, true
}

func (p *Pipeline) rollback(msg models.Message, reason string) {
	p.metrics.MessageFailed(reason)
	store, ok := p.book.Lookup(msg.ConversationID)
	if !ok {
		return
	}
	if p.keepFailed {
		store.MarkFailed(msg.LocalID)
	} else {
		store.Remove(msg.LocalID)
	}
	p.persist(msg.ConversationID)
}

func (p *Pipeline) track(ctx context.Context, localID string) (context.Context, *flight, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ctx, nil, ErrClosed
	}
	if _, busy := p.inflight[localID]; busy {
		return ctx, nil, ErrNotResendable
	}
	ctx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}
	p.inflight[localID] = f
	p.wg.Add(1)
	return ctx, f, nil
}

func (p *Pipeline) untrack(localID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.inflight[localID]; ok {
		f.cancel()
		delete(p.inflight, localID)
		p.wg.Done()
	}
}

// InFlight returns the number of sends awaiting the REST collaborator.
func (p *Pipeline) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Receive folds a pushed message into the stores. Duplicates are absorbed.
func (p *Pipeline) Receive(ev protocol.MessageEvent) messages.Outcome {
	msg := ev.Message()
	stored, outcome := p.book.Store(msg.ConversationID).Insert(msg)
	if outcome == messages.Duplicate {
		p.metrics.DuplicateAbsorbed()
		p.logger.Debug("duplicate delivery absorbed", "conversation_id", msg.ConversationID, "delivery_id", msg.DeliveryID)
		return outcome
	}

	self := p.Self()
	fromSelf := self.SessionID != "" && msg.SenderID == self.SessionID
	if outcome == messages.Appended {
		p.metrics.MessageReceived(msg.SenderRole)
		if p.summaries != nil {
			known := p.applySummary(stored, fromSelf)
			if !known && p.onUnknown != nil {
				p.onUnknown(msg.ConversationID)
			}
			if !fromSelf && p.summaries.IsActive(msg.ConversationID) {
				p.markReadAsync(msg.ConversationID)
			}
		}
	}
	p.persist(msg.ConversationID)
	return outcome
}

// applySummary folds msg into the directory and writes the directory through
// to the cache. It reports whether the conversation was already known.
func (p *Pipeline) applySummary(msg models.Message, fromSelf bool) bool {
	if p.summaries == nil {
		return true
	}
	known := p.summaries.ApplyMessage(msg, fromSelf)
	p.metrics.SetUnread(p.summaries.UnreadTotal())
	if p.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
		defer cancel()
		if err := p.cache.SaveConversations(ctx, p.summaries.List()); err != nil {
			p.logger.Warn("cache directory write failed", "error", err)
		}
	}
	return known
}

func (p *Pipeline) markReadAsync(conversationID string) {
	p.mu.Lock()
	if p.closed || p.api == nil {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.api.MarkRead(p.ctx, conversationID); err != nil {
			p.logger.Warn("mark-read failed", "conversation_id", conversationID, "error", err)
		}
	}()
}

// Persist writes the history of conversationID through to the cache.
func (p *Pipeline) Persist(conversationID string) {
	p.persist(conversationID)
}

func (p *Pipeline) persist(conversationID string) {
	if p.cache == nil {
		return
	}
	store, ok := p.book.Lookup(conversationID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := p.cache.SaveMessages(ctx, conversationID, store.Messages()); err != nil {
		p.logger.Warn("cache write failed", "conversation_id", conversationID, "error", err)
	}
}
