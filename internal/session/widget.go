package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/livechat/internal/identity"
	"github.com/haasonsaas/livechat/pkg/models"
)

// ErrNoConversation is returned when an authenticated customer sends before
// the server assigned a session.
var ErrNoConversation = errors.New("session: conversation not assigned yet")

// Widget is a customer session bound to exactly one conversation. Its
// conversation id is the customer's session id.
//
// A widget without a credential runs as a guest. Guest ids are minted per
// open and everything cached for them is purged on Close.
type Widget struct {
	*core
	guests *identity.Guests
}

// NewWidget creates a customer widget. Nothing connects until Start.
func NewWidget(cfg Config) (*Widget, error) {
	w := &Widget{}
	w.core = newCore(cfg, models.RoleCustomer, nil, nil)
	w.guests = cfg.Guests
	if w.guests == nil {
		w.guests = identity.NewGuests(w.cache)
	}
	w.onIdentified = w.identified

	who, err := w.resolve(cfg.Credential)
	if err != nil {
		return nil, err
	}
	w.setIdentity(who)
	return w, nil
}

func (w *Widget) resolve(credential string) (models.Identity, error) {
	if credential == "" {
		return models.Identity{
			Role:        models.RoleGuest,
			DisplayName: w.cfg.DisplayName,
			Profile:     w.cfg.Profile,
		}, nil
	}
	who, err := identity.FromCredential(credential)
	if err != nil {
		return models.Identity{}, fmt.Errorf("read credential: %w", err)
	}
	if w.cfg.DisplayName != "" {
		who.DisplayName = w.cfg.DisplayName
	}
	if who.Profile == nil {
		who.Profile = w.cfg.Profile
	}
	return who, nil
}

// Start allocates or loads the session id, connects, and loads the
// conversation history from the cache and the server.
func (w *Widget) Start(ctx context.Context) error {
	if err := w.loadSession(ctx); err != nil {
		return err
	}
	if err := w.connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if id := w.ConversationID(); id != "" {
		if err := w.hydrate(ctx, id); err != nil {
			w.logger.Warn("initial history load failed", "error", err)
		}
	}
	return nil
}

func (w *Widget) loadSession(ctx context.Context) error {
	who := w.identity()
	if who.IsGuest() {
		id, err := w.guests.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("allocate guest id: %w", err)
		}
		who.SessionID = id
		w.setIdentity(who)
		return nil
	}
	id, err := w.cache.LoadSession(ctx, who.Role)
	switch {
	case err == nil:
		who.SessionID = id
		w.setIdentity(who)
	case !errors.Is(err, identity.ErrNoSession):
		w.logger.Warn("cached session unreadable", "error", err)
	}
	return nil
}

func (w *Widget) identified(ctx context.Context, state identity.State) {
	who := w.identity()
	previous := who.SessionID
	who.SessionID = state.Resolved.SessionID
	who.Role = state.Resolved.Role
	w.setIdentity(who)

	var err error
	if who.IsGuest() {
		err = w.guests.Adopt(ctx, who.SessionID)
	} else {
		err = w.cache.SaveSession(ctx, who.Role, who.SessionID)
	}
	if err != nil {
		w.logger.Warn("cache session write failed", "error", err)
	}

	if who.SessionID != previous && who.SessionID != "" {
		if err := w.hydrate(ctx, who.SessionID); err != nil {
			w.logger.Warn("history load failed", "conversation_id", who.SessionID, "error", err)
		}
	}
}

// Identity returns who the widget is connected as.
func (w *Widget) Identity() models.Identity { return w.identity() }

// ConversationID returns the widget's conversation, or "" before an
// authenticated customer was assigned one.
func (w *Widget) ConversationID() string { return w.identity().SessionID }

// Send sends text to the widget's conversation.
func (w *Widget) Send(ctx context.Context, text string) (models.Message, error) {
	id := w.ConversationID()
	if id == "" {
		return models.Message{}, ErrNoConversation
	}
	return w.pipeline.Send(ctx, id, text)
}

// Resend retries a pending or failed message.
func (w *Widget) Resend(ctx context.Context, localID string) (models.Message, error) {
	return w.pipeline.Resend(ctx, w.ConversationID(), localID)
}

// Messages returns the conversation history.
func (w *Widget) Messages() []models.Message {
	store, ok := w.book.Lookup(w.ConversationID())
	if !ok {
		return nil
	}
	return store.Messages()
}

// Authenticate switches a guest (or another customer) to the identity in
// credential. The old connection is torn down and a new one is opened; the
// guest's ephemeral conversation is discarded.
func (w *Widget) Authenticate(ctx context.Context, credential string) error {
	who, err := w.resolve(credential)
	if err != nil {
		return err
	}
	w.pipeline.Abort()
	if w.identity().IsGuest() {
		if err := w.purgeGuest(ctx); err != nil {
			w.logger.Warn("guest purge failed", "error", err)
		}
	}
	w.setCredential(credential)
	w.setIdentity(who)
	if err := w.loadSession(ctx); err != nil {
		return err
	}
	if err := w.connect(); err != nil {
		return fmt.Errorf("reconnect as %s: %w", who.Role, err)
	}
	return nil
}

// Close rolls back pending sends and tears the connection down. A guest's
// session id and cached conversation are purged.
func (w *Widget) Close(ctx context.Context) error {
	w.shutdown()
	if !w.identity().IsGuest() {
		return nil
	}
	return w.purgeGuest(ctx)
}

func (w *Widget) purgeGuest(ctx context.Context) error {
	id, err := w.guests.Purge(ctx)
	if id == "" {
		id = w.ConversationID()
	}
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	if id != "" {
		w.book.Drop(id)
		if err := w.cache.DeleteMessages(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("purge guest messages: %w", err))
		}
	}
	return errors.Join(errs...)
}
