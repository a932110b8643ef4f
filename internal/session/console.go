package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/livechat/internal/cache"
	"github.com/haasonsaas/livechat/internal/directory"
	"github.com/haasonsaas/livechat/internal/identity"
	"github.com/haasonsaas/livechat/internal/protocol"
	"github.com/haasonsaas/livechat/pkg/models"
)

// DefaultRefreshSchedule is the console's bulk directory refresh.
const DefaultRefreshSchedule = "@every 30s"

const (
	refreshTimeout      = 20 * time.Second
	presenceSaveTimeout = 5 * time.Second
)

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether spec is a usable refresh schedule.
func ValidateSchedule(spec string) error {
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return nil
}

// ErrUnknownConversation is returned when selecting a conversation that is
// not in the directory.
var ErrUnknownConversation = errors.New("session: unknown conversation")

// Console is a staff session handling many conversations.
type Console struct {
	*core
	dir       *directory.Directory
	scheduler *cron.Cron
}

// NewConsole creates a staff console. Nothing connects until Start.
func NewConsole(cfg Config) (*Console, error) {
	schedule := cfg.RefreshSchedule
	if schedule == "" {
		schedule = DefaultRefreshSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	cfg.RefreshSchedule = schedule

	c := &Console{
		dir:       directory.New(),
		scheduler: cron.New(cron.WithParser(scheduleParser)),
	}
	c.core = newCore(cfg, models.RoleStaff, c.dir, c.discover)
	c.onIdentified = c.identified
	c.onPresence = c.presence
	c.setIdentity(models.Identity{
		Role:        models.RoleStaff,
		DisplayName: cfg.DisplayName,
		Profile:     cfg.Profile,
	})
	return c, nil
}

// Start hydrates the directory from the cache, connects, runs a first bulk
// refresh and schedules the periodic one.
func (c *Console) Start(ctx context.Context) error {
	who := c.identity()
	sessionID, err := c.cache.LoadSession(ctx, models.RoleStaff)
	switch {
	case err == nil:
		who.SessionID = sessionID
		c.setIdentity(who)
	case !errors.Is(err, identity.ErrNoSession):
		c.logger.Warn("cached session unreadable", "error", err)
	}

	cached, err := c.cache.LoadConversations(ctx)
	switch {
	case err == nil:
		c.dir.ApplySnapshot(cached, time.Time{})
	case !errors.Is(err, cache.ErrMiss):
		c.logger.Warn("cached conversations unreadable", "error", err)
	}

	if err := c.connect(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := c.Refresh(ctx); err != nil {
		c.logger.Warn("initial refresh failed, showing cached conversations", "error", err)
	}

	if _, err := c.scheduler.AddFunc(c.cfg.RefreshSchedule, c.scheduledRefresh); err != nil {
		return fmt.Errorf("schedule refresh: %w", err)
	}
	c.scheduler.Start()
	return nil
}

func (c *Console) scheduledRefresh() {
	c.goTracked(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("scheduled refresh failed", "error", err)
		}
	})
}

// Refresh fetches every conversation summary and merges it into the
// directory. Push updates that landed while the fetch was running survive.
func (c *Console) Refresh(ctx context.Context) error {
	started := time.Now()
	convs, err := c.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	c.dir.ApplySnapshot(convs, started)
	c.saveDirectory(ctx)
	c.notify(Event{Kind: EventDirectory})
	return nil
}

// discover runs a targeted fetch for a conversation first seen in a push.
func (c *Console) discover(conversationID string) {
	c.goTracked(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		conv, err := c.api.FetchConversation(ctx, conversationID)
		if err != nil {
			c.logger.Warn("conversation discovery failed", "conversation_id", conversationID, "error", err)
			return
		}
		// The push that revealed the conversation is at least as new as
		// anything this fetch returns.
		c.dir.Upsert(conv, time.Time{})
		c.saveDirectory(ctx)
		c.notify(Event{Kind: EventDirectory, ConversationID: conversationID})
	})
}

func (c *Console) identified(ctx context.Context, state identity.State) {
	who := c.identity()
	who.SessionID = state.Resolved.SessionID
	who.Role = state.Resolved.Role
	c.setIdentity(who)
	if err := c.cache.SaveSession(ctx, models.RoleStaff, who.SessionID); err != nil {
		c.logger.Warn("cache session write failed", "error", err)
	}
}

func (c *Console) presence(ev protocol.PresenceEvent) {
	changed := false
	if ev.Status != "" {
		changed = c.dir.SetStatus(ev.ConversationID, ev.Status) || changed
	}
	if ev.Priority != "" {
		changed = c.dir.SetPriority(ev.ConversationID, ev.Priority) || changed
	}
	if ev.Tags != nil {
		changed = c.dir.SetTags(ev.ConversationID, ev.Tags) || changed
	}
	if changed {
		ctx, cancel := context.WithTimeout(c.ctx, presenceSaveTimeout)
		c.saveDirectory(ctx)
		cancel()
	}
	c.notify(Event{Kind: EventDirectory, ConversationID: ev.ConversationID})
}

// Select makes conversationID active, loads its history from the cache and
// then from the server, and marks it read. A failed history fetch leaves the
// cached messages in place and is returned along with them.
func (c *Console) Select(ctx context.Context, conversationID string) ([]models.Message, error) {
	if conversationID == "" {
		c.dir.Select("")
		return nil, nil
	}
	if !c.dir.Select(conversationID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	c.metrics.SetUnread(c.dir.UnreadTotal())
	c.saveDirectory(ctx)

	fetchErr := c.hydrate(ctx, conversationID)
	if err := c.api.MarkRead(ctx, conversationID); err != nil {
		c.logger.Warn("mark-read failed", "conversation_id", conversationID, "error", err)
	}
	return c.Messages(conversationID), fetchErr
}

// Active returns the selected conversation id, or "".
func (c *Console) Active() string { return c.dir.Active() }

// Send sends text to the active conversation.
func (c *Console) Send(ctx context.Context, text string) (models.Message, error) {
	active := c.dir.Active()
	if active == "" {
		return models.Message{}, errors.New("session: no active conversation")
	}
	return c.pipeline.Send(ctx, active, text)
}

// SendTo sends text to a specific conversation.
func (c *Console) SendTo(ctx context.Context, conversationID, text string) (models.Message, error) {
	return c.pipeline.Send(ctx, conversationID, text)
}

// Resend retries a pending or failed message.
func (c *Console) Resend(ctx context.Context, conversationID, localID string) (models.Message, error) {
	return c.pipeline.Resend(ctx, conversationID, localID)
}

// Conversations lists the directory, most recent first.
func (c *Console) Conversations() []models.Conversation { return c.dir.List() }

// Conversation returns one directory entry.
func (c *Console) Conversation(id string) (models.Conversation, bool) { return c.dir.Get(id) }

// Messages returns the loaded history of a conversation.
func (c *Console) Messages(conversationID string) []models.Message {
	store, ok := c.book.Lookup(conversationID)
	if !ok {
		return nil
	}
	return store.Messages()
}

// UnreadTotal sums unread counts across the directory.
func (c *Console) UnreadTotal() int { return c.dir.UnreadTotal() }

// Close stops the refresh schedule, rolls back pending sends and tears the
// connection down.
func (c *Console) Close() error {
	<-c.scheduler.Stop().Done()
	c.shutdown()
	return nil
}

func (c *Console) saveDirectory(ctx context.Context) {
	if err := c.cache.SaveConversations(ctx, c.dir.List()); err != nil {
		c.logger.Warn("cache directory write failed", "error", err)
	}
}
