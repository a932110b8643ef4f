package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/livechat/internal/identity"
	"github.com/haasonsaas/livechat/pkg/models"
)

const (
	keyPrefix        = "cache:"
	keyConversations = keyPrefix + "conversations"
	keyMessages      = keyPrefix + "messages:"
	keyIdentity      = keyPrefix + "identity:"
)

// ConversationsKey is the key of the directory snapshot.
func ConversationsKey() string { return keyConversations }

// MessagesKey is the key of one conversation's message history.
func MessagesKey(conversationID string) string { return keyMessages + conversationID }

// IdentityKey is the key of the cached session id for role.
func IdentityKey(role models.Role) string { return keyIdentity + string(role) }

// Config selects a backend.
type Config struct {
	// Backend is "memory" (default) or "sqlite".
	Backend string
	// Path is the SQLite database file.
	Path string
}

// Open builds the cache described by cfg.
func Open(ctx context.Context, cfg Config) (*Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return New(NewMemory()), nil
	case "sqlite":
		backend, err := OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return New(backend), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Cache stores typed chat state as JSON documents on a Backend. It also
// serves as the identity.SessionStore for cached session ids.
type Cache struct {
	backend Backend
}

var _ identity.SessionStore = (*Cache)(nil)

// New wraps backend.
func New(backend Backend) *Cache {
	return &Cache{backend: backend}
}

// LoadConversations returns the cached directory snapshot or ErrMiss.
func (c *Cache) LoadConversations(ctx context.Context) ([]models.Conversation, error) {
	var convs []models.Conversation
	if err := c.load(ctx, keyConversations, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// SaveConversations overwrites the directory snapshot.
func (c *Cache) SaveConversations(ctx context.Context, convs []models.Conversation) error {
	return c.save(ctx, keyConversations, convs)
}

// LoadMessages returns the cached history of conversationID or ErrMiss.
func (c *Cache) LoadMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var msgs []models.Message
	if err := c.load(ctx, MessagesKey(conversationID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SaveMessages overwrites the history of conversationID.
func (c *Cache) SaveMessages(ctx context.Context, conversationID string, msgs []models.Message) error {
	return c.save(ctx, MessagesKey(conversationID), msgs)
}

// DeleteMessages drops the history of conversationID.
func (c *Cache) DeleteMessages(ctx context.Context, conversationID string) error {
	return c.backend.Delete(ctx, MessagesKey(conversationID))
}

// LoadSession implements identity.SessionStore.
func (c *Cache) LoadSession(ctx context.Context, role models.Role) (string, error) {
	var sessionID string
	err := c.load(ctx, IdentityKey(role), &sessionID)
	if errors.Is(err, ErrMiss) || (err == nil && sessionID == "") {
		return "", identity.ErrNoSession
	}
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// SaveSession implements identity.SessionStore.
func (c *Cache) SaveSession(ctx context.Context, role models.Role, sessionID string) error {
	return c.save(ctx, IdentityKey(role), sessionID)
}

// DeleteSession implements identity.SessionStore.
func (c *Cache) DeleteSession(ctx context.Context, role models.Role) error {
	return c.backend.Delete(ctx, IdentityKey(role))
}

// Entry describes one cached document.
type Entry struct {
	Key  string
	Size int
}

// Entries lists every cached document.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	keys, err := c.backend.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		value, err := c.backend.Get(ctx, key)
		if errors.Is(err, ErrMiss) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{Key: key, Size: len(value)})
	}
	return entries, nil
}

// Raw returns the stored document for key.
func (c *Cache) Raw(ctx context.Context, key string) ([]byte, error) {
	return c.backend.Get(ctx, key)
}

// Purge deletes every cached document and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	keys, err := c.backend.Keys(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	if err := c.backend.Delete(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) load(ctx context.Context, key string, out any) error {
	raw, err := c.backend.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode cache entry %q: %w", key, err)
	}
	return nil
}

func (c *Cache) save(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", key, err)
	}
	return c.backend.Set(ctx, key, raw)
}
