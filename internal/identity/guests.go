package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/livechat/pkg/models"
)

const guestPrefix = "guest-"

// Guests allocates ephemeral guest session ids.
//
// An id is reused while it stays cached; Purge retires it, and no retired id
// is ever handed out again by the same Guests value.
type Guests struct {
	store SessionStore
	newID func() string

	mu      sync.Mutex
	retired map[string]struct{}
}

// NewGuests creates a guest allocator over store. A nil store keeps ids in memory.
func NewGuests(store SessionStore) *Guests {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Guests{
		store:   store,
		newID:   func() string { return guestPrefix + uuid.NewString() },
		retired: make(map[string]struct{}),
	}
}

// Acquire returns the cached guest id, or mints and caches a new one.
func (g *Guests) Acquire(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := g.store.LoadSession(ctx, models.RoleGuest)
	switch {
	case err == nil:
		if _, retired := g.retired[id]; !retired {
			return id, nil
		}
	case !errors.Is(err, ErrNoSession):
		return "", fmt.Errorf("load guest session: %w", err)
	}

	id = g.mint()
	if err := g.store.SaveSession(ctx, models.RoleGuest, id); err != nil {
		return "", fmt.Errorf("save guest session: %w", err)
	}
	return id, nil
}

// Adopt caches the session id the server resolved for the guest. A minted
// id it replaces is retired.
func (g *Guests) Adopt(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	previous, err := g.store.LoadSession(ctx, models.RoleGuest)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return fmt.Errorf("load guest session: %w", err)
	}
	if err := g.store.SaveSession(ctx, models.RoleGuest, id); err != nil {
		return err
	}
	if previous != "" && previous != id {
		g.retired[previous] = struct{}{}
	}
	return nil
}

// Purge retires the cached guest id so the next Acquire mints a new one.
// It returns the retired id, if there was one.
func (g *Guests) Purge(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := g.store.LoadSession(ctx, models.RoleGuest)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return "", fmt.Errorf("load guest session: %w", err)
	}
	if id != "" {
		g.retired[id] = struct{}{}
	}
	if err := g.store.DeleteSession(ctx, models.RoleGuest); err != nil {
		return id, fmt.Errorf("delete guest session: %w", err)
	}
	return id, nil
}

func (g *Guests) mint() string {
	for {
		id := g.newID()
		if _, retired := g.retired[id]; !retired {
			return id
		}
	}
}
