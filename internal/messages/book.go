package messages

import (
	"sort"
	"sync"
	"time"
)

// Book holds one Store per conversation, created on first use.
type Book struct {
	tolerance time.Duration

	mu     sync.Mutex
	stores map[string]*Store
}

// NewBook creates an empty book whose stores use tolerance for matching.
func NewBook(tolerance time.Duration) *Book {
	return &Book{tolerance: tolerance, stores: make(map[string]*Store)}
}

// Store returns the store for conversationID, creating it if needed.
func (b *Book) Store(conversationID string) *Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stores[conversationID]
	if !ok {
		s = NewStore(conversationID, b.tolerance)
		b.stores[conversationID] = s
	}
	return s
}

// Lookup returns the store for conversationID without creating one.
func (b *Book) Lookup(conversationID string) (*Store, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stores[conversationID]
	return s, ok
}

// Drop forgets the store for conversationID.
func (b *Book) Drop(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stores, conversationID)
}

// Conversations returns the ids that have a store, sorted.
func (b *Book) Conversations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.stores))
	for id := range b.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
