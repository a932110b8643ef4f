// Package messages holds the ordered, deduplicated message sequence of each
// conversation.
package messages

import (
	"slices"
	"sync"
	"time"

	"github.com/haasonsaas/livechat/pkg/models"
)

// DefaultTolerance is the CreatedAt window for matching messages that carry no
// delivery id.
const DefaultTolerance = 2 * time.Second

// Outcome reports what Insert did with a message.
type Outcome int

const (
	// Appended means the message was new and added to the sequence.
	Appended Outcome = iota
	// Adopted means the message confirmed an existing local echo in place.
	Adopted
	// Duplicate means the message was already present and nothing changed.
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Appended:
		return "appended"
	case Adopted:
		return "adopted"
	default:
		return "duplicate"
	}
}

type entry struct {
	msg models.Message
	seq uint64
}

// Store is the message sequence of one conversation, ordered by CreatedAt
// and then by insertion.
type Store struct {
	conversationID string
	tolerance      time.Duration

	mu      sync.RWMutex
	entries []entry
	seq     uint64
}

// NewStore creates an empty store. A non-positive tolerance uses DefaultTolerance.
func NewStore(conversationID string, tolerance time.Duration) *Store {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Store{conversationID: conversationID, tolerance: tolerance}
}

// ConversationID returns the conversation the store belongs to.
func (s *Store) ConversationID() string { return s.conversationID }

// Insert adds msg unless it is already present.
//
// Messages with a delivery id are matched by that id. A delivered message that
// matches a local echo by sender, text and time adopts the echo instead of
// appending. Messages without a delivery id match any entry by sender, text
// and time, except local echoes, which only match their own local id.
func (s *Store) Insert(msg models.Message) (models.Message, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ConversationID == "" {
		msg.ConversationID = s.conversationID
	}

	switch {
	case msg.DeliveryID != "":
		if i := s.indexByDelivery(msg.DeliveryID); i >= 0 {
			return s.entries[i].msg, Duplicate
		}
		for i := range s.entries {
			existing := &s.entries[i].msg
			if existing.IsLocalEcho() && s.sameContent(*existing, msg) {
				existing.DeliveryID = msg.DeliveryID
				existing.State = models.DeliveryConfirmed
				return *existing, Adopted
			}
		}
	case msg.LocalID != "":
		if i := s.indexByLocal(msg.LocalID); i >= 0 {
			return s.entries[i].msg, Duplicate
		}
	default:
		for _, e := range s.entries {
			if s.sameContent(e.msg, msg) {
				return e.msg, Duplicate
			}
		}
	}

	if msg.State == "" {
		msg.State = models.DeliveryConfirmed
	}
	s.append(msg)
	return msg, Appended
}

// Confirm assigns a delivery id to the local echo localID. If another entry
// already carries deliveryID, the echo is folded into it.
func (s *Store) Confirm(localID, deliveryID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexByLocal(localID)
	if i < 0 {
		return models.Message{}, false
	}
	if j := s.indexByDelivery(deliveryID); j >= 0 && j != i {
		s.entries = slices.Delete(s.entries, i, i+1)
		if j > i {
			j--
		}
		return s.entries[j].msg, true
	}
	s.entries[i].msg.DeliveryID = deliveryID
	s.entries[i].msg.State = models.DeliveryConfirmed
	return s.entries[i].msg, true
}

// SetState changes the delivery state of the local echo localID.
func (s *Store) SetState(localID string, state models.DeliveryState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexByLocal(localID)
	if i < 0 {
		return false
	}
	s.entries[i].msg.State = state
	return true
}

// MarkFailed marks the local echo localID as failed.
func (s *Store) MarkFailed(localID string) bool {
	return s.SetState(localID, models.DeliveryFailed)
}

// Remove deletes the local echo localID.
func (s *Store) Remove(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexByLocal(localID)
	if i < 0 {
		return false
	}
	s.entries = slices.Delete(s.entries, i, i+1)
	return true
}

// Reconcile replaces the sequence with authoritative history. Local echoes
// that the history does not account for are kept, as are delivered messages
// newer than the newest authoritative one (pushes that raced the fetch).
func (s *Store) Reconcile(authoritative []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.entries
	s.entries = make([]entry, 0, len(authoritative)+len(previous))

	var newest time.Time
	seen := make(map[string]bool, len(authoritative))
	for _, msg := range authoritative {
		if msg.ConversationID == "" {
			msg.ConversationID = s.conversationID
		}
		if msg.DeliveryID != "" {
			if seen[msg.DeliveryID] {
				continue
			}
			seen[msg.DeliveryID] = true
		}
		if msg.State == "" {
			msg.State = models.DeliveryConfirmed
		}
		if msg.CreatedAt.After(newest) {
			newest = msg.CreatedAt
		}
		s.append(msg)
	}
	var kept []models.Message
	for _, e := range previous {
		switch {
		case e.msg.IsLocalEcho():
			if !s.matchesAny(e.msg) {
				kept = append(kept, e.msg)
			}
		case e.msg.DeliveryID != "" && !seen[e.msg.DeliveryID] && e.msg.CreatedAt.After(newest):
			kept = append(kept, e.msg)
		}
	}
	for _, msg := range kept {
		s.append(msg)
	}
}

// Messages returns a copy of the ordered sequence.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg
	}
	return out
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Last returns the newest message.
func (s *Store) Last() (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return models.Message{}, false
	}
	return s.entries[len(s.entries)-1].msg, true
}

// Find looks a message up by delivery id or local id.
func (s *Store) Find(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexByDelivery(id); i >= 0 {
		return s.entries[i].msg, true
	}
	if i := s.indexByLocal(id); i >= 0 {
		return s.entries[i].msg, true
	}
	return models.Message{}, false
}

// append inserts msg at its ordered position. Callers hold mu.
func (s *Store) append(msg models.Message) {
	s.seq++
	e := entry{msg: msg, seq: s.seq}
	i, _ := slices.BinarySearchFunc(s.entries, e, compareEntries)
	s.entries = slices.Insert(s.entries, i, e)
}

func compareEntries(a, b entry) int {
	if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}

func (s *Store) indexByDelivery(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.entries, func(e entry) bool { return e.msg.DeliveryID == id })
}

func (s *Store) indexByLocal(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.entries, func(e entry) bool { return e.msg.LocalID == id })
}

func (s *Store) matchesAny(msg models.Message) bool {
	for _, e := range s.entries {
		if s.sameContent(e.msg, msg) {
			return true
		}
	}
	return false
}

func (s *Store) sameContent(a, b models.Message) bool {
	if a.SenderID != b.SenderID || a.Text != b.Text {
		return false
	}
	delta := a.CreatedAt.Sub(b.CreatedAt)
	if delta < 0 {
		delta = -delta
	}
	return delta <= s.tolerance
}
