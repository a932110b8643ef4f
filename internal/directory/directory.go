// Package directory keeps the staff console's list of conversation summaries
// and merges bulk snapshots with push updates.
package directory

import (
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/livechat/pkg/models"
)

type record struct {
	conv models.Conversation
	// Last local change driven by a pushed message or presence frame.
	messageAt  time.Time
	presenceAt time.Time
}

func (r *record) pushedSince(t time.Time) bool {
	return r.messageAt.After(t) || r.presenceAt.After(t)
}

// Directory is the set of conversation summaries, unique by id.
//
// UnreadCount is never negative and is always 0 for the active conversation.
type Directory struct {
	mu     sync.RWMutex
	convs  map[string]*record
	active string
	now    func() time.Time
}

// New creates an empty directory.
func New() *Directory {
	return &Directory{convs: make(map[string]*record), now: time.Now}
}

// ApplySnapshot merges a bulk fetch that started at fetchStartedAt.
//
// A conversation updated by a push after the fetch started keeps its pushed
// summary when that is newer than the snapshot's. Conversations missing from
// the snapshot are dropped unless a push touched them after the fetch started.
func (d *Directory) ApplySnapshot(convs []models.Conversation, fetchStartedAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]*record, len(convs))
	for _, conv := range convs {
		if conv.ID == "" {
			continue
		}
		next[conv.ID] = d.merge(d.convs[conv.ID], conv, fetchStartedAt)
	}
	for id, rec := range d.convs {
		if _, ok := next[id]; ok {
			continue
		}
		if rec.pushedSince(fetchStartedAt) {
			next[id] = rec
		}
	}
	d.convs = next
	if _, ok := d.convs[d.active]; !ok {
		d.active = ""
	}
}

// Upsert merges a single fetched conversation with the same rule as
// ApplySnapshot, without dropping anything else.
func (d *Directory) Upsert(conv models.Conversation, fetchStartedAt time.Time) {
	if conv.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.convs[conv.ID] = d.merge(d.convs[conv.ID], conv, fetchStartedAt)
}

// merge combines an existing record with a fetched summary. Callers hold mu.
func (d *Directory) merge(existing *record, fetched models.Conversation, fetchStartedAt time.Time) *record {
	conv := fetched.Clone()
	conv.Normalize()
	rec := &record{conv: conv}

	if existing != nil {
		if existing.messageAt.After(fetchStartedAt) && existing.conv.LastMessageAt.After(conv.LastMessageAt) {
			rec.conv.LastMessageText = existing.conv.LastMessageText
			rec.conv.LastMessageAt = existing.conv.LastMessageAt
			rec.conv.UnreadCount = max(rec.conv.UnreadCount, existing.conv.UnreadCount)
			rec.messageAt = existing.messageAt
		}
		if existing.presenceAt.After(fetchStartedAt) {
			rec.conv.Status = existing.conv.Status
			rec.conv.Priority = existing.conv.Priority
			rec.conv.Tags = existing.conv.Clone().Tags
			rec.presenceAt = existing.presenceAt
		}
	}
	if conv.ID == d.active {
		rec.conv.UnreadCount = 0
	}
	return rec
}

// ApplyMessage folds a message into its conversation's summary and reports
// whether the conversation was already known. Unknown conversations get a
// stub entry until a targeted fetch fills them in.
func (d *Directory) ApplyMessage(msg models.Message, fromSelf bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, known := d.convs[msg.ConversationID]
	if !known {
		conv := models.Conversation{ID: msg.ConversationID}
		conv.Normalize()
		rec = &record{conv: conv}
		d.convs[msg.ConversationID] = rec
	}

	if !msg.CreatedAt.Before(rec.conv.LastMessageAt) {
		rec.conv.LastMessageText = msg.Text
		rec.conv.LastMessageAt = msg.CreatedAt
	}
	if !fromSelf && msg.ConversationID != d.active {
		rec.conv.UnreadCount++
	}
	rec.messageAt = d.now()
	return known
}

// Select makes id the active conversation and clears its unread count. An
// empty id clears the selection.
func (d *Directory) Select(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == "" {
		d.active = ""
		return true
	}
	rec, ok := d.convs[id]
	if !ok {
		return false
	}
	d.active = id
	rec.conv.UnreadCount = 0
	return true
}

// Active returns the active conversation id, if any.
func (d *Directory) Active() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

// IsActive reports whether id is the active conversation.
func (d *Directory) IsActive(id string) bool {
	return id != "" && d.Active() == id
}

// MarkRead clears the unread count of id.
func (d *Directory) MarkRead(id string) bool {
	return d.update(id, false, func(c *models.Conversation) { c.UnreadCount = 0 })
}

// SetStatus updates the presence status of id.
func (d *Directory) SetStatus(id string, status models.ConversationStatus) bool {
	return d.update(id, true, func(c *models.Conversation) { c.Status = status })
}

// SetPriority updates the priority of id.
func (d *Directory) SetPriority(id string, priority models.Priority) bool {
	return d.update(id, true, func(c *models.Conversation) { c.Priority = priority })
}

// SetTags replaces the tags of id.
func (d *Directory) SetTags(id string, tags []string) bool {
	tags = append([]string(nil), tags...)
	return d.update(id, true, func(c *models.Conversation) { c.Tags = tags })
}

func (d *Directory) update(id string, presence bool, fn func(*models.Conversation)) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.convs[id]
	if !ok {
		return false
	}
	fn(&rec.conv)
	rec.conv.Normalize()
	if presence {
		rec.presenceAt = d.now()
	}
	return true
}

// Remove forgets id.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.convs, id)
	if d.active == id {
		d.active = ""
	}
}

// Get returns the summary for id.
func (d *Directory) Get(id string) (models.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.convs[id]
	if !ok {
		return models.Conversation{}, false
	}
	return rec.conv.Clone(), true
}

// List returns every summary, most recent message first, then by id.
func (d *Directory) List() []models.Conversation {
	d.mu.RLock()
	out := make([]models.Conversation, 0, len(d.convs))
	for _, rec := range d.convs {
		out = append(out, rec.conv.Clone())
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of conversations.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.convs)
}

// UnreadTotal sums unread counts across all conversations.
func (d *Directory) UnreadTotal() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, rec := range d.convs {
		total += rec.conv.UnreadCount
	}
	return total
}
