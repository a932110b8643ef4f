package models

import "time"

// ConversationStatus is the presence tag shown next to a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationIdle   ConversationStatus = "idle"
)

// Priority orders conversations that need staff attention.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Conversation is the denormalized summary of one thread between a customer
// and staff. It never carries message content beyond the last-message preview.
type Conversation struct {
	ID              string             `json:"id"`
	CounterpartName string             `json:"counterpartName"`
	LastMessageText string             `json:"lastMessageText"`
	LastMessageAt   time.Time          `json:"lastMessageAt"`
	UnreadCount     int                `json:"unreadCount"`
	Status          ConversationStatus `json:"status"`
	Priority        Priority           `json:"priority"`
	Tags            []string           `json:"tags,omitempty"`
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	clone := c
	if c.Tags != nil {
		clone.Tags = make([]string, len(c.Tags))
		copy(clone.Tags, c.Tags)
	}
	return clone
}

// Normalize fills zero-valued enum fields and clamps the unread count.
func (c *Conversation) Normalize() {
	if c.Status == "" {
		c.Status = ConversationIdle
	}
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
}
