package models

import (
	"strings"
	"time"
)

// Role identifies which side of a conversation a principal is on.
type Role string

const (
	RoleStaff    Role = "staff"
	RoleCustomer Role = "customer"
	RoleGuest    Role = "guest"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStaff, RoleCustomer, RoleGuest:
		return true
	default:
		return false
	}
}

// IsCustomerSide reports whether the role talks to staff through the widget.
func (r Role) IsCustomerSide() bool {
	return r == RoleCustomer || r == RoleGuest
}

// DeliveryState tracks an outgoing message through the send path.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is a single chat line within one conversation.
type Message struct {
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderRole     Role          `json:"senderRole"`
	Text           string        `json:"text"`
	CreatedAt      time.Time     `json:"createdAt"`
	DeliveryID     string        `json:"deliveryId,omitempty"`
	LocalID        string        `json:"localId,omitempty"` // client-side id for optimistic entries
	State          DeliveryState `json:"deliveryState"`
}

// IsLocalEcho reports whether the message was appended optimistically and has
// not yet been assigned a server delivery id.
func (m *Message) IsLocalEcho() bool {
	return m.LocalID != "" && m.DeliveryID == ""
}

// Preview returns a single-line summary of the text suitable for directory rows.
func (m *Message) Preview(limit int) string {
	text := strings.Join(strings.Fields(m.Text), " ")
	if limit <= 0 || len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
