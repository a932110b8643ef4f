// Package protocol defines the WebSocket frames exchanged with the chat server
// and the single decode step that turns raw frames and REST bodies into typed
// values.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/livechat/pkg/models"
)

// FrameType names the kind of payload carried by an envelope.
type FrameType string

const (
	FrameIdentify   FrameType = "identify"
	FrameIdentified FrameType = "identified"
	FrameMessage    FrameType = "message"
	FramePresence   FrameType = "presence"
)

// Envelope is the outer shape of every frame on the wire.
type Envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// IdentifyRequest is sent by the client right after the connection opens.
type IdentifyRequest struct {
	Role        models.Role        `json:"role"`
	SessionID   *string            `json:"sessionId"`
	DisplayName string             `json:"displayName"`
	ProfileRef  *models.ProfileRef `json:"profileRef"`
}

// IdentifyStatus is the outcome reported by the server.
type IdentifyStatus string

const (
	IdentifySuccess IdentifyStatus = "success"
	IdentifyFailure IdentifyStatus = "failure"
)

// Event is a decoded inbound frame. The concrete types are IdentifiedAck,
// MessageEvent and PresenceEvent.
type Event interface {
	FrameType() FrameType
}

// IdentifiedAck acknowledges an identify request.
type IdentifiedAck struct {
	Status            IdentifyStatus `json:"status"`
	ResolvedRole      models.Role    `json:"resolvedRole"`
	ResolvedSessionID string         `json:"resolvedSessionId"`
	Reason            string         `json:"reason,omitempty"`
}

// FrameType implements Event.
func (IdentifiedAck) FrameType() FrameType { return FrameIdentified }

// OK reports whether the server accepted the identity.
func (a IdentifiedAck) OK() bool { return a.Status == IdentifySuccess }

// MessageEvent carries a chat message in either direction.
type MessageEvent struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderRole     models.Role `json:"senderRole"`
	Text           string      `json:"text"`
	CreatedAt      time.Time   `json:"createdAt"`
	DeliveryID     string      `json:"deliveryId,omitempty"`
}

// FrameType implements Event.
func (MessageEvent) FrameType() FrameType { return FrameMessage }

// Message converts the event into a confirmed store entry.
func (e MessageEvent) Message() models.Message {
	return models.Message{
		ConversationID: e.ConversationID,
		SenderID:       e.SenderID,
		SenderRole:     e.SenderRole,
		Text:           e.Text,
		CreatedAt:      e.CreatedAt,
		DeliveryID:     e.DeliveryID,
		State:          models.DeliveryConfirmed,
	}
}

// MessageEventFrom builds the outbound event for a confirmed local message.
func MessageEventFrom(msg models.Message) MessageEvent {
	return MessageEvent{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderRole:     msg.SenderRole,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
		DeliveryID:     msg.DeliveryID,
	}
}

// PresenceEvent updates the status tags of a conversation.
type PresenceEvent struct {
	ConversationID string                    `json:"conversationId"`
	Status         models.ConversationStatus `json:"status"`
	Priority       models.Priority           `json:"priority,omitempty"`
	Tags           []string                  `json:"tags,omitempty"`
}

// FrameType implements Event.
func (PresenceEvent) FrameType() FrameType { return FramePresence }

// Encode wraps payload in an envelope of the given type.
func Encode(frameType FrameType, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", frameType, err)
	}
	return json.Marshal(Envelope{Type: frameType, Payload: body})
}

// EncodeIdentify builds the identify frame for an identity. An empty session
// id is sent as null so the server allocates one.
func EncodeIdentify(identity models.Identity) ([]byte, error) {
	req := IdentifyRequest{
		Role:        identity.Role,
		DisplayName: identity.DisplayName,
		ProfileRef:  identity.Profile,
	}
	if identity.SessionID != "" {
		sessionID := identity.SessionID
		req.SessionID = &sessionID
	}
	return Encode(FrameIdentify, req)
}

// EncodeMessage builds the message frame for a confirmed local message.
func EncodeMessage(msg models.Message) ([]byte, error) {
	return Encode(FrameMessage, MessageEventFrom(msg))
}
