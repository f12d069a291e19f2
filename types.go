package storechat

import (
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a server-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// UserSnapshot is a denormalized identity carried on messages and
// conversations so callers can render them without extra lookups.
type UserSnapshot struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ============================================================================
// Conversation identity
// ============================================================================

// ConversationKey identifies a conversation by its unordered participant
// pair. The smaller user id always comes first, so two messages belong to
// the same conversation exactly when their keys are equal, regardless of
// direction.
type ConversationKey [2]int64

// KeyFor builds the symmetric key for two participants.
func KeyFor(a, b int64) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey{a, b}
}

// Has reports whether userID is one of the two participants.
func (k ConversationKey) Has(userID int64) bool {
	return k[0] == userID || k[1] == userID
}

// Peer returns the participant that is not selfID.
func (k ConversationKey) Peer(selfID int64) int64 {
	if k[0] == selfID {
		return k[1]
	}
	return k[0]
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%d:%d", k[0], k[1])
}

// ============================================================================
// Message
// ============================================================================

// Message is a single direct message. Positive ids are server-assigned and
// durable; negative ids are client-local temporary identifiers that exist
// only until the send is confirmed. Temporary ids are never sent to the
// server.
type Message struct {
	ID        int64        `json:"id"`
	FromUser  UserSnapshot `json:"fromUser"`
	ToUser    UserSnapshot `json:"toUser"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"createdAt"`
	ReadAt    *time.Time   `json:"readAt,omitempty"`
}

// Temporary reports whether the message is an optimistic local entry that
// has not been confirmed by the server yet.
func (m *Message) Temporary() bool {
	return m.ID < 0
}

// Key returns the symmetric conversation key for the message.
func (m *Message) Key() ConversationKey {
	return KeyFor(m.FromUser.ID, m.ToUser.ID)
}

// validate checks an inbound message for the fields the engine relies on.
// Server-shaped payloads are rejected here, before they reach any timeline.
// The server only assigns positive ids; a non-positive id would masquerade
// as a local temporary entry and dodge durable-id dedup.
func (m *Message) validate() error {
	if m.ID <= 0 {
		return fmt.Errorf("message has invalid id %d", m.ID)
	}
	if m.FromUser.ID <= 0 || m.ToUser.ID <= 0 {
		return fmt.Errorf("message %d has invalid participants %d -> %d", m.ID, m.FromUser.ID, m.ToUser.ID)
	}
	if m.Content == "" {
		return fmt.Errorf("message %d has empty content", m.ID)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("message %d has no createdAt", m.ID)
	}
	return nil
}

// ============================================================================
// Conversation
// ============================================================================

// LastMessage is the denormalized summary of the most recent message in a
// conversation.
type LastMessage struct {
	ID        int64      `json:"id"`
	FromSelf  bool       `json:"fromSelf"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// Conversation is one entry in the conversation directory. Conversations are
// implicit: they materialize on first fetch or first message event and are
// never explicitly destroyed.
type Conversation struct {
	Peer        UserSnapshot `json:"peer"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount int          `json:"unreadCount"`
}

// ============================================================================
// Paginated responses (REST contract)
// ============================================================================

// ConversationPage is the paginated response of the conversations endpoint.
type ConversationPage struct {
	Data       []Conversation `json:"data"`
	TotalItems int            `json:"totalItems"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int            `json:"totalPages"`
}

// MessagePage is the paginated response of the conversation history endpoint.
type MessagePage struct {
	Data       []Message `json:"data"`
	TotalItems int       `json:"totalItems"`
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	TotalPages int       `json:"totalPages"`
}
