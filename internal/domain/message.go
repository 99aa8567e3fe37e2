package domain

import (
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates supported message payload kinds
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeFile   MessageType = "file"
	MessageTypeCode   MessageType = "code"
	MessageTypeSystem MessageType = "system"
)

// DeliveryState tracks a message's progress from optimistic local write to
// server-confirmed fact
type DeliveryState string

const (
	// DeliveryPending means the message exists locally under a provisional id
	// and awaits backend confirmation
	DeliveryPending DeliveryState = "pending"
	// DeliveryConfirmed means the backend assigned the real id
	DeliveryConfirmed DeliveryState = "confirmed"
	// DeliveryFailed means no confirmation arrived within the send timeout;
	// the message stays visible with a retry affordance
	DeliveryFailed DeliveryState = "failed"
)

// Scope identifies the conversation context of a message: the global channel
// (zero ThreadID) or a specific thread.
type Scope struct {
	ThreadID uuid.UUID `json:"thread_id"`
}

// GlobalScope is the platform-wide channel
var GlobalScope = Scope{}

// ThreadScope returns the scope for a thread
func ThreadScope(threadID uuid.UUID) Scope {
	return Scope{ThreadID: threadID}
}

// IsGlobal reports whether the scope is the global channel
func (s Scope) IsGlobal() bool {
	return s.ThreadID == uuid.Nil
}

// String renders the scope for logging
func (s Scope) String() string {
	if s.IsGlobal() {
		return "global"
	}
	return "thread:" + s.ThreadID.String()
}

// Message represents a chat message entity as observed by this client.
// ID is backend-assigned and stays Nil while the message is provisional;
// ProvisionalID is the client-local id used until confirmation.
type Message struct {
	ID            uuid.UUID                   `json:"id"`
	ProvisionalID uuid.UUID                   `json:"provisional_id,omitempty"`
	AuthorID      uuid.UUID                   `json:"author_id"`
	AuthorName    string                      `json:"author_name,omitempty"`
	Content       string                      `json:"content"`
	Type          MessageType                 `json:"type"`
	Scope         Scope                       `json:"scope"`
	CreatedAt     time.Time                   `json:"created_at"`
	EditedAt      *time.Time                  `json:"edited_at,omitempty"`
	IsPinned      bool                        `json:"is_pinned"`
	Delivery      DeliveryState               `json:"delivery"`
	Reactions     map[string]map[uuid.UUID]bool `json:"reactions,omitempty"`
	Mentions      []uuid.UUID                 `json:"mentions,omitempty"`
}

// EffectiveID is the id that orders and identifies the message locally:
// the backend id once confirmed, the provisional id before that.
func (m *Message) EffectiveID() uuid.UUID {
	if m.ID != uuid.Nil {
		return m.ID
	}
	return m.ProvisionalID
}

// Before reports whether m sorts before other under the (createdAt, id)
// total order.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.EffectiveID().String() < other.EffectiveID().String()
}

// AddReaction records userID's reaction with the emoji. Adding an existing
// membership is a no-op; returns true if the set changed.
func (m *Message) AddReaction(emoji string, userID uuid.UUID) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string]map[uuid.UUID]bool)
	}
	if m.Reactions[emoji] == nil {
		m.Reactions[emoji] = make(map[uuid.UUID]bool)
	}
	if m.Reactions[emoji][userID] {
		return false
	}
	m.Reactions[emoji][userID] = true
	return true
}

// RemoveReaction removes userID's reaction. Removing a non-member is a
// no-op; returns true if the set changed.
func (m *Message) RemoveReaction(emoji string, userID uuid.UUID) bool {
	users, ok := m.Reactions[emoji]
	if !ok || !users[userID] {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(m.Reactions, emoji)
	}
	return true
}

// HasReaction reports whether userID reacted with the emoji
func (m *Message) HasReaction(emoji string, userID uuid.UUID) bool {
	return m.Reactions[emoji][userID]
}

// Clone returns a deep copy safe to hand to subscribers
func (m *Message) Clone() *Message {
	out := *m
	if m.EditedAt != nil {
		edited := *m.EditedAt
		out.EditedAt = &edited
	}
	if m.Reactions != nil {
		out.Reactions = make(map[string]map[uuid.UUID]bool, len(m.Reactions))
		for emoji, users := range m.Reactions {
			copied := make(map[uuid.UUID]bool, len(users))
			for id, v := range users {
				copied[id] = v
			}
			out.Reactions[emoji] = copied
		}
	}
	if m.Mentions != nil {
		out.Mentions = append([]uuid.UUID(nil), m.Mentions...)
	}
	return &out
}
