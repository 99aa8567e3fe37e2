// Package wire defines the logical wire events exchanged with the realtime
// backend. Every frame is an Envelope tagging one of a closed set of payload
// kinds, so handling stays exhaustive and loosely-typed frames never leak
// past the decode boundary.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mentorhub-realtime/internal/domain"
)

// Event type tags
const (
	TypeHello       = "hello"
	TypeHelloAck    = "hello.ack"
	TypeSyncRequest = "sync.request"

	TypeMessageSend    = "message.send"
	TypeMessageCreated = "message.created"
	TypeMessageEdited  = "message.edited"
	TypeMessagePinned  = "message.pinned"
	TypeReactionAdd    = "reaction.add"
	TypeReactionRemove = "reaction.remove"

	TypeThreadCreate  = "thread.create"
	TypeThreadCreated = "thread.created"

	TypePresenceSnapshot = "presence.snapshot"
	TypePresenceJoin     = "presence.join"
	TypePresenceLeave    = "presence.leave"

	TypeCallInvite    = "call.invite"
	TypeCallAccept    = "call.accept"
	TypeCallReject    = "call.reject"
	TypeCallOffer     = "call.offer"
	TypeCallAnswer    = "call.answer"
	TypeCallCandidate = "call.candidate"
	TypeCallEnd       = "call.end"
)

// Envelope is the frame format for all realtime traffic.
// EventID is the logical event id used for at-most-once delivery; the
// backend assigns it for inbound events, the client stamps one on commands.
type Envelope struct {
	Type    string          `json:"type"`
	EventID string          `json:"event_id"`
	Sender  uuid.UUID       `json:"sender_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hello opens the connection, attributing the client
type Hello struct {
	Identity domain.Identity `json:"identity"`
}

// HelloAck confirms the handshake
type HelloAck struct {
	UserID     uuid.UUID `json:"user_id"`
	ServerTime time.Time `json:"server_time"`
}

// SyncRequest asks for the presence snapshot and a bounded message backlog
// per scope, issued after every transition to connected
type SyncRequest struct {
	Backlog int `json:"backlog"`
}

// MessageSend is the client command carrying a provisional message.
// CorrelationToken matches the eventual MessageCreated confirmation.
type MessageSend struct {
	Scope            domain.Scope       `json:"scope"`
	Content          string             `json:"content"`
	Type             domain.MessageType `json:"message_type"`
	CorrelationToken uuid.UUID          `json:"correlation_token"`
	Mentions         []uuid.UUID        `json:"mentions,omitempty"`
}

// MessageCreated is the backend's authoritative message event, both for
// confirmations of local sends (CorrelationToken set) and messages from
// other members
type MessageCreated struct {
	ID               uuid.UUID          `json:"id"`
	Scope            domain.Scope       `json:"scope"`
	AuthorID         uuid.UUID          `json:"author_id"`
	AuthorName       string             `json:"author_name,omitempty"`
	Content          string             `json:"content"`
	Type             domain.MessageType `json:"message_type"`
	CreatedAt        time.Time          `json:"created_at"`
	CorrelationToken uuid.UUID          `json:"correlation_token,omitempty"`
	Mentions         []uuid.UUID        `json:"mentions,omitempty"`
}

// MessageEdited patches a message's content
type MessageEdited struct {
	ID       uuid.UUID `json:"id"`
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

// MessagePinned patches a message's pinned flag
type MessagePinned struct {
	ID     uuid.UUID `json:"id"`
	Pinned bool      `json:"pinned"`
	UserID uuid.UUID `json:"user_id,omitempty"`
}

// Reaction is the payload for both reaction.add and reaction.remove.
// Reactions are idempotent sets keyed by (message, emoji, user).
type Reaction struct {
	MessageID uuid.UUID `json:"message_id"`
	Emoji     string    `json:"emoji"`
	UserID    uuid.UUID `json:"user_id"`
}

// ThreadCreate is the client command creating a thread
type ThreadCreate struct {
	Title            string    `json:"title"`
	Topic            string    `json:"topic,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	CorrelationToken uuid.UUID `json:"correlation_token"`
}

// ThreadCreated is the backend's thread confirmation
type ThreadCreated struct {
	ID               uuid.UUID `json:"id"`
	Title            string    `json:"title"`
	Topic            string    `json:"topic,omitempty"`
	Tags             []string  `json:"tags,omitempty"`
	CreatedBy        uuid.UUID `json:"created_by"`
	CreatedAt        time.Time `json:"created_at"`
	CorrelationToken uuid.UUID `json:"correlation_token,omitempty"`
}

// PresenceEntry is one member in a presence snapshot
type PresenceEntry struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	LastSeen    time.Time `json:"last_seen"`
}

// PresenceSnapshot is the full, authoritative replacement of the online set
type PresenceSnapshot struct {
	Users []PresenceEntry `json:"users"`
}

// PresenceJoin announces a member coming online
type PresenceJoin struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	At          time.Time `json:"at"`
}

// PresenceLeave announces a member going offline
type PresenceLeave struct {
	UserID uuid.UUID `json:"user_id"`
	At     time.Time `json:"at"`
}

// CallSignal is the payload shared by all call signaling events.
// SDP carries offers/answers, Candidate carries ICE connectivity candidates,
// Reason explains rejections ("busy", "declined").
type CallSignal struct {
	CallID     uuid.UUID       `json:"call_id"`
	FromUserID uuid.UUID       `json:"from_user_id"`
	FromName   string          `json:"from_name,omitempty"`
	ToUserID   uuid.UUID       `json:"to_user_id"`
	Kind       domain.CallKind `json:"kind,omitempty"`
	SDP        string          `json:"sdp,omitempty"`
	Candidate  map[string]any  `json:"candidate,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// NewEnvelope builds a client command envelope, stamping a fresh event id
func NewEnvelope(eventType string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return &Envelope{
		Type:    eventType,
		EventID: uuid.NewString(),
		Payload: raw,
	}, nil
}

// Marshal serializes the envelope for the socket
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a raw frame into an envelope
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}
	return &env, nil
}

// DecodePayload parses the envelope's payload into its typed struct.
// Unknown types return an error so callers can skip them without guessing
// at shapes.
func (e *Envelope) DecodePayload() (any, error) {
	var (
		payload any
	)
	switch e.Type {
	case TypeHello:
		payload = &Hello{}
	case TypeHelloAck:
		payload = &HelloAck{}
	case TypeSyncRequest:
		payload = &SyncRequest{}
	case TypeMessageSend:
		payload = &MessageSend{}
	case TypeMessageCreated:
		payload = &MessageCreated{}
	case TypeMessageEdited:
		payload = &MessageEdited{}
	case TypeMessagePinned:
		payload = &MessagePinned{}
	case TypeReactionAdd, TypeReactionRemove:
		payload = &Reaction{}
	case TypeThreadCreate:
		payload = &ThreadCreate{}
	case TypeThreadCreated:
		payload = &ThreadCreated{}
	case TypePresenceSnapshot:
		payload = &PresenceSnapshot{}
	case TypePresenceJoin:
		payload = &PresenceJoin{}
	case TypePresenceLeave:
		payload = &PresenceLeave{}
	case TypeCallInvite, TypeCallAccept, TypeCallReject,
		TypeCallOffer, TypeCallAnswer, TypeCallCandidate, TypeCallEnd:
		payload = &CallSignal{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}

	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
	}
	return payload, nil
}
