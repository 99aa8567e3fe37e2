package domain

import (
	"github.com/google/uuid"
)

// CallKind enumerates call media kinds
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// CallDirection indicates who initiated the call
type CallDirection string

const (
	CallOutgoing CallDirection = "outgoing"
	CallIncoming CallDirection = "incoming"
)

// CallState enumerates the call signaling states
type CallState string

const (
	CallStateIdle            CallState = "idle"
	CallStateOutgoingRinging CallState = "outgoing-ringing"
	CallStateIncomingRinging CallState = "incoming-ringing"
	CallStateNegotiating     CallState = "negotiating"
	CallStateActive          CallState = "active"
	CallStateEnding          CallState = "ending"
)

// CallInfo is a snapshot of the current call session handed to subscribers.
// Media streams stay inside the state machine, which exclusively owns them.
type CallInfo struct {
	CallID       uuid.UUID     `json:"call_id"`
	LocalUserID  uuid.UUID     `json:"local_user_id"`
	RemoteUserID uuid.UUID     `json:"remote_user_id"`
	RemoteName   string        `json:"remote_name"`
	Direction    CallDirection `json:"direction"`
	Kind         CallKind      `json:"kind"`
	State        CallState     `json:"state"`
	// Reason explains the most recent transition to idle ("hangup",
	// "rejected", "busy", "error", "remote-ended")
	Reason string `json:"reason,omitempty"`
}
