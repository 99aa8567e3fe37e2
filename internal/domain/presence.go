package domain

import (
	"time"

	"github.com/google/uuid"
)

// Presence represents a known member's online status.
// Records are created on the first presence event for a user and are only
// marked offline afterwards, never deleted.
type Presence struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	IsOnline    bool      `json:"is_online"`
	LastSeen    time.Time `json:"last_seen"`
	// Stale is set while the connection is down; the next snapshot clears it
	Stale bool `json:"stale,omitempty"`
}
