package domain

import (
	"github.com/google/uuid"
)

// Identity carries the authenticated member attributes stamped onto every
// outbound command. Authentication itself happens upstream; the realtime core
// only attributes actions.
type Identity struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Role        string    `json:"role,omitempty"` // mentor, mentee, admin
}
