package domain

import (
	"time"

	"github.com/google/uuid"
)

// Thread represents a discussion thread.
// LastActivity and MessageCount are derived, monotonic, and updated only in
// response to confirmed messages in the thread.
type Thread struct {
	ID           uuid.UUID `json:"id"`
	Title        string    `json:"title"`
	Topic        string    `json:"topic,omitempty"`
	CreatedBy    uuid.UUID `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Tags         []string  `json:"tags,omitempty"`
}

// Touch records a confirmed message in the thread, keeping the derived
// fields monotonic regardless of arrival order.
func (t *Thread) Touch(at time.Time) {
	t.MessageCount++
	if at.After(t.LastActivity) {
		t.LastActivity = at
	}
}

// Clone returns a copy safe to hand to subscribers
func (t *Thread) Clone() *Thread {
	out := *t
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	return &out
}
