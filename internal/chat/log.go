package chat

import (
	"sort"

	"github.com/google/uuid"

	"mentorhub-realtime/internal/domain"
)

// scopeLog holds the ordered, deduplicated message log for one scope.
// Entries are kept sorted by (createdAt, id); insertion is idempotent on the
// backend-assigned id. Callers hold the engine lock.
type scopeLog struct {
	entries []*domain.Message
}

// insert places the message at its ordered position. Returns false if a
// message with the same backend id is already present.
func (l *scopeLog) insert(msg *domain.Message) bool {
	if msg.ID != uuid.Nil && l.byServerID(msg.ID) != nil {
		return false
	}
	idx := sort.Search(len(l.entries), func(i int) bool {
		return msg.Before(l.entries[i])
	})
	l.entries = append(l.entries, nil)
	copy(l.entries[idx+1:], l.entries[idx:])
	l.entries[idx] = msg
	return true
}

// byServerID finds a confirmed message by its backend id
func (l *scopeLog) byServerID(id uuid.UUID) *domain.Message {
	for _, msg := range l.entries {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// byProvisionalID finds a locally-created message by its provisional id,
// whether still pending, already failed, or since confirmed
func (l *scopeLog) byProvisionalID(id uuid.UUID) *domain.Message {
	for _, msg := range l.entries {
		if msg.ProvisionalID == id {
			return msg
		}
	}
	return nil
}

// remove drops the message with the given provisional id
func (l *scopeLog) remove(provisionalID uuid.UUID) bool {
	for i, msg := range l.entries {
		if msg.ProvisionalID == provisionalID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// resort restores the (createdAt, id) order after a confirmation rewrote an
// entry's timestamp. Stable, so equal keys keep their relative position.
func (l *scopeLog) resort() {
	sort.SliceStable(l.entries, func(i, j int) bool {
		return l.entries[i].Before(l.entries[j])
	})
}

// list returns deep copies of all entries in display order
func (l *scopeLog) list() []*domain.Message {
	out := make([]*domain.Message, len(l.entries))
	for i, msg := range l.entries {
		out[i] = msg.Clone()
	}
	return out
}
