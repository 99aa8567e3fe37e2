// Package presence maintains the set of currently-online members from
// snapshots and join/leave deltas. Snapshots received after a reconnect are
// authoritative and resolve whatever drift accumulated while the connection
// was down.
package presence

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mentorhub-realtime/internal/dispatch"
	"mentorhub-realtime/internal/domain"
	"mentorhub-realtime/internal/wire"
	"mentorhub-realtime/pkg/metrics"
)

// Delta describes one member joining or leaving
type Delta struct {
	User   domain.Presence `json:"user"`
	Joined bool            `json:"joined"`
}

// record wraps a presence entry with snapshot accounting
type record struct {
	presence domain.Presence
	// missedSnapshots counts consecutive snapshots the user was absent
	// from; two in a row evicts the record
	missedSnapshots int
}

// Tracker owns all member presence records. It is fed by the client's event
// router and publishes snapshot/delta notifications through the dispatcher.
type Tracker struct {
	mu         sync.Mutex
	records    map[uuid.UUID]*record
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger
}

// NewTracker creates a presence tracker
func NewTracker(dispatcher *dispatch.Dispatcher, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{
		records:    make(map[uuid.UUID]*record),
		dispatcher: dispatcher,
		log:        log,
	}
}

// IsOnline reports whether the user is currently tracked as online
func (t *Tracker) IsOnline(userID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	return ok && rec.presence.IsOnline
}

// Snapshot returns a copy of every known presence record
func (t *Tracker) Snapshot() []domain.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Presence, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec.presence)
	}
	return out
}

// OnlineCount returns the number of members tracked as online
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rec := range t.records {
		if rec.presence.IsOnline {
			n++
		}
	}
	return n
}

// ApplySnapshot wholesale-replaces the online set. Users absent from the
// snapshot are marked offline; absent from two consecutive snapshots they
// are removed. Staleness from a reconnect is cleared.
func (t *Tracker) ApplySnapshot(snap *wire.PresenceSnapshot, eventID string) {
	t.mu.Lock()
	inSnapshot := make(map[uuid.UUID]bool, len(snap.Users))
	for _, user := range snap.Users {
		inSnapshot[user.UserID] = true
		rec, ok := t.records[user.UserID]
		if !ok {
			rec = &record{}
			t.records[user.UserID] = rec
		}
		rec.presence = domain.Presence{
			UserID:      user.UserID,
			DisplayName: user.DisplayName,
			IsOnline:    true,
			LastSeen:    user.LastSeen,
		}
		rec.missedSnapshots = 0
	}

	for id, rec := range t.records {
		if inSnapshot[id] {
			continue
		}
		rec.missedSnapshots++
		if rec.missedSnapshots >= 2 {
			delete(t.records, id)
			continue
		}
		rec.presence.IsOnline = false
		rec.presence.Stale = false
	}

	online := 0
	for _, rec := range t.records {
		if rec.presence.IsOnline {
			online++
		}
	}
	users := t.snapshotLocked()
	t.mu.Unlock()

	metrics.PresenceOnlineUsers.Set(float64(online))
	t.log.Debug("presence snapshot applied",
		zap.Int("online", online), zap.Int("known", len(users)))
	t.dispatcher.Publish(dispatch.KindPresenceSnapshot, users, eventID)
}

// ApplyJoin applies an incremental join delta
func (t *Tracker) ApplyJoin(join *wire.PresenceJoin, eventID string) {
	t.mu.Lock()
	rec, ok := t.records[join.UserID]
	if !ok {
		rec = &record{}
		t.records[join.UserID] = rec
	}
	name := join.DisplayName
	if name == "" {
		name = rec.presence.DisplayName
	}
	rec.presence = domain.Presence{
		UserID:      join.UserID,
		DisplayName: name,
		IsOnline:    true,
		LastSeen:    join.At,
	}
	user := rec.presence
	online := t.onlineLocked()
	t.mu.Unlock()

	metrics.PresenceOnlineUsers.Set(float64(online))
	t.dispatcher.Publish(dispatch.KindPresenceDelta, Delta{User: user, Joined: true}, eventID)
}

// ApplyLeave applies an incremental leave delta. Records are never deleted
// here, only marked offline with the last-seen time.
func (t *Tracker) ApplyLeave(leave *wire.PresenceLeave, eventID string) {
	t.mu.Lock()
	rec, ok := t.records[leave.UserID]
	if !ok {
		t.mu.Unlock()
		return
	}
	rec.presence.IsOnline = false
	if leave.At.After(rec.presence.LastSeen) {
		rec.presence.LastSeen = leave.At
	}
	user := rec.presence
	online := t.onlineLocked()
	t.mu.Unlock()

	metrics.PresenceOnlineUsers.Set(float64(online))
	t.dispatcher.Publish(dispatch.KindPresenceDelta, Delta{User: user, Joined: false}, eventID)
}

// MarkStale flags every record while the connection is down. Entries stay
// visible so the UI can show "reconnecting" rather than everyone dropping
// offline; the next snapshot overwrites staleness.
func (t *Tracker) MarkStale() {
	t.mu.Lock()
	for _, rec := range t.records {
		rec.presence.Stale = true
	}
	t.mu.Unlock()
}

// DisplayName returns the known display name for a user, if any
func (t *Tracker) DisplayName(userID uuid.UUID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		return rec.presence.DisplayName
	}
	return ""
}

// ResolveMentions maps @name tokens in content to known user ids
func (t *Tracker) ResolveMentions(content string) []uuid.UUID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var mentions []uuid.UUID
	for id, rec := range t.records {
		name := rec.presence.DisplayName
		if name == "" {
			continue
		}
		if containsMention(content, name) {
			mentions = append(mentions, id)
		}
	}
	return mentions
}

func (t *Tracker) snapshotLocked() []domain.Presence {
	out := make([]domain.Presence, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec.presence)
	}
	return out
}

func (t *Tracker) onlineLocked() int {
	n := 0
	for _, rec := range t.records {
		if rec.presence.IsOnline {
			n++
		}
	}
	return n
}

func containsMention(content, name string) bool {
	token := "@" + name
	for i := 0; i+len(token) <= len(content); i++ {
		if content[i:i+len(token)] != token {
			continue
		}
		// token must end at a word boundary
		end := i + len(token)
		if end == len(content) || content[end] == ' ' || content[end] == ',' ||
			content[end] == '.' || content[end] == '!' || content[end] == '?' {
			return true
		}
	}
	return false
}

// LastSeen reports the last-seen time for a user, or zero time if unknown
func (t *Tracker) LastSeen(userID uuid.UUID) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[userID]; ok {
		return rec.presence.LastSeen
	}
	return time.Time{}
}
