// Package dispatch fans inbound events out to interested consumers with
// at-most-once delivery per logical event id. The transport may deliver the
// same event twice across a reconnect; the per-subscriber dedupe cache keeps
// duplicates from reaching callbacks.
package dispatch

import (
	"sync"

	"go.uber.org/zap"

	"mentorhub-realtime/pkg/metrics"
)

// EventKind names a class of events subscribers can register for
type EventKind string

const (
	KindConnectionState  EventKind = "connection.state"
	KindPresenceSnapshot EventKind = "presence.snapshot"
	KindPresenceDelta    EventKind = "presence.delta"
	KindMessage          EventKind = "message"
	KindThread           EventKind = "thread"
	KindCallState        EventKind = "call.state"
)

// Handler receives published payloads
type Handler func(payload any)

// defaultSeenCapacity bounds the per-subscriber recent-ids cache
const defaultSeenCapacity = 512

type subscription struct {
	id      int
	handler Handler
	// bounded recent dedupe keys, ring-evicted
	seen     map[string]bool
	seenRing []string
	seenCap  int
}

func (s *subscription) markSeen(key string) bool {
	if key == "" {
		return true
	}
	if s.seen[key] {
		return false
	}
	if len(s.seenRing) >= s.seenCap {
		oldest := s.seenRing[0]
		s.seenRing = s.seenRing[1:]
		delete(s.seen, oldest)
	}
	s.seen[key] = true
	s.seenRing = append(s.seenRing, key)
	return true
}

// Dispatcher is the subscription registry
type Dispatcher struct {
	mu      sync.Mutex
	subs    map[EventKind]map[int]*subscription
	nextID  int
	seenCap int
	log     *zap.Logger
}

// NewDispatcher creates a dispatcher. seenCapacity <= 0 selects the default.
func NewDispatcher(seenCapacity int, log *zap.Logger) *Dispatcher {
	if seenCapacity <= 0 {
		seenCapacity = defaultSeenCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		subs:    make(map[EventKind]map[int]*subscription),
		seenCap: seenCapacity,
		log:     log,
	}
}

// Subscribe registers a handler for an event kind. The returned unsubscribe
// func is safe to call multiple times and from within a callback.
func (d *Dispatcher) Subscribe(kind EventKind, h Handler) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	if d.subs[kind] == nil {
		d.subs[kind] = make(map[int]*subscription)
	}
	d.subs[kind][id] = &subscription{
		id:      id,
		handler: h,
		seen:    make(map[string]bool),
		seenCap: d.seenCap,
	}
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs[kind], id)
		d.mu.Unlock()
	}
}

// Publish delivers the payload to every subscriber of the kind, at most
// once per dedupeKey per subscriber. An empty key bypasses deduplication.
// Handlers run synchronously, in registration order, outside the registry
// lock so they may subscribe or unsubscribe freely.
func (d *Dispatcher) Publish(kind EventKind, payload any, dedupeKey string) {
	d.mu.Lock()
	targets := make([]*subscription, 0, len(d.subs[kind]))
	for _, sub := range d.subs[kind] {
		if sub.markSeen(dedupeKey) {
			targets = append(targets, sub)
		} else {
			metrics.EventsDedupedTotal.Inc()
			d.log.Debug("duplicate event filtered",
				zap.String("kind", string(kind)), zap.String("event_id", dedupeKey))
		}
	}
	d.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(kind)).Inc()

	// Stable order keeps interleaved callbacks deterministic
	for i := 0; i < len(targets); i++ {
		for j := i + 1; j < len(targets); j++ {
			if targets[j].id < targets[i].id {
				targets[i], targets[j] = targets[j], targets[i]
			}
		}
	}
	for _, sub := range targets {
		// A handler unsubscribed mid-publish still gets this delivery;
		// removal takes effect for the next publish
		sub.handler(payload)
	}
}
