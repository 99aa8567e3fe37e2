package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPublish_DeliversToAllSubscribers tests basic fan-out
func TestPublish_DeliversToAllSubscribers(t *testing.T) {
	d := NewDispatcher(0, nil)

	var first, second []any
	d.Subscribe(KindMessage, func(p any) { first = append(first, p) })
	d.Subscribe(KindMessage, func(p any) { second = append(second, p) })

	d.Publish(KindMessage, "hello", "")

	assert.Equal(t, []any{"hello"}, first)
	assert.Equal(t, []any{"hello"}, second)
}

// TestPublish_KindIsolation tests that subscribers only see their own kind
func TestPublish_KindIsolation(t *testing.T) {
	d := NewDispatcher(0, nil)

	var got []any
	d.Subscribe(KindMessage, func(p any) { got = append(got, p) })

	d.Publish(KindThread, "thread", "")
	d.Publish(KindMessage, "message", "")

	assert.Equal(t, []any{"message"}, got)
}

// TestPublish_DeduplicatesByEventID tests at-most-once delivery per event id
func TestPublish_DeduplicatesByEventID(t *testing.T) {
	d := NewDispatcher(0, nil)

	count := 0
	d.Subscribe(KindMessage, func(any) { count++ })

	d.Publish(KindMessage, "a", "evt-1")
	d.Publish(KindMessage, "a", "evt-1")
	d.Publish(KindMessage, "a", "evt-2")

	assert.Equal(t, 2, count)
}

// TestPublish_EmptyKeyBypassesDedupe tests that keyless events always deliver
func TestPublish_EmptyKeyBypassesDedupe(t *testing.T) {
	d := NewDispatcher(0, nil)

	count := 0
	d.Subscribe(KindMessage, func(any) { count++ })

	d.Publish(KindMessage, "a", "")
	d.Publish(KindMessage, "a", "")

	assert.Equal(t, 2, count)
}

// TestPublish_DedupeIsPerSubscriber tests that a late subscriber is not
// blinded by ids an earlier subscriber already consumed
func TestPublish_DedupeIsPerSubscriber(t *testing.T) {
	d := NewDispatcher(0, nil)

	early := 0
	d.Subscribe(KindMessage, func(any) { early++ })
	d.Publish(KindMessage, "a", "evt-1")

	late := 0
	d.Subscribe(KindMessage, func(any) { late++ })
	d.Publish(KindMessage, "a", "evt-1")

	assert.Equal(t, 1, early)
	assert.Equal(t, 1, late)
}

// TestPublish_SeenCacheEvictsOldest tests the bounded dedupe cache
func TestPublish_SeenCacheEvictsOldest(t *testing.T) {
	d := NewDispatcher(1, nil)

	count := 0
	d.Subscribe(KindMessage, func(any) { count++ })

	d.Publish(KindMessage, "a", "evt-1")
	// evt-2 evicts evt-1 from the single-slot cache
	d.Publish(KindMessage, "a", "evt-2")
	// evt-1 is forgotten, so it delivers again
	d.Publish(KindMessage, "a", "evt-1")

	assert.Equal(t, 3, count)
}

// TestUnsubscribe_StopsDelivery tests that an unsubscribed handler is no
// longer invoked
func TestUnsubscribe_StopsDelivery(t *testing.T) {
	d := NewDispatcher(0, nil)

	count := 0
	unsub := d.Subscribe(KindMessage, func(any) { count++ })

	d.Publish(KindMessage, "a", "")
	unsub()
	d.Publish(KindMessage, "b", "")

	assert.Equal(t, 1, count)
}

// TestUnsubscribe_Twice tests that double unsubscription is harmless
func TestUnsubscribe_Twice(t *testing.T) {
	d := NewDispatcher(0, nil)

	unsub := d.Subscribe(KindMessage, func(any) {})
	unsub()
	assert.NotPanics(t, func() { unsub() })
}

// TestUnsubscribe_FromWithinCallback tests unsubscribing during delivery
func TestUnsubscribe_FromWithinCallback(t *testing.T) {
	d := NewDispatcher(0, nil)

	count := 0
	var unsub func()
	unsub = d.Subscribe(KindMessage, func(any) {
		count++
		unsub()
	})

	assert.NotPanics(t, func() {
		d.Publish(KindMessage, "a", "")
		d.Publish(KindMessage, "b", "")
	})
	assert.Equal(t, 1, count)
}

// TestSubscribe_FromWithinCallback tests subscribing during delivery; the
// new handler takes effect on the next publish
func TestSubscribe_FromWithinCallback(t *testing.T) {
	d := NewDispatcher(0, nil)

	nested := 0
	d.Subscribe(KindMessage, func(any) {
		d.Subscribe(KindThread, func(any) { nested++ })
	})

	d.Publish(KindMessage, "a", "")
	d.Publish(KindThread, "t", "")

	assert.Equal(t, 1, nested)
}
