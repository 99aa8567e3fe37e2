package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mentorhub-realtime/internal/domain"
	"mentorhub-realtime/internal/presence"
	"mentorhub-realtime/internal/transport"
	"mentorhub-realtime/internal/wire"
	"mentorhub-realtime/pkg/config"
)

type fakeSocket struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket(t *testing.T) *fakeSocket {
	t.Helper()
	s := &fakeSocket{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
	s.feed(t, wire.TypeHelloAck, wire.HelloAck{ServerTime: time.Now()})
	return s
}

func (s *fakeSocket) feed(t *testing.T, eventType string, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(eventType, payload)
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)
	s.inbound <- data
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.closed:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, data)
	return nil
}

func (s *fakeSocket) Ping() error { return nil }

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) writtenTypes(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.writes))
	for _, data := range s.writes {
		env, err := wire.Decode(data)
		require.NoError(t, err)
		types = append(types, env.Type)
	}
	return types
}

type fakeDialer struct {
	mu      sync.Mutex
	sockets []*fakeSocket
}

func (d *fakeDialer) DialContext(context.Context, string) (transport.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		return nil, errors.New("backend unavailable")
	}
	sock := d.sockets[0]
	d.sockets = d.sockets[1:]
	return sock, nil
}

func (d *fakeDialer) queue(socks ...*fakeSocket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sockets = append(d.sockets, socks...)
}

func testClientConfig() *config.Config {
	return &config.Config{
		Realtime: config.RealtimeConfig{
			URL:              "ws://test",
			HandshakeTimeout: time.Second,
			SendTimeout:      time.Minute,
			QueueCapacity:    16,
			BacklogLimit:     25,
		},
		Backoff: config.BackoffConfig{
			Base:       time.Millisecond,
			Multiplier: 1,
			Max:        5 * time.Millisecond,
		},
	}
}

func newTestClient(t *testing.T) (*Client, *fakeSocket, *fakeDialer) {
	t.Helper()
	sock := newFakeSocket(t)
	dialer := &fakeDialer{}
	dialer.queue(sock)

	client := New(testClientConfig(), Options{Dialer: dialer})
	t.Cleanup(client.Close)

	err := client.Connect(context.Background(), domain.Identity{
		UserID:      uuid.New(),
		DisplayName: "local",
		Role:        "mentee",
	})
	require.NoError(t, err)
	return client, sock, dialer
}

// TestConnect_RequestsSync tests that every transition to connected issues a
// sync request with the configured backlog limit
func TestConnect_RequestsSync(t *testing.T) {
	_, sock, _ := newTestClient(t)

	types := sock.writtenTypes(t)
	require.Len(t, types, 2)
	assert.Equal(t, wire.TypeHello, types[0])
	assert.Equal(t, wire.TypeSyncRequest, types[1])

	sock.mu.Lock()
	env, err := wire.Decode(sock.writes[1])
	sock.mu.Unlock()
	require.NoError(t, err)
	payload, err := env.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, 25, payload.(*wire.SyncRequest).Backlog)
}

// TestInboundPresence_UpdatesTracker tests routing of presence events
func TestInboundPresence_UpdatesTracker(t *testing.T) {
	client, sock, _ := newTestClient(t)

	alice := uuid.New()
	var mu sync.Mutex
	var deltas []presence.Delta
	client.OnPresenceDelta(func(d presence.Delta) {
		mu.Lock()
		deltas = append(deltas, d)
		mu.Unlock()
	})

	sock.feed(t, wire.TypePresenceJoin, wire.PresenceJoin{
		UserID: alice, DisplayName: "Alice", At: time.Now(),
	})

	assert.Eventually(t, func() bool {
		return client.IsOnline(alice)
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, deltas, 1)
	assert.True(t, deltas[0].Joined)
	assert.Equal(t, "Alice", deltas[0].User.DisplayName)
}

// TestInboundMessage_AppearsInLog tests routing of message events
func TestInboundMessage_AppearsInLog(t *testing.T) {
	client, sock, _ := newTestClient(t)

	sock.feed(t, wire.TypeMessageCreated, wire.MessageCreated{
		ID:        uuid.New(),
		Scope:     domain.GlobalScope,
		AuthorID:  uuid.New(),
		Content:   "welcome",
		Type:      domain.MessageTypeText,
		CreatedAt: time.Now(),
	})

	assert.Eventually(t, func() bool {
		return len(client.Messages(domain.GlobalScope)) == 1
	}, time.Second, time.Millisecond)

	msgs := client.Messages(domain.GlobalScope)
	assert.Equal(t, "welcome", msgs[0].Content)
	assert.Equal(t, domain.DeliveryConfirmed, msgs[0].Delivery)
}

// TestSendMessage_RoundTrip tests the full optimistic send and confirmation
// cycle through the client surface
func TestSendMessage_RoundTrip(t *testing.T) {
	client, sock, _ := newTestClient(t)

	provID, err := client.SendMessage(domain.GlobalScope, "hi all", domain.MessageTypeText)
	require.NoError(t, err)

	msgs := client.Messages(domain.GlobalScope)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.DeliveryPending, msgs[0].Delivery)

	sock.feed(t, wire.TypeMessageCreated, wire.MessageCreated{
		ID:               uuid.New(),
		Scope:            domain.GlobalScope,
		Content:          "hi all",
		Type:             domain.MessageTypeText,
		CreatedAt:        time.Now(),
		CorrelationToken: provID,
	})

	assert.Eventually(t, func() bool {
		msgs := client.Messages(domain.GlobalScope)
		return len(msgs) == 1 && msgs[0].Delivery == domain.DeliveryConfirmed
	}, time.Second, time.Millisecond)
}

// TestInboundInvite_RingsCallMachine tests routing of call signaling
func TestInboundInvite_RingsCallMachine(t *testing.T) {
	client, sock, _ := newTestClient(t)

	sock.feed(t, wire.TypeCallInvite, wire.CallSignal{
		CallID:     uuid.New(),
		FromUserID: uuid.New(),
		FromName:   "Alice",
		Kind:       domain.CallKindVideo,
	})

	assert.Eventually(t, func() bool {
		return client.CallState() == domain.CallStateIncomingRinging
	}, time.Second, time.Millisecond)
	assert.Equal(t, "Alice", client.CallSession().RemoteName)
}

// TestReconnect_MarksPresenceStaleAndResyncs tests the recovery sequence: a
// dropped socket marks presence stale, and the new connection triggers a
// fresh sync request
func TestReconnect_MarksPresenceStaleAndResyncs(t *testing.T) {
	client, sock, dialer := newTestClient(t)

	alice := uuid.New()
	sock.feed(t, wire.TypePresenceJoin, wire.PresenceJoin{
		UserID: alice, DisplayName: "Alice", At: time.Now(),
	})
	assert.Eventually(t, func() bool {
		return client.IsOnline(alice)
	}, time.Second, time.Millisecond)

	sock.Close()
	assert.Eventually(t, func() bool {
		for _, p := range client.Presence() {
			if p.UserID == alice {
				return p.Stale
			}
		}
		return false
	}, time.Second, time.Millisecond)

	second := newFakeSocket(t)
	dialer.queue(second)

	assert.Eventually(t, func() bool {
		return client.ConnectionState() == transport.StateConnected
	}, time.Second, time.Millisecond)

	assert.Eventually(t, func() bool {
		types := second.writtenTypes(t)
		for _, typ := range types {
			if typ == wire.TypeSyncRequest {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
}

// TestTransportDrop_FailsActiveCall tests that losing the signaling channel
// tears down an in-flight call
func TestTransportDrop_FailsActiveCall(t *testing.T) {
	client, sock, _ := newTestClient(t)

	sock.feed(t, wire.TypeCallInvite, wire.CallSignal{
		CallID:     uuid.New(),
		FromUserID: uuid.New(),
		Kind:       domain.CallKindAudio,
	})
	assert.Eventually(t, func() bool {
		return client.CallState() == domain.CallStateIncomingRinging
	}, time.Second, time.Millisecond)

	sock.Close()

	assert.Eventually(t, func() bool {
		return client.CallState() == domain.CallStateIdle
	}, time.Second, time.Millisecond)
}

// TestDuplicateEvent_DeliveredOnce tests that a replayed event id does not
// re-notify subscribers after a reconnect-style redelivery
func TestDuplicateEvent_DeliveredOnce(t *testing.T) {
	client, sock, _ := newTestClient(t)

	var mu sync.Mutex
	count := 0
	client.OnPresenceDelta(func(presence.Delta) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	env, err := wire.NewEnvelope(wire.TypePresenceJoin, wire.PresenceJoin{
		UserID: uuid.New(), DisplayName: "Alice", At: time.Now(),
	})
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	// Same frame delivered twice, as after a reconnect replay
	sock.inbound <- data
	sock.inbound <- data

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 1
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

// TestClose_Idempotent tests that disposing twice is safe
func TestClose_Idempotent(t *testing.T) {
	client, _, _ := newTestClient(t)

	client.Close()
	assert.Equal(t, transport.StateDisconnected, client.ConnectionState())
	assert.NotPanics(t, client.Close)
}
