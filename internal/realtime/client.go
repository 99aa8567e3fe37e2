// Package realtime assembles the realtime core: one connection manager, the
// presence tracker, the message synchronization engine, the call state
// machine and the event dispatcher, wired behind a single explicitly-owned
// Client. Construct it, Connect it, and Close it; nothing here is a global.
package realtime

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mentorhub-realtime/internal/call"
	"mentorhub-realtime/internal/chat"
	"mentorhub-realtime/internal/dispatch"
	"mentorhub-realtime/internal/domain"
	"mentorhub-realtime/internal/presence"
	"mentorhub-realtime/internal/transport"
	"mentorhub-realtime/internal/wire"
	"mentorhub-realtime/pkg/config"
)

// Options carries the injectable collaborators; zero values select
// production defaults
type Options struct {
	// Dialer overrides the WebSocket dialer (tests use fakes)
	Dialer transport.Dialer
	// Media overrides the media provider
	Media call.MediaProvider
	// Logger overrides the component logger
	Logger *zap.Logger
}

// Client is the realtime core facade
type Client struct {
	cfg        *config.Config
	log        *zap.Logger
	dispatcher *dispatch.Dispatcher
	manager    *transport.Manager
	tracker    *presence.Tracker
	engine     *chat.Engine
	calls      *call.Machine

	mu     sync.Mutex
	closed bool
}

// New constructs and wires a client
func New(cfg *config.Config, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	dispatcher := dispatch.NewDispatcher(0, log.Named("dispatch"))
	manager := transport.NewManager(cfg.Realtime, cfg.BackoffPolicy(), opts.Dialer, log.Named("transport"))
	tracker := presence.NewTracker(dispatcher, log.Named("presence"))
	engine := chat.NewEngine(manager, dispatcher, tracker, cfg.Realtime.SendTimeout, log.Named("chat"))
	calls := call.NewMachine(manager, tracker, opts.Media, dispatcher, log.Named("call"))

	c := &Client{
		cfg:        cfg,
		log:        log,
		dispatcher: dispatcher,
		manager:    manager,
		tracker:    tracker,
		engine:     engine,
		calls:      calls,
	}

	manager.OnEvent(c.route)
	manager.OnStateChange(c.onConnectionState)

	return c
}

// Connect opens the connection under the given identity
func (c *Client) Connect(ctx context.Context, identity domain.Identity) error {
	c.mu.Lock()
	c.closed = false
	c.mu.Unlock()

	c.engine.SetIdentity(identity)
	c.calls.SetIdentity(identity)
	return c.manager.Connect(ctx, identity)
}

// Close disposes the client: the active call is torn down, confirmation
// timers stop, and the connection closes. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.calls.State() != domain.CallStateIdle {
		c.calls.HangUp()
	}
	c.engine.Stop()
	c.manager.Disconnect()
}

// ConnectionState returns the transport state
func (c *Client) ConnectionState() transport.State {
	return c.manager.State()
}

// OnConnectionStateChange registers a state transition callback
func (c *Client) OnConnectionStateChange(cb func(transport.State)) func() {
	return c.dispatcher.Subscribe(dispatch.KindConnectionState, func(payload any) {
		if s, ok := payload.(transport.State); ok {
			cb(s)
		}
	})
}

// Presence surface

// IsOnline reports whether a member is currently online
func (c *Client) IsOnline(userID uuid.UUID) bool {
	return c.tracker.IsOnline(userID)
}

// Presence returns all known presence records
func (c *Client) Presence() []domain.Presence {
	return c.tracker.Snapshot()
}

// OnPresenceSnapshot registers a callback for authoritative snapshots
func (c *Client) OnPresenceSnapshot(cb func([]domain.Presence)) func() {
	return c.dispatcher.Subscribe(dispatch.KindPresenceSnapshot, func(payload any) {
		if users, ok := payload.([]domain.Presence); ok {
			cb(users)
		}
	})
}

// OnPresenceDelta registers a callback for join/leave deltas
func (c *Client) OnPresenceDelta(cb func(presence.Delta)) func() {
	return c.dispatcher.Subscribe(dispatch.KindPresenceDelta, func(payload any) {
		if delta, ok := payload.(presence.Delta); ok {
			cb(delta)
		}
	})
}

// Message surface

// SendMessage appends an optimistic provisional message and emits the send
// command; the returned id tracks the entry until confirmation
func (c *Client) SendMessage(scope domain.Scope, content string, msgType domain.MessageType) (uuid.UUID, error) {
	return c.engine.Send(scope, content, msgType)
}

// RetryMessage re-sends a failed provisional message
func (c *Client) RetryMessage(provisionalID uuid.UUID) error {
	return c.engine.Retry(provisionalID)
}

// DiscardMessage drops a failed provisional message
func (c *Client) DiscardMessage(provisionalID uuid.UUID) error {
	return c.engine.Discard(provisionalID)
}

// React adds the local member's reaction to a message
func (c *Client) React(messageID uuid.UUID, emoji string) error {
	return c.engine.React(messageID, emoji)
}

// Unreact removes the local member's reaction from a message
func (c *Client) Unreact(messageID uuid.UUID, emoji string) error {
	return c.engine.Unreact(messageID, emoji)
}

// Pin sets a message's pinned flag
func (c *Client) Pin(messageID uuid.UUID, pinned bool) error {
	return c.engine.Pin(messageID, pinned)
}

// Messages returns the ordered log for a scope
func (c *Client) Messages(scope domain.Scope) []*domain.Message {
	return c.engine.Messages(scope)
}

// SubscribeMessages registers a callback for message changes in a scope
func (c *Client) SubscribeMessages(scope domain.Scope, cb func(chat.Update)) func() {
	return c.engine.Subscribe(scope, cb)
}

// CreateThread creates a discussion thread
func (c *Client) CreateThread(title, topic string, tags []string) (uuid.UUID, error) {
	return c.engine.CreateThread(title, topic, tags)
}

// Threads returns all known threads
func (c *Client) Threads() []*domain.Thread {
	return c.engine.Threads()
}

// SubscribeThreads registers a callback for thread changes
func (c *Client) SubscribeThreads(cb func(*domain.Thread)) func() {
	return c.engine.SubscribeThreads(cb)
}

// Call surface

// PlaceCall starts an outgoing call to an online member
func (c *Client) PlaceCall(ctx context.Context, target uuid.UUID, kind domain.CallKind) (uuid.UUID, error) {
	return c.calls.PlaceCall(ctx, target, kind)
}

// AcceptCall answers the ringing incoming call
func (c *Client) AcceptCall(ctx context.Context) error {
	return c.calls.AcceptCall(ctx)
}

// RejectCall declines or cancels the ringing call
func (c *Client) RejectCall() error {
	return c.calls.RejectCall()
}

// HangUp ends the current call
func (c *Client) HangUp() error {
	return c.calls.HangUp()
}

// CallState returns the call state machine's state
func (c *Client) CallState() domain.CallState {
	return c.calls.State()
}

// CallSession returns a snapshot of the current call, nil when idle
func (c *Client) CallSession() *domain.CallInfo {
	return c.calls.Session()
}

// OnCallStateChange registers a callback for call transitions
func (c *Client) OnCallStateChange(cb func(domain.CallInfo)) func() {
	return c.calls.OnStateChange(cb)
}

// onConnectionState reacts to transport transitions: connected requests a
// fresh snapshot and backlog, anything else marks presence stale and fails
// an in-flight call whose signaling channel just vanished
func (c *Client) onConnectionState(s transport.State) {
	c.dispatcher.Publish(dispatch.KindConnectionState, s, "")

	switch s {
	case transport.StateConnected:
		env, err := wire.NewEnvelope(wire.TypeSyncRequest, wire.SyncRequest{
			Backlog: c.cfg.Realtime.BacklogLimit,
		})
		if err == nil {
			err = c.manager.Send(env)
		}
		if err != nil {
			c.log.Warn("sync request failed", zap.Error(err))
		}
	case transport.StateReconnecting, transport.StateDisconnected:
		c.tracker.MarkStale()
		if c.calls.State() != domain.CallStateIdle {
			c.calls.Fail("transport")
		}
	}
}

// route fans one decoded inbound envelope out to its owning component
func (c *Client) route(env *wire.Envelope) {
	payload, err := env.DecodePayload()
	if err != nil {
		c.log.Warn("dropping unroutable event", zap.String("type", env.Type), zap.Error(err))
		return
	}

	switch env.Type {
	case wire.TypeHelloAck:
		// handshake duplicates after a flush; nothing to do

	case wire.TypeMessageCreated:
		c.engine.HandleCreated(payload.(*wire.MessageCreated), env.EventID)
	case wire.TypeMessageEdited:
		c.engine.HandleEdited(payload.(*wire.MessageEdited), env.EventID)
	case wire.TypeMessagePinned:
		c.engine.HandlePinned(payload.(*wire.MessagePinned), env.EventID)
	case wire.TypeReactionAdd:
		c.engine.HandleReaction(true, payload.(*wire.Reaction), env.EventID)
	case wire.TypeReactionRemove:
		c.engine.HandleReaction(false, payload.(*wire.Reaction), env.EventID)
	case wire.TypeThreadCreated:
		c.engine.HandleThreadCreated(payload.(*wire.ThreadCreated), env.EventID)

	case wire.TypePresenceSnapshot:
		c.tracker.ApplySnapshot(payload.(*wire.PresenceSnapshot), env.EventID)
	case wire.TypePresenceJoin:
		c.tracker.ApplyJoin(payload.(*wire.PresenceJoin), env.EventID)
	case wire.TypePresenceLeave:
		c.tracker.ApplyLeave(payload.(*wire.PresenceLeave), env.EventID)

	case wire.TypeCallInvite:
		c.calls.HandleInvite(payload.(*wire.CallSignal), env.EventID)
	case wire.TypeCallAccept:
		c.calls.HandleAccept(payload.(*wire.CallSignal), env.EventID)
	case wire.TypeCallReject:
		c.calls.HandleReject(payload.(*wire.CallSignal), env.EventID)
	case wire.TypeCallOffer:
		c.calls.HandleOffer(payload.(*wire.CallSignal), env.EventID)
	case wire.TypeCallAnswer:
		c.calls.HandleAnswer(payload.(*wire.CallSignal), env.EventID)
	case wire.TypeCallCandidate:
		c.calls.HandleCandidate(payload.(*wire.CallSignal), env.EventID)
	case wire.TypeCallEnd:
		c.calls.HandleEnd(payload.(*wire.CallSignal), env.EventID)

	default:
		c.log.Debug("unhandled event", zap.String("type", env.Type))
	}
}
