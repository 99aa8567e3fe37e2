// Package transport owns the single logical connection to the realtime
// backend: dialing, the hello handshake, reconnection with backoff, and the
// bounded queue of outbound commands while the link is down. Every other
// component issues commands through the Manager and never opens a second
// connection.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mentorhub-realtime/internal/domain"
	"mentorhub-realtime/internal/wire"
	"mentorhub-realtime/pkg/backoff"
	"mentorhub-realtime/pkg/config"
	apperrors "mentorhub-realtime/pkg/errors"
	"mentorhub-realtime/pkg/metrics"
)

// State represents the connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

func stateValue(s State) float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateConnected:
		return 2
	case StateReconnecting:
		return 3
	default:
		return 0
	}
}

// EventHandler receives every decoded inbound envelope, in arrival order
type EventHandler func(*wire.Envelope)

// StateHandler receives connection state transitions
type StateHandler func(State)

// Manager owns the connection lifecycle. It is the sole writer of
// connected/disconnected facts; consumers observe them via OnStateChange.
type Manager struct {
	url              string
	handshakeTimeout time.Duration
	pingInterval     time.Duration
	dialer           Dialer
	policy           backoff.Policy
	log              *zap.Logger

	mu           sync.Mutex
	state        State
	identity     domain.Identity
	sock         Socket
	gen          int
	queue        *commandQueue
	intentional  bool
	reconnecting bool
	stop         chan struct{}
	stateSubs    map[int]StateHandler
	nextSubID    int
	onEvent      EventHandler
}

// NewManager creates a connection manager. A nil dialer gets the WebSocket
// default.
func NewManager(cfg config.RealtimeConfig, policy backoff.Policy, dialer Dialer, log *zap.Logger) *Manager {
	if dialer == nil {
		dialer = &WSDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			PingInterval:     cfg.PingInterval,
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		url:              cfg.URL,
		handshakeTimeout: cfg.HandshakeTimeout,
		pingInterval:     cfg.PingInterval,
		dialer:           dialer,
		policy:           policy,
		log:              log,
		state:            StateDisconnected,
		queue:            newCommandQueue(cfg.QueueCapacity),
		stateSubs:        make(map[int]StateHandler),
	}
}

// OnEvent sets the single inbound event router. Must be set before Connect.
func (m *Manager) OnEvent(h EventHandler) {
	m.mu.Lock()
	m.onEvent = h
	m.mu.Unlock()
}

// OnStateChange registers a state transition callback and returns an
// unsubscribe func that is safe to call multiple times.
func (m *Manager) OnStateChange(h StateHandler) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.stateSubs[id] = h
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.stateSubs, id)
		m.mu.Unlock()
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns the identity the connection was opened with
func (m *Manager) Identity() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Connect establishes the connection, performing the hello handshake.
// Only valid from disconnected.
func (m *Manager) Connect(ctx context.Context, identity domain.Identity) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return apperrors.ConflictError("already connected or connecting")
	}
	m.identity = identity
	m.intentional = false
	m.stop = make(chan struct{})
	m.mu.Unlock()

	m.setState(StateConnecting)

	sock, err := m.dialAndHandshake(ctx)
	if err != nil {
		metrics.ConnectionDropsTotal.WithLabelValues("handshake").Inc()
		m.setState(StateDisconnected)
		return apperrors.TransportError("connect failed", err)
	}

	if err := m.install(sock); err != nil {
		m.log.Warn("connection dropped during flush", zap.Error(err))
		m.setState(StateReconnecting)
		m.startReconnect()
	}
	return nil
}

// Disconnect closes the connection and stops any reconnect attempt.
// Safe to call at any time, including twice or from within a callback.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	sock := m.sock
	m.sock = nil
	if n := m.queue.len(); n > 0 {
		m.log.Warn("discarding queued commands on disconnect", zap.Int("count", n))
		m.queue.drain()
	}
	m.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	m.setState(StateDisconnected)
}

// Send transmits a command, stamping the sender identity. While the
// connection is down but recovering, the command is queued in FIFO order;
// when fully disconnected a typed transport error is returned. Send never
// panics or surfaces raw socket errors.
func (m *Manager) Send(env *wire.Envelope) error {
	m.mu.Lock()
	if env.Sender == uuid.Nil {
		env.Sender = m.identity.UserID
	}
	data, err := env.Marshal()
	if err != nil {
		m.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrCodeInvalidInput, "marshal command", err)
	}

	state := m.state
	sock := m.sock
	gen := m.gen

	if state == StateConnected && sock != nil {
		m.mu.Unlock()
		if werr := sock.WriteMessage(data); werr != nil {
			// Keep the command for the post-reconnect flush; the engine
			// resolves any duplicate the server may already have accepted.
			m.mu.Lock()
			if m.queue.push(data) {
				metrics.CommandsDroppedTotal.Inc()
			}
			m.mu.Unlock()
			metrics.CommandsQueuedTotal.Inc()
			m.handleDrop(gen, "write_error", werr)
		}
		return nil
	}

	if state == StateDisconnected {
		m.mu.Unlock()
		return apperrors.TransportError("not connected", nil)
	}

	// connecting or reconnecting: queue for the flush
	if m.queue.push(data) {
		metrics.CommandsDroppedTotal.Inc()
		m.log.Warn("outbound queue full, dropped oldest command",
			zap.String("type", env.Type))
	}
	m.mu.Unlock()
	metrics.CommandsQueuedTotal.Inc()
	return nil
}

// dialAndHandshake opens a socket and exchanges hello/hello.ack
func (m *Manager) dialAndHandshake(ctx context.Context) (Socket, error) {
	ctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()

	sock, err := m.dialer.DialContext(ctx, m.url)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	identity := m.identity
	m.mu.Unlock()

	hello, err := wire.NewEnvelope(wire.TypeHello, wire.Hello{Identity: identity})
	if err != nil {
		sock.Close()
		return nil, err
	}
	hello.Sender = identity.UserID
	data, err := hello.Marshal()
	if err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.WriteMessage(data); err != nil {
		sock.Close()
		return nil, err
	}

	frame, err := sock.ReadMessage()
	if err != nil {
		sock.Close()
		return nil, err
	}
	env, err := wire.Decode(frame)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if env.Type != wire.TypeHelloAck {
		sock.Close()
		return nil, apperrors.TransportError("unexpected handshake reply: "+env.Type, nil)
	}

	return sock, nil
}

// install takes ownership of a freshly handshaken socket, flushes the
// queue in order, and starts the pumps. A flush failure releases the
// socket, requeues the unflushed commands, and returns the error so the
// caller decides how to retry; routing it through handleDrop would find
// the reconnect loop's in-flight flag set and strand the manager.
func (m *Manager) install(sock Socket) error {
	m.mu.Lock()
	m.sock = sock
	m.gen++
	gen := m.gen
	frames := m.queue.drain()
	m.mu.Unlock()

	for i, frame := range frames {
		if err := sock.WriteMessage(frame); err != nil {
			// Connection died during the flush; requeue what is left
			m.mu.Lock()
			if m.gen == gen {
				m.sock = nil
			}
			for _, rest := range frames[i:] {
				if m.queue.push(rest) {
					metrics.CommandsDroppedTotal.Inc()
				}
			}
			m.mu.Unlock()
			sock.Close()
			metrics.ConnectionDropsTotal.WithLabelValues("write_error").Inc()
			return err
		}
	}

	m.setState(StateConnected)
	m.log.Info("connected", zap.Int("flushed", len(frames)))

	go m.readLoop(sock, gen)
	if m.pingInterval > 0 {
		go m.pingLoop(sock, gen)
	}
	return nil
}

// readLoop delivers inbound envelopes to the router until the socket dies
func (m *Manager) readLoop(sock Socket, gen int) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.handleDrop(gen, "read_error", err)
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			m.log.Warn("skipping undecodable frame", zap.Error(err))
			continue
		}
		m.mu.Lock()
		h := m.onEvent
		m.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

// pingLoop keeps the connection alive
func (m *Manager) pingLoop(sock Socket, gen int) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		stale := gen != m.gen || m.sock == nil
		m.mu.Unlock()
		if stale {
			return
		}
		if err := sock.Ping(); err != nil {
			m.handleDrop(gen, "write_error", err)
			return
		}
	}
}

// handleDrop reacts to a dead socket: an intentional close stays
// disconnected, anything else moves to reconnecting and starts the single
// reconnect loop
func (m *Manager) handleDrop(gen int, reason string, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.sock == nil {
		// A newer connection already took over
		m.mu.Unlock()
		return
	}
	sock := m.sock
	m.sock = nil
	intentional := m.intentional
	m.mu.Unlock()

	sock.Close()
	metrics.ConnectionDropsTotal.WithLabelValues(reason).Inc()

	if intentional {
		return
	}

	m.log.Warn("connection dropped", zap.String("reason", reason), zap.Error(cause))
	m.setState(StateReconnecting)
	m.startReconnect()
}

// startReconnect ensures at most one reconnect loop is in flight
func (m *Manager) startReconnect() {
	m.mu.Lock()
	if m.reconnecting || m.intentional || m.stop == nil {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	stop := m.stop
	m.mu.Unlock()

	go m.reconnectLoop(stop)
}

func (m *Manager) reconnectLoop(stop chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for attempt := 0; ; attempt++ {
		delay := m.policy.Delay(attempt)
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		if m.State() != StateReconnecting {
			return
		}

		metrics.ReconnectAttemptsTotal.Inc()
		m.log.Info("reconnecting", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))

		ctx, cancel := context.WithTimeout(context.Background(), m.handshakeTimeout)
		sock, err := m.dialAndHandshake(ctx)
		cancel()
		if err != nil {
			m.log.Warn("reconnect attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}

		m.mu.Lock()
		if m.intentional {
			m.mu.Unlock()
			sock.Close()
			return
		}
		m.mu.Unlock()

		if err := m.install(sock); err != nil {
			m.log.Warn("flush failed after reconnect", zap.Int("attempt", attempt+1), zap.Error(err))
			continue
		}
		return
	}
}

// setState records a transition and notifies subscribers outside the lock
func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	subs := make([]StateHandler, 0, len(m.stateSubs))
	for _, cb := range m.stateSubs {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	metrics.ConnectionState.Set(stateValue(s))
	for _, cb := range subs {
		cb(s)
	}
}

// QueueLen reports the number of commands waiting for the next flush
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.len()
}
