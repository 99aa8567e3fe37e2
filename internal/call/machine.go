// Package call manages the lifecycle of a single peer-to-peer audio/video
// call: negotiation, media acquisition, connection and teardown. Exactly one
// call session exists per client; a second call while one is active is
// rejected or auto-busied, never queued.
package call

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mentorhub-realtime/internal/dispatch"
	"mentorhub-realtime/internal/domain"
	"mentorhub-realtime/internal/wire"
	apperrors "mentorhub-realtime/pkg/errors"
	"mentorhub-realtime/pkg/metrics"
)

// CommandSender emits signaling commands on the transport
type CommandSender interface {
	Send(env *wire.Envelope) error
}

// PresenceChecker answers reachability questions; the presence tracker
// satisfies it
type PresenceChecker interface {
	IsOnline(userID uuid.UUID) bool
	DisplayName(userID uuid.UUID) string
}

// session is the single active call session. The machine exclusively owns
// the media streams.
type session struct {
	callID       uuid.UUID
	remoteUserID uuid.UUID
	remoteName   string
	direction    domain.CallDirection
	kind         domain.CallKind

	localStream  *MediaStream
	remoteStream *MediaStream

	// candidates arriving before negotiation completes, drained on active
	earlyCandidates []map[string]any
	candidates      []map[string]any
}

// Machine is the call signaling state machine
type Machine struct {
	sender     CommandSender
	presence   PresenceChecker
	media      MediaProvider
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger

	mu       sync.Mutex
	identity domain.Identity
	state    domain.CallState
	sess     *session
}

// NewMachine creates a call state machine
func NewMachine(sender CommandSender, presence PresenceChecker, media MediaProvider, dispatcher *dispatch.Dispatcher, log *zap.Logger) *Machine {
	if media == nil {
		media = StaticMediaProvider{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Machine{
		sender:     sender,
		presence:   presence,
		media:      media,
		dispatcher: dispatcher,
		log:        log,
		state:      domain.CallStateIdle,
	}
}

// SetIdentity records the local member
func (m *Machine) SetIdentity(identity domain.Identity) {
	m.mu.Lock()
	m.identity = identity
	m.mu.Unlock()
}

// State returns the current call state
func (m *Machine) State() domain.CallState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a snapshot of the current call, or nil when idle
func (m *Machine) Session() *domain.CallInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	info := m.infoLocked("")
	return &info
}

// LocalStream returns the current local media stream, if any
func (m *Machine) LocalStream() *MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.localStream
}

// RemoteStream returns the current remote media stream, if any
func (m *Machine) RemoteStream() *MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.remoteStream
}

// OnStateChange registers a callback for call state transitions
func (m *Machine) OnStateChange(cb func(domain.CallInfo)) func() {
	return m.dispatcher.Subscribe(dispatch.KindCallState, func(payload any) {
		if info, ok := payload.(domain.CallInfo); ok {
			cb(info)
		}
	})
}

// PlaceCall starts an outgoing call. Allowed only from idle and only when
// the target is online; no media device is touched before both checks pass.
func (m *Machine) PlaceCall(ctx context.Context, targetUserID uuid.UUID, kind domain.CallKind) (uuid.UUID, error) {
	m.mu.Lock()
	if m.state != domain.CallStateIdle || m.sess != nil {
		m.mu.Unlock()
		return uuid.Nil, apperrors.BusyError("another call is already in progress")
	}
	if !m.presence.IsOnline(targetUserID) {
		m.mu.Unlock()
		return uuid.Nil, apperrors.TargetUnreachableError(targetUserID.String())
	}

	// The session reserves the machine while the permission prompt is up;
	// the state stays idle until local media is actually held.
	callID := uuid.New()
	m.sess = &session{
		callID:       callID,
		remoteUserID: targetUserID,
		remoteName:   m.presence.DisplayName(targetUserID),
		direction:    domain.CallOutgoing,
		kind:         kind,
	}
	m.mu.Unlock()

	stream, err := m.media.Acquire(ctx, kind)
	if err != nil {
		m.teardown(callID, "media-denied", "failed", false)
		return uuid.Nil, apperrors.MediaAccessDeniedError(err)
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.callID != callID {
		// cancelled while the permission prompt was up
		m.mu.Unlock()
		stream.Release()
		return uuid.Nil, apperrors.ConflictError("call was cancelled")
	}
	m.sess.localStream = stream
	m.state = domain.CallStateOutgoingRinging
	identity := m.identity
	m.mu.Unlock()

	if err := m.signal(wire.TypeCallInvite, wire.CallSignal{
		CallID:     callID,
		FromUserID: identity.UserID,
		FromName:   identity.DisplayName,
		ToUserID:   targetUserID,
		Kind:       kind,
	}); err != nil {
		m.teardown(callID, "error", "failed", false)
		return uuid.Nil, err
	}

	m.publishState("")
	return callID, nil
}

// AcceptCall answers an incoming call, acquiring local media and moving to
// negotiating. Only valid from incoming-ringing.
func (m *Machine) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != domain.CallStateIncomingRinging || m.sess == nil {
		m.mu.Unlock()
		return apperrors.ConflictError("no incoming call to accept")
	}
	callID := m.sess.callID
	kind := m.sess.kind
	remote := m.sess.remoteUserID
	m.mu.Unlock()

	stream, err := m.media.Acquire(ctx, kind)
	if err != nil {
		m.teardown(callID, "media-denied", "failed", true)
		return apperrors.MediaAccessDeniedError(err)
	}

	m.mu.Lock()
	if m.sess == nil || m.sess.callID != callID {
		m.mu.Unlock()
		stream.Release()
		return apperrors.ConflictError("call ended before it could be accepted")
	}
	m.sess.localStream = stream
	m.state = domain.CallStateNegotiating
	identity := m.identity
	m.mu.Unlock()

	if err := m.signal(wire.TypeCallAccept, wire.CallSignal{
		CallID:     callID,
		FromUserID: identity.UserID,
		ToUserID:   remote,
		Kind:       kind,
	}); err != nil {
		m.teardown(callID, "error", "failed", false)
		return err
	}

	m.publishState("")
	return nil
}

// RejectCall declines an incoming call, or cancels an outgoing one that has
// not been answered yet
func (m *Machine) RejectCall() error {
	m.mu.Lock()
	if m.sess == nil ||
		(m.state != domain.CallStateIncomingRinging && m.state != domain.CallStateOutgoingRinging) {
		m.mu.Unlock()
		return apperrors.ConflictError("no ringing call to reject")
	}
	callID := m.sess.callID
	remote := m.sess.remoteUserID
	identity := m.identity
	reason := "declined"
	if m.state == domain.CallStateOutgoingRinging {
		reason = "cancelled"
	}
	m.mu.Unlock()

	m.signalBestEffort(wire.TypeCallReject, wire.CallSignal{
		CallID:     callID,
		FromUserID: identity.UserID,
		ToUserID:   remote,
		Reason:     reason,
	})
	m.teardown(callID, "rejected", "rejected", false)
	return nil
}

// HangUp terminates the call from negotiating or active, sending the
// termination signal and releasing all media
func (m *Machine) HangUp() error {
	m.mu.Lock()
	if m.sess == nil || m.state == domain.CallStateIdle {
		m.mu.Unlock()
		return apperrors.ConflictError("no call to hang up")
	}
	if m.state == domain.CallStateOutgoingRinging || m.state == domain.CallStateIncomingRinging {
		m.mu.Unlock()
		return m.RejectCall()
	}
	callID := m.sess.callID
	m.state = domain.CallStateEnding
	m.mu.Unlock()

	m.publishState("")
	m.teardown(callID, "hangup", "completed", true)
	return nil
}

// Fail forces the teardown path after a signaling or transport fault while
// a call is in flight
func (m *Machine) Fail(reason string) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	callID := m.sess.callID
	m.mu.Unlock()
	m.log.Warn("call failed", zap.String("reason", reason))
	m.teardown(callID, reason, "failed", false)
}

// HandleInvite reacts to an incoming invite. While not idle the invite is
// auto-rejected busy without disturbing the active call.
func (m *Machine) HandleInvite(sig *wire.CallSignal, eventID string) {
	m.mu.Lock()
	if m.state != domain.CallStateIdle || m.sess != nil {
		identity := m.identity
		m.mu.Unlock()
		m.signalBestEffort(wire.TypeCallReject, wire.CallSignal{
			CallID:     sig.CallID,
			FromUserID: identity.UserID,
			ToUserID:   sig.FromUserID,
			Reason:     "busy",
		})
		metrics.CallsTotal.WithLabelValues(string(sig.Kind), "busy").Inc()
		return
	}
	m.sess = &session{
		callID:       sig.CallID,
		remoteUserID: sig.FromUserID,
		remoteName:   sig.FromName,
		direction:    domain.CallIncoming,
		kind:         sig.Kind,
	}
	m.state = domain.CallStateIncomingRinging
	m.mu.Unlock()

	m.publishState(eventID)
}

// HandleAccept moves an outgoing call into negotiation and sends the offer
func (m *Machine) HandleAccept(sig *wire.CallSignal, eventID string) {
	m.mu.Lock()
	if !m.matchesLocked(sig.CallID) || m.state != domain.CallStateOutgoingRinging {
		m.mu.Unlock()
		return
	}
	m.state = domain.CallStateNegotiating
	callID := m.sess.callID
	remote := m.sess.remoteUserID
	kind := m.sess.kind
	identity := m.identity
	m.mu.Unlock()

	m.publishState(eventID)

	if err := m.signal(wire.TypeCallOffer, wire.CallSignal{
		CallID:     callID,
		FromUserID: identity.UserID,
		ToUserID:   remote,
		SDP:        buildSDP(identity.UserID, kind),
	}); err != nil {
		m.teardown(callID, "error", "failed", false)
	}
}

// HandleReject tears down a ringing call the remote side declined or a
// remote cancellation of an invite we were showing
func (m *Machine) HandleReject(sig *wire.CallSignal, _ string) {
	m.mu.Lock()
	if !m.matchesLocked(sig.CallID) ||
		(m.state != domain.CallStateOutgoingRinging && m.state != domain.CallStateIncomingRinging) {
		m.mu.Unlock()
		return
	}
	callID := m.sess.callID
	m.mu.Unlock()

	reason := sig.Reason
	if reason == "" {
		reason = "rejected"
	}
	outcome := "rejected"
	if reason == "busy" {
		outcome = "busy"
	}
	m.teardown(callID, reason, outcome, false)
}

// HandleOffer answers the peer's session description and activates the call
func (m *Machine) HandleOffer(sig *wire.CallSignal, eventID string) {
	m.mu.Lock()
	if !m.matchesLocked(sig.CallID) || m.state != domain.CallStateNegotiating {
		m.mu.Unlock()
		return
	}
	callID := m.sess.callID
	remote := m.sess.remoteUserID
	kind := m.sess.kind
	identity := m.identity
	m.mu.Unlock()

	if err := m.signal(wire.TypeCallAnswer, wire.CallSignal{
		CallID:     callID,
		FromUserID: identity.UserID,
		ToUserID:   remote,
		SDP:        buildSDP(identity.UserID, kind),
	}); err != nil {
		m.teardown(callID, "error", "failed", false)
		return
	}

	m.activate(callID, sig.SDP, eventID)
}

// HandleAnswer receives the peer's answer and activates the call
func (m *Machine) HandleAnswer(sig *wire.CallSignal, eventID string) {
	m.mu.Lock()
	if !m.matchesLocked(sig.CallID) || m.state != domain.CallStateNegotiating {
		m.mu.Unlock()
		return
	}
	callID := m.sess.callID
	m.mu.Unlock()

	m.activate(callID, sig.SDP, eventID)
}

// HandleCandidate stores a connectivity candidate, buffering any that race
// ahead of negotiation
func (m *Machine) HandleCandidate(sig *wire.CallSignal, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.matchesLocked(sig.CallID) || sig.Candidate == nil {
		return
	}
	switch m.state {
	case domain.CallStateNegotiating, domain.CallStateActive:
		m.sess.candidates = append(m.sess.candidates, sig.Candidate)
	case domain.CallStateOutgoingRinging, domain.CallStateIncomingRinging:
		m.sess.earlyCandidates = append(m.sess.earlyCandidates, sig.Candidate)
	}
}

// HandleEnd applies a remote-initiated termination
func (m *Machine) HandleEnd(sig *wire.CallSignal, _ string) {
	m.mu.Lock()
	if !m.matchesLocked(sig.CallID) {
		m.mu.Unlock()
		return
	}
	callID := m.sess.callID
	m.mu.Unlock()
	m.teardown(callID, "remote-ended", "completed", false)
}

// activate materializes the remote stream and moves to active, draining
// buffered candidates
func (m *Machine) activate(callID uuid.UUID, remoteSDP string, eventID string) {
	m.mu.Lock()
	if m.sess == nil || m.sess.callID != callID || m.state != domain.CallStateNegotiating {
		m.mu.Unlock()
		return
	}
	kind := m.sess.kind
	if strings.Contains(remoteSDP, "m=audio") && !strings.Contains(remoteSDP, "m=video") {
		kind = domain.CallKindAudio
	}
	m.sess.remoteStream = NewMediaStream(kind, true)
	m.sess.candidates = append(m.sess.candidates, m.sess.earlyCandidates...)
	m.sess.earlyCandidates = nil
	m.state = domain.CallStateActive
	m.mu.Unlock()

	m.publishState(eventID)
}

// teardown is the single exit path: releases every stream, optionally sends
// the termination signal, and returns to idle
func (m *Machine) teardown(callID uuid.UUID, reason, outcome string, notifyRemote bool) {
	m.mu.Lock()
	if m.sess == nil || m.sess.callID != callID {
		m.mu.Unlock()
		return
	}
	sess := m.sess
	m.sess = nil
	m.state = domain.CallStateIdle
	identity := m.identity
	m.mu.Unlock()

	if sess.localStream != nil {
		sess.localStream.Release()
	}
	if sess.remoteStream != nil {
		sess.remoteStream.Release()
	}
	if notifyRemote {
		m.signalBestEffort(wire.TypeCallEnd, wire.CallSignal{
			CallID:     callID,
			FromUserID: identity.UserID,
			ToUserID:   sess.remoteUserID,
		})
	}

	metrics.CallsTotal.WithLabelValues(string(sess.kind), outcome).Inc()
	m.log.Info("call ended",
		zap.String("call_id", callID.String()),
		zap.String("reason", reason),
		zap.String("outcome", outcome))

	m.dispatcher.Publish(dispatch.KindCallState, domain.CallInfo{
		CallID:       callID,
		LocalUserID:  identity.UserID,
		RemoteUserID: sess.remoteUserID,
		Direction:    sess.direction,
		Kind:         sess.kind,
		State:        domain.CallStateIdle,
		Reason:       reason,
	}, "")
}

// matchesLocked reports whether a signal belongs to the current session
func (m *Machine) matchesLocked(callID uuid.UUID) bool {
	return m.sess != nil && m.sess.callID == callID
}

func (m *Machine) infoLocked(reason string) domain.CallInfo {
	return domain.CallInfo{
		CallID:       m.sess.callID,
		LocalUserID:  m.identity.UserID,
		RemoteUserID: m.sess.remoteUserID,
		RemoteName:   m.sess.remoteName,
		Direction:    m.sess.direction,
		Kind:         m.sess.kind,
		State:        m.state,
		Reason:       reason,
	}
}

func (m *Machine) publishState(eventID string) {
	m.mu.Lock()
	if m.sess == nil {
		m.mu.Unlock()
		return
	}
	info := m.infoLocked("")
	m.mu.Unlock()
	m.dispatcher.Publish(dispatch.KindCallState, info, eventID)
}

// signal sends a signaling command, mapping transport refusals to typed
// errors
func (m *Machine) signal(eventType string, sig wire.CallSignal) error {
	env, err := wire.NewEnvelope(eventType, sig)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "encode signal", err)
	}
	if err := m.sender.Send(env); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeTransport, "send "+eventType, err)
	}
	return nil
}

// signalBestEffort sends a signal the machine does not need to succeed
func (m *Machine) signalBestEffort(eventType string, sig wire.CallSignal) {
	if err := m.signal(eventType, sig); err != nil {
		m.log.Debug("best-effort signal dropped",
			zap.String("type", eventType), zap.Error(err))
	}
}

// buildSDP renders the local session description advertised to the peer
func buildSDP(userID uuid.UUID, kind domain.CallKind) string {
	sdp := fmt.Sprintf("v=0\r\no=%s\r\nm=audio", userID)
	if kind == domain.CallKindVideo {
		sdp += "\r\nm=video"
	}
	return sdp
}
