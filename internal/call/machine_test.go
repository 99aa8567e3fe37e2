package call

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"mentorhub-realtime/internal/dispatch"
	"mentorhub-realtime/internal/domain"
	"mentorhub-realtime/internal/wire"
	apperrors "mentorhub-realtime/pkg/errors"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []*wire.Envelope
}

func (s *fakeSender) Send(env *wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeSender) sentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, len(s.sent))
	for i, env := range s.sent {
		types[i] = env.Type
	}
	return types
}

func (s *fakeSender) lastSignal(t *testing.T) *wire.CallSignal {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		t.Fatal("no signal was sent")
	}
	payload, err := s.sent[len(s.sent)-1].DecodePayload()
	if err != nil {
		t.Fatalf("decode signal: %v", err)
	}
	return payload.(*wire.CallSignal)
}

type fakePresence struct {
	online map[uuid.UUID]string
}

func (p *fakePresence) IsOnline(userID uuid.UUID) bool {
	_, ok := p.online[userID]
	return ok
}

func (p *fakePresence) DisplayName(userID uuid.UUID) string {
	return p.online[userID]
}

// countingProvider counts acquisitions and hands out real streams
type countingProvider struct {
	mu        sync.Mutex
	acquired  int
	deny      error
	streams   []*MediaStream
	onAcquire func() // runs before the stream is handed out
}

func (p *countingProvider) Acquire(_ context.Context, kind domain.CallKind) (*MediaStream, error) {
	if p.onAcquire != nil {
		p.onAcquire()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deny != nil {
		return nil, p.deny
	}
	p.acquired++
	stream := NewMediaStream(kind, false)
	p.streams = append(p.streams, stream)
	return stream, nil
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

func newTestMachine(sender *fakeSender, presence *fakePresence, media MediaProvider) *Machine {
	m := NewMachine(sender, presence, media, dispatch.NewDispatcher(0, nil), nil)
	m.SetIdentity(domain.Identity{UserID: uuid.New(), DisplayName: "local"})
	return m
}

// TestPlaceCall_TargetOffline tests that an unreachable target is refused
// before any media device is touched
func TestPlaceCall_TargetOffline(t *testing.T) {
	provider := &countingProvider{}
	m := newTestMachine(&fakeSender{}, &fakePresence{}, provider)

	_, err := m.PlaceCall(context.Background(), uuid.New(), domain.CallKindAudio)

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTargetUnreachable))
	assert.Equal(t, 0, provider.count())
	assert.Equal(t, domain.CallStateIdle, m.State())
}

// TestPlaceCall_WhileBusy tests that a second outgoing call is refused
func TestPlaceCall_WhileBusy(t *testing.T) {
	target := uuid.New()
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	m := newTestMachine(&fakeSender{}, presence, &countingProvider{})

	_, err := m.PlaceCall(context.Background(), target, domain.CallKindAudio)
	assert.NoError(t, err)

	_, err = m.PlaceCall(context.Background(), target, domain.CallKindAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeBusy))
}

// TestPlaceCall_AcquiresMediaBeforeRinging tests that the outgoing-ringing
// state is not observable until local media is actually held, and that an
// invite racing the permission prompt is still auto-busied
func TestPlaceCall_AcquiresMediaBeforeRinging(t *testing.T) {
	target := uuid.New()
	sender := &fakeSender{}
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	provider := &countingProvider{}
	m := newTestMachine(sender, presence, provider)

	var during domain.CallState
	intruder := uuid.New()
	provider.onAcquire = func() {
		during = m.State()
		m.HandleInvite(&wire.CallSignal{CallID: uuid.New(), FromUserID: intruder, FromName: "Eve"}, "")
	}

	callID, err := m.PlaceCall(context.Background(), target, domain.CallKindAudio)

	assert.NoError(t, err)
	assert.Equal(t, domain.CallStateIdle, during)
	assert.Equal(t, domain.CallStateOutgoingRinging, m.State())
	assert.Equal(t, []string{wire.TypeCallReject, wire.TypeCallInvite}, sender.sentTypes())

	sender.mu.Lock()
	rejectPayload, decodeErr := sender.sent[0].DecodePayload()
	sender.mu.Unlock()
	assert.NoError(t, decodeErr)
	assert.Equal(t, "busy", rejectPayload.(*wire.CallSignal).Reason)

	sess := m.Session()
	assert.NotNil(t, sess)
	assert.Equal(t, callID, sess.CallID)
	assert.Equal(t, target, sess.RemoteUserID)
}

// TestOutgoingCall_HappyPath tests invite, accept, offer/answer and hangup
func TestOutgoingCall_HappyPath(t *testing.T) {
	target := uuid.New()
	sender := &fakeSender{}
	provider := &countingProvider{}
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	m := newTestMachine(sender, presence, provider)

	callID, err := m.PlaceCall(context.Background(), target, domain.CallKindVideo)
	assert.NoError(t, err)
	assert.Equal(t, domain.CallStateOutgoingRinging, m.State())
	assert.Equal(t, []string{wire.TypeCallInvite}, sender.sentTypes())

	m.HandleAccept(&wire.CallSignal{CallID: callID, FromUserID: target}, "")
	assert.Equal(t, domain.CallStateNegotiating, m.State())
	assert.Equal(t, []string{wire.TypeCallInvite, wire.TypeCallOffer}, sender.sentTypes())

	m.HandleAnswer(&wire.CallSignal{CallID: callID, SDP: "v=0\r\nm=audio\r\nm=video"}, "")
	assert.Equal(t, domain.CallStateActive, m.State())
	assert.NotNil(t, m.RemoteStream())

	local := m.LocalStream()
	remote := m.RemoteStream()
	assert.NoError(t, m.HangUp())

	assert.Equal(t, domain.CallStateIdle, m.State())
	assert.True(t, local.Released())
	assert.True(t, remote.Released())
	assert.Contains(t, sender.sentTypes(), wire.TypeCallEnd)
	assert.Nil(t, m.Session())
}

// TestIncomingCall_AcceptFlow tests the callee side of negotiation
func TestIncomingCall_AcceptFlow(t *testing.T) {
	caller := uuid.New()
	sender := &fakeSender{}
	m := newTestMachine(sender, &fakePresence{}, &countingProvider{})

	callID := uuid.New()
	m.HandleInvite(&wire.CallSignal{
		CallID:     callID,
		FromUserID: caller,
		FromName:   "Alice",
		Kind:       domain.CallKindAudio,
	}, "")
	assert.Equal(t, domain.CallStateIncomingRinging, m.State())

	info := m.Session()
	assert.Equal(t, "Alice", info.RemoteName)
	assert.Equal(t, domain.CallIncoming, info.Direction)

	assert.NoError(t, m.AcceptCall(context.Background()))
	assert.Equal(t, domain.CallStateNegotiating, m.State())
	assert.Equal(t, []string{wire.TypeCallAccept}, sender.sentTypes())

	m.HandleOffer(&wire.CallSignal{CallID: callID, SDP: "v=0\r\nm=audio"}, "")
	assert.Equal(t, domain.CallStateActive, m.State())
	assert.Equal(t, []string{wire.TypeCallAccept, wire.TypeCallAnswer}, sender.sentTypes())
}

// TestHandleInvite_WhileBusyAutoRejects tests that a second invite is
// auto-rejected busy without disturbing the active session
func TestHandleInvite_WhileBusyAutoRejects(t *testing.T) {
	target := uuid.New()
	sender := &fakeSender{}
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	m := newTestMachine(sender, presence, &countingProvider{})

	callID, _ := m.PlaceCall(context.Background(), target, domain.CallKindAudio)

	intruder := uuid.New()
	m.HandleInvite(&wire.CallSignal{CallID: uuid.New(), FromUserID: intruder}, "")

	reject := sender.lastSignal(t)
	assert.Equal(t, wire.TypeCallReject, sender.sentTypes()[len(sender.sentTypes())-1])
	assert.Equal(t, "busy", reject.Reason)
	assert.Equal(t, intruder, reject.ToUserID)

	// the original call is untouched
	assert.Equal(t, domain.CallStateOutgoingRinging, m.State())
	assert.Equal(t, callID, m.Session().CallID)
}

// TestRejectCall_Incoming tests declining a ringing incoming call
func TestRejectCall_Incoming(t *testing.T) {
	sender := &fakeSender{}
	m := newTestMachine(sender, &fakePresence{}, &countingProvider{})

	m.HandleInvite(&wire.CallSignal{CallID: uuid.New(), FromUserID: uuid.New()}, "")
	assert.NoError(t, m.RejectCall())

	assert.Equal(t, domain.CallStateIdle, m.State())
	assert.Equal(t, "declined", sender.lastSignal(t).Reason)
}

// TestRejectCall_CancelsOutgoing tests cancelling an unanswered invite
func TestRejectCall_CancelsOutgoing(t *testing.T) {
	target := uuid.New()
	sender := &fakeSender{}
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	m := newTestMachine(sender, presence, &countingProvider{})

	m.PlaceCall(context.Background(), target, domain.CallKindAudio)
	assert.NoError(t, m.RejectCall())

	assert.Equal(t, domain.CallStateIdle, m.State())
	assert.Equal(t, "cancelled", sender.lastSignal(t).Reason)
}

// TestHandleReject_RemoteDeclined tests teardown when the callee declines
func TestHandleReject_RemoteDeclined(t *testing.T) {
	target := uuid.New()
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	provider := &countingProvider{}
	m := newTestMachine(&fakeSender{}, presence, provider)

	callID, _ := m.PlaceCall(context.Background(), target, domain.CallKindAudio)
	m.HandleReject(&wire.CallSignal{CallID: callID, Reason: "declined"}, "")

	assert.Equal(t, domain.CallStateIdle, m.State())
	for _, stream := range provider.streams {
		assert.True(t, stream.Released())
	}
}

// TestAcceptCall_MediaDenied tests that refusing the device permission tears
// the call down and notifies the caller
func TestAcceptCall_MediaDenied(t *testing.T) {
	sender := &fakeSender{}
	provider := &countingProvider{deny: errors.New("permission refused")}
	m := newTestMachine(sender, &fakePresence{}, provider)

	m.HandleInvite(&wire.CallSignal{CallID: uuid.New(), FromUserID: uuid.New()}, "")
	err := m.AcceptCall(context.Background())

	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaAccessDenied))
	assert.Equal(t, domain.CallStateIdle, m.State())
	assert.Contains(t, sender.sentTypes(), wire.TypeCallEnd)
}

// TestAcceptCall_NoIncomingCall tests accepting with nothing ringing
func TestAcceptCall_NoIncomingCall(t *testing.T) {
	m := newTestMachine(&fakeSender{}, &fakePresence{}, &countingProvider{})

	err := m.AcceptCall(context.Background())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
}

// TestHandleCandidate_BuffersEarlyArrivals tests that candidates racing
// ahead of negotiation are kept and applied once active
func TestHandleCandidate_BuffersEarlyArrivals(t *testing.T) {
	target := uuid.New()
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	m := newTestMachine(&fakeSender{}, presence, &countingProvider{})

	callID, _ := m.PlaceCall(context.Background(), target, domain.CallKindAudio)

	// arrives while still ringing
	m.HandleCandidate(&wire.CallSignal{CallID: callID, Candidate: map[string]any{"c": 1}}, "")

	m.HandleAccept(&wire.CallSignal{CallID: callID}, "")
	m.HandleAnswer(&wire.CallSignal{CallID: callID, SDP: "v=0\r\nm=audio"}, "")
	assert.Equal(t, domain.CallStateActive, m.State())
}

// TestHandleEnd_RemoteHangup tests a remote-initiated termination
func TestHandleEnd_RemoteHangup(t *testing.T) {
	target := uuid.New()
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	provider := &countingProvider{}
	dispatcher := dispatch.NewDispatcher(0, nil)
	m := NewMachine(&fakeSender{}, presence, provider, dispatcher, nil)
	m.SetIdentity(domain.Identity{UserID: uuid.New(), DisplayName: "local"})

	var lastInfo domain.CallInfo
	m.OnStateChange(func(info domain.CallInfo) { lastInfo = info })

	callID, _ := m.PlaceCall(context.Background(), target, domain.CallKindAudio)
	m.HandleEnd(&wire.CallSignal{CallID: callID}, "")

	assert.Equal(t, domain.CallStateIdle, m.State())
	assert.Equal(t, domain.CallStateIdle, lastInfo.State)
	assert.Equal(t, "remote-ended", lastInfo.Reason)
	for _, stream := range provider.streams {
		assert.True(t, stream.Released())
	}
}

// TestHandleSignals_WrongCallID tests that signals for other calls are
// ignored
func TestHandleSignals_WrongCallID(t *testing.T) {
	target := uuid.New()
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	m := newTestMachine(&fakeSender{}, presence, &countingProvider{})

	m.PlaceCall(context.Background(), target, domain.CallKindAudio)

	other := uuid.New()
	m.HandleAccept(&wire.CallSignal{CallID: other}, "")
	m.HandleEnd(&wire.CallSignal{CallID: other}, "")

	assert.Equal(t, domain.CallStateOutgoingRinging, m.State())
}

// TestFail_ForcesTeardown tests the transport fault path
func TestFail_ForcesTeardown(t *testing.T) {
	target := uuid.New()
	presence := &fakePresence{online: map[uuid.UUID]string{target: "Bob"}}
	provider := &countingProvider{}
	m := newTestMachine(&fakeSender{}, presence, provider)

	m.PlaceCall(context.Background(), target, domain.CallKindAudio)
	m.Fail("transport")

	assert.Equal(t, domain.CallStateIdle, m.State())
	for _, stream := range provider.streams {
		assert.True(t, stream.Released())
	}
}
