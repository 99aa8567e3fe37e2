package call

import (
	"context"
	"fmt"
	"sync"

	"mentorhub-realtime/internal/domain"
)

// MediaStream represents acquired microphone/camera tracks or the media
// arriving from the peer. The state machine exclusively owns streams and
// releases them synchronously on every exit path.
type MediaStream struct {
	Kind   domain.CallKind
	Remote bool

	mu       sync.Mutex
	tracks   []string
	released bool
}

// NewMediaStream creates a stream with the tracks implied by the call kind
func NewMediaStream(kind domain.CallKind, remote bool) *MediaStream {
	tracks := []string{"audio"}
	if kind == domain.CallKindVideo {
		tracks = append(tracks, "video")
	}
	return &MediaStream{Kind: kind, Remote: remote, tracks: tracks}
}

// Tracks returns the open track names, empty once released
func (s *MediaStream) Tracks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	return append([]string(nil), s.tracks...)
}

// Release closes all tracks. Releasing twice is a no-op.
func (s *MediaStream) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

// Released reports whether the stream has been released
func (s *MediaStream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// MediaProvider acquires local media devices. Implementations return
// MediaAccessDenied-worthy errors when the user refuses permission.
type MediaProvider interface {
	Acquire(ctx context.Context, kind domain.CallKind) (*MediaStream, error)
}

// StaticMediaProvider always grants access. The demo binary uses it; real
// device capture lives with the embedding application.
type StaticMediaProvider struct{}

// Acquire returns a fresh local stream
func (StaticMediaProvider) Acquire(_ context.Context, kind domain.CallKind) (*MediaStream, error) {
	if kind != domain.CallKindAudio && kind != domain.CallKindVideo {
		return nil, fmt.Errorf("unsupported call kind %q", kind)
	}
	return NewMediaStream(kind, false), nil
}
