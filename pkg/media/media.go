// Package media models local capture for calls. The engine never talks to
// hardware directly: a Capturer hands it a Stream of sendable tracks, and
// closing the Stream is the one and only path that releases the capture
// sources behind them.
package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/webchat-dev/go-chat-ua/pkg/utils"
)

var (
	logger *logrus.Entry
)

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Media")
}

// Capturer acquires local capture. video selects camera plus microphone
// versus microphone only.
type Capturer interface {
	Capture(ctx context.Context, video bool) (*Stream, error)
}

// Stream is an exclusively owned set of local tracks plus the stop functions
// of the feeds behind them. It must never be shared between two peer
// sessions.
type Stream struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	stops   []func()
	stopped bool
}

func NewStream() *Stream {
	return &Stream{}
}

// AddTrack registers a track and the stop function of its feed. stop may be
// nil for tracks with no backing goroutine or device.
func (s *Stream) AddTrack(track webrtc.TrackLocal, stop func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, track)
	if stop != nil {
		s.stops = append(s.stops, stop)
	}
}

func (s *Stream) Tracks() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Close stops every feed, releasing the capture sources. Idempotent.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	stops := s.stops
	s.stops = nil
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
}

// RemoteStream is the inbound counterpart, published read-only to consumers.
// A renegotiated track of the same kind replaces the previous one.
type RemoteStream struct {
	ID    string
	Audio *webrtc.TrackRemote
	Video *webrtc.TrackRemote
}
