package media

import (
	"context"
	"testing"
)

func TestStreamCloseIdempotent(t *testing.T) {
	stops := 0
	s := NewStream()
	s.AddTrack(nil, func() { stops++ })
	s.AddTrack(nil, func() { stops++ })

	s.Close()
	s.Close()
	s.Close()

	if stops != 2 {
		t.Errorf("stop funcs ran %d times; want 2", stops)
	}
}

func TestStaticCapturerAudioOnly(t *testing.T) {
	s, err := NewStaticCapturer().Capture(context.Background(), false)
	if err != nil {
		t.Fatalf("Capture = %v", err)
	}
	defer s.Close()

	if got := len(s.Tracks()); got != 1 {
		t.Errorf("len(Tracks) = %d; want 1", got)
	}
}

func TestStaticCapturerWithVideo(t *testing.T) {
	s, err := NewStaticCapturer().Capture(context.Background(), true)
	if err != nil {
		t.Fatalf("Capture = %v", err)
	}
	defer s.Close()

	if got := len(s.Tracks()); got != 2 {
		t.Errorf("len(Tracks) = %d; want 2", got)
	}
}

func TestRTPCapturerReleasesPortsOnClose(t *testing.T) {
	c := &RTPCapturer{AudioPort: 41820, VideoPort: 41822}

	s, err := c.Capture(context.Background(), true)
	if err != nil {
		t.Fatalf("Capture = %v", err)
	}
	s.Close()

	// Ports must be free again once the stream is closed.
	s2, err := c.Capture(context.Background(), true)
	if err != nil {
		t.Fatalf("Capture after Close = %v", err)
	}
	s2.Close()
}
