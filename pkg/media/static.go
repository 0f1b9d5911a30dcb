package media

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

const (
	sampleInterval = 20 * time.Millisecond
	// 160 bytes of u-law silence per 20ms at 8kHz.
	pcmuFrameSize = 160
)

// Compile-time interface check.
var _ Capturer = (*StaticCapturer)(nil)

// StaticCapturer produces silent audio and, when asked, blank video frames.
// It keeps the full negotiation path exercisable on machines with no capture
// hardware and is what the engine tests run on.
type StaticCapturer struct{}

func NewStaticCapturer() *StaticCapturer {
	return &StaticCapturer{}
}

func (c *StaticCapturer) Capture(ctx context.Context, video bool) (*Stream, error) {
	stream := NewStream()

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		fmt.Sprintf("audio-%d", rand.Uint32()),
		fmt.Sprintf("static-%d", rand.Uint32()),
	)
	if err != nil {
		return nil, err
	}
	stream.AddTrack(audio, feedSilence(audio))

	if video {
		videoTrack, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
			fmt.Sprintf("video-%d", rand.Uint32()),
			fmt.Sprintf("static-%d", rand.Uint32()),
		)
		if err != nil {
			stream.Close()
			return nil, err
		}
		// No synthetic encoder here: the track negotiates but stays dark
		// until a real feed writes samples.
		stream.AddTrack(videoTrack, nil)
	}

	return stream, nil
}

// feedSilence writes u-law silence frames until the returned stop func runs.
func feedSilence(track *webrtc.TrackLocalStaticSample) func() {
	done := make(chan struct{})
	frame := make([]byte, pcmuFrameSize)
	for i := range frame {
		frame[i] = 0xFF
	}

	go func() {
		ticker := time.NewTicker(sampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: sampleInterval}); err != nil {
					logger.Debugf("silence feed stopped: %v", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
