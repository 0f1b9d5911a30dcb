package media

import (
	"context"
	"fmt"
	"math/rand"
	"net"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const (
	DefaultAudioPort = 40820
	DefaultVideoPort = 40822
)

// Compile-time interface check.
var _ Capturer = (*RTPCapturer)(nil)

// RTPCapturer acquires capture from local RTP feeds: an external encoder
// (e.g. a gstreamer or ffmpeg pipeline reading the actual devices) streams
// PCMU audio and H264 video to the configured UDP ports, and each packet is
// forwarded into a local track.
type RTPCapturer struct {
	AudioPort int
	VideoPort int
}

func NewRTPCapturer() *RTPCapturer {
	return &RTPCapturer{
		AudioPort: DefaultAudioPort,
		VideoPort: DefaultVideoPort,
	}
}

func (c *RTPCapturer) Capture(ctx context.Context, video bool) (*Stream, error) {
	stream := NewStream()

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		fmt.Sprintf("audio-%d", rand.Uint32()),
		fmt.Sprintf("rtp-%d", rand.Uint32()),
	)
	if err != nil {
		return nil, err
	}
	stop, err := feedFromUDP(c.AudioPort, audio)
	if err != nil {
		return nil, err
	}
	stream.AddTrack(audio, stop)

	if video {
		videoTrack, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
			fmt.Sprintf("video-%d", rand.Uint32()),
			fmt.Sprintf("rtp-%d", rand.Uint32()),
		)
		if err != nil {
			stream.Close()
			return nil, err
		}
		stop, err := feedFromUDP(c.VideoPort, videoTrack)
		if err != nil {
			stream.Close()
			return nil, err
		}
		stream.AddTrack(videoTrack, stop)
	}

	return stream, nil
}

// feedFromUDP pumps RTP packets from a local socket into track until the
// returned stop func closes the socket.
func feedFromUDP(port int, track *webrtc.TrackLocalStaticRTP) (func(), error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: port})
	if err != nil {
		return nil, fmt.Errorf("media: listen rtp port %d: %v", port, err)
	}

	go func() {
		buf := make([]byte, 1500)
		pkt := &rtp.Packet{}
		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				logger.Infof("rtp feed on port %d stopped", port)
				return
			}
			if err := pkt.Unmarshal(buf[:n]); err != nil {
				logger.Debugf("dropping non-rtp datagram on port %d: %v", port, err)
				continue
			}
			if err := track.WriteRTP(pkt); err != nil {
				logger.Debugf("rtp write on port %d: %v", port, err)
				return
			}
		}
	}()

	return func() { conn.Close() }, nil
}
