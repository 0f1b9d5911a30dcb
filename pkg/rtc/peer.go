// Package rtc wraps one point-to-point media negotiation: description
// exchange, trickled candidate gathering and inbound track reception. A Peer
// is built fresh for every call attempt and never reused.
package rtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"

	"github.com/webchat-dev/go-chat-ua/pkg/media"
	"github.com/webchat-dev/go-chat-ua/pkg/signal"
	"github.com/webchat-dev/go-chat-ua/pkg/utils"
)

var (
	logger *logrus.Entry
)

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Peer")
}

// DefaultICEServers is the fixed rendezvous configuration: public STUN only,
// no TURN relay. Peers behind symmetric NAT will fail at the media layer.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	}},
}

const (
	mimeTypeH264 = webrtc.MimeTypeH264
	mimeTypePCMU = webrtc.MimeTypePCMU
)

type Config struct {
	ICEServers []webrtc.ICEServer
}

type Peer struct {
	pc          *webrtc.PeerConnection
	localStream *media.Stream
	closed      *abool.AtomicBool
	pliCount    uint64

	candidates chan webrtc.ICECandidateInit
	remote     chan *media.RemoteStream

	mu           sync.Mutex
	remoteStream *media.RemoteStream
}

// NewPeer builds the negotiation object: PCMU audio, H264 video, the default
// interceptor pipeline and the fixed ICE server list.
func NewPeer(cfg Config) (*Peer, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeTypePCMU, ClockRate: 8000, Channels: 1},
		PayloadType:        0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	videoRTCPFeedback := []webrtc.RTCPFeedback{{Type: "goog-remb"}, {Type: "ccm", Parameter: "fir"}, {Type: "nack"}, {Type: "nack", Parameter: "pli"}}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     mimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 125,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))

	iceServers := cfg.ICEServers
	if iceServers == nil {
		iceServers = DefaultICEServers
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
		BundlePolicy: webrtc.BundlePolicyBalanced,
	})
	if err != nil {
		return nil, err
	}

	p := &Peer{
		pc:         pc,
		closed:     abool.New(),
		candidates: make(chan webrtc.ICECandidateInit, 16),
		remote:     make(chan *media.RemoteStream, 4),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || p.closed.IsSet() {
			return
		}
		select {
		case p.candidates <- c.ToJSON():
		default:
			logger.Warnf("candidate channel full, dropping %s", c.String())
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Infof("ICE connection state: %s", state.String())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		p.onTrack(track)
	})

	return p, nil
}

// AddLocalStream attaches every track of the acquired capture to the
// negotiation object. Must run before CreateOffer or CreateAnswer so the
// description carries the sending sections.
func (p *Peer) AddLocalStream(stream *media.Stream) error {
	p.localStream = stream
	for _, track := range stream.Tracks() {
		sender, err := p.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("rtc: add track: %v", err)
		}
		go p.drainRTCP(sender)
	}
	return nil
}

func (p *Peer) CreateOffer() (*signal.Desc, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return &signal.Desc{Type: "offer", SDP: offer.SDP}, nil
}

func (p *Peer) CreateAnswer() (*signal.Desc, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return &signal.Desc{Type: "answer", SDP: answer.SDP}, nil
}

func (p *Peer) SetRemoteDescription(desc *signal.Desc) error {
	var sdpType webrtc.SDPType
	switch desc.Type {
	case "offer":
		sdpType = webrtc.SDPTypeOffer
	case "answer":
		sdpType = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("rtc: unexpected description type %q", desc.Type)
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: desc.SDP})
}

func (p *Peer) AddCandidate(init webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(init)
}

// Candidates streams locally discovered candidates, one signal per
// candidate, no batching.
func (p *Peer) Candidates() <-chan webrtc.ICECandidateInit {
	return p.candidates
}

// RemoteStreams publishes the inbound media source. A renegotiated track of
// an already-published kind republishes the stream with the track replaced.
func (p *Peer) RemoteStreams() <-chan *media.RemoteStream {
	return p.remote
}

func (p *Peer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if p.closed.IsSet() {
			return
		}
		f(state)
	})
}

// PLICount reports picture-loss indications seen on RTP senders, a cheap
// downlink quality signal for diagnostics.
func (p *Peer) PLICount() uint64 {
	return atomic.LoadUint64(&p.pliCount)
}

func (p *Peer) onTrack(track *webrtc.TrackRemote) {
	p.mu.Lock()
	rs := p.remoteStream
	if rs == nil {
		rs = &media.RemoteStream{ID: track.StreamID()}
		p.remoteStream = rs
	}
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		rs.Audio = track
	case webrtc.RTPCodecTypeVideo:
		rs.Video = track
	}
	published := *rs
	p.mu.Unlock()

	logger.Infof("remote %s track on stream %s", track.Kind(), track.StreamID())
	select {
	case p.remote <- &published:
	default:
		logger.Warnf("remote stream channel full, dropping publication")
	}
}

// drainRTCP keeps the interceptor pipeline fed and counts PLIs. Returns when
// the sender is torn down.
func (p *Peer) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			logger.Debugf("unmarshal rtcp: %v", err)
			continue
		}
		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
				atomic.AddUint64(&p.pliCount, 1)
			}
		}
	}
}

// Close stops the local capture and the negotiation object. Idempotent.
// This is the only path that releases capture hardware.
func (p *Peer) Close() error {
	if !p.closed.SetToIf(false, true) {
		return nil
	}
	if p.localStream != nil {
		p.localStream.Close()
	}
	return p.pc.Close()
}
