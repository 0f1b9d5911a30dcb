package call_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webchat-dev/go-chat-ua/pkg/account"
	"github.com/webchat-dev/go-chat-ua/pkg/call"
	"github.com/webchat-dev/go-chat-ua/pkg/media"
	"github.com/webchat-dev/go-chat-ua/pkg/signal"
	"github.com/webchat-dev/go-chat-ua/pkg/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type fakePeer struct {
	mu          sync.Mutex
	streams     int
	remoteDescs []*signal.Desc
	candidates  []webrtc.ICECandidateInit
	closed      bool

	localCandidates chan webrtc.ICECandidateInit
	remoteStreams   chan *media.RemoteStream
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		localCandidates: make(chan webrtc.ICECandidateInit, 8),
		remoteStreams:   make(chan *media.RemoteStream, 4),
	}
}

func (p *fakePeer) AddLocalStream(stream *media.Stream) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streams++
	return nil
}

func (p *fakePeer) CreateOffer() (*signal.Desc, error) {
	return &signal.Desc{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (p *fakePeer) CreateAnswer() (*signal.Desc, error) {
	return &signal.Desc{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (p *fakePeer) SetRemoteDescription(desc *signal.Desc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, desc)
	return nil
}

func (p *fakePeer) AddCandidate(init webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, init)
	return nil
}

func (p *fakePeer) Candidates() <-chan webrtc.ICECandidateInit {
	return p.localCandidates
}

func (p *fakePeer) RemoteStreams() <-chan *media.RemoteStream {
	return p.remoteStreams
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) candidateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.candidates)
}

type fakeFactory struct {
	mu    sync.Mutex
	peers []*fakePeer
}

func (f *fakeFactory) new() (call.Peer, error) {
	p := newFakePeer()
	f.mu.Lock()
	f.peers = append(f.peers, p)
	f.mu.Unlock()
	return p, nil
}

func (f *fakeFactory) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeCapturer struct {
	stops    int32
	captures int32
}

func (c *fakeCapturer) Capture(ctx context.Context, video bool) (*media.Stream, error) {
	atomic.AddInt32(&c.captures, 1)
	s := media.NewStream()
	s.AddTrack(nil, func() { atomic.AddInt32(&c.stops, 1) })
	return s, nil
}

type failingCapturer struct{}

func (c *failingCapturer) Capture(ctx context.Context, video bool) (*media.Stream, error) {
	return nil, context.DeadlineExceeded
}

func newController(t *testing.T, tr transport.Transport, userID string) (*call.Controller, *fakeFactory, *fakeCapturer) {
	t.Helper()
	factory := &fakeFactory{}
	capturer := &fakeCapturer{}
	c, err := call.NewController(call.ControllerConfig{
		Profile:   account.NewProfile(userID, userID),
		Transport: tr,
		Capturer:  capturer,
		NewPeer:   factory.new,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c, factory, capturer
}

func sendEnvelope(t *testing.T, tr transport.Transport, env *signal.Envelope) {
	t.Helper()
	frame, err := signal.Encode(env)
	require.NoError(t, err)
	require.NoError(t, tr.Send(transport.CallTopic(env.RecipientID), frame))
}

// waitEnvelope blocks until a frame of the wanted type shows up on ch.
func waitEnvelope(t *testing.T, ch <-chan []byte, typ signal.Type) *signal.Envelope {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case frame := <-ch:
			env, err := signal.Decode(frame)
			require.NoError(t, err)
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s envelope within %v", typ, waitFor)
			return nil
		}
	}
}

func offerFrom(sender, recipient string, video bool) *signal.Envelope {
	data, _ := (&signal.Desc{Type: "offer", SDP: "v=0 remote-offer"}).Marshal()
	return &signal.Envelope{
		SenderID:     sender,
		RecipientID:  recipient,
		Type:         signal.Offer,
		Data:         data,
		VideoEnabled: video,
	}
}

func TestStartCallSendsOffer(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "alice")

	bobCh, cancel := tr.Subscribe(transport.CallTopic("bob"))
	defer cancel()

	require.NoError(t, c.StartCall(context.Background(), "bob", false, true))
	assert.Equal(t, call.Outgoing, c.Status())
	assert.Equal(t, "bob", c.PartnerID())
	assert.Equal(t, call.DirectionOutgoing, c.Direction())

	env := waitEnvelope(t, bobCh, signal.Offer)
	assert.Equal(t, "alice", env.SenderID)
	assert.Equal(t, "bob", env.RecipientID)
	assert.True(t, env.VideoEnabled)
	assert.False(t, env.IsGroup)

	desc, err := signal.UnmarshalDesc(env.Data)
	require.NoError(t, err)
	assert.Equal(t, "offer", desc.Type)
}

func TestStartCallWhileBusy(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "alice")

	require.NoError(t, c.StartCall(context.Background(), "bob", false, true))
	assert.ErrorIs(t, c.StartCall(context.Background(), "carol", false, false), call.ErrBusy)
	assert.Equal(t, "bob", c.PartnerID())
}

func TestAnswerConnects(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, factory, _ := newController(t, tr, "alice")

	require.NoError(t, c.StartCall(context.Background(), "bob", false, true))

	data, _ := (&signal.Desc{Type: "answer", SDP: "v=0 remote-answer"}).Marshal()
	sendEnvelope(t, tr, &signal.Envelope{
		SenderID: "bob", RecipientID: "alice", Type: signal.Answer, Data: data, VideoEnabled: true,
	})

	require.Eventually(t, func() bool { return c.Status() == call.Connected }, waitFor, tick)
	assert.Equal(t, "bob", c.PartnerID())

	peer := factory.last()
	require.NotNil(t, peer)
	peer.mu.Lock()
	defer peer.mu.Unlock()
	require.Len(t, peer.remoteDescs, 1)
	assert.Equal(t, "answer", peer.remoteDescs[0].Type)
}

func TestInboundOfferRings(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "bob")

	var rangFrom string
	var rangVideo bool
	var mu sync.Mutex
	c.OnIncomingCall = func(partnerID string, video bool) {
		mu.Lock()
		rangFrom, rangVideo = partnerID, video
		mu.Unlock()
	}

	sendEnvelope(t, tr, offerFrom("alice", "bob", true))

	require.Eventually(t, func() bool { return c.Status() == call.Incoming }, waitFor, tick)
	assert.Equal(t, "alice", c.PartnerID())
	assert.Equal(t, call.DirectionIncoming, c.Direction())
	mu.Lock()
	assert.Equal(t, "alice", rangFrom)
	assert.True(t, rangVideo)
	mu.Unlock()
}

func TestSecondOfferIgnored(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "bob")

	sendEnvelope(t, tr, offerFrom("alice", "bob", true))
	require.Eventually(t, func() bool { return c.Status() == call.Incoming }, waitFor, tick)

	sendEnvelope(t, tr, offerFrom("mallory", "bob", false))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, call.Incoming, c.Status())
	assert.Equal(t, "alice", c.PartnerID())
}

func TestAcceptSendsExactlyOneAnswer(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "bob")

	aliceCh, cancel := tr.Subscribe(transport.CallTopic("alice"))
	defer cancel()

	sendEnvelope(t, tr, offerFrom("alice", "bob", true))
	require.Eventually(t, func() bool { return c.Status() == call.Incoming }, waitFor, tick)

	require.NoError(t, c.AcceptCall(context.Background()))
	// Connected before any candidate was exchanged.
	assert.Equal(t, call.Connected, c.Status())

	env := waitEnvelope(t, aliceCh, signal.Answer)
	assert.Equal(t, "bob", env.SenderID)
	assert.Equal(t, "alice", env.RecipientID)

	// No further answers.
	time.Sleep(100 * time.Millisecond)
	answers := 0
	for {
		select {
		case frame := <-aliceCh:
			env, err := signal.Decode(frame)
			require.NoError(t, err)
			if env.Type == signal.Answer {
				answers++
			}
			continue
		default:
		}
		break
	}
	assert.Zero(t, answers, "answer sent more than once")
}

func TestAcceptWhenIdle(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "bob")

	assert.ErrorIs(t, c.AcceptCall(context.Background()), call.ErrInvalidState)
	assert.Equal(t, call.Idle, c.Status())
}

func TestRejectSendsHangup(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "bob")

	aliceCh, cancel := tr.Subscribe(transport.CallTopic("alice"))
	defer cancel()

	sendEnvelope(t, tr, offerFrom("alice", "bob", false))
	require.Eventually(t, func() bool { return c.Status() == call.Incoming }, waitFor, tick)

	require.NoError(t, c.RejectCall())
	assert.Equal(t, call.Idle, c.Status())
	assert.Empty(t, c.PartnerID())

	env := waitEnvelope(t, aliceCh, signal.Hangup)
	assert.Equal(t, "bob", env.SenderID)
	assert.Equal(t, "alice", env.RecipientID)
}

func TestRemoteHangupDoesNotEcho(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "bob")

	aliceCh, cancel := tr.Subscribe(transport.CallTopic("alice"))
	defer cancel()

	sendEnvelope(t, tr, offerFrom("alice", "bob", true))
	require.Eventually(t, func() bool { return c.Status() == call.Incoming }, waitFor, tick)
	require.NoError(t, c.AcceptCall(context.Background()))

	sendEnvelope(t, tr, &signal.Envelope{SenderID: "alice", RecipientID: "bob", Type: signal.Hangup, VideoEnabled: true})
	require.Eventually(t, func() bool { return c.Status() == call.Idle }, waitFor, tick)

	time.Sleep(100 * time.Millisecond)
	for {
		select {
		case frame := <-aliceCh:
			env, err := signal.Decode(frame)
			require.NoError(t, err)
			if env.Type == signal.Hangup {
				t.Fatal("hangup echoed back to the peer that hung up")
			}
			continue
		default:
		}
		break
	}
}

func TestEndCallIdempotent(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, factory, capturer := newController(t, tr, "alice")

	// Ending from Idle is a safe no-op.
	c.EndCall()
	assert.Equal(t, call.Idle, c.Status())

	require.NoError(t, c.StartCall(context.Background(), "bob", false, true))
	peer := factory.last()
	require.NotNil(t, peer)

	c.EndCall()
	c.EndCall()
	c.EndCall()

	assert.Equal(t, call.Idle, c.Status())
	assert.Empty(t, c.PartnerID())
	assert.Nil(t, c.LocalStream())
	assert.Nil(t, c.RemoteStream())
	assert.True(t, peer.isClosed())
	assert.Equal(t, int32(1), atomic.LoadInt32(&capturer.stops), "local tracks not stopped exactly once")
}

func TestLocalCandidateForwarded(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, factory, _ := newController(t, tr, "alice")

	bobCh, cancel := tr.Subscribe(transport.CallTopic("bob"))
	defer cancel()

	require.NoError(t, c.StartCall(context.Background(), "bob", true, false))
	peer := factory.last()
	require.NotNil(t, peer)

	peer.localCandidates <- webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 1000 typ host"}

	env := waitEnvelope(t, bobCh, signal.IceCandidate)
	assert.Equal(t, "bob", env.RecipientID, "candidate recipient must match the call partner")
	assert.Equal(t, "alice", env.SenderID)
	// Flags are stamped even where semantically irrelevant.
	assert.True(t, env.IsGroup)
	assert.False(t, env.VideoEnabled)

	var init webrtc.ICECandidateInit
	require.NoError(t, json.Unmarshal(env.Data, &init))
	assert.Contains(t, init.Candidate, "10.0.0.1")
}

func TestRemoteCandidateRouted(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, factory, _ := newController(t, tr, "bob")

	sendEnvelope(t, tr, offerFrom("alice", "bob", true))
	require.Eventually(t, func() bool { return c.Status() == call.Incoming }, waitFor, tick)
	peer := factory.last()
	require.NotNil(t, peer)

	data, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:2 1 udp 1 10.0.0.2 2000 typ host"})
	sendEnvelope(t, tr, &signal.Envelope{SenderID: "alice", RecipientID: "bob", Type: signal.IceCandidate, Data: data, VideoEnabled: true})

	require.Eventually(t, func() bool { return peer.candidateCount() == 1 }, waitFor, tick)
}

func TestCandidateBeforeSessionDropped(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "bob")

	data, _ := json.Marshal(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	sendEnvelope(t, tr, &signal.Envelope{SenderID: "alice", RecipientID: "bob", Type: signal.IceCandidate, Data: data, VideoEnabled: true})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, call.Idle, c.Status())
}

func TestUnknownSignalIgnored(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "bob")

	sendEnvelope(t, tr, &signal.Envelope{SenderID: "alice", RecipientID: "bob", Type: "RENEGOTIATE", VideoEnabled: true})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, call.Idle, c.Status())
}

func TestMediaFailureTearsDownToIdle(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	factory := &fakeFactory{}
	c, err := call.NewController(call.ControllerConfig{
		Profile:   account.NewProfile("alice", "alice"),
		Transport: tr,
		Capturer:  &failingCapturer{},
		NewPeer:   factory.new,
	})
	require.NoError(t, err)
	defer c.Close()

	err = c.StartCall(context.Background(), "bob", false, true)
	require.Error(t, err)
	assert.Equal(t, call.Idle, c.Status())
	assert.Empty(t, c.PartnerID())
}

func TestStateChangeSequence(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()
	c, _, _ := newController(t, tr, "alice")

	var mu sync.Mutex
	var states []call.Status
	c.OnStateChange = func(s call.Status) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	require.NoError(t, c.StartCall(context.Background(), "bob", false, false))
	c.EndCall()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []call.Status{call.Outgoing, call.Idle}, states)
}

// TestFullCallScenario runs the complete two-party handshake over one shared
// in-process transport: alice dials, bob rings, bob accepts, both end up
// Connected with matching partners and the video flag intact.
func TestFullCallScenario(t *testing.T) {
	tr := transport.NewMemory()
	defer tr.Close()

	alice, _, _ := newController(t, tr, "alice")
	bob, _, _ := newController(t, tr, "bob")

	require.NoError(t, alice.StartCall(context.Background(), "bob", false, true))
	assert.Equal(t, call.Outgoing, alice.Status())

	require.Eventually(t, func() bool { return bob.Status() == call.Incoming }, waitFor, tick)
	assert.Equal(t, "alice", bob.PartnerID())
	assert.True(t, bob.VideoEnabled())

	require.NoError(t, bob.AcceptCall(context.Background()))
	assert.Equal(t, call.Connected, bob.Status())

	require.Eventually(t, func() bool { return alice.Status() == call.Connected }, waitFor, tick)
	assert.Equal(t, "bob", alice.PartnerID())
	assert.True(t, alice.VideoEnabled())

	// Either side can tear down; the other follows without echoing.
	alice.EndCall()
	require.Eventually(t, func() bool { return bob.Status() == call.Idle }, waitFor, tick)
	assert.Equal(t, call.Idle, alice.Status())
	assert.Empty(t, alice.PartnerID())
	assert.Empty(t, bob.PartnerID())
}
