// Package call implements the call lifecycle state machine: it owns the
// single call session, decides when a peer session is built and torn down,
// and translates user intents and inbound signals into transitions.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"

	"github.com/webchat-dev/go-chat-ua/pkg/account"
	"github.com/webchat-dev/go-chat-ua/pkg/media"
	"github.com/webchat-dev/go-chat-ua/pkg/rtc"
	"github.com/webchat-dev/go-chat-ua/pkg/signal"
	"github.com/webchat-dev/go-chat-ua/pkg/transport"
	"github.com/webchat-dev/go-chat-ua/pkg/utils"
)

var (
	logger *logrus.Entry

	ErrBusy         = errors.New("call: another call is active or being set up")
	ErrInvalidState = errors.New("call: operation not valid in current state")
	ErrEnded        = errors.New("call: session ended during setup")
)

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Call")
}

// Peer is the negotiation surface the controller drives. *rtc.Peer is the
// production implementation; tests substitute their own.
type Peer interface {
	AddLocalStream(stream *media.Stream) error
	CreateOffer() (*signal.Desc, error)
	CreateAnswer() (*signal.Desc, error)
	SetRemoteDescription(desc *signal.Desc) error
	AddCandidate(init webrtc.ICECandidateInit) error
	Candidates() <-chan webrtc.ICECandidateInit
	RemoteStreams() <-chan *media.RemoteStream
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

type PeerFactory func() (Peer, error)

type ControllerConfig struct {
	Profile   *account.Profile
	Transport transport.Transport
	Capturer  media.Capturer
	// NewPeer defaults to rtc.NewPeer with the fixed STUN list.
	NewPeer PeerFactory
}

// callSession is the one value object holding all per-call state. It exists
// exactly while the status is non-Idle and is never reused.
type callSession struct {
	status       Status
	direction    Direction
	partnerID    string
	isGroup      bool
	videoEnabled bool

	peer         Peer
	localStream  *media.Stream
	remoteStream *media.RemoteStream

	pumpDone chan struct{}
}

// Controller owns at most one call session at a time. Handler fields are
// consumed by the UI layer; set them before the first signal can arrive.
type Controller struct {
	OnStateChange  func(Status)
	OnIncomingCall func(partnerID string, video bool)
	OnLocalStream  func(*media.Stream)
	OnRemoteStream func(*media.RemoteStream)
	OnMediaState   func(webrtc.PeerConnectionState)

	cfg ControllerConfig

	mu   sync.Mutex
	sess *callSession

	// setup makes the async acquire-then-negotiate sequence single-flight,
	// closing the glare window between two near-simultaneous offers.
	setup *abool.AtomicBool

	closed    *abool.AtomicBool
	cancelSub func()
	done      chan struct{}
}

// NewController subscribes to the caller's signaling topic and starts
// dispatching immediately.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Profile == nil || cfg.Transport == nil || cfg.Capturer == nil {
		return nil, errors.New("call: profile, transport and capturer are required")
	}
	if cfg.NewPeer == nil {
		cfg.NewPeer = func() (Peer, error) {
			return rtc.NewPeer(rtc.Config{})
		}
	}
	c := &Controller{
		cfg:    cfg,
		setup:  abool.New(),
		closed: abool.New(),
		done:   make(chan struct{}),
	}
	ch, cancel := cfg.Transport.Subscribe(transport.CallTopic(cfg.Profile.UserID))
	c.cancelSub = cancel
	go c.dispatchLoop(ch)
	return c, nil
}

func (c *Controller) dispatchLoop(ch <-chan []byte) {
	for {
		select {
		case <-c.done:
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			env, err := signal.Decode(frame)
			if err != nil {
				logger.Warnf("dropping undecodable signal: %v", err)
				continue
			}
			c.dispatch(env)
		}
	}
}

func (c *Controller) dispatch(env *signal.Envelope) {
	switch env.Type {
	case signal.Offer:
		c.handleOffer(env)
	case signal.Answer:
		c.handleAnswer(env)
	case signal.IceCandidate:
		c.handleCandidate(env)
	case signal.Hangup:
		c.handleHangup(env)
	default:
		logger.Warnf("ignoring signal of unknown type %q from %s", env.Type, env.SenderID)
	}
}

// StartCall dials partnerID. Valid only from Idle. Media acquisition or
// negotiation failure tears the session back down to Idle and is returned.
func (c *Controller) StartCall(ctx context.Context, partnerID string, isGroup, video bool) error {
	if !c.setup.SetToIf(false, true) {
		return ErrBusy
	}
	defer c.setup.UnSet()

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	sess := &callSession{
		status:       Outgoing,
		direction:    DirectionOutgoing,
		partnerID:    partnerID,
		isGroup:      isGroup,
		videoEnabled: video,
		pumpDone:     make(chan struct{}),
	}
	c.sess = sess
	c.mu.Unlock()
	c.emitState(Outgoing)

	if err := c.setupPeer(ctx, sess); err != nil {
		c.endCall(true)
		return err
	}

	offer, err := sess.peer.CreateOffer()
	if err != nil {
		c.endCall(true)
		return err
	}
	data, err := offer.Marshal()
	if err != nil {
		c.endCall(true)
		return err
	}
	if err := c.sendSignal(sess, signal.Offer, data); err != nil {
		c.endCall(false)
		return err
	}
	logger.Infof("calling %s (group=%v, video=%v)", partnerID, isGroup, video)
	return nil
}

// handleOffer admits an inbound offer only from Idle; while any session
// exists or is being set up, the offer is ignored and no busy reply is sent
// (the caller keeps ringing until it hangs up).
func (c *Controller) handleOffer(env *signal.Envelope) {
	if !c.setup.SetToIf(false, true) {
		logger.Infof("busy, ignoring offer from %s", env.SenderID)
		return
	}
	defer c.setup.UnSet()

	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		logger.Infof("busy, ignoring offer from %s", env.SenderID)
		return
	}
	sess := &callSession{
		status:       Incoming,
		direction:    DirectionIncoming,
		partnerID:    env.SenderID,
		isGroup:      env.IsGroup,
		videoEnabled: env.VideoEnabled,
		pumpDone:     make(chan struct{}),
	}
	c.sess = sess
	c.mu.Unlock()

	desc, err := signal.UnmarshalDesc(env.Data)
	if err != nil {
		logger.Errorf("bad offer payload from %s: %v", env.SenderID, err)
		c.endCall(false)
		return
	}

	peer, err := c.cfg.NewPeer()
	if err != nil {
		logger.Errorf("create peer: %v", err)
		c.endCall(true)
		return
	}
	c.mu.Lock()
	sess.peer = peer
	c.mu.Unlock()
	c.startPumps(sess, peer)

	if err := peer.SetRemoteDescription(desc); err != nil {
		logger.Errorf("apply remote offer: %v", err)
		c.endCall(true)
		return
	}

	logger.Infof("incoming call from %s (group=%v, video=%v)", env.SenderID, env.IsGroup, env.VideoEnabled)
	c.emitState(Incoming)
	if f := c.OnIncomingCall; f != nil {
		f(env.SenderID, env.VideoEnabled)
	}
}

// AcceptCall answers the ringing call: acquires local media with the video
// flag stored from the offer, sends exactly one answer and reports
// Connected. Connected means the handshake is locally complete, not that
// media is flowing; media connectivity is surfaced via OnMediaState.
func (c *Controller) AcceptCall(ctx context.Context) error {
	if !c.setup.SetToIf(false, true) {
		return ErrBusy
	}
	defer c.setup.UnSet()

	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.status != Incoming {
		c.mu.Unlock()
		return ErrInvalidState
	}
	peer := sess.peer
	c.mu.Unlock()

	stream, err := c.cfg.Capturer.Capture(ctx, sess.videoEnabled)
	if err != nil {
		logger.Errorf("media acquisition failed: %v", err)
		c.endCall(true)
		return err
	}
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		stream.Close()
		return ErrEnded
	}
	sess.localStream = stream
	c.mu.Unlock()

	if err := peer.AddLocalStream(stream); err != nil {
		c.endCall(true)
		return err
	}
	if f := c.OnLocalStream; f != nil {
		f(stream)
	}

	answer, err := peer.CreateAnswer()
	if err != nil {
		c.endCall(true)
		return err
	}
	data, err := answer.Marshal()
	if err != nil {
		c.endCall(true)
		return err
	}
	if err := c.sendSignal(sess, signal.Answer, data); err != nil {
		c.endCall(false)
		return err
	}

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return ErrEnded
	}
	sess.status = Connected
	c.mu.Unlock()
	logger.Infof("accepted call from %s", sess.partnerID)
	c.emitState(Connected)
	return nil
}

// RejectCall declines the ringing call: hangup is signaled to the caller and
// the session is fully torn down.
func (c *Controller) RejectCall() error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.status != Incoming {
		c.mu.Unlock()
		return ErrInvalidState
	}
	c.mu.Unlock()
	logger.Infof("rejecting call from %s", sess.partnerID)
	c.endCall(true)
	return nil
}

// EndCall tears down from any state. Safe to call when already Idle.
func (c *Controller) EndCall() {
	c.endCall(true)
}

func (c *Controller) handleAnswer(env *signal.Envelope) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.status != Outgoing || env.SenderID != sess.partnerID || sess.peer == nil {
		c.mu.Unlock()
		logger.Infof("ignoring answer from %s", env.SenderID)
		return
	}
	peer := sess.peer
	c.mu.Unlock()

	desc, err := signal.UnmarshalDesc(env.Data)
	if err != nil {
		logger.Errorf("bad answer payload from %s: %v", env.SenderID, err)
		c.endCall(true)
		return
	}
	if err := peer.SetRemoteDescription(desc); err != nil {
		logger.Errorf("apply remote answer: %v", err)
		c.endCall(true)
		return
	}

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	sess.status = Connected
	c.mu.Unlock()
	logger.Infof("call with %s connected", sess.partnerID)
	c.emitState(Connected)
}

// handleCandidate routes a remote candidate to the active peer session. A
// candidate arriving before the peer exists is dropped, not queued: the
// transport delivers per-subscription in order, so the offer always lands
// first when the sender emits them in order.
func (c *Controller) handleCandidate(env *signal.Envelope) {
	c.mu.Lock()
	sess := c.sess
	var peer Peer
	if sess != nil {
		peer = sess.peer
	}
	c.mu.Unlock()

	if sess == nil || peer == nil || env.SenderID != sess.partnerID {
		logger.Debugf("dropping candidate from %s: no matching session", env.SenderID)
		return
	}

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(env.Data, &init); err != nil {
		logger.Warnf("bad candidate payload from %s: %v", env.SenderID, err)
		return
	}
	if err := peer.AddCandidate(init); err != nil {
		logger.Warnf("add candidate: %v", err)
	}
}

// handleHangup tears down without re-signaling hangup, so two peers hanging
// up simultaneously cannot loop.
func (c *Controller) handleHangup(env *signal.Envelope) {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil || env.SenderID != sess.partnerID {
		logger.Debugf("ignoring hangup from %s", env.SenderID)
		return
	}
	logger.Infof("hangup from %s", env.SenderID)
	c.endCall(false)
}

// setupPeer acquires local media, builds a fresh peer and wires its event
// pumps. Caller-side only; the callee defers acquisition to AcceptCall.
func (c *Controller) setupPeer(ctx context.Context, sess *callSession) error {
	stream, err := c.cfg.Capturer.Capture(ctx, sess.videoEnabled)
	if err != nil {
		logger.Errorf("media acquisition failed: %v", err)
		return err
	}

	peer, err := c.cfg.NewPeer()
	if err != nil {
		stream.Close()
		return err
	}
	if err := peer.AddLocalStream(stream); err != nil {
		stream.Close()
		peer.Close()
		return err
	}

	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		stream.Close()
		peer.Close()
		return ErrEnded
	}
	sess.localStream = stream
	sess.peer = peer
	c.mu.Unlock()

	c.startPumps(sess, peer)
	if f := c.OnLocalStream; f != nil {
		f(stream)
	}
	return nil
}

// startPumps forwards peer events for one session: every discovered
// candidate out as a signal, every inbound media publication up to the UI.
func (c *Controller) startPumps(sess *callSession, peer Peer) {
	go func() {
		for {
			select {
			case <-sess.pumpDone:
				return
			case init, ok := <-peer.Candidates():
				if !ok {
					return
				}
				data, err := json.Marshal(init)
				if err != nil {
					logger.Errorf("marshal candidate: %v", err)
					continue
				}
				if err := c.sendSignal(sess, signal.IceCandidate, data); err != nil {
					logger.Warnf("send candidate: %v", err)
				}
			}
		}
	}()

	go func() {
		for {
			select {
			case <-sess.pumpDone:
				return
			case rs, ok := <-peer.RemoteStreams():
				if !ok {
					return
				}
				c.mu.Lock()
				if c.sess != sess {
					c.mu.Unlock()
					return
				}
				sess.remoteStream = rs
				c.mu.Unlock()
				if f := c.OnRemoteStream; f != nil {
					f(rs)
				}
			}
		}
	}()

	peer.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Infof("media state with %s: %s", sess.partnerID, state.String())
		if f := c.OnMediaState; f != nil {
			f(state)
		}
	})
}

// sendSignal stamps sender, recipient and both call-kind flags on every
// outbound envelope, candidates and hangups included.
func (c *Controller) sendSignal(sess *callSession, typ signal.Type, data json.RawMessage) error {
	env := &signal.Envelope{
		SenderID:     c.cfg.Profile.UserID,
		RecipientID:  sess.partnerID,
		Type:         typ,
		Data:         data,
		IsGroup:      sess.isGroup,
		VideoEnabled: sess.videoEnabled,
	}
	frame, err := signal.Encode(env)
	if err != nil {
		return err
	}
	return c.cfg.Transport.Send(transport.CallTopic(sess.partnerID), frame)
}

// endCall is the single teardown path: idempotent, releases capture,
// discards the peer and resets to Idle. The hangup signal is suppressed when
// the teardown was caused by a received hangup.
func (c *Controller) endCall(emitSignal bool) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.mu.Unlock()
		return
	}
	c.sess = nil
	c.mu.Unlock()

	close(sess.pumpDone)

	if emitSignal && sess.partnerID != "" {
		if err := c.sendSignal(sess, signal.Hangup, nil); err != nil {
			logger.Warnf("send hangup to %s: %v", sess.partnerID, err)
		}
	}

	if sess.peer != nil {
		if err := sess.peer.Close(); err != nil {
			logger.Warnf("close peer: %v", err)
		}
	}
	if sess.localStream != nil {
		sess.localStream.Close()
	}

	if f := c.OnLocalStream; f != nil {
		f(nil)
	}
	if f := c.OnRemoteStream; f != nil {
		f(nil)
	}
	logger.Infof("call with %s ended", sess.partnerID)
	c.emitState(Idle)
}

func (c *Controller) emitState(s Status) {
	if f := c.OnStateChange; f != nil {
		f(s)
	}
}

// Close ends any active call and stops dispatching.
func (c *Controller) Close() {
	if !c.closed.SetToIf(false, true) {
		return
	}
	c.endCall(true)
	close(c.done)
	if c.cancelSub != nil {
		c.cancelSub()
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return Idle
	}
	return c.sess.status
}

func (c *Controller) PartnerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.partnerID
}

func (c *Controller) Direction() Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.direction
}

// VideoEnabled reports whether the current call negotiates video. False when
// no call exists.
func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.videoEnabled
}

func (c *Controller) IsGroup() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil && c.sess.isGroup
}

func (c *Controller) LocalStream() *media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.localStream
}

func (c *Controller) RemoteStream() *media.RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.remoteStream
}
