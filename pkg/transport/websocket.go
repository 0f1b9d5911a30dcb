package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tevino/abool"

	"github.com/webchat-dev/go-chat-ua/pkg/utils"
)

// Compile-time interface check.
var _ Transport = (*WebSocket)(nil)

const (
	defaultReconnectMin = 500 * time.Millisecond
	defaultReconnectMax = 30 * time.Second
	defaultSendQueueCap = 512
	writeTimeout        = 10 * time.Second
)

type WebSocketConfig struct {
	// URL of the signaling endpoint, ws:// or wss://.
	URL string
	// Token is attached as a bearer credential on the dial request.
	Token string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	SendQueueCap int
}

// WebSocket is the production Transport: one authenticated connection, a
// read pump that demultiplexes inbound frames by topic and a write pump fed
// from a bounded queue. The queue keeps Send usable across a reconnect
// window; once it is full the error is returned to the caller instead of
// being swallowed.
type WebSocket struct {
	cfg    WebSocketConfig
	logger *logrus.Entry

	mu       sync.Mutex
	conn     *websocket.Conn
	subs     map[string][]chan []byte
	outbound deque.Deque

	wake   chan struct{}
	done   chan struct{}
	closed *abool.AtomicBool
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = defaultReconnectMin
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = defaultReconnectMax
	}
	if cfg.SendQueueCap == 0 {
		cfg.SendQueueCap = defaultSendQueueCap
	}
	return &WebSocket{
		cfg:    cfg,
		logger: utils.NewLogrusLogger(utils.DefaultLogLevel, "WSTransport"),
		subs:   make(map[string][]chan []byte),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		closed: abool.New(),
	}
}

// Connect dials the endpoint and starts the pumps. The first dial failure is
// returned to the caller; later disconnects are retried with backoff until
// Close.
func (w *WebSocket) Connect(ctx context.Context) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	go w.readPump(conn)
	go w.writePump()
	return nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (w *WebSocket) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, memorySubBuffer)
	w.mu.Lock()
	w.subs[topic] = append(w.subs[topic], ch)
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		chans := w.subs[topic]
		for i, c := range chans {
			if c == ch {
				w.subs[topic] = append(chans[:i], chans[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

func (w *WebSocket) Send(topic string, payload []byte) error {
	if w.closed.IsSet() {
		return ErrClosed
	}
	frame, err := json.Marshal(&Message{Topic: topic, Payload: payload})
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.outbound.Len() >= w.cfg.SendQueueCap {
		w.mu.Unlock()
		return ErrQueueFull
	}
	w.outbound.PushBack(frame)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

func (w *WebSocket) Close() error {
	if !w.closed.SetToIf(false, true) {
		return nil
	}
	close(w.done)

	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	for _, chans := range w.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	w.subs = make(map[string][]chan []byte)
	w.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// readPump drains one connection until it fails, then hands over to the
// reconnect loop.
func (w *WebSocket) readPump(conn *websocket.Conn) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if w.closed.IsSet() {
				return
			}
			w.logger.Warnf("read failed: %v, reconnecting", err)
			w.reconnect()
			return
		}
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			w.logger.Warnf("bad frame: %v", err)
			continue
		}
		w.dispatch(&msg)
	}
}

func (w *WebSocket) dispatch(msg *Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs[msg.Topic] {
		select {
		case ch <- msg.Payload:
		default:
			w.logger.Warnf("subscriber on %q is full, dropping frame", msg.Topic)
		}
	}
}

func (w *WebSocket) writePump() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			if w.outbound.Len() == 0 {
				w.mu.Unlock()
				break
			}
			conn := w.conn
			frame := w.outbound.Front().([]byte)
			w.mu.Unlock()

			if conn == nil {
				// Reconnect in progress; frames stay queued.
				break
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				w.logger.Warnf("write failed: %v", err)
				break
			}
			w.mu.Lock()
			w.outbound.PopFront()
			w.mu.Unlock()
		}
	}
}

// reconnect redials with exponential backoff until it succeeds or the
// transport is closed, then restarts the read pump and flushes the queue.
func (w *WebSocket) reconnect() {
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()

	backoff := w.cfg.ReconnectMin
	for {
		select {
		case <-w.done:
			return
		case <-time.After(backoff):
		}

		conn, err := w.dial(context.Background())
		if err == nil {
			w.logger.Infof("reconnected to %s", w.cfg.URL)
			w.mu.Lock()
			w.conn = conn
			w.mu.Unlock()
			go w.readPump(conn)
			select {
			case w.wake <- struct{}{}:
			default:
			}
			return
		}
		w.logger.Warnf("redial failed: %v, next attempt in %v", err, backoff)
		backoff *= 2
		if backoff > w.cfg.ReconnectMax {
			backoff = w.cfg.ReconnectMax
		}
	}
}
