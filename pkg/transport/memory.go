package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/webchat-dev/go-chat-ua/pkg/utils"
)

// Compile-time interface check.
var _ Transport = (*Memory)(nil)

const memorySubBuffer = 64

// Memory is an in-process Transport. Two engines sharing the same Memory
// instance can signal each other without any network, which is how the
// package tests drive full call handshakes.
type Memory struct {
	mu     sync.Mutex
	subs   map[string][]chan []byte
	closed bool
	logger *logrus.Entry
}

func NewMemory() *Memory {
	return &Memory{
		subs:   make(map[string][]chan []byte),
		logger: utils.NewLogrusLogger(utils.DefaultLogLevel, "MemTransport"),
	}
}

func (m *Memory) Connect(ctx context.Context) error {
	return nil
}

func (m *Memory) Subscribe(topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, memorySubBuffer)
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		chans := m.subs[topic]
		for i, c := range chans {
			if c == ch {
				m.subs[topic] = append(chans[:i], chans[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

func (m *Memory) Send(topic string, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, ch := range m.subs[topic] {
		select {
		case ch <- buf:
		default:
			m.logger.Warnf("subscriber on %q is full, dropping frame", topic)
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, chans := range m.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	m.subs = make(map[string][]chan []byte)
	return nil
}
