// Package transport provides the bidirectional signaling channel the call
// and chat engines run over. Frames are routed by topic; delivery is ordered
// per subscription.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrClosed    = errors.New("transport: closed")
	ErrQueueFull = errors.New("transport: outbound queue full")
)

// Message is one frame on the wire. The server tags every frame with the
// destination topic; the client demultiplexes locally.
type Message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Transport is the only surface the engines need from the realtime layer.
type Transport interface {
	Connect(ctx context.Context) error
	// Subscribe returns an ordered stream of payloads for one topic and a
	// cancel func that releases the subscription.
	Subscribe(topic string) (<-chan []byte, func())
	Send(topic string, payload []byte) error
	Close() error
}

// CallTopic scopes call signaling per user, distinct from the chat
// subscription.
func CallTopic(userID string) string {
	return "call:" + userID
}

func ChatTopic(userID string) string {
	return "chat:" + userID
}
