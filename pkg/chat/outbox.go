package chat

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/webchat-dev/go-chat-ua/pkg/transport"
	"github.com/webchat-dev/go-chat-ua/pkg/utils"
)

var (
	logger *logrus.Entry
)

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Chat")
}

// earlyReceiptCap bounds how many receipts for not-yet-registered messages
// are retained. Receipts can outrun their messages when the server fans out
// faster than the local send path settles.
const earlyReceiptCap = 256

// Outbox tracks in-flight outbound messages and applies delivery receipts
// idempotently, tolerating out-of-order arrival.
type Outbox struct {
	selfID string
	tr     transport.Transport

	// OnStatusChange fires once per effective (forward) transition.
	OnStatusChange func(messageID string, status DeliveryStatus)

	mu    sync.Mutex
	msgs  map[string]*Message
	early deque.Deque
}

func NewOutbox(selfID string, tr transport.Transport) *Outbox {
	return &Outbox{
		selfID: selfID,
		tr:     tr,
		msgs:   make(map[string]*Message),
	}
}

// Send assigns the message ID, hands the payload to the transport and tracks
// the message. On a transport error the message stays Pending and tracked so
// a later Flush can retry it.
func (o *Outbox) Send(recipientID, body string) (*Message, error) {
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: recipientID,
		SenderID:       o.selfID,
		RecipientID:    recipientID,
		Body:           body,
		SentAt:         time.Now().UTC(),
		Status:         Pending,
	}

	o.mu.Lock()
	o.msgs[msg.ID] = msg
	o.mu.Unlock()
	o.replayEarly(msg.ID)

	if err := o.push(msg); err != nil {
		return msg, fmt.Errorf("chat: send %s: %w", msg.ID, err)
	}
	o.advance(msg.ID, Sent)
	return msg, nil
}

// Flush retries every Pending message in SentAt order.
func (o *Outbox) Flush() error {
	o.mu.Lock()
	var pending []*Message
	for _, m := range o.msgs {
		if m.Status == Pending {
			pending = append(pending, m)
		}
	}
	o.mu.Unlock()

	for _, m := range pending {
		if err := o.push(m); err != nil {
			return err
		}
		o.advance(m.ID, Sent)
	}
	return nil
}

func (o *Outbox) push(msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return o.tr.Send(transport.ChatTopic(msg.RecipientID), payload)
}

// Apply folds one receipt into the state machine. Receipts for unknown
// message IDs are parked and replayed when the message registers.
func (o *Outbox) Apply(r Receipt) {
	o.mu.Lock()
	_, known := o.msgs[r.MessageID]
	if !known {
		if o.early.Len() >= earlyReceiptCap {
			dropped := o.early.PopFront().(Receipt)
			logger.Warnf("early receipt overflow, dropping receipt for %s", dropped.MessageID)
		}
		o.early.PushBack(r)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.advance(r.MessageID, r.Status)
}

// Track registers a message restored from elsewhere (e.g. a reloaded
// conversation) and replays any receipts that arrived ahead of it.
func (o *Outbox) Track(msg *Message) {
	o.mu.Lock()
	if _, exists := o.msgs[msg.ID]; exists {
		o.mu.Unlock()
		return
	}
	o.msgs[msg.ID] = msg
	o.mu.Unlock()
	o.replayEarly(msg.ID)
}

// ReadUpTo marks every message to peer sent at or before ts as Read, the
// bulk form a conversation-level read marker collapses to.
func (o *Outbox) ReadUpTo(peerID string, ts time.Time) {
	o.mu.Lock()
	var ids []string
	for _, m := range o.msgs {
		if m.RecipientID == peerID && !m.SentAt.After(ts) {
			ids = append(ids, m.ID)
		}
	}
	o.mu.Unlock()

	for _, id := range ids {
		o.advance(id, Read)
	}
}

func (o *Outbox) Status(messageID string) (DeliveryStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.msgs[messageID]
	if !ok {
		return "", false
	}
	return m.Status, true
}

// advance applies a forward-only transition; anything sideways or backwards
// is ignored, which makes duplicate and out-of-order receipts harmless.
func (o *Outbox) advance(messageID string, to DeliveryStatus) {
	o.mu.Lock()
	m, ok := o.msgs[messageID]
	if !ok || statusRank[to] <= statusRank[m.Status] {
		o.mu.Unlock()
		return
	}
	m.Status = to
	o.mu.Unlock()

	if f := o.OnStatusChange; f != nil {
		f(messageID, to)
	}
}

// replayEarly re-applies parked receipts that match the newly known ID.
func (o *Outbox) replayEarly(messageID string) {
	o.mu.Lock()
	var matched []Receipt
	n := o.early.Len()
	for i := 0; i < n; i++ {
		r := o.early.PopFront().(Receipt)
		if r.MessageID == messageID {
			matched = append(matched, r)
		} else {
			o.early.PushBack(r)
		}
	}
	o.mu.Unlock()

	for _, r := range matched {
		o.advance(messageID, r.Status)
	}
}
