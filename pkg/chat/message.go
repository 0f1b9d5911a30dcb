// Package chat implements the client-side message delivery state machine and
// the unread/session reconciliation logic. It shares the realtime transport
// with the call engine but runs on the chat-scoped subscription.
package chat

import (
	"time"
)

type DeliveryStatus string

const (
	Pending   DeliveryStatus = "Pending"   /**< Queued locally, not yet on the wire. */
	Sent      DeliveryStatus = "Sent"      /**< Handed to the transport. */
	Delivered DeliveryStatus = "Delivered" /**< Receipt from the recipient's device. */
	Read      DeliveryStatus = "Read"      /**< Recipient opened the conversation. */
)

// statusRank orders statuses so receipts arriving out of order can never
// move a message backwards.
var statusRank = map[DeliveryStatus]int{
	Pending:   0,
	Sent:      1,
	Delivered: 2,
	Read:      3,
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	RecipientID    string         `json:"recipientId"`
	Body           string         `json:"body"`
	SentAt         time.Time      `json:"sentAt"`
	Status         DeliveryStatus `json:"-"`
}

// Receipt is the acknowledgement a recipient emits as a message progresses.
type Receipt struct {
	MessageID string         `json:"messageId"`
	Status    DeliveryStatus `json:"status"`
	At        time.Time      `json:"at"`
}
