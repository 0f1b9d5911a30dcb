// Package signal implements the call signaling envelope exchanged over the
// realtime transport: a type tag, sender/recipient identities, an opaque
// negotiation payload and the call-kind flags.
package signal

import (
	"encoding/json"
	"fmt"
)

type Type string

const (
	Offer        Type = "OFFER"
	Answer       Type = "ANSWER"
	IceCandidate Type = "ICE_CANDIDATE"
	Hangup       Type = "HANGUP"
)

// Envelope is one call signal on the wire, addressed by user ID. Data is
// opaque to this layer: an offer/answer description or an ICE candidate,
// depending on Type. IsGroup and VideoEnabled are stamped on every envelope,
// including candidates and hangups, so the shape never varies by type.
type Envelope struct {
	SenderID     string          `json:"senderId"`
	RecipientID  string          `json:"recipientId"`
	Type         Type            `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	IsGroup      bool            `json:"isGroup"`
	VideoEnabled bool            `json:"videoEnabled"`
}

// wireEnvelope shadows Envelope so a missing videoEnabled field can be told
// apart from an explicit false. Older clients omit it on audio-only offers.
type wireEnvelope struct {
	SenderID     string          `json:"senderId"`
	RecipientID  string          `json:"recipientId"`
	Type         Type            `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	IsGroup      bool            `json:"isGroup"`
	VideoEnabled *bool           `json:"videoEnabled"`
}

func Encode(env *Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("signal: missing type")
	}
	return json.Marshal(env)
}

// Decode parses a wire payload into an Envelope. Unknown type values are not
// an error here: the controller decides what to ignore. An absent
// videoEnabled decodes as true.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("signal: decode: %v", err)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("signal: missing type")
	}
	video := true
	if w.VideoEnabled != nil {
		video = *w.VideoEnabled
	}
	return &Envelope{
		SenderID:     w.SenderID,
		RecipientID:  w.RecipientID,
		Type:         w.Type,
		Data:         w.Data,
		IsGroup:      w.IsGroup,
		VideoEnabled: video,
	}, nil
}
