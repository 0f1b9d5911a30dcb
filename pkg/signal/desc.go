package signal

import (
	"encoding/json"

	"github.com/pixelbender/go-sdp/sdp"
)

// Desc is the offer/answer payload carried in an Envelope's Data field.
type Desc struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d *Desc) Parse() (*sdp.Session, error) {
	return sdp.Parse([]byte(d.SDP))
}

// HasVideo reports whether the description negotiates at least one video
// section. Used to derive the video flag when the envelope omits it.
func (d *Desc) HasVideo() bool {
	sess, err := d.Parse()
	if err != nil {
		return false
	}
	for _, m := range sess.Media {
		if m.Type == "video" {
			return true
		}
	}
	return false
}

func (d *Desc) Marshal() (json.RawMessage, error) {
	return json.Marshal(d)
}

func UnmarshalDesc(data json.RawMessage) (*Desc, error) {
	var d Desc
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
