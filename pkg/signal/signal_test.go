package signal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const miniSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n"

const miniVideoSDP = miniSDP +
	"m=video 9 UDP/TLS/RTP/SAVPF 125\r\n" +
	"a=rtpmap:125 H264/90000\r\n"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	desc := &Desc{Type: "offer", SDP: miniSDP}
	data, err := desc.Marshal()
	require.NoError(t, err)

	env := &Envelope{
		SenderID:     "alice",
		RecipientID:  "bob",
		Type:         Offer,
		Data:         data,
		IsGroup:      true,
		VideoEnabled: false,
	}

	wire, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(wire)
	require.NoError(t, err)

	assert.Equal(t, env.SenderID, got.SenderID)
	assert.Equal(t, env.RecipientID, got.RecipientID)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.IsGroup, got.IsGroup)
	assert.Equal(t, env.VideoEnabled, got.VideoEnabled)
	assert.JSONEq(t, string(env.Data), string(got.Data))
}

func TestDecodeVideoEnabledDefaultsTrue(t *testing.T) {
	wire := []byte(`{"senderId":"alice","recipientId":"bob","type":"OFFER"}`)
	env, err := Decode(wire)
	require.NoError(t, err)
	assert.True(t, env.VideoEnabled)

	wire = []byte(`{"senderId":"alice","recipientId":"bob","type":"OFFER","videoEnabled":false}`)
	env, err = Decode(wire)
	require.NoError(t, err)
	assert.False(t, env.VideoEnabled)
}

func TestDecodeUnknownTypePasses(t *testing.T) {
	wire := []byte(`{"senderId":"alice","recipientId":"bob","type":"RENEGOTIATE"}`)
	env, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, Type("RENEGOTIATE"), env.Type)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	if _, err := Decode([]byte(`{"senderId":`)); err == nil {
		t.Error("Decode(truncated) = nil error; want error")
	}
	if _, err := Decode([]byte(`{"senderId":"alice"}`)); err == nil {
		t.Error("Decode(missing type) = nil error; want error")
	}
}

func TestDescHasVideo(t *testing.T) {
	audio := &Desc{Type: "offer", SDP: miniSDP}
	assert.False(t, audio.HasVideo())

	video := &Desc{Type: "offer", SDP: miniVideoSDP}
	assert.True(t, video.HasVideo())
}

func TestCandidatePayloadOpaque(t *testing.T) {
	cand := map[string]any{"candidate": "candidate:1 1 udp 2130706431 10.0.0.1 54321 typ host", "sdpMLineIndex": 0}
	data, err := json.Marshal(cand)
	require.NoError(t, err)

	wire, err := Encode(&Envelope{SenderID: "a", RecipientID: "b", Type: IceCandidate, Data: data, VideoEnabled: true})
	require.NoError(t, err)
	got, err := Decode(wire)
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(got.Data))
}
