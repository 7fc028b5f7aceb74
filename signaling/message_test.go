package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	msg := &Message{
		Kind:      KindCandidate,
		From:      "alice",
		To:        "bob",
		SessionID: "sess-1",
		Candidate: &Candidate{
			Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54400 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &idx,
		},
	}

	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Kind, decoded.Kind)
	assert.Equal(t, msg.SessionID, decoded.SessionID)
	require.NotNil(t, decoded.Candidate)
	assert.Equal(t, msg.Candidate.Candidate, decoded.Candidate.Candidate)
	require.NotNil(t, decoded.Candidate.SDPMid)
	assert.Equal(t, "0", *decoded.Candidate.SDPMid)
}

func TestEncodeRejectsInvalid(t *testing.T) {
	_, err := Encode(nil)
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Encode(&Message{SessionID: "sess-1"})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeValidatesPerKind(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{
			name:    "invite with description",
			payload: `{"kind":"invite","from":"alice","to":"bob","sessionId":"s1","callKind":"video","description":{"type":"offer","sdp":"v=0"}}`,
		},
		{
			name:    "invite without description",
			payload: `{"kind":"invite","from":"alice","to":"bob","sessionId":"s1"}`,
			wantErr: true,
		},
		{
			name:    "answer without sdp",
			payload: `{"kind":"answer","sessionId":"s1","description":{"type":"answer","sdp":""}}`,
			wantErr: true,
		},
		{
			name:    "candidate without payload",
			payload: `{"kind":"candidate","sessionId":"s1"}`,
			wantErr: true,
		},
		{
			name:    "end needs no payload",
			payload: `{"kind":"end","from":"alice","to":"bob","sessionId":"s1"}`,
		},
		{
			name:    "reconnect offer with description",
			payload: `{"kind":"reconnect-offer","sessionId":"s1","description":{"type":"offer","sdp":"v=0"}}`,
		},
		{
			name:    "missing session id",
			payload: `{"kind":"end","from":"alice","to":"bob"}`,
			wantErr: true,
		},
		{
			name:    "missing kind",
			payload: `{"sessionId":"s1"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `{{{`,
			wantErr: true,
		},
		{
			name:    "unknown kind passes through",
			payload: `{"kind":"dance","sessionId":"s1"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, msg)
		})
	}
}
