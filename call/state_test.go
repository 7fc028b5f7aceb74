package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state SessionState
		want  string
	}{
		{StateIdle, "idle"},
		{StateOutgoingRinging, "outgoing-ringing"},
		{StateIncomingRinging, "incoming-ringing"},
		{StateNegotiating, "negotiating"},
		{StateConnected, "connected"},
		{StateReconnecting, "reconnecting"},
		{StateEnded, "ended"},
		{StateRejected, "rejected"},
		{StateMissed, "missed"},
		{StateBusy, "busy"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}

func TestSessionStateTerminal(t *testing.T) {
	terminal := []SessionState{StateEnded, StateRejected, StateMissed, StateBusy}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s.String())
	}

	live := []SessionState{StateIdle, StateOutgoingRinging, StateIncomingRinging, StateNegotiating, StateConnected, StateReconnecting}
	for _, s := range live {
		assert.False(t, s.Terminal(), s.String())
	}
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindAudio.Valid())
	assert.True(t, KindVideo.Valid())
	assert.False(t, Kind("").Valid())
	assert.False(t, Kind("hologram").Valid())
}

func TestFacingOpposite(t *testing.T) {
	assert.Equal(t, FacingEnvironment, FacingUser.Opposite())
	assert.Equal(t, FacingUser, FacingEnvironment.Opposite())
}

func TestTransportStateHelpers(t *testing.T) {
	assert.True(t, TransportConnected.Live())
	assert.True(t, TransportCompleted.Live())
	assert.False(t, TransportDisconnected.Live())

	assert.True(t, TransportDisconnected.Degraded())
	assert.True(t, TransportFailed.Degraded())
	assert.False(t, TransportConnected.Degraded())
	assert.False(t, TransportClosed.Degraded())
}
