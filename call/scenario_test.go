package call

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshgram/callkit/records"
	"github.com/meshgram/callkit/signaling"
)

// TestFullVideoCallScenario walks one call through its whole life:
// ring, answer, connect, screen share, camera flip, kind switch and
// hangup, checking both sides and the record trail along the way.
func TestFullVideoCallScenario(t *testing.T) {
	caller, callee := newPair(t, Config{})

	require.NoError(t, caller.n.Initiate(context.Background(), "bob", KindVideo))
	require.Eventually(t, func() bool {
		return callee.n.State() == StateIncomingRinging
	}, waitFor, tick)

	require.NoError(t, callee.n.Answer(context.Background()))
	require.Eventually(t, func() bool {
		return caller.n.State() == StateNegotiating
	}, waitFor, tick)

	caller.factory.last().setState(TransportConnected)
	callee.factory.last().setState(TransportConnected)
	require.Eventually(t, func() bool {
		return caller.n.State() == StateConnected && callee.n.State() == StateConnected
	}, waitFor, tick)

	sessionID := caller.n.Session().ID()
	assert.Equal(t, sessionID, callee.n.Session().ID())

	require.NoError(t, caller.n.StartScreenShare())
	require.NoError(t, caller.n.StopScreenShare())
	require.NoError(t, caller.n.FlipCamera())
	require.NoError(t, caller.n.SwitchKind(KindAudio))
	require.NoError(t, caller.n.SwitchKind(KindVideo))

	// Mid-call media changes never disturb the session.
	assert.Equal(t, sessionID, caller.n.Session().ID())
	assert.Equal(t, StateConnected, caller.n.State())
	assert.Equal(t, StateConnected, callee.n.State())

	caller.clock.Advance(3 * time.Minute)
	require.NoError(t, caller.n.End())

	require.Eventually(t, func() bool {
		return caller.n.Session() == nil && callee.n.Session() == nil
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return caller.store.countStatus(records.StatusEnded) == 1
	}, waitFor, tick)
	last, ok := caller.store.lastUpdate()
	require.True(t, ok)
	assert.Equal(t, sessionID, last.sessionID)
	assert.Equal(t, 3*time.Minute, last.duration)

	require.Eventually(t, func() bool {
		reasons := callee.endReasons()
		return len(reasons) == 1 && reasons[0] == ReasonRemoteHangup
	}, waitFor, tick)
}

// TestBusyCallerScenario checks the caller side of a busy response:
// the slot frees and the record closes as busy.
func TestBusyCallerScenario(t *testing.T) {
	caller, _ := newPair(t, Config{})

	require.NoError(t, caller.n.Initiate(context.Background(), "bob", KindAudio))
	sessionID := caller.n.Session().ID()

	caller.n.HandleMessage(&signaling.Message{
		Kind:      signaling.KindBusy,
		From:      "bob",
		SessionID: sessionID,
	})

	assert.Nil(t, caller.n.Session())
	require.Eventually(t, func() bool {
		reasons := caller.endReasons()
		return len(reasons) == 1 && reasons[0] == ReasonBusy
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return caller.store.countStatus(records.StatusBusy) == 1
	}, waitFor, tick)

	// The slot is free for the next call immediately.
	require.NoError(t, caller.n.Initiate(context.Background(), "carol", KindAudio))
	assert.Equal(t, StateOutgoingRinging, caller.n.State())
}
