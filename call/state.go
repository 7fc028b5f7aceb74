package call

import "fmt"

// SessionState is the current state of a call session.
type SessionState int

const (
	// StateIdle indicates no session activity. It is the initial state
	// and the state the slot reverts to after terminal cleanup.
	StateIdle SessionState = iota
	// StateOutgoingRinging indicates a locally initiated call waiting
	// for the remote party to answer.
	StateOutgoingRinging
	// StateIncomingRinging indicates an inbound invite waiting for a
	// local answer or reject, bounded by the ring timeout.
	StateIncomingRinging
	// StateNegotiating indicates descriptions have been exchanged and
	// the transport is establishing connectivity.
	StateNegotiating
	// StateConnected indicates the media transport is live.
	StateConnected
	// StateReconnecting indicates the transport degraded and bounded
	// recovery is in progress.
	StateReconnecting
	// StateEnded indicates the session finished, by hangup, negotiation
	// failure or reconnection exhaustion.
	StateEnded
	// StateRejected indicates the remote (or local) party declined.
	StateRejected
	// StateMissed indicates the ring timeout elapsed with no local
	// action.
	StateMissed
	// StateBusy indicates the remote party already had an active
	// session.
	StateBusy
)

// String returns the lowercase name used in logs and callbacks.
func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOutgoingRinging:
		return "outgoing-ringing"
	case StateIncomingRinging:
		return "incoming-ringing"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateEnded:
		return "ended"
	case StateRejected:
		return "rejected"
	case StateMissed:
		return "missed"
	case StateBusy:
		return "busy"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Terminal reports whether the state always resolves back to idle after
// resource cleanup.
func (s SessionState) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateMissed, StateBusy:
		return true
	default:
		return false
	}
}

// Kind is the media mode of a session. It is mutable mid-session; a
// kind change never changes the session id or the local role.
type Kind string

const (
	// KindAudio is a voice-only session.
	KindAudio Kind = "audio"
	// KindVideo is an audio+video session.
	KindVideo Kind = "video"
)

// Valid reports whether k is a known media kind.
func (k Kind) Valid() bool {
	return k == KindAudio || k == KindVideo
}

// Role distinguishes which side of the session the local identity is.
type Role int

const (
	// RoleCaller initiated the session.
	RoleCaller Role = iota
	// RoleCallee received the invite.
	RoleCallee
)

// String returns the lowercase role name.
func (r Role) String() string {
	if r == RoleCallee {
		return "callee"
	}
	return "caller"
}

// EndReason classifies why a session reached a terminal state. It lets
// the application distinguish a user hangup from an asynchronous
// failure surfaced through the terminal-state path.
type EndReason int

const (
	// ReasonLocalHangup is a local End call.
	ReasonLocalHangup EndReason = iota
	// ReasonRemoteHangup is a remote end event.
	ReasonRemoteHangup
	// ReasonRejected is a local or remote reject.
	ReasonRejected
	// ReasonBusy is a remote busy signal.
	ReasonBusy
	// ReasonMissed is the ring timeout expiring unanswered.
	ReasonMissed
	// ReasonNegotiationFailed is a malformed or failed offer/answer
	// exchange. Never retried.
	ReasonNegotiationFailed
	// ReasonReconnectExhausted is transport recovery giving up after
	// the bounded attempts. Distinct from a user-initiated hangup.
	ReasonReconnectExhausted
	// ReasonSignalingLost is the signaling channel dropping with a
	// session in flight.
	ReasonSignalingLost
)

// String returns the reason name used in logs.
func (r EndReason) String() string {
	switch r {
	case ReasonLocalHangup:
		return "local-hangup"
	case ReasonRemoteHangup:
		return "remote-hangup"
	case ReasonRejected:
		return "rejected"
	case ReasonBusy:
		return "busy"
	case ReasonMissed:
		return "missed"
	case ReasonNegotiationFailed:
		return "negotiation-failed"
	case ReasonReconnectExhausted:
		return "reconnect-exhausted"
	case ReasonSignalingLost:
		return "signaling-lost"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}
