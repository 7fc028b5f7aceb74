package call

import "errors"

// Sentinel errors for negotiator operations, classified with errors.Is.

// Local operation errors, returned synchronously to the caller.
var (
	// ErrCallAlreadyActive indicates a non-terminal session already
	// occupies the local identity's slot.
	ErrCallAlreadyActive = errors.New("call already active for this identity")

	// ErrNoActiveCall indicates the operation needs a live session and
	// none exists.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNoIncomingCall indicates Answer or Reject was called without a
	// ringing inbound invite.
	ErrNoIncomingCall = errors.New("no incoming call to answer")

	// ErrInvalidKind indicates an unknown media kind was requested.
	ErrInvalidKind = errors.New("invalid call kind")

	// ErrMediaAcquisition indicates local capture could not be
	// acquired (permission denied, device unavailable). The operation
	// aborts without creating or mutating a session.
	ErrMediaAcquisition = errors.New("media acquisition failed")

	// ErrNegotiationFailed indicates a malformed or failed description
	// exchange. The affected session is ended, never retried.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrNotConnected indicates a mid-call media operation was invoked
	// outside the connected state.
	ErrNotConnected = errors.New("call is not connected")

	// ErrScreenShareActive indicates screen sharing is already on.
	ErrScreenShareActive = errors.New("screen share already active")

	// ErrScreenShareInactive indicates there is no screen share to stop.
	ErrScreenShareInactive = errors.New("screen share not active")
)

// Negotiator lifecycle errors.
var (
	// ErrNotRunning indicates the negotiator has not been started.
	ErrNotRunning = errors.New("negotiator is not running")

	// ErrAlreadyRunning indicates Start was called twice.
	ErrAlreadyRunning = errors.New("negotiator is already running")
)
