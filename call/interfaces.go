package call

import (
	"context"
	"time"

	"github.com/meshgram/callkit/records"
	"github.com/meshgram/callkit/signaling"
)

// TransportState mirrors the connection state of the underlying
// peer-to-peer media channel.
type TransportState int

const (
	// TransportNew is the state before connectivity checks start.
	TransportNew TransportState = iota
	// TransportConnecting indicates checks are in progress.
	TransportConnecting
	// TransportConnected indicates a usable media path exists.
	TransportConnected
	// TransportCompleted indicates checks finished with a usable path.
	TransportCompleted
	// TransportDisconnected indicates the path degraded; may recover.
	TransportDisconnected
	// TransportFailed indicates the path is gone.
	TransportFailed
	// TransportClosed indicates the transport was torn down.
	TransportClosed
)

// String returns the lowercase state name.
func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportCompleted:
		return "completed"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Live reports whether the state carries media.
func (s TransportState) Live() bool {
	return s == TransportConnected || s == TransportCompleted
}

// Degraded reports whether the state triggers the reconnection
// controller.
func (s TransportState) Degraded() bool {
	return s == TransportDisconnected || s == TransportFailed
}

// TransportStats is one sample of the transport's inbound audio
// counters. Video reports are excluded from quality classification.
type TransportStats struct {
	AudioPacketsReceived uint64
	AudioPacketsLost     uint64
}

// Transport is the platform's bidirectional media channel for one
// session: it consumes local/remote descriptions and candidates and
// carries the negotiated media. The negotiator never looks inside the
// descriptions it shuttles.
type Transport interface {
	// CreateOffer builds a local session description proposing the
	// currently attached tracks.
	CreateOffer() (signaling.Description, error)

	// CreateAnswer builds the local description answering a previously
	// applied remote offer.
	CreateAnswer() (signaling.Description, error)

	// SetLocalDescription applies a locally created description.
	SetLocalDescription(desc signaling.Description) error

	// SetRemoteDescription applies the remote party's description.
	SetRemoteDescription(desc signaling.Description) error

	// AddCandidate applies one remote connectivity candidate. Must be
	// called only after SetRemoteDescription has succeeded.
	AddCandidate(cand signaling.Candidate) error

	// AddTrack attaches a local media track for sending and returns
	// the sender handle used for in-place replacement.
	AddTrack(track Track) (Sender, error)

	// RemoveTrack detaches a previously added sender.
	RemoveTrack(sender Sender) error

	// OnCandidate registers the handler for locally discovered
	// candidates. Each candidate is emitted to the remote party as it
	// is found.
	OnCandidate(fn func(cand signaling.Candidate))

	// OnStateChange registers the handler for transport connection
	// state transitions.
	OnStateChange(fn func(state TransportState))

	// State returns the current connection state.
	State() TransportState

	// Stats samples the inbound audio counters.
	Stats() (TransportStats, error)

	// Close releases the transport. Idempotent.
	Close() error
}

// ICEServer is one traversal-assistance endpoint handed to the
// transport. An empty list degrades direct-connection success but is
// not an error.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// TransportFactory creates one Transport per session attempt.
type TransportFactory interface {
	NewTransport(iceServers []ICEServer) (Transport, error)
}

// TrackKind distinguishes captured media tracks.
type TrackKind string

const (
	// TrackAudio is a microphone capture track.
	TrackAudio TrackKind = "audio"
	// TrackVideo is a camera or screen capture track.
	TrackVideo TrackKind = "video"
)

// Facing selects which camera to capture from.
type Facing string

const (
	// FacingUser is the front camera.
	FacingUser Facing = "user"
	// FacingEnvironment is the rear camera.
	FacingEnvironment Facing = "environment"
)

// Opposite returns the other camera facing.
func (f Facing) Opposite() Facing {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Track is one local capture track attached to the transport.
type Track interface {
	// ID returns a stable identifier for the track.
	ID() string

	// Kind returns whether this is an audio or video track.
	Kind() TrackKind

	// Enabled reports whether the track is currently transmitting.
	Enabled() bool

	// SetEnabled toggles transmission without stopping capture. Used
	// for mute, which is purely local.
	SetEnabled(enabled bool)

	// Stop releases the capture device. A stopped track cannot be
	// re-enabled; acquire a new one.
	Stop()

	// OnEnded registers a handler fired when the platform ends the
	// track externally, e.g. the user revoking screen share through
	// native UI.
	OnEnded(fn func())
}

// Sender is the transport-side handle for one outgoing track,
// supporting in-place replacement without renegotiation.
type Sender interface {
	// ReplaceTrack swaps the outgoing track. Camera flips and screen
	// share use this.
	ReplaceTrack(track Track) error

	// Track returns the currently attached track.
	Track() Track
}

// MediaDevice is the platform capture capability.
type MediaDevice interface {
	// AcquireAudio opens the microphone.
	AcquireAudio() (Track, error)

	// AcquireVideo opens a camera with the requested facing.
	AcquireVideo(facing Facing) (Track, error)

	// AcquireScreen opens a screen capture.
	AcquireScreen() (Track, error)
}

// SignalChannel is the relay connection the negotiator exchanges
// call-control messages over. Implemented by signaling.Client and by
// in-process fakes in tests.
type SignalChannel interface {
	// Identity returns the local identity the channel speaks for.
	Identity() string

	// Send emits one message to the relay, failing fast when the
	// channel is down.
	Send(msg *signaling.Message) error

	// Subscribe returns a stream of inbound messages and its cancel
	// function. The stream closes when the channel drops.
	Subscribe() (ch chan *signaling.Message, cancel func())
}

// RecordStore persists call metadata. Implemented by records.Client.
// Updates are fire-and-forget from the state machine's perspective.
type RecordStore interface {
	// Create persists a new record with status ringing and returns the
	// assigned session id.
	Create(ctx context.Context, req records.CreateRequest) (string, error)

	// UpdateStatus transitions the record's status, with duration on
	// ended.
	UpdateStatus(ctx context.Context, sessionID string, status records.Status, duration time.Duration) error
}
