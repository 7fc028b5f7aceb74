package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageKind identifies the type of a call-control message exchanged
// over the signaling relay.
type MessageKind string

// Call-control message kinds. The relay treats all of these as opaque
// JSON; only the two endpoints interpret them.
const (
	// KindInvite starts (or refuses, when the callee is busy) an
	// incoming session. Carries the caller's session description.
	KindInvite MessageKind = "invite"
	// KindAnswer carries the callee's answer description.
	KindAnswer MessageKind = "answer"
	// KindCandidate carries a single connectivity candidate.
	KindCandidate MessageKind = "candidate"
	// KindReject reports that the callee declined the call.
	KindReject MessageKind = "reject"
	// KindBusy reports that the callee already has an active session.
	KindBusy MessageKind = "busy"
	// KindEnd reports a hangup from either side.
	KindEnd MessageKind = "end"
	// KindCallTypeChanged reports an audio<->video mode switch so the
	// remote rendering surface can adapt.
	KindCallTypeChanged MessageKind = "call-type-changed"
	// KindScreenShareStopped reports that the sender stopped sharing
	// its screen and switched back to the camera track.
	KindScreenShareStopped MessageKind = "screen-share-stopped"
	// KindReconnectOffer carries a transport-level renegotiation offer
	// for an existing session.
	KindReconnectOffer MessageKind = "reconnect-offer"
	// KindReconnectAnswer carries the matching renegotiation answer.
	KindReconnectAnswer MessageKind = "reconnect-answer"
)

// Description is a local or remote session description exchanged during
// negotiation (an offer or an answer).
type Description struct {
	Type string `json:"type"` // "offer" or "answer"
	SDP  string `json:"sdp"`
}

// Candidate is a single network-reachability hint exchanged during
// connectivity establishment.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Message is one call-control event delivered between two identities.
// From/To are user identities known to the relay; SessionID scopes the
// message to one call. Payload fields are kind-specific and omitted
// when empty.
type Message struct {
	Kind      MessageKind `json:"kind"`
	From      string      `json:"from"`
	To        string      `json:"to"`
	SessionID string      `json:"sessionId"`

	// CallKind is set on invite and call-type-changed messages:
	// "audio" or "video".
	CallKind string `json:"callKind,omitempty"`

	// Description is set on invite, answer, reconnect-offer and
	// reconnect-answer messages.
	Description *Description `json:"description,omitempty"`

	// Candidate is set on candidate messages.
	Candidate *Candidate `json:"candidate,omitempty"`
}

// ErrMalformedMessage indicates a message that could not be decoded or
// is missing required fields for its kind.
var ErrMalformedMessage = errors.New("malformed signaling message")

// Encode serializes the message to its JSON wire form.
func Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedMessage)
	}
	if msg.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	return json.Marshal(msg)
}

// Decode parses one JSON wire message and validates the fields required
// for its kind. Unknown kinds decode successfully; the dispatcher
// discards them.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Kind == "" {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	if msg.SessionID == "" {
		return nil, fmt.Errorf("%w: missing sessionId", ErrMalformedMessage)
	}
	switch msg.Kind {
	case KindInvite, KindAnswer, KindReconnectOffer, KindReconnectAnswer:
		if msg.Description == nil || msg.Description.SDP == "" {
			return nil, fmt.Errorf("%w: %s without description", ErrMalformedMessage, msg.Kind)
		}
	case KindCandidate:
		if msg.Candidate == nil || msg.Candidate.Candidate == "" {
			return nil, fmt.Errorf("%w: candidate without payload", ErrMalformedMessage)
		}
	}
	return &msg, nil
}
