package call

import (
	"sync"
	"time"

	"github.com/meshgram/callkit/signaling"
)

// RemoteIdentity is the directory metadata of the other party.
type RemoteIdentity struct {
	ID          string
	DisplayName string
}

// Session is the one in-process call session record shared by the
// negotiator, the quality monitor and the reconnection controller.
//
// The record is created by Initiate or by an accepted inbound invite,
// mutated only through the negotiator's serialized reactions, and
// discarded when the state machine reaches a terminal state and local
// resources are released. The session id and local role never change
// for the lifetime of the record, including across kind changes and
// reconnection.
type Session struct {
	mu sync.RWMutex

	id     string
	role   Role
	remote RemoteIdentity

	kind      Kind
	state     SessionState
	startedAt time.Time

	// pendingCandidates holds remote candidates that arrived before
	// the remote description was applied. Drained exactly once, in
	// arrival order, immediately after the description is set.
	pendingCandidates []signaling.Candidate
	remoteApplied     bool

	reconnectAttempts int
	quality           QualityBucket

	// Runtime resources owned by the negotiator. The invite offer is
	// held until the callee answers; the ring timer until it answers,
	// rejects or times out.
	transport   Transport
	audioTrack  Track
	videoTrack  Track
	screenTrack Track
	audioSender Sender
	videoSender Sender

	cameraFacing Facing
	sharing      bool

	remoteOffer *signaling.Description
	ringTimer   *time.Timer
}

func newSession(id string, role Role, remote RemoteIdentity, kind Kind) *Session {
	return &Session{
		id:           id,
		role:         role,
		remote:       remote,
		kind:         kind,
		state:        StateIdle,
		quality:      QualityGood,
		cameraFacing: FacingUser,
	}
}

// ID returns the session identifier assigned by the record store.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Role returns whether the local identity is caller or callee.
func (s *Session) Role() Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

// Remote returns the other party's identity metadata.
func (s *Session) Remote() RemoteIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// Kind returns the current media mode.
func (s *Session) Kind() Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

func (s *Session) setKind(k Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kind = k
}

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// StartedAt returns when the transport first reached connected, zero
// if it never did.
func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *Session) markConnected(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		s.startedAt = now
	}
	s.reconnectAttempts = 0
}

// ReconnectAttempts returns the current bounded retry count.
func (s *Session) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectAttempts
}

// bumpReconnectAttempts increments and returns the retry count. The
// counter lives only on this record; callers never cache it.
func (s *Session) bumpReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts++
	return s.reconnectAttempts
}

func (s *Session) resetReconnectAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnectAttempts = 0
}

// Quality returns the last classified quality bucket.
func (s *Session) Quality() QualityBucket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quality
}

func (s *Session) setQuality(q QualityBucket) (changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quality == q {
		return false
	}
	s.quality = q
	return true
}

// queueCandidate appends a remote candidate when the remote
// description has not been applied yet. Returns false once the queue
// has been drained, meaning the candidate must be applied immediately.
func (s *Session) queueCandidate(cand signaling.Candidate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteApplied {
		return false
	}
	s.pendingCandidates = append(s.pendingCandidates, cand)
	return true
}

// drainCandidates marks the remote description applied and returns the
// queued candidates in arrival order, clearing the queue. Subsequent
// calls return nil.
func (s *Session) drainCandidates() []signaling.Candidate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteApplied {
		return nil
	}
	s.remoteApplied = true
	drained := s.pendingCandidates
	s.pendingCandidates = nil
	return drained
}

// clearCandidates drops any queued candidates during teardown.
func (s *Session) clearCandidates() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingCandidates = nil
}

// Sharing reports whether a screen-share track is currently replacing
// the camera.
func (s *Session) Sharing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sharing
}

func (s *Session) setSharing(sharing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sharing = sharing
}

// CameraFacing returns the facing of the current camera capture.
func (s *Session) CameraFacing() Facing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cameraFacing
}

func (s *Session) setCameraFacing(f Facing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameraFacing = f
}
