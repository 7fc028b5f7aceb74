package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshgram/callkit/records"
	"github.com/meshgram/callkit/signaling"
)

// DefaultRingTimeout is how long an inbound invite rings before it is
// marked missed.
const DefaultRingTimeout = 30 * time.Second

// recordUpdateTimeout bounds the fire-and-forget record store updates.
const recordUpdateTimeout = 5 * time.Second

// Config carries the negotiator's tunables. Zero values fall back to
// defaults.
type Config struct {
	// ICEServers are traversal-assistance endpoints handed to every
	// transport. An empty list degrades direct-connection success but
	// is not an error.
	ICEServers []ICEServer

	// RingTimeout bounds how long an inbound invite rings.
	RingTimeout time.Duration

	// QualityInterval is the transport sampling cadence while
	// connected.
	QualityInterval time.Duration

	// Reconnect is the bounded recovery policy.
	Reconnect ReconnectPolicy

	// TimeProvider overrides the clock for deterministic tests.
	TimeProvider TimeProvider
}

// IncomingCall describes an inbound invite waiting for Answer or
// Reject.
type IncomingCall struct {
	SessionID string
	From      RemoteIdentity
	Kind      Kind
}

// Negotiator owns the single call session for one local identity. It
// runs the session state machine, drives the offer/answer/candidate
// exchange over the signaling channel, and coordinates the quality
// monitor and the reconnection controller against the shared Session
// record.
//
// All mutations of session state are serialized behind one mutex: the
// dispatch loop, local operations, the ring timer and the reconnection
// timers all take it before touching the session, so the model stays
// single-writer by construction.
type Negotiator struct {
	channel    SignalChannel
	transports TransportFactory
	media      MediaDevice
	store      RecordStore

	ringTimeout  time.Duration
	iceServers   []ICEServer
	timeProvider TimeProvider
	quality      *QualityMonitor
	reconnect    *reconnectController

	mu        sync.Mutex
	running   bool
	session   *Session
	cancelSub func()

	onIncoming           func(inc IncomingCall)
	onStateChange        func(sessionID string, state SessionState)
	onEnded              func(sessionID string, reason EndReason, err error)
	onQualityChange      func(sessionID string, bucket QualityBucket)
	onRemoteKindChange   func(sessionID string, kind Kind)
	onRemoteShareStopped func(sessionID string)
}

// NewNegotiator creates a negotiator for the channel's identity. All
// four collaborators are required; cfg tunables fall back to defaults.
func NewNegotiator(channel SignalChannel, transports TransportFactory, media MediaDevice, store RecordStore, cfg Config) (*Negotiator, error) {
	if channel == nil {
		return nil, errors.New("signal channel cannot be nil")
	}
	if transports == nil {
		return nil, errors.New("transport factory cannot be nil")
	}
	if media == nil {
		return nil, errors.New("media device cannot be nil")
	}
	if store == nil {
		return nil, errors.New("record store cannot be nil")
	}

	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = RealTimeProvider{}
	}
	if len(cfg.ICEServers) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "NewNegotiator",
			"identity": channel.Identity(),
		}).Warn("No traversal servers configured, direct connections may fail behind NAT")
	}

	n := &Negotiator{
		channel:      channel,
		transports:   transports,
		media:        media,
		store:        store,
		ringTimeout:  cfg.RingTimeout,
		iceServers:   cfg.ICEServers,
		timeProvider: cfg.TimeProvider,
		quality:      NewQualityMonitor(cfg.QualityInterval),
	}
	n.reconnect = newReconnectController(n, cfg.Reconnect)
	n.quality.OnChange(func(bucket QualityBucket) {
		n.mu.Lock()
		sess := n.session
		cb := n.onQualityChange
		n.mu.Unlock()
		if sess != nil && cb != nil {
			cb(sess.ID(), bucket)
		}
	})

	logrus.WithFields(logrus.Fields{
		"function":     "NewNegotiator",
		"identity":     channel.Identity(),
		"ring_timeout": cfg.RingTimeout,
		"ice_servers":  len(cfg.ICEServers),
	}).Info("Call negotiator created")

	return n, nil
}

// Identity returns the local identity this negotiator speaks for.
func (n *Negotiator) Identity() string {
	return n.channel.Identity()
}

// Session returns the live session record, nil when idle.
func (n *Negotiator) Session() *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.session
}

// State returns the live session's state, StateIdle when no session
// exists.
func (n *Negotiator) State() SessionState {
	n.mu.Lock()
	sess := n.session
	n.mu.Unlock()
	if sess == nil {
		return StateIdle
	}
	return sess.State()
}

// OnIncomingCall registers the handler for inbound invites.
func (n *Negotiator) OnIncomingCall(fn func(inc IncomingCall)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onIncoming = fn
}

// OnStateChange registers the handler fired on every session state
// transition.
func (n *Negotiator) OnStateChange(fn func(sessionID string, state SessionState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStateChange = fn
}

// OnEnded registers the handler fired once per session on terminal
// cleanup. The reason distinguishes hangups from asynchronous failures;
// err is non-nil for negotiation failures.
func (n *Negotiator) OnEnded(fn func(sessionID string, reason EndReason, err error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onEnded = fn
}

// OnQualityChange registers the handler fired when the sampled quality
// bucket changes.
func (n *Negotiator) OnQualityChange(fn func(sessionID string, bucket QualityBucket)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onQualityChange = fn
}

// OnRemoteKindChange registers the handler fired when the remote party
// switches between audio and video so the rendering surface can adapt.
func (n *Negotiator) OnRemoteKindChange(fn func(sessionID string, kind Kind)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onRemoteKindChange = fn
}

// OnRemoteScreenShareStopped registers the handler fired when the
// remote party stops sharing its screen.
func (n *Negotiator) OnRemoteScreenShareStopped(fn func(sessionID string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onRemoteShareStopped = fn
}

// Start subscribes to the signaling channel and begins dispatching
// inbound messages.
func (n *Negotiator) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return ErrAlreadyRunning
	}

	ch, cancel := n.channel.Subscribe()
	n.cancelSub = cancel
	n.running = true

	go n.dispatchLoop(ch)

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"identity": n.channel.Identity(),
	}).Info("Call negotiator started")

	return nil
}

// Stop tears down the live session, if any, and stops dispatching.
func (n *Negotiator) Stop() error {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return nil
	}
	n.running = false
	cancel := n.cancelSub
	n.cancelSub = nil

	if sess := n.session; sess != nil {
		n.sendControl(sess, signaling.KindEnd)
		n.terminateLocked(sess, StateEnded, ReasonLocalHangup, nil)
	}
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"identity": n.channel.Identity(),
	}).Info("Call negotiator stopped")

	return nil
}

// dispatchLoop is the single inbound entry point: every signaling
// message for this identity funnels through HandleMessage here, in
// arrival order. When the stream closes the signaling channel is gone
// and any in-flight session is unreachable.
func (n *Negotiator) dispatchLoop(ch chan *signaling.Message) {
	for msg := range ch {
		n.HandleMessage(msg)
	}

	n.mu.Lock()
	sess := n.session
	if sess != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "dispatchLoop",
			"identity":   n.channel.Identity(),
			"session_id": sess.ID(),
		}).Warn("Signaling channel lost with session in flight")
		n.terminateLocked(sess, StateEnded, ReasonSignalingLost, signaling.ErrChannelClosed)
	}
	n.mu.Unlock()
}

// HandleMessage processes one inbound signaling message. Messages are
// dispatched by kind and scoped to the live session; a candidate with
// no session match is silently discarded.
func (n *Negotiator) HandleMessage(msg *signaling.Message) {
	if msg == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "HandleMessage",
		"identity":   n.channel.Identity(),
		"kind":       msg.Kind,
		"from":       msg.From,
		"session_id": msg.SessionID,
	}).Debug("Dispatching signaling message")

	switch msg.Kind {
	case signaling.KindInvite:
		n.handleInvite(msg)
	case signaling.KindAnswer:
		n.handleAnswer(msg)
	case signaling.KindCandidate:
		n.handleCandidate(msg)
	case signaling.KindReject:
		n.handleTerminalEvent(msg, StateRejected, ReasonRejected)
	case signaling.KindBusy:
		n.handleTerminalEvent(msg, StateBusy, ReasonBusy)
	case signaling.KindEnd:
		n.handleTerminalEvent(msg, StateEnded, ReasonRemoteHangup)
	case signaling.KindCallTypeChanged:
		n.handleCallTypeChanged(msg)
	case signaling.KindScreenShareStopped:
		n.handleScreenShareStopped(msg)
	case signaling.KindReconnectOffer:
		n.handleReconnectOffer(msg)
	case signaling.KindReconnectAnswer:
		n.handleReconnectAnswer(msg)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "HandleMessage",
			"kind":     msg.Kind,
		}).Debug("Ignoring unknown signaling message kind")
	}
}

// Initiate starts an outgoing call to remoteID. Local media is
// acquired first: an acquisition failure aborts without creating a
// session. The call record is persisted before the invite is emitted,
// so the callee adopts the store-assigned session id from the invite.
func (n *Negotiator) Initiate(ctx context.Context, remoteID string, kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return ErrNotRunning
	}
	if n.session != nil {
		return ErrCallAlreadyActive
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Initiate",
		"identity":  n.channel.Identity(),
		"remote_id": remoteID,
		"kind":      kind,
	}).Info("Initiating call")

	audioTrack, videoTrack, err := n.acquireTracks(kind, FacingUser)
	if err != nil {
		return err
	}

	transport, audioSender, videoSender, err := n.buildTransport(audioTrack, videoTrack)
	if err != nil {
		stopTracks(audioTrack, videoTrack)
		return err
	}

	offer, err := transport.CreateOffer()
	if err != nil {
		stopTracks(audioTrack, videoTrack)
		_ = transport.Close()
		return fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}

	sessionID, err := n.store.Create(ctx, records.CreateRequest{
		CallerID:   n.channel.Identity(),
		ReceiverID: remoteID,
		Kind:       string(kind),
	})
	if err != nil {
		stopTracks(audioTrack, videoTrack)
		_ = transport.Close()
		return fmt.Errorf("failed to create call record: %w", err)
	}

	sess := newSession(sessionID, RoleCaller, RemoteIdentity{ID: remoteID}, kind)
	sess.transport = transport
	sess.audioTrack = audioTrack
	sess.videoTrack = videoTrack
	sess.audioSender = audioSender
	sess.videoSender = videoSender

	n.wireTransport(sess, transport)

	if err := transport.SetLocalDescription(offer); err != nil {
		n.releaseResources(sess)
		n.updateRecord(sessionID, records.StatusEnded, 0)
		return fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
	}

	if err := n.channel.Send(&signaling.Message{
		Kind:        signaling.KindInvite,
		To:          remoteID,
		SessionID:   sessionID,
		CallKind:    string(kind),
		Description: &signaling.Description{Type: offer.Type, SDP: offer.SDP},
	}); err != nil {
		n.releaseResources(sess)
		n.updateRecord(sessionID, records.StatusEnded, 0)
		return fmt.Errorf("failed to send invite: %w", err)
	}

	n.session = sess
	n.transitionLocked(sess, StateOutgoingRinging)

	return nil
}

// Answer accepts the ringing inbound invite: acquires local media,
// applies the caller's offer as remote description, drains queued
// candidates, and emits the answer. A media failure leaves the session
// ringing and is returned to the caller.
func (n *Negotiator) Answer(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return ErrNotRunning
	}
	sess := n.session
	if sess == nil || sess.State() != StateIncomingRinging {
		return ErrNoIncomingCall
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Answer",
		"identity":   n.channel.Identity(),
		"session_id": sess.ID(),
		"kind":       sess.Kind(),
	}).Info("Answering incoming call")

	audioTrack, videoTrack, err := n.acquireTracks(sess.Kind(), FacingUser)
	if err != nil {
		return err
	}

	transport, audioSender, videoSender, err := n.buildTransport(audioTrack, videoTrack)
	if err != nil {
		stopTracks(audioTrack, videoTrack)
		return err
	}

	sess.transport = transport
	sess.audioTrack = audioTrack
	sess.videoTrack = videoTrack
	sess.audioSender = audioSender
	sess.videoSender = videoSender

	n.wireTransport(sess, transport)

	offer := sess.remoteOffer
	sess.remoteOffer = nil
	if offer == nil {
		n.terminateLocked(sess, StateEnded, ReasonNegotiationFailed, fmt.Errorf("%w: invite carried no description", ErrNegotiationFailed))
		return ErrNegotiationFailed
	}

	if err := transport.SetRemoteDescription(*offer); err != nil {
		wrapped := fmt.Errorf("%w: set remote description: %v", ErrNegotiationFailed, err)
		n.terminateLocked(sess, StateEnded, ReasonNegotiationFailed, wrapped)
		return wrapped
	}
	n.applyQueuedCandidates(sess, transport)

	answer, err := transport.CreateAnswer()
	if err != nil {
		wrapped := fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
		n.terminateLocked(sess, StateEnded, ReasonNegotiationFailed, wrapped)
		return wrapped
	}
	if err := transport.SetLocalDescription(answer); err != nil {
		wrapped := fmt.Errorf("%w: set local description: %v", ErrNegotiationFailed, err)
		n.terminateLocked(sess, StateEnded, ReasonNegotiationFailed, wrapped)
		return wrapped
	}

	if err := n.channel.Send(&signaling.Message{
		Kind:        signaling.KindAnswer,
		To:          sess.Remote().ID,
		SessionID:   sess.ID(),
		Description: &signaling.Description{Type: answer.Type, SDP: answer.SDP},
	}); err != nil {
		n.terminateLocked(sess, StateEnded, ReasonSignalingLost, err)
		return fmt.Errorf("failed to send answer: %w", err)
	}

	n.stopRingTimer(sess)
	n.transitionLocked(sess, StateNegotiating)
	n.updateRecord(sess.ID(), records.StatusAnswered, 0)

	return nil
}

// Reject declines the ringing inbound invite.
func (n *Negotiator) Reject() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.session
	if sess == nil || sess.State() != StateIncomingRinging {
		return ErrNoIncomingCall
	}

	n.sendControl(sess, signaling.KindReject)
	n.terminateLocked(sess, StateRejected, ReasonRejected, nil)
	return nil
}

// End hangs up the live session from any non-terminal state.
func (n *Negotiator) End() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.session
	if sess == nil {
		return ErrNoActiveCall
	}

	n.sendControl(sess, signaling.KindEnd)
	n.terminateLocked(sess, StateEnded, ReasonLocalHangup, nil)
	return nil
}

// handleInvite reacts to an inbound invite. With a non-terminal
// session already live the caller is answered with busy and the live
// session is never touched.
func (n *Negotiator) handleInvite(msg *signaling.Message) {
	kind := Kind(msg.CallKind)
	if !kind.Valid() {
		kind = KindAudio
	}

	n.mu.Lock()
	if n.session != nil {
		n.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":   "handleInvite",
			"identity":   n.channel.Identity(),
			"from":       msg.From,
			"session_id": msg.SessionID,
		}).Info("Refusing invite, session already active")
		if err := n.channel.Send(&signaling.Message{
			Kind:      signaling.KindBusy,
			To:        msg.From,
			SessionID: msg.SessionID,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleInvite",
				"error":    err.Error(),
			}).Warn("Failed to send busy signal")
		}
		return
	}

	sess := newSession(msg.SessionID, RoleCallee, RemoteIdentity{ID: msg.From}, kind)
	sess.remoteOffer = msg.Description
	n.session = sess
	n.startRingTimer(sess)
	n.transitionLocked(sess, StateIncomingRinging)
	cb := n.onIncoming
	n.mu.Unlock()

	n.updateRecord(msg.SessionID, records.StatusRinging, 0)

	logrus.WithFields(logrus.Fields{
		"function":   "handleInvite",
		"identity":   n.channel.Identity(),
		"from":       msg.From,
		"session_id": msg.SessionID,
		"kind":       kind,
	}).Info("Incoming call ringing")

	if cb != nil {
		go cb(IncomingCall{
			SessionID: msg.SessionID,
			From:      RemoteIdentity{ID: msg.From},
			Kind:      kind,
		})
	}
}

// handleAnswer applies the callee's answer on the caller side. A
// malformed or missing description aborts the session, surfaced
// through the terminal-state path and never retried.
func (n *Negotiator) handleAnswer(msg *signaling.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.sessionFor(msg.SessionID)
	if sess == nil || sess.State() != StateOutgoingRinging {
		return
	}

	if msg.Description == nil || msg.Description.SDP == "" {
		n.terminateLocked(sess, StateEnded, ReasonNegotiationFailed,
			fmt.Errorf("%w: answer carried no description", ErrNegotiationFailed))
		return
	}

	if err := sess.transport.SetRemoteDescription(*msg.Description); err != nil {
		n.terminateLocked(sess, StateEnded, ReasonNegotiationFailed,
			fmt.Errorf("%w: set remote description: %v", ErrNegotiationFailed, err))
		return
	}
	n.applyQueuedCandidates(sess, sess.transport)
	n.updateRecord(sess.ID(), records.StatusAnswered, 0)
	n.transitionLocked(sess, StateNegotiating)
}

// handleCandidate queues or applies one remote candidate per the
// ordering contract: queued while the remote description is pending,
// applied immediately once the queue has been drained.
func (n *Negotiator) handleCandidate(msg *signaling.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.sessionFor(msg.SessionID)
	if sess == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleCandidate",
			"identity":   n.channel.Identity(),
			"session_id": msg.SessionID,
		}).Debug("Discarding candidate with no session match")
		return
	}
	if msg.Candidate == nil {
		return
	}

	if sess.queueCandidate(*msg.Candidate) {
		logrus.WithFields(logrus.Fields{
			"function":   "handleCandidate",
			"session_id": sess.ID(),
		}).Debug("Queued candidate behind pending remote description")
		return
	}

	if err := sess.transport.AddCandidate(*msg.Candidate); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleCandidate",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Failed to apply remote candidate")
	}
}

// handleTerminalEvent reacts to remote reject, busy and end events.
func (n *Negotiator) handleTerminalEvent(msg *signaling.Message, state SessionState, reason EndReason) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.sessionFor(msg.SessionID)
	if sess == nil {
		return
	}
	n.terminateLocked(sess, state, reason, nil)
}

// handleCallTypeChanged updates the local expectation of the remote
// party's media mode.
func (n *Negotiator) handleCallTypeChanged(msg *signaling.Message) {
	kind := Kind(msg.CallKind)
	if !kind.Valid() {
		return
	}

	n.mu.Lock()
	sess := n.sessionFor(msg.SessionID)
	cb := n.onRemoteKindChange
	n.mu.Unlock()
	if sess == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleCallTypeChanged",
		"session_id": sess.ID(),
		"kind":       kind,
	}).Info("Remote party changed call type")

	if cb != nil {
		go cb(sess.ID(), kind)
	}
}

func (n *Negotiator) handleScreenShareStopped(msg *signaling.Message) {
	n.mu.Lock()
	sess := n.sessionFor(msg.SessionID)
	cb := n.onRemoteShareStopped
	n.mu.Unlock()
	if sess == nil || cb == nil {
		return
	}
	go cb(sess.ID())
}

// handleReconnectOffer performs the transport-level renegotiation for
// an existing session: apply, answer, reply. Failures are logged;
// recovery or exhaustion stays with the transport state events.
func (n *Negotiator) handleReconnectOffer(msg *signaling.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.sessionFor(msg.SessionID)
	if sess == nil || sess.transport == nil || msg.Description == nil {
		return
	}
	st := sess.State()
	if st != StateConnected && st != StateReconnecting {
		return
	}

	transport := sess.transport
	if err := transport.SetRemoteDescription(*msg.Description); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleReconnectOffer",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Failed to apply reconnect offer")
		return
	}
	answer, err := transport.CreateAnswer()
	if err == nil {
		err = transport.SetLocalDescription(answer)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleReconnectOffer",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Failed to build reconnect answer")
		return
	}

	if err := n.channel.Send(&signaling.Message{
		Kind:        signaling.KindReconnectAnswer,
		To:          sess.Remote().ID,
		SessionID:   sess.ID(),
		Description: &signaling.Description{Type: answer.Type, SDP: answer.SDP},
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleReconnectOffer",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Failed to send reconnect answer")
	}
}

func (n *Negotiator) handleReconnectAnswer(msg *signaling.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.sessionFor(msg.SessionID)
	if sess == nil || sess.transport == nil || msg.Description == nil {
		return
	}
	if err := sess.transport.SetRemoteDescription(*msg.Description); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleReconnectAnswer",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Failed to apply reconnect answer")
	}
}

// handleTransportState reacts to connection-state events from the
// live transport. Degradation after connect belongs to the
// reconnection controller; quality sampling runs only while connected.
func (n *Negotiator) handleTransportState(sess *Session, state TransportState) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session != sess {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":        "handleTransportState",
		"identity":        n.channel.Identity(),
		"session_id":      sess.ID(),
		"transport_state": state.String(),
		"session_state":   sess.State().String(),
	}).Debug("Transport state changed")

	switch {
	case state.Live():
		switch sess.State() {
		case StateNegotiating:
			sess.markConnected(n.timeProvider.Now())
			n.transitionLocked(sess, StateConnected)
			n.quality.Start(sess, sess.transport)
		case StateReconnecting:
			n.reconnect.recovered(sess)
		}
	case state.Degraded():
		switch sess.State() {
		case StateConnected:
			n.quality.Stop()
			n.transitionLocked(sess, StateReconnecting)
			n.reconnect.begin(sess)
		case StateNegotiating:
			if state == TransportFailed {
				n.terminateLocked(sess, StateEnded, ReasonNegotiationFailed,
					fmt.Errorf("%w: transport failed before connecting", ErrNegotiationFailed))
			}
		}
	}
}

// sessionFor returns the live session when it matches sessionID, nil
// otherwise. Must be called with n.mu held.
func (n *Negotiator) sessionFor(sessionID string) *Session {
	if n.session == nil || n.session.ID() != sessionID {
		return nil
	}
	return n.session
}

// acquireTracks opens the microphone, plus a camera for video calls.
// Any failure releases what was acquired and maps to
// ErrMediaAcquisition without touching session state.
func (n *Negotiator) acquireTracks(kind Kind, facing Facing) (audio, video Track, err error) {
	audio, err = n.media.AcquireAudio()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: audio: %v", ErrMediaAcquisition, err)
	}
	if kind == KindVideo {
		video, err = n.media.AcquireVideo(facing)
		if err != nil {
			audio.Stop()
			return nil, nil, fmt.Errorf("%w: video: %v", ErrMediaAcquisition, err)
		}
	}
	return audio, video, nil
}

// buildTransport creates a transport and attaches the local tracks.
func (n *Negotiator) buildTransport(audio, video Track) (Transport, Sender, Sender, error) {
	transport, err := n.transports.NewTransport(n.iceServers)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create transport: %w", err)
	}

	audioSender, err := transport.AddTrack(audio)
	if err != nil {
		_ = transport.Close()
		return nil, nil, nil, fmt.Errorf("%w: add audio track: %v", ErrNegotiationFailed, err)
	}

	var videoSender Sender
	if video != nil {
		videoSender, err = transport.AddTrack(video)
		if err != nil {
			_ = transport.Close()
			return nil, nil, nil, fmt.Errorf("%w: add video track: %v", ErrNegotiationFailed, err)
		}
	}
	return transport, audioSender, videoSender, nil
}

// wireTransport hooks candidate discovery and connection-state events
// for sess. Locally discovered candidates are emitted immediately.
func (n *Negotiator) wireTransport(sess *Session, transport Transport) {
	remoteID := sess.Remote().ID
	sessionID := sess.ID()

	transport.OnCandidate(func(cand signaling.Candidate) {
		if err := n.channel.Send(&signaling.Message{
			Kind:      signaling.KindCandidate,
			To:        remoteID,
			SessionID: sessionID,
			Candidate: &cand,
		}); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "wireTransport",
				"session_id": sessionID,
				"error":      err.Error(),
			}).Warn("Failed to send local candidate")
		}
	})

	transport.OnStateChange(func(state TransportState) {
		n.handleTransportState(sess, state)
	})
}

// applyQueuedCandidates drains the pending queue in arrival order,
// exactly once, immediately after the remote description was applied.
// Must be called with n.mu held.
func (n *Negotiator) applyQueuedCandidates(sess *Session, transport Transport) {
	drained := sess.drainCandidates()
	for _, cand := range drained {
		if err := transport.AddCandidate(cand); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "applyQueuedCandidates",
				"session_id": sess.ID(),
				"error":      err.Error(),
			}).Warn("Failed to apply queued candidate")
		}
	}
	if len(drained) > 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "applyQueuedCandidates",
			"session_id": sess.ID(),
			"count":      len(drained),
		}).Debug("Applied queued candidates")
	}
}

// startRingTimer arms the missed-call countdown for an inbound invite.
// Must be called with n.mu held.
func (n *Negotiator) startRingTimer(sess *Session) {
	sess.ringTimer = time.AfterFunc(n.ringTimeout, func() {
		n.ringExpired(sess)
	})
}

// stopRingTimer cancels the countdown. Must be called with n.mu held.
func (n *Negotiator) stopRingTimer(sess *Session) {
	if sess.ringTimer != nil {
		sess.ringTimer.Stop()
		sess.ringTimer = nil
	}
}

// ringExpired fires when the ring timeout elapses with no local
// action. The session identity check makes a stale timer harmless: a
// superseded or cleaned-up session is never mutated.
func (n *Negotiator) ringExpired(sess *Session) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session != sess || sess.State() != StateIncomingRinging {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "ringExpired",
		"identity":   n.channel.Identity(),
		"session_id": sess.ID(),
	}).Info("Incoming call missed")

	n.terminateLocked(sess, StateMissed, ReasonMissed, nil)
}

// sendControl emits a payload-free control message for sess, logging
// failures. Must be called with n.mu held.
func (n *Negotiator) sendControl(sess *Session, kind signaling.MessageKind) {
	if err := n.channel.Send(&signaling.Message{
		Kind:      kind,
		To:        sess.Remote().ID,
		SessionID: sess.ID(),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendControl",
			"session_id": sess.ID(),
			"kind":       kind,
			"error":      err.Error(),
		}).Warn("Failed to send control message")
	}
}

// transitionLocked applies a state change and notifies. Must be called
// with n.mu held.
func (n *Negotiator) transitionLocked(sess *Session, state SessionState) {
	sess.setState(state)

	logrus.WithFields(logrus.Fields{
		"function":   "transition",
		"identity":   n.channel.Identity(),
		"session_id": sess.ID(),
		"state":      state.String(),
	}).Info("Session state changed")

	if cb := n.onStateChange; cb != nil {
		go cb(sess.ID(), state)
	}
}

// terminateLocked performs the synchronous terminal cleanup contract:
// stop tracks, close the transport, cancel timers, clear the candidate
// queue; only then does the slot revert to idle. Must be called with
// n.mu held.
func (n *Negotiator) terminateLocked(sess *Session, state SessionState, reason EndReason, cause error) {
	if !state.Terminal() {
		state = StateEnded
	}

	n.quality.Stop()
	n.reconnect.cancel()
	n.stopRingTimer(sess)
	n.releaseResources(sess)
	sess.clearCandidates()

	n.transitionLocked(sess, state)

	var duration time.Duration
	if started := sess.StartedAt(); !started.IsZero() {
		duration = n.timeProvider.Now().Sub(started)
		if duration < 0 {
			duration = 0
		}
	}
	n.updateRecord(sess.ID(), recordStatusFor(state), duration)

	if n.session == sess {
		n.session = nil
	}

	logrus.WithFields(logrus.Fields{
		"function":   "terminate",
		"identity":   n.channel.Identity(),
		"session_id": sess.ID(),
		"state":      state.String(),
		"reason":     reason.String(),
		"duration":   duration,
	}).Info("Session terminated")

	if cb := n.onEnded; cb != nil {
		go cb(sess.ID(), reason, cause)
	}
}

// releaseResources stops all local tracks and closes the transport.
// Must be called with n.mu held.
func (n *Negotiator) releaseResources(sess *Session) {
	stopTracks(sess.audioTrack, sess.videoTrack, sess.screenTrack)
	sess.audioTrack = nil
	sess.videoTrack = nil
	sess.screenTrack = nil
	sess.audioSender = nil
	sess.videoSender = nil

	if sess.transport != nil {
		if err := sess.transport.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "releaseResources",
				"session_id": sess.ID(),
				"error":      err.Error(),
			}).Warn("Transport close failed")
		}
		sess.transport = nil
	}
}

// updateRecord fires a record store status update without blocking the
// state machine. Failures are logged, never propagated.
func (n *Negotiator) updateRecord(sessionID string, status records.Status, duration time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordUpdateTimeout)
		defer cancel()
		if err := n.store.UpdateStatus(ctx, sessionID, status, duration); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "updateRecord",
				"session_id": sessionID,
				"status":     status,
				"error":      err.Error(),
			}).Warn("Call record update failed")
		}
	}()
}

// recordStatusFor maps a terminal session state to its record status.
func recordStatusFor(state SessionState) records.Status {
	switch state {
	case StateRejected:
		return records.StatusRejected
	case StateMissed:
		return records.StatusMissed
	case StateBusy:
		return records.StatusBusy
	default:
		return records.StatusEnded
	}
}

func stopTracks(tracks ...Track) {
	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}
