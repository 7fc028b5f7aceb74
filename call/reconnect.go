package call

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshgram/callkit/signaling"
)

// Reconnection policy defaults. Each attempt lets the transport settle
// briefly, then rechecks once before moving on.
const (
	DefaultMaxReconnectAttempts = 3
	DefaultReconnectSettleWait  = 2 * time.Second
	DefaultReconnectRecheckWait = 3 * time.Second
)

// ReconnectPolicy bounds the recovery loop after a connected session
// degrades. Zero values fall back to defaults.
type ReconnectPolicy struct {
	MaxAttempts int
	SettleWait  time.Duration
	RecheckWait time.Duration
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxReconnectAttempts
	}
	if p.SettleWait <= 0 {
		p.SettleWait = DefaultReconnectSettleWait
	}
	if p.RecheckWait <= 0 {
		p.RecheckWait = DefaultReconnectRecheckWait
	}
	return p
}

// reconnectController drives the bounded recovery loop for a degraded
// session. The attempt counter lives on the Session record itself; the
// controller only holds the timers for the attempt in flight.
//
// All methods are called with the negotiator's mutex held; the timer
// callbacks re-acquire it before touching anything.
type reconnectController struct {
	n      *Negotiator
	policy ReconnectPolicy

	settleTimer  *time.Timer
	recheckTimer *time.Timer
}

func newReconnectController(n *Negotiator, policy ReconnectPolicy) *reconnectController {
	return &reconnectController{n: n, policy: policy.withDefaults()}
}

// begin starts the next recovery attempt for sess. The session must
// already be in StateReconnecting.
func (r *reconnectController) begin(sess *Session) {
	attempt := sess.bumpReconnectAttempts()

	logrus.WithFields(logrus.Fields{
		"function":     "reconnect.begin",
		"identity":     r.n.channel.Identity(),
		"session_id":   sess.ID(),
		"attempt":      attempt,
		"max_attempts": r.policy.MaxAttempts,
	}).Info("Starting reconnection attempt")

	if sess.Role() == RoleCaller {
		r.sendReconnectOffer(sess)
	}

	r.cancelTimers()
	r.settleTimer = time.AfterFunc(r.policy.SettleWait, func() {
		r.settleExpired(sess)
	})
}

// settleExpired checks whether the transport came back during the
// settle window; if not, one recheck is scheduled before the attempt
// is charged off.
func (r *reconnectController) settleExpired(sess *Session) {
	r.n.mu.Lock()
	defer r.n.mu.Unlock()

	if !r.active(sess) {
		return
	}
	if sess.transport != nil && sess.transport.State().Live() {
		r.recovered(sess)
		return
	}

	r.recheckTimer = time.AfterFunc(r.policy.RecheckWait, func() {
		r.recheckExpired(sess)
	})
}

// recheckExpired closes out the attempt: recover if the transport came
// back, start the next attempt if any remain, otherwise give up.
func (r *reconnectController) recheckExpired(sess *Session) {
	r.n.mu.Lock()
	defer r.n.mu.Unlock()

	if !r.active(sess) {
		return
	}
	if sess.transport != nil && sess.transport.State().Live() {
		r.recovered(sess)
		return
	}

	if sess.ReconnectAttempts() < r.policy.MaxAttempts {
		r.begin(sess)
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "reconnect.recheckExpired",
		"identity":   r.n.channel.Identity(),
		"session_id": sess.ID(),
		"attempts":   sess.ReconnectAttempts(),
	}).Warn("Reconnection attempts exhausted")

	r.n.terminateLocked(sess, StateEnded, ReasonReconnectExhausted,
		fmt.Errorf("connection not recovered after %d attempts", r.policy.MaxAttempts))
}

// recovered brings the session back to connected and rearms quality
// sampling. Called with the negotiator's mutex held.
func (r *reconnectController) recovered(sess *Session) {
	r.cancelTimers()
	sess.resetReconnectAttempts()

	logrus.WithFields(logrus.Fields{
		"function":   "reconnect.recovered",
		"identity":   r.n.channel.Identity(),
		"session_id": sess.ID(),
	}).Info("Connection recovered")

	r.n.transitionLocked(sess, StateConnected)
	r.n.quality.Start(sess, sess.transport)
}

// cancel aborts any attempt in flight. Called on session teardown with
// the negotiator's mutex held.
func (r *reconnectController) cancel() {
	r.cancelTimers()
}

func (r *reconnectController) cancelTimers() {
	if r.settleTimer != nil {
		r.settleTimer.Stop()
		r.settleTimer = nil
	}
	if r.recheckTimer != nil {
		r.recheckTimer.Stop()
		r.recheckTimer = nil
	}
}

// active reports whether sess is still the live session and still
// reconnecting. Stale timers for superseded sessions bail out here.
func (r *reconnectController) active(sess *Session) bool {
	return r.n.session == sess && sess.State() == StateReconnecting
}

// sendReconnectOffer emits a fresh offer so the peers can renegotiate
// the degraded transport. Failures are logged; the attempt window
// still runs and the transport state decides the outcome.
func (r *reconnectController) sendReconnectOffer(sess *Session) {
	transport := sess.transport
	if transport == nil {
		return
	}

	offer, err := transport.CreateOffer()
	if err == nil {
		err = transport.SetLocalDescription(offer)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "reconnect.sendReconnectOffer",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Failed to build reconnect offer")
		return
	}

	if err := r.n.channel.Send(&signaling.Message{
		Kind:        signaling.KindReconnectOffer,
		To:          sess.Remote().ID,
		SessionID:   sess.ID(),
		Description: &signaling.Description{Type: offer.Type, SDP: offer.SDP},
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "reconnect.sendReconnectOffer",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Failed to send reconnect offer")
	}
}
