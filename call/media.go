package call

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/meshgram/callkit/signaling"
)

// SetMuted toggles the outgoing microphone. Mute is a purely local
// concern: the audio track keeps flowing silence-disabled frames and
// no signaling is exchanged, so the remote side observes it only as
// silent media.
func (n *Negotiator) SetMuted(muted bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.session
	if sess == nil || sess.audioTrack == nil {
		return ErrNoActiveCall
	}

	sess.audioTrack.SetEnabled(!muted)

	logrus.WithFields(logrus.Fields{
		"function":   "SetMuted",
		"session_id": sess.ID(),
		"muted":      muted,
	}).Debug("Microphone mute changed")

	return nil
}

// Muted reports whether the outgoing microphone is muted.
func (n *Negotiator) Muted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.session
	if sess == nil || sess.audioTrack == nil {
		return false
	}
	return !sess.audioTrack.Enabled()
}

// ToggleMute flips the mute flag and returns the new muted state.
func (n *Negotiator) ToggleMute() (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.session
	if sess == nil || sess.audioTrack == nil {
		return false, ErrNoActiveCall
	}

	muted := sess.audioTrack.Enabled()
	sess.audioTrack.SetEnabled(!muted)
	return muted, nil
}

// SwitchKind changes the call between audio and video mid-call. The
// session id and roles are untouched: only the video track is added or
// removed, and the remote side is told via a call-type-changed signal
// so it can adapt its rendering. Switching to the current kind is a
// no-op.
func (n *Negotiator) SwitchKind(kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.session
	if sess == nil || sess.State() != StateConnected {
		return ErrNotConnected
	}
	if sess.Kind() == kind {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function":   "SwitchKind",
		"session_id": sess.ID(),
		"from":       sess.Kind(),
		"to":         kind,
	}).Info("Switching call kind")

	switch kind {
	case KindVideo:
		video, err := n.media.AcquireVideo(sess.CameraFacing())
		if err != nil {
			return fmt.Errorf("%w: video: %v", ErrMediaAcquisition, err)
		}
		sender, err := sess.transport.AddTrack(video)
		if err != nil {
			video.Stop()
			return fmt.Errorf("%w: add video track: %v", ErrNegotiationFailed, err)
		}
		sess.videoTrack = video
		sess.videoSender = sender

	case KindAudio:
		if sess.Sharing() {
			n.dropScreenShareLocked(sess)
		}
		if sess.videoSender != nil {
			if err := sess.transport.RemoveTrack(sess.videoSender); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "SwitchKind",
					"session_id": sess.ID(),
					"error":      err.Error(),
				}).Warn("Failed to remove video track")
			}
			sess.videoSender = nil
		}
		if sess.videoTrack != nil {
			sess.videoTrack.Stop()
			sess.videoTrack = nil
		}
	}

	sess.setKind(kind)
	if err := n.channel.Send(&signaling.Message{
		Kind:      signaling.KindCallTypeChanged,
		To:        sess.Remote().ID,
		SessionID: sess.ID(),
		CallKind:  string(kind),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "SwitchKind",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Failed to announce call type change")
	}

	return nil
}

// FlipCamera swaps between the user-facing and environment-facing
// cameras by replacing the outgoing track in place. The remote side
// sees a seamless source change, so no signaling is exchanged.
func (n *Negotiator) FlipCamera() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.session
	if sess == nil || sess.State() != StateConnected {
		return ErrNotConnected
	}
	if sess.Kind() != KindVideo || sess.videoSender == nil {
		return fmt.Errorf("%w: no video in flight", ErrInvalidKind)
	}
	if sess.Sharing() {
		return ErrScreenShareActive
	}

	target := sess.CameraFacing().Opposite()
	video, err := n.media.AcquireVideo(target)
	if err != nil {
		return fmt.Errorf("%w: video: %v", ErrMediaAcquisition, err)
	}
	if err := sess.videoSender.ReplaceTrack(video); err != nil {
		video.Stop()
		return fmt.Errorf("%w: replace video track: %v", ErrNegotiationFailed, err)
	}

	if sess.videoTrack != nil {
		sess.videoTrack.Stop()
	}
	sess.videoTrack = video
	sess.setCameraFacing(target)

	logrus.WithFields(logrus.Fields{
		"function":   "FlipCamera",
		"session_id": sess.ID(),
		"facing":     target,
	}).Info("Camera flipped")

	return nil
}

// StartScreenShare replaces the outgoing camera feed with a screen
// capture on the same sender. The camera track is kept so the feed can
// be restored without a fresh permission prompt. If the platform
// revokes the capture, the share stops exactly as if StopScreenShare
// had been called.
func (n *Negotiator) StartScreenShare() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.session
	if sess == nil || sess.State() != StateConnected {
		return ErrNotConnected
	}
	if sess.Kind() != KindVideo || sess.videoSender == nil {
		return fmt.Errorf("%w: no video in flight", ErrInvalidKind)
	}
	if sess.Sharing() {
		return ErrScreenShareActive
	}

	screen, err := n.media.AcquireScreen()
	if err != nil {
		return fmt.Errorf("%w: screen: %v", ErrMediaAcquisition, err)
	}
	if err := sess.videoSender.ReplaceTrack(screen); err != nil {
		screen.Stop()
		return fmt.Errorf("%w: replace video track: %v", ErrNegotiationFailed, err)
	}

	sess.screenTrack = screen
	sess.setSharing(true)

	screen.OnEnded(func() {
		n.screenShareRevoked(sess)
	})

	logrus.WithFields(logrus.Fields{
		"function":   "StartScreenShare",
		"session_id": sess.ID(),
	}).Info("Screen share started")

	return nil
}

// StopScreenShare restores the camera feed and tells the remote side
// the share ended.
func (n *Negotiator) StopScreenShare() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sess := n.session
	if sess == nil {
		return ErrNoActiveCall
	}
	if !sess.Sharing() {
		return ErrScreenShareInactive
	}

	n.stopScreenShareLocked(sess)
	return nil
}

// screenShareRevoked is the platform-revocation path: the capture
// track ended underneath us, so close out the share exactly like an
// explicit stop.
func (n *Negotiator) screenShareRevoked(sess *Session) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.session != sess || !sess.Sharing() {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "screenShareRevoked",
		"session_id": sess.ID(),
	}).Info("Screen capture revoked by platform")

	n.stopScreenShareLocked(sess)
}

// stopScreenShareLocked drops the screen track, restores the camera on
// the sender and announces the stop. Must be called with n.mu held.
func (n *Negotiator) stopScreenShareLocked(sess *Session) {
	n.dropScreenShareLocked(sess)

	if sess.videoSender != nil {
		camera := sess.videoTrack
		if camera == nil {
			acquired, err := n.media.AcquireVideo(sess.CameraFacing())
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "stopScreenShare",
					"session_id": sess.ID(),
					"error":      err.Error(),
				}).Warn("Failed to reacquire camera after screen share")
			} else {
				sess.videoTrack = acquired
				camera = acquired
			}
		}
		if camera != nil {
			if err := sess.videoSender.ReplaceTrack(camera); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":   "stopScreenShare",
					"session_id": sess.ID(),
					"error":      err.Error(),
				}).Warn("Failed to restore camera track")
			}
		}
	}

	if err := n.channel.Send(&signaling.Message{
		Kind:      signaling.KindScreenShareStopped,
		To:        sess.Remote().ID,
		SessionID: sess.ID(),
	}); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "stopScreenShare",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Failed to announce screen share stop")
	}

	logrus.WithFields(logrus.Fields{
		"function":   "stopScreenShare",
		"session_id": sess.ID(),
	}).Info("Screen share stopped")
}

// dropScreenShareLocked stops and clears the screen track without the
// restore-and-announce tail. Must be called with n.mu held.
func (n *Negotiator) dropScreenShareLocked(sess *Session) {
	if sess.screenTrack != nil {
		sess.screenTrack.Stop()
		sess.screenTrack = nil
	}
	sess.setSharing(false)
}
