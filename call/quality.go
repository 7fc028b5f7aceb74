package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// QualityBucket is the classified health of the live link.
type QualityBucket int

const (
	// QualityExcellent is under 1% inbound audio packet loss.
	QualityExcellent QualityBucket = iota
	// QualityGood is 1% to under 3% loss.
	QualityGood
	// QualityPoor is 3% to under 10% loss.
	QualityPoor
	// QualityDisconnected is 10% loss or more. It is a quality signal
	// only; state transitions are driven by transport connection-state
	// events, not by this sampled metric.
	QualityDisconnected
)

// String returns the bucket name used in logs and UI hints.
func (q QualityBucket) String() string {
	switch q {
	case QualityExcellent:
		return "excellent"
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	case QualityDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(q))
	}
}

// DefaultQualityInterval is how often the live transport is sampled.
const DefaultQualityInterval = 2 * time.Second

// Classify maps one inbound-audio sample to a quality bucket. It is a
// pure function of the loss ratio lost/received; a sample with nothing
// received observes zero loss.
func Classify(stats TransportStats) QualityBucket {
	if stats.AudioPacketsReceived == 0 {
		return QualityExcellent
	}
	loss := float64(stats.AudioPacketsLost) / float64(stats.AudioPacketsReceived) * 100.0
	switch {
	case loss < 1.0:
		return QualityExcellent
	case loss < 3.0:
		return QualityGood
	case loss < 10.0:
		return QualityPoor
	default:
		return QualityDisconnected
	}
}

// QualityMonitor samples the active session's transport statistics
// while the session is connected and classifies link health. Sampling
// stops the moment the session leaves connected (including into
// reconnecting) and restarts when connected is re-entered.
type QualityMonitor struct {
	interval time.Duration

	mu     sync.Mutex
	stopCh chan struct{}

	onChange func(bucket QualityBucket)
}

// NewQualityMonitor creates a monitor sampling at interval, falling
// back to DefaultQualityInterval when zero.
func NewQualityMonitor(interval time.Duration) *QualityMonitor {
	if interval <= 0 {
		interval = DefaultQualityInterval
	}
	return &QualityMonitor{interval: interval}
}

// OnChange registers the handler fired when the classified bucket
// changes between samples.
func (m *QualityMonitor) OnChange(fn func(bucket QualityBucket)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start begins sampling sess's transport. A previous sampling loop is
// stopped first, so re-entering connected restarts cleanly.
func (m *QualityMonitor) Start(sess *Session, transport Transport) {
	m.mu.Lock()
	if m.stopCh != nil {
		close(m.stopCh)
	}
	stopCh := make(chan struct{})
	m.stopCh = stopCh
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"session_id": sess.ID(),
		"interval":   m.interval,
	}).Debug("Quality sampling started")

	go m.sampleLoop(sess, transport, stopCh)
}

// Stop halts sampling. Idempotent; safe around sessions that never
// connected.
func (m *QualityMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

func (m *QualityMonitor) sampleLoop(sess *Session, transport Transport, stopCh chan struct{}) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			m.sample(sess, transport)
		}
	}
}

func (m *QualityMonitor) sample(sess *Session, transport Transport) {
	stats, err := transport.Stats()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sample",
			"session_id": sess.ID(),
			"error":      err.Error(),
		}).Warn("Transport stats sampling failed")
		return
	}

	bucket := Classify(stats)
	if !sess.setQuality(bucket) {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":         "sample",
		"session_id":       sess.ID(),
		"quality":          bucket.String(),
		"packets_received": stats.AudioPacketsReceived,
		"packets_lost":     stats.AudioPacketsLost,
	}).Info("Link quality changed")

	m.mu.Lock()
	cb := m.onChange
	m.mu.Unlock()
	if cb != nil {
		cb(bucket)
	}
}
