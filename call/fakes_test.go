package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meshgram/callkit/records"
	"github.com/meshgram/callkit/signaling"
)

// fakeChannel is an in-process SignalChannel. Paired channels deliver
// each Send straight into the peer's subscriber streams.
type fakeChannel struct {
	identity string

	mu     sync.Mutex
	peer   *fakeChannel
	subs   []chan *signaling.Message
	sent   []*signaling.Message
	closed bool
}

func newFakeChannel(identity string) *fakeChannel {
	return &fakeChannel{identity: identity}
}

func pairChannels(a, b *fakeChannel) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (c *fakeChannel) Identity() string { return c.identity }

func (c *fakeChannel) Send(msg *signaling.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return signaling.ErrChannelClosed
	}
	msg.From = c.identity
	c.sent = append(c.sent, msg)
	peer := c.peer
	c.mu.Unlock()

	if peer != nil {
		peer.deliver(msg)
	}
	return nil
}

func (c *fakeChannel) deliver(msg *signaling.Message) {
	c.mu.Lock()
	subs := make([]chan *signaling.Message, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, ch := range subs {
		ch <- msg
	}
}

func (c *fakeChannel) Subscribe() (chan *signaling.Message, func()) {
	ch := make(chan *signaling.Message, 64)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subs {
			if sub == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (c *fakeChannel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}

func (c *fakeChannel) sentKinds() []signaling.MessageKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]signaling.MessageKind, 0, len(c.sent))
	for _, msg := range c.sent {
		kinds = append(kinds, msg.Kind)
	}
	return kinds
}

func (c *fakeChannel) lastSent(kind signaling.MessageKind) *signaling.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Kind == kind {
			return c.sent[i]
		}
	}
	return nil
}

// fakeTrack is a capture track with a manually triggerable end.
type fakeTrack struct {
	mu      sync.Mutex
	id      string
	kind    TrackKind
	enabled bool
	stopped bool
	onEnded func()
}

func newFakeTrack(id string, kind TrackKind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *fakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

func (t *fakeTrack) endExternally() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// fakeMedia hands out fakeTracks and can be told to fail per device.
type fakeMedia struct {
	mu        sync.Mutex
	audioErr  error
	videoErr  error
	screenErr error

	audioCount  int
	videoCount  int
	screenCount int
	lastFacing  Facing
}

func (m *fakeMedia) AcquireAudio() (Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioErr != nil {
		return nil, m.audioErr
	}
	m.audioCount++
	return newFakeTrack(fmt.Sprintf("audio-%d", m.audioCount), TrackAudio), nil
}

func (m *fakeMedia) AcquireVideo(facing Facing) (Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.videoErr != nil {
		return nil, m.videoErr
	}
	m.videoCount++
	m.lastFacing = facing
	return newFakeTrack(fmt.Sprintf("video-%d", m.videoCount), TrackVideo), nil
}

func (m *fakeMedia) AcquireScreen() (Track, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screenErr != nil {
		return nil, m.screenErr
	}
	m.screenCount++
	return newFakeTrack(fmt.Sprintf("screen-%d", m.screenCount), TrackVideo), nil
}

// fakeSender records in-place track replacements.
type fakeSender struct {
	mu       sync.Mutex
	track    Track
	replaced []Track
	removed  bool
}

func (s *fakeSender) ReplaceTrack(track Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, track)
	s.track = track
	return nil
}

func (s *fakeSender) Track() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// fakeTransport records descriptions and candidates and lets tests
// drive connection-state events.
type fakeTransport struct {
	mu         sync.Mutex
	state      TransportState
	stats      TransportStats
	statsErr   error
	localDesc  *signaling.Description
	remoteDesc *signaling.Description
	candidates []signaling.Candidate
	senders    []*fakeSender
	closed     bool

	offerErr  error
	answerErr error
	remoteErr error

	onCandidate func(cand signaling.Candidate)
	onState     func(state TransportState)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: TransportNew}
}

func (t *fakeTransport) CreateOffer() (signaling.Description, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offerErr != nil {
		return signaling.Description{}, t.offerErr
	}
	return signaling.Description{Type: "offer", SDP: "v=0 fake offer"}, nil
}

func (t *fakeTransport) CreateAnswer() (signaling.Description, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.answerErr != nil {
		return signaling.Description{}, t.answerErr
	}
	return signaling.Description{Type: "answer", SDP: "v=0 fake answer"}, nil
}

func (t *fakeTransport) SetLocalDescription(desc signaling.Description) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDesc = &desc
	return nil
}

func (t *fakeTransport) SetRemoteDescription(desc signaling.Description) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remoteErr != nil {
		return t.remoteErr
	}
	t.remoteDesc = &desc
	return nil
}

func (t *fakeTransport) AddCandidate(cand signaling.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, cand)
	return nil
}

func (t *fakeTransport) AddTrack(track Track) (Sender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sender := &fakeSender{track: track}
	t.senders = append(t.senders, sender)
	return sender, nil
}

func (t *fakeTransport) RemoveTrack(sender Sender) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fs, ok := sender.(*fakeSender); ok {
		fs.mu.Lock()
		fs.removed = true
		fs.mu.Unlock()
	}
	return nil
}

func (t *fakeTransport) OnCandidate(fn func(cand signaling.Candidate)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *fakeTransport) OnStateChange(fn func(state TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *fakeTransport) State() TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) Stats() (TransportStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statsErr != nil {
		return TransportStats{}, t.statsErr
	}
	return t.stats, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// setState updates the state and fires the registered handler, like a
// real transport reporting a connection-state event.
func (t *fakeTransport) setState(state TransportState) {
	t.mu.Lock()
	t.state = state
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *fakeTransport) setStats(received, lost uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = TransportStats{AudioPacketsReceived: received, AudioPacketsLost: lost}
}

func (t *fakeTransport) emitCandidate(cand signaling.Candidate) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(cand)
	}
}

func (t *fakeTransport) appliedCandidates() []signaling.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]signaling.Candidate, len(t.candidates))
	copy(out, t.candidates)
	return out
}

// fakeFactory hands out fakeTransports and remembers them.
type fakeFactory struct {
	mu         sync.Mutex
	err        error
	transports []*fakeTransport
}

func (f *fakeFactory) NewTransport(iceServers []ICEServer) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	t := newFakeTransport()
	f.transports = append(f.transports, t)
	return t, nil
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

type recordUpdate struct {
	sessionID string
	status    records.Status
	duration  time.Duration
}

// fakeStore is an in-memory RecordStore.
type fakeStore struct {
	mu        sync.Mutex
	nextID    string
	createErr error
	updateErr error
	created   []records.CreateRequest
	updates   []recordUpdate
}

func (s *fakeStore) Create(ctx context.Context, req records.CreateRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.created = append(s.created, req)
	id := s.nextID
	if id == "" {
		id = fmt.Sprintf("sess-%d", len(s.created))
	}
	return id, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, sessionID string, status records.Status, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	s.updates = append(s.updates, recordUpdate{sessionID: sessionID, status: status, duration: duration})
	return nil
}

func (s *fakeStore) statuses() []records.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]records.Status, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, u.status)
	}
	return out
}

func (s *fakeStore) countStatus(status records.Status) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, u := range s.updates {
		if u.status == status {
			count++
		}
	}
	return count
}

func (s *fakeStore) lastUpdate() (recordUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return recordUpdate{}, false
	}
	return s.updates[len(s.updates)-1], true
}

// fakeClock is a manually advanced TimeProvider.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
