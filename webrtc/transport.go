package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	pion "github.com/pion/webrtc/v4"

	"github.com/meshgram/callkit/call"
	"github.com/meshgram/callkit/signaling"
)

// ICE timeouts. The defaults declare a connection dead after a 5s
// hiccup, which is shorter than a typical relay failover; the
// reconnection controller needs the transport to hold on long enough
// to tell a blip from a real loss.
const (
	iceDisconnectedTimeout = 10 * time.Second
	iceFailedTimeout       = 30 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// Factory builds pion peer connections sharing one media engine and
// codec selection. It also implements call.MediaDevice through its
// embedded Media, so one Factory can serve as both negotiator
// collaborators.
type Factory struct {
	api      *pion.API
	selector *mediadevices.CodecSelector

	*Media
}

// NewFactory builds the shared codec selection (VP8 video, Opus audio),
// media engine and interceptor chain.
func NewFactory() (*Factory, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &pion.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := pion.SettingEngine{}
	settings.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	api := pion.NewAPI(
		pion.WithMediaEngine(mediaEngine),
		pion.WithInterceptorRegistry(registry),
		pion.WithSettingEngine(settings),
	)

	return &Factory{
		api:      api,
		selector: selector,
		Media:    &Media{selector: selector},
	}, nil
}

// NewTransport creates one peer connection configured with the given
// traversal servers.
func (f *Factory) NewTransport(iceServers []call.ICEServer) (call.Transport, error) {
	servers := make([]pion.ICEServer, 0, len(iceServers))
	for _, s := range iceServers {
		servers = append(servers, pion.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := f.api.NewPeerConnection(pion.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	return &Transport{pc: pc}, nil
}

// Transport adapts one pion peer connection to call.Transport.
type Transport struct {
	pc *pion.PeerConnection
}

func (t *Transport) CreateOffer() (signaling.Description, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return signaling.Description{}, fmt.Errorf("failed to create offer: %w", err)
	}
	return signaling.Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (t *Transport) CreateAnswer() (signaling.Description, error) {
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.Description{}, fmt.Errorf("failed to create answer: %w", err)
	}
	return signaling.Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (t *Transport) SetLocalDescription(desc signaling.Description) error {
	if err := t.pc.SetLocalDescription(toSessionDescription(desc)); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return nil
}

func (t *Transport) SetRemoteDescription(desc signaling.Description) error {
	if err := t.pc.SetRemoteDescription(toSessionDescription(desc)); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (t *Transport) AddCandidate(cand signaling.Candidate) error {
	init := pion.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	}
	if err := t.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

func (t *Transport) AddTrack(track call.Track) (call.Sender, error) {
	local, ok := track.(*localTrack)
	if !ok {
		return nil, fmt.Errorf("track %q was not captured by this media stack", track.ID())
	}

	rtpSender, err := t.pc.AddTrack(local.md)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	// Drain RTCP so the interceptors keep processing reports.
	go drainRTCP(rtpSender)

	return &sender{rtp: rtpSender, track: track}, nil
}

func (t *Transport) RemoveTrack(s call.Sender) error {
	snd, ok := s.(*sender)
	if !ok {
		return fmt.Errorf("sender does not belong to this transport")
	}
	if err := t.pc.RemoveTrack(snd.rtp); err != nil {
		return fmt.Errorf("failed to remove track: %w", err)
	}
	return nil
}

func (t *Transport) OnCandidate(fn func(cand signaling.Candidate)) {
	t.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(signaling.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (t *Transport) OnStateChange(fn func(state call.TransportState)) {
	t.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		fn(mapConnectionState(state))
	})
}

func (t *Transport) State() call.TransportState {
	return mapConnectionState(t.pc.ConnectionState())
}

// Stats sums the inbound audio RTP counters across the connection's
// streams. Video streams are excluded: audio loss is the steadier
// quality signal because its packet rate is near constant.
func (t *Transport) Stats() (call.TransportStats, error) {
	report := t.pc.GetStats()

	var stats call.TransportStats
	for _, entry := range report {
		inbound, ok := entry.(pion.InboundRTPStreamStats)
		if !ok || inbound.Kind != "audio" {
			continue
		}
		stats.AudioPacketsReceived += uint64(inbound.PacketsReceived)
		if inbound.PacketsLost > 0 {
			stats.AudioPacketsLost += uint64(inbound.PacketsLost)
		}
	}
	return stats, nil
}

func (t *Transport) Close() error {
	return t.pc.Close()
}

// sender adapts a pion RTP sender to call.Sender.
type sender struct {
	rtp   *pion.RTPSender
	track call.Track
}

func (s *sender) ReplaceTrack(track call.Track) error {
	local, ok := track.(*localTrack)
	if !ok {
		return fmt.Errorf("track %q was not captured by this media stack", track.ID())
	}
	if err := s.rtp.ReplaceTrack(local.md); err != nil {
		return fmt.Errorf("failed to replace track: %w", err)
	}
	s.track = track
	return nil
}

func (s *sender) Track() call.Track {
	return s.track
}

func toSessionDescription(desc signaling.Description) pion.SessionDescription {
	return pion.SessionDescription{
		Type: pion.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}

func mapConnectionState(state pion.PeerConnectionState) call.TransportState {
	switch state {
	case pion.PeerConnectionStateNew:
		return call.TransportNew
	case pion.PeerConnectionStateConnecting:
		return call.TransportConnecting
	case pion.PeerConnectionStateConnected:
		return call.TransportConnected
	case pion.PeerConnectionStateDisconnected:
		return call.TransportDisconnected
	case pion.PeerConnectionStateFailed:
		return call.TransportFailed
	case pion.PeerConnectionStateClosed:
		return call.TransportClosed
	default:
		return call.TransportNew
	}
}

func drainRTCP(rtpSender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := rtpSender.Read(buf); err != nil {
			return
		}
	}
}

var _ call.TransportFactory = (*Factory)(nil)
var _ call.Transport = (*Transport)(nil)
