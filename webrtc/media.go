package webrtc

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	pion "github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/meshgram/callkit/call"
)

// Media captures microphone, camera and screen tracks through
// pion/mediadevices.
type Media struct {
	selector *mediadevices.CodecSelector
}

// NewMedia creates a standalone capture stack. Most callers get one
// for free through NewFactory.
func NewMedia(selector *mediadevices.CodecSelector) *Media {
	return &Media{selector: selector}
}

// AcquireAudio opens the default microphone.
func (m *Media) AcquireAudio() (call.Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
		},
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open microphone: %w", err)
	}

	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("microphone stream carried no audio track")
	}
	return newLocalTrack(tracks[0]), nil
}

// AcquireVideo opens a camera with the requested facing. Platforms
// without facing metadata fall back to device order: the first video
// device counts as user-facing, the second as environment-facing.
func (m *Media) AcquireVideo(facing call.Facing) (call.Track, error) {
	deviceID := cameraForFacing(facing)

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.String(deviceID)
			}
			// MJPEG nodes on some cameras emit malformed frames that
			// poison the VP8 encoder. Raw formats only.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 1280}
			c.Height = prop.IntRanged{Max: 720}
		},
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open camera: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("camera stream carried no video track")
	}

	logrus.WithFields(logrus.Fields{
		"function":  "AcquireVideo",
		"facing":    facing,
		"device_id": deviceID,
	}).Debug("Camera opened")

	return newLocalTrack(tracks[0]), nil
}

// AcquireScreen opens a screen capture.
func (m *Media) AcquireScreen() (call.Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameRate = prop.Float(15)
		},
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open screen capture: %w", err)
	}

	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("screen stream carried no video track")
	}
	return newLocalTrack(tracks[0]), nil
}

// cameraForFacing maps a facing to a concrete device id by enumeration
// order. Empty means let the driver pick.
func cameraForFacing(facing call.Facing) string {
	cameras := make([]mediadevices.MediaDeviceInfo, 0, 2)
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cameras = append(cameras, d)
		}
	}
	if len(cameras) == 0 {
		return ""
	}
	if facing == call.FacingEnvironment && len(cameras) > 1 {
		return cameras[1].DeviceID
	}
	return cameras[0].DeviceID
}

// localTrack adapts one mediadevices track to call.Track. The enabled
// flag is advisory: mediadevices has no frame-level pause, so mute is
// signaled to consumers through Enabled while capture keeps running.
type localTrack struct {
	md mediadevices.Track

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func()
}

func newLocalTrack(md mediadevices.Track) *localTrack {
	t := &localTrack{md: md, enabled: true}
	md.OnEnded(func(err error) {
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "OnEnded",
				"track_id": md.ID(),
				"error":    err.Error(),
			}).Warn("Capture track ended")
		}
		t.mu.Lock()
		alreadyStopped := t.stopped
		t.stopped = true
		fn := t.onEnded
		t.mu.Unlock()
		if fn != nil && !alreadyStopped {
			fn()
		}
	})
	return t
}

func (t *localTrack) ID() string {
	return t.md.ID()
}

func (t *localTrack) Kind() call.TrackKind {
	if t.md.Kind() == pion.RTPCodecTypeAudio {
		return call.TrackAudio
	}
	return call.TrackVideo
}

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *localTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	if err := t.md.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"track_id": t.md.ID(),
			"error":    err.Error(),
		}).Warn("Capture track close failed")
	}
}

func (t *localTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

var _ call.MediaDevice = (*Media)(nil)
var _ call.Track = (*localTrack)(nil)
