// Package webrtc backs the call package's transport and media
// interfaces with pion: peer connections from pion/webrtc, capture
// from pion/mediadevices with VP8 and Opus encoders.
//
// The call package never imports pion directly; everything it needs
// crosses the Transport, Track and MediaDevice interfaces, which keeps
// the state machine testable against in-process fakes.
package webrtc
