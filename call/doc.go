// Package call implements the real-time call session negotiator: the
// component that establishes, maintains, renegotiates and tears down
// one peer-to-peer audio/video session for a local identity.
//
// The package owns three cooperating pieces sharing a single Session
// record:
//
//   - Negotiator: the session state machine and the offer/answer/
//     candidate exchange. All signaling events and all local operations
//     (Initiate, Answer, Reject, End, media controls) are processed as
//     discrete sequential reactions against the one live session.
//   - QualityMonitor: periodic sampling of the live transport's inbound
//     audio statistics, classified into quality buckets.
//   - reconnect controller: bounded retry on transport degradation,
//     returning control to the negotiator on recovery or exhaustion.
//
// External collaborators are injected at construction behind narrow
// interfaces: the signaling channel (SignalChannel), the platform media
// capability (TransportFactory, MediaDevice) and the call record store
// (RecordStore). There is no package-level state; every dependency is
// explicit, which is also what makes the state machine testable with
// in-process fakes.
//
// # Session lifecycle
//
// A session is created by Initiate or by an inbound invite, mutated
// only through the negotiator's serialized reactions, and destroyed
// when it reaches a terminal state (ended, rejected, missed, busy). At
// most one non-terminal session exists per local identity; a second
// inbound invite is answered with busy and never touches the live
// session. Terminal cleanup synchronously stops local tracks, closes
// the transport, cancels the ring and reconnection timers and clears
// the pending candidate queue before the slot becomes idle again.
//
// # Usage
//
//	neg, err := call.NewNegotiator(channel, transports, media, store, call.Config{
//	    ICEServers: []call.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
//	})
//	if err != nil {
//	    return err
//	}
//	neg.OnIncomingCall(func(inc call.IncomingCall) {
//	    _ = neg.Answer(context.Background())
//	})
//	if err := neg.Start(); err != nil {
//	    return err
//	}
//	defer neg.Stop()
//
//	err = neg.Initiate(context.Background(), "user-42", call.KindVideo)
//
// Callbacks are invoked on their own goroutines; implementations that
// need ordering should funnel into their own queue.
package call
