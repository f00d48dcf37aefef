package call

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Signaler is the only surface the call package needs from the connection
// layer. The facade satisfies it with a small adapter over conn.Manager —
// the one place that imports both packages.
type Signaler interface {
	// SendSignal relays an opaque signaling payload to the remote party of
	// the conversation. Best effort: the caller accepts loss.
	SendSignal(conversationID string, payload any) error
}

// ErrAlreadyInCall rejects starting a call while another one is live in the
// conversation. The existing session is left untouched.
var ErrAlreadyInCall = errors.New("a call is already active in this conversation")

// MediaAccessError reports local camera/microphone acquisition failure
// (permission denied, device missing or busy). Surfaced synchronously; no
// retry loop.
type MediaAccessError struct {
	Cause error
}

func (e *MediaAccessError) Error() string { return fmt.Sprintf("media access: %v", e.Cause) }
func (e *MediaAccessError) Unwrap() error { return e.Cause }

// MediaTrack is one local or remote media track handle.
type MediaTrack interface {
	// Kind returns "audio" or "video".
	Kind() string
	// SetEnabled pauses or resumes the track without releasing the device.
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
}

// MediaStream is a set of tracks sharing one lifetime. Close must release
// the underlying device handles; it is safe to call more than once.
type MediaStream interface {
	Tracks() []MediaTrack
	Close() error
}

// MediaProvider acquires local capture media.
type MediaProvider interface {
	GetUserMedia(audio, video bool) (MediaStream, error)
}

// PeerCallbacks receive the peer engine's output. All callbacks may fire
// from engine-owned goroutines.
type PeerCallbacks struct {
	// OnSignal emits a local description or trickled ICE candidate that must
	// reach the remote party.
	OnSignal func(payload json.RawMessage)
	// OnStream delivers the remote media stream once tracks arrive.
	OnStream func(remote MediaStream)
	// OnConnect fires when the peer transport reports an established path.
	OnConnect func()
	// OnClose fires when the transport fails or the peer goes away.
	OnClose func(err error)
}

// PeerSession is the opaque negotiation engine behind a call. The state
// machine only orchestrates around it; it never touches ICE or DTLS itself.
type PeerSession interface {
	// Signal applies a remote offer, answer or ICE candidate.
	Signal(payload json.RawMessage) error
	Close() error
}

// Engine creates peer sessions. The production engine wraps pion/webrtc;
// tests install fakes.
type Engine interface {
	NewPeerSession(initiator bool, local MediaStream, cb PeerCallbacks) (PeerSession, error)
}

// Signal payload type discriminators exchanged through the realtime channel.
const (
	sigRequest   = "call-request"
	sigAccept    = "call-ack"
	sigOffer     = "offer"
	sigAnswer    = "answer"
	sigCandidate = "ice-candidate"
	sigHangup    = "call-hangup"
)

type signalHead struct {
	Type string `json:"type"`
}
