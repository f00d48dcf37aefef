package call

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// State of a call session.
type State string

const (
	StateIdle            State = "idle"
	StateRequestingMedia State = "requesting-media"
	StateNegotiating     State = "negotiating"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
)

// Role distinguishes who rang whom.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Session is one call in one conversation. It drives the idle →
// requesting-media → negotiating → connected → ended lifecycle around an
// opaque PeerSession.
type Session struct {
	ID             string
	ConversationID string
	Role           Role

	sig     Signaler
	engine  Engine
	media   MediaProvider
	onState func(*Session, State)
	onError func(*Session, error)

	mu       sync.Mutex
	state    State
	muted    bool
	videoOff bool
	local    MediaStream
	remote   MediaStream
	peer     PeerSession
	// Signals that arrive before the peer session exists (media still being
	// acquired, or the caller still waiting for the callee's ack) are held
	// and replayed once it does.
	pending []json.RawMessage
	// The callee accepted; the caller may bring up its peer session, which
	// emits the offer. Offers sent before this would land on an idle callee
	// and be lost.
	ackReceived bool
}

func newSession(conversationID string, role Role, sig Signaler, engine Engine, media MediaProvider,
	onState func(*Session, State), onError func(*Session, error)) *Session {
	return &Session{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		sig:            sig,
		engine:         engine,
		media:          media,
		onState:        onState,
		onError:        onError,
		state:          StateIdle,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsMuted reports the local audio flag.
func (s *Session) IsMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// IsVideoOff reports the local video flag.
func (s *Session) IsVideoOff() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOff
}

// RemoteStream returns the remote media stream handle, nil until tracks
// arrive.
func (s *Session) RemoteStream() MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// LocalStream returns the local capture stream handle, nil until media is
// acquired.
func (s *Session) LocalStream() MediaStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// start acquires local media and brings up negotiation. The caller then
// waits for the callee's call-ack before creating its peer session; the
// callee creates the peer session at once and answers with the ack. Any
// failure lands the session in StateEnded with devices released; it never
// sticks in requesting-media.
func (s *Session) start() error {
	s.setState(StateRequestingMedia)

	stream, err := s.media.GetUserMedia(true, true)
	if err != nil {
		merr := &MediaAccessError{Cause: err}
		log.Warnf("CALL [%s]: %v", s.ID, merr)
		s.End()
		return merr
	}

	s.mu.Lock()
	if s.state == StateEnded {
		// Hung up while the permission prompt was open.
		s.mu.Unlock()
		stream.Close()
		return nil
	}
	s.local = stream
	ackSeen := s.ackReceived
	s.mu.Unlock()

	if s.Role == RoleInitiator && !ackSeen {
		// Ringing. The offer would be dropped on the callee's side until
		// someone picks up, so the peer session waits for the ack; remote
		// signals buffer meanwhile.
		s.setState(StateNegotiating)
		return nil
	}

	if err := s.establishPeer(); err != nil {
		return err
	}
	if s.Role == RoleResponder {
		if err := s.sig.SendSignal(s.ConversationID, map[string]any{"type": sigAccept}); err != nil {
			log.Warnf("CALL [%s]: ack not sent: %v", s.ID, err)
		}
	}
	return nil
}

// establishPeer creates the peer session and replays buffered signals. For
// the caller this is where the offer goes out.
func (s *Session) establishPeer() error {
	s.mu.Lock()
	local := s.local
	s.mu.Unlock()

	peer, err := s.engine.NewPeerSession(s.Role == RoleInitiator, local, PeerCallbacks{
		OnSignal:  s.relaySignal,
		OnStream:  s.acceptRemote,
		OnConnect: s.peerConnected,
		OnClose:   s.peerClosed,
	})
	if err != nil {
		log.Warnf("CALL [%s]: peer session: %v", s.ID, err)
		s.End()
		return err
	}

	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		peer.Close()
		return nil
	}
	s.peer = peer
	held := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.setState(StateNegotiating)
	for _, payload := range held {
		if err := peer.Signal(payload); err != nil {
			log.Warnf("CALL [%s]: held signal: %v", s.ID, err)
		}
	}
	return nil
}

// handleAccept processes the callee's call-ack: the caller now brings up
// its peer session and negotiation proper begins.
func (s *Session) handleAccept() {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	if s.Role != RoleInitiator {
		s.mu.Unlock()
		log.Debugf("CALL [%s]: unexpected call-ack", s.ID)
		return
	}
	if s.peer != nil || s.ackReceived {
		s.mu.Unlock()
		return
	}
	s.ackReceived = true
	ready := s.local != nil
	s.mu.Unlock()

	if !ready {
		// Media still being acquired; start() sees the flag and proceeds.
		return
	}
	if err := s.establishPeer(); err != nil {
		log.Warnf("CALL [%s]: ack: %v", s.ID, err)
	}
}

// applySignal feeds one remote signaling payload into the session.
func (s *Session) applySignal(payload json.RawMessage) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateIdle {
		s.mu.Unlock()
		log.Debugf("CALL [%s]: dropping signal in state %s", s.ID, s.state)
		return
	}
	if s.peer == nil {
		s.pending = append(s.pending, payload)
		s.mu.Unlock()
		return
	}
	peer := s.peer
	s.mu.Unlock()

	if err := peer.Signal(payload); err != nil {
		log.Warnf("CALL [%s]: signal: %v", s.ID, err)
	}
}

func (s *Session) relaySignal(payload json.RawMessage) {
	if err := s.sig.SendSignal(s.ConversationID, payload); err != nil {
		// Signaling loss is tolerated; ICE retries and the user can hang up.
		log.Debugf("CALL [%s]: relay: %v", s.ID, err)
	}
}

func (s *Session) acceptRemote(remote MediaStream) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		remote.Close()
		return
	}
	s.remote = remote
	s.mu.Unlock()
}

func (s *Session) peerConnected() {
	s.mu.Lock()
	if s.state != StateNegotiating {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.setState(StateConnected)
}

func (s *Session) peerClosed(err error) {
	if err != nil {
		log.Warnf("CALL [%s]: peer closed: %v", s.ID, err)
		if s.onError != nil {
			s.onError(s, err)
		}
	}
	s.End()
}

// ToggleMute flips the local audio flag and pauses/resumes audio tracks.
// Returns the new muted state. Does not change the lifecycle state.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	s.muted = !s.muted
	muted := s.muted
	local := s.local
	s.mu.Unlock()
	setTracksEnabled(local, "audio", !muted)
	log.Debugf("CALL [%s]: muted=%v", s.ID, muted)
	return muted
}

// ToggleVideo flips the local video flag. Returns the new video-off state.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOff = !s.videoOff
	off := s.videoOff
	local := s.local
	s.mu.Unlock()
	setTracksEnabled(local, "video", !off)
	log.Debugf("CALL [%s]: videoOff=%v", s.ID, off)
	return off
}

func setTracksEnabled(stream MediaStream, kind string, enabled bool) {
	if stream == nil {
		return
	}
	for _, t := range stream.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// End tears the session down from any state: closes the peer, releases
// local media devices and notifies the remote party. Idempotent.
func (s *Session) End() {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	peer := s.peer
	local := s.local
	remote := s.remote
	s.peer = nil
	s.local = nil
	s.remote = nil
	s.pending = nil
	s.mu.Unlock()

	// Device handles are released on every path out of a call.
	if local != nil {
		local.Close()
	}
	if remote != nil {
		remote.Close()
	}
	if peer != nil {
		peer.Close()
	}
	if err := s.sig.SendSignal(s.ConversationID, map[string]any{"type": sigHangup}); err != nil {
		log.Debugf("CALL [%s]: hangup not sent: %v", s.ID, err)
	}
	log.Infof("CALL [%s]: ended", s.ID)
	s.notifyState(StateEnded)
}

// remoteEnd handles the peer hanging up: same teardown, no hangup echo.
func (s *Session) remoteEnd() {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	peer := s.peer
	local := s.local
	remote := s.remote
	s.peer = nil
	s.local = nil
	s.remote = nil
	s.pending = nil
	s.mu.Unlock()

	if local != nil {
		local.Close()
	}
	if remote != nil {
		remote.Close()
	}
	if peer != nil {
		peer.Close()
	}
	log.Infof("CALL [%s]: remote hangup", s.ID)
	s.notifyState(StateEnded)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()
	s.notifyState(st)
}

func (s *Session) notifyState(st State) {
	if s.onState != nil {
		s.onState(s, st)
	}
}
