package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// pliInterval is how often we ask the remote encoder for a keyframe while a
// video track is live. Keeps the picture recoverable after packet loss.
const pliInterval = 3 * time.Second

// EngineConfig carries the transport knobs for the pion engine.
type EngineConfig struct {
	ICEServers []string
	// ICE timeouts. The defaults in pion are tuned for LAN; relay paths need
	// more slack before a call is declared dead.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration
}

// PionEngine builds peer sessions on pion/webrtc.
type PionEngine struct {
	cfg EngineConfig
}

// NewPionEngine returns the production peer engine.
func NewPionEngine(cfg EngineConfig) *PionEngine {
	return &PionEngine{cfg: cfg}
}

// localTrackSource is satisfied by device-backed streams that carry pion
// tracks suitable for PeerConnection.AddTrack. Fake streams in tests don't,
// and get receive-only transceivers instead.
type localTrackSource interface {
	RTPTracks() []webrtc.TrackLocal
}

type sdpSignal struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateSignal struct {
	Type      string                  `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// NewPeerSession creates a PeerConnection, attaches local tracks and, for
// the initiator, kicks off the offer. Remote tracks are surfaced through
// cb.OnStream as they arrive.
func (e *PionEngine) NewPeerSession(initiator bool, local MediaStream, cb PeerCallbacks) (PeerSession, error) {
	api, err := e.buildAPI(local)
	if err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(e.cfg.ICEServers))
	for _, u := range e.cfg.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	ps := &pionSession{
		pc:        pc,
		cb:        cb,
		initiator: initiator,
		stop:      make(chan struct{}),
	}

	if src, ok := local.(localTrackSource); ok {
		for _, t := range src.RTPTracks() {
			if _, err := pc.AddTrack(t); err != nil {
				log.Warnf("PEER: add track: %v", err)
			}
		}
	} else {
		// No sendable tracks: still offer valid m-lines so the remote side
		// can send to us.
		addRecvOnlyTransceivers(pc)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		ps.emit(candidateSignal{Type: sigCandidate, Candidate: c.ToJSON()})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		ps.adoptRemoteTrack(track)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Debugf("PEER: connection state %s", st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			if cb.OnConnect != nil {
				cb.OnConnect()
			}
		case webrtc.PeerConnectionStateFailed:
			ps.closeWith(errors.New("peer connection failed"))
		case webrtc.PeerConnectionStateClosed:
			ps.closeWith(nil)
		}
	})

	if initiator {
		if err := ps.sendOffer(); err != nil {
			pc.Close()
			return nil, err
		}
	}
	return ps, nil
}

func (e *PionEngine) buildAPI(local MediaStream) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if pop, ok := local.(interface{ PopulateMediaEngine(*webrtc.MediaEngine) error }); ok {
		if err := pop.PopulateMediaEngine(mediaEngine); err != nil {
			return nil, fmt.Errorf("populate media engine: %w", err)
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(e.cfg.DisconnectedTimeout, e.cfg.FailedTimeout, e.cfg.KeepaliveInterval)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// addRecvOnlyTransceivers adds recvonly audio and video transceivers so the
// SDP always has valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("PEER: add transceiver (%s): %v", kind, err)
		}
	}
}

// pionSession implements PeerSession on top of one *webrtc.PeerConnection.
type pionSession struct {
	pc        *webrtc.PeerConnection
	cb        PeerCallbacks
	initiator bool

	mu      sync.Mutex
	remote  *remoteStream
	closed  bool
	stop    chan struct{}
	// Candidates that arrive before the remote description is set.
	heldCandidates []webrtc.ICECandidateInit
}

func (s *pionSession) emit(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Errorf("PEER: marshal signal: %v", err)
		return
	}
	if s.cb.OnSignal != nil {
		s.cb.OnSignal(raw)
	}
}

func (s *pionSession) sendOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.emit(sdpSignal{Type: sigOffer, SDP: offer.SDP})
	return nil
}

// Signal applies one remote signaling payload: offer, answer or trickled
// ICE candidate.
func (s *pionSession) Signal(payload json.RawMessage) error {
	var head signalHead
	if err := json.Unmarshal(payload, &head); err != nil {
		return fmt.Errorf("decode signal: %w", err)
	}

	switch head.Type {
	case sigOffer:
		var sig sdpSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		return s.applyOffer(sig.SDP)
	case sigAnswer:
		var sig sdpSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		return s.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sig.SDP})
	case sigCandidate:
		var sig candidateSignal
		if err := json.Unmarshal(payload, &sig); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return s.addCandidate(sig.Candidate)
	default:
		return fmt.Errorf("unexpected signal type %q", head.Type)
	}
}

func (s *pionSession) applyOffer(sdp string) error {
	if err := s.applyRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	s.emit(sdpSignal{Type: sigAnswer, SDP: answer.SDP})
	return nil
}

func (s *pionSession) applyRemote(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	s.mu.Lock()
	held := s.heldCandidates
	s.heldCandidates = nil
	s.mu.Unlock()
	for _, c := range held {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Warnf("PEER: held candidate: %v", err)
		}
	}
	return nil
}

func (s *pionSession) addCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.pc.RemoteDescription() == nil {
		s.heldCandidates = append(s.heldCandidates, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(c)
}

// adoptRemoteTrack wires an incoming track into the remote stream and starts
// its RTP pump. The stream is surfaced to the session on the first track.
func (s *pionSession) adoptRemoteTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	first := s.remote == nil
	if first {
		s.remote = &remoteStream{}
	}
	rt := &remoteTrack{
		kind:    track.Kind().String(),
		enabled: true,
		done:    make(chan struct{}),
	}
	s.remote.add(rt)
	stream := s.remote
	s.mu.Unlock()

	go s.pumpRTP(track, rt)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go s.pliLoop(track, rt)
	}

	log.Debugf("PEER: remote %s track %s", track.Kind(), track.ID())
	if first && s.cb.OnStream != nil {
		s.cb.OnStream(stream)
	}
}

// pumpRTP drains a remote track. Packets keep the jitter buffers in the
// interceptor chain fed; consumers that want the media read the depacketized
// samples off the track themselves.
func (s *pionSession) pumpRTP(track *webrtc.TrackRemote, rt *remoteTrack) {
	buf := make([]byte, 1500)
	var pkt rtp.Packet
	for {
		select {
		case <-s.stop:
			return
		case <-rt.done:
			return
		default:
		}
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("PEER: track read: %v", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			log.Debugf("PEER: bad rtp packet: %v", err)
			continue
		}
		rt.observe(pkt.SequenceNumber, pkt.Timestamp)
	}
}

// pliLoop periodically requests a keyframe for a remote video track.
func (s *pionSession) pliLoop(track *webrtc.TrackRemote, rt *remoteTrack) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-rt.done:
			return
		case <-ticker.C:
			err := s.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

func (s *pionSession) closeWith(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.stop)
	s.mu.Unlock()
	if s.cb.OnClose != nil {
		s.cb.OnClose(err)
	}
}

func (s *pionSession) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.stop)
	}
	s.mu.Unlock()
	return s.pc.Close()
}

// remoteStream implements MediaStream over tracks received from the peer.
type remoteStream struct {
	mu     sync.Mutex
	tracks []*remoteTrack
}

func (r *remoteStream) add(t *remoteTrack) {
	r.mu.Lock()
	r.tracks = append(r.tracks, t)
	r.mu.Unlock()
}

func (r *remoteStream) Tracks() []MediaTrack {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MediaTrack, len(r.tracks))
	for i, t := range r.tracks {
		out[i] = t
	}
	return out
}

func (r *remoteStream) Close() error {
	r.mu.Lock()
	tracks := r.tracks
	r.mu.Unlock()
	for _, t := range tracks {
		t.Close()
	}
	return nil
}

type remoteTrack struct {
	kind string

	mu       sync.Mutex
	enabled  bool
	lastSeq  uint16
	lastTS   uint32
	closed   bool
	done     chan struct{}
}

func (t *remoteTrack) observe(seq uint16, ts uint32) {
	t.mu.Lock()
	t.lastSeq = seq
	t.lastTS = ts
	t.mu.Unlock()
}

func (t *remoteTrack) Kind() string { return t.kind }

func (t *remoteTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *remoteTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *remoteTrack) Close() error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	t.mu.Unlock()
	return nil
}
