package call

import (
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("comms/call")

// IncomingCall is handed to the incoming-call handler when the remote party
// rings. Exactly one of Accept or Reject should be called; both are safe to
// call more than once.
type IncomingCall struct {
	ConversationID string
	FromUserID     string

	once   sync.Once
	accept func() (*Session, error)
	reject func()
}

// Accept picks up the call, acquiring local media and answering.
func (c *IncomingCall) Accept() (*Session, error) {
	var (
		s   *Session
		err error
	)
	c.once.Do(func() { s, err = c.accept() })
	return s, err
}

// Reject declines the call and tells the remote party.
func (c *IncomingCall) Reject() {
	c.once.Do(c.reject)
}

// StateListener observes session lifecycle transitions.
type StateListener func(conversationID string, state State)

// Manager owns at most one live call session per conversation and routes
// incoming signaling to it.
type Manager struct {
	sig    Signaler
	engine Engine
	media  MediaProvider

	mu         sync.Mutex
	sessions   map[string]*Session
	onIncoming func(*IncomingCall)
	listeners  []StateListener
}

// NewManager builds a call manager around a signaling channel, a peer
// engine and a media provider.
func NewManager(sig Signaler, engine Engine, media MediaProvider) *Manager {
	return &Manager{
		sig:      sig,
		engine:   engine,
		media:    media,
		sessions: make(map[string]*Session),
	}
}

// OnIncomingCall installs the handler invoked when a remote call request
// arrives. Without a handler, requests are rejected.
func (m *Manager) OnIncomingCall(fn func(*IncomingCall)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIncoming = fn
}

// AddStateListener registers an observer for session state transitions.
func (m *Manager) AddStateListener(fn StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Active returns the live session for the conversation, nil when idle.
func (m *Manager) Active(conversationID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[conversationID]
}

// Start rings the remote party of the conversation. It sends the call
// request, then acquires media and negotiates. ErrAlreadyInCall when a
// session is already live there.
func (m *Manager) Start(conversationID string) (*Session, error) {
	s, err := m.adopt(conversationID, RoleInitiator)
	if err != nil {
		return nil, err
	}
	if err := m.sig.SendSignal(conversationID, map[string]any{"type": sigRequest}); err != nil {
		log.Warnf("CALL: request not sent for %s: %v", conversationID, err)
		m.drop(conversationID, s)
		s.End()
		return nil, err
	}
	if err := s.start(); err != nil {
		m.drop(conversationID, s)
		return nil, err
	}
	return s, nil
}

// adopt registers a fresh session for the conversation, enforcing the
// one-live-call rule.
func (m *Manager) adopt(conversationID string, role Role) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur := m.sessions[conversationID]; cur != nil && cur.State() != StateEnded {
		return nil, ErrAlreadyInCall
	}
	s := newSession(conversationID, role, m.sig, m.engine, m.media, m.sessionState, nil)
	m.sessions[conversationID] = s
	return s, nil
}

func (m *Manager) drop(conversationID string, s *Session) {
	m.mu.Lock()
	if m.sessions[conversationID] == s {
		delete(m.sessions, conversationID)
	}
	m.mu.Unlock()
}

func (m *Manager) sessionState(s *Session, st State) {
	if st == StateEnded {
		m.drop(s.ConversationID, s)
	}
	m.mu.Lock()
	listeners := make([]StateListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(s.ConversationID, st)
	}
}

// End hangs up the live call in the conversation, if any. Safe when idle.
func (m *Manager) End(conversationID string) {
	if s := m.Active(conversationID); s != nil {
		s.End()
	}
}

// EndAll tears down every live session. Used when the realtime channel is
// lost for good or the client shuts down.
func (m *Manager) EndAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.End()
	}
}

// HandleSignal routes one signaling payload received from the realtime
// channel. Unparseable payloads and signals with no live session (other
// than a call request) are dropped with a log line.
func (m *Manager) HandleSignal(conversationID, fromUserID string, payload json.RawMessage) {
	var head signalHead
	if err := json.Unmarshal(payload, &head); err != nil {
		log.Warnf("CALL: undecodable signal in %s: %v", conversationID, err)
		return
	}

	switch head.Type {
	case sigRequest:
		m.handleRequest(conversationID, fromUserID)
	case sigAccept:
		if s := m.Active(conversationID); s != nil {
			s.handleAccept()
		} else {
			log.Debugf("CALL: ack for idle conversation %s", conversationID)
		}
	case sigHangup:
		if s := m.Active(conversationID); s != nil {
			s.remoteEnd()
		} else {
			log.Debugf("CALL: hangup for idle conversation %s", conversationID)
		}
	case sigOffer, sigAnswer, sigCandidate:
		if s := m.Active(conversationID); s != nil {
			s.applySignal(payload)
		} else {
			log.Debugf("CALL: dropping %s for idle conversation %s", head.Type, conversationID)
		}
	default:
		log.Debugf("CALL: unknown signal type %q in %s", head.Type, conversationID)
	}
}

func (m *Manager) handleRequest(conversationID, fromUserID string) {
	m.mu.Lock()
	handler := m.onIncoming
	busy := false
	if cur := m.sessions[conversationID]; cur != nil && cur.State() != StateEnded {
		busy = true
	}
	m.mu.Unlock()

	if busy {
		// Glare: both sides rang at once. Keep ours, drop theirs.
		log.Debugf("CALL: request while busy in %s", conversationID)
		return
	}
	if handler == nil {
		log.Debugf("CALL: no incoming handler, rejecting call in %s", conversationID)
		m.sendHangup(conversationID)
		return
	}

	inc := &IncomingCall{
		ConversationID: conversationID,
		FromUserID:     fromUserID,
		accept:         func() (*Session, error) { return m.accept(conversationID) },
		reject:         func() { m.sendHangup(conversationID) },
	}
	handler(inc)
}

func (m *Manager) accept(conversationID string) (*Session, error) {
	s, err := m.adopt(conversationID, RoleResponder)
	if err != nil {
		return nil, err
	}
	if err := s.start(); err != nil {
		m.drop(conversationID, s)
		return nil, err
	}
	return s, nil
}

func (m *Manager) sendHangup(conversationID string) {
	if err := m.sig.SendSignal(conversationID, map[string]any{"type": sigHangup}); err != nil {
		log.Debugf("CALL: hangup not sent for %s: %v", conversationID, err)
	}
}
