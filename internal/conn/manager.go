// Package conn owns the persistent realtime connection for the conversation
// the user is currently viewing: dial, authenticated join, heartbeats,
// bounded reconnection and teardown. At most one socket is open at a time.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ilyrer/immonow-comms/internal/config"
	"github.com/ilyrer/immonow-comms/internal/proto"
)

var log = logging.Logger("comms/conn")

// State of the managed connection. Owned exclusively by the Manager; every
// other component only observes transitions.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ErrNotConnected is returned by Send when no connection is established.
// Callers must not queue: durable traffic belongs on the REST path, and
// ephemeral traffic (typing, signaling) tolerates loss.
var ErrNotConnected = errors.New("realtime connection not established")

// Sink receives every decoded event the connection delivers, in wire order.
type Sink func(proto.Event)

// Manager drives one websocket per viewed conversation.
type Manager struct {
	url    string
	cfg    config.Realtime
	dialer Dialer
	sink   Sink

	mu             sync.Mutex
	state          State
	conversationID string
	token          string
	sock           Socket
	gen            int // bumped on every teardown; stale goroutines check it
	heartbeatStop  chan struct{}
	reconnectStop  chan struct{}

	stateSubs map[int]func(State)
	nextSub   int
	onDown    func()

	// Pending state notifications, drained in transition order by a single
	// goroutine so observers never see transitions out of sequence.
	notifyQueue []State
	notifying   bool
}

func NewManager(url string, cfg config.Realtime, dialer Dialer, sink Sink) *Manager {
	if dialer == nil {
		dialer = &WebsocketDialer{HandshakeTimeout: cfg.HandshakeTimeout()}
	}
	return &Manager{
		url:       url,
		cfg:       cfg,
		dialer:    dialer,
		sink:      sink,
		state:     StateDisconnected,
		stateSubs: make(map[int]func(State)),
	}
}

// OnStateChange registers an observer for state transitions and returns a
// cancel function. Observers run on the transitioning goroutine.
func (m *Manager) OnStateChange(fn func(State)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.stateSubs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.stateSubs, id)
		m.mu.Unlock()
	}
}

// SetOnDown registers a callback fired once when the reconnection budget is
// exhausted and the manager settles in the disconnected state.
func (m *Manager) SetOnDown(fn func()) {
	m.mu.Lock()
	m.onDown = fn
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConversationID returns the conversation the manager is (or was last)
// attached to.
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// Connect opens the connection for conversationID, performing the
// authenticated join handshake. Connecting to the conversation that is
// already connected is a no-op; a different conversation closes the prior
// connection first.
func (m *Manager) Connect(ctx context.Context, conversationID, token string) error {
	m.mu.Lock()
	if m.conversationID == conversationID && (m.state == StateConnected || m.state == StateConnecting) {
		m.mu.Unlock()
		return nil
	}
	// Switching conversations: tear down whatever is there.
	m.teardownLocked()
	m.conversationID = conversationID
	m.token = token
	gen := m.gen
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	sock, err := m.handshake(ctx, conversationID, token)
	if err != nil {
		m.mu.Lock()
		if m.gen == gen {
			m.setStateLocked(StateDisconnected)
		}
		m.mu.Unlock()
		return err
	}

	m.adopt(gen, sock)
	return nil
}

// Disconnect closes the connection and settles in the disconnected state.
// Idempotent. All heartbeat and reconnect timers are cancelled.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisconnected && m.sock == nil {
		return
	}
	m.teardownLocked()
	m.setStateLocked(StateDisconnected)
}

// Send encodes and writes one event. Fails with ErrNotConnected when the
// connection is not established; events are never queued.
func (m *Manager) Send(ev proto.Event) error {
	m.mu.Lock()
	sock := m.sock
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || sock == nil {
		return ErrNotConnected
	}
	data, err := proto.Encode(ev)
	if err != nil {
		return err
	}
	return sock.WriteMessage(data)
}

// handshake dials, sends the join frame, and waits for the established ack.
func (m *Manager) handshake(ctx context.Context, conversationID, token string) (Socket, error) {
	ctx, cancelCtx := context.WithTimeout(ctx, m.cfg.HandshakeTimeout())
	defer cancelCtx()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	sock, err := m.dialer.Dial(ctx, m.url, header)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	join, err := proto.Encode(proto.Event{
		Kind: proto.KindJoin,
		Join: &proto.Join{ConversationID: conversationID, Token: token},
	})
	if err != nil {
		sock.Close()
		return nil, err
	}
	if err := sock.WriteMessage(join); err != nil {
		sock.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	sock.ExtendReadDeadline(m.cfg.HandshakeTimeout())
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			sock.Close()
			return nil, fmt.Errorf("await established: %w", err)
		}
		ev, err := proto.Decode(data)
		if err != nil {
			log.Warnf("handshake: dropping frame: %v", err)
			continue
		}
		if ev.Kind == proto.KindEstablished {
			return sock, nil
		}
		// Anything arriving before the ack is out of contract; drop it.
		log.Debugf("handshake: ignoring early %q event", ev.Kind)
	}
}

// adopt installs an established socket under generation gen and starts the
// read and heartbeat loops.
func (m *Manager) adopt(gen int, sock Socket) {
	m.mu.Lock()
	if m.gen != gen {
		// A disconnect or switch raced the handshake; discard the socket.
		m.mu.Unlock()
		sock.Close()
		return
	}
	m.sock = sock
	m.setStateLocked(StateConnected)
	stop := make(chan struct{})
	m.heartbeatStop = stop
	m.mu.Unlock()

	sock.SetPongHandler(func() {
		sock.ExtendReadDeadline(m.cfg.PongTimeout())
	})
	sock.ExtendReadDeadline(m.cfg.PongTimeout())

	go m.readLoop(gen, sock)
	go m.heartbeat(sock, stop)
	log.Infof("connected to conversation %s", m.ConversationID())
}

func (m *Manager) readLoop(gen int, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.handleReadFailure(gen, err)
			return
		}
		ev, derr := proto.Decode(data)
		if derr != nil {
			// Malformed events never take the session down.
			log.Warnf("dropping frame: %v", derr)
			continue
		}
		if ev.Kind == proto.KindEstablished || ev.Kind == proto.KindJoin {
			continue
		}
		if m.sink != nil {
			m.sink(ev)
		}
	}
}

func (m *Manager) heartbeat(sock Socket, stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.Heartbeat())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := sock.WritePing(); err != nil {
				// The read loop observes the broken socket and reconnects.
				log.Debugf("ping failed: %v", err)
				sock.Close()
				return
			}
		}
	}
}

// handleReadFailure runs the reconnection policy after an unexpected close.
func (m *Manager) handleReadFailure(gen int, cause error) {
	m.mu.Lock()
	if m.gen != gen {
		// Intentional teardown; nothing to recover.
		m.mu.Unlock()
		return
	}
	log.Warnf("connection lost: %v", cause)
	m.teardownLocked()
	gen = m.gen
	conversationID, token := m.conversationID, m.token
	stop := make(chan struct{})
	m.reconnectStop = stop
	m.setStateLocked(StateReconnecting)
	m.mu.Unlock()

	go m.reconnect(gen, conversationID, token, stop)
}

// reconnect retries with linear backoff up to the configured attempt cap,
// then settles disconnected and fires the down callback.
func (m *Manager) reconnect(gen int, conversationID, token string, stop chan struct{}) {
	for attempt := 1; attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		timer := time.NewTimer(time.Duration(attempt) * m.cfg.ReconnectBackoff())
		select {
		case <-timer.C:
		case <-stop:
			// Disconnect or a fresh Connect cancelled the backoff.
			timer.Stop()
			return
		}

		m.mu.Lock()
		if m.gen != gen {
			m.mu.Unlock()
			return // Disconnect or a fresh Connect superseded this path.
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout())
		sock, err := m.handshake(ctx, conversationID, token)
		cancel()
		if err == nil {
			log.Infof("reconnected on attempt %d", attempt)
			m.adopt(gen, sock)
			return
		}
		log.Warnf("reconnect attempt %d/%d failed: %v", attempt, m.cfg.MaxReconnectAttempts, err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateDisconnected)
	down := m.onDown
	m.mu.Unlock()
	log.Warnf("reconnect budget exhausted for conversation %s", conversationID)
	if down != nil {
		down()
	}
}

// teardownLocked closes the socket and cancels timers. Callers hold m.mu.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.reconnectStop != nil {
		close(m.reconnectStop)
		m.reconnectStop = nil
	}
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
	if m.sock != nil {
		m.sock.Close()
		m.sock = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.notifyQueue = append(m.notifyQueue, s)
	if m.notifying {
		return
	}
	m.notifying = true
	go m.drainStateQueue()
}

// drainStateQueue delivers queued state notifications one at a time, in
// transition order. Observers run without the lock so they may call back
// into the manager.
func (m *Manager) drainStateQueue() {
	for {
		m.mu.Lock()
		if len(m.notifyQueue) == 0 {
			m.notifying = false
			m.mu.Unlock()
			return
		}
		s := m.notifyQueue[0]
		m.notifyQueue = m.notifyQueue[1:]
		subs := make([]func(State), 0, len(m.stateSubs))
		for _, fn := range m.stateSubs {
			subs = append(subs, fn)
		}
		m.mu.Unlock()
		for _, fn := range subs {
			fn(s)
		}
	}
}
