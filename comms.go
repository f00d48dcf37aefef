// Package comms is the realtime communications core of the back-office
// client: durable messaging over REST, ephemeral events over a managed
// websocket, and call signaling on top of pion. The Client ties the layers
// together; the internal packages carry the actual machinery.
package comms

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/ilyrer/immonow-comms/internal/api"
	"github.com/ilyrer/immonow-comms/internal/call"
	"github.com/ilyrer/immonow-comms/internal/config"
	"github.com/ilyrer/immonow-comms/internal/conn"
	"github.com/ilyrer/immonow-comms/internal/dispatch"
	"github.com/ilyrer/immonow-comms/internal/proto"
	"github.com/ilyrer/immonow-comms/internal/thread"
	"github.com/ilyrer/immonow-comms/internal/util"
)

var log = logging.Logger("comms")

// Re-exported types so callers don't import internal packages.
type (
	Config       = config.Config
	Message      = thread.Message
	Change       = thread.Change
	Conversation = api.Conversation
	ConnState    = conn.State
	CallState    = call.State
	CallSession  = call.Session
	IncomingCall = call.IncomingCall
)

// Connection states.
const (
	ConnDisconnected = conn.StateDisconnected
	ConnConnecting   = conn.StateConnecting
	ConnConnected    = conn.StateConnected
	ConnReconnecting = conn.StateReconnecting
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads configuration from path, falling back to defaults when
// the file does not exist.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Client is the front door of the communications core. One Client serves
// one authenticated user; it views one conversation at a time.
type Client struct {
	cfg    Config
	selfID string
	token  string

	api    *api.Client
	conn   *conn.Manager
	events *dispatch.Dispatcher
	thread *thread.Manager
	calls  *call.Manager

	mu       sync.Mutex
	nextPage int
	closed   bool
	cancels  []func()
}

// New builds a Client with the production transport: gorilla websocket
// dialing, a pion peer engine and platform device capture.
func New(cfg Config, selfID, token string) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	dialer := &conn.WebsocketDialer{HandshakeTimeout: cfg.Realtime.HandshakeTimeout()}
	engine := call.NewPionEngine(call.EngineConfig{
		ICEServers:          cfg.Call.ICEServers,
		DisconnectedTimeout: cfg.Call.ICEDisconnectedTimeout(),
		FailedTimeout:       cfg.Call.ICEFailedTimeout(),
		KeepaliveInterval:   cfg.Call.ICEKeepaliveInterval(),
	})
	return newClient(cfg, selfID, token, dialer, engine, call.NewDeviceMediaProvider())
}

// newClient wires the layers together. Tests inject fakes here.
func newClient(cfg Config, selfID, token string, dialer conn.Dialer, engine call.Engine, media call.MediaProvider) (*Client, error) {
	selfID, err := util.ValidateID(selfID)
	if err != nil {
		return nil, fmt.Errorf("self id: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		selfID: selfID,
		token:  token,
		api:    api.NewClient(cfg.Endpoints.APIBaseURL, token),
		events: dispatch.New(),
	}
	c.conn = conn.NewManager(cfg.Endpoints.RealtimeURL, cfg.Realtime, dialer, c.events.Dispatch)
	c.thread = thread.NewManager(c.api, c.conn, selfID, cfg.Chat)
	c.calls = call.NewManager(&connSignaler{conn: c.conn, selfID: selfID}, engine, media)

	c.cancels = append(c.cancels,
		c.events.Subscribe(proto.KindChatMessage, func(ev proto.Event) {
			c.thread.OnLiveMessage(ev.ChatMessage)
		}),
		c.events.Subscribe(proto.KindTyping, func(ev proto.Event) {
			c.thread.OnTyping(ev.Typing)
		}),
		c.events.Subscribe(proto.KindReadReceipt, func(ev proto.Event) {
			c.thread.OnReadReceipt(ev.ReadReceipt)
		}),
		c.events.Subscribe(proto.KindCallSignal, func(ev proto.Event) {
			sig := ev.CallSignal
			if sig.From == selfID {
				return
			}
			c.calls.HandleSignal(sig.ConversationID, sig.From, sig.Payload)
		}),
		c.events.Subscribe(proto.KindError, func(ev proto.Event) {
			log.Warnf("server error: %s", ev.ErrorNotice.Message)
		}),
		c.conn.OnStateChange(func(st ConnState) {
			if st != ConnConnected {
				c.thread.InvalidateEphemeral()
			}
		}),
	)
	c.conn.SetOnDown(func() {
		log.Warnf("realtime channel lost, ending live calls")
		c.calls.EndAll()
	})
	return c, nil
}

// connSignaler adapts the connection manager to the call package's
// signaling surface. The only place both packages meet.
type connSignaler struct {
	conn   *conn.Manager
	selfID string
}

func (s *connSignaler) SendSignal(conversationID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	return s.conn.Send(proto.Event{
		Kind: proto.KindCallSignal,
		CallSignal: &proto.CallSignal{
			ConversationID: conversationID,
			From:           s.selfID,
			Payload:        raw,
		},
	})
}

// OpenConversation switches the client to a conversation: resets thread
// state, loads the first history page and joins the realtime channel.
// History is durable and loads even when the realtime dial fails; the
// returned error then reports the connection failure while messages are
// already available.
func (c *Client) OpenConversation(ctx context.Context, conversationID string) error {
	conversationID, err := util.ValidateID(conversationID)
	if err != nil {
		return fmt.Errorf("conversation id: %w", err)
	}

	c.thread.Open(conversationID)
	c.mu.Lock()
	c.nextPage = 1
	c.mu.Unlock()

	histErr := c.LoadMoreHistory(ctx)
	if err := c.conn.Connect(ctx, conversationID, c.token); err != nil {
		return fmt.Errorf("realtime join: %w", err)
	}
	return histErr
}

// LoadMoreHistory fetches the next older history page into the thread.
func (c *Client) LoadMoreHistory(ctx context.Context) error {
	c.mu.Lock()
	page := c.nextPage
	c.mu.Unlock()
	if err := c.thread.LoadHistory(ctx, page); err != nil {
		return err
	}
	c.mu.Lock()
	if c.nextPage == page {
		c.nextPage = page + 1
	}
	c.mu.Unlock()
	return nil
}

// HasMoreHistory reports whether older pages remain.
func (c *Client) HasMoreHistory() bool { return c.thread.HasMoreHistory() }

// SendMessage sends into the open conversation. The message appears in the
// snapshot immediately as pending and is reconciled with the server copy.
func (c *Client) SendMessage(ctx context.Context, content, replyTo string) (Message, error) {
	return c.thread.Send(ctx, content, replyTo)
}

// RetryMessage re-delivers a failed message, identified by its client id.
func (c *Client) RetryMessage(ctx context.Context, clientID string) (Message, error) {
	return c.thread.Retry(ctx, clientID)
}

// DiscardMessage drops a failed message from the thread.
func (c *Client) DiscardMessage(clientID string) bool {
	return c.thread.Discard(clientID)
}

// MarkRead marks the given messages read, locally at once and durably via
// the REST API, and announces the receipt on the live channel.
func (c *Client) MarkRead(ctx context.Context, messageIDs []string) error {
	return c.thread.MarkRead(ctx, messageIDs)
}

// SetTyping announces the local user's typing state. Best effort.
func (c *Client) SetTyping(isTyping bool) { c.thread.SetTyping(isTyping) }

// Messages returns the ordered message snapshot of the open conversation.
func (c *Client) Messages() []Message { return c.thread.Messages() }

// TypingUsers lists remote users currently typing.
func (c *Client) TypingUsers() []string { return c.thread.TypingUsers() }

// ReadersOf lists users who read the given message.
func (c *Client) ReadersOf(messageID string) []string { return c.thread.ReadersOf(messageID) }

// Changes returns a channel of thread change notifications. Callers stop
// receiving with StopChanges.
func (c *Client) Changes() chan Change { return c.thread.Subscribe() }

// StopChanges releases a channel obtained from Changes.
func (c *Client) StopChanges(ch chan Change) { c.thread.Unsubscribe(ch) }

// CreateConversation creates a conversation through the REST API.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []string, title string) (*Conversation, error) {
	return c.api.CreateConversation(ctx, participantIDs, title)
}

// ConnectionState returns the realtime connection state.
func (c *Client) ConnectionState() ConnState { return c.conn.State() }

// OnConnectionState registers a connection state observer.
func (c *Client) OnConnectionState(fn func(ConnState)) (cancel func()) {
	return c.conn.OnStateChange(fn)
}

// StartCall rings the remote party of the open conversation.
func (c *Client) StartCall() (*CallSession, error) {
	conversationID := c.thread.ConversationID()
	if conversationID == "" {
		return nil, fmt.Errorf("no conversation open")
	}
	return c.calls.Start(conversationID)
}

// OnIncomingCall installs the handler for remote call requests.
func (c *Client) OnIncomingCall(fn func(*IncomingCall)) { c.calls.OnIncomingCall(fn) }

// OnCallState registers an observer for call lifecycle transitions.
func (c *Client) OnCallState(fn func(conversationID string, state CallState)) {
	c.calls.AddStateListener(fn)
}

// ActiveCall returns the live call in the open conversation, nil when idle.
func (c *Client) ActiveCall() *CallSession {
	return c.calls.Active(c.thread.ConversationID())
}

// EndCall hangs up the live call in the open conversation, if any.
func (c *Client) EndCall() { c.calls.End(c.thread.ConversationID()) }

// ToggleMute flips local audio in the live call. Returns the new muted
// state; false when no call is live.
func (c *Client) ToggleMute() bool {
	if s := c.ActiveCall(); s != nil {
		return s.ToggleMute()
	}
	return false
}

// ToggleVideo flips local video in the live call. Returns the new video-off
// state; false when no call is live.
func (c *Client) ToggleVideo() bool {
	if s := c.ActiveCall(); s != nil {
		return s.ToggleVideo()
	}
	return false
}

// Close disconnects the realtime channel and ends all live calls.
// Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	c.calls.EndAll()
	c.conn.Disconnect()
	for _, cancel := range cancels {
		cancel()
	}
}
