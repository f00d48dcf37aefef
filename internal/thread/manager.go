// Package thread merges REST-fetched message history with live events into
// one ordered, deduplicated sequence per conversation, and tracks the
// per-user typing set and read state.
package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ilyrer/immonow-comms/internal/api"
	"github.com/ilyrer/immonow-comms/internal/config"
	"github.com/ilyrer/immonow-comms/internal/conn"
	"github.com/ilyrer/immonow-comms/internal/proto"
)

var log = logging.Logger("comms/thread")

// DurableAPI is the slice of the back-office API the thread needs. Satisfied
// by *api.Client; tests install fakes.
type DurableAPI interface {
	History(ctx context.Context, conversationID string, page, pageSize int) (*api.HistoryPage, error)
	SendMessage(ctx context.Context, conversationID string, req api.SendRequest) (*api.Message, error)
	MarkRead(ctx context.Context, messageIDs []string) error
}

// RealtimeSender pushes ephemeral events over the live connection. Loss is
// acceptable; ErrNotConnected is swallowed.
type RealtimeSender interface {
	Send(ev proto.Event) error
}

// ChangeKind names which slice of thread state changed.
type ChangeKind string

const (
	ChangeMessages ChangeKind = "messages"
	ChangeTyping   ChangeKind = "typing"
	ChangeReceipts ChangeKind = "receipts"
)

// Change is a reactive notification that a snapshot accessor would now
// return different data.
type Change struct {
	Kind           ChangeKind
	ConversationID string
}

// ErrNoSuchMessage is returned by Retry for an unknown or non-failed id.
var ErrNoSuchMessage = errors.New("no such message")

// Manager holds the state of the currently viewed conversation.
type Manager struct {
	apiClient DurableAPI
	rt        RealtimeSender
	selfID    string
	pageSize  int

	mu             sync.Mutex
	conversationID string
	epoch          int // bumped on Open; stale fetches compare and discard
	messages       []*Message
	receipts       map[string]map[string]struct{} // message id -> reader ids
	hasMore        bool

	typing *typingSet

	listenMu  sync.Mutex
	listeners []chan Change
}

func NewManager(apiClient DurableAPI, rt RealtimeSender, selfID string, cfg config.Chat) *Manager {
	m := &Manager{
		apiClient: apiClient,
		rt:        rt,
		selfID:    selfID,
		pageSize:  cfg.HistoryPageSize,
		receipts:  make(map[string]map[string]struct{}),
	}
	m.typing = newTypingSet(cfg.TypingDebounce(), func(userID string) {
		log.Debugf("typing indicator for %s expired", userID)
		m.notify(ChangeTyping)
	})
	return m
}

// Open targets a new conversation, discarding all prior state. Any history
// fetch still in flight for the previous conversation becomes stale and its
// result is dropped when it lands.
func (m *Manager) Open(conversationID string) {
	m.mu.Lock()
	m.conversationID = conversationID
	m.epoch++
	m.messages = nil
	m.receipts = make(map[string]map[string]struct{})
	m.hasMore = false
	m.mu.Unlock()
	m.typing.clear()
	m.notify(ChangeMessages)
	m.notify(ChangeTyping)
}

// LoadHistory fetches one page of messages and merges it into the sequence.
func (m *Manager) LoadHistory(ctx context.Context, page int) error {
	m.mu.Lock()
	conversationID := m.conversationID
	epoch := m.epoch
	m.mu.Unlock()
	if conversationID == "" {
		return errors.New("no conversation open")
	}

	res, err := m.apiClient.History(ctx, conversationID, page, m.pageSize)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		log.Debugf("discarding stale history page for %s", conversationID)
		return nil
	}
	for i := range res.Messages {
		m.upsertLocked(fromHistory(res.Messages[i]))
	}
	m.hasMore = res.HasMore
	m.mu.Unlock()

	m.notify(ChangeMessages)
	return nil
}

// HasMoreHistory reports whether older pages remain on the server.
func (m *Manager) HasMoreHistory() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasMore
}

// OnLiveMessage folds a live message event into the sequence. A message that
// matches an existing entry (same server id, or the echo of our optimistic
// temp id) replaces it in place rather than duplicating.
func (m *Manager) OnLiveMessage(pm *proto.ChatMessage) {
	m.mu.Lock()
	if pm.ConversationID != m.conversationID {
		m.mu.Unlock()
		return
	}
	m.upsertLocked(fromLive(pm))
	m.mu.Unlock()
	m.notify(ChangeMessages)
}

// Send appends an optimistic message and performs the durable send. On
// rejection the message stays visible with StatusFailed for Retry/Discard.
func (m *Manager) Send(ctx context.Context, content, replyTo string) (Message, error) {
	m.mu.Lock()
	conversationID := m.conversationID
	m.mu.Unlock()
	if conversationID == "" {
		return Message{}, errors.New("no conversation open")
	}

	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       m.selfID,
		Content:        content,
		ReplyTo:        replyTo,
		CreatedAt:      proto.NowMillis(),
		Status:         StatusPending,
	}
	msg.ClientID = msg.ID

	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	m.notify(ChangeMessages)

	return m.deliver(ctx, conversationID, msg)
}

// Retry re-issues the durable send for a failed message.
func (m *Manager) Retry(ctx context.Context, clientID string) (Message, error) {
	m.mu.Lock()
	conversationID := m.conversationID
	msg := m.findLocked(clientID)
	if msg == nil || msg.Status != StatusFailed {
		m.mu.Unlock()
		return Message{}, ErrNoSuchMessage
	}
	msg.Status = StatusPending
	m.mu.Unlock()
	m.notify(ChangeMessages)

	return m.deliver(ctx, conversationID, msg)
}

// Discard removes a failed message from the sequence.
func (m *Manager) Discard(clientID string) bool {
	m.mu.Lock()
	removed := false
	for i, msg := range m.messages {
		if msg.ClientID == clientID && msg.Status == StatusFailed {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			removed = true
			break
		}
	}
	m.mu.Unlock()
	if removed {
		m.notify(ChangeMessages)
	}
	return removed
}

func (m *Manager) deliver(ctx context.Context, conversationID string, msg *Message) (Message, error) {
	res, err := m.apiClient.SendMessage(ctx, conversationID, api.SendRequest{
		ClientID:   msg.ClientID,
		Content:    msg.Content,
		ReplyTo:    msg.ReplyTo,
		Attachment: msg.Attachment,
	})

	m.mu.Lock()
	live := m.findLocked(msg.ClientID)
	if live == nil {
		// Conversation switched while the send was in flight.
		m.mu.Unlock()
		if err != nil {
			return Message{}, fmt.Errorf("send message: %w", err)
		}
		return Message{}, nil
	}
	if err != nil {
		live.Status = StatusFailed
		snapshot := *live
		m.mu.Unlock()
		m.notify(ChangeMessages)
		return snapshot, fmt.Errorf("send message: %w", err)
	}
	live.ID = res.ID
	if res.CreatedAt != 0 {
		live.CreatedAt = res.CreatedAt
	}
	live.Status = StatusSent
	snapshot := *live
	m.mu.Unlock()
	m.notify(ChangeMessages)
	return snapshot, nil
}

// OnTyping applies a typing event. The local user's own echo is never
// applied.
func (m *Manager) OnTyping(ind *proto.TypingIndicator) {
	if ind.UserID == m.selfID {
		return
	}
	m.mu.Lock()
	match := ind.ConversationID == m.conversationID
	m.mu.Unlock()
	if !match {
		return
	}
	if m.typing.set(ind.UserID, ind.IsTyping) {
		m.notify(ChangeTyping)
	}
}

// OnReadReceipt records that a peer read the listed messages. Receipts are
// additive only.
func (m *Manager) OnReadReceipt(rr *proto.ReadReceipt) {
	m.mu.Lock()
	if rr.ConversationID != m.conversationID {
		m.mu.Unlock()
		return
	}
	for _, id := range rr.MessageIDs {
		set, ok := m.receipts[id]
		if !ok {
			set = make(map[string]struct{})
			m.receipts[id] = set
		}
		set[rr.UserID] = struct{}{}
		if msg := m.findLocked(id); msg != nil && msg.SenderID == m.selfID {
			msg.IsRead = true
		}
	}
	m.mu.Unlock()
	m.notify(ChangeReceipts)
}

// MarkRead optimistically flags local messages read, issues the durable call,
// and pushes a best-effort read receipt over the live connection.
func (m *Manager) MarkRead(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	m.mu.Lock()
	conversationID := m.conversationID
	for _, id := range messageIDs {
		if msg := m.findLocked(id); msg != nil {
			msg.IsRead = true
		}
	}
	m.mu.Unlock()
	m.notify(ChangeMessages)

	if m.rt != nil {
		err := m.rt.Send(proto.Event{
			Kind: proto.KindReadReceipt,
			ReadReceipt: &proto.ReadReceipt{
				ConversationID: conversationID,
				UserID:         m.selfID,
				MessageIDs:     messageIDs,
			},
		})
		if err != nil && !errors.Is(err, conn.ErrNotConnected) {
			log.Debugf("live read receipt not sent: %v", err)
		}
	}

	// The durable call is the source of truth on reconnect/refresh.
	if err := m.apiClient.MarkRead(ctx, messageIDs); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// SetTyping broadcasts the local user's typing state. Best effort.
func (m *Manager) SetTyping(isTyping bool) {
	m.mu.Lock()
	conversationID := m.conversationID
	m.mu.Unlock()
	if m.rt == nil || conversationID == "" {
		return
	}
	err := m.rt.Send(proto.Event{
		Kind: proto.KindTyping,
		Typing: &proto.TypingIndicator{
			ConversationID: conversationID,
			UserID:         m.selfID,
			IsTyping:       isTyping,
		},
	})
	if err != nil && !errors.Is(err, conn.ErrNotConnected) {
		log.Debugf("typing indicator not sent: %v", err)
	}
}

// InvalidateEphemeral drops state that only makes sense on a live
// connection. Called on any transition away from connected.
func (m *Manager) InvalidateEphemeral() {
	if m.typing.clear() {
		m.notify(ChangeTyping)
	}
}

// Messages returns an ordered snapshot of the sequence.
func (m *Manager) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.messages))
	for i, msg := range m.messages {
		out[i] = *msg
	}
	return out
}

// TypingUsers returns who is currently typing, sorted.
func (m *Manager) TypingUsers() []string { return m.typing.users() }

// ReadersOf returns the users known to have read a message.
func (m *Manager) ReadersOf(messageID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.receipts[messageID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// ConversationID returns the currently open conversation.
func (m *Manager) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conversationID
}

// Subscribe returns a channel receiving change notifications.
func (m *Manager) Subscribe() chan Change {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	ch := make(chan Change, 16)
	m.listeners = append(m.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (m *Manager) Unsubscribe(ch chan Change) {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	for i, listener := range m.listeners {
		if listener == ch {
			close(listener)
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Manager) notify(kind ChangeKind) {
	m.mu.Lock()
	conversationID := m.conversationID
	m.mu.Unlock()

	m.listenMu.Lock()
	for _, ch := range m.listeners {
		select {
		case ch <- Change{Kind: kind, ConversationID: conversationID}:
		default:
			// Listener buffer full, skip.
		}
	}
	m.listenMu.Unlock()
}

// findLocked locates a message by server id or client temp id.
func (m *Manager) findLocked(id string) *Message {
	for _, msg := range m.messages {
		if msg.ID == id || (msg.ClientID != "" && msg.ClientID == id) {
			return msg
		}
	}
	return nil
}

// upsertLocked inserts msg preserving order, replacing in place when it
// matches an existing entry. Live messages never move ahead of an earlier
// live message, so the sequence reflects delivery order even under
// timestamp skew.
func (m *Manager) upsertLocked(msg *Message) {
	for i, existing := range m.messages {
		if existing.matches(msg) {
			// Replace in place; a receipt seen before the echo survives.
			if existing.IsRead {
				msg.IsRead = true
			}
			if msg.ClientID == "" {
				msg.ClientID = existing.ClientID
			}
			m.messages[i] = msg
			return
		}
	}

	idx := len(m.messages)
	for idx > 0 {
		prev := m.messages[idx-1]
		if msg.live && prev.live {
			break // delivery order pins live-to-live ordering
		}
		if !msg.before(prev) {
			break
		}
		idx--
	}
	m.messages = append(m.messages, nil)
	copy(m.messages[idx+1:], m.messages[idx:])
	m.messages[idx] = msg
}
