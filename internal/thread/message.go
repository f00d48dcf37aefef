package thread

import (
	"github.com/ilyrer/immonow-comms/internal/api"
	"github.com/ilyrer/immonow-comms/internal/proto"
)

// Status tracks a message's position in the optimistic-send lifecycle.
type Status string

const (
	StatusPending Status = "pending" // appended locally, durable send in flight
	StatusSent    Status = "sent"    // confirmed by the API or delivered live
	StatusFailed  Status = "failed"  // durable send rejected; kept until retried or discarded
)

// Message is the thread's view of one message. ID holds the server id once
// known; until then it equals ClientID. ClientID survives reconciliation so
// a late live echo of our own send still deduplicates.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	Content        string
	CreatedAt      int64 // unix millis
	IsRead         bool
	ReplyTo        string
	Attachment     *proto.Attachment
	Status         Status

	live bool // arrived via the realtime channel; pins delivery order
}

func fromHistory(m api.Message) *Message {
	return &Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		IsRead:         m.IsRead,
		ReplyTo:        m.ReplyTo,
		Attachment:     m.Attachment,
		Status:         StatusSent,
	}
}

func fromLive(m *proto.ChatMessage) *Message {
	return &Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		ReplyTo:        m.ReplyTo,
		Attachment:     m.Attachment,
		Status:         StatusSent,
		live:           true,
	}
}

// before orders messages ascending by CreatedAt, ties broken by ID.
func (m *Message) before(other *Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ID < other.ID
}

// matches reports whether other is the same logical message: same server id,
// or other echoes our client temp id.
func (m *Message) matches(other *Message) bool {
	if m.ID != "" && m.ID == other.ID {
		return true
	}
	if m.ClientID != "" && (m.ClientID == other.ClientID || m.ClientID == other.ID) {
		return true
	}
	if other.ClientID != "" && other.ClientID == m.ID {
		return true
	}
	return false
}
