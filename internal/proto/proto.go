// Package proto defines the realtime wire protocol: the event types that flow
// over a conversation channel and the JSON codec for them.
//
// Wire format: one JSON frame per websocket text message,
// {"type": "...", "payload": {...}}. Unknown types are dropped by the caller,
// never fatal to the connection.
package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the event variants carried on the wire.
type Kind string

const (
	KindJoin        Kind = "join"         // client → server, authenticated channel join
	KindEstablished Kind = "established"  // server → client, join acknowledged
	KindChatMessage Kind = "chat_message" // live message delivery
	KindTyping      Kind = "typing"       // typing indicator on/off
	KindReadReceipt Kind = "read_receipt" // peer read one or more messages
	KindCallSignal  Kind = "call_signal"  // opaque call signaling relay
	KindError       Kind = "error"        // server-side error notice
)

// Join is the first frame sent after the socket opens.
type Join struct {
	ConversationID string `json:"conversation_id"`
	Token          string `json:"token"`
}

// Established acknowledges a join. The connection is usable once received.
type Established struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
}

// Attachment carries file metadata only; content moves out of band.
type Attachment struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// ChatMessage is a live message event. Outbound frames fill ConversationID,
// Content and ReplyTo; inbound frames additionally carry the server-assigned
// ID, the sender and the client echo id.
type ChatMessage struct {
	ID             string      `json:"id,omitempty"`
	ClientID       string      `json:"client_id,omitempty"` // echo of the sender's temp id
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id,omitempty"`
	Content        string      `json:"content"`
	ReplyTo        string      `json:"reply_to,omitempty"`
	CreatedAt      int64       `json:"created_at,omitempty"` // unix millis
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// TypingIndicator toggles a user's typing state in a conversation.
type TypingIndicator struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ReadReceipt reports that UserID has read the listed messages.
type ReadReceipt struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	MessageIDs     []string `json:"message_ids"`
}

// CallSignal relays an opaque signaling payload (offer/answer/candidate/
// request/hangup) between the two call parties. The codec never inspects
// Payload beyond requiring it to be present.
type CallSignal struct {
	ConversationID string          `json:"conversation_id"`
	From           string          `json:"from,omitempty"`
	Payload        json.RawMessage `json:"payload"`
}

// ErrorNotice is a non-fatal server-side error forwarded to the client.
type ErrorNotice struct {
	Message string `json:"message"`
}

// Event is one decoded wire event. Exactly one variant field matching Kind is
// non-nil.
type Event struct {
	Kind        Kind
	Join        *Join
	Established *Established
	ChatMessage *ChatMessage
	Typing      *TypingIndicator
	ReadReceipt *ReadReceipt
	CallSignal  *CallSignal
	ErrorNotice *ErrorNotice
}

// NowMillis returns the current time as unix milliseconds, the timestamp
// resolution used on the wire.
func NowMillis() int64 { return time.Now().UnixMilli() }

// DecodeErrorKind classifies why a frame was rejected.
type DecodeErrorKind string

const (
	BadFrame       DecodeErrorKind = "bad_frame"       // not a valid JSON envelope
	UnknownType    DecodeErrorKind = "unknown_type"    // type discriminator not recognized
	InvalidPayload DecodeErrorKind = "invalid_payload" // well-typed but semantically invalid
)

// DecodeError reports a dropped frame. The connection read loop logs it and
// continues; it is never surfaced to the UI.
type DecodeError struct {
	Kind   DecodeErrorKind
	Type   string // wire type discriminator, if one was parsed
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("decode %q: %s: %s", e.Type, e.Kind, e.Reason)
	}
	return fmt.Sprintf("decode: %s: %s", e.Kind, e.Reason)
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes an event to one wire frame.
func Encode(ev Event) ([]byte, error) {
	var payload any
	switch ev.Kind {
	case KindJoin:
		payload = ev.Join
	case KindEstablished:
		payload = ev.Established
	case KindChatMessage:
		payload = ev.ChatMessage
	case KindTyping:
		payload = ev.Typing
	case KindReadReceipt:
		payload = ev.ReadReceipt
	case KindCallSignal:
		payload = ev.CallSignal
	case KindError:
		payload = ev.ErrorNotice
	default:
		return nil, fmt.Errorf("encode: unknown event kind %q", ev.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %q payload: %w", ev.Kind, err)
	}
	return json.Marshal(frame{Type: string(ev.Kind), Payload: raw})
}

// Decode parses one wire frame into an Event. All failures are *DecodeError.
func Decode(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Event{}, &DecodeError{Kind: BadFrame, Reason: err.Error()}
	}
	if f.Type == "" {
		return Event{}, &DecodeError{Kind: BadFrame, Reason: "missing type"}
	}

	invalid := func(reason string) (Event, error) {
		return Event{}, &DecodeError{Kind: InvalidPayload, Type: f.Type, Reason: reason}
	}
	unmarshal := func(v any) error {
		if len(f.Payload) == 0 {
			return fmt.Errorf("missing payload")
		}
		return json.Unmarshal(f.Payload, v)
	}

	switch Kind(f.Type) {
	case KindJoin:
		var p Join
		if err := unmarshal(&p); err != nil {
			return invalid(err.Error())
		}
		if p.ConversationID == "" {
			return invalid("join without conversation_id")
		}
		return Event{Kind: KindJoin, Join: &p}, nil

	case KindEstablished:
		var p Established
		// Some servers send established with no payload at all.
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return invalid(err.Error())
			}
		}
		return Event{Kind: KindEstablished, Established: &p}, nil

	case KindChatMessage:
		var p ChatMessage
		if err := unmarshal(&p); err != nil {
			return invalid(err.Error())
		}
		if p.ConversationID == "" {
			return invalid("message without conversation_id")
		}
		if p.Content == "" && p.Attachment == nil {
			return invalid("message without content")
		}
		if p.CreatedAt == 0 {
			p.CreatedAt = NowMillis()
		}
		return Event{Kind: KindChatMessage, ChatMessage: &p}, nil

	case KindTyping:
		var p TypingIndicator
		if err := unmarshal(&p); err != nil {
			return invalid(err.Error())
		}
		if p.UserID == "" {
			return invalid("typing without user_id")
		}
		return Event{Kind: KindTyping, Typing: &p}, nil

	case KindReadReceipt:
		var p ReadReceipt
		if err := unmarshal(&p); err != nil {
			return invalid(err.Error())
		}
		if len(p.MessageIDs) == 0 {
			return invalid("read receipt without message ids")
		}
		if p.UserID == "" {
			return invalid("read receipt without user_id")
		}
		return Event{Kind: KindReadReceipt, ReadReceipt: &p}, nil

	case KindCallSignal:
		var p CallSignal
		if err := unmarshal(&p); err != nil {
			return invalid(err.Error())
		}
		if len(p.Payload) == 0 {
			return invalid("call signal without payload")
		}
		return Event{Kind: KindCallSignal, CallSignal: &p}, nil

	case KindError:
		var p ErrorNotice
		if err := unmarshal(&p); err != nil {
			return invalid(err.Error())
		}
		return Event{Kind: KindError, ErrorNotice: &p}, nil
	}

	return Event{}, &DecodeError{Kind: UnknownType, Type: f.Type, Reason: "unrecognized event type"}
}
