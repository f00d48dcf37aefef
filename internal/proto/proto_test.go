package proto

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	ev := Event{
		Kind: KindChatMessage,
		ChatMessage: &ChatMessage{
			ID:             "srv-1",
			ConversationID: "conv-9",
			SenderID:       "u-2",
			Content:        "hello",
			CreatedAt:      1700000000000,
		},
	}
	data, err := Encode(ev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != KindChatMessage {
		t.Fatalf("kind = %q", got.Kind)
	}
	if got.ChatMessage.Content != "hello" || got.ChatMessage.ConversationID != "conv-9" {
		t.Fatalf("payload = %+v", got.ChatMessage)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"presence_blip","payload":{}}`))
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if de.Kind != UnknownType {
		t.Fatalf("kind = %q", de.Kind)
	}
	if de.Type != "presence_blip" {
		t.Fatalf("type = %q", de.Type)
	}
}

func TestDecodeBadFrame(t *testing.T) {
	for _, raw := range []string{`not json`, `{"payload":{}}`} {
		_, err := Decode([]byte(raw))
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("%q: expected DecodeError, got %v", raw, err)
		}
		if de.Kind != BadFrame {
			t.Fatalf("%q: kind = %q", raw, de.Kind)
		}
	}
}

func TestDecodeInvalidPayload(t *testing.T) {
	cases := map[string]string{
		"empty receipt ids":   `{"type":"read_receipt","payload":{"user_id":"u1","message_ids":[]}}`,
		"receipt no user":     `{"type":"read_receipt","payload":{"message_ids":["m1"]}}`,
		"message no conv":     `{"type":"chat_message","payload":{"content":"hi"}}`,
		"message no content":  `{"type":"chat_message","payload":{"conversation_id":"c1"}}`,
		"typing no user":      `{"type":"typing","payload":{"conversation_id":"c1","is_typing":true}}`,
		"signal no payload":   `{"type":"call_signal","payload":{"conversation_id":"c1"}}`,
		"chat payload absent": `{"type":"chat_message"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
			if de.Kind != InvalidPayload {
				t.Fatalf("kind = %q", de.Kind)
			}
		})
	}
}

func TestDecodeEstablishedWithoutPayload(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"established"}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != KindEstablished || ev.Established == nil {
		t.Fatalf("event = %+v", ev)
	}
}

func TestDecodeFillsTimestamp(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"chat_message","payload":{"conversation_id":"c1","content":"x"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if ev.ChatMessage.CreatedAt == 0 {
		t.Fatal("CreatedAt not defaulted")
	}
}

func TestCallSignalOpaquePayload(t *testing.T) {
	raw := `{"type":"call_signal","payload":{"conversation_id":"c1","from":"u2","payload":{"type":"offer","sdp":"v=0"}}}`
	ev, err := Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	var inner struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(ev.CallSignal.Payload, &inner); err != nil {
		t.Fatal(err)
	}
	if inner.Type != "offer" {
		t.Fatalf("inner type = %q", inner.Type)
	}
}
