package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "tok-123")
}

func TestHistory(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/c1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
			t.Errorf("auth = %q", got)
		}
		if r.URL.Query().Get("page") != "2" || r.URL.Query().Get("page_size") != "25" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(HistoryPage{
			Messages: []Message{{ID: "m1", ConversationID: "c1", Content: "hi", CreatedAt: 1}},
			HasMore:  true,
		})
	})

	page, err := c.History(context.Background(), "c1", 2, 25)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "m1" || !page.HasMore {
		t.Fatalf("page = %+v", page)
	}
}

func TestSendMessageEchoesServerID(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
		}
		if req.ClientID != "tmp-1" || req.Content != "hello" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(Message{ID: "srv-42", ConversationID: "c1", Content: req.Content})
	})

	msg, err := c.SendMessage(context.Background(), "c1", SendRequest{ClientID: "tmp-1", Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID != "srv-42" {
		t.Fatalf("id = %q", msg.ID)
	}
}

func TestSendMessageRejected(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnprocessableEntity)
	})
	if _, err := c.SendMessage(context.Background(), "c1", SendRequest{ClientID: "tmp-1", Content: "x"}); err == nil {
		t.Fatal("expected error for 422")
	}
}

func TestMarkRead(t *testing.T) {
	var got []string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/read" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string][]string
		json.NewDecoder(r.Body).Decode(&body)
		got = body["message_ids"]
		w.WriteHeader(http.StatusNoContent)
	})
	if err := c.MarkRead(context.Background(), []string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "m1" {
		t.Fatalf("ids = %v", got)
	}
}

func TestCreateConversation(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Conversation{ID: "c9", Kind: KindGroup, Title: "Valuations"})
	})
	conv, err := c.CreateConversation(context.Background(), []string{"u1", "u2", "u3"}, "Valuations")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ID != "c9" || conv.Kind != KindGroup {
		t.Fatalf("conv = %+v", conv)
	}
}

func TestContextCancellation(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.History(ctx, "c1", 0, 10); err == nil {
		t.Fatal("expected context error")
	}
}
