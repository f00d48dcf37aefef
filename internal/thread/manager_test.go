package thread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ilyrer/immonow-comms/internal/api"
	"github.com/ilyrer/immonow-comms/internal/config"
	"github.com/ilyrer/immonow-comms/internal/proto"
)

type fakeAPI struct {
	mu          sync.Mutex
	pages       map[string]*api.HistoryPage
	historyGate chan struct{} // when set, History blocks until closed
	sendErr     error
	nextID      string
	sent        []api.SendRequest
	marked      [][]string
}

func (f *fakeAPI) History(ctx context.Context, conversationID string, page, pageSize int) (*api.HistoryPage, error) {
	f.mu.Lock()
	gate := f.historyGate
	res := f.pages[conversationID]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if res == nil {
		return &api.HistoryPage{}, nil
	}
	return res, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID string, req api.SendRequest) (*api.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	id := f.nextID
	if id == "" {
		id = "srv-" + req.ClientID
	}
	return &api.Message{ID: id, ConversationID: conversationID, Content: req.Content, CreatedAt: proto.NowMillis()}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, ids)
	return nil
}

type fakeRT struct {
	mu   sync.Mutex
	sent []proto.Event
	err  error
}

func (f *fakeRT) Send(ev proto.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, ev)
	return nil
}

func chatCfg(debounceMS int) config.Chat {
	return config.Chat{TypingDebounceMS: debounceMS, HistoryPageSize: 50}
}

func newTestManager(t *testing.T, apiClient *fakeAPI, rt *fakeRT) *Manager {
	t.Helper()
	if apiClient == nil {
		apiClient = &fakeAPI{}
	}
	if rt == nil {
		rt = &fakeRT{}
	}
	m := NewManager(apiClient, rt, "me", chatCfg(2000))
	m.Open("c1")
	return m
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestHistoryAndLiveInterleave(t *testing.T) {
	f := &fakeAPI{pages: map[string]*api.HistoryPage{
		"c1": {Messages: []api.Message{
			{ID: "m1", ConversationID: "c1", CreatedAt: 1, Content: "a"},
			{ID: "m3", ConversationID: "c1", CreatedAt: 3, Content: "c"},
		}},
	}}
	m := newTestManager(t, f, nil)
	if err := m.LoadHistory(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	m.OnLiveMessage(&proto.ChatMessage{ID: "m2", ConversationID: "c1", CreatedAt: 2, Content: "b"})

	got := ids(m.Messages())
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", got, want)
		}
	}
}

func TestLiveDeliveryOrderSurvivesSkew(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.OnLiveMessage(&proto.ChatMessage{ID: "o1", ConversationID: "c1", CreatedAt: 10, Content: "x"})
	m.OnLiveMessage(&proto.ChatMessage{ID: "o2", ConversationID: "c1", CreatedAt: 5, Content: "y"})

	got := ids(m.Messages())
	if got[0] != "o1" || got[1] != "o2" {
		t.Fatalf("sequence = %v, want delivery order [o1 o2]", got)
	}
}

func TestDuplicateLiveMessageReplaced(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.OnLiveMessage(&proto.ChatMessage{ID: "m1", ConversationID: "c1", CreatedAt: 1, Content: "first"})
	m.OnLiveMessage(&proto.ChatMessage{ID: "m1", ConversationID: "c1", CreatedAt: 1, Content: "revised"})

	msgs := m.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len = %d", len(msgs))
	}
	if msgs[0].Content != "revised" {
		t.Fatalf("content = %q", msgs[0].Content)
	}
}

func TestOptimisticSendReconciles(t *testing.T) {
	f := &fakeAPI{nextID: "srv-42"}
	m := newTestManager(t, f, nil)

	sent, err := m.Send(context.Background(), "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if sent.ID != "srv-42" || sent.Status != StatusSent {
		t.Fatalf("sent = %+v", sent)
	}

	// The server's live echo of the same message must not duplicate.
	m.OnLiveMessage(&proto.ChatMessage{
		ID: "srv-42", ClientID: sent.ClientID, ConversationID: "c1",
		SenderID: "me", Content: "hello", CreatedAt: sent.CreatedAt,
	})

	msgs := m.Messages()
	if len(msgs) != 1 {
		t.Fatalf("len = %d, want 1", len(msgs))
	}
	if msgs[0].ID != "srv-42" || msgs[0].Content != "hello" {
		t.Fatalf("message = %+v", msgs[0])
	}
}

func TestEchoBeforeReconcile(t *testing.T) {
	// Live echo can beat the REST response; blocking History is not needed,
	// just feed the echo keyed by the optimistic client id.
	m := newTestManager(t, &fakeAPI{nextID: "srv-9"}, nil)
	sent, err := m.Send(context.Background(), "hi", "")
	if err != nil {
		t.Fatal(err)
	}
	m.OnLiveMessage(&proto.ChatMessage{ID: "srv-9", ClientID: sent.ClientID, ConversationID: "c1", Content: "hi", CreatedAt: 99})
	if n := len(m.Messages()); n != 1 {
		t.Fatalf("len = %d", n)
	}
}

func TestFailedSendKeptForRetry(t *testing.T) {
	f := &fakeAPI{sendErr: errors.New("503 from api")}
	m := newTestManager(t, f, nil)

	sent, err := m.Send(context.Background(), "hello", "")
	if err == nil {
		t.Fatal("expected send error")
	}
	msgs := m.Messages()
	if len(msgs) != 1 || msgs[0].Status != StatusFailed {
		t.Fatalf("messages = %+v", msgs)
	}

	// Retry succeeds once the API recovers.
	f.mu.Lock()
	f.sendErr = nil
	f.nextID = "srv-7"
	f.mu.Unlock()

	retried, err := m.Retry(context.Background(), sent.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.ID != "srv-7" || retried.Status != StatusSent {
		t.Fatalf("retried = %+v", retried)
	}
	if len(m.Messages()) != 1 {
		t.Fatalf("len = %d", len(m.Messages()))
	}
}

func TestDiscardFailedSend(t *testing.T) {
	f := &fakeAPI{sendErr: errors.New("rejected")}
	m := newTestManager(t, f, nil)
	sent, _ := m.Send(context.Background(), "oops", "")

	if !m.Discard(sent.ClientID) {
		t.Fatal("discard returned false")
	}
	if len(m.Messages()) != 0 {
		t.Fatal("message still present")
	}
	if m.Discard(sent.ClientID) {
		t.Fatal("second discard should be false")
	}
}

func TestTypingExpiry(t *testing.T) {
	m := NewManager(&fakeAPI{}, &fakeRT{}, "me", chatCfg(100))
	m.Open("c1")

	m.OnTyping(&proto.TypingIndicator{ConversationID: "c1", UserID: "u2", IsTyping: true})
	if users := m.TypingUsers(); len(users) != 1 || users[0] != "u2" {
		t.Fatalf("typing = %v", users)
	}

	time.Sleep(150 * time.Millisecond)
	if users := m.TypingUsers(); len(users) != 0 {
		t.Fatalf("typing after expiry = %v", users)
	}
}

func TestTypingRefreshExtends(t *testing.T) {
	m := NewManager(&fakeAPI{}, &fakeRT{}, "me", chatCfg(100))
	m.Open("c1")

	m.OnTyping(&proto.TypingIndicator{ConversationID: "c1", UserID: "u2", IsTyping: true})
	time.Sleep(60 * time.Millisecond)
	m.OnTyping(&proto.TypingIndicator{ConversationID: "c1", UserID: "u2", IsTyping: true})
	time.Sleep(60 * time.Millisecond)
	if users := m.TypingUsers(); len(users) != 1 {
		t.Fatalf("typing = %v, refresh did not extend", users)
	}
}

func TestTypingExplicitOff(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.OnTyping(&proto.TypingIndicator{ConversationID: "c1", UserID: "u2", IsTyping: true})
	m.OnTyping(&proto.TypingIndicator{ConversationID: "c1", UserID: "u2", IsTyping: false})
	if users := m.TypingUsers(); len(users) != 0 {
		t.Fatalf("typing = %v", users)
	}
}

func TestLocalTypingEchoIgnored(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.OnTyping(&proto.TypingIndicator{ConversationID: "c1", UserID: "me", IsTyping: true})
	if users := m.TypingUsers(); len(users) != 0 {
		t.Fatalf("local user in typing set: %v", users)
	}
}

func TestInvalidateEphemeralClearsTyping(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.OnTyping(&proto.TypingIndicator{ConversationID: "c1", UserID: "u2", IsTyping: true})
	m.InvalidateEphemeral()
	if users := m.TypingUsers(); len(users) != 0 {
		t.Fatalf("typing = %v", users)
	}
}

func TestStaleHistoryDiscarded(t *testing.T) {
	gate := make(chan struct{})
	f := &fakeAPI{
		historyGate: gate,
		pages: map[string]*api.HistoryPage{
			"c1": {Messages: []api.Message{{ID: "old", ConversationID: "c1", CreatedAt: 1}}},
		},
	}
	m := newTestManager(t, f, nil)

	done := make(chan error, 1)
	go func() { done <- m.LoadHistory(context.Background(), 0) }()

	// Switch conversations while the fetch is in flight.
	m.Open("c2")
	close(gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if n := len(m.Messages()); n != 0 {
		t.Fatalf("stale page applied, len = %d", n)
	}
}

func TestMarkReadFlagsAndNotifiesPeers(t *testing.T) {
	f := &fakeAPI{}
	rt := &fakeRT{}
	m := newTestManager(t, f, rt)
	m.OnLiveMessage(&proto.ChatMessage{ID: "m1", ConversationID: "c1", SenderID: "u2", Content: "x", CreatedAt: 1})

	if err := m.MarkRead(context.Background(), []string{"m1"}); err != nil {
		t.Fatal(err)
	}
	if msgs := m.Messages(); !msgs[0].IsRead {
		t.Fatal("message not flagged read")
	}
	f.mu.Lock()
	durable := len(f.marked)
	f.mu.Unlock()
	if durable != 1 {
		t.Fatalf("durable mark-read calls = %d", durable)
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.sent) != 1 || rt.sent[0].Kind != proto.KindReadReceipt {
		t.Fatalf("realtime events = %+v", rt.sent)
	}
}

func TestReadReceiptsAdditive(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.OnLiveMessage(&proto.ChatMessage{ID: "m1", ConversationID: "c1", SenderID: "me", Content: "x", CreatedAt: 1})

	m.OnReadReceipt(&proto.ReadReceipt{ConversationID: "c1", UserID: "u2", MessageIDs: []string{"m1"}})
	m.OnReadReceipt(&proto.ReadReceipt{ConversationID: "c1", UserID: "u3", MessageIDs: []string{"m1"}})

	readers := m.ReadersOf("m1")
	if len(readers) != 2 {
		t.Fatalf("readers = %v", readers)
	}
	if msgs := m.Messages(); !msgs[0].IsRead {
		t.Fatal("own message not marked read after receipt")
	}
}

func TestOtherConversationEventsIgnored(t *testing.T) {
	m := newTestManager(t, nil, nil)
	m.OnLiveMessage(&proto.ChatMessage{ID: "mx", ConversationID: "other", Content: "x", CreatedAt: 1})
	m.OnTyping(&proto.TypingIndicator{ConversationID: "other", UserID: "u2", IsTyping: true})
	if len(m.Messages()) != 0 || len(m.TypingUsers()) != 0 {
		t.Fatal("events for another conversation were applied")
	}
}

func TestChangeNotifications(t *testing.T) {
	m := newTestManager(t, nil, nil)
	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	m.OnLiveMessage(&proto.ChatMessage{ID: "m1", ConversationID: "c1", Content: "x", CreatedAt: 1})

	select {
	case change := <-ch:
		if change.Kind != ChangeMessages || change.ConversationID != "c1" {
			t.Fatalf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}
