// Package api is the client for the back-office REST API — the durable side
// of the messaging system. The realtime channel carries only ephemeral
// events; anything that must survive a refresh goes through here.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ilyrer/immonow-comms/internal/proto"
	"github.com/ilyrer/immonow-comms/internal/util"
)

// ConversationKind distinguishes 1:1 threads from group threads.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// Conversation is created and owned by the API; the core only reads it.
type Conversation struct {
	ID             string           `json:"id"`
	Title          string           `json:"title"`
	ParticipantIDs []string         `json:"participant_ids"`
	Kind           ConversationKind `json:"kind"`
	Pinned         bool             `json:"pinned"`
	LastActivityAt int64            `json:"last_activity_at"` // unix millis
}

// Message is the durable message record.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id"`
	Content        string            `json:"content"`
	CreatedAt      int64             `json:"created_at"` // unix millis
	IsRead         bool              `json:"is_read"`
	ReplyTo        string            `json:"reply_to,omitempty"`
	Attachment     *proto.Attachment `json:"attachment,omitempty"`
}

// HistoryPage is one page of a conversation's message history.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// SendRequest is the durable send payload. ClientID is the locally generated
// temporary id, echoed back by the server so optimistic entries reconcile.
type SendRequest struct {
	ClientID   string            `json:"client_id"`
	Content    string            `json:"content"`
	ReplyTo    string            `json:"reply_to,omitempty"`
	Attachment *proto.Attachment `json:"attachment,omitempty"`
}

// Client talks to the back-office API with a bearer credential.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: util.NormalizeBaseURL(baseURL),
		Token:   token,
		HTTP:    &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// History fetches one page of messages, oldest page index first.
func (c *Client) History(ctx context.Context, conversationID string, page, pageSize int) (*HistoryPage, error) {
	u := c.BaseURL + "/conversations/" + conversationID + "/messages?page=" +
		strconv.Itoa(page) + "&page_size=" + strconv.Itoa(pageSize)
	var out HistoryPage
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, fmt.Errorf("history %s: %w", conversationID, err)
	}
	return &out, nil
}

// SendMessage performs the durable send and returns the server's message
// record (with the assigned id).
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*Message, error) {
	u := c.BaseURL + "/conversations/" + conversationID + "/messages"
	var out Message
	if err := c.postJSON(ctx, u, req, &out); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &out, nil
}

// MarkRead flags the listed messages read on the server. This is the source
// of truth for read state across reconnects.
func (c *Client) MarkRead(ctx context.Context, messageIDs []string) error {
	u := c.BaseURL + "/messages/read"
	body := map[string][]string{"message_ids": messageIDs}
	if err := c.postJSON(ctx, u, body, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// CreateConversation opens a new conversation with the given participants.
func (c *Client) CreateConversation(ctx context.Context, participantIDs []string, title string) (*Conversation, error) {
	u := c.BaseURL + "/conversations"
	body := map[string]any{"participant_ids": participantIDs, "title": title}
	var out Conversation
	if err := c.postJSON(ctx, u, body, &out); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &out, nil
}

// getJSON performs an authenticated GET, drains the body, and decodes JSON
// into v on 2xx.
func (c *Client) getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) postJSON(ctx context.Context, url string, body, v any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("status %s", resp.Status)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
