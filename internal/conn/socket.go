package conn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is one open realtime connection. Implementations must allow one
// concurrent reader and serialize writes themselves.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	WritePing() error
	// SetPongHandler installs fn to run on every pong frame.
	SetPongHandler(fn func())
	// ExtendReadDeadline pushes the read deadline d into the future.
	ExtendReadDeadline(d time.Duration) error
	Close() error
}

// Dialer opens sockets. Injected so tests can run against an in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Socket, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	c, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	wt := d.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return &wsSocket{conn: c, writeTimeout: wt}, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *wsSocket) WritePing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

func (s *wsSocket) SetPongHandler(fn func()) {
	s.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (s *wsSocket) ExtendReadDeadline(d time.Duration) error {
	return s.conn.SetReadDeadline(time.Now().Add(d))
}

func (s *wsSocket) Close() error {
	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
