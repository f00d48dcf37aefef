// Package config holds the tunables of the realtime communications core.
// Values ship as JSON so the hosting application can persist and edit them
// alongside its own settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyrer/immonow-comms/internal/util"
)

type Config struct {
	Endpoints Endpoints `json:"endpoints"`
	Realtime  Realtime  `json:"realtime"`
	Chat      Chat      `json:"chat"`
	Call      Call      `json:"call"`
}

type Endpoints struct {
	// Base URL of the back-office REST API (history, durable send, mark read).
	APIBaseURL string `json:"api_base_url"`

	// Websocket URL of the realtime gateway, e.g. wss://api.example.org/rt.
	RealtimeURL string `json:"realtime_url"`
}

type Realtime struct {
	// Handshake deadline for dial + join + established, in seconds.
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"`

	// Heartbeat ping interval in seconds.
	HeartbeatSec int `json:"heartbeat_sec"`

	// Read deadline extension granted per pong, in seconds. A missed pong
	// beyond this window fails the read loop and triggers reconnection.
	PongTimeoutSec int `json:"pong_timeout_sec"`

	// Reconnection attempts after an unexpected close before settling in
	// the disconnected state.
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`

	// Linear backoff step between reconnection attempts, in milliseconds.
	// Attempt n waits n * this value.
	ReconnectBackoffMS int `json:"reconnect_backoff_ms"`
}

type Chat struct {
	// How long a typing indicator survives without a refresh, in milliseconds.
	TypingDebounceMS int `json:"typing_debounce_ms"`

	// Messages requested per history page.
	HistoryPageSize int `json:"history_page_size"`
}

type Call struct {
	// STUN/TURN server URLs handed to the peer engine.
	ICEServers []string `json:"ice_servers"`

	// ICE disconnected/failed/keepalive timeouts in seconds. Generous
	// disconnected timeout so short relay outages do not drop the call.
	ICEDisconnectedTimeoutSec int `json:"ice_disconnected_timeout_sec"`
	ICEFailedTimeoutSec       int `json:"ice_failed_timeout_sec"`
	ICEKeepaliveIntervalSec   int `json:"ice_keepalive_interval_sec"`
}

func Default() Config {
	return Config{
		Endpoints: Endpoints{
			APIBaseURL:  "http://127.0.0.1:8080",
			RealtimeURL: "ws://127.0.0.1:8080/rt",
		},
		Realtime: Realtime{
			HandshakeTimeoutSec:  10,
			HeartbeatSec:         20,
			PongTimeoutSec:       45,
			MaxReconnectAttempts: 5,
			ReconnectBackoffMS:   1000,
		},
		Chat: Chat{
			TypingDebounceMS: 2000,
			HistoryPageSize:  50,
		},
		Call: Call{
			ICEServers:                []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedTimeoutSec: 30,
			ICEFailedTimeoutSec:       120,
			ICEKeepaliveIntervalSec:   2,
		},
	}
}

func (c *Config) Validate() error {
	if util.NormalizeBaseURL(c.Endpoints.APIBaseURL) == "" {
		return errors.New("endpoints.api_base_url is required")
	}
	if util.NormalizeBaseURL(c.Endpoints.RealtimeURL) == "" {
		return errors.New("endpoints.realtime_url is required")
	}
	if c.Realtime.HandshakeTimeoutSec <= 0 {
		return errors.New("realtime.handshake_timeout_sec must be positive")
	}
	if c.Realtime.HeartbeatSec <= 0 {
		return errors.New("realtime.heartbeat_sec must be positive")
	}
	if c.Realtime.PongTimeoutSec <= c.Realtime.HeartbeatSec {
		return errors.New("realtime.pong_timeout_sec must exceed heartbeat_sec")
	}
	if c.Realtime.MaxReconnectAttempts < 0 || c.Realtime.MaxReconnectAttempts > 100 {
		return errors.New("realtime.max_reconnect_attempts out of range")
	}
	if c.Realtime.ReconnectBackoffMS <= 0 {
		return errors.New("realtime.reconnect_backoff_ms must be positive")
	}
	if c.Chat.TypingDebounceMS <= 0 {
		return errors.New("chat.typing_debounce_ms must be positive")
	}
	if c.Chat.HistoryPageSize <= 0 {
		return errors.New("chat.history_page_size must be positive")
	}
	if len(c.Call.ICEServers) == 0 {
		return errors.New("call.ice_servers must not be empty")
	}
	return nil
}

// Load reads a config file, filling absent sections with defaults.
// A missing file yields Default() with no error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(path string, cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// Convenience duration accessors. Stored as plain ints for JSON readability.

func (r Realtime) HandshakeTimeout() time.Duration {
	return time.Duration(r.HandshakeTimeoutSec) * time.Second
}
func (r Realtime) Heartbeat() time.Duration { return time.Duration(r.HeartbeatSec) * time.Second }
func (r Realtime) PongTimeout() time.Duration {
	return time.Duration(r.PongTimeoutSec) * time.Second
}
func (r Realtime) ReconnectBackoff() time.Duration {
	return time.Duration(r.ReconnectBackoffMS) * time.Millisecond
}
func (c Chat) TypingDebounce() time.Duration {
	return time.Duration(c.TypingDebounceMS) * time.Millisecond
}
func (c Call) ICEDisconnectedTimeout() time.Duration {
	return time.Duration(c.ICEDisconnectedTimeoutSec) * time.Second
}
func (c Call) ICEFailedTimeout() time.Duration {
	return time.Duration(c.ICEFailedTimeoutSec) * time.Second
}
func (c Call) ICEKeepaliveInterval() time.Duration {
	return time.Duration(c.ICEKeepaliveIntervalSec) * time.Second
}
