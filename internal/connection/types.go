package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrStaleConnection = errors.New("connection stale (no pong)")
)

// Lifecycle event names emitted on the manager's registry.
const (
	EventOpen            = "open"
	EventMessage         = "message"
	EventClose           = "close"
	EventError           = "error"
	EventReconnecting    = "reconnecting"
	EventReconnected     = "reconnected"
	EventReconnectFailed = "reconnect_failed"
)

// SendStatus reports how Send delivered a payload.
type SendStatus int

const (
	// StatusSent means the payload was written to the open transport.
	StatusSent SendStatus = iota
	// StatusQueued means the payload was appended to the outbound queue
	// and will be flushed on the next successful open.
	StatusQueued
)

// String returns the status name.
func (s SendStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// TimestampedMessage wraps raw frame data with its receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw frame bytes from the WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// CloseEvent is the payload of a "close" event.
type CloseEvent struct {
	Code   int
	Reason string
	Clean  bool // true for an explicit disconnect or a 1000 close
}

// ReconnectingEvent is the payload of a "reconnecting" event, emitted
// before the backoff timer for the attempt is armed.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectedEvent is the payload of a "reconnected" event.
type ReconnectedEvent struct {
	Attempts int // total attempts taken to recover the link
}

// ClientConfig configures a single WebSocket client.
type ClientConfig struct {
	URL              string        // WebSocket URL (e.g. wss://board.example.com/collab)
	HandshakeTimeout time.Duration // Dial handshake deadline
	WriteTimeout     time.Duration // Write deadline for sends
	PingInterval     time.Duration // Control-frame keepalive interval
	PongTimeout      time.Duration // Max silence before the link is considered stale
	BufferSize       int           // Inbound message channel buffer size
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     30 * time.Second,
		PongTimeout:      90 * time.Second,
		BufferSize:       256,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	URL                  string        // WebSocket URL
	ReconnectBaseDelay   time.Duration // Delay for the first reconnect attempt
	ReconnectMaxDelay    time.Duration // Cap for the backoff delay
	MaxReconnectAttempts int           // Terminal reconnect_failed after this many failures
	QueueWarnSize        int           // Log a warning when the outbound queue grows past this
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseDelay:   1 * time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		QueueWarnSize:        1000,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		PingInterval:         30 * time.Second,
		PongTimeout:          90 * time.Second,
	}
}

// clientConfig derives the per-connection client settings.
func (c ManagerConfig) clientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = c.URL
	if c.HandshakeTimeout > 0 {
		cfg.HandshakeTimeout = c.HandshakeTimeout
	}
	if c.WriteTimeout > 0 {
		cfg.WriteTimeout = c.WriteTimeout
	}
	if c.PingInterval > 0 {
		cfg.PingInterval = c.PingInterval
	}
	if c.PongTimeout > 0 {
		cfg.PongTimeout = c.PongTimeout
	}
	return cfg
}
