package config

import "time"

// Config is the root configuration for a collaboration client.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Server    ServerConfig    `yaml:"server"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Presence  PresenceConfig  `yaml:"presence"`
}

// SessionConfig identifies this client.
type SessionConfig struct {
	ClientID string `yaml:"client_id"` // Generated when empty
	Username string `yaml:"username"`
}

// ServerConfig holds collaboration server settings.
type ServerConfig struct {
	URL              string        `yaml:"url"` // e.g. wss://board.example.com/collab
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongTimeout      time.Duration `yaml:"pong_timeout"`
}

// ReconnectConfig holds the backoff policy for unclean closes.
type ReconnectConfig struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// PresenceConfig holds presence tracker settings.
type PresenceConfig struct {
	CursorTimeout    time.Duration `yaml:"cursor_timeout"`
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
}
