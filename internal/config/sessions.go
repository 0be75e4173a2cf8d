package config

import "time"

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	MaxSessions   int           `env:"MAX_SESSIONS" yaml:"max_sessions" default:"100"`
	IdleTimeout   time.Duration `env:"SESSION_IDLE_TIMEOUT" yaml:"session_idle_timeout" default:"72h"`
	SweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL" yaml:"session_sweep_interval" default:"10m"`

	ReconnectBase      time.Duration `env:"RECONNECT_BASE" yaml:"reconnect_base" default:"2s"`
	ReconnectCap       time.Duration `env:"RECONNECT_CAP" yaml:"reconnect_cap" default:"5m"`
	BackoffMaxAttempts int           `env:"BACKOFF_MAX_ATTEMPTS" yaml:"backoff_max_attempts" default:"10"`

	HistoryMaxMessages      int           `env:"HISTORY_MAX_MESSAGES" yaml:"history_max_messages" default:"200"`
	HistoryMaxConversations int           `env:"HISTORY_MAX_CONVERSATIONS" yaml:"history_max_conversations" default:"100"`
	FlushInterval           time.Duration `env:"HISTORY_FLUSH_INTERVAL" yaml:"history_flush_interval" default:"1m"`
}
