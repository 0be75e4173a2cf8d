package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
)

func validConfig() BridgeConfig {
	return BridgeConfig{
		ServiceName:    "whatsapp-bridge",
		Version:        "test",
		Environment:    "development",
		Port:           8080,
		RequestTimeout: 30 * time.Second,
		IdleTimeout:    60 * time.Second,
		Gateway: GatewayConfig{
			URL:              "wss://gateway.example.com/ws",
			HandshakeTimeout: 20 * time.Second,
		},
		Sessions: SessionsConfig{
			MaxSessions:             100,
			IdleTimeout:             72 * time.Hour,
			SweepInterval:           10 * time.Minute,
			ReconnectBase:           2 * time.Second,
			ReconnectCap:            5 * time.Minute,
			BackoffMaxAttempts:      10,
			HistoryMaxMessages:      200,
			HistoryMaxConversations: 100,
			FlushInterval:           time.Minute,
		},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Monitoring: MonitoringConfig{HealthCheckTimeout: 10 * time.Second, MetricsEnabled: true, MetricsPort: 9090},
		Storage:    StorageConfig{Backend: "local", LocalDir: "./data"},
		Security:   SecurityConfig{AuthToken: "user-secret", AdminToken: "admin-secret", RateLimitRPM: 60},
	}
}

func TestValidateAcceptsValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*BridgeConfig)
		wantErr string
	}{
		{"bad log level", func(c *BridgeConfig) { c.Logging.Level = "verbose" }, "log_level"},
		{"bad log format", func(c *BridgeConfig) { c.Logging.Format = "xml" }, "log_format"},
		{"port too low", func(c *BridgeConfig) { c.Port = 0 }, "port"},
		{"port too high", func(c *BridgeConfig) { c.Port = 70000 }, "port"},
		{"zero request timeout", func(c *BridgeConfig) { c.RequestTimeout = 0 }, "request_timeout"},
		{"missing gateway URL", func(c *BridgeConfig) { c.Gateway.URL = "" }, "gateway_url"},
		{"zero max sessions", func(c *BridgeConfig) { c.Sessions.MaxSessions = 0 }, "max_sessions"},
		{"zero reconnect base", func(c *BridgeConfig) { c.Sessions.ReconnectBase = 0 }, "reconnect_base"},
		{"cap below base", func(c *BridgeConfig) { c.Sessions.ReconnectCap = time.Second }, "reconnect_cap"},
		{"zero backoff attempts", func(c *BridgeConfig) { c.Sessions.BackoffMaxAttempts = 0 }, "backoff_max_attempts"},
		{"zero history messages", func(c *BridgeConfig) { c.Sessions.HistoryMaxMessages = 0 }, "history_max_messages"},
		{"zero history conversations", func(c *BridgeConfig) { c.Sessions.HistoryMaxConversations = 0 }, "history_max_conversations"},
		{"zero flush interval", func(c *BridgeConfig) { c.Sessions.FlushInterval = 0 }, "flush_interval"},
		{"zero idle timeout", func(c *BridgeConfig) { c.Sessions.IdleTimeout = 0 }, "session_idle_timeout"},
		{"zero rate limit", func(c *BridgeConfig) { c.Security.RateLimitRPM = 0 }, "rate_limit_rpm"},
		{"local backend without dir", func(c *BridgeConfig) { c.Storage.LocalDir = "" }, "storage_local_dir"},
		{"s3 backend without bucket", func(c *BridgeConfig) { c.Storage.Backend = "s3" }, "storage_s3_bucket"},
		{"unknown backend", func(c *BridgeConfig) { c.Storage.Backend = "ftp" }, "storage_backend"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateCollectsMultipleErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Port = 0
	cfg.Gateway.URL = ""
	cfg.Logging.Level = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "gateway_url")
	assert.Contains(t, err.Error(), "log_level")
}

func TestGetLogLevel(t *testing.T) {
	testCases := []struct {
		level string
		want  logger.Level
	}{
		{"debug", logger.DebugLevel},
		{"info", logger.InfoLevel},
		{"warn", logger.WarnLevel},
		{"warning", logger.WarnLevel},
		{"error", logger.ErrorLevel},
		{"DEBUG", logger.DebugLevel},
		{"unknown", logger.InfoLevel},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			cfg := validConfig()
			cfg.Logging.Level = tc.level
			assert.Equal(t, tc.want, cfg.GetLogLevel())
		})
	}
}

func TestEnvironmentHelpers(t *testing.T) {
	cfg := validConfig()

	cfg.Environment = "production"
	assert.True(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())

	cfg.Environment = "development"
	assert.False(t, cfg.IsProduction())
	assert.True(t, cfg.IsDevelopment())

	cfg.Environment = "dev"
	assert.True(t, cfg.IsDevelopment())
}
