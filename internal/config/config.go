package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/lewisedginton/whatsapp_bridge/pkg/logger"
)

// BridgeConfig holds all bridge configuration
type BridgeConfig struct {
	// Service configuration
	ServiceName string `env:"SERVICE_NAME" yaml:"service_name" default:"whatsapp-bridge"`
	Version     string `env:"VERSION" yaml:"version" default:"dev"`
	Environment string `env:"ENVIRONMENT" yaml:"environment" default:"development"`

	// Server configuration
	Port           int           `env:"PORT" yaml:"port" default:"8080"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" yaml:"request_timeout" default:"30s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" yaml:"idle_timeout" default:"60s"`

	// Chat-network gateway configuration
	Gateway GatewayConfig `yaml:"gateway,inline"`

	// Session lifecycle configuration
	Sessions SessionsConfig `yaml:"sessions,inline"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging,inline"`

	// Monitoring configuration
	Monitoring MonitoringConfig `yaml:"monitoring,inline"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage,inline"`

	// Security configuration
	Security SecurityConfig `yaml:"security,inline"`
}

// Validate validates the configuration and returns an error if invalid
func (c *BridgeConfig) Validate() error {
	var result error

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	level := strings.ToLower(c.Logging.Level)
	valid := false
	for _, validLevel := range validLevels {
		if level == validLevel {
			valid = true
			break
		}
	}
	if !valid {
		result = multierror.Append(result, fmt.Errorf("log_level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}

	// Validate log format
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		result = multierror.Append(result, fmt.Errorf("log_format must be either 'json' or 'text', got %q", c.Logging.Format))
	}

	// Validate port range
	if c.Port < 1 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port must be between 1 and 65535, got %d", c.Port))
	}

	// Validate timeout values
	if c.RequestTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("request_timeout must be greater than 0"))
	}

	// Validate gateway config
	if c.Gateway.URL == "" {
		result = multierror.Append(result, fmt.Errorf("gateway_url is required"))
	}

	// Validate session config
	if c.Sessions.MaxSessions <= 0 {
		result = multierror.Append(result, fmt.Errorf("max_sessions must be greater than 0"))
	}

	if c.Sessions.ReconnectBase <= 0 {
		result = multierror.Append(result, fmt.Errorf("reconnect_base must be greater than 0"))
	}

	if c.Sessions.ReconnectCap < c.Sessions.ReconnectBase {
		result = multierror.Append(result, fmt.Errorf("reconnect_cap must be greater than or equal to reconnect_base"))
	}

	if c.Sessions.BackoffMaxAttempts <= 0 {
		result = multierror.Append(result, fmt.Errorf("backoff_max_attempts must be greater than 0"))
	}

	if c.Sessions.HistoryMaxMessages <= 0 {
		result = multierror.Append(result, fmt.Errorf("history_max_messages must be greater than 0"))
	}

	if c.Sessions.HistoryMaxConversations <= 0 {
		result = multierror.Append(result, fmt.Errorf("history_max_conversations must be greater than 0"))
	}

	if c.Sessions.FlushInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("flush_interval must be greater than 0"))
	}

	if c.Sessions.IdleTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("session_idle_timeout must be greater than 0"))
	}

	// Validate security config
	if c.Security.RateLimitRPM <= 0 {
		result = multierror.Append(result, fmt.Errorf("rate_limit_rpm must be greater than 0"))
	}

	// Validate storage config
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			result = multierror.Append(result, fmt.Errorf("storage_local_dir is required for local backend"))
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			result = multierror.Append(result, fmt.Errorf("storage_s3_bucket is required for s3 backend"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("storage_backend must be either 'local' or 's3', got %q", c.Storage.Backend))
	}

	return result
}

// GetLogLevel returns the parsed logger level
func (c *BridgeConfig) GetLogLevel() logger.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return logger.DebugLevel
	case "warn", "warning":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	default:
		return logger.InfoLevel
	}
}

// IsProduction returns true if running in production environment
func (c *BridgeConfig) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

// IsDevelopment returns true if running in development environment
func (c *BridgeConfig) IsDevelopment() bool {
	env := strings.ToLower(c.Environment)
	return env == "development" || env == "dev"
}

// LogConfig logs the current configuration (without sensitive data)
func (c *BridgeConfig) LogConfig(log logger.Logger) {
	log.Info("Bridge configuration loaded",
		logger.StringField("service_name", c.ServiceName),
		logger.StringField("version", c.Version),
		logger.StringField("environment", c.Environment),
		logger.IntField("port", c.Port),
		logger.StringField("gateway_url", c.Gateway.URL),
		logger.StringField("storage_backend", c.Storage.Backend),
		logger.IntField("max_sessions", c.Sessions.MaxSessions),
		logger.StringField("log_level", c.Logging.Level),
		logger.StringField("log_format", c.Logging.Format),
		logger.BoolField("metrics_enabled", c.Monitoring.MetricsEnabled),
		logger.BoolField("auth_token_configured", c.Security.AuthToken != ""),
		logger.BoolField("admin_token_configured", c.Security.AdminToken != ""),
		logger.IntField("rate_limit_rpm", c.Security.RateLimitRPM),
	)
}
