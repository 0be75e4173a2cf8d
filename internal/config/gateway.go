package config

import "time"

// GatewayConfig holds chat-network gateway configuration
type GatewayConfig struct {
	URL              string        `env:"GATEWAY_URL" yaml:"gateway_url" required:"true"`
	HandshakeTimeout time.Duration `env:"GATEWAY_HANDSHAKE_TIMEOUT" yaml:"gateway_handshake_timeout" default:"20s"`
}
