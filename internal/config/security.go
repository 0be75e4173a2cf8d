package config

// SecurityConfig holds security-related configuration.
// AuthToken protects the user endpoints; AdminToken protects the admin
// surface. Leaving either unset disables its surface (requests are
// rejected), never opens it.
type SecurityConfig struct {
	AuthToken          string   `env:"AUTH_TOKEN" yaml:"auth_token"`
	AdminToken         string   `env:"ADMIN_TOKEN" yaml:"admin_token"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" yaml:"cors_allowed_origins" default:"http://localhost:3000,http://localhost:8080"`
	RateLimitRPM       int      `env:"RATE_LIMIT_RPM" yaml:"rate_limit_rpm" default:"60"`
}
