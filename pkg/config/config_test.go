package config

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testConfig struct {
	LogLevel       string        `env:"LOG_LEVEL" yaml:"log_level" default:"info"`
	Port           int           `env:"HTTP_PORT" yaml:"port" default:"8080"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" yaml:"request_timeout" default:"30s"`
	GatewayURL     string        `env:"GATEWAY_URL" yaml:"gateway_url" required:"true"`
	Debug          bool          `env:"DEBUG" yaml:"debug" default:"false"`
	Origins        []string      `env:"ORIGINS" yaml:"origins"`
}

// Validate implements the Validator interface
func (c testConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

func TestGetConfigFromEnvVars(t *testing.T) {
	testCases := []struct {
		name    string
		envVars map[string]string
		want    testConfig
		wantErr bool
	}{
		{
			name: "All defaults, except required field",
			envVars: map[string]string{
				"GATEWAY_URL": "wss://gateway.example.com/ws",
			},
			want: testConfig{
				LogLevel:       "info",
				Port:           8080,
				RequestTimeout: 30 * time.Second,
				GatewayURL:     "wss://gateway.example.com/ws",
				Debug:          false,
			},
			wantErr: false,
		},
		{
			name: "Override with environment variables",
			envVars: map[string]string{
				"LOG_LEVEL":       "debug",
				"HTTP_PORT":       "3000",
				"REQUEST_TIMEOUT": "5s",
				"GATEWAY_URL":     "ws://localhost:9999/ws",
				"DEBUG":           "true",
				"ORIGINS":         "https://a.example,https://b.example",
			},
			want: testConfig{
				LogLevel:       "debug",
				Port:           3000,
				RequestTimeout: 5 * time.Second,
				GatewayURL:     "ws://localhost:9999/ws",
				Debug:          true,
				Origins:        []string{"https://a.example", "https://b.example"},
			},
			wantErr: false,
		},
		{
			name:    "Missing required field",
			envVars: map[string]string{},
			wantErr: true,
		},
		{
			name: "Invalid port number",
			envVars: map[string]string{
				"GATEWAY_URL": "wss://gateway.example.com/ws",
				"HTTP_PORT":   "99999",
			},
			wantErr: true, // Should fail validation
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Clear environment
			os.Clearenv()

			// Set test environment variables
			for k, v := range tc.envVars {
				_ = os.Setenv(k, v)
			}

			// Test the function
			var got testConfig
			err := GetConfigFromEnvVars(&got)

			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.want, got)
			}

			// Cleanup
			os.Clearenv()
		})
	}
}

func TestGetConfigWithEnvInterpolation(t *testing.T) {
	// Create a temporary YAML file with environment variable placeholders
	yamlContent := `
log_level: info
port: 8080
gateway_url: ${TEST_GATEWAY_URL}
debug: ${TEST_DEBUG}
origins:
  - ${TEST_ORIGIN_1}
  - https://static.example
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	assert.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.WriteString(yamlContent)
	assert.NoError(t, err)
	tmpFile.Close()

	// Clear environment and set test values
	os.Clearenv()
	os.Setenv("TEST_GATEWAY_URL", "wss://gw-from-env.example/ws")
	os.Setenv("TEST_DEBUG", "true")
	os.Setenv("TEST_ORIGIN_1", "https://dynamic.example")

	// Load config
	var cfg testConfig
	err = GetConfig(&cfg, tmpFile.Name(), false)
	assert.NoError(t, err)

	// Verify environment variables were interpolated
	assert.Equal(t, "wss://gw-from-env.example/ws", cfg.GatewayURL)
	assert.Equal(t, true, cfg.Debug)
	assert.Equal(t, []string{"https://dynamic.example", "https://static.example"}, cfg.Origins)

	// Cleanup
	os.Clearenv()
}

func TestGetConfigWithEnvInterpolationUnsetVar(t *testing.T) {
	// Test that unset env vars become empty strings
	yamlContent := `
log_level: info
gateway_url: ${UNSET_VAR}
`
	tmpFile, err := os.CreateTemp("", "config-*.yaml")
	assert.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.WriteString(yamlContent)
	assert.NoError(t, err)
	tmpFile.Close()

	os.Clearenv()

	var cfg testConfig
	err = GetConfig(&cfg, tmpFile.Name(), false)
	// Should fail because gateway_url is required and will be empty
	assert.Error(t, err)

	os.Clearenv()
}
