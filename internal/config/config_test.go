package config

import (
	"os"
	"path/filepath"
	"testing"

	"guardlink/internal/constants"
	"guardlink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var overrideKeys = []string{
	"GUARDLINK_LOG_LEVEL",
	"GUARDLINK_TRANSPORT_URL",
	"GUARDLINK_API_KEY",
	"GUARDLINK_POLL_INTERVAL_MS",
	"PORT",
	"GUARDLINK_SERVER_API_KEY",
	"DB_PATH",
	"GUARDLINK_ENV",
	"OTEL_EXPORTER_OTLP_ENDPOINT",
}

// clearOverrides unsets every variable the loader reads, restoring them after the test
func clearOverrides(t *testing.T) {
	t.Helper()
	for _, key := range overrideKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	clearOverrides(t)

	path := writeConfig(t, `{
		"transport": {
			"base_url": "https://chat.example.com",
			"api_key": "client-key",
			"push_enabled": true
		},
		"connection": {
			"poll_interval_ms": 2000,
			"max_poll_failures": 4
		},
		"delivery": {
			"max_attempts": 7
		},
		"database": {
			"path": "/var/lib/guardlink/chat.db"
		},
		"log_level": "debug"
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.Transport.BaseURL)
	assert.Equal(t, "client-key", cfg.Transport.APIKey)
	assert.True(t, cfg.Transport.PushEnabled)
	assert.Equal(t, 2000, cfg.Connection.PollIntervalMs)
	assert.Equal(t, 4, cfg.Connection.MaxPollFailures)
	assert.Equal(t, 7, cfg.Delivery.MaxAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Defaults fill whatever the file leaves out
	assert.Equal(t, constants.DefaultPollTimeoutMs, cfg.Connection.PollTimeoutMs)
	assert.Equal(t, constants.DefaultReconnectInitialMs, cfg.Connection.ReconnectInitialMs)
	assert.Equal(t, constants.DefaultReconnectMaxMs, cfg.Connection.ReconnectMaxMs)
	assert.Equal(t, constants.DefaultRetryBackoffMs, cfg.Delivery.InitialBackoffMs)
	assert.Equal(t, constants.DefaultMaxBodyLength, cfg.Delivery.MaxBodyLength)
	assert.Equal(t, constants.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, constants.DefaultTracingServiceName, cfg.Tracing.ServiceName)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearOverrides(t)

	path := writeConfig(t, `{
		"transport": {"base_url": "https://chat.example.com"},
		"connection": {"poll_interval_ms": 2000},
		"database": {"path": "chat.db"}
	}`)

	t.Setenv("GUARDLINK_TRANSPORT_URL", "http://localhost:9000")
	t.Setenv("GUARDLINK_POLL_INTERVAL_MS", "500")
	t.Setenv("DB_PATH", "override.db")
	t.Setenv("PORT", "9100")
	t.Setenv("GUARDLINK_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:9000", cfg.Transport.BaseURL)
	assert.Equal(t, 500, cfg.Connection.PollIntervalMs)
	assert.Equal(t, "override.db", cfg.Database.Path)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadConfig_InvalidOverride(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `{}`)
	t.Setenv("GUARDLINK_POLL_INTERVAL_MS", "fast")

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.IsType(t, models.ConfigError{}, err)
}

func TestLoadConfig_Errors(t *testing.T) {
	clearOverrides(t)

	tests := []struct {
		name     string
		content  string
		errorMsg string
	}{
		{
			name:     "malformed JSON",
			content:  `{"transport": `,
			errorMsg: "unexpected end of JSON input",
		},
		{
			name:     "bad transport URL",
			content:  `{"transport": {"base_url": "ftp://chat.example.com"}}`,
			errorMsg: "invalid transport base URL",
		},
		{
			name:     "inverted reconnect bounds",
			content:  `{"connection": {"reconnect_initial_ms": 5000, "reconnect_max_ms": 1000}}`,
			errorMsg: "reconnect_max_ms",
		},
		{
			name:     "inverted delivery backoff",
			content:  `{"delivery": {"initial_backoff_ms": 5000, "max_backoff_ms": 1000}}`,
			errorMsg: "max_backoff_ms",
		},
		{
			name:     "traversal in database path",
			content:  `{"database": {"path": "../../etc/chat.db"}}`,
			errorMsg: "invalid database path",
		},
		{
			name:     "port out of range",
			content:  `{"server": {"port": 70000}}`,
			errorMsg: "invalid server port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestLoadConfig_RejectsTraversalPath(t *testing.T) {
	_, err := LoadConfig("../config.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config path")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidateSecurity_Production(t *testing.T) {
	clearOverrides(t)

	t.Setenv("GUARDLINK_ENV", "production")
	_, err := LoadConfig(writeConfig(t, `{"log_level": "debug"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debug logging")

	_, err = LoadConfig(writeConfig(t, `{"server": {"api_key": "short"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")

	cfg, err := LoadConfig(writeConfig(t, `{"log_level": "info"}`))
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Tracing.Environment)
}

func TestDefaultAndRequirements(t *testing.T) {
	clearOverrides(t)

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, constants.DefaultMaxAttempts, cfg.Delivery.MaxAttempts)

	assert.Equal(t, ErrMissingTransportURL, RequireTransport(cfg))
	assert.Equal(t, ErrMissingDBPath, RequireDatabase(cfg))

	cfg.Transport.BaseURL = "http://localhost:8090"
	cfg.Database.Path = "chat.db"
	assert.NoError(t, RequireTransport(cfg))
	assert.NoError(t, RequireDatabase(cfg))
}
