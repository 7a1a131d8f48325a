package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"guardlink/internal/constants"
	"guardlink/internal/models"
	"guardlink/internal/security"

	"github.com/sethvargo/go-envconfig"
)

var (
	ErrMissingTransportURL = models.ConfigError{Message: "missing transport base URL"}
	ErrMissingDBPath       = models.ConfigError{Message: "missing database path"}
)

// LoadConfig reads a JSON config file, fills defaults and applies
// environment overrides.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	return finish(&config)
}

// Default returns a configuration built only from defaults and environment
// variables, for binaries started without a config file.
func Default() (*models.Config, error) {
	return finish(&models.Config{})
}

func finish(config *models.Config) (*models.Config, error) {
	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}
	if err := validate(config); err != nil {
		return nil, err
	}
	if err := validateSecurity(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	if err := envconfig.Process(context.Background(), c); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid environment override: %v", err)}
	}
	return nil
}

func validate(c *models.Config) error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Transport.BaseURL != "" {
		u, err := url.Parse(c.Transport.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return models.ConfigError{Message: fmt.Sprintf("invalid transport base URL: %q", c.Transport.BaseURL)}
		}
	}
	if c.Transport.TimeoutSec <= 0 {
		c.Transport.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}
	if c.Transport.BreakerMaxFailures <= 0 {
		c.Transport.BreakerMaxFailures = constants.DefaultBreakerMaxFailures
	}
	if c.Transport.BreakerTimeoutSec <= 0 {
		c.Transport.BreakerTimeoutSec = constants.DefaultBreakerTimeoutSec
	}

	conn := &c.Connection
	if conn.PollIntervalMs <= 0 {
		conn.PollIntervalMs = constants.DefaultPollIntervalMs
	}
	if conn.PollTimeoutMs <= 0 {
		conn.PollTimeoutMs = constants.DefaultPollTimeoutMs
	}
	if conn.MaxPollFailures <= 0 {
		conn.MaxPollFailures = constants.DefaultMaxPollFailures
	}
	if conn.HeartbeatTimeoutSec <= 0 {
		conn.HeartbeatTimeoutSec = constants.DefaultHeartbeatTimeoutSec
	}
	if conn.ReconnectInitialMs <= 0 {
		conn.ReconnectInitialMs = constants.DefaultReconnectInitialMs
	}
	if conn.ReconnectMaxMs <= 0 {
		conn.ReconnectMaxMs = constants.DefaultReconnectMaxMs
	}
	if conn.ReconnectMaxMs < conn.ReconnectInitialMs {
		return models.ConfigError{Message: "reconnect_max_ms must not be lower than reconnect_initial_ms"}
	}

	d := &c.Delivery
	if d.InitialBackoffMs <= 0 {
		d.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if d.MaxBackoffMs <= 0 {
		d.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if d.MaxBackoffMs < d.InitialBackoffMs {
		return models.ConfigError{Message: "max_backoff_ms must not be lower than initial_backoff_ms"}
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = constants.DefaultMaxAttempts
	}
	if d.SendTimeoutMs <= 0 {
		d.SendTimeoutMs = constants.DefaultSendTimeoutMs
	}
	if d.MaxBodyLength <= 0 {
		d.MaxBodyLength = constants.DefaultMaxBodyLength
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.Port > 65535 {
		return models.ConfigError{Message: fmt.Sprintf("invalid server port: %d", c.Server.Port)}
	}
	if c.Server.HeartbeatIntervalSec <= 0 {
		c.Server.HeartbeatIntervalSec = constants.DefaultHeartbeatIntervalSec
	}

	if c.Database.Path != "" {
		if err := security.ValidateFilePath(c.Database.Path); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid database path: %v", err)}
		}
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = constants.DefaultTracingServiceName
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = constants.DefaultTracingEnvironment
	}
	if c.Tracing.OTLPEndpoint == "" {
		c.Tracing.OTLPEndpoint = constants.DefaultOTLPEndpoint
	}
	if c.Tracing.SampleRate <= 0 {
		c.Tracing.SampleRate = constants.DefaultTracingSampleRate
	}
	if c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample_rate must be between 0 and 1"}
	}

	return nil
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if c.Tracing.Environment != "production" {
		return nil
	}

	if c.LogLevel == "debug" {
		return models.ConfigError{Message: "debug logging should not be used in production (message bodies may be logged)"}
	}
	if c.Server.APIKey != "" && len(c.Server.APIKey) < 32 {
		return models.ConfigError{Message: "server API key must be at least 32 characters long in production"}
	}
	return nil
}

// RequireTransport checks the settings a chat client needs to reach the endpoint
func RequireTransport(c *models.Config) error {
	if c.Transport.BaseURL == "" {
		return ErrMissingTransportURL
	}
	return nil
}

// RequireDatabase checks the settings the reference server needs
func RequireDatabase(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	return nil
}
