package models

// Config holds the application configuration
type Config struct {
	Transport  TransportConfig  `json:"transport"`
	Connection ConnectionConfig `json:"connection"`
	Delivery   DeliveryConfig   `json:"delivery"`
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Tracing    TracingConfig    `json:"tracing"`
	LogLevel   string           `json:"log_level" env:"GUARDLINK_LOG_LEVEL,overwrite"`
}

// TransportConfig describes how to reach the transport endpoint
type TransportConfig struct {
	BaseURL     string `json:"base_url" env:"GUARDLINK_TRANSPORT_URL,overwrite"`
	APIKey      string `json:"api_key" env:"GUARDLINK_API_KEY,overwrite"`
	TimeoutSec  int    `json:"timeout_sec"`
	PushEnabled bool   `json:"push_enabled"`

	// BreakerMaxFailures trips the client-side circuit breaker after this
	// many consecutive request failures.
	BreakerMaxFailures int `json:"breaker_max_failures"`
	BreakerTimeoutSec  int `json:"breaker_timeout_sec"`
}

// ConnectionConfig tunes the connection manager
type ConnectionConfig struct {
	PollIntervalMs      int `json:"poll_interval_ms" env:"GUARDLINK_POLL_INTERVAL_MS,overwrite"`
	PollTimeoutMs       int `json:"poll_timeout_ms"`
	MaxPollFailures     int `json:"max_poll_failures"`
	HeartbeatTimeoutSec int `json:"heartbeat_timeout_sec"`
	ReconnectInitialMs  int `json:"reconnect_initial_ms"`
	ReconnectMaxMs      int `json:"reconnect_max_ms"`
}

// DeliveryConfig tunes the delivery pipeline
type DeliveryConfig struct {
	InitialBackoffMs int `json:"initial_backoff_ms"`
	MaxBackoffMs     int `json:"max_backoff_ms"`
	MaxAttempts      int `json:"max_attempts"`
	SendTimeoutMs    int `json:"send_timeout_ms"`
	MaxBodyLength    int `json:"max_body_length"`
}

// ServerConfig holds settings for the reference endpoint server
type ServerConfig struct {
	Port                 int    `json:"port" env:"PORT,overwrite"`
	APIKey               string `json:"api_key" env:"GUARDLINK_SERVER_API_KEY,overwrite"`
	HeartbeatIntervalSec int    `json:"heartbeat_interval_sec"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path" env:"DB_PATH,overwrite"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"service_name"`
	Environment  string  `json:"environment" env:"GUARDLINK_ENV,overwrite"`
	OTLPEndpoint string  `json:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT,overwrite"`
	SampleRate   float64 `json:"sample_rate"`
	UseStdout    bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
