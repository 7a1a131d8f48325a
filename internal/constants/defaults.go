package constants

// Default connection manager values
const (
	DefaultPollIntervalMs      = 3000
	DefaultPollTimeoutMs       = 10000
	DefaultMaxPollFailures     = 3
	DefaultHeartbeatTimeoutSec = 45
	DefaultReconnectInitialMs  = 1000
	DefaultReconnectMaxMs      = 30000
)

// Default delivery pipeline values
const (
	DefaultRetryBackoffMs = 1000
	DefaultMaxBackoffMs   = 30000
	DefaultMaxAttempts    = 5
	DefaultSendTimeoutMs  = 10000
	DefaultMaxBodyLength  = 4000
)

// Default transport values
const (
	DefaultHTTPTimeoutSec        = 15
	DefaultBreakerMaxFailures    = 5
	DefaultBreakerTimeoutSec     = 10
	DefaultBreakerHalfOpenCalls  = 1
	DefaultEventBufferSize       = 64
	DefaultMaxResponseBodyBytes  = 4 << 20
	DefaultWebsocketReadLimit    = 1 << 20
	DefaultWebsocketWriteTimeout = 5
)

// Default server values
const (
	DefaultServerPort              = 8090
	DefaultHeartbeatIntervalSec    = 15
	DefaultDatabaseRetryAttempts   = 3
	DefaultGracefulShutdownSec     = 15
	DefaultServerReadTimeoutSec    = 15
	DefaultServerWriteTimeoutSec   = 15
	DefaultServerIdleTimeoutSec    = 60
	DefaultMessageHistoryLimit     = 500
	DefaultDrainTimeoutSec         = 10
	ServerErrorChannelSize         = 1
	DefaultTracingSampleRate       = 0.1
	DefaultTracingServiceName      = "guardlink"
	DefaultTracingEnvironment      = "development"
	DefaultOTLPEndpoint            = "http://localhost:4318/v1/traces"
)

// Identifier limits enforced by the reference server
const (
	MaxIdentifierLength     = 128
	MaxIdempotencyKeyLength = 128
)

// Encryption salts for message bodies stored by the reference server
const (
	EncryptionSalt = "guardlink-body-encryption-v1"
)
