package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"
)

// BackoffConfig contains configuration for exponential backoff
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns the reconnection schedule: 1s, 2s, 4s ... capped at 30s.
// Jitter is off so successive delays never decrease.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       false,
	}
}

// FromMillis builds a config from the millisecond values used in config files
func FromMillis(initialMs, maxMs, maxAttempts int, jitter bool) BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Duration(initialMs) * time.Millisecond,
		MaxDelay:     time.Duration(maxMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  maxAttempts,
		Jitter:       jitter,
	}
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig
}

// NewBackoff creates a new exponential backoff instance
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Backoff{config: config}
}

// Config returns the normalized configuration
func (b *Backoff) Config() BackoffConfig {
	return b.config
}

// Retry executes the operation with exponential backoff, retrying every error
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate executes the operation with exponential backoff, using a predicate to determine if errors are retryable
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if attempt == b.config.MaxAttempts {
			break
		}

		timer := time.NewTimer(b.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// GetNextDelay returns the delay used after the given 1-based attempt
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.calculateDelay(attempt)
}

func (b *Backoff) calculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.config.InitialDelay)
	max := float64(b.config.MaxDelay)
	for i := 1; i < attempt && delay < max; i++ {
		delay *= b.config.Multiplier
	}
	if delay > max {
		delay = max
	}

	// ±25% spread
	if b.config.Jitter {
		jitter := delay * 0.25
		delay += (secureFloat64() - 0.5) * 2 * jitter
		if delay < float64(b.config.InitialDelay) {
			delay = float64(b.config.InitialDelay)
		}
		if delay > max {
			delay = max
		}
	}

	return time.Duration(delay)
}

// Sequence hands out successive delays of one schedule. It backs loops that
// retry indefinitely, such as reconnection, where MaxAttempts does not apply.
type Sequence struct {
	backoff *Backoff
	mu      sync.Mutex
	attempt int
}

// Sequence starts a fresh delay sequence on this schedule
func (b *Backoff) Sequence() *Sequence {
	return &Sequence{backoff: b}
}

// Next returns the delay before the next attempt and advances the sequence
func (s *Sequence) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	return s.backoff.calculateDelay(s.attempt)
}

// Reset restarts the sequence from the initial delay
func (s *Sequence) Reset() {
	s.mu.Lock()
	s.attempt = 0
	s.mu.Unlock()
}

// Attempt returns how many delays have been handed out since the last reset
func (s *Sequence) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// secureFloat64 generates a cryptographically secure float64 between 0 and 1
func secureFloat64() float64 {
	max := big.NewInt(0).SetUint64(math.MaxUint64)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}
	return float64(n.Uint64()) / float64(math.MaxUint64)
}
