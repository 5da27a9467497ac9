package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RetryConfig is an exponential backoff schedule.
type RetryConfig struct {
	// MaxAttempts counts the first try; 1 disables retries.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// ShouldRetry decides which errors are retried. IsTransient when nil.
	ShouldRetry func(err error) bool

	// OnRetry runs before each backoff sleep. attempt is the 1-based number
	// of the attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. SleepContext when nil.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the schedule used for public data endpoints:
// four attempts, waiting 1s, 2s, 4s in between, capped at 8s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     8 * time.Second,
		Multiplier:     2,
	}
}

// FromCircuitConfig builds a breaker config from settings. Zero or negative
// values keep the defaults.
func FromCircuitConfig(failureThreshold int, resetTimeout time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg
}

// DoVal calls fn until it succeeds, returns an error that should not be
// retried, or runs out of attempts. fn receives the 0-based attempt number so
// callers can scale per-attempt deadlines. The last error is returned as is.
// Cancelling ctx stops retrying, including during a backoff sleep.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	cfg = withDefaults(cfg)

	var zero T
	for attempt := 0; ; attempt++ {
		val, err := fn(ctx, attempt)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !cfg.ShouldRetry(err) || attempt+1 >= cfg.MaxAttempts {
			return zero, err
		}

		delay := Backoff(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, err)
		}
		if cfg.Sleep(ctx, delay) != nil {
			return zero, err
		}
	}
}

// Backoff returns the wait after the 0-based attempt n failed.
func Backoff(n int, cfg RetryConfig) time.Duration {
	cfg = withDefaults(cfg)
	delay := cfg.InitialBackoff
	for range n {
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay >= cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	return min(delay, cfg.MaxBackoff)
}

// SleepContext waits for d, returning early with the context error when ctx
// is done first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func withDefaults(cfg RetryConfig) RetryConfig {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = IsTransient
	}
	if cfg.Sleep == nil {
		cfg.Sleep = SleepContext
	}
	return cfg
}

// RetryLogger returns an OnRetry hook that logs each retry of operation
// against source.
func RetryLogger(source, operation string) func(int, time.Duration, error) {
	log := zap.L().With(zap.String("source", source), zap.String("operation", operation))
	return func(attempt int, delay time.Duration, err error) {
		log.Warn("retrying request",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
}
