package firewall

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"grimm.is/portcullis/internal/config"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool

	// Retryable decides whether err is worth another attempt. Nil means
	// IsTransient.
	Retryable func(err error) bool

	// OnRetry is called before sleeping ahead of attempt number next.
	OnRetry func(next int, err error)
}

// DefaultRetryConfig returns sensible defaults for backend operations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   config.DefaultMaxAttempts,
		InitialDelay:  config.DefaultInitialDelay,
		MaxDelay:      config.DefaultMaxDelay,
		BackoffFactor: config.DefaultMultiplier,
		Jitter:        true,
	}
}

// RetryConfigFrom converts the retry block of the configuration file.
func RetryConfigFrom(rc *config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if rc == nil {
		return cfg
	}
	if rc.MaxAttempts > 0 {
		cfg.MaxAttempts = rc.MaxAttempts
	}
	cfg.InitialDelay, cfg.MaxDelay = rc.Delays()
	if rc.Multiplier >= 1 {
		cfg.BackoffFactor = rc.Multiplier
	}
	return cfg
}

// IsTransient reports whether err came from a backend that was unreachable
// or timed out. Rollback failures are never transient.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) && !errors.Is(err, ErrPartialApplyRollbackFailed)
}

// Retry executes a function with exponential backoff retry.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	_, err := RetryWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithResult executes a function that returns a result with retry.
func RetryWithResult[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		var err error
		result, err = fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !cfg.retryable(err) {
			return result, err
		}

		// Don't sleep after the last attempt
		if attempt == attempts-1 {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+2, err)
		}

		delay := calculateDelay(attempt, cfg)
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}

	return result, lastErr
}

func (cfg RetryConfig) retryable(err error) bool {
	if cfg.Retryable != nil {
		return cfg.Retryable(err)
	}
	return IsTransient(err)
}

func calculateDelay(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt))

	if cfg.Jitter {
		// Add up to 25% jitter
		jitter := delay * 0.25 * rand.Float64()
		delay += jitter
	}

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	return time.Duration(delay)
}
