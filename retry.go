package txkeeper

import (
	"context"
	"errors"
	"time"

	"github.com/KyberNetwork/logger"
)

// Operation is a unit of work run under retry. It must be idempotent or
// re-derive per-attempt state itself (a fresh nonce, a fresh quote); the
// retry loop re-invokes it as-is.
type Operation func(ctx context.Context) error

// RetryConfig tunes the backoff executor. An empty RetryableKinds list
// means no error is retried.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryableKinds    []ErrorKind
}

// DefaultRetryConfig retries transport faults, nonce conflicts and
// timeouts; everything else propagates on first occurrence.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       DefaultMaxAttempts,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		RetryableKinds:    []ErrorKind{KindProvider, KindNonceConflict, KindTimeout},
	}
}

// RetryManager attempts operations up to a budget with exponentially
// growing, capped delays between attempts. It is a pure decorator around
// the operation; it owns no chain capabilities.
type RetryManager struct {
	clock Clock
	cfg   RetryConfig
}

// RetryOption configures a RetryManager, either at construction or as a
// per-call override on ExecuteWithRetry.
type RetryOption func(*RetryManager)

func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(rm *RetryManager) {
		rm.cfg = cfg
	}
}

func WithMaxAttempts(n int) RetryOption {
	return func(rm *RetryManager) {
		rm.cfg.MaxAttempts = n
	}
}

func WithInitialDelay(d time.Duration) RetryOption {
	return func(rm *RetryManager) {
		rm.cfg.InitialDelay = d
	}
}

func WithMaxDelay(d time.Duration) RetryOption {
	return func(rm *RetryManager) {
		rm.cfg.MaxDelay = d
	}
}

func WithBackoffMultiplier(m float64) RetryOption {
	return func(rm *RetryManager) {
		rm.cfg.BackoffMultiplier = m
	}
}

// WithRetryableKinds replaces the allowlist of error kinds worth
// retrying.
func WithRetryableKinds(kinds ...ErrorKind) RetryOption {
	return func(rm *RetryManager) {
		rm.cfg.RetryableKinds = kinds
	}
}

// WithRetryClock injects the clock, for deterministic backoff tests.
func WithRetryClock(clock Clock) RetryOption {
	return func(rm *RetryManager) {
		rm.clock = clock
	}
}

// NewRetryManager builds an executor with DefaultRetryConfig, adjusted by
// opts.
func NewRetryManager(opts ...RetryOption) *RetryManager {
	rm := &RetryManager{
		clock: SystemClock(),
		cfg:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(rm)
	}
	return rm
}

// Config returns the manager's current configuration.
func (rm *RetryManager) Config() RetryConfig {
	return rm.cfg
}

// ExecuteWithRetry runs op up to MaxAttempts times. A non-retryable error
// propagates immediately after the first occurrence; exhausting the
// budget returns the last attempt's error unchanged. Cancellation during
// a backoff wait surfaces as ErrRetryAborted.
func (rm *RetryManager) ExecuteWithRetry(ctx context.Context, op Operation, opts ...RetryOption) error {
	eff := *rm
	for _, opt := range opts {
		opt(&eff)
	}
	cfg := eff.cfg

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(ErrRetryAborted, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !eff.retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		logger.WithFields(logger.Fields{
			"attempt":      attempt,
			"max_attempts": cfg.MaxAttempts,
			"delay":        delay.String(),
			"error":        lastErr,
		}).Debug("Operation failed, retrying after backoff")

		if err := eff.clock.Sleep(ctx, delay); err != nil {
			return errors.Join(ErrRetryAborted, err)
		}

		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}

func (rm *RetryManager) retryable(err error) bool {
	kind := Classify(err)
	for _, k := range rm.cfg.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ExecuteWithRetryResult runs an operation returning a value under the
// manager's retry policy.
func ExecuteWithRetryResult[T any](ctx context.Context, rm *RetryManager, op func(ctx context.Context) (T, error), opts ...RetryOption) (T, error) {
	var out T
	err := rm.ExecuteWithRetry(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}
