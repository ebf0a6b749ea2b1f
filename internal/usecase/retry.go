package usecase

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
)

// Retry defaults.
const (
	defaultMaxAttempts = 3
	baseRetryDelay     = 500 * time.Millisecond
	maxRetryDelay      = 10 * time.Second
)

// RetryPolicy re-issues provider calls that failed with a transient error.
// Server and network errors are retried; rate limits only when
// RetryRateLimit is set. Everything else fails on the first attempt.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RetryRateLimit bool
	Logger         *slog.Logger
}

// NewRetryPolicy builds a policy from config, filling in defaults.
func NewRetryPolicy(cfg config.RetryConfig, logger *slog.Logger) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		RetryRateLimit: cfg.RetryRateLimit,
		Logger:         logger,
	}.withDefaults()
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = baseRetryDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = maxRetryDelay
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return p
}

// Do runs op until it succeeds, fails permanently or runs out of attempts.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := retryDo(ctx, p, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// retryDo is the generic form of RetryPolicy.Do. Every attempt calls fn
// exactly once, so the number of attempts equals the number of transport
// calls.
func retryDo[T any](ctx context.Context, p RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		delay, retry := p.shouldRetry(err, attempt)
		if !retry || attempt == p.MaxAttempts-1 {
			return zero, lastErr
		}

		p.Logger.Info("retrying "+op+" after error",
			"attempt", attempt+1,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		}
	}
	return zero, lastErr
}

// shouldRetry reports whether err may be retried and how long to wait first.
func (p RetryPolicy) shouldRetry(err error, attempt int) (time.Duration, bool) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		if !p.RetryRateLimit {
			return 0, false
		}
		if rl.RetryAfter > 0 {
			return rl.RetryAfter, true
		}
		return p.backoff(attempt), true
	}

	if domain.IsRetryableError(err) {
		return p.backoff(attempt), true
	}
	return 0, false
}

// backoff computes exponential backoff with 0-25% jitter, capped at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
