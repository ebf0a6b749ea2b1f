package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerClient wraps a CompletionClient with circuit breaker
// protection. Once the provider has failed MaxFailures times in a row the
// circuit opens and calls fail fast with domain.ErrCircuitOpen until the
// timeout elapses and a single probe succeeds.
type CircuitBreakerClient struct {
	inner   domain.CompletionClient
	breaker *gobreaker.CircuitBreaker[*domain.CompletionResult]
	logger  *slog.Logger
}

// NewCircuitBreakerClient wraps inner with a circuit breaker. Zero-valued
// settings fall back to defaults.
func NewCircuitBreakerClient(inner domain.CompletionClient, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.CompletionResult](gobreaker.Settings{
		Name:        "llm:" + inner.Name(),
		MaxRequests: 1, // one probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: countsAsHealthy,
	})

	return &CircuitBreakerClient{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// countsAsHealthy reports whether a call outcome says the provider is up.
// Client-side mistakes and caller cancellation do not trip the breaker.
func countsAsHealthy(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return !domain.IsRetryableError(err) && !errors.Is(err, domain.ErrRateLimit)
}

// Complete implements domain.CompletionClient.
func (c *CircuitBreakerClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	resp, err := c.breaker.Execute(func() (*domain.CompletionResult, error) {
		return c.inner.Complete(ctx, req)
	})
	if err != nil {
		return nil, c.wrapOpen(err)
	}
	return resp, nil
}

// StreamComplete implements domain.CompletionClient. The breaker guards
// opening the stream; failures reported inside the stream do not count.
func (c *CircuitBreakerClient) StreamComplete(ctx context.Context, req domain.CompletionRequest) (<-chan domain.ProviderEvent, error) {
	var ch <-chan domain.ProviderEvent
	_, err := c.breaker.Execute(func() (*domain.CompletionResult, error) {
		var streamErr error
		ch, streamErr = c.inner.StreamComplete(ctx, req)
		return nil, streamErr
	})
	if err != nil {
		return nil, c.wrapOpen(err)
	}
	return ch, nil
}

func (c *CircuitBreakerClient) wrapOpen(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("provider %q: %w: %w", c.inner.Name(), domain.ErrCircuitOpen, err)
	}
	return err
}

// Name implements domain.CompletionClient.
func (c *CircuitBreakerClient) Name() string { return c.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (c *CircuitBreakerClient) Counts() gobreaker.Counts {
	return c.breaker.Counts()
}

var _ domain.CompletionClient = (*CircuitBreakerClient)(nil)
