package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
)

type mockClient struct {
	name         string
	completeFunc func(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error)
	streamFunc   func(ctx context.Context, req domain.CompletionRequest) (<-chan domain.ProviderEvent, error)
}

func (m *mockClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	return m.completeFunc(ctx, req)
}

func (m *mockClient) StreamComplete(ctx context.Context, req domain.CompletionRequest) (<-chan domain.ProviderEvent, error) {
	return m.streamFunc(ctx, req)
}

func (m *mockClient) Name() string { return m.name }

func serverErr() error {
	return &domain.ServerError{Provider: "flaky", StatusCode: http.StatusServiceUnavailable, Message: "down"}
}

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockClient{
		name: "test",
		completeFunc: func(_ context.Context, _ domain.CompletionRequest) (*domain.CompletionResult, error) {
			return &domain.CompletionResult{Content: []domain.ContentBlock{domain.TextBlock{Text: "ok"}}}, nil
		},
	}

	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{}, newTestLogger())
	result, err := cb.Complete(context.Background(), domain.CompletionRequest{})

	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text())
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreakerOpensAfterServerFailures(t *testing.T) {
	calls := 0
	inner := &mockClient{
		name: "flaky",
		completeFunc: func(_ context.Context, _ domain.CompletionRequest) (*domain.CompletionResult, error) {
			calls++
			return nil, serverErr()
		},
	}

	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     5 * time.Second,
		Interval:    60 * time.Second,
	}, newTestLogger())

	for i := 0; i < 3; i++ {
		_, err := cb.Complete(context.Background(), domain.CompletionRequest{})
		require.ErrorIs(t, err, domain.ErrServer)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Complete(context.Background(), domain.CompletionRequest{})
	require.ErrorIs(t, err, domain.ErrCircuitOpen)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, calls, "open circuit must not reach the provider")
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	inner := &mockClient{
		name: "strict",
		completeFunc: func(_ context.Context, _ domain.CompletionRequest) (*domain.CompletionResult, error) {
			return nil, &domain.BadRequestError{Provider: "strict", StatusCode: 400, Message: "bad"}
		},
	}

	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{MaxFailures: 2}, newTestLogger())
	for i := 0; i < 5; i++ {
		_, err := cb.Complete(context.Background(), domain.CompletionRequest{})
		require.ErrorIs(t, err, domain.ErrBadRequest)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerClosesAfterProbe(t *testing.T) {
	fail := true
	inner := &mockClient{
		name: "recovering",
		completeFunc: func(_ context.Context, _ domain.CompletionRequest) (*domain.CompletionResult, error) {
			if fail {
				return nil, serverErr()
			}
			return &domain.CompletionResult{}, nil
		},
	}

	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{
		MaxFailures: 1,
		Timeout:     50 * time.Millisecond,
	}, newTestLogger())

	_, _ = cb.Complete(context.Background(), domain.CompletionRequest{})
	require.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)
	fail = false

	_, err := cb.Complete(context.Background(), domain.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestCircuitBreakerStream(t *testing.T) {
	inner := &mockClient{
		name: "streamer",
		streamFunc: func(_ context.Context, _ domain.CompletionRequest) (<-chan domain.ProviderEvent, error) {
			ch := make(chan domain.ProviderEvent, 1)
			ch <- domain.ProviderEvent{Type: domain.ProviderMessageComplete, Result: &domain.CompletionResult{}}
			close(ch)
			return ch, nil
		},
	}

	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{}, newTestLogger())
	ch, err := cb.StreamComplete(context.Background(), domain.CompletionRequest{})
	require.NoError(t, err)

	evt := <-ch
	assert.Equal(t, domain.ProviderMessageComplete, evt.Type)
}

func TestCircuitBreakerStreamTripsOnOpenFailure(t *testing.T) {
	inner := &mockClient{
		name: "streamer",
		streamFunc: func(_ context.Context, _ domain.CompletionRequest) (<-chan domain.ProviderEvent, error) {
			return nil, &domain.NetworkError{Provider: "streamer", Err: errors.New("reset")}
		},
	}

	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{MaxFailures: 2}, newTestLogger())
	for i := 0; i < 2; i++ {
		_, err := cb.StreamComplete(context.Background(), domain.CompletionRequest{})
		require.ErrorIs(t, err, domain.ErrNetwork)
	}

	_, err := cb.StreamComplete(context.Background(), domain.CompletionRequest{})
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)
}

func TestCircuitBreakerCounts(t *testing.T) {
	inner := &mockClient{
		name: "counter",
		completeFunc: func(_ context.Context, _ domain.CompletionRequest) (*domain.CompletionResult, error) {
			return &domain.CompletionResult{}, nil
		},
	}
	cb := NewCircuitBreakerClient(inner, config.CircuitBreakerConfig{}, newTestLogger())
	for i := 0; i < 3; i++ {
		_, _ = cb.Complete(context.Background(), domain.CompletionRequest{})
	}
	counts := cb.Counts()
	assert.Equal(t, uint32(3), counts.Requests)
	assert.Equal(t, uint32(3), counts.TotalSuccesses)
}

func TestCountsAsHealthy(t *testing.T) {
	assert.True(t, countsAsHealthy(nil))
	assert.True(t, countsAsHealthy(context.Canceled))
	assert.True(t, countsAsHealthy(&domain.AuthenticationError{Provider: "p"}))
	assert.False(t, countsAsHealthy(serverErr()))
	assert.False(t, countsAsHealthy(&domain.RateLimitError{Provider: "p"}))
	assert.False(t, countsAsHealthy(&domain.NetworkError{Provider: "p", Err: errors.New("x")}))
}

func TestNewPooledTransportDefaults(t *testing.T) {
	tr := NewPooledTransport(0, 0, config.PoolConfig{})
	assert.Equal(t, defaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, defaultMaxConnsPerHost, tr.MaxConnsPerHost)
	assert.Equal(t, defaultIdleConnTimeout, tr.IdleConnTimeout)
	assert.Equal(t, defaultRespTimeout, tr.ResponseHeaderTimeout)
}

func TestNewPooledTransportCustom(t *testing.T) {
	tr := NewPooledTransport(time.Second, 5*time.Second, config.PoolConfig{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     40,
		IdleConnTimeout:     time.Minute,
	})
	assert.Equal(t, 50, tr.MaxIdleConns)
	assert.Equal(t, 25, tr.MaxIdleConnsPerHost)
	assert.Equal(t, 40, tr.MaxConnsPerHost)
	assert.Equal(t, time.Minute, tr.IdleConnTimeout)
	assert.Equal(t, 5*time.Second, tr.ResponseHeaderTimeout)

	client := NewHTTPClient(config.ProviderConfig{})
	assert.Zero(t, client.Timeout)
}
