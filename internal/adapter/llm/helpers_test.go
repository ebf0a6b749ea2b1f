package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"careloop-ai/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.Default()
}

func TestMapHTTPError429(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	err := mapHTTPError("anthropic", http.StatusTooManyRequests, h, []byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Fatalf("expected ErrRateLimit, got %v", err)
	}
	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected *RateLimitError, got %T", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", rl.RetryAfter)
	}
	if !strings.Contains(err.Error(), "slow down") {
		t.Errorf("error %q should include API message", err.Error())
	}
}

func TestMapHTTPErrorAuth(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		err := mapHTTPError("anthropic", status, nil, []byte(`{"error":{"message":"invalid x-api-key"}}`))
		if !errors.Is(err, domain.ErrAuthInvalid) {
			t.Errorf("status %d: expected ErrAuthInvalid, got %v", status, err)
		}
	}
}

func TestMapHTTPErrorServer(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, statusOverloaded} {
		err := mapHTTPError("anthropic", status, nil, []byte(`overloaded`))
		if !errors.Is(err, domain.ErrServer) {
			t.Errorf("status %d: expected ErrServer, got %v", status, err)
		}
		if !domain.IsRetryableError(err) {
			t.Errorf("status %d: expected retryable", status)
		}
	}
}

func TestMapHTTPErrorBadRequest(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge, 418} {
		err := mapHTTPError("anthropic", status, nil, []byte(`nope`))
		if !errors.Is(err, domain.ErrBadRequest) {
			t.Errorf("status %d: expected ErrBadRequest, got %v", status, err)
		}
		if domain.IsRetryableError(err) {
			t.Errorf("status %d: bad request must not be retryable", status)
		}
	}
}

func TestErrorMessageTruncatesRawBody(t *testing.T) {
	body := strings.Repeat("x", 2000)
	if got := errorMessage([]byte(body)); len(got) != 512 {
		t.Errorf("len = %d, want 512", len(got))
	}
	if got := errorMessage([]byte(`{"error":{"message":"detailed"}}`)); got != "detailed" {
		t.Errorf("errorMessage = %q", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		min   time.Duration
		max   time.Duration
	}{
		{"empty", "", 0, 0},
		{"seconds", "3", 3 * time.Second, 3 * time.Second},
		{"fractional", "0.5", 500 * time.Millisecond, 500 * time.Millisecond},
		{"negative", "-2", 0, 0},
		{"garbage", "soon", 0, 0},
		{"http date", time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat), 8 * time.Second, 11 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			got := parseRetryAfter(h)
			if got < tt.min || got > tt.max {
				t.Errorf("parseRetryAfter(%q) = %v, want in [%v, %v]", tt.value, got, tt.min, tt.max)
			}
		})
	}
}

func TestMapTransportError(t *testing.T) {
	if err := mapTransportError("anthropic", context.Canceled); err != context.Canceled {
		t.Errorf("context.Canceled should pass through, got %v", err)
	}
	err := mapTransportError("anthropic", errors.New("connection reset by peer"))
	if !errors.Is(err, domain.ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
	if !domain.IsRetryableError(err) {
		t.Error("network errors should be retryable")
	}
}

func TestMapStreamError(t *testing.T) {
	tests := []struct {
		errType string
		want    error
	}{
		{"overloaded_error", domain.ErrServer},
		{"api_error", domain.ErrServer},
		{"rate_limit_error", domain.ErrRateLimit},
		{"authentication_error", domain.ErrAuthInvalid},
		{"permission_error", domain.ErrAuthInvalid},
		{"invalid_request_error", domain.ErrBadRequest},
	}
	for _, tt := range tests {
		if err := mapStreamError("anthropic", tt.errType, "m"); !errors.Is(err, tt.want) {
			t.Errorf("mapStreamError(%s) = %v, want %v", tt.errType, err, tt.want)
		}
	}
}
