package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// statusOverloaded is Anthropic's non-standard "overloaded" status.
const statusOverloaded = 529

// doJSONRequest performs a JSON POST request and returns the response body.
// Transport failures become NetworkError; non-200 statuses are mapped by
// mapHTTPError.
func doJSONRequest(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(provider, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, mapTransportError(provider, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(provider, httpResp.StatusCode, httpResp.Header, respBody)
	}
	return respBody, nil
}

// doStreamRequest performs a JSON POST request for SSE streaming.
// It returns the open *http.Response (caller must close Body).
func doStreamRequest(ctx context.Context, client *http.Client, provider, url string, body []byte, headers map[string]string) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, mapTransportError(provider, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, mapHTTPError(provider, httpResp.StatusCode, httpResp.Header, respBody)
	}
	return httpResp, nil
}

// apiErrorBody is the error envelope returned by the Messages API.
type apiErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// errorMessage extracts a readable message from an error response body.
func errorMessage(body []byte) string {
	var eb apiErrorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error.Message != "" {
		return eb.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}

// mapHTTPError maps an HTTP status code + response to exactly one error of
// the domain taxonomy.
func mapHTTPError(provider string, statusCode int, header http.Header, body []byte) error {
	msg := errorMessage(body)

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &domain.AuthenticationError{Provider: provider, Message: msg}
	case statusCode == http.StatusTooManyRequests:
		return &domain.RateLimitError{Provider: provider, Message: msg, RetryAfter: parseRetryAfter(header)}
	case statusCode == statusOverloaded || statusCode >= 500:
		return &domain.ServerError{Provider: provider, StatusCode: statusCode, Message: msg}
	default:
		// 400, 404, 413, 422 and any other client error.
		return &domain.BadRequestError{Provider: provider, StatusCode: statusCode, Message: msg}
	}
}

// parseRetryAfter reads the retry-after header as seconds or an HTTP date.
func parseRetryAfter(header http.Header) time.Duration {
	v := strings.TrimSpace(header.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// mapTransportError classifies a failure of the HTTP round trip or body read.
// Caller cancellation is passed through untouched so it is never retried.
func mapTransportError(provider string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &domain.NetworkError{Provider: provider, Err: err}
}

// mapStreamError maps an in-stream "error" event to the domain taxonomy.
func mapStreamError(provider, errType, message string) error {
	switch errType {
	case "overloaded_error":
		return &domain.ServerError{Provider: provider, StatusCode: statusOverloaded, Message: message}
	case "api_error":
		return &domain.ServerError{Provider: provider, StatusCode: http.StatusInternalServerError, Message: message}
	case "rate_limit_error":
		return &domain.RateLimitError{Provider: provider, Message: message}
	case "authentication_error", "permission_error":
		return &domain.AuthenticationError{Provider: provider, Message: message}
	default:
		return &domain.BadRequestError{Provider: provider, Message: fmt.Sprintf("%s: %s", errType, message)}
	}
}

// logCompleted logs the standard debug message after a successful completion.
func logCompleted(logger *slog.Logger, providerName string, result *domain.CompletionResult) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"cache_read_tokens", result.Usage.CacheReadInputTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.TokenUsage) {
	span.SetAttributes(
		tracer.IntAttr("llm.input_tokens", usage.InputTokens),
		tracer.IntAttr("llm.output_tokens", usage.OutputTokens),
		tracer.IntAttr("llm.cache_read_tokens", usage.CacheReadInputTokens),
		tracer.IntAttr("llm.cache_creation_tokens", usage.CacheCreationInputTokens),
	)
}
