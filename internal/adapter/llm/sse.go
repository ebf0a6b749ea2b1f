package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"careloop-ai/internal/domain"
)

// maxSSELine bounds a single SSE line; tool input deltas can be long.
const maxSSELine = 1024 * 1024

// parseSSEStream reads SSE-formatted lines from body and converts each data
// payload into provider events using the provider-specific handle function.
// The returned channel is closed after a terminal event (message_complete or
// error), or when ctx is cancelled. A body that ends before a terminal event
// yields a NetworkError.
func parseSSEStream(ctx context.Context, provider string, body io.ReadCloser, handle func(data []byte) ([]domain.ProviderEvent, error)) <-chan domain.ProviderEvent {
	ch := make(chan domain.ProviderEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		send := func(evt domain.ProviderEvent) bool {
			select {
			case ch <- evt:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), maxSSELine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}

			line := scanner.Bytes()
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			data, ok := bytes.CutPrefix(line, []byte("data:"))
			if !ok {
				// "event:" lines duplicate the JSON "type" field.
				continue
			}
			data = bytes.TrimSpace(data)
			if bytes.Equal(data, []byte("[DONE]")) {
				break
			}

			events, err := handle(data)
			if err != nil {
				// Skip unparseable lines.
				continue
			}
			for _, evt := range events {
				if !send(evt) {
					return
				}
				if evt.Type == domain.ProviderMessageComplete || evt.Type == domain.ProviderError {
					return
				}
			}
		}

		if ctx.Err() != nil {
			return
		}
		cause := scanner.Err()
		if cause == nil {
			cause = io.ErrUnexpectedEOF
		}
		send(domain.ProviderEvent{
			Type: domain.ProviderError,
			Err:  &domain.NetworkError{Provider: provider, Err: cause},
		})
	}()
	return ch
}
