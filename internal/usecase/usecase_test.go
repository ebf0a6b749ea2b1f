package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"careloop-ai/internal/domain"
)

// --- Mocks ---

// scriptedClient replays one scripted turn per call. Complete returns the
// turn's result; StreamComplete replays the turn's events.
type scriptedClient struct {
	mu          sync.Mutex
	turns       []scriptedTurn
	calls       int
	requests    []domain.CompletionRequest
	streamCalls int
}

type scriptedTurn struct {
	result *domain.CompletionResult
	events []domain.ProviderEvent
	err    error // returned from Complete / StreamComplete
	delay  time.Duration
}

func (c *scriptedClient) next(req domain.CompletionRequest) scriptedTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	idx := c.calls
	c.calls++
	if idx >= len(c.turns) {
		return c.turns[len(c.turns)-1]
	}
	return c.turns[idx]
}

func (c *scriptedClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	turn := c.next(req)
	if turn.delay > 0 {
		select {
		case <-time.After(turn.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if turn.err != nil {
		return nil, turn.err
	}
	return turn.result, nil
}

func (c *scriptedClient) StreamComplete(ctx context.Context, req domain.CompletionRequest) (<-chan domain.ProviderEvent, error) {
	turn := c.next(req)
	c.mu.Lock()
	c.streamCalls++
	c.mu.Unlock()
	if turn.err != nil {
		return nil, turn.err
	}
	ch := make(chan domain.ProviderEvent)
	go func() {
		defer close(ch)
		for _, evt := range turn.events {
			select {
			case ch <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *scriptedClient) Name() string { return "scripted" }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// --- Turn builders ---

func textTurn(text string, usage domain.TokenUsage) scriptedTurn {
	return scriptedTurn{
		result: &domain.CompletionResult{
			Content:    []domain.ContentBlock{domain.TextBlock{Text: text}},
			Usage:      usage,
			StopReason: domain.StopEndTurn,
		},
		events: []domain.ProviderEvent{
			{Type: domain.ProviderBlockStart, Index: 0, Block: domain.TextBlock{}},
			{Type: domain.ProviderBlockDelta, Index: 0, Text: text},
			{Type: domain.ProviderBlockStop, Index: 0},
			{Type: domain.ProviderMessageComplete, Result: &domain.CompletionResult{Usage: usage, StopReason: domain.StopEndTurn}},
		},
	}
}

type toolCall struct {
	id, name, input string
}

// toolTurn streams the tool calls with their input split across two
// partial-JSON deltas.
func toolTurn(usage domain.TokenUsage, calls ...toolCall) scriptedTurn {
	var events []domain.ProviderEvent
	var content []domain.ContentBlock
	for i, c := range calls {
		half := len(c.input) / 2
		events = append(events,
			domain.ProviderEvent{Type: domain.ProviderBlockStart, Index: i, Block: domain.ToolUseBlock{ID: c.id, Name: c.name}},
			domain.ProviderEvent{Type: domain.ProviderBlockDelta, Index: i, PartialJSON: c.input[:half]},
			domain.ProviderEvent{Type: domain.ProviderBlockDelta, Index: i, PartialJSON: c.input[half:]},
			domain.ProviderEvent{Type: domain.ProviderBlockStop, Index: i},
		)
		content = append(content, domain.ToolUseBlock{ID: c.id, Name: c.name, Input: json.RawMessage(c.input)})
	}
	events = append(events, domain.ProviderEvent{
		Type:   domain.ProviderMessageComplete,
		Result: &domain.CompletionResult{Usage: usage, StopReason: domain.StopToolUse},
	})
	return scriptedTurn{
		result: &domain.CompletionResult{Content: content, Usage: usage, StopReason: domain.StopToolUse},
		events: events,
	}
}

func errTurn(err error) scriptedTurn { return scriptedTurn{err: err} }

func serverError() error {
	return &domain.ServerError{Provider: "scripted", StatusCode: 503, Message: "unavailable"}
}

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// fastRetry retries immediately so tests do not sleep.
func fastRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Logger: testLogger()}
}

func newTestChat(client domain.CompletionClient) *ChatService {
	return NewChatService(ChatDeps{Client: client, Retry: fastRetry(), Logger: testLogger()})
}

func userMsg(text string) []domain.Message {
	return []domain.Message{domain.NewTextMessage(domain.RoleUser, text)}
}

// stubCompleter is a Completer with a fixed reply.
type stubCompleter struct {
	result *domain.CompletionResult
	err    error
	delay  time.Duration
	calls  int
	mu     sync.Mutex
}

func (s *stubCompleter) Chat(ctx context.Context, req ChatRequest) (*domain.CompletionResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func replyWith(text string, usage domain.TokenUsage) *stubCompleter {
	return &stubCompleter{result: &domain.CompletionResult{
		Content:    []domain.ContentBlock{domain.TextBlock{Text: text}},
		Usage:      usage,
		StopReason: domain.StopEndTurn,
	}}
}

var errBoom = fmt.Errorf("boom")
