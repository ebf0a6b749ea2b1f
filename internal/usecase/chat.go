package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"careloop-ai/internal/domain"
)

const defaultChatMaxTokens = 4096

// ChatDeps holds injected dependencies for the chat service.
type ChatDeps struct {
	Client    domain.CompletionClient
	Retry     RetryPolicy
	Logger    *slog.Logger
	MaxTokens int // default when a request leaves MaxTokens at zero

	// Validator checks tool inputs before the tool callback runs.
	// Nil uses a JSON-schema validator.
	Validator ToolInputValidator
	// MaxParallel bounds concurrent tool calls in parallel tool loops.
	MaxParallel int
}

// ChatRequest is one model turn request.
type ChatRequest struct {
	Model       string
	Messages    []domain.Message
	Tools       []domain.ToolDefinition
	System      string
	MaxTokens   int
	Temperature float64

	// OnText is called synchronously for every streamed text delta.
	OnText func(text string)
	// OnUsage is called once when a stream completes successfully.
	OnUsage func(usage domain.TokenUsage)
}

// ChatService issues buffered and streamed completions with retry, and
// drives the tool loop.
type ChatService struct {
	deps ChatDeps
}

// NewChatService creates a chat service with the given dependencies.
func NewChatService(deps ChatDeps) *ChatService {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxTokens <= 0 {
		deps.MaxTokens = defaultChatMaxTokens
	}
	if deps.Validator == nil {
		deps.Validator = NewSchemaValidator()
	}
	if deps.MaxParallel <= 0 {
		deps.MaxParallel = defaultMaxParallel
	}
	if deps.Retry.Logger == nil {
		deps.Retry.Logger = deps.Logger
	}
	deps.Retry = deps.Retry.withDefaults()
	return &ChatService{deps: deps}
}

func (s *ChatService) completionRequest(req ChatRequest) domain.CompletionRequest {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = s.deps.MaxTokens
	}
	return domain.CompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
}

// Chat issues a buffered completion, retrying transient failures.
func (s *ChatService) Chat(ctx context.Context, req ChatRequest) (*domain.CompletionResult, error) {
	creq := s.completionRequest(req)
	result, err := retryDo(ctx, s.deps.Retry, "llm call", func(ctx context.Context) (*domain.CompletionResult, error) {
		return s.deps.Client.Complete(ctx, creq)
	})
	if err != nil {
		return nil, err
	}

	s.deps.Logger.Debug("chat completed",
		"model", result.Model,
		"stop_reason", result.StopReason,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
	)
	return result, nil
}

// StreamChat opens a streamed completion. Opening the stream is retried;
// failures after the first event are yielded by ChatStream.Events.
func (s *ChatService) StreamChat(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	creq := s.completionRequest(req)

	streamCtx, cancel := context.WithCancel(ctx)
	events, err := retryDo(streamCtx, s.deps.Retry, "llm stream", func(ctx context.Context) (<-chan domain.ProviderEvent, error) {
		return s.deps.Client.StreamComplete(ctx, creq)
	})
	if err != nil {
		cancel()
		return nil, err
	}

	return &ChatStream{
		ctx:      streamCtx,
		cancel:   cancel,
		events:   events,
		provider: s.deps.Client.Name(),
		onText:   req.OnText,
		onUsage:  req.OnUsage,
	}, nil
}

// ChatStream is a single-use streamed completion.
type ChatStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	events   <-chan domain.ProviderEvent
	provider string
	onText   func(string)
	onUsage  func(domain.TokenUsage)

	consumed atomic.Bool
	mu       sync.Mutex
	result   *domain.CompletionResult
}

// Events yields text and tool_use events in provider order. The sequence
// ends after the provider's terminal event or the first error. Breaking out
// of the range loop cancels the provider stream. Iterating a second time
// yields domain.ErrStreamConsumed.
func (cs *ChatStream) Events() iter.Seq2[domain.ChatEvent, error] {
	return func(yield func(domain.ChatEvent, error) bool) {
		if !cs.consumed.CompareAndSwap(false, true) {
			yield(domain.ChatEvent{}, domain.NewDomainError("ChatStream.Events", domain.ErrStreamConsumed, ""))
			return
		}
		defer cs.cancel()

		asm := newBlockAssembler(cs.provider)
		for {
			var evt domain.ProviderEvent
			var ok bool
			select {
			case evt, ok = <-cs.events:
			case <-cs.ctx.Done():
				yield(domain.ChatEvent{}, cs.ctx.Err())
				return
			}
			if !ok {
				err := cs.ctx.Err()
				if err == nil {
					err = &domain.NetworkError{Provider: cs.provider, Err: io.ErrUnexpectedEOF}
				}
				yield(domain.ChatEvent{}, err)
				return
			}

			switch evt.Type {
			case domain.ProviderBlockStart:
				asm.start(evt.Index, evt.Block)

			case domain.ProviderBlockDelta:
				if evt.PartialJSON != "" {
					asm.appendJSON(evt.Index, evt.PartialJSON)
				}
				if evt.Text == "" {
					continue
				}
				asm.appendText(evt.Index, evt.Text)
				if cs.onText != nil {
					cs.onText(evt.Text)
				}
				if !yield(domain.ChatEvent{Type: domain.ChatEventText, Text: evt.Text}, nil) {
					return
				}

			case domain.ProviderBlockStop:
				tu, err := asm.stop(evt.Index)
				if err != nil {
					yield(domain.ChatEvent{}, err)
					return
				}
				if tu != nil && !yield(domain.ChatEvent{Type: domain.ChatEventToolUse, ToolUse: tu}, nil) {
					return
				}

			case domain.ProviderMessageComplete:
				result := domain.CompletionResult{}
				if evt.Result != nil {
					result = *evt.Result
				}
				result.Content = asm.content()
				cs.mu.Lock()
				cs.result = &result
				cs.mu.Unlock()
				if cs.onUsage != nil {
					cs.onUsage(result.Usage)
				}
				return

			case domain.ProviderError:
				yield(domain.ChatEvent{}, evt.Err)
				return
			}
		}
	}
}

// Result returns the assembled completion once Events finished without
// error, or nil.
func (cs *ChatStream) Result() *domain.CompletionResult {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.result
}

// Close cancels the provider stream. It is safe to call after Events.
func (cs *ChatStream) Close() { cs.cancel() }

// Drain consumes the stream and returns the assembled result.
func (cs *ChatStream) Drain() (*domain.CompletionResult, error) {
	for _, err := range cs.Events() {
		if err != nil {
			return nil, err
		}
	}
	if r := cs.Result(); r != nil {
		return r, nil
	}
	return nil, &domain.NetworkError{Provider: cs.provider, Err: io.ErrUnexpectedEOF}
}

// blockAssembler rebuilds content blocks from indexed provider deltas.
// Tool input arrives as partial JSON and is parsed only at block stop.
type blockAssembler struct {
	provider string
	blocks   map[int]*pendingBlock
	done     map[int]domain.ContentBlock
}

type pendingBlock struct {
	toolUse *domain.ToolUseBlock // nil for text blocks
	text    strings.Builder
	input   strings.Builder
}

func newBlockAssembler(provider string) *blockAssembler {
	return &blockAssembler{
		provider: provider,
		blocks:   make(map[int]*pendingBlock),
		done:     make(map[int]domain.ContentBlock),
	}
}

func (a *blockAssembler) start(idx int, block domain.ContentBlock) {
	pb := &pendingBlock{}
	switch b := block.(type) {
	case domain.TextBlock:
		pb.text.WriteString(b.Text)
	case domain.ToolUseBlock:
		tu := b
		pb.toolUse = &tu
	default:
		return
	}
	a.blocks[idx] = pb
}

func (a *blockAssembler) appendText(idx int, text string) {
	pb, ok := a.blocks[idx]
	if !ok {
		// Text without a start event opens an implicit text block.
		pb = &pendingBlock{}
		a.blocks[idx] = pb
	}
	if pb.toolUse == nil {
		pb.text.WriteString(text)
	}
}

func (a *blockAssembler) appendJSON(idx int, partial string) {
	if pb, ok := a.blocks[idx]; ok && pb.toolUse != nil {
		pb.input.WriteString(partial)
	}
}

// stop finalizes block idx. It returns the parsed tool call for tool_use
// blocks and nil for text blocks.
func (a *blockAssembler) stop(idx int) (*domain.ToolUseBlock, error) {
	pb, ok := a.blocks[idx]
	if !ok {
		return nil, nil
	}
	delete(a.blocks, idx)

	if pb.toolUse == nil {
		a.done[idx] = domain.TextBlock{Text: pb.text.String()}
		return nil, nil
	}

	tu := *pb.toolUse
	raw := strings.TrimSpace(pb.input.String())
	if raw == "" {
		tu.Input = json.RawMessage("{}")
	} else {
		if !json.Valid([]byte(raw)) {
			return nil, &domain.BadRequestError{
				Provider: a.provider,
				Message:  fmt.Sprintf("tool_use %s (%s): malformed input JSON", tu.ID, tu.Name),
			}
		}
		tu.Input = json.RawMessage(raw)
	}
	a.done[idx] = tu
	return &tu, nil
}

// content returns finished blocks in index order. Blocks that never received
// a stop event are flushed as-is.
func (a *blockAssembler) content() []domain.ContentBlock {
	for idx, pb := range a.blocks {
		if pb.toolUse == nil {
			a.done[idx] = domain.TextBlock{Text: pb.text.String()}
		}
	}
	indices := make([]int, 0, len(a.done))
	for idx := range a.done {
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	out := make([]domain.ContentBlock, 0, len(indices))
	for _, idx := range indices {
		out = append(out, a.done[idx])
	}
	return out
}
