package domain

import "context"

// StopReason explains why the model stopped generating.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// TokenUsage tracks token consumption of one completion.
type TokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Add returns the field-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:              u.InputTokens + o.InputTokens,
		OutputTokens:             u.OutputTokens + o.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens + o.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens + o.CacheReadInputTokens,
	}
}

// Total returns input plus output tokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// CompletionRequest is sent to a CompletionClient.
type CompletionRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	System      string
	MaxTokens   int
	Temperature float64
}

// CompletionResult is one finished model turn.
type CompletionResult struct {
	ID         string         `json:"id,omitempty"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"-"`
	Usage      TokenUsage     `json:"usage"`
	StopReason StopReason     `json:"stop_reason"`
}

// Text concatenates the text blocks of the result.
func (r *CompletionResult) Text() string { return joinText(r.Content) }

// ToolUses returns the tool_use blocks of the result in order.
func (r *CompletionResult) ToolUses() []ToolUseBlock { return collectToolUses(r.Content) }

// Message converts the result into an assistant message.
func (r *CompletionResult) Message() Message {
	content := make([]ContentBlock, len(r.Content))
	copy(content, r.Content)
	return Message{Role: RoleAssistant, Content: content}
}

// ProviderEventType identifies a provider-level stream event.
type ProviderEventType string

const (
	ProviderBlockStart      ProviderEventType = "block_start"
	ProviderBlockDelta      ProviderEventType = "block_delta"
	ProviderBlockStop       ProviderEventType = "block_stop"
	ProviderMessageComplete ProviderEventType = "message_complete"
	ProviderError           ProviderEventType = "error"
)

// ProviderEvent mirrors a provider stream delta. A stream ends with exactly
// one ProviderMessageComplete or ProviderError event.
type ProviderEvent struct {
	Type  ProviderEventType
	Index int

	// Block is set on ProviderBlockStart. Tool-use blocks arrive with empty input.
	Block ContentBlock

	// Text and PartialJSON are set on ProviderBlockDelta.
	Text        string
	PartialJSON string

	// Result is set on ProviderMessageComplete.
	Result *CompletionResult

	// Err is set on ProviderError.
	Err error
}

// CompletionClient is the transport to a hosted language model. It translates
// provider failures into the domain error taxonomy and never retries.
type CompletionClient interface {
	// Complete issues a buffered completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
	// StreamComplete opens a streamed completion. The channel is closed after
	// the terminal event or when ctx is cancelled.
	StreamComplete(ctx context.Context, req CompletionRequest) (<-chan ProviderEvent, error)
	// Name returns the client's identifier (e.g. "anthropic").
	Name() string
}
