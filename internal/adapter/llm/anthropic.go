package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
	"careloop-ai/internal/infra/tracer"
)

const (
	defaultAnthropicVersion = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultMaxTokens        = 4096
)

// AnthropicClient implements domain.CompletionClient for the Anthropic Messages API.
type AnthropicClient struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	version string
}

// NewAnthropicClient creates a client for the Anthropic Messages API.
func NewAnthropicClient(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicClient {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}

	return &AnthropicClient{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
		version: defaultAnthropicVersion,
	}
}

// Complete implements domain.CompletionClient.
func (c *AnthropicClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.complete",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", c.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	body, err := c.marshalRequest(req, false)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	respBody, err := doJSONRequest(ctx, c.client, c.name, c.baseURL+"/v1/messages", body, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var antResp anthropicResponse
	if err := json.Unmarshal(respBody, &antResp); err != nil {
		err = &domain.ServerError{Provider: c.name, StatusCode: http.StatusOK, Message: "malformed response: " + err.Error()}
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromAnthropicResponse(antResp)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logCompleted(c.logger, c.name, result)

	return result, nil
}

// StreamComplete implements domain.CompletionClient. The returned channel
// carries block events in provider order and ends with message_complete or
// error. The message_complete result holds id, model, usage and stop reason;
// content is assembled by the consumer from the block events.
func (c *AnthropicClient) StreamComplete(ctx context.Context, req domain.CompletionRequest) (<-chan domain.ProviderEvent, error) {
	_, span := tracer.StartSpan(ctx, "llm.stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", c.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	body, err := c.marshalRequest(req, true)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	httpResp, err := doStreamRequest(ctx, c.client, c.name, c.baseURL+"/v1/messages", body, c.headers())
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	tracer.SetOK(span)

	st := &anthropicStreamState{provider: c.name, logger: c.logger}
	return parseSSEStream(ctx, c.name, httpResp.Body, st.handle), nil
}

// Name implements domain.CompletionClient.
func (c *AnthropicClient) Name() string { return c.name }

func (c *AnthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": c.version,
	}
}

func (c *AnthropicClient) marshalRequest(req domain.CompletionRequest, stream bool) ([]byte, error) {
	if req.Model == "" {
		return nil, &domain.BadRequestError{Provider: c.name, Message: "model is required"}
	}
	antReq, err := toAnthropicRequest(req)
	if err != nil {
		return nil, &domain.BadRequestError{Provider: c.name, Message: err.Error()}
	}
	antReq.Stream = stream
	body, err := json.Marshal(antReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	return body, nil
}

// --- Anthropic API wire types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

func (u anthropicUsage) toDomain() domain.TokenUsage {
	return domain.TokenUsage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
}

// --- Anthropic streaming wire types ---

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	Message      *anthropicResponse `json:"message,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Delta        json.RawMessage    `json:"delta,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

// anthropicStreamState carries message metadata across stream events.
type anthropicStreamState struct {
	provider string
	logger   *slog.Logger
	result   domain.CompletionResult
	blocks   map[int]bool // indices of forwarded blocks
}

func (s *anthropicStreamState) handle(data []byte) ([]domain.ProviderEvent, error) {
	var evt anthropicStreamEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, err
	}

	switch evt.Type {
	case "message_start":
		if evt.Message != nil {
			s.result.ID = evt.Message.ID
			s.result.Model = evt.Message.Model
			s.result.Usage = evt.Message.Usage.toDomain()
		}
		return nil, nil

	case "content_block_start":
		if evt.ContentBlock == nil {
			return nil, nil
		}
		var block domain.ContentBlock
		switch evt.ContentBlock.Type {
		case domain.BlockTypeText:
			block = domain.TextBlock{Text: evt.ContentBlock.Text}
		case domain.BlockTypeToolUse:
			block = domain.ToolUseBlock{ID: evt.ContentBlock.ID, Name: evt.ContentBlock.Name}
		default:
			// Thinking and other block kinds are not surfaced.
			return nil, nil
		}
		if s.blocks == nil {
			s.blocks = make(map[int]bool)
		}
		s.blocks[evt.Index] = true
		return []domain.ProviderEvent{{Type: domain.ProviderBlockStart, Index: evt.Index, Block: block}}, nil

	case "content_block_delta":
		if !s.blocks[evt.Index] {
			return nil, nil
		}
		var d anthropicDelta
		if err := json.Unmarshal(evt.Delta, &d); err != nil {
			return nil, err
		}
		switch d.Type {
		case "text_delta":
			return []domain.ProviderEvent{{Type: domain.ProviderBlockDelta, Index: evt.Index, Text: d.Text}}, nil
		case "input_json_delta":
			return []domain.ProviderEvent{{Type: domain.ProviderBlockDelta, Index: evt.Index, PartialJSON: d.PartialJSON}}, nil
		}
		return nil, nil

	case "content_block_stop":
		if !s.blocks[evt.Index] {
			return nil, nil
		}
		return []domain.ProviderEvent{{Type: domain.ProviderBlockStop, Index: evt.Index}}, nil

	case "message_delta":
		var d anthropicDelta
		if len(evt.Delta) > 0 && json.Unmarshal(evt.Delta, &d) == nil && d.StopReason != "" {
			s.result.StopReason = domain.StopReason(d.StopReason)
		}
		if evt.Usage != nil {
			s.mergeUsage(*evt.Usage)
		}
		return nil, nil

	case "message_stop":
		result := s.result
		logCompleted(s.logger, s.provider, &result)
		return []domain.ProviderEvent{{Type: domain.ProviderMessageComplete, Result: &result}}, nil

	case "error":
		errType, msg := "api_error", "stream error"
		if evt.Error != nil {
			errType, msg = evt.Error.Type, evt.Error.Message
		}
		return []domain.ProviderEvent{{Type: domain.ProviderError, Err: mapStreamError(s.provider, errType, msg)}}, nil

	default:
		// ping and unknown events
		return nil, nil
	}
}

// mergeUsage applies message_delta usage, which is cumulative for the
// fields it reports.
func (s *anthropicStreamState) mergeUsage(u anthropicUsage) {
	if u.InputTokens > 0 {
		s.result.Usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		s.result.Usage.OutputTokens = u.OutputTokens
	}
	if u.CacheCreationInputTokens > 0 {
		s.result.Usage.CacheCreationInputTokens = u.CacheCreationInputTokens
	}
	if u.CacheReadInputTokens > 0 {
		s.result.Usage.CacheReadInputTokens = u.CacheReadInputTokens
	}
}

func toAnthropicRequest(req domain.CompletionRequest) (anthropicRequest, error) {
	antReq := anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if antReq.MaxTokens <= 0 {
		antReq.MaxTokens = defaultMaxTokens
	}

	for i, m := range req.Messages {
		antMsg := anthropicMessage{Role: string(m.Role)}
		for _, b := range m.Content {
			switch v := b.(type) {
			case domain.TextBlock:
				if v.Text == "" {
					continue
				}
				antMsg.Content = append(antMsg.Content, anthropicContent{Type: domain.BlockTypeText, Text: v.Text})
			case domain.ToolUseBlock:
				input := v.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				antMsg.Content = append(antMsg.Content, anthropicContent{
					Type:  domain.BlockTypeToolUse,
					ID:    v.ID,
					Name:  v.Name,
					Input: input,
				})
			case domain.ToolResultBlock:
				antMsg.Content = append(antMsg.Content, anthropicContent{
					Type:      domain.BlockTypeToolResult,
					ToolUseID: v.ToolUseID,
					Content:   v.Content,
					IsError:   v.IsError,
				})
			}
		}
		if len(antMsg.Content) == 0 {
			return anthropicRequest{}, fmt.Errorf("message %d has no content", i)
		}
		antReq.Messages = append(antReq.Messages, antMsg)
	}

	for _, t := range req.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		antReq.Tools = append(antReq.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return antReq, nil
}

func fromAnthropicResponse(resp anthropicResponse) *domain.CompletionResult {
	result := &domain.CompletionResult{
		ID:         resp.ID,
		Model:      resp.Model,
		Usage:      resp.Usage.toDomain(),
		StopReason: domain.StopReason(resp.StopReason),
	}

	for _, block := range resp.Content {
		switch block.Type {
		case domain.BlockTypeText:
			result.Content = append(result.Content, domain.TextBlock{Text: block.Text})
		case domain.BlockTypeToolUse:
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			result.Content = append(result.Content, domain.ToolUseBlock{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	return result
}

var _ domain.CompletionClient = (*AnthropicClient)(nil)
