//go:build bedrock

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
	"careloop-ai/internal/infra/tracer"
)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockClient implements domain.CompletionClient via the AWS Bedrock Converse API.
type BedrockClient struct {
	name   string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockClient creates a Bedrock client using the default AWS credential chain.
func NewBedrockClient(ctx context.Context, cfg config.ProviderConfig, logger *slog.Logger) (*BedrockClient, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithHTTPClient(NewHTTPClient(cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "bedrock"
	}
	return newBedrockClientWithAPI(name, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

// newBedrockClientWithAPI creates a BedrockClient with an injected API (for testing).
func newBedrockClientWithAPI(name string, api bedrockConverseAPI, logger *slog.Logger) *BedrockClient {
	return &BedrockClient{name: name, client: api, logger: logger}
}

// Complete implements domain.CompletionClient.
func (c *BedrockClient) Complete(ctx context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.complete",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", c.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	input, err := toBedrockConverseInput(req)
	if err != nil {
		err = &domain.BadRequestError{Provider: c.name, Message: err.Error()}
		tracer.RecordError(span, err)
		return nil, err
	}

	output, err := c.client.Converse(ctx, input)
	if err != nil {
		err = mapBedrockError(c.name, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromBedrockConverseOutput(output, req.Model)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logCompleted(c.logger, c.name, result)

	return result, nil
}

// StreamComplete implements domain.CompletionClient.
func (c *BedrockClient) StreamComplete(ctx context.Context, req domain.CompletionRequest) (<-chan domain.ProviderEvent, error) {
	input, err := toBedrockConverseInput(req)
	if err != nil {
		return nil, &domain.BadRequestError{Provider: c.name, Message: err.Error()}
	}

	output, err := c.client.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		InferenceConfig: input.InferenceConfig,
		ToolConfig:      input.ToolConfig,
	})
	if err != nil {
		return nil, mapBedrockError(c.name, err)
	}

	ch := make(chan domain.ProviderEvent, 16)
	go func() {
		defer close(ch)
		stream := output.GetStream()
		defer stream.Close()

		send := func(evt domain.ProviderEvent) bool {
			select {
			case ch <- evt:
				return true
			case <-ctx.Done():
				return false
			}
		}

		st := newBedrockStreamState(req.Model)
		for evt := range stream.Events() {
			for _, pe := range st.handle(evt) {
				if !send(pe) {
					return
				}
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err := stream.Err(); err != nil {
			send(domain.ProviderEvent{Type: domain.ProviderError, Err: mapBedrockError(c.name, err)})
			return
		}
		result := st.finish()
		logCompleted(c.logger, c.name, result)
		send(domain.ProviderEvent{Type: domain.ProviderMessageComplete, Result: result})
	}()

	return ch, nil
}

// Name implements domain.CompletionClient.
func (c *BedrockClient) Name() string { return c.name }

// --- Bedrock request/response conversion ---

func toBedrockConverseInput(req domain.CompletionRequest) (*bedrockruntime.ConverseInput, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.Model),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens:   aws.Int32(int32(maxTokens)),
		Temperature: aws.Float32(float32(req.Temperature)),
	}

	if req.System != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: req.System},
		}
	}

	for i, m := range req.Messages {
		msg, err := toBedrockMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		input.Messages = append(input.Messages, msg)
	}

	if len(req.Tools) > 0 {
		cfg, err := toBedrockToolConfig(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = cfg
	}
	return input, nil
}

func toBedrockMessage(m domain.Message) (types.Message, error) {
	msg := types.Message{Role: types.ConversationRoleUser}
	if m.Role == domain.RoleAssistant {
		msg.Role = types.ConversationRoleAssistant
	}

	for _, b := range m.Content {
		switch v := b.(type) {
		case domain.TextBlock:
			if v.Text == "" {
				continue
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: v.Text})
		case domain.ToolUseBlock:
			inputDoc := map[string]any{}
			if len(v.Input) > 0 {
				if err := json.Unmarshal(v.Input, &inputDoc); err != nil {
					return msg, fmt.Errorf("tool_use %s input: %w", v.ID, err)
				}
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(v.ID),
				Name:      aws.String(v.Name),
				Input:     document.NewLazyDocument(inputDoc),
			}})
		case domain.ToolResultBlock:
			tr := types.ToolResultBlock{
				ToolUseId: aws.String(v.ToolUseID),
				Content: []types.ToolResultContentBlock{
					&types.ToolResultContentBlockMemberText{Value: v.Content},
				},
			}
			if v.IsError {
				tr.Status = types.ToolResultStatusError
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolResult{Value: tr})
		}
	}
	if len(msg.Content) == 0 {
		return msg, fmt.Errorf("no content")
	}
	return msg, nil
}

func toBedrockToolConfig(tools []domain.ToolDefinition) (*types.ToolConfiguration, error) {
	bedrockTools := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		schema := map[string]any{"type": "object"}
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
			}
		}
		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: bedrockTools}, nil
}

func fromBedrockUsage(u *types.TokenUsage) domain.TokenUsage {
	if u == nil {
		return domain.TokenUsage{}
	}
	return domain.TokenUsage{
		InputTokens:              int(aws.ToInt32(u.InputTokens)),
		OutputTokens:             int(aws.ToInt32(u.OutputTokens)),
		CacheCreationInputTokens: int(aws.ToInt32(u.CacheWriteInputTokens)),
		CacheReadInputTokens:     int(aws.ToInt32(u.CacheReadInputTokens)),
	}
}

func fromBedrockConverseOutput(output *bedrockruntime.ConverseOutput, model string) *domain.CompletionResult {
	result := &domain.CompletionResult{
		Model:      model,
		Usage:      fromBedrockUsage(output.Usage),
		StopReason: domain.StopReason(output.StopReason),
	}

	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				result.Content = append(result.Content, domain.TextBlock{Text: b.Value})
			case *types.ContentBlockMemberToolUse:
				result.Content = append(result.Content, domain.ToolUseBlock{
					ID:    aws.ToString(b.Value.ToolUseId),
					Name:  aws.ToString(b.Value.Name),
					Input: marshalDocument(b.Value.Input),
				})
			}
		}
	}
	return result
}

// marshalDocument converts a Bedrock document.Interface to json.RawMessage.
func marshalDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return json.RawMessage("{}")
	}
	return data
}

// bedrockStreamState turns Converse stream events into provider events.
// Bedrock sends no start event for text blocks, so one is synthesized on
// the first delta of an unseen index.
type bedrockStreamState struct {
	result  domain.CompletionResult
	started map[int]bool
}

func newBedrockStreamState(model string) *bedrockStreamState {
	return &bedrockStreamState{
		result:  domain.CompletionResult{Model: model},
		started: make(map[int]bool),
	}
}

func (s *bedrockStreamState) handle(evt types.ConverseStreamOutput) []domain.ProviderEvent {
	switch e := evt.(type) {
	case *types.ConverseStreamOutputMemberContentBlockStart:
		idx := int(aws.ToInt32(e.Value.ContentBlockIndex))
		start, ok := e.Value.Start.(*types.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		s.started[idx] = true
		return []domain.ProviderEvent{{
			Type:  domain.ProviderBlockStart,
			Index: idx,
			Block: domain.ToolUseBlock{ID: aws.ToString(start.Value.ToolUseId), Name: aws.ToString(start.Value.Name)},
		}}

	case *types.ConverseStreamOutputMemberContentBlockDelta:
		idx := int(aws.ToInt32(e.Value.ContentBlockIndex))
		var out []domain.ProviderEvent
		switch d := e.Value.Delta.(type) {
		case *types.ContentBlockDeltaMemberText:
			if !s.started[idx] {
				s.started[idx] = true
				out = append(out, domain.ProviderEvent{Type: domain.ProviderBlockStart, Index: idx, Block: domain.TextBlock{}})
			}
			out = append(out, domain.ProviderEvent{Type: domain.ProviderBlockDelta, Index: idx, Text: d.Value})
		case *types.ContentBlockDeltaMemberToolUse:
			if s.started[idx] {
				out = append(out, domain.ProviderEvent{Type: domain.ProviderBlockDelta, Index: idx, PartialJSON: aws.ToString(d.Value.Input)})
			}
		}
		return out

	case *types.ConverseStreamOutputMemberContentBlockStop:
		idx := int(aws.ToInt32(e.Value.ContentBlockIndex))
		if !s.started[idx] {
			return nil
		}
		return []domain.ProviderEvent{{Type: domain.ProviderBlockStop, Index: idx}}

	case *types.ConverseStreamOutputMemberMessageStop:
		s.result.StopReason = domain.StopReason(e.Value.StopReason)
		return nil

	case *types.ConverseStreamOutputMemberMetadata:
		s.result.Usage = fromBedrockUsage(e.Value.Usage)
		return nil

	default:
		return nil
	}
}

func (s *bedrockStreamState) finish() *domain.CompletionResult {
	result := s.result
	return &result
}

// --- Error mapping ---

func mapBedrockError(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return &domain.NetworkError{Provider: provider, Err: err}
	}

	msg := apiErr.ErrorMessage()
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
		return &domain.RateLimitError{Provider: provider, Message: msg}
	case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
		return &domain.AuthenticationError{Provider: provider, Message: msg}
	case "ServiceUnavailableException", "ModelNotReadyException":
		return &domain.ServerError{Provider: provider, StatusCode: http.StatusServiceUnavailable, Message: msg}
	case "InternalServerException", "ModelTimeoutException", "ModelStreamErrorException":
		return &domain.ServerError{Provider: provider, StatusCode: http.StatusInternalServerError, Message: msg}
	default:
		// ValidationException, ResourceNotFoundException, ModelErrorException, ...
		return &domain.BadRequestError{Provider: provider, Message: fmt.Sprintf("%s: %s", apiErr.ErrorCode(), msg)}
	}
}

var _ domain.CompletionClient = (*BedrockClient)(nil)
