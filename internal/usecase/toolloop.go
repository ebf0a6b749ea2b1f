package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/tracer"
)

// Tool loop defaults.
const (
	defaultMaxIterations = 10
	defaultMaxParallel   = 4
)

// ToolLoopRequest configures one agentic tool loop.
type ToolLoopRequest struct {
	ChatRequest

	// ExecuteToolCall runs a tool requested by the model. Required.
	ExecuteToolCall domain.ToolCallFunc
	// MaxIterations bounds the number of tool-execution rounds (default 10).
	MaxIterations int
	// Parallel executes the tool calls of one turn concurrently.
	Parallel bool
	// OnEvent observes loop activity. Calls are serialized.
	OnEvent func(domain.LoopEvent)
}

// ExecuteToolLoop streams model turns and executes the tools they request
// until the model ends its turn. Tool failures are reported back to the
// model as error results. After MaxIterations rounds of tool execution a
// further request fails with *domain.ToolLoopExceededError.
func (s *ChatService) ExecuteToolLoop(ctx context.Context, req ToolLoopRequest) (*domain.ToolLoopResult, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.tool_loop",
		trace.WithAttributes(
			tracer.StringAttr("llm.model", req.Model),
			tracer.IntAttr("tools.count", len(req.Tools)),
		),
	)
	defer span.End()

	if req.ExecuteToolCall == nil {
		err := domain.NewDomainError("ChatService.ExecuteToolLoop", domain.ErrInvalidInput, "ExecuteToolCall is required")
		tracer.RecordError(span, err)
		return nil, err
	}
	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	messages := slices.Clone(req.Messages)
	if err := domain.ValidateConversation(messages); err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var emitMu sync.Mutex
	emit := func(evt domain.LoopEvent) {
		if req.OnEvent == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		req.OnEvent(evt)
	}

	var usage domain.TokenUsage
	executions := 0
	for iteration := 1; ; iteration++ {
		if err := ctx.Err(); err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		if executions >= maxIter {
			err := &domain.ToolLoopExceededError{MaxIterations: maxIter}
			s.deps.Logger.Warn("tool loop exceeded max iterations", "max_iterations", maxIter, "model", req.Model)
			tracer.RecordError(span, err)
			return nil, err
		}

		span.AddEvent("chat.iteration", trace.WithAttributes(tracer.IntAttr("iteration", iteration)))
		emit(domain.LoopEvent{Type: domain.LoopEventIterationStart, Iteration: iteration})

		result, err := s.streamTurn(ctx, req.ChatRequest, messages, iteration, emit)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		usage = usage.Add(result.Usage)
		emit(domain.LoopEvent{Type: domain.LoopEventUsage, Iteration: iteration, Usage: result.Usage})
		messages = append(messages, result.Message())

		uses := result.ToolUses()
		s.deps.Logger.Debug("tool loop turn",
			"iteration", iteration,
			"stop_reason", result.StopReason,
			"tool_calls", len(uses),
			"output_tokens", result.Usage.OutputTokens,
		)

		if result.StopReason != domain.StopToolUse || len(uses) == 0 {
			span.SetAttributes(tracer.IntAttr("iterations", iteration))
			tracer.SetOK(span)
			return &domain.ToolLoopResult{Messages: messages, Iterations: iteration, Usage: usage}, nil
		}

		results, err := s.executeTools(ctx, req, uses, iteration, emit)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, err
		}
		executions++
		messages = append(messages, domain.Message{Role: domain.RoleUser, Content: results})
	}
}

// streamTurn runs one streamed model turn and relays its events.
func (s *ChatService) streamTurn(ctx context.Context, base ChatRequest, messages []domain.Message, iteration int, emit func(domain.LoopEvent)) (*domain.CompletionResult, error) {
	turn := base
	turn.Messages = messages

	stream, err := s.StreamChat(ctx, turn)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	for evt, err := range stream.Events() {
		if err != nil {
			return nil, err
		}
		switch evt.Type {
		case domain.ChatEventText:
			emit(domain.LoopEvent{Type: domain.LoopEventText, Iteration: iteration, Text: evt.Text})
		case domain.ChatEventToolUse:
			emit(domain.LoopEvent{Type: domain.LoopEventToolCall, Iteration: iteration, ToolUse: evt.ToolUse})
		}
	}

	result := stream.Result()
	if result == nil {
		return nil, fmt.Errorf("stream ended without a result: %w", domain.ErrNetwork)
	}
	return result, nil
}

// executeTools runs every tool call of a turn and returns the results in
// call order.
func (s *ChatService) executeTools(ctx context.Context, req ToolLoopRequest, uses []domain.ToolUseBlock, iteration int, emit func(domain.LoopEvent)) ([]domain.ContentBlock, error) {
	results := make([]domain.ContentBlock, len(uses))

	run := func(ctx context.Context, i int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		tr, err := s.executeTool(ctx, req, uses[i])
		if err != nil {
			return err
		}
		results[i] = tr
		emit(domain.LoopEvent{Type: domain.LoopEventToolResult, Iteration: iteration, ToolUse: &uses[i], ToolResult: &tr})
		return nil
	}

	if !req.Parallel || len(uses) == 1 {
		for i := range uses {
			if err := run(ctx, i); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.deps.MaxParallel)
	for i := range uses {
		g.Go(func() error { return run(gctx, i) })
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// executeTool validates and runs one tool call. Callback and validation
// failures become error results; only cancellation is returned as an error.
func (s *ChatService) executeTool(ctx context.Context, req ToolLoopRequest, tu domain.ToolUseBlock) (domain.ToolResultBlock, error) {
	ctx, span := tracer.StartSpan(ctx, "chat.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", tu.Name)),
	)
	defer span.End()

	fail := func(err error) domain.ToolResultBlock {
		terr := &domain.ToolExecutionError{Tool: tu.Name, Err: err}
		tracer.RecordError(span, terr)
		s.deps.Logger.Warn("tool execution failed", "tool", tu.Name, "tool_use_id", tu.ID, "error", err)
		return domain.ToolResultBlock{ToolUseID: tu.ID, Content: terr.Error(), IsError: true}
	}

	if idx := slices.IndexFunc(req.Tools, func(d domain.ToolDefinition) bool { return d.Name == tu.Name }); idx >= 0 {
		if err := s.deps.Validator.ValidateInput(req.Tools[idx], tu.Input); err != nil {
			return fail(err), nil
		}
	}

	out, err := req.ExecuteToolCall(ctx, tu.Name, tu.Input)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			tracer.RecordError(span, ctxErr)
			return domain.ToolResultBlock{}, ctxErr
		}
		return fail(err), nil
	}

	content, err := formatToolOutput(out)
	if err != nil {
		return fail(err), nil
	}
	tracer.SetOK(span)
	return domain.ToolResultBlock{ToolUseID: tu.ID, Content: content}, nil
}

// formatToolOutput serializes a tool's return value as text. Strings pass
// through unchanged; everything else is JSON-encoded.
func formatToolOutput(out any) (string, error) {
	switch v := out.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(data), nil
}
