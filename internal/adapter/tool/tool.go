package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/tracer"
)

// Tool is a named capability that can be offered to the model and executed
// on its behalf.
type Tool interface {
	Definition() domain.ToolDefinition
	Execute(ctx context.Context, input json.RawMessage) (any, error)
}

// funcTool adapts a typed handler to Tool.
type funcTool[P any] struct {
	def     domain.ToolDefinition
	logger  *slog.Logger
	handler func(ctx context.Context, p P) (any, error)
}

// NewFunc creates a tool whose input is decoded into P before handler runs.
//
// Usage:
//
//	goals := tool.NewFunc("get_goals", "List a child's goals", goalsSchema, logger,
//	    func(ctx context.Context, p goalsParams) (any, error) {
//	        return store.Goals(ctx, p.ChildID)
//	    })
func NewFunc[P any](name, description string, schema json.RawMessage, logger *slog.Logger, handler func(ctx context.Context, p P) (any, error)) Tool {
	if logger == nil {
		logger = slog.Default()
	}
	return &funcTool[P]{
		def:     domain.ToolDefinition{Name: name, Description: description, InputSchema: schema},
		logger:  logger,
		handler: handler,
	}
}

func (f *funcTool[P]) Definition() domain.ToolDefinition { return f.def }

// Execute decodes input, runs the handler inside a span and logs failures.
func (f *funcTool[P]) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	ctx, span := tracer.StartSpan(ctx, "tool."+f.def.Name,
		trace.WithAttributes(tracer.StringAttr("tool.name", f.def.Name)),
	)
	defer span.End()

	p, err := ParseParams[P](input)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	out, err := f.handler(ctx, p)
	if err != nil {
		tracer.RecordError(span, err)
		f.logger.Warn("tool."+f.def.Name+" failed", "error", err)
		return nil, err
	}
	tracer.SetOK(span)
	return out, nil
}

// ParseParams unmarshals input into P. Empty input decodes as the zero value.
func ParseParams[P any](input json.RawMessage) (P, error) {
	var p P
	if len(input) == 0 || string(input) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(input, &p); err != nil {
		return p, fmt.Errorf("invalid params: %w", err)
	}
	return p, nil
}
