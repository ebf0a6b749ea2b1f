package domain

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes a capability the model may invoke. The
// implementation is supplied per call by the caller.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolCallFunc executes one tool call. Its return value is serialized into
// the tool_result content; a returned error is reported to the model.
type ToolCallFunc func(ctx context.Context, name string, input json.RawMessage) (any, error)

// ToolExecutor is a catalogue of tools that can back a ToolCallFunc.
type ToolExecutor interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, input json.RawMessage) (any, error)
}
