package usecase

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"careloop-ai/internal/domain"
)

// ToolInputValidator checks a tool call's input before it is executed.
type ToolInputValidator interface {
	ValidateInput(def domain.ToolDefinition, input json.RawMessage) error
}

// SchemaValidator validates tool input against the tool's JSON Schema.
// Compiled schemas are cached by their source text.
type SchemaValidator struct {
	mu       sync.Mutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

// NewSchemaValidator creates a validator with an empty schema cache.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		compiler: jsonschema.NewCompiler(),
		cache:    make(map[string]*jsonschema.Schema),
	}
}

// ValidateInput implements ToolInputValidator. Tools without a schema accept
// any JSON object.
func (v *SchemaValidator) ValidateInput(def domain.ToolDefinition, input json.RawMessage) error {
	var data any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &data); err != nil {
			return domain.NewSubSystemError("tool", "ValidateInput", domain.ErrInvalidInput,
				fmt.Sprintf("%s: invalid JSON: %v", def.Name, err))
		}
	}
	if len(def.InputSchema) == 0 || string(def.InputSchema) == "null" {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}

	schema, err := v.compile(def.InputSchema)
	if err != nil {
		// Uncompilable schemas are not enforced.
		return nil
	}

	result := schema.Validate(data)
	if !result.IsValid() {
		return domain.NewSubSystemError("tool", "ValidateInput", domain.ErrInvalidInput,
			fmt.Sprintf("%s: %s", def.Name, result.Error()))
	}
	return nil
}

func (v *SchemaValidator) compile(raw json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := string(raw)
	if s, ok := v.cache[key]; ok {
		return s, nil
	}
	s, err := v.compiler.Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	v.cache[key] = s
	return s, nil
}
