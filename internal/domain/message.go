package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role is the author of a conversation message.
type Role string

// Role constants for message roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Block type discriminators used on the wire.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// ContentBlock is one unit of message content. The set of implementations is
// closed: TextBlock, ToolUseBlock and ToolResultBlock.
type ContentBlock interface {
	BlockType() string
	contentBlock()
}

// TextBlock is plain text produced by the user or the model.
type TextBlock struct {
	Text string `json:"text"`
}

// ToolUseBlock is a model request to invoke a tool.
type ToolUseBlock struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResultBlock carries the outcome of a tool invocation back to the model.
type ToolResultBlock struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

func (TextBlock) BlockType() string       { return BlockTypeText }
func (ToolUseBlock) BlockType() string    { return BlockTypeToolUse }
func (ToolResultBlock) BlockType() string { return BlockTypeToolResult }

func (TextBlock) contentBlock()       {}
func (ToolUseBlock) contentBlock()    {}
func (ToolResultBlock) contentBlock() {}

// Message is a single conversation turn.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// NewTextMessage builds a message holding a single text block.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock{Text: text}}}
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	return joinText(m.Content)
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ToolUseBlock {
	return collectToolUses(m.Content)
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// MarshalJSON encodes blocks with their type discriminator.
func (m Message) MarshalJSON() ([]byte, error) {
	blocks, err := EncodeBlocks(m.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}{Role: m.Role, Content: blocks})
}

// UnmarshalJSON decodes the discriminated block list.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	blocks, err := DecodeBlocks(raw.Content)
	if err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = blocks
	return nil
}

// EncodeBlocks marshals each block with its "type" field.
func EncodeBlocks(blocks []ContentBlock) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(blocks))
	for _, b := range blocks {
		var w wireBlock
		switch v := b.(type) {
		case TextBlock:
			w = wireBlock{Type: BlockTypeText, Text: v.Text}
		case ToolUseBlock:
			input := v.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			w = wireBlock{Type: BlockTypeToolUse, ID: v.ID, Name: v.Name, Input: input}
		case ToolResultBlock:
			w = wireBlock{Type: BlockTypeToolResult, ToolUseID: v.ToolUseID, Content: v.Content, IsError: v.IsError}
		default:
			return nil, fmt.Errorf("encode block: unsupported type %T", b)
		}
		data, err := json.Marshal(w)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// DecodeBlocks parses discriminated blocks. Unknown block types are rejected.
func DecodeBlocks(raw []json.RawMessage) ([]ContentBlock, error) {
	out := make([]ContentBlock, 0, len(raw))
	for i, r := range raw {
		var w wireBlock
		if err := json.Unmarshal(r, &w); err != nil {
			return nil, fmt.Errorf("decode block %d: %w", i, err)
		}
		switch w.Type {
		case BlockTypeText:
			out = append(out, TextBlock{Text: w.Text})
		case BlockTypeToolUse:
			out = append(out, ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input})
		case BlockTypeToolResult:
			out = append(out, ToolResultBlock{ToolUseID: w.ToolUseID, Content: w.Content, IsError: w.IsError})
		default:
			return nil, NewDomainError("DecodeBlocks", ErrInvalidInput,
				fmt.Sprintf("block %d: unknown type %q", i, w.Type))
		}
	}
	return out, nil
}

// ValidateConversation checks that every tool_result references a tool_use
// emitted earlier in the conversation.
func ValidateConversation(msgs []Message) error {
	seen := make(map[string]struct{})
	for i, m := range msgs {
		for _, b := range m.Content {
			switch v := b.(type) {
			case ToolUseBlock:
				seen[v.ID] = struct{}{}
			case ToolResultBlock:
				if _, ok := seen[v.ToolUseID]; !ok {
					return NewDomainError("ValidateConversation", ErrInvalidInput,
						fmt.Sprintf("message %d: tool_result references unknown tool_use %q", i, v.ToolUseID))
				}
			case TextBlock:
			}
		}
	}
	return nil
}

func joinText(blocks []ContentBlock) string {
	var sb strings.Builder
	for _, b := range blocks {
		if t, ok := b.(TextBlock); ok {
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

func collectToolUses(blocks []ContentBlock) []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}
