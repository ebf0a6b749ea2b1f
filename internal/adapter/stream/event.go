// Package stream implements the newline-delimited JSON wire protocol that
// relays chat activity to HTTP and WebSocket clients.
package stream

import (
	"encoding/json"
	"fmt"

	"careloop-ai/internal/domain"
)

// ContentType is the media type of an encoded event stream.
const ContentType = "application/x-ndjson"

// EventType discriminates wire events.
type EventType string

const (
	EventMessageStart  EventType = "message_start"
	EventContentDelta  EventType = "content_delta"
	EventToolCallStart EventType = "tool_call_start"
	EventToolResult    EventType = "tool_result"
	EventMessageEnd    EventType = "message_end"
	EventError         EventType = "error"
)

func (t EventType) valid() bool {
	switch t {
	case EventMessageStart, EventContentDelta, EventToolCallStart,
		EventToolResult, EventMessageEnd, EventError:
		return true
	}
	return false
}

// Usage is the wire form of domain.TokenUsage.
type Usage struct {
	InputTokens              int `json:"inputTokens"`
	OutputTokens             int `json:"outputTokens"`
	CacheCreationInputTokens int `json:"cacheCreationInputTokens,omitempty"`
	CacheReadInputTokens     int `json:"cacheReadInputTokens,omitempty"`
}

// UsageFrom converts domain usage to its wire form.
func UsageFrom(u domain.TokenUsage) *Usage {
	return &Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
		CacheReadInputTokens:     u.CacheReadInputTokens,
	}
}

// Event is one line of the wire protocol. Only the fields of its Type are
// set.
type Event struct {
	Type EventType `json:"type"`

	// message_start
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Role           string `json:"role,omitempty"`
	Model          string `json:"model,omitempty"`

	// content_delta
	Delta string `json:"delta,omitempty"`

	// tool_call_start, tool_result
	ToolCallID string          `json:"toolCallId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// message_end
	TokenUsage *Usage `json:"tokenUsage,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// MessageStart opens an assistant message.
func MessageStart(id, conversationID, model string) Event {
	return Event{Type: EventMessageStart, ID: id, ConversationID: conversationID, Role: string(domain.RoleAssistant), Model: model}
}

// ContentDelta carries a text fragment.
func ContentDelta(delta string) Event {
	return Event{Type: EventContentDelta, Delta: delta}
}

// ToolCallStart announces a tool call with its complete arguments.
func ToolCallStart(tu domain.ToolUseBlock) Event {
	return Event{Type: EventToolCallStart, ToolCallID: tu.ID, Name: tu.Name, Arguments: tu.Input}
}

// ToolResult carries the output of a tool call.
func ToolResult(tr domain.ToolResultBlock) Event {
	return Event{Type: EventToolResult, ToolCallID: tr.ToolUseID, Result: tr.Content, IsError: tr.IsError}
}

// MessageEnd closes the message with its token usage.
func MessageEnd(usage domain.TokenUsage) Event {
	return Event{Type: EventMessageEnd, TokenUsage: UsageFrom(usage)}
}

// Error reports a failure to the client.
func Error(message string) Event {
	return Event{Type: EventError, Message: message}
}

func unknownTypeError(op string, t EventType) error {
	return domain.NewSubSystemError("stream", op, domain.ErrInvalidInput, fmt.Sprintf("unknown event type %q", t))
}
