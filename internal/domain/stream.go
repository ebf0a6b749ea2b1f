package domain

// ChatEventType identifies an event yielded by a chat stream.
type ChatEventType string

const (
	ChatEventText    ChatEventType = "text"
	ChatEventToolUse ChatEventType = "tool_use"
)

// ChatEvent is one consumer-facing streaming event. Text events carry a
// delta; tool_use events carry a fully parsed tool call.
type ChatEvent struct {
	Type    ChatEventType `json:"type"`
	Text    string        `json:"text,omitempty"`
	ToolUse *ToolUseBlock `json:"tool_use,omitempty"`
}

// LoopEventType identifies tool-loop activity relayed to observers.
type LoopEventType string

const (
	LoopEventIterationStart LoopEventType = "iteration_start"
	LoopEventText           LoopEventType = "text"
	LoopEventToolCall       LoopEventType = "tool_call"
	LoopEventToolResult     LoopEventType = "tool_result"
	LoopEventUsage          LoopEventType = "usage"
)

// LoopEvent is emitted by the tool loop for each notable step.
type LoopEvent struct {
	Type       LoopEventType
	Iteration  int
	Text       string
	ToolUse    *ToolUseBlock
	ToolResult *ToolResultBlock
	Usage      TokenUsage
}
