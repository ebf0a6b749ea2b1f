package stream

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"careloop-ai/internal/domain"
)

// Relay maps chat and tool-loop activity of one assistant message onto wire
// events. After the first write failure every later call is a no-op that
// returns the same error.
type Relay struct {
	enc            *Encoder
	messageID      string
	conversationID string
	model          string

	mu  sync.Mutex
	err error
}

// NewRelay creates a relay for one message. An empty conversationID is
// replaced with a fresh ULID.
func NewRelay(enc *Encoder, conversationID, model string) *Relay {
	if conversationID == "" {
		conversationID = ulid.Make().String()
	}
	return &Relay{
		enc:            enc,
		messageID:      ulid.Make().String(),
		conversationID: conversationID,
		model:          model,
	}
}

// MessageID returns the id sent in message_start.
func (r *Relay) MessageID() string { return r.messageID }

// ConversationID returns the conversation id sent in message_start.
func (r *Relay) ConversationID() string { return r.conversationID }

// Start writes message_start.
func (r *Relay) Start() error {
	return r.send(MessageStart(r.messageID, r.conversationID, r.model))
}

// Chat relays one ChatStream event.
func (r *Relay) Chat(evt domain.ChatEvent) error {
	switch evt.Type {
	case domain.ChatEventText:
		return r.send(ContentDelta(evt.Text))
	case domain.ChatEventToolUse:
		if evt.ToolUse != nil {
			return r.send(ToolCallStart(*evt.ToolUse))
		}
	}
	return r.Err()
}

// Loop relays one tool-loop event. Iteration and usage events have no wire
// form. Its signature fits ToolLoopRequest.OnEvent; check Err afterwards.
func (r *Relay) Loop(evt domain.LoopEvent) {
	switch evt.Type {
	case domain.LoopEventText:
		r.send(ContentDelta(evt.Text))
	case domain.LoopEventToolCall:
		if evt.ToolUse != nil {
			r.send(ToolCallStart(*evt.ToolUse))
		}
	case domain.LoopEventToolResult:
		if evt.ToolResult != nil {
			r.send(ToolResult(*evt.ToolResult))
		}
	}
}

// End writes message_end with the message's total usage.
func (r *Relay) End(usage domain.TokenUsage) error {
	return r.send(MessageEnd(usage))
}

// Fail writes an error event.
func (r *Relay) Fail(err error) error {
	return r.send(Error(err.Error()))
}

// Err returns the first write error.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Relay) send(evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if err := r.enc.Encode(evt); err != nil {
		r.err = err
	}
	return r.err
}
