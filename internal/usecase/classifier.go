package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"careloop-ai/internal/domain"
)

const (
	defaultClassifierTimeout = 500 * time.Millisecond
	classifierMaxTokens      = 10
)

const classifierPrompt = `You route messages for a caregiver and therapist assistant.
Classify the user's message into exactly one category:

SIMPLE_TOOL - a direct lookup or single action (log a session, fetch a goal, list symbols)
ANALYSIS - questions about progress, trends or data that need interpretation
PLANNING - requests to design plans, goals or multi-step strategies
CHITCHAT - greetings, thanks and small talk

Reply with the category name only.`

// Completer issues buffered completions. *ChatService implements it.
type Completer interface {
	Chat(ctx context.Context, req ChatRequest) (*domain.CompletionResult, error)
}

// ClassifyOutcome is the raw result of one classification attempt.
type ClassifyOutcome struct {
	Class          domain.MessageClass
	Usage          domain.TokenUsage
	FallbackReason string
}

// Classifier asks a fast model for a one-word message category. It never
// fails: any problem resolves to domain.FallbackClass.
type Classifier struct {
	chat    Completer
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClassifier creates a classifier that queries model with the given
// timeout (default 500ms).
func NewClassifier(chat Completer, model string, timeout time.Duration, logger *slog.Logger) *Classifier {
	if timeout <= 0 {
		timeout = defaultClassifierTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{chat: chat, model: model, timeout: timeout, logger: logger}
}

type classifyReply struct {
	result *domain.CompletionResult
	err    error
}

// Classify races the classifier call against the timeout. A reply arriving
// after the deadline is discarded along with its usage.
func (c *Classifier) Classify(ctx context.Context, text string) ClassifyOutcome {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	replies := make(chan classifyReply, 1)
	go func() {
		res, err := c.chat.Chat(callCtx, ChatRequest{
			Model:       c.model,
			System:      classifierPrompt,
			Messages:    []domain.Message{domain.NewTextMessage(domain.RoleUser, text)},
			MaxTokens:   classifierMaxTokens,
			Temperature: 0,
		})
		replies <- classifyReply{result: res, err: err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case r := <-replies:
		return c.parse(r)
	case <-timer.C:
		return c.fallback(domain.FallbackTimeout, nil)
	case <-ctx.Done():
		reason := domain.FallbackError
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = domain.FallbackTimeout
		}
		return c.fallback(reason, ctx.Err())
	}
}

func (c *Classifier) parse(r classifyReply) ClassifyOutcome {
	if r.err != nil {
		return c.fallback(domain.FallbackError, r.err)
	}

	raw := strings.TrimSpace(r.result.Text())
	if raw == "" {
		out := c.fallback(domain.FallbackEmpty, nil)
		out.Usage = r.result.Usage
		return out
	}
	class, ok := domain.ParseMessageClass(raw)
	if !ok {
		out := c.fallback(domain.FallbackUnrecognized, nil)
		out.Usage = r.result.Usage
		return out
	}
	return ClassifyOutcome{Class: class, Usage: r.result.Usage}
}

func (c *Classifier) fallback(reason string, err error) ClassifyOutcome {
	attrs := []any{"reason", reason, "class", domain.FallbackClass, "model", c.model}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	c.logger.Warn("classifier fallback", attrs...)
	return ClassifyOutcome{Class: domain.FallbackClass, FallbackReason: reason}
}
