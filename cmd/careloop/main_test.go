package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careloop-ai/internal/adapter/stream"
	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
	"careloop-ai/internal/infra/logger"
	"careloop-ai/internal/usecase"
)

// echoClient classifies every message as CHITCHAT and answers "Hello!".
type echoClient struct{}

func (echoClient) Name() string { return "echo" }

func (echoClient) Complete(_ context.Context, req domain.CompletionRequest) (*domain.CompletionResult, error) {
	return &domain.CompletionResult{
		Model:      req.Model,
		Content:    []domain.ContentBlock{domain.TextBlock{Text: "CHITCHAT"}},
		Usage:      domain.TokenUsage{InputTokens: 50, OutputTokens: 1},
		StopReason: domain.StopEndTurn,
	}, nil
}

func (echoClient) StreamComplete(_ context.Context, req domain.CompletionRequest) (<-chan domain.ProviderEvent, error) {
	ch := make(chan domain.ProviderEvent, 4)
	ch <- domain.ProviderEvent{Type: domain.ProviderBlockStart, Index: 0, Block: domain.TextBlock{}}
	ch <- domain.ProviderEvent{Type: domain.ProviderBlockDelta, Index: 0, Text: "Hello!"}
	ch <- domain.ProviderEvent{Type: domain.ProviderBlockStop, Index: 0}
	ch <- domain.ProviderEvent{Type: domain.ProviderMessageComplete, Result: &domain.CompletionResult{
		Model:      req.Model,
		Usage:      domain.TokenUsage{InputTokens: 10, OutputTokens: 3},
		StopReason: domain.StopEndTurn,
	}}
	close(ch)
	return ch, nil
}

func TestParseChatArgs(t *testing.T) {
	opts, err := parseChatArgs([]string{"--tier", "reasoning", "--tools", "plan", "next", "week"})
	require.NoError(t, err)
	assert.Equal(t, domain.TierReasoning, opts.tier)
	assert.True(t, opts.tools)
	assert.Equal(t, "plan next week", opts.text)

	_, err = parseChatArgs([]string{"--tier", "turbo", "hi"})
	assert.ErrorContains(t, err, "unknown tier")

	_, err = parseChatArgs([]string{"--tools"})
	assert.ErrorContains(t, err, "message is required")
}

func TestConfigPath(t *testing.T) {
	t.Setenv("CARELOOP_CONFIG", "")
	assert.Equal(t, "config.yaml", configPath(""))
	assert.Equal(t, "/x.yaml", configPath("/x.yaml"))

	t.Setenv("CARELOOP_CONFIG", "/etc/careloop.yaml")
	assert.Equal(t, "/etc/careloop.yaml", configPath(""))
}

func TestInitLLM(t *testing.T) {
	cfg := config.Defaults()
	cfg.LLM.Provider.APIKey = "test-key"

	client, err := initLLM(context.Background(), cfg, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", client.Name())

	cfg.LLM.Provider.Type = "openai"
	_, err = initLLM(context.Background(), cfg, logger.Discard())
	assert.ErrorContains(t, err, "unsupported provider")
}

func TestAssembleRoutesAndAnswers(t *testing.T) {
	cfg := config.Defaults()
	a, err := assemble(context.Background(), cfg, echoClient{}, logger.Discard())
	require.NoError(t, err)
	defer a.Close()

	route := a.assistant.Route(context.Background(), "hi there")
	assert.Equal(t, domain.ClassChitchat, route.Classification.MessageClass)
	assert.Equal(t, domain.TierFast, route.ModelSelection.Model)

	res, err := a.assistant.Respond(context.Background(), usecase.TurnRequest{Message: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", res.Reply)
	assert.Equal(t, cfg.Router.Models.Fast, res.Model)
}

func TestAssembleRejectsBadPricing(t *testing.T) {
	cfg := config.Defaults()
	cfg.Router.Pricing = map[string]config.PriceConfig{"fast": {Input: 10, Output: 1}}
	_, err := assemble(context.Background(), cfg, echoClient{}, logger.Discard())
	assert.ErrorContains(t, err, "router")
}

func TestChatNDJSON(t *testing.T) {
	a, err := assemble(context.Background(), config.Defaults(), echoClient{}, logger.Discard())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, chatNDJSON(context.Background(), a.assistant, usecase.TurnRequest{Message: "hi"}, &out))

	var types []stream.EventType
	for evt, err := range stream.NewDecoder(&out).Events() {
		require.NoError(t, err)
		types = append(types, evt.Type)
	}
	assert.Equal(t, []stream.EventType{stream.EventMessageStart, stream.EventContentDelta, stream.EventMessageEnd}, types)
}

func TestRenderMarkdown(t *testing.T) {
	out := renderMarkdown("**Sam** is on track.", 80)
	assert.True(t, strings.Contains(out, "Sam"))
}
