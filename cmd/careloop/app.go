package main

import (
	"context"
	"fmt"
	"log/slog"

	"careloop-ai/internal/adapter/llm"
	"careloop-ai/internal/adapter/tool"
	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
	"careloop-ai/internal/infra/logger"
	"careloop-ai/internal/usecase"
)

// app holds the wired services shared by every command.
type app struct {
	assistant *usecase.Assistant
	tools     *tool.Registry
	bridge    *tool.MCPBridge
	logger    *slog.Logger
}

// Close releases MCP server connections.
func (a *app) Close() {
	if a.bridge != nil {
		a.bridge.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	client, err := initLLM(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return assemble(ctx, cfg, client, log)
}

// assemble wires the use cases around an already built completion client.
func assemble(ctx context.Context, cfg *config.Config, client domain.CompletionClient, log *slog.Logger) (*app, error) {
	chat := usecase.NewChatService(usecase.ChatDeps{
		Client:      client,
		Retry:       usecase.NewRetryPolicy(cfg.Retry, logger.Component(log, "retry")),
		Logger:      logger.Component(log, "chat"),
		MaxTokens:   cfg.Agent.MaxTokens,
		MaxParallel: cfg.Agent.MaxParallel,
	})

	pricing, err := usecase.PricingFromConfig(cfg.Router.Pricing)
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}
	router, err := usecase.NewRouterService(usecase.RouterDeps{
		Chat:              chat,
		Models:            usecase.ModelsFromConfig(cfg.Router.Models),
		Pricing:           pricing,
		ClassifierTimeout: cfg.Router.ClassifierTimeout,
		Logger:            logger.Component(log, "router"),
	})
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	a := &app{tools: tool.NewRegistry(logger.Component(log, "tools")), logger: log}
	if len(cfg.Tools.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.Tools.MCPServers, logger.Component(log, "mcp"))
		if err != nil {
			return nil, fmt.Errorf("mcp: %w", err)
		}
		a.bridge = bridge
		if err := a.tools.Register(bridge.Tools()...); err != nil {
			bridge.Close()
			return nil, fmt.Errorf("mcp: %w", err)
		}
	}

	var executor domain.ToolExecutor
	if a.tools.Len() > 0 {
		executor = a.tools
	}
	a.assistant = usecase.NewAssistant(usecase.AssistantDeps{
		Router:        router,
		Chat:          chat,
		Tools:         executor,
		Logger:        logger.Component(log, "assistant"),
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxTokens:     cfg.Agent.MaxTokens,
		Temperature:   cfg.Agent.Temperature,
		MaxIterations: cfg.Agent.MaxIterations,
		ParallelTools: cfg.Agent.ParallelTools,
		Timeout:       cfg.Agent.Timeout,
	})
	return a, nil
}

// initLLM builds the configured completion client, wrapped in a circuit
// breaker when enabled.
func initLLM(ctx context.Context, cfg *config.Config, log *slog.Logger) (domain.CompletionClient, error) {
	pc := cfg.LLM.Provider
	llmLog := logger.Component(log, "llm")

	var client domain.CompletionClient
	switch pc.Type {
	case "anthropic":
		client = llm.NewAnthropicClient(pc, llmLog)
	case "bedrock":
		bc, err := createBedrockClient(ctx, pc, llmLog)
		if err != nil {
			return nil, err
		}
		client = bc
	default:
		return nil, fmt.Errorf("unsupported provider type %q", pc.Type)
	}

	if cb := cfg.LLM.CircuitBreaker; cb.Enabled {
		client = llm.NewCircuitBreakerClient(client, cb, llmLog)
		log.Info("llm circuit breaker enabled",
			"max_failures", cb.MaxFailures,
			"timeout", cb.Timeout,
			"interval", cb.Interval,
		)
	}
	return client, nil
}
