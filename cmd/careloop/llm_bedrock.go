//go:build bedrock

package main

import (
	"context"
	"log/slog"

	"careloop-ai/internal/adapter/llm"
	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
)

func createBedrockClient(ctx context.Context, pc config.ProviderConfig, log *slog.Logger) (domain.CompletionClient, error) {
	return llm.NewBedrockClient(ctx, pc, log)
}
