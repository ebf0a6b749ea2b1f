//go:build !bedrock

package main

import (
	"context"
	"fmt"
	"log/slog"

	"careloop-ai/internal/domain"
	"careloop-ai/internal/infra/config"
)

func createBedrockClient(_ context.Context, _ config.ProviderConfig, _ *slog.Logger) (domain.CompletionClient, error) {
	return nil, fmt.Errorf("bedrock provider requires build with -tags bedrock")
}
