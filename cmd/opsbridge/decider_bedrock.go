//go:build bedrock

package main

import (
	"log/slog"

	"opsbridge/internal/adapter/decider"
	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

func createBedrockDecider(cfg config.DeciderConfig, log *slog.Logger) (domain.Decider, error) {
	return decider.NewBedrockDecider(cfg, log)
}
