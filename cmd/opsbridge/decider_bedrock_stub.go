//go:build !bedrock

package main

import (
	"fmt"
	"log/slog"

	"opsbridge/internal/domain"
	"opsbridge/internal/infra/config"
)

func createBedrockDecider(_ config.DeciderConfig, _ *slog.Logger) (domain.Decider, error) {
	return nil, fmt.Errorf("bedrock decider requires build with -tags bedrock")
}
