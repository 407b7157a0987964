// Package analysis turns scan findings into an LLM-written mitigation report and keeps a record of each run.
package analysis

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/dvrs/internal/config"
)

// Generation is one completed LLM response.
type Generation struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	// Duration is the backend-reported processing time in nanoseconds, when available.
	Duration int64
}

// LLMClient generates text for a prompt.
type LLMClient interface {
	Generate(ctx context.Context, prompt string) (*Generation, error)
	Model() string
}

// NewClient creates the LLMClient selected by cfg.Provider.
func NewClient(ctx context.Context, cfg config.AnalysisConfig, logger *zap.Logger) (LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(cfg, logger), nil
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]", cfg.Provider, config.ProviderOllama, config.ProviderGemini)
	}
}
