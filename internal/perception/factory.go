// internal/perception/factory.go
package perception

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/config"
)

// NewModel creates the Model selected by configuration, rate limited when configured.
func NewModel(ctx context.Context, cfg config.PerceptionConfig, logger *zap.Logger) (Model, error) {
	var (
		model Model
		err   error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		model, err = NewGeminiModel(ctx, cfg, logger)
	case config.ProviderOpenAI:
		model, err = NewLangChainModel(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported perception provider configured: '%s'. Supported: [%s, %s]", cfg.Provider, config.ProviderGemini, config.ProviderOpenAI)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerSecond > 0 {
		model = NewRateLimited(model, cfg.RequestsPerSecond, cfg.Burst)
	}
	return model, nil
}

// NewGateway builds the oracle on top of the configured model.
func NewGateway(ctx context.Context, cfg config.PerceptionConfig, logger *zap.Logger) (*Oracle, error) {
	model, err := NewModel(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewOracle(model, cfg.MaxImageWidth, logger), nil
}
