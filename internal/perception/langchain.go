// internal/perception/langchain.go
package perception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/config"
)

// LangChainModel implements Model against any OpenAI-compatible vision endpoint.
type LangChainModel struct {
	llm         llms.Model
	temperature float64
	maxElapsed  time.Duration
	logger      *zap.Logger
}

// NewLangChainModel builds an OpenAI-compatible client from configuration.
func NewLangChainModel(cfg config.PerceptionConfig, logger *zap.Logger) (*LangChainModel, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai provider requires perception.api_key")
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	return newLangChainModel(llm, cfg, logger), nil
}

func newLangChainModel(llm llms.Model, cfg config.PerceptionConfig, logger *zap.Logger) *LangChainModel {
	return &LangChainModel{
		llm:         llm,
		temperature: float64(cfg.Temperature),
		maxElapsed:  cfg.MaxRetryElapsed,
		logger:      logger.Named("perception.langchain"),
	}
}

// Generate implements Model. Responses are requested in JSON mode.
func (m *LangChainModel) Generate(ctx context.Context, prompt string, media ...Media) (string, error) {
	parts := make([]llms.ContentPart, 0, len(media)+1)
	for _, md := range media {
		parts = append(parts, llms.BinaryPart(md.MIMEType, md.Data))
	}
	parts = append(parts, llms.TextPart(prompt))
	messages := []llms.MessageContent{{Role: llms.ChatMessageTypeHuman, Parts: parts}}

	var text string
	operation := func() error {
		resp, err := m.llm.GenerateContent(ctx, messages,
			llms.WithTemperature(m.temperature),
			llms.WithJSONMode(),
		)
		if err != nil {
			return m.classify(ctx, err)
		}
		if resp == nil || len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("openai API returned no choices"))
		}
		text = strings.TrimSpace(resp.Choices[0].Content)
		if text == "" {
			return fmt.Errorf("openai API returned empty content (Reason: %s)", resp.Choices[0].StopReason)
		}
		return nil
	}

	if err := retry(ctx, m.logger, m.maxElapsed, operation); err != nil {
		return "", err
	}
	return text, nil
}

var openAIErrors = llms.NewErrorMapper("openai")

// classify retries rate limiting, server and network errors. Client errors
// such as a rejected key or a malformed request fail immediately.
func (m *LangChainModel) classify(ctx context.Context, err error) error {
	wrapped := fmt.Errorf("openai request failed: %w", err)
	if canceled(ctx, err) {
		return backoff.Permanent(wrapped)
	}
	var mapped *llms.Error
	if !errors.As(openAIErrors.WrapError(err), &mapped) {
		return wrapped
	}
	switch mapped.Code {
	case llms.ErrCodeAuthentication, llms.ErrCodeInvalidRequest, llms.ErrCodeResourceNotFound,
		llms.ErrCodeQuotaExceeded, llms.ErrCodeContentFilter, llms.ErrCodeTokenLimit, llms.ErrCodeNotImplemented:
		m.logger.Error("OpenAI rejected the request", zap.String("code", string(mapped.Code)), zap.Error(err))
		return backoff.Permanent(wrapped)
	default:
		m.logger.Warn("OpenAI request failed", zap.String("code", string(mapped.Code)), zap.Error(err))
		return wrapped
	}
}
