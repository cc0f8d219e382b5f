// internal/perception/gemini.go
package perception

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/Manoj7ar/Users/internal/config"
)

// contentGenerator is the slice of *genai.Models the adapter uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiModel implements Model with the Google Gen AI SDK, against either the
// Gemini API (API key) or Vertex AI (application default credentials).
type GeminiModel struct {
	models      contentGenerator
	model       string
	temperature float32
	jsonOutput  bool
	maxElapsed  time.Duration
	logger      *zap.Logger
}

// GeminiOption customizes a GeminiModel.
type GeminiOption func(*GeminiModel)

// WithPlainText disables the JSON response MIME type.
func WithPlainText() GeminiOption {
	return func(m *GeminiModel) { m.jsonOutput = false }
}

// WithModelName overrides the configured model name.
func WithModelName(name string) GeminiOption {
	return func(m *GeminiModel) {
		if name != "" {
			m.model = name
		}
	}
}

// NewGeminiModel initializes the client. Without an API key the Vertex AI backend is used.
func NewGeminiModel(ctx context.Context, cfg config.PerceptionConfig, logger *zap.Logger, opts ...GeminiOption) (*GeminiModel, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.APIKey == "" {
		if cfg.Project == "" {
			return nil, fmt.Errorf("gemini requires perception.api_key or perception.project (GEMINI_API_KEY / GOOGLE_CLOUD_PROJECT)")
		}
		clientCfg.Backend = genai.BackendVertexAI
		clientCfg.Project = cfg.Project
		clientCfg.Location = cfg.Location
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newGeminiModel(client.Models, cfg, logger, opts...), nil
}

func newGeminiModel(models contentGenerator, cfg config.PerceptionConfig, logger *zap.Logger, opts ...GeminiOption) *GeminiModel {
	m := &GeminiModel{
		models:      models,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		jsonOutput:  true,
		maxElapsed:  cfg.MaxRetryElapsed,
		logger:      logger.Named("perception.gemini"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Generate sends the prompt and attachments and returns the response text, retrying transient failures.
func (m *GeminiModel) Generate(ctx context.Context, prompt string, media ...Media) (string, error) {
	parts := make([]*genai.Part, 0, len(media)+1)
	for _, md := range media {
		parts = append(parts, genai.NewPartFromBytes(md.Data, md.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(prompt))
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	genCfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(m.temperature)}
	if m.jsonOutput {
		genCfg.ResponseMIMEType = "application/json"
	}

	var text string
	operation := func() error {
		start := time.Now()
		resp, err := m.models.GenerateContent(ctx, m.model, contents, genCfg)
		if err != nil {
			return m.classify(ctx, err)
		}
		if len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		if reason := resp.Candidates[0].FinishReason; reason == genai.FinishReasonSafety || reason == genai.FinishReasonBlocklist {
			return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", reason))
		}
		text = strings.TrimSpace(resp.Text())
		if text == "" {
			return fmt.Errorf("gemini API returned empty content (Reason: %s)", resp.Candidates[0].FinishReason)
		}

		fields := []zap.Field{zap.String("model", m.model), zap.Duration("duration", time.Since(start))}
		if usage := resp.UsageMetadata; usage != nil {
			fields = append(fields,
				zap.Int32("prompt_tokens", usage.PromptTokenCount),
				zap.Int32("completion_tokens", usage.CandidatesTokenCount),
			)
		}
		m.logger.Debug("Generation complete", fields...)
		return nil
	}

	if err := retry(ctx, m.logger, m.maxElapsed, operation); err != nil {
		return "", err
	}
	return text, nil
}

// classify marks only rate limiting and server errors as retryable.
func (m *GeminiModel) classify(ctx context.Context, err error) error {
	if canceled(ctx, err) {
		return backoff.Permanent(err)
	}
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr):
		code = apiErrPtr.Code
	default:
		m.logger.Warn("Network error during gemini request", zap.Error(err))
		return fmt.Errorf("gemini request failed: %w", err)
	}

	m.logger.Error("Gemini API returned error status", zap.Int("status", code), zap.Error(err))
	wrapped := fmt.Errorf("gemini API error: status %d: %w", code, err)
	switch code {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusGatewayTimeout:
		return wrapped
	default:
		return backoff.Permanent(wrapped)
	}
}
