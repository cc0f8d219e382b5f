// internal/perception/oracle.go
package perception

import (
	"context"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/llmutil"
	"github.com/Manoj7ar/Users/internal/workflow"
)

// Oracle implements Gateway on top of a multimodal Model. It owns prompt
// construction, screenshot preparation, and strict decoding of the answers.
type Oracle struct {
	model    Model
	maxWidth int
	logger   *zap.Logger
}

// NewOracle wraps a model. Screenshots wider than maxWidth are downscaled before sending.
func NewOracle(model Model, maxWidth int, logger *zap.Logger) *Oracle {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxImageWidth
	}
	return &Oracle{
		model:    model,
		maxWidth: maxWidth,
		logger:   logger.Named("perception.oracle"),
	}
}

// wire shapes, pointers mark required fields
type locateResponse struct {
	Found            *bool    `json:"found"`
	Confidence       *float64 `json:"confidence"`
	X                *float64 `json:"x"`
	Y                *float64 `json:"y"`
	Reasoning        string   `json:"reasoning"`
	RecoveryQuestion *string  `json:"recovery_question"`
}

type verifyResponse struct {
	Verified    *bool    `json:"verified"`
	Confidence  *float64 `json:"confidence"`
	Observation string   `json:"observation"`
}

type finalizeResponse struct {
	Steps   []workflow.StepDraft `json:"steps"`
	Summary string               `json:"summary"`
}

// Locate implements Gateway.
func (o *Oracle) Locate(ctx context.Context, screenshot []byte, req LocateRequest) (Result, error) {
	clarification := ""
	if c := strings.TrimSpace(req.Clarification); c != "" {
		clarification = fmt.Sprintf(clarificationClause, c)
	}
	prompt := fmt.Sprintf(locatePrompt, req.StepIndex, req.Intent, req.ActionType, req.VisualCue, req.TargetDescription, clarification)

	raw, err := o.generateWithImage(ctx, prompt, screenshot)
	if err != nil {
		return Result{}, err
	}
	resp, err := llmutil.ParseJSONResponse[locateResponse](raw)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	result, err := resp.toResult()
	if err != nil {
		o.logger.Warn("Rejected locate response", zap.Error(err), zap.Int("step_index", req.StepIndex))
		return Result{}, err
	}

	o.logger.Debug("Locate complete",
		zap.Int("step_index", req.StepIndex),
		zap.Bool("found", result.Found),
		zap.Float64("confidence", result.Confidence),
	)
	return result, nil
}

func (r *locateResponse) toResult() (Result, error) {
	if r.Found == nil {
		return Result{}, fmt.Errorf("%w: missing field \"found\"", ErrMalformedResponse)
	}
	if r.Confidence == nil {
		return Result{}, fmt.Errorf("%w: missing field \"confidence\"", ErrMalformedResponse)
	}
	if !inUnit(*r.Confidence) {
		return Result{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedResponse, *r.Confidence)
	}

	result := Result{
		Found:      *r.Found,
		Confidence: *r.Confidence,
		Reasoning:  r.Reasoning,
	}
	if r.RecoveryQuestion != nil {
		result.RecoveryQuestion = strings.TrimSpace(*r.RecoveryQuestion)
	}
	if !result.Found {
		return result, nil
	}

	if r.X == nil || r.Y == nil {
		return Result{}, fmt.Errorf("%w: found element without coordinates", ErrMalformedResponse)
	}
	if !inUnit(*r.X) || !inUnit(*r.Y) {
		return Result{}, fmt.Errorf("%w: coordinates (%v,%v) are not normalized", ErrMalformedResponse, *r.X, *r.Y)
	}
	x, y := *r.X, *r.Y
	result.X, result.Y = &x, &y
	return result, nil
}

// Verify implements Gateway.
func (o *Oracle) Verify(ctx context.Context, screenshot []byte, verificationCue string) (Verification, error) {
	raw, err := o.generateWithImage(ctx, fmt.Sprintf(verificationPrompt, verificationCue), screenshot)
	if err != nil {
		return Verification{}, err
	}
	resp, err := llmutil.ParseJSONResponse[verifyResponse](raw)
	if err != nil {
		return Verification{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if resp.Verified == nil {
		return Verification{}, fmt.Errorf("%w: missing field \"verified\"", ErrMalformedResponse)
	}
	if resp.Confidence == nil || !inUnit(*resp.Confidence) {
		return Verification{}, fmt.Errorf("%w: missing or invalid field \"confidence\"", ErrMalformedResponse)
	}
	return Verification{
		Verified:    *resp.Verified,
		Confidence:  *resp.Confidence,
		Observation: resp.Observation,
	}, nil
}

// BuildStepFromDemo implements Gateway.
func (o *Oracle) BuildStepFromDemo(ctx context.Context, screenshot []byte, narration, clickContext string) (workflow.StepDraft, error) {
	if narration == "" {
		narration = "(no narration)"
	}
	if clickContext == "" {
		clickContext = "(no context)"
	}
	raw, err := o.generateWithImage(ctx, fmt.Sprintf(teachStepPrompt, narration, clickContext), screenshot)
	if err != nil {
		return workflow.StepDraft{}, err
	}
	draft, err := llmutil.ParseJSONResponse[workflow.StepDraft](raw)
	if err != nil {
		return workflow.StepDraft{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(draft.Intent) == "" {
		return workflow.StepDraft{}, fmt.Errorf("%w: missing field \"intent\"", ErrMalformedResponse)
	}
	if t := draft.ConfidenceThreshold; t != nil && !inUnit(*t) {
		return workflow.StepDraft{}, fmt.Errorf("%w: confidence_threshold %v outside [0,1]", ErrMalformedResponse, *t)
	}
	return *draft, nil
}

// FinalizeSteps implements Gateway.
func (o *Oracle) FinalizeSteps(ctx context.Context, steps []workflow.StepNode) (Finalized, error) {
	stepsJSON, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(steps, "", "  ")
	if err != nil {
		return Finalized{}, fmt.Errorf("failed to marshal steps: %w", err)
	}
	raw, err := o.model.Generate(ctx, fmt.Sprintf(finalizePrompt, stepsJSON))
	if err != nil {
		return Finalized{}, err
	}
	resp, err := llmutil.ParseJSONResponse[finalizeResponse](raw)
	if err != nil {
		return Finalized{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return Finalized{Steps: resp.Steps, Summary: strings.TrimSpace(resp.Summary)}, nil
}

func (o *Oracle) generateWithImage(ctx context.Context, prompt string, screenshot []byte) (string, error) {
	png, err := PrepareScreenshot(screenshot, o.maxWidth)
	if err != nil {
		return "", err
	}
	return o.model.Generate(ctx, prompt, Media{Data: png, MIMEType: "image/png"})
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
