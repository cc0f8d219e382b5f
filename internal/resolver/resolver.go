// internal/resolver/resolver.go
package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/perception"
	"github.com/Manoj7ar/Users/internal/workflow"
)

// Outcome is either Act or RecoveryNeeded.
type Outcome interface {
	isOutcome()
}

// Act carries an action the actuator can perform immediately.
type Act struct {
	Command    workflow.ActionCommand
	Confidence float64
	Reasoning  string
}

// RecoveryNeeded asks a human to disambiguate before the step can proceed.
type RecoveryNeeded struct {
	Question   string
	Confidence float64
}

func (Act) isOutcome()            {}
func (RecoveryNeeded) isOutcome() {}

const (
	lowConfidenceQuestion = "I'm not confident I found the right element for: %s. Can you describe what I should click?"
	failureQuestion       = "I couldn't analyze the screen (%v). How should I proceed?"
)

// Resolver turns a perception result into an action or a recovery request.
// It holds no state and performs no persistence.
type Resolver struct {
	gateway perception.Gateway
	logger  *zap.Logger
}

// New creates a Resolver.
func New(gateway perception.Gateway, logger *zap.Logger) *Resolver {
	return &Resolver{gateway: gateway, logger: logger.Named("resolver")}
}

// Resolve locates the step's target in the screenshot. A result is acted on
// only when the element was found with confidence at or above the step threshold.
// Perception failures never escape; they become RecoveryNeeded with confidence 0.
func (r *Resolver) Resolve(ctx context.Context, step workflow.StepNode, screenshot []byte, retryContext string) Outcome {
	req := perception.LocateRequest{
		StepIndex:         step.StepID,
		Intent:            step.Intent,
		VisualCue:         step.VisualCue,
		TargetDescription: step.TargetDescription,
		ActionType:        step.ActionType,
		Clarification:     retryContext,
	}

	result, err := r.gateway.Locate(ctx, screenshot, req)
	if err != nil {
		r.logger.Warn("Perception failed, requesting recovery", zap.Int("step_id", step.StepID), zap.Error(err))
		return RecoveryNeeded{Question: fmt.Sprintf(failureQuestion, err), Confidence: 0}
	}

	// Written as a negated >= so a NaN confidence never passes the gate.
	if !result.Found || !(result.Confidence >= step.ConfidenceThreshold) {
		question := result.RecoveryQuestion
		if question == "" {
			question = fmt.Sprintf(lowConfidenceQuestion, step.Intent)
		}
		r.logger.Info("Confidence below threshold",
			zap.Int("step_id", step.StepID),
			zap.Bool("found", result.Found),
			zap.Float64("confidence", result.Confidence),
			zap.Float64("threshold", step.ConfidenceThreshold),
		)
		return RecoveryNeeded{Question: question, Confidence: result.Confidence}
	}

	if step.ActionType != workflow.ActionNavigate && (result.X == nil || result.Y == nil) {
		err := fmt.Errorf("%w: found element without coordinates", perception.ErrMalformedResponse)
		return RecoveryNeeded{Question: fmt.Sprintf(failureQuestion, err), Confidence: 0}
	}

	return Act{
		Command:    buildCommand(step, result),
		Confidence: result.Confidence,
		Reasoning:  result.Reasoning,
	}
}

func buildCommand(step workflow.StepNode, result perception.Result) workflow.ActionCommand {
	if step.ActionType == workflow.ActionNavigate {
		value := ""
		if step.InputValue != nil {
			value = *step.InputValue
		}
		return workflow.ActionCommand{Type: workflow.ActionNavigate, Value: &value}
	}

	x, y := *result.X, *result.Y
	cmd := workflow.ActionCommand{Type: step.ActionType, X: &x, Y: &y, Value: step.InputValue}
	if step.ActionType == workflow.ActionScroll {
		dir := ScrollDirection(step)
		cmd.ScrollDirection = &dir
	}
	return cmd
}

var directionRegex = regexp.MustCompile(`\b(up|down|left|right)\b`)

// ScrollDirection infers a scroll direction from the step text, defaulting to down.
func ScrollDirection(step workflow.StepNode) string {
	text := strings.ToLower(strings.Join([]string{step.Intent, step.TargetDescription, step.NarrationHint}, " "))
	if step.InputValue != nil {
		text += " " + strings.ToLower(*step.InputValue)
	}
	if m := directionRegex.FindString(text); m != "" {
		return m
	}
	return "down"
}
