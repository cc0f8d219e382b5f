// internal/recovery/recovery.go
package recovery

import (
	"context"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/store"
	"github.com/Manoj7ar/Users/internal/workflow"
)

// ProvisionalCoordinate is the centered point used when no perception result backs an action.
const ProvisionalCoordinate = 0.5

// Loop records human resolutions and feeds them into the next resolution attempt.
type Loop struct {
	executions store.Executions
	policy     *bluemonday.Policy
	logger     *zap.Logger
}

// New creates a recovery Loop.
func New(executions store.Executions, logger *zap.Logger) *Loop {
	return &Loop{
		executions: executions,
		policy:     bluemonday.StrictPolicy(),
		logger:     logger.Named("recovery"),
	}
}

// Sanitize strips markup from resolution text and trims whitespace.
func (l *Loop) Sanitize(text string) string {
	return strings.TrimSpace(html.UnescapeString(l.policy.Sanitize(text)))
}

// RecordResolution stores the resolution for a step, replacing any earlier one.
// It returns the sanitized text that was stored.
func (l *Loop) RecordResolution(ctx context.Context, executionID string, stepIndex int, text string) (string, error) {
	if stepIndex < 0 {
		return "", workflow.Validationf("step_index must be non-negative, got %d", stepIndex)
	}
	clean := l.Sanitize(text)
	if clean == "" {
		return "", workflow.Validationf("resolution text is empty")
	}
	if err := l.executions.SetRecoveryResolution(ctx, executionID, stepIndex, clean); err != nil {
		return "", err
	}
	l.logger.Info("Recovery resolution recorded",
		zap.String("execution_id", executionID),
		zap.Int("step_index", stepIndex),
		zap.Int("length", len(clean)),
	)
	return clean, nil
}

// NextAttemptContext returns the latest resolution stored for the step, or "".
func (l *Loop) NextAttemptContext(ctx context.Context, executionID string, stepIndex int) (string, error) {
	exec, err := l.executions.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	return exec.Resolution(stepIndex), nil
}

// ProvisionalAction builds a placeholder command for a step without another
// perception round. The coordinates are centered and unverified.
func ProvisionalAction(step workflow.StepNode) workflow.ActionCommand {
	kind := step.ActionType
	switch kind {
	case workflow.ActionClick, workflow.ActionInput, workflow.ActionNavigate, workflow.ActionScroll:
	default:
		kind = workflow.ActionClick
	}
	x, y := ProvisionalCoordinate, ProvisionalCoordinate
	cmd := workflow.ActionCommand{Type: kind, X: &x, Y: &y}
	if step.InputValue != nil {
		v := *step.InputValue
		cmd.Value = &v
	}
	return cmd
}
