// internal/teach/service.go
package teach

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/perception"
	"github.com/Manoj7ar/Users/internal/store"
	"github.com/Manoj7ar/Users/internal/workflow"
)

const (
	fallbackIntent          = "Unknown step"
	fallbackTarget          = "Unknown element"
	fallbackVerificationCue = "Page state changes"
	summaryFallback         = "Workflow: %s"
)

// Service records demonstrations into teach sessions and saves them as workflows.
type Service struct {
	store   store.Store
	gateway perception.Gateway
	policy  *bluemonday.Policy
	logger  *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewService creates a teach Service.
func NewService(st store.Store, gateway perception.Gateway, logger *zap.Logger) *Service {
	return &Service{
		store:   st,
		gateway: gateway,
		policy:  bluemonday.StrictPolicy(),
		logger:  logger.Named("teach"),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// StartSession opens a new recording.
func (s *Service) StartSession(ctx context.Context, workflowName, userID string) (workflow.TeachSession, error) {
	workflowName = s.clean(workflowName)
	userID = strings.TrimSpace(userID)
	if workflowName == "" {
		return workflow.TeachSession{}, workflow.Validationf("workflow_name is required")
	}
	if userID == "" {
		return workflow.TeachSession{}, workflow.Validationf("user_id is required")
	}

	session := workflow.TeachSession{
		SessionID:    s.newID(),
		WorkflowName: workflowName,
		UserID:       userID,
		Status:       workflow.StatusRecording,
		Steps:        []workflow.StepNode{},
		CreatedAt:    s.now(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return workflow.TeachSession{}, err
	}
	s.logger.Info("Teach session created", zap.String("session_id", session.SessionID), zap.String("workflow_name", workflowName))
	return session, nil
}

// AddStep turns one demonstrated action into a step and appends it to the session.
// A failing oracle yields a generic placeholder step rather than an error.
func (s *Service) AddStep(ctx context.Context, sessionID string, screenshot []byte, narration, clickContext string) (workflow.StepNode, int, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return workflow.StepNode{}, 0, err
	}
	if session.Status != workflow.StatusRecording {
		return workflow.StepNode{}, 0, workflow.Validationf("session %q is %s and no longer accepts steps", sessionID, session.Status)
	}
	if len(screenshot) == 0 {
		return workflow.StepNode{}, 0, workflow.Validationf("screenshot is required")
	}
	narration = s.clean(narration)
	clickContext = s.clean(clickContext)

	draft, err := s.gateway.BuildStepFromDemo(ctx, screenshot, narration, clickContext)
	if err != nil {
		s.logger.Warn("Step analysis failed, recording placeholder step", zap.String("session_id", sessionID), zap.Error(err))
		draft = fallbackDraft(clickContext)
	}

	step := draft.ToStep(len(session.Steps), narration)
	count, err := s.store.AppendStep(ctx, sessionID, step)
	if err != nil {
		return workflow.StepNode{}, 0, err
	}
	step.StepID = count - 1
	s.logger.Info("Step captured",
		zap.String("session_id", sessionID),
		zap.Int("step_id", step.StepID),
		zap.String("action_type", string(step.ActionType)),
	)
	return step, count, nil
}

// Finish cleans up the recorded steps, saves them as a workflow and closes the session.
func (s *Service) Finish(ctx context.Context, sessionID string) (workflow.WorkflowGraph, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return workflow.WorkflowGraph{}, err
	}
	if session.Status == workflow.StatusSaved {
		return workflow.WorkflowGraph{}, workflow.Validationf("session %q is already saved", sessionID)
	}
	if len(session.Steps) == 0 {
		return workflow.WorkflowGraph{}, workflow.Validationf("session %q has no steps", sessionID)
	}

	steps, summary := s.finalize(ctx, session)
	wf := workflow.WorkflowGraph{
		WorkflowID:   s.newID(),
		WorkflowName: session.WorkflowName,
		UserID:       session.UserID,
		Steps:        steps,
		Status:       workflow.StatusSaved,
		Summary:      summary,
		CreatedAt:    s.now(),
	}
	if err := wf.Validate(); err != nil {
		return workflow.WorkflowGraph{}, err
	}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return workflow.WorkflowGraph{}, err
	}
	if err := s.store.SetSessionStatus(ctx, sessionID, workflow.StatusSaved); err != nil {
		return workflow.WorkflowGraph{}, err
	}
	s.logger.Info("Workflow saved",
		zap.String("workflow_id", wf.WorkflowID),
		zap.String("session_id", sessionID),
		zap.Int("steps", len(wf.Steps)),
	)
	return wf, nil
}

// Session returns a teach session by id.
func (s *Service) Session(ctx context.Context, sessionID string) (workflow.TeachSession, error) {
	return s.store.GetSession(ctx, sessionID)
}

// ListWorkflows returns the user's saved workflows, newest first.
func (s *Service) ListWorkflows(ctx context.Context, userID string) ([]workflow.WorkflowGraph, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, workflow.Validationf("user_id is required")
	}
	return s.store.ListWorkflows(ctx, userID)
}

// ImportWorkflow saves an externally authored workflow for userID under a fresh id.
func (s *Service) ImportWorkflow(ctx context.Context, userID string, wf workflow.WorkflowGraph) (workflow.WorkflowGraph, error) {
	if strings.TrimSpace(userID) == "" {
		return workflow.WorkflowGraph{}, workflow.Validationf("user_id is required")
	}
	steps := make([]workflow.StepNode, len(wf.Steps))
	for i, st := range wf.Steps {
		steps[i] = st.Normalize()
	}
	wf.WorkflowID = s.newID()
	wf.UserID = userID
	wf.Steps = workflow.Renumber(steps)
	wf.Status = workflow.StatusSaved
	wf.RunCount = 0
	wf.LastRun = nil
	wf.CreatedAt = s.now()
	if wf.WorkflowName == "" {
		wf.WorkflowName = "Imported workflow"
	}
	if wf.Summary == "" {
		wf.Summary = fmt.Sprintf(summaryFallback, wf.WorkflowName)
	}
	if err := wf.Validate(); err != nil {
		return workflow.WorkflowGraph{}, err
	}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return workflow.WorkflowGraph{}, err
	}
	return wf, nil
}

// finalize asks the oracle to tidy the steps. The raw steps are kept whenever
// the oracle fails or returns a different number of steps.
func (s *Service) finalize(ctx context.Context, session workflow.TeachSession) ([]workflow.StepNode, string) {
	raw := workflow.Renumber(session.Steps)
	fallbackSummary := fmt.Sprintf(summaryFallback, session.WorkflowName)

	finalized, err := s.gateway.FinalizeSteps(ctx, raw)
	if err != nil {
		s.logger.Warn("Finalization failed, keeping recorded steps", zap.String("session_id", session.SessionID), zap.Error(err))
		return raw, fallbackSummary
	}

	summary := strings.TrimSpace(finalized.Summary)
	if summary == "" {
		summary = fallbackSummary
	}
	if len(finalized.Steps) != len(raw) {
		s.logger.Warn("Finalized step count differs, keeping recorded steps",
			zap.Int("recorded", len(raw)),
			zap.Int("finalized", len(finalized.Steps)),
		)
		return raw, summary
	}

	steps := make([]workflow.StepNode, len(raw))
	for i, d := range finalized.Steps {
		hint := d.NarrationHint
		if hint == "" {
			hint = raw[i].NarrationHint
		}
		steps[i] = d.ToStep(i, hint)
	}
	return workflow.Renumber(steps), summary
}

func (s *Service) clean(text string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(text)))
}

func fallbackDraft(clickContext string) workflow.StepDraft {
	target := clickContext
	if target == "" {
		target = fallbackTarget
	}
	threshold := workflow.DefaultConfidenceThreshold
	return workflow.StepDraft{
		Intent:              fallbackIntent,
		ActionType:          string(workflow.ActionClick),
		TargetDescription:   target,
		VerificationCue:     fallbackVerificationCue,
		ConfidenceThreshold: &threshold,
	}
}
