// internal/execution/manager.go
package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/config"
	"github.com/Manoj7ar/Users/internal/recovery"
	"github.com/Manoj7ar/Users/internal/resolver"
	"github.com/Manoj7ar/Users/internal/store"
	"github.com/Manoj7ar/Users/internal/verify"
	"github.com/Manoj7ar/Users/internal/workflow"
)

// DefaultMaxAttempts is the number of perception+action attempts per step before escalating.
const DefaultMaxAttempts = 3

// Verification outcomes.
const (
	OutcomeVerified = "verified"
	OutcomeRetry    = "retry"
	OutcomeRecovery = "recovery"
)

const (
	exhaustedQuestion = "I tried %q %d times but couldn't confirm it worked (%s). What should I do differently?"
	escalateQuestion  = "I've attempted %q %d times without a confirmed result. How should I proceed?"
)

// Started is returned when an execution begins.
type Started struct {
	Execution workflow.ExecutionSession
	FirstStep workflow.StepNode
}

// StepResult is the outcome of one executeStep call. Exactly one of Action or
// RecoveryNeeded is meaningful.
type StepResult struct {
	Action           *workflow.ActionCommand
	RecoveryNeeded   bool
	RecoveryQuestion string
	Confidence       float64
	Reasoning        string
	Intent           string
	Attempt          int
}

// VerifyResult is the outcome of one verify call.
type VerifyResult struct {
	Outcome          string
	Verified         bool
	Confidence       float64
	Observation      string
	Attempts         int
	RecoveryQuestion string
}

// RecoverResult carries the provisional action produced after a human resolution.
type RecoverResult struct {
	Action     workflow.ActionCommand
	Resolution string
}

// Advanced is returned after the cursor moves.
type Advanced struct {
	Execution workflow.ExecutionSession
	NextStep  workflow.StepNode
}

// Manager owns execution progress: the step cursor, per-step attempt counters
// and the recovery phase. It holds no state of its own; everything lives in the store.
type Manager struct {
	store       store.Store
	resolver    *resolver.Resolver
	verifier    *verify.Verifier
	recovery    *recovery.Loop
	maxAttempts int
	logger      *zap.Logger

	now   func() time.Time
	newID func() string
}

// NewManager wires the execution state machine.
func NewManager(st store.Store, res *resolver.Resolver, ver *verify.Verifier, rec *recovery.Loop, cfg config.ExecutionConfig, logger *zap.Logger) *Manager {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		store:       st,
		resolver:    res,
		verifier:    ver,
		recovery:    rec,
		maxAttempts: maxAttempts,
		logger:      logger.Named("execution"),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// Start creates a running execution positioned at the first step.
func (m *Manager) Start(ctx context.Context, userID, workflowID string) (Started, error) {
	if userID == "" || workflowID == "" {
		return Started{}, workflow.Validationf("user_id and workflow_id are required")
	}
	wf, err := m.store.GetWorkflow(ctx, userID, workflowID)
	if err != nil {
		return Started{}, err
	}
	if len(wf.Steps) == 0 {
		return Started{}, workflow.Validationf("workflow %q has no steps", workflowID)
	}

	exec := workflow.ExecutionSession{
		ExecutionID:  m.newID(),
		WorkflowID:   wf.WorkflowID,
		UserID:       userID,
		TotalSteps:   len(wf.Steps),
		StepIndex:    0,
		Status:       workflow.ExecutionRunning,
		Phase:        workflow.PhaseRunning,
		RecoveryData: map[int]string{},
		StartedAt:    m.now(),
	}
	if err := m.store.CreateExecution(ctx, exec); err != nil {
		return Started{}, err
	}
	m.logger.Info("Execution started",
		zap.String("execution_id", exec.ExecutionID),
		zap.String("workflow_id", wf.WorkflowID),
		zap.Int("total_steps", exec.TotalSteps),
	)
	return Started{Execution: exec, FirstStep: wf.Steps[0]}, nil
}

// Get returns the execution if it belongs to userID.
func (m *Manager) Get(ctx context.Context, userID, executionID string) (workflow.ExecutionSession, error) {
	exec, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return workflow.ExecutionSession{}, err
	}
	if userID != "" && exec.UserID != userID {
		return workflow.ExecutionSession{}, workflow.NotFound("execution", executionID)
	}
	return exec, nil
}

// Status returns the execution together with the step under its cursor.
func (m *Manager) Status(ctx context.Context, userID, executionID string) (workflow.ExecutionSession, workflow.StepNode, error) {
	exec, err := m.Get(ctx, userID, executionID)
	if err != nil {
		return workflow.ExecutionSession{}, workflow.StepNode{}, err
	}
	wf, err := m.store.GetWorkflow(ctx, exec.UserID, exec.WorkflowID)
	if err != nil {
		return workflow.ExecutionSession{}, workflow.StepNode{}, err
	}
	step, err := wf.Step(exec.StepIndex)
	if err != nil {
		return workflow.ExecutionSession{}, workflow.StepNode{}, err
	}
	return exec, step, nil
}

// ExecuteStep resolves the step at stepIndex into an action or a recovery request.
// The cursor never moves backwards; a higher index moves it forward and resets the
// attempt counter. While the step waits on a human, the pending question is
// returned without another perception call.
func (m *Manager) ExecuteStep(ctx context.Context, userID, executionID string, stepIndex int, screenshot []byte) (StepResult, error) {
	exec, wf, err := m.loadRunning(ctx, userID, executionID)
	if err != nil {
		return StepResult{}, err
	}
	if err := checkForward(exec, stepIndex); err != nil {
		return StepResult{}, err
	}
	if stepIndex > exec.StepIndex {
		if err := m.moveCursor(ctx, &exec, stepIndex); err != nil {
			return StepResult{}, err
		}
	}
	step, err := wf.Step(stepIndex)
	if err != nil {
		return StepResult{}, err
	}
	log := m.logger.With(zap.String("execution_id", executionID), zap.Int("step_index", stepIndex))

	if exec.Phase == workflow.PhaseRecovering {
		log.Debug("Step awaiting recovery, returning pending question")
		return StepResult{
			RecoveryNeeded:   true,
			RecoveryQuestion: exec.PendingQuestion,
			Confidence:       exec.PendingConfidence,
			Intent:           step.Intent,
			Attempt:          exec.Attempts,
		}, nil
	}

	if exec.Attempts >= m.maxAttempts {
		question := fmt.Sprintf(escalateQuestion, step.Intent, exec.Attempts)
		if err := m.enterRecovery(ctx, executionID, question, 0); err != nil {
			return StepResult{}, err
		}
		log.Info("Attempt budget exhausted, escalating to recovery", zap.Int("attempts", exec.Attempts))
		return StepResult{RecoveryNeeded: true, RecoveryQuestion: question, Intent: step.Intent, Attempt: exec.Attempts}, nil
	}

	retryContext := exec.Resolution(stepIndex)
	outcome := m.resolver.Resolve(ctx, step, screenshot, retryContext)
	attempt := exec.Attempts + 1

	switch o := outcome.(type) {
	case resolver.Act:
		if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Attempts: &attempt}); err != nil {
			return StepResult{}, err
		}
		cmd := o.Command
		log.Info("Action resolved", zap.Stringer("action", cmd), zap.Float64("confidence", o.Confidence), zap.Int("attempt", attempt))
		return StepResult{Action: &cmd, Confidence: o.Confidence, Reasoning: o.Reasoning, Intent: step.Intent, Attempt: attempt}, nil

	case resolver.RecoveryNeeded:
		// The step only blocks on a human once the attempt budget is spent.
		// Until then the caller may answer the question or retry with a new screenshot.
		update := store.ExecutionUpdate{Attempts: &attempt}
		if attempt >= m.maxAttempts {
			update.Phase = store.Ptr(workflow.PhaseRecovering)
			update.PendingQuestion = &o.Question
			update.PendingConfidence = &o.Confidence
		}
		if err := m.store.UpdateExecution(ctx, executionID, update); err != nil {
			return StepResult{}, err
		}
		log.Info("Recovery needed",
			zap.Float64("confidence", o.Confidence),
			zap.Int("attempt", attempt),
			zap.Bool("blocking", attempt >= m.maxAttempts),
		)
		return StepResult{RecoveryNeeded: true, RecoveryQuestion: o.Question, Confidence: o.Confidence, Intent: step.Intent, Attempt: attempt}, nil

	default:
		return StepResult{}, fmt.Errorf("unexpected resolver outcome %T", outcome)
	}
}

// VerifyStep checks the post-action screenshot for the current step. A failure
// asks for a retry while attempts remain and escalates to recovery otherwise.
func (m *Manager) VerifyStep(ctx context.Context, userID, executionID string, stepIndex int, screenshot []byte) (VerifyResult, error) {
	exec, wf, err := m.loadRunning(ctx, userID, executionID)
	if err != nil {
		return VerifyResult{}, err
	}
	if stepIndex != exec.StepIndex {
		return VerifyResult{}, workflow.Validationf("can only verify the current step %d, got %d", exec.StepIndex, stepIndex)
	}
	if exec.Phase == workflow.PhaseRecovering {
		return VerifyResult{
			Outcome:          OutcomeRecovery,
			Confidence:       exec.PendingConfidence,
			Attempts:         exec.Attempts,
			RecoveryQuestion: exec.PendingQuestion,
		}, nil
	}
	if exec.Attempts == 0 {
		return VerifyResult{}, workflow.Validationf("no action has been issued for step %d", stepIndex)
	}
	step, err := wf.Step(stepIndex)
	if err != nil {
		return VerifyResult{}, err
	}

	v := m.verifier.Verify(ctx, screenshot, step.VerificationCue)
	result := VerifyResult{
		Verified:    v.Verified,
		Confidence:  v.Confidence,
		Observation: v.Observation,
		Attempts:    exec.Attempts,
	}
	log := m.logger.With(zap.String("execution_id", executionID), zap.Int("step_index", stepIndex), zap.Int("attempts", exec.Attempts))

	switch {
	case v.Verified:
		result.Outcome = OutcomeVerified
		log.Info("Step verified", zap.Float64("confidence", v.Confidence))
	case exec.Attempts < m.maxAttempts:
		result.Outcome = OutcomeRetry
		log.Info("Verification failed, retrying", zap.String("observation", v.Observation))
	default:
		result.Outcome = OutcomeRecovery
		result.RecoveryQuestion = fmt.Sprintf(exhaustedQuestion, step.Intent, exec.Attempts, v.Observation)
		if err := m.enterRecovery(ctx, executionID, result.RecoveryQuestion, v.Confidence); err != nil {
			return VerifyResult{}, err
		}
		log.Warn("Verification failed after all attempts, escalating to recovery")
	}
	return result, nil
}

// Recover records a human resolution for stepIndex and returns a provisional
// action for it. If the step is the current one, it leaves recovery with a fresh
// attempt budget in which the provisional action is the first issued attempt,
// so the caller can verify it directly.
func (m *Manager) Recover(ctx context.Context, userID, executionID string, stepIndex int, resolution string) (RecoverResult, error) {
	exec, wf, err := m.loadRunning(ctx, userID, executionID)
	if err != nil {
		return RecoverResult{}, err
	}
	if err := checkForward(exec, stepIndex); err != nil {
		return RecoverResult{}, err
	}
	step, err := wf.Step(stepIndex)
	if err != nil {
		return RecoverResult{}, err
	}

	clean, err := m.recovery.RecordResolution(ctx, executionID, stepIndex, resolution)
	if err != nil {
		return RecoverResult{}, err
	}
	if stepIndex == exec.StepIndex {
		update := store.ExecutionUpdate{
			Attempts:          store.Ptr(1),
			Phase:             store.Ptr(workflow.PhaseRunning),
			PendingQuestion:   store.Ptr(""),
			PendingConfidence: store.Ptr(0.0),
		}
		if err := m.store.UpdateExecution(ctx, executionID, update); err != nil {
			return RecoverResult{}, err
		}
	}
	m.logger.Info("Recovery resolution applied",
		zap.String("execution_id", executionID),
		zap.Int("step_index", stepIndex),
		zap.Bool("current_step", stepIndex == exec.StepIndex),
	)
	return RecoverResult{Action: recovery.ProvisionalAction(step), Resolution: clean}, nil
}

// Advance moves the cursor from stepIndex to the next step. It is the caller's
// signal that the step was verified. The last step cannot be advanced past; call
// Complete instead.
func (m *Manager) Advance(ctx context.Context, userID, executionID string, stepIndex int) (Advanced, error) {
	exec, wf, err := m.loadRunning(ctx, userID, executionID)
	if err != nil {
		return Advanced{}, err
	}
	if stepIndex != exec.StepIndex {
		return Advanced{}, workflow.Validationf("can only advance from the current step %d, got %d", exec.StepIndex, stepIndex)
	}
	next := stepIndex + 1
	if next >= exec.TotalSteps {
		return Advanced{}, workflow.Validationf("step %d is the last step; complete the execution instead", stepIndex)
	}
	nextStep, err := wf.Step(next)
	if err != nil {
		return Advanced{}, err
	}
	if err := m.moveCursor(ctx, &exec, next); err != nil {
		return Advanced{}, err
	}
	m.logger.Info("Cursor advanced", zap.String("execution_id", executionID), zap.Int("step_index", next))
	return Advanced{Execution: exec, NextStep: nextStep}, nil
}

// Complete marks the execution finished and records the run on the workflow.
// Completing twice is a no-op.
func (m *Manager) Complete(ctx context.Context, userID, executionID string) (workflow.ExecutionSession, error) {
	exec, err := m.Get(ctx, userID, executionID)
	if err != nil {
		return workflow.ExecutionSession{}, err
	}
	if exec.Status == workflow.ExecutionComplete {
		return exec, nil
	}

	at := m.now()
	if err := m.store.RecordWorkflowRun(ctx, exec.UserID, exec.WorkflowID, at); err != nil {
		return workflow.ExecutionSession{}, err
	}
	update := store.ExecutionUpdate{
		Status:          store.Ptr(workflow.ExecutionComplete),
		Phase:           store.Ptr(workflow.PhaseRunning),
		PendingQuestion: store.Ptr(""),
		CompletedAt:     &at,
	}
	if err := m.store.UpdateExecution(ctx, executionID, update); err != nil {
		return workflow.ExecutionSession{}, err
	}
	update.Apply(&exec)
	m.logger.Info("Execution complete", zap.String("execution_id", executionID), zap.String("workflow_id", exec.WorkflowID))
	return exec, nil
}

func (m *Manager) loadRunning(ctx context.Context, userID, executionID string) (workflow.ExecutionSession, workflow.WorkflowGraph, error) {
	exec, err := m.Get(ctx, userID, executionID)
	if err != nil {
		return workflow.ExecutionSession{}, workflow.WorkflowGraph{}, err
	}
	if exec.Status == workflow.ExecutionComplete {
		return workflow.ExecutionSession{}, workflow.WorkflowGraph{}, workflow.Validationf("execution %q is already complete", executionID)
	}
	wf, err := m.store.GetWorkflow(ctx, exec.UserID, exec.WorkflowID)
	if err != nil {
		return workflow.ExecutionSession{}, workflow.WorkflowGraph{}, err
	}
	if len(wf.Steps) != exec.TotalSteps {
		return workflow.ExecutionSession{}, workflow.WorkflowGraph{}, workflow.Persistence("load workflow",
			fmt.Errorf("workflow %q has %d steps, execution expects %d", wf.WorkflowID, len(wf.Steps), exec.TotalSteps))
	}
	return exec, wf, nil
}

func (m *Manager) moveCursor(ctx context.Context, exec *workflow.ExecutionSession, stepIndex int) error {
	update := store.ExecutionUpdate{
		StepIndex:         &stepIndex,
		Attempts:          store.Ptr(0),
		Phase:             store.Ptr(workflow.PhaseRunning),
		PendingQuestion:   store.Ptr(""),
		PendingConfidence: store.Ptr(0.0),
	}
	if err := m.store.UpdateExecution(ctx, exec.ExecutionID, update); err != nil {
		return err
	}
	update.Apply(exec)
	return nil
}

func (m *Manager) enterRecovery(ctx context.Context, executionID, question string, confidence float64) error {
	return m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Phase:             store.Ptr(workflow.PhaseRecovering),
		PendingQuestion:   &question,
		PendingConfidence: &confidence,
	})
}

func checkForward(exec workflow.ExecutionSession, stepIndex int) error {
	if stepIndex < exec.StepIndex {
		return workflow.Validationf("step %d is behind the cursor at %d", stepIndex, exec.StepIndex)
	}
	if stepIndex >= exec.TotalSteps {
		return workflow.Validationf("step index %d out of range [0,%d)", stepIndex, exec.TotalSteps)
	}
	return nil
}
