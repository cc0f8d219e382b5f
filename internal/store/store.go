// internal/store/store.go
package store

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/Manoj7ar/Users/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Sessions persists teach sessions.
type Sessions interface {
	CreateSession(ctx context.Context, session workflow.TeachSession) error
	GetSession(ctx context.Context, sessionID string) (workflow.TeachSession, error)
	// AppendStep appends a step, assigning its step_id from the current list
	// length, and returns the new step count.
	AppendStep(ctx context.Context, sessionID string, step workflow.StepNode) (int, error)
	SetSessionStatus(ctx context.Context, sessionID string, status workflow.Status) error
}

// Workflows persists saved workflow graphs, scoped to their owner.
type Workflows interface {
	SaveWorkflow(ctx context.Context, wf workflow.WorkflowGraph) error
	GetWorkflow(ctx context.Context, userID, workflowID string) (workflow.WorkflowGraph, error)
	ListWorkflows(ctx context.Context, userID string) ([]workflow.WorkflowGraph, error)
	// RecordWorkflowRun increments run_count and stamps last_run.
	RecordWorkflowRun(ctx context.Context, userID, workflowID string, at time.Time) error
}

// Executions persists execution sessions.
type Executions interface {
	CreateExecution(ctx context.Context, exec workflow.ExecutionSession) error
	GetExecution(ctx context.Context, executionID string) (workflow.ExecutionSession, error)
	UpdateExecution(ctx context.Context, executionID string, update ExecutionUpdate) error
	// SetRecoveryResolution overwrites the resolution for one step index.
	SetRecoveryResolution(ctx context.Context, executionID string, stepIndex int, resolution string) error
}

// Store is the full persistence gateway.
type Store interface {
	Sessions
	Workflows
	Executions
	Close() error
}

// ExecutionUpdate is a partial update; nil fields are left untouched.
type ExecutionUpdate struct {
	StepIndex         *int
	Status            *workflow.ExecutionStatus
	Phase             *workflow.StepPhase
	Attempts          *int
	PendingQuestion   *string
	PendingConfidence *float64
	CompletedAt       *time.Time
}

// Apply mutates exec in place.
func (u ExecutionUpdate) Apply(exec *workflow.ExecutionSession) {
	if u.StepIndex != nil {
		exec.StepIndex = *u.StepIndex
	}
	if u.Status != nil {
		exec.Status = *u.Status
	}
	if u.Phase != nil {
		exec.Phase = *u.Phase
	}
	if u.Attempts != nil {
		exec.Attempts = *u.Attempts
	}
	if u.PendingQuestion != nil {
		exec.PendingQuestion = *u.PendingQuestion
	}
	if u.PendingConfidence != nil {
		exec.PendingConfidence = *u.PendingConfidence
	}
	if u.CompletedAt != nil {
		at := u.CompletedAt.UTC()
		exec.CompletedAt = &at
	}
}

// patch renders the update as a JSON merge document keyed like ExecutionSession.
func (u ExecutionUpdate) patch() ([]byte, error) {
	doc := make(map[string]any, 7)
	if u.StepIndex != nil {
		doc["step_index"] = *u.StepIndex
	}
	if u.Status != nil {
		doc["status"] = *u.Status
	}
	if u.Phase != nil {
		doc["phase"] = *u.Phase
	}
	if u.Attempts != nil {
		doc["attempts"] = *u.Attempts
	}
	if u.PendingQuestion != nil {
		doc["pending_question"] = *u.PendingQuestion
	}
	if u.PendingConfidence != nil {
		doc["pending_confidence"] = *u.PendingConfidence
	}
	if u.CompletedAt != nil {
		doc["completed_at"] = u.CompletedAt.UTC()
	}
	return json.Marshal(doc)
}

// IsEmpty reports whether the update changes nothing.
func (u ExecutionUpdate) IsEmpty() bool {
	return u.StepIndex == nil && u.Status == nil && u.Phase == nil && u.Attempts == nil &&
		u.PendingQuestion == nil && u.PendingConfidence == nil && u.CompletedAt == nil
}

// Ptr returns a pointer to v. Handy for building ExecutionUpdate literals.
func Ptr[T any](v T) *T { return &v }

func prepareSession(s workflow.TeachSession) workflow.TeachSession {
	if s.Steps == nil {
		s.Steps = []workflow.StepNode{}
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return s
}

func prepareWorkflow(wf workflow.WorkflowGraph) workflow.WorkflowGraph {
	if wf.Steps == nil {
		wf.Steps = []workflow.StepNode{}
	}
	wf.CreatedAt = wf.CreatedAt.UTC()
	return wf
}

func prepareExecution(e workflow.ExecutionSession) workflow.ExecutionSession {
	if e.RecoveryData == nil {
		e.RecoveryData = map[int]string{}
	}
	e.StartedAt = e.StartedAt.UTC()
	return e
}
