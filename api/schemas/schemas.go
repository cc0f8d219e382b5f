package schemas

import (
	"time"

	"github.com/Manoj7ar/Users/internal/workflow"
)

// ExecutionStepStatus is the display state of a step in an execution.
type ExecutionStepStatus string

const (
	StepPending    ExecutionStepStatus = "pending"
	StepExecuting  ExecutionStepStatus = "executing"
	StepDone       ExecutionStepStatus = "done"
	StepRecovering ExecutionStepStatus = "recovering"
)

// Envelope is the standard response wrapper for every endpoint.
type Envelope struct {
	Status string      `json:"status"` // "success", "error"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// -- Teach --

type TeachStartRequest struct {
	WorkflowName string `json:"workflow_name"`
	UserID       string `json:"user_id"`
}

type TeachStartResponse struct {
	SessionID string `json:"session_id"`
}

// TeachStepRequest carries one demonstrated action. ScreenshotB64 may include a data URL prefix.
type TeachStepRequest struct {
	SessionID         string `json:"session_id"`
	ScreenshotB64     string `json:"screenshot_b64"`
	TranscriptSegment string `json:"transcript_segment"`
	ClickContext      string `json:"click_context"`
	// StepIndex is informational; the store assigns the real index.
	StepIndex int `json:"step_index"`
}

type TeachStepResponse struct {
	StepNode      workflow.StepNode `json:"step_node"`
	StepsCaptured int               `json:"steps_captured"`
}

type TeachFinishRequest struct {
	SessionID string `json:"session_id"`
}

type TeachFinishResponse struct {
	WorkflowID string `json:"workflow_id"`
	StepCount  int    `json:"step_count"`
	Summary    string `json:"summary"`
}

type TranscribeRequest struct {
	AudioB64 string `json:"audio_b64"`
	MIMEType string `json:"mime_type,omitempty"`
}

type TranscribeResponse struct {
	Transcript string `json:"transcript"`
}

// -- Workflows --

type WorkflowListItem struct {
	WorkflowID   string     `json:"workflow_id"`
	WorkflowName string     `json:"workflow_name"`
	Summary      string     `json:"summary,omitempty"`
	StepCount    int        `json:"step_count"`
	LastRun      *time.Time `json:"last_run"`
	RunCount     int        `json:"run_count"`
}

type WorkflowListResponse struct {
	Workflows []WorkflowListItem `json:"workflows"`
}

// NewWorkflowListItem summarizes a saved workflow.
func NewWorkflowListItem(wf workflow.WorkflowGraph) WorkflowListItem {
	return WorkflowListItem{
		WorkflowID:   wf.WorkflowID,
		WorkflowName: wf.WorkflowName,
		Summary:      wf.Summary,
		StepCount:    len(wf.Steps),
		LastRun:      wf.LastRun,
		RunCount:     wf.RunCount,
	}
}

// -- Execute --

type ExecutionStep struct {
	StepIndex int                 `json:"step_index"`
	Intent    string              `json:"intent"`
	Status    ExecutionStepStatus `json:"status"`
}

type ExecuteStartRequest struct {
	WorkflowID string `json:"workflow_id"`
	UserID     string `json:"user_id"`
}

type ExecuteStartResponse struct {
	ExecutionID string         `json:"execution_id"`
	TotalSteps  int            `json:"total_steps"`
	FirstStep   *ExecutionStep `json:"first_step"`
}

type ExecuteStepRequest struct {
	ExecutionID          string `json:"execution_id"`
	StepIndex            int    `json:"step_index"`
	CurrentScreenshotB64 string `json:"current_screenshot_b64"`
}

type ExecuteStepResponse struct {
	Action           *workflow.ActionCommand `json:"action"`
	RecoveryNeeded   bool                    `json:"recovery_needed"`
	RecoveryQuestion *string                 `json:"recovery_question"`
	Confidence       float64                 `json:"confidence"`
	Intent           string                  `json:"intent"`
	Attempt          int                     `json:"attempt"`
}

type ExecuteVerifyRequest struct {
	ExecutionID   string `json:"execution_id"`
	StepIndex     int    `json:"step_index"`
	ScreenshotB64 string `json:"screenshot_b64"`
}

type ExecuteVerifyResponse struct {
	Outcome          string  `json:"outcome"` // "verified", "retry", "recovery"
	Verified         bool    `json:"verified"`
	Confidence       float64 `json:"confidence"`
	Observation      string  `json:"observation"`
	Attempts         int     `json:"attempts"`
	RecoveryQuestion *string `json:"recovery_question"`
}

type ExecuteRecoverRequest struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	Resolution  string `json:"resolution"`
}

// ExecuteRecoverResponse carries a provisional action with centered coordinates.
// It must be confirmed by a later verify call.
type ExecuteRecoverResponse struct {
	Action      workflow.ActionCommand `json:"action"`
	Provisional bool                   `json:"provisional"`
}

type ExecuteAdvanceRequest struct {
	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
}

type ExecuteAdvanceResponse struct {
	StepIndex int           `json:"step_index"`
	NextStep  ExecutionStep `json:"next_step"`
}

type ExecuteCompleteRequest struct {
	ExecutionID string `json:"execution_id"`
}

type ExecuteCompleteResponse struct {
	Success     bool       `json:"success"`
	CompletedAt *time.Time `json:"completed_at"`
}

// ExecutionStatusResponse is the read view of an execution.
type ExecutionStatusResponse struct {
	ExecutionID      string                   `json:"execution_id"`
	WorkflowID       string                   `json:"workflow_id"`
	Status           workflow.ExecutionStatus `json:"status"`
	StepIndex        int                      `json:"step_index"`
	TotalSteps       int                      `json:"total_steps"`
	Current          ExecutionStep            `json:"current"`
	Attempts         int                      `json:"attempts"`
	RecoveryQuestion *string                  `json:"recovery_question"`
	StartedAt        time.Time                `json:"started_at"`
	CompletedAt      *time.Time               `json:"completed_at"`
}

// NewExecutionStatusResponse builds the read view. intent may be empty.
func NewExecutionStatusResponse(e workflow.ExecutionSession, intent string) ExecutionStatusResponse {
	resp := ExecutionStatusResponse{
		ExecutionID: e.ExecutionID,
		WorkflowID:  e.WorkflowID,
		Status:      e.Status,
		StepIndex:   e.StepIndex,
		TotalSteps:  e.TotalSteps,
		Current:     ExecutionStep{StepIndex: e.StepIndex, Intent: intent, Status: StepStatusOf(e)},
		Attempts:    e.Attempts,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
	if e.Phase == workflow.PhaseRecovering && e.PendingQuestion != "" {
		q := e.PendingQuestion
		resp.RecoveryQuestion = &q
	}
	return resp
}

// StepStatusOf derives the display state of the execution's current step.
func StepStatusOf(e workflow.ExecutionSession) ExecutionStepStatus {
	switch {
	case e.Status == workflow.ExecutionComplete:
		return StepDone
	case e.Phase == workflow.PhaseRecovering:
		return StepRecovering
	case e.Attempts > 0:
		return StepExecuting
	default:
		return StepPending
	}
}

// OptionalString returns nil for an empty string.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
