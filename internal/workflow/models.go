// internal/workflow/models.go
package workflow

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ActionType enumerates the abstract actions a step can ask the actuator to perform.
type ActionType string

const (
	ActionClick        ActionType = "click"
	ActionInput        ActionType = "type"
	ActionNavigate     ActionType = "navigate"
	ActionScroll       ActionType = "scroll"
	ActionExtractValue ActionType = "extract_value"
)

// DefaultConfidenceThreshold is applied when a step draft carries no threshold.
const DefaultConfidenceThreshold = 0.82

// ParseActionType maps free text onto a known action, degrading anything unknown to click.
func ParseActionType(s string) ActionType {
	switch ActionType(strings.ToLower(strings.TrimSpace(s))) {
	case ActionInput:
		return ActionInput
	case ActionNavigate:
		return ActionNavigate
	case ActionScroll:
		return ActionScroll
	case ActionExtractValue:
		return ActionExtractValue
	default:
		return ActionClick
	}
}

// TakesInput reports whether the action carries an input_value.
func (a ActionType) TakesInput() bool {
	return a == ActionInput || a == ActionNavigate
}

// Status is the lifecycle state shared by teach sessions and workflows.
type Status string

const (
	StatusRecording Status = "recording"
	StatusSaved     Status = "saved"
)

// StepNode is one recorded, replayable step of a workflow.
type StepNode struct {
	StepID              int        `json:"step_id" yaml:"step_id"`
	Intent              string     `json:"intent" yaml:"intent"`
	VisualCue           string     `json:"visual_cue" yaml:"visual_cue"`
	NarrationHint       string     `json:"narration_hint" yaml:"narration_hint,omitempty"`
	ActionType          ActionType `json:"action_type" yaml:"action_type"`
	TargetDescription   string     `json:"target_description" yaml:"target_description"`
	InputValue          *string    `json:"input_value" yaml:"input_value,omitempty"`
	StoresTo            *string    `json:"stores_to" yaml:"stores_to,omitempty"`
	VerificationCue     string     `json:"verification_cue" yaml:"verification_cue"`
	ConfidenceThreshold float64    `json:"confidence_threshold" yaml:"confidence_threshold"`
}

// Normalize enforces the field presence rules for the step's action type and
// clamps the threshold into [0,1].
func (s StepNode) Normalize() StepNode {
	s.ActionType = ParseActionType(string(s.ActionType))
	if !s.ActionType.TakesInput() {
		s.InputValue = nil
	} else if s.InputValue == nil {
		empty := ""
		s.InputValue = &empty
	}
	if s.ActionType != ActionExtractValue {
		s.StoresTo = nil
	} else if s.StoresTo == nil {
		empty := ""
		s.StoresTo = &empty
	}
	s.ConfidenceThreshold = clampUnit(s.ConfidenceThreshold)
	return s
}

// StepDraft is the loosely populated shape a perception oracle returns for a step.
// Pointer fields distinguish "absent" from zero values.
type StepDraft struct {
	Intent              string   `json:"intent"`
	VisualCue           string   `json:"visual_cue"`
	ActionType          string   `json:"action_type"`
	TargetDescription   string   `json:"target_description"`
	InputValue          *string  `json:"input_value"`
	StoresTo            *string  `json:"stores_to"`
	VerificationCue     string   `json:"verification_cue"`
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	NarrationHint       string   `json:"narration_hint,omitempty"`
}

// ToStep converts a draft into a normalized StepNode.
func (d StepDraft) ToStep(stepID int, narration string) StepNode {
	threshold := DefaultConfidenceThreshold
	if d.ConfidenceThreshold != nil {
		threshold = *d.ConfidenceThreshold
	}
	if narration == "" {
		narration = d.NarrationHint
	}
	return StepNode{
		StepID:              stepID,
		Intent:              strings.TrimSpace(d.Intent),
		VisualCue:           strings.TrimSpace(d.VisualCue),
		NarrationHint:       narration,
		ActionType:          ActionType(d.ActionType),
		TargetDescription:   strings.TrimSpace(d.TargetDescription),
		InputValue:          d.InputValue,
		StoresTo:            d.StoresTo,
		VerificationCue:     strings.TrimSpace(d.VerificationCue),
		ConfidenceThreshold: threshold,
	}.Normalize()
}

// Renumber returns a copy of steps with contiguous step_ids starting at 0.
func Renumber(steps []StepNode) []StepNode {
	out := make([]StepNode, len(steps))
	for i, s := range steps {
		s.StepID = i
		out[i] = s
	}
	return out
}

// TeachSession is an in-progress recording.
type TeachSession struct {
	SessionID    string     `json:"session_id"`
	WorkflowName string     `json:"workflow_name"`
	UserID       string     `json:"user_id"`
	Status       Status     `json:"status"`
	Steps        []StepNode `json:"steps"`
	CreatedAt    time.Time  `json:"created_at"`
}

// WorkflowGraph is an ordered, saved sequence of steps owned by one user.
type WorkflowGraph struct {
	WorkflowID   string     `json:"workflow_id" yaml:"workflow_id"`
	WorkflowName string     `json:"workflow_name" yaml:"workflow_name"`
	UserID       string     `json:"user_id" yaml:"user_id"`
	Steps        []StepNode `json:"steps" yaml:"steps"`
	Status       Status     `json:"status" yaml:"status"`
	Summary      string     `json:"summary" yaml:"summary,omitempty"`
	RunCount     int        `json:"run_count" yaml:"run_count"`
	LastRun      *time.Time `json:"last_run" yaml:"last_run,omitempty"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at"`
}

// Validate checks the structural invariants of the graph.
func (w *WorkflowGraph) Validate() error {
	if w.WorkflowID == "" {
		return Validationf("workflow_id is required")
	}
	if w.UserID == "" {
		return Validationf("user_id is required")
	}
	if w.Status == StatusSaved && len(w.Steps) == 0 {
		return Validationf("workflow %q cannot be saved without steps", w.WorkflowName)
	}
	for i, s := range w.Steps {
		if s.StepID != i {
			return Validationf("step_ids must be contiguous from 0: position %d has step_id %d", i, s.StepID)
		}
	}
	return nil
}

// Step returns the step at index i.
func (w *WorkflowGraph) Step(i int) (StepNode, error) {
	if i < 0 || i >= len(w.Steps) {
		return StepNode{}, Validationf("step index %d out of range [0,%d)", i, len(w.Steps))
	}
	return w.Steps[i], nil
}

// ExecutionStatus is the coarse lifecycle of an execution.
type ExecutionStatus string

const (
	ExecutionRunning  ExecutionStatus = "running"
	ExecutionComplete ExecutionStatus = "complete"
)

// StepPhase tracks whether the current step is being attempted or waits on a human.
type StepPhase string

const (
	PhaseRunning    StepPhase = "running"
	PhaseRecovering StepPhase = "recovering"
)

// ExecutionSession is the persisted state of one replay of a workflow.
type ExecutionSession struct {
	ExecutionID       string          `json:"execution_id"`
	WorkflowID        string          `json:"workflow_id"`
	UserID            string          `json:"user_id"`
	TotalSteps        int             `json:"total_steps"`
	StepIndex         int             `json:"step_index"`
	Status            ExecutionStatus `json:"status"`
	Phase             StepPhase       `json:"phase"`
	Attempts          int             `json:"attempts"`
	PendingQuestion   string          `json:"pending_question,omitempty"`
	PendingConfidence float64         `json:"pending_confidence"`
	RecoveryData      map[int]string  `json:"recovery_data"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at"`
}

// Resolution returns the stored human resolution for a step, if any.
func (e *ExecutionSession) Resolution(stepIndex int) string {
	if e.RecoveryData == nil {
		return ""
	}
	return e.RecoveryData[stepIndex]
}

// ActionCommand is the abstract instruction handed to the browser-side actuator.
type ActionCommand struct {
	Type            ActionType `json:"type"`
	X               *float64   `json:"x"`
	Y               *float64   `json:"y"`
	Value           *string    `json:"value"`
	ScrollDirection *string    `json:"scroll_direction"`
}

func (a ActionCommand) String() string {
	coord := "-"
	if a.X != nil && a.Y != nil {
		coord = fmt.Sprintf("(%.3f,%.3f)", *a.X, *a.Y)
	}
	return fmt.Sprintf("%s@%s", a.Type, coord)
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return DefaultConfidenceThreshold
	}
	return math.Max(0, math.Min(1, v))
}
