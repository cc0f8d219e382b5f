// internal/perception/gateway.go
package perception

import (
	"context"
	"errors"

	"github.com/Manoj7ar/Users/internal/workflow"
)

// ErrMalformedResponse is returned when the oracle answers with JSON that is
// missing required fields or carries out-of-range values.
var ErrMalformedResponse = errors.New("malformed perception response")

// Gateway is the contract to the visual perception oracle. Every call is
// best-effort; callers decide how a failure degrades.
type Gateway interface {
	// Locate searches a screenshot for the element a step targets.
	Locate(ctx context.Context, screenshot []byte, req LocateRequest) (Result, error)
	// Verify checks whether the expected visual change happened.
	Verify(ctx context.Context, screenshot []byte, verificationCue string) (Verification, error)
	// BuildStepFromDemo turns a demonstrated action into a step draft.
	BuildStepFromDemo(ctx context.Context, screenshot []byte, narration, clickContext string) (workflow.StepDraft, error)
	// FinalizeSteps cleans up recorded steps and summarizes the workflow.
	FinalizeSteps(ctx context.Context, steps []workflow.StepNode) (Finalized, error)
}

// LocateRequest describes the element the oracle should find.
type LocateRequest struct {
	StepIndex         int
	Intent            string
	VisualCue         string
	TargetDescription string
	ActionType        workflow.ActionType
	// Clarification carries a prior human resolution for this step, if any.
	Clarification string
}

// Result is the oracle's answer to a Locate call. X and Y are set iff Found.
type Result struct {
	Found            bool
	Confidence       float64
	X                *float64
	Y                *float64
	Reasoning        string
	RecoveryQuestion string
}

// Verification is the oracle's answer to a Verify call.
type Verification struct {
	Verified    bool    `json:"verified"`
	Confidence  float64 `json:"confidence"`
	Observation string  `json:"observation"`
}

// Finalized is the cleaned-up step list and a one-sentence summary.
type Finalized struct {
	Steps   []workflow.StepDraft
	Summary string
}

// Media is a binary attachment sent alongside a prompt.
type Media struct {
	Data     []byte
	MIMEType string
}

// Model is a multimodal text generator the oracle builds on.
type Model interface {
	Generate(ctx context.Context, prompt string, media ...Media) (string, error)
}
