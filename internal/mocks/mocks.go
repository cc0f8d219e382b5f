// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/Manoj7ar/Users/internal/perception"
	"github.com/Manoj7ar/Users/internal/workflow"
)

// -- Perception Gateway Mock --

// MockGateway mocks the perception.Gateway interface.
type MockGateway struct {
	mock.Mock
}

var _ perception.Gateway = (*MockGateway)(nil)

func (m *MockGateway) Locate(ctx context.Context, screenshot []byte, req perception.LocateRequest) (perception.Result, error) {
	select {
	case <-ctx.Done():
		return perception.Result{}, ctx.Err()
	default:
	}
	args := m.Called(ctx, screenshot, req)
	return args.Get(0).(perception.Result), args.Error(1)
}

func (m *MockGateway) Verify(ctx context.Context, screenshot []byte, verificationCue string) (perception.Verification, error) {
	args := m.Called(ctx, screenshot, verificationCue)
	return args.Get(0).(perception.Verification), args.Error(1)
}

func (m *MockGateway) BuildStepFromDemo(ctx context.Context, screenshot []byte, narration, clickContext string) (workflow.StepDraft, error) {
	args := m.Called(ctx, screenshot, narration, clickContext)
	return args.Get(0).(workflow.StepDraft), args.Error(1)
}

func (m *MockGateway) FinalizeSteps(ctx context.Context, steps []workflow.StepNode) (perception.Finalized, error) {
	args := m.Called(ctx, steps)
	return args.Get(0).(perception.Finalized), args.Error(1)
}

// -- Model Mock --

// MockModel mocks the perception.Model interface.
type MockModel struct {
	mock.Mock
}

var _ perception.Model = (*MockModel)(nil)

func (m *MockModel) Generate(ctx context.Context, prompt string, media ...perception.Media) (string, error) {
	args := m.Called(ctx, prompt, media)
	return args.String(0), args.Error(1)
}

// -- Helpers --

// Found builds a confident perception result at (x, y).
func Found(confidence, x, y float64) perception.Result {
	return perception.Result{Found: true, Confidence: confidence, X: &x, Y: &y}
}
