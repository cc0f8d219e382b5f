package recovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/store"
	"github.com/Manoj7ar/Users/internal/workflow"
)

func setup(t *testing.T) (*Loop, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	require.NoError(t, mem.CreateExecution(context.Background(), workflow.ExecutionSession{
		ExecutionID: "e-1",
		UserID:      "u",
		TotalSteps:  3,
		Status:      workflow.ExecutionRunning,
	}))
	return New(mem, zap.NewNop()), mem
}

func TestRecordResolution_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	loop, _ := setup(t)

	_, err := loop.RecordResolution(ctx, "e-1", 1, "r1")
	require.NoError(t, err)
	_, err = loop.RecordResolution(ctx, "e-1", 1, "r2")
	require.NoError(t, err)

	got, err := loop.NextAttemptContext(ctx, "e-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "r2", got)

	other, err := loop.NextAttemptContext(ctx, "e-1", 0)
	require.NoError(t, err)
	assert.Empty(t, other, "resolutions are per step")
}

func TestRecordResolution_Sanitizes(t *testing.T) {
	ctx := context.Background()
	loop, mem := setup(t)

	clean, err := loop.RecordResolution(ctx, "e-1", 0, "  click <b>Save & Close</b><script>alert(1)</script> ")
	require.NoError(t, err)
	assert.Equal(t, "click Save & Close", clean)

	exec, err := mem.GetExecution(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, "click Save & Close", exec.Resolution(0))
}

func TestRecordResolution_Rejects(t *testing.T) {
	ctx := context.Background()
	loop, _ := setup(t)

	_, err := loop.RecordResolution(ctx, "e-1", 0, "   <i></i> ")
	assert.ErrorIs(t, err, workflow.ErrValidation)

	_, err = loop.RecordResolution(ctx, "e-1", -1, "left")
	assert.ErrorIs(t, err, workflow.ErrValidation)

	_, err = loop.RecordResolution(ctx, "missing", 0, "left")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestProvisionalAction(t *testing.T) {
	val := "hello"
	tests := []struct {
		name     string
		step     workflow.StepNode
		wantType workflow.ActionType
		wantVal  *string
	}{
		{"click keeps type", workflow.StepNode{ActionType: workflow.ActionClick}, workflow.ActionClick, nil},
		{"type carries value", workflow.StepNode{ActionType: workflow.ActionInput, InputValue: &val}, workflow.ActionInput, &val},
		{"scroll keeps type", workflow.StepNode{ActionType: workflow.ActionScroll}, workflow.ActionScroll, nil},
		{"extract degrades to click", workflow.StepNode{ActionType: workflow.ActionExtractValue}, workflow.ActionClick, nil},
		{"unknown degrades to click", workflow.StepNode{ActionType: "hover"}, workflow.ActionClick, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := ProvisionalAction(tt.step)
			assert.Equal(t, tt.wantType, cmd.Type)
			require.NotNil(t, cmd.X)
			require.NotNil(t, cmd.Y)
			assert.Equal(t, 0.5, *cmd.X)
			assert.Equal(t, 0.5, *cmd.Y)
			assert.Equal(t, tt.wantVal, cmd.Value)
		})
	}
}
