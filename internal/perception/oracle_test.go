package perception

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/workflow"
)

func newTestOracle(model Model) *Oracle {
	return NewOracle(model, 64, zap.NewNop())
}

func TestOracle_Locate(t *testing.T) {
	ctx := context.Background()
	shot := testPNG(t, 128, 64)

	t.Run("decodes a found element", func(t *testing.T) {
		model := &fakeModel{responses: []string{"```json\n{\"found\": true, \"confidence\": 0.9, \"x\": 0.4, \"y\": 0.6, \"reasoning\": \"blue button\", \"recovery_question\": null}\n```"}}
		o := newTestOracle(model)

		res, err := o.Locate(ctx, shot, LocateRequest{StepIndex: 2, Intent: "Submit the form", ActionType: workflow.ActionClick, VisualCue: "blue", TargetDescription: "Submit button"})
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, 0.9, res.Confidence)
		require.NotNil(t, res.X)
		assert.Equal(t, 0.4, *res.X)
		assert.Equal(t, 0.6, *res.Y)
		assert.Empty(t, res.RecoveryQuestion)

		prompt := model.lastPrompt()
		assert.Contains(t, prompt, "step 2")
		assert.Contains(t, prompt, "Submit the form")
		assert.Contains(t, prompt, "Action to perform: click")
		assert.NotContains(t, prompt, "previously clarified")

		require.Len(t, model.media[0], 1)
		assert.Equal(t, "image/png", model.media[0][0].MIMEType)
	})

	t.Run("appends the clarification clause", func(t *testing.T) {
		model := &fakeModel{responses: []string{`{"found": false, "confidence": 0.2, "recovery_question": "Which one?"}`}}
		o := newTestOracle(model)

		res, err := o.Locate(ctx, shot, LocateRequest{Intent: "Open settings", Clarification: "the gear icon top right"})
		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Nil(t, res.X)
		assert.Equal(t, "Which one?", res.RecoveryQuestion)
		assert.Contains(t, model.lastPrompt(), `previously clarified this step: "the gear icon top right"`)
	})

	t.Run("rejects malformed answers", func(t *testing.T) {
		cases := map[string]string{
			"missing found":        `{"confidence": 0.9, "x": 0.1, "y": 0.1}`,
			"missing confidence":   `{"found": true, "x": 0.1, "y": 0.1}`,
			"confidence too large": `{"found": true, "confidence": 1.5, "x": 0.1, "y": 0.1}`,
			"missing coordinates":  `{"found": true, "confidence": 0.9}`,
			"pixel coordinates":    `{"found": true, "confidence": 0.9, "x": 512, "y": 300}`,
			"not json":             `I can't see the screen`,
		}
		for name, body := range cases {
			t.Run(name, func(t *testing.T) {
				o := newTestOracle(&fakeModel{responses: []string{body}})
				_, err := o.Locate(ctx, shot, LocateRequest{})
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedResponse)
			})
		}
	})

	t.Run("propagates model errors", func(t *testing.T) {
		boom := errors.New("connection reset")
		o := newTestOracle(&fakeModel{errs: []error{boom}, responses: []string{""}})
		_, err := o.Locate(ctx, shot, LocateRequest{})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("fails on undecodable screenshots", func(t *testing.T) {
		model := &fakeModel{responses: []string{`{}`}}
		o := newTestOracle(model)
		_, err := o.Locate(ctx, []byte("not an image"), LocateRequest{})
		require.Error(t, err)
		assert.Empty(t, model.prompts, "model must not be called")
	})
}

func TestOracle_Verify(t *testing.T) {
	ctx := context.Background()
	shot := testPNG(t, 32, 32)

	o := newTestOracle(&fakeModel{responses: []string{`{"verified": true, "confidence": 0.88, "observation": "Dashboard is shown"}`}})
	v, err := o.Verify(ctx, shot, "Dashboard appears")
	require.NoError(t, err)
	assert.Equal(t, Verification{Verified: true, Confidence: 0.88, Observation: "Dashboard is shown"}, v)

	o = newTestOracle(&fakeModel{responses: []string{`{"confidence": 0.88}`}})
	_, err = o.Verify(ctx, shot, "Dashboard appears")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOracle_BuildStepFromDemo(t *testing.T) {
	ctx := context.Background()
	shot := testPNG(t, 32, 32)

	model := &fakeModel{responses: []string{`{"intent": "Search for invoices", "visual_cue": "white box", "action_type": "type", "target_description": "Search field", "input_value": "invoice", "stores_to": null, "verification_cue": "Results appear", "confidence_threshold": 0.7}`}}
	o := newTestOracle(model)

	draft, err := o.BuildStepFromDemo(ctx, shot, "", "Search")
	require.NoError(t, err)
	assert.Equal(t, "Search for invoices", draft.Intent)
	require.NotNil(t, draft.InputValue)
	assert.Equal(t, "invoice", *draft.InputValue)
	require.NotNil(t, draft.ConfidenceThreshold)
	assert.Equal(t, 0.7, *draft.ConfidenceThreshold)
	assert.Contains(t, model.lastPrompt(), "(no narration)")

	o = newTestOracle(&fakeModel{responses: []string{`{"visual_cue": "white box"}`}})
	_, err = o.BuildStepFromDemo(ctx, shot, "typed invoice", "")
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestOracle_FinalizeSteps(t *testing.T) {
	model := &fakeModel{responses: []string{`{"steps": [{"intent": "Open the app", "action_type": "click"}], "summary": " Opens the app. "}`}}
	o := newTestOracle(model)

	fin, err := o.FinalizeSteps(context.Background(), []workflow.StepNode{{StepID: 0, Intent: "open app", ActionType: workflow.ActionClick}})
	require.NoError(t, err)
	require.Len(t, fin.Steps, 1)
	assert.Equal(t, "Open the app", fin.Steps[0].Intent)
	assert.Equal(t, "Opens the app.", fin.Summary)
	assert.Contains(t, model.lastPrompt(), `"intent": "open app"`)
	assert.Empty(t, model.media[0], "finalize is text only")
}
