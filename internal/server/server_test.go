package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/api/schemas"
	"github.com/Manoj7ar/Users/internal/config"
	"github.com/Manoj7ar/Users/internal/execution"
	"github.com/Manoj7ar/Users/internal/mocks"
	"github.com/Manoj7ar/Users/internal/perception"
	"github.com/Manoj7ar/Users/internal/recovery"
	"github.com/Manoj7ar/Users/internal/resolver"
	"github.com/Manoj7ar/Users/internal/speech"
	"github.com/Manoj7ar/Users/internal/store"
	"github.com/Manoj7ar/Users/internal/teach"
	"github.com/Manoj7ar/Users/internal/verify"
	"github.com/Manoj7ar/Users/internal/workflow"
)

const testSecret = "test-signing-secret"

type envelope[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
	Error  string `json:"error"`
}

type harness struct {
	ts    *httptest.Server
	gw    *mocks.MockGateway
	model *mocks.MockModel
	mem   *store.Memory
	token string
}

func newHarness(t *testing.T, auth config.AuthConfig) *harness {
	t.Helper()
	logger := zap.NewNop()
	mem := store.NewMemory()
	gw := new(mocks.MockGateway)
	model := new(mocks.MockModel)

	services := Services{
		Teach: teach.NewService(mem, gw, logger),
		Executions: execution.NewManager(mem,
			resolver.New(gw, logger),
			verify.New(gw, logger),
			recovery.New(mem, logger),
			config.ExecutionConfig{MaxAttempts: 3},
			logger,
		),
		Transcriber: speech.NewTranscriber(model, logger),
	}
	cfg := config.ServerConfig{
		Addr:           "127.0.0.1:0",
		RequestTimeout: 10 * time.Second,
		MaxBodyBytes:   1 << 20,
		Auth:           auth,
	}
	srv := New(cfg, services, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, gw: gw, model: model, mem: mem}
}

func signToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func call[T any](t *testing.T, h *harness, method, path string, body interface{}, wantStatus int) envelope[T] {
	t.Helper()
	resp := h.do(t, method, path, body)
	defer resp.Body.Close()
	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.Equal(t, wantStatus, resp.StatusCode, "error: %s", env.Error)
	return env
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// seedWorkflow records and saves a one-step workflow through the API.
func seedWorkflow(t *testing.T, h *harness, userID string) string {
	t.Helper()
	h.gw.On("BuildStepFromDemo", mock.Anything, []byte("demo"), "click save", "button#save").Return(workflow.StepDraft{
		Intent:            "Save the form",
		ActionType:        "click",
		TargetDescription: "Save button",
		VerificationCue:   "Saved banner",
	}, nil).Once()
	h.gw.On("FinalizeSteps", mock.Anything, mock.Anything).Return(perception.Finalized{}, errors.New("offline")).Once()

	started := call[schemas.TeachStartResponse](t, h, http.MethodPost, "/teach/start",
		schemas.TeachStartRequest{WorkflowName: "Save form", UserID: userID}, http.StatusOK)
	require.NotEmpty(t, started.Data.SessionID)

	step := call[schemas.TeachStepResponse](t, h, http.MethodPost, "/teach/step", schemas.TeachStepRequest{
		SessionID:         started.Data.SessionID,
		ScreenshotB64:     "data:image/png;base64," + b64("demo"),
		TranscriptSegment: "click save",
		ClickContext:      "button#save",
	}, http.StatusOK)
	assert.Equal(t, 1, step.Data.StepsCaptured)
	assert.Equal(t, "Save the form", step.Data.StepNode.Intent)

	finished := call[schemas.TeachFinishResponse](t, h, http.MethodPost, "/teach/finish",
		schemas.TeachFinishRequest{SessionID: started.Data.SessionID}, http.StatusOK)
	assert.Equal(t, 1, finished.Data.StepCount)
	assert.Equal(t, "Workflow: Save form", finished.Data.Summary)
	return finished.Data.WorkflowID
}

func TestHealth(t *testing.T) {
	h := newHarness(t, config.AuthConfig{JWTSecret: testSecret})
	env := call[map[string]string](t, h, http.MethodGet, "/health", nil, http.StatusOK)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "ok", env.Data["status"])
}

func TestTeachAndExecuteFlow(t *testing.T) {
	h := newHarness(t, config.AuthConfig{})
	workflowID := seedWorkflow(t, h, "user-1")

	list := call[schemas.WorkflowListResponse](t, h, http.MethodGet, "/workflows/user-1", nil, http.StatusOK)
	require.Len(t, list.Data.Workflows, 1)
	assert.Equal(t, workflowID, list.Data.Workflows[0].WorkflowID)
	assert.Nil(t, list.Data.Workflows[0].LastRun)

	started := call[schemas.ExecuteStartResponse](t, h, http.MethodPost, "/execute/start",
		schemas.ExecuteStartRequest{WorkflowID: workflowID, UserID: "user-1"}, http.StatusOK)
	execID := started.Data.ExecutionID
	assert.Equal(t, 1, started.Data.TotalSteps)
	require.NotNil(t, started.Data.FirstStep)
	assert.Equal(t, schemas.StepPending, started.Data.FirstStep.Status)

	// First attempt is not confident enough.
	h.gw.On("Locate", mock.Anything, []byte("screen"), mock.Anything).
		Return(perception.Result{Found: true, Confidence: 0.4, X: ptr(0.1), Y: ptr(0.1), RecoveryQuestion: "Which save button?"}, nil).Once()
	step := call[schemas.ExecuteStepResponse](t, h, http.MethodPost, "/execute/step",
		schemas.ExecuteStepRequest{ExecutionID: execID, StepIndex: 0, CurrentScreenshotB64: b64("screen")}, http.StatusOK)
	assert.True(t, step.Data.RecoveryNeeded)
	assert.Nil(t, step.Data.Action)
	require.NotNil(t, step.Data.RecoveryQuestion)

	status := call[schemas.ExecutionStatusResponse](t, h, http.MethodGet, "/execute/"+execID, nil, http.StatusOK)
	assert.Equal(t, schemas.StepExecuting, status.Data.Current.Status, "one low confidence attempt does not block the step")
	assert.Equal(t, "Save the form", status.Data.Current.Intent)

	rec := call[schemas.ExecuteRecoverResponse](t, h, http.MethodPost, "/execute/recover",
		schemas.ExecuteRecoverRequest{ExecutionID: execID, StepIndex: 0, Resolution: "The <b>blue</b> one at the bottom"}, http.StatusOK)
	assert.True(t, rec.Data.Provisional)
	require.NotNil(t, rec.Data.Action.X)
	assert.Equal(t, 0.5, *rec.Data.Action.X)

	h.gw.On("Locate", mock.Anything, []byte("screen"), mock.MatchedBy(func(req perception.LocateRequest) bool {
		return req.Clarification == "The blue one at the bottom"
	})).Return(mocks.Found(0.95, 0.3, 0.8), nil).Once()
	step = call[schemas.ExecuteStepResponse](t, h, http.MethodPost, "/execute/step",
		schemas.ExecuteStepRequest{ExecutionID: execID, StepIndex: 0, CurrentScreenshotB64: b64("screen")}, http.StatusOK)
	assert.False(t, step.Data.RecoveryNeeded)
	require.NotNil(t, step.Data.Action)
	assert.Equal(t, workflow.ActionClick, step.Data.Action.Type)
	assert.Equal(t, 2, step.Data.Attempt, "the provisional action counted as the first attempt")

	h.gw.On("Verify", mock.Anything, []byte("after"), "Saved banner").
		Return(perception.Verification{Verified: true, Confidence: 0.9, Observation: "banner shown"}, nil).Once()
	verified := call[schemas.ExecuteVerifyResponse](t, h, http.MethodPost, "/execute/verify",
		schemas.ExecuteVerifyRequest{ExecutionID: execID, StepIndex: 0, ScreenshotB64: b64("after")}, http.StatusOK)
	assert.Equal(t, execution.OutcomeVerified, verified.Data.Outcome)

	// Single-step workflows complete instead of advancing.
	advance := call[schemas.ExecuteAdvanceResponse](t, h, http.MethodPost, "/execute/advance",
		schemas.ExecuteAdvanceRequest{ExecutionID: execID, StepIndex: 0}, http.StatusBadRequest)
	assert.Equal(t, "error", advance.Status)

	done := call[schemas.ExecuteCompleteResponse](t, h, http.MethodPost, "/execute/complete",
		schemas.ExecuteCompleteRequest{ExecutionID: execID}, http.StatusOK)
	assert.True(t, done.Data.Success)
	require.NotNil(t, done.Data.CompletedAt)

	list = call[schemas.WorkflowListResponse](t, h, http.MethodGet, "/workflows/user-1", nil, http.StatusOK)
	assert.Equal(t, 1, list.Data.Workflows[0].RunCount)
	assert.NotNil(t, list.Data.Workflows[0].LastRun)

	h.gw.AssertExpectations(t)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, config.AuthConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"missing workflow name", http.MethodPost, "/teach/start", schemas.TeachStartRequest{UserID: "u"}, http.StatusBadRequest},
		{"unknown session", http.MethodPost, "/teach/finish", schemas.TeachFinishRequest{SessionID: "nope"}, http.StatusNotFound},
		{"unknown workflow", http.MethodPost, "/execute/start", schemas.ExecuteStartRequest{WorkflowID: "nope", UserID: "u"}, http.StatusNotFound},
		{"unknown execution", http.MethodGet, "/execute/nope", nil, http.StatusNotFound},
		{"bad screenshot", http.MethodPost, "/execute/step", schemas.ExecuteStepRequest{ExecutionID: "x", CurrentScreenshotB64: "%%%"}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/execute/complete", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := call[any](t, h, tt.method, tt.path, tt.body, tt.want)
			assert.Equal(t, "error", env.Status)
			assert.NotEmpty(t, env.Error)
		})
	}

	t.Run("body too large", func(t *testing.T) {
		logger := zap.NewNop()
		srv := New(config.ServerConfig{MaxBodyBytes: 64}, Services{Teach: teach.NewService(store.NewMemory(), new(mocks.MockGateway), logger)}, logger)
		body := `{"session_id":"s","screenshot_b64":"` + strings.Repeat("A", 256) + `"}`
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/teach/step", strings.NewReader(body)))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

		var env envelope[any]
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
		assert.Equal(t, "Request body too large.", env.Error)

		small := `{"workflow_name":"w","user_id":"u"}`
		rec = httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/teach/start", strings.NewReader(small)))
		assert.Equal(t, http.StatusOK, rec.Code, "bodies under the limit still decode")
	})
}

func TestBearerAuth(t *testing.T) {
	h := newHarness(t, config.AuthConfig{JWTSecret: testSecret})

	t.Run("missing token", func(t *testing.T) {
		env := call[any](t, h, http.MethodGet, "/workflows/user-1", nil, http.StatusUnauthorized)
		assert.Equal(t, "Missing bearer token.", env.Error)
	})

	t.Run("bad signature", func(t *testing.T) {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte("other-secret"))
		require.NoError(t, err)
		h.token = tok
		call[any](t, h, http.MethodGet, "/workflows/user-1", nil, http.StatusUnauthorized)
	})

	t.Run("expired token", func(t *testing.T) {
		h.token = signToken(t, "user-1", time.Now().Add(-time.Minute))
		call[any](t, h, http.MethodGet, "/workflows/user-1", nil, http.StatusUnauthorized)
	})

	t.Run("subject mismatch", func(t *testing.T) {
		h.token = signToken(t, "user-2", time.Now().Add(time.Hour))
		call[any](t, h, http.MethodGet, "/workflows/user-1", nil, http.StatusForbidden)
	})

	t.Run("valid token scopes sessions and executions", func(t *testing.T) {
		h.token = signToken(t, "user-1", time.Now().Add(time.Hour))
		workflowID := seedWorkflow(t, h, "user-1")
		started := call[schemas.ExecuteStartResponse](t, h, http.MethodPost, "/execute/start",
			schemas.ExecuteStartRequest{WorkflowID: workflowID, UserID: "user-1"}, http.StatusOK)

		h.token = signToken(t, "user-2", time.Now().Add(time.Hour))
		call[any](t, h, http.MethodGet, "/execute/"+started.Data.ExecutionID, nil, http.StatusNotFound)
		call[any](t, h, http.MethodPost, "/execute/complete",
			schemas.ExecuteCompleteRequest{ExecutionID: started.Data.ExecutionID}, http.StatusNotFound)
	})
}

func TestTranscribe(t *testing.T) {
	h := newHarness(t, config.AuthConfig{})
	h.model.On("Generate", mock.Anything, mock.Anything, mock.Anything).Return("  click   the save button \n", nil).Once()

	env := call[schemas.TranscribeResponse](t, h, http.MethodPost, "/teach/transcribe",
		schemas.TranscribeRequest{AudioB64: b64("RIFF....")}, http.StatusOK)
	assert.Equal(t, "click the save button", env.Data.Transcript)

	call[any](t, h, http.MethodPost, "/teach/transcribe",
		schemas.TranscribeRequest{AudioB64: ""}, http.StatusBadRequest)
}

func TestTranscribeDisabled(t *testing.T) {
	logger := zap.NewNop()
	mem := store.NewMemory()
	srv := New(config.ServerConfig{}, Services{Teach: teach.NewService(mem, new(mocks.MockGateway), logger)}, logger)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/teach/transcribe", strings.NewReader(`{"audio_b64":"AAAA"}`))
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBrotliAndCORS(t *testing.T) {
	h := newHarness(t, config.AuthConfig{})

	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("Origin", "https://app.example.com")
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "br", resp.Header.Get("Content-Encoding"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	raw, err := io.ReadAll(brotli.NewReader(resp.Body))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"success"`)
}

func TestCORSOptions(t *testing.T) {
	opts := corsOptions(nil)
	assert.Equal(t, []string{"*"}, opts.AllowedOrigins)
	assert.False(t, opts.AllowCredentials)

	opts = corsOptions([]string{"https://app.example.com"})
	assert.Equal(t, []string{"https://app.example.com"}, opts.AllowedOrigins)
	assert.True(t, opts.AllowCredentials)
}

func TestDecodeBase64(t *testing.T) {
	got, err := decodeBase64("data:image/png;base64," + b64("png!"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png!"), got)

	got, err = decodeBase64(strings.TrimRight(b64("x"), "="))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	_, err = decodeBase64("   ")
	assert.Error(t, err)
	_, err = decodeBase64("not base64!")
	assert.Error(t, err)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	logger := zap.NewNop()
	srv := New(config.ServerConfig{ShutdownTimeout: time.Second}, Services{}, logger)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func ptr(v float64) *float64 { return &v }
