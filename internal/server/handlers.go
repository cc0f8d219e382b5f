// File: internal/server/handlers.go
package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/api/schemas"
	"github.com/Manoj7ar/Users/internal/config"
	"github.com/Manoj7ar/Users/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handlers manages the HTTP request handling for the API.
type Handlers struct {
	log          *zap.Logger
	services     Services
	maxBodyBytes int64
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg config.ServerConfig, services Services, logger *zap.Logger) *Handlers {
	return &Handlers{
		log:          logger.Named("handlers"),
		services:     services,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
}

// RegisterRoutes sets up the routing. auth wraps every route except the health check.
func (h *Handlers) RegisterRoutes(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Get("/health", h.HandleHealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(auth)

		r.Route("/teach", func(r chi.Router) {
			r.Post("/start", h.HandleTeachStart)
			r.Post("/step", h.HandleTeachStep)
			r.Post("/finish", h.HandleTeachFinish)
			r.Post("/transcribe", h.HandleTranscribe)
		})

		r.Get("/workflows/{userID}", h.HandleListWorkflows)

		r.Route("/execute", func(r chi.Router) {
			r.Post("/start", h.HandleExecuteStart)
			r.Post("/step", h.HandleExecuteStep)
			r.Post("/verify", h.HandleExecuteVerify)
			r.Post("/recover", h.HandleExecuteRecover)
			r.Post("/advance", h.HandleExecuteAdvance)
			r.Post("/complete", h.HandleExecuteComplete)
			r.Get("/{executionID}", h.HandleGetExecution)
		})
	})
}

// HandleHealthCheck is a simple handler to confirm the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, map[string]string{"status": "ok", "service": "users-backend"})
}

// -- Teach --

func (h *Handlers) HandleTeachStart(w http.ResponseWriter, r *http.Request) {
	var req schemas.TeachStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeUser(w, r, req.UserID) {
		return
	}
	session, err := h.services.Teach.StartSession(r.Context(), req.WorkflowName, req.UserID)
	if err != nil {
		h.respondWithDomainError(w, "teach start", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.TeachStartResponse{SessionID: session.SessionID})
}

func (h *Handlers) HandleTeachStep(w http.ResponseWriter, r *http.Request) {
	var req schemas.TeachStepRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeSession(w, r, req.SessionID) {
		return
	}
	screenshot, err := decodeBase64(req.ScreenshotB64)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid screenshot_b64: %v", err))
		return
	}
	step, count, err := h.services.Teach.AddStep(r.Context(), req.SessionID, screenshot, req.TranscriptSegment, req.ClickContext)
	if err != nil {
		h.respondWithDomainError(w, "teach step", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.TeachStepResponse{StepNode: step, StepsCaptured: count})
}

func (h *Handlers) HandleTeachFinish(w http.ResponseWriter, r *http.Request) {
	var req schemas.TeachFinishRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeSession(w, r, req.SessionID) {
		return
	}
	wf, err := h.services.Teach.Finish(r.Context(), req.SessionID)
	if err != nil {
		h.respondWithDomainError(w, "teach finish", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.TeachFinishResponse{
		WorkflowID: wf.WorkflowID,
		StepCount:  len(wf.Steps),
		Summary:    wf.Summary,
	})
}

func (h *Handlers) HandleTranscribe(w http.ResponseWriter, r *http.Request) {
	if h.services.Transcriber == nil {
		h.respondWithError(w, http.StatusServiceUnavailable, "Transcription is not enabled.")
		return
	}
	var req schemas.TranscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	audio, err := decodeBase64(req.AudioB64)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid audio_b64: %v", err))
		return
	}
	text := h.services.Transcriber.Transcribe(r.Context(), audio, req.MIMEType)
	h.respondWithSuccess(w, http.StatusOK, schemas.TranscribeResponse{Transcript: text})
}

// -- Workflows --

func (h *Handlers) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if !h.authorizeUser(w, r, userID) {
		return
	}
	workflows, err := h.services.Teach.ListWorkflows(r.Context(), userID)
	if err != nil {
		h.respondWithDomainError(w, "list workflows", err)
		return
	}
	items := make([]schemas.WorkflowListItem, 0, len(workflows))
	for _, wf := range workflows {
		items = append(items, schemas.NewWorkflowListItem(wf))
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.WorkflowListResponse{Workflows: items})
}

// -- Execute --

func (h *Handlers) HandleExecuteStart(w http.ResponseWriter, r *http.Request) {
	var req schemas.ExecuteStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizeUser(w, r, req.UserID) {
		return
	}
	started, err := h.services.Executions.Start(r.Context(), req.UserID, req.WorkflowID)
	if err != nil {
		h.respondWithDomainError(w, "execute start", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.ExecuteStartResponse{
		ExecutionID: started.Execution.ExecutionID,
		TotalSteps:  started.Execution.TotalSteps,
		FirstStep: &schemas.ExecutionStep{
			StepIndex: 0,
			Intent:    started.FirstStep.Intent,
			Status:    schemas.StepPending,
		},
	})
}

func (h *Handlers) HandleExecuteStep(w http.ResponseWriter, r *http.Request) {
	var req schemas.ExecuteStepRequest
	if !h.decode(w, r, &req) {
		return
	}
	screenshot, err := decodeBase64(req.CurrentScreenshotB64)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid current_screenshot_b64: %v", err))
		return
	}
	res, err := h.services.Executions.ExecuteStep(r.Context(), subjectFrom(r.Context()), req.ExecutionID, req.StepIndex, screenshot)
	if err != nil {
		h.respondWithDomainError(w, "execute step", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.ExecuteStepResponse{
		Action:           res.Action,
		RecoveryNeeded:   res.RecoveryNeeded,
		RecoveryQuestion: schemas.OptionalString(res.RecoveryQuestion),
		Confidence:       res.Confidence,
		Intent:           res.Intent,
		Attempt:          res.Attempt,
	})
}

func (h *Handlers) HandleExecuteVerify(w http.ResponseWriter, r *http.Request) {
	var req schemas.ExecuteVerifyRequest
	if !h.decode(w, r, &req) {
		return
	}
	screenshot, err := decodeBase64(req.ScreenshotB64)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid screenshot_b64: %v", err))
		return
	}
	res, err := h.services.Executions.VerifyStep(r.Context(), subjectFrom(r.Context()), req.ExecutionID, req.StepIndex, screenshot)
	if err != nil {
		h.respondWithDomainError(w, "execute verify", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.ExecuteVerifyResponse{
		Outcome:          res.Outcome,
		Verified:         res.Verified,
		Confidence:       res.Confidence,
		Observation:      res.Observation,
		Attempts:         res.Attempts,
		RecoveryQuestion: schemas.OptionalString(res.RecoveryQuestion),
	})
}

func (h *Handlers) HandleExecuteRecover(w http.ResponseWriter, r *http.Request) {
	var req schemas.ExecuteRecoverRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.services.Executions.Recover(r.Context(), subjectFrom(r.Context()), req.ExecutionID, req.StepIndex, req.Resolution)
	if err != nil {
		h.respondWithDomainError(w, "execute recover", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.ExecuteRecoverResponse{Action: res.Action, Provisional: true})
}

func (h *Handlers) HandleExecuteAdvance(w http.ResponseWriter, r *http.Request) {
	var req schemas.ExecuteAdvanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.services.Executions.Advance(r.Context(), subjectFrom(r.Context()), req.ExecutionID, req.StepIndex)
	if err != nil {
		h.respondWithDomainError(w, "execute advance", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.ExecuteAdvanceResponse{
		StepIndex: res.Execution.StepIndex,
		NextStep: schemas.ExecutionStep{
			StepIndex: res.Execution.StepIndex,
			Intent:    res.NextStep.Intent,
			Status:    schemas.StepPending,
		},
	})
}

func (h *Handlers) HandleExecuteComplete(w http.ResponseWriter, r *http.Request) {
	var req schemas.ExecuteCompleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	exec, err := h.services.Executions.Complete(r.Context(), subjectFrom(r.Context()), req.ExecutionID)
	if err != nil {
		h.respondWithDomainError(w, "execute complete", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.ExecuteCompleteResponse{Success: true, CompletedAt: exec.CompletedAt})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, step, err := h.services.Executions.Status(r.Context(), subjectFrom(r.Context()), chi.URLParam(r, "executionID"))
	if err != nil {
		h.respondWithDomainError(w, "get execution", err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, schemas.NewExecutionStatusResponse(exec, step.Intent))
}

// -- Helpers --

// decode reads a JSON body into dst, answering 400 on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	body := r.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	// Read first so the size limit surfaces as *http.MaxBytesError rather
	// than being folded into a decoder error.
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large.")
			return false
		}
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return false
	}
	return true
}

// authorizeUser checks that the token subject matches userID when auth is enabled.
func (h *Handlers) authorizeUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	sub := subjectFrom(r.Context())
	if sub == "" || sub == userID {
		return true
	}
	h.respondWithError(w, http.StatusForbidden, "Token subject does not match user_id.")
	return false
}

func (h *Handlers) authorizeSession(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	sub := subjectFrom(r.Context())
	if sub == "" {
		return true
	}
	session, err := h.services.Teach.Session(r.Context(), sessionID)
	if err != nil {
		h.respondWithDomainError(w, "load teach session", err)
		return false
	}
	if session.UserID != sub {
		h.respondWithError(w, http.StatusNotFound, fmt.Sprintf("teach session %q not found", sessionID))
		return false
	}
	return true
}

// decodeBase64 accepts plain base64 or a data URL.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len("base64,"):]
	}
	if s == "" {
		return nil, errors.New("empty payload")
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	}
	return data, nil
}

// respondWithDomainError maps error kinds onto HTTP status codes.
func (h *Handlers) respondWithDomainError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, workflow.ErrValidation):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, workflow.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, err.Error())
	default:
		h.log.Error("Request failed", zap.String("op", op), zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Internal error during %s.", op))
	}
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithStatus(w, statusCode, "error", nil, message)
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, "success", data, "")
}

func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := schemas.Envelope{Status: status, Data: data, Error: message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
