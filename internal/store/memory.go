// internal/store/memory.go
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Manoj7ar/Users/internal/workflow"
)

// Memory is a process-local Store used for development and tests.
type Memory struct {
	mu         sync.RWMutex
	sessions   map[string]workflow.TeachSession
	workflows  map[string]workflow.WorkflowGraph
	executions map[string]workflow.ExecutionSession
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		sessions:   make(map[string]workflow.TeachSession),
		workflows:  make(map[string]workflow.WorkflowGraph),
		executions: make(map[string]workflow.ExecutionSession),
	}
}

func (m *Memory) CreateSession(_ context.Context, session workflow.TeachSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.SessionID]; ok {
		return workflow.Persistence("create teach session", workflow.Validationf("session %q already exists", session.SessionID))
	}
	m.sessions[session.SessionID] = cloneSession(prepareSession(session))
	return nil
}

func (m *Memory) GetSession(_ context.Context, sessionID string) (workflow.TeachSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return workflow.TeachSession{}, workflow.NotFound("teach session", sessionID)
	}
	return cloneSession(s), nil
}

func (m *Memory) AppendStep(_ context.Context, sessionID string, step workflow.StepNode) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, workflow.NotFound("teach session", sessionID)
	}
	step.StepID = len(s.Steps)
	s.Steps = append(s.Steps, cloneSteps([]workflow.StepNode{step})...)
	m.sessions[sessionID] = s
	return len(s.Steps), nil
}

func (m *Memory) SetSessionStatus(_ context.Context, sessionID string, status workflow.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return workflow.NotFound("teach session", sessionID)
	}
	s.Status = status
	m.sessions[sessionID] = s
	return nil
}

func (m *Memory) SaveWorkflow(_ context.Context, wf workflow.WorkflowGraph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.WorkflowID] = cloneWorkflow(prepareWorkflow(wf))
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, userID, workflowID string) (workflow.WorkflowGraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[workflowID]
	if !ok || wf.UserID != userID {
		return workflow.WorkflowGraph{}, workflow.NotFound("workflow", workflowID)
	}
	return cloneWorkflow(wf), nil
}

func (m *Memory) ListWorkflows(_ context.Context, userID string) ([]workflow.WorkflowGraph, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]workflow.WorkflowGraph, 0)
	for _, wf := range m.workflows {
		if wf.UserID == userID {
			out = append(out, cloneWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].WorkflowID < out[j].WorkflowID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) RecordWorkflowRun(_ context.Context, userID, workflowID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[workflowID]
	if !ok || wf.UserID != userID {
		return workflow.NotFound("workflow", workflowID)
	}
	at = at.UTC()
	wf.RunCount++
	wf.LastRun = &at
	m.workflows[workflowID] = wf
	return nil
}

func (m *Memory) CreateExecution(_ context.Context, exec workflow.ExecutionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ExecutionID]; ok {
		return workflow.Persistence("create execution", workflow.Validationf("execution %q already exists", exec.ExecutionID))
	}
	m.executions[exec.ExecutionID] = cloneExecution(prepareExecution(exec))
	return nil
}

func (m *Memory) GetExecution(_ context.Context, executionID string) (workflow.ExecutionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[executionID]
	if !ok {
		return workflow.ExecutionSession{}, workflow.NotFound("execution", executionID)
	}
	return cloneExecution(e), nil
}

func (m *Memory) UpdateExecution(_ context.Context, executionID string, update ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return workflow.NotFound("execution", executionID)
	}
	update.Apply(&e)
	m.executions[executionID] = e
	return nil
}

func (m *Memory) SetRecoveryResolution(_ context.Context, executionID string, stepIndex int, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return workflow.NotFound("execution", executionID)
	}
	e = cloneExecution(e)
	e.RecoveryData[stepIndex] = resolution
	m.executions[executionID] = e
	return nil
}

func (m *Memory) Close() error { return nil }

func cloneSession(s workflow.TeachSession) workflow.TeachSession {
	s.Steps = cloneSteps(s.Steps)
	return s
}

func cloneWorkflow(wf workflow.WorkflowGraph) workflow.WorkflowGraph {
	wf.Steps = cloneSteps(wf.Steps)
	if wf.LastRun != nil {
		lr := *wf.LastRun
		wf.LastRun = &lr
	}
	return wf
}

// cloneSteps copies steps including the values behind their optional fields.
func cloneSteps(steps []workflow.StepNode) []workflow.StepNode {
	out := make([]workflow.StepNode, len(steps))
	for i, st := range steps {
		if st.InputValue != nil {
			v := *st.InputValue
			st.InputValue = &v
		}
		if st.StoresTo != nil {
			v := *st.StoresTo
			st.StoresTo = &v
		}
		out[i] = st
	}
	return out
}

func cloneExecution(e workflow.ExecutionSession) workflow.ExecutionSession {
	data := make(map[int]string, len(e.RecoveryData))
	for k, v := range e.RecoveryData {
		data[k] = v
	}
	e.RecoveryData = data
	if e.CompletedAt != nil {
		c := *e.CompletedAt
		e.CompletedAt = &c
	}
	return e
}
