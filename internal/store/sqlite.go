// internal/store/sqlite.go
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/workflow"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS teach_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		doc TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		doc TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS workflows_user_id_idx ON workflows (user_id, created_at);`,
	`CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		doc TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);`,
}

// SQLite is a single-file Store for local use. Documents are JSON text and
// partial updates go through the JSON1 functions.
type SQLite struct {
	db  *sql.DB
	log *zap.Logger
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer at a time; sqlite serializes anyway.
	db.SetMaxOpenConns(1)

	for _, q := range sqliteSchema {
		if _, err := db.ExecContext(ctx, q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
		}
	}
	return &SQLite{db: db, log: logger.Named("store.sqlite")}, nil
}

func (s *SQLite) CreateSession(ctx context.Context, session workflow.TeachSession) error {
	session = prepareSession(session)
	doc, err := json.Marshal(session)
	if err != nil {
		return workflow.Persistence("encode teach session", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO teach_sessions (id, user_id, doc, created_at) VALUES (?, ?, ?, ?)`,
		session.SessionID, session.UserID, string(doc), session.CreatedAt)
	if err != nil {
		return workflow.Persistence("insert teach session", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, sessionID string) (workflow.TeachSession, error) {
	var out workflow.TeachSession
	if err := s.getDoc(ctx, &out, "teach session", sessionID, `SELECT doc FROM teach_sessions WHERE id = ?`, sessionID); err != nil {
		return workflow.TeachSession{}, err
	}
	return out, nil
}

func (s *SQLite) AppendStep(ctx context.Context, sessionID string, step workflow.StepNode) (int, error) {
	doc, err := json.Marshal(step)
	if err != nil {
		return 0, workflow.Persistence("encode step", err)
	}
	var count int
	err = s.db.QueryRowContext(ctx, `
		UPDATE teach_sessions
		SET doc = json_insert(doc, '$.steps[#]',
			json_set(json(?), '$.step_id', json_array_length(doc, '$.steps')))
		WHERE id = ?
		RETURNING json_array_length(doc, '$.steps')`,
		string(doc), sessionID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, workflow.NotFound("teach session", sessionID)
	}
	if err != nil {
		return 0, workflow.Persistence("append step", err)
	}
	return count, nil
}

func (s *SQLite) SetSessionStatus(ctx context.Context, sessionID string, status workflow.Status) error {
	return s.execOne(ctx, "update teach session status", "teach session", sessionID,
		`UPDATE teach_sessions SET doc = json_set(doc, '$.status', ?) WHERE id = ?`, string(status), sessionID)
}

func (s *SQLite) SaveWorkflow(ctx context.Context, wf workflow.WorkflowGraph) error {
	wf = prepareWorkflow(wf)
	doc, err := json.Marshal(wf)
	if err != nil {
		return workflow.Persistence("encode workflow", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, user_id, doc, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, doc = excluded.doc`,
		wf.WorkflowID, wf.UserID, string(doc), wf.CreatedAt)
	if err != nil {
		return workflow.Persistence("save workflow", err)
	}
	return nil
}

func (s *SQLite) GetWorkflow(ctx context.Context, userID, workflowID string) (workflow.WorkflowGraph, error) {
	var wf workflow.WorkflowGraph
	if err := s.getDoc(ctx, &wf, "workflow", workflowID,
		`SELECT doc FROM workflows WHERE id = ? AND user_id = ?`, workflowID, userID); err != nil {
		return workflow.WorkflowGraph{}, err
	}
	return wf, nil
}

func (s *SQLite) ListWorkflows(ctx context.Context, userID string) ([]workflow.WorkflowGraph, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM workflows WHERE user_id = ? ORDER BY created_at DESC, id ASC`, userID)
	if err != nil {
		return nil, workflow.Persistence("query workflows", err)
	}
	defer rows.Close()

	out := make([]workflow.WorkflowGraph, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, workflow.Persistence("scan workflow row", err)
		}
		var wf workflow.WorkflowGraph
		if err := json.UnmarshalFromString(raw, &wf); err != nil {
			return nil, workflow.Persistence("decode workflow", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Persistence("iterate workflows", err)
	}
	return out, nil
}

func (s *SQLite) RecordWorkflowRun(ctx context.Context, userID, workflowID string, at time.Time) error {
	return s.execOne(ctx, "record workflow run", "workflow", workflowID, `
		UPDATE workflows
		SET doc = json_set(doc,
			'$.run_count', COALESCE(json_extract(doc, '$.run_count'), 0) + 1,
			'$.last_run', ?)
		WHERE id = ? AND user_id = ?`,
		at.UTC().Format(time.RFC3339Nano), workflowID, userID)
}

func (s *SQLite) CreateExecution(ctx context.Context, exec workflow.ExecutionSession) error {
	exec = prepareExecution(exec)
	doc, err := json.Marshal(exec)
	if err != nil {
		return workflow.Persistence("encode execution", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, user_id, doc, created_at) VALUES (?, ?, ?, ?)`,
		exec.ExecutionID, exec.UserID, string(doc), exec.StartedAt)
	if err != nil {
		return workflow.Persistence("insert execution", err)
	}
	return nil
}

func (s *SQLite) GetExecution(ctx context.Context, executionID string) (workflow.ExecutionSession, error) {
	var e workflow.ExecutionSession
	if err := s.getDoc(ctx, &e, "execution", executionID, `SELECT doc FROM executions WHERE id = ?`, executionID); err != nil {
		return workflow.ExecutionSession{}, err
	}
	if e.RecoveryData == nil {
		e.RecoveryData = map[int]string{}
	}
	return e, nil
}

func (s *SQLite) UpdateExecution(ctx context.Context, executionID string, update ExecutionUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	patch, err := update.patch()
	if err != nil {
		return workflow.Persistence("encode execution update", err)
	}
	return s.execOne(ctx, "update execution", "execution", executionID,
		`UPDATE executions SET doc = json_patch(doc, ?) WHERE id = ?`, string(patch), executionID)
}

func (s *SQLite) SetRecoveryResolution(ctx context.Context, executionID string, stepIndex int, resolution string) error {
	return s.execOne(ctx, "store recovery resolution", "execution", executionID, `
		UPDATE executions
		SET doc = json_set(doc, printf('$.recovery_data."%d"', ?), ?)
		WHERE id = ?`,
		stepIndex, resolution, executionID)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) getDoc(ctx context.Context, dst any, kind, id, query string, args ...any) error {
	var raw string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.NotFound(kind, id)
	}
	if err != nil {
		return workflow.Persistence("load "+kind, err)
	}
	if err := json.UnmarshalFromString(raw, dst); err != nil {
		return workflow.Persistence("decode "+kind, err)
	}
	return nil
}

func (s *SQLite) execOne(ctx context.Context, op, kind, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return workflow.Persistence(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return workflow.Persistence(op, err)
	}
	if n == 0 {
		return workflow.NotFound(kind, id)
	}
	return nil
}
