// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/Manoj7ar/Users/internal/workflow"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// Each collection is a table of JSONB documents. Partial updates are done in
// SQL so concurrent writers to different fields do not clobber each other.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS teach_sessions (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    doc        JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS workflows (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    doc        JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS workflows_user_id_idx ON workflows (user_id, created_at DESC);
CREATE TABLE IF NOT EXISTS executions (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    doc        JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const (
	sqlInsertSession = `INSERT INTO teach_sessions (id, user_id, doc, created_at) VALUES ($1, $2, $3::jsonb, $4)`
	sqlGetSession    = `SELECT doc FROM teach_sessions WHERE id = $1`
	sqlAppendStep    = `
        UPDATE teach_sessions
        SET doc = jsonb_set(
            doc, '{steps}',
            (doc->'steps') || jsonb_build_array(
                jsonb_set($2::jsonb, '{step_id}', to_jsonb(jsonb_array_length(doc->'steps')))
            )
        )
        WHERE id = $1
        RETURNING jsonb_array_length(doc->'steps')`
	sqlSetSessionStatus = `UPDATE teach_sessions SET doc = jsonb_set(doc, '{status}', to_jsonb($2::text)) WHERE id = $1`

	sqlUpsertWorkflow = `
        INSERT INTO workflows (id, user_id, doc, created_at) VALUES ($1, $2, $3::jsonb, $4)
        ON CONFLICT (id) DO UPDATE SET
            user_id = EXCLUDED.user_id,
            doc = EXCLUDED.doc`
	sqlGetWorkflow    = `SELECT doc FROM workflows WHERE id = $1 AND user_id = $2`
	sqlListWorkflows  = `SELECT doc FROM workflows WHERE user_id = $1 ORDER BY created_at DESC, id ASC`
	sqlRecordRun      = `
        UPDATE workflows
        SET doc = jsonb_set(
            jsonb_set(doc, '{run_count}', to_jsonb(COALESCE((doc->>'run_count')::int, 0) + 1)),
            '{last_run}', to_jsonb($3::text)
        )
        WHERE id = $1 AND user_id = $2`

	sqlInsertExecution = `INSERT INTO executions (id, user_id, doc, created_at) VALUES ($1, $2, $3::jsonb, $4)`
	sqlGetExecution    = `SELECT doc FROM executions WHERE id = $1`
	sqlUpdateExecution = `UPDATE executions SET doc = doc || $2::jsonb WHERE id = $1`
	sqlSetResolution   = `
        UPDATE executions
        SET doc = jsonb_set(doc, ARRAY['recovery_data', $2::text], to_jsonb($3::text), true)
        WHERE id = $1`
)

// Postgres is a Store backed by PostgreSQL JSONB documents.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a new store instance and verifies the connection.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool, log: logger.Named("store.postgres")}, nil
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return workflow.Persistence("migrate schema", err)
	}
	p.log.Info("Schema migrated")
	return nil
}

func (p *Postgres) CreateSession(ctx context.Context, session workflow.TeachSession) error {
	session = prepareSession(session)
	doc, err := json.Marshal(session)
	if err != nil {
		return workflow.Persistence("encode teach session", err)
	}
	if _, err := p.pool.Exec(ctx, sqlInsertSession, session.SessionID, session.UserID, string(doc), session.CreatedAt); err != nil {
		return workflow.Persistence("insert teach session", err)
	}
	return nil
}

func (p *Postgres) GetSession(ctx context.Context, sessionID string) (workflow.TeachSession, error) {
	var s workflow.TeachSession
	if err := p.getDoc(ctx, &s, "teach session", sessionID, sqlGetSession, sessionID); err != nil {
		return workflow.TeachSession{}, err
	}
	return s, nil
}

func (p *Postgres) AppendStep(ctx context.Context, sessionID string, step workflow.StepNode) (int, error) {
	doc, err := json.Marshal(step)
	if err != nil {
		return 0, workflow.Persistence("encode step", err)
	}
	var count int
	err = p.pool.QueryRow(ctx, sqlAppendStep, sessionID, string(doc)).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, workflow.NotFound("teach session", sessionID)
	}
	if err != nil {
		return 0, workflow.Persistence("append step", err)
	}
	return count, nil
}

func (p *Postgres) SetSessionStatus(ctx context.Context, sessionID string, status workflow.Status) error {
	return p.execOne(ctx, "update teach session status", "teach session", sessionID, sqlSetSessionStatus, sessionID, string(status))
}

func (p *Postgres) SaveWorkflow(ctx context.Context, wf workflow.WorkflowGraph) error {
	wf = prepareWorkflow(wf)
	doc, err := json.Marshal(wf)
	if err != nil {
		return workflow.Persistence("encode workflow", err)
	}
	if _, err := p.pool.Exec(ctx, sqlUpsertWorkflow, wf.WorkflowID, wf.UserID, string(doc), wf.CreatedAt); err != nil {
		return workflow.Persistence("save workflow", err)
	}
	return nil
}

func (p *Postgres) GetWorkflow(ctx context.Context, userID, workflowID string) (workflow.WorkflowGraph, error) {
	var wf workflow.WorkflowGraph
	if err := p.getDoc(ctx, &wf, "workflow", workflowID, sqlGetWorkflow, workflowID, userID); err != nil {
		return workflow.WorkflowGraph{}, err
	}
	return wf, nil
}

func (p *Postgres) ListWorkflows(ctx context.Context, userID string) ([]workflow.WorkflowGraph, error) {
	rows, err := p.pool.Query(ctx, sqlListWorkflows, userID)
	if err != nil {
		return nil, workflow.Persistence("query workflows", err)
	}
	defer rows.Close()

	out := make([]workflow.WorkflowGraph, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, workflow.Persistence("scan workflow row", err)
		}
		var wf workflow.WorkflowGraph
		if err := json.Unmarshal(raw, &wf); err != nil {
			return nil, workflow.Persistence("decode workflow", err)
		}
		out = append(out, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, workflow.Persistence("iterate workflows", err)
	}
	return out, nil
}

func (p *Postgres) RecordWorkflowRun(ctx context.Context, userID, workflowID string, at time.Time) error {
	stamp := at.UTC().Format(time.RFC3339Nano)
	return p.execOne(ctx, "record workflow run", "workflow", workflowID, sqlRecordRun, workflowID, userID, stamp)
}

func (p *Postgres) CreateExecution(ctx context.Context, exec workflow.ExecutionSession) error {
	exec = prepareExecution(exec)
	doc, err := json.Marshal(exec)
	if err != nil {
		return workflow.Persistence("encode execution", err)
	}
	if _, err := p.pool.Exec(ctx, sqlInsertExecution, exec.ExecutionID, exec.UserID, string(doc), exec.StartedAt); err != nil {
		return workflow.Persistence("insert execution", err)
	}
	return nil
}

func (p *Postgres) GetExecution(ctx context.Context, executionID string) (workflow.ExecutionSession, error) {
	var e workflow.ExecutionSession
	if err := p.getDoc(ctx, &e, "execution", executionID, sqlGetExecution, executionID); err != nil {
		return workflow.ExecutionSession{}, err
	}
	if e.RecoveryData == nil {
		e.RecoveryData = map[int]string{}
	}
	return e, nil
}

func (p *Postgres) UpdateExecution(ctx context.Context, executionID string, update ExecutionUpdate) error {
	if update.IsEmpty() {
		return nil
	}
	patch, err := update.patch()
	if err != nil {
		return workflow.Persistence("encode execution update", err)
	}
	return p.execOne(ctx, "update execution", "execution", executionID, sqlUpdateExecution, executionID, string(patch))
}

func (p *Postgres) SetRecoveryResolution(ctx context.Context, executionID string, stepIndex int, resolution string) error {
	return p.execOne(ctx, "store recovery resolution", "execution", executionID,
		sqlSetResolution, executionID, strconv.Itoa(stepIndex), resolution)
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) getDoc(ctx context.Context, dst any, kind, id, query string, args ...any) error {
	var raw []byte
	err := p.pool.QueryRow(ctx, query, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.NotFound(kind, id)
	}
	if err != nil {
		return workflow.Persistence("load "+kind, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return workflow.Persistence("decode "+kind, err)
	}
	return nil
}

func (p *Postgres) execOne(ctx context.Context, op, kind, id, query string, args ...any) error {
	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return workflow.Persistence(op, err)
	}
	if tag.RowsAffected() == 0 {
		return workflow.NotFound(kind, id)
	}
	return nil
}
