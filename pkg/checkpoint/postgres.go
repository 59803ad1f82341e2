package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
)

// PostgresStore is a checkpoint Store backed by a single
// workflow_checkpoints table. It is self-contained: it bootstraps its
// own schema on first use rather than depending on an external
// migrations package, so this package has no dependency beyond lib/pq
// and google/uuid (for row ids).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against databaseURL and
// ensures the checkpoint table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping checkpoint store: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.bootstrap(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) bootstrap(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id             UUID PRIMARY KEY,
			workflow_id    TEXT NOT NULL,
			execution_id   TEXT NOT NULL,
			definition     JSONB,
			status         TEXT NOT NULL,
			step_index     INTEGER NOT NULL,
			context        JSONB,
			step_results   JSONB,
			error          TEXT,
			started_at     TIMESTAMPTZ,
			completed_at   TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_checkpoints_execution
			ON workflow_checkpoints (execution_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_workflow_checkpoints_workflow
			ON workflow_checkpoints (workflow_id);
	`)
	if err != nil {
		return fmt.Errorf("bootstrap checkpoint schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp WorkflowCheckpoint) error {
	definitionJSON, err := json.Marshal(cp.Definition)
	if err != nil {
		return fmt.Errorf("marshal checkpoint definition: %w", err)
	}
	contextJSON, err := json.Marshal(cp.Context)
	if err != nil {
		return fmt.Errorf("marshal checkpoint context: %w", err)
	}
	stepResultsJSON, err := json.Marshal(cp.StepResults)
	if err != nil {
		return fmt.Errorf("marshal checkpoint step results: %w", err)
	}

	query := `
		INSERT INTO workflow_checkpoints (
			id, workflow_id, execution_id, definition, status, step_index,
			context, step_results, error, started_at, completed_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())`

	_, err = s.db.ExecContext(ctx, query,
		uuid.NewString(), cp.WorkflowID, cp.ExecutionID, definitionJSON,
		cp.Status, cp.StepIndex, contextJSON, stepResultsJSON, cp.Error,
		nullableTime(cp.StartedAt), nullableTime(cp.CompletedAt))
	if err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", cp.ExecutionID, err)
	}
	return nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, executionID string) (WorkflowCheckpoint, bool, error) {
	query := `
		SELECT workflow_id, execution_id, definition, status, step_index,
		       context, step_results, error, started_at, completed_at, created_at
		FROM workflow_checkpoints
		WHERE execution_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, executionID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return WorkflowCheckpoint{}, false, nil
	}
	if err != nil {
		return WorkflowCheckpoint{}, false, fmt.Errorf("load checkpoint for %s: %w", executionID, err)
	}
	return cp, true, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, workflowID string) ([]WorkflowCheckpoint, error) {
	var rows *sql.Rows
	var err error
	if workflowID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT workflow_id, execution_id, definition, status, step_index,
			       context, step_results, error, started_at, completed_at, created_at
			FROM workflow_checkpoints ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT workflow_id, execution_id, definition, status, step_index,
			       context, step_results, error, started_at, completed_at, created_at
			FROM workflow_checkpoints WHERE workflow_id = $1 ORDER BY created_at DESC`, workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []WorkflowCheckpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// rowScanner abstracts over *sql.Row and *sql.Rows so scanCheckpoint
// serves both LoadCheckpoint and ListCheckpoints.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCheckpoint(row rowScanner) (WorkflowCheckpoint, error) {
	var cp WorkflowCheckpoint
	var definitionJSON, contextJSON, stepResultsJSON []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&cp.WorkflowID, &cp.ExecutionID, &definitionJSON, &cp.Status, &cp.StepIndex,
		&contextJSON, &stepResultsJSON, &cp.Error, &startedAt, &completedAt, &cp.CreatedAt)
	if err != nil {
		return WorkflowCheckpoint{}, err
	}

	if len(definitionJSON) > 0 {
		if err := json.Unmarshal(definitionJSON, &cp.Definition); err != nil {
			return WorkflowCheckpoint{}, fmt.Errorf("unmarshal definition: %w", err)
		}
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &cp.Context); err != nil {
			return WorkflowCheckpoint{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if len(stepResultsJSON) > 0 {
		if err := json.Unmarshal(stepResultsJSON, &cp.StepResults); err != nil {
			return WorkflowCheckpoint{}, fmt.Errorf("unmarshal step results: %w", err)
		}
	}
	if startedAt.Valid {
		cp.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		cp.CompletedAt = completedAt.Time
	}
	return cp, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
