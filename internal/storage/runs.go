package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/conductor/internal/model"
)

const runColumns = `id, branch_id, message_id, trigger, status, input, policy, plan, actor, error,
	result_message_id, metadata, created_at, started_at, completed_at, updated_at`

func scanRun(row pgx.Row) (model.AgentRun, error) {
	var r model.AgentRun
	err := row.Scan(
		&r.ID, &r.BranchID, &r.MessageID, &r.Trigger, &r.Status, &r.Input, &r.Policy, &r.Plan, &r.Actor, &r.Error,
		&r.ResultMessage, &r.Metadata, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt,
	)
	return r, err
}

// CreateRun inserts a new agent run.
func (db *DB) CreateRun(ctx context.Context, r model.AgentRun) error {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.BranchID, r.MessageID, string(r.Trigger), string(r.Status), r.Input, r.Policy, r.Plan, r.Actor, r.Error,
		r.ResultMessage, r.Metadata, r.CreatedAt, r.StartedAt, r.CompletedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// UpdateRun overwrites the mutable columns of a run.
func (db *DB) UpdateRun(ctx context.Context, r model.AgentRun) error {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	return writeRetry.Do(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE agent_runs SET status = $2, plan = $3, error = $4, result_message_id = $5, metadata = $6,
			        started_at = $7, completed_at = $8, updated_at = $9, policy = $10
			 WHERE id = $1`,
			r.ID, string(r.Status), r.Plan, r.Error, r.ResultMessage, r.Metadata,
			r.StartedAt, r.CompletedAt, r.UpdatedAt, r.Policy,
		)
		if err != nil {
			return fmt.Errorf("storage: update run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: run %s: %w", r.ID, ErrNotFound)
		}
		return nil
	})
}

func (db *DB) queryRuns(ctx context.Context, sql string, args ...any) ([]model.AgentRun, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var out []model.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRuns returns every run of a branch, oldest first.
func (db *DB) ListRuns(ctx context.Context, branchID uuid.UUID) ([]model.AgentRun, error) {
	return db.queryRuns(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE branch_id = $1 ORDER BY created_at`, branchID)
}

// ListActiveRuns returns the runs of a branch that are queued, running or waiting.
func (db *DB) ListActiveRuns(ctx context.Context, branchID uuid.UUID) ([]model.AgentRun, error) {
	return db.queryRuns(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE branch_id = $1 AND status = ANY($2)
		 ORDER BY created_at`, branchID, activeStatusStrings())
}

func activeStatusStrings() []string {
	out := make([]string, len(model.ActiveRunStatuses))
	for i, s := range model.ActiveRunStatuses {
		out[i] = string(s)
	}
	return out
}

const toolRunColumns = `id, run_id, branch_id, tool_name, args, identity_key, status, result, artifacts,
	approved, depth, created_at, started_at, finished_at`

func scanToolRun(row pgx.Row) (model.ToolRun, error) {
	var tr model.ToolRun
	err := row.Scan(
		&tr.ID, &tr.RunID, &tr.BranchID, &tr.ToolName, &tr.Args, &tr.IdentityKey, &tr.Status, &tr.Result, &tr.Artifacts,
		&tr.Approved, &tr.Depth, &tr.CreatedAt, &tr.StartedAt, &tr.FinishedAt,
	)
	return tr, err
}

// CreateToolRun inserts a tool run. A second insert with the same
// (run_id, identity_key) returns ErrDuplicate.
func (db *DB) CreateToolRun(ctx context.Context, tr model.ToolRun) error {
	if tr.Args == nil {
		tr.Args = map[string]any{}
	}
	if tr.Artifacts == nil {
		tr.Artifacts = []model.Artifact{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tool_runs (`+toolRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		tr.ID, tr.RunID, tr.BranchID, tr.ToolName, tr.Args, tr.IdentityKey, string(tr.Status), tr.Result, tr.Artifacts,
		tr.Approved, tr.Depth, tr.CreatedAt, tr.StartedAt, tr.FinishedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: tool run %s/%s: %w", tr.RunID, tr.ToolName, ErrDuplicate)
		}
		return fmt.Errorf("storage: create tool run: %w", err)
	}
	return nil
}

// GetToolRun retrieves a tool run by ID.
func (db *DB) GetToolRun(ctx context.Context, id uuid.UUID) (model.ToolRun, error) {
	tr, err := scanToolRun(db.pool.QueryRow(ctx, `SELECT `+toolRunColumns+` FROM tool_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ToolRun{}, fmt.Errorf("storage: tool run %s: %w", id, ErrNotFound)
		}
		return model.ToolRun{}, fmt.Errorf("storage: get tool run: %w", err)
	}
	return tr, nil
}

// UpdateToolRun overwrites the mutable columns of a tool run.
func (db *DB) UpdateToolRun(ctx context.Context, tr model.ToolRun) error {
	if tr.Artifacts == nil {
		tr.Artifacts = []model.Artifact{}
	}
	return writeRetry.Do(ctx, func() error {
		tag, err := db.pool.Exec(ctx,
			`UPDATE tool_runs SET status = $2, result = $3, artifacts = $4, approved = $5,
			        started_at = $6, finished_at = $7
			 WHERE id = $1`,
			tr.ID, string(tr.Status), tr.Result, tr.Artifacts, tr.Approved, tr.StartedAt, tr.FinishedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: update tool run: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: tool run %s: %w", tr.ID, ErrNotFound)
		}
		return nil
	})
}

func (db *DB) queryToolRuns(ctx context.Context, sql string, args ...any) ([]model.ToolRun, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool runs: %w", err)
	}
	defer rows.Close()

	var out []model.ToolRun
	for rows.Next() {
		tr, err := scanToolRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan tool run: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListToolRuns returns the tool runs of a run, oldest first.
func (db *DB) ListToolRuns(ctx context.Context, runID uuid.UUID) ([]model.ToolRun, error) {
	return db.queryToolRuns(ctx,
		`SELECT `+toolRunColumns+` FROM tool_runs WHERE run_id = $1 ORDER BY created_at, id`, runID)
}

// ListActiveToolRuns returns queued or running tool runs across a branch.
func (db *DB) ListActiveToolRuns(ctx context.Context, branchID uuid.UUID) ([]model.ToolRun, error) {
	return db.queryToolRuns(ctx,
		`SELECT `+toolRunColumns+` FROM tool_runs
		 WHERE branch_id = $1 AND status IN ('queued', 'running')
		 ORDER BY created_at, id`, branchID)
}
