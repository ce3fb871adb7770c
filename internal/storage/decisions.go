package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/conductor/internal/model"
)

const decisionColumns = `id, run_id, branch_id, key, title, prompt, options, default_option, blocking, source,
	tool_run_ids, status, resolved_option, outcome, note, created_at, resolved_at`

func scanDecision(row pgx.Row) (model.RunDecision, error) {
	var d model.RunDecision
	err := row.Scan(
		&d.ID, &d.RunID, &d.BranchID, &d.Key, &d.Title, &d.Prompt, &d.Options, &d.DefaultOption, &d.Blocking, &d.Source,
		&d.ToolRunIDs, &d.Status, &d.ResolvedOption, &d.Outcome, &d.Note, &d.CreatedAt, &d.ResolvedAt,
	)
	return d, err
}

// CreateDecision records a decision checkpoint.
func (db *DB) CreateDecision(ctx context.Context, d model.RunDecision) error {
	if d.Options == nil {
		d.Options = []model.DecisionOption{}
	}
	if d.ToolRunIDs == nil {
		d.ToolRunIDs = []uuid.UUID{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_decisions (`+decisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		d.ID, d.RunID, d.BranchID, d.Key, d.Title, d.Prompt, d.Options, d.DefaultOption, d.Blocking, string(d.Source),
		d.ToolRunIDs, string(d.Status), d.ResolvedOption, d.Outcome, d.Note, d.CreatedAt, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.RunDecision, error) {
	d, err := scanDecision(db.pool.QueryRow(ctx, `SELECT `+decisionColumns+` FROM run_decisions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RunDecision{}, fmt.Errorf("storage: decision %s: %w", id, ErrNotFound)
		}
		return model.RunDecision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// UpdateDecision records the resolution of a decision.
func (db *DB) UpdateDecision(ctx context.Context, d model.RunDecision) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE run_decisions SET status = $2, resolved_option = $3, outcome = $4, note = $5, resolved_at = $6
		 WHERE id = $1`,
		d.ID, string(d.Status), d.ResolvedOption, d.Outcome, d.Note, d.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update decision: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: decision %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (db *DB) queryDecisions(ctx context.Context, sql string, args ...any) ([]model.RunDecision, error) {
	rows, err := db.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list decisions: %w", err)
	}
	defer rows.Close()

	var out []model.RunDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListDecisions returns the decisions recorded against a run.
func (db *DB) ListDecisions(ctx context.Context, runID uuid.UUID) ([]model.RunDecision, error) {
	return db.queryDecisions(ctx,
		`SELECT `+decisionColumns+` FROM run_decisions WHERE run_id = $1 ORDER BY created_at, id`, runID)
}

// ListOpenDecisions returns unresolved decisions across a branch.
func (db *DB) ListOpenDecisions(ctx context.Context, branchID uuid.UUID) ([]model.RunDecision, error) {
	return db.queryDecisions(ctx,
		`SELECT `+decisionColumns+` FROM run_decisions
		 WHERE branch_id = $1 AND status = 'open' ORDER BY created_at, id`, branchID)
}
