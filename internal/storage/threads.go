package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/conductor/internal/model"
)

// CreateThread inserts a thread.
func (db *DB) CreateThread(ctx context.Context, t model.Thread) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO threads (id, workspace_id, title, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.WorkspaceID, t.Title, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create thread: %w", err)
	}
	return nil
}

// GetThread retrieves a thread by ID.
func (db *DB) GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error) {
	var t model.Thread
	err := db.pool.QueryRow(ctx,
		`SELECT id, workspace_id, title, created_at FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.WorkspaceID, &t.Title, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, fmt.Errorf("storage: thread %s: %w", id, ErrNotFound)
		}
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	return t, nil
}

// CreateBranch inserts a branch.
func (db *DB) CreateBranch(ctx context.Context, b model.Branch) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO branches (id, thread_id, workspace_id, name, parent_branch_id, forked_from_message_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.ID, b.ThreadID, b.WorkspaceID, b.Name, b.ParentBranchID, b.ForkedFromMessageID, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create branch: %w", err)
	}
	return nil
}

const branchColumns = `id, thread_id, workspace_id, name, parent_branch_id, forked_from_message_id, created_at`

func scanBranch(row pgx.Row) (model.Branch, error) {
	var b model.Branch
	err := row.Scan(&b.ID, &b.ThreadID, &b.WorkspaceID, &b.Name, &b.ParentBranchID, &b.ForkedFromMessageID, &b.CreatedAt)
	return b, err
}

// GetBranch retrieves a branch by ID.
func (db *DB) GetBranch(ctx context.Context, id uuid.UUID) (model.Branch, error) {
	b, err := scanBranch(db.pool.QueryRow(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Branch{}, fmt.Errorf("storage: branch %s: %w", id, ErrNotFound)
		}
		return model.Branch{}, fmt.Errorf("storage: get branch: %w", err)
	}
	return b, nil
}

// ListBranches returns the branches of a thread, oldest first.
func (db *DB) ListBranches(ctx context.Context, threadID uuid.UUID) ([]model.Branch, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE thread_id = $1 ORDER BY created_at`, threadID)
	if err != nil {
		return nil, fmt.Errorf("storage: list branches: %w", err)
	}
	defer rows.Close()

	var out []model.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan branch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateMessages inserts messages in one transaction, preserving order.
func (db *DB) CreateMessages(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create messages: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, m := range msgs {
		meta := m.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		batch.Queue(
			`INSERT INTO messages (id, branch_id, parent_id, role, content, run_id, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.BranchID, m.ParentID, string(m.Role), m.Content, m.RunID, meta, m.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("storage: insert messages: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit messages: %w", err)
	}
	return nil
}

// ListMessages returns a branch's messages in creation order.
func (db *DB) ListMessages(ctx context.Context, branchID uuid.UUID) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, branch_id, parent_id, role, content, run_id, metadata, created_at
		 FROM messages WHERE branch_id = $1 ORDER BY created_at, seq`, branchID)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.BranchID, &m.ParentID, &m.Role, &m.Content, &m.RunID, &m.Metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
