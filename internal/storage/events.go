package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
)

const defaultEventLimit = 500

// AppendEvent stores a process event and sets its Sequence.
func (db *DB) AppendEvent(ctx context.Context, e *model.ProcessEvent) error {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	err := db.pool.QueryRow(ctx,
		`INSERT INTO process_events (id, branch_id, message, payload, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING seq`,
		e.ID, e.BranchID, e.Message, e.Payload, e.Data, e.CreatedAt,
	).Scan(&e.Sequence)
	if err != nil {
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

// ListEvents returns a branch's events with seq > afterSeq in creation order.
func (db *DB) ListEvents(ctx context.Context, branchID uuid.UUID, afterSeq int64, limit int) ([]model.ProcessEvent, error) {
	if limit <= 0 || limit > defaultEventLimit {
		limit = defaultEventLimit
	}
	rows, err := db.pool.Query(ctx,
		`SELECT seq, id, branch_id, message, payload, data, created_at
		 FROM process_events WHERE branch_id = $1 AND seq > $2
		 ORDER BY seq LIMIT $3`, branchID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.ProcessEvent
	for rows.Next() {
		var e model.ProcessEvent
		if err := rows.Scan(&e.Sequence, &e.ID, &e.BranchID, &e.Message, &e.Payload, &e.Data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
