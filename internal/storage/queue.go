package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/conductor/internal/model"
)

// EnqueueMessage appends item to its branch's queue with the next position.
func (db *DB) EnqueueMessage(ctx context.Context, item model.QueueItem) (model.QueueItem, error) {
	err := writeRetry.Do(ctx, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin enqueue: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := tx.QueryRow(ctx,
			`INSERT INTO queue_positions (branch_id, last) VALUES ($1, 1)
			 ON CONFLICT (branch_id) DO UPDATE SET last = queue_positions.last + 1
			 RETURNING last`, item.BranchID,
		).Scan(&item.Position); err != nil {
			return fmt.Errorf("storage: next queue position: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_queue (id, branch_id, position, content, actor, policy, consumed, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, false, $7)`,
			item.ID, item.BranchID, item.Position, item.Content, item.Actor, item.Policy, item.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: enqueue message: %w", err)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.QueueItem{}, err
	}
	return item, nil
}

const queueColumns = `id, branch_id, position, content, actor, policy, consumed, created_at, consumed_at`

func scanQueueItem(row pgx.Row) (model.QueueItem, error) {
	var q model.QueueItem
	err := row.Scan(&q.ID, &q.BranchID, &q.Position, &q.Content, &q.Actor, &q.Policy, &q.Consumed, &q.CreatedAt, &q.ConsumedAt)
	return q, err
}

// PopNextQueued consumes the lowest-position pending item of a branch.
func (db *DB) PopNextQueued(ctx context.Context, branchID uuid.UUID) (model.QueueItem, error) {
	now := time.Now().UTC()
	item, err := scanQueueItem(db.pool.QueryRow(ctx,
		`UPDATE message_queue SET consumed = true, consumed_at = $2
		 WHERE id = (
		     SELECT id FROM message_queue
		     WHERE branch_id = $1 AND NOT consumed
		     ORDER BY position
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+queueColumns, branchID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.QueueItem{}, fmt.Errorf("storage: queue %s empty: %w", branchID, ErrNotFound)
		}
		return model.QueueItem{}, fmt.Errorf("storage: pop queue: %w", err)
	}
	return item, nil
}

// ListQueue returns a branch's pending items in position order.
func (db *DB) ListQueue(ctx context.Context, branchID uuid.UUID) ([]model.QueueItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+queueColumns+` FROM message_queue
		 WHERE branch_id = $1 AND NOT consumed ORDER BY position`, branchID)
	if err != nil {
		return nil, fmt.Errorf("storage: list queue: %w", err)
	}
	defer rows.Close()

	var out []model.QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan queue item: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
