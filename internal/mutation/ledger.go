package mutation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
)

type ledgerEntry struct {
	ID          string
	WorkspaceID string
	SessionID   string
	Operations  []model.MutationOperation
	State       model.MutationState
	Before      []change
	StagedAt    time.Time
	AppliedAt   time.Time
}

// Stage records a batch of operations without changing any record and
// returns the confirm token needed to apply it.
func (s *Service) Stage(ctx context.Context, req model.StageRequest) (model.StageResult, error) {
	if len(req.Operations) == 0 {
		return model.StageResult{}, fmt.Errorf("%w: no operations", ErrInvalidOperation)
	}
	w, matched, warnings, err := s.simulate(ctx, s.db, req.WorkspaceID, req.Operations)
	if err != nil {
		return model.StageResult{}, err
	}
	changes := w.changes()

	ops, err := encodeJSON(req.Operations)
	if err != nil {
		return model.StageResult{}, fmt.Errorf("mutation: encode operations: %w", err)
	}
	id := uuid.NewString()
	stagedAt := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mutations (id, workspace_id, session_id, operations, state, matched_count, staged_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, req.WorkspaceID, req.SessionID, ops, string(model.MutationStaged), matched, formatTime(stagedAt))
	if err != nil {
		return model.StageResult{}, fmt.Errorf("mutation: insert ledger entry: %w", err)
	}

	token, err := s.signer.Mint(TokenConfirm, id, req.SessionID, stagedAt)
	if err != nil {
		return model.StageResult{}, err
	}
	if warnings == nil {
		warnings = []string{}
	}
	s.logger.Info("mutation: staged",
		"mutation_id", id, "workspace_id", req.WorkspaceID, "operations", len(req.Operations), "matched", matched)
	return model.StageResult{
		MutationID:   id,
		ConfirmToken: token,
		MatchedCount: matched,
		BeforeSample: samples(changes, false),
		AfterSample:  samples(changes, true),
		Warnings:     warnings,
	}, nil
}

// Apply executes a staged mutation. It succeeds at most once per mutation.
func (s *Service) Apply(ctx context.Context, mutationID, confirmToken string) (model.ApplyResult, error) {
	entry, err := s.loadEntry(ctx, mutationID)
	if err != nil {
		return model.ApplyResult{}, err
	}
	if err := s.signer.Verify(confirmToken, TokenConfirm, entry.ID, entry.SessionID, entry.StagedAt); err != nil {
		return model.ApplyResult{}, err
	}
	if entry.State != model.MutationStaged {
		return model.ApplyResult{}, fmt.Errorf("%w: %s is %s", ErrAlreadyApplied, mutationID, entry.State)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("mutation: begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	w, _, _, err := s.simulate(ctx, tx, entry.WorkspaceID, entry.Operations)
	if err != nil {
		return model.ApplyResult{}, err
	}
	changes := w.changes()
	appliedAt := s.now()
	for _, c := range changes {
		if c.After == nil {
			err = deleteRow(ctx, tx, entry.WorkspaceID, c.Section, c.ID)
		} else {
			err = upsertRow(ctx, tx, entry.WorkspaceID, c.Section, model.RowSample{ID: c.ID, Data: c.After}, appliedAt)
		}
		if err != nil {
			return model.ApplyResult{}, err
		}
	}

	images, err := encodeJSON(changes)
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("mutation: encode before images: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE mutations SET state = ?, before_images = ?, applied_at = ? WHERE id = ? AND state = ?`,
		string(model.MutationApplied), images, formatTime(appliedAt), mutationID, string(model.MutationStaged))
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("mutation: mark applied: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ApplyResult{}, fmt.Errorf("%w: %s", ErrAlreadyApplied, mutationID)
	}
	if err := tx.Commit(); err != nil {
		return model.ApplyResult{}, fmt.Errorf("mutation: commit apply: %w", err)
	}

	undo, err := s.signer.Mint(TokenUndo, entry.ID, entry.SessionID, appliedAt)
	if err != nil {
		return model.ApplyResult{}, err
	}
	s.logger.Info("mutation: applied", "mutation_id", mutationID, "changed", len(changes))
	return model.ApplyResult{
		MutationID:   mutationID,
		ChangedCount: len(changes),
		UndoToken:    undo,
		AppliedAt:    appliedAt,
	}, nil
}

// Undo restores the before-images captured when the mutation was applied.
func (s *Service) Undo(ctx context.Context, mutationID, undoToken string) (model.UndoResult, error) {
	entry, err := s.loadEntry(ctx, mutationID)
	if err != nil {
		return model.UndoResult{}, err
	}
	if entry.State != model.MutationApplied {
		return model.UndoResult{}, fmt.Errorf("%w: %s is %s", ErrNotApplied, mutationID, entry.State)
	}
	if err := s.signer.Verify(undoToken, TokenUndo, entry.ID, entry.SessionID, entry.AppliedAt); err != nil {
		return model.UndoResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.UndoResult{}, fmt.Errorf("mutation: begin undo: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	undoneAt := s.now()
	for _, c := range entry.Before {
		if c.Before == nil {
			err = deleteRow(ctx, tx, entry.WorkspaceID, c.Section, c.ID)
		} else {
			err = upsertRow(ctx, tx, entry.WorkspaceID, c.Section, model.RowSample{ID: c.ID, Data: c.Before}, undoneAt)
		}
		if err != nil {
			return model.UndoResult{}, err
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE mutations SET state = ?, undone_at = ? WHERE id = ? AND state = ?`,
		string(model.MutationUndone), formatTime(undoneAt), mutationID, string(model.MutationApplied))
	if err != nil {
		return model.UndoResult{}, fmt.Errorf("mutation: mark undone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.UndoResult{}, fmt.Errorf("%w: %s", ErrNotApplied, mutationID)
	}
	if err := tx.Commit(); err != nil {
		return model.UndoResult{}, fmt.Errorf("mutation: commit undo: %w", err)
	}

	s.logger.Info("mutation: undone", "mutation_id", mutationID, "restored", len(entry.Before))
	return model.UndoResult{
		MutationID:    mutationID,
		RestoredCount: len(entry.Before),
		UndoneAt:      undoneAt,
	}, nil
}

func (s *Service) loadEntry(ctx context.Context, id string) (ledgerEntry, error) {
	var (
		e                  ledgerEntry
		ops, state, staged string
		images, appliedAt  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, session_id, operations, state, before_images, staged_at, applied_at
		 FROM mutations WHERE id = ?`, id,
	).Scan(&e.ID, &e.WorkspaceID, &e.SessionID, &ops, &state, &images, &staged, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledgerEntry{}, fmt.Errorf("%w: %s", ErrMutationNotFound, id)
	}
	if err != nil {
		return ledgerEntry{}, fmt.Errorf("mutation: load %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(ops), &e.Operations); err != nil {
		return ledgerEntry{}, fmt.Errorf("mutation: decode operations of %s: %w", id, err)
	}
	if images.Valid && images.String != "" {
		if err := json.Unmarshal([]byte(images.String), &e.Before); err != nil {
			return ledgerEntry{}, fmt.Errorf("mutation: decode before images of %s: %w", id, err)
		}
	}
	e.State = model.MutationState(state)
	e.StagedAt = parseTime(staged)
	if appliedAt.Valid {
		e.AppliedAt = parseTime(appliedAt.String)
	}
	return e, nil
}
