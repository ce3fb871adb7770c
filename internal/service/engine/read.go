package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
)

// MaxEventPage bounds one page of ListEvents.
const MaxEventPage = 500

// ListRuns returns a branch's runs in creation order.
func (e *Engine) ListRuns(ctx context.Context, branchID uuid.UUID) ([]model.AgentRun, error) {
	if _, err := e.branch(ctx, branchID); err != nil {
		return nil, err
	}
	runs, err := e.store.ListRuns(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("engine: list runs: %w", err)
	}
	if runs == nil {
		runs = []model.AgentRun{}
	}
	return runs, nil
}

// ListQueue returns the pending queue items of a branch in position order.
func (e *Engine) ListQueue(ctx context.Context, branchID uuid.UUID) ([]model.QueueItem, error) {
	if _, err := e.branch(ctx, branchID); err != nil {
		return nil, err
	}
	items, err := e.store.ListQueue(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("engine: list queue: %w", err)
	}
	if items == nil {
		items = []model.QueueItem{}
	}
	return items, nil
}

// ListEvents returns up to limit events with a sequence above afterSeq.
func (e *Engine) ListEvents(ctx context.Context, branchID uuid.UUID, afterSeq int64, limit int) ([]model.ProcessEvent, error) {
	if _, err := e.branch(ctx, branchID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > MaxEventPage {
		limit = MaxEventPage
	}
	evs, err := e.store.ListEvents(ctx, branchID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: list events: %w", err)
	}
	if evs == nil {
		evs = []model.ProcessEvent{}
	}
	return evs, nil
}

// OpenDecisions returns the unresolved decisions of a branch.
func (e *Engine) OpenDecisions(ctx context.Context, branchID uuid.UUID) ([]model.RunDecision, error) {
	if _, err := e.branch(ctx, branchID); err != nil {
		return nil, err
	}
	decs, err := e.store.ListOpenDecisions(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("engine: list open decisions: %w", err)
	}
	if decs == nil {
		decs = []model.RunDecision{}
	}
	return decs, nil
}
