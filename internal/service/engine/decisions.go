package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/storage"
)

// ResolveInput answers one decision.
type ResolveInput struct {
	RunID      uuid.UUID
	DecisionID uuid.UUID
	OptionID   string
	Note       string
	Actor      model.Actor
}

// ResolveDecision records the chosen option. For a blocking decision it is
// applied to the tool runs the decision gates: approval re-queues them as
// approved, rejection cancels them with a skip result. When the run has no
// open blocking decisions left it resumes. Advisory decisions may be
// answered at any time and only record the outcome.
func (e *Engine) ResolveDecision(ctx context.Context, in ResolveInput) (model.RunDecision, error) {
	if e.closed.Load() {
		return model.RunDecision{}, ErrClosed
	}
	run, err := e.store.GetRun(ctx, in.RunID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.RunDecision{}, ErrRunNotFound
	}
	if err != nil {
		return model.RunDecision{}, fmt.Errorf("engine: get run: %w", err)
	}

	release, err := e.intake.Lock(ctx, run.BranchID)
	if err != nil {
		return model.RunDecision{}, fmt.Errorf("engine: lock branch: %w", err)
	}
	defer release()

	dec, err := e.store.GetDecision(ctx, in.DecisionID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && dec.RunID != run.ID) {
		return model.RunDecision{}, ErrDecisionNotFound
	}
	if err != nil {
		return model.RunDecision{}, fmt.Errorf("engine: get decision: %w", err)
	}
	if dec.Status == model.DecisionResolved {
		return model.RunDecision{}, ErrDecisionResolved
	}
	opt, ok := dec.Option(strings.TrimSpace(in.OptionID))
	if !ok {
		return model.RunDecision{}, fmt.Errorf("%w: %q", ErrUnknownOption, in.OptionID)
	}
	if run, err = e.store.GetRun(ctx, in.RunID); err != nil {
		return model.RunDecision{}, fmt.Errorf("engine: get run: %w", err)
	}
	if dec.Blocking && run.Status != model.RunStatusWaitingUser {
		return model.RunDecision{}, ErrRunNotWaiting
	}

	now := e.now()
	outcome := model.OutcomeReject
	if opt.Approves() {
		outcome = model.OutcomeApprove
	}
	dec.Status = model.DecisionResolved
	dec.ResolvedOption = &opt.ID
	dec.Outcome = &outcome
	dec.ResolvedAt = &now
	if in.Note != "" {
		note := in.Note
		dec.Note = &note
	}
	if err := e.store.UpdateDecision(ctx, dec); err != nil {
		return model.RunDecision{}, fmt.Errorf("engine: update decision: %w", err)
	}

	// Only a blocking decision on a parked run gates its tool runs. An
	// advisory answer is recorded and leaves finished tool runs alone.
	gated := dec.ToolRunIDs
	if !dec.Blocking || run.Status != model.RunStatusWaitingUser {
		gated = nil
	}
	for _, id := range gated {
		tr, err := e.store.GetToolRun(ctx, id)
		if err != nil {
			return model.RunDecision{}, fmt.Errorf("engine: get tool run: %w", err)
		}
		if outcome == model.OutcomeApprove {
			tr.Status = model.ToolRunQueued
			tr.Result = nil
			tr.Artifacts = nil
			tr.Approved = true
			tr.StartedAt = nil
			tr.FinishedAt = nil
		} else {
			tr.Status = model.ToolRunCancelled
			tr.Result = model.FailedResult(
				fmt.Sprintf("%s skipped", tr.ToolName),
				fmt.Sprintf("skipped: %q was answered with %q", dec.Title, opt.Label),
			)
			tr.FinishedAt = &now
		}
		if err := e.store.UpdateToolRun(ctx, tr); err != nil {
			return model.RunDecision{}, fmt.Errorf("engine: update tool run: %w", err)
		}
	}

	e.emit(ctx, run.BranchID, event{
		name:    model.EventRunLog,
		message: fmt.Sprintf("decision %q resolved: %s", dec.Title, opt.Label),
		runID:   run.ID,
		data:    map[string]any{"decision_id": dec.ID, "option": opt.ID, "outcome": string(outcome), "actor": in.Actor.ID},
	})
	e.logger.Info("engine: decision resolved",
		"branch_id", run.BranchID, "run_id", run.ID, "decision_id", dec.ID, "outcome", outcome)

	if run.Status != model.RunStatusWaitingUser {
		return dec, nil
	}
	decs, err := e.store.ListDecisions(ctx, run.ID)
	if err != nil {
		return model.RunDecision{}, fmt.Errorf("engine: list decisions: %w", err)
	}
	for _, d := range decs {
		if d.Blocking && d.Status == model.DecisionOpen {
			return dec, nil
		}
	}
	if err := e.setStatus(ctx, &run, model.RunStatusRunning); err != nil {
		return model.RunDecision{}, err
	}
	e.spawn(run.BranchID, run.ID)
	return dec, nil
}
