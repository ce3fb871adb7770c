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

// Intake outcomes reported in model.SendMessageResponse.
const (
	OutcomeStarted = "started"
	OutcomeQueued  = "queued"
)

// ErrEmptyMessage is returned for blank message content.
var ErrEmptyMessage = errors.New("engine: message is empty")

// SendInput is one user message submitted to a branch.
type SendInput struct {
	BranchID uuid.UUID
	Content  string
	Mode     model.IntakeMode
	Policy   *model.PolicyOverrides
	Actor    model.Actor
}

// SendMessage applies the intake policy: start a run, queue the message,
// or cancel the active run and start a new one.
func (e *Engine) SendMessage(ctx context.Context, in SendInput) (model.SendMessageResponse, error) {
	if e.closed.Load() {
		return model.SendMessageResponse{}, ErrClosed
	}
	in.Content = strings.TrimSpace(in.Content)
	if in.Content == "" {
		return model.SendMessageResponse{}, ErrEmptyMessage
	}
	if in.Mode == "" {
		in.Mode = model.ModeDirect
	}

	release, err := e.intake.Lock(ctx, in.BranchID)
	if err != nil {
		return model.SendMessageResponse{}, fmt.Errorf("engine: lock branch: %w", err)
	}
	defer release()

	b, err := e.branch(ctx, in.BranchID)
	if err != nil {
		return model.SendMessageResponse{}, err
	}
	active, err := e.store.ListActiveRuns(ctx, b.ID)
	if err != nil {
		return model.SendMessageResponse{}, fmt.Errorf("engine: list active runs: %w", err)
	}

	var resp model.SendMessageResponse
	switch in.Mode {
	case model.ModeQueue:
		return e.queueMessage(ctx, b, in, len(active) == 0)

	case model.ModeInterrupt:
		resp.Cancelled, err = e.cancelRuns(ctx, b.ID, "interrupted by a new message")
		if err != nil {
			return model.SendMessageResponse{}, err
		}

	case model.ModeDirect:
		if len(active) > 0 {
			cur := active[len(active)-1]
			switch {
			case cur.Status == model.RunStatusWaitingUser:
				resp.Cancelled, err = e.cancelRuns(ctx, b.ID, "superseded by a new message")
			case cur.Trigger == model.TriggerScheduledLoop && e.preemptScheduled:
				resp.Cancelled, err = e.cancelRuns(ctx, b.ID, "scheduled loop preempted by a user message")
			default:
				return e.queueMessage(ctx, b, in, false)
			}
			if err != nil {
				return model.SendMessageResponse{}, err
			}
		}

	default:
		return model.SendMessageResponse{}, fmt.Errorf("engine: unknown intake mode %q", in.Mode)
	}

	run, msg, err := e.startRun(ctx, b, startInput{
		content: in.Content,
		actor:   in.Actor,
		policy:  in.Policy,
		trigger: model.TriggerUserMessage,
		role:    model.RoleUser,
	})
	if err != nil {
		return model.SendMessageResponse{}, err
	}
	resp.Outcome = OutcomeStarted
	resp.RunID = &run.ID
	resp.MessageID = &msg.ID
	return resp, nil
}

// queueMessage appends to the branch queue. When idle is true nothing is
// running, so the queue head is dispatched immediately.
func (e *Engine) queueMessage(ctx context.Context, b model.Branch, in SendInput, idle bool) (model.SendMessageResponse, error) {
	item, err := e.store.EnqueueMessage(ctx, model.QueueItem{
		ID:        uuid.New(),
		BranchID:  b.ID,
		Content:   in.Content,
		Actor:     in.Actor,
		Policy:    in.Policy,
		CreatedAt: e.now(),
	})
	if err != nil {
		return model.SendMessageResponse{}, fmt.Errorf("engine: enqueue message: %w", err)
	}
	e.emit(ctx, b.ID, event{
		name:    model.EventRunQueued,
		message: fmt.Sprintf("message queued at position %d", item.Position),
		data:    map[string]any{"queue_item_id": item.ID, "position": item.Position},
	})
	resp := model.SendMessageResponse{Outcome: OutcomeQueued, QueueItem: &item}
	if idle {
		run, err := e.dispatchLocked(ctx, b)
		if err != nil {
			return model.SendMessageResponse{}, err
		}
		if run != nil {
			resp.RunID = &run.ID
			if run.MessageID != nil {
				resp.MessageID = run.MessageID
			}
		}
	}
	return resp, nil
}

// startInput describes the run to create.
type startInput struct {
	content string
	actor   model.Actor
	policy  *model.PolicyOverrides
	trigger model.RunTrigger
	role    model.MessageRole
}

// startRun persists the triggering message and a queued run, then starts
// executing it. The caller holds the branch's intake lock.
func (e *Engine) startRun(ctx context.Context, b model.Branch, in startInput) (model.AgentRun, model.Message, error) {
	now := e.now()
	msgs, err := e.store.ListMessages(ctx, b.ID)
	if err != nil {
		return model.AgentRun{}, model.Message{}, fmt.Errorf("engine: list messages: %w", err)
	}
	runID := uuid.New()
	msg := model.Message{
		ID:        uuid.New(),
		BranchID:  b.ID,
		Role:      in.role,
		Content:   in.content,
		RunID:     &runID,
		CreatedAt: now,
	}
	if len(msgs) > 0 {
		parent := msgs[len(msgs)-1].ID
		msg.ParentID = &parent
	}
	if in.trigger == model.TriggerScheduledLoop {
		msg.Metadata = map[string]any{"trigger": string(in.trigger)}
	}
	run := model.AgentRun{
		ID:        runID,
		BranchID:  b.ID,
		MessageID: &msg.ID,
		Trigger:   in.trigger,
		Status:    model.RunStatusQueued,
		Input:     in.content,
		Policy:    model.NormalizePolicy(in.policy),
		Actor:     in.actor,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.store.CreateMessages(ctx, []model.Message{msg}); err != nil {
		return model.AgentRun{}, model.Message{}, fmt.Errorf("engine: create message: %w", err)
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return model.AgentRun{}, model.Message{}, fmt.Errorf("engine: create run: %w", err)
	}
	e.runsStarted.Add(ctx, 1)
	e.emit(ctx, b.ID, event{
		name:    model.EventRunQueued,
		message: "run queued",
		runID:   run.ID,
		data:    map[string]any{"trigger": string(run.Trigger)},
	})
	e.logger.Info("engine: run created",
		"branch_id", b.ID, "run_id", run.ID, "trigger", run.Trigger)

	e.spawn(b.ID, run.ID)
	return run, msg, nil
}

// dispatchLocked starts a run for the next queued message, if the branch
// is idle. The caller holds the branch's intake lock. It returns nil when
// nothing was started.
func (e *Engine) dispatchLocked(ctx context.Context, b model.Branch) (*model.AgentRun, error) {
	active, err := e.store.ListActiveRuns(ctx, b.ID)
	if err != nil {
		return nil, fmt.Errorf("engine: list active runs: %w", err)
	}
	if len(active) > 0 {
		return nil, nil
	}
	item, err := e.store.PopNextQueued(ctx, b.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: pop queue: %w", err)
	}
	run, _, err := e.startRun(ctx, b, startInput{
		content: item.Content,
		actor:   item.Actor,
		policy:  item.Policy,
		trigger: model.TriggerUserMessage,
		role:    model.RoleUser,
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// dispatchNext takes the intake lock and dispatches the queue head. Queued
// messages stay put while the engine is draining.
func (e *Engine) dispatchNext(ctx context.Context, branchID uuid.UUID) {
	if e.closed.Load() {
		return
	}
	ctx = context.WithoutCancel(ctx)
	release, err := e.intake.Lock(ctx, branchID)
	if err != nil {
		return
	}
	defer release()
	b, err := e.branch(ctx, branchID)
	if err != nil {
		e.logger.Warn("engine: dispatch next", "branch_id", branchID, "error", err)
		return
	}
	if _, err := e.dispatchLocked(ctx, b); err != nil {
		e.logger.Warn("engine: dispatch next", "branch_id", branchID, "error", err)
	}
}

// CancelBranchRuns cancels every active run and tool run on a branch.
func (e *Engine) CancelBranchRuns(ctx context.Context, branchID uuid.UUID, reason string) ([]uuid.UUID, error) {
	release, err := e.intake.Lock(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("engine: lock branch: %w", err)
	}
	defer release()
	if _, err := e.branch(ctx, branchID); err != nil {
		return nil, err
	}
	return e.cancelRuns(ctx, branchID, reason)
}

// Interrupt cancels the branch's active run and dispatches the next queued
// message, if any. It returns the cancelled run IDs and the started run.
func (e *Engine) Interrupt(ctx context.Context, branchID uuid.UUID) ([]uuid.UUID, *model.AgentRun, error) {
	if e.closed.Load() {
		return nil, nil, ErrClosed
	}
	release, err := e.intake.Lock(ctx, branchID)
	if err != nil {
		return nil, nil, fmt.Errorf("engine: lock branch: %w", err)
	}
	defer release()
	b, err := e.branch(ctx, branchID)
	if err != nil {
		return nil, nil, err
	}
	cancelled, err := e.cancelRuns(ctx, branchID, "interrupted")
	if err != nil {
		return nil, nil, err
	}
	next, err := e.dispatchLocked(ctx, b)
	if err != nil {
		return cancelled, nil, err
	}
	return cancelled, next, nil
}

// cancelRuns marks active tool runs and runs cancelled, closes their open
// decisions and stops their executions. The caller holds the intake lock.
func (e *Engine) cancelRuns(ctx context.Context, branchID uuid.UUID, reason string) ([]uuid.UUID, error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()

	trs, err := e.store.ListActiveToolRuns(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("engine: list active tool runs: %w", err)
	}
	for _, tr := range trs {
		tr.Status = model.ToolRunCancelled
		tr.Result = model.FailedResult(fmt.Sprintf("%s cancelled", tr.ToolName), reason)
		tr.FinishedAt = &now
		if err := e.store.UpdateToolRun(ctx, tr); err != nil {
			return nil, fmt.Errorf("engine: cancel tool run: %w", err)
		}
	}

	runs, err := e.store.ListActiveRuns(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("engine: list active runs: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(runs))
	for _, run := range runs {
		if run.Metadata == nil {
			run.Metadata = map[string]any{}
		}
		run.Metadata["cancel_reason"] = reason
		if err := e.setStatus(ctx, &run, model.RunStatusCancelled); err != nil {
			return nil, err
		}
		if err := e.closeDecisions(ctx, run.ID, reason); err != nil {
			return nil, err
		}
		e.cancelExecution(run.ID)
		e.emit(ctx, branchID, event{
			name:    model.EventRunCancelled,
			message: "run cancelled: " + reason,
			runID:   run.ID,
		})
		ids = append(ids, run.ID)
	}
	if len(ids) > 0 {
		e.logger.Info("engine: runs cancelled", "branch_id", branchID, "count", len(ids), "reason", reason)
	}
	return ids, nil
}

// closeDecisions resolves a cancelled run's open decisions as rejected.
func (e *Engine) closeDecisions(ctx context.Context, runID uuid.UUID, reason string) error {
	decs, err := e.store.ListDecisions(ctx, runID)
	if err != nil {
		return fmt.Errorf("engine: list decisions: %w", err)
	}
	now := e.now()
	outcome := model.OutcomeReject
	for _, d := range decs {
		if d.Status != model.DecisionOpen {
			continue
		}
		d.Status = model.DecisionResolved
		d.Outcome = &outcome
		d.Note = &reason
		d.ResolvedAt = &now
		if err := e.store.UpdateDecision(ctx, d); err != nil {
			return fmt.Errorf("engine: close decision: %w", err)
		}
	}
	return nil
}

// ScheduledInput starts a scheduled-loop run.
type ScheduledInput struct {
	BranchID uuid.UUID
	Prompt   string
	Policy   *model.PolicyOverrides
	Actor    model.Actor
}

// RunScheduled starts a scheduled-loop run. A branch with an active run
// returns ErrBranchBusy; loops never queue.
func (e *Engine) RunScheduled(ctx context.Context, in ScheduledInput) (model.AgentRun, error) {
	if e.closed.Load() {
		return model.AgentRun{}, ErrClosed
	}
	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Prompt == "" {
		return model.AgentRun{}, ErrEmptyMessage
	}
	release, err := e.intake.Lock(ctx, in.BranchID)
	if err != nil {
		return model.AgentRun{}, fmt.Errorf("engine: lock branch: %w", err)
	}
	defer release()

	b, err := e.branch(ctx, in.BranchID)
	if err != nil {
		return model.AgentRun{}, err
	}
	active, err := e.store.ListActiveRuns(ctx, b.ID)
	if err != nil {
		return model.AgentRun{}, fmt.Errorf("engine: list active runs: %w", err)
	}
	if len(active) > 0 {
		return model.AgentRun{}, ErrBranchBusy
	}
	run, _, err := e.startRun(ctx, b, startInput{
		content: in.Prompt,
		actor:   in.Actor,
		policy:  in.Policy,
		trigger: model.TriggerScheduledLoop,
		role:    model.RoleSystem,
	})
	return run, err
}
