package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/service/pipeline"
	"github.com/ashita-ai/conductor/internal/storage"
	"github.com/ashita-ai/conductor/internal/tools"
	"github.com/ashita-ai/conductor/internal/workspace"
)

// errStopped means the run was cancelled while executing. It is not a
// failure.
var errStopped = errors.New("engine: run stopped")

// historyLimit bounds the prior messages given to the planner.
const historyLimit = 12

// runState is what one execution carries between steps.
type runState struct {
	run       *model.AgentRun
	branch    model.Branch
	logger    *slog.Logger
	fallbacks []string
}

// execute drives one run while holding the branch's execution lock. Any
// error or panic fails the run; the lock is released on every path.
func (e *Engine) execute(ctx context.Context, branchID, runID uuid.UUID) {
	release, err := e.exec.Lock(ctx, branchID)
	if err != nil {
		return
	}
	defer release()

	ctx, span := e.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("branch.id", branchID.String()),
		attribute.String("run.id", runID.String()),
	))
	defer span.End()
	logger := e.logger.With("branch_id", branchID, "run_id", runID)

	var status model.RunStatus
	err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("engine: run panicked", "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		status, err = e.drive(ctx, runID, logger)
		return err
	}()

	switch {
	case err == nil:
		span.SetAttributes(attribute.String("run.status", string(status)))
	case errors.Is(err, errStopped):
		logger.Info("engine: run stopped")
		return
	default:
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			err = fmt.Errorf("execution interrupted: %w", err)
		}
		if stopped := e.failRun(ctx, branchID, runID, err, logger); stopped {
			return
		}
		status = model.RunStatusFailed
	}
	if status != model.RunStatusWaitingUser {
		e.dispatchNext(ctx, branchID)
	}
}

// failRun marks a run failed. It reports true when the run had already
// been stopped by a canceller.
func (e *Engine) failRun(ctx context.Context, branchID, runID uuid.UUID, cause error, logger *slog.Logger) bool {
	ctx = context.WithoutCancel(ctx)
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		logger.Error("engine: load failed run", "error", err)
		return false
	}
	text := tools.ErrorLine(cause)
	err = e.locked(ctx, &run, func() error {
		run.Error = &text
		return e.setStatus(ctx, &run, model.RunStatusFailed)
	})
	if errors.Is(err, errStopped) {
		return true
	}
	if err != nil {
		logger.Error("engine: mark run failed", "error", err)
		return false
	}
	logger.Error("engine: run failed", "error", cause)
	e.emit(ctx, branchID, event{
		name:    model.EventRunFailed,
		message: "run failed: " + text,
		runID:   runID,
	})
	return false
}

// locked runs fn under the branch's intake lock after refreshing
// run.Status from the store. It returns errStopped, without calling fn,
// when the run has reached a terminal status.
func (e *Engine) locked(ctx context.Context, run *model.AgentRun, fn func() error) error {
	ctx = context.WithoutCancel(ctx)
	release, err := e.intake.Lock(ctx, run.BranchID)
	if err != nil {
		return fmt.Errorf("engine: lock branch: %w", err)
	}
	defer release()
	cur, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("engine: reload run: %w", err)
	}
	run.Status = cur.Status
	run.StartedAt = cur.StartedAt
	if cur.Status.Terminal() {
		run.Metadata = cur.Metadata
		return errStopped
	}
	return fn()
}

// transition moves the run to status unless it was stopped concurrently.
// A self-transition persists the run's other fields.
func (e *Engine) transition(ctx context.Context, run *model.AgentRun, status model.RunStatus) error {
	return e.locked(ctx, run, func() error {
		return e.setStatus(ctx, run, status)
	})
}

// checkpoint returns errStopped when the run was cancelled or ctx ended.
func (e *Engine) checkpoint(ctx context.Context, run *model.AgentRun) error {
	if ctx.Err() != nil {
		cur, err := e.store.GetRun(context.WithoutCancel(ctx), run.ID)
		if err == nil && cur.Status.Terminal() {
			return errStopped
		}
		return ctx.Err()
	}
	cur, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("engine: reload run: %w", err)
	}
	if cur.Status.Terminal() {
		return errStopped
	}
	return nil
}

// drive advances a run as far as it can go and returns the status it
// settled in.
func (e *Engine) drive(ctx context.Context, runID uuid.UUID, logger *slog.Logger) (model.RunStatus, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("engine: load run: %w", err)
	}
	if run.Status.Terminal() || run.Status == model.RunStatusWaitingUser {
		return run.Status, nil
	}
	b, err := e.branch(ctx, run.BranchID)
	if err != nil {
		return "", err
	}
	st := &runState{run: &run, branch: b, logger: logger}

	first := run.StartedAt == nil
	if err := e.transition(ctx, &run, model.RunStatusRunning); err != nil {
		return "", err
	}
	if first {
		e.emit(ctx, b.ID, event{name: model.EventRunStarted, message: "run started", runID: run.ID})
	} else {
		e.emit(ctx, b.ID, event{name: model.EventRunProgress, message: "run resumed", runID: run.ID})
	}

	if run.Plan == nil {
		plan, err := e.plan(ctx, st)
		if err != nil {
			return "", err
		}
		run.Plan = &plan
		if err := e.transition(ctx, &run, model.RunStatusRunning); err != nil {
			return "", err
		}
		created, err := e.ensureToolRuns(ctx, st, plan.ToolCalls, 0)
		if err != nil {
			return "", err
		}
		blocking := blockingRequests(plan.DecisionRequests)
		if plan.NeedUserInput && len(blocking) == 0 {
			blocking = append(blocking, clarifyRequest(plan))
		}
		if len(blocking) > 0 {
			reqs := make([]pendingDecision, 0, len(blocking))
			for _, d := range blocking {
				reqs = append(reqs, pendingDecision{req: d, toolRunIDs: created})
			}
			if err := e.park(ctx, st, reqs, true); err != nil {
				return "", err
			}
			return model.RunStatusWaitingUser, nil
		}
	}
	return e.finalize(ctx, st)
}

// plan runs the planner against a fresh snapshot and the branch history.
func (e *Engine) plan(ctx context.Context, st *runState) (model.RuntimePlan, error) {
	run := st.run
	e.emit(ctx, run.BranchID, event{name: model.EventRunPlanning, message: "planning", runID: run.ID})

	msgs, err := e.store.ListMessages(ctx, run.BranchID)
	if err != nil {
		return model.RuntimePlan{}, fmt.Errorf("engine: list messages: %w", err)
	}
	var history []pipeline.HistoryEntry
	for _, m := range msgs {
		if run.MessageID != nil && m.ID == *run.MessageID {
			break
		}
		history = append(history, pipeline.HistoryEntry{Role: m.Role, Content: m.Content})
	}
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}

	plan, o := e.pipeline.Plan(ctx, pipeline.PlanInput{
		Message:     run.Input,
		History:     history,
		Tools:       e.executor.Registry().Descriptors(),
		Workspace:   e.snapshot(ctx, st),
		MaxToolRuns: run.Policy.MaxToolRuns,
	})
	e.noteStage(ctx, st, o)
	plan.ContinuationDepth = 0
	return plan, nil
}

// snapshot assembles workspace state; failures degrade to no snapshot.
func (e *Engine) snapshot(ctx context.Context, st *runState) *workspace.Snapshot {
	if e.assembler == nil {
		return nil
	}
	snap, err := e.assembler.Assemble(ctx, st.branch.WorkspaceID, st.branch.ID)
	if err != nil {
		st.logger.Warn("engine: assemble snapshot", "error", err)
		return nil
	}
	return snap
}

// noteStage records a pipeline fallback as a warning event.
func (e *Engine) noteStage(ctx context.Context, st *runState, o pipeline.Outcome) {
	if !o.Fallback {
		return
	}
	st.fallbacks = append(st.fallbacks, o.Stage)
	reason := "no usable reply"
	if o.Err != nil {
		reason = tools.ErrorLine(o.Err)
	}
	e.emit(ctx, st.run.BranchID, event{
		name:    model.EventRunLog,
		status:  model.StatusWarn,
		message: fmt.Sprintf("%s used its fallback: %s", o.Stage, reason),
		runID:   st.run.ID,
		data:    map[string]any{"stage": o.Stage},
	})
}

// ensureToolRuns materializes tool calls as queued tool runs. Calls whose
// identity already exists in the run are skipped. It returns the IDs of
// the tool runs it created.
func (e *Engine) ensureToolRuns(ctx context.Context, st *runState, calls []model.ToolCall, depth int) ([]uuid.UUID, error) {
	run := st.run
	var created []uuid.UUID
	for _, c := range calls {
		args := c.Args
		if args == nil {
			args = map[string]any{}
		}
		tr := model.ToolRun{
			ID:          uuid.New(),
			RunID:       run.ID,
			BranchID:    run.BranchID,
			ToolName:    c.Tool,
			Args:        args,
			IdentityKey: model.ToolIdentityKey(c.Tool, args),
			Status:      model.ToolRunQueued,
			Depth:       depth,
			CreatedAt:   e.now(),
		}
		err := e.store.CreateToolRun(ctx, tr)
		if errors.Is(err, storage.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("engine: create tool run: %w", err)
		}
		created = append(created, tr.ID)
	}
	return created, nil
}

// runPendingTools drains the run's pending tool runs with a worker pool of
// min(ToolConcurrency, pending) workers sharing one cursor.
func (e *Engine) runPendingTools(ctx context.Context, st *runState) error {
	run := st.run
	trs, err := e.store.ListToolRuns(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("engine: list tool runs: %w", err)
	}
	var pending []model.ToolRun
	for _, tr := range trs {
		if tr.Status.Pending() {
			pending = append(pending, tr)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if err := e.transition(ctx, run, model.RunStatusWaitingTools); err != nil {
		return err
	}
	e.emit(ctx, run.BranchID, event{
		name:    model.EventRunProgress,
		message: fmt.Sprintf("running %d tool(s)", len(pending)),
		runID:   run.ID,
	})

	snap := e.snapshot(ctx, st)
	workers := min(run.Policy.ToolConcurrency, len(pending))
	var cursor atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for range workers {
		g.Go(func() error {
			for {
				i := int(cursor.Add(1)) - 1
				if i >= len(pending) {
					return nil
				}
				if err := e.runTool(gctx, st, pending[i], snap); err != nil {
					return err
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.transition(ctx, run, model.RunStatusRunning)
}

// runTool executes one tool run and records its result. Tool failures are
// results, not errors.
func (e *Engine) runTool(ctx context.Context, st *runState, tr model.ToolRun, snap *workspace.Snapshot) error {
	run := st.run
	now := e.now()
	tr.Status = model.ToolRunRunning
	tr.StartedAt = &now
	if ok, err := e.updateToolRun(ctx, tr); err != nil || !ok {
		return err
	}
	e.emit(ctx, run.BranchID, event{
		name:      model.EventToolStarted,
		message:   "tool started: " + tr.ToolName,
		runID:     run.ID,
		toolRunID: tr.ID,
		toolName:  tr.ToolName,
	})

	res := e.executor.Execute(ctx, tools.Call{
		Tool:   tr.ToolName,
		Args:   tr.Args,
		Policy: run.Policy,
		Context: tools.Context{
			WorkspaceID: st.branch.WorkspaceID,
			BranchID:    run.BranchID,
			RunID:       run.ID,
			ToolRunID:   tr.ID,
			Actor:       run.Actor,
			Approved:    tr.Approved,
			Snapshot:    snap,
		},
	})

	finished := e.now()
	tr.Result = res
	tr.Artifacts = res.Artifacts
	tr.FinishedAt = &finished
	tr.Status = model.ToolRunDone
	if !res.OK {
		tr.Status = model.ToolRunFailed
	}
	ok, err := e.updateToolRun(ctx, tr)
	if err != nil || !ok {
		return err
	}

	if res.OK {
		e.emit(ctx, run.BranchID, event{
			name:      model.EventToolOutput,
			message:   res.Summary,
			runID:     run.ID,
			toolRunID: tr.ID,
			toolName:  tr.ToolName,
		})
	} else {
		e.emit(ctx, run.BranchID, event{
			name:      model.EventToolFailed,
			message:   res.Summary,
			runID:     run.ID,
			toolRunID: tr.ID,
			toolName:  tr.ToolName,
			data:      map[string]any{"warnings": res.Warnings},
		})
	}
	return nil
}

// updateToolRun persists tr unless a canceller got there first. It reports
// whether the update was written.
func (e *Engine) updateToolRun(ctx context.Context, tr model.ToolRun) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	release, err := e.intake.Lock(ctx, tr.BranchID)
	if err != nil {
		return false, fmt.Errorf("engine: lock branch: %w", err)
	}
	defer release()
	cur, err := e.store.GetToolRun(ctx, tr.ID)
	if err != nil {
		return false, fmt.Errorf("engine: reload tool run: %w", err)
	}
	if cur.Status == model.ToolRunCancelled {
		return false, nil
	}
	if err := e.store.UpdateToolRun(ctx, tr); err != nil {
		return false, fmt.Errorf("engine: update tool run: %w", err)
	}
	return true, nil
}

// clarifyRequest is the checkpoint raised when the planner asks for user
// input without proposing a decision of its own. Approving runs the plan
// as drafted; rejecting skips its tools.
func clarifyRequest(plan model.RuntimePlan) model.DecisionRequest {
	var b strings.Builder
	b.WriteString("The plan needs your input before it continues.")
	if plan.Goal != "" {
		b.WriteString("\nGoal: " + plan.Goal)
	}
	for _, step := range plan.Steps {
		b.WriteString("\n- " + step)
	}
	return model.DecisionRequest{
		Key:    "plan.clarify",
		Title:  "Continue with this plan?",
		Prompt: b.String(),
		Options: []model.DecisionOption{
			{ID: "continue", Label: "Continue as planned", Outcome: model.OutcomeApprove},
			{ID: "skip", Label: "Skip the planned tools", Outcome: model.OutcomeReject},
		},
		DefaultOption: "continue",
		Blocking:      true,
		Source:        model.DecisionFromPlan,
	}
}

func blockingRequests(reqs []model.DecisionRequest) []model.DecisionRequest {
	var out []model.DecisionRequest
	for _, r := range reqs {
		if r.Blocking {
			out = append(out, r)
		}
	}
	return out
}
