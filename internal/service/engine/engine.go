// Package engine drives agent runs: it accepts messages for a branch,
// plans, schedules tool runs, gates on decisions, auto-continues and writes
// the final response.
//
// Durable state is always re-read from the store at the start of a step.
// The only in-memory shared state is the per-branch locks and the cancel
// functions of runs currently executing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/conductor/internal/eventbus"
	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/service/pipeline"
	"github.com/ashita-ai/conductor/internal/storage"
	"github.com/ashita-ai/conductor/internal/telemetry"
	"github.com/ashita-ai/conductor/internal/tools"
	"github.com/ashita-ai/conductor/internal/workspace"
)

var (
	ErrBranchNotFound   = errors.New("engine: branch not found")
	ErrRunNotFound      = errors.New("engine: run not found")
	ErrDecisionNotFound = errors.New("engine: decision not found")
	ErrDecisionResolved = errors.New("engine: decision already resolved")
	ErrUnknownOption    = errors.New("engine: unknown decision option")
	ErrRunNotWaiting    = errors.New("engine: run is not waiting for input")
	ErrBranchBusy       = errors.New("engine: branch has an active run")
	ErrClosed           = errors.New("engine: shutting down")
)

// Config wires an Engine.
type Config struct {
	Store     storage.Store
	Bus       *eventbus.Bus
	Executor  *tools.Executor
	Pipeline  *pipeline.Pipeline
	Assembler *workspace.Assembler
	Logger    *slog.Logger

	// PreemptScheduledLoops lets a direct message cancel a busy
	// scheduled-loop run instead of queueing behind it.
	PreemptScheduledLoops bool
	// AppendTrace adds the reasoning trace to final messages.
	AppendTrace bool
}

// Engine is safe for concurrent use.
type Engine struct {
	store     storage.Store
	bus       *eventbus.Bus
	executor  *tools.Executor
	pipeline  *pipeline.Pipeline
	assembler *workspace.Assembler
	logger    *slog.Logger
	tracer    trace.Tracer

	preemptScheduled bool
	appendTrace      bool

	// intake serializes the short read-decide-write step of message intake
	// and decision resolution. exec serializes run execution.
	intake *BranchLocks
	exec   *BranchLocks

	mu      sync.Mutex
	running map[uuid.UUID]*execution
	wg      sync.WaitGroup
	closed  atomic.Bool

	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
	now          func() time.Time
}

// New creates an Engine.
func New(cfg Config) *Engine {
	meter := telemetry.Meter("conductor/engine")
	started, _ := meter.Int64Counter("conductor.runs.started",
		metric.WithDescription("Agent runs created"),
	)
	finished, _ := meter.Int64Counter("conductor.runs.finished",
		metric.WithDescription("Agent runs that reached a terminal status"),
	)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:            cfg.Store,
		bus:              cfg.Bus,
		executor:         cfg.Executor,
		pipeline:         cfg.Pipeline,
		assembler:        cfg.Assembler,
		logger:           logger,
		tracer:           otel.Tracer("conductor/engine"),
		preemptScheduled: cfg.PreemptScheduledLoops,
		appendTrace:      cfg.AppendTrace,
		intake:           NewBranchLocks(),
		exec:             NewBranchLocks(),
		running:          make(map[uuid.UUID]*execution),
		runsStarted:      started,
		runsFinished:     finished,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

// Drain stops intake and waits for executing runs. When ctx ends first,
// the remaining runs are cancelled and ctx's error is returned.
func (e *Engine) Drain(ctx context.Context) error {
	e.closed.Store(true)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		for _, x := range e.running {
			x.cancel()
		}
		e.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

// Wait blocks until no run is executing. Intended for tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// ActiveExecutions returns how many runs are executing right now.
func (e *Engine) ActiveExecutions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

// GetRun returns a run with its tool runs and decisions.
func (e *Engine) GetRun(ctx context.Context, runID uuid.UUID) (model.RunView, error) {
	run, err := e.store.GetRun(ctx, runID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.RunView{}, ErrRunNotFound
	}
	if err != nil {
		return model.RunView{}, fmt.Errorf("engine: get run: %w", err)
	}
	trs, err := e.store.ListToolRuns(ctx, runID)
	if err != nil {
		return model.RunView{}, fmt.Errorf("engine: list tool runs: %w", err)
	}
	decs, err := e.store.ListDecisions(ctx, runID)
	if err != nil {
		return model.RunView{}, fmt.Errorf("engine: list decisions: %w", err)
	}
	if trs == nil {
		trs = []model.ToolRun{}
	}
	if decs == nil {
		decs = []model.RunDecision{}
	}
	return model.RunView{Run: run, ToolRuns: trs, Decisions: decs}, nil
}

// branch loads a branch, mapping a missing one to ErrBranchNotFound.
func (e *Engine) branch(ctx context.Context, branchID uuid.UUID) (model.Branch, error) {
	b, err := e.store.GetBranch(ctx, branchID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Branch{}, ErrBranchNotFound
	}
	if err != nil {
		return model.Branch{}, fmt.Errorf("engine: get branch: %w", err)
	}
	return b, nil
}

// event describes one process event to emit.
type event struct {
	name      model.EventName
	message   string
	runID     uuid.UUID
	toolRunID uuid.UUID
	toolName  string
	status    model.EventStatus
	data      map[string]any
}

// emit persists an event and publishes it. Failures are logged, never
// returned: the event log is advisory for the run itself.
func (e *Engine) emit(ctx context.Context, branchID uuid.UUID, ev event) {
	now := e.now()
	pe := model.ProcessEvent{
		ID:        uuid.New(),
		BranchID:  branchID,
		Message:   ev.message,
		Data:      ev.data,
		CreatedAt: now,
		Payload: model.EventPayload{
			Event:     ev.name,
			Status:    ev.status,
			ToolName:  ev.toolName,
			CreatedAt: &now,
		},
	}
	if ev.runID != uuid.Nil {
		id := ev.runID
		pe.Payload.RunID = &id
	}
	if ev.toolRunID != uuid.Nil {
		id := ev.toolRunID
		pe.Payload.ToolRunID = &id
	}
	pe.Payload = model.NormalizePayload(pe.Payload, ev.message)

	ctx = context.WithoutCancel(ctx)
	if err := e.store.AppendEvent(ctx, &pe); err != nil {
		e.logger.Warn("engine: append event failed", "branch_id", branchID, "event", ev.name, "error", err)
		return
	}
	if e.bus != nil {
		e.bus.Publish(ctx, pe)
	}
}

// setStatus moves a run to status, stamping timestamps, and persists it.
func (e *Engine) setStatus(ctx context.Context, run *model.AgentRun, status model.RunStatus) error {
	if err := model.ValidateTransition(run.Status, status); err != nil {
		return fmt.Errorf("engine: run %s: %w", run.ID, err)
	}
	now := e.now()
	run.Status = status
	run.UpdatedAt = now
	if status == model.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if status.Terminal() {
		run.CompletedAt = &now
	}
	if err := e.store.UpdateRun(context.WithoutCancel(ctx), *run); err != nil {
		return fmt.Errorf("engine: update run: %w", err)
	}
	if status.Terminal() {
		e.runsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	return nil
}

// execution is one goroutine driving a run.
type execution struct {
	cancel context.CancelFunc
}

// spawn starts executing a run in the background. The run's context is
// detached from the caller so a finished HTTP request does not cancel it.
func (e *Engine) spawn(branchID, runID uuid.UUID) {
	ctx, cancel := context.WithCancel(context.Background())
	x := &execution{cancel: cancel}
	e.mu.Lock()
	e.running[runID] = x
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			if e.running[runID] == x {
				delete(e.running, runID)
			}
			e.mu.Unlock()
		}()
		e.execute(ctx, branchID, runID)
	}()
}

func (e *Engine) cancelExecution(runID uuid.UUID) {
	e.mu.Lock()
	x, ok := e.running[runID]
	e.mu.Unlock()
	if ok {
		x.cancel()
	}
}
