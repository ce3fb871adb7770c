package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/conductor/internal/eventbus"
	"github.com/ashita-ai/conductor/internal/guard"
	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/service/generation"
	"github.com/ashita-ai/conductor/internal/service/pipeline"
	"github.com/ashita-ai/conductor/internal/storage/memstore"
	"github.com/ashita-ai/conductor/internal/tools"
	"github.com/ashita-ai/conductor/internal/workspace"
)

var owner = model.Actor{ID: "owner-1", Class: model.ActorOwner, CanMutate: true}

// scriptedGen answers the planner with a fixed plan; every other stage
// uses its fallback.
type scriptedGen struct {
	plan string
}

func (g scriptedGen) Name() string { return "scripted" }

func (g scriptedGen) Generate(_ context.Context, req generation.Request) (string, error) {
	if req.Stage == pipeline.StagePlanner && g.plan != "" {
		return g.plan, nil
	}
	return "", generation.ErrUnavailable
}

func planCalling(calls ...string) string {
	out := `{"goal": "test goal", "steps": ["do it"], "toolCalls": [`
	for i, c := range calls {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out + `]}`
}

type harness struct {
	t      *testing.T
	store  *memstore.Store
	bus    *eventbus.Bus
	engine *Engine
	branch model.Branch
}

type harnessOpts struct {
	plan    string
	tools   []tools.Tool
	preempt bool
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	logger := quietLogger()
	store := memstore.New()
	reg, err := tools.NewRegistry(o.tools...)
	require.NoError(t, err)
	catalog := workspace.DefaultCatalog()
	bus := eventbus.New(logger)

	e := New(Config{
		Store:                 store,
		Bus:                   bus,
		Executor:              tools.NewExecutor(reg, guard.New(catalog), logger),
		Pipeline:              pipeline.New(scriptedGen{plan: o.plan}, time.Second, logger),
		Assembler:             workspace.NewAssembler(catalog, nil, store, logger),
		Logger:                logger,
		PreemptScheduledLoops: o.preempt,
	})

	h := &harness{t: t, store: store, bus: bus, engine: e}
	h.branch = h.newBranch()
	t.Cleanup(func() { _ = e.Drain(context.Background()) })
	return h
}

func (h *harness) newBranch() model.Branch {
	ctx := context.Background()
	th := model.Thread{ID: uuid.New(), WorkspaceID: "ws-1", Title: "t", CreatedAt: time.Now().UTC()}
	require.NoError(h.t, h.store.CreateThread(ctx, th))
	b := model.Branch{ID: uuid.New(), ThreadID: th.ID, WorkspaceID: th.WorkspaceID, Name: "main", CreatedAt: th.CreatedAt}
	require.NoError(h.t, h.store.CreateBranch(ctx, b))
	return b
}

func (h *harness) send(content string, mode model.IntakeMode, policy *model.PolicyOverrides) model.SendMessageResponse {
	h.t.Helper()
	resp, err := h.engine.SendMessage(context.Background(), SendInput{
		BranchID: h.branch.ID,
		Content:  content,
		Mode:     mode,
		Policy:   policy,
		Actor:    owner,
	})
	require.NoError(h.t, err)
	return resp
}

func (h *harness) run(id uuid.UUID) model.AgentRun {
	h.t.Helper()
	r, err := h.store.GetRun(context.Background(), id)
	require.NoError(h.t, err)
	return r
}

func (h *harness) toolRuns(runID uuid.UUID) []model.ToolRun {
	h.t.Helper()
	trs, err := h.store.ListToolRuns(context.Background(), runID)
	require.NoError(h.t, err)
	return trs
}

func (h *harness) eventNames() []model.EventName {
	h.t.Helper()
	evs, err := h.store.ListEvents(context.Background(), h.branch.ID, 0, 0)
	require.NoError(h.t, err)
	out := make([]model.EventName, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Payload.Event)
	}
	return out
}

func (h *harness) waitToolRunning(runID uuid.UUID) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		for _, tr := range h.toolRuns(runID) {
			if tr.Status == model.ToolRunRunning {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func ptr[T any](v T) *T { return &v }

func staticTool(name string, out map[string]any) tools.Tool {
	return tools.Tool{
		Name: name,
		Execute: func(context.Context, tools.Context, map[string]any) (any, error) {
			return out, nil
		},
	}
}

// holdTool blocks until gate closes or its context ends.
func holdTool(gate <-chan struct{}) tools.Tool {
	return tools.Tool{
		Name: "hold",
		Execute: func(ctx context.Context, _ tools.Context, _ map[string]any) (any, error) {
			select {
			case <-gate:
				return map[string]any{"summary": "held"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

func indexOf(names []model.EventName, n model.EventName) int {
	for i, v := range names {
		if v == n {
			return i
		}
	}
	return -1
}

func TestSendMessageCompletesRun(t *testing.T) {
	h := newHarness(t, harnessOpts{tools: []tools.Tool{
		staticTool("list_competitors", map[string]any{
			"competitors": []any{map[string]any{"name": "Acme", "website": "https://acme.test"}},
		}),
	}})

	resp := h.send("How do our competitors price?", "", nil)
	assert.Equal(t, OutcomeStarted, resp.Outcome)
	require.NotNil(t, resp.RunID)
	h.engine.Wait()

	run := h.run(*resp.RunID)
	assert.Equal(t, model.RunStatusDone, run.Status)
	require.NotNil(t, run.Plan)
	assert.True(t, run.Plan.Fallback)
	require.NotNil(t, run.ResultMessage)
	assert.NotNil(t, run.CompletedAt)

	trs := h.toolRuns(run.ID)
	require.Len(t, trs, 1)
	assert.Equal(t, "list_competitors", trs[0].ToolName)
	assert.Equal(t, model.ToolRunDone, trs[0].Status)

	msgs, err := h.store.ListMessages(context.Background(), h.branch.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, *run.ResultMessage, msgs[1].ID)
	require.NotNil(t, msgs[1].ParentID)
	assert.Equal(t, msgs[0].ID, *msgs[1].ParentID)
	assert.Contains(t, msgs[1].Content, "list_competitors returned 1 competitors")

	names := h.eventNames()
	for _, pair := range [][2]model.EventName{
		{model.EventRunQueued, model.EventRunStarted},
		{model.EventRunStarted, model.EventRunPlanning},
		{model.EventRunPlanning, model.EventToolStarted},
		{model.EventToolStarted, model.EventToolOutput},
		{model.EventToolOutput, model.EventRunWriting},
		{model.EventRunWriting, model.EventRunCompleted},
	} {
		assert.Less(t, indexOf(names, pair[0]), indexOf(names, pair[1]), "%s before %s", pair[0], pair[1])
	}
}

func TestSendMessageUnknownBranch(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.engine.SendMessage(context.Background(), SendInput{BranchID: uuid.New(), Content: "hi"})
	assert.ErrorIs(t, err, ErrBranchNotFound)

	_, err = h.engine.SendMessage(context.Background(), SendInput{BranchID: h.branch.ID, Content: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestConcurrentSendsKeepOneActiveRun(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "hold"}`),
		tools: []tools.Tool{holdTool(gate)},
	})

	var wg sync.WaitGroup
	resps := make([]model.SendMessageResponse, 2)
	for i := range resps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resps[i] = h.send(fmt.Sprintf("message %d", i), model.ModeDirect, nil)
		}()
	}
	wg.Wait()

	outcomes := []string{resps[0].Outcome, resps[1].Outcome}
	assert.ElementsMatch(t, []string{OutcomeStarted, OutcomeQueued}, outcomes)

	active, err := h.store.ListActiveRuns(context.Background(), h.branch.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	close(gate)
	h.engine.Wait()

	runs, err := h.store.ListRuns(context.Background(), h.branch.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2, "queued message is dispatched after the first run")
	for _, r := range runs {
		assert.Equal(t, model.RunStatusDone, r.Status)
	}
	queue, err := h.store.ListQueue(context.Background(), h.branch.ID)
	require.NoError(t, err)
	assert.Empty(t, queue)
}

func TestQueueModeWhileIdleDispatches(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	resp := h.send("hello", model.ModeQueue, nil)
	assert.Equal(t, OutcomeQueued, resp.Outcome)
	require.NotNil(t, resp.QueueItem)
	require.NotNil(t, resp.RunID)
	h.engine.Wait()
	assert.Equal(t, model.RunStatusDone, h.run(*resp.RunID).Status)
}

func TestInterruptCancelsActiveRun(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "hold"}`),
		tools: []tools.Tool{holdTool(gate)},
	})

	resp := h.send("long job", "", nil)
	h.waitToolRunning(*resp.RunID)

	cancelled, next, err := h.engine.Interrupt(context.Background(), h.branch.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{*resp.RunID}, cancelled)
	assert.Nil(t, next)
	h.engine.Wait()

	run := h.run(*resp.RunID)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
	assert.Nil(t, run.ResultMessage, "a cancelled run never writes a final message")
	trs := h.toolRuns(run.ID)
	require.Len(t, trs, 1)
	assert.Equal(t, model.ToolRunCancelled, trs[0].Status)
	assert.Contains(t, h.eventNames(), model.EventRunCancelled)

	msgs, err := h.store.ListMessages(context.Background(), h.branch.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestInterruptModeStartsNewRun(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "hold"}`),
		tools: []tools.Tool{holdTool(gate)},
	})
	first := h.send("first", "", nil)
	h.waitToolRunning(*first.RunID)

	second := h.send("second", model.ModeInterrupt, nil)
	assert.Equal(t, OutcomeStarted, second.Outcome)
	assert.Equal(t, []uuid.UUID{*first.RunID}, second.Cancelled)
	h.waitToolRunning(*second.RunID)
	assert.Equal(t, model.RunStatusCancelled, h.run(*first.RunID).Status)
}

func mutateTool(calls *atomic.Int32, approved *atomic.Bool) tools.Tool {
	return tools.Tool{
		Name:   "publish",
		Mutate: true,
		Execute: func(_ context.Context, tc tools.Context, _ map[string]any) (any, error) {
			calls.Add(1)
			approved.Store(tc.Approved)
			return map[string]any{"summary": "published"}, nil
		},
	}
}

func parkOnDecision(t *testing.T, h *harness) (model.AgentRun, model.RunDecision) {
	t.Helper()
	resp := h.send("publish the page", "", nil)
	h.engine.Wait()

	run := h.run(*resp.RunID)
	require.Equal(t, model.RunStatusWaitingUser, run.Status)
	decs, err := h.store.ListOpenDecisions(context.Background(), h.branch.ID)
	require.NoError(t, err)
	require.Len(t, decs, 1)
	assert.True(t, decs[0].Blocking)
	assert.Equal(t, model.DecisionFromTool, decs[0].Source)
	require.Len(t, decs[0].ToolRunIDs, 1)
	return run, decs[0]
}

func TestMutationToolParksRun(t *testing.T) {
	var calls atomic.Int32
	var approved atomic.Bool
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "publish"}`),
		tools: []tools.Tool{mutateTool(&calls, &approved)},
	})
	run, _ := parkOnDecision(t, h)
	assert.Zero(t, calls.Load(), "gated tool never reaches its handler")
	assert.Nil(t, run.ResultMessage)

	msgs, err := h.store.ListMessages(context.Background(), h.branch.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].Content, "Allow publish?")
	assert.Equal(t, "decision_request", msgs[1].Metadata["kind"])
	assert.Contains(t, h.eventNames(), model.EventDecisionRequired)
}

func TestResolveDecisionApproveRetries(t *testing.T) {
	var calls atomic.Int32
	var approved atomic.Bool
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "publish"}`),
		tools: []tools.Tool{mutateTool(&calls, &approved)},
	})
	run, dec := parkOnDecision(t, h)

	resolved, err := h.engine.ResolveDecision(context.Background(), ResolveInput{
		RunID: run.ID, DecisionID: dec.ID, OptionID: "approve", Actor: owner,
	})
	require.NoError(t, err)
	require.NotNil(t, resolved.Outcome)
	assert.Equal(t, model.OutcomeApprove, *resolved.Outcome)
	h.engine.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, approved.Load())
	run = h.run(run.ID)
	assert.Equal(t, model.RunStatusDone, run.Status)
	trs := h.toolRuns(run.ID)
	require.Len(t, trs, 1)
	assert.Equal(t, model.ToolRunDone, trs[0].Status)
	assert.True(t, trs[0].Approved)

	_, err = h.engine.ResolveDecision(context.Background(), ResolveInput{RunID: run.ID, DecisionID: dec.ID, OptionID: "approve"})
	assert.ErrorIs(t, err, ErrDecisionResolved)
}

func TestResolveDecisionRejectSkips(t *testing.T) {
	var calls atomic.Int32
	var approved atomic.Bool
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "publish"}`),
		tools: []tools.Tool{mutateTool(&calls, &approved)},
	})
	run, dec := parkOnDecision(t, h)

	_, err := h.engine.ResolveDecision(context.Background(), ResolveInput{
		RunID: run.ID, DecisionID: dec.ID, OptionID: "reject", Note: "not now",
	})
	require.NoError(t, err)
	h.engine.Wait()

	assert.Zero(t, calls.Load())
	run = h.run(run.ID)
	assert.Equal(t, model.RunStatusDone, run.Status)
	trs := h.toolRuns(run.ID)
	require.Len(t, trs, 1)
	assert.Equal(t, model.ToolRunCancelled, trs[0].Status)
	require.NotNil(t, trs[0].Result)
	assert.False(t, trs[0].Result.OK)
	require.NotEmpty(t, trs[0].Result.Warnings)
	assert.Contains(t, trs[0].Result.Warnings[0], "skipped")
}

func TestResolveDecisionErrors(t *testing.T) {
	var calls atomic.Int32
	var approved atomic.Bool
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "publish"}`),
		tools: []tools.Tool{mutateTool(&calls, &approved)},
	})
	run, dec := parkOnDecision(t, h)
	ctx := context.Background()

	_, err := h.engine.ResolveDecision(ctx, ResolveInput{RunID: run.ID, DecisionID: dec.ID, OptionID: "maybe"})
	assert.ErrorIs(t, err, ErrUnknownOption)
	_, err = h.engine.ResolveDecision(ctx, ResolveInput{RunID: run.ID, DecisionID: uuid.New(), OptionID: "approve"})
	assert.ErrorIs(t, err, ErrDecisionNotFound)
	_, err = h.engine.ResolveDecision(ctx, ResolveInput{RunID: uuid.New(), DecisionID: dec.ID, OptionID: "approve"})
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func stagingTool(calls *atomic.Int32) tools.Tool {
	return tools.Tool{
		Name:    "stage_mutation",
		Staging: true,
		Execute: func(context.Context, tools.Context, map[string]any) (any, error) {
			calls.Add(1)
			return map[string]any{"summary": "staged", "mutationId": "m1"}, nil
		},
	}
}

func (h *harness) resolve(runID, decisionID uuid.UUID, option string) model.RunDecision {
	h.t.Helper()
	dec, err := h.engine.ResolveDecision(context.Background(), ResolveInput{
		RunID: runID, DecisionID: decisionID, OptionID: option, Actor: owner,
	})
	require.NoError(h.t, err)
	return dec
}

func TestResolveGuardDecisionStagesChange(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "stage_mutation", "args": {"operations": [{"kind": "delete_rows", "section": "competitors"}]}}`),
		tools: []tools.Tool{stagingTool(&calls)},
	})
	resp := h.send("remove every competitor", "", nil)
	h.engine.Wait()

	run := h.run(*resp.RunID)
	require.Equal(t, model.RunStatusWaitingUser, run.Status)
	decs, err := h.store.ListOpenDecisions(context.Background(), h.branch.ID)
	require.NoError(t, err)
	require.Len(t, decs, 1)
	assert.Equal(t, model.DecisionFromGuard, decs[0].Source)
	assert.Zero(t, calls.Load())

	h.resolve(run.ID, decs[0].ID, "approve")
	h.engine.Wait()

	assert.Equal(t, int32(1), calls.Load())
	run = h.run(run.ID)
	assert.Equal(t, model.RunStatusDone, run.Status)
	trs := h.toolRuns(run.ID)
	require.Len(t, trs, 1)
	assert.Equal(t, model.ToolRunDone, trs[0].Status)
	assert.True(t, trs[0].Approved)
}

func TestGuardRejectedStagingCompletesWithIssues(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "stage_mutation", "args": {"operations": [{"kind": "delete_rows", "section": "no_such_section"}]}}`),
		tools: []tools.Tool{stagingTool(&calls)},
	})
	resp := h.send("remove everything", "", &model.PolicyOverrides{AllowMutationTools: ptr(true)})
	h.engine.Wait()

	run := h.run(*resp.RunID)
	assert.Equal(t, model.RunStatusDone, run.Status)
	require.NotNil(t, run.ResultMessage)
	decs, err := h.store.ListDecisions(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, decs)
	trs := h.toolRuns(run.ID)
	require.Len(t, trs, 1)
	require.NotNil(t, trs[0].Result)
	assert.False(t, trs[0].Result.OK)
	require.NotEmpty(t, trs[0].Result.Warnings)
	assert.Contains(t, trs[0].Result.Warnings[0], "UNSUPPORTED_SECTION")
	assert.Zero(t, calls.Load())
}

func TestApprovedDecisionIsNotRaisedAgain(t *testing.T) {
	var calls atomic.Int32
	insistent := tools.Tool{
		Name: "insistent",
		Execute: func(context.Context, tools.Context, map[string]any) (any, error) {
			calls.Add(1)
			return map[string]any{
				"summary":   "needs a yes",
				"decisions": []any{map[string]any{"key": "confirm.insistent", "prompt": "Really?"}},
			}, nil
		},
	}
	h := newHarness(t, harnessOpts{plan: planCalling(`{"tool": "insistent"}`), tools: []tools.Tool{insistent}})
	resp := h.send("go", "", nil)
	h.engine.Wait()

	run := h.run(*resp.RunID)
	require.Equal(t, model.RunStatusWaitingUser, run.Status)
	decs, err := h.store.ListOpenDecisions(context.Background(), h.branch.ID)
	require.NoError(t, err)
	require.Len(t, decs, 1)

	h.resolve(run.ID, decs[0].ID, "approve")
	h.engine.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, model.RunStatusDone, h.run(run.ID).Status)
	all, err := h.store.ListDecisions(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestResolveAdvisoryDecisionOnFinishedRun(t *testing.T) {
	advisor := tools.Tool{
		Name: "advisor",
		Execute: func(context.Context, tools.Context, map[string]any) (any, error) {
			return map[string]any{
				"summary":   "found something",
				"decisions": []any{map[string]any{"key": "follow.up", "prompt": "Track this competitor?", "blocking": false}},
			}, nil
		},
	}
	h := newHarness(t, harnessOpts{plan: planCalling(`{"tool": "advisor"}`), tools: []tools.Tool{advisor}})
	resp := h.send("go", "", nil)
	h.engine.Wait()

	run := h.run(*resp.RunID)
	require.Equal(t, model.RunStatusDone, run.Status)
	decs, err := h.store.ListDecisions(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, decs, 1)
	require.False(t, decs[0].Blocking)
	require.Len(t, decs[0].ToolRunIDs, 1)

	dec := h.resolve(run.ID, decs[0].ID, "approve")
	require.NotNil(t, dec.Outcome)
	assert.Equal(t, model.OutcomeApprove, *dec.Outcome)
	h.engine.Wait()

	assert.Equal(t, model.RunStatusDone, h.run(run.ID).Status)
	trs := h.toolRuns(run.ID)
	require.Len(t, trs, 1)
	assert.Equal(t, model.ToolRunDone, trs[0].Status)
	require.NotNil(t, trs[0].Result)
	assert.Equal(t, "found something", trs[0].Result.Summary)
	active, err := h.store.ListActiveToolRuns(context.Background(), h.branch.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPlanNeedingInputParksUntilAnswered(t *testing.T) {
	h := newHarness(t, harnessOpts{
		plan:  `{"goal": "price check", "steps": ["list"], "needUserInput": true, "toolCalls": [{"tool": "list_competitors"}]}`,
		tools: []tools.Tool{staticTool("list_competitors", map[string]any{"summary": "listed"})},
	})
	resp := h.send("check prices", "", nil)
	h.engine.Wait()

	run := h.run(*resp.RunID)
	require.Equal(t, model.RunStatusWaitingUser, run.Status)
	decs, err := h.store.ListOpenDecisions(context.Background(), h.branch.ID)
	require.NoError(t, err)
	require.Len(t, decs, 1)
	assert.Equal(t, "plan.clarify", decs[0].Key)
	assert.Equal(t, model.DecisionFromPlan, decs[0].Source)
	assert.Equal(t, model.ToolRunQueued, h.toolRuns(run.ID)[0].Status)

	h.resolve(run.ID, decs[0].ID, "continue")
	h.engine.Wait()

	assert.Equal(t, model.RunStatusDone, h.run(run.ID).Status)
	assert.Equal(t, model.ToolRunDone, h.toolRuns(run.ID)[0].Status)
}

func TestDirectMessageSupersedesWaitingRun(t *testing.T) {
	var calls atomic.Int32
	var approved atomic.Bool
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "publish"}`),
		tools: []tools.Tool{mutateTool(&calls, &approved)},
	})
	run, dec := parkOnDecision(t, h)

	resp := h.send("never mind, do something else", model.ModeDirect, ptr(model.PolicyOverrides{AllowMutationTools: ptr(true)}))
	assert.Equal(t, OutcomeStarted, resp.Outcome)
	assert.Equal(t, []uuid.UUID{run.ID}, resp.Cancelled)
	h.engine.Wait()

	assert.Equal(t, model.RunStatusCancelled, h.run(run.ID).Status)
	closed, err := h.store.GetDecision(context.Background(), dec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionResolved, closed.Status)
	assert.Equal(t, model.RunStatusDone, h.run(*resp.RunID).Status)
	assert.Equal(t, int32(1), calls.Load(), "policy allowing mutation runs the tool directly")
}

func TestQueueModeWaitsBehindWaitingRun(t *testing.T) {
	var calls atomic.Int32
	var approved atomic.Bool
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "publish"}`),
		tools: []tools.Tool{mutateTool(&calls, &approved)},
	})
	run, _ := parkOnDecision(t, h)

	resp := h.send("after that, summarize", model.ModeQueue, nil)
	assert.Equal(t, OutcomeQueued, resp.Outcome)
	assert.Nil(t, resp.RunID)
	assert.Equal(t, model.RunStatusWaitingUser, h.run(run.ID).Status)
}

// chainTool suggests calling itself again with n+1, or with the same
// arguments when repeat is set.
func chainTool(repeat bool) tools.Tool {
	return tools.Tool{
		Name: "chain",
		Execute: func(_ context.Context, _ tools.Context, args map[string]any) (any, error) {
			n, _ := args["n"].(float64)
			next := map[string]any{"n": n + 1}
			if repeat {
				next = map[string]any{"n": n}
			}
			return map[string]any{
				"summary":       fmt.Sprintf("step %d", int(n)),
				"continuations": []any{map[string]any{"suggestedNextTools": []any{"chain"}, "args": next}},
			}, nil
		},
	}
}

func TestAutoContinuationRespectsDepthCap(t *testing.T) {
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "chain", "args": {"n": 0}}`),
		tools: []tools.Tool{chainTool(false)},
	})
	resp := h.send("go", "", &model.PolicyOverrides{MaxAutoContinuations: ptr(2)})
	h.engine.Wait()

	run := h.run(*resp.RunID)
	assert.Equal(t, model.RunStatusDone, run.Status)
	assert.Equal(t, 2, run.Plan.ContinuationDepth)
	trs := h.toolRuns(run.ID)
	require.Len(t, trs, 3)
	for i, tr := range trs {
		assert.Equal(t, i, tr.Depth)
	}
}

func TestContinuationCutByCapIsPickedUpLater(t *testing.T) {
	seed := staticTool("seed", map[string]any{
		"summary":       "seeded",
		"continuations": []any{map[string]any{"suggestedNextTools": []any{"alpha", "beta"}}},
	})
	h := newHarness(t, harnessOpts{
		plan: planCalling(`{"tool": "seed"}`),
		tools: []tools.Tool{
			seed,
			staticTool("alpha", map[string]any{"summary": "alpha"}),
			staticTool("beta", map[string]any{"summary": "beta"}),
		},
	})
	resp := h.send("go", "", &model.PolicyOverrides{MaxToolRuns: ptr(1), MaxAutoContinuations: ptr(2)})
	h.engine.Wait()

	run := h.run(*resp.RunID)
	assert.Equal(t, model.RunStatusDone, run.Status)
	assert.Equal(t, 2, run.Plan.ContinuationDepth)
	trs := h.toolRuns(run.ID)
	names := make([]string, 0, len(trs))
	for _, tr := range trs {
		names = append(names, tr.ToolName)
	}
	assert.Equal(t, []string{"seed", "alpha", "beta"}, names)
}

func TestAutoContinuationDisabled(t *testing.T) {
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "chain", "args": {"n": 0}}`),
		tools: []tools.Tool{chainTool(false)},
	})
	resp := h.send("go", "", &model.PolicyOverrides{AutoContinue: ptr(false), MaxAutoContinuations: ptr(4)})
	h.engine.Wait()
	assert.Len(t, h.toolRuns(*resp.RunID), 1)
	assert.Zero(t, h.run(*resp.RunID).Plan.ContinuationDepth)
}

func TestRepeatedToolIdentityIsNotRescheduled(t *testing.T) {
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "chain", "args": {"n": 0}}`, `{"tool": "chain", "args": {"n": 0}}`),
		tools: []tools.Tool{chainTool(true)},
	})
	resp := h.send("go", "", &model.PolicyOverrides{MaxAutoContinuations: ptr(4)})
	h.engine.Wait()

	run := h.run(*resp.RunID)
	assert.Equal(t, model.RunStatusDone, run.Status)
	assert.Len(t, h.toolRuns(run.ID), 1)
	assert.Zero(t, run.Plan.ContinuationDepth)
}

func TestToolConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := tools.Tool{
		Name: "slow",
		Execute: func(ctx context.Context, _ tools.Context, _ map[string]any) (any, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			return map[string]any{"summary": "ok"}, nil
		},
	}
	h := newHarness(t, harnessOpts{
		plan: planCalling(`{"tool": "slow", "args": {"i": 1}}`, `{"tool": "slow", "args": {"i": 2}}`,
			`{"tool": "slow", "args": {"i": 3}}`, `{"tool": "slow", "args": {"i": 4}}`),
		tools: []tools.Tool{slow},
	})
	resp := h.send("go", "", &model.PolicyOverrides{ToolConcurrency: ptr(2), MaxToolRuns: ptr(4)})
	h.engine.Wait()

	assert.Len(t, h.toolRuns(*resp.RunID), 4)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, model.RunStatusDone, h.run(*resp.RunID).Status)
}

func TestFailingToolStillCompletes(t *testing.T) {
	boom := tools.Tool{
		Name: "boom",
		Execute: func(context.Context, tools.Context, map[string]any) (any, error) {
			return nil, errors.New("upstream exploded\nstack trace here")
		},
	}
	h := newHarness(t, harnessOpts{plan: planCalling(`{"tool": "boom"}`), tools: []tools.Tool{boom}})
	resp := h.send("go", "", nil)
	h.engine.Wait()

	run := h.run(*resp.RunID)
	assert.Equal(t, model.RunStatusDone, run.Status)
	trs := h.toolRuns(run.ID)
	require.Len(t, trs, 1)
	assert.Equal(t, model.ToolRunFailed, trs[0].Status)
	assert.Equal(t, []string{"upstream exploded"}, trs[0].Result.Warnings)
	assert.Contains(t, h.eventNames(), model.EventToolFailed)
}

func TestScheduledLoopPreemption(t *testing.T) {
	for _, preempt := range []bool{true, false} {
		t.Run(fmt.Sprintf("preempt=%v", preempt), func(t *testing.T) {
			gate := make(chan struct{})
			defer close(gate)
			h := newHarness(t, harnessOpts{
				plan:    planCalling(`{"tool": "hold"}`),
				tools:   []tools.Tool{holdTool(gate)},
				preempt: preempt,
			})
			loop, err := h.engine.RunScheduled(context.Background(), ScheduledInput{
				BranchID: h.branch.ID, Prompt: "check competitors", Actor: owner,
			})
			require.NoError(t, err)
			assert.Equal(t, model.TriggerScheduledLoop, loop.Trigger)
			h.waitToolRunning(loop.ID)

			_, err = h.engine.RunScheduled(context.Background(), ScheduledInput{BranchID: h.branch.ID, Prompt: "again"})
			assert.ErrorIs(t, err, ErrBranchBusy)

			resp := h.send("what's new?", model.ModeDirect, nil)
			if preempt {
				assert.Equal(t, OutcomeStarted, resp.Outcome)
				assert.Equal(t, []uuid.UUID{loop.ID}, resp.Cancelled)
				assert.Equal(t, model.RunStatusCancelled, h.run(loop.ID).Status)
			} else {
				assert.Equal(t, OutcomeQueued, resp.Outcome)
				assert.NotEqual(t, model.RunStatusCancelled, h.run(loop.ID).Status)
			}
		})
	}
}

func TestDrainInterruptsRunsAndRejectsIntake(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, harnessOpts{
		plan:  planCalling(`{"tool": "hold"}`),
		tools: []tools.Tool{holdTool(gate)},
	})
	resp := h.send("long", "", nil)
	h.waitToolRunning(*resp.RunID)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := h.engine.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.engine.ActiveExecutions())

	run := h.run(*resp.RunID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)

	_, err = h.engine.SendMessage(context.Background(), SendInput{BranchID: h.branch.ID, Content: "hi"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEventsArePublished(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	sub := h.bus.Subscribe(h.branch.ID)
	defer h.bus.Unsubscribe(sub)

	h.send("hello", "", nil)
	h.engine.Wait()

	var got []model.EventName
	for len(sub.C) > 0 {
		e := <-sub.C
		got = append(got, e.Payload.Event)
	}
	assert.Equal(t, h.eventNames(), got)
}
