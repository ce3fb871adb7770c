// Package storetest is a conformance suite every storage.Store
// implementation must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/storage"
)

// Run exercises s against the Store contract. Each subtest creates its own
// thread and branch, so s may be shared.
func Run(t *testing.T, s storage.Store) {
	t.Run("BranchesAndMessages", func(t *testing.T) { testBranchesAndMessages(t, s) })
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, s) })
	t.Run("ToolRunIdentity", func(t *testing.T) { testToolRunIdentity(t, s) })
	t.Run("Decisions", func(t *testing.T) { testDecisions(t, s) })
	t.Run("Events", func(t *testing.T) { testEvents(t, s) })
	t.Run("QueueFIFO", func(t *testing.T) { testQueueFIFO(t, s) })
	t.Run("QueueConcurrentEnqueue", func(t *testing.T) { testQueueConcurrentEnqueue(t, s) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, s) })
}

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

func newBranch(t *testing.T, s storage.Store) model.Branch {
	t.Helper()
	ctx := context.Background()
	th := model.Thread{ID: uuid.New(), WorkspaceID: "ws-test", Title: "t", CreatedAt: now()}
	require.NoError(t, s.CreateThread(ctx, th))
	b := model.Branch{ID: uuid.New(), ThreadID: th.ID, WorkspaceID: th.WorkspaceID, Name: "main", CreatedAt: now()}
	require.NoError(t, s.CreateBranch(ctx, b))
	return b
}

func newRun(t *testing.T, s storage.Store, b model.Branch, status model.RunStatus) model.AgentRun {
	t.Helper()
	ts := now()
	r := model.AgentRun{
		ID:        uuid.New(),
		BranchID:  b.ID,
		Trigger:   model.TriggerUserMessage,
		Status:    status,
		Input:     "hello",
		Policy:    model.DefaultPolicy(),
		Actor:     model.Actor{ID: "u1", Class: model.ActorMember},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

func testBranchesAndMessages(t *testing.T, s storage.Store) {
	ctx := context.Background()
	b := newBranch(t, s)

	got, err := s.GetBranch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.Name, got.Name)

	first := model.Message{ID: uuid.New(), BranchID: b.ID, Role: model.RoleUser, Content: "one", CreatedAt: now()}
	second := model.Message{ID: uuid.New(), BranchID: b.ID, ParentID: &first.ID, Role: model.RoleAssistant, Content: "two", CreatedAt: now()}
	require.NoError(t, s.CreateMessages(ctx, []model.Message{first, second}))

	msgs, err := s.ListMessages(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Content)
	require.NotNil(t, msgs[1].ParentID)
	assert.Equal(t, first.ID, *msgs[1].ParentID)

	branches, err := s.ListBranches(ctx, b.ThreadID)
	require.NoError(t, err)
	assert.Len(t, branches, 1)
}

func testRunLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	b := newBranch(t, s)
	r := newRun(t, s, b, model.RunStatusQueued)
	done := newRun(t, s, b, model.RunStatusDone)
	_ = done

	active, err := s.ListActiveRuns(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, r.ID, active[0].ID)

	r.Status = model.RunStatusWaitingUser
	r.Plan = &model.RuntimePlan{Goal: "g", ContinuationDepth: 1}
	msg := "boom"
	r.Error = &msg
	r.UpdatedAt = now()
	require.NoError(t, s.UpdateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusWaitingUser, got.Status)
	require.NotNil(t, got.Plan)
	assert.Equal(t, 1, got.Plan.ContinuationDepth)
	assert.Equal(t, "u1", got.Actor.ID)
	assert.Equal(t, model.DefaultPolicy(), got.Policy)

	all, err := s.ListRuns(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testToolRunIdentity(t *testing.T, s storage.Store) {
	ctx := context.Background()
	b := newBranch(t, s)
	r := newRun(t, s, b, model.RunStatusRunning)
	args := map[string]any{"url": "https://a.test"}
	tr := model.ToolRun{
		ID: uuid.New(), RunID: r.ID, BranchID: b.ID, ToolName: "fetch_url", Args: args,
		IdentityKey: model.ToolIdentityKey("fetch_url", args), Status: model.ToolRunQueued, CreatedAt: now(),
	}
	require.NoError(t, s.CreateToolRun(ctx, tr))

	dup := tr
	dup.ID = uuid.New()
	assert.ErrorIs(t, s.CreateToolRun(ctx, dup), storage.ErrDuplicate)

	active, err := s.ListActiveToolRuns(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	tr.Status = model.ToolRunDone
	tr.Result = &model.RuntimeToolResult{OK: true, Summary: "fetched"}
	fin := now()
	tr.FinishedAt = &fin
	require.NoError(t, s.UpdateToolRun(ctx, tr))

	got, err := s.GetToolRun(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ToolRunDone, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "fetched", got.Result.Summary)

	active, err = s.ListActiveToolRuns(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, active)

	list, err := s.ListToolRuns(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func testDecisions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	b := newBranch(t, s)
	r := newRun(t, s, b, model.RunStatusWaitingUser)
	d := model.RunDecision{
		ID: uuid.New(), RunID: r.ID, BranchID: b.ID, Key: "k", Title: "t", Prompt: "p",
		Options: model.ApproveRejectOptions(), DefaultOption: "reject", Blocking: true,
		Source: model.DecisionFromGuard, ToolRunIDs: []uuid.UUID{uuid.New()}, Status: model.DecisionOpen, CreatedAt: now(),
	}
	require.NoError(t, s.CreateDecision(ctx, d))

	open, err := s.ListOpenDecisions(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Len(t, open[0].ToolRunIDs, 1)
	assert.Len(t, open[0].Options, 2)

	opt := "approve"
	outcome := model.OutcomeApprove
	ts := now()
	d.Status = model.DecisionResolved
	d.ResolvedOption = &opt
	d.Outcome = &outcome
	d.ResolvedAt = &ts
	require.NoError(t, s.UpdateDecision(ctx, d))

	open, err = s.ListOpenDecisions(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := s.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, model.OutcomeApprove, *got.Outcome)
}

func testEvents(t *testing.T, s storage.Store) {
	ctx := context.Background()
	b := newBranch(t, s)
	var seqs []int64
	for i, name := range []model.EventName{model.EventRunStarted, model.EventToolStarted, model.EventRunCompleted} {
		phase, status := name.Triple()
		e := &model.ProcessEvent{
			ID: uuid.New(), BranchID: b.ID, Message: string(name),
			Payload:   model.EventPayload{Version: 1, Event: name, Phase: phase, Status: status},
			Data:      map[string]any{"i": float64(i)},
			CreatedAt: now(),
		}
		require.NoError(t, s.AppendEvent(ctx, e))
		seqs = append(seqs, e.Sequence)
	}
	assert.Less(t, seqs[0], seqs[1])
	assert.Less(t, seqs[1], seqs[2])

	evs, err := s.ListEvents(ctx, b.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, model.EventRunStarted, evs[0].Payload.Event)
	assert.Equal(t, model.EventRunCompleted, evs[2].Payload.Event)

	evs, err = s.ListEvents(ctx, b.ID, seqs[0], 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, model.EventToolStarted, evs[0].Payload.Event)
}

func testQueueFIFO(t *testing.T, s storage.Store) {
	ctx := context.Background()
	b := newBranch(t, s)
	for _, c := range []string{"a", "b", "c"} {
		_, err := s.EnqueueMessage(ctx, model.QueueItem{ID: uuid.New(), BranchID: b.ID, Content: c, CreatedAt: now()})
		require.NoError(t, err)
	}
	pending, err := s.ListQueue(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Less(t, pending[0].Position, pending[1].Position)

	for _, want := range []string{"a", "b", "c"} {
		item, err := s.PopNextQueued(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, want, item.Content)
		assert.True(t, item.Consumed)
	}
	_, err = s.PopNextQueued(ctx, b.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testQueueConcurrentEnqueue(t *testing.T, s storage.Store) {
	ctx := context.Background()
	b := newBranch(t, s)
	const n = 20
	var wg sync.WaitGroup
	positions := make(chan int64, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item, err := s.EnqueueMessage(ctx, model.QueueItem{ID: uuid.New(), BranchID: b.ID, Content: "x", CreatedAt: now()})
			if assert.NoError(t, err) {
				positions <- item.Position
			}
		}()
	}
	wg.Wait()
	close(positions)
	seen := map[int64]bool{}
	for p := range positions {
		assert.False(t, seen[p], "position %d assigned twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, n)
}

func testNotFound(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, err := s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetBranch(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetToolRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetDecision(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
