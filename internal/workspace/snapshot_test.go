package workspace_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/storage/memstore"
	"github.com/ashita-ai/conductor/internal/workspace"
)

type fakeRecords struct {
	rows map[string][]model.RowSample
}

func (f fakeRecords) CountRecords(_ context.Context, _ string) (map[string]int, error) {
	out := map[string]int{}
	for k, v := range f.rows {
		out[k] = len(v)
	}
	return out, nil
}

func (f fakeRecords) ListRecords(_ context.Context, _, section, _ string, limit int) ([]model.RowSample, error) {
	rows := f.rows[section]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func TestAssembleSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	th := model.Thread{ID: uuid.New(), WorkspaceID: "ws", CreatedAt: time.Now()}
	require.NoError(t, store.CreateThread(ctx, th))
	branch := model.Branch{ID: uuid.New(), ThreadID: th.ID, WorkspaceID: "ws", Name: "main", CreatedAt: time.Now()}
	require.NoError(t, store.CreateBranch(ctx, branch))

	run := model.AgentRun{ID: uuid.New(), BranchID: branch.ID, Status: model.RunStatusDone}
	require.NoError(t, store.CreateRun(ctx, run))
	ev := model.Evidence{Title: "Acme pricing", URL: "https://acme.test/pricing"}
	for i, status := range []model.ToolRunStatus{model.ToolRunDone, model.ToolRunDone, model.ToolRunFailed} {
		require.NoError(t, store.CreateToolRun(ctx, model.ToolRun{
			ID: uuid.New(), RunID: run.ID, BranchID: branch.ID, ToolName: "fetch_url",
			IdentityKey: uuid.NewString(), Status: status,
			Result: &model.RuntimeToolResult{OK: status == model.ToolRunDone, Evidence: []model.Evidence{ev, {Title: "t" + string(rune('a'+i))}}},
		}))
	}
	_, err := store.EnqueueMessage(ctx, model.QueueItem{ID: uuid.New(), BranchID: branch.ID, Content: "later"})
	require.NoError(t, err)
	require.NoError(t, store.CreateDecision(ctx, model.RunDecision{
		ID: uuid.New(), RunID: run.ID, BranchID: branch.ID, Key: "k", Prompt: "ok?", Status: model.DecisionOpen, Blocking: true,
	}))
	require.NoError(t, store.CreateMessages(ctx, []model.Message{{ID: uuid.New(), BranchID: branch.ID, Role: model.RoleUser, Content: "hi"}}))

	records := fakeRecords{rows: map[string][]model.RowSample{
		"competitors": {{ID: "1"}, {ID: "2"}, {ID: "3"}, {ID: "4"}},
	}}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	a := workspace.NewAssembler(workspace.DefaultCatalog(), records, store, logger)

	snap, err := a.Assemble(ctx, "ws", branch.ID)
	require.NoError(t, err)

	comp, ok := snap.Section("competitors")
	require.True(t, ok)
	assert.Equal(t, 4, comp.Count)
	assert.Len(t, comp.Sample, 3)
	prod, ok := snap.Section("products")
	require.True(t, ok)
	assert.Zero(t, prod.Count)

	// Shared URL evidence appears once; failed tool runs contribute nothing.
	assert.Len(t, snap.Evidence, 3)
	assert.Len(t, snap.QueuedMessages, 1)
	assert.Len(t, snap.OpenDecisions, 1)
	assert.Len(t, snap.RecentMessages, 1)
}

func TestAssembleWithoutRecords(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	a := workspace.NewAssembler(workspace.DefaultCatalog(), nil, store, slog.Default())
	snap, err := a.Assemble(ctx, "ws", uuid.New())
	require.NoError(t, err)
	assert.Len(t, snap.Sections, len(workspace.DefaultCatalog().Names()))
	assert.Empty(t, snap.Evidence)
}
