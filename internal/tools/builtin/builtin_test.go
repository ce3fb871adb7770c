package builtin_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/conductor/internal/guard"
	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/mutation"
	"github.com/ashita-ai/conductor/internal/tools"
	"github.com/ashita-ai/conductor/internal/tools/builtin"
	"github.com/ashita-ai/conductor/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	svc  *mutation.Service
	exec *tools.Executor
	tc   tools.Context
}

func newFixture(t *testing.T, worker *builtin.WorkerClient) fixture {
	t.Helper()
	catalog := workspace.DefaultCatalog()
	svc, err := mutation.Open(context.Background(), ":memory:", []byte("secret"), catalog, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	reg, err := tools.NewRegistry(builtin.All(svc, worker)...)
	require.NoError(t, err)
	return fixture{
		svc:  svc,
		exec: tools.NewExecutor(reg, guard.New(catalog), testLogger()),
		tc: tools.Context{
			WorkspaceID: "ws",
			BranchID:    uuid.New(),
			RunID:       uuid.New(),
			Actor:       model.Actor{ID: "u1", Class: model.ActorOwner, CanMutate: true},
		},
	}
}

func (f fixture) run(t *testing.T, tool string, args map[string]any, policy model.RunPolicy) *model.RuntimeToolResult {
	t.Helper()
	return f.exec.Execute(context.Background(), tools.Call{Tool: tool, Args: args, Policy: policy, Context: f.tc})
}

func TestListCompetitors(t *testing.T) {
	f := newFixture(t, nil)
	res := f.run(t, builtin.ListCompetitors, nil, model.DefaultPolicy())
	require.True(t, res.OK)
	require.Len(t, res.Continuations, 1)
	assert.Equal(t, []string{builtin.DiscoverCompetitors}, res.Continuations[0].SuggestedNextTools)

	_, err := f.svc.InsertRecord(context.Background(), "ws", "competitors", map[string]any{"name": "Acme", "website": "https://acme.test"})
	require.NoError(t, err)
	res = f.run(t, builtin.ListCompetitors, map[string]any{"query": "acme"}, model.DefaultPolicy())
	require.True(t, res.OK)
	assert.Equal(t, "list_competitors returned 1 competitors", res.Summary)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, "Acme", res.Evidence[0].Title)
	assert.Empty(t, res.Continuations)
}

func TestGetRecordDeepLink(t *testing.T) {
	f := newFixture(t, nil)
	row, err := f.svc.InsertRecord(context.Background(), "ws", "products", map[string]any{"name": "Kit"})
	require.NoError(t, err)

	res := f.run(t, builtin.GetRecord, map[string]any{"section": "products", "id": row.ID}, model.DefaultPolicy())
	require.True(t, res.OK)
	require.Len(t, res.Evidence, 2)
	assert.Equal(t, "Kit", res.Evidence[0].Title)
	assert.Equal(t, "Open in workspace", res.Evidence[1].Title)

	res = f.run(t, builtin.GetRecord, map[string]any{"section": "products", "id": "missing"}, model.DefaultPolicy())
	assert.False(t, res.OK)
}

func TestStageThenApplyThroughExecutor(t *testing.T) {
	f := newFixture(t, nil)
	row, err := f.svc.InsertRecord(context.Background(), "ws", "competitors", map[string]any{"name": "Acme"})
	require.NoError(t, err)

	staged := f.run(t, builtin.StageMutation, map[string]any{"operations": []any{map[string]any{
		"kind": "update_row", "section": "competitors", "row_id": row.ID, "patch": map[string]any{"notes": "cheaper"},
	}}}, model.DefaultPolicy())
	require.True(t, staged.OK, staged.Warnings)
	require.Len(t, staged.Continuations, 1)
	next := staged.Continuations[0]
	assert.Equal(t, []string{builtin.ApplyMutation}, next.SuggestedNextTools)

	// apply_mutation is gated by default policy.
	blocked := f.run(t, builtin.ApplyMutation, next.Args, model.DefaultPolicy())
	assert.False(t, blocked.OK)
	require.Len(t, blocked.Decisions, 1)
	assert.True(t, blocked.Decisions[0].Blocking)

	policy := model.DefaultPolicy()
	policy.AllowMutationTools = true
	applied := f.run(t, builtin.ApplyMutation, next.Args, policy)
	require.True(t, applied.OK, applied.Warnings)

	got, err := f.svc.GetRecord(context.Background(), "ws", "competitors", row.ID)
	require.NoError(t, err)
	assert.Equal(t, "cheaper", got.Data["notes"])
}

func TestStageHighRiskNeedsDecision(t *testing.T) {
	f := newFixture(t, nil)
	res := f.run(t, builtin.StageMutation, map[string]any{"operations": []any{map[string]any{
		"kind": "delete_rows", "section": "competitors",
	}}}, model.DefaultPolicy())
	assert.False(t, res.OK)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, model.DecisionFromGuard, res.Decisions[0].Source)

	f.tc.Approved = true
	res = f.run(t, builtin.StageMutation, map[string]any{"operations": []any{map[string]any{
		"kind": "delete_rows", "section": "competitors",
	}}}, model.DefaultPolicy())
	assert.True(t, res.OK, res.Warnings)
}

func TestRemoteToolsCallWorker(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/invoke", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got["tool"] == builtin.CrawlSite {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream refused\nstack..."}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"url": "https://a.test", "title": "A", "content": "hello", "snapshotId": "s1",
		})
	}))
	defer srv.Close()

	f := newFixture(t, builtin.NewWorkerClient(srv.URL+"/"))
	res := f.run(t, builtin.FetchURL, map[string]any{"url": "https://a.test"}, model.DefaultPolicy())
	require.True(t, res.OK, res.Warnings)
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, "source", res.Artifacts[0].Kind)
	assert.Equal(t, "snapshot", res.Artifacts[1].Kind)
	assert.Equal(t, builtin.FetchURL, got["tool"])
	assert.Equal(t, f.tc.RunID.String(), got["context"].(map[string]any)["runId"])

	res = f.run(t, builtin.CrawlSite, map[string]any{"url": "https://a.test"}, model.DefaultPolicy())
	assert.False(t, res.OK)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "tool worker: 502: upstream refused", res.Warnings[0])
}
