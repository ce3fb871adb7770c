package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/conductor/internal/auth"
	"github.com/ashita-ai/conductor/internal/eventbus"
	"github.com/ashita-ai/conductor/internal/guard"
	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/ratelimit"
	"github.com/ashita-ai/conductor/internal/server"
	"github.com/ashita-ai/conductor/internal/service/branches"
	"github.com/ashita-ai/conductor/internal/service/engine"
	"github.com/ashita-ai/conductor/internal/service/generation"
	"github.com/ashita-ai/conductor/internal/service/pipeline"
	"github.com/ashita-ai/conductor/internal/storage/memstore"
	"github.com/ashita-ai/conductor/internal/tools"
	"github.com/ashita-ai/conductor/internal/workspace"
)

type env struct {
	srv    *httptest.Server
	engine *engine.Engine
	jwt    *auth.JWTManager
}

type envOpts struct {
	secret  string
	limiter ratelimit.Limiter
	tools   []tools.Tool
	plan    string
}

// planGen answers the planner stage with a fixed plan and leaves every
// other stage to its fallback.
type planGen struct{ plan string }

func (g planGen) Name() string { return "plan" }

func (g planGen) Generate(_ context.Context, req generation.Request) (string, error) {
	if req.Stage == pipeline.StagePlanner && g.plan != "" {
		return g.plan, nil
	}
	return "", generation.ErrUnavailable
}

func newEnv(t *testing.T, o envOpts) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	bus := eventbus.New(logger)
	catalog := workspace.DefaultCatalog()
	reg, err := tools.NewRegistry(o.tools...)
	require.NoError(t, err)

	eng := engine.New(engine.Config{
		Store:     store,
		Bus:       bus,
		Executor:  tools.NewExecutor(reg, guard.New(catalog), logger),
		Pipeline:  pipeline.New(planGen{plan: o.plan}, time.Second, logger),
		Assembler: workspace.NewAssembler(catalog, nil, store, logger),
		Logger:    logger,
	})
	jwtMgr := auth.NewJWTManager(o.secret, time.Hour)
	srv := server.New(server.ServerConfig{
		Engine:              eng,
		Branches:            branches.New(store, logger),
		Store:               store,
		Bus:                 bus,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             o.limiter,
		Version:             "test",
		MaxRequestBodyBytes: 4096,
		SSEKeepalive:        50 * time.Millisecond,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = eng.Drain(context.Background())
	})
	return &env{srv: ts, engine: eng, jwt: jwtMgr}
}

type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Error *model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func (e *env) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func (e *env) newThread(t *testing.T, token, workspaceID string) model.CreateThreadResponse {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/v1/threads", token, map[string]any{
		"workspace_id": workspaceID, "title": "Pricing",
	})
	require.Equal(t, http.StatusCreated, status)
	return decode[model.CreateThreadResponse](t, body.Data)
}

func competitorsTool() tools.Tool {
	return tools.Tool{
		Name: "list_competitors",
		Execute: func(context.Context, tools.Context, map[string]any) (any, error) {
			return map[string]any{"competitors": []any{map[string]any{"name": "Acme"}}}, nil
		},
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, envOpts{secret: "s"})
	status, body := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	h := decode[model.HealthResponse](t, body.Data)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.NotEmpty(t, body.Meta.RequestID)
}

func TestConversationFlow(t *testing.T) {
	e := newEnv(t, envOpts{tools: []tools.Tool{competitorsTool()}})
	created := e.newThread(t, "", "ws-1")
	assert.Equal(t, branches.MainBranch, created.Branch.Name)
	base := "/v1/branches/" + created.Branch.ID.String()

	status, body := e.do(t, http.MethodPost, base+"/messages", "", map[string]any{
		"content": "How do our competitors price their plans?",
	})
	require.Equal(t, http.StatusCreated, status)
	sent := decode[model.SendMessageResponse](t, body.Data)
	assert.Equal(t, engine.OutcomeStarted, sent.Outcome)
	require.NotNil(t, sent.RunID)
	e.engine.Wait()

	status, body = e.do(t, http.MethodGet, "/v1/runs/"+sent.RunID.String(), "", nil)
	require.Equal(t, http.StatusOK, status)
	view := decode[model.RunView](t, body.Data)
	assert.Equal(t, model.RunStatusDone, view.Run.Status)
	require.NotEmpty(t, view.ToolRuns)
	assert.Equal(t, "list_competitors", view.ToolRuns[0].ToolName)

	status, body = e.do(t, http.MethodGet, base+"/messages", "", nil)
	require.Equal(t, http.StatusOK, status)
	msgs := decode[[]model.Message](t, body.Data)
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)

	status, body = e.do(t, http.MethodGet, base+"/runs", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.AgentRun](t, body.Data), 1)

	status, body = e.do(t, http.MethodGet, base+"/queue", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[[]model.QueueItem](t, body.Data))

	status, body = e.do(t, http.MethodGet, base+"/events?after_seq=2&limit=3", "", nil)
	require.Equal(t, http.StatusOK, status)
	evs := decode[[]model.ProcessEvent](t, body.Data)
	require.Len(t, evs, 3)
	assert.Equal(t, int64(3), evs[0].Sequence)

	status, body = e.do(t, http.MethodPost, base+"/fork", "", map[string]any{
		"from_message_id": msgs[0].ID, "name": "what-if",
	})
	require.Equal(t, http.StatusCreated, status)
	fork := decode[model.Branch](t, body.Data)
	status, body = e.do(t, http.MethodGet, "/v1/branches/"+fork.ID.String()+"/messages", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.Message](t, body.Data), 1)

	status, body = e.do(t, http.MethodPost, base+"/interrupt", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body.Data), `"cancelled_run_ids":[]`)
}

func TestValidationAndErrors(t *testing.T) {
	e := newEnv(t, envOpts{})
	created := e.newThread(t, "", "ws-1")
	base := "/v1/branches/" + created.Branch.ID.String()

	status, body := e.do(t, http.MethodPost, base+"/messages", "", map[string]any{"content": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, model.ErrCodeInvalidInput, body.Error.Code)

	status, _ = e.do(t, http.MethodPost, base+"/messages", "", map[string]any{"content": "hi", "mode": "shout"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = e.do(t, http.MethodPost, base+"/messages", "", map[string]any{"content": "hi", "bogus": 1})
	assert.Equal(t, http.StatusBadRequest, status, "unknown fields are rejected")

	status, _ = e.do(t, http.MethodPost, base+"/messages", "", map[string]any{"content": strings.Repeat("x", 5000)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	status, body = e.do(t, http.MethodGet, "/v1/branches/"+uuid.NewString()+"/runs", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, model.ErrCodeNotFound, body.Error.Code)

	status, _ = e.do(t, http.MethodGet, "/v1/branches/not-a-uuid/runs", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = e.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = e.do(t, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/decisions/"+uuid.NewString(), "",
		map[string]any{"option_id": "approve"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = e.do(t, http.MethodGet, base+"/events?after_seq=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestResolveDecisionOverHTTP(t *testing.T) {
	var calls int
	publish := tools.Tool{
		Name:   "publish",
		Mutate: true,
		Execute: func(context.Context, tools.Context, map[string]any) (any, error) {
			calls++
			return map[string]any{"summary": "published"}, nil
		},
	}
	e := newEnv(t, envOpts{
		tools: []tools.Tool{publish},
		plan:  `{"goal": "publish", "steps": ["publish"], "toolCalls": [{"tool": "publish"}]}`,
	})
	created := e.newThread(t, "", "ws-1")
	base := "/v1/branches/" + created.Branch.ID.String()

	status, body := e.do(t, http.MethodPost, base+"/messages", "", map[string]any{"content": "publish the page"})
	require.Equal(t, http.StatusCreated, status)
	sent := decode[model.SendMessageResponse](t, body.Data)
	e.engine.Wait()

	runPath := "/v1/runs/" + sent.RunID.String()
	status, body = e.do(t, http.MethodGet, runPath, "", nil)
	require.Equal(t, http.StatusOK, status)
	view := decode[model.RunView](t, body.Data)
	assert.Equal(t, model.RunStatusWaitingUser, view.Run.Status)
	require.Len(t, view.Decisions, 1)
	decPath := runPath + "/decisions/" + view.Decisions[0].ID.String()

	status, body = e.do(t, http.MethodPost, decPath, "", map[string]any{"option_id": "maybe"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = e.do(t, http.MethodPost, decPath, "", map[string]any{"option_id": "approve"})
	require.Equal(t, http.StatusOK, status)
	dec := decode[model.RunDecision](t, body.Data)
	require.NotNil(t, dec.Outcome)
	assert.Equal(t, model.OutcomeApprove, *dec.Outcome)
	e.engine.Wait()
	assert.Equal(t, 1, calls)

	status, body = e.do(t, http.MethodPost, decPath, "", map[string]any{"option_id": "approve"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, model.ErrCodeConflict, body.Error.Code)

	status, _ = e.do(t, http.MethodPost, runPath+"/decisions/"+uuid.NewString(), "", map[string]any{"option_id": "approve"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestScheduledLoopEndpoint(t *testing.T) {
	e := newEnv(t, envOpts{})
	created := e.newThread(t, "", "ws-1")
	base := "/v1/branches/" + created.Branch.ID.String()

	status, body := e.do(t, http.MethodPost, base+"/loop", "", map[string]any{"prompt": "daily check"})
	require.Equal(t, http.StatusCreated, status)
	run := decode[model.AgentRun](t, body.Data)
	assert.Equal(t, model.TriggerScheduledLoop, run.Trigger)
	e.engine.Wait()

	status, _ = e.do(t, http.MethodPost, base+"/loop", "", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAuth(t *testing.T) {
	e := newEnv(t, envOpts{secret: "secret"})

	status, body := e.do(t, http.MethodPost, "/v1/threads", "", map[string]any{"workspace_id": "ws-1"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, model.ErrCodeUnauthorized, body.Error.Code)

	status, _ = e.do(t, http.MethodPost, "/v1/threads", "garbage", map[string]any{"workspace_id": "ws-1"})
	assert.Equal(t, http.StatusUnauthorized, status)

	member, _, err := e.jwt.IssueToken(model.Actor{ID: "m1", Class: model.ActorMember}, "ws-1")
	require.NoError(t, err)
	viewer, _, err := e.jwt.IssueToken(model.Actor{ID: "v1", Class: model.ActorViewer}, "ws-1")
	require.NoError(t, err)
	outsider, _, err := e.jwt.IssueToken(model.Actor{ID: "o1", Class: model.ActorMember}, "ws-2")
	require.NoError(t, err)

	created := e.newThread(t, member, "ws-1")
	base := "/v1/branches/" + created.Branch.ID.String()

	status, _ = e.do(t, http.MethodPost, "/v1/threads", member, map[string]any{"workspace_id": "ws-2"})
	assert.Equal(t, http.StatusForbidden, status)

	status, body = e.do(t, http.MethodPost, base+"/messages", viewer, map[string]any{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, model.ErrCodeForbidden, body.Error.Code)

	status, _ = e.do(t, http.MethodGet, base+"/messages", viewer, nil)
	assert.Equal(t, http.StatusOK, status, "viewers can read")

	status, _ = e.do(t, http.MethodGet, base+"/messages", outsider, nil)
	assert.Equal(t, http.StatusNotFound, status, "other workspaces are hidden")
}

func TestIntakeRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newEnv(t, envOpts{secret: "secret", limiter: limiter})

	member, _, err := e.jwt.IssueToken(model.Actor{ID: "m1", Class: model.ActorMember}, "")
	require.NoError(t, err)
	owner, _, err := e.jwt.IssueToken(model.Actor{ID: "boss", Class: model.ActorOwner}, "")
	require.NoError(t, err)
	created := e.newThread(t, member, "ws-1")
	base := "/v1/branches/" + created.Branch.ID.String()

	status, _ := e.do(t, http.MethodPost, base+"/messages", member, map[string]any{"content": "one", "mode": "queue"})
	assert.Equal(t, http.StatusAccepted, status)
	status, body := e.do(t, http.MethodPost, base+"/messages", member, map[string]any{"content": "two", "mode": "queue"})
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)

	status, _ = e.do(t, http.MethodPost, base+"/messages", owner, map[string]any{"content": "three", "mode": "queue"})
	assert.NotEqual(t, http.StatusTooManyRequests, status, "privileged actors are exempt")
	e.engine.Wait()
}

func TestEventStreamReplaysAndFollows(t *testing.T) {
	e := newEnv(t, envOpts{})
	created := e.newThread(t, "", "ws-1")
	base := "/v1/branches/" + created.Branch.ID.String()

	status, _ := e.do(t, http.MethodPost, base+"/messages", "", map[string]any{"content": "first"})
	require.Equal(t, http.StatusCreated, status)
	e.engine.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+base+"/events/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan string, 256)
	go func() {
		defer close(frames)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, "id: ") {
				frames <- strings.TrimPrefix(line, "id: ")
			}
		}
	}()

	next := func() string {
		select {
		case id, ok := <-frames:
			require.True(t, ok, "stream closed")
			return id
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
			return ""
		}
	}
	assert.Equal(t, "2", next(), "replay starts after Last-Event-ID")
	first, err := e.engine.ListEvents(context.Background(), created.Branch.ID, 0, 0)
	require.NoError(t, err)
	for range len(first) - 2 {
		next()
	}

	status, _ = e.do(t, http.MethodPost, base+"/messages", "", map[string]any{"content": "second"})
	require.Equal(t, http.StatusCreated, status)
	e.engine.Wait()

	assert.Equal(t, strconv.Itoa(len(first)+1), next(), "live events continue the sequence")
}
