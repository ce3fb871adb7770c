package conductor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/conductor/internal/config"
	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/service/generation"
	"github.com/ashita-ai/conductor/internal/tools"
)

type fakeProvider struct {
	got GenerationRequest
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(_ context.Context, req GenerationRequest) (string, error) {
	f.got = req
	return `{"ok":true}`, nil
}

func TestAdaptToolPassesInvocation(t *testing.T) {
	var got ToolCall
	tool := adaptTool(Tool{
		Name:   "publish",
		Mutate: true,
		Handler: func(_ context.Context, call ToolCall) (any, error) {
			got = call
			return "ok", nil
		},
	})
	assert.Equal(t, "publish", tool.Name)
	assert.True(t, tool.Mutate)
	require.NotNil(t, tool.Execute)

	branchID, runID := uuid.New(), uuid.New()
	out, err := tool.Execute(context.Background(), tools.Context{
		WorkspaceID: "ws-1",
		BranchID:    branchID,
		RunID:       runID,
		Actor:       model.Actor{ID: "alice"},
		Approved:    true,
	}, map[string]any{"id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, ToolCall{
		WorkspaceID: "ws-1",
		BranchID:    branchID.String(),
		RunID:       runID.String(),
		ActorID:     "alice",
		Approved:    true,
		Args:        map[string]any{"id": "p1"},
	}, got)
}

func TestAdaptToolWithoutHandler(t *testing.T) {
	tool := adaptTool(Tool{Name: "empty"})
	assert.Nil(t, tool.Execute)

	reg, err := tools.NewRegistry()
	require.NoError(t, err)
	assert.ErrorIs(t, reg.Register(tool), tools.ErrNilHandler)
}

func TestGenerationProviderSelection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("custom provider wins", func(t *testing.T) {
		fake := &fakeProvider{}
		p := newGenerationProvider(config.Config{OpenAIAPIKey: "sk-test"}, fake, logger)
		assert.Equal(t, "fake", p.Name())

		out, err := p.Generate(context.Background(), generation.Request{
			Stage: "planner", System: "sys", Prompt: "hi", JSON: true, MaxTokens: 64,
		})
		require.NoError(t, err)
		assert.Equal(t, `{"ok":true}`, out)
		assert.Equal(t, GenerationRequest{
			Stage: "planner", System: "sys", Prompt: "hi", JSON: true, MaxTokens: 64,
		}, fake.got)
	})

	t.Run("openai when keyed", func(t *testing.T) {
		p := newGenerationProvider(config.Config{OpenAIAPIKey: "sk-test", GenerationModel: "gpt-4o-mini"}, nil, logger)
		_, ok := p.(*generation.OpenAIProvider)
		assert.True(t, ok)
	})

	t.Run("no backend", func(t *testing.T) {
		p := newGenerationProvider(config.Config{}, nil, logger)
		_, err := p.Generate(context.Background(), generation.Request{Stage: "planner"})
		assert.ErrorIs(t, err, generation.ErrUnavailable)
	})
}

func TestOptions(t *testing.T) {
	o := resolvedOptions{}
	for _, fn := range []Option{
		WithPort(9090),
		WithDatabaseURL("postgres://x"),
		WithRecordsPath("/tmp/r.db"),
		WithVersion("1.2.3"),
		WithTools(Tool{Name: "a"}, Tool{Name: "b"}),
	} {
		fn(&o)
	}
	assert.Equal(t, 9090, o.port)
	assert.Equal(t, "postgres://x", o.databaseURL)
	assert.Equal(t, "/tmp/r.db", o.recordsPath)
	assert.Equal(t, "1.2.3", o.version)
	assert.Len(t, o.tools, 2)
}
