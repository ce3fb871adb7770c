package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/conductor/internal/tools"
)

// Per-tool budgets for remote tools that routinely outlast the policy
// default.
const (
	crawlTimeout    = 120 * time.Second
	researchTimeout = 180 * time.Second
	discoverTimeout = 90 * time.Second
	documentTimeout = 90 * time.Second
)

// maxWorkerResponse caps how much of a worker response is read.
const maxWorkerResponse = 8 << 20

// WorkerError is a non-2xx response from the tool worker.
type WorkerError struct {
	StatusCode int
	Message    string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("tool worker: %d: %s", e.StatusCode, e.Message)
}

// WorkerClient invokes tools hosted by a remote worker process.
type WorkerClient struct {
	baseURL string
	client  *http.Client
}

// NewWorkerClient creates a client for the worker at baseURL. Requests are
// bounded by each call's context, not by a client-wide timeout.
func NewWorkerClient(baseURL string) *WorkerClient {
	return &WorkerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type workerRequest struct {
	Tool    string         `json:"tool"`
	Args    map[string]any `json:"args"`
	Context workerContext  `json:"context"`
}

type workerContext struct {
	WorkspaceID string `json:"workspaceId"`
	BranchID    string `json:"branchId"`
	RunID       string `json:"runId"`
	ToolRunID   string `json:"toolRunId"`
	ActorID     string `json:"actorId,omitempty"`
}

// Invoke posts one tool call to the worker and returns its decoded JSON
// response. A {"data": ...} envelope is unwrapped when present.
func (c *WorkerClient) Invoke(ctx context.Context, tool string, tc tools.Context, args map[string]any) (any, error) {
	body, err := json.Marshal(workerRequest{
		Tool: tool,
		Args: args,
		Context: workerContext{
			WorkspaceID: tc.WorkspaceID,
			BranchID:    tc.BranchID.String(),
			RunID:       tc.RunID.String(),
			ToolRunID:   tc.ToolRunID.String(),
			ActorID:     tc.Actor.ID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tool worker: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tool worker: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool worker: %s: %w", tool, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkerResponse))
	if err != nil {
		return nil, fmt.Errorf("tool worker: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, parseWorkerError(resp.StatusCode, raw)
	}

	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("tool worker: decode %s response: %w", tool, err)
	}
	if m, ok := out.(map[string]any); ok {
		if data, wrapped := m["data"]; wrapped && len(m) <= 2 {
			return data, nil
		}
	}
	return out, nil
}

func parseWorkerError(status int, body []byte) *WorkerError {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		msg = env.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &WorkerError{StatusCode: status, Message: msg}
}

// RemoteTools returns the worker-backed web tools.
func RemoteTools(c *WorkerClient) []tools.Tool {
	remote := func(name, desc string, timeout time.Duration, schema map[string]any) tools.Tool {
		return tools.Tool{
			Name:        name,
			Description: desc,
			ArgsSchema:  schema,
			Timeout:     timeout,
			Execute: func(ctx context.Context, tc tools.Context, args map[string]any) (any, error) {
				return c.Invoke(ctx, name, tc, args)
			},
		}
	}
	urlSchema := func(extra map[string]any, required ...any) map[string]any {
		props := map[string]any{"url": map[string]any{"type": "string", "format": "uri"}}
		for k, v := range extra {
			props[k] = v
		}
		return map[string]any{
			"type":       "object",
			"required":   append([]any{"url"}, required...),
			"properties": props,
		}
	}
	return []tools.Tool{
		remote(FetchURL, "Fetch one web page and store a snapshot of it.", 0, urlSchema(nil)),
		remote(CrawlSite, "Crawl a site starting from a URL and summarize its pages.", crawlTimeout,
			urlSchema(map[string]any{"maxPages": map[string]any{"type": "integer", "minimum": 1, "maximum": 50}})),
		remote(DeepResearch, "Research a topic across several sources, optionally seeded with a URL.", researchTimeout,
			map[string]any{
				"type":     "object",
				"required": []any{"topic"},
				"properties": map[string]any{
					"topic": map[string]any{"type": "string", "maxLength": 500},
					"url":   map[string]any{"type": "string", "format": "uri"},
				},
			}),
		remote(DiscoverCompetitors, "Find likely competitors for the workspace's brand or a named company.", discoverTimeout,
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"company": map[string]any{"type": "string", "maxLength": 200},
					"limit":   map[string]any{"type": "integer", "minimum": 1, "maximum": 25},
				},
			}),
		remote(GenerateDocument, "Generate a document (brief, report, plan) and save it to the library.", documentTimeout,
			map[string]any{
				"type":     "object",
				"required": []any{"title"},
				"properties": map[string]any{
					"title":  map[string]any{"type": "string", "maxLength": 200},
					"kind":   map[string]any{"type": "string", "enum": []any{"brief", "report", "plan", "memo"}},
					"prompt": map[string]any{"type": "string"},
				},
			}),
	}
}
