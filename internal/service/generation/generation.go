// Package generation provides the text-generation backend used by the
// planning and synthesis pipeline.
//
// Defines a Provider interface, an OpenAI-compatible implementation and a
// no-op provider for deployments without a backend. The interface allows
// swapping backends without changing the pipeline.
package generation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ErrUnavailable is returned by providers that cannot generate.
var ErrUnavailable = errors.New("generation: backend unavailable")

// Request is one generation call.
type Request struct {
	// Stage names the pipeline stage, for logging.
	Stage  string
	System string
	Prompt string
	// JSON asks the backend for a single JSON object.
	JSON      bool
	MaxTokens int
}

// Provider generates text.
type Provider interface {
	Generate(ctx context.Context, req Request) (string, error)
	// Name identifies the backend in logs and health output.
	Name() string
}

// OpenAIProvider calls an OpenAI-compatible chat completions API.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates a provider. baseURL may point at any
// OpenAI-compatible server; empty uses the OpenAI default.
func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), model: model}
}

// Name returns "openai:<model>".
func (p *OpenAIProvider) Name() string {
	return "openai:" + p.model
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	creq := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: msgs,
	}
	if req.JSON {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	if req.MaxTokens > 0 {
		creq.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", fmt.Errorf("generation: %s: %w", req.Stage, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generation: %s: no choices returned", req.Stage)
	}
	return resp.Choices[0].Message.Content, nil
}

// NoopProvider always returns ErrUnavailable, which sends every pipeline
// stage to its deterministic fallback.
type NoopProvider struct{}

// Name returns "none".
func (NoopProvider) Name() string { return "none" }

// Generate returns ErrUnavailable.
func (NoopProvider) Generate(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}
