package conductor

import (
	"context"
	"net/http"
)

// GenerationProvider produces text for the planning and synthesis stages.
// When provided via WithGenerationProvider, replaces the OpenAI backend
// configured from the environment. Returning an error makes the stage use
// its deterministic fallback.
type GenerationProvider interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	Name() string
}

// ToolHandler executes one call of a custom tool registered via WithTools.
// The returned value may be any JSON-encodable shape; a map with
// "summary", "artifacts" or "decisions" keys is normalized into the
// structured tool result.
type ToolHandler func(ctx context.Context, call ToolCall) (any, error)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
