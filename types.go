package conductor

import "time"

// GenerationRequest is one generation call made by the pipeline.
type GenerationRequest struct {
	// Stage is planner, summarizer, writer or validator.
	Stage  string
	System string
	Prompt string
	// JSON asks for a single JSON object reply.
	JSON      bool
	MaxTokens int
}

// Tool describes a custom tool made available to the planner.
type Tool struct {
	Name        string
	Description string
	// ArgsSchema is a JSON schema object for the tool's arguments.
	ArgsSchema map[string]any
	// Mutate marks tools that change workspace data. Mutating calls wait
	// for an approval decision unless the run policy allows mutation.
	Mutate bool
	// Timeout overrides the run policy's per-tool budget when non-zero.
	Timeout time.Duration
	Handler ToolHandler
}

// ToolCall is what a custom tool handler learns about its invocation.
type ToolCall struct {
	WorkspaceID string
	BranchID    string
	RunID       string
	ActorID     string
	// Approved is true when a user approved this call through a decision.
	Approved bool
	Args     map[string]any
}
