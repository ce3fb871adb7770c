package model

// ToolCall is one proposed tool invocation inside a plan.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Reason    string         `json:"reason,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// ResponseStyle carries writer hints produced by the planner.
type ResponseStyle struct {
	Tone   string `json:"tone,omitempty"`
	Format string `json:"format,omitempty"`
	Length string `json:"length,omitempty"`
}

// RuntimePlan is the planner's output for a run. ContinuationDepth is
// carried across auto-continuation iterations of the same run.
type RuntimePlan struct {
	Goal              string            `json:"goal"`
	Steps             []string          `json:"steps"`
	ToolCalls         []ToolCall        `json:"tool_calls"`
	NeedUserInput     bool              `json:"need_user_input"`
	DecisionRequests  []DecisionRequest `json:"decision_requests,omitempty"`
	ResponseStyle     ResponseStyle     `json:"response_style"`
	ContinuationDepth int               `json:"continuation_depth"`
	Fallback          bool              `json:"fallback,omitempty"`
}
