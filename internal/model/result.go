package model

// Artifact references something a tool produced or touched.
type Artifact struct {
	Kind  string `json:"kind"`
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Evidence is a citation backing a claim in the final response.
type Evidence struct {
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Snippet string `json:"snippet,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Continuation is a tool's suggestion that other tools should run next.
type Continuation struct {
	SuggestedNextTools []string       `json:"suggested_next_tools"`
	Reason             string         `json:"reason,omitempty"`
	Args               map[string]any `json:"args,omitempty"`
}

// RuntimeToolResult is the canonical output of any tool. Tool-specific shape
// knowledge lives only in the normalizer that builds it.
type RuntimeToolResult struct {
	OK            bool              `json:"ok"`
	Summary       string            `json:"summary"`
	Artifacts     []Artifact        `json:"artifacts"`
	Evidence      []Evidence        `json:"evidence"`
	Continuations []Continuation    `json:"continuations"`
	Decisions     []DecisionRequest `json:"decisions"`
	Warnings      []string          `json:"warnings"`
	Raw           any               `json:"raw,omitempty"`
}

// BlockingDecisions returns the decisions that must pause the run.
func (r *RuntimeToolResult) BlockingDecisions() []DecisionRequest {
	if r == nil {
		return nil
	}
	var out []DecisionRequest
	for _, d := range r.Decisions {
		if d.Blocking {
			out = append(out, d)
		}
	}
	return out
}

// FailedResult builds an ok:false result carrying a single warning.
func FailedResult(summary, warning string) *RuntimeToolResult {
	r := &RuntimeToolResult{
		OK:            false,
		Summary:       summary,
		Artifacts:     []Artifact{},
		Evidence:      []Evidence{},
		Continuations: []Continuation{},
		Decisions:     []DecisionRequest{},
		Warnings:      []string{},
	}
	if warning != "" {
		r.Warnings = append(r.Warnings, warning)
	}
	return r
}
