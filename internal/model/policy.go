package model

// Policy bounds and defaults.
const (
	DefaultAutoContinue         = true
	DefaultMaxAutoContinuations = 1
	DefaultMaxToolRuns          = 4
	DefaultToolConcurrency      = 3
	DefaultAllowMutationTools   = false
	DefaultMaxToolMs            = 30_000

	MaxAutoContinuationsCap = 4
	MinToolRuns             = 1
	MaxToolRunsCap          = 8
	MinToolConcurrency      = 1
	MaxToolConcurrencyCap   = 3
	MinToolMs               = 1_000
	MaxToolMsCap            = 180_000
)

// RunPolicy is the bounded configuration controlling one run.
type RunPolicy struct {
	AutoContinue         bool `json:"auto_continue"`
	MaxAutoContinuations int  `json:"max_auto_continuations"`
	MaxToolRuns          int  `json:"max_tool_runs"`
	ToolConcurrency      int  `json:"tool_concurrency"`
	AllowMutationTools   bool `json:"allow_mutation_tools"`
	MaxToolMs            int  `json:"max_tool_ms"`
}

// PolicyOverrides carries caller-supplied policy fields. Nil fields take
// the default.
type PolicyOverrides struct {
	AutoContinue         *bool `json:"auto_continue,omitempty"`
	MaxAutoContinuations *int  `json:"max_auto_continuations,omitempty"`
	MaxToolRuns          *int  `json:"max_tool_runs,omitempty"`
	ToolConcurrency      *int  `json:"tool_concurrency,omitempty"`
	AllowMutationTools   *bool `json:"allow_mutation_tools,omitempty"`
	MaxToolMs            *int  `json:"max_tool_ms,omitempty"`
}

// DefaultPolicy returns the policy used when a caller supplies nothing.
func DefaultPolicy() RunPolicy {
	return RunPolicy{
		AutoContinue:         DefaultAutoContinue,
		MaxAutoContinuations: DefaultMaxAutoContinuations,
		MaxToolRuns:          DefaultMaxToolRuns,
		ToolConcurrency:      DefaultToolConcurrency,
		AllowMutationTools:   DefaultAllowMutationTools,
		MaxToolMs:            DefaultMaxToolMs,
	}
}

// NormalizePolicy merges overrides over the defaults and clamps every
// numeric field into its legal range.
func NormalizePolicy(in *PolicyOverrides) RunPolicy {
	p := DefaultPolicy()
	if in != nil {
		if in.AutoContinue != nil {
			p.AutoContinue = *in.AutoContinue
		}
		if in.MaxAutoContinuations != nil {
			p.MaxAutoContinuations = *in.MaxAutoContinuations
		}
		if in.MaxToolRuns != nil {
			p.MaxToolRuns = *in.MaxToolRuns
		}
		if in.ToolConcurrency != nil {
			p.ToolConcurrency = *in.ToolConcurrency
		}
		if in.AllowMutationTools != nil {
			p.AllowMutationTools = *in.AllowMutationTools
		}
		if in.MaxToolMs != nil {
			p.MaxToolMs = *in.MaxToolMs
		}
	}
	return p.Clamp()
}

// Clamp returns a copy of p with every numeric field forced into range.
func (p RunPolicy) Clamp() RunPolicy {
	p.MaxAutoContinuations = clamp(p.MaxAutoContinuations, 0, MaxAutoContinuationsCap)
	p.MaxToolRuns = clamp(p.MaxToolRuns, MinToolRuns, MaxToolRunsCap)
	p.ToolConcurrency = clamp(p.ToolConcurrency, MinToolConcurrency, MaxToolConcurrencyCap)
	p.MaxToolMs = clamp(p.MaxToolMs, MinToolMs, MaxToolMsCap)
	return p
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
