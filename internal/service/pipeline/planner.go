package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/tools"
	"github.com/ashita-ai/conductor/internal/workspace"
)

const plannerSystem = `You plan the work for a marketing workspace assistant.
Reply with one JSON object and nothing else:
{"goal": string, "steps": [string], "toolCalls": [{"tool": string, "args": object, "reason": string, "dependsOn": [string]}],
 "needUserInput": bool, "decisionRequests": [{"key": string, "title": string, "prompt": string, "options": [{"id": string, "label": string, "outcome": "approve"|"reject"}], "blocking": bool}],
 "responseStyle": {"tone": string, "format": string, "length": "short"|"medium"|"long"}}
Only use tools listed in "tools". Never call more than "maxToolRuns" tools. Prefer reading workspace records before fetching the web.`

// HistoryEntry is one prior message given to the planner.
type HistoryEntry struct {
	Role    model.MessageRole `json:"role"`
	Content string            `json:"content"`
}

// PlanInput is everything the planner sees.
type PlanInput struct {
	Message     string              `json:"message"`
	History     []HistoryEntry      `json:"history,omitempty"`
	Tools       []tools.Descriptor  `json:"tools"`
	Workspace   *workspace.Snapshot `json:"workspace,omitempty"`
	MaxToolRuns int                 `json:"maxToolRuns"`
}

// Plan runs the planner stage. The returned plan is sanitized against the
// input's tool list and MaxToolRuns whether or not the fallback was used.
func (p *Pipeline) Plan(ctx context.Context, in PlanInput) (model.RuntimePlan, Outcome) {
	allowed := make(map[string]bool, len(in.Tools))
	for _, t := range in.Tools {
		allowed[t.Name] = true
	}
	isAllowed := func(name string) bool { return allowed[name] }

	plan, o := runStage(ctx, p, StagePlanner, plannerSystem, in,
		func(m map[string]any) (model.RuntimePlan, error) { return parsePlan(m) },
		func() model.RuntimePlan { return FallbackPlan(in.Message) },
	)
	plan.ToolCalls = SanitizeToolCalls(plan.ToolCalls, isAllowed, in.MaxToolRuns)
	if plan.Steps == nil {
		plan.Steps = []string{}
	}
	return plan, o
}

// FallbackPlan builds a plan from the ordered keyword rules.
func FallbackPlan(message string) model.RuntimePlan {
	calls := ruleToolCalls(message)
	steps := make([]string, 0, len(calls)+1)
	for _, c := range calls {
		steps = append(steps, c.Reason)
	}
	steps = append(steps, "answer the request")
	return model.RuntimePlan{
		Goal:          truncateRunes(strings.TrimSpace(message), 200),
		Steps:         steps,
		ToolCalls:     calls,
		ResponseStyle: model.ResponseStyle{Tone: "helpful", Format: "markdown", Length: "medium"},
		Fallback:      true,
	}
}

// SanitizeToolCalls drops calls to tools that are not allowed, gives every
// call an argument object, removes duplicate identities and caps the list
// at limit.
func SanitizeToolCalls(calls []model.ToolCall, allowed func(string) bool, limit int) []model.ToolCall {
	out := make([]model.ToolCall, 0, len(calls))
	seen := make(map[string]bool, len(calls))
	for _, c := range calls {
		c.Tool = strings.TrimSpace(c.Tool)
		if c.Tool == "" || !allowed(c.Tool) {
			continue
		}
		if c.Args == nil {
			c.Args = map[string]any{}
		}
		key := model.ToolIdentityKey(c.Tool, c.Args)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func parsePlan(m map[string]any) (model.RuntimePlan, error) {
	plan := model.RuntimePlan{
		Goal:          str(m, "goal"),
		Steps:         stringList(m["steps"]),
		NeedUserInput: boolean(m, "needUserInput", "need_user_input"),
	}
	if plan.Goal == "" {
		return model.RuntimePlan{}, errors.New("plan has no goal")
	}
	for _, it := range list(first(m, "toolCalls", "tool_calls")) {
		cm := asMap(it)
		if cm == nil {
			continue
		}
		name := str(cm, "tool", "name")
		if name == "" {
			continue
		}
		plan.ToolCalls = append(plan.ToolCalls, model.ToolCall{
			Tool:      name,
			Args:      asMap(first(cm, "args", "arguments")),
			Reason:    str(cm, "reason"),
			DependsOn: stringList(first(cm, "dependsOn", "depends_on")),
		})
	}
	for _, it := range list(first(m, "decisionRequests", "decision_requests")) {
		if d, ok := tools.DecisionFromMap(asMap(it), model.DecisionFromPlan); ok {
			plan.DecisionRequests = append(plan.DecisionRequests, d)
		}
	}
	if style := asMap(first(m, "responseStyle", "response_style")); style != nil {
		plan.ResponseStyle = model.ResponseStyle{
			Tone:   str(style, "tone"),
			Format: str(style, "format"),
			Length: str(style, "length"),
		}
	}
	return plan, nil
}
