package mcp

import (
	"strings"

	"github.com/ashita-ai/conductor/internal/model"
)

const (
	maxCompactInput   = 200
	maxCompactSummary = 300
)

// compactRun returns a minimal representation of a run for MCP responses.
// Drops the policy, plan internals and metadata that agents don't act on.
func compactRun(r model.AgentRun) map[string]any {
	m := map[string]any{
		"id":         r.ID,
		"branch_id":  r.BranchID,
		"trigger":    r.Trigger,
		"status":     r.Status,
		"input":      truncate(r.Input, maxCompactInput),
		"created_at": r.CreatedAt,
	}
	if r.Error != nil {
		m["error"] = *r.Error
	}
	if r.ResultMessage != nil {
		m["result_message_id"] = r.ResultMessage
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt
	}
	if r.Plan != nil {
		m["goal"] = r.Plan.Goal
		m["continuation_depth"] = r.Plan.ContinuationDepth
	}
	return m
}

func compactToolRun(tr model.ToolRun) map[string]any {
	m := map[string]any{
		"id":       tr.ID,
		"tool":     tr.ToolName,
		"status":   tr.Status,
		"depth":    tr.Depth,
		"approved": tr.Approved,
	}
	if tr.Result != nil {
		m["ok"] = tr.Result.OK
		if tr.Result.Summary != "" {
			m["summary"] = truncate(tr.Result.Summary, maxCompactSummary)
		}
		if len(tr.Result.Warnings) > 0 {
			m["warnings"] = tr.Result.Warnings
		}
	}
	return m
}

// compactDecision keeps what an agent needs to answer or audit a decision.
func compactDecision(d model.RunDecision) map[string]any {
	opts := make([]map[string]string, 0, len(d.Options))
	for _, o := range d.Options {
		opts = append(opts, map[string]string{"id": o.ID, "label": o.Label})
	}
	m := map[string]any{
		"id":       d.ID,
		"title":    d.Title,
		"prompt":   d.Prompt,
		"options":  opts,
		"blocking": d.Blocking,
		"status":   d.Status,
	}
	if d.DefaultOption != "" {
		m["default_option"] = d.DefaultOption
	}
	if d.ResolvedOption != nil {
		m["resolved_option"] = *d.ResolvedOption
	}
	if d.Outcome != nil {
		m["outcome"] = *d.Outcome
	}
	return m
}

func compactRunView(v model.RunView) map[string]any {
	trs := make([]map[string]any, 0, len(v.ToolRuns))
	for _, tr := range v.ToolRuns {
		trs = append(trs, compactToolRun(tr))
	}
	decs := make([]map[string]any, 0, len(v.Decisions))
	open := 0
	for _, d := range v.Decisions {
		decs = append(decs, compactDecision(d))
		if d.Status == model.DecisionOpen {
			open++
		}
	}
	return map[string]any{
		"run":            compactRun(v.Run),
		"tool_runs":      trs,
		"decisions":      decs,
		"open_decisions": open,
	}
}

func compactEvent(e model.ProcessEvent) map[string]any {
	m := map[string]any{
		"seq":     e.Sequence,
		"event":   e.Payload.Event,
		"phase":   e.Payload.Phase,
		"status":  e.Payload.Status,
		"message": e.Message,
		"at":      e.CreatedAt,
	}
	if e.Payload.RunID != nil {
		m["run_id"] = e.Payload.RunID
	}
	if e.Payload.ToolName != "" {
		m["tool"] = e.Payload.ToolName
	}
	return m
}

// truncate shortens s to at most n runes, appending "..." when cut.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
