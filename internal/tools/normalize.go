package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ashita-ai/conductor/internal/model"
)

// Normalization limits.
const (
	maxWarnings       = 10
	maxWarningLen     = 300
	maxErrorLineLen   = 240
	maxDerivedItems   = 8
	maxSnippetLen     = 280
	workspaceLinkText = "Open in workspace"
)

// listKeys are checked in order when a result carries an item list.
var listKeys = []string{"items", "results", "records", "rows", "competitors", "pages", "sources", "documents"}

// Normalize converts a handler's raw output into a RuntimeToolResult. Any
// shape is accepted; values that cannot be interpreted are dropped.
func Normalize(toolName string, raw any) *model.RuntimeToolResult {
	m := jsonMap(raw)
	res := &model.RuntimeToolResult{
		OK:            true,
		Artifacts:     []model.Artifact{},
		Evidence:      []model.Evidence{},
		Continuations: []model.Continuation{},
		Decisions:     []model.DecisionRequest{},
		Warnings:      []string{},
	}
	if m == nil {
		switch raw.(type) {
		case string, bool, float64, int, []any:
			res.Raw = raw
		}
		res.Summary = fallbackSummary(toolName, nil)
		if s, ok := raw.(string); ok && strings.TrimSpace(s) != "" {
			res.Summary = truncate(strings.TrimSpace(s), maxSnippetLen)
		}
		return res
	}

	res.Raw = m
	if ok, present := m["ok"].(bool); present {
		res.OK = ok
	}
	items, listKey := findList(m)
	res.Summary = summarize(toolName, m, items, listKey)
	res.Artifacts = extractArtifacts(m)
	res.Evidence = extractEvidence(m, items)
	res.Continuations = extractContinuations(m)
	res.Decisions = extractDecisions(m)
	res.Warnings = normalizeWarnings(m["warnings"])
	return res
}

// ErrorLine reduces an error to its first line, capped in length.
func ErrorLine(err error) string {
	if err == nil {
		return ""
	}
	line := strings.TrimSpace(err.Error())
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if line == "" {
		line = "unknown error"
	}
	return truncate(line, maxErrorLineLen)
}

func summarize(toolName string, m map[string]any, items []any, listKey string) string {
	if s := str(m, "summary"); s != "" {
		return s
	}
	if s := str(m, "summaryText", "summary_text"); s != "" {
		return s
	}
	if listKey != "" {
		return fmt.Sprintf("%s returned %d %s", toolName, len(items), listKey)
	}
	if n, ok := toFloat(m["count"]); ok {
		return fmt.Sprintf("%s returned %d item(s)", toolName, int(n))
	}
	return fallbackSummary(toolName, items)
}

func fallbackSummary(toolName string, items []any) string {
	return fmt.Sprintf("%s completed with %d item(s)", toolName, len(items))
}

func findList(m map[string]any) ([]any, string) {
	for _, k := range listKeys {
		if l, ok := m[k].([]any); ok {
			return l, k
		}
	}
	return nil, ""
}

func extractArtifacts(m map[string]any) []model.Artifact {
	out := []model.Artifact{}
	if list, ok := m["artifacts"].([]any); ok {
		for _, it := range list {
			im := asMap(it)
			if im == nil {
				continue
			}
			a := model.Artifact{
				Kind:  str(im, "kind", "type"),
				ID:    str(im, "id"),
				Title: str(im, "title", "name"),
				URL:   str(im, "url"),
			}
			if a.Kind == "" || (a.ID == "" && a.URL == "") {
				continue
			}
			out = append(out, a)
		}
		return out
	}

	// A fetched page implies a source and the stored snapshot of it.
	if url := str(m, "url", "finalUrl", "final_url"); url != "" {
		if _, hasContent := m["content"]; hasContent || str(m, "snapshotId", "snapshot_id") != "" || str(m, "text") != "" {
			title := str(m, "title")
			out = append(out,
				model.Artifact{Kind: "source", URL: url, Title: title},
				model.Artifact{Kind: "snapshot", ID: str(m, "snapshotId", "snapshot_id"), URL: url, Title: title},
			)
		}
	}
	if id := str(m, "documentId", "document_id"); id != "" {
		out = append(out, model.Artifact{Kind: "document", ID: id, Title: str(m, "title"), URL: str(m, "documentUrl", "document_url")})
	}
	if id := str(m, "mutationId", "mutation_id"); id != "" {
		out = append(out, model.Artifact{Kind: "mutation", ID: id})
	}
	return out
}

func extractEvidence(m map[string]any, items []any) []model.Evidence {
	out := []model.Evidence{}
	if list, ok := m["evidence"].([]any); ok {
		for _, it := range list {
			if ev, ok := evidenceFrom(asMap(it)); ok {
				out = append(out, ev)
			}
		}
	} else if len(items) > 0 {
		for _, it := range items {
			if len(out) >= maxDerivedItems {
				break
			}
			if ev, ok := evidenceFrom(asMap(it)); ok {
				out = append(out, ev)
			}
		}
	} else if rec := asMap(m["record"]); rec != nil {
		if ev, ok := evidenceFrom(rec); ok {
			out = append(out, ev)
		}
	}

	if link := str(m, "deepLink", "deep_link", "workspaceUrl", "workspace_url"); link != "" {
		out = append(out, model.Evidence{Title: workspaceLinkText, URL: link, Source: "workspace"})
	}
	return out
}

func evidenceFrom(m map[string]any) (model.Evidence, bool) {
	if m == nil {
		return model.Evidence{}, false
	}
	ev := model.Evidence{
		Title:   str(m, "title", "name"),
		URL:     str(m, "url", "website", "source_url", "sourceUrl"),
		Snippet: truncate(str(m, "snippet", "description", "summary", "body"), maxSnippetLen),
		Source:  str(m, "source"),
	}
	if ev.Title == "" && ev.URL == "" {
		return model.Evidence{}, false
	}
	if ev.Title == "" {
		ev.Title = ev.URL
	}
	return ev, true
}

func extractContinuations(m map[string]any) []model.Continuation {
	out := []model.Continuation{}
	if list, ok := m["continuations"].([]any); ok {
		for _, it := range list {
			cm := asMap(it)
			if cm == nil {
				continue
			}
			tools := stringList(first(cm, "suggestedNextTools", "suggested_next_tools", "tools"))
			if len(tools) == 0 {
				continue
			}
			out = append(out, model.Continuation{
				SuggestedNextTools: tools,
				Reason:             str(cm, "reason"),
				Args:               asMap(cm["args"]),
			})
		}
	}
	if tools := stringList(first(m, "suggestedNextTools", "suggested_next_tools")); len(tools) > 0 {
		out = append(out, model.Continuation{SuggestedNextTools: tools})
	}
	return out
}

func extractDecisions(m map[string]any) []model.DecisionRequest {
	out := []model.DecisionRequest{}
	list, ok := m["decisions"].([]any)
	if !ok {
		return out
	}
	for _, it := range list {
		d, ok := DecisionFromMap(asMap(it), model.DecisionFromTool)
		if ok {
			out = append(out, d)
		}
	}
	return out
}

// DecisionFromMap parses a loosely-shaped decision. Entries without a
// prompt or title are rejected; missing options default to approve/reject.
func DecisionFromMap(m map[string]any, source model.DecisionSource) (model.DecisionRequest, bool) {
	if m == nil {
		return model.DecisionRequest{}, false
	}
	d := model.DecisionRequest{
		Key:           str(m, "key", "id"),
		Title:         str(m, "title"),
		Prompt:        str(m, "prompt", "question", "message"),
		DefaultOption: str(m, "defaultOption", "default_option", "default"),
		Blocking:      true,
		Source:        source,
	}
	if d.Prompt == "" {
		d.Prompt = d.Title
	}
	if d.Prompt == "" {
		return model.DecisionRequest{}, false
	}
	if d.Title == "" {
		d.Title = truncate(d.Prompt, 80)
	}
	if b, ok := m["blocking"].(bool); ok {
		d.Blocking = b
	}
	if opts, ok := m["options"].([]any); ok {
		for _, o := range opts {
			switch v := o.(type) {
			case string:
				if s := strings.TrimSpace(v); s != "" {
					d.Options = append(d.Options, model.DecisionOption{ID: slug(s), Label: s})
				}
			case map[string]any:
				opt := model.DecisionOption{
					ID:      str(v, "id", "value"),
					Label:   str(v, "label", "title"),
					Outcome: model.DecisionOutcome(str(v, "outcome")),
				}
				if opt.ID == "" {
					opt.ID = slug(opt.Label)
				}
				if opt.Label == "" {
					opt.Label = opt.ID
				}
				if opt.Outcome != model.OutcomeApprove && opt.Outcome != model.OutcomeReject {
					opt.Outcome = ""
				}
				if opt.ID != "" {
					d.Options = append(d.Options, opt)
				}
			}
		}
	}
	if len(d.Options) == 0 {
		d.Options = model.ApproveRejectOptions()
		if d.DefaultOption == "" {
			d.DefaultOption = "reject"
		}
	}
	if d.Key == "" {
		d.Key = "decision:" + slug(d.Title)
	}
	return d, true
}

func normalizeWarnings(raw any) []string {
	out := []string{}
	list, ok := raw.([]any)
	if !ok {
		if s, isStr := raw.(string); isStr && strings.TrimSpace(s) != "" {
			return append(out, truncate(strings.TrimSpace(s), maxWarningLen))
		}
		return out
	}
	for _, w := range list {
		if len(out) >= maxWarnings {
			break
		}
		var s string
		switch v := w.(type) {
		case string:
			s = v
		case map[string]any:
			s = str(v, "message", "text")
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, truncate(s, maxWarningLen))
		}
	}
	return out
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// jsonMap converts any JSON-representable object into a generic map whose
// nested values use only encoding/json's decoded types.
func jsonMap(v any) map[string]any {
	switch v.(type) {
	case nil, string, bool, float64, int, []any:
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringList(v any) []string {
	var out []string
	switch x := v.(type) {
	case []string:
		for _, s := range x {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	case []any:
		for _, it := range x {
			if s, ok := it.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
