package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/tools"
)

const (
	summarizerSystem = `You condense tool results for a marketing workspace assistant.
Reply with one JSON object and nothing else:
{"highlights": [string], "facts": [{"text": string, "sourceTitle": string, "sourceUrl": string}], "openQuestions": [string], "recommendedNextTools": [string]}
Every fact must be backed by a tool result. Recommend a next tool only when a result clearly calls for it.`

	writerSystem = `You write the final reply of a marketing workspace assistant.
Reply with one JSON object and nothing else:
{"response": string, "trace": {"plan": [string], "toolsUsed": [string], "assumptions": [string], "nextSteps": [string]},
 "actions": [{"label": string, "kind": string, "payload": object}],
 "decisions": [{"key": string, "title": string, "prompt": string, "options": [{"id": string, "label": string, "outcome": "approve"|"reject"}], "blocking": bool}]}
Use only the supplied highlights and facts. Raise a decision only when the user must choose before work can continue.`

	validatorSystem = `You review an assistant reply before it is shown.
Reply with one JSON object and nothing else:
{"pass": bool, "issues": [{"severity": "low"|"medium"|"high", "message": string, "fix": string}]}
Flag claims that the supplied facts do not support as high severity.`
)

// Fallback limits.
const (
	factsPerResult    = 2
	maxFallbackFacts  = 12
	maxHighlights     = 10
	maxWriterActions  = 6
	maxWriterEvidence = 8
)

// ToolOutcome is the part of a finished tool run the synthesis stages see.
type ToolOutcome struct {
	Tool          string               `json:"tool"`
	Args          map[string]any       `json:"args,omitempty"`
	OK            bool                 `json:"ok"`
	Summary       string               `json:"summary"`
	Evidence      []model.Evidence     `json:"evidence,omitempty"`
	Warnings      []string             `json:"warnings,omitempty"`
	Continuations []model.Continuation `json:"continuations,omitempty"`
}

// OutcomesFromToolRuns converts finished tool runs, skipping ones without a
// result.
func OutcomesFromToolRuns(trs []model.ToolRun) []ToolOutcome {
	out := make([]ToolOutcome, 0, len(trs))
	for _, tr := range trs {
		if tr.Result == nil {
			continue
		}
		out = append(out, ToolOutcome{
			Tool:          tr.ToolName,
			Args:          tr.Args,
			OK:            tr.Result.OK,
			Summary:       tr.Result.Summary,
			Evidence:      tr.Result.Evidence,
			Warnings:      tr.Result.Warnings,
			Continuations: tr.Result.Continuations,
		})
	}
	return out
}

// Fact is one evidence-backed statement.
type Fact struct {
	Text        string `json:"text"`
	SourceTitle string `json:"sourceTitle,omitempty"`
	SourceURL   string `json:"sourceUrl,omitempty"`
}

// SummaryInput feeds the summarizer.
type SummaryInput struct {
	Message string        `json:"message"`
	Goal    string        `json:"goal"`
	Results []ToolOutcome `json:"results"`
}

// Summary is the summarizer's output.
type Summary struct {
	Highlights           []string `json:"highlights"`
	Facts                []Fact   `json:"facts"`
	OpenQuestions        []string `json:"openQuestions"`
	RecommendedNextTools []string `json:"recommendedNextTools"`
}

// Summarize runs the summarizer stage.
func (p *Pipeline) Summarize(ctx context.Context, in SummaryInput) (Summary, Outcome) {
	return runStage(ctx, p, StageSummarizer, summarizerSystem, in, parseSummary,
		func() Summary { return FallbackSummary(in.Results) })
}

// FallbackSummary uses each result's summary as a highlight and its first
// evidence items as facts.
func FallbackSummary(results []ToolOutcome) Summary {
	s := Summary{Highlights: []string{}, Facts: []Fact{}, OpenQuestions: []string{}, RecommendedNextTools: []string{}}
	for _, r := range results {
		if r.Summary != "" && len(s.Highlights) < maxHighlights {
			s.Highlights = append(s.Highlights, r.Summary)
		}
		for i, ev := range r.Evidence {
			if i >= factsPerResult || len(s.Facts) >= maxFallbackFacts {
				break
			}
			text := ev.Snippet
			if text == "" {
				text = ev.Title
			}
			s.Facts = append(s.Facts, Fact{Text: text, SourceTitle: ev.Title, SourceURL: ev.URL})
		}
	}
	return s
}

func parseSummary(m map[string]any) (Summary, error) {
	s := Summary{
		Highlights:           stringList(m["highlights"]),
		OpenQuestions:        stringList(first(m, "openQuestions", "open_questions")),
		RecommendedNextTools: stringList(first(m, "recommendedNextTools", "recommended_next_tools")),
	}
	for _, it := range list(m["facts"]) {
		switch v := it.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				s.Facts = append(s.Facts, Fact{Text: v})
			}
		case map[string]any:
			if text := str(v, "text", "fact"); text != "" {
				s.Facts = append(s.Facts, Fact{
					Text:        text,
					SourceTitle: str(v, "sourceTitle", "source_title", "source"),
					SourceURL:   str(v, "sourceUrl", "source_url", "url"),
				})
			}
		}
	}
	if s.Highlights == nil && s.Facts == nil {
		return Summary{}, errors.New("summary has no highlights or facts")
	}
	if s.Highlights == nil {
		s.Highlights = []string{}
	}
	if s.Facts == nil {
		s.Facts = []Fact{}
	}
	if s.OpenQuestions == nil {
		s.OpenQuestions = []string{}
	}
	if s.RecommendedNextTools == nil {
		s.RecommendedNextTools = []string{}
	}
	return s, nil
}

// WriteInput feeds the writer.
type WriteInput struct {
	Message string              `json:"message"`
	Goal    string              `json:"goal"`
	Steps   []string            `json:"steps"`
	Style   model.ResponseStyle `json:"style"`
	Summary Summary             `json:"summary"`
	Results []ToolOutcome       `json:"results"`
}

// Trace is the reasoning trail attached to a final message.
type Trace struct {
	Plan        []string         `json:"plan"`
	ToolsUsed   []string         `json:"toolsUsed"`
	Assumptions []string         `json:"assumptions"`
	NextSteps   []string         `json:"nextSteps"`
	Evidence    []model.Evidence `json:"evidence"`
}

// UIAction is a follow-up the client may offer as a button.
type UIAction struct {
	Label   string         `json:"label"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Draft is the writer's output.
type Draft struct {
	Response  string                  `json:"response"`
	Trace     Trace                   `json:"trace"`
	Actions   []UIAction              `json:"actions"`
	Decisions []model.DecisionRequest `json:"decisions"`
}

// Write runs the writer stage. Trace fields the backend leaves empty are
// filled from the input.
func (p *Pipeline) Write(ctx context.Context, in WriteInput) (Draft, Outcome) {
	d, o := runStage(ctx, p, StageWriter, writerSystem, in, parseDraft,
		func() Draft { return FallbackDraft(in) })
	fillTrace(&d.Trace, in)
	return d, o
}

// FallbackDraft renders a templated reply from the summary highlights.
func FallbackDraft(in WriteInput) Draft {
	var b strings.Builder
	switch {
	case len(in.Summary.Highlights) > 0:
		goal := in.Goal
		if goal == "" {
			goal = in.Message
		}
		fmt.Fprintf(&b, "Here is what I found for %q:\n", truncateRunes(goal, 120))
		for _, h := range in.Summary.Highlights {
			fmt.Fprintf(&b, "\n- %s", h)
		}
	case len(in.Results) == 0:
		b.WriteString("I did not need any tools for this request, and no generation backend is available to write a fuller answer.")
	default:
		b.WriteString("I could not gather new information for this request.")
	}
	var failed []string
	for _, r := range in.Results {
		if !r.OK {
			failed = append(failed, r.Tool)
		}
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "\n\nSome tools did not succeed: %s.", strings.Join(failed, ", "))
	}
	if len(in.Summary.OpenQuestions) > 0 {
		b.WriteString("\n\nOpen questions:")
		for _, q := range in.Summary.OpenQuestions {
			fmt.Fprintf(&b, "\n- %s", q)
		}
	}
	d := Draft{
		Response:  b.String(),
		Actions:   []UIAction{},
		Decisions: []model.DecisionRequest{},
	}
	fillTrace(&d.Trace, in)
	return d
}

func parseDraft(m map[string]any) (Draft, error) {
	d := Draft{
		Response:  str(m, "response", "text", "message"),
		Actions:   []UIAction{},
		Decisions: []model.DecisionRequest{},
	}
	if d.Response == "" {
		return Draft{}, errors.New("draft has no response text")
	}
	if tm := asMap(m["trace"]); tm != nil {
		d.Trace = Trace{
			Plan:        stringList(tm["plan"]),
			ToolsUsed:   stringList(first(tm, "toolsUsed", "tools_used")),
			Assumptions: stringList(tm["assumptions"]),
			NextSteps:   stringList(first(tm, "nextSteps", "next_steps")),
		}
	}
	for _, it := range list(m["actions"]) {
		am := asMap(it)
		if am == nil || str(am, "label") == "" {
			continue
		}
		d.Actions = append(d.Actions, UIAction{Label: str(am, "label"), Kind: str(am, "kind", "type"), Payload: asMap(am["payload"])})
		if len(d.Actions) >= maxWriterActions {
			break
		}
	}
	for _, it := range list(m["decisions"]) {
		if dec, ok := tools.DecisionFromMap(asMap(it), model.DecisionFromSynthesis); ok {
			d.Decisions = append(d.Decisions, dec)
		}
	}
	return d, nil
}

func fillTrace(t *Trace, in WriteInput) {
	if len(t.Plan) == 0 {
		t.Plan = append([]string{}, in.Steps...)
	}
	if len(t.ToolsUsed) == 0 {
		t.ToolsUsed = []string{}
		for _, r := range in.Results {
			if !slices.Contains(t.ToolsUsed, r.Tool) {
				t.ToolsUsed = append(t.ToolsUsed, r.Tool)
			}
		}
	}
	if t.Assumptions == nil {
		t.Assumptions = []string{}
	}
	if len(t.NextSteps) == 0 {
		t.NextSteps = append([]string{}, in.Summary.OpenQuestions...)
	}
	if len(t.Evidence) == 0 {
		t.Evidence = []model.Evidence{}
		for _, r := range in.Results {
			for _, ev := range r.Evidence {
				if len(t.Evidence) >= maxWriterEvidence {
					return
				}
				t.Evidence = append(t.Evidence, ev)
			}
		}
	}
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// ValidationIssue is one problem the validator found.
type ValidationIssue struct {
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Fix      string   `json:"fix,omitempty"`
}

// Verdict is the validator's output. It never blocks a run.
type Verdict struct {
	Pass   bool              `json:"pass"`
	Issues []ValidationIssue `json:"issues"`
}

// HighSeverity returns the high-severity issues.
func (v Verdict) HighSeverity() []ValidationIssue {
	var out []ValidationIssue
	for _, is := range v.Issues {
		if is.Severity == SeverityHigh {
			out = append(out, is)
		}
	}
	return out
}

// ValidateInput feeds the validator.
type ValidateInput struct {
	Message  string `json:"message"`
	Response string `json:"response"`
	Facts    []Fact `json:"facts"`
}

// Validate runs the validator stage. The fallback always passes.
func (p *Pipeline) Validate(ctx context.Context, in ValidateInput) (Verdict, Outcome) {
	return runStage(ctx, p, StageValidator, validatorSystem, in, parseVerdict,
		func() Verdict { return Verdict{Pass: true, Issues: []ValidationIssue{}} })
}

func parseVerdict(m map[string]any) (Verdict, error) {
	pass, ok := m["pass"].(bool)
	if !ok {
		return Verdict{}, errors.New(`verdict has no "pass" flag`)
	}
	v := Verdict{Pass: pass, Issues: []ValidationIssue{}}
	for _, it := range list(m["issues"]) {
		im := asMap(it)
		if im == nil {
			continue
		}
		msg := str(im, "message", "issue")
		if msg == "" {
			continue
		}
		sev := Severity(strings.ToLower(str(im, "severity")))
		switch sev {
		case SeverityLow, SeverityMedium, SeverityHigh:
		default:
			sev = SeverityMedium
		}
		v.Issues = append(v.Issues, ValidationIssue{Severity: sev, Message: msg, Fix: str(im, "fix", "suggestion")})
	}
	return v, nil
}
