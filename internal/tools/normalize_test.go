package tools

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/conductor/internal/model"
)

func TestNormalizeSummaryCascade(t *testing.T) {
	assert.Equal(t, "explicit", Normalize("t", map[string]any{"summary": "explicit", "summaryText": "text"}).Summary)
	assert.Equal(t, "text", Normalize("t", map[string]any{"summaryText": "text"}).Summary)
	assert.Equal(t, "list_competitors returned 2 competitors",
		Normalize("list_competitors", map[string]any{"competitors": []any{map[string]any{}, map[string]any{}}}).Summary)
	assert.Equal(t, "t returned 7 item(s)", Normalize("t", map[string]any{"count": 7}).Summary)
	assert.Equal(t, "t completed with 0 item(s)", Normalize("t", map[string]any{"foo": "bar"}).Summary)
	assert.Equal(t, "t completed with 0 item(s)", Normalize("t", nil).Summary)
}

func TestNormalizeFetchImpliesSourceAndSnapshot(t *testing.T) {
	res := Normalize("fetch_url", map[string]any{
		"url":        "https://acme.test/pricing",
		"title":      "Pricing",
		"content":    "...",
		"snapshotId": "snap-1",
	})
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, "source", res.Artifacts[0].Kind)
	assert.Equal(t, "snapshot", res.Artifacts[1].Kind)
	assert.Equal(t, "snap-1", res.Artifacts[1].ID)
}

func TestNormalizeEvidenceSources(t *testing.T) {
	res := Normalize("list_competitors", map[string]any{
		"items": []any{
			map[string]any{"name": "Acme", "website": "https://acme.test", "description": "rockets"},
			"garbage",
			map[string]any{"other": 1},
		},
		"deep_link": "https://app.test/w/1/competitors",
	})
	require.Len(t, res.Evidence, 2)
	assert.Equal(t, "Acme", res.Evidence[0].Title)
	assert.Equal(t, "https://acme.test", res.Evidence[0].URL)
	assert.Equal(t, "Open in workspace", res.Evidence[1].Title)

	res = Normalize("get_record", map[string]any{"record": map[string]any{"title": "Note"}})
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, "Note", res.Evidence[0].Title)
}

func TestNormalizeStructOutput(t *testing.T) {
	type page struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	type out struct {
		Items []page `json:"items"`
		Count int    `json:"count"`
	}
	res := Normalize("crawl_site", out{Items: []page{{Title: "Home", URL: "https://a.test"}}, Count: 1})
	assert.Equal(t, "crawl_site returned 1 items", res.Summary)
	require.Len(t, res.Evidence, 1)
}

func TestNormalizeDropsMalformedContinuationsAndDecisions(t *testing.T) {
	res := Normalize("discover_competitors", map[string]any{
		"continuations": []any{
			map[string]any{"suggestedNextTools": []any{"fetch_url", "", 3}},
			map[string]any{"suggestedNextTools": []any{}},
			"nope",
		},
		"decisions": []any{
			map[string]any{"prompt": "Save these 3 competitors?", "options": []any{"Yes, save", "No"}},
			map[string]any{"options": []any{"a"}},
			42,
		},
	})
	require.Len(t, res.Continuations, 1)
	assert.Equal(t, []string{"fetch_url"}, res.Continuations[0].SuggestedNextTools)
	require.Len(t, res.Decisions, 1)
	d := res.Decisions[0]
	assert.True(t, d.Blocking)
	require.Len(t, d.Options, 2)
	assert.Equal(t, "yes-save", d.Options[0].ID)
	assert.True(t, d.Options[0].Approves())
	assert.False(t, d.Options[1].Approves())
}

func TestNormalizeWarningsTrimmedAndCapped(t *testing.T) {
	var ws []any
	for range 15 {
		ws = append(ws, "  "+strings.Repeat("w", 400)+"  ")
	}
	ws = append([]any{"", 3}, ws...)
	res := Normalize("t", map[string]any{"warnings": ws})
	require.Len(t, res.Warnings, maxWarnings)
	for _, w := range res.Warnings {
		assert.LessOrEqual(t, len([]rune(w)), maxWarningLen)
		assert.False(t, strings.HasPrefix(w, " "))
	}
}

func TestNormalizeOKFlag(t *testing.T) {
	assert.True(t, Normalize("t", map[string]any{}).OK)
	assert.False(t, Normalize("t", map[string]any{"ok": false}).OK)
}

func TestErrorLine(t *testing.T) {
	assert.Equal(t, "first", ErrorLine(errors.New("first\nsecond")))
	assert.Equal(t, "unknown error", ErrorLine(errors.New("\n")))
	long := ErrorLine(errors.New(strings.Repeat("x", 1000)))
	assert.Len(t, []rune(long), maxErrorLineLen)
}

func TestDecisionFromMapDefaults(t *testing.T) {
	d, ok := DecisionFromMap(map[string]any{"title": "Publish report"}, model.DecisionFromSynthesis)
	require.True(t, ok)
	assert.Equal(t, "Publish report", d.Prompt)
	assert.Equal(t, "reject", d.DefaultOption)
	assert.Equal(t, "decision:publish-report", d.Key)
	assert.Len(t, d.Options, 2)
}
