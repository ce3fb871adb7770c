package pipeline

import (
	"regexp"
	"slices"
	"strings"

	"github.com/ashita-ai/conductor/internal/model"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// rule proposes tool calls when its pattern matches the lowercased message.
type rule struct {
	name    string
	pattern *regexp.Regexp
	needURL bool
	// skipWith suppresses the rule when any named rule already matched.
	skipWith []string
	build    func(msg string, urls []string) []model.ToolCall
}

// fallbackRules are evaluated in order; earlier rules lead the plan.
var fallbackRules = []rule{
	{
		name:    "deep_research",
		pattern: regexp.MustCompile(`\bdeep[\s-]?(research|dive)\b|\bresearch\b.*\bin[\s-]depth\b`),
		build: func(msg string, urls []string) []model.ToolCall {
			args := map[string]any{"topic": truncateRunes(strings.TrimSpace(msg), 500)}
			if len(urls) > 0 {
				args["url"] = urls[0]
			}
			return []model.ToolCall{{Tool: "deep_research", Args: args, Reason: "message asks for deep research"}}
		},
	},
	{
		name:    "crawl",
		pattern: regexp.MustCompile(`\bcrawl|\b(whole|entire|full) (site|website)\b|\ball (the )?pages\b`),
		needURL: true,
		build: func(_ string, urls []string) []model.ToolCall {
			return []model.ToolCall{{Tool: "crawl_site", Args: map[string]any{"url": urls[0]}, Reason: "message asks to crawl a site"}}
		},
	},
	{
		name:     "fetch",
		pattern:  regexp.MustCompile(`.`),
		needURL:  true,
		skipWith: []string{"deep_research", "crawl"},
		build: func(_ string, urls []string) []model.ToolCall {
			var out []model.ToolCall
			for i, u := range urls {
				if i == 2 {
					break
				}
				out = append(out, model.ToolCall{Tool: "fetch_url", Args: map[string]any{"url": u}, Reason: "message links a page"})
			}
			return out
		},
	},
	{
		name:    "discover_competitors",
		pattern: regexp.MustCompile(`\b(find|discover|identify|search for|who are)\b.*\b(competitors?|rivals?|competition)\b`),
		build: func(string, []string) []model.ToolCall {
			return []model.ToolCall{{Tool: "discover_competitors", Args: map[string]any{}, Reason: "message asks to find competitors"}}
		},
	},
	{
		name:    "list_competitors",
		pattern: regexp.MustCompile(`\b(competitors?|competitive|competition|rivals?)\b`),
		build: func(string, []string) []model.ToolCall {
			return []model.ToolCall{{Tool: "list_competitors", Args: map[string]any{}, Reason: "message mentions competitors"}}
		},
	},
	{
		name:    "products",
		pattern: regexp.MustCompile(`\bproducts?\b|\bofferings?\b`),
		build:   listSection("products"),
	},
	{
		name:    "audiences",
		pattern: regexp.MustCompile(`\baudiences?\b|\bpersonas?\b|\bcustomer segments?\b`),
		build:   listSection("audiences"),
	},
	{
		name:    "brand",
		pattern: regexp.MustCompile(`\bbrand\b|\bmission\b|\bvoice\b`),
		build:   listSection("brand_profile"),
	},
	{
		name:    "notes",
		pattern: regexp.MustCompile(`\bresearch notes?\b|\bmy notes\b`),
		build:   listSection("research_notes"),
	},
	{
		name:    "document",
		pattern: regexp.MustCompile(`\b(write|draft|generate|create|prepare)\b.*\b(brief|report|plan|memo|document)\b`),
		build: func(msg string, _ []string) []model.ToolCall {
			kind := "brief"
			for _, k := range []string{"report", "plan", "memo", "brief"} {
				if strings.Contains(strings.ToLower(msg), k) {
					kind = k
					break
				}
			}
			return []model.ToolCall{{
				Tool:   "generate_document",
				Args:   map[string]any{"title": truncateRunes(strings.TrimSpace(msg), 120), "kind": kind, "prompt": msg},
				Reason: "message asks for a document",
			}}
		},
	},
}

func listSection(section string) func(string, []string) []model.ToolCall {
	return func(string, []string) []model.ToolCall {
		return []model.ToolCall{{
			Tool:   "list_records",
			Args:   map[string]any{"section": section},
			Reason: "message mentions " + strings.ReplaceAll(section, "_", " "),
		}}
	}
}

// ruleToolCalls evaluates fallbackRules over msg and returns the proposed
// calls in rule order.
func ruleToolCalls(msg string) []model.ToolCall {
	lower := strings.ToLower(msg)
	urls := extractURLs(msg)
	matched := make(map[string]bool)
	var out []model.ToolCall
	for _, r := range fallbackRules {
		if r.needURL && len(urls) == 0 {
			continue
		}
		if !r.pattern.MatchString(lower) {
			continue
		}
		skip := false
		for _, other := range r.skipWith {
			if matched[other] {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		matched[r.name] = true
		out = append(out, r.build(msg, urls)...)
	}
	return out
}

func extractURLs(msg string) []string {
	var out []string
	for _, u := range urlPattern.FindAllString(msg, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
