// Package guard validates proposed workspace mutations and scores their risk.
//
// A guard result has two independent parts. Issues make the batch invalid
// (ok=false). The risk tier decides whether an otherwise valid batch still
// needs a human checkpoint before it may be applied.
package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/workspace"
)

// IssueCode is a stable identifier for a validation failure.
type IssueCode string

const (
	IssueMissingSection     IssueCode = "MISSING_SECTION"
	IssueUnsupportedSection IssueCode = "UNSUPPORTED_SECTION"
	IssueSectionNotAllowed  IssueCode = "SECTION_NOT_ALLOWED"
	IssueEmptyPatch         IssueCode = "EMPTY_PATCH"
	IssueImmutableField     IssueCode = "IMMUTABLE_FIELD"
	IssueFieldNotAllowed    IssueCode = "FIELD_NOT_ALLOWED"
	IssueMissingField       IssueCode = "MISSING_FIELD"
	IssueMutationForbidden  IssueCode = "MUTATION_FORBIDDEN"
)

// Tier is the coarse risk classification of a batch.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Risk thresholds and weights.
const (
	highThreshold   = 7
	mediumThreshold = 3

	wideFieldCount  = 6
	wideValueCount  = 10
	largeBatchCount = 6
)

// Issue is one validation failure. OpIndex is -1 for batch-level issues.
type Issue struct {
	Code    IssueCode `json:"code"`
	OpIndex int       `json:"op_index"`
	Section string    `json:"section,omitempty"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
}

// Result is the guard's verdict on a batch.
type Result struct {
	OK               bool                   `json:"ok"`
	Issues           []Issue                `json:"issues"`
	Score            int                    `json:"score"`
	Tier             Tier                   `json:"tier"`
	RequiresDecision bool                   `json:"requires_decision"`
	Decision         *model.DecisionRequest `json:"decision,omitempty"`
	Warnings         []string               `json:"warnings"`
}

// IssueMessages renders each issue as "CODE: message".
func (r Result) IssueMessages() []string {
	out := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		out = append(out, fmt.Sprintf("%s: %s", is.Code, is.Message))
	}
	return out
}

// Guard evaluates batches against a section catalog.
type Guard struct {
	catalog *workspace.Catalog
}

// New creates a Guard backed by the given catalog.
func New(catalog *workspace.Catalog) *Guard {
	return &Guard{catalog: catalog}
}

// Evaluate validates ops on behalf of actor and computes their risk.
func (g *Guard) Evaluate(actor model.Actor, ops []model.MutationOperation) Result {
	res := Result{Issues: []Issue{}, Warnings: []string{}}

	if !actor.CanMutate {
		res.Issues = append(res.Issues, Issue{
			Code:    IssueMutationForbidden,
			OpIndex: -1,
			Message: "actor is not permitted to change workspace records",
		})
	}
	if len(ops) == 0 {
		res.Issues = append(res.Issues, Issue{
			Code:    IssueEmptyPatch,
			OpIndex: -1,
			Message: "no operations supplied",
		})
	}

	for i, op := range ops {
		res.Issues = append(res.Issues, g.validate(actor, i, op)...)
		res.Score += Score(op)
	}
	if len(ops) > largeBatchCount {
		res.Score += 2
	}

	res.Tier = TierFor(res.Score)
	res.OK = len(res.Issues) == 0

	if res.Tier == TierHigh {
		res.RequiresDecision = true
		res.Decision = riskDecision(ops, res.Score)
	}
	if res.Tier != TierLow && !actor.Class.Privileged() {
		res.Warnings = append(res.Warnings, fmt.Sprintf(
			"%s-risk change (score %d) requested by a %s; review the staged sample before applying",
			res.Tier, res.Score, actorLabel(actor.Class)))
	}
	return res
}

// TierFor maps a risk score to its tier.
func TierFor(score int) Tier {
	switch {
	case score >= highThreshold:
		return TierHigh
	case score >= mediumThreshold:
		return TierMedium
	default:
		return TierLow
	}
}

// Score returns the risk contribution of a single operation.
func Score(op model.MutationOperation) int {
	switch op.Kind {
	case model.MutationDeleteRow:
		return 4
	case model.MutationDeleteRows:
		s := 4
		if !hasFilter(op) {
			s += 3
		}
		return s
	case model.MutationClearSection:
		return 4 + 3
	case model.MutationCreateRow:
		s := 2
		if len(op.Patch) > wideFieldCount {
			s++
		}
		return s
	case model.MutationUpdateRows:
		s := 3
		if !hasFilter(op) {
			s += 2
		}
		if len(op.Patch) > wideFieldCount {
			s++
		}
		return s
	case model.MutationUpdateRow:
		s := 2
		if len(op.Patch) > wideFieldCount {
			s++
		}
		return s
	case model.MutationAppendList, model.MutationRemoveListItem:
		s := 2
		if len(op.Values) > wideValueCount {
			s++
		}
		return s
	}
	return 0
}

func hasFilter(op model.MutationOperation) bool {
	return len(op.Where) > 0 || len(op.RowIDs) > 0
}

func (g *Guard) validate(actor model.Actor, i int, op model.MutationOperation) []Issue {
	var issues []Issue
	add := func(code IssueCode, field, format string, args ...any) {
		issues = append(issues, Issue{
			Code:    code,
			OpIndex: i,
			Section: op.Section,
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		})
	}

	if strings.TrimSpace(op.Section) == "" {
		add(IssueMissingSection, "", "operation %d (%s) has no section", i, op.Kind)
		return issues
	}
	sec, ok := g.catalog.Section(op.Section)
	if !ok || !sec.Mutable {
		add(IssueUnsupportedSection, "", "section %q cannot be changed", op.Section)
		return issues
	}
	if !actor.SectionAllowed(op.Section) {
		add(IssueSectionNotAllowed, "", "actor may not change section %q", op.Section)
		return issues
	}
	if !op.Kind.Valid() {
		add(IssueMissingField, "kind", "operation %d has unknown kind %q", i, op.Kind)
		return issues
	}

	checkFields := func(names []string) {
		for _, name := range names {
			f, known := sec.Field(name)
			switch {
			case known && f.Immutable:
				add(IssueImmutableField, name, "field %q of %q is immutable", name, op.Section)
			case !known || !f.Editable:
				add(IssueFieldNotAllowed, name, "field %q is not editable in %q", name, op.Section)
			}
		}
	}

	switch op.Kind {
	case model.MutationCreateRow:
		if len(op.Patch) == 0 {
			add(IssueEmptyPatch, "", "create_row on %q has no fields", op.Section)
			break
		}
		checkFields(sortedKeys(op.Patch))
		for _, req := range sec.RequiredFields() {
			if v, ok := op.Patch[req]; !ok || isBlank(v) {
				add(IssueMissingField, req, "create_row on %q requires %q", op.Section, req)
			}
		}
	case model.MutationUpdateRow:
		if op.RowID == "" {
			add(IssueMissingField, "row_id", "update_row on %q requires row_id", op.Section)
		}
		if len(op.Patch) == 0 {
			add(IssueEmptyPatch, "", "update_row on %q has no fields", op.Section)
			break
		}
		checkFields(sortedKeys(op.Patch))
	case model.MutationUpdateRows:
		if len(op.Patch) == 0 {
			add(IssueEmptyPatch, "", "update_rows on %q has no fields", op.Section)
			break
		}
		checkFields(sortedKeys(op.Patch))
		g.checkWhere(sec, op, add)
	case model.MutationDeleteRow:
		if op.RowID == "" {
			add(IssueMissingField, "row_id", "delete_row on %q requires row_id", op.Section)
		}
	case model.MutationDeleteRows:
		g.checkWhere(sec, op, add)
	case model.MutationAppendList, model.MutationRemoveListItem:
		if op.RowID == "" {
			add(IssueMissingField, "row_id", "%s on %q requires row_id", op.Kind, op.Section)
		}
		if op.Field == "" {
			add(IssueMissingField, "field", "%s on %q requires a list field", op.Kind, op.Section)
			break
		}
		f, known := sec.Field(op.Field)
		switch {
		case known && f.Immutable:
			add(IssueImmutableField, op.Field, "field %q of %q is immutable", op.Field, op.Section)
		case !known || !f.List:
			add(IssueFieldNotAllowed, op.Field, "field %q is not a list in %q", op.Field, op.Section)
		}
		if len(op.Values) == 0 {
			add(IssueEmptyPatch, op.Field, "%s on %q has no values", op.Kind, op.Section)
		}
	}
	return issues
}

func (g *Guard) checkWhere(sec workspace.Section, op model.MutationOperation, add func(IssueCode, string, string, ...any)) {
	for _, name := range sortedKeys(op.Where) {
		if _, known := sec.Field(name); !known {
			add(IssueFieldNotAllowed, name, "filter field %q is unknown in %q", name, op.Section)
		}
	}
}

func riskDecision(ops []model.MutationOperation, score int) *model.DecisionRequest {
	return &model.DecisionRequest{
		Key:           "mutation-risk:" + batchKey(ops),
		Title:         "Approve high-risk change",
		Prompt:        fmt.Sprintf("This change is high risk (score %d): %s. Approve to continue or reject to skip it.", score, describe(ops)),
		Options:       model.ApproveRejectOptions(),
		DefaultOption: "reject",
		Blocking:      true,
		Source:        model.DecisionFromGuard,
	}
}

// describe summarizes a batch as "2 delete_rows on competitors, 1 create_row on products".
func describe(ops []model.MutationOperation) string {
	counts := map[string]int{}
	var order []string
	for _, op := range ops {
		k := fmt.Sprintf("%s on %s", op.Kind, op.Section)
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}
	parts := make([]string, 0, len(order))
	for _, k := range order {
		parts = append(parts, fmt.Sprintf("%d %s", counts[k], k))
	}
	return strings.Join(parts, ", ")
}

func batchKey(ops []model.MutationOperation) string {
	b, _ := json.Marshal(ops)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func actorLabel(c model.ActorClass) string {
	if c == "" {
		return "non-privileged actor"
	}
	return string(c)
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
