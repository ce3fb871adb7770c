package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DecisionOutcome is the closed set of effects a decision option can have.
type DecisionOutcome string

const (
	OutcomeApprove DecisionOutcome = "approve"
	OutcomeReject  DecisionOutcome = "reject"
)

// DecisionSource records which layer raised a decision.
type DecisionSource string

const (
	DecisionFromTool      DecisionSource = "tool"
	DecisionFromGuard     DecisionSource = "guard"
	DecisionFromPlan      DecisionSource = "plan"
	DecisionFromSynthesis DecisionSource = "synthesis"
)

// DecisionOption is one selectable answer to a decision.
type DecisionOption struct {
	ID      string          `json:"id"`
	Label   string          `json:"label"`
	Outcome DecisionOutcome `json:"outcome,omitempty"`
}

// affirmativeWords is consulted only for options without an explicit outcome.
var affirmativeWords = []string{"approve", "allow", "yes", "continue", "proceed", "confirm", "accept", "ok"}

// Approves reports whether choosing this option approves the gated action.
func (o DecisionOption) Approves() bool {
	switch o.Outcome {
	case OutcomeApprove:
		return true
	case OutcomeReject:
		return false
	}
	text := strings.ToLower(o.ID + " " + o.Label)
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		for _, w := range affirmativeWords {
			if field == w {
				return true
			}
		}
	}
	return false
}

// ApproveRejectOptions returns the standard two-option set.
func ApproveRejectOptions() []DecisionOption {
	return []DecisionOption{
		{ID: "approve", Label: "Approve", Outcome: OutcomeApprove},
		{ID: "reject", Label: "Reject", Outcome: OutcomeReject},
	}
}

// DecisionRequest is a decision proposed by a tool, the guard, the planner
// or the writer before it is recorded against a run.
type DecisionRequest struct {
	Key           string           `json:"key"`
	Title         string           `json:"title"`
	Prompt        string           `json:"prompt"`
	Options       []DecisionOption `json:"options"`
	DefaultOption string           `json:"default_option,omitempty"`
	Blocking      bool             `json:"blocking"`
	Source        DecisionSource   `json:"source,omitempty"`
}

// DecisionStatus tracks whether a recorded decision has been answered.
type DecisionStatus string

const (
	DecisionOpen     DecisionStatus = "open"
	DecisionResolved DecisionStatus = "resolved"
)

// RunDecision is a decision checkpoint recorded against a run.
type RunDecision struct {
	ID             uuid.UUID        `json:"id"`
	RunID          uuid.UUID        `json:"run_id"`
	BranchID       uuid.UUID        `json:"branch_id"`
	Key            string           `json:"key"`
	Title          string           `json:"title"`
	Prompt         string           `json:"prompt"`
	Options        []DecisionOption `json:"options"`
	DefaultOption  string           `json:"default_option,omitempty"`
	Blocking       bool             `json:"blocking"`
	Source         DecisionSource   `json:"source"`
	ToolRunIDs     []uuid.UUID      `json:"tool_run_ids,omitempty"`
	Status         DecisionStatus   `json:"status"`
	ResolvedOption *string          `json:"resolved_option,omitempty"`
	Outcome        *DecisionOutcome `json:"outcome,omitempty"`
	Note           *string          `json:"note,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
}

// Option returns the option with the given ID.
func (d RunDecision) Option(id string) (DecisionOption, bool) {
	for _, o := range d.Options {
		if o.ID == id {
			return o, true
		}
	}
	return DecisionOption{}, false
}
