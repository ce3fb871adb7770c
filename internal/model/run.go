// Package model defines the core domain types for Conductor.
//
// Types map onto repository tables and process-event payloads. They use
// strong typing (UUIDs, time.Time, string enums) and keep loosely-shaped
// data confined to explicit map fields.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusQueued       RunStatus = "queued"
	RunStatusRunning      RunStatus = "running"
	RunStatusWaitingTools RunStatus = "waiting_tools"
	RunStatusWaitingUser  RunStatus = "waiting_user"
	RunStatusDone         RunStatus = "done"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// ActiveRunStatuses is the status set that counts as "active" for a branch.
var ActiveRunStatuses = []RunStatus{
	RunStatusQueued,
	RunStatusRunning,
	RunStatusWaitingTools,
	RunStatusWaitingUser,
}

// Active reports whether the status occupies the branch's single active slot.
func (s RunStatus) Active() bool {
	switch s {
	case RunStatusQueued, RunStatusRunning, RunStatusWaitingTools, RunStatusWaitingUser:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusDone || s == RunStatusFailed || s == RunStatusCancelled
}

// allowedRunTransitions lists every legal edge of the run state machine.
// Cancellation and failure are reachable from any non-terminal state.
var allowedRunTransitions = map[RunStatus]map[RunStatus]struct{}{
	RunStatusQueued: {
		RunStatusRunning:   {},
		RunStatusCancelled: {},
		RunStatusFailed:    {},
	},
	RunStatusRunning: {
		RunStatusWaitingTools: {},
		RunStatusWaitingUser:  {},
		RunStatusDone:         {},
		RunStatusCancelled:    {},
		RunStatusFailed:       {},
	},
	RunStatusWaitingTools: {
		RunStatusRunning:     {},
		RunStatusWaitingUser: {},
		RunStatusDone:        {},
		RunStatusCancelled:   {},
		RunStatusFailed:      {},
	},
	RunStatusWaitingUser: {
		RunStatusRunning:   {},
		RunStatusCancelled: {},
		RunStatusFailed:    {},
	},
}

// CanTransition reports whether from -> to is a legal run transition.
// Self-transitions are allowed for non-terminal states.
func CanTransition(from, to RunStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	next, ok := allowedRunTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// ValidateTransition returns an error describing an illegal transition.
func ValidateTransition(from, to RunStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("model: invalid run transition %s -> %s", from, to)
	}
	return nil
}

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerUserMessage   RunTrigger = "user_message"
	TriggerScheduledLoop RunTrigger = "scheduled_loop"
)

// AgentRun is one execution cycle of the engine for a branch.
type AgentRun struct {
	ID            uuid.UUID      `json:"id"`
	BranchID      uuid.UUID      `json:"branch_id"`
	MessageID     *uuid.UUID     `json:"message_id,omitempty"`
	Trigger       RunTrigger     `json:"trigger"`
	Status        RunStatus      `json:"status"`
	Input         string         `json:"input"`
	Policy        RunPolicy      `json:"policy"`
	Plan          *RuntimePlan   `json:"plan,omitempty"`
	Actor         Actor          `json:"actor"`
	Error         *string        `json:"error,omitempty"`
	ResultMessage *uuid.UUID     `json:"result_message_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ActorClass distinguishes privileged operators from ordinary members.
type ActorClass string

const (
	ActorOwner  ActorClass = "owner"
	ActorAdmin  ActorClass = "admin"
	ActorMember ActorClass = "member"
	ActorViewer ActorClass = "viewer"
)

// Privileged reports whether the class skips advisory risk warnings.
func (c ActorClass) Privileged() bool {
	return c == ActorOwner || c == ActorAdmin
}

// Actor is the identity on whose behalf a run executes. Its permission set
// is what the mutation guard checks.
type Actor struct {
	ID              string     `json:"id"`
	Class           ActorClass `json:"class"`
	CanMutate       bool       `json:"can_mutate"`
	AllowedSections []string   `json:"allowed_sections,omitempty"`
}

// SectionAllowed reports whether the actor may touch the named section.
// An empty allow-list means every section is allowed.
func (a Actor) SectionAllowed(section string) bool {
	if len(a.AllowedSections) == 0 {
		return true
	}
	for _, s := range a.AllowedSections {
		if s == section {
			return true
		}
	}
	return false
}
