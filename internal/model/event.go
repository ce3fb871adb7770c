package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// EventSchemaVersion is stamped on every process event payload.
const EventSchemaVersion = 1

// EventName is the fixed set of process-event names.
type EventName string

const (
	EventRunStarted       EventName = "run.started"
	EventRunQueued        EventName = "run.queued"
	EventRunPlanning      EventName = "run.planning"
	EventRunProgress      EventName = "run.progress"
	EventRunWriting       EventName = "run.writing"
	EventRunWaitingInput  EventName = "run.waiting_input"
	EventRunCompleted     EventName = "run.completed"
	EventRunFailed        EventName = "run.failed"
	EventRunCancelled     EventName = "run.cancelled"
	EventRunLog           EventName = "run.log"
	EventToolStarted      EventName = "tool.started"
	EventToolOutput       EventName = "tool.output"
	EventToolFailed       EventName = "tool.failed"
	EventDecisionRequired EventName = "decision.required"
)

// EventPhase is the coarse lifecycle phase an event belongs to.
type EventPhase string

const (
	PhaseQueued       EventPhase = "queued"
	PhasePlanning     EventPhase = "planning"
	PhaseTools        EventPhase = "tools"
	PhaseWriting      EventPhase = "writing"
	PhaseWaitingInput EventPhase = "waiting_input"
	PhaseCompleted    EventPhase = "completed"
	PhaseFailed       EventPhase = "failed"
	PhaseCancelled    EventPhase = "cancelled"
)

// EventStatus is the severity of an event.
type EventStatus string

const (
	StatusInfo  EventStatus = "info"
	StatusWarn  EventStatus = "warn"
	StatusError EventStatus = "error"
)

// EventPayload is the envelope every process event carries.
type EventPayload struct {
	Version   int         `json:"version"`
	Event     EventName   `json:"event"`
	Phase     EventPhase  `json:"phase"`
	Status    EventStatus `json:"status"`
	RunID     *uuid.UUID  `json:"runId,omitempty"`
	ToolRunID *uuid.UUID  `json:"toolRunId,omitempty"`
	ToolName  string      `json:"toolName,omitempty"`
	CreatedAt *time.Time  `json:"createdAt,omitempty"`
}

// ProcessEvent is an append-only, branch-scoped log entry.
type ProcessEvent struct {
	ID        uuid.UUID      `json:"id"`
	BranchID  uuid.UUID      `json:"branch_id"`
	Sequence  int64          `json:"sequence"`
	Message   string         `json:"message"`
	Payload   EventPayload   `json:"payload"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// eventPhases maps each event name to its canonical phase and status.
var eventPhases = map[EventName]struct {
	phase  EventPhase
	status EventStatus
}{
	EventRunStarted:       {PhasePlanning, StatusInfo},
	EventRunQueued:        {PhaseQueued, StatusInfo},
	EventRunPlanning:      {PhasePlanning, StatusInfo},
	EventRunProgress:      {PhaseTools, StatusInfo},
	EventRunWriting:       {PhaseWriting, StatusInfo},
	EventRunWaitingInput:  {PhaseWaitingInput, StatusWarn},
	EventRunCompleted:     {PhaseCompleted, StatusInfo},
	EventRunFailed:        {PhaseFailed, StatusError},
	EventRunCancelled:     {PhaseCancelled, StatusWarn},
	EventRunLog:           {PhaseTools, StatusInfo},
	EventToolStarted:      {PhaseTools, StatusInfo},
	EventToolOutput:       {PhaseTools, StatusInfo},
	EventToolFailed:       {PhaseTools, StatusWarn},
	EventDecisionRequired: {PhaseWaitingInput, StatusWarn},
}

// Known reports whether n belongs to the fixed event set.
func (n EventName) Known() bool {
	_, ok := eventPhases[n]
	return ok
}

// Triple returns the canonical phase and status for a known event name.
func (n EventName) Triple() (EventPhase, EventStatus) {
	t, ok := eventPhases[n]
	if !ok {
		return PhaseTools, StatusInfo
	}
	return t.phase, t.status
}

// inferenceRules is evaluated in order against legacy free-text messages.
var inferenceRules = []struct {
	re    *regexp.Regexp
	event EventName
}{
	{regexp.MustCompile(`(?i)\bcancel(l?ed|l?ing)?\b|\binterrupt`), EventRunCancelled},
	{regexp.MustCompile(`(?i)\bdecision\b|\bapproval\b|\bconfirm`), EventDecisionRequired},
	{regexp.MustCompile(`(?i)\bwaiting (for )?(user|input)\b`), EventRunWaitingInput},
	{regexp.MustCompile(`(?i)\btool\b.*\b(fail|error|timed out|timeout)`), EventToolFailed},
	{regexp.MustCompile(`(?i)\brun\b.*\b(fail|error)`), EventRunFailed},
	{regexp.MustCompile(`(?i)\b(fail(ed|ure)?|error)\b`), EventRunFailed},
	{regexp.MustCompile(`(?i)\b(start(ing|ed)?|running|calling)\b.*\btool\b|\btool\b.*\bstart`), EventToolStarted},
	{regexp.MustCompile(`(?i)\btool\b.*\b(done|finished|completed|returned|output)\b`), EventToolOutput},
	{regexp.MustCompile(`(?i)\bqueued?\b`), EventRunQueued},
	{regexp.MustCompile(`(?i)\bplan(ning)?\b`), EventRunPlanning},
	{regexp.MustCompile(`(?i)\b(writ(ing|e)|drafting|compos(e|ing)|synthesi[sz])`), EventRunWriting},
	{regexp.MustCompile(`(?i)\b(completed?|done|finished)\b`), EventRunCompleted},
	{regexp.MustCompile(`(?i)\bstart(ed|ing)?\b`), EventRunStarted},
}

// InferEventName guesses the event name for a message written before events
// carried an explicit name. Unmatched messages are run.log entries.
func InferEventName(message string) EventName {
	for _, r := range inferenceRules {
		if r.re.MatchString(message) {
			return r.event
		}
	}
	return EventRunLog
}

// NormalizePayload fills a payload's event triple, inferring it from the
// free-text message when the event name is missing or unknown.
func NormalizePayload(p EventPayload, message string) EventPayload {
	if !p.Event.Known() {
		p.Event = InferEventName(message)
	}
	phase, status := p.Event.Triple()
	if p.Phase == "" {
		p.Phase = phase
	}
	if p.Status == "" {
		p.Status = status
	}
	if p.Version == 0 {
		p.Version = EventSchemaVersion
	}
	return p
}
