package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// IntakeMode selects how a new message interacts with an active run.
type IntakeMode string

const (
	ModeDirect    IntakeMode = "direct"
	ModeQueue     IntakeMode = "queue"
	ModeInterrupt IntakeMode = "interrupt"
)

// CreateThreadRequest is the request body for POST /v1/threads.
type CreateThreadRequest struct {
	WorkspaceID string `json:"workspace_id" validate:"required,max=128"`
	Title       string `json:"title" validate:"max=512"`
}

// CreateThreadResponse is returned after a thread and its main branch exist.
type CreateThreadResponse struct {
	Thread Thread `json:"thread"`
	Branch Branch `json:"branch"`
}

// ForkBranchRequest is the request body for POST /v1/branches/{id}/fork.
type ForkBranchRequest struct {
	FromMessageID *uuid.UUID `json:"from_message_id,omitempty"`
	Name          string     `json:"name" validate:"max=128"`
}

// SendMessageRequest is the request body for POST /v1/branches/{id}/messages.
type SendMessageRequest struct {
	Content string           `json:"content" validate:"required,max=32768"`
	Mode    IntakeMode       `json:"mode" validate:"omitempty,oneof=direct queue interrupt"`
	Policy  *PolicyOverrides `json:"policy,omitempty"`
}

// SendMessageResponse describes what intake did with a message.
type SendMessageResponse struct {
	Outcome   string      `json:"outcome"`
	MessageID *uuid.UUID  `json:"message_id,omitempty"`
	RunID     *uuid.UUID  `json:"run_id,omitempty"`
	QueueItem *QueueItem  `json:"queue_item,omitempty"`
	Cancelled []uuid.UUID `json:"cancelled_run_ids,omitempty"`
}

// ResolveDecisionRequest is the request body for resolving a decision.
type ResolveDecisionRequest struct {
	OptionID string `json:"option_id" validate:"required,max=128"`
	Note     string `json:"note" validate:"max=4096"`
}

// ScheduledLoopRequest starts a scheduled-loop run on a branch.
type ScheduledLoopRequest struct {
	Prompt string           `json:"prompt" validate:"required,max=32768"`
	Policy *PolicyOverrides `json:"policy,omitempty"`
}

// RunView bundles a run with its tool runs and decisions.
type RunView struct {
	Run       AgentRun      `json:"run"`
	ToolRuns  []ToolRun     `json:"tool_runs"`
	Decisions []RunDecision `json:"decisions"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Storage     string `json:"storage"`
	ActiveRuns  int    `json:"active_runs"`
	Subscribers int    `json:"subscribers"`
	Uptime      int64  `json:"uptime_seconds"`
}
