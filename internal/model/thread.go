package model

import (
	"time"

	"github.com/google/uuid"
)

// Thread groups one or more branches of a conversation.
type Thread struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	CreatedAt   time.Time `json:"created_at"`
}

// Branch is one forkable conversational timeline within a thread.
type Branch struct {
	ID                  uuid.UUID  `json:"id"`
	ThreadID            uuid.UUID  `json:"thread_id"`
	WorkspaceID         string     `json:"workspace_id"`
	Name                string     `json:"name"`
	ParentBranchID      *uuid.UUID `json:"parent_branch_id,omitempty"`
	ForkedFromMessageID *uuid.UUID `json:"forked_from_message_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one entry of a branch's history.
type Message struct {
	ID        uuid.UUID      `json:"id"`
	BranchID  uuid.UUID      `json:"branch_id"`
	ParentID  *uuid.UUID     `json:"parent_id,omitempty"`
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	RunID     *uuid.UUID     `json:"run_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// QueueItem is a pending user message for a branch. Items are consumed
// strictly in Position order.
type QueueItem struct {
	ID         uuid.UUID        `json:"id"`
	BranchID   uuid.UUID        `json:"branch_id"`
	Position   int64            `json:"position"`
	Content    string           `json:"content"`
	Actor      Actor            `json:"actor"`
	Policy     *PolicyOverrides `json:"policy,omitempty"`
	Consumed   bool             `json:"consumed"`
	CreatedAt  time.Time        `json:"created_at"`
	ConsumedAt *time.Time       `json:"consumed_at,omitempty"`
}
