package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
)

// Store is the persistence contract the engine depends on. List operations
// return entities ordered by creation time. Implementations must be safe
// for concurrent use.
type Store interface {
	Ping(ctx context.Context) error

	CreateThread(ctx context.Context, t model.Thread) error
	GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error)
	CreateBranch(ctx context.Context, b model.Branch) error
	GetBranch(ctx context.Context, id uuid.UUID) (model.Branch, error)
	ListBranches(ctx context.Context, threadID uuid.UUID) ([]model.Branch, error)

	CreateMessages(ctx context.Context, msgs []model.Message) error
	ListMessages(ctx context.Context, branchID uuid.UUID) ([]model.Message, error)

	CreateRun(ctx context.Context, r model.AgentRun) error
	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)
	UpdateRun(ctx context.Context, r model.AgentRun) error
	ListRuns(ctx context.Context, branchID uuid.UUID) ([]model.AgentRun, error)
	// ListActiveRuns returns runs whose status is in model.ActiveRunStatuses.
	ListActiveRuns(ctx context.Context, branchID uuid.UUID) ([]model.AgentRun, error)

	// CreateToolRun returns ErrDuplicate when the run already has a tool run
	// with the same identity key.
	CreateToolRun(ctx context.Context, tr model.ToolRun) error
	GetToolRun(ctx context.Context, id uuid.UUID) (model.ToolRun, error)
	UpdateToolRun(ctx context.Context, tr model.ToolRun) error
	ListToolRuns(ctx context.Context, runID uuid.UUID) ([]model.ToolRun, error)
	ListActiveToolRuns(ctx context.Context, branchID uuid.UUID) ([]model.ToolRun, error)

	CreateDecision(ctx context.Context, d model.RunDecision) error
	GetDecision(ctx context.Context, id uuid.UUID) (model.RunDecision, error)
	UpdateDecision(ctx context.Context, d model.RunDecision) error
	ListDecisions(ctx context.Context, runID uuid.UUID) ([]model.RunDecision, error)
	ListOpenDecisions(ctx context.Context, branchID uuid.UUID) ([]model.RunDecision, error)

	// AppendEvent stores e and sets its Sequence.
	AppendEvent(ctx context.Context, e *model.ProcessEvent) error
	ListEvents(ctx context.Context, branchID uuid.UUID, afterSeq int64, limit int) ([]model.ProcessEvent, error)

	// EnqueueMessage assigns the next position for the branch.
	EnqueueMessage(ctx context.Context, item model.QueueItem) (model.QueueItem, error)
	// PopNextQueued consumes the lowest-position pending item. It returns
	// ErrNotFound when the queue is empty.
	PopNextQueued(ctx context.Context, branchID uuid.UUID) (model.QueueItem, error)
	ListQueue(ctx context.Context, branchID uuid.UUID) ([]model.QueueItem, error)

	Close(ctx context.Context)
}

var _ Store = (*DB)(nil)
