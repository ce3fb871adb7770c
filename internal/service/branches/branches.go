// Package branches holds thread and branch operations shared by the HTTP
// API and the MCP server: creating threads, forking branches and reading
// branch history.
package branches

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/storage"
	"github.com/ashita-ai/conductor/internal/telemetry"
)

// MainBranch is the name of the branch every thread starts with.
const MainBranch = "main"

var (
	ErrThreadNotFound  = errors.New("branches: thread not found")
	ErrBranchNotFound  = errors.New("branches: branch not found")
	ErrMessageNotFound = errors.New("branches: fork message not in branch")
	ErrInvalidInput    = errors.New("branches: invalid input")
)

// Service encapsulates thread and branch logic.
type Service struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time

	forks metric.Int64Counter
}

// New creates a branch Service.
func New(store storage.Store, logger *slog.Logger) *Service {
	forks, _ := telemetry.Meter("conductor/branches").Int64Counter("conductor.branches.forked",
		metric.WithDescription("Branches created by forking"),
	)
	return &Service{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		forks:  forks,
	}
}

// CreateThread creates a thread together with its main branch.
func (s *Service) CreateThread(ctx context.Context, workspaceID, title string) (model.Thread, model.Branch, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return model.Thread{}, model.Branch{}, fmt.Errorf("%w: workspace_id is required", ErrInvalidInput)
	}
	now := s.now()
	th := model.Thread{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Title:       strings.TrimSpace(title),
		CreatedAt:   now,
	}
	if err := s.store.CreateThread(ctx, th); err != nil {
		return model.Thread{}, model.Branch{}, fmt.Errorf("branches: create thread: %w", err)
	}
	b := model.Branch{
		ID:          uuid.New(),
		ThreadID:    th.ID,
		WorkspaceID: workspaceID,
		Name:        MainBranch,
		CreatedAt:   now,
	}
	if err := s.store.CreateBranch(ctx, b); err != nil {
		return model.Thread{}, model.Branch{}, fmt.Errorf("branches: create main branch: %w", err)
	}
	s.logger.Info("branches: thread created", "thread_id", th.ID, "branch_id", b.ID, "workspace_id", workspaceID)
	return th, b, nil
}

// GetBranch returns one branch.
func (s *Service) GetBranch(ctx context.Context, id uuid.UUID) (model.Branch, error) {
	b, err := s.store.GetBranch(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Branch{}, ErrBranchNotFound
	}
	if err != nil {
		return model.Branch{}, fmt.Errorf("branches: get branch: %w", err)
	}
	return b, nil
}

// ListBranches returns the branches of a thread.
func (s *Service) ListBranches(ctx context.Context, threadID uuid.UUID) ([]model.Branch, error) {
	if _, err := s.store.GetThread(ctx, threadID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("branches: get thread: %w", err)
	}
	out, err := s.store.ListBranches(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("branches: list branches: %w", err)
	}
	return out, nil
}

// Messages returns a branch's history in creation order.
func (s *Service) Messages(ctx context.Context, branchID uuid.UUID) ([]model.Message, error) {
	if _, err := s.GetBranch(ctx, branchID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("branches: list messages: %w", err)
	}
	return msgs, nil
}

// ForkInput describes a fork. A nil FromMessageID copies the whole branch.
type ForkInput struct {
	BranchID      uuid.UUID
	FromMessageID *uuid.UUID
	Name          string
}

// ForkBranch creates a sibling branch holding a copy of the source
// history, up to and including the fork point. Copies get fresh IDs and
// their parent links are remapped onto the copies. Runs, tool runs and
// decisions stay with the source branch.
func (s *Service) ForkBranch(ctx context.Context, in ForkInput) (model.Branch, error) {
	src, err := s.GetBranch(ctx, in.BranchID)
	if err != nil {
		return model.Branch{}, err
	}
	msgs, err := s.store.ListMessages(ctx, src.ID)
	if err != nil {
		return model.Branch{}, fmt.Errorf("branches: list messages: %w", err)
	}
	if in.FromMessageID != nil {
		cut := -1
		for i, m := range msgs {
			if m.ID == *in.FromMessageID {
				cut = i
				break
			}
		}
		if cut < 0 {
			return model.Branch{}, ErrMessageNotFound
		}
		msgs = msgs[:cut+1]
	}

	name := strings.TrimSpace(in.Name)
	if name == "" {
		name = fmt.Sprintf("fork-%s", s.now().Format("20060102-150405"))
	}
	parent := src.ID
	b := model.Branch{
		ID:                  uuid.New(),
		ThreadID:            src.ThreadID,
		WorkspaceID:         src.WorkspaceID,
		Name:                name,
		ParentBranchID:      &parent,
		ForkedFromMessageID: in.FromMessageID,
		CreatedAt:           s.now(),
	}
	if err := s.store.CreateBranch(ctx, b); err != nil {
		return model.Branch{}, fmt.Errorf("branches: create fork: %w", err)
	}

	copies := remapMessages(msgs, b.ID)
	if len(copies) > 0 {
		if err := s.store.CreateMessages(ctx, copies); err != nil {
			return model.Branch{}, fmt.Errorf("branches: copy messages: %w", err)
		}
	}
	s.forks.Add(ctx, 1)
	s.logger.Info("branches: branch forked",
		"branch_id", b.ID, "parent_branch_id", src.ID, "messages", len(copies))
	return b, nil
}

// remapMessages copies msgs onto branchID with fresh IDs. Parent links
// pointing outside the copied set are cleared.
func remapMessages(msgs []model.Message, branchID uuid.UUID) []model.Message {
	ids := make(map[uuid.UUID]uuid.UUID, len(msgs))
	for _, m := range msgs {
		ids[m.ID] = uuid.New()
	}
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		c := m
		c.ID = ids[m.ID]
		c.BranchID = branchID
		c.ParentID = nil
		if m.ParentID != nil {
			if p, ok := ids[*m.ParentID]; ok {
				c.ParentID = &p
			}
		}
		c.Metadata = maps.Clone(m.Metadata)
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		c.Metadata["forked_from"] = m.ID.String()
		out = append(out, c)
	}
	return out
}
