// Package memstore is an in-memory implementation of storage.Store used in
// tests and single-process development setups without Postgres.
//
// Entities are deep-copied on the way in and on the way out, so callers
// never share mutable state with the store.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/storage"
)

// Store keeps every entity in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	threads   map[uuid.UUID]model.Thread
	branches  map[uuid.UUID]model.Branch
	messages  map[uuid.UUID][]model.Message
	runs      map[uuid.UUID]model.AgentRun
	runOrder  []uuid.UUID
	toolRuns  map[uuid.UUID]model.ToolRun
	toolOrder []uuid.UUID
	decisions map[uuid.UUID]model.RunDecision
	decOrder  []uuid.UUID
	events    map[uuid.UUID][]model.ProcessEvent
	eventSeq  int64
	queue     map[uuid.UUID][]model.QueueItem
	queuePos  map[uuid.UUID]int64
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		threads:   map[uuid.UUID]model.Thread{},
		branches:  map[uuid.UUID]model.Branch{},
		messages:  map[uuid.UUID][]model.Message{},
		runs:      map[uuid.UUID]model.AgentRun{},
		toolRuns:  map[uuid.UUID]model.ToolRun{},
		decisions: map[uuid.UUID]model.RunDecision{},
		events:    map[uuid.UUID][]model.ProcessEvent{},
		queue:     map[uuid.UUID][]model.QueueItem{},
		queuePos:  map[uuid.UUID]int64{},
	}
}

// clone deep-copies v through its JSON form.
func clone[T any](v T) T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("memstore: clone %T: %v", v, err))
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("memstore: clone %T: %v", v, err))
	}
	return out
}

func notFound(kind string, id uuid.UUID) error {
	return fmt.Errorf("memstore: %s %s: %w", kind, id, storage.ErrNotFound)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close(context.Context) {}

func (s *Store) CreateThread(_ context.Context, t model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[t.ID] = clone(t)
	return nil
}

func (s *Store) GetThread(_ context.Context, id uuid.UUID) (model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return model.Thread{}, notFound("thread", id)
	}
	return clone(t), nil
}

func (s *Store) CreateBranch(_ context.Context, b model.Branch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[b.ThreadID]; !ok {
		return notFound("thread", b.ThreadID)
	}
	s.branches[b.ID] = clone(b)
	return nil
}

func (s *Store) GetBranch(_ context.Context, id uuid.UUID) (model.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.branches[id]
	if !ok {
		return model.Branch{}, notFound("branch", id)
	}
	return clone(b), nil
}

func (s *Store) ListBranches(_ context.Context, threadID uuid.UUID) ([]model.Branch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Branch
	for _, b := range s.branches {
		if b.ThreadID == threadID {
			out = append(out, clone(b))
		}
	}
	slices.SortFunc(out, func(a, b model.Branch) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) CreateMessages(_ context.Context, msgs []model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if _, ok := s.branches[m.BranchID]; !ok {
			return notFound("branch", m.BranchID)
		}
	}
	for _, m := range msgs {
		s.messages[m.BranchID] = append(s.messages[m.BranchID], clone(m))
	}
	return nil
}

func (s *Store) ListMessages(_ context.Context, branchID uuid.UUID) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return clone(s.messages[branchID]), nil
}

func (s *Store) CreateRun(_ context.Context, r model.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("memstore: run %s: %w", r.ID, storage.ErrDuplicate)
	}
	s.runs[r.ID] = clone(r)
	s.runOrder = append(s.runOrder, r.ID)
	return nil
}

func (s *Store) GetRun(_ context.Context, id uuid.UUID) (model.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return model.AgentRun{}, notFound("run", id)
	}
	return clone(r), nil
}

func (s *Store) UpdateRun(_ context.Context, r model.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[r.ID]
	if !ok {
		return notFound("run", r.ID)
	}
	// Immutable columns keep their stored values.
	r.BranchID, r.MessageID, r.Trigger, r.Input, r.Actor, r.CreatedAt = cur.BranchID, cur.MessageID, cur.Trigger, cur.Input, cur.Actor, cur.CreatedAt
	s.runs[r.ID] = clone(r)
	return nil
}

func (s *Store) listRuns(branchID uuid.UUID, keep func(model.AgentRun) bool) []model.AgentRun {
	var out []model.AgentRun
	for _, id := range s.runOrder {
		r := s.runs[id]
		if r.BranchID == branchID && keep(r) {
			out = append(out, clone(r))
		}
	}
	return out
}

func (s *Store) ListRuns(_ context.Context, branchID uuid.UUID) ([]model.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRuns(branchID, func(model.AgentRun) bool { return true }), nil
}

func (s *Store) ListActiveRuns(_ context.Context, branchID uuid.UUID) ([]model.AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRuns(branchID, func(r model.AgentRun) bool { return r.Status.Active() }), nil
}

func (s *Store) CreateToolRun(_ context.Context, tr model.ToolRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[tr.RunID]; !ok {
		return notFound("run", tr.RunID)
	}
	for _, id := range s.toolOrder {
		existing := s.toolRuns[id]
		if existing.RunID == tr.RunID && existing.IdentityKey == tr.IdentityKey {
			return fmt.Errorf("memstore: tool run %s/%s: %w", tr.RunID, tr.ToolName, storage.ErrDuplicate)
		}
	}
	s.toolRuns[tr.ID] = clone(tr)
	s.toolOrder = append(s.toolOrder, tr.ID)
	return nil
}

func (s *Store) GetToolRun(_ context.Context, id uuid.UUID) (model.ToolRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.toolRuns[id]
	if !ok {
		return model.ToolRun{}, notFound("tool run", id)
	}
	return clone(tr), nil
}

func (s *Store) UpdateToolRun(_ context.Context, tr model.ToolRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.toolRuns[tr.ID]
	if !ok {
		return notFound("tool run", tr.ID)
	}
	cur.Status = tr.Status
	cur.Result = tr.Result
	cur.Artifacts = tr.Artifacts
	cur.Approved = tr.Approved
	cur.StartedAt = tr.StartedAt
	cur.FinishedAt = tr.FinishedAt
	s.toolRuns[tr.ID] = clone(cur)
	return nil
}

func (s *Store) ListToolRuns(_ context.Context, runID uuid.UUID) ([]model.ToolRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ToolRun
	for _, id := range s.toolOrder {
		if tr := s.toolRuns[id]; tr.RunID == runID {
			out = append(out, clone(tr))
		}
	}
	return out, nil
}

func (s *Store) ListActiveToolRuns(_ context.Context, branchID uuid.UUID) ([]model.ToolRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.ToolRun
	for _, id := range s.toolOrder {
		if tr := s.toolRuns[id]; tr.BranchID == branchID && tr.Status.Pending() {
			out = append(out, clone(tr))
		}
	}
	return out, nil
}

func (s *Store) CreateDecision(_ context.Context, d model.RunDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.ID] = clone(d)
	s.decOrder = append(s.decOrder, d.ID)
	return nil
}

func (s *Store) GetDecision(_ context.Context, id uuid.UUID) (model.RunDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return model.RunDecision{}, notFound("decision", id)
	}
	return clone(d), nil
}

func (s *Store) UpdateDecision(_ context.Context, d model.RunDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.decisions[d.ID]
	if !ok {
		return notFound("decision", d.ID)
	}
	cur.Status = d.Status
	cur.ResolvedOption = d.ResolvedOption
	cur.Outcome = d.Outcome
	cur.Note = d.Note
	cur.ResolvedAt = d.ResolvedAt
	s.decisions[d.ID] = clone(cur)
	return nil
}

func (s *Store) ListDecisions(_ context.Context, runID uuid.UUID) ([]model.RunDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RunDecision
	for _, id := range s.decOrder {
		if d := s.decisions[id]; d.RunID == runID {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func (s *Store) ListOpenDecisions(_ context.Context, branchID uuid.UUID) ([]model.RunDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.RunDecision
	for _, id := range s.decOrder {
		if d := s.decisions[id]; d.BranchID == branchID && d.Status == model.DecisionOpen {
			out = append(out, clone(d))
		}
	}
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, e *model.ProcessEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeq++
	e.Sequence = s.eventSeq
	s.events[e.BranchID] = append(s.events[e.BranchID], clone(*e))
	return nil
}

func (s *Store) ListEvents(_ context.Context, branchID uuid.UUID, afterSeq int64, limit int) ([]model.ProcessEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 500
	}
	var out []model.ProcessEvent
	for _, e := range s.events[branchID] {
		if e.Sequence <= afterSeq {
			continue
		}
		out = append(out, clone(e))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) EnqueueMessage(_ context.Context, item model.QueueItem) (model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queuePos[item.BranchID]++
	item.Position = s.queuePos[item.BranchID]
	item.Consumed = false
	s.queue[item.BranchID] = append(s.queue[item.BranchID], clone(item))
	return item, nil
}

func (s *Store) PopNextQueued(_ context.Context, branchID uuid.UUID) (model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queue[branchID]
	best := -1
	for i, q := range items {
		if q.Consumed {
			continue
		}
		if best < 0 || q.Position < items[best].Position {
			best = i
		}
	}
	if best < 0 {
		return model.QueueItem{}, fmt.Errorf("memstore: queue %s empty: %w", branchID, storage.ErrNotFound)
	}
	now := time.Now().UTC()
	items[best].Consumed = true
	items[best].ConsumedAt = &now
	return clone(items[best]), nil
}

func (s *Store) ListQueue(_ context.Context, branchID uuid.UUID) ([]model.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.QueueItem
	for _, q := range s.queue[branchID] {
		if !q.Consumed {
			out = append(out, clone(q))
		}
	}
	slices.SortFunc(out, func(a, b model.QueueItem) int { return int(a.Position - b.Position) })
	return out, nil
}
