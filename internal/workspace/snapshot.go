package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/conductor/internal/model"
)

// Snapshot limits.
const (
	sampleRows      = 3
	maxEvidence     = 12
	recentMessages  = 12
	recentToolRuns  = 24
	maxQueuedInView = 10
)

// SectionSummary describes one section's contents.
type SectionSummary struct {
	Name    string            `json:"name"`
	Title   string            `json:"title"`
	Mutable bool              `json:"mutable"`
	Count   int               `json:"count"`
	Sample  []model.RowSample `json:"sample,omitempty"`
}

// Snapshot is a read-only view of workspace and branch state, taken at the
// start of an engine step.
type Snapshot struct {
	WorkspaceID    string              `json:"workspace_id"`
	BranchID       uuid.UUID           `json:"branch_id"`
	Sections       []SectionSummary    `json:"sections"`
	Evidence       []model.Evidence    `json:"evidence"`
	QueuedMessages []model.QueueItem   `json:"queued_messages"`
	OpenDecisions  []model.RunDecision `json:"open_decisions"`
	RecentMessages []model.Message     `json:"recent_messages"`
	AssembledAt    time.Time           `json:"assembled_at"`
}

// Section returns the summary for a named section.
func (s *Snapshot) Section(name string) (SectionSummary, bool) {
	for _, sec := range s.Sections {
		if sec.Name == name {
			return sec, true
		}
	}
	return SectionSummary{}, false
}

// RecordSource reads business records.
type RecordSource interface {
	CountRecords(ctx context.Context, workspaceID string) (map[string]int, error)
	ListRecords(ctx context.Context, workspaceID, section, query string, limit int) ([]model.RowSample, error)
}

// BranchReader reads the branch state a snapshot includes.
type BranchReader interface {
	ListMessages(ctx context.Context, branchID uuid.UUID) ([]model.Message, error)
	ListQueue(ctx context.Context, branchID uuid.UUID) ([]model.QueueItem, error)
	ListOpenDecisions(ctx context.Context, branchID uuid.UUID) ([]model.RunDecision, error)
	ListRuns(ctx context.Context, branchID uuid.UUID) ([]model.AgentRun, error)
	ListToolRuns(ctx context.Context, runID uuid.UUID) ([]model.ToolRun, error)
}

// Assembler builds snapshots. Concurrent requests for the same branch share
// one in-flight read; nothing is cached after it completes.
type Assembler struct {
	catalog *Catalog
	records RecordSource
	store   BranchReader
	logger  *slog.Logger
	group   singleflight.Group
}

// NewAssembler creates an Assembler. records may be nil, in which case
// sections are reported empty.
func NewAssembler(catalog *Catalog, records RecordSource, store BranchReader, logger *slog.Logger) *Assembler {
	return &Assembler{catalog: catalog, records: records, store: store, logger: logger}
}

// Assemble reads a fresh snapshot for a branch.
func (a *Assembler) Assemble(ctx context.Context, workspaceID string, branchID uuid.UUID) (*Snapshot, error) {
	v, err, _ := a.group.Do(workspaceID+"/"+branchID.String(), func() (any, error) {
		return a.assemble(ctx, workspaceID, branchID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (a *Assembler) assemble(ctx context.Context, workspaceID string, branchID uuid.UUID) (*Snapshot, error) {
	snap := &Snapshot{
		WorkspaceID:    workspaceID,
		BranchID:       branchID,
		Sections:       []SectionSummary{},
		Evidence:       []model.Evidence{},
		QueuedMessages: []model.QueueItem{},
		OpenDecisions:  []model.RunDecision{},
		RecentMessages: []model.Message{},
		AssembledAt:    time.Now().UTC(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sections, err := a.sections(gctx, workspaceID)
		if err != nil {
			return err
		}
		snap.Sections = sections
		return nil
	})
	g.Go(func() error {
		msgs, err := a.store.ListMessages(gctx, branchID)
		if err != nil {
			return fmt.Errorf("workspace: list messages: %w", err)
		}
		if len(msgs) > recentMessages {
			msgs = msgs[len(msgs)-recentMessages:]
		}
		if msgs != nil {
			snap.RecentMessages = msgs
		}
		return nil
	})
	g.Go(func() error {
		queue, err := a.store.ListQueue(gctx, branchID)
		if err != nil {
			return fmt.Errorf("workspace: list queue: %w", err)
		}
		if len(queue) > maxQueuedInView {
			queue = queue[:maxQueuedInView]
		}
		if queue != nil {
			snap.QueuedMessages = queue
		}
		return nil
	})
	g.Go(func() error {
		open, err := a.store.ListOpenDecisions(gctx, branchID)
		if err != nil {
			return fmt.Errorf("workspace: list open decisions: %w", err)
		}
		if open != nil {
			snap.OpenDecisions = open
		}
		return nil
	})
	g.Go(func() error {
		ev, err := a.evidence(gctx, branchID)
		if err != nil {
			return err
		}
		snap.Evidence = ev
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (a *Assembler) sections(ctx context.Context, workspaceID string) ([]SectionSummary, error) {
	out := make([]SectionSummary, 0, len(a.catalog.sections))
	var counts map[string]int
	if a.records != nil {
		var err error
		counts, err = a.records.CountRecords(ctx, workspaceID)
		if err != nil {
			return nil, fmt.Errorf("workspace: count records: %w", err)
		}
	}
	for _, name := range a.catalog.Names() {
		sec, _ := a.catalog.Section(name)
		sum := SectionSummary{Name: name, Title: sec.Title, Mutable: sec.Mutable, Count: counts[name]}
		if sum.Count > 0 {
			rows, err := a.records.ListRecords(ctx, workspaceID, name, "", sampleRows)
			if err != nil {
				// A sample is optional; the count is still useful.
				a.logger.Warn("workspace: sample records", "section", name, "error", err)
			}
			sum.Sample = rows
		}
		out = append(out, sum)
	}
	return out, nil
}

// evidence collects evidence from the branch's most recent tool runs,
// newest first, de-duplicated by URL or title.
func (a *Assembler) evidence(ctx context.Context, branchID uuid.UUID) ([]model.Evidence, error) {
	runs, err := a.store.ListRuns(ctx, branchID)
	if err != nil {
		return nil, fmt.Errorf("workspace: list runs: %w", err)
	}
	out := []model.Evidence{}
	seen := make(map[string]bool)
	scanned := 0
	for i := len(runs) - 1; i >= 0 && len(out) < maxEvidence && scanned < recentToolRuns; i-- {
		trs, err := a.store.ListToolRuns(ctx, runs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("workspace: list tool runs: %w", err)
		}
		for j := len(trs) - 1; j >= 0 && len(out) < maxEvidence; j-- {
			scanned++
			tr := trs[j]
			if tr.Status != model.ToolRunDone || tr.Result == nil {
				continue
			}
			for _, ev := range tr.Result.Evidence {
				key := ev.URL
				if key == "" {
					key = ev.Title
				}
				if seen[key] {
					continue
				}
				seen[key] = true
				out = append(out, ev)
				if len(out) >= maxEvidence {
					break
				}
			}
		}
	}
	return out, nil
}
