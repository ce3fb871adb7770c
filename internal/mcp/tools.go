package mcp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/service/engine"
)

const defaultEventLimit = 50

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("conductor_send_message",
			mcplib.WithDescription(`Send a user message to a branch and start or queue an agent run.

MODES:
- direct (default): answers a run waiting for input by superseding it,
  preempts a scheduled loop when the server allows it, otherwise queues.
- queue: appends the message to the branch queue; it runs when the branch
  is idle.
- interrupt: cancels the active run and starts this message immediately.

WHAT YOU GET BACK: outcome ("started" or "queued"), the run_id when a run
was created, and the queue item when the message waits. Poll
conductor_run_status or conductor_branch_events to follow progress.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("branch_id",
				mcplib.Description("Branch to send the message to"),
				mcplib.Required(),
			),
			mcplib.WithString("content",
				mcplib.Description("Message text"),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description("Intake mode"),
				mcplib.Enum(string(model.ModeDirect), string(model.ModeQueue), string(model.ModeInterrupt)),
			),
		),
		s.handleSendMessage,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("conductor_resolve_decision",
			mcplib.WithDescription(`Answer an open decision on a run that is waiting for input.

Approving re-runs the gated tool calls with approval; rejecting skips them.
Either way the run resumes. Read the decision's options from
conductor_run_status first.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run the decision belongs to"), mcplib.Required()),
			mcplib.WithString("decision_id", mcplib.Description("Decision to resolve"), mcplib.Required()),
			mcplib.WithString("option_id", mcplib.Description("Chosen option ID, e.g. approve or reject"), mcplib.Required()),
			mcplib.WithString("note", mcplib.Description("Optional note recorded with the answer")),
		),
		s.handleResolveDecision,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("conductor_interrupt",
			mcplib.WithDescription("Cancel the active run on a branch. The next queued message, if any, starts afterwards."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("branch_id", mcplib.Description("Branch to interrupt"), mcplib.Required()),
		),
		s.handleInterrupt,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("conductor_run_status",
			mcplib.WithDescription("Get a run's status, its tool runs and its decisions."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run to inspect"), mcplib.Required()),
		),
		s.handleRunStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("conductor_branch_events",
			mcplib.WithDescription(`List a branch's process events in sequence order.

Pass the last sequence you saw as after_seq to page forward without gaps
or duplicates.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("branch_id", mcplib.Description("Branch to read"), mcplib.Required()),
			mcplib.WithNumber("after_seq",
				mcplib.Description("Return events with a sequence greater than this"),
				mcplib.Min(0),
				mcplib.DefaultNumber(0),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of events to return"),
				mcplib.Min(1),
				mcplib.Max(engine.MaxEventPage),
				mcplib.DefaultNumber(defaultEventLimit),
			),
		),
		s.handleBranchEvents,
	)
}

func (s *Server) handleSendMessage(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !canWrite(ctx) {
		return errorResult("viewers cannot send messages"), nil
	}
	b, err := s.visibleBranch(ctx, request.GetString("branch_id", ""))
	if err != nil {
		return s.serviceErrorResult("send message", err), nil
	}
	mode := model.IntakeMode(request.GetString("mode", ""))
	switch mode {
	case "", model.ModeDirect, model.ModeQueue, model.ModeInterrupt:
	default:
		return errorResult(fmt.Sprintf("unknown mode %q", mode)), nil
	}

	resp, err := s.engine.SendMessage(ctx, engine.SendInput{
		BranchID: b.ID,
		Content:  request.GetString("content", ""),
		Mode:     mode,
		Actor:    identity(ctx).Actor,
	})
	if err != nil {
		return s.serviceErrorResult("send message", err), nil
	}
	return jsonResult(resp), nil
}

func (s *Server) handleResolveDecision(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !canWrite(ctx) {
		return errorResult("viewers cannot resolve decisions"), nil
	}
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}
	decisionID, err := uuid.Parse(request.GetString("decision_id", ""))
	if err != nil {
		return errorResult("decision_id must be a UUID"), nil
	}
	optionID := request.GetString("option_id", "")
	if optionID == "" {
		return errorResult("option_id is required"), nil
	}
	if _, err := s.visibleRun(ctx, runID); err != nil {
		return s.serviceErrorResult("resolve decision", err), nil
	}

	dec, err := s.engine.ResolveDecision(ctx, engine.ResolveInput{
		RunID:      runID,
		DecisionID: decisionID,
		OptionID:   optionID,
		Note:       request.GetString("note", ""),
		Actor:      identity(ctx).Actor,
	})
	if err != nil {
		return s.serviceErrorResult("resolve decision", err), nil
	}
	return jsonResult(compactDecision(dec)), nil
}

func (s *Server) handleInterrupt(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if !canWrite(ctx) {
		return errorResult("viewers cannot interrupt runs"), nil
	}
	b, err := s.visibleBranch(ctx, request.GetString("branch_id", ""))
	if err != nil {
		return s.serviceErrorResult("interrupt", err), nil
	}
	cancelled, next, err := s.engine.Interrupt(ctx, b.ID)
	if err != nil {
		return s.serviceErrorResult("interrupt", err), nil
	}
	if cancelled == nil {
		cancelled = []uuid.UUID{}
	}
	out := map[string]any{"cancelled_run_ids": cancelled}
	if next != nil {
		out["next_run"] = compactRun(*next)
	}
	return jsonResult(out), nil
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}
	view, err := s.visibleRun(ctx, runID)
	if err != nil {
		return s.serviceErrorResult("run status", err), nil
	}
	return jsonResult(compactRunView(view)), nil
}

func (s *Server) handleBranchEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	b, err := s.visibleBranch(ctx, request.GetString("branch_id", ""))
	if err != nil {
		return s.serviceErrorResult("branch events", err), nil
	}
	afterSeq := request.GetInt("after_seq", 0)
	if afterSeq < 0 {
		return errorResult("after_seq must be non-negative"), nil
	}
	limit := request.GetInt("limit", defaultEventLimit)

	evs, err := s.engine.ListEvents(ctx, b.ID, int64(afterSeq), limit)
	if err != nil {
		return s.serviceErrorResult("branch events", err), nil
	}
	out := make([]map[string]any, 0, len(evs))
	for _, e := range evs {
		out = append(out, compactEvent(e))
	}
	var last int64
	if len(evs) > 0 {
		last = evs[len(evs)-1].Sequence
	}
	return jsonResult(map[string]any{
		"events":   out,
		"last_seq": last,
	}), nil
}

// visibleRun loads a run view and checks its branch is visible to the caller.
func (s *Server) visibleRun(ctx context.Context, runID uuid.UUID) (model.RunView, error) {
	view, err := s.engine.GetRun(ctx, runID)
	if err != nil {
		return model.RunView{}, err
	}
	if _, err := s.visibleBranch(ctx, view.Run.BranchID.String()); err != nil {
		return model.RunView{}, engine.ErrRunNotFound
	}
	return view, nil
}
