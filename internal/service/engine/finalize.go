package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/service/pipeline"
	"github.com/ashita-ai/conductor/internal/tools"
)

// pendingDecision is a decision request about to be recorded, with the
// tool runs its resolution applies to.
type pendingDecision struct {
	req        model.DecisionRequest
	toolRunIDs []uuid.UUID
}

// finalize runs tools, gates on decisions, auto-continues and writes the
// final message. Each loop iteration is one continuation depth.
func (e *Engine) finalize(ctx context.Context, st *runState) (model.RunStatus, error) {
	run := st.run
	var (
		trs     []model.ToolRun
		summary pipeline.Summary
	)
	for {
		if err := e.runPendingTools(ctx, st); err != nil {
			return "", err
		}
		var err error
		trs, err = e.store.ListToolRuns(ctx, run.ID)
		if err != nil {
			return "", fmt.Errorf("engine: list tool runs: %w", err)
		}
		approved, err := e.approvedKeys(ctx, run.ID)
		if err != nil {
			return "", err
		}
		if reqs := toolDecisions(trs, approved); len(reqs) > 0 {
			if err := e.park(ctx, st, reqs, true); err != nil {
				return "", err
			}
			return model.RunStatusWaitingUser, nil
		}

		if err := e.checkpoint(ctx, run); err != nil {
			return "", err
		}
		var o pipeline.Outcome
		summary, o = e.pipeline.Summarize(ctx, pipeline.SummaryInput{
			Message: run.Input,
			Goal:    run.Plan.Goal,
			Results: pipeline.OutcomesFromToolRuns(trs),
		})
		e.noteStage(ctx, st, o)

		depth := run.Plan.ContinuationDepth
		if !run.Policy.AutoContinue || depth >= run.Policy.MaxAutoContinuations {
			break
		}
		calls := e.continuationCalls(run, trs, summary)
		if len(calls) == 0 {
			break
		}
		created, err := e.ensureToolRuns(ctx, st, calls, depth+1)
		if err != nil {
			return "", err
		}
		if len(created) == 0 {
			break
		}
		run.Plan.ContinuationDepth = depth + 1
		if err := e.transition(ctx, run, run.Status); err != nil {
			return "", err
		}
		e.emit(ctx, run.BranchID, event{
			name:    model.EventRunProgress,
			message: fmt.Sprintf("auto-continuing with %d tool(s)", len(created)),
			runID:   run.ID,
			data:    map[string]any{"continuation_depth": run.Plan.ContinuationDepth},
		})
	}
	return e.complete(ctx, st, trs, summary)
}

// complete runs the writer and validator, persists the final message and
// either parks on new blocking decisions or marks the run done.
func (e *Engine) complete(ctx context.Context, st *runState, trs []model.ToolRun, summary pipeline.Summary) (model.RunStatus, error) {
	run := st.run
	if err := e.checkpoint(ctx, run); err != nil {
		return "", err
	}
	e.emit(ctx, run.BranchID, event{name: model.EventRunWriting, message: "writing response", runID: run.ID})
	results := pipeline.OutcomesFromToolRuns(trs)
	draft, o := e.pipeline.Write(ctx, pipeline.WriteInput{
		Message: run.Input,
		Goal:    run.Plan.Goal,
		Steps:   run.Plan.Steps,
		Style:   run.Plan.ResponseStyle,
		Summary: summary,
		Results: results,
	})
	e.noteStage(ctx, st, o)

	known, err := e.decisionKeys(ctx, run.ID)
	if err != nil {
		return "", err
	}
	var blocking, advisory []pendingDecision
	for _, d := range draft.Decisions {
		if known[d.Key] {
			continue
		}
		known[d.Key] = true
		if d.Blocking {
			blocking = append(blocking, pendingDecision{req: d})
		} else {
			advisory = append(advisory, pendingDecision{req: d})
		}
	}
	for _, tr := range trs {
		if tr.Result == nil {
			continue
		}
		for _, d := range tr.Result.Decisions {
			if !d.Blocking && !known[d.Key] {
				known[d.Key] = true
				advisory = append(advisory, pendingDecision{req: d, toolRunIDs: []uuid.UUID{tr.ID}})
			}
		}
	}

	if err := e.checkpoint(ctx, run); err != nil {
		return "", err
	}
	verdict, o := e.pipeline.Validate(ctx, pipeline.ValidateInput{
		Message:  run.Input,
		Response: draft.Response,
		Facts:    summary.Facts,
	})
	e.noteStage(ctx, st, o)

	if err := e.checkpoint(ctx, run); err != nil {
		return "", err
	}
	content := e.composeFinal(draft, verdict, trs, blocking)
	metadata := map[string]any{
		"kind":       "final",
		"trace":      draft.Trace,
		"actions":    draft.Actions,
		"validation": verdict,
	}
	if len(st.fallbacks) > 0 {
		metadata["fallback_stages"] = st.fallbacks
	}

	status := model.RunStatusDone
	if len(blocking) > 0 {
		status = model.RunStatusWaitingUser
	}
	err = e.locked(ctx, run, func() error {
		msg, err := e.appendAssistantMessage(ctx, run, content, metadata)
		if err != nil {
			return err
		}
		run.ResultMessage = &msg.ID
		if _, err := e.recordDecisions(ctx, run, advisory); err != nil {
			return err
		}
		if _, err := e.recordDecisions(ctx, run, blocking); err != nil {
			return err
		}
		return e.setStatus(ctx, run, status)
	})
	if err != nil {
		return "", err
	}

	if status == model.RunStatusWaitingUser {
		e.emit(ctx, run.BranchID, event{
			name:    model.EventRunWaitingInput,
			message: fmt.Sprintf("waiting for %d decision(s)", len(blocking)),
			runID:   run.ID,
		})
		return status, nil
	}
	e.emit(ctx, run.BranchID, event{
		name:    model.EventRunCompleted,
		message: "run completed",
		runID:   run.ID,
		data:    map[string]any{"message_id": run.ResultMessage},
	})
	st.logger.Info("engine: run completed",
		"tool_runs", len(trs), "depth", run.Plan.ContinuationDepth, "fallbacks", len(st.fallbacks))
	return status, nil
}

// park records blocking decisions, optionally writes a decision prompt
// message, and moves the run to waiting_user, all under the intake lock.
func (e *Engine) park(ctx context.Context, st *runState, reqs []pendingDecision, prompt bool) error {
	run := st.run
	err := e.locked(ctx, run, func() error {
		decs, err := e.recordDecisions(ctx, run, reqs)
		if err != nil {
			return err
		}
		if prompt {
			ids := make([]string, 0, len(decs))
			for _, d := range decs {
				ids = append(ids, d.ID.String())
			}
			if _, err := e.appendAssistantMessage(ctx, run, decisionPrompt(reqs, true), map[string]any{
				"kind":         "decision_request",
				"decision_ids": ids,
			}); err != nil {
				return err
			}
		}
		return e.setStatus(ctx, run, model.RunStatusWaitingUser)
	})
	if err != nil {
		return err
	}
	e.emit(ctx, run.BranchID, event{
		name:    model.EventRunWaitingInput,
		message: fmt.Sprintf("waiting for %d decision(s)", len(reqs)),
		runID:   run.ID,
	})
	st.logger.Info("engine: run waiting for decisions", "count", len(reqs))
	return nil
}

// recordDecisions stores decision requests against the run and emits a
// decision.required event for each blocking one.
func (e *Engine) recordDecisions(ctx context.Context, run *model.AgentRun, reqs []pendingDecision) ([]model.RunDecision, error) {
	ctx = context.WithoutCancel(ctx)
	out := make([]model.RunDecision, 0, len(reqs))
	for _, p := range reqs {
		d := model.RunDecision{
			ID:            uuid.New(),
			RunID:         run.ID,
			BranchID:      run.BranchID,
			Key:           p.req.Key,
			Title:         p.req.Title,
			Prompt:        p.req.Prompt,
			Options:       p.req.Options,
			DefaultOption: p.req.DefaultOption,
			Blocking:      p.req.Blocking,
			Source:        p.req.Source,
			ToolRunIDs:    p.toolRunIDs,
			Status:        model.DecisionOpen,
			CreatedAt:     e.now(),
		}
		if len(d.Options) == 0 {
			d.Options = model.ApproveRejectOptions()
		}
		if err := e.store.CreateDecision(ctx, d); err != nil {
			return nil, fmt.Errorf("engine: create decision: %w", err)
		}
		if d.Blocking {
			e.emit(ctx, run.BranchID, event{
				name:    model.EventDecisionRequired,
				message: "decision required: " + d.Title,
				runID:   run.ID,
				data: map[string]any{
					"decision_id": d.ID,
					"key":         d.Key,
					"title":       d.Title,
					"options":     d.Options,
				},
			})
		}
		out = append(out, d)
	}
	return out, nil
}

func (e *Engine) appendAssistantMessage(ctx context.Context, run *model.AgentRun, content string, metadata map[string]any) (model.Message, error) {
	ctx = context.WithoutCancel(ctx)
	msgs, err := e.store.ListMessages(ctx, run.BranchID)
	if err != nil {
		return model.Message{}, fmt.Errorf("engine: list messages: %w", err)
	}
	runID := run.ID
	msg := model.Message{
		ID:        uuid.New(),
		BranchID:  run.BranchID,
		Role:      model.RoleAssistant,
		Content:   content,
		RunID:     &runID,
		Metadata:  metadata,
		CreatedAt: e.now(),
	}
	if len(msgs) > 0 {
		parent := msgs[len(msgs)-1].ID
		msg.ParentID = &parent
	}
	if err := e.store.CreateMessages(ctx, []model.Message{msg}); err != nil {
		return model.Message{}, fmt.Errorf("engine: create message: %w", err)
	}
	return msg, nil
}

// decisionKeys returns the keys of every decision already recorded for the
// run, so the writer cannot raise a question twice.
func (e *Engine) decisionKeys(ctx context.Context, runID uuid.UUID) (map[string]bool, error) {
	decs, err := e.store.ListDecisions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("engine: list decisions: %w", err)
	}
	keys := make(map[string]bool, len(decs))
	for _, d := range decs {
		keys[d.Key] = true
	}
	return keys, nil
}

// approvedKeys returns the keys of the run's decisions resolved with an
// approve outcome.
func (e *Engine) approvedKeys(ctx context.Context, runID uuid.UUID) (map[string]bool, error) {
	decs, err := e.store.ListDecisions(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("engine: list decisions: %w", err)
	}
	keys := make(map[string]bool, len(decs))
	for _, d := range decs {
		if d.Status == model.DecisionResolved && d.Outcome != nil && *d.Outcome == model.OutcomeApprove {
			keys[d.Key] = true
		}
	}
	return keys, nil
}

// continuationCalls collects follow-up tool calls from the continuations
// of every finished tool run and the summarizer's recommendations. Calls
// already materialized in the run are dropped before the MaxToolRuns cap
// so a suggestion cut at an earlier depth can still be picked up. A
// recommendation without arguments is only taken when the tool accepts
// empty arguments.
func (e *Engine) continuationCalls(run *model.AgentRun, trs []model.ToolRun, summary pipeline.Summary) []model.ToolCall {
	reg := e.executor.Registry()
	existing := make(map[string]bool, len(trs))
	for _, tr := range trs {
		existing[tr.IdentityKey] = true
	}
	fresh := func(name string, args map[string]any) bool {
		return !existing[model.ToolIdentityKey(strings.TrimSpace(name), args)]
	}
	var calls []model.ToolCall
	for _, tr := range trs {
		if tr.Result == nil {
			continue
		}
		for _, c := range tr.Result.Continuations {
			for _, name := range c.SuggestedNextTools {
				args := make(map[string]any, len(c.Args))
				for k, v := range c.Args {
					args[k] = v
				}
				if fresh(name, args) {
					calls = append(calls, model.ToolCall{Tool: name, Args: args, Reason: c.Reason})
				}
			}
		}
	}
	for _, name := range summary.RecommendedNextTools {
		name = strings.TrimSpace(name)
		t, ok := reg.Get(name)
		if !ok || tools.ValidateArgs(t.ArgsSchema, map[string]any{}) != nil || !fresh(name, map[string]any{}) {
			continue
		}
		calls = append(calls, model.ToolCall{Tool: name, Args: map[string]any{}, Reason: "recommended by summary"})
	}
	return pipeline.SanitizeToolCalls(calls, reg.Has, run.Policy.MaxToolRuns)
}

// toolDecisions groups the blocking decisions in finished tool results by
// key. Keys the user already approved in this run are not raised again;
// the tool's latest result stands instead.
func toolDecisions(trs []model.ToolRun, approved map[string]bool) []pendingDecision {
	var out []pendingDecision
	index := make(map[string]int)
	for _, tr := range trs {
		for _, d := range tr.Result.BlockingDecisions() {
			if approved[d.Key] {
				continue
			}
			if i, ok := index[d.Key]; ok {
				out[i].toolRunIDs = append(out[i].toolRunIDs, tr.ID)
				continue
			}
			index[d.Key] = len(out)
			out = append(out, pendingDecision{req: d, toolRunIDs: []uuid.UUID{tr.ID}})
		}
	}
	return out
}

// composeFinal assembles the final message text.
func (e *Engine) composeFinal(d pipeline.Draft, v pipeline.Verdict, trs []model.ToolRun, blocking []pendingDecision) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(d.Response))

	if high := v.HighSeverity(); len(high) > 0 {
		notes := make([]string, 0, len(high))
		for _, is := range high {
			notes = append(notes, is.Message)
		}
		fmt.Fprintf(&b, "\n\n> Validation note: %s", strings.Join(notes, "; "))
	}
	if notice := libraryNotice(trs); notice != "" {
		b.WriteString("\n\n")
		b.WriteString(notice)
	}
	if e.appendTrace {
		b.WriteString("\n\n")
		b.WriteString(formatTrace(d.Trace))
	}
	if len(blocking) > 0 {
		b.WriteString("\n\n")
		b.WriteString(decisionPrompt(blocking, false))
	}
	return b.String()
}

// libraryNotice lists documents that tools added to the workspace library.
func libraryNotice(trs []model.ToolRun) string {
	var titles []string
	for _, tr := range trs {
		if tr.Status != model.ToolRunDone {
			continue
		}
		for _, a := range tr.Artifacts {
			if a.Kind != "document" {
				continue
			}
			title := a.Title
			if title == "" {
				title = a.ID
			}
			titles = append(titles, title)
		}
	}
	if len(titles) == 0 {
		return ""
	}
	return "Library updated: " + strings.Join(titles, ", ")
}

func formatTrace(t pipeline.Trace) string {
	var b strings.Builder
	b.WriteString("---\nTrace")
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n%s:", title)
		for _, it := range items {
			fmt.Fprintf(&b, "\n- %s", it)
		}
	}
	section("Plan", t.Plan)
	section("Tools used", t.ToolsUsed)
	section("Assumptions", t.Assumptions)
	section("Next steps", t.NextSteps)
	if len(t.Evidence) > 0 {
		b.WriteString("\nSources:")
		for _, ev := range t.Evidence {
			if ev.URL != "" {
				fmt.Fprintf(&b, "\n- [%s](%s)", ev.Title, ev.URL)
			} else {
				fmt.Fprintf(&b, "\n- %s", ev.Title)
			}
		}
	}
	return b.String()
}

// decisionPrompt renders decisions as user-readable text.
func decisionPrompt(reqs []pendingDecision, standalone bool) string {
	var b strings.Builder
	if standalone {
		b.WriteString("I need your decision before continuing.")
	} else {
		b.WriteString("Before I go further, please decide:")
	}
	for _, p := range reqs {
		labels := make([]string, 0, len(p.req.Options))
		for _, o := range p.req.Options {
			labels = append(labels, o.Label)
		}
		if len(labels) == 0 {
			labels = []string{"Approve", "Reject"}
		}
		fmt.Fprintf(&b, "\n\n**%s**\n%s\nOptions: %s", p.req.Title, p.req.Prompt, strings.Join(labels, " / "))
	}
	return b.String()
}
