package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/conductor/internal/ctxutil"
	"github.com/ashita-ai/conductor/internal/guard"
	"github.com/ashita-ai/conductor/internal/model"
	"github.com/ashita-ai/conductor/internal/telemetry"
)

// Call is one request to the executor.
type Call struct {
	Tool    string
	Args    map[string]any
	Policy  model.RunPolicy
	Context Context
}

// Executor runs tools under the execution contract. It never returns an
// error: every failure becomes an ok:false result.
type Executor struct {
	registry *Registry
	guard    *guard.Guard
	logger   *slog.Logger
	tracer   trace.Tracer

	duration metric.Float64Histogram
	blocked  metric.Int64Counter
}

// NewExecutor creates an Executor.
func NewExecutor(registry *Registry, g *guard.Guard, logger *slog.Logger) *Executor {
	meter := telemetry.Meter("conductor/tools")
	dur, _ := meter.Float64Histogram("conductor.tool.duration",
		metric.WithDescription("Tool execution latency"),
		metric.WithUnit("ms"),
	)
	blocked, _ := meter.Int64Counter("conductor.tool.blocked",
		metric.WithDescription("Tool calls stopped before the handler ran"),
	)
	return &Executor{
		registry: registry,
		guard:    g,
		logger:   logger,
		tracer:   otel.Tracer("conductor/tools"),
		duration: dur,
		blocked:  blocked,
	}
}

// Registry returns the executor's registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call and returns its normalized result.
func (e *Executor) Execute(ctx context.Context, call Call) *model.RuntimeToolResult {
	ctx, span := e.tracer.Start(ctx, "tool "+call.Tool, trace.WithAttributes(
		attribute.String("tool.name", call.Tool),
		attribute.String("run.id", call.Context.RunID.String()),
	))
	defer span.End()

	tool, ok := e.registry.Get(call.Tool)
	if !ok {
		span.SetStatus(codes.Error, "unknown tool")
		e.countBlocked(ctx, call.Tool, "unknown")
		return model.FailedResult(
			fmt.Sprintf("Unknown tool %q", call.Tool),
			fmt.Sprintf("tool %q is not registered", call.Tool),
		)
	}

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	if err := ValidateArgs(tool.ArgsSchema, args); err != nil {
		e.countBlocked(ctx, call.Tool, "invalid_args")
		return model.FailedResult(fmt.Sprintf("%s rejected its arguments", tool.Name), err.Error())
	}

	if tool.Mutate && !call.Policy.AllowMutationTools && !call.Context.Approved {
		e.countBlocked(ctx, call.Tool, "needs_approval")
		res := model.FailedResult(
			fmt.Sprintf("%s changes workspace data and needs approval", tool.Name),
			"mutation tools are disabled for this run",
		)
		res.Decisions = append(res.Decisions, approvalDecision(tool.Name, args))
		return res
	}

	var advisories []string
	if tool.Staging {
		ops, err := ParseOperations(args)
		if err != nil {
			e.countBlocked(ctx, call.Tool, "invalid_operations")
			return model.FailedResult(fmt.Sprintf("%s could not read the requested change", tool.Name), ErrorLine(err))
		}
		verdict := e.guard.Evaluate(call.Context.Actor, ops)
		span.SetAttributes(
			attribute.Int("guard.score", verdict.Score),
			attribute.String("guard.tier", string(verdict.Tier)),
		)
		if !verdict.OK {
			e.countBlocked(ctx, call.Tool, "guard_rejected")
			res := model.FailedResult(fmt.Sprintf("%s was rejected by the mutation guard", tool.Name), "")
			res.Warnings = append(res.Warnings, verdict.IssueMessages()...)
			res.Warnings = append(res.Warnings, verdict.Warnings...)
			// An invalid batch cannot be approved into validity, so the
			// risk checkpoint is not offered.
			return res
		}
		if verdict.RequiresDecision && !call.Context.Approved {
			e.countBlocked(ctx, call.Tool, "guard_checkpoint")
			res := model.FailedResult(fmt.Sprintf("%s needs approval before staging a %s-risk change", tool.Name, verdict.Tier), "")
			res.Warnings = append(res.Warnings, verdict.Warnings...)
			res.Decisions = append(res.Decisions, *verdict.Decision)
			return res
		}
		advisories = verdict.Warnings
	}

	timeout := time.Duration(call.Policy.MaxToolMs) * time.Millisecond
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}

	start := time.Now()
	out, err := ctxutil.RunWithTimeout(ctx, timeout, func(ctx context.Context) (any, error) {
		return tool.Execute(ctx, call.Context, args)
	})
	elapsed := float64(time.Since(start).Milliseconds())

	if err != nil {
		line := ErrorLine(err)
		span.SetStatus(codes.Error, line)
		e.duration.Record(ctx, elapsed, metric.WithAttributes(
			attribute.String("tool", tool.Name), attribute.Bool("ok", false)))
		e.logger.Warn("tools: execution failed",
			"tool", tool.Name,
			"run_id", call.Context.RunID,
			"tool_run_id", call.Context.ToolRunID,
			"timeout", errors.Is(err, ctxutil.ErrTimeout),
			"error", line,
		)
		return model.FailedResult(fmt.Sprintf("%s failed", tool.Name), line)
	}

	res := Normalize(tool.Name, out)
	res.Warnings = append(res.Warnings, advisories...)
	if len(res.Warnings) > maxWarnings {
		res.Warnings = res.Warnings[:maxWarnings]
	}
	e.duration.Record(ctx, elapsed, metric.WithAttributes(
		attribute.String("tool", tool.Name), attribute.Bool("ok", res.OK)))
	return res
}

func (e *Executor) countBlocked(ctx context.Context, tool, reason string) {
	e.blocked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool), attribute.String("reason", reason)))
}

func approvalDecision(toolName string, args map[string]any) model.DecisionRequest {
	return model.DecisionRequest{
		Key:           "tool-approval:" + model.ToolIdentityKey(toolName, args)[:16],
		Title:         fmt.Sprintf("Allow %s?", toolName),
		Prompt:        fmt.Sprintf("%s will change workspace data. Approve to run it or reject to skip it.", toolName),
		Options:       model.ApproveRejectOptions(),
		DefaultOption: "reject",
		Blocking:      true,
		Source:        model.DecisionFromTool,
	}
}

// ParseOperations reads the operation list of a staging call. It accepts
// {"operations": [...]} or a single operation object.
func ParseOperations(args map[string]any) ([]model.MutationOperation, error) {
	raw, ok := args["operations"]
	if !ok {
		raw = []any{args}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode operations: %w", err)
	}
	var ops []model.MutationOperation
	if err := json.Unmarshal(b, &ops); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	if len(ops) == 0 {
		return nil, errors.New("no operations supplied")
	}
	return ops, nil
}
