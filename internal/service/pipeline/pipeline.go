// Package pipeline implements the four planning and synthesis stages:
// planner, summarizer, writer and validator.
//
// Each stage sends a strict-JSON request to the generation backend under a
// timeout and parses the reply permissively. When the call fails, times
// out, or returns nothing usable, the stage substitutes a deterministic
// rule-based result instead of failing the run.
package pipeline

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
	"github.com/ashita-ai/conductor/internal/service/generation"
	"github.com/ashita-ai/conductor/internal/telemetry"
)

// Stage names.
const (
	StagePlanner    = "planner"
	StageSummarizer = "summarizer"
	StageWriter     = "writer"
	StageValidator  = "validator"
)

// DefaultStageTimeout bounds one generation call.
const DefaultStageTimeout = 20 * time.Second

// Outcome reports how a stage produced its result.
type Outcome struct {
	Stage    string
	Fallback bool
	// Err is the reason for the fallback, if any.
	Err      error
	Duration time.Duration
}

// Pipeline runs the stages against one generation backend.
type Pipeline struct {
	gen     generation.Provider
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer

	fallbacks metric.Int64Counter
}

// New creates a Pipeline. A zero timeout uses DefaultStageTimeout.
func New(gen generation.Provider, timeout time.Duration, logger *slog.Logger) *Pipeline {
	if gen == nil {
		gen = generation.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = DefaultStageTimeout
	}
	fallbacks, _ := telemetry.Meter("conductor/pipeline").Int64Counter("conductor.pipeline.fallbacks",
		metric.WithDescription("Pipeline stages that used their deterministic fallback"),
	)
	return &Pipeline{
		gen:       gen,
		timeout:   timeout,
		logger:    logger,
		tracer:    otel.Tracer("conductor/pipeline"),
		fallbacks: fallbacks,
	}
}

// Backend returns the generation backend's name.
func (p *Pipeline) Backend() string {
	return p.gen.Name()
}

// runStage calls the backend and parses its reply. parse returning an
// error counts as a failed call.
func runStage[T any](ctx context.Context, p *Pipeline, stage, system string, input any, parse func(map[string]any) (T, error), fallback func() T) (T, Outcome) {
	ctx, span := p.tracer.Start(ctx, "pipeline."+stage, trace.WithAttributes(
		attribute.String("pipeline.backend", p.gen.Name()),
	))
	defer span.End()

	start := time.Now()
	out, err := func() (T, error) {
		var zero T
		prompt, err := json.Marshal(input)
		if err != nil {
			return zero, fmt.Errorf("encode %s input: %w", stage, err)
		}
		text, err := ctxutil.RunWithTimeout(ctx, p.timeout, func(ctx context.Context) (string, error) {
			return p.gen.Generate(ctx, generation.Request{
				Stage:  stage,
				System: system,
				Prompt: string(prompt),
				JSON:   true,
			})
		})
		if err != nil {
			return zero, err
		}
		m, err := decodeObject(text)
		if err != nil {
			return zero, fmt.Errorf("parse %s reply: %w", stage, err)
		}
		return parse(m)
	}()

	o := Outcome{Stage: stage, Duration: time.Since(start)}
	if err == nil {
		return out, o
	}

	o.Fallback = true
	o.Err = err
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool("pipeline.fallback", true))
	p.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	level := slog.LevelWarn
	if errors.Is(err, generation.ErrUnavailable) {
		level = slog.LevelDebug
	}
	p.logger.Log(ctx, level, "pipeline: stage fell back", "stage", stage, "error", err)
	return fallback(), o
}
