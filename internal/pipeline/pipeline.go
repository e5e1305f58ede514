// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package pipeline runs one request through an ordered chain of stages.
// Each stage receives a next function; calling it is the only way control
// moves forward, and returning without calling it halts the chain.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/services"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

const tracerName = "github.com/sigil-dev/conductor/internal/pipeline"

// Next continues the chain with the following stage.
type Next func(ctx context.Context) error

// StageFunc is the body of a stage.
type StageFunc func(ctx context.Context, rc *RequestContext, svc *services.Locator, next Next) error

// Stage is a named step in the pipeline.
type Stage struct {
	Name types.StageName
	Run  StageFunc
}

// DefaultCriticalStages abort the run when they fail.
var DefaultCriticalStages = []types.StageName{types.StageValidate, types.StageAgentLoop, types.StageFinalize}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCriticalStages replaces the set of stages whose failure aborts the run.
func WithCriticalStages(names ...types.StageName) Option {
	return func(p *Pipeline) {
		p.critical = make(map[types.StageName]bool, len(names))
		for _, n := range names {
			p.critical[n] = true
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithBus publishes a pipeline.request.completed event after every run.
func WithBus(b *events.Bus) Option {
	return func(p *Pipeline) { p.bus = b }
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) {
		if t != nil {
			p.tracer = t
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is an immutable ordered list of stages. It is safe to Execute
// concurrently with distinct RequestContexts.
type Pipeline struct {
	stages   []Stage
	finalize int // index of the finalize stage, -1 if absent
	critical map[types.StageName]bool
	logger   *slog.Logger
	bus      *events.Bus
	tracer   trace.Tracer
	metrics  *Metrics
}

// New builds a pipeline. Stage names must be non-empty and unique.
func New(stages []Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, sigilerr.New(sigilerr.CodePipelineConfigInvalid, "pipeline requires at least one stage")
	}

	p := &Pipeline{
		stages:   append([]Stage(nil), stages...),
		finalize: -1,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	WithCriticalStages(DefaultCriticalStages...)(p)
	for _, opt := range opts {
		opt(p)
	}

	seen := make(map[types.StageName]bool, len(stages))
	for i, s := range p.stages {
		if s.Name == "" {
			return nil, sigilerr.Errorf(sigilerr.CodePipelineConfigInvalid, "stage %d has no name", i)
		}
		if s.Run == nil {
			return nil, sigilerr.Errorf(sigilerr.CodePipelineConfigInvalid, "stage %q has no run function", s.Name)
		}
		if seen[s.Name] {
			return nil, sigilerr.Errorf(sigilerr.CodePipelineConfigInvalid, "duplicate stage %q", s.Name)
		}
		seen[s.Name] = true
		if s.Name == types.StageFinalize {
			p.finalize = i
		}
	}
	return p, nil
}

// StageNames returns the stage order.
func (p *Pipeline) StageNames() []types.StageName {
	names := make([]types.StageName, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name
	}
	return names
}

// IsCritical reports whether a failure in name aborts the run.
func (p *Pipeline) IsCritical(name types.StageName) bool {
	return p.critical[name]
}

// stageAbort carries a critical stage failure up through the chain. It
// has already been recorded on the request context.
type stageAbort struct {
	stage types.StageName
	err   error
}

func (a *stageAbort) Error() string { return fmt.Sprintf("%s: %s", a.stage, a.err.Error()) }
func (a *stageAbort) Unwrap() error { return a.err }

// Execute runs rc through the stages. It returns the final response, or a
// synthesized "[error] <stage>: <message>" string when a critical stage
// aborts without one. The only error it returns is a cancellation, in which
// case the string is empty. rc is completed on every exit path.
func (p *Pipeline) Execute(ctx context.Context, rc *RequestContext, svc *services.Locator) (string, error) {
	if rc == nil {
		return "", sigilerr.New(sigilerr.CodePipelineConfigInvalid, "request context is required")
	}
	if rc.Completed() {
		return "", sigilerr.New(sigilerr.CodePipelineConfigInvalid, "request context already completed",
			sigilerr.FieldRequestID(rc.ID()))
	}

	cancelled := false
	defer func() {
		if !rc.Complete() {
			return
		}
		d := rc.CompletedAt().Sub(rc.StartedAt())
		p.metrics.observeRequest(cancelled, len(rc.Errors()) > 0)
		events.EmitTyped(p.bus, events.TopicRequestCompleted, events.RequestCompleted{
			RequestID: rc.ID(),
			TaskID:    rc.TaskID(),
			Turns:     rc.Turn(),
			ToolCalls: rc.ToolCalls(),
			Errors:    len(rc.Errors()),
			Duration:  d,
			Cancelled: cancelled,
		})
	}()

	runErr := p.dispatch(ctx, 0, rc, svc)

	if sigilerr.IsCancelled(runErr) || ctx.Err() != nil {
		cancelled = true
		p.logger.Info("request cancelled", "request_id", rc.ID(), "task_id", rc.TaskID())
		return "", cancellation(ctx, rc, runErr)
	}

	if runErr != nil {
		stage := types.StageName("pipeline")
		cause := runErr
		var abort *stageAbort
		if errors.As(runErr, &abort) {
			stage, cause = abort.stage, abort.err
		}
		p.logger.Warn("request aborted",
			"request_id", rc.ID(),
			"stage", stage,
			"error", cause,
		)
		if fr := rc.FinalResponse(); fr != "" {
			return fr, nil
		}
		msg := fmt.Sprintf("[error] %s: %s", stage, cause.Error())
		rc.SetFinalResponse(msg)
		return msg, nil
	}

	return rc.FinalResponse(), nil
}

// dispatch runs stage i and, through next, everything after it.
func (p *Pipeline) dispatch(ctx context.Context, i int, rc *RequestContext, svc *services.Locator) error {
	if err := throwIfAborted(ctx, rc); err != nil {
		return err
	}
	if i >= len(p.stages) {
		return nil
	}
	if rc.SkipToFinalize() && p.stages[i].Name != types.StageFinalize {
		if p.finalize <= i {
			return nil
		}
		i = p.finalize
	}

	stage := p.stages[i]
	var (
		nextCalled    bool
		downstreamErr error
	)
	next := func(ctx context.Context) error {
		if nextCalled {
			return downstreamErr
		}
		nextCalled = true
		downstreamErr = p.dispatch(ctx, i+1, rc, svc)
		return downstreamErr
	}

	err := p.runStage(ctx, stage, rc, svc, next)
	if err == nil {
		return nil
	}

	// Anything that came back through next was handled where it happened.
	if downstreamErr != nil {
		return downstreamErr
	}

	if sigilerr.IsCancelled(err) || ctx.Err() != nil {
		return cancellation(ctx, rc, err)
	}

	rc.AddError(err, stage.Name)
	if p.critical[stage.Name] {
		return &stageAbort{stage: stage.Name, err: err}
	}

	p.logger.Warn("non-critical stage failed",
		"request_id", rc.ID(),
		"stage", stage.Name,
		"error", err,
	)
	if nextCalled {
		return nil
	}
	return next(ctx)
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, rc *RequestContext, svc *services.Locator, next Next) (err error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(
		attribute.String("stage", string(stage.Name)),
		attribute.String("request_id", rc.ID()),
	))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = sigilerr.Errorf(sigilerr.CodePipelineStageFailure, "stage %s panicked: %v", stage.Name, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		p.metrics.observeStage(stage.Name, time.Since(start))
	}()

	return stage.Run(ctx, rc, svc, next)
}

func throwIfAborted(ctx context.Context, rc *RequestContext) error {
	if ctx.Err() == nil {
		return nil
	}
	return cancellation(ctx, rc, ctx.Err())
}

// cancellation normalizes err into a pipeline.request.cancelled error.
func cancellation(ctx context.Context, rc *RequestContext, err error) error {
	if sigilerr.HasCode(err, sigilerr.CodePipelineRequestCancelled) {
		return err
	}
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = context.Canceled
	}
	return sigilerr.Wrap(err, sigilerr.CodePipelineRequestCancelled, "request cancelled",
		sigilerr.FieldRequestID(rc.ID()))
}
