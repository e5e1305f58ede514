// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/pipeline"
	"github.com/sigil-dev/conductor/internal/services"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

const (
	stageA types.StageName = "a"
	stageB types.StageName = "b"
	stageC types.StageName = "c"
)

func newPipeline(t *testing.T, stages []pipeline.Stage, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(stages, opts...)
	require.NoError(t, err)
	return p
}

func execute(p *pipeline.Pipeline, ctx context.Context) (*pipeline.RequestContext, string, error) {
	rc := pipeline.NewRequestContext(pipeline.RequestOptions{Input: "do the thing"})
	out, err := p.Execute(ctx, rc, services.New())
	return rc, out, err
}

func TestNewRejectsInvalidStageLists(t *testing.T) {
	noop := func(ctx context.Context, _ *pipeline.RequestContext, _ *services.Locator, next pipeline.Next) error {
		return next(ctx)
	}

	tests := []struct {
		name   string
		stages []pipeline.Stage
	}{
		{name: "empty", stages: nil},
		{name: "unnamed", stages: []pipeline.Stage{{Run: noop}}},
		{name: "nil run", stages: []pipeline.Stage{{Name: stageA}}},
		{name: "duplicate", stages: []pipeline.Stage{{Name: stageA, Run: noop}, {Name: stageA, Run: noop}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pipeline.New(tt.stages)
			require.Error(t, err)
			assert.True(t, sigilerr.HasCode(err, sigilerr.CodePipelineConfigInvalid))
		})
	}
}

func TestStagesRunInDeclaredOrder(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(types.StageValidate, nil),
		rec.stage(stageA, nil),
		rec.stage(stageB, nil),
		rec.stage(types.StageFinalize, func(ctx context.Context, rc *pipeline.RequestContext, next pipeline.Next) error {
			rc.SetFinalResponse("done")
			return next(ctx)
		}),
	})

	_, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, []types.StageName{types.StageValidate, stageA, stageB, types.StageFinalize}, rec.names())
	assert.Equal(t, []types.StageName{types.StageValidate, stageA, stageB, types.StageFinalize}, p.StageNames())
}

func TestStageThatSkipsNextHaltsChain(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(stageA, func(_ context.Context, rc *pipeline.RequestContext, _ pipeline.Next) error {
			rc.SetFinalResponse("short circuit")
			return nil
		}),
		rec.stage(stageB, nil),
		rec.stage(types.StageFinalize, nil),
	})

	_, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "short circuit", out)
	assert.Equal(t, []types.StageName{stageA}, rec.names())
}

func TestSkipToFinalizeJumpsOverIntermediateStages(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(stageA, func(ctx context.Context, rc *pipeline.RequestContext, next pipeline.Next) error {
			rc.SetFinalResponse("fast")
			rc.SetSkipToFinalize()
			return next(ctx)
		}),
		rec.stage(stageB, nil),
		rec.stage(stageC, nil),
		rec.stage(types.StageAgentLoop, nil),
		rec.stage(types.StageFinalize, nil),
		rec.stage("after_finalize", nil),
	})

	_, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fast", out)
	assert.Equal(t, []types.StageName{stageA, types.StageFinalize}, rec.names())
}

func TestSkipToFinalizeWithoutFinalizeStageEndsChain(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(stageA, func(ctx context.Context, rc *pipeline.RequestContext, next pipeline.Next) error {
			rc.SetSkipToFinalize()
			return next(ctx)
		}),
		rec.stage(stageB, nil),
		rec.stage(stageC, nil),
	})

	_, _, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.StageName{stageA}, rec.names())
}

func TestCriticalStageFailureAbortsWithVisibleMessage(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(types.StageValidate, nil),
		rec.stage(types.StageAgentLoop, func(context.Context, *pipeline.RequestContext, pipeline.Next) error {
			return errors.New("model exploded")
		}),
		rec.stage(types.StageFinalize, nil),
	})

	rc, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[error] agent_loop: model exploded", out)
	assert.Equal(t, out, rc.FinalResponse())
	assert.Equal(t, []types.StageName{types.StageValidate, types.StageAgentLoop}, rec.names())

	errs := rc.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, types.StageAgentLoop, errs[0].Stage)
	assert.Equal(t, "model exploded", errs[0].Message)
}

func TestCriticalAbortKeepsExistingFinalResponse(t *testing.T) {
	p := newPipeline(t, []pipeline.Stage{
		{Name: types.StageFinalize, Run: func(_ context.Context, rc *pipeline.RequestContext, _ *services.Locator, _ pipeline.Next) error {
			rc.SetFinalResponse("partial answer")
			return errors.New("history unavailable")
		}},
	})

	rc, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "partial answer", out)
	require.Len(t, rc.Errors(), 1)
}

func TestWithCriticalStagesOverridesDefaults(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(stageA, func(context.Context, *pipeline.RequestContext, pipeline.Next) error {
			return errors.New("strict")
		}),
		rec.stage(stageB, nil),
	}, pipeline.WithCriticalStages(stageA))

	assert.True(t, p.IsCritical(stageA))
	assert.False(t, p.IsCritical(types.StageAgentLoop))

	_, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[error] a: strict", out)
	assert.Equal(t, []types.StageName{stageA}, rec.names())
}

func TestNonCriticalFailureIsRecordedAndChainContinues(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(types.StageValidate, nil),
		rec.stage(types.StageTriage, func(context.Context, *pipeline.RequestContext, pipeline.Next) error {
			return errors.New("classifier offline")
		}),
		rec.stage(types.StageAgentLoop, nil),
		rec.stage(types.StageFinalize, func(ctx context.Context, rc *pipeline.RequestContext, next pipeline.Next) error {
			rc.SetFinalResponse("answered anyway")
			return next(ctx)
		}),
	})

	rc, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "answered anyway", out)
	assert.Equal(t, []types.StageName{types.StageValidate, types.StageTriage, types.StageAgentLoop, types.StageFinalize}, rec.names())

	errs := rc.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, types.StageTriage, errs[0].Stage)
	assert.Equal(t, "classifier offline", errs[0].Message)
}

func TestNonCriticalFailureAfterNextDoesNotRerunDownstream(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(stageA, func(ctx context.Context, _ *pipeline.RequestContext, next pipeline.Next) error {
			if err := next(ctx); err != nil {
				return err
			}
			return errors.New("post-processing failed")
		}),
		rec.stage(stageB, nil),
	})

	rc, _, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.StageName{stageA, stageB}, rec.names())
	require.Len(t, rc.Errors(), 1)
	assert.Equal(t, stageA, rc.Errors()[0].Stage)
}

func TestDownstreamErrorIsRecordedOnce(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(stageA, nil),
		rec.stage(stageB, func(ctx context.Context, _ *pipeline.RequestContext, next pipeline.Next) error {
			err := next(ctx)
			// A second call must not run finalize again.
			_ = next(ctx)
			return err
		}),
		rec.stage(types.StageFinalize, func(context.Context, *pipeline.RequestContext, pipeline.Next) error {
			return errors.New("disk full")
		}),
	})

	rc, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[error] finalize: disk full", out)
	assert.Equal(t, []types.StageName{stageA, stageB, types.StageFinalize}, rec.names())

	errs := rc.Errors()
	require.Len(t, errs, 1)
	assert.Equal(t, types.StageFinalize, errs[0].Stage)
}

func TestPreCancelledContextRunsNoStages(t *testing.T) {
	rec := &recorder{}
	p := newPipeline(t, []pipeline.Stage{
		rec.stage(types.StageValidate, nil),
		rec.stage(types.StageFinalize, nil),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rc, out, err := execute(p, ctx)
	require.Error(t, err)
	assert.Empty(t, out)
	assert.True(t, sigilerr.IsCancelled(err))
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodePipelineRequestCancelled))
	assert.Empty(t, rec.names())
	assert.Empty(t, rc.Errors())
	assert.True(t, rc.Completed())
}

func TestCancellationMidChainIsNotRecordedOrSwallowed(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newPipeline(t, []pipeline.Stage{
		rec.stage(stageA, func(ctx context.Context, _ *pipeline.RequestContext, next pipeline.Next) error {
			// A non-critical stage that ignores the downstream result.
			_ = next(ctx)
			return nil
		}),
		rec.stage(types.StageAgentLoop, func(ctx context.Context, _ *pipeline.RequestContext, _ pipeline.Next) error {
			cancel()
			return ctx.Err()
		}),
		rec.stage(types.StageFinalize, nil),
	})

	rc, out, err := execute(p, ctx)
	require.Error(t, err)
	assert.Empty(t, out)
	assert.True(t, sigilerr.IsCancelled(err))
	assert.Empty(t, rc.Errors())
	assert.Equal(t, []types.StageName{stageA, types.StageAgentLoop}, rec.names())
}

func TestStagePanicBecomesStageError(t *testing.T) {
	p := newPipeline(t, []pipeline.Stage{
		{Name: types.StageAgentLoop, Run: func(context.Context, *pipeline.RequestContext, *services.Locator, pipeline.Next) error {
			panic("nil map")
		}},
	})

	rc, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, "[error] agent_loop:")
	assert.Contains(t, out, "nil map")
	require.Len(t, rc.Errors(), 1)
}

func TestExecuteCompletesContextAndPublishesOnce(t *testing.T) {
	bus := events.New()
	var got []events.RequestCompleted
	bus.On(events.TopicRequestCompleted.Kind, func(e events.Event) {
		got = append(got, e.Payload.(events.RequestCompleted))
	})
	reg := prometheus.NewRegistry()
	metrics := pipeline.NewMetrics(reg)

	p := newPipeline(t, []pipeline.Stage{
		{Name: stageA, Run: func(ctx context.Context, rc *pipeline.RequestContext, _ *services.Locator, next pipeline.Next) error {
			rc.SetFinalResponse("ok")
			return next(ctx)
		}},
	}, pipeline.WithBus(bus), pipeline.WithMetrics(metrics))

	rc, out, err := execute(p, context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.True(t, rc.Completed())

	// A completed context ignores further mutation.
	rc.SetFinalResponse("changed")
	rc.AddError(errors.New("late"), stageA)
	assert.Equal(t, "ok", rc.FinalResponse())
	assert.Empty(t, rc.Errors())

	_, err = p.Execute(context.Background(), rc, services.New())
	require.Error(t, err, "a completed context cannot run again")
	require.Len(t, got, 1)
	assert.Equal(t, rc.ID(), got[0].RequestID)
	assert.False(t, got[0].Cancelled)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Requests.WithLabelValues("ok")))
}

func TestExecuteRejectsNilContext(t *testing.T) {
	p := newPipeline(t, []pipeline.Stage{{Name: stageA, Run: func(context.Context, *pipeline.RequestContext, *services.Locator, pipeline.Next) error {
		return nil
	}}})
	_, err := p.Execute(context.Background(), nil, services.New())
	require.Error(t, err)
}
