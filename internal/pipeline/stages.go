// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/provider"
	"github.com/sigil-dev/conductor/internal/services"
	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/internal/tool"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

// DefaultMaxInputBytes caps request input accepted by the validate stage.
const DefaultMaxInputBytes = 64 * 1024

// DefaultFastPathPatterns match short conversational inputs that skip the
// tool loop.
var DefaultFastPathPatterns = []string{
	`^(hi|hello|hey|yo|good (morning|afternoon|evening))[\s!.,]*$`,
	`^(thanks|thank you|thx|cheers|ty)[\s!.,]*$`,
	`^(ok|okay|cool|great|nice|got it|sounds good)[\s!.,]*$`,
}

// TurnObserver is notified after every completed agent loop turn. The
// checkpoint manager registers itself under services.Checkpoints as one.
type TurnObserver interface {
	ObserveTurn(ctx context.Context, rc *RequestContext)
}

// StagesConfig tunes the standard stages.
type StagesConfig struct {
	MaxInputBytes    int
	FastPathPatterns []string
	SystemPrompt     string
	Logger           *slog.Logger
}

// Standard returns validate, triage, agent_loop and finalize in that order.
func Standard(cfg StagesConfig) ([]Stage, error) {
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = DefaultMaxInputBytes
	}
	if cfg.FastPathPatterns == nil {
		cfg.FastPathPatterns = DefaultFastPathPatterns
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fastPath := make([]*regexp.Regexp, 0, len(cfg.FastPathPatterns))
	for _, pat := range cfg.FastPathPatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			return nil, sigilerr.Wrapf(err, sigilerr.CodePipelineConfigInvalid, "compiling fast path pattern %q", pat)
		}
		fastPath = append(fastPath, re)
	}

	s := &standard{cfg: cfg, fastPath: fastPath}
	return []Stage{
		{Name: types.StageValidate, Run: s.validate},
		{Name: types.StageTriage, Run: s.triage},
		{Name: types.StageAgentLoop, Run: s.agentLoop},
		{Name: types.StageFinalize, Run: s.finalize},
	}, nil
}

type standard struct {
	cfg      StagesConfig
	fastPath []*regexp.Regexp
}

func (s *standard) validate(ctx context.Context, rc *RequestContext, _ *services.Locator, next Next) error {
	input := strings.TrimSpace(rc.CurrentInput())
	switch {
	case input == "":
		return sigilerr.New(sigilerr.CodePipelineValidateInvalid, "input is empty",
			sigilerr.FieldRequestID(rc.ID()))
	case len(input) > s.cfg.MaxInputBytes:
		return sigilerr.Errorf(sigilerr.CodePipelineValidateInvalid,
			"input is %d bytes, limit is %d", len(input), s.cfg.MaxInputBytes)
	case rc.MaxTurns() <= 0:
		return sigilerr.Errorf(sigilerr.CodePipelineValidateInvalid,
			"max turns must be positive, got %d", rc.MaxTurns())
	}
	rc.SetCurrentInput(input)
	return next(ctx)
}

func (s *standard) triage(ctx context.Context, rc *RequestContext, svc *services.Locator, next Next) error {
	input := rc.CurrentInput()
	if !s.matchesFastPath(input) {
		return next(ctx)
	}
	router, ok := services.LookupOptional[provider.Router](svc, services.Router)
	if !ok {
		return next(ctx)
	}

	p, model, err := router.Route(ctx, rc.Model())
	if err != nil {
		return err
	}
	stream, err := p.Chat(ctx, provider.ChatRequest{
		Model:        model,
		SystemPrompt: s.cfg.SystemPrompt,
		Messages:     append(rc.Messages(), provider.Message{Role: store.MessageRoleUser, Content: input}),
	})
	if err != nil {
		return err
	}
	resp, err := provider.Collect(ctx, stream, rc.Emit)
	if err != nil {
		return err
	}

	rc.AppendMessages(
		provider.Message{Role: store.MessageRoleUser, Content: input},
		provider.Message{Role: store.MessageRoleAssistant, Content: resp.Text},
	)
	rc.SetFinalResponse(resp.Text)
	rc.SetMetadata("fast_path", true)
	rc.SetSkipToFinalize()
	return next(ctx)
}

func (s *standard) matchesFastPath(input string) bool {
	if len(input) > 64 {
		return false
	}
	for _, re := range s.fastPath {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}

func (s *standard) agentLoop(ctx context.Context, rc *RequestContext, svc *services.Locator, next Next) error {
	router, err := services.Lookup[provider.Router](svc, services.Router)
	if err != nil {
		return err
	}
	registry, _ := services.LookupOptional[*tool.Registry](svc, services.Tools)
	runner, _ := services.LookupOptional[*tool.Runner](svc, services.ToolRunner)
	observer, _ := services.LookupOptional[TurnObserver](svc, services.Checkpoints)

	var defs []provider.ToolDefinition
	if registry != nil && runner != nil {
		defs = registry.ListDefinitions()
	}

	rc.AppendMessages(provider.Message{Role: store.MessageRoleUser, Content: rc.CurrentInput()})

	var lastText string
	for {
		if err := throwIfAborted(ctx, rc); err != nil {
			return err
		}
		if rc.Turn() >= rc.MaxTurns() {
			rc.AddError(sigilerr.Errorf(sigilerr.CodePipelineTurnLimitExceeded,
				"stopped after %d turns", rc.MaxTurns()), types.StageAgentLoop)
			if lastText == "" {
				lastText = fmt.Sprintf("stopped after %d turns without a final answer", rc.MaxTurns())
			}
			rc.SetFinalResponse(lastText)
			break
		}
		turn := rc.NextTurn()

		p, model, err := router.Route(ctx, rc.Model())
		if err != nil {
			return err
		}
		stream, err := p.Chat(ctx, provider.ChatRequest{
			Model:        model,
			Messages:     rc.Messages(),
			Tools:        defs,
			SystemPrompt: s.cfg.SystemPrompt,
		})
		if err != nil {
			return err
		}
		resp, err := provider.Collect(ctx, stream, rc.Emit)
		if err != nil {
			return err
		}
		if err := throwIfAborted(ctx, rc); err != nil {
			return err
		}

		rc.AppendMessages(provider.Message{
			Role:      store.MessageRoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Text != "" {
			lastText = resp.Text
		}

		if len(resp.ToolCalls) == 0 || runner == nil {
			rc.SetFinalResponse(resp.Text)
			s.observe(ctx, observer, rc)
			break
		}

		results := runTools(ctx, runner, rc, resp.ToolCalls)
		if err := throwIfAborted(ctx, rc); err != nil {
			return err
		}

		msgs := make([]provider.Message, len(results))
		for i, res := range results {
			call := resp.ToolCalls[i]
			msgs[i] = provider.Message{
				Role:       store.MessageRoleTool,
				Content:    res.Text(),
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}
			if !res.OK() {
				s.cfg.Logger.Debug("tool call failed",
					"request_id", rc.ID(),
					"tool", call.Name,
					"kind", res.Err.Kind,
					"turn", turn,
				)
			}
		}
		rc.AppendMessages(msgs...)
		rc.AddToolCalls(len(results))
		s.observe(ctx, observer, rc)
	}

	return next(ctx)
}

func (s *standard) observe(ctx context.Context, observer TurnObserver, rc *RequestContext) {
	if observer != nil {
		observer.ObserveTurn(ctx, rc)
	}
}

// runTools executes calls concurrently and returns results in call order.
func runTools(ctx context.Context, runner *tool.Runner, rc *RequestContext, calls []provider.ToolCall) []*tool.Result {
	ctx = tool.WithCallInfo(ctx, tool.CallInfo{TaskID: rc.TaskID(), RequestID: rc.ID()})
	results := make([]*tool.Result, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runner.ExecuteJSON(ctx, call.Name, call.Arguments, tool.ExecOptions{})
		}()
	}
	wg.Wait()
	return results
}

func (s *standard) finalize(ctx context.Context, rc *RequestContext, svc *services.Locator, next Next) error {
	final := strings.TrimSpace(rc.FinalResponse())
	if final == "" {
		final = "(no response)"
		rc.SetFinalResponse(final)
	}

	convID := rc.ConversationID()
	if history, ok := services.LookupOptional[store.HistoryStore](svc, services.History); ok && convID != "" {
		now := time.Now()
		source := string(rc.TaskType())
		for _, m := range []*store.Message{
			{Role: store.MessageRoleUser, Content: rc.CurrentInput(), CreatedAt: now},
			{Role: store.MessageRoleAssistant, Content: final, CreatedAt: now},
		} {
			m.ID = uuid.NewString()
			m.ConversationID = convID
			m.Source = source
			m.TaskID = rc.TaskID()
			if err := history.Append(ctx, m); err != nil {
				return sigilerr.Wrap(err, sigilerr.CodePipelineStageFailure, "persisting conversation turn",
					sigilerr.FieldRequestID(rc.ID()))
			}
		}
	}

	if bus, ok := services.LookupOptional[*events.Bus](svc, services.Events); ok {
		events.EmitTyped(bus, events.TopicChatMessage, events.ChatMessage{
			ConversationID: convID,
			Role:           string(store.MessageRoleAssistant),
			Content:        final,
			Source:         string(rc.TaskType()),
		})
	}

	return next(ctx)
}
