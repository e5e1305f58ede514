// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/conductor/internal/agentloop"
	"github.com/sigil-dev/conductor/internal/checkpoint"
	"github.com/sigil-dev/conductor/internal/task"
	"github.com/sigil-dev/conductor/internal/tool"
	"github.com/sigil-dev/conductor/pkg/types"
)

func (s *Server) registerRoutes() {
	spawning := huma.Middlewares{s.rateLimited}

	// Agent loop
	huma.Register(s.api, huma.Operation{
		OperationID: "get-loop",
		Method:      http.MethodGet,
		Path:        "/api/v1/loop",
		Summary:     "Agent loop status",
		Tags:        []string{"loop"},
	}, s.handleLoopStatus)

	huma.Register(s.api, huma.Operation{
		OperationID: "play-loop",
		Method:      http.MethodPost,
		Path:        "/api/v1/loop/play",
		Summary:     "Start or resume the agent loop",
		Tags:        []string{"loop"},
		Middlewares: spawning,
	}, s.handleLoopPlay)

	huma.Register(s.api, huma.Operation{
		OperationID: "pause-loop",
		Method:      http.MethodPost,
		Path:        "/api/v1/loop/pause",
		Summary:     "Pause the agent loop",
		Tags:        []string{"loop"},
	}, func(_ context.Context, _ *struct{}) (*loopOutput, error) {
		return loopResponse(s.services.Loop().Pause()), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "resume-loop",
		Method:      http.MethodPost,
		Path:        "/api/v1/loop/resume",
		Summary:     "Resume a paused agent loop",
		Tags:        []string{"loop"},
		Middlewares: spawning,
	}, func(ctx context.Context, _ *struct{}) (*loopOutput, error) {
		return loopResponse(s.services.Loop().Resume(ctx)), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stop-loop",
		Method:      http.MethodPost,
		Path:        "/api/v1/loop/stop",
		Summary:     "Stop the agent loop and reset its counter",
		Tags:        []string{"loop"},
	}, func(_ context.Context, _ *struct{}) (*loopOutput, error) {
		return loopResponse(s.services.Loop().Stop()), nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-loop-interval",
		Method:      http.MethodPut,
		Path:        "/api/v1/loop/interval",
		Summary:     "Change the agent loop interval",
		Tags:        []string{"loop"},
	}, s.handleLoopInterval)

	huma.Register(s.api, huma.Operation{
		OperationID: "set-loop-foreground",
		Method:      http.MethodPut,
		Path:        "/api/v1/loop/foreground",
		Summary:     "Mark foreground work busy or idle",
		Tags:        []string{"loop"},
	}, s.handleLoopForeground)

	// Questions
	huma.Register(s.api, huma.Operation{
		OperationID: "list-questions",
		Method:      http.MethodGet,
		Path:        "/api/v1/questions",
		Summary:     "List questions awaiting an answer",
		Tags:        []string{"questions"},
	}, s.handleListQuestions)

	huma.Register(s.api, huma.Operation{
		OperationID: "answer-question",
		Method:      http.MethodPost,
		Path:        "/api/v1/questions/{id}",
		Summary:     "Answer a pending question",
		Tags:        []string{"questions"},
	}, s.handleAnswerQuestion)

	// Confirmations
	huma.Register(s.api, huma.Operation{
		OperationID: "list-confirmations",
		Method:      http.MethodGet,
		Path:        "/api/v1/confirmations",
		Summary:     "List tool confirmations",
		Tags:        []string{"confirmations"},
	}, s.handleListConfirmations)

	huma.Register(s.api, huma.Operation{
		OperationID: "resolve-confirmation",
		Method:      http.MethodPost,
		Path:        "/api/v1/confirmations/{id}",
		Summary:     "Approve or deny a sensitive tool call",
		Tags:        []string{"confirmations"},
	}, s.handleResolveConfirmation)

	// Tasks
	huma.Register(s.api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/api/v1/tasks",
		Summary:     "List tasks",
		Tags:        []string{"tasks"},
	}, s.handleListTasks)

	huma.Register(s.api, huma.Operation{
		OperationID:   "spawn-task",
		Method:        http.MethodPost,
		Path:          "/api/v1/tasks",
		Summary:       "Spawn a background task",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusCreated,
		Middlewares:   spawning,
	}, s.handleSpawnTask)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/api/v1/tasks/{id}",
		Summary:     "Get task details",
		Tags:        []string{"tasks"},
	}, s.handleGetTask)

	huma.Register(s.api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodDelete,
		Path:        "/api/v1/tasks/{id}",
		Summary:     "Cancel a task",
		Tags:        []string{"tasks"},
	}, s.handleCancelTask)

	huma.Register(s.api, huma.Operation{
		OperationID: "send-message",
		Method:      http.MethodPost,
		Path:        "/api/v1/chat",
		Summary:     "Send a message and wait for the response",
		Tags:        []string{"chat"},
		Middlewares: spawning,
	}, s.handleChat)

	// Interrupted requests
	huma.Register(s.api, huma.Operation{
		OperationID: "list-pending-decisions",
		Method:      http.MethodGet,
		Path:        "/api/v1/checkpoints/pending",
		Summary:     "List interrupted requests awaiting a decision",
		Tags:        []string{"checkpoints"},
	}, s.handleListPendingDecisions)

	huma.Register(s.api, huma.Operation{
		OperationID: "resume-request",
		Method:      http.MethodPost,
		Path:        "/api/v1/checkpoints/{id}/resume",
		Summary:     "Resume an interrupted request",
		Tags:        []string{"checkpoints"},
		Middlewares: spawning,
	}, s.handleResumeRequest)

	huma.Register(s.api, huma.Operation{
		OperationID: "discard-request",
		Method:      http.MethodPost,
		Path:        "/api/v1/checkpoints/{id}/discard",
		Summary:     "Discard an interrupted request",
		Tags:        []string{"checkpoints"},
	}, s.handleDiscardRequest)
}

// --- Request/Response types for huma ---

// LoopStatus is the wire form of agentloop.Status.
type LoopStatus struct {
	State            string `json:"state" enum:"stopped,playing,paused"`
	Interval         string `json:"interval" example:"5m0s"`
	Invocation       int    `json:"invocation"`
	InFlightTaskID   string `json:"in_flight_task_id,omitempty"`
	ForegroundBusy   bool   `json:"foreground_busy"`
	TimerRunning     bool   `json:"timer_running"`
	PendingQuestions int    `json:"pending_questions"`
}

type loopOutput struct {
	Body LoopStatus
}

func loopResponse(st agentloop.Status) *loopOutput {
	return &loopOutput{Body: LoopStatus{
		State:            string(st.State),
		Interval:         st.Interval.String(),
		Invocation:       st.Invocation,
		InFlightTaskID:   st.InFlightTaskID,
		ForegroundBusy:   st.ForegroundBusy,
		TimerRunning:     st.TimerRunning,
		PendingQuestions: st.PendingQuestions,
	}}
}

type playInput struct {
	Body *struct {
		Interval string `json:"interval,omitempty" example:"10m" doc:"Optional interval override"`
	} `required:"false"`
}

type intervalInput struct {
	Body struct {
		Interval string `json:"interval" minLength:"1" example:"10m" doc:"New tick interval"`
	}
}

type foregroundInput struct {
	Body struct {
		Busy bool `json:"busy" doc:"Whether a foreground request is running"`
	}
}

type listQuestionsOutput struct {
	Body struct {
		Questions []agentloop.Question `json:"questions"`
	}
}

type answerQuestionInput struct {
	ID   string `path:"id"`
	Body struct {
		Answer string `json:"answer" minLength:"1" doc:"Answer delivered to the waiting task"`
	}
}

type listConfirmationsOutput struct {
	Body struct {
		Confirmations []tool.Confirmation `json:"confirmations"`
	}
}

type resolveConfirmationInput struct {
	ID   string `path:"id"`
	Body struct {
		Decision string `json:"decision" enum:"approved_once,always_allow,denied" doc:"Decision for the pending call"`
	}
}

type listTasksInput struct {
	Type   string `query:"type" doc:"Filter by task type"`
	Status string `query:"status" doc:"Filter by task status"`
	Limit  int    `query:"limit" minimum:"0" maximum:"1000" doc:"Maximum number of tasks"`
}

type listTasksOutput struct {
	Body struct {
		Tasks []*task.Task `json:"tasks"`
	}
}

type spawnTaskInput struct {
	Body struct {
		Type           string            `json:"type,omitempty" doc:"Task type; defaults to background"`
		Prompt         string            `json:"prompt" minLength:"1"`
		ConversationID string            `json:"conversation_id,omitempty"`
		Model          string            `json:"model,omitempty"`
		MaxTurns       int               `json:"max_turns,omitempty" minimum:"0"`
		Metadata       map[string]string `json:"metadata,omitempty"`
	}
}

type taskIDInput struct {
	ID string `path:"id"`
}

type taskOutput struct {
	Body *task.Task
}

type chatInput struct {
	Body struct {
		Message        string `json:"message" minLength:"1" doc:"Message content"`
		ConversationID string `json:"conversation_id,omitempty"`
		Model          string `json:"model,omitempty"`
	}
}

type chatOutput struct {
	Body struct {
		TaskID   string `json:"task_id"`
		Status   string `json:"status"`
		Response string `json:"response,omitempty"`
		Error    string `json:"error,omitempty"`
	}
}

type listPendingDecisionsOutput struct {
	Body struct {
		Decisions []checkpoint.PendingDecision `json:"decisions"`
	}
}

// --- Handlers ---

func (s *Server) handleLoopStatus(_ context.Context, _ *struct{}) (*loopOutput, error) {
	return loopResponse(s.services.Loop().Status()), nil
}

func (s *Server) handleLoopPlay(ctx context.Context, input *playInput) (*loopOutput, error) {
	var override time.Duration
	if input.Body != nil && input.Body.Interval != "" {
		d, err := time.ParseDuration(input.Body.Interval)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid interval: " + err.Error())
		}
		override = d
	}
	return loopResponse(s.services.Loop().Play(ctx, override)), nil
}

func (s *Server) handleLoopInterval(_ context.Context, input *intervalInput) (*loopOutput, error) {
	d, err := time.ParseDuration(input.Body.Interval)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid interval: " + err.Error())
	}
	if err := s.services.Loop().SetInterval(d); err != nil {
		return nil, apiError("setting interval", err)
	}
	return loopResponse(s.services.Loop().Status()), nil
}

func (s *Server) handleLoopForeground(_ context.Context, input *foregroundInput) (*loopOutput, error) {
	s.services.Loop().SetForegroundBusy(input.Body.Busy)
	return loopResponse(s.services.Loop().Status()), nil
}

func (s *Server) handleListQuestions(_ context.Context, _ *struct{}) (*listQuestionsOutput, error) {
	out := &listQuestionsOutput{}
	out.Body.Questions = s.services.Loop().PendingQuestions()
	if out.Body.Questions == nil {
		out.Body.Questions = []agentloop.Question{}
	}
	return out, nil
}

func (s *Server) handleAnswerQuestion(ctx context.Context, input *answerQuestionInput) (*struct{}, error) {
	if err := s.services.Loop().ResolveQuestion(ctx, input.ID, input.Body.Answer); err != nil {
		return nil, apiError("answering question", err)
	}
	return nil, nil
}

func (s *Server) handleListConfirmations(_ context.Context, _ *struct{}) (*listConfirmationsOutput, error) {
	out := &listConfirmationsOutput{}
	out.Body.Confirmations = s.services.Confirmations().Pending()
	if out.Body.Confirmations == nil {
		out.Body.Confirmations = []tool.Confirmation{}
	}
	return out, nil
}

func (s *Server) handleResolveConfirmation(ctx context.Context, input *resolveConfirmationInput) (*struct{}, error) {
	decision := tool.Status(input.Body.Decision)
	if err := s.services.Confirmations().ResolveConfirmation(ctx, input.ID, decision); err != nil {
		return nil, apiError("resolving confirmation", err)
	}
	return nil, nil
}

func (s *Server) handleListTasks(ctx context.Context, input *listTasksInput) (*listTasksOutput, error) {
	var f task.Filter
	if input.Type != "" {
		t, err := types.ParseTaskType(input.Type)
		if err != nil {
			return nil, apiError("listing tasks", err)
		}
		f.Type = t
	}
	if input.Status != "" {
		st := types.TaskStatus(strings.ToLower(input.Status))
		if !st.Valid() {
			return nil, huma.Error400BadRequest("invalid task status: " + input.Status)
		}
		f.Status = st
	}
	f.Limit = input.Limit

	tasks, err := s.services.Tasks().ListTasks(ctx, f)
	if err != nil {
		return nil, apiError("listing tasks", err)
	}
	out := &listTasksOutput{}
	out.Body.Tasks = tasks
	if out.Body.Tasks == nil {
		out.Body.Tasks = []*task.Task{}
	}
	return out, nil
}

func (s *Server) handleSpawnTask(ctx context.Context, input *spawnTaskInput) (*taskOutput, error) {
	typ := types.TaskTypeBackground
	if input.Body.Type != "" {
		t, err := types.ParseTaskType(input.Body.Type)
		if err != nil {
			return nil, apiError("spawning task", err)
		}
		typ = t
	}
	t, err := s.services.Tasks().SpawnTask(ctx, task.Spec{
		Type:           typ,
		Prompt:         input.Body.Prompt,
		ConversationID: input.Body.ConversationID,
		Model:          input.Body.Model,
		MaxTurns:       input.Body.MaxTurns,
		Metadata:       input.Body.Metadata,
	})
	if err != nil {
		return nil, apiError("spawning task", err)
	}
	s.logger.Info("task spawned via api", "task_id", t.ID, "type", t.Type)
	return &taskOutput{Body: t}, nil
}

func (s *Server) handleGetTask(ctx context.Context, input *taskIDInput) (*taskOutput, error) {
	t, err := s.services.Tasks().GetTask(ctx, input.ID)
	if err != nil {
		return nil, apiError("getting task", err)
	}
	return &taskOutput{Body: t}, nil
}

func (s *Server) handleCancelTask(_ context.Context, input *taskIDInput) (*struct{}, error) {
	if err := s.services.Tasks().CancelTask(input.ID); err != nil {
		return nil, apiError("cancelling task", err)
	}
	return nil, nil
}

// handleChat runs a user request as a request task and waits for it.
// Request tasks mark the foreground busy, which holds back the agent loop.
func (s *Server) handleChat(ctx context.Context, input *chatInput) (*chatOutput, error) {
	t, err := s.services.Tasks().SpawnTask(ctx, task.Spec{
		Type:           types.TaskTypeRequest,
		Prompt:         input.Body.Message,
		ConversationID: input.Body.ConversationID,
		Model:          input.Body.Model,
	})
	if err != nil {
		return nil, apiError("sending message", err)
	}

	done, err := s.services.Tasks().Wait(ctx, t.ID)
	if err != nil {
		return nil, apiError("waiting for response", err)
	}

	out := &chatOutput{}
	out.Body.TaskID = done.ID
	out.Body.Status = string(done.Status)
	out.Body.Response = done.Result
	out.Body.Error = done.Error
	return out, nil
}

func (s *Server) handleListPendingDecisions(_ context.Context, _ *struct{}) (*listPendingDecisionsOutput, error) {
	rec := s.services.Recovery()
	if rec == nil {
		return nil, huma.Error404NotFound("checkpoint recovery is disabled")
	}
	out := &listPendingDecisionsOutput{}
	out.Body.Decisions = []checkpoint.PendingDecision{}
	if d := rec.PendingDecisions(); d != nil {
		out.Body.Decisions = d
	}
	return out, nil
}

func (s *Server) handleResumeRequest(ctx context.Context, input *taskIDInput) (*taskOutput, error) {
	rec := s.services.Recovery()
	if rec == nil {
		return nil, huma.Error404NotFound("checkpoint recovery is disabled")
	}
	t, err := rec.ResumeRequest(ctx, input.ID)
	if err != nil {
		return nil, apiError("resuming request", err)
	}
	return &taskOutput{Body: t}, nil
}

func (s *Server) handleDiscardRequest(ctx context.Context, input *taskIDInput) (*struct{}, error) {
	rec := s.services.Recovery()
	if rec == nil {
		return nil, huma.Error404NotFound("checkpoint recovery is disabled")
	}
	if err := rec.DiscardRequest(ctx, input.ID); err != nil {
		return nil, apiError("discarding request", err)
	}
	return nil, nil
}
