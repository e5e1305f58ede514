// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"time"

	"github.com/sigil-dev/conductor/internal/agentloop"
	"github.com/sigil-dev/conductor/internal/checkpoint"
	"github.com/sigil-dev/conductor/internal/task"
	"github.com/sigil-dev/conductor/internal/tool"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// LoopService controls the autonomous agent loop. *agentloop.Controller
// satisfies it.
type LoopService interface {
	Play(ctx context.Context, override time.Duration) agentloop.Status
	Pause() agentloop.Status
	Resume(ctx context.Context) agentloop.Status
	Stop() agentloop.Status
	SetInterval(d time.Duration) error
	SetForegroundBusy(busy bool)
	Status() agentloop.Status
	PendingQuestions() []agentloop.Question
	ResolveQuestion(ctx context.Context, questionID, answer string) error
}

// TaskService spawns and inspects tasks. *task.Manager satisfies it.
type TaskService interface {
	SpawnTask(ctx context.Context, spec task.Spec) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, f task.Filter) ([]*task.Task, error)
	CancelTask(id string) error
	Wait(ctx context.Context, id string) (*task.Task, error)
}

// ConfirmationService exposes the tool confirmation ledger.
// *tool.Security satisfies it.
type ConfirmationService interface {
	Pending() []tool.Confirmation
	ResolveConfirmation(ctx context.Context, id string, decision tool.Status) error
}

// RecoveryService resolves requests interrupted by a crash.
// *checkpoint.Manager satisfies it.
type RecoveryService interface {
	PendingDecisions() []checkpoint.PendingDecision
	ResumeRequest(ctx context.Context, taskID string) (*task.Task, error)
	DiscardRequest(ctx context.Context, taskID string) error
}

// Services holds dependencies injected into route handlers.
// Use NewServices to ensure all required services are provided.
type Services struct {
	loop          LoopService
	tasks         TaskService
	confirmations ConfirmationService
	recovery      RecoveryService // optional; nil = checkpoint endpoints return 404
}

// NewServices creates a Services instance with validation. The optional
// recovery argument enables the checkpoint endpoints.
func NewServices(loop LoopService, tasks TaskService, confirmations ConfirmationService, recovery ...RecoveryService) (*Services, error) {
	if loop == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "loop service is required")
	}
	if tasks == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "task service is required")
	}
	if confirmations == nil {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "confirmation service is required")
	}
	if len(recovery) > 1 {
		return nil, sigilerr.New(sigilerr.CodeServerConfigInvalid, "at most one recovery service may be supplied")
	}
	s := &Services{
		loop:          loop,
		tasks:         tasks,
		confirmations: confirmations,
	}
	if len(recovery) > 0 && recovery[0] != nil {
		s.recovery = recovery[0]
	}
	return s, nil
}

// Loop returns the loop service.
func (s *Services) Loop() LoopService { return s.loop }

// Tasks returns the task service.
func (s *Services) Tasks() TaskService { return s.tasks }

// Confirmations returns the confirmation service.
func (s *Services) Confirmations() ConfirmationService { return s.confirmations }

// Recovery returns the recovery service, or nil when not configured.
func (s *Services) Recovery() RecoveryService { return s.recovery }
