// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package task

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
	"github.com/sigil-dev/conductor/pkg/types"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule validates a cron expression. Seconds are optional and
// descriptors such as @hourly are accepted.
func ParseSchedule(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(strings.TrimSpace(expr))
	if err != nil {
		return nil, sigilerr.Wrapf(err, sigilerr.CodeTaskScheduleFormat, "invalid cron expression %q", expr)
	}
	return s, nil
}

// Recurring is a named prompt fired on a cron schedule.
type Recurring struct {
	Name           string
	Schedule       string
	Prompt         string
	ConversationID string
}

// Spawner is the part of Manager the scheduler needs.
type Spawner interface {
	SpawnTask(ctx context.Context, spec Spec) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
}

// RecurringScheduler spawns recurring tasks. A job whose previous task is
// still queued or running is skipped for that tick.
type RecurringScheduler struct {
	cron    *cron.Cron
	spawner Spawner
	logger  *slog.Logger

	mu   sync.Mutex
	last map[string]string // job name -> last task id
	jobs map[string]cron.EntryID
}

// NewRecurringScheduler validates every job up front; nothing is scheduled
// if any expression is invalid.
func NewRecurringScheduler(spawner Spawner, jobs []Recurring, logger *slog.Logger) (*RecurringScheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RecurringScheduler{
		cron:    cron.New(cron.WithParser(cronParser)),
		spawner: spawner,
		logger:  logger,
		last:    make(map[string]string),
		jobs:    make(map[string]cron.EntryID),
	}

	for _, job := range jobs {
		if strings.TrimSpace(job.Name) == "" {
			return nil, sigilerr.New(sigilerr.CodeTaskScheduleFormat, "recurring job name is required")
		}
		if _, dup := s.jobs[job.Name]; dup {
			return nil, sigilerr.Errorf(sigilerr.CodeTaskScheduleFormat, "duplicate recurring job %q", job.Name)
		}
		sched, err := ParseSchedule(job.Schedule)
		if err != nil {
			return nil, err
		}
		s.jobs[job.Name] = s.cron.Schedule(sched, cron.FuncJob(func() {
			s.Fire(context.Background(), job)
		}))
	}
	return s, nil
}

// Fire spawns job now unless its previous task is still active. It
// reports the spawned task, or nil when skipped or failed.
func (s *RecurringScheduler) Fire(ctx context.Context, job Recurring) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.last[job.Name]; ok {
		t, err := s.spawner.GetTask(ctx, prev)
		if err == nil && t.Status.Active() {
			s.logger.Debug("recurring job still running, skipping", "job", job.Name, "task_id", prev)
			return nil
		}
	}

	t, err := s.spawner.SpawnTask(ctx, Spec{
		Type:           types.TaskTypeRecurring,
		Prompt:         job.Prompt,
		ConversationID: job.ConversationID,
		Metadata:       map[string]string{"job": job.Name, "schedule": job.Schedule},
	})
	if err != nil {
		s.logger.Warn("spawning recurring task failed", "job", job.Name, "error", err)
		return nil
	}
	s.last[job.Name] = t.ID
	s.logger.Info("recurring task spawned", "job", job.Name, "task_id", t.ID)
	return t
}

// Jobs lists the scheduled job names in sorted order.
func (s *RecurringScheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *RecurringScheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for running Fire calls to return.
func (s *RecurringScheduler) Stop() {
	<-s.cron.Stop().Done()
}
