// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agentloop

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/store"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// Question is a blocking question raised by an autonomous task.
type Question struct {
	ID      string    `json:"id"`
	TaskID  string    `json:"task_id"`
	Text    string    `json:"text"`
	AskedAt time.Time `json:"asked_at"`
}

type pendingQuestion struct {
	q      Question
	answer chan string
}

// AskQuestion records a question and blocks the calling task until it is
// answered, ctx ends or the controller closes. The loop timer keeps
// running meanwhile; ticks are skipped because the task is still active.
func (c *Controller) AskQuestion(ctx context.Context, taskID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", sigilerr.New(sigilerr.CodeAgentLoopQuestionInvalid, "question text is required")
	}

	pq := &pendingQuestion{
		q: Question{
			ID:      uuid.NewString(),
			TaskID:  taskID,
			Text:    text,
			AskedAt: time.Now().UTC(),
		},
		answer: make(chan string, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", sigilerr.New(sigilerr.CodeAgentLoopClosed, "agent loop is closed")
	}
	c.questions[pq.q.ID] = pq
	pending := len(c.questions)
	c.mu.Unlock()

	c.metrics.setPending(pending)
	if c.beforeBlock != nil {
		c.beforeBlock(ctx, taskID)
	}
	c.logger.Info("agent asked a question", "question_id", pq.q.ID, "task_id", taskID)
	events.EmitTyped(c.bus, events.TopicLoopQuestion, events.Question{ID: pq.q.ID, TaskID: taskID, Text: text})

	select {
	case ans := <-pq.answer:
		return ans, nil
	case <-ctx.Done():
		c.dropQuestion(pq.q.ID)
		return "", ctx.Err()
	case <-c.closing:
		c.dropQuestion(pq.q.ID)
		return "", sigilerr.New(sigilerr.CodeAgentLoopClosed, "agent loop closed before the question was answered")
	}
}

func (c *Controller) dropQuestion(id string) {
	c.mu.Lock()
	delete(c.questions, id)
	pending := len(c.questions)
	c.mu.Unlock()
	c.metrics.setPending(pending)
}

// ResolveQuestion answers a pending question: the answer is appended to the
// primary conversation, the asking task is woken, and a playing loop whose
// timer is idle is re-armed. Valid in every controller state.
func (c *Controller) ResolveQuestion(ctx context.Context, questionID, answer string) error {
	c.mu.Lock()
	pq, ok := c.questions[questionID]
	if ok {
		delete(c.questions, questionID)
	}
	pending := len(c.questions)
	c.mu.Unlock()

	if !ok {
		return sigilerr.New(sigilerr.CodeAgentLoopQuestionNotFound, "question not found: "+questionID,
			sigilerr.Field("question_id", questionID))
	}
	c.metrics.setPending(pending)

	if c.history != nil && c.convID != "" {
		msg := &store.Message{
			ID:             uuid.NewString(),
			ConversationID: c.convID,
			Role:           store.MessageRoleUser,
			Content:        answer,
			Source:         "question",
			TaskID:         pq.q.TaskID,
			CreatedAt:      time.Now().UTC(),
			Metadata:       map[string]string{"question_id": questionID, "question": pq.q.Text},
		}
		if err := c.history.Append(ctx, msg); err != nil {
			c.logger.Warn("persisting question answer failed", "question_id", questionID, "error", err)
		}
	}
	events.EmitTyped(c.bus, events.TopicChatMessage, events.ChatMessage{
		ConversationID: c.convID,
		Role:           string(store.MessageRoleUser),
		Content:        answer,
		Source:         "question",
	})

	pq.answer <- answer
	c.logger.Info("question answered", "question_id", questionID, "task_id", pq.q.TaskID)

	c.mu.Lock()
	if c.state == StatePlaying && c.timer == nil {
		c.startTimerLocked()
	}
	c.mu.Unlock()
	return nil
}

// PendingQuestions lists unanswered questions, oldest first.
func (c *Controller) PendingQuestions() []Question {
	c.mu.Lock()
	out := make([]Question, 0, len(c.questions))
	for _, pq := range c.questions {
		out = append(out, pq.q)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AskedAt.Equal(out[j].AskedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AskedAt.Before(out[j].AskedAt)
	})
	return out
}
