// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package agentloop_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/conductor/internal/agentloop"
	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/store"
	"github.com/sigil-dev/conductor/internal/tool"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

type askResult struct {
	answer string
	err    error
}

func ask(h *harness, ctx context.Context, taskID, text string) <-chan askResult {
	out := make(chan askResult, 1)
	go func() {
		ans, err := h.ctrl.AskQuestion(ctx, taskID, text)
		out <- askResult{ans, err}
	}()
	return out
}

func awaitQuestion(t *testing.T, h *harness) agentloop.Question {
	t.Helper()
	var q agentloop.Question
	require.Eventually(t, func() bool {
		pending := h.ctrl.PendingQuestions()
		if len(pending) == 0 {
			return false
		}
		q = pending[0]
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return q
}

func TestAskQuestionBlocksUntilResolved(t *testing.T) {
	h := newHarness(t, agentloop.Config{Interval: time.Minute})
	var asked []events.Question
	events.OnTyped(h.bus, events.TopicLoopQuestion, func(q events.Question) { asked = append(asked, q) })
	var chat []events.ChatMessage
	events.OnTyped(h.bus, events.TopicChatMessage, func(m events.ChatMessage) { chat = append(chat, m) })

	res := ask(h, context.Background(), "task-9", "  Which branch should I deploy?  ")
	q := awaitQuestion(t, h)
	assert.Equal(t, "task-9", q.TaskID)
	assert.Equal(t, "Which branch should I deploy?", q.Text)
	assert.Equal(t, 1, h.ctrl.Status().PendingQuestions)

	select {
	case <-res:
		t.Fatal("AskQuestion returned before an answer")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, h.ctrl.ResolveQuestion(context.Background(), q.ID, "main"))
	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, "main", got.answer)
	assert.Empty(t, h.ctrl.PendingQuestions())

	require.Len(t, asked, 1)
	assert.Equal(t, q.ID, asked[0].ID)
	require.Len(t, chat, 1)
	assert.Equal(t, "main", chat[0].Content)
	assert.Equal(t, "primary", chat[0].ConversationID)

	msgs, _ := h.history.Recent(context.Background(), "primary", 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageRoleUser, msgs[0].Role)
	assert.Equal(t, "main", msgs[0].Content)
	assert.Equal(t, "question", msgs[0].Source)
	assert.Equal(t, "task-9", msgs[0].TaskID)
}

func TestResolveUnknownQuestion(t *testing.T) {
	h := newHarness(t, agentloop.Config{Interval: time.Minute})

	err := h.ctrl.ResolveQuestion(context.Background(), "nope", "x")
	require.Error(t, err)
	assert.True(t, sigilerr.IsNotFound(err))
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeAgentLoopQuestionNotFound))
}

func TestResolveQuestionTwiceFails(t *testing.T) {
	h := newHarness(t, agentloop.Config{Interval: time.Minute})
	res := ask(h, context.Background(), "t", "why?")
	q := awaitQuestion(t, h)

	require.NoError(t, h.ctrl.ResolveQuestion(context.Background(), q.ID, "because"))
	<-res
	err := h.ctrl.ResolveQuestion(context.Background(), q.ID, "again")
	assert.True(t, sigilerr.IsNotFound(err))
}

func TestResolveQuestionInEveryState(t *testing.T) {
	h := newHarness(t, agentloop.Config{Interval: time.Minute})

	for _, transition := range []func(){
		func() {},
		func() { h.ctrl.Play(context.Background(), 0) },
		func() { h.ctrl.Pause() },
	} {
		transition()
		res := ask(h, context.Background(), "t", "still there?")
		q := awaitQuestion(t, h)
		require.NoError(t, h.ctrl.ResolveQuestion(context.Background(), q.ID, "yes"))
		got := <-res
		require.NoError(t, got.err)
		assert.Equal(t, "yes", got.answer)
	}
}

func TestAskQuestionCancelledDropsEntry(t *testing.T) {
	h := newHarness(t, agentloop.Config{Interval: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	res := ask(h, ctx, "t", "anyone?")
	awaitQuestion(t, h)
	cancel()

	got := <-res
	require.Error(t, got.err)
	assert.True(t, sigilerr.IsCancelled(got.err))
	assert.Empty(t, h.ctrl.PendingQuestions())
}

func TestAskQuestionRejectsEmptyText(t *testing.T) {
	h := newHarness(t, agentloop.Config{Interval: time.Minute})
	_, err := h.ctrl.AskQuestion(context.Background(), "t", "   ")
	require.Error(t, err)
	assert.True(t, sigilerr.IsInvalidInput(err))
}

func TestCloseReleasesQuestionWaiters(t *testing.T) {
	h := newHarness(t, agentloop.Config{Interval: time.Minute})
	res := ask(h, context.Background(), "t", "hello?")
	awaitQuestion(t, h)

	require.NoError(t, h.ctrl.Close())
	got := <-res
	require.Error(t, got.err)
	assert.True(t, sigilerr.HasCode(got.err, sigilerr.CodeAgentLoopClosed))

	_, err := h.ctrl.AskQuestion(context.Background(), "t", "after close")
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeAgentLoopClosed))
}

func TestPendingQuestionsOldestFirst(t *testing.T) {
	h := newHarness(t, agentloop.Config{Interval: time.Minute})
	ask(h, context.Background(), "t1", "first")
	require.Eventually(t, func() bool { return len(h.ctrl.PendingQuestions()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(2 * time.Millisecond)
	ask(h, context.Background(), "t2", "second")
	require.Eventually(t, func() bool { return len(h.ctrl.PendingQuestions()) == 2 }, time.Second, time.Millisecond)

	pending := h.ctrl.PendingQuestions()
	assert.Equal(t, "first", pending[0].Text)
	assert.Equal(t, "second", pending[1].Text)
}

func TestAskHumanTool(t *testing.T) {
	h := newHarness(t, agentloop.Config{Interval: time.Minute})
	reg := tool.NewRegistry()
	require.NoError(t, agentloop.RegisterAskHuman(reg, h.ctrl))

	def, ok := reg.Lookup(agentloop.AskHumanTool)
	require.True(t, ok)
	assert.Equal(t, tool.ClassLongRunning, def.Class)

	runner := tool.NewRunner(reg, tool.NewSecurity())
	ctx := tool.WithCallInfo(context.Background(), tool.CallInfo{TaskID: "task-42"})

	out := make(chan *tool.Result, 1)
	go func() {
		out <- runner.Execute(ctx, agentloop.AskHumanTool, map[string]any{"question": "proceed?"}, tool.ExecOptions{})
	}()

	q := awaitQuestion(t, h)
	assert.Equal(t, "task-42", q.TaskID)
	require.NoError(t, h.ctrl.ResolveQuestion(context.Background(), q.ID, "go ahead"))

	res := <-out
	require.True(t, res.OK(), res.Text())
	assert.Equal(t, "go ahead", res.Content)
}

func TestAskQuestionRunsBeforeBlockHook(t *testing.T) {
	spawner := newFakeSpawner()
	flushed := make(chan string, 1)
	ctrl, err := agentloop.New(spawner, agentloop.Config{Interval: time.Minute},
		agentloop.WithTimerFunc((&fakeClock{}).AfterFunc),
		agentloop.WithBeforeBlock(func(_ context.Context, taskID string) { flushed <- taskID }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctrl.Close() })

	res := make(chan error, 1)
	go func() {
		_, err := ctrl.AskQuestion(context.Background(), "loop-7", "deploy now?")
		res <- err
	}()

	select {
	case id := <-flushed:
		assert.Equal(t, "loop-7", id)
	case <-time.After(2 * time.Second):
		t.Fatal("hook not called before blocking")
	}
	require.Eventually(t, func() bool { return len(ctrl.PendingQuestions()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, ctrl.ResolveQuestion(context.Background(), ctrl.PendingQuestions()[0].ID, "yes"))
	require.NoError(t, <-res)
}
