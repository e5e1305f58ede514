// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package events

import "time"

// Topic binds a Kind to its payload type so emitters and listeners agree
// at compile time.
type Topic[T any] struct {
	Kind Kind
}

// EmitTyped publishes payload on topic.
func EmitTyped[T any](b *Bus, topic Topic[T], payload T) {
	b.Emit(topic.Kind, payload)
}

// OnTyped registers h for topic. Events whose payload is not a T are skipped.
func OnTyped[T any](b *Bus, topic Topic[T], h func(T)) func() {
	return b.On(topic.Kind, func(e Event) {
		if p, ok := e.Payload.(T); ok {
			h(p)
		}
	})
}

// StateChanged reports an agent loop transition.
type StateChanged struct {
	From       string        `json:"from"`
	To         string        `json:"to"`
	Invocation int           `json:"invocation"`
	Interval   time.Duration `json:"interval"`
}

// Invocation reports that the agent loop spawned a task.
type Invocation struct {
	Invocation int    `json:"invocation"`
	TaskID     string `json:"task_id"`
}

// Question is a blocking question raised by an autonomous task.
type Question struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
	Text   string `json:"text"`
}

// ChatMessage is a message appended to a conversation.
type ChatMessage struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Source         string `json:"source,omitempty"`
}

// ConfirmationRequested asks a human to approve a sensitive tool call.
type ConfirmationRequested struct {
	ID   string         `json:"id"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// ConfirmationResolved reports the decision on a confirmation.
type ConfirmationResolved struct {
	ID       string `json:"id"`
	Tool     string `json:"tool"`
	Decision string `json:"decision"`
}

// TaskStatus reports a task lifecycle transition.
type TaskStatus struct {
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CheckpointRecovered reports a task respawned from its checkpoint.
type CheckpointRecovered struct {
	OldTaskID string `json:"old_task_id"`
	NewTaskID string `json:"new_task_id"`
	Type      string `json:"type"`
}

// PendingDecision surfaces an interrupted request awaiting human consent.
type PendingDecision struct {
	TaskID    string    `json:"task_id"`
	Type      string    `json:"type"`
	Prompt    string    `json:"prompt"`
	Turn      int       `json:"turn"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestCompleted summarises a finished pipeline run.
type RequestCompleted struct {
	RequestID string        `json:"request_id"`
	TaskID    string        `json:"task_id,omitempty"`
	Turns     int           `json:"turns"`
	ToolCalls int           `json:"tool_calls"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
	Cancelled bool          `json:"cancelled"`
}

var (
	TopicLoopStateChanged      = Topic[StateChanged]{Kind: "agentloop.state_changed"}
	TopicLoopInvocation        = Topic[Invocation]{Kind: "agentloop.invocation"}
	TopicLoopQuestion          = Topic[Question]{Kind: "agentloop.question"}
	TopicChatMessage           = Topic[ChatMessage]{Kind: "chat.message"}
	TopicConfirmationRequested = Topic[ConfirmationRequested]{Kind: "tool.confirmation_requested"}
	TopicConfirmationResolved  = Topic[ConfirmationResolved]{Kind: "tool.confirmation_resolved"}
	TopicTaskStatus            = Topic[TaskStatus]{Kind: "task.status"}
	TopicCheckpointRecovered   = Topic[CheckpointRecovered]{Kind: "checkpoint.recovered"}
	TopicPendingDecision       = Topic[PendingDecision]{Kind: "checkpoint.pending_decision"}
	TopicRequestCompleted      = Topic[RequestCompleted]{Kind: "pipeline.request.completed"}
)
