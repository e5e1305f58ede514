// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package pipeline

import (
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sigil-dev/conductor/internal/provider"
	"github.com/sigil-dev/conductor/pkg/types"
)

// DefaultMaxTurns bounds the agent loop when a request sets no ceiling.
const DefaultMaxTurns = 20

// ChunkSink receives streamed response text.
type ChunkSink func(chunk string)

// StageError is one recorded stage failure.
type StageError struct {
	Message string          `json:"message"`
	Stage   types.StageName `json:"stage"`
	At      time.Time       `json:"at"`
}

// RequestOptions seed a new RequestContext.
type RequestOptions struct {
	Input          string
	Model          string
	MaxTurns       int
	Sink           ChunkSink
	TaskID         string
	TaskType       types.TaskType
	ConversationID string
	Metadata       map[string]any
	// History is the prior transcript the model should see before Input.
	History []provider.Message
}

// RequestContext is the state of one pipeline run. Identity fields are
// fixed at construction; everything else is mutable until Complete, after
// which every mutator is a no-op. All methods are safe for concurrent use.
type RequestContext struct {
	mu sync.RWMutex

	id             string
	originalInput  string
	currentInput   string
	sink           ChunkSink
	model          string
	maxTurns       int
	taskID         string
	taskType       types.TaskType
	conversationID string
	retryCount     int

	turn           int
	toolCalls      int
	errors         []StageError
	metadata       map[string]any
	messages       []provider.Message
	finalResponse  string
	skipToFinalize bool
	startedAt      time.Time
	completedAt    time.Time
}

// NewRequestContext creates a context with a fresh id.
func NewRequestContext(opts RequestOptions) *RequestContext {
	maxTurns := opts.MaxTurns
	if maxTurns == 0 {
		maxTurns = DefaultMaxTurns
	}
	taskType := opts.TaskType
	if taskType == "" {
		taskType = types.TaskTypeRequest
	}
	md := make(map[string]any, len(opts.Metadata))
	maps.Copy(md, opts.Metadata)

	return &RequestContext{
		id:             uuid.NewString(),
		originalInput:  opts.Input,
		currentInput:   opts.Input,
		sink:           opts.Sink,
		model:          opts.Model,
		maxTurns:       maxTurns,
		taskID:         opts.TaskID,
		taskType:       taskType,
		conversationID: opts.ConversationID,
		metadata:       md,
		messages:       append([]provider.Message(nil), opts.History...),
		startedAt:      time.Now(),
	}
}

// Retry returns a new context for input that shares this one's streaming
// sink, model, turn ceiling and task identity. The receiver is not changed.
func (rc *RequestContext) Retry(input string) *RequestContext {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	md := make(map[string]any, len(rc.metadata))
	maps.Copy(md, rc.metadata)
	return &RequestContext{
		id:             uuid.NewString(),
		originalInput:  input,
		currentInput:   input,
		sink:           rc.sink,
		model:          rc.model,
		maxTurns:       rc.maxTurns,
		taskID:         rc.taskID,
		taskType:       rc.taskType,
		conversationID: rc.conversationID,
		retryCount:     rc.retryCount + 1,
		metadata:       md,
		startedAt:      time.Now(),
	}
}

func (rc *RequestContext) ID() string { return rc.id }
func (rc *RequestContext) OriginalInput() string { return rc.originalInput }
func (rc *RequestContext) Model() string { return rc.model }
func (rc *RequestContext) MaxTurns() int { return rc.maxTurns }
func (rc *RequestContext) TaskID() string { return rc.taskID }
func (rc *RequestContext) TaskType() types.TaskType { return rc.taskType }
func (rc *RequestContext) ConversationID() string { return rc.conversationID }
func (rc *RequestContext) RetryCount() int { return rc.retryCount }
func (rc *RequestContext) StartedAt() time.Time { return rc.startedAt }

// Streaming reports whether response chunks are forwarded to a sink.
func (rc *RequestContext) Streaming() bool { return rc.sink != nil }

func (rc *RequestContext) CurrentInput() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.currentInput
}

func (rc *RequestContext) FinalResponse() string {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.finalResponse
}

func (rc *RequestContext) Turn() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.turn
}

func (rc *RequestContext) ToolCalls() int {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.toolCalls
}

func (rc *RequestContext) SkipToFinalize() bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.skipToFinalize
}

func (rc *RequestContext) CompletedAt() time.Time {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.completedAt
}

func (rc *RequestContext) Errors() []StageError {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return append([]StageError(nil), rc.errors...)
}

func (rc *RequestContext) Messages() []provider.Message {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return append([]provider.Message(nil), rc.messages...)
}

func (rc *RequestContext) Metadata() map[string]any {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return maps.Clone(rc.metadata)
}

func (rc *RequestContext) Completed() bool {
	return !rc.CompletedAt().IsZero()
}

// mutate runs fn under the write lock unless the context is complete, and
// reports whether it ran.
func (rc *RequestContext) mutate(fn func()) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if !rc.completedAt.IsZero() {
		return false
	}
	fn()
	return true
}

func (rc *RequestContext) SetCurrentInput(s string) {
	rc.mutate(func() { rc.currentInput = s })
}

func (rc *RequestContext) SetFinalResponse(s string) {
	rc.mutate(func() { rc.finalResponse = s })
}

// SetSkipToFinalize asks the pipeline to jump straight to the finalize
// stage on the next dispatch.
func (rc *RequestContext) SetSkipToFinalize() {
	rc.mutate(func() { rc.skipToFinalize = true })
}

// NextTurn increments the turn counter and returns the new turn number, or
// the current one if the context is complete.
func (rc *RequestContext) NextTurn() int {
	rc.mutate(func() { rc.turn++ })
	return rc.Turn()
}

func (rc *RequestContext) AddToolCalls(n int) {
	rc.mutate(func() { rc.toolCalls += n })
}

// AddError records err against stage.
func (rc *RequestContext) AddError(err error, stage types.StageName) {
	if err == nil {
		return
	}
	rc.mutate(func() {
		rc.errors = append(rc.errors, StageError{Message: err.Error(), Stage: stage, At: time.Now()})
	})
}

func (rc *RequestContext) SetMetadata(key string, value any) {
	rc.mutate(func() { rc.metadata[key] = value })
}

func (rc *RequestContext) AppendMessages(msgs ...provider.Message) {
	rc.mutate(func() { rc.messages = append(rc.messages, msgs...) })
}

// Emit forwards a streamed chunk to the sink while the context is live.
func (rc *RequestContext) Emit(chunk string) {
	if rc.sink == nil || chunk == "" || rc.Completed() {
		return
	}
	rc.sink(chunk)
}

// Complete marks the context finished. Only the first call has an effect;
// it reports whether this call was that one.
func (rc *RequestContext) Complete() bool {
	return rc.mutate(func() { rc.completedAt = time.Now() })
}
