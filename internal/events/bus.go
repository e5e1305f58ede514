// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package events is the in-process event bus that connects the agent loop,
// the tool subsystem and crash recovery to whoever is listening: the HTTP
// event stream, tests, or other components.
//
// The bus is nil-safe. Emitting on a nil *Bus is a no-op so components do
// not need guard checks.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Kind names an event.
type Kind string

// Event is a single published event.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	Payload   any       `json:"payload,omitempty"`
}

// Handler receives events synchronously on the emitting goroutine.
// Emitters never hold their own locks while emitting, so handlers may call
// back into the emitting component.
type Handler func(Event)

// Bus dispatches events to kind-scoped handlers and to channel subscribers.
// Channel subscribers receive every kind on a buffered channel; a full
// channel drops the event instead of blocking the emitter.
type Bus struct {
	mu         sync.RWMutex
	nextID     uint64
	handlers   map[Kind]map[uint64]Handler
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
	logger     *slog.Logger
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		handlers:   make(map[Kind]map[uint64]Handler),
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
		logger:     slog.Default(),
	}
}

// On registers h for kind and returns a function that removes it.
// Calling the returned function more than once is harmless.
func (b *Bus) On(kind Kind, h Handler) func() {
	if b == nil || h == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[uint64]Handler)
	}
	b.handlers[kind][id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[kind], id)
	}
}

// Emit publishes payload under kind.
func (b *Bus) Emit(kind Kind, payload any) {
	if b == nil {
		return
	}

	e := Event{Timestamp: time.Now().UTC(), Kind: kind, Payload: payload}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[kind]))
	for _, h := range b.handlers[kind] {
		handlers = append(handlers, h)
	}
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, e)
	}
}

func (b *Bus) dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", e.Kind, "panic", r)
		}
	}()
	h(e)
}

// Subscribe returns a channel receiving every event. The caller must call
// Unsubscribe to release it.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of channel subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
