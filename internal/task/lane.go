// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package task

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

type workItem struct {
	fn     func(context.Context) error
	ctx    context.Context
	result chan<- error
}

// Lane runs submitted work one item at a time in FIFO order on a single
// background goroutine.
type Lane struct {
	key     string
	queue   chan workItem
	done    chan struct{}
	closing chan struct{}

	once sync.Once
}

// NewLane starts a lane. Call Close when it is no longer needed.
func NewLane(key string) *Lane {
	l := &Lane{
		key:     key,
		queue:   make(chan workItem, 256),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Lane) run() {
	defer close(l.done)
	for {
		select {
		case w := <-l.queue:
			l.execute(w)
		case <-l.closing:
			// Drain anything already queued.
			for {
				select {
				case w := <-l.queue:
					l.execute(w)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) execute(w workItem) {
	if err := w.ctx.Err(); err != nil {
		w.result <- err
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("lane worker panic recovered",
					"lane", l.key,
					"panic", r,
					"stack", string(debug.Stack()))
				err = sigilerr.Errorf(sigilerr.CodeTaskRunFailure, "worker panic: %v", r)
			}
		}()
		err = w.fn(w.ctx)
	}()

	w.result <- err
}

// Submit enqueues fn and blocks until it has run. If ctx ends before fn
// starts, ctx.Err() is returned and fn never runs.
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-l.closing:
		return sigilerr.New(sigilerr.CodeTaskManagerClosed, "lane is closed")
	default:
	}

	result := make(chan error, 1)
	w := workItem{fn: fn, ctx: ctx, result: result}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.closing:
		return sigilerr.New(sigilerr.CodeTaskManagerClosed, "lane is closed")
	case l.queue <- w:
	}

	// Once queued the item always reports back: either it runs or it sees
	// its cancelled ctx.
	return <-result
}

// Close stops accepting work and waits for queued items to finish.
// Idempotent.
func (l *Lane) Close() {
	l.once.Do(func() {
		close(l.closing)
		<-l.done
	})
}

// LanePool hands out lanes by key, creating them on first use.
type LanePool struct {
	mu    sync.Mutex
	lanes map[string]*pooledLane
}

type pooledLane struct {
	lane *Lane
	refs int
}

func NewLanePool() *LanePool {
	return &LanePool{lanes: make(map[string]*pooledLane)}
}

// Acquire returns the lane for key and a release func. The lane is closed
// once every holder has released it.
func (p *LanePool) Acquire(key string) (*Lane, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pl, ok := p.lanes[key]
	if !ok {
		pl = &pooledLane{lane: NewLane(key)}
		p.lanes[key] = pl
	}
	pl.refs++

	var once sync.Once
	return pl.lane, func() {
		once.Do(func() { p.release(key, pl) })
	}
}

func (p *LanePool) release(key string, pl *pooledLane) {
	p.mu.Lock()
	pl.refs--
	last := pl.refs == 0 && p.lanes[key] == pl
	if last {
		delete(p.lanes, key)
	}
	p.mu.Unlock()

	if last {
		pl.lane.Close()
	}
}

// Len reports the number of live lanes.
func (p *LanePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Close shuts down every lane.
func (p *LanePool) Close() {
	p.mu.Lock()
	lanes := p.lanes
	p.lanes = make(map[string]*pooledLane)
	p.mu.Unlock()

	for _, pl := range lanes {
		pl.lane.Close()
	}
}
