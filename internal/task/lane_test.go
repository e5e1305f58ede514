// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package task_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/conductor/internal/task"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

func TestLane_RunsFIFO(t *testing.T) {
	lane := task.NewLane("conv-1")
	defer lane.Close()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := range 3 {
		// Stagger submissions so the queue receives them in order.
		time.Sleep(5 * time.Millisecond)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lane.Submit(context.Background(), func(_ context.Context) error {
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestLane_PanicBecomesError(t *testing.T) {
	lane := task.NewLane("panicky")
	defer lane.Close()

	err := lane.Submit(context.Background(), func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeTaskRunFailure))

	// The lane keeps serving after a panic.
	require.NoError(t, lane.Submit(context.Background(), func(context.Context) error { return nil }))
}

func TestLane_CancelledWhileQueuedNeverRuns(t *testing.T) {
	lane := task.NewLane("busy")
	defer lane.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = lane.Submit(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- lane.Submit(ctx, func(context.Context) error {
			t.Error("cancelled work must not run")
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()
	close(release)

	err := <-errc
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLane_SubmitAfterClose(t *testing.T) {
	lane := task.NewLane("closed")
	lane.Close()
	lane.Close()

	err := lane.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	assert.True(t, sigilerr.HasCode(err, sigilerr.CodeTaskManagerClosed))
}

func TestLanePool_SeparateKeysRunConcurrently(t *testing.T) {
	pool := task.NewLanePool()
	defer pool.Close()

	var peak, running atomic.Int32
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		lane, release := pool.Acquire(key)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			err := lane.Submit(context.Background(), func(context.Context) error {
				cur := running.Add(1)
				for {
					old := peak.Load()
					if cur <= old || peak.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(50 * time.Millisecond)
				running.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, peak.Load(), int32(2))
	assert.Zero(t, pool.Len(), "released lanes are closed")
}

func TestLanePool_SharedKeyIsReleasedByLastHolder(t *testing.T) {
	pool := task.NewLanePool()
	defer pool.Close()

	l1, r1 := pool.Acquire("k")
	l2, r2 := pool.Acquire("k")
	assert.Same(t, l1, l2)

	r1()
	r1()
	assert.Equal(t, 1, pool.Len())
	r2()
	assert.Zero(t, pool.Len())

	l3, r3 := pool.Acquire("k")
	defer r3()
	assert.NotSame(t, l1, l3)
}
