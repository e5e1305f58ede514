// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/server"
)

type sseFrame struct {
	event string
	data  string
}

// readFrames returns a channel of frames parsed from an SSE body.
func readFrames(body *bufio.Scanner) <-chan sseFrame {
	out := make(chan sseFrame, 16)
	go func() {
		defer close(out)
		var cur sseFrame
		for body.Scan() {
			line := body.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "" && cur.event != "":
				out <- cur
				cur = sseFrame{}
			}
		}
	}()
	return out
}

func openStream(t *testing.T, bus *events.Bus, query string) <-chan sseFrame {
	t.Helper()
	f := newFixture(t, server.Config{}, server.WithBus(bus))
	ts := httptest.NewServer(f.srv.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events"+query, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	return readFrames(bufio.NewScanner(resp.Body))
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case fr, ok := <-frames:
		require.True(t, ok, "stream closed")
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseFrame{}
	}
}

func TestEvents_RelaysBus(t *testing.T) {
	bus := events.New()
	frames := openStream(t, bus, "")

	events.EmitTyped(bus, events.TopicLoopStateChanged, events.StateChanged{From: "stopped", To: "playing", Interval: time.Minute})

	fr := nextFrame(t, frames)
	assert.Equal(t, string(events.TopicLoopStateChanged.Kind), fr.event)

	var e map[string]any
	require.NoError(t, json.Unmarshal([]byte(fr.data), &e))
	assert.Equal(t, fr.event, e["kind"])
	payload, ok := e["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "playing", payload["to"])
}

func TestEvents_KindFilter(t *testing.T) {
	bus := events.New()
	frames := openStream(t, bus, "?kinds="+string(events.TopicLoopQuestion.Kind))

	events.EmitTyped(bus, events.TopicLoopStateChanged, events.StateChanged{From: "stopped", To: "playing"})
	events.EmitTyped(bus, events.TopicLoopQuestion, events.Question{ID: "q-1", TaskID: "task-1", Text: "which branch?"})

	fr := nextFrame(t, frames)
	assert.Equal(t, string(events.TopicLoopQuestion.Kind), fr.event)
	assert.Contains(t, fr.data, "which branch?")
}

func TestEvents_UnsubscribesOnDisconnect(t *testing.T) {
	bus := events.New()
	f := newFixture(t, server.Config{}, server.WithBus(bus))
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEvents_WithoutBus(t *testing.T) {
	f := newFixture(t, server.Config{})

	w := f.do(t, http.MethodGet, "/api/v1/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
