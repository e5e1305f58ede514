// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, cfg RateLimitConfig) (*limiter, *time.Time) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	l := newLimiter(cfg, done, slog.Default())
	require.NotNil(t, l)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_DisabledAllowsEverything(t *testing.T) {
	l := newLimiter(RateLimitConfig{}, make(chan struct{}), slog.Default())
	assert.Nil(t, l)
	for range 100 {
		assert.True(t, l.allow("10.0.0.1"))
	}
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	l, now := newTestLimiter(t, RateLimitConfig{RequestsPerSecond: 2, Burst: 3})

	for range 3 {
		assert.True(t, l.allow("10.0.0.1"))
	}
	assert.False(t, l.allow("10.0.0.1"))
	assert.True(t, l.allow("10.0.0.2"), "buckets are per IP")

	*now = now.Add(500 * time.Millisecond)
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))

	*now = now.Add(time.Hour)
	for range 3 {
		assert.True(t, l.allow("10.0.0.1"), "refill is capped at burst")
	}
	assert.False(t, l.allow("10.0.0.1"))
}

func TestLimiter_CleanupEvictsStaleAndCaps(t *testing.T) {
	l, now := newTestLimiter(t, RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxVisitors: 2})

	l.allow("stale")
	*now = now.Add(visitorStaleAfter + time.Second)
	l.allow("a")
	*now = now.Add(time.Second)
	l.allow("b")
	*now = now.Add(time.Second)
	l.allow("c")

	l.cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.visitors, "stale")
	assert.NotContains(t, l.visitors, "a", "oldest live visitor evicted over the cap")
	assert.Contains(t, l.visitors, "b")
	assert.Contains(t, l.visitors, "c")
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		wantErr string
	}{
		{"disabled", RateLimitConfig{}, ""},
		{"negative rate", RateLimitConfig{RequestsPerSecond: -1}, "must not be negative"},
		{"missing burst", RateLimitConfig{RequestsPerSecond: 1}, "burst must be positive"},
		{"negative visitors", RateLimitConfig{MaxVisitors: -1}, "max visitors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, 10000, cfg.MaxVisitors)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
