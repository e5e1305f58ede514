// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained request rate per IP. Zero disables limiting.
	RequestsPerSecond float64
	// Burst is the maximum burst size per IP.
	Burst int
	// MaxVisitors caps the number of tracked IPs. The oldest are evicted
	// during cleanup. Default: 10000.
	MaxVisitors int
}

// Validate checks the config and applies defaults.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return sigilerr.Errorf(sigilerr.CodeServerConfigInvalid,
			"rate limit requests per second must not be negative (got %g)", c.RequestsPerSecond)
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return sigilerr.Errorf(sigilerr.CodeServerConfigInvalid,
			"rate limit burst must be positive when rate is set (got burst=%d, rate=%g)",
			c.Burst, c.RequestsPerSecond)
	}
	if c.MaxVisitors < 0 {
		return sigilerr.Errorf(sigilerr.CodeServerConfigInvalid,
			"rate limit max visitors must not be negative (got %d)", c.MaxVisitors)
	}
	if c.MaxVisitors == 0 {
		c.MaxVisitors = 10000
	}
	return nil
}

const (
	limiterCleanupEvery = 5 * time.Minute
	visitorStaleAfter   = 10 * time.Minute
)

type visitorEntry struct {
	tokens     float64
	lastSeen   time.Time
	lastRefill time.Time
}

// limiter is a per-IP token bucket. A nil limiter allows everything.
type limiter struct {
	cfg    RateLimitConfig
	logger *slog.Logger

	mu       sync.Mutex
	visitors map[string]*visitorEntry
	now      func() time.Time
}

// newLimiter returns nil when limiting is disabled. The cleanup goroutine
// exits when done is closed.
func newLimiter(cfg RateLimitConfig, done <-chan struct{}, logger *slog.Logger) *limiter {
	if cfg.RequestsPerSecond <= 0 {
		return nil
	}
	l := &limiter{
		cfg:      cfg,
		logger:   logger,
		visitors: make(map[string]*visitorEntry),
		now:      time.Now,
	}
	go func() {
		ticker := time.NewTicker(limiterCleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.cleanup()
			case <-done:
				return
			}
		}
	}()
	return l
}

// allow takes a token for ip if one is available.
func (l *limiter) allow(ip string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitorEntry{tokens: float64(l.cfg.Burst), lastRefill: now}
		l.visitors[ip] = v
	}
	v.lastSeen = now

	v.tokens += now.Sub(v.lastRefill).Seconds() * l.cfg.RequestsPerSecond
	if burst := float64(l.cfg.Burst); v.tokens > burst {
		v.tokens = burst
	}
	v.lastRefill = now

	if v.tokens < 1 {
		return false
	}
	v.tokens--
	return true
}

// cleanup drops stale visitors and enforces MaxVisitors.
func (l *limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	type seen struct {
		ip       string
		lastSeen time.Time
	}
	now := l.now()
	live := make([]seen, 0, len(l.visitors))
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) > visitorStaleAfter {
			delete(l.visitors, ip)
			continue
		}
		live = append(live, seen{ip: ip, lastSeen: v.lastSeen})
	}

	if l.cfg.MaxVisitors <= 0 || len(live) <= l.cfg.MaxVisitors {
		return
	}
	slices.SortFunc(live, func(a, b seen) int { return a.lastSeen.Compare(b.lastSeen) })
	evict := len(live) - l.cfg.MaxVisitors
	for _, e := range live[:evict] {
		delete(l.visitors, e.ip)
	}
	l.logger.Warn("rate limiter visitor map cap enforced",
		"evicted", evict, "max_visitors", l.cfg.MaxVisitors, "remaining", len(l.visitors))
}

// rateLimited is a huma middleware applied to operations that spawn tasks.
func (s *Server) rateLimited(ctx huma.Context, next func(huma.Context)) {
	ip := ctx.RemoteAddr()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	if s.limiter.allow(ip) {
		next(ctx)
		return
	}
	s.logger.Warn("rate limit exceeded", "ip", ip, "path", ctx.URL().Path)
	ctx.SetHeader("Retry-After", "1")
	_ = huma.WriteErr(s.api, ctx, http.StatusTooManyRequests, "rate limit exceeded")
}
