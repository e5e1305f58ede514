// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sigil-dev/conductor/internal/events"
	"github.com/sigil-dev/conductor/internal/store"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// AuditLogEscalationThreshold is the number of consecutive audit append
// failures after which logging escalates from Warn to Error.
const AuditLogEscalationThreshold = 3

// resolvedRetention bounds how long resolved confirmations stay queryable.
const resolvedRetention = 10 * time.Minute

// Status is the state of a confirmation.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApprovedOnce Status = "approved_once"
	StatusAlwaysAllow  Status = "always_allow"
	StatusDenied       Status = "denied"
	// StatusCancelled closes a confirmation whose caller gave up waiting.
	StatusCancelled Status = "cancelled"
)

// Approved reports whether the decision lets the call proceed.
func (s Status) Approved() bool {
	return s == StatusApprovedOnce || s == StatusAlwaysAllow
}

// Confirmation is one entry of the confirmation ledger.
type Confirmation struct {
	ID          string         `json:"id"`
	Tool        string         `json:"tool"`
	Fingerprint string         `json:"fingerprint"`
	Args        map[string]any `json:"args,omitempty"`
	Status      Status         `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  time.Time      `json:"resolved_at,omitzero"`
}

type ledgerEntry struct {
	Confirmation
	done chan struct{}
}

// SecurityOption configures a Security.
type SecurityOption func(*Security)

// WithAuditStore records confirmation decisions. Auditing is best-effort.
func WithAuditStore(a store.AuditStore) SecurityOption {
	return func(s *Security) { s.audit = a }
}

// WithSecurityBus publishes confirmation resolutions.
func WithSecurityBus(b *events.Bus) SecurityOption {
	return func(s *Security) { s.bus = b }
}

func WithSecurityLogger(l *slog.Logger) SecurityOption {
	return func(s *Security) { s.logger = l }
}

// Security owns workspace confinement, the sensitive-tool set and the
// confirmation ledger. Always-allow grants live for the process lifetime and
// are never persisted.
type Security struct {
	mu        sync.Mutex
	sensitive map[string]struct{}
	ledger    map[string]*ledgerEntry
	grants    map[string]struct{}

	audit  store.AuditStore
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	auditFailCount atomic.Int64
}

func NewSecurity(opts ...SecurityOption) *Security {
	s := &Security{
		sensitive: make(map[string]struct{}),
		ledger:    make(map[string]*ledgerEntry),
		grants:    make(map[string]struct{}),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MarkSensitive requires confirmation for name regardless of how it was
// registered.
func (s *Security) MarkSensitive(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.sensitive[n] = struct{}{}
	}
}

func (s *Security) IsSensitive(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sensitive[name]
	return ok
}

// RequestConfirmation opens a pending confirmation for a call the caller has
// already classified as sensitive. It returns (entry, true) when a human
// must decide and (zero, false) when an always-allow grant for the call's
// shape already exists.
func (s *Security) RequestConfirmation(ctx context.Context, toolName string, args map[string]any) (Confirmation, bool) {
	fp := Fingerprint(toolName, args)

	s.mu.Lock()
	if _, ok := s.grants[fp]; ok {
		s.mu.Unlock()
		s.auditDecision(ctx, toolName, "", "always_allow_grant")
		return Confirmation{}, false
	}

	now := s.now()
	s.pruneLocked(now)
	entry := &ledgerEntry{
		Confirmation: Confirmation{
			ID:          uuid.NewString(),
			Tool:        toolName,
			Fingerprint: fp,
			Args:        args,
			Status:      StatusPending,
			CreatedAt:   now,
		},
		done: make(chan struct{}),
	}
	s.ledger[entry.ID] = entry
	c := entry.Confirmation
	s.mu.Unlock()

	return c, true
}

// ResolveConfirmation records decision for a pending confirmation and wakes
// every caller blocked on it. always_allow also grants the call's shape for
// the rest of the process lifetime.
func (s *Security) ResolveConfirmation(ctx context.Context, id string, decision Status) error {
	if decision != StatusApprovedOnce && decision != StatusAlwaysAllow && decision != StatusDenied {
		return sigilerr.Errorf(sigilerr.CodeToolArgsInvalid, "invalid confirmation decision %q", decision)
	}

	s.mu.Lock()
	entry, ok := s.ledger[id]
	if !ok {
		s.mu.Unlock()
		return sigilerr.New(sigilerr.CodeToolConfirmationNotFound, "confirmation not found: "+id)
	}
	if entry.Status != StatusPending {
		s.mu.Unlock()
		return sigilerr.Errorf(sigilerr.CodeToolConfirmationConflict,
			"confirmation %s already resolved as %s", id, entry.Status)
	}
	entry.Status = decision
	entry.ResolvedAt = s.now()
	if decision == StatusAlwaysAllow {
		s.grants[entry.Fingerprint] = struct{}{}
	}
	close(entry.done)
	toolName := entry.Tool
	s.mu.Unlock()

	s.logger.Info("tool confirmation resolved", "tool", toolName, "confirmation_id", id, "decision", decision)
	s.auditDecision(ctx, toolName, id, string(decision))
	events.EmitTyped(s.bus, events.TopicConfirmationResolved, events.ConfirmationResolved{
		ID: id, Tool: toolName, Decision: string(decision),
	})
	return nil
}

// AwaitConfirmation blocks until id is resolved or ctx is done. A
// confirmation abandoned by its caller is closed as cancelled so it can no
// longer be approved.
func (s *Security) AwaitConfirmation(ctx context.Context, id string) (Status, error) {
	s.mu.Lock()
	entry, ok := s.ledger[id]
	s.mu.Unlock()
	if !ok {
		return "", sigilerr.New(sigilerr.CodeToolConfirmationNotFound, "confirmation not found: "+id)
	}

	select {
	case <-entry.done:
		s.mu.Lock()
		st := entry.Status
		s.mu.Unlock()
		return st, nil
	case <-ctx.Done():
		s.cancelPending(context.WithoutCancel(ctx), entry)
		return "", sigilerr.Wrap(ctx.Err(), sigilerr.CodeToolCallCancelled,
			"waiting for confirmation", sigilerr.FieldTool(entry.Tool))
	}
}

func (s *Security) cancelPending(ctx context.Context, entry *ledgerEntry) {
	s.mu.Lock()
	if entry.Status != StatusPending {
		s.mu.Unlock()
		return
	}
	entry.Status = StatusCancelled
	entry.ResolvedAt = s.now()
	close(entry.done)
	id, toolName := entry.ID, entry.Tool
	s.mu.Unlock()

	s.logger.Info("tool confirmation abandoned", "tool", toolName, "confirmation_id", id)
	s.auditDecision(ctx, toolName, id, string(StatusCancelled))
	events.EmitTyped(s.bus, events.TopicConfirmationResolved, events.ConfirmationResolved{
		ID: id, Tool: toolName, Decision: string(StatusCancelled),
	})
}

// Pending lists unresolved confirmations, oldest first.
func (s *Security) Pending() []Confirmation {
	s.mu.Lock()
	out := make([]Confirmation, 0, len(s.ledger))
	for _, e := range s.ledger {
		if e.Status == StatusPending {
			out = append(out, e.Confirmation)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// caller holds s.mu.
func (s *Security) pruneLocked(now time.Time) {
	for id, e := range s.ledger {
		if e.Status != StatusPending && now.Sub(e.ResolvedAt) > resolvedRetention {
			delete(s.ledger, id)
		}
	}
}

func (s *Security) auditDecision(ctx context.Context, toolName, confirmationID, result string) {
	if s.audit == nil {
		return
	}

	info, _ := CallInfoFrom(ctx)
	entry := &store.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: s.now().UTC(),
		Action:    "tool_confirmation",
		Actor:     "human",
		Tool:      toolName,
		TaskID:    info.TaskID,
		RequestID: info.RequestID,
		Details:   map[string]any{"confirmation_id": confirmationID},
		Result:    result,
	}

	if err := s.audit.Append(ctx, entry); err != nil {
		consecutive := s.auditFailCount.Add(1)
		level := slog.LevelWarn
		if consecutive >= AuditLogEscalationThreshold {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "audit store append failed",
			"tool", toolName,
			"error", err,
			"consecutive_failures", consecutive,
		)
		return
	}
	s.auditFailCount.Store(0)
}

// maxLinkHops bounds how many dangling symbolic links are followed by hand.
const maxLinkHops = 40

// ValidatePathAccess denies any path that escapes workspaceRoot once
// symbolic links are resolved. Relative paths are taken from the root. For a
// path that does not exist yet, links are resolved on its deepest existing
// ancestor, and a dangling link is followed to where it would write.
func ValidatePathAccess(path, workspaceRoot string) error {
	_, err := ResolvePath(path, workspaceRoot)
	return err
}

// ResolvePath is ValidatePathAccess returning the resolved target. Callers
// open the returned path rather than path so a link swapped in after the
// check is not followed.
func ResolvePath(path, workspaceRoot string) (string, error) {
	if workspaceRoot == "" {
		return "", sigilerr.New(sigilerr.CodeToolSecurityDenied, "no workspace root configured")
	}

	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", sigilerr.Wrap(err, sigilerr.CodeToolSecurityDenied, "resolving workspace root")
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target, err = resolveExisting(filepath.Clean(target), 0)
	if err != nil {
		return "", sigilerr.Wrap(err, sigilerr.CodeToolSecurityDenied, "resolving path", sigilerr.Field("path", path))
	}

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", sigilerr.New(sigilerr.CodeToolSecurityDenied,
			"path escapes workspace: "+path, sigilerr.Field("path", path))
	}
	return target, nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of p
// and re-appends the missing tail. EvalSymlinks reports a dangling link as
// not existing, so such a link is read and its destination resolved in turn.
func resolveExisting(p string, hops int) (string, error) {
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return joinTail(resolved, tail), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			if hops >= maxLinkHops {
				return "", errors.New("too many levels of symbolic links: " + p)
			}
			dest, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(dest) {
				dest = filepath.Join(filepath.Dir(cur), dest)
			}
			return resolveExisting(joinTail(filepath.Clean(dest), tail), hops+1)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func joinTail(base string, tail []string) string {
	for i := len(tail) - 1; i >= 0; i-- {
		base = filepath.Join(base, tail[i])
	}
	return base
}
