// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package services is the name-keyed service locator handed to every
// pipeline stage. Required collaborators are fetched with Get or Lookup,
// which fail loudly; optional ones with Optional, which returns nil.
package services

import (
	"sort"
	"sync"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// Well-known service names.
const (
	Events      = "events"
	History     = "history"
	Router      = "provider.router"
	Tools       = "tool.registry"
	ToolRunner  = "tool.runner"
	Tasks       = "task.manager"
	Checkpoints = "checkpoint.manager"
	AgentLoop   = "agentloop.controller"
)

// Locator holds named services. The zero value is not usable; call New.
type Locator struct {
	mu       sync.RWMutex
	services map[string]any
}

// New returns an empty locator.
func New() *Locator {
	return &Locator{services: make(map[string]any)}
}

// Register binds svc to name, replacing any previous binding.
func (l *Locator) Register(name string, svc any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services[name] = svc
}

// Get returns the service bound to name or a CodeServiceNotFound error.
func (l *Locator) Get(name string) (any, error) {
	if l == nil {
		return nil, sigilerr.Errorf(sigilerr.CodeServiceNotFound, "service %q not registered", name)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	svc, ok := l.services[name]
	if !ok || svc == nil {
		return nil, sigilerr.Errorf(sigilerr.CodeServiceNotFound, "service %q not registered", name)
	}
	return svc, nil
}

// Optional returns the service bound to name, or nil.
func (l *Locator) Optional(name string) any {
	svc, err := l.Get(name)
	if err != nil {
		return nil
	}
	return svc
}

// Names lists registered service names in sorted order.
func (l *Locator) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.services))
	for name := range l.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup fetches name and asserts it to T.
func Lookup[T any](l *Locator, name string) (T, error) {
	var zero T
	svc, err := l.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := svc.(T)
	if !ok {
		return zero, sigilerr.Errorf(sigilerr.CodeServiceNotFound, "service %q has type %T", name, svc)
	}
	return typed, nil
}

// LookupOptional is Lookup that returns the zero value and false instead of
// an error.
func LookupOptional[T any](l *Locator, name string) (T, bool) {
	typed, err := Lookup[T](l, name)
	return typed, err == nil
}
