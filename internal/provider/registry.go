// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// Registry manages provider registration and routes model references to
// providers, walking the failover chain when the primary is unavailable.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider

	defaultRef string   // "provider/model"
	failover   []string // ordered "provider/model" refs
}

var _ Router = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds or replaces a provider.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, sigilerr.New(sigilerr.CodeProviderNotFound,
			"provider not found: "+name, sigilerr.FieldProvider(name))
	}
	return p, nil
}

// Names returns registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetDefault sets the reference used when a request names no model.
func (r *Registry) SetDefault(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkRefLocked(ref); err != nil {
		return err
	}
	r.defaultRef = ref
	return nil
}

// SetFailover sets the ordered failover chain.
func (r *Registry) SetFailover(chain []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ref := range chain {
		if err := r.checkRefLocked(ref); err != nil {
			return err
		}
	}
	r.failover = append([]string(nil), chain...)
	return nil
}

// Route selects a provider for modelRef. An empty ref or "default" uses the
// default; an unavailable primary falls through the failover chain.
func (r *Registry) Route(ctx context.Context, modelRef string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref := r.defaultRef
	if modelRef != "" && modelRef != "default" {
		if !strings.Contains(modelRef, "/") {
			return nil, "", sigilerr.Errorf(sigilerr.CodeProviderInvalidModelRef,
				"model name %q must use provider/model format", modelRef)
		}
		ref = modelRef
	}
	if ref == "" {
		return nil, "", sigilerr.New(sigilerr.CodeProviderNoDefault, "no default provider configured")
	}

	for _, candidate := range append([]string{ref}, r.failover...) {
		name, model := parseRef(candidate)
		p, ok := r.providers[name]
		if !ok || !p.Available(ctx) {
			continue
		}
		return p, model, nil
	}

	return nil, "", sigilerr.New(sigilerr.CodeProviderAllUnavailable,
		"all providers unavailable: no healthy provider found")
}

// Statuses reports every registered provider's status keyed by name.
func (r *Registry) Statuses(ctx context.Context) map[string]ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]ProviderStatus, len(r.providers))
	for name, p := range r.providers {
		st, err := p.Status(ctx)
		if err != nil {
			st = ProviderStatus{Provider: name, Message: err.Error()}
		}
		out[name] = st
	}
	return out
}

// Close shuts down all registered providers.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return sigilerr.Join(errs...)
}

// caller holds r.mu.
func (r *Registry) checkRefLocked(ref string) error {
	name, model := parseRef(ref)
	if model == "" {
		return sigilerr.Errorf(sigilerr.CodeProviderInvalidModelRef,
			"model reference %q must use provider/model format", ref)
	}
	if _, ok := r.providers[name]; !ok {
		return sigilerr.New(sigilerr.CodeProviderNotFound,
			"provider not registered: "+name, sigilerr.FieldProvider(name))
	}
	return nil
}

// parseRef splits a "provider/model" reference on the first "/".
func parseRef(ref string) (providerName, model string) {
	idx := strings.Index(ref, "/")
	if idx < 0 {
		return ref, ""
	}
	return ref[:idx], ref[idx+1:]
}
