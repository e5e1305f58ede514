// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool

import (
	"sort"
	"sync"

	"github.com/sigil-dev/conductor/internal/provider"
	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// Registry is a thread-safe name → Definition table. It holds no execution
// logic. Re-registering a name replaces the binding (last writer wins) so
// plugins and custom tools can be hot-reloaded.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Definition)}
}

// Register binds name to h. schema is a JSON Schema object for the
// arguments; nil means any object is accepted.
func (r *Registry) Register(name string, schema map[string]any, h Handler, opts ...Option) error {
	if name == "" {
		return sigilerr.New(sigilerr.CodeToolRegistryInvalidInput, "tool name is required")
	}
	if h == nil {
		return sigilerr.New(sigilerr.CodeToolRegistryInvalidInput, "tool handler is required", sigilerr.FieldTool(name))
	}

	def := &Definition{
		Name:    name,
		Schema:  schema,
		Source:  SourceBuiltin,
		Class:   ClassStandard,
		Handler: h,
	}
	for _, opt := range opts {
		opt(def)
	}
	if !def.Class.Valid() {
		return sigilerr.Errorf(sigilerr.CodeToolRegistryInvalidInput, "tool %q: unknown class %q", name, def.Class)
	}

	r.mu.Lock()
	r.tools[name] = def
	r.mu.Unlock()
	return nil
}

// Unregister removes name and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tools[name]
	delete(r.tools, name)
	return ok
}

// UnregisterSource removes every tool registered from src and returns how
// many were removed.
func (r *Registry) UnregisterSource(src Source) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for name, def := range r.tools {
		if def.Source == src {
			delete(r.tools, name)
			n++
		}
	}
	return n
}

// Resolve returns the handler bound to name.
func (r *Registry) Resolve(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return def.Handler, true
}

// Lookup returns a copy of the definition bound to name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	if !ok {
		return Definition{}, false
	}
	return *def, true
}

// List returns copies of all definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, *def)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListDefinitions returns the model-facing definitions sorted by name.
func (r *Registry) ListDefinitions() []provider.ToolDefinition {
	defs := r.List()
	out := make([]provider.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		schema := def.Schema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, provider.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			InputSchema: schema,
		})
	}
	return out
}
