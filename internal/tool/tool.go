// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package tool holds everything between a model's tool call and the code
// that serves it: the registry of named capabilities, the security layer
// (workspace confinement and human confirmation) and the runner that
// executes a single call with timeouts and normalized errors.
package tool

import (
	"context"
)

// Source records where a tool binding came from.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceCustom  Source = "custom"
	SourcePlugin  Source = "plugin"
	SourceBridge  Source = "bridge"
)

// Class selects the default timeout for a tool.
type Class string

const (
	ClassInteractive Class = "interactive"
	ClassStandard    Class = "standard"
	ClassLongRunning Class = "long_running"
)

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	switch c {
	case ClassInteractive, ClassStandard, ClassLongRunning:
		return true
	default:
		return false
	}
}

// Handler serves one tool.
type Handler interface {
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args map[string]any) (string, error)

func (f HandlerFunc) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return f(ctx, args)
}

// Definition is a registered tool.
type Definition struct {
	Name        string
	Description string
	Schema      map[string]any
	Source      Source
	Class       Class
	Sensitive   bool
	Handler     Handler
}

// Option customises a Definition at registration.
type Option func(*Definition)

func WithDescription(desc string) Option {
	return func(d *Definition) { d.Description = desc }
}

func WithSource(src Source) Option {
	return func(d *Definition) { d.Source = src }
}

func WithClass(c Class) Option {
	return func(d *Definition) { d.Class = c }
}

// WithSensitive marks the tool as requiring human confirmation.
func WithSensitive() Option {
	return func(d *Definition) { d.Sensitive = true }
}

// CallInfo identifies who is making a tool call. The pipeline attaches it
// to the context so handlers such as ask_human know their task.
type CallInfo struct {
	TaskID    string
	RequestID string
}

type callInfoKey struct{}

// WithCallInfo returns a context carrying info.
func WithCallInfo(ctx context.Context, info CallInfo) context.Context {
	return context.WithValue(ctx, callInfoKey{}, info)
}

// CallInfoFrom returns the CallInfo attached to ctx, if any.
func CallInfoFrom(ctx context.Context) (CallInfo, bool) {
	info, ok := ctx.Value(callInfoKey{}).(CallInfo)
	return info, ok
}
