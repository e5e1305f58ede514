// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package provider

import (
	"context"
	"strings"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// Response is a fully drained chat stream.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Collect drains events into a Response. Text deltas are forwarded to
// onText as they arrive when it is non-nil. A stream error event becomes an
// upstream failure; a cancelled ctx returns the context error.
func Collect(ctx context.Context, events <-chan ChatEvent, onText func(string)) (*Response, error) {
	var (
		resp Response
		text strings.Builder
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				resp.Text = text.String()
				return &resp, nil
			}
			switch ev.Type {
			case EventTypeTextDelta:
				text.WriteString(ev.Text)
				if onText != nil && ev.Text != "" {
					onText(ev.Text)
				}
			case EventTypeToolCall:
				if ev.ToolCall != nil {
					resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
				}
			case EventTypeUsage:
				if ev.Usage != nil {
					resp.Usage.InputTokens += ev.Usage.InputTokens
					resp.Usage.OutputTokens += ev.Usage.OutputTokens
					resp.Usage.CacheReadTokens += ev.Usage.CacheReadTokens
					resp.Usage.CacheWriteTokens += ev.Usage.CacheWriteTokens
				}
			case EventTypeError:
				return nil, sigilerr.New(sigilerr.CodeProviderUpstreamFailure, "provider stream error: "+ev.Error)
			case EventTypeDone:
				resp.Text = text.String()
				return &resp, nil
			}
		}
	}
}
