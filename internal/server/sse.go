// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/sigil-dev/conductor/internal/events"
)

const (
	sseBuffer    = 64
	sseKeepalive = 15 * time.Second
)

func (s *Server) registerEventRoute() {
	s.router.Get("/api/v1/events", s.handleEvents)

	// The stream needs raw ResponseWriter access, so it bypasses huma's
	// handler signature; the operation is added to the spec by hand.
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/api/v1/events",
		Summary:     "Stream runtime events via SSE",
		Description: "Relays every event published on the runtime bus. Use the kinds query parameter to filter by a comma-separated list of event kinds.",
		Tags:        []string{"events"},
		Parameters: []*huma.Param{{
			Name:        "kinds",
			In:          "query",
			Description: "Comma-separated event kinds to include",
			Schema:      &huma.Schema{Type: "string"},
		}},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Server-sent event stream",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {
						Schema: &huma.Schema{Type: "string", Description: "Server-sent event stream"},
					},
				},
			},
			"503": {Description: "Event bus not configured"},
		},
	})
}

func parseKinds(raw string) map[events.Kind]bool {
	if raw == "" {
		return nil
	}
	kinds := make(map[events.Kind]bool)
	for k := range strings.SplitSeq(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[events.Kind(k)] = true
		}
	}
	return kinds
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, `{"error":"event stream not configured"}`, http.StatusServiceUnavailable)
		return
	}
	kinds := parseKinds(r.URL.Query().Get("kinds"))

	ch := s.bus.Subscribe(sseBuffer)
	defer s.bus.Unsubscribe(ch)

	// Streams outlive the server's write timeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case e, ok := <-ch:
			if !ok {
				return
			}
			if kinds != nil && !kinds[e.Kind] {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("dropping unencodable event", "kind", e.Kind, "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Kind, data); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
