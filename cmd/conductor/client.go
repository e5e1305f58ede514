// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// defaultHTTPClient is used by commands talking to a running daemon.
// Overridden in tests via httptest.
var defaultHTTPClient = &http.Client{
	Timeout: 5 * time.Second,
}

// controlClient provides HTTP access to a running conductor daemon.
type controlClient struct {
	baseURL string
	http    *http.Client
}

func newControlClient(addr string) *controlClient {
	return &controlClient{
		baseURL: "http://" + addr,
		http:    defaultHTTPClient,
	}
}

// withoutTimeout returns a copy of c that waits as long as the request
// takes. Used for chat, which blocks until the agent answers.
func (c *controlClient) withoutTimeout() *controlClient {
	hc := *c.http
	hc.Timeout = 0
	return &controlClient{baseURL: c.baseURL, http: &hc}
}

func (c *controlClient) getJSON(path string, dest any) error {
	return c.do(http.MethodGet, path, nil, dest)
}

func (c *controlClient) sendJSON(method, path string, body, dest any) error {
	return c.do(method, path, body, dest)
}

// do sends body as JSON and decodes a JSON response into dest when both
// are non-nil. A refused connection maps to CodeCLIDaemonUnavailable.
func (c *controlClient) do(method, path string, body, dest any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return sigilerr.Errorf(sigilerr.CodeCLIInputInvalid, "encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLIRequestFailure, "building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return sigilerr.New(sigilerr.CodeCLIDaemonUnavailable, "conductor is not running (connection refused)")
		}
		return sigilerr.Errorf(sigilerr.CodeCLIRequestFailure, "request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		return sigilerr.Errorf(sigilerr.CodeCLIRequestFailure, "conductor returned status %d: %s", resp.StatusCode, problemDetail(resp.Body))
	}
	if dest == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return sigilerr.Errorf(sigilerr.CodeCLIRequestFailure, "invalid response: %w", err)
	}
	return nil
}

// problemDetail extracts the detail of an RFC 9457 error body, falling
// back to the raw text.
func problemDetail(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var problem struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(raw, &problem) == nil && problem.Detail != "" {
		return problem.Detail
	}
	return string(bytes.TrimSpace(raw))
}

// isDialError reports whether err is a net dial error.
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
