// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package redact masks credentials in text before it is shown to a model,
// persisted in a checkpoint or written to the audit log.
package redact

import (
	"regexp"
	"slices"
	"strings"

	"golang.org/x/text/unicode/norm"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

// Placeholder replaces every masked region.
const Placeholder = "[REDACTED]"

// MaxContentLength bounds the input scanned. Longer text is truncated to
// this length before matching.
const MaxContentLength = 1 << 20

// Rule is one named credential pattern.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// Match locates one detection in the normalized text.
type Match struct {
	Rule   string
	Start  int
	Length int
}

// Redactor applies a fixed rule set. Safe for concurrent use.
type Redactor struct {
	rules []Rule
}

// New validates rules and returns a redactor. Later rules with a name
// already seen replace the earlier one.
func New(rules ...Rule) (*Redactor, error) {
	byName := make(map[string]int, len(rules))
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return nil, sigilerr.Errorf(sigilerr.CodeRedactRuleInvalid, "rule %d has an empty name", i)
		}
		if r.Pattern == nil {
			return nil, sigilerr.Errorf(sigilerr.CodeRedactRuleInvalid, "rule %q has no pattern", r.Name)
		}
		if j, ok := byName[r.Name]; ok {
			out[j] = r
			continue
		}
		byName[r.Name] = len(out)
		out = append(out, r)
	}
	return &Redactor{rules: out}, nil
}

// Default returns a redactor over DefaultRules plus extra. It panics if an
// extra rule is invalid; rules from ParseRules always are valid.
func Default(extra ...Rule) *Redactor {
	rules := append(slices.Clone(DefaultRules()), extra...)
	r, err := New(rules...)
	if err != nil {
		panic(err)
	}
	return r
}

// Rules returns the rule names in evaluation order.
func (r *Redactor) Rules() []string {
	names := make([]string, len(r.rules))
	for i, rule := range r.rules {
		names[i] = rule.Name
	}
	return names
}

// Scan normalizes s and reports every match. Offsets refer to the
// returned normalized string.
func (r *Redactor) Scan(s string) (string, []Match) {
	s = normalize(s)
	if len(s) > MaxContentLength {
		s = s[:MaxContentLength]
	}
	var matches []Match
	for _, rule := range r.rules {
		for _, loc := range rule.Pattern.FindAllStringIndex(s, -1) {
			matches = append(matches, Match{Rule: rule.Name, Start: loc[0], Length: loc[1] - loc[0]})
		}
	}
	return s, matches
}

// Redact returns s with every match replaced by Placeholder, plus the
// distinct names of the rules that fired. Text without matches is
// returned unchanged, not normalized.
func (r *Redactor) Redact(s string) (string, []string) {
	if r == nil || s == "" {
		return s, nil
	}
	normalized, matches := r.Scan(s)
	if len(matches) == 0 {
		return s, nil
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if !slices.Contains(names, m.Rule) {
			names = append(names, m.Rule)
		}
	}
	return mask(normalized, matches), names
}

// invisible strips zero-width and formatting characters that would
// otherwise split a credential and hide it from the patterns.
var invisible = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // byte order mark
	"\u00ad", "", // soft hyphen
	"\u2060", "", // word joiner
	"\u2061", "",
	"\u2062", "",
	"\u2063", "",
	"\u2064", "",
)

func normalize(s string) string {
	return norm.NFKC.String(invisible.Replace(s))
}

// mask merges overlapping matches and replaces each span.
func mask(s string, matches []Match) string {
	sorted := slices.Clone(matches)
	slices.SortFunc(sorted, func(a, b Match) int { return a.Start - b.Start })

	type span struct{ start, end int }
	spans := []span{{sorted[0].Start, sorted[0].Start + sorted[0].Length}}
	for _, m := range sorted[1:] {
		last := &spans[len(spans)-1]
		end := m.Start + m.Length
		if m.Start <= last.end {
			last.end = max(last.end, end)
			continue
		}
		spans = append(spans, span{m.Start, end})
	}

	var b strings.Builder
	b.Grow(len(s))
	pos := 0
	for _, sp := range spans {
		b.WriteString(s[pos:sp.start])
		b.WriteString(Placeholder)
		pos = min(sp.end, len(s))
	}
	b.WriteString(s[pos:])
	return b.String()
}
