// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package redact

import (
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	sigilerr "github.com/sigil-dev/conductor/pkg/errors"
)

var (
	defaultOnce  sync.Once
	defaultRules []Rule
)

// DefaultRules returns the built-in credential patterns. They are compiled
// once and shared.
func DefaultRules() []Rule {
	defaultOnce.Do(func() {
		specs := []struct{ name, pattern string }{
			{"aws_access_key", `AKIA[0-9A-Z]{16}`},
			{"anthropic_api_key", `sk-ant-api\d{2}-[A-Za-z0-9_-]{20,}`},
			{"openai_api_key", `sk-proj-[A-Za-z0-9_-]{20,}`},
			{"openai_legacy_key", `sk-[A-Za-z0-9]{40,}`},
			{"github_pat", `gh[pousr]_[A-Za-z0-9]{36}`},
			{"github_fine_grained_pat", `github_pat_[A-Za-z0-9_]{22,}`},
			{"slack_token", `xox[bpas]-[A-Za-z0-9-]{10,}`},
			{"google_api_key", `AIza[0-9A-Za-z_-]{35}`},
			{"npm_token", `npm_[A-Za-z0-9]{36}`},
			{"vault_token", `hvs\.[A-Za-z0-9_-]{24,}`},
			{"digitalocean_pat", `dop_v1_[a-f0-9]{64}`},
			{"azure_account_key", `(?i)AccountKey\s*=\s*[A-Za-z0-9+/=]{20,}`},
			{"bearer_token", `(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`},
			{"pem_private_key", `-----BEGIN\s+(?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`},
			{"database_connection_string", `(?i)(?:postgres(?:ql)?|mysql|mongodb|redis|jdbc:[a-z]+)://[^\s:@]+:(?:[^@\s%]|%[0-9A-Fa-f]{2})+@(?:\[[0-9A-Fa-f:]+\]|[^\s/:]+)(?:[:/][^\s]*)?`},
			{"mssql_connection_string", `(?i)(?:Server|Data Source)\s*=\s*[^;]+;\s*(?:Password|Pwd)\s*=\s*[^;]+`},
			{"keyring_uri", `keyring://[^\s]+`},
		}
		defaultRules = make([]Rule, len(specs))
		for i, s := range specs {
			defaultRules[i] = Rule{Name: s.name, Pattern: regexp.MustCompile(s.pattern)}
		}
	})
	return defaultRules
}

// rulesFile mirrors the secrets-patterns-db layout.
type rulesFile struct {
	Patterns []struct {
		Pattern struct {
			Name       string `yaml:"name"`
			Regex      string `yaml:"regex"`
			Confidence string `yaml:"confidence"`
		} `yaml:"pattern"`
	} `yaml:"patterns"`
}

// ParseRules decodes rules in secrets-patterns-db YAML. Only high
// confidence entries are kept; the rest match too much ordinary text.
// Entries without a usable name or whose regex does not compile under RE2
// are skipped and named in the second return value.
func ParseRules(data []byte) ([]Rule, []string, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, sigilerr.Wrap(err, sigilerr.CodeRedactRuleInvalid, "decoding rules")
	}

	var rules []Rule
	var skipped []string
	for _, p := range f.Patterns {
		e := p.Pattern
		if !strings.EqualFold(e.Confidence, "high") || e.Regex == "" {
			continue
		}
		name := ruleName(e.Name)
		re, err := regexp.Compile(e.Regex)
		if err != nil || name == "" {
			skipped = append(skipped, e.Name)
			continue
		}
		rules = append(rules, Rule{Name: name, Pattern: re})
	}
	return rules, skipped, nil
}

// LoadRulesFile reads ParseRules input from path.
func LoadRulesFile(path string) ([]Rule, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, sigilerr.Wrap(err, sigilerr.CodeRedactRuleInvalid, "reading rules file",
			sigilerr.Field("path", path))
	}
	return ParseRules(data)
}

// ruleName turns "AWS API Key" into "aws_api_key".
func ruleName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}), "_")
}
