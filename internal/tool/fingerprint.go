// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tool

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint identifies the shape of a call: the tool name plus the sorted
// argument keys and the JSON kind of each value. Two calls with the same keys
// and kinds but different values share a fingerprint, which is what an
// always-allow grant matches on.
func Fingerprint(toolName string, args map[string]any) string {
	var b strings.Builder
	b.WriteString(toolName)
	b.WriteByte('|')
	writeShape(&b, args)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeShape(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			writeShape(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		// Arrays are keyed by the distinct element shapes, not their count.
		seen := make(map[string]struct{})
		shapes := make([]string, 0, len(val))
		for _, elem := range val {
			var eb strings.Builder
			writeShape(&eb, elem)
			s := eb.String()
			if _, ok := seen[s]; !ok {
				seen[s] = struct{}{}
				shapes = append(shapes, s)
			}
		}
		sort.Strings(shapes)
		b.WriteByte('[')
		b.WriteString(strings.Join(shapes, ","))
		b.WriteByte(']')
	default:
		b.WriteString(jsonKind(v))
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "number"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return "other"
	}
}
