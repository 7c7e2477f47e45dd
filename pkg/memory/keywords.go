// Package memory summarizes finished turns into keyword-tagged memories and
// recalls the ones relevant to a new query.
package memory

import "strings"

const MaxStoredKeywords = 10

// NormalizeKeywords lowercases and trims raw, drops empty and repeated
// entries and keeps at most limit of them, preserving order.
func NormalizeKeywords(raw []string, limit int) []string {
	out := make([]string, 0, min(len(raw), limit))
	seen := make(map[string]struct{}, len(raw))
	for _, k := range raw {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
		if len(out) == limit {
			break
		}
	}
	return out
}
