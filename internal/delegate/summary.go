package delegate

import (
	"encoding/json"
	"sort"
	"strings"
)

// summaryCap bounds the fallback summary length.
const summaryCap = 300

// ExtractSummary pulls a short summary out of a sub-agent's answer. It
// looks for a literal "## Summary" or "# Summary" heading and collects the
// non-blank lines that follow until the next heading. Without such a
// heading, the first paragraph is used, capped at 300 characters.
func ExtractSummary(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed != "## Summary" && trimmed != "# Summary" {
			continue
		}
		var collected []string
		for _, rest := range lines[i+1:] {
			t := strings.TrimSpace(rest)
			if strings.HasPrefix(t, "#") {
				break
			}
			if t == "" {
				continue
			}
			collected = append(collected, t)
		}
		if len(collected) > 0 {
			return strings.Join(collected, "\n")
		}
	}

	// Fallback: first paragraph.
	paragraph := strings.TrimSpace(text)
	if idx := strings.Index(paragraph, "\n\n"); idx > 0 {
		paragraph = paragraph[:idx]
	}
	paragraph = strings.TrimSpace(paragraph)
	// Cap counts characters, not bytes, so multi-byte text never ends on
	// a split rune.
	if runes := []rune(paragraph); len(runes) > summaryCap {
		paragraph = string(runes[:summaryCap])
	}
	return paragraph
}

// fileTracker accumulates files touched by tool results. It is a
// best-effort heuristic: results are sniffed for a path/file property and
// a created/new_file flag, and anything that does not match is silently
// ignored rather than surfaced as an error.
type fileTracker struct {
	modified map[string]bool
	created  map[string]bool
}

func newFileTracker() *fileTracker {
	return &fileTracker{
		modified: make(map[string]bool),
		created:  make(map[string]bool),
	}
}

// Observe inspects one tool result. Accepts structs, maps, and JSON
// strings; parse misses are swallowed.
func (ft *fileTracker) Observe(result interface{}) {
	m := asMap(result)
	if m == nil {
		return
	}

	path, _ := m["path"].(string)
	if path == "" {
		path, _ = m["file"].(string)
	}
	if path == "" {
		return
	}

	created, _ := m["created"].(bool)
	if !created {
		created, _ = m["new_file"].(bool)
	}
	if created {
		ft.created[path] = true
	} else {
		ft.modified[path] = true
	}
}

// Modified returns the modified file set, sorted.
func (ft *fileTracker) Modified() []string {
	return sorted(ft.modified)
}

// Created returns the created file set, sorted.
func (ft *fileTracker) Created() []string {
	return sorted(ft.created)
}

func asMap(result interface{}) map[string]interface{} {
	switch v := result.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		return v
	case string:
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil
		}
		return m
	default:
		// Structs round-trip through JSON.
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			return nil
		}
		return m
	}
}

func sorted(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
