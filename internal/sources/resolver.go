// Package sources extracts grounding citations from retrieval tool output.
package sources

import (
	"regexp"
	"strings"
)

// Source is a parsed citation from the fallback text convention.
type Source struct {
	DocumentName string
	Content      string
}

// Segments are joined with a lone --- separator line; each segment opens with
// a bracketed header naming the document.
var headerPattern = regexp.MustCompile(`^\[Source\s+\d+:\s*(.+?)\s*\]$`)

// IsRetrievalTool reports whether a tool name denotes a knowledge-base
// retrieval capability whose output may carry citations.
func IsRetrievalTool(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	switch name {
	case "rag", "retrieval", "search", "kb_search":
		return true
	}
	return strings.Contains(name, "rag") || strings.Contains(name, "retriev") || strings.Contains(name, "search")
}

// ParseFallback parses the delimited plain-text citation convention. It is
// best-effort: malformed segments are skipped, and nil (absent) is returned
// when nothing parses, which is distinct from an empty list.
func ParseFallback(output string) []Source {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil
	}

	var parsed []Source
	for _, segment := range splitSegments(output) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		header, rest, ok := strings.Cut(segment, "\n")
		if !ok {
			header, rest = segment, ""
		}
		m := headerPattern.FindStringSubmatch(strings.TrimSpace(header))
		if m == nil {
			continue
		}
		parsed = append(parsed, Source{
			DocumentName: m[1],
			Content:      strings.TrimSpace(rest),
		})
	}
	return parsed
}

func splitSegments(output string) []string {
	lines := strings.Split(output, "\n")
	var segments []string
	var current []string
	for _, line := range lines {
		if strings.TrimSpace(line) == "---" {
			segments = append(segments, strings.Join(current, "\n"))
			current = current[:0]
			continue
		}
		current = append(current, line)
	}
	segments = append(segments, strings.Join(current, "\n"))
	return segments
}
