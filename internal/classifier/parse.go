package classifier

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

// stripFences unwraps markdown code fences, keeping their content.
func stripFences(s string) string {
	return fencePattern.ReplaceAllString(s, "$1")
}

// stripThinkBlocks removes reasoning-model <think> sections entirely.
func stripThinkBlocks(s string) string {
	return strings.TrimSpace(thinkPattern.ReplaceAllString(s, ""))
}

// firstObjectWithTier scans for the first balanced {...} object whose
// body mentions a "tier" key. Balancing respects string literals so
// braces inside reasoning text do not break the scan.
func firstObjectWithTier(s string) (string, error) {
	for start := 0; start < len(s); start++ {
		if s[start] != '{' {
			continue
		}
		end, ok := matchBrace(s, start)
		if !ok {
			continue
		}
		candidate := s[start : end+1]
		if strings.Contains(candidate, `"tier"`) {
			return candidate, nil
		}
		// Skip past this object and keep looking.
		start = end
	}
	return "", fmt.Errorf("no classification object found")
}

// matchBrace returns the index of the brace closing the one at start.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
