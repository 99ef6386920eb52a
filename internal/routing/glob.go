package routing

import "strings"

// MatchPattern implements the allow/block-list glob used for model and
// tool-name matching: '*' matches any run of characters, and multiple
// '*' segments match greedily left to right via a sequential
// find-and-advance scan (not a backtracking match). Ported from the
// original runtime's matches_pattern.
func MatchPattern(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	segments := strings.Split(pattern, "*")
	rest := value

	first := segments[0]
	if first != "" {
		if !strings.HasPrefix(rest, first) {
			return false
		}
		rest = rest[len(first):]
	}

	last := segments[len(segments)-1]
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		idx := strings.Index(rest, seg)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(seg):]
	}
	return strings.HasSuffix(rest, last)
}

// MatchAny reports whether value matches any of patterns. An empty
// patterns slice matches nothing (callers treat "allow-list empty" as
// "no restriction" themselves, before calling this).
func MatchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if MatchPattern(p, value) {
			return true
		}
	}
	return false
}
