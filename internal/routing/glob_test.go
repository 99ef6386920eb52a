package routing

import "testing"

func TestMatchPatternExact(t *testing.T) {
	if !MatchPattern("claude-3-opus", "claude-3-opus") {
		t.Fatal("expected exact match")
	}
	if MatchPattern("claude-3-opus", "claude-3-sonnet") {
		t.Fatal("expected no match")
	}
}

func TestMatchPatternWildcardAll(t *testing.T) {
	if !MatchPattern("*", "anything-at-all") {
		t.Fatal("expected * to match anything")
	}
	if !MatchPattern("*", "") {
		t.Fatal("expected * to match empty string")
	}
}

func TestMatchPatternPrefixSuffix(t *testing.T) {
	if !MatchPattern("claude-*", "claude-3-opus") {
		t.Fatal("expected prefix match")
	}
	if MatchPattern("claude-*", "other-model") {
		t.Fatal("expected prefix mismatch to fail")
	}
	if !MatchPattern("*-opus", "claude-3-opus") {
		t.Fatal("expected suffix match")
	}
}

func TestMatchPatternMultiWildcardSequentialScan(t *testing.T) {
	if !MatchPattern("claude-*-opus-*", "claude-3-opus-20240229") {
		t.Fatal("expected multi-wildcard match")
	}
	if MatchPattern("claude-*-opus-*", "claude-3-sonnet-20240229") {
		t.Fatal("expected no match: missing opus segment")
	}
}

func TestMatchPatternNonGreedyOrderSensitive(t *testing.T) {
	// "a*b*c" against "a-c-b-c": after matching prefix "a", scan for "b"
	// from position after "a", finds it at the first "b", then scans for
	// "c" after that -- sequential advance, not backtracking.
	if !MatchPattern("a*b*c", "a-c-b-c") {
		t.Fatal("expected sequential scan to succeed")
	}
	if MatchPattern("a*b*c", "a-b") {
		t.Fatal("expected failure: no trailing c after b")
	}
}

func TestMatchAnyEmptyPatternsMatchesNothing(t *testing.T) {
	if MatchAny(nil, "claude-3-opus") {
		t.Fatal("expected empty pattern list to match nothing")
	}
}

func TestMatchAnyFindsMatch(t *testing.T) {
	patterns := []string{"gpt-*", "claude-*"}
	if !MatchAny(patterns, "claude-3-opus") {
		t.Fatal("expected match against second pattern")
	}
}
