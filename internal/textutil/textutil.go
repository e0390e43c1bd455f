// Package textutil provides the token estimation and truncation
// primitives behind every prompt budget in the orchestrator. The
// estimator is deliberately coarse: one token per four bytes. It is
// cheap, deterministic, and close enough for budget enforcement.
package textutil

import "strings"

// BytesPerToken is the estimator's conversion factor.
const BytesPerToken = 4

// Ellipsis marks truncated text.
const Ellipsis = "…"

// EstimateTokens returns the estimated token count for s, rounding up.
func EstimateTokens(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + BytesPerToken - 1) / BytesPerToken
}

// TruncateToTokens cuts s so its estimate fits within budget tokens,
// appending an ellipsis when anything was removed. The cut lands on a
// rune boundary so truncation never produces invalid UTF-8. A budget
// of zero or less yields the empty string.
func TruncateToTokens(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	limit := budget * BytesPerToken
	if len(s) <= limit {
		return s
	}
	// Leave room for the ellipsis itself.
	limit -= len(Ellipsis)
	if limit <= 0 {
		return Ellipsis
	}
	for limit > 0 && !isRuneStart(s[limit]) {
		limit--
	}
	return s[:limit] + Ellipsis
}

// TruncateWords keeps the first n whitespace-separated words of s.
func TruncateWords(s string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ")
}

// isRuneStart reports whether b is the first byte of a UTF-8 rune.
func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
