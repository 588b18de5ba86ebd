// Package bounded implements byte-capped text values.
//
// Truncation is explicit: callers get back a Text that remembers whether it
// was shortened and how long the input was, so the decision to report a
// truncation is made by the caller and can be tested on its own.
package bounded

import "unicode/utf8"

// Ellipsis marks a shortened sample.
const Ellipsis = "..."

// Text is a string holding at most Limit bytes.
type Text struct {
	value       string
	originalLen int
	limit       int
}

// Truncate caps s at limit bytes without splitting a UTF-8 sequence.
// A limit < 0 is treated as unlimited.
func Truncate(s string, limit int) Text {
	t := Text{value: s, originalLen: len(s), limit: limit}
	if limit < 0 || len(s) <= limit {
		return t
	}
	t.value = s[:cutPoint(s, limit)]
	return t
}

// String returns the (possibly shortened) value.
func (t Text) String() string { return t.value }

// Len returns the stored length in bytes.
func (t Text) Len() int { return len(t.value) }

// OriginalLen returns the length of the input before truncation.
func (t Text) OriginalLen() int { return t.originalLen }

// Limit returns the cap this Text was built with.
func (t Text) Limit() int { return t.limit }

// Truncated reports whether bytes were dropped.
func (t Text) Truncated() bool { return len(t.value) < t.originalLen }

// Sample returns at most n bytes of s followed by Ellipsis when s was
// longer than n.
func Sample(s string, n int) string {
	if n < 0 || len(s) <= n {
		return s
	}
	return s[:cutPoint(s, n)] + Ellipsis
}

// cutPoint returns the largest index <= n that starts a rune.
func cutPoint(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
