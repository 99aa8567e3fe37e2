// Package sanitize normalizes user-entered text before it is stored locally
// or put on the wire.
package sanitize

import (
	"strings"
	"unicode"
)

// MaxContentLength caps a single message body
const MaxContentLength = 4000

// MaxTitleLength caps thread titles
const MaxTitleLength = 200

// Content normalizes a message body: control characters other than newline
// and tab are stripped, surrounding whitespace is trimmed, and the result is
// truncated to MaxContentLength runes.
func Content(input string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)

	cleaned = strings.TrimSpace(cleaned)
	return truncate(cleaned, MaxContentLength)
}

// Title normalizes a thread title: all whitespace collapses to single
// spaces and the result is truncated to MaxTitleLength runes.
func Title(input string) string {
	fields := strings.Fields(input)
	return truncate(strings.Join(fields, " "), MaxTitleLength)
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
