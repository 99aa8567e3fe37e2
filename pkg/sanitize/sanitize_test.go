package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestContent_StripsControlCharacters tests removal of control characters
// while keeping newlines and tabs
func TestContent_StripsControlCharacters(t *testing.T) {
	assert.Equal(t, "hello\nworld", Content("hel\x00lo\nwor\x07ld"))
	assert.Equal(t, "a\tb", Content("a\tb"))
}

// TestContent_TrimsWhitespace tests surrounding whitespace removal
func TestContent_TrimsWhitespace(t *testing.T) {
	assert.Equal(t, "hello", Content("  hello  "))
	assert.Equal(t, "", Content("   "))
}

// TestContent_TruncatesLongInput tests the length cap
func TestContent_TruncatesLongInput(t *testing.T) {
	long := strings.Repeat("x", MaxContentLength+100)
	assert.Len(t, Content(long), MaxContentLength)
}

// TestTitle_CollapsesWhitespace tests title normalization
func TestTitle_CollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "Go questions", Title("  Go \n  questions "))
	assert.Equal(t, "", Title("\t\n"))
}
