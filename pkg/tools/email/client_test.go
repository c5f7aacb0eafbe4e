package email

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawPlainMessage(body string) []byte {
	return []byte("Mime-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		body)
}

func TestSnippet_PlainText(t *testing.T) {
	got := snippet(rawPlainMessage("Quick note:\r\n  the launch review moved\tto Thursday."))
	assert.Equal(t, "Quick note: the launch review moved to Thursday.", got)
}

func TestSnippet_TruncatesLongBody(t *testing.T) {
	got := snippet(rawPlainMessage(strings.Repeat("status update ", 40)))
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), snippetLength+3)
}

func TestSnippet_TruncatesOnRuneBoundary(t *testing.T) {
	// Offset the multi-byte runes so the length cut would land inside one.
	body := "a" + strings.Repeat("€", 120)
	got := snippet(rawPlainMessage(body))

	require.True(t, strings.HasSuffix(got, "..."))
	assert.True(t, utf8.ValidString(got), "snippet must not split a rune")
	assert.True(t, strings.HasPrefix(body, strings.TrimSuffix(got, "...")))
}

func TestSnippet_NoPlainPart(t *testing.T) {
	raw := []byte("Mime-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>hello</p>")
	assert.Equal(t, "", snippet(raw))
}
