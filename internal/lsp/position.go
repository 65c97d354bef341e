package lsp

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// offsetAt converts an LSP position into a byte offset in text. Lines past
// the end clamp to len(text); characters past the end of a line clamp to
// the end of that line, before its terminator. A character that falls
// inside a surrogate pair rounds up to the end of the rune.
func offsetAt(text string, pos Position) int {
	start := 0
	for line := uint32(0); line < pos.Line; line++ {
		i := strings.IndexByte(text[start:], '\n')
		if i < 0 {
			return len(text)
		}
		start += i + 1
	}

	end := len(text)
	if i := strings.IndexByte(text[start:], '\n'); i >= 0 {
		end = start + i
	}
	if end > start && text[end-1] == '\r' {
		end--
	}

	off := start
	units := uint32(0)
	for off < end && units < pos.Character {
		r, size := utf8.DecodeRuneInString(text[off:end])
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		units += uint32(n)
		off += size
	}
	return off
}

// applyChange applies one content change event to text.
func applyChange(text string, change TextDocumentContentChangeEvent) string {
	if change.Range == nil {
		return change.Text
	}
	start := offsetAt(text, change.Range.Start)
	end := offsetAt(text, change.Range.End)
	if end < start {
		start, end = end, start
	}
	var b strings.Builder
	b.Grow(len(text) - (end - start) + len(change.Text))
	b.WriteString(text[:start])
	b.WriteString(change.Text)
	b.WriteString(text[end:])
	return b.String()
}

// wordBefore returns the run of identifier characters ending at pos.
func wordBefore(text string, pos Position) string {
	end := offsetAt(text, pos)
	start := end
	for start > 0 && isWordByte(text[start-1]) {
		start--
	}
	return text[start:end]
}

func isWordByte(c byte) bool {
	return c == '_' || '0' <= c && c <= '9' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z'
}
