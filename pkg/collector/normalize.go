package collector

import (
	"strings"
	"unicode"
)

// NormalizeContent cleans raw comment text for storage: control and
// zero-width characters are stripped, whitespace runs collapse to a
// single space, and the result is truncated to maxLen runes. An empty
// result means the comment should be discarded, not stored.
func NormalizeContent(raw string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(raw))

	lastSpace := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		case unicode.IsControl(r) || isZeroWidth(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}

	out := strings.TrimSpace(b.String())
	if maxLen > 0 {
		runes := []rune(out)
		if len(runes) > maxLen {
			out = string(runes[:maxLen])
		}
	}
	return out
}

func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff':
		return true
	}
	return false
}
