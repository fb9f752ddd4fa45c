package segment

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// StripControl removes control characters except newline. Speech backends
// reject them.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r != '\n' && unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Chunk packs segments, in order, into chunks of at most maxChars runes. A
// segment is split only when it alone exceeds maxChars. Segments are
// stripped of control characters before their length is counted. With
// maxChars <= 0 everything goes into one chunk.
func Chunk(segments []string, maxChars int) []string {
	var (
		chunks []string
		buf    strings.Builder
		bufLen int
	)

	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, seg := range segments {
		seg = StripControl(seg)
		n := utf8.RuneCountInString(seg)
		if n == 0 {
			continue
		}

		if maxChars <= 0 || bufLen+n <= maxChars {
			buf.WriteString(seg)
			bufLen += n
			continue
		}

		flush()

		if n <= maxChars {
			buf.WriteString(seg)
			bufLen = n
			continue
		}

		chunks = append(chunks, split(seg, maxChars)...)
	}

	flush()
	return chunks
}

// split cuts s into pieces of maxChars runes; the last piece may be shorter
func split(s string, maxChars int) []string {
	runes := []rune(s)
	pieces := make([]string, 0, len(runes)/maxChars+1)
	for start := 0; start < len(runes); start += maxChars {
		end := min(start+maxChars, len(runes))
		pieces = append(pieces, string(runes[start:end]))
	}
	return pieces
}
