package telegram

import "unicode/utf8"

// Bot API limits, counted in characters after entity parsing.
const (
	maxTextRunes    = 4096
	maxCaptionRunes = 1024
)

// truncRunes returns s cut to at most n runes, ending in "…" when cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n-1 {
			return s[:i] + "…"
		}
		count++
	}
	return s
}

// splitRunes breaks s into chunks of at most n runes, preferring to cut
// after a newline in the second half of a chunk.
func splitRunes(s string, n int) []string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return []string{s}
	}
	var out []string
	for s != "" {
		runes, end, lastNL := 0, len(s), -1
		for i, r := range s {
			if runes == n {
				end = i
				break
			}
			runes++
			if r == '\n' && runes > n/2 {
				lastNL = i + 1
			}
		}
		if end < len(s) && lastNL > 0 {
			end = lastNL
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out
}
