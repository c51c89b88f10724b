package delivery

import "strings"

// NormalizeRecipient strips every non-digit and, when exactly domesticLen
// digits remain and they do not already start with countryCode, prepends it.
func NormalizeRecipient(raw, countryCode string, domesticLen int) string {
	digits := digitsOnly(raw)
	if domesticLen > 0 && len(digits) == domesticLen && !strings.HasPrefix(digits, countryCode) {
		return countryCode + digits
	}
	return digits
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
