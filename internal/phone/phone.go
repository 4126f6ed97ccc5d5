// Package phone normalizes Indonesian WhatsApp numbers to the 62-prefixed
// digit form stored on patients.
package phone

import (
	"strings"
)

// Normalize strips everything but digits, drops a WhatsApp JID suffix and
// rewrites a leading trunk 0 to the 62 country code.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "whatsapp:")
	if i := strings.IndexByte(s, '@'); i >= 0 {
		s = s[:i]
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case strings.HasPrefix(digits, "0"):
		return "62" + strings.TrimLeft(digits, "0")
	case strings.HasPrefix(digits, "8") && len(digits) >= 9 && len(digits) <= 12:
		return "62" + digits
	default:
		return digits
	}
}
