package manager

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxKeyLen bounds normalized keys so every backend can address them.
const maxKeyLen = 250

// NormalizeKey canonicalizes a cache key: Unicode NFC composition, control
// characters stripped, length capped at maxKeyLen runes. The function is
// idempotent, so keys already normalized pass through unchanged.
func NormalizeKey(key string) string {
	key = norm.NFC.String(key)

	key = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, key)

	runes := []rune(key)
	if len(runes) > maxKeyLen {
		key = string(runes[:maxKeyLen])
		// Truncation can split a composition sequence at the boundary;
		// re-composing keeps the result a fixed point.
		key = norm.NFC.String(key)
	}

	return key
}
