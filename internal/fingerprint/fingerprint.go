package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/example/qrggif/internal/glyph"
)

// Separator joins symbols before hashing.
const Separator = "|"

// Size is the length of a rendered fingerprint.
const Size = sha256.Size * 2

// Join renders seq in frame order with single separators.
func Join(seq []glyph.Symbol) string {
	return strings.Join(glyph.Strings(seq), Separator)
}

// Compute returns the lowercase hex SHA-256 of the joined sequence.
func Compute(seq []glyph.Symbol) string {
	sum := sha256.Sum256([]byte(Join(seq)))
	return hex.EncodeToString(sum[:])
}

// IsWellFormed reports whether s looks like a fingerprint: 64 lowercase hex characters.
func IsWellFormed(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
