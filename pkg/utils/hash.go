package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns the hex sha256 of input. Compiled session content is
// keyed by this value in the extraction cache and on the stored order.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
