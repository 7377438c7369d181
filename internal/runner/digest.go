package runner

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Digest returns a short, stable fingerprint of a script for logs and
// history records.
func Digest(script string) string {
	sum := blake3.Sum256([]byte(script))
	return hex.EncodeToString(sum[:8])
}
