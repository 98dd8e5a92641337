package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint hashes parts into a stable lowercase hex key. Parts are
// separated by a unit separator so ("ab","c") and ("a","bc") differ.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
