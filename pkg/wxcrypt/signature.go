package wxcrypt

import (
	"crypto/sha1" // #nosec G505 - SHA-1 is mandated by the platform callback protocol
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"
)

// Signature computes the platform callback signature: the given parts are
// sorted lexicographically, concatenated, hashed with SHA-1 and hex encoded.
func Signature(parts ...string) string {
	sorted := make([]string, len(parts))
	copy(sorted, parts)
	sort.Strings(sorted)

	sum := sha1.Sum([]byte(strings.Join(sorted, ""))) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// Verify reports whether signature matches the one computed over
// (token, timestamp, nonce, payload). Used for the encrypted channel where
// payload is either the echo challenge or the message ciphertext. An empty
// token never verifies.
func Verify(signature, timestamp, nonce, payload, token string) bool {
	if token == "" {
		return false
	}
	return equal(signature, Signature(token, timestamp, nonce, payload))
}

// VerifyBasic checks the three-part signature used by the plaintext channel.
// An empty token never verifies.
func VerifyBasic(signature, timestamp, nonce, token string) bool {
	if token == "" {
		return false
	}
	return equal(signature, Signature(token, timestamp, nonce))
}

func equal(got, want string) bool {
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
