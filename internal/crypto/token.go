// Package crypto provides token generation and constant-time verification
// for participant WebSocket tokens and sandbox auth tokens.
//
// Tokens are 256-bit random values, not low-entropy secrets, so they are
// hashed with SHA-256 rather than a deliberately slow password hash
// (bcrypt/argon2): a work-factor hash defends against brute-forcing a
// human-memorable secret, which does not apply here and would only add
// latency to every WS upgrade and ack. See DESIGN.md.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// GenerateToken returns a new random token (32 random bytes, hex-encoded),
// suitable for a sandbox auth token or a participant WS auth token.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashToken returns the hex-encoded SHA-256 digest of a plaintext token.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether plaintext hashes to the given hex digest, using a
// constant-time comparison so token verification does not leak timing
// information about how many hash bytes matched.
func Verify(plaintext, hash string) bool {
	if hash == "" {
		return false
	}
	computed := HashToken(plaintext)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// VerifyLegacyPlaintext constant-time compares a legacy plaintext-stored
// token. Used only as a fallback when authTokenHash is absent — see
// spec.md open question 1.
func VerifyLegacyPlaintext(candidate, stored string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(stored)) == 1
}
