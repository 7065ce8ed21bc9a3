// Package crypto provides the primitives the gateway builds on: HMAC-SHA256,
// SHA-256 hex digests, constant-time comparison, and base62 nonces.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// HmacSHA256 computes HMAC-SHA256 of msg under key.
func HmacSHA256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// HmacSHA256Hex computes HMAC-SHA256 of msg under key, hex-encoded lowercase.
func HmacSHA256Hex(key, msg []byte) string {
	return hex.EncodeToString(HmacSHA256(key, msg))
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// EqualConstantTime compares two strings without leaking the position of the
// first difference. Length mismatch returns false immediately; the platform
// signature schemes compared here are fixed-width.
func EqualConstantTime(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewNonce returns a random base62 string of length n drawn from crypto/rand.
// Sampling is unbiased.
func NewNonce(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("crypto: nonce length must be positive, got %d", n)
	}
	out := make([]byte, n)
	max := big.NewInt(int64(len(base62Alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("crypto: failed to read randomness: %w", err)
		}
		out[i] = base62Alphabet[idx.Int64()]
	}
	return string(out), nil
}
