package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// GenerateOTP returns a 6-digit code from crypto/rand.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// DigestOTP returns the hex SHA-256 of the code; only digests are stored.
func DigestOTP(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// MatchOTP compares a candidate code against a stored digest in constant
// time.
func MatchOTP(digest, code string) bool {
	candidate := DigestOTP(code)
	return subtle.ConstantTimeCompare([]byte(digest), []byte(candidate)) == 1
}
