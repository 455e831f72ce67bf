package nonce

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	// TokenPrefix is prepended to all generated nonce tokens.
	TokenPrefix = "nce_"
	// tokenRandBytes is the number of random bytes in a token (32 bytes = 64 hex chars).
	tokenRandBytes = 32
)

// GenerateToken creates a new random nonce token.
// Format: "nce_" + 64 hex chars = 68 char token.
func GenerateToken() (string, error) {
	b := make([]byte, tokenRandBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(b), nil
}
