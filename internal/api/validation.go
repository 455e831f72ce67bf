package api

import "fmt"

const maxTokenLength = 128

// validateToken checks that a nonce token path parameter is well formed
// before it reaches the store.
func validateToken(token string) error {
	if len(token) == 0 {
		return fmt.Errorf("token is required")
	}
	if len(token) > maxTokenLength {
		return fmt.Errorf("token too long (max %d characters)", maxTokenLength)
	}
	for _, r := range token {
		if !isValidTokenChar(r) {
			return fmt.Errorf("token contains invalid character: %q", r)
		}
	}
	return nil
}

func isValidTokenChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.'
}
