package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const opaqueTokenByteLength = 32

var tokenRandomSource io.Reader = rand.Reader

func generateOpaqueToken() (string, error) {
	randomBytes := make([]byte, opaqueTokenByteLength)
	if _, err := io.ReadFull(tokenRandomSource, randomBytes); err != nil {
		return "", fmt.Errorf("token.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}

// tokenFingerprint identifies a credential in logs without revealing it.
func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}
