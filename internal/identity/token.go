// Package identity generates the opaque OCPI access tokens exchanged during
// the credentials handshake and issues the signed tokens guarding the
// administrative API.
package identity

import (
	"crypto/rand"
	"fmt"
)

// AccessTokenLength is the length of generated OCPI access tokens.
const AccessTokenLength = 48

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewAccessToken returns a fresh alphanumeric bearer token read from
// crypto/rand. Tokens are opaque: no structure, no embedded claims.
func NewAccessToken() (string, error) {
	buf := make([]byte, AccessTokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf), nil
}
