package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// refreshTokenBytes is the entropy of a refresh token value. 32 bytes keeps
// collision probability astronomically low without a uniqueness check.
const refreshTokenBytes = 32

// NewRefreshTokenValue returns a fresh opaque refresh token value from the
// system CSPRNG. The value is the credential; only its hash is stored.
func NewRefreshTokenValue() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashRefreshToken derives the at-rest lookup key for a refresh token value.
// The pepper keeps a leaked database from being replayable on its own.
func HashRefreshToken(value, pepper string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
