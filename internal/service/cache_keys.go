package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func normalizeToken(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.ReplaceAll(v, ":", "_")
	if v == "" {
		return "unknown"
	}
	return v
}

// hashToken keeps raw lookup keys (emails, identifiers) out of redis.
func hashToken(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:16])
}
