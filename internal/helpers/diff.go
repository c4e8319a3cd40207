package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeForDiff collapses whitespace and lowercases content to stabilise hash comparisons.
func NormalizeForDiff(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// Collapse repeated whitespace and lowercase for stable comparisons.
	fields := strings.Fields(s)
	return strings.ToLower(strings.Join(fields, " "))
}

// ContentHash computes a SHA-256 hash for the normalised content.
func ContentHash(content string) string {
	norm := NormalizeForDiff(content)
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}
