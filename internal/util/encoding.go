package util

import (
	"golang.org/x/text/unicode/norm"
)

// Normalize maps compatibility-equivalent strings to one form so that a
// password typed on different keyboards hashes the same.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// Redact shortens a secret token to a prefix that is safe to log.
func Redact(token string) string {
	const keep = 8
	if len(token) <= keep {
		return "***"
	}
	return token[:keep] + "..."
}
