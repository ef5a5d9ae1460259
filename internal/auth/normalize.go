package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

const (
	// TokenCookie carries the browser session token.
	TokenCookie = "token"
	// InternalKeyHeader carries the shared secret of internal services.
	InternalKeyHeader = "x-internal-api-key"

	bearerPrefix = "bearer "
)

// NormalizeCredential strips formatting noise from a secret: surrounding whitespace,
// matching surrounding quotes and any number of case-insensitive "bearer " prefixes.
// It is applied identically to expected and provided values before comparison.
func NormalizeCredential(s string) string {
	s = strings.TrimSpace(s)
	for {
		prev := s
		if n := len(s); n >= 2 && (s[0] == '"' || s[0] == '\'') && s[n-1] == s[0] {
			s = strings.TrimSpace(s[1 : n-1])
		}
		if len(s) >= len(bearerPrefix) && strings.EqualFold(s[:len(bearerPrefix)], bearerPrefix) {
			s = strings.TrimSpace(s[len(bearerPrefix):])
		}
		if s == prev {
			return s
		}
	}
}

// SecureEqual compares two normalized credentials in constant time.
func SecureEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// TokenFromRequest returns the session token of r. A non-empty "token" cookie takes
// precedence over the Authorization header. Returns "" when neither is present.
func TokenFromRequest(r *http.Request) string {
	if c, err := r.Cookie(TokenCookie); err == nil {
		if tok := NormalizeCredential(c.Value); tok != "" {
			return tok
		}
	}
	return NormalizeCredential(r.Header.Get("Authorization"))
}

// HashToken is the storage key of a session token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// InternalKey validates the shared secret presented by internal services.
type InternalKey struct {
	expected string
}

// NewInternalKey normalizes the configured secret once.
func NewInternalKey(secret string) InternalKey {
	return InternalKey{expected: NormalizeCredential(secret)}
}

// Check reports whether r presents the internal secret, via x-internal-api-key or,
// when that header is absent, the Authorization header.
func (k InternalKey) Check(r *http.Request) bool {
	raw := r.Header.Get(InternalKeyHeader)
	if strings.TrimSpace(raw) == "" {
		raw = r.Header.Get("Authorization")
	}
	return SecureEqual(k.expected, NormalizeCredential(raw))
}
