// Package auth validates inbound caller credentials against per-tenant
// client keys.
//
// The gate only decides whether a caller may use a tenant; upstream
// credentials are the credential resolver's concern.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/claudegate/claudegate/internal/config"
)

// Result classifies an authentication attempt.
type Result int

const (
	// Authorized means the presented token matched the tenant's client key.
	Authorized Result = iota
	// Unauthorized means the token was absent, malformed, or wrong.
	Unauthorized
	// Misconfigured means the tenant has no client key configured. This is
	// rejected with a distinct message rather than silently permitted.
	Misconfigured
)

// Gate checks bearer tokens against tenant client keys.
type Gate struct {
	tenants map[string]config.TenantConfig
}

// NewGate creates a gate over the configured tenant set.
func NewGate(tenants map[string]config.TenantConfig) *Gate {
	return &Gate{tenants: tenants}
}

// BearerToken extracts the token from an Authorization header value.
// Returns "" for absent or malformed headers.
func BearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Check validates the request's bearer token for the given tenant domain.
// Every rejection is audit-logged with caller address and path, never the
// secret value.
func (g *Gate) Check(r *http.Request, domain string) Result {
	tenant, ok := g.tenants[domain]
	if !ok || strings.TrimSpace(tenant.ClientAPIKey) == "" {
		log.Warn().
			Str("domain", domain).
			Str("remote_addr", r.RemoteAddr).
			Str("path", r.URL.Path).
			Str("reason", "no client key configured").
			Msg("auth: rejected")
		return Misconfigured
	}

	token := BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		log.Warn().
			Str("domain", domain).
			Str("remote_addr", r.RemoteAddr).
			Str("path", r.URL.Path).
			Str("reason", "missing or malformed bearer token").
			Msg("auth: rejected")
		return Unauthorized
	}

	if !SecureCompare(token, tenant.ClientAPIKey) {
		log.Warn().
			Str("domain", domain).
			Str("remote_addr", r.RemoteAddr).
			Str("path", r.URL.Path).
			Str("reason", "token mismatch").
			Msg("auth: rejected")
		return Unauthorized
	}

	return Authorized
}

// SecureCompare compares two secrets in constant time. Both sides are
// hashed to fixed-length digests first so the comparison cost does not
// depend on input length or matching-prefix length.
func SecureCompare(a, b string) bool {
	da := sha256.Sum256([]byte(a))
	db := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}
