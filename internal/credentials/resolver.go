// Package credentials maps tenants to upstream API credentials.
//
// Two credential shapes exist: a static API key configured inline, and an
// OAuth access/refresh pair stored in a JSON credential file that the
// resolver refreshes in place before expiry.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/utils"
)

// Type discriminates credential shapes.
type Type string

const (
	TypeAPIKey Type = "api_key"
	TypeOAuth  Type = "oauth"
)

var (
	// ErrNoCredential means the tenant has no upstream credential configured.
	ErrNoCredential = errors.New("no upstream credential configured")
	// ErrInvalidCredential means the stored credential is unusable and a
	// retry will not help (e.g. revoked refresh token).
	ErrInvalidCredential = errors.New("invalid upstream credential")
	// ErrRefreshFailed means the token refresh call failed transiently.
	// Callers degrade the request to an upstream-auth failure.
	ErrRefreshFailed = errors.New("token refresh failed")
)

// Credential is a resolved upstream credential ready to attach to a request.
type Credential struct {
	Type        Type
	APIKey      string
	AccessToken string
}

// oauthFile is the on-disk credential file format.
type oauthFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"` // unix milliseconds
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
}

// managedToken is the per-tenant OAuth state. Its mutex single-flights
// refreshes so concurrent requests don't each hit the token endpoint.
type managedToken struct {
	mu     sync.Mutex
	path   string
	loaded bool
	tok    oauthFile
}

func (m *managedToken) expiresAt() time.Time {
	return time.UnixMilli(m.tok.ExpiresAt)
}

// Resolver resolves tenant domains to upstream credentials.
type Resolver struct {
	tenants    map[string]config.TenantConfig
	httpClient *http.Client
	tokenURL   string
	clientID   string

	mu     sync.Mutex
	tokens map[string]*managedToken
	now    func() time.Time
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithTokenEndpoint overrides the OAuth token endpoint (tests).
func WithTokenEndpoint(url string) Option {
	return func(r *Resolver) { r.tokenURL = url }
}

// WithHTTPClient overrides the refresh HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a resolver over the configured tenants.
func NewResolver(tenants map[string]config.TenantConfig, opts ...Option) *Resolver {
	r := &Resolver{
		tenants:    tenants,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenURL:   "https://console.anthropic.com/v1/oauth/token",
		clientID:   "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		tokens:     make(map[string]*managedToken),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AccountID returns the history scope for a tenant. Falls back to the
// domain itself so every tenant always has a stable scope.
func (r *Resolver) AccountID(domain string) string {
	if t, ok := r.tenants[domain]; ok && t.AccountID != "" {
		return t.AccountID
	}
	return domain
}

// Resolve returns a ready-to-use credential for the tenant. For OAuth
// tenants this is GetValidToken behind the scenes.
func (r *Resolver) Resolve(ctx context.Context, domain string) (Credential, error) {
	t, ok := r.tenants[domain]
	if !ok {
		return Credential{}, ErrNoCredential
	}
	if t.APIKey != "" {
		return Credential{Type: TypeAPIKey, APIKey: t.APIKey}, nil
	}
	if t.CredentialFile != "" {
		tok, err := r.GetValidToken(ctx, domain)
		if err != nil {
			return Credential{}, err
		}
		return Credential{Type: TypeOAuth, AccessToken: tok}, nil
	}
	return Credential{}, ErrNoCredential
}

// GetValidToken returns a non-expired access token for an OAuth tenant,
// refreshing (and persisting the new pair) when inside the refresh skew.
func (r *Resolver) GetValidToken(ctx context.Context, domain string) (string, error) {
	m, err := r.managed(domain)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.load(); err != nil {
		return "", err
	}
	if r.now().Before(m.expiresAt().Add(-config.TokenRefreshSkew)) {
		return m.tok.AccessToken, nil
	}
	return r.refreshLocked(ctx, domain, m)
}

// ForceRefresh refreshes the tenant's token unconditionally. Used by the
// forwarder after an upstream 401 attributable to an expired token.
func (r *Resolver) ForceRefresh(ctx context.Context, domain string) (string, error) {
	m, err := r.managed(domain)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.load(); err != nil {
		return "", err
	}
	return r.refreshLocked(ctx, domain, m)
}

// IsOAuth reports whether the tenant uses a managed OAuth credential.
func (r *Resolver) IsOAuth(domain string) bool {
	t, ok := r.tenants[domain]
	return ok && t.CredentialFile != ""
}

func (r *Resolver) managed(domain string) (*managedToken, error) {
	t, ok := r.tenants[domain]
	if !ok || t.CredentialFile == "" {
		return nil, ErrNoCredential
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.tokens[domain]
	if !ok {
		m = &managedToken{path: t.CredentialFile}
		r.tokens[domain] = m
	}
	return m, nil
}

// load reads the credential file once per process; refreshes keep the
// in-memory copy current afterwards.
func (m *managedToken) load() error {
	if m.loaded {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("%w: read credential file: %v", ErrInvalidCredential, err)
	}
	var tok oauthFile
	if err := json.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("%w: parse credential file: %v", ErrInvalidCredential, err)
	}
	if tok.RefreshToken == "" {
		return fmt.Errorf("%w: credential file has no refresh token", ErrInvalidCredential)
	}
	m.tok = tok
	m.loaded = true
	return nil
}

// refreshLocked performs the refresh call and persists the new pair.
// Caller holds m.mu.
func (r *Resolver) refreshLocked(ctx context.Context, domain string, m *managedToken) (string, error) {
	payload, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": m.tok.RefreshToken,
		"client_id":     r.clientID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("credentials: refresh request failed")
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		log.Error().Int("status", resp.StatusCode).Str("domain", domain).Msg("credentials: refresh token rejected")
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrInvalidCredential, resp.StatusCode)
	default:
		log.Error().Int("status", resp.StatusCode).Str("domain", domain).Msg("credentials: refresh failed")
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrRefreshFailed, resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.Unmarshal(body, &rr); err != nil || rr.AccessToken == "" {
		return "", fmt.Errorf("%w: malformed token response", ErrRefreshFailed)
	}

	m.tok.AccessToken = rr.AccessToken
	if rr.RefreshToken != "" {
		m.tok.RefreshToken = rr.RefreshToken
	}
	m.tok.ExpiresAt = r.now().Add(time.Duration(rr.ExpiresIn) * time.Second).UnixMilli()

	if err := m.persist(); err != nil {
		// The in-memory token is still valid; losing the file write only
		// costs a refresh on the next process start.
		log.Warn().Err(err).Str("domain", domain).Msg("credentials: failed to persist refreshed token")
	}

	log.Info().
		Str("domain", domain).
		Str("access_token", utils.MaskKey(m.tok.AccessToken)).
		Time("expires_at", m.expiresAt()).
		Msg("credentials: token refreshed")
	return m.tok.AccessToken, nil
}

func (m *managedToken) persist() error {
	data, err := json.MarshalIndent(m.tok, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}
