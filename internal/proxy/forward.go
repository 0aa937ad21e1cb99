package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/claudegate/claudegate/internal/credentials"
)

// sanitizeModelName strips provider prefixes from the model field.
// Handles router-style names like "anthropic/claude-sonnet-4" that some
// clients send when they were previously pointed at an aggregator.
func sanitizeModelName(body []byte) []byte {
	model := gjson.GetBytes(body, "model").String()
	for _, prefix := range []string{"anthropic/", "openai/", "google/", "meta/"} {
		if strings.HasPrefix(model, prefix) {
			out, err := sjson.SetBytes(body, "model", strings.TrimPrefix(model, prefix))
			if err != nil {
				return body
			}
			return out
		}
	}
	return body
}

// hop-by-hop and auth headers never forwarded upstream.
var skipHeaders = map[string]struct{}{
	"authorization":     {},
	"x-api-key":         {},
	"host":              {},
	"connection":        {},
	"keep-alive":        {},
	"proxy-connection":  {},
	"te":                {},
	"transfer-encoding": {},
	"upgrade":           {},
	"content-length":    {},
	"accept-encoding":   {},
}

// forward sends the request body upstream with the tenant's credential
// attached. For OAuth tenants a 401 triggers one forced refresh and a
// single retry with the new token.
func (p *Proxy) forward(ctx context.Context, rc *RequestContext, inHeader http.Header) (*http.Response, error) {
	resp, err := p.sendUpstream(ctx, rc, inHeader)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || !p.credentials.IsOAuth(rc.Domain) {
		return resp, nil
	}

	resp.Body.Close()
	p.log.Warn().
		Str("domain", rc.Domain).
		Str("request_id", rc.RequestID).
		Msg("upstream rejected oauth token, forcing refresh")
	if _, err := p.credentials.ForceRefresh(ctx, rc.Domain); err != nil {
		return nil, fmt.Errorf("refresh after upstream 401: %w", err)
	}
	return p.sendUpstream(ctx, rc, inHeader)
}

func (p *Proxy) sendUpstream(ctx context.Context, rc *RequestContext, inHeader http.Header) (*http.Response, error) {
	cred, err := p.credentials.Resolve(ctx, rc.Domain)
	if err != nil {
		return nil, err
	}

	url := strings.TrimRight(p.upstreamBaseURL, "/") + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(sanitizeModelName(rc.Body)))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	for name, values := range inHeader {
		if _, skip := skipHeaders[strings.ToLower(name)]; skip {
			continue
		}
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if req.Header.Get(headerAnthropicVersion) == "" {
		req.Header.Set(headerAnthropicVersion, defaultAnthropicVersion)
	}

	switch cred.Type {
	case credentials.TypeOAuth:
		req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
		// OAuth access tokens require the beta opt-in header upstream.
		if beta := req.Header.Get("anthropic-beta"); beta == "" {
			req.Header.Set("anthropic-beta", oauthBetaFlag)
		} else if !strings.Contains(beta, oauthBetaFlag) {
			req.Header.Set("anthropic-beta", oauthBetaFlag+","+beta)
		}
	default:
		req.Header.Set("x-api-key", cred.APIKey)
	}

	return p.httpClient.Do(req)
}
