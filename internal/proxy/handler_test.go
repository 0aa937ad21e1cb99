package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claudegate/claudegate/internal/auth"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/credentials"
	"github.com/claudegate/claudegate/internal/linker"
	"github.com/claudegate/claudegate/internal/ratelimit"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/tokencount"
)

const (
	testDomain    = "tenant1.example.com"
	testClientKey = "sk-client-test-0001"
)

type testHarness struct {
	proxy *Proxy
	store *store.Store
}

func newHarness(t *testing.T, upstreamURL string, mutate func(*config.Config)) *testHarness {
	t.Helper()

	cfg := config.Default()
	cfg.Upstream.BaseURL = upstreamURL
	cfg.Storage.Path = ":memory:"
	cfg.RateLimit.Enabled = false
	cfg.Tenants = map[string]config.TenantConfig{
		testDomain: {
			ClientAPIKey: testClientKey,
			APIKey:       "sk-ant-upstream-key",
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limits := ratelimit.Limits{
			Requests:      cfg.RateLimit.RequestsPerWindow,
			Tokens:        cfg.RateLimit.TokensPerWindow,
			Window:        cfg.RateLimit.Window,
			BlockDuration: cfg.RateLimit.BlockDuration,
		}
		limiter = ratelimit.NewLimiter(ratelimit.NewMemoryStore(limits, time.Minute), true)
	} else {
		limiter = ratelimit.NewLimiter(nil, false)
	}

	p := New(cfg, Deps{
		Gate:        auth.NewGate(cfg.Tenants),
		Credentials: credentials.NewResolver(cfg.Tenants),
		Limiter:     limiter,
		Linker:      linker.New(st),
		Store:       st,
		Estimator:   tokencount.NewEstimator(),
		Registry:    prometheus.NewRegistry(),
		Logger:      zerolog.Nop(),
	})
	return &testHarness{proxy: p, store: st}
}

func (h *testHarness) do(t *testing.T, body string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Host = testDomain
	req.Header.Set("Authorization", "Bearer "+testClientKey)
	req.Header.Set(headerAnthropicVersion, "2023-06-01")
	req.Header.Set("Content-Type", "application/json")
	if mutate != nil {
		mutate(req)
	}
	rec := httptest.NewRecorder()
	h.proxy.Handler().ServeHTTP(rec, req)
	return rec
}

func simpleBody(turns ...string) string {
	msgs := make([]map[string]any, 0, len(turns))
	for i, text := range turns {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		msgs = append(msgs, map[string]any{"role": role, "content": text})
	}
	b, _ := json.Marshal(map[string]any{
		"model":    "claude-sonnet-4-20250514",
		"messages": msgs,
	})
	return string(b)
}

func okUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_01","role":"assistant","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":25,"output_tokens":7}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHandler_RejectsMissingAndWrongBearer(t *testing.T) {
	upstream := okUpstream(t)
	h := newHarness(t, upstream.URL, nil)

	rec := h.do(t, simpleBody("hi"), func(r *http.Request) {
		r.Header.Del("Authorization")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	assert.Contains(t, rec.Body.String(), "authentication_error")

	rec = h.do(t, simpleBody("hi"), func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer wrong-key")
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_RejectsUnknownTenant(t *testing.T) {
	upstream := okUpstream(t)
	h := newHarness(t, upstream.URL, nil)

	rec := h.do(t, simpleBody("hi"), func(r *http.Request) {
		r.Host = "stranger.example.com"
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_ValidatesStructure(t *testing.T) {
	upstream := okUpstream(t)
	h := newHarness(t, upstream.URL, nil)

	cases := []struct {
		name   string
		body   string
		mutate func(*http.Request)
	}{
		{"missing version header", simpleBody("hi"), func(r *http.Request) {
			r.Header.Del(headerAnthropicVersion)
		}},
		{"invalid json", `{"messages": [`, nil},
		{"empty messages", `{"model":"m","messages":[]}`, nil},
		{"message without role", `{"model":"m","messages":[{"content":"hi"}]}`, nil},
		{"message with empty content", `{"model":"m","messages":[{"role":"user","content":""}]}`, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.do(t, tc.body, tc.mutate)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid_request_error")
		})
	}
}

func TestHandler_BufferedRelayAndBookkeeping(t *testing.T) {
	var gotAPIKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("x-api-key")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_01","content":[{"type":"text","text":"ok"}],"usage":{"input_tokens":25,"output_tokens":7}}`)
	}))
	defer upstream.Close()
	h := newHarness(t, upstream.URL, nil)

	rec := h.do(t, simpleBody("hello there"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sk-ant-upstream-key", gotAPIKey)
	assert.Contains(t, rec.Body.String(), `"id":"msg_01"`)

	requestID := rec.Header().Get(headerRequestID)
	require.NotEmpty(t, requestID)
	require.NotEmpty(t, rec.Header().Get(headerConversationID))
	assert.Equal(t, linker.MainBranch, rec.Header().Get(headerBranchID))

	// Completion lands asynchronously with the response already written,
	// but finalize runs before the handler returns.
	recs, err := h.store.FindByCurrentHash(t.Context(), testDomain, testDomain, hashOf(t, simpleBody("hello there")))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 25, recs[0].InputTokens)
	assert.Equal(t, 7, recs[0].OutputTokens)
	assert.Empty(t, recs[0].Error)
}

func hashOf(t *testing.T, body string) string {
	t.Helper()
	current, _ := linker.ComputeHashes([]byte(body))
	return current
}

func TestHandler_ConversationContinuity(t *testing.T) {
	upstream := okUpstream(t)
	h := newHarness(t, upstream.URL, nil)

	first := h.do(t, simpleBody("question one"), nil)
	require.Equal(t, http.StatusOK, first.Code)
	conv := first.Header().Get(headerConversationID)
	require.NotEmpty(t, conv)

	second := h.do(t, simpleBody("question one", "answer one", "question two"), nil)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, conv, second.Header().Get(headerConversationID))
	assert.Equal(t, linker.MainBranch, second.Header().Get(headerBranchID))
}

func TestHandler_RateLimitRejection(t *testing.T) {
	upstream := okUpstream(t)
	h := newHarness(t, upstream.URL, func(cfg *config.Config) {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.RequestsPerWindow = 2
		cfg.RateLimit.TokensPerWindow = 1 << 30
		cfg.RateLimit.Window = time.Hour
		cfg.RateLimit.BlockDuration = 5 * time.Minute
	})

	for i := 0; i < 2; i++ {
		rec := h.do(t, simpleBody("hi"), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get(headerRateLimitLimit))
	}

	rec := h.do(t, simpleBody("hi"), nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limit_error")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get(headerRateLimitRemaining))
}

func TestHandler_StreamingRelay(t *testing.T) {
	stream := "" +
		"event: message_start\n" +
		`data: {"type":"message_start","message":{"usage":{"input_tokens":11}}}` + "\n\n" +
		"event: content_block_delta\n" +
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}` + "\n\n" +
		"event: message_delta\n" +
		`data: {"type":"message_delta","usage":{"output_tokens":5}}` + "\n\n"

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, stream)
	}))
	defer upstream.Close()
	h := newHarness(t, upstream.URL, nil)

	body := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	rec := h.do(t, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, stream, rec.Body.String())

	requestID := rec.Header().Get(headerRequestID)
	chunks, err := h.store.Chunks(t.Context(), requestID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	var joined []byte
	for _, c := range chunks {
		joined = append(joined, c...)
	}
	assert.Equal(t, stream, string(joined))

	recs, err := h.store.FindByCurrentHash(t.Context(), testDomain, testDomain, hashOf(t, body))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 11, recs[0].InputTokens)
	assert.Equal(t, 5, recs[0].OutputTokens)
}

func TestHandler_ClientDisconnectFinalizesRecord(t *testing.T) {
	// One event, then the upstream holds the stream open until its own
	// request context dies. The client walking away must cancel that read.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\n"+
			`data: {"type":"message_start","message":{"usage":{"input_tokens":11}}}`+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL, nil)
	front := httptest.NewServer(h.proxy.Handler())
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	body := `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, front.URL+"/v1/messages", strings.NewReader(body))
	require.NoError(t, err)
	req.Host = testDomain
	req.Header.Set("Authorization", "Bearer "+testClientKey)
	req.Header.Set(headerAnthropicVersion, "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Read the first event so the relay is established, then walk away.
	_, err = resp.Body.Read(make([]byte, 512))
	require.NoError(t, err)
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := h.store.FindByCurrentHash(context.Background(), testDomain, testDomain, hashOf(t, body))
		require.NoError(t, err)
		if len(recs) == 1 && recs[0].Error == "client_disconnected" {
			// Usage observed before the disconnect survives on the record.
			assert.Equal(t, 11, recs[0].InputTokens)
			assert.Equal(t, 0, recs[0].OutputTokens)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("record was not finalized after the client disconnected")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestHandler_UpstreamErrorPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"type":"invalid_request_error","message":"model not found"}}`)
	}))
	defer upstream.Close()
	h := newHarness(t, upstream.URL, nil)

	rec := h.do(t, simpleBody("hi"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "model not found")
}

func TestHandler_OAuthRefreshRetryOn401(t *testing.T) {
	dir := t.TempDir()
	credFile := filepath.Join(dir, "oauth.json")
	writeCredFile(t, credFile, "stale-token", time.Now().Add(time.Hour))

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"fresh-token","refresh_token":"rt-2","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	var calls int
	var lastAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		lastAuth = r.Header.Get("Authorization")
		if lastAuth != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":{"type":"authentication_error","message":"token expired"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"msg_01","content":[],"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer upstream.Close()

	cfg := config.Default()
	cfg.Upstream.BaseURL = upstream.URL
	cfg.Storage.Path = ":memory:"
	cfg.RateLimit.Enabled = false
	cfg.Tenants = map[string]config.TenantConfig{
		testDomain: {ClientAPIKey: testClientKey, CredentialFile: credFile},
	}

	st, err := store.Open(cfg.Storage.Path)
	require.NoError(t, err)
	defer st.Close()

	p := New(cfg, Deps{
		Gate:        auth.NewGate(cfg.Tenants),
		Credentials: credentials.NewResolver(cfg.Tenants, credentials.WithTokenEndpoint(tokenSrv.URL)),
		Limiter:     ratelimit.NewLimiter(nil, false),
		Linker:      linker.New(st),
		Store:       st,
		Estimator:   tokencount.NewEstimator(),
		Registry:    prometheus.NewRegistry(),
		Logger:      zerolog.Nop(),
	})
	h := &testHarness{proxy: p, store: st}

	rec := h.do(t, simpleBody("hi"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "Bearer fresh-token", lastAuth)
}

func writeCredFile(t *testing.T, path, accessToken string, expiresAt time.Time) {
	t.Helper()
	data, _ := json.Marshal(map[string]any{
		"access_token":  accessToken,
		"refresh_token": "rt-1",
		"expires_at":    expiresAt.UnixMilli(),
	})
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestHandler_OversizedBodyRejected(t *testing.T) {
	upstream := okUpstream(t)
	h := newHarness(t, upstream.URL, nil)

	big := strings.Repeat("x", int(config.MaxRequestBodySize)+1)
	body := fmt.Sprintf(`{"model":"m","messages":[{"role":"user","content":%q}]}`, big)
	rec := h.do(t, body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
