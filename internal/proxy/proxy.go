// Package proxy is the HTTP front of the gateway: it authenticates
// callers, rate-limits them, validates payloads, links each request into
// its conversation, and relays the upstream response.
//
// DESIGN: Request flow:
//   - handleMessages():  entry point for /v1/messages
//   - forward():         upstream call with tenant credential attached
//   - relayBuffered():   non-streaming response passthrough
//   - relayStream():     SSE relay preserving chunk boundaries
//
// Also includes the health check and the Prometheus metrics endpoint.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/claudegate/claudegate/internal/auth"
	"github.com/claudegate/claudegate/internal/config"
	"github.com/claudegate/claudegate/internal/credentials"
	"github.com/claudegate/claudegate/internal/linker"
	"github.com/claudegate/claudegate/internal/monitoring"
	"github.com/claudegate/claudegate/internal/ratelimit"
	"github.com/claudegate/claudegate/internal/store"
	"github.com/claudegate/claudegate/internal/tokencount"
)

const (
	headerRequestID        = "X-Request-Id"
	headerConversationID   = "X-Conversation-Id"
	headerBranchID         = "X-Branch-Id"
	headerAnthropicVersion = "anthropic-version"

	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"

	defaultAnthropicVersion = "2023-06-01"

	// Beta opt-in attached when forwarding with an OAuth access token.
	oauthBetaFlag = "oauth-2025-04-20"

	bufferSize = config.DefaultBufferSize
)

// Proxy owns the listening server and the request pipeline dependencies.
// Everything is injected; nothing reaches for globals, so tests stand up
// a full Proxy against httptest backends.
type Proxy struct {
	cfg             *config.Config
	upstreamBaseURL string
	httpClient      *http.Client

	gate        *auth.Gate
	credentials *credentials.Resolver
	limiter     *ratelimit.Limiter
	linker      *linker.Linker
	store       *store.Store
	estimator   *tokencount.Estimator
	metrics     *monitoring.Metrics
	registry    *prometheus.Registry
	log         zerolog.Logger

	server *http.Server
}

// Deps bundles the pipeline dependencies for New.
type Deps struct {
	Gate        *auth.Gate
	Credentials *credentials.Resolver
	Limiter     *ratelimit.Limiter
	Linker      *linker.Linker
	Store       *store.Store
	Estimator   *tokencount.Estimator
	Registry    *prometheus.Registry
	Logger      zerolog.Logger
}

// New assembles a Proxy from config and its dependencies.
func New(cfg *config.Config, deps Deps) *Proxy {
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	baseURL := cfg.Upstream.BaseURL
	if baseURL == "" {
		baseURL = config.DefaultUpstreamBaseURL
	}
	p := &Proxy{
		cfg:             cfg,
		upstreamBaseURL: baseURL,
		// A zero upstream timeout means no client-side deadline; streaming
		// responses stay open for minutes and rely on request context
		// cancellation instead.
		httpClient:  &http.Client{Timeout: cfg.Upstream.Timeout},
		gate:        deps.Gate,
		credentials: deps.Credentials,
		limiter:     deps.Limiter,
		linker:      deps.Linker,
		store:       deps.Store,
		estimator:   deps.Estimator,
		metrics:     monitoring.NewMetrics(registry),
		registry:    registry,
		log:         deps.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", p.handleMessages)
	mux.HandleFunc("GET /health", p.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	p.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout stays zero: it would sever long SSE relays.
	}
	return p
}

// Handler exposes the mux for tests.
func (p *Proxy) Handler() http.Handler { return p.server.Handler }

// Start blocks on ListenAndServe.
func (p *Proxy) Start() error {
	p.log.Info().Str("addr", p.server.Addr).Msg("proxy listening")
	if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}

// handleHealth probes storage so a wedged database turns the instance
// unhealthy instead of silently degrading every request.
func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := p.store.Ping(ctx); err != nil {
		p.log.Error().Err(err).Msg("health: storage unreachable")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"unhealthy","storage":%q}`+"\n", err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, `{"status":"ok"}`)
}
