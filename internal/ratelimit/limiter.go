package ratelimit

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Limiter applies a Store to the two bucket forms the pipeline uses:
// one keyed by tenant domain and one keyed by the caller's client key.
// A store failure fails open: serving without a limit beats refusing
// traffic because the limiter's backend is down.
type Limiter struct {
	store   Store
	enabled bool
}

// NewLimiter wraps a store. A disabled limiter allows everything.
func NewLimiter(store Store, enabled bool) *Limiter {
	return &Limiter{store: store, enabled: enabled}
}

func tenantKey(domain string) string { return "tenant:" + domain }
func callerKey(key string) string    { return "caller:" + key }

// CheckTenant takes a request slot from the tenant's bucket.
func (l *Limiter) CheckTenant(ctx context.Context, domain string) Decision {
	return l.check(ctx, tenantKey(domain))
}

// CheckCaller takes a request slot from a caller-key bucket.
func (l *Limiter) CheckCaller(ctx context.Context, key string) Decision {
	return l.check(ctx, callerKey(key))
}

func (l *Limiter) check(ctx context.Context, key string) Decision {
	if !l.enabled {
		return Decision{Allowed: true}
	}
	d, err := l.store.Take(ctx, key)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("ratelimit: store unavailable, failing open")
		return Decision{Allowed: true}
	}
	return d
}

// RecordUsage feeds a completed request's token usage into both ledgers:
// the tenant bucket and the caller bucket that admitted the request.
// Either bucket crossing its token ceiling blocks it for the remainder
// of the window.
func (l *Limiter) RecordUsage(ctx context.Context, domain, caller string, tokens int) {
	if !l.enabled || tokens <= 0 {
		return
	}
	if err := l.store.AddTokens(ctx, tenantKey(domain), tokens); err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("ratelimit: failed to record tenant token usage")
	}
	if caller == "" {
		return
	}
	if err := l.store.AddTokens(ctx, callerKey(caller), tokens); err != nil {
		log.Error().Err(err).Str("domain", domain).Msg("ratelimit: failed to record caller token usage")
	}
}

// Start launches the underlying store's cleanup task.
func (l *Limiter) Start() {
	if l.store != nil {
		l.store.Start()
	}
}

// Stop terminates it.
func (l *Limiter) Stop() {
	if l.store != nil {
		l.store.Stop()
	}
}
