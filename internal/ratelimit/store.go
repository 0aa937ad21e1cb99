// Package ratelimit enforces per-key sliding-window request and token
// budgets, independent of any limits the upstream API applies.
//
// The window state lives behind the Store interface so a single-process
// deployment uses the in-memory store and a multi-process deployment can
// swap in the Redis store without touching the pipeline.
package ratelimit

import (
	"context"
	"time"
)

// Limits are the per-window ceilings shared by every bucket in a store.
type Limits struct {
	Requests      int
	Tokens        int
	Window        time.Duration
	BlockDuration time.Duration
}

// Decision is the outcome of taking one request slot from a bucket.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store holds sliding-window bucket state.
//
// Take atomically claims one request slot from the key's current window.
// AddTokens feeds completed-request token usage into the window's token
// ledger; crossing the token ceiling blocks the bucket for the remainder
// of the window but never rejects the triggering request (soft limiting).
type Store interface {
	Take(ctx context.Context, key string) (Decision, error)
	AddTokens(ctx context.Context, key string, tokens int) error
	// Start launches the store's background cleanup; Stop terminates it.
	Start()
	Stop()
}
