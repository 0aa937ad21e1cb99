// Package config - defaults.go centralizes magic numbers and default values.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultServerPort is the proxy's listening port.
const DefaultServerPort = 3000

// DefaultServerReadTimeout for inbound requests.
const DefaultServerReadTimeout = 2 * time.Minute

// DefaultServerWriteTimeout for HTTP server (safe for streaming).
const DefaultServerWriteTimeout = 10 * time.Minute

// MaxRequestBodySize is the maximum allowed request body (50MB).
const MaxRequestBodySize = 50 * 1024 * 1024

// DefaultBufferSize is the standard I/O buffer size for stream relay.
const DefaultBufferSize = 4096

// =============================================================================
// UPSTREAM
// =============================================================================

// DefaultUpstreamBaseURL is the Anthropic API.
const DefaultUpstreamBaseURL = "https://api.anthropic.com"

// DefaultUpstreamTimeout bounds a single upstream round trip, including
// the full stream relay.
const DefaultUpstreamTimeout = 10 * time.Minute

// =============================================================================
// RATE LIMITING
// =============================================================================

// DefaultRequestsPerWindow is the per-bucket request ceiling.
const DefaultRequestsPerWindow = 1000

// DefaultTokensPerWindow is the per-bucket token ceiling.
const DefaultTokensPerWindow = 1_000_000

// DefaultRateLimitWindow is the sliding window duration.
const DefaultRateLimitWindow = time.Hour

// DefaultBlockDuration is how long a bucket stays blocked after tripping
// a ceiling.
const DefaultBlockDuration = 5 * time.Minute

// DefaultBucketGCInterval is the frequency of the expired-bucket sweep.
const DefaultBucketGCInterval = 5 * time.Minute

// =============================================================================
// CREDENTIALS
// =============================================================================

// TokenRefreshSkew refreshes OAuth tokens this long before expiry.
const TokenRefreshSkew = 60 * time.Second

// =============================================================================
// CONVERSATION LINKING
// =============================================================================

// SubtaskMatchWindow is how far back the linker searches for a task
// invocation matching a new request's opening content.
const SubtaskMatchWindow = 30 * time.Minute

// SubtaskPrefixLen is the normalized-prompt prefix length used for
// near-exact subtask matching.
const SubtaskPrefixLen = 200

// =============================================================================
// STORAGE
// =============================================================================

// DefaultStoragePath is the sqlite database location.
const DefaultStoragePath = "claudegate.db"

// =============================================================================
// TOKEN ESTIMATION
// =============================================================================

// TokenEstimateRatio is the approximate number of characters per token,
// used when the tokenizer is unavailable.
const TokenEstimateRatio = 4
