package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript implements the window algorithm server-side so concurrent
// proxy processes agree on one bucket state.
//
// KEYS[1] bucket hash, ARGV: now_ms, window_ms, block_ms, max_requests.
// Returns {allowed, remaining, reset_ms, retry_ms}.
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local block = tonumber(ARGV[3])
local max_req = tonumber(ARGV[4])

local ws = tonumber(redis.call('HGET', KEYS[1], 'ws') or 0)
local req = tonumber(redis.call('HGET', KEYS[1], 'req') or 0)
local blocked = tonumber(redis.call('HGET', KEYS[1], 'blocked') or 0)

if ws == 0 or now - ws >= window then
  ws = now
  req = 0
  redis.call('HSET', KEYS[1], 'ws', ws, 'req', 0, 'tok', 0)
end

if blocked > now then
  return {0, 0, blocked, blocked - now}
end

req = req + 1
redis.call('HSET', KEYS[1], 'req', req)
redis.call('PEXPIRE', KEYS[1], window * 2)

if req > max_req then
  blocked = now + block
  redis.call('HSET', KEYS[1], 'blocked', blocked)
  return {0, 0, blocked, block}
end

return {1, max_req - req, ws + window, 0}
`)

// addTokensScript feeds usage into the token ledger; crossing the token
// ceiling blocks the bucket until the window ends (soft limiting).
//
// KEYS[1] bucket hash, ARGV: now_ms, window_ms, max_tokens, tokens.
var addTokensScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max_tok = tonumber(ARGV[3])
local tokens = tonumber(ARGV[4])

local ws = tonumber(redis.call('HGET', KEYS[1], 'ws') or 0)
if ws == 0 or now - ws >= window then
  ws = now
  redis.call('HSET', KEYS[1], 'ws', ws, 'req', 0, 'tok', 0)
end

local tok = redis.call('HINCRBY', KEYS[1], 'tok', tokens)
redis.call('PEXPIRE', KEYS[1], window * 2)

if max_tok > 0 and tok > max_tok then
  local window_end = ws + window
  local blocked = tonumber(redis.call('HGET', KEYS[1], 'blocked') or 0)
  if window_end > blocked then
    redis.call('HSET', KEYS[1], 'blocked', window_end)
  end
end
return 1
`)

// RedisStore is the distributed Store implementation. Redis key TTLs make
// explicit garbage collection unnecessary, so Start and Stop are no-ops.
type RedisStore struct {
	client *redis.Client
	limits Limits
	prefix string
}

// NewRedisStore creates a store backed by the given Redis client.
func NewRedisStore(client *redis.Client, limits Limits) *RedisStore {
	return &RedisStore{client: client, limits: limits, prefix: "claudegate:rl:"}
}

// Take claims one request slot for key.
func (s *RedisStore) Take(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key},
		now.UnixMilli(),
		s.limits.Window.Milliseconds(),
		s.limits.BlockDuration.Milliseconds(),
		s.limits.Requests,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: take: %w", err)
	}
	if len(res) != 4 {
		return Decision{}, fmt.Errorf("ratelimit: take: unexpected script result %v", res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Limit:      s.limits.Requests,
		Remaining:  int(res[1]),
		ResetAt:    time.UnixMilli(res[2]),
		RetryAfter: time.Duration(res[3]) * time.Millisecond,
	}, nil
}

// AddTokens adds completed-request usage to the key's token ledger.
func (s *RedisStore) AddTokens(ctx context.Context, key string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	err := addTokensScript.Run(ctx, s.client, []string{s.prefix + key},
		time.Now().UnixMilli(),
		s.limits.Window.Milliseconds(),
		s.limits.Tokens,
		tokens,
	).Err()
	if err != nil {
		return fmt.Errorf("ratelimit: add tokens: %w", err)
	}
	return nil
}

// Start is a no-op; Redis TTLs handle expiry.
func (s *RedisStore) Start() {}

// Stop is a no-op.
func (s *RedisStore) Stop() {}

var _ Store = (*RedisStore)(nil)
