package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is one key's window state. Mutated under its own mutex so
// unrelated tenants never contend on a shared lock.
type bucket struct {
	mu           sync.Mutex
	windowStart  time.Time
	requests     int
	tokens       int
	blockedUntil time.Time
}

// MemoryStore is the in-process Store implementation. Expired windows are
// replaced lazily on access; idle buckets are garbage-collected by a
// periodic sweep between Start and Stop.
type MemoryStore struct {
	limits Limits

	mu      sync.RWMutex
	buckets map[string]*bucket

	gcInterval time.Duration
	done       chan struct{}
	stopOnce   sync.Once
	now        func() time.Time
}

// NewMemoryStore creates an in-memory store with the given limits.
func NewMemoryStore(limits Limits, gcInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		limits:     limits,
		buckets:    make(map[string]*bucket),
		gcInterval: gcInterval,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

func (s *MemoryStore) get(key string) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &bucket{windowStart: s.now()}
	s.buckets[key] = b
	return b
}

// resetIfExpiredLocked starts a fresh window when the current one has
// elapsed. Caller holds b.mu.
func (s *MemoryStore) resetIfExpiredLocked(b *bucket, now time.Time) {
	if now.Sub(b.windowStart) >= s.limits.Window {
		b.windowStart = now
		b.requests = 0
		b.tokens = 0
	}
}

// Take claims one request slot for key.
func (s *MemoryStore) Take(_ context.Context, key string) (Decision, error) {
	b := s.get(key)
	now := s.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s.resetIfExpiredLocked(b, now)

	if b.blockedUntil.After(now) {
		return Decision{
			Allowed:    false,
			Limit:      s.limits.Requests,
			Remaining:  0,
			ResetAt:    b.blockedUntil,
			RetryAfter: b.blockedUntil.Sub(now),
		}, nil
	}

	b.requests++
	if b.requests > s.limits.Requests {
		b.blockedUntil = now.Add(s.limits.BlockDuration)
		return Decision{
			Allowed:    false,
			Limit:      s.limits.Requests,
			Remaining:  0,
			ResetAt:    b.blockedUntil,
			RetryAfter: s.limits.BlockDuration,
		}, nil
	}

	return Decision{
		Allowed:   true,
		Limit:     s.limits.Requests,
		Remaining: s.limits.Requests - b.requests,
		ResetAt:   b.windowStart.Add(s.limits.Window),
	}, nil
}

// AddTokens adds completed-request usage to the key's token ledger.
// Exceeding the token ceiling blocks the bucket for the remainder of the
// window; the triggering request itself has already been served.
func (s *MemoryStore) AddTokens(_ context.Context, key string, tokens int) error {
	if tokens <= 0 {
		return nil
	}
	b := s.get(key)
	now := s.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	s.resetIfExpiredLocked(b, now)

	b.tokens += tokens
	if s.limits.Tokens > 0 && b.tokens > s.limits.Tokens {
		windowEnd := b.windowStart.Add(s.limits.Window)
		if windowEnd.After(b.blockedUntil) {
			b.blockedUntil = windowEnd
		}
	}
	return nil
}

// Start launches the idle-bucket sweep.
func (s *MemoryStore) Start() {
	go func() {
		ticker := time.NewTicker(s.gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop terminates the sweep goroutine.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// sweep drops buckets whose window and block period have both elapsed.
func (s *MemoryStore) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, b := range s.buckets {
		b.mu.Lock()
		idle := now.Sub(b.windowStart) >= 2*s.limits.Window && !b.blockedUntil.After(now)
		b.mu.Unlock()
		if idle {
			delete(s.buckets, key)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
