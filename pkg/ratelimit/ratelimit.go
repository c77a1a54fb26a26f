// Package ratelimit throttles inbound requests per agent. The in-memory
// limiter serves single-node deployments; the Redis limiter shares buckets
// across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Policy defines one bucket's shape.
type Policy struct {
	// RPM is the sustained request rate per minute.
	RPM int
	// Burst is the bucket capacity.
	Burst int
}

// DefaultPolicy is applied when a caller has no specific assignment.
var DefaultPolicy = Policy{RPM: 300, Burst: 30}

// Limiter decides whether a keyed caller may proceed.
type Limiter interface {
	// Allow consumes cost tokens from key's bucket, reporting whether the
	// bucket held enough.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// MemoryLimiter keeps one token bucket per key in process memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error) {
	l.mu.Lock()
	lim, ok := l.buckets[key]
	if !ok {
		perSec := rate.Limit(float64(policy.RPM) / 60.0)
		if perSec <= 0 {
			perSec = rate.Limit(1)
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(perSec, burst)
		l.buckets[key] = lim
	}
	l.mu.Unlock()

	if cost <= 0 {
		cost = 1
	}
	return lim.AllowN(time.Now(), cost), nil
}
