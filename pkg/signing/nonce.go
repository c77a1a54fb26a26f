package signing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore enforces single use of request nonces.
type NonceStore interface {
	// Claim records nonce for ttl and reports whether this caller was the
	// first to present it.
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// MemoryNonceStore is the single-node NonceStore.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time)}
}

func (s *MemoryNonceStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	// Expired entries are collected opportunistically on each claim.
	for n, exp := range s.seen {
		if now.After(exp) {
			delete(s.seen, n)
		}
	}

	if exp, ok := s.seen[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	s.seen[nonce] = now.Add(ttl)
	return true, nil
}

// RedisNonceStore shares nonce state across replicas. SET NX with a TTL is
// the atomic claim; whichever replica lands the write first wins.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "tollgate:nonce:"}
}

func (s *RedisNonceStore) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("signing: nonce claim: %w", err)
	}
	return ok, nil
}
