package policy

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no policy exists for the given id.
	ErrNotFound = errors.New("policy: not found")
	// ErrExists is returned when creating a policy with a taken id.
	ErrExists = errors.New("policy: already exists")
)

// Store persists policies. The engine only ever reads from it; mutation is
// an administrative concern.
type Store interface {
	Create(ctx context.Context, p *Policy) error
	Get(ctx context.Context, id string) (*Policy, error)
	Update(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Policy, error)
	ListEnabled(ctx context.Context) ([]*Policy, error)
}

// MemoryStore is a mutex-guarded in-memory Store for tests and single-node use.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{policies: make(map[string]Policy)}
}

func (s *MemoryStore) Create(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if _, ok := s.policies[p.ID]; ok {
		return ErrExists
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.policies[p.ID] = *p
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) Update(ctx context.Context, p *Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.policies[p.ID]
	if !ok {
		return ErrNotFound
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.policies[p.ID] = *p
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.policies[id]; !ok {
		return ErrNotFound
	}
	delete(s.policies, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(Policy) bool { return true }), nil
}

func (s *MemoryStore) ListEnabled(ctx context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(func(p Policy) bool { return p.Enabled }), nil
}

func (s *MemoryStore) collect(keep func(Policy) bool) []*Policy {
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		if keep(p) {
			cp := p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
