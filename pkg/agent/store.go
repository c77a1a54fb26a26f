package agent

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists agents. Budget mutations are single conditional writes so
// that concurrent requests can never double-reset a day or apply spend to a
// stale date.
type Store interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, id string) (*Agent, error)
	GetByKeyHash(ctx context.Context, keyHash string) (*Agent, error)
	List(ctx context.Context) ([]*Agent, error)

	// ResetBudget zeroes spent_today and advances last_reset_date to date,
	// only if the stored date still differs. A no-op result means another
	// request already performed the rollover; callers re-read.
	ResetBudget(ctx context.Context, id, date string) (bool, error)
	// AddSpend adds amount to spent_today only while last_reset_date ==
	// date, returning ErrBudgetStale when the day rolled under the caller.
	AddSpend(ctx context.Context, id, date string, amountUSD float64) error
	// TouchLastUsed unconditionally records a successful authentication.
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	// UpdateCredentials swaps the digest and prefix in one write; the old
	// digest stops matching the moment this returns.
	UpdateCredentials(ctx context.Context, id, keyHash, keyPrefix string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// MemoryStore is the in-memory Store.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]Agent
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents: make(map[string]Agent),
		byHash: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, a *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.agents[a.ID] = *a
	s.byHash[a.KeyHash] = a.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *MemoryStore) getLocked(id string) (*Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return &a, nil
}

func (s *MemoryStore) GetByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byHash[keyHash]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return s.getLocked(id)
}

func (s *MemoryStore) List(ctx context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		cp := a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ResetBudget(ctx context.Context, id, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return false, ErrAgentNotFound
	}
	if a.LastResetDate == date {
		return false, nil
	}
	a.SpentTodayUSD = 0
	a.LastResetDate = date
	s.agents[id] = a
	return true, nil
}

func (s *MemoryStore) AddSpend(ctx context.Context, id, date string, amountUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	if a.LastResetDate != date {
		return ErrBudgetStale
	}
	a.SpentTodayUSD += amountUSD
	s.agents[id] = a
	return nil
}

func (s *MemoryStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.LastUsedAt = at
	s.agents[id] = a
	return nil
}

func (s *MemoryStore) UpdateCredentials(ctx context.Context, id, keyHash, keyPrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	delete(s.byHash, a.KeyHash)
	a.KeyHash = keyHash
	a.KeyPrefix = keyPrefix
	s.agents[id] = a
	s.byHash[keyHash] = id
	return nil
}

func (s *MemoryStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Enabled = enabled
	s.agents[id] = a
	return nil
}
