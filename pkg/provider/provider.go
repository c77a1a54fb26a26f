// Package provider maintains the registry of payee service providers.
//
// The registered ExpectedRecipient is the system's ground truth for where a
// provider is paid. Anything a provider claims at checkout time is checked
// against this registry and never trusted on its own.
package provider

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when no provider exists for the given id.
var ErrNotFound = errors.New("provider: not found")

// Provider is a counterparty service an agent may pay.
type Provider struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	TrustScore        int       `json:"trust_score"` // 0..100, externally computed
	Category          string    `json:"category"`
	ExpectedRecipient string    `json:"expected_recipient"` // verified payout address
	KYCLevel          string    `json:"kyc_level,omitempty"` // "", basic, advanced, full
	RegisteredAt      time.Time `json:"registered_at"`
}

// Registry resolves and administers provider records.
type Registry interface {
	Get(ctx context.Context, id string) (*Provider, error)
	Register(ctx context.Context, p *Provider) error
	List(ctx context.Context) ([]*Provider, error)
}

// MemoryRegistry is a mutex-guarded in-memory Registry.
type MemoryRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{providers: make(map[string]Provider)}
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *MemoryRegistry) Register(ctx context.Context, p *Provider) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("provider: id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now().UTC()
	}
	r.providers[p.ID] = *p
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		cp := p
		out = append(out, &cp)
	}
	return out, nil
}
