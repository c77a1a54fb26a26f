package firewall

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/tollgate/pkg/policy"
)

// ErrVerdictNotFound is returned when no verdict exists for a tx hash.
var ErrVerdictNotFound = errors.New("firewall: verdict not found")

// VerdictRecord pairs a verdict with the transaction it judged, keyed by the
// deterministic transaction hash so repeated checks of the same logical
// transaction resolve to one stored record.
type VerdictRecord struct {
	TxHash      string           `json:"tx_hash"`
	Transaction TransactionInput `json:"transaction"`
	Verdict     Verdict          `json:"verdict"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// VerdictStore persists the audit trail of firewall decisions.
type VerdictStore interface {
	// Upsert stores the record, replacing any prior record for the same hash.
	Upsert(ctx context.Context, rec *VerdictRecord) error
	Get(ctx context.Context, txHash string) (*VerdictRecord, error)
	// List returns records newest first, up to limit.
	List(ctx context.Context, limit int) ([]*VerdictRecord, error)
	// SumApprovedSince totals the base-unit values of approved transactions
	// decided at or after since. Windowed spending policies evaluate
	// against this running total.
	SumApprovedSince(ctx context.Context, since time.Time) (*big.Int, error)
}

// MemoryVerdictStore is a mutex-guarded in-memory VerdictStore.
type MemoryVerdictStore struct {
	mu      sync.RWMutex
	records map[string]VerdictRecord
}

// NewMemoryVerdictStore creates an empty store.
func NewMemoryVerdictStore() *MemoryVerdictStore {
	return &MemoryVerdictStore{records: make(map[string]VerdictRecord)}
}

func (s *MemoryVerdictStore) Upsert(ctx context.Context, rec *VerdictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.records[rec.TxHash]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.TxHash] = *rec
	return nil
}

func (s *MemoryVerdictStore) Get(ctx context.Context, txHash string) (*VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[txHash]
	if !ok {
		return nil, ErrVerdictNotFound
	}
	return &rec, nil
}

func (s *MemoryVerdictStore) List(ctx context.Context, limit int) ([]*VerdictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*VerdictRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryVerdictStore) SumApprovedSince(ctx context.Context, since time.Time) (*big.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := new(big.Int)
	for _, rec := range s.records {
		if rec.Verdict.Decision != DecisionApproved || rec.Verdict.Timestamp.Before(since) {
			continue
		}
		wei, err := policy.ParseWei(rec.Transaction.Value)
		if err != nil {
			return nil, fmt.Errorf("firewall: corrupt value in record %s: %w", rec.TxHash, err)
		}
		total.Add(total, wei)
	}
	return total, nil
}
