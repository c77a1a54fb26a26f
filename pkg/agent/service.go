package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tollgate/pkg/errs"
)

// Clock lets tests pin the rollover date.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Service is the agent identity and budget facade.
type Service struct {
	store  Store
	hasher *Hasher
	clock  Clock
	logger *slog.Logger
}

// NewService wires the service. clock may be nil for wall time.
func NewService(store Store, hasher *Hasher, clock Clock) *Service {
	if clock == nil {
		clock = wallClock{}
	}
	return &Service{
		store:  store,
		hasher: hasher,
		clock:  clock,
		logger: slog.Default().With("component", "agent"),
	}
}

// CreateParams describes a new agent registration.
type CreateParams struct {
	SafeAddress       string
	AllowedCategories []string
	DailyBudgetUSD    float64
}

// Create registers an agent and mints its credential. The plaintext key is
// returned exactly once and never persisted.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Agent, string, error) {
	if p.DailyBudgetUSD < 0 {
		return nil, "", errs.New(errs.CodeValidation, "daily budget must not be negative")
	}
	plaintext, digest, prefix, err := s.hasher.GenerateKey()
	if err != nil {
		return nil, "", err
	}

	now := s.clock.Now().UTC()
	a := &Agent{
		ID:                uuid.NewString(),
		KeyHash:           digest,
		KeyPrefix:         prefix,
		SafeAddress:       p.SafeAddress,
		AllowedCategories: p.AllowedCategories,
		DailyBudgetUSD:    p.DailyBudgetUSD,
		LastResetDate:     BudgetDate(now),
		Enabled:           true,
		CreatedAt:         now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, "", fmt.Errorf("agent: create: %w", err)
	}
	return a, plaintext, nil
}

// Authenticate resolves a presented API key to its agent. On success the
// daily budget is rolled over first if the UTC date changed, so every
// downstream check sees a fresh counter.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (*Agent, error) {
	if apiKey == "" {
		return nil, errs.New(errs.CodeAuthMissing, "no API key presented")
	}

	a, err := s.store.GetByKeyHash(ctx, s.hasher.Digest(apiKey))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return nil, errs.New(errs.CodeAuthInvalid, "unrecognized API key")
		}
		return nil, fmt.Errorf("agent: credential lookup: %w", err)
	}
	if !a.Enabled {
		return nil, errs.New(errs.CodeAgentDisabled, "agent %s is disabled", a.ID)
	}

	now := s.clock.Now().UTC()
	today := BudgetDate(now)
	if a.LastResetDate != today {
		reset, err := s.store.ResetBudget(ctx, a.ID, today)
		if err != nil {
			return nil, fmt.Errorf("agent: budget rollover for %s: %w", a.ID, err)
		}
		if reset {
			a.SpentTodayUSD = 0
			a.LastResetDate = today
		} else {
			// A concurrent request won the rollover; take its result. The
			// reload may also surface a concurrent disablement.
			id := a.ID
			if a, err = s.store.Get(ctx, id); err != nil {
				return nil, fmt.Errorf("agent: reload %s after rollover: %w", id, err)
			}
			if !a.Enabled {
				return nil, errs.New(errs.CodeAgentDisabled, "agent %s is disabled", a.ID)
			}
		}
	}

	if err := s.store.TouchLastUsed(ctx, a.ID, now); err != nil {
		return nil, fmt.Errorf("agent: touch %s: %w", a.ID, err)
	}
	a.LastUsedAt = now
	return a, nil
}

// RecordSpend persists a completed payment against today's counter. The
// payment executor calls this after settlement; a date rollover racing the
// write is absorbed by resetting and retrying once.
func (s *Service) RecordSpend(ctx context.Context, id string, amountUSD float64) error {
	if amountUSD < 0 {
		return errs.New(errs.CodeValidation, "spend amount must not be negative")
	}
	today := BudgetDate(s.clock.Now())

	err := s.store.AddSpend(ctx, id, today, amountUSD)
	if errors.Is(err, ErrBudgetStale) {
		if _, rerr := s.store.ResetBudget(ctx, id, today); rerr != nil {
			return fmt.Errorf("agent: rollover before spend for %s: %w", id, rerr)
		}
		err = s.store.AddSpend(ctx, id, today, amountUSD)
	}
	if err != nil {
		return fmt.Errorf("agent: record spend for %s: %w", id, err)
	}
	return nil
}

// Rotate replaces the agent's credential. The old key stops working the
// instant the new digest is stored.
func (s *Service) Rotate(ctx context.Context, id string) (string, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return "", errs.New(errs.CodeNotFound, "agent %s not found", id)
		}
		return "", err
	}
	plaintext, digest, prefix, err := s.hasher.GenerateKey()
	if err != nil {
		return "", err
	}
	if err := s.store.UpdateCredentials(ctx, id, digest, prefix); err != nil {
		return "", fmt.Errorf("agent: rotate %s: %w", id, err)
	}
	s.logger.Info("credential rotated", "agent_id", id, "key_prefix", prefix)
	return plaintext, nil
}

// Disable soft-deletes the agent: its key authenticates to AGENT_DISABLED
// until re-enabled.
func (s *Service) Disable(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, false)
}

// Enable reverses Disable.
func (s *Service) Enable(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, true)
}

func (s *Service) setEnabled(ctx context.Context, id string, enabled bool) error {
	err := s.store.SetEnabled(ctx, id, enabled)
	if errors.Is(err, ErrAgentNotFound) {
		return errs.New(errs.CodeNotFound, "agent %s not found", id)
	}
	return err
}

// Get returns one agent.
func (s *Service) Get(ctx context.Context, id string) (*Agent, error) {
	a, err := s.store.Get(ctx, id)
	if errors.Is(err, ErrAgentNotFound) {
		return nil, errs.New(errs.CodeNotFound, "agent %s not found", id)
	}
	return a, err
}

// List returns all agents, oldest first.
func (s *Service) List(ctx context.Context) ([]*Agent, error) {
	return s.store.List(ctx)
}
