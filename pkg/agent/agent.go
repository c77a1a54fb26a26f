// Package agent manages agent identities: hashed API credentials, per-agent
// daily budgets with atomic UTC rollover, and spend metering.
package agent

import (
	"errors"
	"time"
)

// Agent is one automated caller. The stored credential is a one-way digest;
// the plaintext key exists only at generation time.
type Agent struct {
	ID                string    `json:"id"`
	KeyHash           string    `json:"-"`
	KeyPrefix         string    `json:"key_prefix"`
	SafeAddress       string    `json:"safe_address,omitempty"`
	AllowedCategories []string  `json:"allowed_categories,omitempty"`
	DailyBudgetUSD    float64   `json:"daily_budget_usd"`
	SpentTodayUSD     float64   `json:"spent_today_usd"`
	LastResetDate     string    `json:"last_reset_date"`
	Enabled           bool      `json:"enabled"`
	LastUsedAt        time.Time `json:"last_used_at,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// RemainingBudgetUSD is the spend the agent has left today.
func (a *Agent) RemainingBudgetUSD() float64 {
	rem := a.DailyBudgetUSD - a.SpentTodayUSD
	if rem < 0 {
		return 0
	}
	return rem
}

var (
	// ErrAgentNotFound is returned for an unknown id or credential digest.
	ErrAgentNotFound = errors.New("agent: not found")
	// ErrBudgetStale reports a conditional budget write that matched no
	// row: the agent's reset date moved under the writer.
	ErrBudgetStale = errors.New("agent: budget date rolled concurrently")
)

// BudgetDate formats t as the UTC calendar date budgets are keyed by.
func BudgetDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
