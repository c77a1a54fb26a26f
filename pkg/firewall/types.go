// Package firewall implements the transaction decision engine.
//
// CheckTransaction aggregates the provider trust check, the recipient
// invariant, the agent budget check, and the policy sweep into a single
// verdict. Any violation rejects; elevated warnings demand confirmation.
package firewall

import (
	"math/big"
	"time"

	"github.com/Mindburn-Labs/tollgate/pkg/canonicalize"
	"github.com/Mindburn-Labs/tollgate/pkg/policy"
)

// Decision is the firewall's outcome for one transaction.
type Decision string

const (
	DecisionApproved        Decision = "APPROVED"
	DecisionRejected        Decision = "REJECTED"
	DecisionConfirmRequired Decision = "CONFIRM_REQUIRED"
)

// Risk levels, monotone in severity.
const (
	RiskLow      = 1 // no findings
	RiskElevated = 2 // warnings only
	RiskHigh     = 3 // at least one violation
)

// Violation kinds produced by the engine itself. Policy violations carry
// "policy:<type>" kinds from the evaluator.
const (
	ViolationProviderTrust     = "provider_trust"
	ViolationBudget            = "budget"
	ViolationRecipientMismatch = "recipient_mismatch"
)

// TransactionInput describes the proposed transaction. Immutable once analyzed.
type TransactionInput struct {
	ChainID  int64  `json:"chain_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	ToLabel  string `json:"to_label,omitempty"` // resolved ENS label, if any
	Value    string `json:"value"`              // decimal string, base units
	Data     string `json:"data,omitempty"`
	GasLimit uint64 `json:"gas_limit,omitempty"`
}

// ProviderContext is the caller-supplied provider claim accompanying a check.
// Registered registry values always take precedence over these fields.
type ProviderContext struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	TrustScore *int   `json:"trust_score,omitempty"`
	Category   string `json:"category,omitempty"`
	// Recipient is where the provider claims payment should go now.
	Recipient string `json:"recipient,omitempty"`
	// ExpectedRecipient may be supplied when the caller already resolved the
	// registry; the engine re-resolves and the registry wins on conflict.
	ExpectedRecipient string `json:"expected_recipient,omitempty"`
}

// CheckOptions carries the per-check tunables and externally produced facts.
type CheckOptions struct {
	Provider *ProviderContext

	// MinTrustScore overrides the engine's configured low-trust threshold.
	MinTrustScore *int

	// DailyBudgetLimit (USD) enables the budget check when set.
	DailyBudgetLimit *float64
	// SpentTodayUSD is the agent's running spend for the current UTC day.
	SpentTodayUSD float64

	// KYCLevel of the counterparty, externally verified.
	KYCLevel string
	// SpentInPeriod overrides the windowed running totals for spending
	// policies. Windows not supplied here are summed from the persisted
	// approved verdicts.
	SpentInPeriod map[policy.Period]*big.Int
}

// Verdict is the engine's structured decision for one transaction.
type Verdict struct {
	Decision   Decision           `json:"decision"`
	RiskLevel  int                `json:"risk_level"`
	Violations []policy.Violation `json:"violations"`
	Warnings   []string           `json:"warnings"`
	Reasons    []string           `json:"reasons"`
	Timestamp  time.Time          `json:"timestamp"`
	TxHash     string             `json:"tx_hash"`
}

// Rejected reports whether the verdict blocks the transaction.
func (v *Verdict) Rejected() bool { return v.Decision == DecisionRejected }

// TransactionHash derives the deterministic identity of a logical
// transaction before any on-chain hash exists. Addresses are normalized so
// checksum casing does not split the audit trail.
func TransactionHash(tx TransactionInput) (string, error) {
	return canonicalize.CanonicalHash(struct {
		ChainID int64  `json:"chain_id"`
		From    string `json:"from"`
		To      string `json:"to"`
		Value   string `json:"value"`
	}{
		ChainID: tx.ChainID,
		From:    policy.NormalizeAddress(tx.From),
		To:      policy.NormalizeAddress(tx.To),
		Value:   tx.Value,
	})
}
