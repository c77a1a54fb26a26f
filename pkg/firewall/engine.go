package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/Mindburn-Labs/tollgate/pkg/policy"
	"github.com/Mindburn-Labs/tollgate/pkg/provider"
)

// Config holds the engine's tunable thresholds. The low-trust cutoff and the
// confirmation heuristics are deployment configuration, not constants.
type Config struct {
	// LowTrustThreshold rejects providers scoring below it when the caller
	// does not supply MinTrustScore.
	LowTrustThreshold int
	// TokenDecimals converts tx.Value (base units) to a USD-equivalent for
	// the budget check. 6 matches USDC.
	TokenDecimals int
	// LargeAmountRatio escalates to CONFIRM_REQUIRED when the transaction
	// consumes more than this share of the remaining daily budget.
	LargeAmountRatio float64
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		LowTrustThreshold: 30,
		TokenDecimals:     6,
		LargeAmountRatio:  0.5,
	}
}

// Clock lets tests pin evaluation time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Engine is the firewall decision engine.
type Engine struct {
	cfg       Config
	policies  policy.Store
	providers provider.Registry
	verdicts  VerdictStore
	clock     Clock
	logger    *slog.Logger
}

// NewEngine wires the engine. policies and providers are required; verdicts
// may be nil to skip persistence (tests); clock may be nil for wall time.
func NewEngine(cfg Config, policies policy.Store, providers provider.Registry, verdicts VerdictStore, clock Clock) *Engine {
	if clock == nil {
		clock = wallClock{}
	}
	if cfg.LowTrustThreshold == 0 {
		cfg.LowTrustThreshold = DefaultConfig().LowTrustThreshold
	}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = DefaultConfig().TokenDecimals
	}
	if cfg.LargeAmountRatio == 0 {
		cfg.LargeAmountRatio = DefaultConfig().LargeAmountRatio
	}
	return &Engine{
		cfg:       cfg,
		policies:  policies,
		providers: providers,
		verdicts:  verdicts,
		clock:     clock,
		logger:    slog.Default().With("component", "firewall"),
	}
}

// CheckTransaction runs every check and produces a fresh verdict. The checks
// are independent; their order only fixes the ordering of reasons.
func (e *Engine) CheckTransaction(ctx context.Context, tx TransactionInput, opts CheckOptions) (*Verdict, error) {
	now := e.clock.Now().UTC()
	v := &Verdict{
		Decision:   DecisionApproved,
		Violations: []policy.Violation{},
		Warnings:   []string{},
		Reasons:    []string{},
		Timestamp:  now,
	}

	txHash, err := TransactionHash(tx)
	if err != nil {
		return nil, fmt.Errorf("firewall: transaction hash failed: %w", err)
	}
	v.TxHash = txHash

	valueUSD, valueErr := e.valueUSD(tx.Value)
	if valueErr != nil {
		v.addViolation(policy.Violation{
			Kind:    ViolationBudget,
			Message: fmt.Sprintf("unparseable transaction value %q", tx.Value),
		})
	}

	reg := e.resolveProvider(ctx, opts.Provider)
	facts := e.buildFacts(now, reg, opts)

	var elevated int

	// 1. Provider trust.
	if opts.Provider != nil {
		minTrust := e.cfg.LowTrustThreshold
		if opts.MinTrustScore != nil {
			minTrust = *opts.MinTrustScore
		}
		score := 0
		if facts.ProviderTrustScore != nil {
			score = *facts.ProviderTrustScore
		}
		if score < minTrust {
			v.addViolation(policy.Violation{
				Kind:    ViolationProviderTrust,
				Message: fmt.Sprintf("provider %s trust score %d is below the minimum %d", opts.Provider.ID, score, minTrust),
			})
		} else {
			v.Reasons = append(v.Reasons, fmt.Sprintf("provider trust score %d meets the minimum %d", score, minTrust))
		}
	}

	// 2. Recipient invariant. The registry value is ground truth: a provider
	// claiming a different recipient at checkout is treated as fraud.
	if opts.Provider != nil && opts.Provider.Recipient != "" {
		expected := opts.Provider.ExpectedRecipient
		if reg != nil {
			expected = reg.ExpectedRecipient
		}
		switch {
		case expected == "":
			v.Warnings = append(v.Warnings,
				fmt.Sprintf("provider %s has no registered payout recipient; claimed recipient is unverified", opts.Provider.ID))
			elevated++
		case policy.NormalizeAddress(expected) != policy.NormalizeAddress(opts.Provider.Recipient):
			v.addViolation(policy.Violation{
				Kind: ViolationRecipientMismatch,
				Message: fmt.Sprintf("claimed recipient %s does not match registered recipient %s",
					opts.Provider.Recipient, expected),
			})
			v.Reasons = append(v.Reasons, "Recipient mismatch")
			v.Warnings = append(v.Warnings,
				"fraud risk: provider-supplied recipient differs from its verified registration")
		default:
			v.Reasons = append(v.Reasons, "claimed recipient matches the registered recipient")
		}
	}

	// 3. Budget.
	if opts.DailyBudgetLimit != nil && valueErr == nil {
		limit := *opts.DailyBudgetLimit
		if opts.SpentTodayUSD+valueUSD > limit {
			v.addViolation(policy.Violation{
				Kind: ViolationBudget,
				Message: fmt.Sprintf("spend %.2f + value %.2f exceeds the daily budget %.2f USD",
					opts.SpentTodayUSD, valueUSD, limit),
			})
		} else {
			remaining := limit - opts.SpentTodayUSD
			if remaining > 0 && valueUSD > e.cfg.LargeAmountRatio*remaining {
				v.Warnings = append(v.Warnings,
					fmt.Sprintf("transaction consumes %.0f%% of the remaining daily budget",
						100*valueUSD/remaining))
				elevated++
			}
			v.Reasons = append(v.Reasons, fmt.Sprintf("within daily budget (%.2f of %.2f USD used)",
				opts.SpentTodayUSD, limit))
		}
	}

	// 4. Policy sweep over every enabled policy.
	enabled, err := e.policies.ListEnabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("firewall: policy listing failed: %w", err)
	}
	facts.SpentInPeriod, err = e.windowedSpend(ctx, now, enabled, opts.SpentInPeriod)
	if err != nil {
		return nil, err
	}
	ptx := policy.Transaction{
		ChainID: tx.ChainID,
		From:    tx.From,
		To:      tx.To,
		ToLabel: tx.ToLabel,
		Value:   tx.Value,
	}
	for _, p := range enabled {
		if viol := policy.Evaluate(*p, ptx, facts); viol != nil {
			v.addViolation(*viol)
		} else {
			v.Reasons = append(v.Reasons, fmt.Sprintf("policy %q passed", p.Name))
		}
	}

	// Unresolved ENS label on an otherwise clean transaction warrants a
	// confirmation step.
	if tx.ToLabel == "" {
		v.Warnings = append(v.Warnings, "recipient address has no resolved ENS label")
		elevated++
	}

	e.finalize(v, elevated)

	if e.verdicts != nil {
		if err := e.verdicts.Upsert(ctx, &VerdictRecord{
			TxHash:      txHash,
			Transaction: tx,
			Verdict:     *v,
			CreatedAt:   now,
		}); err != nil {
			// The decision stands; losing the audit write is logged loudly.
			e.logger.Error("verdict persistence failed", "tx_hash", txHash, "error", err)
		}
	}

	return v, nil
}

func (e *Engine) finalize(v *Verdict, elevated int) {
	switch {
	case len(v.Violations) > 0:
		v.Decision = DecisionRejected
		v.RiskLevel = RiskHigh
	case elevated > 0:
		v.Decision = DecisionConfirmRequired
		v.RiskLevel = RiskElevated
	case len(v.Warnings) > 0:
		v.Decision = DecisionApproved
		v.RiskLevel = RiskElevated
	default:
		v.Decision = DecisionApproved
		v.RiskLevel = RiskLow
	}
}

func (v *Verdict) addViolation(viol policy.Violation) {
	v.Violations = append(v.Violations, viol)
	v.Reasons = append(v.Reasons, viol.Message)
}

// resolveProvider loads the registered record for a claimed provider id.
// Registry lookups that fail for reasons other than absence are logged and
// treated as "unregistered" so the engine stays fail-closed via warnings
// and the trust check rather than crashing the request.
func (e *Engine) resolveProvider(ctx context.Context, claim *ProviderContext) *provider.Provider {
	if claim == nil || claim.ID == "" || e.providers == nil {
		return nil
	}
	reg, err := e.providers.Get(ctx, claim.ID)
	if err != nil {
		if err != provider.ErrNotFound {
			e.logger.Warn("provider registry lookup failed", "provider_id", claim.ID, "error", err)
		}
		return nil
	}
	return reg
}

func (e *Engine) buildFacts(now time.Time, reg *provider.Provider, opts CheckOptions) policy.Facts {
	facts := policy.Facts{
		Now:           now,
		KYCLevel:      opts.KYCLevel,
		SpentInPeriod: opts.SpentInPeriod,
	}
	if reg != nil {
		score := reg.TrustScore
		facts.ProviderTrustScore = &score
		facts.ProviderCategory = reg.Category
		if facts.KYCLevel == "" {
			facts.KYCLevel = reg.KYCLevel
		}
	} else if opts.Provider != nil {
		facts.ProviderTrustScore = opts.Provider.TrustScore
		facts.ProviderCategory = opts.Provider.Category
	}
	return facts
}

// windowedSpend resolves the running totals the windowed spending policies
// evaluate against. Caller-supplied totals take precedence; the rest come
// from the approved verdicts persisted inside each window.
func (e *Engine) windowedSpend(ctx context.Context, now time.Time, enabled []*policy.Policy, supplied map[policy.Period]*big.Int) (map[policy.Period]*big.Int, error) {
	totals := supplied
	for _, p := range enabled {
		cfg, ok := p.Config.(policy.SpendingLimit)
		if !ok || cfg.Period == policy.PeriodPerTransaction || !policy.ValidPeriod(cfg.Period) {
			continue
		}
		if _, have := totals[cfg.Period]; have || e.verdicts == nil {
			continue
		}
		sum, err := e.verdicts.SumApprovedSince(ctx, policy.PeriodStart(cfg.Period, now))
		if err != nil {
			return nil, fmt.Errorf("firewall: %s spend lookup failed: %w", cfg.Period, err)
		}
		if totals == nil {
			totals = make(map[policy.Period]*big.Int)
		}
		totals[cfg.Period] = sum
	}
	return totals, nil
}

// AmountUSD converts a base-unit value string to USD at the engine's
// configured token decimals. Callers use it to meter spend with the same
// arithmetic the budget check applied.
func (e *Engine) AmountUSD(value string) (float64, error) {
	return e.valueUSD(value)
}

func (e *Engine) valueUSD(value string) (float64, error) {
	wei, err := policy.ParseWei(value)
	if err != nil {
		return 0, err
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(
		big.NewInt(10), big.NewInt(int64(e.cfg.TokenDecimals)), nil))
	usd, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), scale).Float64()
	return usd, nil
}
