package policy

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Violation is one reason a transaction fails governance.
// Kind is "policy:<type>" for policy violations; the firewall engine reuses
// this type for its own check kinds.
type Violation struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Transaction is the evaluator's read-only view of a proposed transaction.
type Transaction struct {
	ChainID int64
	From    string
	To      string
	ToLabel string // resolved ENS label, empty if none
	Value   string // decimal string, base units
}

// Facts carries the externally produced context a config variant may need.
// The evaluator never fetches anything itself.
type Facts struct {
	Now                time.Time // UTC
	ProviderTrustScore *int      // nil when no score is known
	ProviderCategory   string
	KYCLevel           string // counterparty level: "", basic, advanced, full
	// SpentInPeriod supplies the running total (base units) for windowed
	// spending limits, keyed by period.
	SpentInPeriod map[Period]*big.Int
}

// kycRank orders KYC levels for comparison. Unlisted levels rank below basic.
var kycRank = map[string]int{
	"basic":    1,
	"advanced": 2,
	"full":     3,
}

// ParseWei parses a non-negative decimal base-unit amount.
func ParseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("policy: invalid amount %q", s)
	}
	return v, nil
}

// NormalizeAddress lowercases an address for checksum-insensitive comparison.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Evaluate applies one policy to a transaction. It returns nil on a pass and
// a tagged violation otherwise. Disabled policies are the caller's concern;
// malformed or unknown configs fail closed.
func Evaluate(p Policy, tx Transaction, facts Facts) *Violation {
	if p.Config == nil {
		return &Violation{
			Kind:    "policy:unknown",
			Message: fmt.Sprintf("policy %q has no config", p.ID),
		}
	}

	switch cfg := p.Config.(type) {
	case SpendingLimit:
		return evalSpendingLimit(cfg, tx, facts)
	case ProtocolAllowlist:
		return evalProtocolAllowlist(cfg, tx)
	case KYCRequirement:
		return evalKYCRequirement(cfg, tx, facts)
	case TimeRestriction:
		return evalTimeRestriction(cfg, facts)
	case TrustScore:
		return evalTrustScore(cfg, facts)
	case RequireENS:
		return evalRequireENS(cfg, tx)
	case CategoryRestriction:
		return evalCategoryRestriction(cfg, facts)
	default:
		// Unknown variants (including UnknownConfig) never pass.
		return &Violation{
			Kind:    "policy:unknown",
			Message: fmt.Sprintf("unrecognized policy config type %q", p.Config.Type()),
		}
	}
}

func evalSpendingLimit(cfg SpendingLimit, tx Transaction, facts Facts) *Violation {
	max, err := ParseWei(cfg.MaxAmountWei)
	if err != nil {
		return violationf(TypeSpendingLimit, "malformed max_amount_wei %q", cfg.MaxAmountWei)
	}
	value, err := ParseWei(tx.Value)
	if err != nil {
		return violationf(TypeSpendingLimit, "malformed transaction value %q", tx.Value)
	}
	if !ValidPeriod(cfg.Period) {
		return violationf(TypeSpendingLimit, "unknown period %q", cfg.Period)
	}

	if cfg.Period == PeriodPerTransaction {
		if value.Cmp(max) > 0 {
			return violationf(TypeSpendingLimit,
				"transaction value %s exceeds per-transaction limit %s", value, max)
		}
		return nil
	}

	spent := big.NewInt(0)
	if s, ok := facts.SpentInPeriod[cfg.Period]; ok && s != nil {
		spent = s
	}
	total := new(big.Int).Add(spent, value)
	if total.Cmp(max) > 0 {
		return violationf(TypeSpendingLimit,
			"%s spend %s + value %s exceeds limit %s", cfg.Period, spent, value, max)
	}
	return nil
}

func evalProtocolAllowlist(cfg ProtocolAllowlist, tx Transaction) *Violation {
	if cfg.AllowUnknown {
		return nil
	}
	to := NormalizeAddress(tx.To)
	for _, addr := range cfg.AllowedAddresses {
		if NormalizeAddress(addr) == to {
			return nil
		}
	}
	return violationf(TypeProtocolAllowlist, "recipient %s is not in the protocol allowlist", tx.To)
}

func evalKYCRequirement(cfg KYCRequirement, tx Transaction, facts Facts) *Violation {
	threshold, err := ParseWei(cfg.ThresholdWei)
	if err != nil {
		return violationf(TypeKYCRequirement, "malformed threshold_wei %q", cfg.ThresholdWei)
	}
	value, err := ParseWei(tx.Value)
	if err != nil {
		return violationf(TypeKYCRequirement, "malformed transaction value %q", tx.Value)
	}
	if value.Cmp(threshold) < 0 {
		return nil
	}

	required, ok := kycRank[cfg.RequiredLevel]
	if !ok {
		return violationf(TypeKYCRequirement, "unknown required_level %q", cfg.RequiredLevel)
	}
	if kycRank[facts.KYCLevel] < required {
		return violationf(TypeKYCRequirement,
			"counterparty KYC level %q is below required %q for values >= %s",
			orNone(facts.KYCLevel), cfg.RequiredLevel, threshold)
	}
	return nil
}

func evalTimeRestriction(cfg TimeRestriction, facts Facts) *Violation {
	now := facts.Now.UTC()

	dayOK := false
	for _, d := range cfg.AllowedDays {
		if int(now.Weekday()) == d {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return violationf(TypeTimeRestriction, "weekday %s is outside the allowed days", now.Weekday())
	}

	h := now.Hour()
	start, end := cfg.AllowedHoursUTC.Start, cfg.AllowedHoursUTC.End
	var hourOK bool
	if start <= end {
		hourOK = h >= start && h < end
	} else {
		// Window crosses midnight, e.g. 22 -> 6.
		hourOK = h >= start || h < end
	}
	if !hourOK {
		return violationf(TypeTimeRestriction,
			"hour %02d UTC is outside the allowed window [%02d, %02d)", h, start, end)
	}
	return nil
}

func evalTrustScore(cfg TrustScore, facts Facts) *Violation {
	if facts.ProviderTrustScore == nil {
		return violationf(TypeTrustScore, "provider trust score is unavailable")
	}
	if *facts.ProviderTrustScore < cfg.MinScore {
		return violationf(TypeTrustScore,
			"provider trust score %d is below the required minimum %d",
			*facts.ProviderTrustScore, cfg.MinScore)
	}
	return nil
}

func evalRequireENS(cfg RequireENS, tx Transaction) *Violation {
	if cfg.Required && strings.TrimSpace(tx.ToLabel) == "" {
		return violationf(TypeRequireENS, "recipient %s has no resolved ENS label", tx.To)
	}
	return nil
}

func evalCategoryRestriction(cfg CategoryRestriction, facts Facts) *Violation {
	for _, c := range cfg.Allowed {
		if strings.EqualFold(c, facts.ProviderCategory) {
			return nil
		}
	}
	return violationf(TypeCategoryRestriction,
		"provider category %q is not allowed", orNone(facts.ProviderCategory))
}

func violationf(t Type, format string, args ...interface{}) *Violation {
	return &Violation{
		Kind:    "policy:" + string(t),
		Message: fmt.Sprintf(format, args...),
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
