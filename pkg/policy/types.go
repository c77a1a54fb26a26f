// Package policy defines the typed policy model and its pure evaluator.
//
// A Policy carries exactly one Config variant, discriminated by a "type"
// tag. The variant set is closed: adding a policy kind means adding a
// variant type plus an evaluator arm. Unrecognized tags decode into
// UnknownConfig, which always evaluates to a violation (fail-closed).
package policy

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates the Config variants.
type Type string

const (
	TypeSpendingLimit       Type = "spending_limit"
	TypeProtocolAllowlist   Type = "protocol_allowlist"
	TypeKYCRequirement      Type = "kyc_requirement"
	TypeTimeRestriction     Type = "time_restriction"
	TypeTrustScore          Type = "trust_score"
	TypeRequireENS          Type = "require_ens"
	TypeCategoryRestriction Type = "category_restriction"
)

// Period scopes a spending limit.
type Period string

const (
	PeriodPerTransaction Period = "per_transaction"
	PeriodDaily          Period = "daily"
	PeriodWeekly         Period = "weekly"
	PeriodMonthly        Period = "monthly"
)

// ValidPeriod reports whether p is one of the defined windows.
func ValidPeriod(p Period) bool {
	switch p {
	case PeriodPerTransaction, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// PeriodStart returns the UTC start of the window containing now: midnight
// for daily, Monday midnight for weekly, the first of the month for monthly.
// The per-transaction period has no window and maps to now itself.
func PeriodStart(p Period, now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodDaily:
		return day
	case PeriodWeekly:
		return day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return now
	}
}

// Config is the closed set of policy rule variants.
type Config interface {
	Type() Type
	isConfig()
}

// SpendingLimit caps transaction value for a period.
type SpendingLimit struct {
	MaxAmountWei string `json:"max_amount_wei"`
	Period       Period `json:"period"`
	TokenAddress string `json:"token_address,omitempty"`
}

func (SpendingLimit) Type() Type { return TypeSpendingLimit }
func (SpendingLimit) isConfig()  {}

// ProtocolAllowlist restricts recipients to a known address set.
type ProtocolAllowlist struct {
	AllowedAddresses []string `json:"allowed_addresses"`
	AllowUnknown     bool     `json:"allow_unknown"`
}

func (ProtocolAllowlist) Type() Type { return TypeProtocolAllowlist }
func (ProtocolAllowlist) isConfig()  {}

// KYCRequirement demands a counterparty KYC level above a value threshold.
type KYCRequirement struct {
	RequiredLevel string `json:"required_level"` // basic | advanced | full
	ThresholdWei  string `json:"threshold_wei"`
}

func (KYCRequirement) Type() Type { return TypeKYCRequirement }
func (KYCRequirement) isConfig()  {}

// HourWindow is a half-open [Start, End) UTC hour range.
// End < Start denotes a window crossing midnight.
type HourWindow struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// TimeRestriction permits transactions only on given UTC weekdays and hours.
type TimeRestriction struct {
	AllowedDays     []int      `json:"allowed_days"` // 0=Sunday .. 6=Saturday
	AllowedHoursUTC HourWindow `json:"allowed_hours_utc"`
}

func (TimeRestriction) Type() Type { return TypeTimeRestriction }
func (TimeRestriction) isConfig()  {}

// TrustScore requires a minimum provider trust score.
type TrustScore struct {
	MinScore int `json:"min_score"` // 0..100
}

func (TrustScore) Type() Type { return TypeTrustScore }
func (TrustScore) isConfig()  {}

// RequireENS demands a resolved ENS label on the recipient.
type RequireENS struct {
	Required bool `json:"required"`
}

func (RequireENS) Type() Type { return TypeRequireENS }
func (RequireENS) isConfig()  {}

// CategoryRestriction restricts the provider category.
type CategoryRestriction struct {
	Allowed []string `json:"allowed"`
}

func (CategoryRestriction) Type() Type { return TypeCategoryRestriction }
func (CategoryRestriction) isConfig()  {}

// UnknownConfig preserves a config whose tag is not recognized.
// It always evaluates to a violation.
type UnknownConfig struct {
	Tag string          `json:"type"`
	Raw json.RawMessage `json:"-"`
}

func (u UnknownConfig) Type() Type { return Type(u.Tag) }
func (UnknownConfig) isConfig()    {}

// Policy is an administrative rule evaluated by the firewall engine.
type Policy struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Config    Config    `json:"-"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// policyJSON is the wire form of Policy with the config envelope inlined.
type policyJSON struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	Enabled   bool            `json:"enabled"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// MarshalJSON emits the config with its type tag inlined.
func (p Policy) MarshalJSON() ([]byte, error) {
	raw, err := EncodeConfig(p.Config)
	if err != nil {
		return nil, err
	}
	return json.Marshal(policyJSON{
		ID:        p.ID,
		Name:      p.Name,
		Config:    raw,
		Enabled:   p.Enabled,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	})
}

// UnmarshalJSON decodes the config envelope by its type tag.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var pj policyJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	cfg, err := DecodeConfig(pj.Config)
	if err != nil {
		return err
	}
	p.ID = pj.ID
	p.Name = pj.Name
	p.Config = cfg
	p.Enabled = pj.Enabled
	p.CreatedAt = pj.CreatedAt
	p.UpdatedAt = pj.UpdatedAt
	return nil
}

// configEnvelope carries the discriminator tag for (de)serialization.
type configEnvelope struct {
	Type Type `json:"type"`
}

// DecodeConfig parses a tagged config document into its variant.
// A missing document is an error; an unrecognized tag decodes into
// UnknownConfig so the evaluator can fail closed instead of dropping it.
func DecodeConfig(raw json.RawMessage) (Config, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("policy: config document is required")
	}
	var env configEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("policy: malformed config envelope: %w", err)
	}

	switch env.Type {
	case TypeSpendingLimit:
		var c SpendingLimit
		return c, decodeInto(raw, env.Type, &c)
	case TypeProtocolAllowlist:
		var c ProtocolAllowlist
		return c, decodeInto(raw, env.Type, &c)
	case TypeKYCRequirement:
		var c KYCRequirement
		return c, decodeInto(raw, env.Type, &c)
	case TypeTimeRestriction:
		var c TimeRestriction
		return c, decodeInto(raw, env.Type, &c)
	case TypeTrustScore:
		var c TrustScore
		return c, decodeInto(raw, env.Type, &c)
	case TypeRequireENS:
		var c RequireENS
		return c, decodeInto(raw, env.Type, &c)
	case TypeCategoryRestriction:
		var c CategoryRestriction
		return c, decodeInto(raw, env.Type, &c)
	default:
		cp := make(json.RawMessage, len(raw))
		copy(cp, raw)
		return UnknownConfig{Tag: string(env.Type), Raw: cp}, nil
	}
}

func decodeInto(raw json.RawMessage, t Type, dst interface{}) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("policy: malformed %s config: %w", t, err)
	}
	return nil
}

// EncodeConfig serializes a variant with its type tag inlined.
func EncodeConfig(cfg Config) (json.RawMessage, error) {
	if cfg == nil {
		return nil, fmt.Errorf("policy: nil config")
	}
	if u, ok := cfg.(UnknownConfig); ok {
		if len(u.Raw) > 0 {
			return u.Raw, nil
		}
		return json.Marshal(configEnvelope{Type: Type(u.Tag)})
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(cfg.Type())
	return json.Marshal(fields)
}
