package policy_test

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tollgate/pkg/policy"
)

func intPtr(v int) *int { return &v }

func tx(value string) policy.Transaction {
	return policy.Transaction{
		ChainID: 8453,
		From:    "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		To:      "0x1111111111111111111111111111111111111111",
		Value:   value,
	}
}

func enabled(cfg policy.Config) policy.Policy {
	return policy.Policy{ID: "p1", Name: "test", Config: cfg, Enabled: true}
}

func TestEvaluate_SpendingLimit_PerTransaction(t *testing.T) {
	p := enabled(policy.SpendingLimit{MaxAmountWei: "1000000", Period: policy.PeriodPerTransaction})

	assert.Nil(t, policy.Evaluate(p, tx("1000000"), policy.Facts{}))
	v := policy.Evaluate(p, tx("1000001"), policy.Facts{})
	require.NotNil(t, v)
	assert.Equal(t, "policy:spending_limit", v.Kind)
}

func TestEvaluate_SpendingLimit_DailyWindow(t *testing.T) {
	p := enabled(policy.SpendingLimit{MaxAmountWei: "1000", Period: policy.PeriodDaily})
	facts := policy.Facts{SpentInPeriod: map[policy.Period]*big.Int{
		policy.PeriodDaily: big.NewInt(900),
	}}

	assert.Nil(t, policy.Evaluate(p, tx("100"), facts))
	assert.NotNil(t, policy.Evaluate(p, tx("101"), facts))
	// Missing running total is treated as zero spend.
	assert.Nil(t, policy.Evaluate(p, tx("1000"), policy.Facts{}))
}

func TestEvaluate_SpendingLimit_MalformedAmountFailsClosed(t *testing.T) {
	p := enabled(policy.SpendingLimit{MaxAmountWei: "not-a-number", Period: policy.PeriodPerTransaction})
	assert.NotNil(t, policy.Evaluate(p, tx("1"), policy.Facts{}))

	p = enabled(policy.SpendingLimit{MaxAmountWei: "10", Period: "fortnightly"})
	assert.NotNil(t, policy.Evaluate(p, tx("1"), policy.Facts{}))
}

func TestEvaluate_ProtocolAllowlist(t *testing.T) {
	p := enabled(policy.ProtocolAllowlist{
		AllowedAddresses: []string{"0x1111111111111111111111111111111111111111"},
	})

	// Address comparison is checksum-insensitive.
	in := tx("1")
	in.To = "0x1111111111111111111111111111111111111111"
	assert.Nil(t, policy.Evaluate(p, in, policy.Facts{}))

	in.To = "0X1111111111111111111111111111111111111111"
	assert.Nil(t, policy.Evaluate(p, in, policy.Facts{}))

	in.To = "0x2222222222222222222222222222222222222222"
	v := policy.Evaluate(p, in, policy.Facts{})
	require.NotNil(t, v)
	assert.Equal(t, "policy:protocol_allowlist", v.Kind)

	// allow_unknown passes anything.
	p = enabled(policy.ProtocolAllowlist{AllowUnknown: true})
	assert.Nil(t, policy.Evaluate(p, in, policy.Facts{}))
}

func TestEvaluate_KYCRequirement(t *testing.T) {
	p := enabled(policy.KYCRequirement{RequiredLevel: "advanced", ThresholdWei: "1000"})

	// Below threshold: no KYC needed.
	assert.Nil(t, policy.Evaluate(p, tx("999"), policy.Facts{}))

	// At threshold: basic < advanced fails.
	v := policy.Evaluate(p, tx("1000"), policy.Facts{KYCLevel: "basic"})
	require.NotNil(t, v)
	assert.Equal(t, "policy:kyc_requirement", v.Kind)

	assert.Nil(t, policy.Evaluate(p, tx("1000"), policy.Facts{KYCLevel: "advanced"}))
	assert.Nil(t, policy.Evaluate(p, tx("1000"), policy.Facts{KYCLevel: "full"}))
	assert.NotNil(t, policy.Evaluate(p, tx("1000"), policy.Facts{}))
}

func TestEvaluate_TimeRestriction(t *testing.T) {
	p := enabled(policy.TimeRestriction{
		AllowedDays:     []int{1, 2, 3, 4, 5},
		AllowedHoursUTC: policy.HourWindow{Start: 9, End: 17},
	})

	monday10 := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	assert.Nil(t, policy.Evaluate(p, tx("1"), policy.Facts{Now: monday10}))

	// End hour is exclusive.
	monday17 := time.Date(2026, 8, 24, 17, 0, 0, 0, time.UTC)
	assert.NotNil(t, policy.Evaluate(p, tx("1"), policy.Facts{Now: monday17}))

	sunday10 := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	assert.NotNil(t, policy.Evaluate(p, tx("1"), policy.Facts{Now: sunday10}))
}

func TestEvaluate_TimeRestriction_MidnightWrap(t *testing.T) {
	p := enabled(policy.TimeRestriction{
		AllowedDays:     []int{0, 1, 2, 3, 4, 5, 6},
		AllowedHoursUTC: policy.HourWindow{Start: 22, End: 6},
	})

	at := func(hour int) policy.Facts {
		return policy.Facts{Now: time.Date(2026, 8, 24, hour, 30, 0, 0, time.UTC)}
	}
	assert.Nil(t, policy.Evaluate(p, tx("1"), at(23)))
	assert.Nil(t, policy.Evaluate(p, tx("1"), at(2)))
	assert.NotNil(t, policy.Evaluate(p, tx("1"), at(6)))
	assert.NotNil(t, policy.Evaluate(p, tx("1"), at(12)))
}

func TestEvaluate_TrustScore(t *testing.T) {
	p := enabled(policy.TrustScore{MinScore: 70})

	assert.Nil(t, policy.Evaluate(p, tx("1"), policy.Facts{ProviderTrustScore: intPtr(70)}))

	v := policy.Evaluate(p, tx("1"), policy.Facts{ProviderTrustScore: intPtr(69)})
	require.NotNil(t, v)
	assert.Equal(t, "policy:trust_score", v.Kind)

	// No score known: fail closed.
	assert.NotNil(t, policy.Evaluate(p, tx("1"), policy.Facts{}))
}

func TestEvaluate_RequireENS(t *testing.T) {
	p := enabled(policy.RequireENS{Required: true})

	v := policy.Evaluate(p, tx("1"), policy.Facts{})
	require.NotNil(t, v)
	assert.Equal(t, "policy:require_ens", v.Kind)

	labeled := tx("1")
	labeled.ToLabel = "merchant.eth"
	assert.Nil(t, policy.Evaluate(p, labeled, policy.Facts{}))

	assert.Nil(t, policy.Evaluate(enabled(policy.RequireENS{Required: false}), tx("1"), policy.Facts{}))
}

func TestEvaluate_CategoryRestriction(t *testing.T) {
	p := enabled(policy.CategoryRestriction{Allowed: []string{"compute", "storage"}})

	assert.Nil(t, policy.Evaluate(p, tx("1"), policy.Facts{ProviderCategory: "Compute"}))

	v := policy.Evaluate(p, tx("1"), policy.Facts{ProviderCategory: "gambling"})
	require.NotNil(t, v)
	assert.Equal(t, "policy:category_restriction", v.Kind)

	// Unknown category fails closed.
	assert.NotNil(t, policy.Evaluate(p, tx("1"), policy.Facts{}))
}

func TestEvaluate_UnknownConfigFailsClosed(t *testing.T) {
	p := enabled(policy.UnknownConfig{Tag: "velocity_limit"})

	v := policy.Evaluate(p, tx("1"), policy.Facts{})
	require.NotNil(t, v)
	assert.Equal(t, "policy:unknown", v.Kind)
	assert.Contains(t, v.Message, "velocity_limit")
}

func TestEvaluate_NilConfigFailsClosed(t *testing.T) {
	v := policy.Evaluate(policy.Policy{ID: "p9", Enabled: true}, tx("1"), policy.Facts{})
	require.NotNil(t, v)
	assert.Equal(t, "policy:unknown", v.Kind)
}
