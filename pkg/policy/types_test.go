package policy_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tollgate/pkg/policy"
)

func TestDecodeConfig_Variants(t *testing.T) {
	cfg, err := policy.DecodeConfig(json.RawMessage(
		`{"type":"spending_limit","max_amount_wei":"5000000","period":"daily"}`))
	require.NoError(t, err)
	sl, ok := cfg.(policy.SpendingLimit)
	require.True(t, ok)
	assert.Equal(t, "5000000", sl.MaxAmountWei)
	assert.Equal(t, policy.PeriodDaily, sl.Period)

	cfg, err = policy.DecodeConfig(json.RawMessage(
		`{"type":"time_restriction","allowed_days":[1,2],"allowed_hours_utc":{"start":8,"end":18}}`))
	require.NoError(t, err)
	tr, ok := cfg.(policy.TimeRestriction)
	require.True(t, ok)
	assert.Equal(t, 8, tr.AllowedHoursUTC.Start)
}

func TestDecodeConfig_UnknownTagPreserved(t *testing.T) {
	raw := json.RawMessage(`{"type":"velocity_limit","max_per_hour":3}`)
	cfg, err := policy.DecodeConfig(raw)
	require.NoError(t, err)

	u, ok := cfg.(policy.UnknownConfig)
	require.True(t, ok)
	assert.Equal(t, "velocity_limit", u.Tag)

	// The raw document round-trips so it is never silently lost.
	encoded, err := policy.EncodeConfig(u)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(encoded))
}

func TestDecodeConfig_EmptyDocument(t *testing.T) {
	_, err := policy.DecodeConfig(nil)
	assert.Error(t, err)
}

func TestPolicyJSON_RoundTrip(t *testing.T) {
	p := policy.Policy{
		ID:      "pol-1",
		Name:    "allowlist",
		Enabled: true,
		Config: policy.ProtocolAllowlist{
			AllowedAddresses: []string{"0xabc"},
			AllowUnknown:     false,
		},
	}

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"protocol_allowlist"`)

	var back policy.Policy
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, p.ID, back.ID)
	assert.Equal(t, p.Config, back.Config)
}

func TestPeriodStart(t *testing.T) {
	// Wednesday mid-afternoon.
	now := time.Date(2026, 8, 26, 15, 30, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2026, 8, 26, 0, 0, 0, 0, time.UTC),
		policy.PeriodStart(policy.PeriodDaily, now))
	// Weeks start Monday.
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		policy.PeriodStart(policy.PeriodWeekly, now))
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		policy.PeriodStart(policy.PeriodMonthly, now))
	assert.Equal(t, now, policy.PeriodStart(policy.PeriodPerTransaction, now))

	// A Sunday belongs to the week that started the previous Monday.
	sunday := time.Date(2026, 8, 30, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		policy.PeriodStart(policy.PeriodWeekly, sunday))
}

func TestValidateConfigDocument(t *testing.T) {
	good := json.RawMessage(`{"type":"trust_score","min_score":75}`)
	assert.NoError(t, policy.ValidateConfigDocument(good))

	// Out-of-range score.
	bad := json.RawMessage(`{"type":"trust_score","min_score":250}`)
	assert.Error(t, policy.ValidateConfigDocument(bad))

	// Non-numeric wei amount.
	bad = json.RawMessage(`{"type":"spending_limit","max_amount_wei":"lots","period":"daily"}`)
	assert.Error(t, policy.ValidateConfigDocument(bad))

	// Unknown tags must not be storable.
	bad = json.RawMessage(`{"type":"velocity_limit","max_per_hour":3}`)
	assert.Error(t, policy.ValidateConfigDocument(bad))

	// Stray fields are rejected.
	bad = json.RawMessage(`{"type":"require_ens","required":true,"extra":1}`)
	assert.Error(t, policy.ValidateConfigDocument(bad))
}
