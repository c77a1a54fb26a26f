package firewall_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/tollgate/pkg/firewall"
)

func verdictStores(t *testing.T) map[string]firewall.VerdictStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sqliteStore, err := firewall.NewSQLiteVerdictStore(db)
	require.NoError(t, err)
	return map[string]firewall.VerdictStore{
		"memory": firewall.NewMemoryVerdictStore(),
		"sqlite": sqliteStore,
	}
}

func sampleRecord(txHash string, decision firewall.Decision) *firewall.VerdictRecord {
	return &firewall.VerdictRecord{
		TxHash: txHash,
		Transaction: firewall.TransactionInput{
			ChainID: 8453,
			From:    "0xagent000000000000000000000000000000000001",
			To:      "0xrecipient0000000000000000000000000000001",
			Value:   "1000000",
		},
		Verdict: firewall.Verdict{
			Decision:  decision,
			RiskLevel: firewall.RiskLow,
			Timestamp: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
			TxHash:    txHash,
		},
		CreatedAt: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}

func TestVerdictStore_UpsertPreservesCreatedAt(t *testing.T) {
	for name, store := range verdictStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first := sampleRecord("hash-a", firewall.DecisionApproved)
			require.NoError(t, store.Upsert(ctx, first))

			second := sampleRecord("hash-a", firewall.DecisionRejected)
			second.CreatedAt = first.CreatedAt.Add(time.Hour)
			require.NoError(t, store.Upsert(ctx, second))

			got, err := store.Get(ctx, "hash-a")
			require.NoError(t, err)
			assert.Equal(t, firewall.DecisionRejected, got.Verdict.Decision)
			assert.True(t, got.CreatedAt.Equal(first.CreatedAt),
				"re-checking a transaction must not reset its first-seen time")
		})
	}
}

func TestVerdictStore_GetMissing(t *testing.T) {
	for name, store := range verdictStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "no-such-hash")
			assert.ErrorIs(t, err, firewall.ErrVerdictNotFound)
		})
	}
}

func TestVerdictStore_SumApprovedSince(t *testing.T) {
	for name, store := range verdictStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Upsert(ctx, sampleRecord("hash-a", firewall.DecisionApproved)))
			require.NoError(t, store.Upsert(ctx, sampleRecord("hash-b", firewall.DecisionRejected)))

			// Decided the day before: outside a window starting today.
			old := sampleRecord("hash-c", firewall.DecisionApproved)
			old.Verdict.Timestamp = time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
			require.NoError(t, store.Upsert(ctx, old))

			sum, err := store.SumApprovedSince(ctx, time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			assert.Equal(t, "1000000", sum.String(),
				"only the in-window approved transaction counts")

			sum, err = store.SumApprovedSince(ctx, time.Date(2026, 8, 23, 0, 0, 0, 0, time.UTC))
			require.NoError(t, err)
			assert.Equal(t, "2000000", sum.String())
		})
	}
}

func TestVerdictStore_ListNewestFirst(t *testing.T) {
	for name, store := range verdictStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				rec := sampleRecord(fmt.Sprintf("hash-%d", i), firewall.DecisionApproved)
				rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
				require.NoError(t, store.Upsert(ctx, rec))
			}

			recs, err := store.List(ctx, 3)
			require.NoError(t, err)
			require.Len(t, recs, 3)
			assert.Equal(t, "hash-4", recs[0].TxHash)
			assert.Equal(t, "hash-2", recs[2].TxHash)
		})
	}
}
