package firewall

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/tollgate/pkg/policy"
)

// SQLiteVerdictStore persists verdict records in SQLite, upserting on the
// deterministic transaction hash.
type SQLiteVerdictStore struct {
	db *sql.DB
}

// NewSQLiteVerdictStore creates the store and runs its migration.
func NewSQLiteVerdictStore(db *sql.DB) (*SQLiteVerdictStore, error) {
	s := &SQLiteVerdictStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteVerdictStore) migrate() error {
	ctx := context.Background()
	if _, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS verdicts (
		tx_hash TEXT PRIMARY KEY,
		transaction_json JSON NOT NULL,
		verdict_json JSON NOT NULL,
		decision TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_verdicts_updated_at ON verdicts (updated_at DESC);`)
	return err
}

func (s *SQLiteVerdictStore) Upsert(ctx context.Context, rec *VerdictRecord) error {
	txJSON, err := json.Marshal(rec.Transaction)
	if err != nil {
		return fmt.Errorf("firewall: marshal transaction: %w", err)
	}
	vJSON, err := json.Marshal(rec.Verdict)
	if err != nil {
		return fmt.Errorf("firewall: marshal verdict: %w", err)
	}

	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO verdicts (tx_hash, transaction_json, verdict_json, decision, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tx_hash) DO UPDATE SET
			transaction_json = excluded.transaction_json,
			verdict_json = excluded.verdict_json,
			decision = excluded.decision,
			updated_at = excluded.updated_at`,
		rec.TxHash, string(txJSON), string(vJSON), string(rec.Verdict.Decision),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("firewall: verdict upsert failed: %w", err)
	}
	return nil
}

func (s *SQLiteVerdictStore) Get(ctx context.Context, txHash string) (*VerdictRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT tx_hash, transaction_json, verdict_json, created_at, updated_at
		 FROM verdicts WHERE tx_hash = ?`, txHash)
	rec, err := scanVerdict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrVerdictNotFound
	}
	return rec, err
}

func (s *SQLiteVerdictStore) List(ctx context.Context, limit int) ([]*VerdictRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tx_hash, transaction_json, verdict_json, created_at, updated_at
		 FROM verdicts ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("firewall: verdict list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*VerdictRecord
	for rows.Next() {
		rec, err := scanVerdict(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteVerdictStore) SumApprovedSince(ctx context.Context, since time.Time) (*big.Int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tx_hash, transaction_json, verdict_json, created_at, updated_at
		 FROM verdicts WHERE decision = ?`, string(DecisionApproved))
	if err != nil {
		return nil, fmt.Errorf("firewall: verdict sum failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// The decision filter runs in SQL; the window cutoff compares the
	// verdict timestamp, so it is applied after decoding.
	total := new(big.Int)
	for rows.Next() {
		rec, err := scanVerdict(rows.Scan)
		if err != nil {
			return nil, err
		}
		if rec.Verdict.Timestamp.Before(since) {
			continue
		}
		wei, err := policy.ParseWei(rec.Transaction.Value)
		if err != nil {
			return nil, fmt.Errorf("firewall: corrupt value in record %s: %w", rec.TxHash, err)
		}
		total.Add(total, wei)
	}
	return total, rows.Err()
}

func scanVerdict(scan func(...any) error) (*VerdictRecord, error) {
	var (
		txHash, txJSON, vJSON string
		createdAt, updatedAt  string
	)
	if err := scan(&txHash, &txJSON, &vJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	rec := &VerdictRecord{TxHash: txHash}
	if err := json.Unmarshal([]byte(txJSON), &rec.Transaction); err != nil {
		return nil, fmt.Errorf("firewall: corrupt transaction record %s: %w", txHash, err)
	}
	if err := json.Unmarshal([]byte(vJSON), &rec.Verdict); err != nil {
		return nil, fmt.Errorf("firewall: corrupt verdict record %s: %w", txHash, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return rec, nil
}
