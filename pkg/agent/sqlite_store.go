package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteStore persists agents in SQLite for single-node deployments. The
// conditional budget writes mirror the Postgres store, so the same
// race-handling in Service applies unchanged.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("agent: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS agents (
		id                 TEXT PRIMARY KEY,
		key_hash           TEXT NOT NULL UNIQUE,
		key_prefix         TEXT NOT NULL,
		safe_address       TEXT NOT NULL DEFAULT '',
		allowed_categories TEXT NOT NULL DEFAULT '[]',
		daily_budget_usd   REAL NOT NULL DEFAULT 0,
		spent_today_usd    REAL NOT NULL DEFAULT 0,
		last_reset_date    TEXT NOT NULL,
		enabled            INTEGER NOT NULL DEFAULT 1,
		last_used_at       TEXT,
		created_at         TEXT NOT NULL
	)`)
	return err
}

const sqliteAgentColumns = `id, key_hash, key_prefix, safe_address, allowed_categories,
	daily_budget_usd, spent_today_usd, last_reset_date, enabled, last_used_at, created_at`

func (s *SQLiteStore) Create(ctx context.Context, a *Agent) error {
	cats, err := json.Marshal(a.AllowedCategories)
	if err != nil {
		return fmt.Errorf("agent: encode categories: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (`+sqliteAgentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.KeyHash, a.KeyPrefix, a.SafeAddress, string(cats),
		a.DailyBudgetUSD, a.SpentTodayUSD, a.LastResetDate, boolToInt(a.Enabled),
		nullTimeText(a.LastUsedAt), a.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("agent: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAgentColumns+` FROM agents WHERE id = ?`, id)
	return scanSQLiteAgent(row.Scan)
}

func (s *SQLiteStore) GetByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteAgentColumns+` FROM agents WHERE key_hash = ?`, keyHash)
	return scanSQLiteAgent(row.Scan)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAgentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		a, err := scanSQLiteAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ResetBudget(ctx context.Context, id, date string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET spent_today_usd = 0, last_reset_date = ?
		 WHERE id = ? AND last_reset_date <> ?`, date, id, date)
	if err != nil {
		return false, fmt.Errorf("agent: reset budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("agent: reset budget: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) AddSpend(ctx context.Context, id, date string, amountUSD float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET spent_today_usd = spent_today_usd + ?
		 WHERE id = ? AND last_reset_date = ?`, amountUSD, id, date)
	if err != nil {
		return fmt.Errorf("agent: add spend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agent: add spend: %w", err)
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); errors.Is(gerr, ErrAgentNotFound) {
			return ErrAgentNotFound
		}
		return ErrBudgetStale
	}
	return nil
}

func (s *SQLiteStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE agents SET last_used_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), id)
}

func (s *SQLiteStore) UpdateCredentials(ctx context.Context, id, keyHash, keyPrefix string) error {
	return s.exec(ctx,
		`UPDATE agents SET key_hash = ?, key_prefix = ? WHERE id = ?`,
		keyHash, keyPrefix, id)
}

func (s *SQLiteStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.exec(ctx, `UPDATE agents SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
}

func (s *SQLiteStore) exec(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("agent: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agent: update: %w", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func scanSQLiteAgent(scan func(...any) error) (*Agent, error) {
	var (
		a        Agent
		cats     string
		enabled  int
		lastUsed sql.NullString
		created  string
	)
	err := scan(&a.ID, &a.KeyHash, &a.KeyPrefix, &a.SafeAddress, &cats,
		&a.DailyBudgetUSD, &a.SpentTodayUSD, &a.LastResetDate, &enabled,
		&lastUsed, &created)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agent: scan: %w", err)
	}
	if cats != "" {
		if err := json.Unmarshal([]byte(cats), &a.AllowedCategories); err != nil {
			return nil, fmt.Errorf("agent: decode categories: %w", err)
		}
	}
	a.Enabled = enabled != 0
	if lastUsed.Valid && lastUsed.String != "" {
		a.LastUsedAt = parseStoredAgentTime(lastUsed.String)
	}
	a.CreatedAt = parseStoredAgentTime(created)
	return &a, nil
}

func parseStoredAgentTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTimeText(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
