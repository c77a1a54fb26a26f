package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists agents in PostgreSQL. Every budget mutation is a
// single conditional UPDATE, so the database serializes racing requests
// without any application-side locking.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("agent: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS agents (
		id                 TEXT PRIMARY KEY,
		key_hash           TEXT NOT NULL UNIQUE,
		key_prefix         TEXT NOT NULL,
		safe_address       TEXT NOT NULL DEFAULT '',
		allowed_categories TEXT[] NOT NULL DEFAULT '{}',
		daily_budget_usd   DOUBLE PRECISION NOT NULL DEFAULT 0,
		spent_today_usd    DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_reset_date    TEXT NOT NULL,
		enabled            BOOLEAN NOT NULL DEFAULT TRUE,
		last_used_at       TIMESTAMPTZ,
		created_at         TIMESTAMPTZ NOT NULL
	)`)
	return err
}

const agentColumns = `id, key_hash, key_prefix, safe_address, allowed_categories,
	daily_budget_usd, spent_today_usd, last_reset_date, enabled, last_used_at, created_at`

func (s *PostgresStore) Create(ctx context.Context, a *Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.KeyHash, a.KeyPrefix, a.SafeAddress, pq.Array(a.AllowedCategories),
		a.DailyBudgetUSD, a.SpentTodayUSD, a.LastResetDate, a.Enabled,
		nullTime(a.LastUsedAt), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("agent: insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row.Scan)
}

func (s *PostgresStore) GetByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE key_hash = $1`, keyHash)
	return scanAgent(row.Scan)
}

func (s *PostgresStore) List(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("agent: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResetBudget(ctx context.Context, id, date string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET spent_today_usd = 0, last_reset_date = $1
		 WHERE id = $2 AND last_reset_date <> $1`, date, id)
	if err != nil {
		return false, fmt.Errorf("agent: reset budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("agent: reset budget: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) AddSpend(ctx context.Context, id, date string, amountUSD float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET spent_today_usd = spent_today_usd + $1
		 WHERE id = $2 AND last_reset_date = $3`, amountUSD, id, date)
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

func (s *PostgresStore) TouchLastUsed(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `UPDATE agents SET last_used_at = $1 WHERE id = $2`, at, id)
}

func (s *PostgresStore) UpdateCredentials(ctx context.Context, id, keyHash, keyPrefix string) error {
	return s.exec(ctx,
		`UPDATE agents SET key_hash = $1, key_prefix = $2 WHERE id = $3`,
		keyHash, keyPrefix, id)
}

func (s *PostgresStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.exec(ctx, `UPDATE agents SET enabled = $1 WHERE id = $2`, enabled, id)
}

func (s *PostgresStore) exec(ctx context.Context, q string, args ...any) error {
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

func scanAgent(scan func(...any) error) (*Agent, error) {
	var (
		a        Agent
		cats     pq.StringArray
		lastUsed sql.NullTime
	)
	err := scan(&a.ID, &a.KeyHash, &a.KeyPrefix, &a.SafeAddress, &cats,
		&a.DailyBudgetUSD, &a.SpentTodayUSD, &a.LastResetDate, &a.Enabled,
		&lastUsed, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agent: scan: %w", err)
	}
	a.AllowedCategories = []string(cats)
	if lastUsed.Valid {
		a.LastUsedAt = lastUsed.Time
	}
	return &a, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
