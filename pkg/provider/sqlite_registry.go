package provider

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteRegistry persists provider records in SQLite.
type SQLiteRegistry struct {
	db *sql.DB
}

// NewSQLiteRegistry creates the registry and runs its migration.
func NewSQLiteRegistry(db *sql.DB) (*SQLiteRegistry, error) {
	r := &SQLiteRegistry{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS providers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		trust_score INTEGER NOT NULL DEFAULT 0,
		category TEXT NOT NULL DEFAULT '',
		expected_recipient TEXT NOT NULL,
		kyc_level TEXT NOT NULL DEFAULT '',
		registered_at TEXT NOT NULL
	);`
	_, err := r.db.ExecContext(context.Background(), query)
	return err
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*Provider, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, trust_score, category, expected_recipient, kyc_level, registered_at
		 FROM providers WHERE id = ?`, id)

	var p Provider
	var registeredAt string
	err := row.Scan(&p.ID, &p.Name, &p.TrustScore, &p.Category,
		&p.ExpectedRecipient, &p.KYCLevel, &registeredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("provider: get failed: %w", err)
	}
	p.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
	return &p, nil
}

func (r *SQLiteRegistry) Register(ctx context.Context, p *Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider: id is required")
	}
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO providers (id, name, trust_score, category, expected_recipient, kyc_level, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			trust_score = excluded.trust_score,
			category = excluded.category,
			expected_recipient = excluded.expected_recipient,
			kyc_level = excluded.kyc_level`,
		p.ID, p.Name, p.TrustScore, p.Category, p.ExpectedRecipient, p.KYCLevel,
		p.RegisteredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("provider: register failed: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) List(ctx context.Context) ([]*Provider, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, trust_score, category, expected_recipient, kyc_level, registered_at
		 FROM providers ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("provider: list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Provider
	for rows.Next() {
		var p Provider
		var registeredAt string
		if err := rows.Scan(&p.ID, &p.Name, &p.TrustScore, &p.Category,
			&p.ExpectedRecipient, &p.KYCLevel, &registeredAt); err != nil {
			return nil, err
		}
		p.RegisteredAt, _ = time.Parse(time.RFC3339Nano, registeredAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}
