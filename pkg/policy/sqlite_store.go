package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists policies in SQLite. Configs are stored as their
// tagged JSON documents and re-decoded on read, so an unknown tag written by
// a newer node still round-trips and fails closed at evaluation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		config JSON NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, p *Policy) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	raw, err := EncodeConfig(p.Config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policies (id, name, config, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, string(raw), boolToInt(p.Enabled),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("policy: insert failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, config, enabled, created_at, updated_at FROM policies WHERE id = ?`, id)
	return scanPolicy(row.Scan)
}

func (s *SQLiteStore) Update(ctx context.Context, p *Policy) error {
	raw, err := EncodeConfig(p.Config)
	if err != nil {
		return err
	}
	p.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE policies SET name = ?, config = ?, enabled = ?, updated_at = ? WHERE id = ?`,
		p.Name, string(raw), boolToInt(p.Enabled), p.UpdatedAt.Format(time.RFC3339Nano), p.ID,
	)
	if err != nil {
		return fmt.Errorf("policy: update failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("policy: delete failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]*Policy, error) {
	return s.list(ctx,
		`SELECT id, name, config, enabled, created_at, updated_at FROM policies ORDER BY created_at`)
}

func (s *SQLiteStore) ListEnabled(ctx context.Context) ([]*Policy, error) {
	return s.list(ctx,
		`SELECT id, name, config, enabled, created_at, updated_at FROM policies WHERE enabled = 1 ORDER BY created_at`)
}

func (s *SQLiteStore) list(ctx context.Context, query string) ([]*Policy, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("policy: list failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Policy
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPolicy(scan func(...any) error) (*Policy, error) {
	var (
		id, name, rawConfig string
		enabled             int
		createdAt, updated  string
	)
	if err := scan(&id, &name, &rawConfig, &enabled, &createdAt, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	cfg, err := DecodeConfig(json.RawMessage(rawConfig))
	if err != nil {
		return nil, err
	}
	return &Policy{
		ID:        id,
		Name:      name,
		Config:    cfg,
		Enabled:   enabled != 0,
		CreatedAt: parseStoredTime(createdAt),
		UpdatedAt: parseStoredTime(updated),
	}, nil
}

func parseStoredTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc sqlite reports constraint failures in the error text.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
