package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore persists sessions in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("session: migrate sessions: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		state      TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`)
	return err
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, id string, now time.Time) (*Session, error) {
	ts := now.UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		id, string(StateNew), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("session: init %s: %w", id, err)
	}
	return s.Get(ctx, id)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, state, created_at, updated_at FROM sessions WHERE id = ?`, id)

	var sess Session
	var created, updated string
	err := row.Scan(&sess.ID, (*string)(&sess.State), &created, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	if sess.CreatedAt, err = parseStoredTime(created); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseStoredTime(updated); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Transition applies the conditional update that serializes concurrent
// writers: whichever statement matches the guard first wins, the loser
// affects zero rows.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to State, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE id = ? AND state = ?`,
		string(to), at.UTC().Format(time.RFC3339Nano), id, string(from))
	if err != nil {
		return fmt.Errorf("session: transition %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session: transition %s: %w", id, err)
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); gerr == ErrSessionNotFound {
			return ErrSessionNotFound
		}
		return ErrStaleState
	}
	return nil
}

// SQLiteEventStore persists the conversation audit log in SQLite. The
// partial unique index on (session_id, idempotency_key) is the at-most-once
// guarantee: concurrent identical submissions race on the insert and exactly
// one wins.
type SQLiteEventStore struct {
	db *sql.DB
}

func NewSQLiteEventStore(db *sql.DB) (*SQLiteEventStore, error) {
	s := &SQLiteEventStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("session: migrate events: %w", err)
	}
	return s, nil
}

func (s *SQLiteEventStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS session_events (
		id              TEXT PRIMARY KEY,
		session_id      TEXT NOT NULL,
		idempotency_key TEXT,
		type            TEXT NOT NULL,
		actor_kind      TEXT NOT NULL DEFAULT '',
		actor_id        TEXT NOT NULL DEFAULT '',
		ts              TEXT NOT NULL,
		payload         TEXT,
		accepted        INTEGER NOT NULL,
		error           TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL
	);`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_session_events_idem
		ON session_events (session_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL;`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_session_events_created
		ON session_events (created_at DESC);`)
	return err
}

func (s *SQLiteEventStore) Append(ctx context.Context, ev *Event) error {
	var key sql.NullString
	if ev.IdempotencyKey != "" {
		key = sql.NullString{String: ev.IdempotencyKey, Valid: true}
	}
	var payload sql.NullString
	if len(ev.Payload) > 0 {
		payload = sql.NullString{String: string(ev.Payload), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events
		 (id, session_id, idempotency_key, type, actor_kind, actor_id, ts, payload, accepted, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, key, string(ev.Type), ev.Actor.Kind, ev.Actor.ID,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), payload,
		boolToInt(ev.Accepted), ev.Error,
		ev.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("session: append event: %w", err)
	}
	return nil
}

func (s *SQLiteEventStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	return s.query(ctx,
		`SELECT id, session_id, idempotency_key, type, actor_kind, actor_id, ts, payload, accepted, error, created_at
		 FROM session_events WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`,
		sessionID, listLimit(limit))
}

func (s *SQLiteEventStore) List(ctx context.Context, limit int) ([]*Event, error) {
	return s.query(ctx,
		`SELECT id, session_id, idempotency_key, type, actor_kind, actor_id, ts, payload, accepted, error, created_at
		 FROM session_events ORDER BY created_at DESC LIMIT ?`,
		listLimit(limit))
}

func (s *SQLiteEventStore) query(ctx context.Context, q string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session: event query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(scan func(...any) error) (*Event, error) {
	var (
		ev           Event
		key, payload sql.NullString
		ts, created  string
		accepted     int
	)
	err := scan(&ev.ID, &ev.SessionID, &key, (*string)(&ev.Type),
		&ev.Actor.Kind, &ev.Actor.ID, &ts, &payload, &accepted, &ev.Error, &created)
	if err != nil {
		return nil, fmt.Errorf("session: scan event: %w", err)
	}
	ev.IdempotencyKey = key.String
	if payload.Valid {
		ev.Payload = json.RawMessage(payload.String)
	}
	ev.Accepted = accepted != 0
	if ev.Timestamp, err = parseStoredTime(ts); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = parseStoredTime(created); err != nil {
		return nil, err
	}
	return &ev, nil
}

func listLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func parseStoredTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("session: parse stored time %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches only the idempotency index. Other constraint
// failures on the events table (a primary-key collision, say) must surface
// as storage errors, not as replays.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(),
		"UNIQUE constraint failed: session_events.session_id, session_events.idempotency_key")
}
