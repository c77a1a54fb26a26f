package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned for an id no store has seen.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrDuplicateKey reports an (session_id, idempotency_key) collision.
	// The manager treats it as a replay, never as a failure.
	ErrDuplicateKey = errors.New("session: duplicate idempotency key")
	// ErrStaleState reports a lost transition race: the session moved
	// between the manager's read and its conditional write.
	ErrStaleState = errors.New("session: state changed concurrently")
)

// Store persists conversation sessions.
type Store interface {
	// GetOrCreate returns the session for id, initializing it to NEW on
	// first reference.
	GetOrCreate(ctx context.Context, id string, now time.Time) (*Session, error)
	// Get returns the session for id or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)
	// Transition moves id from `from` to `to` only if it is still in
	// `from`, returning ErrStaleState when the guard fails.
	Transition(ctx context.Context, id string, from, to State, at time.Time) error
}

// EventStore persists the append-only conversation audit log.
type EventStore interface {
	// Append inserts one event. For events carrying an idempotency key the
	// (session_id, idempotency_key) pair is claimed atomically; a second
	// insert with the same pair returns ErrDuplicateKey.
	Append(ctx context.Context, ev *Event) error
	// ListBySession returns a session's events, newest first.
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*Event, error)
	// List returns events across all sessions, newest first.
	List(ctx context.Context, limit int) ([]*Event, error)
}

// MemoryStore is the in-memory Store used by tests and single-node setups.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, id string, now time.Time) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return &sess, nil
	}
	sess := Session{ID: id, State: StateNew, CreatedAt: now, UpdatedAt: now}
	s.sessions[id] = sess
	return &sess, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, from, to State, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.State != from {
		return ErrStaleState
	}
	sess.State = to
	sess.UpdatedAt = at
	s.sessions[id] = sess
	return nil
}

// MemoryEventStore is the in-memory EventStore.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []Event
	keys   map[string]struct{}
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{keys: make(map[string]struct{})}
}

func eventKey(sessionID, idemKey string) string {
	return sessionID + "\x00" + idemKey
}

func (s *MemoryEventStore) Append(ctx context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IdempotencyKey != "" {
		k := eventKey(ev.SessionID, ev.IdempotencyKey)
		if _, exists := s.keys[k]; exists {
			return ErrDuplicateKey
		}
		s.keys[k] = struct{}{}
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *MemoryEventStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for i := range s.events {
		if s.events[i].SessionID == sessionID {
			ev := s.events[i]
			out = append(out, &ev)
		}
	}
	return newestFirst(out, limit), nil
}

func (s *MemoryEventStore) List(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Event, 0, len(s.events))
	for i := range s.events {
		ev := s.events[i]
		out = append(out, &ev)
	}
	return newestFirst(out, limit), nil
}

func newestFirst(events []*Event, limit int) []*Event {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].CreatedAt.After(events[j].CreatedAt)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}
