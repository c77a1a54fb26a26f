package session_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/tollgate/pkg/session"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sessionStores(t *testing.T) map[string]session.Store {
	t.Helper()
	sqliteStore, err := session.NewSQLiteStore(testDB(t))
	require.NoError(t, err)
	return map[string]session.Store{
		"memory": session.NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func eventStores(t *testing.T) map[string]session.EventStore {
	t.Helper()
	sqliteStore, err := session.NewSQLiteEventStore(testDB(t))
	require.NoError(t, err)
	return map[string]session.EventStore{
		"memory": session.NewMemoryEventStore(),
		"sqlite": sqliteStore,
	}
}

func TestSessionStore_GetOrCreate(t *testing.T) {
	for name, store := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

			sess, err := store.GetOrCreate(ctx, "sess-1", now)
			require.NoError(t, err)
			assert.Equal(t, session.StateNew, sess.State)

			// Re-referencing returns the existing row untouched.
			require.NoError(t, store.Transition(ctx, "sess-1", session.StateNew, session.StateDiscovered, now))
			again, err := store.GetOrCreate(ctx, "sess-1", now.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, session.StateDiscovered, again.State)
			assert.True(t, again.CreatedAt.Equal(now))
		})
	}
}

func TestSessionStore_GetMissing(t *testing.T) {
	for name, store := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "nope")
			assert.ErrorIs(t, err, session.ErrSessionNotFound)
		})
	}
}

func TestSessionStore_TransitionGuard(t *testing.T) {
	for name, store := range sessionStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
			_, err := store.GetOrCreate(ctx, "sess-1", now)
			require.NoError(t, err)

			require.NoError(t, store.Transition(ctx, "sess-1", session.StateNew, session.StateDiscovered, now))

			// A second writer assuming the old state loses.
			err = store.Transition(ctx, "sess-1", session.StateNew, session.StateDiscovered, now)
			assert.ErrorIs(t, err, session.ErrStaleState)

			err = store.Transition(ctx, "missing", session.StateNew, session.StateDiscovered, now)
			assert.ErrorIs(t, err, session.ErrSessionNotFound)

			sess, err := store.Get(ctx, "sess-1")
			require.NoError(t, err)
			assert.Equal(t, session.StateDiscovered, sess.State)
		})
	}
}

func TestEventStore_DuplicateKey(t *testing.T) {
	for name, store := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Append(ctx, sampleEvent("sess-1", "k1")))
			assert.ErrorIs(t, store.Append(ctx, sampleEvent("sess-1", "k1")), session.ErrDuplicateKey)

			// Same key under a different session is fine.
			assert.NoError(t, store.Append(ctx, sampleEvent("sess-2", "k1")))

			// Keyless events never collide.
			assert.NoError(t, store.Append(ctx, sampleEvent("sess-1", "")))
			assert.NoError(t, store.Append(ctx, sampleEvent("sess-1", "")))
		})
	}
}

func TestSQLiteEventStore_IDCollisionIsNotReplay(t *testing.T) {
	store, err := session.NewSQLiteEventStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	first := sampleEvent("sess-1", "k1")
	require.NoError(t, store.Append(ctx, first))

	// Same event id under a fresh idempotency key: a primary-key collision
	// is a storage fault, never a duplicate-key replay.
	second := sampleEvent("sess-1", "k2")
	second.ID = first.ID
	err = store.Append(ctx, second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, session.ErrDuplicateKey)
}

func TestEventStore_Listing(t *testing.T) {
	for name, store := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

			for i := 0; i < 4; i++ {
				ev := sampleEvent("sess-1", fmt.Sprintf("k%d", i))
				ev.CreatedAt = base.Add(time.Duration(i) * time.Second)
				require.NoError(t, store.Append(ctx, ev))
			}
			other := sampleEvent("sess-2", "k0")
			other.CreatedAt = base.Add(10 * time.Second)
			require.NoError(t, store.Append(ctx, other))

			evs, err := store.ListBySession(ctx, "sess-1", 2)
			require.NoError(t, err)
			require.Len(t, evs, 2)
			assert.Equal(t, "k3", evs[0].IdempotencyKey)
			assert.Equal(t, "k2", evs[1].IdempotencyKey)

			all, err := store.List(ctx, 0)
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, "sess-2", all[0].SessionID)
		})
	}
}

func TestSQLiteEventStore_PayloadRoundTrip(t *testing.T) {
	store, err := session.NewSQLiteEventStore(testDB(t))
	require.NoError(t, err)
	ctx := context.Background()

	ev := sampleEvent("sess-1", "k1")
	ev.Payload = json.RawMessage(`{"offer":{"price":"1000000"}}`)
	ev.Error = "trigger rejected"
	ev.Accepted = false
	require.NoError(t, store.Append(ctx, ev))

	evs, err := store.ListBySession(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.JSONEq(t, string(ev.Payload), string(evs[0].Payload))
	assert.False(t, evs[0].Accepted)
	assert.Equal(t, "trigger rejected", evs[0].Error)
	assert.Equal(t, session.Actor{Kind: "agent", ID: "agent-1"}, evs[0].Actor)
}

func sampleEvent(sessionID, key string) *session.Event {
	return &session.Event{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		IdempotencyKey: key,
		Type:           session.TriggerDiscover,
		Actor:          session.Actor{Kind: "agent", ID: "agent-1"},
		Timestamp:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Accepted:       true,
		CreatedAt:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
}
