package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tollgate/pkg/errs"
	"github.com/Mindburn-Labs/tollgate/pkg/firewall"
	"github.com/Mindburn-Labs/tollgate/pkg/session"
)

type tickingClock struct{ t time.Time }

func (c *tickingClock) Now() time.Time {
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newManager(t *testing.T) (*session.Manager, *session.MemoryStore, *session.MemoryEventStore) {
	t.Helper()
	sessions := session.NewMemoryStore()
	events := session.NewMemoryEventStore()
	clock := &tickingClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	return session.NewManager(sessions, events, clock), sessions, events
}

func msg(sessionID string, trigger session.Trigger, key string) session.Message {
	return session.Message{
		SessionID:      sessionID,
		IdempotencyKey: key,
		Type:           trigger,
		Actor:          session.Actor{Kind: "agent", ID: "agent-1"},
	}
}

func TestApply_FullLifecycle(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	steps := []struct {
		trigger session.Trigger
		want    session.State
	}{
		{session.TriggerDiscover, session.StateDiscovered},
		{session.TriggerNegotiateStart, session.StateNegotiating},
		{session.TriggerNegotiateAccept, session.StateAgreed},
		{session.TriggerFirewallApproved, session.StateFirewallApproved},
		{session.TriggerPayRequest, session.StatePaymentRequired},
		{session.TriggerPayProof, session.StatePaid},
	}

	sessionID := ""
	for i, step := range steps {
		res, err := mgr.Apply(ctx, msg(sessionID, step.trigger, string(step.trigger)+"-key"))
		require.NoError(t, err, "step %d", i)
		require.True(t, res.OK, "step %d: %s", i, res.Message)
		assert.Equal(t, step.want, res.State, "step %d", i)
		sessionID = res.SessionID
	}

	// PAID is terminal: only session.get is still accepted.
	res, err := mgr.Apply(ctx, msg(sessionID, session.TriggerDiscover, "after-paid"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeTransition, res.ErrorCode)
	assert.Equal(t, session.StatePaid, res.State)

	res, err = mgr.Apply(ctx, msg(sessionID, session.TriggerGet, ""))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, session.StatePaid, res.State)
}

func TestApply_MintsSessionID(t *testing.T) {
	mgr, sessions, _ := newManager(t)

	res, err := mgr.Apply(context.Background(), msg("", session.TriggerDiscover, "k1"))
	require.NoError(t, err)
	require.True(t, res.OK)
	require.NotEmpty(t, res.SessionID)

	sess, err := sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StateDiscovered, sess.State)
}

func TestApply_LazySessionCreation(t *testing.T) {
	mgr, sessions, _ := newManager(t)

	res, err := mgr.Apply(context.Background(), msg("sess-lazy", session.TriggerGet, ""))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, session.StateNew, res.State)

	sess, err := sessions.Get(context.Background(), "sess-lazy")
	require.NoError(t, err)
	assert.Equal(t, session.StateNew, sess.State)
}

func TestApply_MissingIdempotencyKey(t *testing.T) {
	mgr, _, events := newManager(t)

	res, err := mgr.Apply(context.Background(), msg("sess-1", session.TriggerDiscover, ""))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeValidation, res.ErrorCode)
	assert.Equal(t, session.StateNew, res.State)

	// The attempt is still on the audit trail.
	evs, err := events.ListBySession(context.Background(), "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Accepted)
}

func TestApply_UnknownMessageType(t *testing.T) {
	mgr, sessions, _ := newManager(t)

	res, err := mgr.Apply(context.Background(), msg("sess-1", session.Trigger("pay.now"), "k1"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeValidation, res.ErrorCode)

	// Garbage types do not create sessions.
	_, err = sessions.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestApply_ReplayShortCircuits(t *testing.T) {
	mgr, _, events := newManager(t)
	ctx := context.Background()

	first, err := mgr.Apply(ctx, msg("sess-1", session.TriggerDiscover, "k1"))
	require.NoError(t, err)
	require.True(t, first.OK)
	assert.False(t, first.Replay)

	second, err := mgr.Apply(ctx, msg("sess-1", session.TriggerDiscover, "k1"))
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.True(t, second.Replay)
	assert.Equal(t, first.State, second.State)

	// Exactly one event row for the key.
	evs, err := events.ListBySession(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestApply_ReplayAfterFurtherProgress(t *testing.T) {
	// A replayed key reports the session's CURRENT state, not the state at
	// the time of the original message.
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	_, err := mgr.Apply(ctx, msg("sess-1", session.TriggerDiscover, "k1"))
	require.NoError(t, err)
	_, err = mgr.Apply(ctx, msg("sess-1", session.TriggerNegotiateStart, "k2"))
	require.NoError(t, err)

	res, err := mgr.Apply(ctx, msg("sess-1", session.TriggerDiscover, "k1"))
	require.NoError(t, err)
	assert.True(t, res.Replay)
	assert.Equal(t, session.StateNegotiating, res.State)
}

func TestApply_InvalidTransitionLogsEvent(t *testing.T) {
	mgr, sessions, events := newManager(t)
	ctx := context.Background()

	res, err := mgr.Apply(ctx, msg("sess-1", session.TriggerNegotiateAccept, "k1"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeTransition, res.ErrorCode)

	sess, err := sessions.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateNew, sess.State)

	evs, err := events.ListBySession(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Accepted)
	assert.NotEmpty(t, evs[0].Error)
}

func TestApply_FirewallRejectionHoldsSession(t *testing.T) {
	mgr, sessions, events := newManager(t)
	ctx := context.Background()

	advanceTo(t, mgr, "sess-1", session.StateAgreed)

	res, err := mgr.Apply(ctx, msg("sess-1", session.TriggerFirewallRejected, "fw-1"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeTransition, res.ErrorCode)
	assert.Equal(t, session.StateAgreed, res.State)

	sess, err := sessions.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StateAgreed, sess.State)

	evs, err := events.ListBySession(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, session.TriggerFirewallRejected, evs[0].Type)
	assert.False(t, evs[0].Accepted)

	// A later approved check still goes through.
	res, err = mgr.Apply(ctx, msg("sess-1", session.TriggerFirewallApproved, "fw-2"))
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, session.StateFirewallApproved, res.State)
}

func TestApply_PaymentGate(t *testing.T) {
	mgr, _, _ := newManager(t)
	ctx := context.Background()

	for _, state := range []session.State{
		session.StateNew, session.StateDiscovered, session.StateNegotiating,
		session.StateAgreed, session.StateCancelled,
	} {
		id := "gate-" + string(state)
		advanceTo(t, mgr, id, state)
		for _, trigger := range []session.Trigger{session.TriggerPayRequest, session.TriggerPayProof} {
			res, err := mgr.Apply(ctx, msg(id, trigger, string(trigger)+"-gate"))
			require.NoError(t, err)
			assert.False(t, res.OK, "state %s trigger %s", state, trigger)
			assert.Equal(t, state, res.State, "state %s trigger %s", state, trigger)
		}
	}
}

func TestApply_ConcurrencyConflict(t *testing.T) {
	sessions := session.NewMemoryStore()
	events := session.NewMemoryEventStore()
	mgr := session.NewManager(sessions, &racingEventStore{inner: events, sessions: sessions}, nil)

	_, err := sessions.GetOrCreate(context.Background(), "sess-1", time.Now().UTC())
	require.NoError(t, err)

	res, err := mgr.Apply(context.Background(), msg("sess-1", session.TriggerDiscover, "k1"))
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, errs.CodeConcurrency, res.ErrorCode)
	assert.Equal(t, session.StateDiscovered, res.State)
}

// racingEventStore simulates a rival writer landing between the manager's
// read and its conditional update.
type racingEventStore struct {
	inner    *session.MemoryEventStore
	sessions *session.MemoryStore
	raced    bool
}

func (r *racingEventStore) Append(ctx context.Context, ev *session.Event) error {
	if err := r.inner.Append(ctx, ev); err != nil {
		return err
	}
	if !r.raced {
		r.raced = true
		return r.sessions.Transition(ctx, ev.SessionID, session.StateNew, session.StateDiscovered, time.Now().UTC())
	}
	return nil
}

func (r *racingEventStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*session.Event, error) {
	return r.inner.ListBySession(ctx, sessionID, limit)
}

func (r *racingEventStore) List(ctx context.Context, limit int) ([]*session.Event, error) {
	return r.inner.List(ctx, limit)
}

func TestTriggerForVerdict(t *testing.T) {
	assert.Equal(t, session.TriggerFirewallApproved, session.TriggerForVerdict(firewall.DecisionApproved))
	assert.Equal(t, session.TriggerFirewallRejected, session.TriggerForVerdict(firewall.DecisionRejected))
	assert.Equal(t, session.TriggerFirewallRejected, session.TriggerForVerdict(firewall.DecisionConfirmRequired))
}

// advanceTo drives a fresh session to the requested state through the
// regular protocol.
func advanceTo(t *testing.T, mgr *session.Manager, sessionID string, target session.State) {
	t.Helper()
	ctx := context.Background()

	if target == session.StateNew {
		res, err := mgr.Apply(ctx, msg(sessionID, session.TriggerGet, ""))
		require.NoError(t, err)
		require.Equal(t, session.StateNew, res.State)
		return
	}

	path := []struct {
		trigger session.Trigger
		state   session.State
	}{
		{session.TriggerDiscover, session.StateDiscovered},
		{session.TriggerNegotiateStart, session.StateNegotiating},
		{session.TriggerNegotiateAccept, session.StateAgreed},
		{session.TriggerFirewallApproved, session.StateFirewallApproved},
		{session.TriggerPayRequest, session.StatePaymentRequired},
		{session.TriggerPayProof, session.StatePaid},
	}
	if target == session.StateCancelled {
		path = []struct {
			trigger session.Trigger
			state   session.State
		}{
			{session.TriggerDiscover, session.StateDiscovered},
			{session.TriggerNegotiateStart, session.StateNegotiating},
			{session.TriggerCancel, session.StateCancelled},
		}
	}

	for i, step := range path {
		res, err := mgr.Apply(ctx, msg(sessionID, step.trigger, sessionID+"-setup-"+string(rune('a'+i))))
		require.NoError(t, err)
		require.True(t, res.OK, "advancing %s: %s", sessionID, res.Message)
		if step.state == target {
			return
		}
	}
	t.Fatalf("state %s is not reachable through the protocol", target)
}
