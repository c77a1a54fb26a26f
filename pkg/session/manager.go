package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tollgate/pkg/errs"
	"github.com/Mindburn-Labs/tollgate/pkg/firewall"
)

// Clock lets tests pin time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Manager drives the conversation protocol. It owns message validation,
// idempotent replay, the transition table, and the audit log; it never
// mutates a session except through a guarded transition.
type Manager struct {
	sessions Store
	events   EventStore
	clock    Clock
	logger   *slog.Logger
}

// NewManager wires a manager. clock may be nil for wall time.
func NewManager(sessions Store, events EventStore, clock Clock) *Manager {
	if clock == nil {
		clock = wallClock{}
	}
	return &Manager{
		sessions: sessions,
		events:   events,
		clock:    clock,
		logger:   slog.Default().With("component", "session"),
	}
}

// TriggerForVerdict maps a firewall decision onto the protocol trigger the
// state machine consumes. Only an outright approval advances the session;
// REJECTED and CONFIRM_REQUIRED both hold it in AGREED — a confirmed
// transaction re-enters through a fresh approved check.
func TriggerForVerdict(d firewall.Decision) Trigger {
	if d == firewall.DecisionApproved {
		return TriggerFirewallApproved
	}
	return TriggerFirewallRejected
}

// Apply processes one inbound message and returns the structured outcome.
// Domain rejections (validation, invalid transition, lost race) come back
// inside the Result with OK=false; the error return is reserved for storage
// failures.
func (m *Manager) Apply(ctx context.Context, msg Message) (*Result, error) {
	now := m.clock.Now().UTC()

	if !ValidTrigger(msg.Type) {
		return &Result{
			OK:        false,
			SessionID: msg.SessionID,
			ErrorCode: errs.CodeValidation,
			Message:   fmt.Sprintf("unknown message type %q", msg.Type),
		}, nil
	}

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess, err := m.sessions.GetOrCreate(ctx, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", sessionID, err)
	}

	if msg.Type == TriggerGet {
		if err := m.append(ctx, msg, sessionID, now, true, ""); err != nil {
			return nil, err
		}
		return &Result{OK: true, SessionID: sessionID, State: sess.State}, nil
	}

	if msg.IdempotencyKey == "" {
		reason := fmt.Sprintf("message type %q requires an idempotency key", msg.Type)
		if err := m.append(ctx, msg, sessionID, now, false, reason); err != nil {
			return nil, err
		}
		return &Result{
			OK:        false,
			SessionID: sessionID,
			State:     sess.State,
			ErrorCode: errs.CodeValidation,
			Message:   reason,
		}, nil
	}

	accepted := CanAcceptMessage(sess.State, msg.Type)
	reason := ""
	if !accepted {
		if msg.Type == TriggerFirewallRejected && sess.State == StateAgreed {
			reason = "transaction rejected by the firewall; session remains AGREED"
		} else {
			reason = fmt.Sprintf("trigger %q is not valid in state %s", msg.Type, sess.State)
		}
	}

	// The Append both logs the attempt and claims the idempotency key. A
	// duplicate claim means this exact message was already processed: return
	// the current state and touch nothing.
	if err := m.append(ctx, msg, sessionID, now, accepted, reason); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			fresh, gerr := m.sessions.Get(ctx, sessionID)
			if gerr != nil {
				return nil, fmt.Errorf("session: reload %s after replay: %w", sessionID, gerr)
			}
			return &Result{OK: true, SessionID: sessionID, State: fresh.State, Replay: true}, nil
		}
		return nil, err
	}

	if !accepted {
		return &Result{
			OK:        false,
			SessionID: sessionID,
			State:     sess.State,
			ErrorCode: errs.CodeTransition,
			Message:   reason,
		}, nil
	}

	next, _ := NextState(sess.State, msg.Type)
	if err := m.sessions.Transition(ctx, sessionID, sess.State, next, now); err != nil {
		if errors.Is(err, ErrStaleState) {
			m.logger.Warn("transition lost a concurrent race",
				"session_id", sessionID, "from", sess.State, "trigger", msg.Type)
			fresh, gerr := m.sessions.Get(ctx, sessionID)
			if gerr != nil {
				return nil, fmt.Errorf("session: reload %s after race: %w", sessionID, gerr)
			}
			return &Result{
				OK:        false,
				SessionID: sessionID,
				State:     fresh.State,
				ErrorCode: errs.CodeConcurrency,
				Message:   fmt.Sprintf("session moved to %s concurrently; message not applied", fresh.State),
			}, nil
		}
		return nil, fmt.Errorf("session: transition %s: %w", sessionID, err)
	}

	return &Result{OK: true, SessionID: sessionID, State: next}, nil
}

func (m *Manager) append(ctx context.Context, msg Message, sessionID string, now time.Time, accepted bool, reason string) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = now
	}
	ev := &Event{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		IdempotencyKey: msg.IdempotencyKey,
		Type:           msg.Type,
		Actor:          msg.Actor,
		Timestamp:      ts,
		Payload:        msg.Payload,
		Accepted:       accepted,
		Error:          reason,
		CreatedAt:      now,
	}
	if err := m.events.Append(ctx, ev); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return err
		}
		return fmt.Errorf("session: append event for %s: %w", sessionID, err)
	}
	return nil
}
