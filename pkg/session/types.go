// Package session implements the conversation protocol between agents and
// providers: a persisted state machine driven by typed messages, with
// at-most-once message delivery enforced through idempotency keys and an
// append-only event log.
package session

import (
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/tollgate/pkg/errs"
)

// State is a conversation session state.
type State string

const (
	StateNew              State = "NEW"
	StateDiscovered       State = "DISCOVERED"
	StateNegotiating      State = "NEGOTIATING"
	StateAgreed           State = "AGREED"
	StateFirewallApproved State = "FIREWALL_APPROVED"
	StatePaymentRequired  State = "PAYMENT_REQUIRED"
	StatePaid             State = "PAID"
	StateCancelled        State = "CANCELLED"
)

// Terminal reports whether no trigger can move the session further.
func (s State) Terminal() bool {
	return s == StatePaid || s == StateCancelled
}

// Trigger is a conversation message type.
type Trigger string

const (
	TriggerDiscover         Trigger = "discover"
	TriggerNegotiateStart   Trigger = "negotiate.start"
	TriggerNegotiateAccept  Trigger = "negotiate.accept"
	TriggerNegotiateReject  Trigger = "negotiate.reject"
	TriggerCancel           Trigger = "session.cancel"
	TriggerFirewallApproved Trigger = "firewall.check.approved"
	TriggerFirewallRejected Trigger = "firewall.check.rejected"
	TriggerPayRequest       Trigger = "pay.request"
	TriggerPayProof         Trigger = "pay.proof"
	TriggerGet              Trigger = "session.get"

	// TriggerFirewallCheck is the wire-level message type. It never reaches
	// the state machine directly: the API boundary runs the firewall and
	// substitutes the approved or rejected trigger for the verdict.
	TriggerFirewallCheck Trigger = "firewall.check"
)

// Session is one agent/provider conversation. Sessions are created lazily on
// first reference and retained forever for audit.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Actor identifies the sender of a message.
type Actor struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Message is the inbound conversation envelope.
type Message struct {
	SessionID      string          `json:"session_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Type           Trigger         `json:"type"`
	Actor          Actor           `json:"actor"`
	Timestamp      time.Time       `json:"ts"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Event is one audit-log row. Every inbound message produces exactly one
// event, accepted or not; rows are never updated or deleted.
type Event struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"session_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Type           Trigger         `json:"type"`
	Actor          Actor           `json:"actor"`
	Timestamp      time.Time       `json:"ts"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Accepted       bool            `json:"accepted"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Result is the outcome of applying one message.
type Result struct {
	OK        bool      `json:"ok"`
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	Replay    bool      `json:"replay,omitempty"`
	ErrorCode errs.Code `json:"error,omitempty"`
	Message   string    `json:"message,omitempty"`
}
