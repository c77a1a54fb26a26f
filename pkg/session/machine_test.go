package session_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/tollgate/pkg/session"
)

var allStates = []session.State{
	session.StateNew, session.StateDiscovered, session.StateNegotiating,
	session.StateAgreed, session.StateFirewallApproved,
	session.StatePaymentRequired, session.StatePaid, session.StateCancelled,
}

var allTriggers = []session.Trigger{
	session.TriggerDiscover, session.TriggerNegotiateStart,
	session.TriggerNegotiateAccept, session.TriggerNegotiateReject,
	session.TriggerCancel, session.TriggerFirewallApproved,
	session.TriggerFirewallRejected, session.TriggerPayRequest,
	session.TriggerPayProof, session.TriggerGet,
}

func TestTransitionTable(t *testing.T) {
	want := map[session.State]map[session.Trigger]session.State{
		session.StateNew:        {session.TriggerDiscover: session.StateDiscovered},
		session.StateDiscovered: {session.TriggerNegotiateStart: session.StateNegotiating},
		session.StateNegotiating: {
			session.TriggerNegotiateAccept: session.StateAgreed,
			session.TriggerNegotiateReject: session.StateCancelled,
			session.TriggerCancel:          session.StateCancelled,
		},
		session.StateAgreed:           {session.TriggerFirewallApproved: session.StateFirewallApproved},
		session.StateFirewallApproved: {session.TriggerPayRequest: session.StatePaymentRequired},
		session.StatePaymentRequired:  {session.TriggerPayProof: session.StatePaid},
		session.StatePaid:             {},
		session.StateCancelled:        {},
	}

	for _, from := range allStates {
		for _, trigger := range allTriggers {
			next, ok := session.NextState(from, trigger)
			wantNext, wantOK := want[from][trigger]
			assert.Equal(t, wantOK, ok, "from %s trigger %s", from, trigger)
			if wantOK {
				assert.Equal(t, wantNext, next, "from %s trigger %s", from, trigger)
			}
		}
	}
}

func TestCanAcceptMessage_GetAlwaysAccepted(t *testing.T) {
	for _, from := range allStates {
		assert.True(t, session.CanAcceptMessage(from, session.TriggerGet), "state %s", from)
	}
}

func TestCanAcceptMessage_PaymentHardGate(t *testing.T) {
	for _, from := range allStates {
		gated := from == session.StateFirewallApproved || from == session.StatePaymentRequired
		for _, trigger := range []session.Trigger{session.TriggerPayRequest, session.TriggerPayProof} {
			got := session.CanAcceptMessage(from, trigger)
			if !gated {
				assert.False(t, got, "state %s trigger %s must be gated", from, trigger)
			}
		}
	}
}

func TestCanAcceptMessage_RejectedVerdictNeverAdvances(t *testing.T) {
	for _, from := range allStates {
		assert.False(t, session.CanAcceptMessage(from, session.TriggerFirewallRejected), "state %s", from)
	}
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, session.StatePaid.Terminal())
	assert.True(t, session.StateCancelled.Terminal())
	assert.False(t, session.StateAgreed.Terminal())
}

func TestValidTrigger(t *testing.T) {
	for _, trigger := range allTriggers {
		assert.True(t, session.ValidTrigger(trigger))
	}
	// The wire-level check type must be resolved to a verdict trigger
	// before it reaches the machine.
	assert.False(t, session.ValidTrigger(session.TriggerFirewallCheck))
	assert.False(t, session.ValidTrigger(session.Trigger("")))
}
