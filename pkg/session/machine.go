package session

// transitions is the conversation state machine. A (state, trigger) pair
// absent from the table is an invalid transition. session.get is not listed:
// it is a read-only probe accepted in every state.
//
// The firewall verdict is encoded in the trigger itself. Only
// firewall.check.approved advances a session past AGREED; a rejected check
// arrives as firewall.check.rejected, which has no table entry, so the
// session cannot reach FIREWALL_APPROVED on a rejected verdict.
var transitions = map[State]map[Trigger]State{
	StateNew: {
		TriggerDiscover: StateDiscovered,
	},
	StateDiscovered: {
		TriggerNegotiateStart: StateNegotiating,
	},
	StateNegotiating: {
		TriggerNegotiateAccept: StateAgreed,
		TriggerNegotiateReject: StateCancelled,
		TriggerCancel:          StateCancelled,
	},
	StateAgreed: {
		TriggerFirewallApproved: StateFirewallApproved,
	},
	StateFirewallApproved: {
		TriggerPayRequest: StatePaymentRequired,
	},
	StatePaymentRequired: {
		TriggerPayProof: StatePaid,
	},
}

// validTriggers is the closed set of message types the protocol accepts.
var validTriggers = map[Trigger]bool{
	TriggerDiscover:         true,
	TriggerNegotiateStart:   true,
	TriggerNegotiateAccept:  true,
	TriggerNegotiateReject:  true,
	TriggerCancel:           true,
	TriggerFirewallApproved: true,
	TriggerFirewallRejected: true,
	TriggerPayRequest:       true,
	TriggerPayProof:         true,
	TriggerGet:              true,
}

// ValidTrigger reports whether t is a known message type.
func ValidTrigger(t Trigger) bool { return validTriggers[t] }

// NextState resolves the transition table for (from, trigger).
func NextState(from State, trigger Trigger) (State, bool) {
	next, ok := transitions[from][trigger]
	return next, ok
}

// CanAcceptMessage reports whether trigger is acceptable in state from. It
// layers the payment hard gate on top of the table: pay.request and
// pay.proof are rejected outright unless the session currently sits in
// FIREWALL_APPROVED or PAYMENT_REQUIRED, independent of what the table says.
func CanAcceptMessage(from State, trigger Trigger) bool {
	if trigger == TriggerGet {
		return true
	}
	if trigger == TriggerPayRequest || trigger == TriggerPayProof {
		if from != StateFirewallApproved && from != StatePaymentRequired {
			return false
		}
	}
	_, ok := NextState(from, trigger)
	return ok
}
