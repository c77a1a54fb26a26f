package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/tollgate/pkg/audit"
	"github.com/Mindburn-Labs/tollgate/pkg/firewall"
	"github.com/Mindburn-Labs/tollgate/pkg/session"
)

// CheckRequest is the firewall check payload. When SessionID is set the
// verdict is routed into the conversation as the matching approved or
// rejected trigger under the given idempotency key.
type CheckRequest struct {
	SessionID      string                    `json:"session_id,omitempty"`
	IdempotencyKey string                    `json:"idempotency_key,omitempty"`
	Transaction    firewall.TransactionInput `json:"transaction"`
	Provider       *firewall.ProviderContext `json:"provider,omitempty"`
	MinTrustScore  *int                      `json:"min_trust_score,omitempty"`
	KYCLevel       string                    `json:"kyc_level,omitempty"`
}

// CheckResponse pairs the verdict with the session outcome, if routed.
type CheckResponse struct {
	Verdict *firewall.Verdict `json:"verdict"`
	Session *session.Result   `json:"session,omitempty"`
}

func (s *Server) handleFirewallCheck(w http.ResponseWriter, r *http.Request) {
	ag, ok := AgentFromContext(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	if req.Transaction.To == "" || req.Transaction.Value == "" {
		WriteBadRequest(w, r, "Missing required fields: transaction.to, transaction.value")
		return
	}
	if req.Provider != nil && req.Provider.Category != "" && !s.categoryAllowed(ag.AllowedCategories, req.Provider.Category) {
		WriteBadRequest(w, r, "provider category not allowed for this agent")
		return
	}

	ctx, done := trackCheck(s, r, req.SessionID)

	// Metering is keyed by the deterministic transaction hash: a repeated
	// check of the same logical transaction upserts one verdict record and
	// must charge the budget once. Probe for a prior approval before the
	// engine writes this check's own record.
	priorApproval := false
	if txHash, herr := firewall.TransactionHash(req.Transaction); herr == nil && s.verdicts != nil {
		if rec, gerr := s.verdicts.Get(ctx, txHash); gerr == nil {
			priorApproval = rec.Verdict.Decision == firewall.DecisionApproved
		}
	}

	opts := firewall.CheckOptions{
		Provider:         req.Provider,
		MinTrustScore:    req.MinTrustScore,
		DailyBudgetLimit: &ag.DailyBudgetUSD,
		SpentTodayUSD:    ag.SpentTodayUSD,
		KYCLevel:         req.KYCLevel,
	}
	verdict, err := s.engine.CheckTransaction(ctx, req.Transaction, opts)
	if err != nil {
		done("", err)
		WriteErr(w, r, err)
		return
	}
	done(string(verdict.Decision), nil)

	if s.obs != nil {
		s.obs.RecordDecision(ctx, string(verdict.Decision), req.Transaction.ChainID)
	}
	s.audit(ctx, audit.Actor{Kind: "agent", ID: ag.ID}, audit.EventCheck,
		"firewall.check", verdict.TxHash, map[string]any{
			"decision":   string(verdict.Decision),
			"risk_level": verdict.RiskLevel,
			"session_id": req.SessionID,
		})

	if verdict.Decision == firewall.DecisionApproved && !priorApproval {
		if amount, aerr := s.engine.AmountUSD(req.Transaction.Value); aerr == nil {
			if serr := s.agents.RecordSpend(ctx, ag.ID, amount); serr != nil {
				s.logger.WarnContext(ctx, "spend metering failed",
					"agent_id", ag.ID, "amount_usd", amount, "error", serr)
			}
		}
	}

	resp := CheckResponse{Verdict: verdict}
	if req.SessionID != "" {
		result, aerr := s.sessions.Apply(ctx, session.Message{
			SessionID:      req.SessionID,
			IdempotencyKey: req.IdempotencyKey,
			Type:           session.TriggerForVerdict(verdict.Decision),
			Actor:          session.Actor{Kind: "agent", ID: ag.ID},
		})
		if aerr != nil {
			WriteErr(w, r, aerr)
			return
		}
		if s.obs != nil {
			s.obs.RecordTransition(ctx, string(session.TriggerForVerdict(verdict.Decision)), result.OK)
		}
		resp.Session = result
	}

	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) categoryAllowed(allowed []string, category string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, c := range allowed {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// trackCheck starts the check span when telemetry is wired, or degrades to
// a no-op pair.
func trackCheck(s *Server, r *http.Request, sessionID string) (context.Context, func(string, error)) {
	if s.obs != nil {
		return s.obs.TrackCheck(r.Context(), sessionID)
	}
	return r.Context(), func(string, error) {}
}
