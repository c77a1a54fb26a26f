package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Mindburn-Labs/tollgate/pkg/agent"
	"github.com/Mindburn-Labs/tollgate/pkg/audit"
	"github.com/Mindburn-Labs/tollgate/pkg/firewall"
	"github.com/Mindburn-Labs/tollgate/pkg/identity"
	"github.com/Mindburn-Labs/tollgate/pkg/observability"
	"github.com/Mindburn-Labs/tollgate/pkg/policy"
	"github.com/Mindburn-Labs/tollgate/pkg/provider"
	"github.com/Mindburn-Labs/tollgate/pkg/ratelimit"
	"github.com/Mindburn-Labs/tollgate/pkg/session"
	"github.com/Mindburn-Labs/tollgate/pkg/signing"
)

// Options wires the server's collaborators. Engine, Sessions, SessionStore,
// Events, Verdicts, Policies, Providers, Agents, Tokens and Limiter are
// required; Verifier, Auditor, Exporter, Archive and Obs are optional.
type Options struct {
	Engine       *firewall.Engine
	Sessions     *session.Manager
	SessionStore session.Store
	Events       session.EventStore
	Verdicts     firewall.VerdictStore
	Policies     policy.Store
	Providers    provider.Registry
	Agents       *agent.Service
	Tokens       *identity.TokenManager
	Limiter      ratelimit.Limiter
	LimitPolicy  ratelimit.Policy

	Verifier *signing.Verifier
	Auditor  audit.Logger
	Exporter *audit.Exporter
	Archive  audit.ArchiveStore
	Obs      *observability.Provider
}

// Server is the HTTP boundary. It owns no domain logic; every handler
// delegates to a collaborator and translates coded errors to RFC 7807
// responses.
type Server struct {
	engine       *firewall.Engine
	sessions     *session.Manager
	sessionStore session.Store
	events       session.EventStore
	verdicts     firewall.VerdictStore
	policies     policy.Store
	providers    provider.Registry
	agents       *agent.Service
	tokens       *identity.TokenManager
	limiter      ratelimit.Limiter
	limitPolicy  ratelimit.Policy
	verifier     *signing.Verifier
	auditor      audit.Logger
	exporter     *audit.Exporter
	archive      audit.ArchiveStore
	obs          *observability.Provider
	logger       *slog.Logger
}

// NewServer builds the HTTP boundary from its collaborators.
func NewServer(opts Options) *Server {
	lp := opts.LimitPolicy
	if lp.RPM <= 0 {
		lp = ratelimit.DefaultPolicy
	}
	return &Server{
		engine:       opts.Engine,
		sessions:     opts.Sessions,
		sessionStore: opts.SessionStore,
		events:       opts.Events,
		verdicts:     opts.Verdicts,
		policies:     opts.Policies,
		providers:    opts.Providers,
		agents:       opts.Agents,
		tokens:       opts.Tokens,
		limiter:      opts.Limiter,
		limitPolicy:  lp,
		verifier:     opts.Verifier,
		auditor:      opts.Auditor,
		exporter:     opts.Exporter,
		archive:      opts.Archive,
		obs:          opts.Obs,
		logger:       slog.Default().With("component", "api"),
	}
}

// Handler builds the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Agent-facing surface: API-key auth, rate limiting, optional request
	// signatures on the firewall check.
	agentChain := func(h http.HandlerFunc) http.Handler {
		return s.agentAuth(s.rateLimit(h))
	}
	mux.Handle("POST /api/firewall/check", s.agentAuth(s.rateLimit(s.verifySignature(http.HandlerFunc(s.handleFirewallCheck)))))
	mux.Handle("POST /api/conversation", agentChain(s.handleConversation))
	mux.Handle("GET /api/sessions/{id}", agentChain(s.handleSessionGet))

	// Administrative surface: JWT with role checks.
	operator := func(h http.HandlerFunc) http.Handler {
		return s.adminAuth(identity.RoleOperator, h)
	}
	auditor := func(h http.HandlerFunc) http.Handler {
		return s.adminAuth(identity.RoleAuditor, h)
	}
	mux.Handle("GET /api/admin/policies", operator(s.handlePolicyList))
	mux.Handle("POST /api/admin/policies", operator(s.handlePolicyCreate))
	mux.Handle("GET /api/admin/policies/{id}", operator(s.handlePolicyGet))
	mux.Handle("PUT /api/admin/policies/{id}", operator(s.handlePolicyUpdate))
	mux.Handle("DELETE /api/admin/policies/{id}", operator(s.handlePolicyDelete))

	mux.Handle("GET /api/admin/agents", operator(s.handleAgentList))
	mux.Handle("POST /api/admin/agents", operator(s.handleAgentCreate))
	mux.Handle("GET /api/admin/agents/{id}", operator(s.handleAgentGet))
	mux.Handle("POST /api/admin/agents/{id}/rotate", operator(s.handleAgentRotate))
	mux.Handle("POST /api/admin/agents/{id}/disable", operator(s.handleAgentDisable))
	mux.Handle("POST /api/admin/agents/{id}/enable", operator(s.handleAgentEnable))

	mux.Handle("GET /api/admin/providers", operator(s.handleProviderList))
	mux.Handle("POST /api/admin/providers", operator(s.handleProviderRegister))

	mux.Handle("GET /api/admin/audit/verdicts", auditor(s.handleVerdictList))
	mux.Handle("GET /api/admin/audit/events", auditor(s.handleEventList))
	mux.Handle("POST /api/admin/audit/export", auditor(s.handleAuditExport))

	return RequestID(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// audit records an audit line, tolerating a nil logger.
func (s *Server) audit(ctx context.Context, actor audit.Actor, t audit.EventType, action, resource string, metadata map[string]any) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Record(ctx, actor, t, action, resource, metadata); err != nil {
		s.logger.WarnContext(ctx, "audit write failed", "action", action, "error", err)
	}
}
