package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tollgate/pkg/agent"
	"github.com/Mindburn-Labs/tollgate/pkg/audit"
	"github.com/Mindburn-Labs/tollgate/pkg/policy"
	"github.com/Mindburn-Labs/tollgate/pkg/provider"
)

// PolicyRequest is the create/update payload for a policy. Config carries
// the typed envelope; it is schema-validated before it is decoded.
type PolicyRequest struct {
	Name    string          `json:"name"`
	Config  json.RawMessage `json:"config"`
	Enabled bool            `json:"enabled"`
}

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	policies, err := s.policies.List(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, policies)
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.policies.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			WriteNotFound(w, r, "no such policy")
			return
		}
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handlePolicyCreate(w http.ResponseWriter, r *http.Request) {
	req, cfg, ok := s.decodePolicy(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	p := &policy.Policy{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Config:    cfg,
		Enabled:   req.Enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.policies.Create(r.Context(), p); err != nil {
		WriteInternal(w, r, err)
		return
	}
	s.auditAdmin(r, audit.EventPolicy, "policy.created", p.ID, map[string]any{
		"name": p.Name, "type": string(cfg.Type()), "enabled": p.Enabled,
	})
	WriteJSON(w, http.StatusCreated, p)
}

func (s *Server) handlePolicyUpdate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.policies.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			WriteNotFound(w, r, "no such policy")
			return
		}
		WriteInternal(w, r, err)
		return
	}

	req, cfg, ok := s.decodePolicy(w, r)
	if !ok {
		return
	}

	existing.Name = req.Name
	existing.Config = cfg
	existing.Enabled = req.Enabled
	existing.UpdatedAt = time.Now().UTC()
	if err := s.policies.Update(r.Context(), existing); err != nil {
		WriteInternal(w, r, err)
		return
	}
	s.auditAdmin(r, audit.EventPolicy, "policy.updated", id, map[string]any{
		"name": existing.Name, "type": string(cfg.Type()), "enabled": existing.Enabled,
	})
	WriteJSON(w, http.StatusOK, existing)
}

func (s *Server) handlePolicyDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.policies.Delete(r.Context(), id); err != nil {
		if errors.Is(err, policy.ErrNotFound) {
			WriteNotFound(w, r, "no such policy")
			return
		}
		WriteInternal(w, r, err)
		return
	}
	s.auditAdmin(r, audit.EventPolicy, "policy.deleted", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// decodePolicy reads the request, schema-validates the config envelope and
// decodes it into the typed config. Unknown types are rejected here so they
// can never enter the store silently.
func (s *Server) decodePolicy(w http.ResponseWriter, r *http.Request) (*PolicyRequest, policy.Config, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req PolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return nil, nil, false
	}
	if req.Name == "" || len(req.Config) == 0 {
		WriteBadRequest(w, r, "Missing required fields: name, config")
		return nil, nil, false
	}
	if err := policy.ValidateConfigDocument(req.Config); err != nil {
		WriteBadRequest(w, r, err.Error())
		return nil, nil, false
	}
	cfg, err := policy.DecodeConfig(req.Config)
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return nil, nil, false
	}
	if _, unknown := cfg.(policy.UnknownConfig); unknown {
		WriteBadRequest(w, r, "unknown policy type")
		return nil, nil, false
	}
	return &req, cfg, true
}

// AgentCreateRequest registers a new agent.
type AgentCreateRequest struct {
	SafeAddress       string   `json:"safe_address,omitempty"`
	AllowedCategories []string `json:"allowed_categories,omitempty"`
	DailyBudgetUSD    float64  `json:"daily_budget_usd"`
}

// AgentCreateResponse returns the new agent and its one-time plaintext key.
type AgentCreateResponse struct {
	Agent  *agent.Agent `json:"agent"`
	APIKey string       `json:"api_key"`
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.List(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	a, err := s.agents.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req AgentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	a, apiKey, err := s.agents.Create(r.Context(), agent.CreateParams{
		SafeAddress:       req.SafeAddress,
		AllowedCategories: req.AllowedCategories,
		DailyBudgetUSD:    req.DailyBudgetUSD,
	})
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	s.auditAdmin(r, audit.EventAgent, "agent.created", a.ID, map[string]any{
		"key_prefix": a.KeyPrefix, "daily_budget_usd": a.DailyBudgetUSD,
	})
	WriteJSON(w, http.StatusCreated, AgentCreateResponse{Agent: a, APIKey: apiKey})
}

func (s *Server) handleAgentRotate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	apiKey, err := s.agents.Rotate(r.Context(), id)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	s.auditAdmin(r, audit.EventAgent, "agent.rotated", id, nil)
	WriteJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

func (s *Server) handleAgentDisable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.agents.Disable(r.Context(), id); err != nil {
		WriteErr(w, r, err)
		return
	}
	s.auditAdmin(r, audit.EventAgent, "agent.disabled", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentEnable(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.agents.Enable(r.Context(), id); err != nil {
		WriteErr(w, r, err)
		return
	}
	s.auditAdmin(r, audit.EventAgent, "agent.enabled", id, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviderList(w http.ResponseWriter, r *http.Request) {
	providers, err := s.providers.List(r.Context())
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, providers)
}

func (s *Server) handleProviderRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var p provider.Provider
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	if p.ID == "" || p.ExpectedRecipient == "" {
		WriteBadRequest(w, r, "Missing required fields: id, expected_recipient")
		return
	}
	if err := s.providers.Register(r.Context(), &p); err != nil {
		WriteInternal(w, r, err)
		return
	}
	s.auditAdmin(r, audit.EventAgent, "provider.registered", p.ID, map[string]any{
		"expected_recipient": p.ExpectedRecipient, "trust_score": p.TrustScore,
	})
	WriteJSON(w, http.StatusCreated, &p)
}

// auditAdmin records an administrative action attributed to the token subject.
func (s *Server) auditAdmin(r *http.Request, t audit.EventType, action, resource string, metadata map[string]any) {
	actor := audit.SystemActor
	if claims, ok := ClaimsFromContext(r.Context()); ok {
		actor = audit.Actor{Kind: "admin", ID: claims.Subject}
	}
	s.audit(r.Context(), actor, t, action, resource, metadata)
}
