package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/tollgate/pkg/audit"
	"github.com/Mindburn-Labs/tollgate/pkg/errs"
	"github.com/Mindburn-Labs/tollgate/pkg/session"
)

// SessionView is the session detail response: current state plus the most
// recent event rows, newest first.
type SessionView struct {
	Session *session.Session `json:"session"`
	Events  []*session.Event `json:"events"`
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	ag, ok := AgentFromContext(r.Context())
	if !ok {
		WriteUnauthorized(w, r, "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var msg session.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		WriteBadRequest(w, r, "Invalid request body")
		return
	}
	if msg.Type == session.TriggerFirewallCheck {
		WriteBadRequest(w, r, "firewall.check is served by POST /api/firewall/check")
		return
	}

	// The sender identity is the authenticated agent, never the payload.
	msg.Actor = session.Actor{Kind: "agent", ID: ag.ID}

	result, err := s.sessions.Apply(r.Context(), msg)
	if err != nil {
		WriteErr(w, r, err)
		return
	}
	if s.obs != nil {
		s.obs.RecordTransition(r.Context(), string(msg.Type), result.OK)
	}
	s.audit(r.Context(), audit.Actor{Kind: "agent", ID: ag.ID}, audit.EventSession,
		"conversation."+string(msg.Type), result.SessionID, map[string]any{
			"accepted": result.OK,
			"state":    string(result.State),
			"replay":   result.Replay,
		})

	status := http.StatusOK
	if !result.OK {
		status = errs.HTTPStatus(result.ErrorCode)
	}
	WriteJSON(w, status, result)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.sessionStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			WriteNotFound(w, r, "no such session")
			return
		}
		WriteInternal(w, r, err)
		return
	}

	events, err := s.events.ListBySession(r.Context(), id, 50)
	if err != nil {
		WriteInternal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, SessionView{Session: sess, Events: events})
}
