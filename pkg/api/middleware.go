package api

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tollgate/pkg/agent"
	"github.com/Mindburn-Labs/tollgate/pkg/audit"
	"github.com/Mindburn-Labs/tollgate/pkg/errs"
	"github.com/Mindburn-Labs/tollgate/pkg/identity"
	"github.com/Mindburn-Labs/tollgate/pkg/ratelimit"
	"github.com/Mindburn-Labs/tollgate/pkg/signing"
)

type ctxKey int

const (
	ctxKeyAgent ctxKey = iota
	ctxKeyClaims
	ctxKeyRequestID
)

// AgentFromContext returns the authenticated agent, if any.
func AgentFromContext(ctx context.Context) (*agent.Agent, bool) {
	a, ok := ctx.Value(ctxKeyAgent).(*agent.Agent)
	return a, ok
}

// ClaimsFromContext returns the validated admin claims, if any.
func ClaimsFromContext(ctx context.Context) (*identity.AdminClaims, bool) {
	c, ok := ctx.Value(ctxKeyClaims).(*identity.AdminClaims)
	return c, ok
}

// RequestIDFromContext returns the request id assigned by RequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// RequestID assigns each request an id, honoring an inbound X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, id)))
	})
}

// agentAuth authenticates agent-facing routes via the X-API-Key header and
// stores the agent in the request context.
func (s *Server) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		a, err := s.agents.Authenticate(r.Context(), key)
		if err != nil {
			code := errs.CodeOf(err)
			if s.obs != nil {
				s.obs.RecordAuthFailure(r.Context(), string(code))
			}
			s.audit(r.Context(), audit.Actor{Kind: "agent", ID: redactKey(key)},
				audit.EventSecurity, "auth.failed", r.URL.Path,
				map[string]any{"code": string(code)})
			WriteErr(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyAgent, a)))
	})
}

// adminAuth validates a Bearer token and requires the given role.
func (s *Server) adminAuth(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			WriteUnauthorized(w, r, "Bearer token required")
			return
		}
		claims, err := s.tokens.Validate(raw)
		if err != nil {
			if s.obs != nil {
				s.obs.RecordAuthFailure(r.Context(), string(errs.CodeAuthInvalid))
			}
			WriteCode(w, r, errs.CodeAuthInvalid, "invalid or expired token")
			return
		}
		if !claims.HasRole(role) {
			s.audit(r.Context(), audit.Actor{Kind: "admin", ID: claims.Subject},
				audit.EventSecurity, "authz.denied", r.URL.Path,
				map[string]any{"required_role": role})
			WriteForbidden(w, r, "role "+role+" required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyClaims, claims)))
	})
}

// rateLimit applies the per-agent token bucket, falling back to the client
// IP for unauthenticated callers.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientIP(r)
		if a, ok := AgentFromContext(r.Context()); ok {
			key = "agent:" + a.ID
		}
		allowed, err := s.limiter.Allow(r.Context(), key, s.limitPolicy, 1)
		if err != nil {
			WriteCode(w, r, errs.CodeRetryable, "rate limiter unavailable")
			return
		}
		if !allowed {
			WriteTooManyRequests(w, retryAfterSecs(s.limitPolicy))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifySignature enforces detached request signatures when a verifier is
// configured. Requests carry the key id, client binding, timestamp, nonce
// and signature in headers; the body digest ties the signature to the
// payload.
func (s *Server) verifySignature(next http.Handler) http.Handler {
	if s.verifier == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			WriteBadRequest(w, r, "unreadable request body")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		req := signing.Request{
			Method:        r.Method,
			Path:          r.URL.Path,
			Host:          r.Host,
			ClientID:      r.Header.Get("X-Client-ID"),
			Timestamp:     r.Header.Get("X-Timestamp"),
			Nonce:         r.Header.Get("X-Nonce"),
			ContentDigest: signing.DigestBody(body),
		}
		if err := s.verifier.Verify(r.Context(), req, r.Header.Get("X-Signature"), r.Header.Get("X-Key-ID")); err != nil {
			if s.obs != nil {
				s.obs.RecordAuthFailure(r.Context(), string(errs.CodeAuthInvalid))
			}
			s.audit(r.Context(), audit.Actor{Kind: "client", ID: req.ClientID},
				audit.EventSecurity, "signature.rejected", r.URL.Path,
				map[string]any{"key_id": r.Header.Get("X-Key-ID"), "reason": err.Error()})
			WriteCode(w, r, errs.CodeAuthInvalid, "request signature verification failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retryAfterSecs(p ratelimit.Policy) int {
	rpm := p.RPM
	if rpm <= 0 {
		rpm = ratelimit.DefaultPolicy.RPM
	}
	secs := 60 / rpm
	if secs < 1 {
		secs = 1
	}
	return secs
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return "ip:" + ip
}

// redactKey keeps only the display prefix of an API key for audit lines.
func redactKey(key string) string {
	if p := agent.DisplayPrefix(key); p != "" {
		return p
	}
	return strconv.Itoa(len(key)) + "-char key"
}
