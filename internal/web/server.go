// Package web serves the management API: enrollment, directory and quota
// administration, VM lifecycle, fleet inspection, and the SSE event stream.
// The agent channel listens on a separate mTLS listener; this server is the
// human- and automation-facing surface.
package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcat116/strato/internal/auth"
	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/directory"
	"github.com/samcat116/strato/internal/enroll"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/identity"
	"github.com/samcat116/strato/internal/ledger"
	"github.com/samcat116/strato/internal/lifecycle"
	"github.com/samcat116/strato/internal/registry"
	"github.com/samcat116/strato/internal/store"
	"github.com/samcat116/strato/internal/strerr"
)

// SessionCookie is the browser session cookie name.
const SessionCookie = "strato_session"

// Authorizer answers permission checks for management operations the
// lifecycle coordinator does not already guard itself.
type Authorizer interface {
	Check(ctx context.Context, subject, permission, resource string) error
}

// AuditLog records management operations.
type AuditLog interface {
	AppendAudit(store.AuditEntry) error
	ListAudit(limit int) ([]store.AuditEntry, error)
}

// Dependencies is everything the API server needs from the rest of the
// control plane.
type Dependencies struct {
	Directory *directory.Service
	Lifecycle *lifecycle.Coordinator
	Ledger    *ledger.Ledger
	Registry  *registry.Registry
	Enroll    *enroll.Service
	Identity  *identity.Service
	Auth      *auth.Service
	Authz     Authorizer
	Bus       *events.Bus
	Audit     AuditLog
	Clock     clock.Clock
	Log       *slog.Logger
}

// Server is the management API HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
	log    *slog.Logger
}

func New(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		log:  deps.Log.With("component", "web"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	authed := s.requireAuth

	// Unauthenticated surface: login, agent bootstrap, trust material.
	s.mux.HandleFunc("POST /login", s.apiLogin)
	s.mux.HandleFunc("POST /enroll", s.apiEnroll)
	s.mux.HandleFunc("GET /ca", s.apiTrustBundle)
	s.mux.HandleFunc("GET /crl", s.apiCRL)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Session and API key management.
	s.mux.Handle("POST /logout", authed(s.apiLogout))
	s.mux.Handle("GET /api/me", authed(s.apiMe))
	s.mux.Handle("POST /api/me/password", authed(s.apiChangePassword))
	s.mux.Handle("POST /api/keys", authed(s.apiCreateAPIKey))
	s.mux.Handle("GET /api/keys", authed(s.apiListAPIKeys))
	s.mux.Handle("DELETE /api/keys/{id}", authed(s.apiRevokeAPIKey))

	// Enrollment token minting is a fleet-management operation.
	s.mux.Handle("POST /enroll/token", authed(s.apiMintToken))

	// Directory.
	s.mux.Handle("POST /api/users", authed(s.apiCreateUser))
	s.mux.Handle("GET /api/users", authed(s.apiListUsers))
	s.mux.Handle("GET /api/users/{id}", authed(s.apiGetUser))
	s.mux.Handle("POST /api/users/{id}/password", authed(s.apiSetUserPassword))

	s.mux.Handle("POST /api/organizations", authed(s.apiCreateOrganization))
	s.mux.Handle("GET /api/organizations", authed(s.apiListOrganizations))
	s.mux.Handle("GET /api/organizations/{id}", authed(s.apiGetOrganization))
	s.mux.Handle("DELETE /api/organizations/{id}", authed(s.apiDeleteOrganization))

	s.mux.Handle("POST /api/orgunits", authed(s.apiCreateOrgUnit))
	s.mux.Handle("GET /api/orgunits/{id}", authed(s.apiGetOrgUnit))
	s.mux.Handle("POST /api/orgunits/{id}/move", authed(s.apiMoveOrgUnit))
	s.mux.Handle("DELETE /api/orgunits/{id}", authed(s.apiDeleteOrgUnit))

	s.mux.Handle("POST /api/projects", authed(s.apiCreateProject))
	s.mux.Handle("GET /api/projects", authed(s.apiListProjects))
	s.mux.Handle("GET /api/projects/{id}", authed(s.apiGetProject))
	s.mux.Handle("DELETE /api/projects/{id}", authed(s.apiDeleteProject))
	s.mux.Handle("POST /api/projects/{id}/environments", authed(s.apiAddEnvironment))
	s.mux.Handle("DELETE /api/projects/{id}/environments/{env}", authed(s.apiRemoveEnvironment))
	s.mux.Handle("PUT /api/projects/{id}/environments/default", authed(s.apiSetDefaultEnvironment))
	s.mux.Handle("GET /api/projects/{id}/vms", authed(s.apiListProjectVMs))

	s.mux.Handle("POST /api/groups", authed(s.apiCreateGroup))
	s.mux.Handle("GET /api/groups/{id}", authed(s.apiGetGroup))
	s.mux.Handle("DELETE /api/groups/{id}", authed(s.apiDeleteGroup))
	s.mux.Handle("POST /api/groups/{id}/members", authed(s.apiAddGroupMember))
	s.mux.Handle("DELETE /api/groups/{id}/members/{user}", authed(s.apiRemoveGroupMember))

	// Quotas.
	s.mux.Handle("POST /api/quotas", authed(s.apiCreateQuota))
	s.mux.Handle("GET /api/quotas", authed(s.apiListQuotas))
	s.mux.Handle("GET /api/quotas/{id}", authed(s.apiGetQuota))
	s.mux.Handle("PUT /api/quotas/{id}/limits", authed(s.apiUpdateQuotaLimits))
	s.mux.Handle("PUT /api/quotas/{id}/enabled", authed(s.apiSetQuotaEnabled))
	s.mux.Handle("DELETE /api/quotas/{id}", authed(s.apiDeleteQuota))

	// VM lifecycle. The coordinator performs its own permission checks.
	s.mux.Handle("POST /api/vms", authed(s.apiCreateVM))
	s.mux.Handle("GET /api/vms/{id}", authed(s.apiGetVM))
	s.mux.Handle("POST /api/vms/{id}/start", authed(s.apiStartVM))
	s.mux.Handle("POST /api/vms/{id}/stop", authed(s.apiStopVM))
	s.mux.Handle("POST /api/vms/{id}/restart", authed(s.apiRestartVM))
	s.mux.Handle("DELETE /api/vms/{id}", authed(s.apiDeleteVM))

	// Fleet.
	s.mux.Handle("GET /api/agents", authed(s.apiListAgents))
	s.mux.Handle("GET /api/agents/{id}", authed(s.apiGetAgent))
	s.mux.Handle("DELETE /api/agents/{id}", authed(s.apiRemoveAgent))
	s.mux.Handle("POST /api/agents/{id}/revoke", authed(s.apiRevokeAgentCert))

	// Observability.
	s.mux.Handle("GET /api/events", authed(s.apiSSE))
	s.mux.Handle("GET /api/audit", authed(s.apiListAudit))
}

// ListenAndServe starts the management listener.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // SSE connections are long-lived
		IdleTimeout:       120 * time.Second,
	}
	s.log.Info("management api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Handler exposes the mux for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type ctxKey int

const userKey ctxKey = 0

// requireAuth resolves the caller from the session cookie or an sk_ bearer
// token and stores the user on the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errBody{Error: "authentication required", Kind: string(strerr.KindPermissionDenied)})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

func (s *Server) authenticate(r *http.Request) (core.User, error) {
	if bearer := bearerToken(r); bearer != "" {
		return s.deps.Auth.ValidateAPIKey(bearer)
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return s.deps.Auth.ValidateSession(c.Value)
	}
	return core.User{}, strerr.New(strerr.KindPermissionDenied, "no credentials presented")
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// caller returns the authenticated user placed on the context by requireAuth.
func caller(r *http.Request) core.User {
	u, _ := r.Context().Value(userKey).(core.User)
	return u
}

type errBody struct {
	Error         string `json:"error"`
	Kind          string `json:"kind,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps a service error onto the wire. Internal errors get a
// correlation id logged server-side; their detail never leaves the process.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	kind := strerr.KindOf(err)
	status := strerr.HTTPStatus(kind)
	if status == http.StatusInternalServerError {
		id := correlationID()
		s.log.Error("internal error", "correlation_id", id, "error", err)
		writeJSON(w, status, errBody{Error: "internal error", Kind: string(kind), CorrelationID: id})
		return
	}
	writeJSON(w, status, errBody{Error: err.Error(), Kind: string(kind)})
}

func correlationID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// decode parses a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return strerr.Wrap(strerr.KindBadRequest, err, "decode request body")
	}
	return nil
}

// audit records a management operation; failures are logged, never surfaced.
func (s *Server) audit(actor, action, resource, detail string) {
	if s.deps.Audit == nil {
		return
	}
	e := store.AuditEntry{
		Time:     s.deps.Clock.Now().UTC(),
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Detail:   detail,
	}
	if err := s.deps.Audit.AppendAudit(e); err != nil {
		s.log.Warn("append audit entry", "action", action, "error", err)
	}
}
