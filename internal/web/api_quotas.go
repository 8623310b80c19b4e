package web

import (
	"net/http"

	"github.com/samcat116/strato/internal/authz"
	"github.com/samcat116/strato/internal/core"
)

func (s *Server) checkManageQuota(r *http.Request, scope core.ScopeRef) error {
	return s.deps.Authz.Check(r.Context(), authz.UserRef(caller(r).ID), authz.PermManageQuotas,
		authz.ResourceRef(string(scope.Kind), scope.ID))
}

func (s *Server) apiCreateQuota(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScopeKind   string           `json:"scope_kind"`
		ScopeID     string           `json:"scope_id"`
		Environment string           `json:"environment"`
		Limits      core.QuotaLimits `json:"limits"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	scope := core.ScopeRef{Kind: core.ScopeKind(req.ScopeKind), ID: req.ScopeID}
	if err := s.checkManageQuota(r, scope); err != nil {
		s.writeErr(w, err)
		return
	}
	q, err := s.deps.Ledger.CreateQuota(scope, req.Environment, req.Limits)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "ledger.create_quota", "quota:"+q.ID, req.ScopeKind+":"+req.ScopeID)
	writeJSON(w, http.StatusCreated, q)
}

func (s *Server) apiListQuotas(w http.ResponseWriter, r *http.Request) {
	if kind := r.URL.Query().Get("scope_kind"); kind != "" {
		scope := core.ScopeRef{Kind: core.ScopeKind(kind), ID: r.URL.Query().Get("scope_id")}
		qs, err := s.deps.Ledger.ListQuotasByScope(scope)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, qs)
		return
	}
	qs, err := s.deps.Ledger.ListQuotas()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (s *Server) apiGetQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.deps.Ledger.GetQuota(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) apiUpdateQuotaLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limits core.QuotaLimits `json:"limits"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id := r.PathValue("id")
	q, err := s.deps.Ledger.GetQuota(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.checkManageQuota(r, q.Scope); err != nil {
		s.writeErr(w, err)
		return
	}
	q, err = s.deps.Ledger.UpdateLimits(id, req.Limits)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "ledger.update_quota_limits", "quota:"+id, "")
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) apiSetQuotaEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id := r.PathValue("id")
	q, err := s.deps.Ledger.GetQuota(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.checkManageQuota(r, q.Scope); err != nil {
		s.writeErr(w, err)
		return
	}
	q, err = s.deps.Ledger.SetEnabled(id, req.Enabled)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "ledger.set_quota_enabled", "quota:"+id, "")
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) apiDeleteQuota(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q, err := s.deps.Ledger.GetQuota(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.checkManageQuota(r, q.Scope); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.deps.Ledger.DeleteQuota(id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "ledger.delete_quota", "quota:"+id, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
