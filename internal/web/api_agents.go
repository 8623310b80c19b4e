package web

import (
	"net/http"

	"github.com/samcat116/strato/internal/authz"
	"github.com/samcat116/strato/internal/strerr"
)

func (s *Server) checkManageAgents(r *http.Request) error {
	return s.deps.Authz.Check(r.Context(), authz.UserRef(caller(r).ID), authz.PermManageAgents, fleetResource)
}

func (s *Server) apiListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Snapshot())
}

func (s *Server) apiGetAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.deps.Registry.Get(r.PathValue("id"))
	if !ok {
		s.writeErr(w, strerr.New(strerr.KindNotFound, "agent %s not found", r.PathValue("id")))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// apiRemoveAgent retires an agent from the fleet and revokes its active
// certificate so a lingering channel cannot survive removal.
func (s *Server) apiRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.checkManageAgents(r); err != nil {
		s.writeErr(w, err)
		return
	}
	id := r.PathValue("id")
	a, ok := s.deps.Registry.Get(id)
	if !ok {
		s.writeErr(w, strerr.New(strerr.KindNotFound, "agent %s not found", id))
		return
	}
	if a.CertSerial != "" {
		if err := s.deps.Identity.Revoke(a.CertSerial, "agent removed"); err != nil {
			s.writeErr(w, err)
			return
		}
	}
	if err := s.deps.Registry.Remove(id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "fleet.remove_agent", "agent:"+id, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// apiRevokeAgentCert revokes the agent's active certificate. The channel hub
// watches the revocation event and force-closes any live channel.
func (s *Server) apiRevokeAgentCert(w http.ResponseWriter, r *http.Request) {
	if err := s.checkManageAgents(r); err != nil {
		s.writeErr(w, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id := r.PathValue("id")
	cert, err := s.deps.Identity.ActiveCertificate(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.deps.Identity.Revoke(cert.Serial, req.Reason); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "identity.revoke_cert", "agent:"+id, req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked", "serial": cert.Serial})
}

func (s *Server) apiListAudit(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	if !user.SystemAdmin {
		writeJSON(w, http.StatusForbidden, errBody{Error: "admin required"})
		return
	}
	entries, err := s.deps.Audit.ListAudit(200)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
