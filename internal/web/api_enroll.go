package web

import (
	"net/http"

	"github.com/samcat116/strato/internal/authz"
)

// apiMintToken issues a single-use join token bound to an agent id.
// Minting is a fleet-management operation.
func (s *Server) apiMintToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	user := caller(r)
	if err := s.deps.Authz.Check(r.Context(), authz.UserRef(user.ID), authz.PermManageAgents, fleetResource); err != nil {
		s.writeErr(w, err)
		return
	}

	token, meta, err := s.deps.Enroll.Mint(req.AgentID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "enroll.mint_token", "agent:"+req.AgentID, "")
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"agent_id":   meta.AgentID,
		"expires_at": meta.ExpiresAt,
	})
}

// apiEnroll exchanges a join token and CSR for a signed certificate. This is
// the one unauthenticated write endpoint; the token is the credential.
func (s *Server) apiEnroll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		CSR   []byte `json:"csr"` // DER, base64 on the wire
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}

	res, err := s.deps.Enroll.Enroll(req.Token, req.CSR)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":  res.AgentID,
		"cert":      string(res.CertPEM),
		"ca_cert":   string(res.CACertPEM),
		"serial":    res.Serial,
		"spiffe_id": res.SPIFFEID,
	})
}

// apiTrustBundle serves the CA certificate chain as PEM.
func (s *Server) apiTrustBundle(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(s.deps.Identity.TrustBundlePEM())
}

// apiCRL serves the current certificate revocation list as DER.
func (s *Server) apiCRL(w http.ResponseWriter, _ *http.Request) {
	crl, err := s.deps.Identity.CRL()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/pkix-crl")
	_, _ = w.Write(crl)
}
