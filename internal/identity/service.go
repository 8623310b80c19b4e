package identity

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/metrics"
	"github.com/samcat116/strato/internal/store"
	"github.com/samcat116/strato/internal/strerr"
)

// crlValidity is how long a published CRL stays fresh. The regeneration
// sweeper runs well inside this window.
const crlValidity = 24 * time.Hour

// CertStore is the persistence the identity service needs.
type CertStore interface {
	SaveCertificate(core.Certificate) error
	GetCertificate(serial string) (core.Certificate, error)
	ActiveCertificate(agentID string) (core.Certificate, error)
	FindCertificateByKey(fingerprint string) (core.Certificate, error)
	AddRevocation(store.RevocationRecord) error
	IsRevoked(serial string) (bool, error)
	ListRevocations() ([]store.RevocationRecord, error)
}

// Service issues and revokes agent certificates, enforcing two fleet-wide
// rules on top of the raw CA: a public key is bound to at most one agent, and
// each agent holds exactly one active certificate.
type Service struct {
	ca    *CA
	certs CertStore
	bus   *events.Bus
	clk   clock.Clock
	log   *slog.Logger

	maxValidity time.Duration

	// crlMu guards crl, the cached signed CRL. Revocations invalidate it;
	// the regeneration sweeper refreshes it inside the validity window.
	crlMu sync.Mutex
	crl   []byte
}

// NewService wires the CA to its certificate store.
func NewService(ca *CA, certs CertStore, bus *events.Bus, clk clock.Clock, log *slog.Logger, maxValidity time.Duration) *Service {
	return &Service{
		ca:          ca,
		certs:       certs,
		bus:         bus,
		clk:         clk,
		log:         log.With("component", "identity"),
		maxValidity: maxValidity,
	}
}

// Issue signs a CSR for agentID and records the certificate. Any previously
// active certificate for the agent is revoked with reason "superseded" so the
// one-active-cert rule holds. A CSR whose public key is already bound to a
// different agent is refused.
func (s *Service) Issue(agentID string, csrDER []byte) (IssuedCert, error) {
	csr, err := s.ca.SignCSR(csrDER, agentID, s.maxValidity)
	if err != nil {
		return IssuedCert{}, strerr.New(strerr.KindBadRequest, "sign csr: %v", err)
	}

	existing, err := s.certs.FindCertificateByKey(csr.KeyFingerprint)
	switch {
	case err == nil && existing.AgentID != agentID:
		return IssuedCert{}, strerr.New(strerr.KindConflict, "public key already bound to agent %s", existing.AgentID)
	case err != nil && !errors.Is(err, store.ErrNotFound):
		return IssuedCert{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "look up key fingerprint")
	}

	if prior, err := s.certs.ActiveCertificate(agentID); err == nil {
		if err := s.revokeCert(prior, "superseded"); err != nil {
			return IssuedCert{}, err
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return IssuedCert{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "look up active certificate")
	}

	rec := core.Certificate{
		Serial:         csr.Serial,
		AgentID:        agentID,
		SPIFFEID:       csr.SPIFFEID,
		KeyFingerprint: csr.KeyFingerprint,
		IssuedAt:       csr.IssuedAt,
		NotAfter:       csr.NotAfter,
		Status:         core.CertActive,
	}
	if err := s.certs.SaveCertificate(rec); err != nil {
		return IssuedCert{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save certificate")
	}

	metrics.CertsIssued.Inc()
	s.log.Info("certificate issued", "agent", agentID, "serial", csr.Serial, "not_after", csr.NotAfter)
	return csr, nil
}

// Revoke marks a certificate revoked and records it for the next CRL.
func (s *Service) Revoke(serial, reason string) error {
	cert, err := s.certs.GetCertificate(serial)
	if errors.Is(err, store.ErrNotFound) {
		return strerr.New(strerr.KindNotFound, "certificate %s not found", serial)
	}
	if err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "load certificate")
	}
	if cert.Status == core.CertRevoked {
		return nil // already revoked, idempotent
	}
	return s.revokeCert(cert, reason)
}

func (s *Service) revokeCert(cert core.Certificate, reason string) error {
	now := s.clk.Now().UTC()
	cert.Status = core.CertRevoked
	cert.RevocationReason = reason
	cert.RevokedAt = now
	if err := s.certs.SaveCertificate(cert); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save revoked certificate")
	}
	if err := s.certs.AddRevocation(store.RevocationRecord{
		Serial:    cert.Serial,
		Reason:    reason,
		RevokedAt: now,
	}); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "record revocation")
	}

	// Drop the cached CRL so the next fetch includes this serial.
	s.crlMu.Lock()
	s.crl = nil
	s.crlMu.Unlock()

	metrics.CertsRevoked.Inc()
	s.bus.Publish(events.Event{
		Type:      events.EventCertRevoked,
		AgentID:   cert.AgentID,
		Message:   reason,
		Timestamp: now,
	})
	s.log.Info("certificate revoked", "agent", cert.AgentID, "serial", cert.Serial, "reason", reason)
	return nil
}

// IsRevoked reports whether a serial is on the revocation list.
func (s *Service) IsRevoked(serial string) (bool, error) {
	return s.certs.IsRevoked(serial)
}

// ActiveCertificate returns the current active certificate for an agent.
func (s *Service) ActiveCertificate(agentID string) (core.Certificate, error) {
	return s.certs.ActiveCertificate(agentID)
}

// TrustBundlePEM returns the CA certificate PEM for distribution.
func (s *Service) TrustBundlePEM() []byte {
	return s.ca.TrustBundlePEM()
}

// GenerateCRL signs a fresh DER CRL from the persisted revocation records and
// caches it for CRL.
func (s *Service) GenerateCRL() ([]byte, error) {
	recs, err := s.certs.ListRevocations()
	if err != nil {
		return nil, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list revocations")
	}
	entries := make([]CRLEntry, 0, len(recs))
	for _, r := range recs {
		entries = append(entries, CRLEntry{Serial: r.Serial, RevokedAt: r.RevokedAt})
	}
	der, err := s.ca.GenerateCRL(entries, crlValidity)
	if err != nil {
		return nil, strerr.Wrap(strerr.KindCAUnavailable, err, "generate crl")
	}

	s.crlMu.Lock()
	s.crl = der
	s.crlMu.Unlock()
	return der, nil
}

// CRL returns the cached CRL, signing one first if none has been generated
// since startup or since the last revocation.
func (s *Service) CRL() ([]byte, error) {
	s.crlMu.Lock()
	cached := s.crl
	s.crlMu.Unlock()
	if cached != nil {
		return cached, nil
	}
	return s.GenerateCRL()
}
