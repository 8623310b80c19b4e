// Package enroll implements single-use join tokens and the agent enrollment
// flow: token validation, CSR signing, and agent record creation.
package enroll

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/identity"
	"github.com/samcat116/strato/internal/store"
	"github.com/samcat116/strato/internal/strerr"
)

// MaxTokenTTL caps join token lifetime regardless of configuration.
const MaxTokenTTL = 15 * time.Minute

// tokenIDLen is the plaintext prefix used as the lookup id.
const tokenIDLen = 8

// Store is the persistence the enrollment service needs.
type Store interface {
	SaveJoinToken(core.JoinToken) error
	GetJoinToken(id string) (core.JoinToken, error)
	ConsumeJoinToken(id string) (core.JoinToken, error)
	SaveAgent(core.Agent) error
	GetAgent(id string) (core.Agent, error)
}

// Result is what a successfully enrolled agent receives.
type Result struct {
	AgentID   string
	CertPEM   []byte
	CACertPEM []byte
	Serial    string
	SPIFFEID  string
}

// Service mints join tokens and enrolls agents against the CA.
type Service struct {
	store    Store
	identity *identity.Service
	bus      *events.Bus
	clk      clock.Clock
	log      *slog.Logger
	tokenTTL time.Duration
}

// New builds the enrollment service. tokenTTL above MaxTokenTTL is clamped.
func New(st Store, id *identity.Service, bus *events.Bus, clk clock.Clock, log *slog.Logger, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 || tokenTTL > MaxTokenTTL {
		tokenTTL = MaxTokenTTL
	}
	return &Service{
		store:    st,
		identity: id,
		bus:      bus,
		clk:      clk,
		log:      log.With("component", "enroll"),
		tokenTTL: tokenTTL,
	}
}

// Mint creates a single-use join token bound to agentID. The plaintext is
// returned once; only its HMAC is persisted. The lookup id is the first 8 hex
// characters of the plaintext.
func (s *Service) Mint(agentID string) (string, core.JoinToken, error) {
	if agentID == "" {
		return "", core.JoinToken{}, strerr.New(strerr.KindBadRequest, "agent id is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", core.JoinToken{}, strerr.Wrap(strerr.KindInternal, err, "generate token")
	}
	token := hex.EncodeToString(raw)

	now := s.clk.Now().UTC()
	tok := core.JoinToken{
		ID:        token[:tokenIDLen],
		AgentID:   agentID,
		Hash:      s.hmacToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.store.SaveJoinToken(tok); err != nil {
		return "", core.JoinToken{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "persist token")
	}

	s.log.Info("join token minted", "id", tok.ID, "agent", agentID, "expires", tok.ExpiresAt.Format(time.RFC3339))
	return token, tok, nil
}

// Enroll validates a join token and signs the agent's CSR.
//
// The CSR subject CN must equal the agent id the token was minted for; the
// token is consumed before any certificate is issued so a failure later
// cannot be replayed.
func (s *Service) Enroll(token string, csrDER []byte) (Result, error) {
	if len(token) < tokenIDLen {
		return Result{}, strerr.New(strerr.KindPermissionDenied, "invalid join token")
	}
	if len(csrDER) == 0 {
		return Result{}, strerr.New(strerr.KindBadRequest, "csr is required")
	}

	tok, err := s.store.GetJoinToken(token[:tokenIDLen])
	if err != nil {
		s.log.Warn("enrollment failed: token lookup", "id", token[:tokenIDLen], "error", err)
		return Result{}, strerr.New(strerr.KindPermissionDenied, "invalid join token")
	}
	if tok.Used {
		return Result{}, strerr.New(strerr.KindPermissionDenied, "join token already used")
	}
	if s.clk.Now().After(tok.ExpiresAt) {
		return Result{}, strerr.New(strerr.KindPermissionDenied, "join token expired")
	}
	if !hmac.Equal(s.hmacToken(token), tok.Hash) {
		return Result{}, strerr.New(strerr.KindPermissionDenied, "invalid join token")
	}

	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return Result{}, strerr.New(strerr.KindBadRequest, "parse csr: %v", err)
	}
	if csr.Subject.CommonName != tok.AgentID {
		return Result{}, strerr.New(strerr.KindPermissionDenied,
			"csr subject %q does not match token agent %q", csr.Subject.CommonName, tok.AgentID)
	}

	// Consume before issuing so an issuance failure cannot be replayed.
	if _, err := s.store.ConsumeJoinToken(tok.ID); err != nil {
		if errors.Is(err, store.ErrTokenUsed) {
			return Result{}, strerr.New(strerr.KindPermissionDenied, "join token already used")
		}
		return Result{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "consume token")
	}

	issued, err := s.identity.Issue(tok.AgentID, csrDER)
	if err != nil {
		return Result{}, err
	}

	now := s.clk.Now().UTC()
	agent, err := s.store.GetAgent(tok.AgentID)
	if err != nil {
		agent = core.Agent{ID: tok.AgentID, EnrolledAt: now}
	}
	agent.Status = core.AgentConnecting
	agent.CertSerial = issued.Serial
	if err := s.store.SaveAgent(agent); err != nil {
		return Result{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save agent")
	}

	s.bus.Publish(events.Event{
		Type:      events.EventAgentEnrolled,
		AgentID:   tok.AgentID,
		Message:   fmt.Sprintf("agent %s enrolled", tok.AgentID),
		Timestamp: now,
	})
	s.log.Info("agent enrolled", "agent", tok.AgentID, "serial", issued.Serial)

	return Result{
		AgentID:   tok.AgentID,
		CertPEM:   issued.CertPEM,
		CACertPEM: s.identity.TrustBundlePEM(),
		Serial:    issued.Serial,
		SPIFFEID:  issued.SPIFFEID,
	}, nil
}

// hmacToken computes HMAC-SHA256 of the plaintext using the CA certificate
// PEM as key material. The CA cert is unique per control plane and never
// leaves it, so no separate HMAC secret is needed.
func (s *Service) hmacToken(token string) []byte {
	mac := hmac.New(sha256.New, s.identity.TrustBundlePEM())
	mac.Write([]byte(token))
	return mac.Sum(nil)
}
