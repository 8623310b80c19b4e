package identity

import (
	"bytes"
	"crypto/x509"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/store"
	"github.com/samcat116/strato/internal/strerr"
)

func testService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := NewService(mustCA(t), st, events.New(), clock.Real{}, slog.New(slog.DiscardHandler), 30*24*time.Hour)
	return svc, st
}

func TestIssue_RecordsCertificate(t *testing.T) {
	svc, st := testService(t)

	issued, err := svc.Issue("agent-1", mustCSR(t, "whatever"))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rec, err := st.ActiveCertificate("agent-1")
	if err != nil {
		t.Fatalf("ActiveCertificate: %v", err)
	}
	if rec.Serial != issued.Serial {
		t.Errorf("stored serial = %s, want %s", rec.Serial, issued.Serial)
	}
	if rec.Status != core.CertActive {
		t.Errorf("status = %s, want active", rec.Status)
	}
	if rec.SPIFFEID != "spiffe://strato.local/agent/agent-1" {
		t.Errorf("spiffe id = %s", rec.SPIFFEID)
	}
}

func TestIssue_SupersedesPriorCert(t *testing.T) {
	svc, st := testService(t)

	first, err := svc.Issue("agent-1", mustCSR(t, "a"))
	if err != nil {
		t.Fatalf("first Issue: %v", err)
	}
	second, err := svc.Issue("agent-1", mustCSR(t, "a"))
	if err != nil {
		t.Fatalf("second Issue: %v", err)
	}

	// Exactly one active cert: the newer one.
	active, err := st.ActiveCertificate("agent-1")
	if err != nil {
		t.Fatalf("ActiveCertificate: %v", err)
	}
	if active.Serial != second.Serial {
		t.Errorf("active serial = %s, want %s", active.Serial, second.Serial)
	}

	// The prior cert is revoked and on the revocation list.
	prior, err := st.GetCertificate(first.Serial)
	if err != nil {
		t.Fatal(err)
	}
	if prior.Status != core.CertRevoked || prior.RevocationReason != "superseded" {
		t.Errorf("prior cert = %+v, want revoked/superseded", prior)
	}
	revoked, err := svc.IsRevoked(first.Serial)
	if err != nil {
		t.Fatal(err)
	}
	if !revoked {
		t.Error("superseded serial should be on the revocation list")
	}
}

func TestIssue_RejectsReusedKey(t *testing.T) {
	svc, _ := testService(t)

	csr := mustCSR(t, "shared-key")
	if _, err := svc.Issue("agent-1", csr); err != nil {
		t.Fatalf("Issue agent-1: %v", err)
	}

	// Same key presented by a different agent must be refused.
	_, err := svc.Issue("agent-2", csr)
	if !strerr.IsKind(err, strerr.KindConflict) {
		t.Errorf("err = %v, want Conflict", err)
	}

	// Re-enrollment of the same agent with its own key is fine.
	if _, err := svc.Issue("agent-1", csr); err != nil {
		t.Errorf("re-issue for same agent: %v", err)
	}
}

func TestRevoke(t *testing.T) {
	svc, st := testService(t)

	issued, err := svc.Issue("agent-1", mustCSR(t, "a"))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.Revoke(issued.Serial, "compromised"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	// Idempotent.
	if err := svc.Revoke(issued.Serial, "compromised"); err != nil {
		t.Errorf("second Revoke: %v", err)
	}

	if _, err := st.ActiveCertificate("agent-1"); err == nil {
		t.Error("agent should have no active cert after revocation")
	}

	if err := svc.Revoke("ffff", "x"); !strerr.IsKind(err, strerr.KindNotFound) {
		t.Errorf("unknown serial err = %v, want NotFound", err)
	}
}

func TestGenerateCRL_IncludesRevocations(t *testing.T) {
	svc, _ := testService(t)

	issued, err := svc.Issue("agent-1", mustCSR(t, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Revoke(issued.Serial, "compromised"); err != nil {
		t.Fatal(err)
	}

	der, err := svc.GenerateCRL()
	if err != nil {
		t.Fatalf("GenerateCRL: %v", err)
	}
	if len(der) == 0 {
		t.Fatal("empty CRL")
	}
}

func TestCRLCachedUntilRevocation(t *testing.T) {
	svc, _ := testService(t)

	first, err := svc.CRL()
	if err != nil {
		t.Fatalf("CRL: %v", err)
	}
	// No revocation in between: the same signed artifact is served.
	again, err := svc.CRL()
	if err != nil {
		t.Fatalf("CRL: %v", err)
	}
	if !bytes.Equal(first, again) {
		t.Error("CRL re-signed without a revocation")
	}

	issued, err := svc.Issue("agent-1", mustCSR(t, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Revoke(issued.Serial, "compromised"); err != nil {
		t.Fatal(err)
	}

	// The revocation invalidates the cache; the next fetch carries it.
	fresh, err := svc.CRL()
	if err != nil {
		t.Fatalf("CRL after revoke: %v", err)
	}
	if bytes.Equal(first, fresh) {
		t.Error("revocation did not refresh the CRL")
	}
	list, err := x509.ParseRevocationList(fresh)
	if err != nil {
		t.Fatalf("parse CRL: %v", err)
	}
	if len(list.RevokedCertificateEntries) != 1 {
		t.Errorf("revoked entries = %d, want 1", len(list.RevokedCertificateEntries))
	}
}
