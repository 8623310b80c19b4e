package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testDomain = "strato.local"

func TestEnsureCA_CreatesNewCA(t *testing.T) {
	dir := t.TempDir()
	ca, err := EnsureCA(dir, testDomain)
	if err != nil {
		t.Fatalf("EnsureCA failed: %v", err)
	}

	// CA cert file should exist.
	if _, err := os.Stat(filepath.Join(dir, "ca.pem")); err != nil {
		t.Fatalf("ca.pem not found: %v", err)
	}

	// CA key file should exist with restricted permissions.
	info, err := os.Stat(filepath.Join(dir, "ca-key.pem"))
	if err != nil {
		t.Fatalf("ca-key.pem not found: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("ca-key.pem permissions: got %o, want 0600", perm)
	}

	if !ca.cert.IsCA {
		t.Error("CA cert should have IsCA=true")
	}
	if ca.cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("CA cert should have KeyUsageCertSign")
	}
	if ca.cert.KeyUsage&x509.KeyUsageCRLSign == 0 {
		t.Error("CA cert should have KeyUsageCRLSign")
	}
	if ca.cert.MaxPathLen != 0 || !ca.cert.MaxPathLenZero {
		t.Error("CA cert should be leaf-only (MaxPathLen=0, MaxPathLenZero=true)")
	}

	pub, ok := ca.cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("CA public key is not ECDSA")
	}
	if pub.Curve != elliptic.P256() {
		t.Error("CA key should use P-256 curve")
	}
}

func TestEnsureCA_LoadsExisting(t *testing.T) {
	dir := t.TempDir()

	ca1, err := EnsureCA(dir, testDomain)
	if err != nil {
		t.Fatalf("first EnsureCA failed: %v", err)
	}
	ca2, err := EnsureCA(dir, testDomain)
	if err != nil {
		t.Fatalf("second EnsureCA failed: %v", err)
	}

	// Same cert loaded twice; serials must match.
	if ca1.cert.SerialNumber.Cmp(ca2.cert.SerialNumber) != 0 {
		t.Error("reloaded CA should have the same serial number")
	}
}

func TestEnsureCA_CorruptFilesAreFatal(t *testing.T) {
	dir := t.TempDir()

	if _, err := EnsureCA(dir, testDomain); err != nil {
		t.Fatalf("EnsureCA failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ca-key.pem"), []byte("garbage"), 0600); err != nil {
		t.Fatalf("corrupt key: %v", err)
	}

	// Regenerating would orphan the fleet, so this must be an error.
	if _, err := EnsureCA(dir, testDomain); err == nil {
		t.Fatal("EnsureCA should fail on corrupt CA material")
	}
}

func TestSignCSR(t *testing.T) {
	ca := mustCA(t)

	csrDER := mustCSR(t, "agent-self-reported-name")
	issued, err := ca.SignCSR(csrDER, "agent-abc-123", 30*24*time.Hour)
	if err != nil {
		t.Fatalf("SignCSR failed: %v", err)
	}

	cert := mustParseCertPEM(t, issued.CertPEM)

	// CN is the control-plane-assigned agent id, not the CSR subject.
	if cert.Subject.CommonName != "agent-abc-123" {
		t.Errorf("signed cert CN: got %q, want %q", cert.Subject.CommonName, "agent-abc-123")
	}

	// SPIFFE URI SAN carries the workload identity.
	wantID := "spiffe://strato.local/agent/agent-abc-123"
	if issued.SPIFFEID != wantID {
		t.Errorf("SPIFFEID = %q, want %q", issued.SPIFFEID, wantID)
	}
	if len(cert.URIs) != 1 || cert.URIs[0].String() != wantID {
		t.Errorf("cert URIs = %v, want [%s]", cert.URIs, wantID)
	}

	// Agent certs are client-auth only.
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageServerAuth {
			t.Error("agent cert should NOT have ExtKeyUsageServerAuth")
		}
	}

	if issued.Serial == "" {
		t.Error("serial should be non-empty")
	}
	if issued.KeyFingerprint == "" {
		t.Error("key fingerprint should be non-empty")
	}

	verifyCertChain(t, ca, cert)
}

func TestSignCSR_ClampsValidity(t *testing.T) {
	ca := mustCA(t)

	// Ask for a validity longer than the CA's own lifetime.
	issued, err := ca.SignCSR(mustCSR(t, "x"), "agent-1", 100*365*24*time.Hour)
	if err != nil {
		t.Fatalf("SignCSR failed: %v", err)
	}
	if issued.NotAfter.After(ca.cert.NotAfter) {
		t.Errorf("leaf NotAfter %v exceeds CA NotAfter %v", issued.NotAfter, ca.cert.NotAfter)
	}
}

func TestSignCSR_InvalidCSR(t *testing.T) {
	ca := mustCA(t)

	if _, err := ca.SignCSR([]byte("not a real CSR"), "agent-xyz", time.Hour); err == nil {
		t.Error("SignCSR should fail on invalid CSR DER")
	}
}

func TestSignCSR_UniqueSerials(t *testing.T) {
	ca := mustCA(t)

	serials := make(map[string]bool)
	for i := 0; i < 10; i++ {
		issued, err := ca.SignCSR(mustCSR(t, "n"), fmt.Sprintf("agent-%d", i), time.Hour)
		if err != nil {
			t.Fatalf("SignCSR #%d failed: %v", i, err)
		}
		if serials[issued.Serial] {
			t.Errorf("duplicate serial number: %s", issued.Serial)
		}
		serials[issued.Serial] = true
	}
}

func TestIssueServerCert(t *testing.T) {
	ca := mustCA(t)

	certPEM, keyPEM, err := ca.IssueServerCert("strato.example.com")
	if err != nil {
		t.Fatalf("IssueServerCert failed: %v", err)
	}

	cert := mustParseCertPEM(t, certPEM)

	hasServer, hasClient := false, false
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageServerAuth {
			hasServer = true
		}
		if u == x509.ExtKeyUsageClientAuth {
			hasClient = true
		}
	}
	if !hasServer || !hasClient {
		t.Errorf("server cert usages: ServerAuth=%v ClientAuth=%v, want both true", hasServer, hasClient)
	}

	foundLocalhost, foundExtra := false, false
	for _, name := range cert.DNSNames {
		switch name {
		case "localhost":
			foundLocalhost = true
		case "strato.example.com":
			foundExtra = true
		}
	}
	if !foundLocalhost || !foundExtra {
		t.Errorf("server cert DNS SANs = %v, want localhost and strato.example.com", cert.DNSNames)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		t.Fatal("server key PEM: no PEM block")
	}
	if _, err := x509.ParseECPrivateKey(block.Bytes); err != nil {
		t.Fatalf("server key PEM: parse failed: %v", err)
	}

	verifyCertChain(t, ca, cert)
}

func TestTrustBundlePEM(t *testing.T) {
	ca := mustCA(t)

	block, _ := pem.Decode(ca.TrustBundlePEM())
	if block == nil {
		t.Fatal("TrustBundlePEM returned invalid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse trust bundle: %v", err)
	}
	if !cert.IsCA {
		t.Error("trust bundle should be a CA certificate")
	}
	if cert.SerialNumber.Cmp(ca.cert.SerialNumber) != 0 {
		t.Error("trust bundle serial should match the CA's serial")
	}
}

func TestGenerateCRL(t *testing.T) {
	ca := mustCA(t)

	issued, err := ca.SignCSR(mustCSR(t, "a"), "agent-crl", time.Hour)
	if err != nil {
		t.Fatalf("SignCSR: %v", err)
	}

	der, err := ca.GenerateCRL([]CRLEntry{
		{Serial: issued.Serial, RevokedAt: time.Now()},
		{Serial: "zz-not-hex", RevokedAt: time.Now()}, // skipped
	}, 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateCRL: %v", err)
	}

	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		t.Fatalf("parse CRL: %v", err)
	}
	if err := crl.CheckSignatureFrom(ca.cert); err != nil {
		t.Errorf("CRL not signed by CA: %v", err)
	}
	if len(crl.RevokedCertificateEntries) != 1 {
		t.Fatalf("got %d revoked entries, want 1", len(crl.RevokedCertificateEntries))
	}
	if got := fmt.Sprintf("%x", crl.RevokedCertificateEntries[0].SerialNumber); got != issued.Serial {
		t.Errorf("revoked serial = %s, want %s", got, issued.Serial)
	}
	if !crl.NextUpdate.After(crl.ThisUpdate) {
		t.Error("NextUpdate should be after ThisUpdate")
	}
}

// --- test helpers ---

func mustCA(t *testing.T) *CA {
	t.Helper()
	ca, err := EnsureCA(t.TempDir(), testDomain)
	if err != nil {
		t.Fatalf("EnsureCA: %v", err)
	}
	return ca
}

// mustCSR builds a DER CSR with a fresh P-256 key and the given subject CN.
func mustCSR(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: cn},
	}, key)
	if err != nil {
		t.Fatalf("create CSR: %v", err)
	}
	return der
}

func mustParseCertPEM(t *testing.T, pemBytes []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		t.Fatal("no PEM block in cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse cert: %v", err)
	}
	return cert
}

func verifyCertChain(t *testing.T, ca *CA, cert *x509.Certificate) {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(ca.cert)

	usages := cert.ExtKeyUsage
	if len(usages) == 0 {
		usages = []x509.ExtKeyUsage{x509.ExtKeyUsageAny}
	}

	if _, err := cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: usages}); err != nil {
		t.Errorf("cert chain verification failed: %v", err)
	}
}
