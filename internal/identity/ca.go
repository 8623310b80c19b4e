// Package identity is Strato's built-in certificate authority. It issues
// SPIFFE-flavoured agent certificates for the mTLS agent channel and
// maintains the revocation list.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CA holds the root key pair and signs agent and server certificates.
// All certificates are ECDSA P-256. The root is self-signed with a 10-year
// validity; leaf validity is capped by the configured maximum.
type CA struct {
	certPath    string
	keyPath     string
	trustDomain string
	cert        *x509.Certificate
	key         *ecdsa.PrivateKey
	mu          sync.Mutex // serialises issuance and serial generation
}

// IssuedCert is the result of signing a CSR.
type IssuedCert struct {
	CertPEM        []byte
	Serial         string // hex, random 128-bit
	SPIFFEID       string
	KeyFingerprint string // SHA-256 of the subject public key, hex
	IssuedAt       time.Time
	NotAfter       time.Time
}

// EnsureCA loads the CA key pair from dir, generating a fresh one when the
// directory holds none. Existing-but-unreadable CA material is an error, not
// a trigger to regenerate: silently minting a new root would orphan every
// enrolled agent.
//
// Root cert: 10-year validity, IsCA, KeyUsageCertSign|CRLSign, leaf-only.
// File permissions: key 0600, cert 0644.
func EnsureCA(dir, trustDomain string) (*CA, error) {
	if trustDomain == "" {
		return nil, fmt.Errorf("trust domain must not be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create ca dir: %w", err)
	}

	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "ca-key.pem")

	if fileExists(certPath) || fileExists(keyPath) {
		ca, err := loadCA(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load existing ca: %w", err)
		}
		ca.trustDomain = trustDomain
		return ca, nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate ca serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "Strato CA", Organization: []string{trustDomain}},
		NotBefore:    now.Add(-1 * time.Hour), // small backdate to handle clock skew
		NotAfter:     now.Add(10 * 365 * 24 * time.Hour),

		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            0, // leaf-only CA, cannot issue sub-CAs
		MaxPathLenZero:        true,

		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create ca cert: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	if err := writeCertPEM(certPath, certDER, 0644); err != nil {
		return nil, err
	}
	if err := writeKeyPEM(keyPath, key); err != nil {
		return nil, err
	}

	return &CA{
		certPath:    certPath,
		keyPath:     keyPath,
		trustDomain: trustDomain,
		cert:        cert,
		key:         key,
	}, nil
}

// SPIFFEID returns the workload identity URI for an agent in this CA's trust
// domain.
func (ca *CA) SPIFFEID(agentID string) string {
	return fmt.Sprintf("spiffe://%s/agent/%s", ca.trustDomain, agentID)
}

// SignCSR signs a PKCS#10 CSR for an enrolling agent. The subject and SANs of
// the CSR are not trusted: CN and the SPIFFE URI SAN are set from agentID.
// Validity is clamped to maxValidity.
func (ca *CA) SignCSR(csrDER []byte, agentID string, maxValidity time.Duration) (IssuedCert, error) {
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("parse csr: %w", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return IssuedCert{}, fmt.Errorf("csr signature invalid: %w", err)
	}

	spiffeID := ca.SPIFFEID(agentID)
	uri, err := url.Parse(spiffeID)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("build spiffe id: %w", err)
	}

	fingerprint, err := keyFingerprint(csr.PublicKey)
	if err != nil {
		return IssuedCert{}, err
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	serialNum, err := randomSerial()
	if err != nil {
		return IssuedCert{}, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	notAfter := now.Add(maxValidity)
	if notAfter.After(ca.cert.NotAfter) {
		notAfter = ca.cert.NotAfter
	}
	tmpl := &x509.Certificate{
		SerialNumber: serialNum,
		Subject:      pkix.Name{CommonName: agentID},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     notAfter,

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		URIs:                  []*url.URL{uri},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, csr.PublicKey, ca.key)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("sign agent cert: %w", err)
	}

	return IssuedCert{
		CertPEM:        pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}),
		Serial:         fmt.Sprintf("%x", serialNum),
		SPIFFEID:       spiffeID,
		KeyFingerprint: fingerprint,
		IssuedAt:       now,
		NotAfter:       notAfter,
	}, nil
}

// IssueServerCert generates a key pair and issues the agent-channel server
// certificate. SANs cover localhost, loopback, and the host's private IPs,
// plus any extra hostnames supplied.
func (ca *CA) IssueServerCert(hosts ...string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate server key: %w", err)
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "strato-server"},
		NotBefore:    now.Add(-1 * time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),

		KeyUsage: x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
			x509.ExtKeyUsageClientAuth,
		},
		BasicConstraintsValid: true,

		DNSNames:    append([]string{"localhost"}, hosts...),
		IPAddresses: privateIPs(),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("sign server cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal server key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}

// TrustBundlePEM returns the CA certificate in PEM form. Distributed to
// agents so they can verify the control plane during the mTLS handshake.
func (ca *CA) TrustBundlePEM() []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: ca.cert.Raw,
	})
}

// Cert returns the parsed CA certificate.
func (ca *CA) Cert() *x509.Certificate {
	return ca.cert
}

// CRLEntry is one revoked serial for CRL generation.
type CRLEntry struct {
	Serial    string // hex
	RevokedAt time.Time
}

// GenerateCRL signs a DER-encoded CRL covering the given entries. Serials
// that fail to parse as hex are skipped. nextUpdate controls how long
// verifiers may cache the list.
func (ca *CA) GenerateCRL(entries []CRLEntry, nextUpdate time.Duration) ([]byte, error) {
	revoked := make([]x509.RevocationListEntry, 0, len(entries))
	for _, e := range entries {
		serial, ok := new(big.Int).SetString(e.Serial, 16)
		if !ok {
			continue
		}
		revoked = append(revoked, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: e.RevokedAt,
		})
	}

	ca.mu.Lock()
	defer ca.mu.Unlock()

	now := time.Now()
	crlNumber, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("generate crl number: %w", err)
	}
	tmpl := &x509.RevocationList{
		Number:                    crlNumber,
		ThisUpdate:                now,
		NextUpdate:                now.Add(nextUpdate),
		RevokedCertificateEntries: revoked,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, ca.cert, ca.key)
	if err != nil {
		return nil, fmt.Errorf("sign crl: %w", err)
	}
	return der, nil
}

// keyFingerprint returns the hex SHA-256 of the PKIX encoding of a public key.
func keyFingerprint(pub any) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// --- internal helpers ---

func loadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ca key: %w", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in ca cert")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca cert: %w", err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in ca key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse ca key: %w", err)
	}

	return &CA{
		certPath: certPath,
		keyPath:  keyPath,
		cert:     cert,
		key:      key,
	}, nil
}

// randomSerial generates a cryptographically random 128-bit serial number,
// as recommended by CABForum for certificate serial numbers.
func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// privateIPs returns IP SANs for server certificates: loopback plus private
// unicast IPs from the host's interfaces, deduplicated.
func privateIPs() []net.IP {
	ips := []net.IP{
		net.ParseIP("127.0.0.1"),
		net.ParseIP("::1"),
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips // best effort; loopback is always available
	}

	seen := make(map[string]bool)
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipNet.IP.IsLoopback() || !ipNet.IP.IsPrivate() {
			continue
		}
		s := ipNet.IP.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		ips = append(ips, ipNet.IP)
	}
	return ips
}

func writeCertPEM(path string, certDER []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write cert %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: certDER}); err != nil {
		return fmt.Errorf("encode cert pem: %w", err)
	}
	return nil
}

func writeKeyPEM(path string, key *ecdsa.PrivateKey) error {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("write key %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		return fmt.Errorf("encode key pem: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
