package core

import "time"

// CertStatus is the lifecycle status of an issued certificate.
type CertStatus string

const (
	CertActive  CertStatus = "active"
	CertRevoked CertStatus = "revoked"
)

// Certificate is the control plane's record of an issued agent identity.
// Serial is the hex form of the random 128-bit serial number. Exactly one
// active certificate exists per agent at any time.
type Certificate struct {
	Serial           string     `json:"serial"`
	AgentID          string     `json:"agent_id"`
	SPIFFEID         string     `json:"spiffe_id"`
	KeyFingerprint   string     `json:"key_fingerprint"` // SHA-256 of the subject public key
	IssuedAt         time.Time  `json:"issued_at"`
	NotAfter         time.Time  `json:"not_after"`
	Status           CertStatus `json:"status"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	RevokedAt        time.Time  `json:"revoked_at,omitempty"`
}

// JoinToken is the persisted record of a single-use enrollment token. The
// plaintext is shown once at mint time; only the HMAC hash is stored.
type JoinToken struct {
	ID        string    `json:"id"`       // lookup id, prefix of the plaintext
	AgentID   string    `json:"agent_id"` // the only agent this token may enroll
	Hash      []byte    `json:"hash"`     // HMAC-SHA256 of the plaintext
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}
