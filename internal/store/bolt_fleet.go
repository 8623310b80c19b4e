package store

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/samcat116/strato/internal/core"
)

// --- Agents ---

// SaveAgent persists an agent record.
func (s *Store) SaveAgent(a core.Agent) error {
	return s.putJSON(bucketAgents, a.ID, a)
}

// GetAgent loads an agent by id.
func (s *Store) GetAgent(id string) (core.Agent, error) {
	var a core.Agent
	err := s.getJSON(bucketAgents, id, &a)
	return a, err
}

// ListAgents returns all persisted agent records.
func (s *Store) ListAgents() ([]core.Agent, error) {
	var out []core.Agent
	err := forEachJSON(s, bucketAgents, func(a core.Agent) error {
		out = append(out, a)
		return nil
	})
	return out, err
}

// DeleteAgent removes an agent record.
func (s *Store) DeleteAgent(id string) error {
	return s.delete(bucketAgents, id)
}

// --- Certificates ---

// SaveCertificate persists a certificate record and, when it is active,
// records it as the agent's one active certificate. Both writes happen in a
// single transaction so the one-active-cert invariant survives crashes.
func (s *Store) SaveCertificate(c core.Certificate) error {
	data, err := marshal(c)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketCerts).Put([]byte(c.Serial), data); err != nil {
			return err
		}
		active := tx.Bucket(bucketActiveCerts)
		switch c.Status {
		case core.CertActive:
			return active.Put([]byte(c.AgentID), []byte(c.Serial))
		case core.CertRevoked:
			// Only clear the index if this serial is still the active one.
			if cur := active.Get([]byte(c.AgentID)); string(cur) == c.Serial {
				return active.Delete([]byte(c.AgentID))
			}
		}
		return nil
	})
}

// GetCertificate loads a certificate by serial.
func (s *Store) GetCertificate(serial string) (core.Certificate, error) {
	var c core.Certificate
	err := s.getJSON(bucketCerts, serial, &c)
	return c, err
}

// ActiveCertificate returns the active certificate for an agent, or
// ErrNotFound when the agent has none.
func (s *Store) ActiveCertificate(agentID string) (core.Certificate, error) {
	var serial string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketActiveCerts).Get([]byte(agentID))
		if v != nil {
			serial = string(v)
		}
		return nil
	})
	if err != nil {
		return core.Certificate{}, err
	}
	if serial == "" {
		return core.Certificate{}, ErrNotFound
	}
	return s.GetCertificate(serial)
}

// ListCertificates returns all certificate records.
func (s *Store) ListCertificates() ([]core.Certificate, error) {
	var out []core.Certificate
	err := forEachJSON(s, bucketCerts, func(c core.Certificate) error {
		out = append(out, c)
		return nil
	})
	return out, err
}

// FindCertificateByKey returns the active certificate whose subject public
// key fingerprint matches, or ErrNotFound. Used to refuse issuing the same
// key to two different agents.
func (s *Store) FindCertificateByKey(fingerprint string) (core.Certificate, error) {
	var found core.Certificate
	var ok bool
	err := forEachJSON(s, bucketCerts, func(c core.Certificate) error {
		if c.Status == core.CertActive && c.KeyFingerprint == fingerprint {
			found = c
			ok = true
		}
		return nil
	})
	if err != nil {
		return core.Certificate{}, err
	}
	if !ok {
		return core.Certificate{}, ErrNotFound
	}
	return found, nil
}

// RevocationRecord is the persisted CRL entry for a revoked certificate.
type RevocationRecord struct {
	Serial    string    `json:"serial"`
	Reason    string    `json:"reason"`
	RevokedAt time.Time `json:"revoked_at"`
}

// AddRevocation records a serial in the revocation bucket.
func (s *Store) AddRevocation(rec RevocationRecord) error {
	return s.putJSON(bucketRevocations, rec.Serial, rec)
}

// IsRevoked reports whether a serial appears in the revocation bucket.
func (s *Store) IsRevoked(serial string) (bool, error) {
	var revoked bool
	err := s.db.View(func(tx *bolt.Tx) error {
		revoked = tx.Bucket(bucketRevocations).Get([]byte(serial)) != nil
		return nil
	})
	return revoked, err
}

// ListRevocations returns all revocation records.
func (s *Store) ListRevocations() ([]RevocationRecord, error) {
	var out []RevocationRecord
	err := forEachJSON(s, bucketRevocations, func(r RevocationRecord) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// --- Join tokens ---

// SaveJoinToken persists a join token record.
func (s *Store) SaveJoinToken(t core.JoinToken) error {
	return s.putJSON(bucketJoinTokens, t.ID, t)
}

// GetJoinToken loads a join token by lookup id.
func (s *Store) GetJoinToken(id string) (core.JoinToken, error) {
	var t core.JoinToken
	err := s.getJSON(bucketJoinTokens, id, &t)
	return t, err
}

// ConsumeJoinToken atomically marks a token used. Returns ErrNotFound if the
// token does not exist and ErrTokenUsed if it was already consumed.
func (s *Store) ConsumeJoinToken(id string) (core.JoinToken, error) {
	var t core.JoinToken
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJoinTokens)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if t.Used {
			return ErrTokenUsed
		}
		t.Used = true
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	return t, err
}

// DeleteJoinToken removes a join token record.
func (s *Store) DeleteJoinToken(id string) error {
	return s.delete(bucketJoinTokens, id)
}
