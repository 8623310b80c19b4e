package store

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/samcat116/strato/internal/core"
)

// --- API keys ---

// SaveAPIKey persists an API key and maintains the secret-hash index so
// authentication is a single indexed lookup rather than a scan.
func (s *Store) SaveAPIKey(k core.APIKey) error {
	data, err := marshal(k)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAPIKeys).Put([]byte(k.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketKeyHashes).Put([]byte(k.SecretHash), []byte(k.ID))
	})
}

// GetAPIKey loads an API key by id.
func (s *Store) GetAPIKey(id string) (core.APIKey, error) {
	var k core.APIKey
	err := s.getJSON(bucketAPIKeys, id, &k)
	return k, err
}

// GetAPIKeyByHash resolves an API key through the secret-hash index.
func (s *Store) GetAPIKeyByHash(hash string) (core.APIKey, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketKeyHashes).Get([]byte(hash))
		if v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return core.APIKey{}, err
	}
	if id == "" {
		return core.APIKey{}, ErrNotFound
	}
	return s.GetAPIKey(id)
}

// ListAPIKeysByUser returns all API keys owned by a user.
func (s *Store) ListAPIKeysByUser(userID string) ([]core.APIKey, error) {
	var out []core.APIKey
	err := forEachJSON(s, bucketAPIKeys, func(k core.APIKey) error {
		if k.UserID == userID {
			out = append(out, k)
		}
		return nil
	})
	return out, err
}

// DeleteAPIKey removes an API key and its hash index entry.
func (s *Store) DeleteAPIKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAPIKeys)
		raw := b.Get([]byte(id))
		if raw == nil {
			return nil
		}
		var k core.APIKey
		if err := json.Unmarshal(raw, &k); err == nil {
			if err := tx.Bucket(bucketKeyHashes).Delete([]byte(k.SecretHash)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
}

// --- Sessions ---

// SaveSession persists a login session.
func (s *Store) SaveSession(sess core.Session) error {
	return s.putJSON(bucketSessions, sess.ID, sess)
}

// GetSession loads a session by id.
func (s *Store) GetSession(id string) (core.Session, error) {
	var sess core.Session
	err := s.getJSON(bucketSessions, id, &sess)
	return sess, err
}

// ListSessions returns all sessions.
func (s *Store) ListSessions() ([]core.Session, error) {
	var out []core.Session
	err := forEachJSON(s, bucketSessions, func(sess core.Session) error {
		out = append(out, sess)
		return nil
	})
	return out, err
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(id string) error {
	return s.delete(bucketSessions, id)
}
