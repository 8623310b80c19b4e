// Package store wraps a BoltDB database for Strato persistence. One bucket
// per conceptual table; values are JSON-encoded records from internal/core.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers        = []byte("users")
	bucketUserNames    = []byte("user_names") // username -> user id
	bucketCredentials  = []byte("credentials") // user id -> bcrypt hash
	bucketOrgs         = []byte("organizations")
	bucketOrgUnits     = []byte("organizational_units")
	bucketProjects     = []byte("projects")
	bucketGroups       = []byte("groups")
	bucketVMs          = []byte("vms")
	bucketAgents       = []byte("agents")
	bucketCerts        = []byte("certificates")
	bucketActiveCerts  = []byte("active_certs") // agent id -> serial
	bucketRevocations  = []byte("certificate_revocations")
	bucketQuotas       = []byte("resource_quotas")
	bucketReservations = []byte("reservations")
	bucketJoinTokens   = []byte("join_tokens")
	bucketAPIKeys      = []byte("api_keys")
	bucketKeyHashes    = []byte("api_key_hashes") // sha256 hex -> key id
	bucketSessions     = []byte("sessions")
	bucketAudit        = []byte("audit")
)

var allBuckets = [][]byte{
	bucketUsers, bucketUserNames, bucketCredentials,
	bucketOrgs, bucketOrgUnits, bucketProjects, bucketGroups,
	bucketVMs, bucketAgents,
	bucketCerts, bucketActiveCerts, bucketRevocations,
	bucketQuotas, bucketReservations, bucketJoinTokens,
	bucketAPIKeys, bucketKeyHashes, bucketSessions,
	bucketAudit,
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTokenUsed is returned when consuming a join token that was already spent.
var ErrTokenUsed = errors.New("join token already used")

// Store wraps a BoltDB database for Strato persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// putJSON marshals v and stores it under key in bucket.
func (s *Store) putJSON(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// getJSON loads the value under key in bucket into v.
// Returns ErrNotFound if the key does not exist.
func (s *Store) getJSON(bucket []byte, key string, v any) error {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		data = make([]byte, len(raw))
		copy(data, raw)
		return nil
	})
	if err != nil {
		return err
	}
	if data == nil {
		return ErrNotFound
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s/%s: %w", bucket, key, err)
	}
	return nil
}

// delete removes key from bucket. Deleting a missing key is not an error.
func (s *Store) delete(bucket []byte, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// forEachJSON iterates all values in bucket, unmarshalling each into a fresh
// T and invoking fn. Corrupt records are skipped.
func forEachJSON[T any](s *Store, bucket []byte, fn func(T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var rec T
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil // skip corrupt record
			}
			return fn(rec)
		})
	})
}
