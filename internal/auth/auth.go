// Package auth authenticates management API callers: password login with
// browser sessions, and sk_-prefixed API keys for programmatic access.
// Secrets are never stored; passwords are bcrypt-hashed and API keys keep
// only a SHA-256 of the secret.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/strerr"
)

const (
	// APIKeyPrefix marks bearer values that are API keys rather than
	// session ids.
	APIKeyPrefix = "sk_"

	minPasswordLen = 8
	secretBytes    = 32
)

// Store is the persistence the authenticator needs.
type Store interface {
	GetUser(id string) (core.User, error)
	GetUserByName(username string) (core.User, error)
	SetCredential(userID, hash string) error
	GetCredential(userID string) (string, error)

	SaveAPIKey(core.APIKey) error
	GetAPIKey(id string) (core.APIKey, error)
	GetAPIKeyByHash(hash string) (core.APIKey, error)
	ListAPIKeysByUser(userID string) ([]core.APIKey, error)
	DeleteAPIKey(id string) error

	SaveSession(core.Session) error
	GetSession(id string) (core.Session, error)
	ListSessions() ([]core.Session, error)
	DeleteSession(id string) error
}

// Service issues and validates credentials.
type Service struct {
	store      Store
	clk        clock.Clock
	log        *slog.Logger
	sessionTTL time.Duration
}

func New(st Store, clk clock.Clock, log *slog.Logger, sessionTTL time.Duration) *Service {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Service{
		store:      st,
		clk:        clk,
		log:        log.With("component", "auth"),
		sessionTTL: sessionTTL,
	}
}

// SetPassword hashes and stores a user's password.
func (s *Service) SetPassword(userID, password string) error {
	if len(password) < minPasswordLen {
		return strerr.New(strerr.KindBadRequest, "password must be at least %d characters", minPasswordLen)
	}
	if _, err := s.store.GetUser(userID); err != nil {
		return strerr.New(strerr.KindNotFound, "user %s not found", userID)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return strerr.Wrap(strerr.KindInternal, err, "hash password")
	}
	if err := s.store.SetCredential(userID, string(hash)); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "store credential")
	}
	return nil
}

// Login verifies a password and opens a session. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (s *Service) Login(username, password string) (core.Session, error) {
	denied := strerr.New(strerr.KindPermissionDenied, "invalid username or password")

	user, err := s.store.GetUserByName(username)
	if err != nil {
		// Burn comparable time so unknown users are not detectable by latency.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000uGZwiYtLmp0nKrPrZKF4AnWMo96Cmu6"), []byte(password))
		return core.Session{}, denied
	}
	hash, err := s.store.GetCredential(user.ID)
	if err != nil {
		return core.Session{}, denied
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		s.log.Warn("failed login", "username", username)
		return core.Session{}, denied
	}

	id, err := randomSecret()
	if err != nil {
		return core.Session{}, strerr.Wrap(strerr.KindInternal, err, "generate session id")
	}
	now := s.clk.Now().UTC()
	sess := core.Session{
		ID:        id,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.sessionTTL),
	}
	if err := s.store.SaveSession(sess); err != nil {
		return core.Session{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save session")
	}
	s.log.Info("login", "user", user.ID)
	return sess, nil
}

// ValidateSession resolves a session id to its user. Expired sessions are
// removed on sight.
func (s *Service) ValidateSession(id string) (core.User, error) {
	sess, err := s.store.GetSession(id)
	if err != nil {
		return core.User{}, strerr.New(strerr.KindPermissionDenied, "invalid session")
	}
	if sess.Expired(s.clk.Now()) {
		if err := s.store.DeleteSession(id); err != nil {
			s.log.Warn("delete expired session", "error", err)
		}
		return core.User{}, strerr.New(strerr.KindPermissionDenied, "session expired")
	}
	user, err := s.store.GetUser(sess.UserID)
	if err != nil {
		return core.User{}, strerr.New(strerr.KindPermissionDenied, "session user no longer exists")
	}
	return user, nil
}

// Logout ends a session. Unknown ids are a no-op.
func (s *Service) Logout(id string) {
	if err := s.store.DeleteSession(id); err != nil {
		s.log.Warn("delete session", "error", err)
	}
}

// CreateAPIKey mints a key for programmatic access. The plaintext is
// returned exactly once.
func (s *Service) CreateAPIKey(userID, name string) (string, core.APIKey, error) {
	if _, err := s.store.GetUser(userID); err != nil {
		return "", core.APIKey{}, strerr.New(strerr.KindNotFound, "user %s not found", userID)
	}
	secret, err := randomSecret()
	if err != nil {
		return "", core.APIKey{}, strerr.Wrap(strerr.KindInternal, err, "generate api key")
	}
	plaintext := APIKeyPrefix + secret

	key := core.APIKey{
		ID:         uuid.NewString(),
		UserID:     userID,
		Name:       name,
		SecretHash: hashSecret(plaintext),
		CreatedAt:  s.clk.Now().UTC(),
	}
	if err := s.store.SaveAPIKey(key); err != nil {
		return "", core.APIKey{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save api key")
	}
	s.log.Info("api key created", "user", userID, "key", key.ID, "name", name)
	return plaintext, key, nil
}

// ValidateAPIKey resolves a presented key to its user and stamps last use.
func (s *Service) ValidateAPIKey(plaintext string) (core.User, error) {
	if !strings.HasPrefix(plaintext, APIKeyPrefix) {
		return core.User{}, strerr.New(strerr.KindPermissionDenied, "invalid api key")
	}
	key, err := s.store.GetAPIKeyByHash(hashSecret(plaintext))
	if err != nil {
		return core.User{}, strerr.New(strerr.KindPermissionDenied, "invalid api key")
	}
	if !hmac.Equal([]byte(key.SecretHash), []byte(hashSecret(plaintext))) {
		return core.User{}, strerr.New(strerr.KindPermissionDenied, "invalid api key")
	}
	user, err := s.store.GetUser(key.UserID)
	if err != nil {
		return core.User{}, strerr.New(strerr.KindPermissionDenied, "api key user no longer exists")
	}

	key.LastUsedAt = s.clk.Now().UTC()
	if err := s.store.SaveAPIKey(key); err != nil {
		s.log.Warn("stamp api key use", "key", key.ID, "error", err)
	}
	return user, nil
}

// ListAPIKeys returns a user's keys. Hashes are cleared; they are internal.
func (s *Service) ListAPIKeys(userID string) ([]core.APIKey, error) {
	keys, err := s.store.ListAPIKeysByUser(userID)
	if err != nil {
		return nil, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list api keys")
	}
	for i := range keys {
		keys[i].SecretHash = ""
	}
	return keys, nil
}

// RevokeAPIKey deletes a key the caller owns.
func (s *Service) RevokeAPIKey(userID, keyID string) error {
	key, err := s.store.GetAPIKey(keyID)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "api key %s not found", keyID)
	}
	if key.UserID != userID {
		return strerr.New(strerr.KindPermissionDenied, "api key %s belongs to another user", keyID)
	}
	if err := s.store.DeleteAPIKey(keyID); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "delete api key")
	}
	s.log.Info("api key revoked", "user", userID, "key", keyID)
	return nil
}

// SweepSessions removes expired sessions. Returns how many were dropped.
func (s *Service) SweepSessions() int {
	sessions, err := s.store.ListSessions()
	if err != nil {
		s.log.Error("list sessions", "error", err)
		return 0
	}
	now := s.clk.Now()
	dropped := 0
	for _, sess := range sessions {
		if !sess.Expired(now) {
			continue
		}
		if err := s.store.DeleteSession(sess.ID); err != nil {
			s.log.Warn("delete expired session", "session", sess.ID, "error", err)
			continue
		}
		dropped++
	}
	return dropped
}

func hashSecret(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func randomSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
