package auth

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/store"
	"github.com/samcat116/strato/internal/strerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (c *fakeClock) Since(t time.Time) time.Duration        { return c.Now().Sub(t) }
func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testService(t *testing.T) (*Service, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.SaveUser(core.User{ID: "user-1", Username: "alice"}); err != nil {
		t.Fatal(err)
	}

	clk := &fakeClock{now: time.Now().UTC()}
	svc := New(st, clk, slog.New(slog.DiscardHandler), time.Hour)
	return svc, st, clk
}

func TestLoginAndValidateSession(t *testing.T) {
	svc, _, _ := testService(t)

	if err := svc.SetPassword("user-1", "hunter2hunter2"); err != nil {
		t.Fatalf("set password: %v", err)
	}

	sess, err := svc.Login("alice", "hunter2hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if sess.UserID != "user-1" {
		t.Fatalf("session user = %q, want user-1", sess.UserID)
	}
	if !sess.ExpiresAt.After(sess.CreatedAt) {
		t.Fatal("session has no future expiry")
	}

	user, err := svc.ValidateSession(sess.ID)
	if err != nil {
		t.Fatalf("validate session: %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("validated user = %q, want user-1", user.ID)
	}
}

func TestLoginFailuresAreUniform(t *testing.T) {
	svc, _, _ := testService(t)
	if err := svc.SetPassword("user-1", "hunter2hunter2"); err != nil {
		t.Fatal(err)
	}

	_, badPassword := svc.Login("alice", "wrong-password")
	_, unknownUser := svc.Login("mallory", "wrong-password")

	for _, err := range []error{badPassword, unknownUser} {
		if !strerr.IsKind(err, strerr.KindPermissionDenied) {
			t.Fatalf("kind = %v, want permission_denied", strerr.KindOf(err))
		}
	}
	if badPassword.Error() != unknownUser.Error() {
		t.Fatalf("login errors differ: %q vs %q", badPassword, unknownUser)
	}
}

func TestLoginWithoutCredentialSet(t *testing.T) {
	svc, _, _ := testService(t)

	if _, err := svc.Login("alice", "whatever-password"); !strerr.IsKind(err, strerr.KindPermissionDenied) {
		t.Fatalf("kind = %v, want permission_denied", strerr.KindOf(err))
	}
}

func TestSetPasswordTooShort(t *testing.T) {
	svc, _, _ := testService(t)

	if err := svc.SetPassword("user-1", "short"); !strerr.IsKind(err, strerr.KindBadRequest) {
		t.Fatalf("kind = %v, want bad_request", strerr.KindOf(err))
	}
}

func TestSessionExpiry(t *testing.T) {
	svc, st, clk := testService(t)
	if err := svc.SetPassword("user-1", "hunter2hunter2"); err != nil {
		t.Fatal(err)
	}
	sess, err := svc.Login("alice", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}

	clk.advance(2 * time.Hour)

	if _, err := svc.ValidateSession(sess.ID); !strerr.IsKind(err, strerr.KindPermissionDenied) {
		t.Fatalf("kind = %v, want permission_denied", strerr.KindOf(err))
	}
	// Expired sessions are removed when seen.
	if _, err := st.GetSession(sess.ID); err == nil {
		t.Fatal("expired session still stored")
	}
}

func TestLogout(t *testing.T) {
	svc, _, _ := testService(t)
	if err := svc.SetPassword("user-1", "hunter2hunter2"); err != nil {
		t.Fatal(err)
	}
	sess, err := svc.Login("alice", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}

	svc.Logout(sess.ID)
	if _, err := svc.ValidateSession(sess.ID); err == nil {
		t.Fatal("session usable after logout")
	}
	// Idempotent.
	svc.Logout(sess.ID)
}

func TestSweepSessions(t *testing.T) {
	svc, _, clk := testService(t)
	if err := svc.SetPassword("user-1", "hunter2hunter2"); err != nil {
		t.Fatal(err)
	}
	old, err := svc.Login("alice", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}
	clk.advance(90 * time.Minute)
	fresh, err := svc.Login("alice", "hunter2hunter2")
	if err != nil {
		t.Fatal(err)
	}

	if n := svc.SweepSessions(); n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}
	if _, err := svc.ValidateSession(old.ID); err == nil {
		t.Fatal("old session survived sweep")
	}
	if _, err := svc.ValidateSession(fresh.ID); err != nil {
		t.Fatalf("fresh session swept: %v", err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	svc, _, _ := testService(t)

	plaintext, key, err := svc.CreateAPIKey("user-1", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	if !strings.HasPrefix(plaintext, APIKeyPrefix) {
		t.Fatalf("plaintext %q missing %q prefix", plaintext, APIKeyPrefix)
	}
	if strings.Contains(key.SecretHash, plaintext) {
		t.Fatal("plaintext leaked into stored hash")
	}

	user, err := svc.ValidateAPIKey(plaintext)
	if err != nil {
		t.Fatalf("validate api key: %v", err)
	}
	if user.ID != "user-1" {
		t.Fatalf("validated user = %q, want user-1", user.ID)
	}

	keys, err := svc.ListAPIKeys("user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].ID != key.ID {
		t.Fatalf("list = %+v, want the one key", keys)
	}
	if keys[0].SecretHash != "" {
		t.Fatal("listing exposes secret hash")
	}
	if keys[0].LastUsedAt.IsZero() {
		t.Fatal("last use not stamped after validation")
	}
}

func TestValidateAPIKeyRejectsGarbage(t *testing.T) {
	svc, _, _ := testService(t)
	if _, _, err := svc.CreateAPIKey("user-1", "ci"); err != nil {
		t.Fatal(err)
	}

	for _, bad := range []string{"", "sk_deadbeef", "not-a-key"} {
		if _, err := svc.ValidateAPIKey(bad); !strerr.IsKind(err, strerr.KindPermissionDenied) {
			t.Fatalf("ValidateAPIKey(%q) kind = %v, want permission_denied", bad, strerr.KindOf(err))
		}
	}
}

func TestRevokeAPIKey(t *testing.T) {
	svc, _, _ := testService(t)
	if err := svc.SetPassword("user-1", "hunter2hunter2"); err != nil {
		t.Fatal(err)
	}
	plaintext, key, err := svc.CreateAPIKey("user-1", "ci")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.RevokeAPIKey("someone-else", key.ID); !strerr.IsKind(err, strerr.KindPermissionDenied) {
		t.Fatalf("kind = %v, want permission_denied", strerr.KindOf(err))
	}
	if err := svc.RevokeAPIKey("user-1", key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := svc.ValidateAPIKey(plaintext); err == nil {
		t.Fatal("revoked key still validates")
	}
}
