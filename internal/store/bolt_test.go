package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/samcat116/strato/internal/core"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestVMRoundTrip(t *testing.T) {
	s := testStore(t)

	vm := core.VM{
		ID:        "vm-1",
		Name:      "web",
		ProjectID: "proj-1",
		State:     core.VMPending,
		Spec:      core.Resources{CPU: 2, Memory: 4 * core.GB, Disk: 20 * core.GB},
	}
	if err := s.SaveVM(vm); err != nil {
		t.Fatalf("SaveVM: %v", err)
	}

	got, err := s.GetVM("vm-1")
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.Name != "web" || got.State != core.VMPending {
		t.Errorf("got %+v, want name=web state=pending", got)
	}
	if got.Spec.CPU != 2 {
		t.Errorf("spec cpu = %d, want 2", got.Spec.CPU)
	}
}

func TestVMMissing(t *testing.T) {
	s := testStore(t)

	_, err := s.GetVM("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListVMsByProject(t *testing.T) {
	s := testStore(t)

	vms := []core.VM{
		{ID: "vm-1", ProjectID: "proj-a", State: core.VMRunning},
		{ID: "vm-2", ProjectID: "proj-b", State: core.VMRunning},
		{ID: "vm-3", ProjectID: "proj-a", State: core.VMStopped},
	}
	for _, vm := range vms {
		if err := s.SaveVM(vm); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListVMsByProject("proj-a")
	if err != nil {
		t.Fatalf("ListVMsByProject: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d VMs, want 2", len(got))
	}
}

func TestUserNameIndex(t *testing.T) {
	s := testStore(t)

	u := core.User{ID: "u-1", Username: "alice", DisplayName: "Alice"}
	if err := s.SaveUser(u); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	got, err := s.GetUserByName("alice")
	if err != nil {
		t.Fatalf("GetUserByName: %v", err)
	}
	if got.ID != "u-1" {
		t.Errorf("resolved id = %q, want u-1", got.ID)
	}

	if _, err := s.GetUserByName("bob"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown username err = %v, want ErrNotFound", err)
	}
}

func TestActiveCertIndex(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	first := core.Certificate{
		Serial:   "aa11",
		AgentID:  "agent-1",
		Status:   core.CertActive,
		IssuedAt: now,
		NotAfter: now.Add(24 * time.Hour),
	}
	if err := s.SaveCertificate(first); err != nil {
		t.Fatalf("SaveCertificate: %v", err)
	}

	got, err := s.ActiveCertificate("agent-1")
	if err != nil {
		t.Fatalf("ActiveCertificate: %v", err)
	}
	if got.Serial != "aa11" {
		t.Errorf("active serial = %q, want aa11", got.Serial)
	}

	// A replacement certificate takes over the index.
	second := first
	second.Serial = "bb22"
	if err := s.SaveCertificate(second); err != nil {
		t.Fatal(err)
	}

	// Revoking the superseded cert must not clear the newer active one.
	first.Status = core.CertRevoked
	first.RevocationReason = "superseded"
	if err := s.SaveCertificate(first); err != nil {
		t.Fatal(err)
	}

	got, err = s.ActiveCertificate("agent-1")
	if err != nil {
		t.Fatalf("ActiveCertificate after revoke: %v", err)
	}
	if got.Serial != "bb22" {
		t.Errorf("active serial = %q, want bb22", got.Serial)
	}

	// Revoking the current active cert clears the index.
	second.Status = core.CertRevoked
	if err := s.SaveCertificate(second); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ActiveCertificate("agent-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFindCertificateByKey(t *testing.T) {
	s := testStore(t)

	c := core.Certificate{Serial: "cc33", AgentID: "agent-2", Status: core.CertActive, KeyFingerprint: "deadbeef"}
	if err := s.SaveCertificate(c); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindCertificateByKey("deadbeef")
	if err != nil {
		t.Fatalf("FindCertificateByKey: %v", err)
	}
	if got.AgentID != "agent-2" {
		t.Errorf("agent = %q, want agent-2", got.AgentID)
	}

	// Revoked certificates do not count as key holders.
	c.Status = core.CertRevoked
	if err := s.SaveCertificate(c); err != nil {
		t.Fatal(err)
	}
	if _, err := s.FindCertificateByKey("deadbeef"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConsumeJoinToken(t *testing.T) {
	s := testStore(t)

	tok := core.JoinToken{
		ID:        "ab12cd34",
		AgentID:   "agent-1",
		Hash:      []byte("somehash"),
		CreatedAt: time.Now().UTC(),
		ExpiresAt: time.Now().UTC().Add(15 * time.Minute),
	}
	if err := s.SaveJoinToken(tok); err != nil {
		t.Fatalf("SaveJoinToken: %v", err)
	}

	got, err := s.ConsumeJoinToken("ab12cd34")
	if err != nil {
		t.Fatalf("ConsumeJoinToken: %v", err)
	}
	if !got.Used {
		t.Error("consumed token not marked used")
	}

	// Second consumption must fail.
	if _, err := s.ConsumeJoinToken("ab12cd34"); !errors.Is(err, ErrTokenUsed) {
		t.Errorf("second consume err = %v, want ErrTokenUsed", err)
	}

	if _, err := s.ConsumeJoinToken("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing token err = %v, want ErrNotFound", err)
	}
}

func TestQuotasByScope(t *testing.T) {
	s := testStore(t)

	scope := core.ScopeRef{Kind: core.ScopeProject, ID: "proj-1"}
	quotas := []core.ResourceQuota{
		{ID: "q-1", Scope: scope, Max: core.QuotaLimits{CPU: 10}},
		{ID: "q-2", Scope: scope, Environment: "prod", Max: core.QuotaLimits{CPU: 4}},
		{ID: "q-3", Scope: core.ScopeRef{Kind: core.ScopeOrganization, ID: "org-1"}, Max: core.QuotaLimits{CPU: 100}},
	}
	for _, q := range quotas {
		if err := s.SaveQuota(q); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListQuotasByScope(scope)
	if err != nil {
		t.Fatalf("ListQuotasByScope: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d quotas, want 2", len(got))
	}
}

func TestAPIKeyHashIndex(t *testing.T) {
	s := testStore(t)

	k := core.APIKey{ID: "key-1", UserID: "u-1", Name: "ci", SecretHash: "hash123"}
	if err := s.SaveAPIKey(k); err != nil {
		t.Fatalf("SaveAPIKey: %v", err)
	}

	got, err := s.GetAPIKeyByHash("hash123")
	if err != nil {
		t.Fatalf("GetAPIKeyByHash: %v", err)
	}
	if got.ID != "key-1" {
		t.Errorf("resolved key = %q, want key-1", got.ID)
	}

	if err := s.DeleteAPIKey("key-1"); err != nil {
		t.Fatalf("DeleteAPIKey: %v", err)
	}
	if _, err := s.GetAPIKeyByHash("hash123"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete err = %v, want ErrNotFound", err)
	}
}

func TestAuditOrder(t *testing.T) {
	s := testStore(t)

	for _, action := range []string{"create", "start", "stop"} {
		if err := s.AppendAudit(AuditEntry{Time: time.Now().UTC(), Actor: "alice", Action: action, Resource: "vm-1"}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	got, err := s.ListAudit(0)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	// Newest first.
	if got[0].Action != "stop" || got[2].Action != "create" {
		t.Errorf("order = [%s %s %s], want [stop start create]", got[0].Action, got[1].Action, got[2].Action)
	}

	got, err = s.ListAudit(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Action != "stop" {
		t.Errorf("limited list = %+v, want single stop entry", got)
	}
}
