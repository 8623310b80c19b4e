package registry

import (
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/events"
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

func testRegistry(t *testing.T) (*Registry, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := &fakeClock{now: time.Now().UTC()}
	r := New(st, events.New(), clk, slog.New(slog.DiscardHandler), 10*time.Second)
	return r, st, clk
}

func testAgent(id string) core.Agent {
	total := core.Resources{CPU: 8, Memory: 32 * core.GB, Disk: 500 * core.GB}
	return core.Agent{
		ID:           id,
		Name:         id,
		Capabilities: []string{"kvm"},
		Total:        total,
		Available:    total,
		Status:       core.AgentOnline,
	}
}

func TestRegisterIdempotent(t *testing.T) {
	r, st, _ := testRegistry(t)

	a := testAgent("agent-1")
	if err := r.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Re-registration updates metadata without duplicating.
	a.Name = "renamed"
	if err := r.Register(a); err != nil {
		t.Fatalf("re-Register: %v", err)
	}

	if got := r.Snapshot(); len(got) != 1 {
		t.Fatalf("got %d agents, want 1", len(got))
	}
	got, ok := r.Get("agent-1")
	if !ok || got.Name != "renamed" {
		t.Errorf("agent = %+v, want renamed", got)
	}

	// Persisted too.
	persisted, err := st.GetAgent("agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if persisted.Name != "renamed" {
		t.Errorf("persisted name = %q, want renamed", persisted.Name)
	}
}

func TestHeartbeatMonotonic(t *testing.T) {
	r, _, clk := testRegistry(t)

	if err := r.Register(testAgent("agent-1")); err != nil {
		t.Fatal(err)
	}

	t1 := clk.Now()
	applied, err := r.Heartbeat("agent-1", Heartbeat{
		Available:  core.Resources{CPU: 6, Memory: 24 * core.GB, Disk: 400 * core.GB},
		RunningVMs: 2,
		Timestamp:  t1,
	})
	if err != nil || !applied {
		t.Fatalf("first heartbeat applied=%v err=%v", applied, err)
	}

	// An older report arriving late must be dropped, not applied.
	applied, err = r.Heartbeat("agent-1", Heartbeat{
		Available: core.Resources{CPU: 8, Memory: 32 * core.GB, Disk: 500 * core.GB},
		Timestamp: t1.Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("stale heartbeat err: %v", err)
	}
	if applied {
		t.Error("stale heartbeat should be dropped")
	}

	got, _ := r.Get("agent-1")
	if got.Available.CPU != 6 || got.RunningVMs != 2 {
		t.Errorf("agent = available cpu %d running %d, want 6/2", got.Available.CPU, got.RunningVMs)
	}

	if _, err := r.Heartbeat("ghost", Heartbeat{Timestamp: clk.Now()}); !strerr.IsKind(err, strerr.KindNotFound) {
		t.Errorf("unknown agent err = %v, want NotFound", err)
	}
}

func TestHeartbeatClampsAvailable(t *testing.T) {
	r, _, clk := testRegistry(t)

	if err := r.Register(testAgent("agent-1")); err != nil {
		t.Fatal(err)
	}

	// An agent over-reporting available capacity is clamped to its total.
	if _, err := r.Heartbeat("agent-1", Heartbeat{
		Available: core.Resources{CPU: 100, Memory: 1000 * core.GB, Disk: 9000 * core.GB},
		Timestamp: clk.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	got, _ := r.Get("agent-1")
	if got.Available != got.Total {
		t.Errorf("available = %+v, want clamped to total %+v", got.Available, got.Total)
	}
}

func TestReserveRelease(t *testing.T) {
	r, _, _ := testRegistry(t)

	if err := r.Register(testAgent("agent-1")); err != nil {
		t.Fatal(err)
	}

	hold := core.Resources{CPU: 4, Memory: 16 * core.GB, Disk: 100 * core.GB}
	if err := r.Reserve("agent-1", hold); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	got, _ := r.Get("agent-1")
	if got.Available.CPU != 4 {
		t.Errorf("available cpu = %d, want 4", got.Available.CPU)
	}

	// Over-reserve fails and leaves capacity untouched.
	if err := r.Reserve("agent-1", core.Resources{CPU: 6}); !strerr.IsKind(err, strerr.KindInsufficientCapacity) {
		t.Errorf("over-reserve err = %v, want InsufficientCapacity", err)
	}
	got, _ = r.Get("agent-1")
	if got.Available.CPU != 4 {
		t.Errorf("failed reserve mutated capacity: cpu = %d", got.Available.CPU)
	}

	r.Release("agent-1", hold)
	got, _ = r.Get("agent-1")
	if got.Available != got.Total {
		t.Errorf("after release available = %+v, want total", got.Available)
	}

	// Double release clamps at total rather than inventing capacity.
	r.Release("agent-1", hold)
	got, _ = r.Get("agent-1")
	if got.Available != got.Total {
		t.Errorf("double release available = %+v, want total", got.Available)
	}
}

func TestSweepOffline(t *testing.T) {
	r, _, clk := testRegistry(t)

	if err := r.Register(testAgent("agent-1")); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(testAgent("agent-2")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Heartbeat("agent-1", Heartbeat{Available: testAgent("x").Total, Timestamp: clk.Now()}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Heartbeat("agent-2", Heartbeat{Available: testAgent("x").Total, Timestamp: clk.Now()}); err != nil {
		t.Fatal(err)
	}

	// agent-2 keeps heartbeating; agent-1 goes quiet.
	clk.advance(6 * time.Second)
	if _, err := r.Heartbeat("agent-2", Heartbeat{Available: testAgent("x").Total, Timestamp: clk.Now()}); err != nil {
		t.Fatal(err)
	}
	clk.advance(6 * time.Second)

	if n := r.SweepOffline(); n != 1 {
		t.Fatalf("swept %d agents, want 1", n)
	}

	a1, _ := r.Get("agent-1")
	a2, _ := r.Get("agent-2")
	if a1.Status != core.AgentOffline {
		t.Errorf("agent-1 status = %s, want offline", a1.Status)
	}
	if a2.Status != core.AgentOnline {
		t.Errorf("agent-2 status = %s, want online", a2.Status)
	}

	// A second sweep is a no-op.
	if n := r.SweepOffline(); n != 0 {
		t.Errorf("second sweep flipped %d agents, want 0", n)
	}
}

func TestSweepDemotesStaleConnecting(t *testing.T) {
	r, _, clk := testRegistry(t)

	if err := r.Register(testAgent("agent-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Heartbeat("agent-1", Heartbeat{Available: testAgent("x").Total, Timestamp: clk.Now()}); err != nil {
		t.Fatal(err)
	}

	// Channel drop puts the agent into the reconnect grace.
	if err := r.SetStatus("agent-1", core.AgentConnecting); err != nil {
		t.Fatal(err)
	}

	// Inside the window the sweeper leaves the grace alone.
	clk.advance(6 * time.Second)
	if n := r.SweepOffline(); n != 0 {
		t.Fatalf("swept %d agents inside the window, want 0", n)
	}
	a, _ := r.Get("agent-1")
	if a.Status != core.AgentConnecting {
		t.Fatalf("status = %s, want connecting", a.Status)
	}

	// No reconnect before the window closes: demoted to offline.
	clk.advance(6 * time.Second)
	if n := r.SweepOffline(); n != 1 {
		t.Fatalf("swept %d agents, want 1", n)
	}
	a, _ = r.Get("agent-1")
	if a.Status != core.AgentOffline {
		t.Errorf("status = %s, want offline", a.Status)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r, _, _ := testRegistry(t)

	if err := r.Register(testAgent("agent-1")); err != nil {
		t.Fatal(err)
	}

	snap := r.Snapshot()
	snap[0].Available = core.Resources{}
	snap[0].Capabilities[0] = "mutated"

	got, _ := r.Get("agent-1")
	if got.Available.CPU != 8 {
		t.Error("mutating a snapshot leaked into the registry")
	}
	if got.Capabilities[0] != "kvm" {
		t.Error("mutating snapshot capabilities leaked into the registry")
	}
}

func TestLoadResetsToOffline(t *testing.T) {
	r, st, _ := testRegistry(t)

	a := testAgent("agent-1")
	a.Available = core.Resources{CPU: 1, Memory: core.GB, Disk: core.GB}
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}

	// Fresh registry over the same store: offline, full capacity.
	r2 := New(st, events.New(), &fakeClock{now: time.Now()}, slog.New(slog.DiscardHandler), 10*time.Second)
	if err := r2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got, ok := r2.Get("agent-1")
	if !ok {
		t.Fatal("agent not loaded")
	}
	if got.Status != core.AgentOffline {
		t.Errorf("loaded status = %s, want offline", got.Status)
	}
	if got.Available != got.Total {
		t.Errorf("loaded available = %+v, want total", got.Available)
	}
}
