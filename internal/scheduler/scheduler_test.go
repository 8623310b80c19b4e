package scheduler

import (
	"log/slog"
	"testing"

	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/strerr"
)

func testScheduler(strategy string) *Scheduler {
	return New(strategy, 1, slog.New(slog.DiscardHandler))
}

// agent builds an online kvm agent with the given totals and available.
func agent(id string, totalCPU, availCPU int, totalMem, availMem int64) core.Agent {
	return core.Agent{
		ID:           id,
		Status:       core.AgentOnline,
		Capabilities: []string{"kvm"},
		Total:        core.Resources{CPU: totalCPU, Memory: totalMem * core.GB, Disk: 1000 * core.GB},
		Available:    core.Resources{CPU: availCPU, Memory: availMem * core.GB, Disk: 1000 * core.GB},
	}
}

func vm(cpu int, mem int64, caps ...string) core.VM {
	return core.VM{
		ID:           "vm-1",
		Spec:         core.Resources{CPU: cpu, Memory: mem * core.GB, Disk: 10 * core.GB},
		Capabilities: caps,
	}
}

func TestPickFailureDistinction(t *testing.T) {
	s := testScheduler(StrategyLeastLoaded)

	// No agents at all.
	if _, err := s.Pick(nil, vm(1, 1)); !strerr.IsKind(err, strerr.KindNoAgents) {
		t.Errorf("empty fleet err = %v, want NoAgents", err)
	}

	// Agents exist but none online.
	offline := agent("a1", 8, 8, 32, 32)
	offline.Status = core.AgentOffline
	if _, err := s.Pick([]core.Agent{offline}, vm(1, 1)); !strerr.IsKind(err, strerr.KindNoAgents) {
		t.Errorf("offline fleet err = %v, want NoAgents", err)
	}

	// Online but missing the required capability.
	_, err := s.Pick([]core.Agent{agent("a1", 8, 8, 32, 32)}, vm(1, 1, "hvf"))
	if !strerr.IsKind(err, strerr.KindNoEligibleAgent) {
		t.Errorf("capability err = %v, want NoEligibleAgent", err)
	}

	// Capable but out of capacity.
	_, err = s.Pick([]core.Agent{agent("a1", 8, 1, 32, 2)}, vm(4, 16, "kvm"))
	if !strerr.IsKind(err, strerr.KindInsufficientCapacity) {
		t.Errorf("capacity err = %v, want InsufficientCapacity", err)
	}
}

func TestLeastLoaded(t *testing.T) {
	s := testScheduler(StrategyLeastLoaded)

	fleet := []core.Agent{
		agent("a1", 8, 2, 32, 8),  // 75% cpu, 75% mem used
		agent("a2", 8, 6, 32, 24), // 25% used, least loaded
		agent("a3", 8, 4, 32, 16), // 50% used
	}
	got, err := s.Pick(fleet, vm(1, 1))
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if got != "a2" {
		t.Errorf("picked %s, want a2", got)
	}
}

func TestLeastLoadedTieBreaksOnID(t *testing.T) {
	s := testScheduler(StrategyLeastLoaded)

	fleet := []core.Agent{
		agent("b", 8, 4, 32, 16),
		agent("a", 8, 4, 32, 16),
		agent("c", 8, 4, 32, 16),
	}
	got, err := s.Pick(fleet, vm(1, 1))
	if err != nil {
		t.Fatal(err)
	}
	if got != "a" {
		t.Errorf("picked %s, want a (lowest id on tie)", got)
	}
}

func TestBestFit(t *testing.T) {
	s := testScheduler(StrategyBestFit)

	fleet := []core.Agent{
		agent("big", 64, 60, 256, 240),
		agent("small", 8, 5, 32, 10), // tightest fit for a 4-cpu VM
	}
	got, err := s.Pick(fleet, vm(4, 8))
	if err != nil {
		t.Fatal(err)
	}
	if got != "small" {
		t.Errorf("picked %s, want small (minimal leftover)", got)
	}
}

func TestRoundRobinCycles(t *testing.T) {
	s := testScheduler(StrategyRoundRobin)

	fleet := []core.Agent{
		agent("a2", 8, 8, 32, 32),
		agent("a1", 8, 8, 32, 32),
		agent("a3", 8, 8, 32, 32),
	}

	var picks []string
	for i := 0; i < 6; i++ {
		id, err := s.Pick(fleet, vm(1, 1))
		if err != nil {
			t.Fatal(err)
		}
		picks = append(picks, id)
	}

	want := []string{"a1", "a2", "a3", "a1", "a2", "a3"}
	for i := range want {
		if picks[i] != want[i] {
			t.Fatalf("picks = %v, want %v", picks, want)
		}
	}
}

func TestRandomStaysInEligibleSet(t *testing.T) {
	s := testScheduler(StrategyRandom)

	fleet := []core.Agent{
		agent("a1", 8, 8, 32, 32),
		agent("a2", 8, 8, 32, 32),
		agent("a3", 8, 1, 32, 1), // too small for the VM below
	}
	for i := 0; i < 20; i++ {
		id, err := s.Pick(fleet, vm(4, 16))
		if err != nil {
			t.Fatal(err)
		}
		if id == "a3" {
			t.Fatal("random picked an agent that cannot fit the VM")
		}
	}
}

func TestSetStrategy(t *testing.T) {
	s := testScheduler(StrategyLeastLoaded)

	if err := s.SetStrategy(StrategyBestFit); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}
	if s.Strategy() != StrategyBestFit {
		t.Errorf("strategy = %s, want best_fit", s.Strategy())
	}

	if err := s.SetStrategy("spread_evenly"); !strerr.IsKind(err, strerr.KindBadRequest) {
		t.Errorf("unknown strategy err = %v, want BadRequest", err)
	}
	if s.Strategy() != StrategyBestFit {
		t.Error("failed SetStrategy must not change the strategy")
	}
}

func TestUnknownStrategyFallsBack(t *testing.T) {
	s := New("nonsense", 1, slog.New(slog.DiscardHandler))
	if s.Strategy() != StrategyLeastLoaded {
		t.Errorf("strategy = %s, want least_loaded fallback", s.Strategy())
	}
}
