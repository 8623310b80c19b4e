// Package scheduler picks a placement agent for a VM from a registry
// snapshot. Selection is pure over the snapshot: the caller holds no lock
// and confirms the choice by placing a registry hold afterwards.
package scheduler

import (
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/metrics"
	"github.com/samcat116/strato/internal/strerr"
)

// Strategy names accepted by configuration and the runtime override.
const (
	StrategyLeastLoaded = "least_loaded"
	StrategyBestFit     = "best_fit"
	StrategyRoundRobin  = "round_robin"
	StrategyRandom      = "random"
)

// Least-loaded utilization weights: CPU and memory dominate, disk matters
// less for placement quality.
const (
	weightCPU    = 0.4
	weightMemory = 0.4
	weightDisk   = 0.2
)

// ValidStrategy reports whether name is a known strategy.
func ValidStrategy(name string) bool {
	switch name {
	case StrategyLeastLoaded, StrategyBestFit, StrategyRoundRobin, StrategyRandom:
		return true
	}
	return false
}

// Scheduler selects agents according to a runtime-switchable strategy.
type Scheduler struct {
	mu       sync.Mutex
	strategy string
	rrNext   uint64
	rng      *rand.Rand
	log      *slog.Logger
}

// New builds a Scheduler. An unknown strategy name falls back to
// least_loaded. seed fixes the random strategy for tests; pass 0 for a
// time-based seed.
func New(strategy string, seed int64, log *slog.Logger) *Scheduler {
	if !ValidStrategy(strategy) {
		strategy = StrategyLeastLoaded
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Scheduler{
		strategy: strategy,
		rng:      rand.New(rand.NewSource(seed)),
		log:      log.With("component", "scheduler"),
	}
}

// Strategy returns the current strategy name.
func (s *Scheduler) Strategy() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// SetStrategy switches the selection strategy at runtime.
func (s *Scheduler) SetStrategy(name string) error {
	if !ValidStrategy(name) {
		return strerr.New(strerr.KindBadRequest, "unknown scheduling strategy %q", name)
	}
	s.mu.Lock()
	old := s.strategy
	s.strategy = name
	s.mu.Unlock()
	if old != name {
		s.log.Info("scheduling strategy changed", "from", old, "to", name)
	}
	return nil
}

// Pick chooses an agent for the VM from the snapshot.
//
// Failures are distinguished so callers can report precisely: no online
// agents at all, online agents that all lack a required capability, or
// capable agents that are all out of capacity.
func (s *Scheduler) Pick(agents []core.Agent, vm core.VM) (string, error) {
	s.mu.Lock()
	strategy := s.strategy
	s.mu.Unlock()
	return s.pickMetered(strategy, agents, vm)
}

// PickWith is Pick with an explicit strategy, overriding the default for a
// single placement.
func (s *Scheduler) PickWith(strategy string, agents []core.Agent, vm core.VM) (string, error) {
	if !ValidStrategy(strategy) {
		return "", strerr.New(strerr.KindBadRequest, "unknown scheduling strategy %q", strategy)
	}
	return s.pickMetered(strategy, agents, vm)
}

func (s *Scheduler) pickMetered(strategy string, agents []core.Agent, vm core.VM) (string, error) {
	start := time.Now()
	id, err := s.pick(strategy, agents, vm)
	metrics.SchedulingDuration.Observe(time.Since(start).Seconds())
	outcome := "placed"
	if err != nil {
		outcome = string(strerr.KindOf(err))
	}
	metrics.SchedulingDecisions.WithLabelValues(strategy, outcome).Inc()
	return id, err
}

func (s *Scheduler) pick(strategy string, agents []core.Agent, vm core.VM) (string, error) {
	online := 0
	capable := 0
	var eligible []core.Agent
	for _, a := range agents {
		if a.Status != core.AgentOnline {
			continue
		}
		online++
		if !hasCapabilities(&a, vm.Capabilities) {
			continue
		}
		capable++
		if !a.Available.Fits(vm.Spec) {
			continue
		}
		eligible = append(eligible, a)
	}

	switch {
	case online == 0:
		return "", strerr.New(strerr.KindNoAgents, "no agents are online")
	case capable == 0:
		return "", strerr.New(strerr.KindNoEligibleAgent,
			"no online agent has capabilities %s", strings.Join(vm.Capabilities, ","))
	case len(eligible) == 0:
		return "", strerr.New(strerr.KindInsufficientCapacity,
			"no capable agent can fit cpu=%d memory=%d disk=%d", vm.Spec.CPU, vm.Spec.Memory, vm.Spec.Disk)
	}

	// Deterministic order so score ties break on agent id ascending.
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].ID < eligible[j].ID })

	switch strategy {
	case StrategyBestFit:
		return pickBestFit(eligible, vm.Spec), nil
	case StrategyRoundRobin:
		return s.pickRoundRobin(eligible), nil
	case StrategyRandom:
		return s.pickRandom(eligible), nil
	default:
		return pickLeastLoaded(eligible), nil
	}
}

func hasCapabilities(a *core.Agent, required []string) bool {
	for _, c := range required {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

// pickLeastLoaded scores each agent by weighted utilization and picks the
// least utilized. Lower is better.
func pickLeastLoaded(agents []core.Agent) string {
	best := 0
	bestScore := utilization(agents[0])
	for i := 1; i < len(agents); i++ {
		if score := utilization(agents[i]); score < bestScore {
			best, bestScore = i, score
		}
	}
	return agents[best].ID
}

func utilization(a core.Agent) float64 {
	return weightCPU*used(a.Total.CPU, a.Available.CPU) +
		weightMemory*used64(a.Total.Memory, a.Available.Memory) +
		weightDisk*used64(a.Total.Disk, a.Available.Disk)
}

func used(total, available int) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-available) / float64(total)
}

func used64(total, available int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(total-available) / float64(total)
}

// pickBestFit minimises leftover capacity after placement, packing VMs
// tightly to keep large agents free. Memory and disk are normalised to
// gigabytes so the dimensions are comparable.
func pickBestFit(agents []core.Agent, need core.Resources) string {
	best := 0
	bestScore := leftover(agents[0], need)
	for i := 1; i < len(agents); i++ {
		if score := leftover(agents[i], need); score < bestScore {
			best, bestScore = i, score
		}
	}
	return agents[best].ID
}

func leftover(a core.Agent, need core.Resources) float64 {
	rem := a.Available.Sub(need)
	return float64(rem.CPU) +
		float64(rem.Memory)/float64(core.GB) +
		float64(rem.Disk)/float64(core.GB)
}

// pickRoundRobin cycles through the eligible set in id order. The counter is
// global, not per-set: with a stable fleet this yields an even rotation.
func (s *Scheduler) pickRoundRobin(agents []core.Agent) string {
	s.mu.Lock()
	n := s.rrNext
	s.rrNext++
	s.mu.Unlock()
	return agents[n%uint64(len(agents))].ID
}

func (s *Scheduler) pickRandom(agents []core.Agent) string {
	s.mu.Lock()
	i := s.rng.Intn(len(agents))
	s.mu.Unlock()
	return agents[i].ID
}
