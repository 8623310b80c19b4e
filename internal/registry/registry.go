// Package registry tracks the agent fleet: connectivity, advertised capacity,
// and the capacity holds placed by the scheduler. Agent metadata is persisted
// to BoltDB; holds and connectivity are rebuilt on restart.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/metrics"
	"github.com/samcat116/strato/internal/strerr"
)

// AgentStore is the persistence the registry needs.
type AgentStore interface {
	SaveAgent(core.Agent) error
	ListAgents() ([]core.Agent, error)
	DeleteAgent(id string) error
}

// Heartbeat is an agent's periodic capacity report.
type Heartbeat struct {
	Available  core.Resources
	RunningVMs int
	Timestamp  time.Time
}

// Registry is the in-memory fleet view. All reads and writes go through one
// RWMutex; Snapshot hands out deep copies so callers never see a map entry
// mutate under them.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*core.Agent

	store  AgentStore
	bus    *events.Bus
	clk    clock.Clock
	log    *slog.Logger
	window time.Duration // heartbeat liveness window
}

// New creates a Registry backed by the given store. Call Load() after
// construction to hydrate from BoltDB.
func New(st AgentStore, bus *events.Bus, clk clock.Clock, log *slog.Logger, heartbeatWindow time.Duration) *Registry {
	return &Registry{
		agents: make(map[string]*core.Agent),
		store:  st,
		bus:    bus,
		clk:    clk,
		log:    log.With("component", "registry"),
		window: heartbeatWindow,
	}
}

// Load reads persisted agents into memory. Every agent starts offline with
// full capacity available; holds are reapplied by lifecycle reconciliation
// and connectivity returns when the agent reconnects.
func (r *Registry) Load() error {
	agents, err := r.store.ListAgents()
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range agents {
		a.Status = core.AgentOffline
		a.Available = a.Total
		agent := a
		r.agents[a.ID] = &agent
	}
	r.updateGauges()

	r.log.Info("loaded agents from store", "count", len(r.agents))
	return nil
}

// Register upserts an agent record. Re-registration of a known agent updates
// its metadata and total capacity but keeps its identity; available capacity
// resets to the advertised total minus nothing (holds are reapplied by the
// caller).
func (r *Registry) Register(a core.Agent) error {
	r.mu.Lock()
	if cur, ok := r.agents[a.ID]; ok {
		cur.Name = a.Name
		cur.Hostname = a.Hostname
		cur.Version = a.Version
		cur.Capabilities = a.Capabilities
		cur.Total = a.Total
		cur.Available = a.Available
		cur.Status = a.Status
		cur.CertSerial = a.CertSerial
		a = *cur
	} else {
		agent := a
		r.agents[a.ID] = &agent
	}
	r.updateGauges()
	r.mu.Unlock()

	if err := r.store.SaveAgent(a); err != nil {
		return fmt.Errorf("persist agent %s: %w", a.ID, err)
	}
	r.log.Info("agent registered", "agent", a.ID, "cpu", a.Total.CPU, "memory", a.Total.Memory)
	return nil
}

// Heartbeat applies a capacity report. Reports carry the agent's clock;
// anything at or before the last applied report is dropped so reordered
// deliveries cannot roll capacity backwards. Returns false for dropped
// reports.
func (r *Registry) Heartbeat(agentID string, hb Heartbeat) (bool, error) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return false, strerr.New(strerr.KindNotFound, "agent %s not registered", agentID)
	}
	if !hb.Timestamp.After(a.LastHeartbeat) {
		r.mu.Unlock()
		return false, nil
	}

	a.LastHeartbeat = hb.Timestamp
	a.RunningVMs = hb.RunningVMs
	a.Available = clampResources(hb.Available, a.Total)
	a.Status = core.AgentOnline
	snapshot := *a
	r.updateGauges()
	r.mu.Unlock()

	if err := r.store.SaveAgent(snapshot); err != nil {
		return true, fmt.Errorf("persist heartbeat %s: %w", agentID, err)
	}
	return true, nil
}

// SetStatus transitions an agent's connectivity status.
func (r *Registry) SetStatus(agentID string, status core.AgentStatus) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return strerr.New(strerr.KindNotFound, "agent %s not registered", agentID)
	}
	old := a.Status
	a.Status = status
	snapshot := *a
	r.updateGauges()
	r.mu.Unlock()

	if old != status {
		r.log.Info("agent status changed", "agent", agentID, "from", old, "to", status)
	}
	if err := r.store.SaveAgent(snapshot); err != nil {
		return fmt.Errorf("persist agent status %s: %w", agentID, err)
	}
	return nil
}

// Reserve places a capacity hold on an agent. Fails without mutating anything
// when the hold would push any dimension of available below zero.
func (r *Registry) Reserve(agentID string, res core.Resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return strerr.New(strerr.KindNotFound, "agent %s not registered", agentID)
	}
	remaining := a.Available.Sub(res)
	if !remaining.NonNegative() {
		return strerr.New(strerr.KindInsufficientCapacity,
			"agent %s cannot hold cpu=%d memory=%d disk=%d", agentID, res.CPU, res.Memory, res.Disk)
	}
	a.Available = remaining
	return nil
}

// Release returns a capacity hold. Available is clamped to Total so a
// double-release cannot create phantom capacity.
func (r *Registry) Release(agentID string, res core.Resources) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.agents[agentID]; ok {
		a.Available = clampResources(a.Available.Add(res), a.Total)
	}
}

// Get returns a copy of an agent record.
func (r *Registry) Get(agentID string) (core.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return core.Agent{}, false
	}
	return *a, true
}

// Snapshot returns a point-in-time deep copy of the fleet. The scheduler
// filters and scores this copy without holding the registry lock.
func (r *Registry) Snapshot() []core.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.Agent, 0, len(r.agents))
	for _, a := range r.agents {
		c := *a
		c.Capabilities = append([]string(nil), a.Capabilities...)
		out = append(out, c)
	}
	return out
}

// SweepOffline marks agents whose last heartbeat is outside the liveness
// window as offline and publishes an event per transition. Agents sitting in
// the post-disconnect connecting grace are swept on the same window. Returns
// how many agents were transitioned.
func (r *Registry) SweepOffline() int {
	now := r.clk.Now()
	var flipped []core.Agent

	r.mu.Lock()
	for _, a := range r.agents {
		if a.Status != core.AgentOnline && a.Status != core.AgentConnecting {
			continue
		}
		if now.Sub(a.LastHeartbeat) > r.window {
			a.Status = core.AgentOffline
			flipped = append(flipped, *a)
		}
	}
	if len(flipped) > 0 {
		r.updateGauges()
	}
	r.mu.Unlock()

	for _, a := range flipped {
		r.log.Warn("agent missed heartbeat window", "agent", a.ID, "last_heartbeat", a.LastHeartbeat)
		if err := r.store.SaveAgent(a); err != nil {
			r.log.Error("persist offline agent", "agent", a.ID, "error", err)
		}
		r.bus.Publish(events.Event{
			Type:      events.EventAgentOffline,
			AgentID:   a.ID,
			Timestamp: now,
		})
	}
	return len(flipped)
}

// Remove deletes an agent from memory and the store.
func (r *Registry) Remove(agentID string) error {
	r.mu.Lock()
	delete(r.agents, agentID)
	r.updateGauges()
	r.mu.Unlock()

	if err := r.store.DeleteAgent(agentID); err != nil {
		return fmt.Errorf("delete agent %s: %w", agentID, err)
	}
	r.log.Info("agent removed", "agent", agentID)
	return nil
}

// updateGauges recomputes the per-status agent gauge. Caller holds r.mu.
func (r *Registry) updateGauges() {
	counts := map[core.AgentStatus]int{}
	for _, a := range r.agents {
		counts[a.Status]++
	}
	for _, st := range []core.AgentStatus{core.AgentConnecting, core.AgentOnline, core.AgentOffline, core.AgentError} {
		metrics.AgentsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

// clampResources bounds every dimension of r to [0, max].
func clampResources(r, max core.Resources) core.Resources {
	clamp := func(v, hi int64) int64 {
		if v < 0 {
			return 0
		}
		if v > hi {
			return hi
		}
		return v
	}
	return core.Resources{
		CPU:    int(clamp(int64(r.CPU), int64(max.CPU))),
		Memory: clamp(r.Memory, max.Memory),
		Disk:   clamp(r.Disk, max.Disk),
	}
}
