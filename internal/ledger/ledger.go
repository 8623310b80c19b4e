// Package ledger is the hierarchical quota ledger. Reservations are
// all-or-nothing holds against every enabled quota on a project's scope
// chain; they are committed when the VM they back reaches its accounting
// point and released when it terminates or placement fails.
package ledger

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/events"
	"github.com/samcat116/strato/internal/metrics"
	"github.com/samcat116/strato/internal/strerr"
)

// Store is the persistence the ledger needs.
type Store interface {
	SaveQuota(core.ResourceQuota) error
	GetQuota(id string) (core.ResourceQuota, error)
	ListQuotas() ([]core.ResourceQuota, error)
	ListQuotasByScope(core.ScopeRef) ([]core.ResourceQuota, error)
	DeleteQuota(id string) error

	SaveReservation(core.Reservation) error
	GetReservation(id string) (core.Reservation, error)
	ListReservations() ([]core.Reservation, error)

	GetProject(id string) (core.Project, error)
}

// Ledger serialises quota accounting per scope. Chain locks are taken
// root-first; chains within one organization share the organization lock
// first, so lock order is globally consistent and deadlock-free.
type Ledger struct {
	store Store
	bus   *events.Bus
	clk   clock.Clock
	log   *slog.Logger
	ttl   time.Duration // pending reservation lifetime

	lockMu sync.Mutex
	locks  map[core.ScopeRef]*sync.Mutex
}

// New builds a Ledger. ttl bounds how long a pending reservation may sit
// before the sweeper reclaims it.
func New(st Store, bus *events.Bus, clk clock.Clock, log *slog.Logger, ttl time.Duration) *Ledger {
	return &Ledger{
		store: st,
		bus:   bus,
		clk:   clk,
		log:   log.With("component", "ledger"),
		ttl:   ttl,
		locks: make(map[core.ScopeRef]*sync.Mutex),
	}
}

// scopeChain derives the root-first scope chain from a project's materialized
// path: organization, each organizational unit, then the project itself.
func scopeChain(p core.Project) []core.ScopeRef {
	segs := core.SplitPath(p.Path)
	if len(segs) == 0 {
		return nil
	}
	chain := make([]core.ScopeRef, 0, len(segs))
	chain = append(chain, core.ScopeRef{Kind: core.ScopeOrganization, ID: segs[0]})
	for _, ou := range segs[1 : len(segs)-1] {
		chain = append(chain, core.ScopeRef{Kind: core.ScopeOrgUnit, ID: ou})
	}
	chain = append(chain, core.ScopeRef{Kind: core.ScopeProject, ID: p.ID})
	return chain
}

// lockChain acquires the per-scope locks root-first and returns the matching
// unlock, which releases in reverse.
func (l *Ledger) lockChain(chain []core.ScopeRef) func() {
	ms := make([]*sync.Mutex, 0, len(chain))
	for _, s := range chain {
		ms = append(ms, l.scopeLock(s))
	}
	for _, m := range ms {
		m.Lock()
	}
	return func() {
		for i := len(ms) - 1; i >= 0; i-- {
			ms[i].Unlock()
		}
	}
}

func (l *Ledger) scopeLock(s core.ScopeRef) *sync.Mutex {
	l.lockMu.Lock()
	defer l.lockMu.Unlock()
	m, ok := l.locks[s]
	if !ok {
		m = &sync.Mutex{}
		l.locks[s] = m
	}
	return m
}

// applicableQuotas returns the enabled quotas on the chain that constrain the
// given environment. An environment-scoped quota is an independent constraint
// alongside the scope's unscoped quota.
func (l *Ledger) applicableQuotas(chain []core.ScopeRef, env string) ([]core.ResourceQuota, error) {
	var out []core.ResourceQuota
	for _, scope := range chain {
		qs, err := l.store.ListQuotasByScope(scope)
		if err != nil {
			return nil, fmt.Errorf("list quotas for %s %s: %w", scope.Kind, scope.ID, err)
		}
		for _, q := range qs {
			if !q.Enabled {
				continue
			}
			if q.Environment != "" && q.Environment != env {
				continue
			}
			out = append(out, q)
		}
	}
	return out, nil
}

// Reserve places an all-or-nothing hold of amount (plus one VM slot) against
// every applicable quota on the project's scope chain. On any shortfall
// nothing is charged and the failing quota is named in the error.
func (l *Ledger) Reserve(projectID, env string, amount core.Resources) (core.Reservation, error) {
	project, err := l.store.GetProject(projectID)
	if err != nil {
		return core.Reservation{}, strerr.New(strerr.KindNotFound, "project %s not found", projectID)
	}
	if !project.HasEnvironment(env) {
		return core.Reservation{}, strerr.New(strerr.KindBadRequest,
			"project %s has no environment %q", projectID, env)
	}

	chain := scopeChain(project)
	unlock := l.lockChain(chain)
	defer unlock()

	quotas, err := l.applicableQuotas(chain, env)
	if err != nil {
		return core.Reservation{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "load quotas")
	}

	// Check everything before charging anything.
	for i := range quotas {
		if !quotas[i].Headroom(amount, 1) {
			metrics.QuotaRejections.Inc()
			l.bus.Publish(events.Event{
				Type:      events.EventQuotaExceeded,
				ProjectID: projectID,
				Message:   fmt.Sprintf("quota %s on %s %s exhausted", quotas[i].ID, quotas[i].Scope.Kind, quotas[i].Scope.ID),
				Timestamp: l.clk.Now(),
			})
			return core.Reservation{}, strerr.New(strerr.KindQuotaExceeded,
				"quota %s on %s %s cannot absorb cpu=%d memory=%d disk=%d",
				quotas[i].ID, quotas[i].Scope.Kind, quotas[i].Scope.ID, amount.CPU, amount.Memory, amount.Disk)
		}
	}

	now := l.clk.Now().UTC()
	quotaIDs := make([]string, 0, len(quotas))
	charged := make([]core.ResourceQuota, 0, len(quotas))
	for i := range quotas {
		q := quotas[i]
		q.Reserved.CPU += amount.CPU
		q.Reserved.Memory += amount.Memory
		q.Reserved.Disk += amount.Disk
		q.Reserved.VMs++
		q.UpdatedAt = now
		if err := l.store.SaveQuota(q); err != nil {
			l.rollback(charged, amount, now)
			return core.Reservation{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "charge quota %s", q.ID)
		}
		charged = append(charged, q)
		quotaIDs = append(quotaIDs, q.ID)
	}

	res := core.Reservation{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Environment: env,
		Amount:      amount,
		QuotaIDs:    quotaIDs,
		State:       core.ReservationPending,
		CreatedAt:   now,
	}
	if err := l.store.SaveReservation(res); err != nil {
		l.rollback(charged, amount, now)
		return core.Reservation{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save reservation")
	}

	metrics.ReservationsActive.Inc()
	l.log.Debug("reservation placed", "reservation", res.ID, "project", projectID, "env", env, "quotas", len(quotaIDs))
	return res, nil
}

// rollback undoes charges after a mid-flight persistence failure. Caller
// holds the chain locks.
func (l *Ledger) rollback(charged []core.ResourceQuota, amount core.Resources, now time.Time) {
	for _, q := range charged {
		q.Reserved.CPU -= amount.CPU
		q.Reserved.Memory -= amount.Memory
		q.Reserved.Disk -= amount.Disk
		q.Reserved.VMs--
		q.UpdatedAt = now
		if err := l.store.SaveQuota(q); err != nil {
			l.log.Error("rollback failed; ledger rebuild will repair on restart", "quota", q.ID, "error", err)
		}
	}
}

// Bind attaches a VM id to a pending reservation so reconciliation can map
// reservations back to their VMs.
func (l *Ledger) Bind(reservationID, vmID string) error {
	res, err := l.store.GetReservation(reservationID)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "reservation %s not found", reservationID)
	}
	res.VMID = vmID
	if err := l.store.SaveReservation(res); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save reservation")
	}
	return nil
}

// Commit finalises a pending reservation. Committing twice is a no-op;
// committing a released reservation is a conflict.
func (l *Ledger) Commit(reservationID string) error {
	res, err := l.store.GetReservation(reservationID)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "reservation %s not found", reservationID)
	}
	switch res.State {
	case core.ReservationCommitted:
		return nil
	case core.ReservationReleased:
		return strerr.New(strerr.KindConflict, "reservation %s already released", reservationID)
	}

	res.State = core.ReservationCommitted
	res.CommittedAt = l.clk.Now().UTC()
	if err := l.store.SaveReservation(res); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save reservation")
	}
	l.log.Debug("reservation committed", "reservation", reservationID, "vm", res.VMID)
	return nil
}

// Release returns a reservation's charges to exactly the quotas it was
// charged against, even if quotas were added or disabled since. Releasing
// twice is a no-op.
func (l *Ledger) Release(reservationID string) error {
	res, err := l.store.GetReservation(reservationID)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "reservation %s not found", reservationID)
	}
	if res.State == core.ReservationReleased {
		return nil
	}

	project, err := l.store.GetProject(res.ProjectID)
	var unlock func()
	if err == nil {
		unlock = l.lockChain(scopeChain(project))
	} else {
		// Project deleted while the reservation lived: fall back to per-quota
		// locks in stored (root-first) order.
		unlock = l.lockQuotaScopes(res.QuotaIDs)
	}
	defer unlock()

	// Re-read under lock; a concurrent release may have beaten us.
	res, err = l.store.GetReservation(reservationID)
	if err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "reload reservation")
	}
	if res.State == core.ReservationReleased {
		return nil
	}

	now := l.clk.Now().UTC()
	for _, qid := range res.QuotaIDs {
		q, err := l.store.GetQuota(qid)
		if err != nil {
			continue // quota deleted since; nothing to return
		}
		q.Reserved.CPU = max(0, q.Reserved.CPU-res.Amount.CPU)
		q.Reserved.Memory = max(0, q.Reserved.Memory-res.Amount.Memory)
		q.Reserved.Disk = max(0, q.Reserved.Disk-res.Amount.Disk)
		q.Reserved.VMs = max(0, q.Reserved.VMs-1)
		q.UpdatedAt = now
		if err := l.store.SaveQuota(q); err != nil {
			return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "uncharge quota %s", qid)
		}
	}

	res.State = core.ReservationReleased
	res.ReleasedAt = now
	if err := l.store.SaveReservation(res); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save reservation")
	}

	metrics.ReservationsActive.Dec()
	l.log.Debug("reservation released", "reservation", reservationID)
	return nil
}

// lockQuotaScopes locks the scopes of the named quotas in stored order.
func (l *Ledger) lockQuotaScopes(quotaIDs []string) func() {
	var scopes []core.ScopeRef
	seen := map[core.ScopeRef]bool{}
	for _, qid := range quotaIDs {
		q, err := l.store.GetQuota(qid)
		if err != nil || seen[q.Scope] {
			continue
		}
		seen[q.Scope] = true
		scopes = append(scopes, q.Scope)
	}
	return l.lockChain(scopes)
}

// SweepExpired releases pending reservations older than the TTL. Returns how
// many were reclaimed.
func (l *Ledger) SweepExpired() int {
	all, err := l.store.ListReservations()
	if err != nil {
		l.log.Error("list reservations", "error", err)
		return 0
	}

	now := l.clk.Now()
	reclaimed := 0
	for _, res := range all {
		if res.State != core.ReservationPending {
			continue
		}
		if now.Sub(res.CreatedAt) <= l.ttl {
			continue
		}
		if err := l.Release(res.ID); err != nil {
			l.log.Error("release expired reservation", "reservation", res.ID, "error", err)
			continue
		}
		metrics.ReservationsExpired.Inc()
		l.log.Warn("reservation expired", "reservation", res.ID, "vm", res.VMID, "age", now.Sub(res.CreatedAt))
		reclaimed++
	}
	return reclaimed
}

// Rebuild recomputes every quota's reserved counters from the live
// reservations. Run at startup so crashes between a quota write and a
// reservation write cannot leak usage.
func (l *Ledger) Rebuild() error {
	quotas, err := l.store.ListQuotas()
	if err != nil {
		return fmt.Errorf("list quotas: %w", err)
	}
	reservations, err := l.store.ListReservations()
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}

	usage := make(map[string]core.QuotaUsage, len(quotas))
	active := 0
	for _, res := range reservations {
		if res.State == core.ReservationReleased {
			continue
		}
		active++
		for _, qid := range res.QuotaIDs {
			u := usage[qid]
			u.CPU += res.Amount.CPU
			u.Memory += res.Amount.Memory
			u.Disk += res.Amount.Disk
			u.VMs++
			usage[qid] = u
		}
	}

	now := l.clk.Now().UTC()
	for _, q := range quotas {
		want := usage[q.ID]
		if q.Reserved == want {
			continue
		}
		l.log.Warn("repairing quota usage", "quota", q.ID, "stored", q.Reserved, "computed", want)
		q.Reserved = want
		q.UpdatedAt = now
		if err := l.store.SaveQuota(q); err != nil {
			return fmt.Errorf("repair quota %s: %w", q.ID, err)
		}
	}

	metrics.ReservationsActive.Set(float64(active))
	l.log.Info("ledger rebuilt", "quotas", len(quotas), "active_reservations", active)
	return nil
}
