package ledger

import (
	"github.com/google/uuid"

	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/strerr"
)

// CreateQuota attaches a new enabled quota to a scope. Existing reservations
// are not retroactively charged against it; it constrains reservations made
// from now on.
func (l *Ledger) CreateQuota(scope core.ScopeRef, env string, limits core.QuotaLimits) (core.ResourceQuota, error) {
	if scope.ID == "" {
		return core.ResourceQuota{}, strerr.New(strerr.KindBadRequest, "quota scope is required")
	}

	m := l.scopeLock(scope)
	m.Lock()
	defer m.Unlock()

	now := l.clk.Now().UTC()
	q := core.ResourceQuota{
		ID:          uuid.NewString(),
		Scope:       scope,
		Environment: env,
		Max:         limits,
		Enabled:     true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.SaveQuota(q); err != nil {
		return core.ResourceQuota{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save quota")
	}
	l.log.Info("quota created", "quota", q.ID, "scope_kind", scope.Kind, "scope", scope.ID, "env", env)
	return q, nil
}

// UpdateLimits changes a quota's maxima. Lowering any dimension below the
// currently reserved amount is refused; release the usage first. A negative
// limit lifts the constraint on that dimension and is always accepted.
func (l *Ledger) UpdateLimits(quotaID string, limits core.QuotaLimits) (core.ResourceQuota, error) {
	q, err := l.store.GetQuota(quotaID)
	if err != nil {
		return core.ResourceQuota{}, strerr.New(strerr.KindNotFound, "quota %s not found", quotaID)
	}

	m := l.scopeLock(q.Scope)
	m.Lock()
	defer m.Unlock()

	q, err = l.store.GetQuota(quotaID)
	if err != nil {
		return core.ResourceQuota{}, strerr.New(strerr.KindNotFound, "quota %s not found", quotaID)
	}
	below := func(limit, reserved int64) bool { return limit >= 0 && limit < reserved }
	if below(int64(limits.CPU), int64(q.Reserved.CPU)) || below(limits.Memory, q.Reserved.Memory) ||
		below(limits.Disk, q.Reserved.Disk) || below(int64(limits.VMs), int64(q.Reserved.VMs)) {
		return core.ResourceQuota{}, strerr.New(strerr.KindConflict,
			"quota %s has %d cpu / %d memory / %d disk / %d VMs reserved; limits cannot go below current usage",
			quotaID, q.Reserved.CPU, q.Reserved.Memory, q.Reserved.Disk, q.Reserved.VMs)
	}

	q.Max = limits
	q.UpdatedAt = l.clk.Now().UTC()
	if err := l.store.SaveQuota(q); err != nil {
		return core.ResourceQuota{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save quota")
	}
	return q, nil
}

// SetEnabled toggles a quota. A disabled quota stops constraining new
// reservations but keeps its reserved counters so re-enabling is safe.
func (l *Ledger) SetEnabled(quotaID string, enabled bool) (core.ResourceQuota, error) {
	q, err := l.store.GetQuota(quotaID)
	if err != nil {
		return core.ResourceQuota{}, strerr.New(strerr.KindNotFound, "quota %s not found", quotaID)
	}

	m := l.scopeLock(q.Scope)
	m.Lock()
	defer m.Unlock()

	q, err = l.store.GetQuota(quotaID)
	if err != nil {
		return core.ResourceQuota{}, strerr.New(strerr.KindNotFound, "quota %s not found", quotaID)
	}
	q.Enabled = enabled
	q.UpdatedAt = l.clk.Now().UTC()
	if err := l.store.SaveQuota(q); err != nil {
		return core.ResourceQuota{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save quota")
	}
	l.log.Info("quota toggled", "quota", quotaID, "enabled", enabled)
	return q, nil
}

// DeleteQuota removes a quota that has no live usage. Deleting a quota with
// reservations against it would strand their release accounting.
func (l *Ledger) DeleteQuota(quotaID string) error {
	q, err := l.store.GetQuota(quotaID)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "quota %s not found", quotaID)
	}

	m := l.scopeLock(q.Scope)
	m.Lock()
	defer m.Unlock()

	q, err = l.store.GetQuota(quotaID)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "quota %s not found", quotaID)
	}
	if q.Reserved != (core.QuotaUsage{}) {
		return strerr.New(strerr.KindConflict, "quota %s has live reservations", quotaID)
	}
	if err := l.store.DeleteQuota(quotaID); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "delete quota")
	}
	l.log.Info("quota deleted", "quota", quotaID)
	return nil
}

// GetQuota returns a quota by id.
func (l *Ledger) GetQuota(quotaID string) (core.ResourceQuota, error) {
	q, err := l.store.GetQuota(quotaID)
	if err != nil {
		return core.ResourceQuota{}, strerr.New(strerr.KindNotFound, "quota %s not found", quotaID)
	}
	return q, nil
}

// ListQuotas returns all quotas.
func (l *Ledger) ListQuotas() ([]core.ResourceQuota, error) {
	qs, err := l.store.ListQuotas()
	if err != nil {
		return nil, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list quotas")
	}
	return qs, nil
}

// ListQuotasByScope returns the quotas attached to one scope entity.
func (l *Ledger) ListQuotasByScope(scope core.ScopeRef) ([]core.ResourceQuota, error) {
	qs, err := l.store.ListQuotasByScope(scope)
	if err != nil {
		return nil, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list quotas")
	}
	return qs, nil
}
