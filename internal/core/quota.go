package core

import "time"

// ScopeKind tags the entity a quota is attached to.
type ScopeKind string

const (
	ScopeOrganization ScopeKind = "organization"
	ScopeOrgUnit      ScopeKind = "organizational_unit"
	ScopeProject      ScopeKind = "project"
)

// ScopeRef is a tagged reference to a quota scope entity.
type ScopeRef struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

// QuotaLimits is the declared maxima of a quota. A negative maximum disables
// that dimension: the quota does not constrain it. Zero is a real limit of
// zero.
type QuotaLimits struct {
	CPU    int   `json:"cpu"`
	Memory int64 `json:"memory"`
	Disk   int64 `json:"disk"`
	VMs    int   `json:"vms"`
}

// QuotaUsage tracks live reservation totals in the same dimensions.
type QuotaUsage struct {
	CPU    int   `json:"cpu"`
	Memory int64 `json:"memory"`
	Disk   int64 `json:"disk"`
	VMs    int   `json:"vms"`
}

// ResourceQuota caps reservations at one scope, optionally narrowed to a
// single environment. Reserved never exceeds Max on any dimension.
type ResourceQuota struct {
	ID          string      `json:"id"`
	Scope       ScopeRef    `json:"scope"`
	Environment string      `json:"environment,omitempty"` // empty = all environments
	Max         QuotaLimits `json:"max"`
	Reserved    QuotaUsage  `json:"reserved"`
	Enabled     bool        `json:"enabled"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Headroom reports whether the quota can absorb delta more resources and vms
// more VMs without breaching any maximum. Dimensions with a negative maximum
// are unconstrained.
func (q *ResourceQuota) Headroom(delta Resources, vms int) bool {
	if !q.Enabled {
		return true
	}
	if q.Max.CPU >= 0 && q.Reserved.CPU+delta.CPU > q.Max.CPU {
		return false
	}
	if q.Max.Memory >= 0 && q.Reserved.Memory+delta.Memory > q.Max.Memory {
		return false
	}
	if q.Max.Disk >= 0 && q.Reserved.Disk+delta.Disk > q.Max.Disk {
		return false
	}
	if q.Max.VMs >= 0 && q.Reserved.VMs+vms > q.Max.VMs {
		return false
	}
	return true
}

// ReservationState tracks the two-phase lifecycle of a ledger reservation.
type ReservationState string

const (
	ReservationPending   ReservationState = "pending"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Reservation is a ledger hold against every enabled quota on a scope chain.
// QuotaIDs records exactly which quotas were charged so release decrements
// the same set even if quotas are added or disabled afterwards.
type Reservation struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	Environment string           `json:"environment"`
	VMID        string           `json:"vm_id,omitempty"`
	Amount      Resources        `json:"amount"`
	QuotaIDs    []string         `json:"quota_ids"`
	State       ReservationState `json:"state"`
	CreatedAt   time.Time        `json:"created_at"`
	CommittedAt time.Time        `json:"committed_at,omitempty"`
	ReleasedAt  time.Time        `json:"released_at,omitempty"`
}
