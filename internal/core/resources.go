// Package core holds the domain types shared across Strato subsystems:
// resource vectors, the entity hierarchy, VM and agent lifecycle state, and
// the PKI records. Subsystems reference each other's entities by identifier
// only; no owning pointers cross package boundaries.
package core

// GB is the byte count of a gigabyte, used when normalising memory and disk
// dimensions for scoring.
const GB = int64(1024 * 1024 * 1024)

// Resources is a vector of the three capacity dimensions Strato accounts for.
// Memory and disk are byte counts; CPU is a whole-core count.
type Resources struct {
	CPU    int   `json:"cpu"`
	Memory int64 `json:"memory"`
	Disk   int64 `json:"disk"`
}

// Add returns r + other in every dimension.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPU:    r.CPU + other.CPU,
		Memory: r.Memory + other.Memory,
		Disk:   r.Disk + other.Disk,
	}
}

// Sub returns r - other in every dimension.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		CPU:    r.CPU - other.CPU,
		Memory: r.Memory - other.Memory,
		Disk:   r.Disk - other.Disk,
	}
}

// Fits reports whether r is large enough to hold need in every dimension.
func (r Resources) Fits(need Resources) bool {
	return r.CPU >= need.CPU && r.Memory >= need.Memory && r.Disk >= need.Disk
}

// NonNegative reports whether no dimension has gone below zero.
func (r Resources) NonNegative() bool {
	return r.CPU >= 0 && r.Memory >= 0 && r.Disk >= 0
}

// IsZero reports whether every dimension is zero.
func (r Resources) IsZero() bool {
	return r.CPU == 0 && r.Memory == 0 && r.Disk == 0
}
