package core

import "time"

// VMState is the runtime state of a virtual machine.
type VMState string

const (
	VMPending   VMState = "pending"
	VMScheduled VMState = "scheduled"
	VMStarting  VMState = "starting"
	VMRunning   VMState = "running"
	VMStopping  VMState = "stopping"
	VMStopped   VMState = "stopped"
	VMFailed    VMState = "failed"
	VMDeleted   VMState = "deleted"
)

// vmTransitions is the runtime state machine:
//
//	pending → scheduled → starting → running ↔ stopping → stopped
//	                                running → failed
//	                                any terminal → deleted
var vmTransitions = map[VMState][]VMState{
	VMPending:   {VMScheduled, VMFailed, VMDeleted},
	VMScheduled: {VMStarting, VMFailed, VMDeleted},
	VMStarting:  {VMRunning, VMFailed, VMDeleted},
	VMRunning:   {VMStopping, VMFailed},
	VMStopping:  {VMStopped, VMRunning, VMFailed},
	VMStopped:   {VMStarting, VMDeleted},
	VMFailed:    {VMDeleted},
	VMDeleted:   {},
}

// CanTransition reports whether to is a reachable successor of from.
func (from VMState) CanTransition(to VMState) bool {
	for _, next := range vmTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the state accepts no further lifecycle commands
// other than delete.
func (s VMState) Terminal() bool {
	return s == VMStopped || s == VMFailed || s == VMDeleted
}

// HoldsReservation reports whether a VM in this state must be backed by a
// ledger reservation and a registry capacity hold on its assigned agent.
func (s VMState) HoldsReservation() bool {
	switch s {
	case VMScheduled, VMStarting, VMRunning, VMStopping:
		return true
	}
	return false
}

// VM is a virtual machine record. AssignedAgent and ReservationID are empty
// until the scheduler has placed the VM.
type VM struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	OwnerID       string    `json:"owner_id"`
	ProjectID     string    `json:"project_id"`
	Environment   string    `json:"environment"`
	Spec          Resources `json:"spec"`
	Capabilities  []string  `json:"capabilities,omitempty"` // required agent capabilities (kvm, hvf, ...)
	AssignedAgent string    `json:"assigned_agent,omitempty"`
	State         VMState   `json:"state"`
	ReservationID string    `json:"reservation_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ScheduledAt   time.Time `json:"scheduled_at,omitempty"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	StoppedAt     time.Time `json:"stopped_at,omitempty"`
	DeletedAt     time.Time `json:"deleted_at,omitempty"`
}
