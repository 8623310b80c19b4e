package core

import "time"

// AgentStatus is the lifecycle status of a hypervisor agent as seen by the
// control plane.
type AgentStatus string

const (
	AgentConnecting AgentStatus = "connecting"
	AgentOnline     AgentStatus = "online"
	AgentOffline    AgentStatus = "offline"
	AgentError      AgentStatus = "error"
)

// Agent describes an enrolled hypervisor agent. Available never exceeds Total
// in any dimension and never goes negative; the registry enforces both.
type Agent struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Hostname      string      `json:"hostname"`
	Version       string      `json:"version"`
	Capabilities  []string    `json:"capabilities,omitempty"` // kvm, hvf, ovn, ...
	Total         Resources   `json:"total"`
	Available     Resources   `json:"available"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	RunningVMs    int         `json:"running_vms"`
	CertSerial    string      `json:"cert_serial"` // serial of the cert binding the current channel
	EnrolledAt    time.Time   `json:"enrolled_at"`
}

// HasCapability reports whether the agent advertises the named capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}
