package channel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/samcat116/strato/internal/core"
)

// Frame types carried on the agent channel.
const (
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypeCommand   = "command"
	TypeReply     = "reply"
	TypeEvent     = "event"
)

// Command operations sent to agents.
const (
	OpCreateVM  = "create_vm"
	OpStartVM   = "start"
	OpStopVM    = "stop"
	OpRestartVM = "restart"
	OpDeleteVM  = "delete"
)

// Asynchronous event kinds reported by agents.
const (
	EventVMRunning = "vm_running"
	EventVMStopped = "vm_stopped"
	EventVMFailed  = "vm_failed"
)

// Frame is the envelope for every message on the channel. ID is the
// correlation id: required on command and reply frames, optional on events.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	AgentID string          `json:"agent_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is the first frame an agent sends after connecting.
type RegisterPayload struct {
	Hostname     string         `json:"hostname,omitempty"`
	Version      string         `json:"version"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Totals       core.Resources `json:"totals"`
}

// HeartbeatPayload is the agent's periodic capacity report. Timestamp is the
// agent's clock; the registry drops reports that arrive out of order.
type HeartbeatPayload struct {
	Available      core.Resources `json:"available"`
	RunningVMCount int            `json:"running_vm_count"`
	Timestamp      time.Time      `json:"timestamp"`
}

// CommandPayload is a lifecycle instruction for one VM. VM is populated on
// create; control operations carry only the id.
type CommandPayload struct {
	Op   string   `json:"op"`
	VMID string   `json:"vm_id"`
	VM   *core.VM `json:"vm,omitempty"`
}

// ReplyPayload is an agent's answer to one command frame.
type ReplyPayload struct {
	Status string     `json:"status"` // "ok" or "error"
	Error  *WireError `json:"error,omitempty"`
}

// OK reports whether the reply signals success.
func (r ReplyPayload) OK() bool { return r.Status == "ok" }

// WireError is the error detail carried in an error reply.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *WireError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// EventPayload is an asynchronous state report from an agent, outside any
// request/reply exchange.
type EventPayload struct {
	Kind    string            `json:"kind"`
	VMID    string            `json:"vm_id"`
	Details map[string]string `json:"details,omitempty"`
}

func marshalFrame(frameType, id, agentID string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", frameType, err)
	}
	return Frame{Type: frameType, ID: id, AgentID: agentID, Payload: raw}, nil
}
