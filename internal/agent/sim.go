package agent

import (
	"sync"
	"time"

	"github.com/samcat116/strato/internal/channel"
	"github.com/samcat116/strato/internal/core"
)

// vmPhase is the agent-local view of a guest's state.
type vmPhase string

const (
	phaseCreating vmPhase = "creating"
	phaseRunning  vmPhase = "running"
	phaseStopped  vmPhase = "stopped"
)

// hypervisor simulates guest lifecycle for the reference agent: it books
// resources, runs each VM through a short boot delay, and reports state
// transitions on Events. A real deployment would swap this for libvirt or
// similar behind the same surface.
type hypervisor struct {
	mu        sync.Mutex
	totals    core.Resources
	available core.Resources
	vms       map[string]*guest
	bootDelay time.Duration

	// Events carries asynchronous state reports for the channel loop to
	// forward. Buffered so a dropped session never blocks a transition.
	Events chan channel.EventPayload
}

type guest struct {
	vm    core.VM
	phase vmPhase
}

func newHypervisor(totals core.Resources, bootDelay time.Duration) *hypervisor {
	return &hypervisor{
		totals:    totals,
		available: totals,
		vms:       make(map[string]*guest),
		bootDelay: bootDelay,
		Events:    make(chan channel.EventPayload, 64),
	}
}

// Apply executes one command and returns the reply. State transitions that
// outlive the reply (boot completion) arrive later on Events.
func (h *hypervisor) Apply(cmd channel.CommandPayload) channel.ReplyPayload {
	switch cmd.Op {
	case channel.OpCreateVM:
		return h.create(cmd)
	case channel.OpStartVM:
		return h.start(cmd.VMID)
	case channel.OpStopVM:
		return h.stop(cmd.VMID)
	case channel.OpRestartVM:
		return h.restart(cmd.VMID)
	case channel.OpDeleteVM:
		return h.delete(cmd.VMID)
	default:
		return errReply("bad_request", "unknown operation "+cmd.Op)
	}
}

func (h *hypervisor) create(cmd channel.CommandPayload) channel.ReplyPayload {
	if cmd.VM == nil {
		return errReply("bad_request", "create command carries no vm")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.vms[cmd.VMID]; exists {
		return errReply("conflict", "vm already exists")
	}
	if !h.available.Fits(cmd.VM.Spec) {
		return errReply("insufficient_capacity", "not enough free resources")
	}
	h.available = h.available.Sub(cmd.VM.Spec)
	h.vms[cmd.VMID] = &guest{vm: *cmd.VM, phase: phaseCreating}
	go h.bootLater(cmd.VMID)
	return okReply()
}

func (h *hypervisor) start(vmID string) channel.ReplyPayload {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.vms[vmID]
	if !ok {
		return errReply("not_found", "unknown vm")
	}
	if g.phase != phaseStopped {
		return errReply("invalid_state_transition", "vm is not stopped")
	}
	if !h.available.Fits(g.vm.Spec) {
		return errReply("insufficient_capacity", "not enough free resources")
	}
	h.available = h.available.Sub(g.vm.Spec)
	g.phase = phaseCreating
	go h.bootLater(vmID)
	return okReply()
}

func (h *hypervisor) stop(vmID string) channel.ReplyPayload {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.vms[vmID]
	if !ok {
		return errReply("not_found", "unknown vm")
	}
	if g.phase != phaseRunning {
		return errReply("invalid_state_transition", "vm is not running")
	}
	g.phase = phaseStopped
	h.available = h.available.Add(g.vm.Spec)
	h.emit(channel.EventVMStopped, vmID, nil)
	return okReply()
}

func (h *hypervisor) restart(vmID string) channel.ReplyPayload {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.vms[vmID]
	if !ok {
		return errReply("not_found", "unknown vm")
	}
	if g.phase != phaseRunning {
		return errReply("invalid_state_transition", "vm is not running")
	}
	// Resources stay held across a restart; the guest reboots in place.
	g.phase = phaseCreating
	go h.bootLater(vmID)
	return okReply()
}

func (h *hypervisor) delete(vmID string) channel.ReplyPayload {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.vms[vmID]
	if !ok {
		// Deleting an unknown vm is a success: the desired state holds.
		return okReply()
	}
	if g.phase == phaseRunning || g.phase == phaseCreating {
		h.available = h.available.Add(g.vm.Spec)
	}
	delete(h.vms, vmID)
	return okReply()
}

// bootLater completes a boot after the configured delay. Runs unlocked; the
// guest may have been stopped or deleted while booting.
func (h *hypervisor) bootLater(vmID string) {
	time.Sleep(h.bootDelay)
	h.mu.Lock()
	defer h.mu.Unlock()
	g, ok := h.vms[vmID]
	if !ok || g.phase != phaseCreating {
		return
	}
	g.phase = phaseRunning
	h.emit(channel.EventVMRunning, vmID, nil)
}

// emit queues an event; callers hold h.mu.
func (h *hypervisor) emit(kind, vmID string, details map[string]string) {
	select {
	case h.Events <- channel.EventPayload{Kind: kind, VMID: vmID, Details: details}:
	default:
	}
}

// Usage reports free capacity and the number of non-stopped guests.
func (h *hypervisor) Usage() (core.Resources, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, g := range h.vms {
		if g.phase != phaseStopped {
			n++
		}
	}
	return h.available, n
}


func okReply() channel.ReplyPayload {
	return channel.ReplyPayload{Status: "ok"}
}

func errReply(kind, msg string) channel.ReplyPayload {
	return channel.ReplyPayload{Status: "error", Error: &channel.WireError{Kind: kind, Message: msg}}
}
