package store

import (
	"github.com/samcat116/strato/internal/core"
)

// SaveVM persists a VM record.
func (s *Store) SaveVM(vm core.VM) error {
	return s.putJSON(bucketVMs, vm.ID, vm)
}

// GetVM loads a VM by id.
func (s *Store) GetVM(id string) (core.VM, error) {
	var vm core.VM
	err := s.getJSON(bucketVMs, id, &vm)
	return vm, err
}

// ListVMs returns all VM records.
func (s *Store) ListVMs() ([]core.VM, error) {
	var out []core.VM
	err := forEachJSON(s, bucketVMs, func(vm core.VM) error {
		out = append(out, vm)
		return nil
	})
	return out, err
}

// ListVMsByProject returns all VMs belonging to a project.
func (s *Store) ListVMsByProject(projectID string) ([]core.VM, error) {
	var out []core.VM
	err := forEachJSON(s, bucketVMs, func(vm core.VM) error {
		if vm.ProjectID == projectID {
			out = append(out, vm)
		}
		return nil
	})
	return out, err
}

// ListVMsByAgent returns all VMs assigned to an agent.
func (s *Store) ListVMsByAgent(agentID string) ([]core.VM, error) {
	var out []core.VM
	err := forEachJSON(s, bucketVMs, func(vm core.VM) error {
		if vm.AssignedAgent == agentID {
			out = append(out, vm)
		}
		return nil
	})
	return out, err
}

// DeleteVM removes a VM record.
func (s *Store) DeleteVM(id string) error {
	return s.delete(bucketVMs, id)
}
