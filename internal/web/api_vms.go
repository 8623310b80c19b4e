package web

import (
	"context"
	"net/http"

	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/lifecycle"
)

func (s *Server) apiCreateVM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string         `json:"name"`
		ProjectID    string         `json:"project_id"`
		Environment  string         `json:"environment"`
		Spec         core.Resources `json:"spec"`
		Capabilities []string       `json:"capabilities"`
		Strategy     string         `json:"scheduling_strategy"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	user := caller(r)
	vm, err := s.deps.Lifecycle.Create(r.Context(), user.ID, lifecycle.CreateRequest{
		Name:         req.Name,
		ProjectID:    req.ProjectID,
		Environment:  req.Environment,
		Spec:         req.Spec,
		Capabilities: req.Capabilities,
		Strategy:     req.Strategy,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "lifecycle.create_vm", "vm:"+vm.ID, vm.Name)
	writeJSON(w, http.StatusCreated, vm)
}

func (s *Server) apiGetVM(w http.ResponseWriter, r *http.Request) {
	vm, err := s.deps.Lifecycle.Get(r.Context(), caller(r).ID, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) apiListProjectVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := s.deps.Lifecycle.ListByProject(r.Context(), caller(r).ID, r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vms)
}

func (s *Server) apiStartVM(w http.ResponseWriter, r *http.Request) {
	s.vmControl(w, r, "start", s.deps.Lifecycle.Start)
}

func (s *Server) apiStopVM(w http.ResponseWriter, r *http.Request) {
	s.vmControl(w, r, "stop", s.deps.Lifecycle.Stop)
}

func (s *Server) apiRestartVM(w http.ResponseWriter, r *http.Request) {
	s.vmControl(w, r, "restart", s.deps.Lifecycle.Restart)
}

func (s *Server) vmControl(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, callerID, vmID string) (core.VM, error)) {
	user := caller(r)
	vmID := r.PathValue("id")
	vm, err := fn(r.Context(), user.ID, vmID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "lifecycle."+op+"_vm", "vm:"+vmID, string(vm.State))
	writeJSON(w, http.StatusOK, vm)
}

func (s *Server) apiDeleteVM(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	vmID := r.PathValue("id")
	if err := s.deps.Lifecycle.Delete(r.Context(), user.ID, vmID); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "lifecycle.delete_vm", "vm:"+vmID, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
