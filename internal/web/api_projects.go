package web

import (
	"net/http"

	"github.com/samcat116/strato/internal/authz"
)

func (s *Server) apiCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string   `json:"name"`
		OrganizationID string   `json:"organization_id"`
		OrgUnitID      string   `json:"org_unit_id"`
		Environments   []string `json:"environments"`
		DefaultEnv     string   `json:"default_environment"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	parent := parentRefFromRequest(req.OrganizationID, req.OrgUnitID)
	user := caller(r)
	if err := s.deps.Authz.Check(r.Context(), authz.UserRef(user.ID), authz.PermManageOrganization,
		authz.ResourceRef(string(parent.Kind), parent.ID)); err != nil {
		s.writeErr(w, err)
		return
	}
	p, err := s.deps.Directory.CreateProject(r.Context(), req.Name, parent, req.Environments, req.DefaultEnv)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "directory.create_project", "project:"+p.ID, p.Path)
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) apiListProjects(w http.ResponseWriter, _ *http.Request) {
	ps, err := s.deps.Directory.ListProjects()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) apiGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Directory.GetProject(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) checkManageProject(r *http.Request, projectID string) error {
	return s.deps.Authz.Check(r.Context(), authz.UserRef(caller(r).ID), authz.PermManageProject,
		authz.ResourceRef("project", projectID))
}

func (s *Server) checkManageEnvironments(r *http.Request, projectID string) error {
	return s.deps.Authz.Check(r.Context(), authz.UserRef(caller(r).ID), authz.PermManageEnvironments,
		authz.ResourceRef("project", projectID))
}

func (s *Server) apiDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.checkManageProject(r, id); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.deps.Directory.DeleteProject(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "directory.delete_project", "project:"+id, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) apiAddEnvironment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Environment string `json:"environment"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.checkManageEnvironments(r, id); err != nil {
		s.writeErr(w, err)
		return
	}
	p, err := s.deps.Directory.AddEnvironment(id, req.Environment)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "directory.add_environment", "project:"+id, req.Environment)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) apiRemoveEnvironment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	env := r.PathValue("env")
	if err := s.checkManageEnvironments(r, id); err != nil {
		s.writeErr(w, err)
		return
	}
	p, err := s.deps.Directory.RemoveEnvironment(id, env)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "directory.remove_environment", "project:"+id, env)
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) apiSetDefaultEnvironment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Environment string `json:"environment"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.checkManageEnvironments(r, id); err != nil {
		s.writeErr(w, err)
		return
	}
	p, err := s.deps.Directory.SetDefaultEnvironment(id, req.Environment)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "directory.set_default_environment", "project:"+id, req.Environment)
	writeJSON(w, http.StatusOK, p)
}
