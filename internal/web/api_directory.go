package web

import (
	"net/http"

	"github.com/samcat116/strato/internal/authz"
	"github.com/samcat116/strato/internal/core"
)

// fleetResource is the resource fleet-wide operations are checked against.
var fleetResource = authz.ResourceRef("fleet", "default")

func (s *Server) apiCreateUser(w http.ResponseWriter, r *http.Request) {
	user := caller(r)
	if !user.SystemAdmin {
		writeJSON(w, http.StatusForbidden, errBody{Error: "admin required"})
		return
	}
	var req struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name"`
		SystemAdmin bool   `json:"system_admin"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	created, err := s.deps.Directory.CreateUser(req.Username, req.DisplayName, req.SystemAdmin)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "directory.create_user", "user:"+created.ID, req.Username)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) apiListUsers(w http.ResponseWriter, _ *http.Request) {
	users, err := s.deps.Directory.ListUsers()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) apiGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.deps.Directory.GetUser(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// apiCreateOrganization creates an organization; the caller becomes its
// owner via the oracle tuple the directory writes.
func (s *Server) apiCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	user := caller(r)
	org, err := s.deps.Directory.CreateOrganization(r.Context(), user.ID, req.Name, req.Description)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "directory.create_organization", "organization:"+org.ID, req.Name)
	writeJSON(w, http.StatusCreated, org)
}

func (s *Server) apiListOrganizations(w http.ResponseWriter, _ *http.Request) {
	orgs, err := s.deps.Directory.ListOrganizations()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orgs)
}

func (s *Server) apiGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.deps.Directory.GetOrganization(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *Server) apiDeleteOrganization(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	user := caller(r)
	if err := s.deps.Authz.Check(r.Context(), authz.UserRef(user.ID), authz.PermManageOrganization,
		authz.ResourceRef("organization", id)); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.deps.Directory.DeleteOrganization(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "directory.delete_organization", "organization:"+id, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// parentRefFromRequest builds the tagged parent reference from the two
// request fields; exactly one of organization_id / org_unit_id must be set.
func parentRefFromRequest(orgID, ouID string) core.ParentRef {
	if ouID != "" {
		return core.ParentRef{Kind: core.ParentOrgUnit, ID: ouID}
	}
	return core.ParentRef{Kind: core.ParentOrganization, ID: orgID}
}

func (s *Server) checkParent(r *http.Request, permission string, parent core.ParentRef) error {
	resource := authz.ResourceRef(string(parent.Kind), parent.ID)
	return s.deps.Authz.Check(r.Context(), authz.UserRef(caller(r).ID), permission, resource)
}

func (s *Server) apiCreateOrgUnit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		OrganizationID string `json:"organization_id"`
		OrgUnitID      string `json:"org_unit_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	parent := parentRefFromRequest(req.OrganizationID, req.OrgUnitID)
	if err := s.checkParent(r, authz.PermCreateOU, parent); err != nil {
		s.writeErr(w, err)
		return
	}
	ou, err := s.deps.Directory.CreateOrgUnit(r.Context(), req.Name, parent)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "directory.create_org_unit", "organizational_unit:"+ou.ID, ou.Path)
	writeJSON(w, http.StatusCreated, ou)
}

func (s *Server) apiGetOrgUnit(w http.ResponseWriter, r *http.Request) {
	ou, err := s.deps.Directory.GetOrgUnit(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ou)
}

func (s *Server) apiMoveOrgUnit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		OrgUnitID      string `json:"org_unit_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	parent := parentRefFromRequest(req.OrganizationID, req.OrgUnitID)
	if err := s.checkParent(r, authz.PermManageOrganization, parent); err != nil {
		s.writeErr(w, err)
		return
	}
	ou, err := s.deps.Directory.MoveOrgUnit(r.Context(), r.PathValue("id"), parent)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "directory.move_org_unit", "organizational_unit:"+ou.ID, ou.Path)
	writeJSON(w, http.StatusOK, ou)
}

func (s *Server) apiDeleteOrgUnit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ou, err := s.deps.Directory.GetOrgUnit(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.checkParent(r, authz.PermManageOrganization, ou.Parent); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.deps.Directory.DeleteOrgUnit(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "directory.delete_org_unit", "organizational_unit:"+id, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) apiCreateGroup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"name"`
		OrganizationID string `json:"organization_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	user := caller(r)
	if err := s.deps.Authz.Check(r.Context(), authz.UserRef(user.ID), authz.PermManageOrganization,
		authz.ResourceRef("organization", req.OrganizationID)); err != nil {
		s.writeErr(w, err)
		return
	}
	g, err := s.deps.Directory.CreateGroup(r.Context(), req.OrganizationID, req.Name)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "directory.create_group", "group:"+g.ID, req.Name)
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) apiGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.deps.Directory.GetGroup(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) apiDeleteGroup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	g, err := s.deps.Directory.GetGroup(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	user := caller(r)
	if err := s.deps.Authz.Check(r.Context(), authz.UserRef(user.ID), authz.PermManageOrganization,
		authz.ResourceRef("organization", g.OrganizationID)); err != nil {
		s.writeErr(w, err)
		return
	}
	if err := s.deps.Directory.DeleteGroup(r.Context(), id); err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(user.ID, "directory.delete_group", "group:"+id, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) apiAddGroupMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decode(r, &req); err != nil {
		s.writeErr(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.checkManageMembers(r, id); err != nil {
		s.writeErr(w, err)
		return
	}
	g, err := s.deps.Directory.AddGroupMember(r.Context(), id, req.UserID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "directory.add_group_member", "group:"+g.ID, req.UserID)
	writeJSON(w, http.StatusOK, g)
}

// checkManageMembers authorizes membership edits against the group's owning
// organization.
func (s *Server) checkManageMembers(r *http.Request, groupID string) error {
	g, err := s.deps.Directory.GetGroup(groupID)
	if err != nil {
		return err
	}
	return s.deps.Authz.Check(r.Context(), authz.UserRef(caller(r).ID), authz.PermManageMembers,
		authz.ResourceRef("organization", g.OrganizationID))
}

func (s *Server) apiRemoveGroupMember(w http.ResponseWriter, r *http.Request) {
	if err := s.checkManageMembers(r, r.PathValue("id")); err != nil {
		s.writeErr(w, err)
		return
	}
	g, err := s.deps.Directory.RemoveGroupMember(r.Context(), r.PathValue("id"), r.PathValue("user"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	s.audit(caller(r).ID, "directory.remove_group_member", "group:"+g.ID, r.PathValue("user"))
	writeJSON(w, http.StatusOK, g)
}
