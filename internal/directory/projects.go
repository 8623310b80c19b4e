package directory

import (
	"context"

	"github.com/google/uuid"

	"github.com/samcat116/strato/internal/authz"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/strerr"
)

// CreateProject creates a project under an organization or OU. The
// environment set must be non-empty; an empty default picks the first
// declared environment.
func (s *Service) CreateProject(ctx context.Context, name string, parent core.ParentRef, environments []string, defaultEnv string) (core.Project, error) {
	if name == "" {
		return core.Project{}, strerr.New(strerr.KindBadRequest, "project name is required")
	}
	if len(environments) == 0 {
		return core.Project{}, strerr.New(strerr.KindBadRequest, "project needs at least one environment")
	}
	if defaultEnv == "" {
		defaultEnv = environments[0]
	}
	if !contains(environments, defaultEnv) {
		return core.Project{}, strerr.New(strerr.KindBadRequest,
			"default environment %q is not in the declared set", defaultEnv)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pPath, _, err := s.parentPath(parent)
	if err != nil {
		return core.Project{}, err
	}

	now := s.clk.Now().UTC()
	p := core.Project{
		ID:                 uuid.NewString(),
		Name:               name,
		Parent:             parent,
		Environments:       environments,
		DefaultEnvironment: defaultEnv,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	p.Path = core.ChildPath(pPath, p.ID)

	if err := s.tuples.WriteTuples(ctx, parentTuple(parent, "project", p.ID)); err != nil {
		return core.Project{}, err
	}
	if err := s.store.SaveProject(p); err != nil {
		return core.Project{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save project")
	}
	s.log.Info("project created", "project", p.ID, "path", p.Path, "environments", environments)
	return p, nil
}

func (s *Service) GetProject(id string) (core.Project, error) {
	p, err := s.store.GetProject(id)
	if err != nil {
		return core.Project{}, strerr.New(strerr.KindNotFound, "project %s not found", id)
	}
	return p, nil
}

func (s *Service) ListProjects() ([]core.Project, error) {
	ps, err := s.store.ListProjects()
	if err != nil {
		return nil, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list projects")
	}
	return ps, nil
}

// AddEnvironment declares a new environment on a project. Adding an existing
// one is a no-op.
func (s *Service) AddEnvironment(projectID, env string) (core.Project, error) {
	if env == "" {
		return core.Project{}, strerr.New(strerr.KindBadRequest, "environment name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetProject(projectID)
	if err != nil {
		return core.Project{}, strerr.New(strerr.KindNotFound, "project %s not found", projectID)
	}
	if contains(p.Environments, env) {
		return p, nil
	}
	p.Environments = append(p.Environments, env)
	p.UpdatedAt = s.clk.Now().UTC()
	if err := s.store.SaveProject(p); err != nil {
		return core.Project{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save project")
	}
	return p, nil
}

// RemoveEnvironment drops an environment from the declared set. The default
// environment cannot be removed while it is the default, and an environment
// with live VMs stays.
func (s *Service) RemoveEnvironment(projectID, env string) (core.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetProject(projectID)
	if err != nil {
		return core.Project{}, strerr.New(strerr.KindNotFound, "project %s not found", projectID)
	}
	if !contains(p.Environments, env) {
		return core.Project{}, strerr.New(strerr.KindNotFound, "project %s has no environment %q", projectID, env)
	}
	if p.DefaultEnvironment == env {
		return core.Project{}, strerr.New(strerr.KindConflict,
			"%q is the default environment; pick another default first", env)
	}
	vms, err := s.store.ListVMsByProject(projectID)
	if err != nil {
		return core.Project{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list vms")
	}
	for _, vm := range vms {
		if vm.Environment == env && vm.State != core.VMDeleted {
			return core.Project{}, strerr.New(strerr.KindConflict,
				"environment %q still has vm %s", env, vm.ID)
		}
	}

	kept := p.Environments[:0]
	for _, e := range p.Environments {
		if e != env {
			kept = append(kept, e)
		}
	}
	p.Environments = kept
	p.UpdatedAt = s.clk.Now().UTC()
	if err := s.store.SaveProject(p); err != nil {
		return core.Project{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save project")
	}
	return p, nil
}

// SetDefaultEnvironment switches the default to another declared environment.
func (s *Service) SetDefaultEnvironment(projectID, env string) (core.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetProject(projectID)
	if err != nil {
		return core.Project{}, strerr.New(strerr.KindNotFound, "project %s not found", projectID)
	}
	if !contains(p.Environments, env) {
		return core.Project{}, strerr.New(strerr.KindBadRequest,
			"environment %q is not declared on project %s", env, projectID)
	}
	p.DefaultEnvironment = env
	p.UpdatedAt = s.clk.Now().UTC()
	if err := s.store.SaveProject(p); err != nil {
		return core.Project{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save project")
	}
	return p, nil
}

// DeleteProject removes a project with no live VMs and no attached quotas.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.store.GetProject(id)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "project %s not found", id)
	}
	vms, err := s.store.ListVMsByProject(id)
	if err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list vms")
	}
	for _, vm := range vms {
		if vm.State != core.VMDeleted {
			return strerr.New(strerr.KindConflict, "project %s still has vm %s", id, vm.ID)
		}
	}
	quotas, err := s.store.ListQuotasByScope(core.ScopeRef{Kind: core.ScopeProject, ID: id})
	if err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list quotas")
	}
	if len(quotas) > 0 {
		return strerr.New(strerr.KindConflict, "project %s still has %d quotas", id, len(quotas))
	}

	if err := s.tuples.DeleteTuples(ctx, parentTuple(p.Parent, "project", id)); err != nil {
		return err
	}
	if err := s.store.DeleteProject(id); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "delete project")
	}
	s.log.Info("project deleted", "project", id)
	return nil
}

// CreateGroup creates a named user set scoped to an organization.
func (s *Service) CreateGroup(ctx context.Context, orgID, name string) (core.Group, error) {
	if name == "" {
		return core.Group{}, strerr.New(strerr.KindBadRequest, "group name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetOrganization(orgID); err != nil {
		return core.Group{}, strerr.New(strerr.KindNotFound, "organization %s not found", orgID)
	}
	now := s.clk.Now().UTC()
	g := core.Group{
		ID:             uuid.NewString(),
		Name:           name,
		OrganizationID: orgID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.SaveGroup(g); err != nil {
		return core.Group{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save group")
	}
	s.log.Info("group created", "group", g.ID, "org", orgID)
	return g, nil
}

func (s *Service) GetGroup(id string) (core.Group, error) {
	g, err := s.store.GetGroup(id)
	if err != nil {
		return core.Group{}, strerr.New(strerr.KindNotFound, "group %s not found", id)
	}
	return g, nil
}

// AddGroupMember adds a user to a group and mirrors the membership into the
// permission oracle.
func (s *Service) AddGroupMember(ctx context.Context, groupID, userID string) (core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.store.GetGroup(groupID)
	if err != nil {
		return core.Group{}, strerr.New(strerr.KindNotFound, "group %s not found", groupID)
	}
	if _, err := s.store.GetUser(userID); err != nil {
		return core.Group{}, strerr.New(strerr.KindNotFound, "user %s not found", userID)
	}
	if contains(g.Members, userID) {
		return g, nil
	}

	if err := s.tuples.WriteTuples(ctx, authz.Tuple{
		Subject:  authz.UserRef(userID),
		Relation: authz.RelationMember,
		Resource: authz.ResourceRef("group", groupID),
	}); err != nil {
		return core.Group{}, err
	}
	g.Members = append(g.Members, userID)
	g.UpdatedAt = s.clk.Now().UTC()
	if err := s.store.SaveGroup(g); err != nil {
		return core.Group{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save group")
	}
	return g, nil
}

// RemoveGroupMember removes a user from a group.
func (s *Service) RemoveGroupMember(ctx context.Context, groupID, userID string) (core.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.store.GetGroup(groupID)
	if err != nil {
		return core.Group{}, strerr.New(strerr.KindNotFound, "group %s not found", groupID)
	}
	if !contains(g.Members, userID) {
		return g, nil
	}

	if err := s.tuples.DeleteTuples(ctx, authz.Tuple{
		Subject:  authz.UserRef(userID),
		Relation: authz.RelationMember,
		Resource: authz.ResourceRef("group", groupID),
	}); err != nil {
		return core.Group{}, err
	}
	kept := g.Members[:0]
	for _, m := range g.Members {
		if m != userID {
			kept = append(kept, m)
		}
	}
	g.Members = kept
	g.UpdatedAt = s.clk.Now().UTC()
	if err := s.store.SaveGroup(g); err != nil {
		return core.Group{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save group")
	}
	return g, nil
}

// DeleteGroup removes a group and its membership tuples.
func (s *Service) DeleteGroup(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.store.GetGroup(id)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "group %s not found", id)
	}
	tuples := make([]authz.Tuple, 0, len(g.Members))
	for _, m := range g.Members {
		tuples = append(tuples, authz.Tuple{
			Subject:  authz.UserRef(m),
			Relation: authz.RelationMember,
			Resource: authz.ResourceRef("group", id),
		})
	}
	if err := s.tuples.DeleteTuples(ctx, tuples...); err != nil {
		return err
	}
	if err := s.store.DeleteGroup(id); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "delete group")
	}
	s.log.Info("group deleted", "group", id)
	return nil
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}
