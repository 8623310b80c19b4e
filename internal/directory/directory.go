// Package directory manages the entity hierarchy: users, organizations,
// organizational units, projects with their environment sets, and groups.
// Every hierarchical entity carries a materialized path; this service is the
// only writer of paths and keeps the permission oracle's relationship tuples
// in step with structural changes.
package directory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcat116/strato/internal/authz"
	"github.com/samcat116/strato/internal/clock"
	"github.com/samcat116/strato/internal/core"
	"github.com/samcat116/strato/internal/strerr"
)

// Store is the persistence the directory needs. VM and quota lookups guard
// deletions.
type Store interface {
	SaveUser(core.User) error
	GetUser(id string) (core.User, error)
	GetUserByName(username string) (core.User, error)
	ListUsers() ([]core.User, error)

	SaveOrganization(core.Organization) error
	GetOrganization(id string) (core.Organization, error)
	ListOrganizations() ([]core.Organization, error)
	DeleteOrganization(id string) error

	SaveOrgUnit(core.OrgUnit) error
	GetOrgUnit(id string) (core.OrgUnit, error)
	ListOrgUnits() ([]core.OrgUnit, error)
	DeleteOrgUnit(id string) error

	SaveProject(core.Project) error
	GetProject(id string) (core.Project, error)
	ListProjects() ([]core.Project, error)
	DeleteProject(id string) error

	SaveGroup(core.Group) error
	GetGroup(id string) (core.Group, error)
	ListGroups() ([]core.Group, error)
	DeleteGroup(id string) error

	ListVMsByProject(projectID string) ([]core.VM, error)
	ListQuotasByScope(core.ScopeRef) ([]core.ResourceQuota, error)
}

// TupleStore mirrors structural changes into the permission oracle.
type TupleStore interface {
	WriteTuples(ctx context.Context, tuples ...authz.Tuple) error
	DeleteTuples(ctx context.Context, tuples ...authz.Tuple) error
}

// Service owns hierarchy mutations. One mutex serialises structural writes;
// moves rewrite whole subtrees and must not interleave.
type Service struct {
	mu     sync.Mutex
	store  Store
	tuples TupleStore
	clk    clock.Clock
	log    *slog.Logger
}

func New(st Store, tuples TupleStore, clk clock.Clock, log *slog.Logger) *Service {
	return &Service{
		store:  st,
		tuples: tuples,
		clk:    clk,
		log:    log.With("component", "directory"),
	}
}

// CreateUser registers a user. Usernames are unique.
func (s *Service) CreateUser(username, displayName string, admin bool) (core.User, error) {
	if username == "" {
		return core.User{}, strerr.New(strerr.KindBadRequest, "username is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetUserByName(username); err == nil {
		return core.User{}, strerr.New(strerr.KindConflict, "username %q is taken", username)
	}
	now := s.clk.Now().UTC()
	u := core.User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
		SystemAdmin: admin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveUser(u); err != nil {
		return core.User{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save user")
	}
	s.log.Info("user created", "user", u.ID, "username", username)
	return u, nil
}

func (s *Service) GetUser(id string) (core.User, error) {
	u, err := s.store.GetUser(id)
	if err != nil {
		return core.User{}, strerr.New(strerr.KindNotFound, "user %s not found", id)
	}
	return u, nil
}

func (s *Service) ListUsers() ([]core.User, error) {
	us, err := s.store.ListUsers()
	if err != nil {
		return nil, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list users")
	}
	return us, nil
}

// CreateOrganization creates a hierarchy root and makes the creator its
// owner in the permission oracle. The owner tuple is written before the
// organization becomes visible; an organization with no admin is invalid.
func (s *Service) CreateOrganization(ctx context.Context, creatorID, name, description string) (core.Organization, error) {
	if name == "" {
		return core.Organization{}, strerr.New(strerr.KindBadRequest, "organization name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now().UTC()
	org := core.Organization{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.tuples.WriteTuples(ctx, authz.Tuple{
		Subject:  authz.UserRef(creatorID),
		Relation: authz.RelationOwner,
		Resource: authz.ResourceRef("organization", org.ID),
	}); err != nil {
		return core.Organization{}, err
	}
	if err := s.store.SaveOrganization(org); err != nil {
		return core.Organization{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save organization")
	}
	s.log.Info("organization created", "org", org.ID, "name", name, "owner", creatorID)
	return org, nil
}

func (s *Service) GetOrganization(id string) (core.Organization, error) {
	org, err := s.store.GetOrganization(id)
	if err != nil {
		return core.Organization{}, strerr.New(strerr.KindNotFound, "organization %s not found", id)
	}
	return org, nil
}

func (s *Service) ListOrganizations() ([]core.Organization, error) {
	orgs, err := s.store.ListOrganizations()
	if err != nil {
		return nil, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list organizations")
	}
	return orgs, nil
}

// DeleteOrganization removes an empty organization. Anything still parented
// under it blocks the delete.
func (s *Service) DeleteOrganization(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.GetOrganization(id); err != nil {
		return strerr.New(strerr.KindNotFound, "organization %s not found", id)
	}
	ous, err := s.store.ListOrgUnits()
	if err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list org units")
	}
	for _, ou := range ous {
		if core.SplitPath(ou.Path)[0] == id {
			return strerr.New(strerr.KindConflict, "organization %s still contains org unit %s", id, ou.ID)
		}
	}
	projects, err := s.store.ListProjects()
	if err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list projects")
	}
	for _, p := range projects {
		if core.SplitPath(p.Path)[0] == id {
			return strerr.New(strerr.KindConflict, "organization %s still contains project %s", id, p.ID)
		}
	}
	if err := s.store.DeleteOrganization(id); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "delete organization")
	}
	s.log.Info("organization deleted", "org", id)
	return nil
}

// parentPath resolves a parent reference to its materialized path and the
// owning organization id.
func (s *Service) parentPath(parent core.ParentRef) (path, orgID string, err error) {
	switch parent.Kind {
	case core.ParentOrganization:
		org, err := s.store.GetOrganization(parent.ID)
		if err != nil {
			return "", "", strerr.New(strerr.KindNotFound, "organization %s not found", parent.ID)
		}
		return org.ID, org.ID, nil
	case core.ParentOrgUnit:
		ou, err := s.store.GetOrgUnit(parent.ID)
		if err != nil {
			return "", "", strerr.New(strerr.KindNotFound, "org unit %s not found", parent.ID)
		}
		return ou.Path, core.SplitPath(ou.Path)[0], nil
	default:
		return "", "", strerr.New(strerr.KindBadRequest, "parent must be an organization or an org unit")
	}
}

// CreateOrgUnit creates an OU under an organization or another OU.
func (s *Service) CreateOrgUnit(ctx context.Context, name string, parent core.ParentRef) (core.OrgUnit, error) {
	if name == "" {
		return core.OrgUnit{}, strerr.New(strerr.KindBadRequest, "org unit name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pPath, orgID, err := s.parentPath(parent)
	if err != nil {
		return core.OrgUnit{}, err
	}

	now := s.clk.Now().UTC()
	ou := core.OrgUnit{
		ID:        uuid.NewString(),
		Name:      name,
		Parent:    parent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ou.Path = core.ChildPath(pPath, ou.ID)
	ou.Depth = len(core.SplitPath(ou.Path)) - 1
	if err := core.ValidatePath(ou.Path, orgID, ou.Depth); err != nil {
		return core.OrgUnit{}, strerr.Wrap(strerr.KindInternal, err, "build org unit path")
	}

	if err := s.tuples.WriteTuples(ctx, parentTuple(parent, "org_unit", ou.ID)); err != nil {
		return core.OrgUnit{}, err
	}
	if err := s.store.SaveOrgUnit(ou); err != nil {
		return core.OrgUnit{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save org unit")
	}
	s.log.Info("org unit created", "ou", ou.ID, "path", ou.Path)
	return ou, nil
}

func (s *Service) GetOrgUnit(id string) (core.OrgUnit, error) {
	ou, err := s.store.GetOrgUnit(id)
	if err != nil {
		return core.OrgUnit{}, strerr.New(strerr.KindNotFound, "org unit %s not found", id)
	}
	return ou, nil
}

// MoveOrgUnit reparents an OU and rewrites the materialized paths of its
// whole subtree. Moving an OU under itself or any of its descendants is a
// cycle and is refused.
func (s *Service) MoveOrgUnit(ctx context.Context, ouID string, newParent core.ParentRef) (core.OrgUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ou, err := s.store.GetOrgUnit(ouID)
	if err != nil {
		return core.OrgUnit{}, strerr.New(strerr.KindNotFound, "org unit %s not found", ouID)
	}
	pPath, orgID, err := s.parentPath(newParent)
	if err != nil {
		return core.OrgUnit{}, err
	}
	if core.PathContains(pPath, ouID) {
		return core.OrgUnit{}, strerr.New(strerr.KindConflict,
			"cannot move org unit %s under its own subtree", ouID)
	}

	oldPath := ou.Path
	oldParent := ou.Parent
	ou.Parent = newParent
	ou.Path = core.ChildPath(pPath, ou.ID)
	ou.Depth = len(core.SplitPath(ou.Path)) - 1
	if err := core.ValidatePath(ou.Path, orgID, ou.Depth); err != nil {
		return core.OrgUnit{}, strerr.Wrap(strerr.KindInternal, err, "build org unit path")
	}

	if err := s.tuples.DeleteTuples(ctx, parentTuple(oldParent, "org_unit", ou.ID)); err != nil {
		return core.OrgUnit{}, err
	}
	if err := s.tuples.WriteTuples(ctx, parentTuple(newParent, "org_unit", ou.ID)); err != nil {
		return core.OrgUnit{}, err
	}

	now := s.clk.Now().UTC()
	ou.UpdatedAt = now
	if err := s.store.SaveOrgUnit(ou); err != nil {
		return core.OrgUnit{}, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "save org unit")
	}
	if err := s.rewriteSubtree(oldPath, ou.Path, now); err != nil {
		return core.OrgUnit{}, err
	}
	s.log.Info("org unit moved", "ou", ou.ID, "from", oldPath, "to", ou.Path)
	return ou, nil
}

// rewriteSubtree updates the paths of every descendant of a moved OU. The
// moved OU itself is already saved by the caller.
func (s *Service) rewriteSubtree(oldPrefix, newPrefix string, now time.Time) error {
	ous, err := s.store.ListOrgUnits()
	if err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list org units")
	}
	for _, ou := range ous {
		if !underPath(ou.Path, oldPrefix) {
			continue
		}
		ou.Path = newPrefix + strings.TrimPrefix(ou.Path, oldPrefix)
		ou.Depth = len(core.SplitPath(ou.Path)) - 1
		ou.UpdatedAt = now
		if err := s.store.SaveOrgUnit(ou); err != nil {
			return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "rewrite org unit %s", ou.ID)
		}
	}

	projects, err := s.store.ListProjects()
	if err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list projects")
	}
	for _, p := range projects {
		if !underPath(p.Path, oldPrefix) {
			continue
		}
		p.Path = newPrefix + strings.TrimPrefix(p.Path, oldPrefix)
		p.UpdatedAt = now
		if err := s.store.SaveProject(p); err != nil {
			return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "rewrite project %s", p.ID)
		}
	}
	return nil
}

// DeleteOrgUnit removes a childless OU.
func (s *Service) DeleteOrgUnit(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ou, err := s.store.GetOrgUnit(id)
	if err != nil {
		return strerr.New(strerr.KindNotFound, "org unit %s not found", id)
	}
	children, err := s.subtreeNonEmpty(ou.Path, id)
	if err != nil {
		return err
	}
	if children {
		return strerr.New(strerr.KindConflict, "org unit %s still has children", id)
	}
	if err := s.tuples.DeleteTuples(ctx, parentTuple(ou.Parent, "org_unit", id)); err != nil {
		return err
	}
	if err := s.store.DeleteOrgUnit(id); err != nil {
		return strerr.Wrap(strerr.KindPersistenceUnavailable, err, "delete org unit")
	}
	s.log.Info("org unit deleted", "ou", id)
	return nil
}

// subtreeNonEmpty reports whether any OU or project lives under path other
// than the entity itself.
func (s *Service) subtreeNonEmpty(path, selfID string) (bool, error) {
	ous, err := s.store.ListOrgUnits()
	if err != nil {
		return false, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list org units")
	}
	for _, o := range ous {
		if o.ID != selfID && underPath(o.Path, path) {
			return true, nil
		}
	}
	projects, err := s.store.ListProjects()
	if err != nil {
		return false, strerr.Wrap(strerr.KindPersistenceUnavailable, err, "list projects")
	}
	for _, p := range projects {
		if underPath(p.Path, path) {
			return true, nil
		}
	}
	return false, nil
}

// underPath reports whether candidate lies strictly below prefix.
func underPath(candidate, prefix string) bool {
	return strings.HasPrefix(candidate, prefix+core.PathSeparator)
}

func parentTuple(parent core.ParentRef, kind, id string) authz.Tuple {
	parentKind := "organization"
	if parent.Kind == core.ParentOrgUnit {
		parentKind = "org_unit"
	}
	return authz.Tuple{
		Subject:  authz.ResourceRef(parentKind, parent.ID),
		Relation: authz.RelationParent,
		Resource: authz.ResourceRef(kind, id),
	}
}
