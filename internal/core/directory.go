package core

import (
	"fmt"
	"strings"
	"time"
)

// User is a control-plane principal. Users are created on first successful
// login or by onboarding and are never silently mutated afterwards.
type User struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	SystemAdmin bool      `json:"system_admin"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Organization is the root of the entity hierarchy.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ParentKind tags the two possible parents of an OU or project.
type ParentKind string

const (
	ParentOrganization ParentKind = "organization"
	ParentOrgUnit      ParentKind = "organizational_unit"
)

// ParentRef is a tagged reference to an organization or organizational unit.
// Modelled as a sum, not two nullable fields: exactly one parent, always.
type ParentRef struct {
	Kind ParentKind `json:"kind"`
	ID   string     `json:"id"`
}

// Valid reports whether the reference carries a recognised tag and an id.
func (p ParentRef) Valid() bool {
	return (p.Kind == ParentOrganization || p.Kind == ParentOrgUnit) && p.ID != ""
}

// PathSeparator joins the segments of a materialized path. Paths always start
// with an organization id, e.g. "org-id/ou-a/ou-b".
const PathSeparator = "/"

// OrgUnit is a node in the hierarchy between an organization and projects.
// Path is the materialized ancestor chain including the OU itself; Depth is
// len(segments) - 1 and is 1 for an OU directly under its organization.
type OrgUnit struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Parent    ParentRef `json:"parent"`
	Path      string    `json:"path"`
	Depth     int       `json:"depth"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project owns VMs and declares the environment set its VMs deploy into.
type Project struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Parent             ParentRef `json:"parent"`
	Path               string    `json:"path"` // ancestor chain including the project itself
	Environments       []string  `json:"environments"`
	DefaultEnvironment string    `json:"default_environment"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasEnvironment reports whether env is in the project's declared set.
func (p *Project) HasEnvironment(env string) bool {
	for _, e := range p.Environments {
		if e == env {
			return true
		}
	}
	return false
}

// Group is a named set of users scoped to an organization. Membership is the
// only relation a group carries.
type Group struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"organization_id"`
	Members        []string  `json:"members"` // user ids
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SplitPath returns the segments of a materialized path, root first.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, PathSeparator)
}

// JoinPath builds a materialized path from root-first segments.
func JoinPath(segments ...string) string {
	return strings.Join(segments, PathSeparator)
}

// ChildPath appends an entity id to a parent path.
func ChildPath(parentPath, id string) string {
	if parentPath == "" {
		return id
	}
	return parentPath + PathSeparator + id
}

// PathContains reports whether path includes id as a segment. Used for the
// cycle check on OU moves: an OU may not be moved under its own subtree.
func PathContains(path, id string) bool {
	for _, seg := range SplitPath(path) {
		if seg == id {
			return true
		}
	}
	return false
}

// ValidatePath checks the structural invariants of a materialized path: it
// must be non-empty, begin with the given organization id, and the depth must
// equal len(segments)-1.
func ValidatePath(path, orgID string, depth int) error {
	segs := SplitPath(path)
	if len(segs) == 0 {
		return fmt.Errorf("empty materialized path")
	}
	if segs[0] != orgID {
		return fmt.Errorf("path %q does not start with organization %s", path, orgID)
	}
	if depth != len(segs)-1 {
		return fmt.Errorf("depth %d does not match path %q", depth, path)
	}
	return nil
}
