package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/samcat116/strato/internal/core"
)

// --- Users ---

// SaveUser persists a user and maintains the username index.
func (s *Store) SaveUser(u core.User) error {
	data, err := marshal(u)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketUsers).Put([]byte(u.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketUserNames).Put([]byte(u.Username), []byte(u.ID))
	})
}

// GetUser loads a user by id.
func (s *Store) GetUser(id string) (core.User, error) {
	var u core.User
	err := s.getJSON(bucketUsers, id, &u)
	return u, err
}

// GetUserByName resolves a username through the index.
func (s *Store) GetUserByName(username string) (core.User, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUserNames).Get([]byte(username))
		if v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return core.User{}, err
	}
	if id == "" {
		return core.User{}, ErrNotFound
	}
	return s.GetUser(id)
}

// ListUsers returns all users.
func (s *Store) ListUsers() ([]core.User, error) {
	var out []core.User
	err := forEachJSON(s, bucketUsers, func(u core.User) error {
		out = append(out, u)
		return nil
	})
	return out, err
}

// SetCredential stores the bcrypt password hash for a user.
func (s *Store) SetCredential(userID, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(userID), []byte(hash))
	})
}

// GetCredential returns the bcrypt password hash for a user, or ErrNotFound.
func (s *Store) GetCredential(userID string) (string, error) {
	var hash string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCredentials).Get([]byte(userID))
		if v != nil {
			hash = string(v)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if hash == "" {
		return "", ErrNotFound
	}
	return hash, nil
}

// --- Organizations ---

// SaveOrganization persists an organization.
func (s *Store) SaveOrganization(org core.Organization) error {
	return s.putJSON(bucketOrgs, org.ID, org)
}

// GetOrganization loads an organization by id.
func (s *Store) GetOrganization(id string) (core.Organization, error) {
	var org core.Organization
	err := s.getJSON(bucketOrgs, id, &org)
	return org, err
}

// ListOrganizations returns all organizations.
func (s *Store) ListOrganizations() ([]core.Organization, error) {
	var out []core.Organization
	err := forEachJSON(s, bucketOrgs, func(o core.Organization) error {
		out = append(out, o)
		return nil
	})
	return out, err
}

// DeleteOrganization removes an organization record.
func (s *Store) DeleteOrganization(id string) error {
	return s.delete(bucketOrgs, id)
}

// --- Organizational units ---

// SaveOrgUnit persists an organizational unit.
func (s *Store) SaveOrgUnit(ou core.OrgUnit) error {
	return s.putJSON(bucketOrgUnits, ou.ID, ou)
}

// GetOrgUnit loads an organizational unit by id.
func (s *Store) GetOrgUnit(id string) (core.OrgUnit, error) {
	var ou core.OrgUnit
	err := s.getJSON(bucketOrgUnits, id, &ou)
	return ou, err
}

// ListOrgUnits returns all organizational units.
func (s *Store) ListOrgUnits() ([]core.OrgUnit, error) {
	var out []core.OrgUnit
	err := forEachJSON(s, bucketOrgUnits, func(ou core.OrgUnit) error {
		out = append(out, ou)
		return nil
	})
	return out, err
}

// DeleteOrgUnit removes an organizational unit record.
func (s *Store) DeleteOrgUnit(id string) error {
	return s.delete(bucketOrgUnits, id)
}

// --- Projects ---

// SaveProject persists a project.
func (s *Store) SaveProject(p core.Project) error {
	return s.putJSON(bucketProjects, p.ID, p)
}

// GetProject loads a project by id.
func (s *Store) GetProject(id string) (core.Project, error) {
	var p core.Project
	err := s.getJSON(bucketProjects, id, &p)
	return p, err
}

// ListProjects returns all projects.
func (s *Store) ListProjects() ([]core.Project, error) {
	var out []core.Project
	err := forEachJSON(s, bucketProjects, func(p core.Project) error {
		out = append(out, p)
		return nil
	})
	return out, err
}

// DeleteProject removes a project record.
func (s *Store) DeleteProject(id string) error {
	return s.delete(bucketProjects, id)
}

// --- Groups ---

// SaveGroup persists a group.
func (s *Store) SaveGroup(g core.Group) error {
	return s.putJSON(bucketGroups, g.ID, g)
}

// GetGroup loads a group by id.
func (s *Store) GetGroup(id string) (core.Group, error) {
	var g core.Group
	err := s.getJSON(bucketGroups, id, &g)
	return g, err
}

// ListGroups returns all groups.
func (s *Store) ListGroups() ([]core.Group, error) {
	var out []core.Group
	err := forEachJSON(s, bucketGroups, func(g core.Group) error {
		out = append(out, g)
		return nil
	})
	return out, err
}

// DeleteGroup removes a group record.
func (s *Store) DeleteGroup(id string) error {
	return s.delete(bucketGroups, id)
}

// marshal is a small helper so index-maintaining writes can share one
// marshalling error message shape with putJSON.
func marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return data, nil
}
