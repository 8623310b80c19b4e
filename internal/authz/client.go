// Package authz is the client for the external relationship-based permission
// store. Every management-plane operation asks the oracle before acting; if
// the oracle cannot answer, the answer is no.
package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/samcat116/strato/internal/metrics"
	"github.com/samcat116/strato/internal/strerr"
)

// Permission names understood by the oracle's schema. Inheritance (org admin
// implies OU admin implies project admin, groups expand to user sets) lives in
// the oracle; our job is only to pass the right resource id.
const (
	// On an organization or organizational unit.
	PermViewOrganization   = "view_organization"
	PermManageOrganization = "manage_organization"
	PermCreateOU           = "create_ou"
	PermManageMembers      = "manage_members"

	// On a project.
	PermCreateResources    = "create_resources"
	PermViewProject        = "view_project"
	PermManageProject      = "manage_project"
	PermManageEnvironments = "manage_environments"
	PermManageQuotas       = "manage_quotas"

	// On a VM.
	PermReadVM      = "read"
	PermUpdateVM    = "update"
	PermDeleteVM    = "delete"
	PermStartVM     = "start"
	PermStopVM      = "stop"
	PermRestartVM   = "restart"
	PermPauseVM     = "pause"
	PermResumeVM    = "resume"
	PermViewConsole = "view_console"

	// Fleet administration.
	PermManageAgents = "manage_agents"
)

// Relations written as tuples when entities are created or moved.
const (
	RelationOwner  = "owner"
	RelationParent = "parent"
	RelationMember = "member"
)

const requestTimeout = 5 * time.Second

// Client talks to the permission store over HTTP/JSON.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	log      *slog.Logger

	// mu guards consistency, the token returned by the latest tuple write.
	// Checks send it back so the oracle answers at least as fresh as our own
	// most recent write.
	mu          sync.Mutex
	consistency string
}

// New builds a Client for the given oracle endpoint.
func New(endpoint, token string, log *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		http:     &http.Client{Timeout: requestTimeout},
		log:      log.With("component", "authz"),
	}
}

type checkRequest struct {
	Subject     string `json:"subject"`
	Permission  string `json:"permission"`
	Resource    string `json:"resource"`
	Consistency string `json:"consistency,omitempty"`
}

type checkResponse struct {
	Allowed     bool   `json:"allowed"`
	Consistency string `json:"consistency,omitempty"`
}

func (c *Client) consistencyToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consistency
}

func (c *Client) storeConsistency(token string) {
	if token == "" {
		return
	}
	c.mu.Lock()
	c.consistency = token
	c.mu.Unlock()
}

// Check asks whether subject holds permission on resource. Oracle failures
// surface as PermissionStoreUnavailable, never as an allow: the control plane
// fails closed.
func (c *Client) Check(ctx context.Context, subject, permission, resource string) error {
	start := time.Now()
	allowed, err := c.check(ctx, subject, permission, resource)
	metrics.AuthzCheckDuration.Observe(time.Since(start).Seconds())

	switch {
	case err != nil:
		metrics.AuthzChecks.WithLabelValues("error").Inc()
		c.log.Error("permission check failed", "subject", subject, "permission", permission, "resource", resource, "error", err)
		return strerr.Wrap(strerr.KindPermissionStoreUnavailable, err, "permission check")
	case !allowed:
		metrics.AuthzChecks.WithLabelValues("denied").Inc()
		return strerr.New(strerr.KindPermissionDenied, "%s is not allowed to %s %s", subject, permission, resource)
	default:
		metrics.AuthzChecks.WithLabelValues("allowed").Inc()
		return nil
	}
}

func (c *Client) check(ctx context.Context, subject, permission, resource string) (bool, error) {
	body, err := json.Marshal(checkRequest{
		Subject:     subject,
		Permission:  permission,
		Resource:    resource,
		Consistency: c.consistencyToken(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal check: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/check", body)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("permission store returned %s", resp.Status)
	}

	var out checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode check response: %w", err)
	}
	c.storeConsistency(out.Consistency)
	return out.Allowed, nil
}

// Tuple is one relationship fact: subject has relation on resource.
type Tuple struct {
	Subject  string `json:"subject"`
	Relation string `json:"relation"`
	Resource string `json:"resource"`
}

// WriteTuples records relationship facts, e.g. ownership of a freshly created
// project or the parent edge of a moved organizational unit.
func (c *Client) WriteTuples(ctx context.Context, tuples ...Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	body, err := json.Marshal(struct {
		Tuples []Tuple `json:"tuples"`
	}{tuples})
	if err != nil {
		return fmt.Errorf("marshal tuples: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/tuples", body)
	if err != nil {
		return strerr.Wrap(strerr.KindPermissionStoreUnavailable, err, "write tuples")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return strerr.New(strerr.KindPermissionStoreUnavailable, "permission store returned %s", resp.Status)
	}
	var out struct {
		Consistency string `json:"consistency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil {
		c.storeConsistency(out.Consistency)
	}
	return nil
}

// DeleteTuples removes relationship facts, used when entities are deleted or
// re-parented.
func (c *Client) DeleteTuples(ctx context.Context, tuples ...Tuple) error {
	if len(tuples) == 0 {
		return nil
	}
	body, err := json.Marshal(struct {
		Tuples []Tuple `json:"tuples"`
	}{tuples})
	if err != nil {
		return fmt.Errorf("marshal tuples: %w", err)
	}

	resp, err := c.do(ctx, http.MethodDelete, "/v1/tuples", body)
	if err != nil {
		return strerr.Wrap(strerr.KindPermissionStoreUnavailable, err, "delete tuples")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return strerr.New(strerr.KindPermissionStoreUnavailable, "permission store returned %s", resp.Status)
	}
	return nil
}

// Ping verifies the oracle is reachable. Used at startup: an unreachable
// permission store is a fatal configuration problem, not something to limp
// along without.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/healthz", nil)
	if err != nil {
		return strerr.Wrap(strerr.KindPermissionStoreUnavailable, err, "permission store ping")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return strerr.New(strerr.KindPermissionStoreUnavailable, "permission store returned %s", resp.Status)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// ResourceRef formats an entity reference the way the oracle's schema expects,
// e.g. "project:p-123".
func ResourceRef(kind, id string) string {
	return kind + ":" + id
}

// UserRef formats a subject reference for a user.
func UserRef(id string) string {
	return "user:" + id
}
