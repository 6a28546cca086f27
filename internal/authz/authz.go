// Package authz resolves role bindings to permission sets and makes
// allow/deny decisions. Deny is the default; permissions are exact strings
// with a single explicit wildcard and no implicit hierarchy.
package authz

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"clinicore.org/internal/audit"
)

// Wildcard grants every permission when present on any bound role.
const Wildcard = "*"

var (
	ErrNotFound          = errors.New("authz: role not found")
	ErrInvalidPermission = errors.New("authz: invalid permission")
)

// Permissions are "resource:action" pairs, lower case. Anything else is
// rejected at role definition time so loose strings cannot widen access.
var permissionShape = regexp.MustCompile(`^[a-z][a-z0-9_]*:[a-z][a-z0-9_]*$`)

// ValidPermission reports whether p is the wildcard or a well-formed
// resource:action pair.
func ValidPermission(p string) bool {
	return p == Wildcard || permissionShape.MatchString(p)
}

// Role names an ordered set of permissions.
type Role struct {
	Name        string
	Permissions []string
}

// Binding grants a role to an identity within a tenant scope. It is the
// unit through which identities obtain permissions.
type Binding struct {
	IdentityID string
	Role       string
	Tenant     string
}

// Store persists roles and bindings.
type Store interface {
	Role(ctx context.Context, name string) (Role, error)
	UpsertRole(ctx context.Context, role Role) error
	Bind(ctx context.Context, b Binding) error
	Unbind(ctx context.Context, b Binding) error
	BindingsFor(ctx context.Context, identityID string) ([]Binding, error)
}

// Decision is the outcome of an access check.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// Engine evaluates access decisions and audits every deny for a known
// identity.
type Engine struct {
	store Store
	log   *audit.Log
}

// NewEngine constructs an Engine. The audit log is required; deny decisions
// are not optional to record.
func NewEngine(store Store, log *audit.Log) (*Engine, error) {
	if store == nil {
		return nil, errors.New("authz: store is required")
	}
	if log == nil {
		return nil, errors.New("authz: audit log is required")
	}
	return &Engine{store: store, log: log}, nil
}

// DefineRole validates and stores a role definition.
func (e *Engine) DefineRole(ctx context.Context, role Role) error {
	role.Name = strings.TrimSpace(role.Name)
	if role.Name == "" {
		return errors.New("authz: role name is required")
	}
	cleaned := make([]string, 0, len(role.Permissions))
	seen := make(map[string]struct{}, len(role.Permissions))
	for _, p := range role.Permissions {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !ValidPermission(p) {
			return fmt.Errorf("%w: %q", ErrInvalidPermission, p)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		cleaned = append(cleaned, p)
	}
	sort.Strings(cleaned)
	role.Permissions = cleaned
	return e.store.UpsertRole(ctx, role)
}

// Bind grants a role to an identity within a tenant.
func (e *Engine) Bind(ctx context.Context, b Binding) error {
	if b.IdentityID == "" || b.Role == "" {
		return errors.New("authz: identity and role are required")
	}
	if _, err := e.store.Role(ctx, b.Role); err != nil {
		return err
	}
	return e.store.Bind(ctx, b)
}

// Unbind removes a role grant. Unknown bindings are a no-op.
func (e *Engine) Unbind(ctx context.Context, b Binding) error {
	if b.IdentityID == "" || b.Role == "" {
		return errors.New("authz: identity and role are required")
	}
	return e.store.Unbind(ctx, b)
}

// ResolvePermissions returns the union of permissions across all roles bound
// to the identity within the tenant scope. A wildcard on any bound role
// short-circuits to the wildcard set.
func (e *Engine) ResolvePermissions(ctx context.Context, identityID, tenant string) (map[string]struct{}, error) {
	bindings, err := e.store.BindingsFor(ctx, identityID)
	if err != nil {
		return nil, err
	}
	perms := make(map[string]struct{})
	for _, b := range bindings {
		if tenant != "" && b.Tenant != "" && b.Tenant != tenant {
			continue
		}
		role, err := e.store.Role(ctx, b.Role)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // dangling binding, role removed
			}
			return nil, err
		}
		for _, p := range role.Permissions {
			if p == Wildcard {
				return map[string]struct{}{Wildcard: {}}, nil
			}
			perms[p] = struct{}{}
		}
	}
	return perms, nil
}

// PermissionSnapshot returns the resolved permissions sorted, for embedding
// into access tokens.
func (e *Engine) PermissionSnapshot(ctx context.Context, identityID, tenant string) ([]string, error) {
	perms, err := e.ResolvePermissions(ctx, identityID, tenant)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// Authorize decides whether the identity holds the permission. Deny by
// default: allow only on exact membership or wildcard. Every deny for a
// non-anonymous identity is recorded to the audit log before returning.
func (e *Engine) Authorize(ctx context.Context, identityID, tenant, permission, resource string) (Decision, error) {
	if !ValidPermission(permission) || permission == Wildcard {
		return Deny, fmt.Errorf("%w: %q", ErrInvalidPermission, permission)
	}
	decision := Deny
	if identityID != "" {
		perms, err := e.ResolvePermissions(ctx, identityID, tenant)
		if err != nil {
			return Deny, err
		}
		if _, ok := perms[Wildcard]; ok {
			decision = Allow
		} else if _, ok := perms[permission]; ok {
			decision = Allow
		}
	}
	if decision == Deny && identityID != "" {
		if _, err := e.log.Record(ctx, audit.Event{
			Actor:    identityID,
			Kind:     audit.KindPermissionDenied,
			Severity: audit.SeverityMedium,
			Resource: resource,
			Payload: map[string]string{
				"permission": permission,
				"tenant":     tenant,
			},
		}); err != nil {
			return Deny, fmt.Errorf("authz: record deny: %w", err)
		}
	}
	return decision, nil
}

// Allowed reports whether the permission set grants the permission. Used by
// callers holding a token snapshot instead of store access.
func Allowed(snapshot []string, permission string) bool {
	for _, p := range snapshot {
		if p == Wildcard || p == permission {
			return true
		}
	}
	return false
}
