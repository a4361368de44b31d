// Package authz derives the application's authorization state from profile
// data: the effective role set, the primary role and the warehouse scope.
package authz

import (
	"slices"
	"strings"
	"time"
)

// Role is a closed enumeration of the business roles the platform knows.
// Unknown values are carried through normalization untouched; they satisfy
// exact-name checks only and never grant elevated access.
type Role string

const (
	RoleAdmin            Role = "admin"
	RoleAccounts         Role = "accounts"
	RoleSales            Role = "sales"
	RoleWarehouseManager Role = "warehouse_manager"
	RoleUser             Role = "user"
)

func NormalizeRole(value string) Role {
	return Role(strings.ToLower(strings.TrimSpace(value)))
}

func (r Role) Known() bool {
	switch r {
	case RoleAdmin, RoleAccounts, RoleSales, RoleWarehouseManager, RoleUser:
		return true
	}
	return false
}

// Profile is the backend-owned business record for a user. Roles is the
// source of truth; Role is the backward-compatible singular view (roles[0]).
type Profile struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Role         string    `json:"role"`
	Roles        []string  `json:"roles,omitempty"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	WarehouseIDs []string  `json:"warehouse_ids,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

func (p *Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Authorization is derived from a Profile and never stored independently.
type Authorization struct {
	Roles            []Role
	Primary          Role
	Admin            bool
	Sales            bool
	Accounts         bool
	WarehouseManager bool
	Warehouses       []string
}

// Derive computes the authorization state for profile. A nil profile yields
// the zero Authorization with no roles at all; a profile without roles
// defaults to the plain user role.
func Derive(profile *Profile) Authorization {
	if profile == nil {
		return Authorization{}
	}
	roles := profile.Roles
	if len(roles) == 0 && profile.Role != "" {
		roles = []string{profile.Role}
	}
	return FromRoles(roles, profile.WarehouseIDs)
}

// FromRoles derives the authorization state from an explicit role list, as
// returned by login and session-sync responses. The accounts role counts as
// admin-equivalent visibility; that is an intentional business rule and is
// applied uniformly on every derivation path.
func FromRoles(roles []string, warehouses []string) Authorization {
	set := normalizeAll(roles)
	if len(set) == 0 {
		set = []Role{RoleUser}
	}
	a := Authorization{
		Roles:   set,
		Primary: set[0],
	}
	a.Admin = slices.Contains(set, RoleAdmin) || slices.Contains(set, RoleAccounts)
	a.Sales = slices.Contains(set, RoleSales)
	a.Accounts = slices.Contains(set, RoleAccounts)
	a.WarehouseManager = slices.Contains(set, RoleWarehouseManager)
	// only warehouse managers and admins carry an explicit warehouse scope
	if slices.Contains(set, RoleAdmin) || a.WarehouseManager {
		a.Warehouses = slices.Clone(warehouses)
	}
	return a
}

// HasRole reports whether the role set contains role. The admin role
// satisfies every role check.
func (a Authorization) HasRole(role Role) bool {
	return slices.Contains(a.Roles, role) || slices.Contains(a.Roles, RoleAdmin)
}

func (a Authorization) HasAnyRole(roles ...Role) bool {
	for _, role := range roles {
		if a.HasRole(role) {
			return true
		}
	}
	return false
}

// HasWarehouseAccess reports whether warehouse id is in scope. Admins have
// unrestricted access regardless of the warehouse list; everyone below a
// warehouse manager has none.
func (a Authorization) HasWarehouseAccess(id string) bool {
	if a.Admin {
		return true
	}
	if !a.WarehouseManager {
		return false
	}
	return slices.Contains(a.Warehouses, id)
}

// RoleNames returns the role set as plain strings, in derivation order.
func (a Authorization) RoleNames() []string {
	names := make([]string, len(a.Roles))
	for i, role := range a.Roles {
		names[i] = string(role)
	}
	return names
}

func normalizeAll(values []string) []Role {
	roles := make([]Role, 0, len(values))
	for _, value := range values {
		role := NormalizeRole(value)
		if role == "" || slices.Contains(roles, role) {
			continue
		}
		roles = append(roles, role)
	}
	return roles
}
