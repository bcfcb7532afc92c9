// Package repositories defines interfaces for data access operations.
package repositories

import (
	"context"

	"github.com/TFMV/gatekeeper/pkg/models"
)

// RuleRepository defines data-access rule lookups.
type RuleRepository interface {
	// ListRules returns the role-scoped rules of every role the user holds
	// merged with the user's own rules. Rules bound to another connection are
	// left out; rules without a connection are always included.
	ListRules(ctx context.Context, userID string, connectionID *string) ([]models.DataAccessRule, error)
}

// PermissionRepository defines authoritative permission lookups.
type PermissionRepository interface {
	// HasPermission reports whether any role of the user grants permission.
	HasPermission(ctx context.Context, userID, permission string) (bool, error)
	// IsAdmin reports whether any role of the user is an admin role.
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// Role is a named permission bundle.
type Role struct {
	ID          string   `json:"id" yaml:"-"`
	Name        string   `json:"name" yaml:"name" validate:"required"`
	IsAdmin     bool     `json:"is_admin" yaml:"admin"`
	Permissions []string `json:"permissions" yaml:"permissions" validate:"dive,required"`
}

// PolicyWriter defines the mutations needed to import a policy.
type PolicyWriter interface {
	CreateRole(ctx context.Context, role Role) (string, error)
	AssignRole(ctx context.Context, userID, roleName string) error
	SaveRule(ctx context.Context, rule *models.DataAccessRule) error
	DeleteRule(ctx context.Context, id string) error
}

// PolicyStore is a complete rule, permission and role store.
type PolicyStore interface {
	RuleRepository
	PermissionRepository
	PolicyWriter
	Close() error
}
