package models

import "strings"

// Permission tokens held by roles.
const (
	PermQueryExecute   = "query:execute"
	PermQueryAdmin     = "query:admin"
	PermTableSelect    = "table:select"
	PermTableInsert    = "table:insert"
	PermTableUpdate    = "table:update"
	PermTableDelete    = "table:delete"
	PermTableCreate    = "table:create"
	PermTableDrop      = "table:drop"
	PermTableAlter     = "table:alter"
	PermDatabaseCreate = "database:create"
	PermDatabaseDrop   = "database:drop"
	PermDatabaseAlter  = "database:alter"
)

// PermissionRequirement is the permission needed to run one statement.
// It is satisfied when the caller holds any token in AnyOf.
type PermissionRequirement struct {
	Action string   `json:"action"`
	AnyOf  []string `json:"any_of"`
}

// SatisfiedBy reports whether granted holds at least one acceptable token.
func (r PermissionRequirement) SatisfiedBy(granted PermissionSet) bool {
	for _, p := range r.AnyOf {
		if granted.Has(p) {
			return true
		}
	}
	return false
}

// String renders the requirement as "a or b".
func (r PermissionRequirement) String() string {
	return strings.Join(r.AnyOf, " or ")
}

// PermissionSet is an immutable lookup of granted permission tokens.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from a token list.
func NewPermissionSet(perms []string) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(p)
		if p != "" {
			set[p] = struct{}{}
		}
	}
	return set
}

// Has reports whether the token is granted.
func (s PermissionSet) Has(perm string) bool {
	_, ok := s[perm]
	return ok
}
