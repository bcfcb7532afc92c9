package models

// QueryAccessRequest is the input of a batch access decision.
type QueryAccessRequest struct {
	UserID          string   `json:"user_id"`
	IsAdmin         bool     `json:"is_admin"`
	Permissions     []string `json:"permissions"`
	SQL             string   `json:"sql"`
	DefaultDatabase string   `json:"default_database,omitempty"`
	ConnectionID    *string  `json:"connection_id,omitempty"`
}

// AccessDecision is the single verdict for a submitted batch.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// StatementIndex is the zero-based index of the statement that was denied.
	StatementIndex *int     `json:"statement_index,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Allow returns an allowing decision.
func Allow(warnings []string) *AccessDecision {
	return &AccessDecision{Allowed: true, Warnings: warnings}
}

// Deny returns a denying decision for the statement at index.
func Deny(index int, reason string) *AccessDecision {
	return &AccessDecision{Allowed: false, Reason: reason, StatementIndex: &index}
}

// AccessResult is the outcome of a single-reference check.
type AccessResult struct {
	Allowed     bool            `json:"allowed"`
	MatchedRule *DataAccessRule `json:"matched_rule,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Requester identifies the caller of an access check.
type Requester struct {
	UserID      string   `json:"user_id"`
	IsAdmin     bool     `json:"is_admin"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}
