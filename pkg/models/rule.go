package models

import (
	"regexp"
	"strings"
	"time"
)

// RuleScope says whether a rule is attached to a role or to a single user.
type RuleScope string

const (
	ScopeRole RuleScope = "role"
	ScopeUser RuleScope = "user"
)

// AccessType is the kind of access a rule governs or a request needs.
type AccessType string

const (
	AccessRead  AccessType = "read"
	AccessWrite AccessType = "write"
	AccessAll   AccessType = "all"
)

// Covers reports whether a rule with access type a applies to a request of type req.
func (a AccessType) Covers(req AccessType) bool {
	return a == AccessAll || a == req
}

// DataAccessRule grants or denies access to tables matching its patterns.
type DataAccessRule struct {
	ID              string     `json:"id" yaml:"id"`
	Scope           RuleScope  `json:"scope" yaml:"scope" validate:"required,oneof=role user"`
	SubjectID       string     `json:"subject_id" yaml:"subject" validate:"required"`
	ConnectionID    *string    `json:"connection_id,omitempty" yaml:"connection,omitempty"`
	DatabasePattern string     `json:"database_pattern" yaml:"database" validate:"required,rulepattern"`
	TablePattern    string     `json:"table_pattern" yaml:"table" validate:"required,rulepattern"`
	AccessType      AccessType `json:"access_type" yaml:"access" validate:"required,oneof=read write all"`
	IsAllowed       bool       `json:"is_allowed" yaml:"allow"`
	Priority        int        `json:"priority" yaml:"priority"`
	Description     string     `json:"description,omitempty" yaml:"description,omitempty"`
	CreatedAt       time.Time  `json:"created_at" yaml:"-"`
}

// Effect returns "allow" or "deny".
func (r DataAccessRule) Effect() string {
	if r.IsAllowed {
		return "allow"
	}
	return "deny"
}

// PatternKind tags how a rule pattern is matched.
type PatternKind int

const (
	PatternWildcard PatternKind = iota
	PatternExact
	PatternRegex
	// PatternInvalid marks a /regex/ that failed to compile.
	PatternInvalid
)

// String returns the string representation of the pattern kind.
func (k PatternKind) String() string {
	switch k {
	case PatternWildcard:
		return "wildcard"
	case PatternExact:
		return "exact"
	case PatternRegex:
		return "regex"
	case PatternInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Pattern is a compiled database or table pattern.
type Pattern struct {
	Kind PatternKind
	Raw  string
	re   *regexp.Regexp
	err  error
}

// ParsePattern compiles a raw rule pattern. "*" is the wildcard, "/expr/" is
// an unanchored regular expression, anything else matches exactly.
func ParsePattern(raw string) Pattern {
	switch {
	case raw == "*":
		return Pattern{Kind: PatternWildcard, Raw: raw}
	case len(raw) >= 2 && strings.HasPrefix(raw, "/") && strings.HasSuffix(raw, "/"):
		re, err := regexp.Compile(raw[1 : len(raw)-1])
		if err != nil {
			return Pattern{Kind: PatternInvalid, Raw: raw, err: err}
		}
		return Pattern{Kind: PatternRegex, Raw: raw, re: re}
	default:
		return Pattern{Kind: PatternExact, Raw: raw}
	}
}

// Err returns the compile error of an invalid pattern.
func (p Pattern) Err() error {
	return p.err
}

// Match reports whether value matches. present is false when the value is
// absent (an unqualified database); only the wildcard matches an absent value.
// Invalid patterns never match here; callers decide how to fail closed.
func (p Pattern) Match(value string, present bool) bool {
	switch p.Kind {
	case PatternWildcard:
		return true
	case PatternExact:
		return present && value == p.Raw
	case PatternRegex:
		return present && p.re.MatchString(value)
	default:
		return false
	}
}
