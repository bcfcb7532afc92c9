// Package models provides data structures used throughout the access-control core.
package models

import "strings"

// Verb is the leading operation of a SQL statement.
type Verb string

const (
	VerbSelect   Verb = "SELECT"
	VerbInsert   Verb = "INSERT"
	VerbUpdate   Verb = "UPDATE"
	VerbDelete   Verb = "DELETE"
	VerbCreate   Verb = "CREATE"
	VerbDrop     Verb = "DROP"
	VerbAlter    Verb = "ALTER"
	VerbTruncate Verb = "TRUNCATE"
	VerbShow     Verb = "SHOW"
	VerbDescribe Verb = "DESCRIBE"
	VerbExplain  Verb = "EXPLAIN"
	VerbUse      Verb = "USE"
	VerbOther    Verb = "OTHER"
)

// IsRead reports whether the verb only reads data or metadata.
func (v Verb) IsRead() bool {
	switch v {
	case VerbSelect, VerbShow, VerbDescribe, VerbExplain, VerbUse:
		return true
	default:
		return false
	}
}

// IsDDL reports whether the verb defines or removes schema objects.
func (v Verb) IsDDL() bool {
	return v == VerbCreate || v == VerbDrop || v == VerbAlter
}

// TargetKind is the object class a DDL statement operates on.
type TargetKind string

const (
	TargetNone     TargetKind = ""
	TargetDatabase TargetKind = "database"
	TargetTable    TargetKind = "table"
	TargetView     TargetKind = "view"
	TargetOther    TargetKind = "other"
)

// TableRef is a reference to a base table, optionally qualified by database.
// An empty Database means the reference was unqualified. An empty Table means
// the reference addresses the whole database (CREATE DATABASE, USE, ...).
type TableRef struct {
	Database string `json:"database,omitempty"`
	Table    string `json:"table,omitempty"`
}

// IsDatabaseLevel reports whether the reference addresses a database rather than a table.
func (r TableRef) IsDatabaseLevel() bool {
	return r.Table == ""
}

// String renders the reference as database.table.
func (r TableRef) String() string {
	switch {
	case r.Table == "":
		return r.Database
	case r.Database == "":
		return r.Table
	default:
		return r.Database + "." + r.Table
	}
}

// Key returns a case-sensitive identity used for deduplication.
func (r TableRef) Key() string {
	return r.Database + "\x00" + r.Table
}

// WithDefaultDatabase fills an unqualified reference with db.
func (r TableRef) WithDefaultDatabase(db string) TableRef {
	if r.Database == "" {
		r.Database = db
	}
	return r
}

// Extraction is the result of scanning one statement for table references.
// Refs lists every distinct reference. Targets holds the ones the statement
// writes or alters and Sources the ones it reads; a reference used both ways
// appears in both.
type Extraction struct {
	Refs    []TableRef `json:"refs"`
	Targets []TableRef `json:"targets,omitempty"`
	Sources []TableRef `json:"sources,omitempty"`
	// Fallback is set when the structural scan gave up and the lexical sweep produced Refs.
	Fallback bool     `json:"fallback,omitempty"`
	Notices  []string `json:"notices,omitempty"`
}

// Statement is one classified unit of a SQL batch.
type Statement struct {
	Index      int        `json:"index"`
	Verb       Verb       `json:"verb"`
	TargetKind TargetKind `json:"target_kind,omitempty"`
	TableRefs  []TableRef `json:"table_refs"`
	Targets    []TableRef `json:"targets,omitempty"`
	Sources    []TableRef `json:"sources,omitempty"`
	RawText    string     `json:"raw_text"`
	Fallback   bool       `json:"fallback,omitempty"`
	Notices    []string   `json:"notices,omitempty"`
}

// Describe returns a short human label, e.g. "DROP table".
func (s *Statement) Describe() string {
	if s.TargetKind == TargetNone {
		return string(s.Verb)
	}
	return strings.TrimSpace(string(s.Verb) + " " + string(s.TargetKind))
}
