package services

import (
	"github.com/TFMV/gatekeeper/pkg/models"
)

// ParseStatement classifies a single statement and extracts its table
// references. References are not qualified with any default database.
func ParseStatement(sql string) *models.Statement {
	verb, kind := ClassifyStatement(sql)
	extraction := ExtractTableRefs(sql)

	return &models.Statement{
		Verb:       verb,
		TargetKind: kind,
		TableRefs:  extraction.Refs,
		Targets:    extraction.Targets,
		Sources:    extraction.Sources,
		RawText:    sql,
		Fallback:   extraction.Fallback,
		Notices:    extraction.Notices,
	}
}

// ParseBatch splits sql and parses every statement in order.
func ParseBatch(sql string) []*models.Statement {
	parts := SplitStatements(sql)
	statements := make([]*models.Statement, 0, len(parts))
	for i, part := range parts {
		stmt := ParseStatement(part)
		stmt.Index = i
		statements = append(statements, stmt)
	}
	return statements
}

// ExtractTablesFromQuery returns the distinct table references of every
// statement in a batch, in first-seen order.
func ExtractTablesFromQuery(sql string) []models.TableRef {
	var refs []models.TableRef
	seen := make(map[string]struct{})
	for _, part := range SplitStatements(sql) {
		for _, ref := range ExtractTableRefs(part).Refs {
			if _, ok := seen[ref.Key()]; ok {
				continue
			}
			seen[ref.Key()] = struct{}{}
			refs = append(refs, ref)
		}
	}
	return refs
}
