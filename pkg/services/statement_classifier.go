// Package services contains business logic implementations.
package services

import (
	"github.com/TFMV/gatekeeper/pkg/models"
)

// createModifiers may sit between CREATE/DROP/ALTER and the object keyword.
var createModifiers = []string{"OR", "REPLACE", "TEMPORARY", "TEMP", "MATERIALIZED", "LIVE", "WINDOW"}

// withStatementKeywords end the CTE block of a WITH statement.
var withStatementKeywords = map[string]models.Verb{
	"SELECT": models.VerbSelect,
	"INSERT": models.VerbInsert,
	"UPDATE": models.VerbUpdate,
	"DELETE": models.VerbDelete,
}

// ClassifyStatement determines the verb of a single statement and, for
// CREATE, DROP and ALTER, the kind of object it targets. It never fails:
// anything unrecognised is VerbOther.
func ClassifyStatement(sql string) (models.Verb, models.TargetKind) {
	// Unterminated quotes still leave a usable token prefix.
	tokens, _ := tokenize(sql)
	return classifyTokens(tokens)
}

func classifyTokens(tokens []token) (models.Verb, models.TargetKind) {
	i := 0
	for i < len(tokens) && tokens[i].kind == tokLParen {
		i++
	}
	if i >= len(tokens) || tokens[i].kind != tokWord {
		return models.VerbOther, models.TargetNone
	}

	switch tokens[i].upper {
	case "SELECT":
		return models.VerbSelect, models.TargetNone
	case "WITH":
		return classifyWith(tokens[i+1:]), models.TargetNone
	case "INSERT":
		return models.VerbInsert, models.TargetNone
	case "UPDATE":
		return models.VerbUpdate, models.TargetNone
	case "DELETE":
		return models.VerbDelete, models.TargetNone
	case "CREATE":
		return models.VerbCreate, classifyTarget(tokens[i+1:])
	case "DROP":
		return models.VerbDrop, classifyTarget(tokens[i+1:])
	case "ALTER":
		return models.VerbAlter, classifyTarget(tokens[i+1:])
	case "TRUNCATE":
		return models.VerbTruncate, models.TargetNone
	case "SHOW", "EXISTS":
		return models.VerbShow, models.TargetNone
	case "DESCRIBE", "DESC":
		return models.VerbDescribe, models.TargetNone
	case "EXPLAIN":
		return models.VerbExplain, models.TargetNone
	case "USE":
		return models.VerbUse, models.TargetNone
	default:
		return models.VerbOther, models.TargetNone
	}
}

// classifyWith returns the verb of the first top-level statement keyword
// after the CTE definitions. A parenthesised body directly after a CTE,
// as in WITH c AS (...) (SELECT ...), is classified by its contents.
func classifyWith(tokens []token) models.Verb {
	depth := 0
	for i, tok := range tokens {
		switch tok.kind {
		case tokLParen:
			if depth == 0 && i > 0 && tokens[i-1].kind == tokRParen {
				if verb, _ := classifyTokens(tokens[i:]); verb != models.VerbOther {
					return verb
				}
			}
			depth++
		case tokRParen:
			depth--
		case tokWord:
			if depth != 0 {
				continue
			}
			if verb, ok := withStatementKeywords[tok.upper]; ok {
				return verb
			}
		}
	}
	return models.VerbOther
}

func classifyTarget(tokens []token) models.TargetKind {
	i := 0
	for i < len(tokens) && tokens[i].isWord(createModifiers...) {
		i++
	}
	if i >= len(tokens) {
		return models.TargetOther
	}

	switch {
	case tokens[i].isWord("DATABASE", "SCHEMA"):
		return models.TargetDatabase
	case tokens[i].isWord("TABLE"):
		return models.TargetTable
	case tokens[i].isWord("VIEW"):
		return models.TargetView
	default:
		return models.TargetOther
	}
}
