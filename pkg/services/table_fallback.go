package services

import (
	"regexp"
	"strings"

	"github.com/TFMV/gatekeeper/pkg/models"
)

const fallbackIdent = "(?:`[^`]*`|\"[^\"]*\"|[\\p{L}_][\\p{L}\\p{N}_$]*)"

var (
	// fallbackTableClause matches a table-introducing keyword followed by a
	// name of up to three dotted parts.
	fallbackTableClause = regexp.MustCompile(`(?i)\b(FROM|JOIN|INTO|UPDATE|TABLE)\s+` +
		`(?:(?:TABLE|FUNCTION)\s+)?(?:IF\s+(?:NOT\s+)?EXISTS\s+)?` +
		`(` + fallbackIdent + `(?:\s*\.\s*` + fallbackIdent + `){0,2})`)

	fallbackIdentPart = regexp.MustCompile(fallbackIdent)

	fallbackLeadingWith = regexp.MustCompile(`(?i)^\s*WITH(?:\s+RECURSIVE)?\b`)

	// fallbackCTEDef matches `name [(cols)] AS [[NOT] MATERIALIZED] (` at the start of its input.
	fallbackCTEDef = regexp.MustCompile(`(?i)^\s*(` + fallbackIdent + `)\s*` +
		`(?:\([^()]*\))?\s*AS\s*(?:(?:NOT\s+)?MATERIALIZED\s*)?\(`)

	fallbackDeleteFrom = regexp.MustCompile(`(?i)\bDELETE\s*$`)
)

// fallbackTableRefs sweeps the raw statement for identifiers that follow
// FROM, JOIN, INTO, UPDATE or TABLE. Unqualified names defined by the WITH
// block that opens the statement are excluded, as are names in knownCTEs.
// INTO, UPDATE, TABLE and the FROM of a DELETE introduce targets.
func fallbackTableRefs(sql string, knownCTEs map[string]struct{}) models.Extraction {
	text := blankLiteralsAndComments(sql)

	ctes := leadingCTENames(text)
	for name := range knownCTEs {
		ctes[name] = struct{}{}
	}

	refs := newRefCollector()
	for _, loc := range fallbackTableClause.FindAllStringSubmatchIndex(text, -1) {
		keyword := strings.ToUpper(text[loc[2]:loc[3]])
		name := text[loc[4]:loc[5]]

		next := strings.TrimLeft(text[loc[1]:], " \t\r\n")
		if strings.HasPrefix(next, "(") {
			// table function
			continue
		}
		if keyword == "UPDATE" && strings.HasPrefix(next, "=") {
			// ALTER TABLE ... UPDATE col = expr
			continue
		}

		parts := fallbackIdentPart.FindAllString(name, -1)
		if len(parts) == 0 {
			continue
		}
		if first := parts[0]; !isQuotedIdent(first) && reservedWords[strings.ToUpper(first)] {
			continue
		}
		for i := range parts {
			parts[i] = unquoteIdent(parts[i])
		}

		ref := models.TableRef{Table: parts[len(parts)-1]}
		if len(parts) > 1 {
			ref.Database = parts[len(parts)-2]
		}
		if _, ok := ctes[ref.Table]; ok && ref.Database == "" {
			continue
		}

		role := roleSource
		switch keyword {
		case "INTO", "UPDATE", "TABLE":
			role = roleTarget
		case "FROM":
			if fallbackDeleteFrom.MatchString(text[:loc[2]]) {
				role = roleTarget
			}
		}
		refs.add(ref, role)
	}

	return refs.extraction()
}

// leadingCTENames returns the aliases defined by the WITH block that opens
// text. CTEs declared further in, such as inside a subquery, are not
// visible to the whole statement and are left out.
func leadingCTENames(text string) map[string]struct{} {
	names := make(map[string]struct{})
	loc := fallbackLeadingWith.FindStringIndex(text)
	if loc == nil {
		return names
	}

	pos := loc[1]
	for {
		def := fallbackCTEDef.FindStringSubmatchIndex(text[pos:])
		if def == nil {
			return names
		}
		names[unquoteIdent(text[pos+def[2]:pos+def[3]])] = struct{}{}

		end := closingParen(text, pos+def[1]-1)
		if end < 0 {
			return names
		}
		rest := strings.TrimLeft(text[end+1:], " \t\r\n")
		if !strings.HasPrefix(rest, ",") {
			return names
		}
		pos = len(text) - len(rest) + 1
	}
}

// closingParen returns the index of the parenthesis closing text[open], or -1.
// Quoted identifiers are skipped; literals are expected to be blanked.
func closingParen(text string, open int) int {
	b := []byte(text)
	depth := 0
	for i := open; i < len(b); i++ {
		switch b[i] {
		case '`', '"':
			i = skipQuoted(b, i, b[i])
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// blankLiteralsAndComments replaces string literal contents and comments
// with spaces, keeping offsets stable. Quoted identifiers are left intact.
func blankLiteralsAndComments(sql string) string {
	b := []byte(sql)
	blank := func(from, to int) {
		for k := from; k < to && k < len(b); k++ {
			if b[k] != '\n' {
				b[k] = ' '
			}
		}
	}

	for i := 0; i < len(b); i++ {
		switch {
		case b[i] == '\'':
			j := skipQuoted(b, i, '\'')
			blank(i+1, j)
			i = j
		case b[i] == '`' || b[i] == '"':
			i = skipQuoted(b, i, b[i])
		case b[i] == '-' && i+1 < len(b) && b[i+1] == '-':
			j := i
			for j < len(b) && b[j] != '\n' {
				j++
			}
			blank(i, j)
			i = j
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '*':
			j := i + 2
			for j+1 < len(b) && !(b[j] == '*' && b[j+1] == '/') {
				j++
			}
			blank(i, j+2)
			i = j + 1
		}
	}
	return string(b)
}

// skipQuoted returns the index of the quote closing the span opened at
// start, or len(b) when it is unterminated.
func skipQuoted(b []byte, start int, quote byte) int {
	j := start + 1
	for j < len(b) {
		switch {
		case b[j] == '\\':
			j += 2
		case b[j] == quote && j+1 < len(b) && b[j+1] == quote:
			j += 2
		case b[j] == quote:
			return j
		default:
			j++
		}
	}
	return len(b)
}

func isQuotedIdent(s string) bool {
	return len(s) >= 2 && (s[0] == '`' || s[0] == '"')
}

func unquoteIdent(s string) string {
	if isQuotedIdent(s) {
		return s[1 : len(s)-1]
	}
	return s
}
