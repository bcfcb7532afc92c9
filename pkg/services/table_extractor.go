package services

import (
	"fmt"

	"github.com/TFMV/gatekeeper/pkg/models"
)

// reservedWords cannot start a table name or serve as a bare alias.
var reservedWords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "GROUP": true, "ORDER": true, "BY": true,
	"HAVING": true, "LIMIT": true, "OFFSET": true, "UNION": true, "EXCEPT": true, "INTERSECT": true,
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true, "CROSS": true,
	"OUTER": true, "NATURAL": true, "ANY": true, "ALL": true, "ASOF": true, "SEMI": true,
	"ANTI": true, "ARRAY": true, "GLOBAL": true, "PASTE": true, "ON": true, "USING": true,
	"FINAL": true, "SAMPLE": true, "PREWHERE": true, "SETTINGS": true, "FORMAT": true,
	"WINDOW": true, "QUALIFY": true, "INTO": true, "VALUES": true, "SET": true, "WITH": true,
	"AS": true, "LATERAL": true, "TO": true, "AND": true, "OR": true, "NOT": true, "WHEN": true,
	"THEN": true, "ELSE": true, "END": true, "CASE": true, "RETURNING": true,
}

// withNonCTE are words that follow WITH in clauses that are not CTE blocks
// (WITH TOTALS, WITH FILL, WITH TIES, ...).
var withNonCTE = map[string]bool{
	"TOTALS": true, "FILL": true, "TIES": true, "ROLLUP": true, "CUBE": true, "CHECK": true,
	"NO": true, "DATA": true, "GRANT": true, "ADMIN": true, "OPTION": true, "ORDINALITY": true,
	"LOCAL": true, "CASCADED": true, "TIME": true,
}

// tableListTail are non-reserved words that may end a FROM list.
var tableListTail = map[string]bool{
	"FOR": true, "USE": true, "FORCE": true, "IGNORE": true, "TABLESAMPLE": true,
	"FETCH": true, "LOCK": true, "PARTITION": true,
}

// refRole is how a statement uses a table it references.
type refRole int

const (
	roleSource refRole = iota // read
	roleTarget                // written, created, altered or dropped
)

// refCollector accumulates distinct references and the roles they were used in.
type refCollector struct {
	refs    []models.TableRef
	targets []models.TableRef
	sources []models.TableRef
	seen    map[refRole]map[string]struct{}
	all     map[string]struct{}
}

func newRefCollector() *refCollector {
	return &refCollector{
		seen: map[refRole]map[string]struct{}{
			roleSource: make(map[string]struct{}),
			roleTarget: make(map[string]struct{}),
		},
		all: make(map[string]struct{}),
	}
}

func (c *refCollector) add(ref models.TableRef, role refRole) {
	key := ref.Key()
	if _, ok := c.all[key]; !ok {
		c.all[key] = struct{}{}
		c.refs = append(c.refs, ref)
	}
	if _, ok := c.seen[role][key]; ok {
		return
	}
	c.seen[role][key] = struct{}{}
	if role == roleTarget {
		c.targets = append(c.targets, ref)
	} else {
		c.sources = append(c.sources, ref)
	}
}

func (c *refCollector) extraction() models.Extraction {
	return models.Extraction{Refs: c.refs, Targets: c.targets, Sources: c.sources}
}

// cteScope holds the CTE aliases visible at one query nesting level.
type cteScope struct {
	parent *cteScope
	names  map[string]struct{}
}

func newCTEScope(parent *cteScope) *cteScope {
	return &cteScope{parent: parent, names: make(map[string]struct{})}
}

func (s *cteScope) define(name string) {
	s.names[name] = struct{}{}
}

// resolves reports whether name is a CTE alias in this or an enclosing scope.
func (s *cteScope) resolves(name string) bool {
	for scope := s; scope != nil; scope = scope.parent {
		if _, ok := scope.names[name]; ok {
			return true
		}
	}
	return false
}

// ExtractTableRefs returns the real tables one statement reads or writes.
// References are returned as written: unqualified names keep an empty
// Database. When the structural scan cannot interpret the text, a lexical
// sweep produces a best-effort result and Fallback is set.
func ExtractTableRefs(sql string) models.Extraction {
	e := &tableExtractor{
		refs:     newRefCollector(),
		cteNames: make(map[string]struct{}),
	}

	err := e.run(sql)
	if err == nil {
		result := e.refs.extraction()
		result.Notices = e.notices
		return result
	}

	result := fallbackTableRefs(sql, e.cteNames)
	result.Fallback = true
	result.Notices = append(e.notices, fmt.Sprintf("lexical fallback used: %v", err))
	return result
}

// tableExtractor is a recursive-descent scanner over the token stream of a
// statement. It only understands the clauses that introduce tables.
type tableExtractor struct {
	toks      []token
	pos       int
	stmtStart int
	refs      *refCollector
	notices   []string

	// cteNames holds the aliases of the WITH block that opens the statement.
	cteNames map[string]struct{}

	deleting bool
	// deleteTarget marks the next table factor as the table a DELETE removes rows from.
	deleteTarget bool
}

func (e *tableExtractor) run(sql string) error {
	toks, lexErr := tokenize(sql)
	e.toks = toks

	root := newCTEScope(nil)
	var err error
	for err == nil && e.pos < len(e.toks) {
		if e.toks[e.pos].kind == tokSemicolon {
			e.pos++
			continue
		}
		err = e.parseStatement(root)
	}

	if lexErr != nil {
		return lexErr
	}
	return err
}

func (e *tableExtractor) parseStatement(scope *cteScope) error {
	e.stmtStart = e.pos
	e.deleting = false
	e.deleteTarget = false
	tok, ok := e.peek()
	if !ok || tok.kind != tokWord {
		return e.scanBody(scope, 0, true)
	}

	e.pos++
	switch tok.upper {
	case "CREATE":
		return e.parseCreate(scope)
	case "DROP":
		return e.parseDrop()
	case "ALTER":
		return e.parseAlter(scope)
	case "TRUNCATE":
		e.skipWords("TEMPORARY")
		e.acceptWord("TABLE")
		e.skipIfExists()
		if err := e.parseTableName(nil, roleTarget); err != nil {
			return err
		}
		return e.finish()
	case "UPDATE":
		if err := e.parseTableName(scope, roleTarget); err != nil {
			return err
		}
		return e.scanBody(scope, 0, true)
	case "DELETE":
		e.deleting = true
		e.deleteTarget = true
		return e.scanBody(scope, 0, true)
	case "DESCRIBE", "DESC":
		e.acceptWord("TABLE")
		if e.peekKind(tokLParen) || e.startsQuery() {
			return e.scanBody(scope, 0, true)
		}
		if err := e.parseTableFactor(scope, 0); err != nil {
			return err
		}
		return e.finish()
	case "EXPLAIN":
		return e.parseExplain(scope)
	case "SHOW":
		return e.parseShow()
	case "EXISTS":
		e.skipWords("TEMPORARY")
		if e.acceptWord("DATABASE") {
			return e.parseDatabaseThenFinish(roleSource)
		}
		e.acceptWord("TABLE", "VIEW", "DICTIONARY")
		if err := e.parseTableName(nil, roleSource); err != nil {
			return err
		}
		return e.finish()
	case "USE":
		return e.parseDatabaseThenFinish(roleSource)
	case "OPTIMIZE":
		e.acceptWord("TABLE")
		if err := e.parseTableName(nil, roleTarget); err != nil {
			return err
		}
		return e.finish()
	case "RENAME":
		return e.parseRename()
	default:
		e.pos--
		return e.scanBody(scope, 0, true)
	}
}

func (e *tableExtractor) parseCreate(scope *cteScope) error {
	e.skipWords(createModifiers...)

	switch {
	case e.acceptWord("DATABASE", "SCHEMA"):
		e.skipIfExists()
		return e.parseDatabaseThenFinish(roleTarget)
	case e.acceptWord("TABLE"):
		e.skipIfExists()
		if err := e.parseTableName(nil, roleTarget); err != nil {
			return err
		}
		e.skipOnCluster()
		// CREATE TABLE t AS src copies the structure of another table.
		if e.peekWord("AS") && e.peekAt(1).isIdent() && !e.peekAt(1).isWord("SELECT", "WITH") {
			e.pos++
			if err := e.parseTableFactor(scope, 0); err != nil {
				return err
			}
		}
		return e.scanBody(scope, 0, true)
	case e.acceptWord("VIEW"):
		e.skipIfExists()
		if err := e.parseTableName(nil, roleTarget); err != nil {
			return err
		}
		e.skipOnCluster()
		if e.acceptWord("TO") {
			if err := e.parseTableName(nil, roleTarget); err != nil {
				return err
			}
		}
		return e.scanBody(scope, 0, true)
	case e.acceptWord("DICTIONARY"):
		e.skipIfExists()
		if err := e.parseTableName(nil, roleTarget); err != nil {
			return err
		}
		return e.finish()
	case e.acceptWord("INDEX"):
		for {
			tok, ok := e.peek()
			if !ok || tok.kind == tokSemicolon {
				return nil
			}
			e.pos++
			if tok.isWord("ON") {
				if err := e.parseTableName(nil, roleTarget); err != nil {
					return err
				}
				return e.finish()
			}
		}
	default:
		return e.finish()
	}
}

func (e *tableExtractor) parseDrop() error {
	e.skipWords("TEMPORARY")

	switch {
	case e.acceptWord("DATABASE", "SCHEMA"):
		e.skipIfExists()
		return e.parseDatabaseThenFinish(roleTarget)
	case e.acceptWord("TABLE", "VIEW", "DICTIONARY"):
		e.skipIfExists()
		for {
			if err := e.parseTableName(nil, roleTarget); err != nil {
				return err
			}
			if !e.accept(tokComma) {
				return e.finish()
			}
		}
	default:
		return e.finish()
	}
}

func (e *tableExtractor) parseAlter(scope *cteScope) error {
	e.skipWords("TEMPORARY", "LIVE")

	switch {
	case e.acceptWord("DATABASE", "SCHEMA"):
		e.skipIfExists()
		return e.parseDatabaseThenFinish(roleTarget)
	case e.acceptWord("TABLE", "VIEW"):
		e.skipIfExists()
		if err := e.parseTableName(nil, roleTarget); err != nil {
			return err
		}
		e.skipOnCluster()
		return e.scanBody(scope, 0, true)
	default:
		return e.finish()
	}
}

func (e *tableExtractor) parseRename() error {
	database := e.acceptWord("DATABASE")
	if !database {
		e.acceptWord("TABLE", "DICTIONARY")
	}

	for {
		for range 2 {
			var err error
			if database {
				err = e.parseDatabaseName(roleTarget)
			} else {
				err = e.parseTableName(nil, roleTarget)
			}
			if err != nil {
				return err
			}
			if !e.acceptWord("TO") {
				break
			}
		}
		if !e.accept(tokComma) {
			return e.finish()
		}
	}
}

// parseExplain skips EXPLAIN options and settings and scans the explained statement.
func (e *tableExtractor) parseExplain(scope *cteScope) error {
	for {
		tok, ok := e.peek()
		if !ok {
			return nil
		}
		if tok.kind == tokLParen || tok.isWord("SELECT", "WITH", "INSERT", "UPDATE", "DELETE",
			"CREATE", "DROP", "ALTER", "TRUNCATE", "SHOW", "DESCRIBE", "DESC") {
			return e.parseStatement(scope)
		}
		e.pos++
	}
}

func (e *tableExtractor) parseShow() error {
	e.skipWords("FULL", "EXTENDED", "TEMPORARY")

	switch {
	case e.acceptWord("CREATE"):
		e.skipWords("TEMPORARY")
		if e.acceptWord("DATABASE") {
			return e.parseDatabaseThenFinish(roleSource)
		}
		e.acceptWord("TABLE", "VIEW", "DICTIONARY")
		if err := e.parseTableName(nil, roleSource); err != nil {
			return err
		}
	case e.acceptWord("TABLES", "DICTIONARIES", "VIEWS"):
		if e.acceptWord("FROM", "IN") {
			return e.parseDatabaseThenFinish(roleSource)
		}
	case e.acceptWord("COLUMNS", "FIELDS"):
		if !e.acceptWord("FROM", "IN") {
			break
		}
		ref, err := e.parseQualifiedName()
		if err != nil {
			return err
		}
		if e.acceptWord("FROM", "IN") {
			tok, ok := e.peek()
			if !ok || !tok.isIdent() {
				return e.errorf("expected database name")
			}
			e.pos++
			ref.Database = tok.value
		}
		e.addRef(nil, ref, roleSource)
	}
	return e.finish()
}

// scanBody walks a query body until the end of the statement, or, when depth
// is positive, through the parenthesis that closes it. With tableClauses
// unset (plain expression parentheses) FROM and friends are ignored so that
// EXTRACT(YEAR FROM d) is not read as a table clause.
func (e *tableExtractor) scanBody(scope *cteScope, depth int, tableClauses bool) error {
	for {
		tok, ok := e.peek()
		if !ok {
			if depth > 0 {
				return e.errorf("unbalanced parentheses")
			}
			return nil
		}

		switch tok.kind {
		case tokSemicolon:
			if depth > 0 {
				return e.errorf("unbalanced parentheses")
			}
			return nil
		case tokRParen:
			if depth == 0 {
				return e.errorf("unbalanced parentheses")
			}
			e.pos++
			return nil
		case tokLParen:
			e.pos++
			if err := e.scanParen(scope, depth); err != nil {
				return err
			}
			continue
		case tokWord:
		default:
			e.pos++
			continue
		}

		e.pos++
		if !tableClauses {
			continue
		}

		var err error
		switch tok.upper {
		case "WITH":
			if next, ok := e.peek(); ok && !(next.kind == tokWord && withNonCTE[next.upper]) {
				err = e.parseWith(scope, depth, depth == 0 && e.pos-1 == e.stmtStart)
			}
		case "FROM":
			if !(e.behind(1).isWord("DISTINCT") && e.behind(2).isWord("IS", "NOT")) {
				err = e.parseTableList(scope, depth)
			}
		case "JOIN":
			if !e.behind(1).isWord("ARRAY") {
				err = e.parseTableFactor(scope, depth)
			}
		case "INTO":
			err = e.parseInto(scope, depth)
		case "USING":
			if e.deleting && e.peekIdent() {
				err = e.parseTableList(scope, depth)
			}
		case "TO":
			// ALTER TABLE ... MOVE PARTITION p TO TABLE dst
			if e.acceptWord("TABLE") {
				err = e.parseTableName(scope, roleTarget)
			}
		}
		if err != nil {
			return err
		}
	}
}

// scanParen handles the content of a parenthesis that was just opened.
func (e *tableExtractor) scanParen(scope *cteScope, depth int) error {
	if e.startsQuery() {
		return e.scanBody(newCTEScope(scope), depth+1, true)
	}
	return e.scanBody(scope, depth+1, false)
}

// parseWith reads the comma-separated definitions of a WITH clause. Each
// CTE body is scanned before its alias is registered, so a CTE named like
// the table it reads still reports that table. RECURSIVE aliases are
// registered first since the body refers to itself. Aliases of the WITH
// block that opens the statement are also kept for the lexical fallback.
func (e *tableExtractor) parseWith(scope *cteScope, depth int, leading bool) error {
	recursive := e.acceptWord("RECURSIVE")

	for {
		tok, ok := e.peek()
		if !ok || tok.kind == tokComma || tok.kind == tokRParen || tok.kind == tokSemicolon ||
			tok.isWord("AS", "SELECT") {
			return e.errorf("malformed WITH clause")
		}

		isCTE, err := e.isCTEDefinition()
		if err != nil {
			return err
		}

		if isCTE {
			name := tok.value
			e.pos++
			if e.accept(tokLParen) {
				// column list
				if err := e.scanBody(scope, depth+1, false); err != nil {
					return err
				}
			}
			e.acceptWord("AS")
			e.acceptWord("NOT")
			e.acceptWord("MATERIALIZED")
			e.accept(tokLParen)

			if recursive {
				scope.define(name)
			}
			if err := e.scanBody(newCTEScope(scope), depth+1, true); err != nil {
				return err
			}
			scope.define(name)
			if leading {
				e.cteNames[name] = struct{}{}
			}
		} else if err := e.scanWithExpression(scope, depth); err != nil {
			return err
		}

		if !e.accept(tokComma) {
			return nil
		}
	}
}

// isCTEDefinition looks ahead for `name [(cols)] AS [[NOT] MATERIALIZED] (`.
func (e *tableExtractor) isCTEDefinition() (bool, error) {
	if !e.toks[e.pos].isIdent() {
		return false, nil
	}

	i := e.pos + 1
	if i < len(e.toks) && e.toks[i].kind == tokLParen {
		end := matchingParen(e.toks, i)
		if end < 0 {
			return false, e.errorf("unbalanced parentheses")
		}
		i = end + 1
	}
	if i >= len(e.toks) || !e.toks[i].isWord("AS") {
		return false, nil
	}
	i++
	if i < len(e.toks) && e.toks[i].isWord("SELECT", "WITH") {
		return false, e.errorf("malformed WITH clause")
	}
	for i < len(e.toks) && e.toks[i].isWord("NOT", "MATERIALIZED") {
		i++
	}
	return i < len(e.toks) && e.toks[i].kind == tokLParen, nil
}

// scanWithExpression consumes a `expr AS alias` item of a WITH clause.
func (e *tableExtractor) scanWithExpression(scope *cteScope, depth int) error {
	for {
		tok, ok := e.peek()
		if !ok {
			return nil
		}
		switch {
		case tok.kind == tokComma, tok.kind == tokRParen, tok.kind == tokSemicolon:
			return nil
		case tok.isWord("SELECT", "INSERT", "UPDATE", "DELETE"):
			return nil
		case tok.kind == tokLParen:
			e.pos++
			if err := e.scanParen(scope, depth); err != nil {
				return err
			}
		default:
			e.pos++
		}
	}
}

func (e *tableExtractor) parseTableList(scope *cteScope, depth int) error {
	for {
		if err := e.parseTableFactor(scope, depth); err != nil {
			return err
		}
		e.skipAlias()
		if !e.accept(tokComma) {
			return e.endTableList()
		}
	}
}

// endTableList fails on anything after a table that cannot end a FROM list,
// so that a comma-joined table behind an unknown modifier is never skipped.
func (e *tableExtractor) endTableList() error {
	tok, ok := e.peek()
	switch {
	case !ok, tok.kind == tokSemicolon, tok.kind == tokRParen:
		return nil
	case tok.kind == tokWord && (reservedWords[tok.upper] || tableListTail[tok.upper]):
		return nil
	default:
		return e.errorf("unexpected %q after table reference", tok.value)
	}
}

// parseTableFactor reads one item in table position: a name, a subquery,
// a parenthesised join, or a table function.
func (e *tableExtractor) parseTableFactor(scope *cteScope, depth int) error {
	role := roleSource
	if e.deleteTarget {
		role = roleTarget
		e.deleteTarget = false
	}

	e.acceptWord("LATERAL")
	tok, ok := e.peek()
	if !ok {
		return e.errorf("expected table name")
	}

	// values(...), format(...) and other functions named like keywords
	if tok.kind == tokWord && reservedWords[tok.upper] && e.peekAt(1).kind == tokLParen {
		e.pos += 2
		e.notices = append(e.notices, fmt.Sprintf("table function %s() is not subject to table rules", tok.value))
		return e.scanBody(scope, depth+1, true)
	}

	switch tok.kind {
	case tokLParen:
		e.pos++
		switch {
		case e.startsQuery():
			return e.scanBody(newCTEScope(scope), depth+1, true)
		case e.peekWord("VALUES"):
			return e.scanBody(scope, depth+1, false)
		default:
			if err := e.parseTableList(scope, depth+1); err != nil {
				return err
			}
			return e.scanBody(scope, depth+1, true)
		}
	case tokWord, tokQuotedIdent, tokParam:
		ref, err := e.parseQualifiedName()
		if err != nil {
			return err
		}
		if e.accept(tokLParen) {
			e.notices = append(e.notices, fmt.Sprintf("table function %s() is not subject to table rules", ref))
			return e.scanBody(scope, depth+1, true)
		}
		e.addRef(scope, ref, role)
		return nil
	default:
		return e.errorf("expected table name, found %q", tok.value)
	}
}

func (e *tableExtractor) parseInto(scope *cteScope, depth int) error {
	if e.acceptWord("OUTFILE") {
		return nil
	}
	e.acceptWord("TABLE")
	if e.acceptWord("FUNCTION") {
		return e.parseTableFactor(scope, depth)
	}
	return e.parseTableName(scope, roleTarget)
}

func (e *tableExtractor) parseTableName(scope *cteScope, role refRole) error {
	ref, err := e.parseQualifiedName()
	if err != nil {
		return err
	}
	e.addRef(scope, ref, role)
	return nil
}

// parseQualifiedName reads a dotted name. Three-part names keep their last
// two parts as database and table.
func (e *tableExtractor) parseQualifiedName() (models.TableRef, error) {
	var parts []string
	for {
		tok, ok := e.peek()
		switch {
		case !ok:
			return models.TableRef{}, e.errorf("expected table name")
		case tok.kind == tokParam:
			return models.TableRef{}, e.errorf("query parameter %s in table position", tok.value)
		case tok.kind == tokWord && len(parts) == 0 && reservedWords[tok.upper]:
			return models.TableRef{}, e.errorf("unexpected keyword %s in table position", tok.upper)
		case !tok.isIdent():
			return models.TableRef{}, e.errorf("expected table name, found %q", tok.value)
		}
		parts = append(parts, tok.value)
		e.pos++
		if !e.accept(tokDot) {
			break
		}
	}

	if len(parts) == 1 {
		return models.TableRef{Table: parts[0]}, nil
	}
	return models.TableRef{Database: parts[len(parts)-2], Table: parts[len(parts)-1]}, nil
}

func (e *tableExtractor) parseDatabaseName(role refRole) error {
	tok, ok := e.peek()
	switch {
	case !ok:
		return e.errorf("expected database name")
	case tok.kind == tokParam:
		return e.errorf("query parameter %s in database position", tok.value)
	case !tok.isIdent():
		return e.errorf("expected database name, found %q", tok.value)
	}
	e.pos++
	e.addRef(nil, models.TableRef{Database: tok.value}, role)
	return nil
}

func (e *tableExtractor) parseDatabaseThenFinish(role refRole) error {
	if err := e.parseDatabaseName(role); err != nil {
		return err
	}
	return e.finish()
}

// addRef records ref unless it names a visible CTE. Only unqualified names
// can refer to a CTE.
func (e *tableExtractor) addRef(scope *cteScope, ref models.TableRef, role refRole) {
	if ref.Database == "" && scope.resolves(ref.Table) {
		return
	}
	e.refs.add(ref, role)
}

// finish skips the remainder of the current statement.
func (e *tableExtractor) finish() error {
	for e.pos < len(e.toks) && e.toks[e.pos].kind != tokSemicolon {
		e.pos++
	}
	return nil
}

// skipAlias skips `[AS] alias [(columns)] [FINAL] [SAMPLE k [OFFSET m]]`
// after a table factor.
func (e *tableExtractor) skipAlias() {
	aliased := false
	if e.acceptWord("AS") {
		if e.peekIdent() {
			e.pos++
			aliased = true
		}
	} else if e.peekIdent() && !tableListTail[e.toks[e.pos].upper] {
		e.pos++
		aliased = true
	}
	if aliased && e.peekKind(tokLParen) {
		if end := matchingParen(e.toks, e.pos); end > 0 {
			e.pos = end + 1
		}
	}

	e.acceptWord("FINAL")
	if e.acceptWord("SAMPLE") {
		e.skipSampleRatio()
		if e.acceptWord("OFFSET") {
			e.skipSampleRatio()
		}
	}
}

// skipSampleRatio skips a numeric SAMPLE argument such as 0.1, 1/10 or 10000.
func (e *tableExtractor) skipSampleRatio() {
	for {
		tok, ok := e.peek()
		if !ok || (tok.kind != tokNumber && tok.kind != tokOperator && tok.kind != tokDot) {
			return
		}
		e.pos++
	}
}

func (e *tableExtractor) skipIfExists() {
	if e.peekWord("IF") {
		e.pos++
		e.acceptWord("NOT")
		e.acceptWord("EXISTS")
	}
}

func (e *tableExtractor) skipOnCluster() {
	if e.peekWord("ON") && e.peekAt(1).isWord("CLUSTER") {
		e.pos += 3
	}
}

func (e *tableExtractor) skipWords(words ...string) {
	for e.acceptWord(words...) {
	}
}

func (e *tableExtractor) startsQuery() bool {
	return e.peekWord("SELECT") || e.peekWord("WITH")
}

func (e *tableExtractor) peek() (token, bool) {
	if e.pos >= len(e.toks) {
		return token{}, false
	}
	return e.toks[e.pos], true
}

func (e *tableExtractor) peekAt(offset int) token {
	if e.pos+offset >= len(e.toks) {
		return token{kind: tokOperator}
	}
	return e.toks[e.pos+offset]
}

// behind returns the token n places before the one last consumed.
func (e *tableExtractor) behind(n int) token {
	i := e.pos - 1 - n
	if i < 0 {
		return token{kind: tokOperator}
	}
	return e.toks[i]
}

func (e *tableExtractor) peekKind(kind tokenKind) bool {
	tok, ok := e.peek()
	return ok && tok.kind == kind
}

func (e *tableExtractor) peekWord(word string) bool {
	tok, ok := e.peek()
	return ok && tok.isWord(word)
}

func (e *tableExtractor) peekIdent() bool {
	tok, ok := e.peek()
	return ok && tok.isIdent() && !(tok.kind == tokWord && reservedWords[tok.upper])
}

func (e *tableExtractor) accept(kind tokenKind) bool {
	if e.peekKind(kind) {
		e.pos++
		return true
	}
	return false
}

func (e *tableExtractor) acceptWord(words ...string) bool {
	tok, ok := e.peek()
	if ok && tok.isWord(words...) {
		e.pos++
		return true
	}
	return false
}

func (e *tableExtractor) errorf(format string, args ...interface{}) error {
	pos := -1
	if tok, ok := e.peek(); ok {
		pos = tok.pos
	}
	return &scanError{pos: pos, msg: fmt.Sprintf(format, args...)}
}

// matchingParen returns the index of the parenthesis closing toks[open], or -1.
func matchingParen(toks []token, open int) int {
	depth := 0
	for i := open; i < len(toks); i++ {
		switch toks[i].kind {
		case tokLParen:
			depth++
		case tokRParen:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
