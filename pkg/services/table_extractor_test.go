package services

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/gatekeeper/pkg/models"
)

func tbl(name string) models.TableRef {
	return models.TableRef{Table: name}
}

func qtbl(db, name string) models.TableRef {
	return models.TableRef{Database: db, Table: name}
}

func TestExtractTableRefs(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []models.TableRef
	}{
		{"simple select", "SELECT * FROM users", []models.TableRef{tbl("users")}},
		{"qualified", "SELECT * FROM db.users", []models.TableRef{qtbl("db", "users")}},
		{"three-part name", "SELECT * FROM cat.db.users", []models.TableRef{qtbl("db", "users")}},
		{"backticks", "SELECT * FROM `my db`.`my table`", []models.TableRef{qtbl("my db", "my table")}},
		{"double quotes", `SELECT * FROM "Sales"."Orders"`, []models.TableRef{qtbl("Sales", "Orders")}},
		{"comma list with aliases", "SELECT * FROM t1, t2 AS x, db.t3 y WHERE t1.id = x.id",
			[]models.TableRef{tbl("t1"), tbl("t2"), qtbl("db", "t3")}},
		{"joins", "SELECT * FROM a LEFT JOIN b ON a.id = b.id INNER JOIN db.c AS c ON c.id = a.id",
			[]models.TableRef{tbl("a"), tbl("b"), qtbl("db", "c")}},
		{"deduplicated", "SELECT * FROM a JOIN a AS a2 ON 1 = 1", []models.TableRef{tbl("a")}},
		{"subquery in FROM", "SELECT * FROM (SELECT * FROM a) AS sub JOIN b USING (id)",
			[]models.TableRef{tbl("a"), tbl("b")}},
		{"subquery in WHERE", "SELECT * FROM a WHERE id IN (SELECT id FROM b) AND EXISTS (SELECT 1 FROM c)",
			[]models.TableRef{tbl("a"), tbl("b"), tbl("c")}},
		{"union", "SELECT * FROM a UNION ALL SELECT * FROM b", []models.TableRef{tbl("a"), tbl("b")}},
		{"FINAL modifier", "SELECT * FROM events FINAL WHERE x = 1", []models.TableRef{tbl("events")}},
		{"SAMPLE before comma join", "SELECT * FROM a SAMPLE 0.1, secret", []models.TableRef{tbl("a"), tbl("secret")}},
		{"SAMPLE with OFFSET", "SELECT * FROM a AS x FINAL SAMPLE 1/10 OFFSET 1/2, db.b WHERE x.id = 1",
			[]models.TableRef{tbl("a"), qtbl("db", "b")}},
		{"column alias list", "SELECT * FROM t AS x (c1, c2), u", []models.TableRef{tbl("t"), tbl("u")}},
		{"FOR UPDATE", "SELECT * FROM t FOR UPDATE", []models.TableRef{tbl("t")}},
		{"keyword-named table function", "SELECT * FROM values('x UInt8', 1) AS v JOIN t ON 1 = 1",
			[]models.TableRef{tbl("t")}},
		{"parenthesised join", "SELECT * FROM (a JOIN b ON a.id = b.id)", []models.TableRef{tbl("a"), tbl("b")}},
		{"EXTRACT is not a table clause", "SELECT EXTRACT(YEAR FROM created_at) FROM db.orders",
			[]models.TableRef{qtbl("db", "orders")}},
		{"IS DISTINCT FROM", "SELECT * FROM t WHERE a IS DISTINCT FROM b", []models.TableRef{tbl("t")}},
		{"ARRAY JOIN operand", "SELECT * FROM t ARRAY JOIN tags AS tag", []models.TableRef{tbl("t")}},
		{"literal mentioning FROM", "SELECT 'FROM secrets' FROM t", []models.TableRef{tbl("t")}},
		{"comment mentioning FROM", "SELECT 1 /* FROM secrets */ FROM t -- JOIN other", []models.TableRef{tbl("t")}},
		{"no tables", "SELECT 1", nil},

		// writes
		{"insert select", "INSERT INTO db.events (id, ts) SELECT id, ts FROM staging.events",
			[]models.TableRef{qtbl("db", "events"), qtbl("staging", "events")}},
		{"insert into table", "INSERT INTO TABLE t VALUES (1)", []models.TableRef{tbl("t")}},
		{"insert with WITH", "INSERT INTO t WITH x AS (SELECT * FROM src) SELECT * FROM x",
			[]models.TableRef{tbl("t"), tbl("src")}},
		{"update", "UPDATE db.users SET name = 'x' WHERE id IN (SELECT id FROM db.banned)",
			[]models.TableRef{qtbl("db", "users"), qtbl("db", "banned")}},
		{"delete", "DELETE FROM t WHERE id = 1", []models.TableRef{tbl("t")}},
		{"delete using", "DELETE FROM t USING u WHERE t.id = u.id", []models.TableRef{tbl("t"), tbl("u")}},
		{"truncate", "TRUNCATE TABLE IF EXISTS db.t", []models.TableRef{qtbl("db", "t")}},

		// DDL
		{"create table", "CREATE TABLE IF NOT EXISTS db.t (id UInt64, s String DEFAULT 'x') ENGINE = MergeTree ORDER BY id",
			[]models.TableRef{qtbl("db", "t")}},
		{"create table as table", "CREATE TABLE t2 AS t1", []models.TableRef{tbl("t2"), tbl("t1")}},
		{"create table as select", "CREATE TABLE t2 ENGINE = Memory AS SELECT * FROM t1",
			[]models.TableRef{tbl("t2"), tbl("t1")}},
		{"create materialized view", "CREATE MATERIALIZED VIEW mv TO db.target AS SELECT * FROM db.src",
			[]models.TableRef{tbl("mv"), qtbl("db", "target"), qtbl("db", "src")}},
		{"create database", "CREATE DATABASE IF NOT EXISTS analytics", []models.TableRef{{Database: "analytics"}}},
		{"create index", "CREATE INDEX idx ON db.t (id)", []models.TableRef{qtbl("db", "t")}},
		{"create function", "CREATE FUNCTION f AS (x) -> x + 1", nil},
		{"drop tables", "DROP TABLE IF EXISTS db.a, b", []models.TableRef{qtbl("db", "a"), tbl("b")}},
		{"drop database", "DROP DATABASE analytics", []models.TableRef{{Database: "analytics"}}},
		{"alter table", "ALTER TABLE db.t DELETE WHERE id IN (SELECT id FROM db.stale)",
			[]models.TableRef{qtbl("db", "t"), qtbl("db", "stale")}},
		{"alter move partition", "ALTER TABLE db.t MOVE PARTITION 202401 TO TABLE db.archive",
			[]models.TableRef{qtbl("db", "t"), qtbl("db", "archive")}},
		{"alter update", "ALTER TABLE t UPDATE col = 1 WHERE id = 2", []models.TableRef{tbl("t")}},
		{"rename", "RENAME TABLE a TO b, db.c TO db.d",
			[]models.TableRef{tbl("a"), tbl("b"), qtbl("db", "c"), qtbl("db", "d")}},

		// metadata statements
		{"use", "USE analytics", []models.TableRef{{Database: "analytics"}}},
		{"show tables", "SHOW TABLES", nil},
		{"show tables from", "SHOW TABLES FROM analytics LIKE 'x%'", []models.TableRef{{Database: "analytics"}}},
		{"show create table", "SHOW CREATE TABLE db.t", []models.TableRef{qtbl("db", "t")}},
		{"show columns", "SHOW COLUMNS FROM t FROM db", []models.TableRef{qtbl("db", "t")}},
		{"describe", "DESCRIBE TABLE db.t", []models.TableRef{qtbl("db", "t")}},
		{"desc", "DESC t", []models.TableRef{tbl("t")}},
		{"describe subquery", "DESCRIBE (SELECT * FROM t)", []models.TableRef{tbl("t")}},
		{"explain", "EXPLAIN PLAN header = 1 SELECT * FROM t", []models.TableRef{tbl("t")}},
		{"exists", "EXISTS TABLE db.t", []models.TableRef{qtbl("db", "t")}},
		{"optimize", "OPTIMIZE TABLE db.t FINAL", []models.TableRef{qtbl("db", "t")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractTableRefs(tt.sql)
			assert.False(t, result.Fallback, "unexpected fallback: %v", result.Notices)
			assert.Equal(t, tt.expected, result.Refs)
		})
	}
}

func TestExtractTableRefs_CTEs(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []models.TableRef
	}{
		{"CTE in JOIN",
			"WITH cte AS (SELECT * FROM users) SELECT * FROM cte JOIN orders ON cte.id = orders.user_id",
			[]models.TableRef{tbl("users"), tbl("orders")}},
		{"CTE with column list",
			"WITH cte(id,name) AS (SELECT user_id, user_name FROM users) SELECT * FROM cte",
			[]models.TableRef{tbl("users")}},
		{"WITH nested in FROM subquery",
			"SELECT * FROM (WITH cte AS (SELECT * FROM users) SELECT * FROM cte)",
			[]models.TableRef{tbl("users")}},
		{"CTE referencing CTE",
			"WITH a AS (SELECT * FROM t1), b AS (SELECT * FROM a JOIN t2 ON a.id = t2.id) SELECT * FROM b",
			[]models.TableRef{tbl("t1"), tbl("t2")}},
		{"multiple independent CTEs",
			"WITH x AS (SELECT * FROM t1), y AS (SELECT * FROM t2) SELECT * FROM x, y, t3",
			[]models.TableRef{tbl("t1"), tbl("t2"), tbl("t3")}},
		{"outer CTE visible in nested WITH",
			"WITH a AS (SELECT * FROM t1) SELECT * FROM (WITH b AS (SELECT * FROM a) SELECT * FROM b JOIN a ON 1 = 1)",
			[]models.TableRef{tbl("t1")}},
		{"CTE referenced in subquery",
			"WITH ids AS (SELECT id FROM banned) SELECT * FROM users WHERE id NOT IN (SELECT id FROM ids)",
			[]models.TableRef{tbl("banned"), tbl("users")}},
		{"CTE named like the table it reads",
			"WITH users AS (SELECT * FROM users WHERE active) SELECT * FROM users",
			[]models.TableRef{tbl("users")}},
		{"qualified name is not a CTE",
			"WITH cte AS (SELECT 1) SELECT * FROM db.cte",
			[]models.TableRef{qtbl("db", "cte")}},
		{"nested CTE does not leak",
			"SELECT * FROM (WITH inner_cte AS (SELECT * FROM t1) SELECT * FROM inner_cte) s JOIN inner_cte ON 1 = 1",
			[]models.TableRef{tbl("t1"), tbl("inner_cte")}},
		{"recursive CTE",
			"WITH RECURSIVE tree AS (SELECT * FROM nodes UNION ALL SELECT n.* FROM nodes n JOIN tree ON n.parent = tree.id) SELECT * FROM tree",
			[]models.TableRef{tbl("nodes")}},
		{"materialized hint",
			"WITH m AS MATERIALIZED (SELECT * FROM t) SELECT * FROM m",
			[]models.TableRef{tbl("t")}},
		{"scalar WITH expression",
			"WITH (SELECT max(ts) FROM events) AS latest, 10 AS n SELECT * FROM logs WHERE ts = latest",
			[]models.TableRef{tbl("events"), tbl("logs")}},
		{"CTE in subquery does not hide outer table",
			"SELECT * FROM secret CROSS JOIN (WITH secret AS (SELECT 1 AS a) SELECT * FROM secret) AS t CROSS JOIN values('x UInt8', 1) AS v",
			[]models.TableRef{tbl("secret")}},
		{"parenthesised body after CTE",
			"WITH c AS (SELECT * FROM t) (SELECT * FROM c)",
			[]models.TableRef{tbl("t")}},
		{"WITH TOTALS is not a CTE",
			"SELECT k, count() FROM t GROUP BY k WITH TOTALS",
			[]models.TableRef{tbl("t")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractTableRefs(tt.sql)
			assert.False(t, result.Fallback, "unexpected fallback: %v", result.Notices)
			assert.Equal(t, tt.expected, result.Refs)
		})
	}
}

func TestExtractTableRefs_NoCTENameEverReported(t *testing.T) {
	queries := []string{
		"WITH a AS (SELECT * FROM base) SELECT * FROM a",
		"WITH a AS (SELECT * FROM base), b AS (SELECT * FROM a), c AS (SELECT * FROM b) SELECT * FROM c JOIN a ON 1 = 1",
		"WITH a AS (SELECT * FROM base) SELECT * FROM (SELECT * FROM a) x WHERE x.id IN (SELECT id FROM a)",
		"WITH a AS (SELECT * FROM base SELECT * FROM a", // unbalanced, lexical fallback
	}

	for _, sql := range queries {
		result := ExtractTableRefs(sql)
		for _, ref := range result.Refs {
			assert.NotContains(t, []string{"a", "b", "c"}, ref.Table, "query %q", sql)
		}
		assert.Contains(t, result.Refs, tbl("base"), "query %q", sql)
	}
}

func TestExtractTableRefs_TableFunctions(t *testing.T) {
	result := ExtractTableRefs("SELECT * FROM numbers(10) JOIN db.t ON 1 = 1")
	assert.False(t, result.Fallback)
	assert.Equal(t, []models.TableRef{qtbl("db", "t")}, result.Refs)
	require.Len(t, result.Notices, 1)
	assert.Contains(t, result.Notices[0], "numbers()")

	result = ExtractTableRefs("INSERT INTO FUNCTION file('out.csv', 'CSV') SELECT * FROM t")
	assert.Equal(t, []models.TableRef{tbl("t")}, result.Refs)
	assert.Len(t, result.Notices, 1)
}

func TestExtractTableRefs_Fallback(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []models.TableRef
		notice   string
	}{
		{"unbalanced parentheses", "SELECT * FROM (SELECT * FROM users", []models.TableRef{tbl("users")}, "unbalanced"},
		{"query parameter", "SELECT * FROM {tbl:Identifier} JOIN db.t ON 1 = 1", []models.TableRef{qtbl("db", "t")}, "query parameter"},
		{"unterminated string", "SELECT * FROM t WHERE s = 'open", []models.TableRef{tbl("t")}, "unterminated"},
		{"malformed WITH", "WITH AS (SELECT * FROM t) SELECT 1", []models.TableRef{tbl("t")}, "malformed WITH"},
		{"keyword in table position", "SELECT * FROM WHERE JOIN db.t", []models.TableRef{qtbl("db", "t")}, "unexpected keyword"},
		{"unknown modifier after table", "SELECT * FROM a WEIRD 5, b", []models.TableRef{tbl("a")}, "after table reference"},
		{"CTE in subquery does not hide outer table",
			"SELECT * FROM secret CROSS JOIN (WITH secret AS (SELECT 1) SELECT * FROM secret) AS t CROSS JOIN {p:Identifier}",
			[]models.TableRef{tbl("secret")}, "query parameter"},
		{"leading CTE still hidden",
			"WITH secret AS (SELECT * FROM base) SELECT * FROM secret JOIN {p:Identifier} ON 1 = 1",
			[]models.TableRef{tbl("base")}, "query parameter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractTableRefs(tt.sql)
			assert.True(t, result.Fallback)
			assert.Equal(t, tt.expected, result.Refs)
			require.NotEmpty(t, result.Notices)
			assert.Contains(t, strings.Join(result.Notices, " "), tt.notice)
		})
	}
}

func TestFallbackTableRefs(t *testing.T) {
	result := fallbackTableRefs(
		"WITH c AS (SELECT * FROM `raw`.events) SELECT * FROM c JOIN users u ON 1 = 1 -- FROM hidden\n"+
			"WHERE x = 'JOIN fake' AND y IN (SELECT id FROM numbers(3))",
		nil)
	assert.Equal(t, []models.TableRef{qtbl("raw", "events"), tbl("users")}, result.Refs)

	result = fallbackTableRefs("SELECT * FROM known JOIN real", map[string]struct{}{"known": {}})
	assert.Equal(t, []models.TableRef{tbl("real")}, result.Refs)

	result = fallbackTableRefs("DROP TABLE IF EXISTS db.t; ALTER TABLE x UPDATE col = 1", nil)
	assert.Equal(t, []models.TableRef{qtbl("db", "t"), tbl("x")}, result.Refs)
	assert.Equal(t, result.Refs, result.Targets)

	result = fallbackTableRefs("WITH a AS (SELECT 1), `b c` AS (SELECT 2) SELECT * FROM a JOIN x ON 1 = 1 WHERE y IN (WITH z AS (SELECT 3) SELECT * FROM z)", nil)
	assert.Equal(t, []models.TableRef{tbl("x"), tbl("z")}, result.Refs, "only the leading WITH block hides names")
}

func TestLeadingCTENames(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected []string
	}{
		{"none", "SELECT * FROM t", nil},
		{"single", "WITH a AS (SELECT 1) SELECT * FROM a", []string{"a"}},
		{"list with columns and hints", "with recursive a(x) AS (SELECT (1)), `b` AS MATERIALIZED (SELECT 2) SELECT 1", []string{"a", "b"}},
		{"nested only", "SELECT * FROM (WITH a AS (SELECT 1) SELECT * FROM a)", nil},
		{"stops at scalar item", "WITH 1 AS n, a AS (SELECT 1) SELECT 1", nil},
		{"unbalanced", "WITH a AS (SELECT * FROM base SELECT * FROM a", []string{"a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			names := leadingCTENames(tt.text)
			var got []string
			for name := range names {
				got = append(got, name)
			}
			assert.ElementsMatch(t, tt.expected, got)
		})
	}
}

func TestExtractTableRefs_Roles(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		targets []models.TableRef
		sources []models.TableRef
	}{
		{"select", "SELECT * FROM a JOIN b ON 1 = 1", nil, []models.TableRef{tbl("a"), tbl("b")}},
		{"insert select", "INSERT INTO mine SELECT * FROM secret",
			[]models.TableRef{tbl("mine")}, []models.TableRef{tbl("secret")}},
		{"insert from itself", "INSERT INTO t SELECT * FROM t",
			[]models.TableRef{tbl("t")}, []models.TableRef{tbl("t")}},
		{"create table as select", "CREATE TABLE mine2 ENGINE = Memory AS SELECT * FROM secret",
			[]models.TableRef{tbl("mine2")}, []models.TableRef{tbl("secret")}},
		{"create table as table", "CREATE TABLE t2 AS t1", []models.TableRef{tbl("t2")}, []models.TableRef{tbl("t1")}},
		{"materialized view", "CREATE MATERIALIZED VIEW mv TO db.target AS SELECT * FROM db.src",
			[]models.TableRef{tbl("mv"), qtbl("db", "target")}, []models.TableRef{qtbl("db", "src")}},
		{"update with subquery", "UPDATE db.users SET x = 1 WHERE id IN (SELECT id FROM db.banned)",
			[]models.TableRef{qtbl("db", "users")}, []models.TableRef{qtbl("db", "banned")}},
		{"delete using", "DELETE FROM t USING u WHERE t.id = u.id", []models.TableRef{tbl("t")}, []models.TableRef{tbl("u")}},
		{"delete with subquery", "DELETE FROM t WHERE id IN (SELECT id FROM u)",
			[]models.TableRef{tbl("t")}, []models.TableRef{tbl("u")}},
		{"alter move partition", "ALTER TABLE db.t MOVE PARTITION 202401 TO TABLE db.archive",
			[]models.TableRef{qtbl("db", "t"), qtbl("db", "archive")}, nil},
		{"use", "USE analytics", nil, []models.TableRef{{Database: "analytics"}}},
		{"drop database", "DROP DATABASE analytics", []models.TableRef{{Database: "analytics"}}, nil},

		// lexical fallback
		{"fallback insert select", "INSERT INTO mine SELECT * FROM secret JOIN {p:Identifier} USING (id)",
			[]models.TableRef{tbl("mine")}, []models.TableRef{tbl("secret")}},
		{"fallback delete", "DELETE FROM t WHERE id IN (SELECT id FROM {p:Identifier})",
			[]models.TableRef{tbl("t")}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ExtractTableRefs(tt.sql)
			assert.Equal(t, tt.targets, result.Targets)
			assert.Equal(t, tt.sources, result.Sources)
		})
	}
}

func TestParseStatement(t *testing.T) {
	stmt := ParseStatement("DROP TABLE db.users")
	assert.Equal(t, models.VerbDrop, stmt.Verb)
	assert.Equal(t, models.TargetTable, stmt.TargetKind)
	assert.Equal(t, []models.TableRef{qtbl("db", "users")}, stmt.TableRefs)
	assert.Equal(t, "DROP TABLE db.users", stmt.RawText)
}

func TestParseBatch(t *testing.T) {
	statements := ParseBatch("SELECT * FROM a; INSERT INTO b SELECT * FROM a")
	require.Len(t, statements, 2)
	assert.Equal(t, 0, statements[0].Index)
	assert.Equal(t, models.VerbSelect, statements[0].Verb)
	assert.Equal(t, 1, statements[1].Index)
	assert.Equal(t, models.VerbInsert, statements[1].Verb)
	assert.Equal(t, []models.TableRef{tbl("b"), tbl("a")}, statements[1].TableRefs)
}

func TestExtractTablesFromQuery(t *testing.T) {
	refs := ExtractTablesFromQuery("SELECT * FROM a JOIN db.b ON 1 = 1; WITH x AS (SELECT * FROM c) SELECT * FROM x, a")
	assert.Equal(t, []models.TableRef{tbl("a"), qtbl("db", "b"), tbl("c")}, refs)

	assert.Empty(t, ExtractTablesFromQuery(""))
}
