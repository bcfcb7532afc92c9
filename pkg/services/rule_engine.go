package services

import (
	"fmt"
	"sort"

	"github.com/TFMV/gatekeeper/pkg/models"
)

// compiledRule is a rule with its patterns parsed once at load time.
type compiledRule struct {
	rule  models.DataAccessRule
	db    models.Pattern
	table models.Pattern
}

// RuleEngine resolves table references against a merged role and user rule set.
// It is immutable after construction and safe for concurrent use.
type RuleEngine struct {
	rules    []compiledRule
	compiler PatternCompiler
	logger   Logger
}

// RuleEngineOption configures a RuleEngine.
type RuleEngineOption func(*RuleEngine)

// WithPatternCompiler sets the compiler used for rule patterns, e.g. a cache.
func WithPatternCompiler(c PatternCompiler) RuleEngineOption {
	return func(e *RuleEngine) {
		if c != nil {
			e.compiler = c
		}
	}
}

// WithRuleLogger sets the logger that reports invalid patterns.
func WithRuleLogger(l Logger) RuleEngineOption {
	return func(e *RuleEngine) {
		if l != nil {
			e.logger = l
		}
	}
}

type parsePatternCompiler struct{}

func (parsePatternCompiler) Compile(raw string) models.Pattern {
	return models.ParsePattern(raw)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// NewRuleEngine compiles rules and orders them by descending priority, with
// deny rules ahead of allow rules of equal priority.
func NewRuleEngine(rules []models.DataAccessRule, opts ...RuleEngineOption) *RuleEngine {
	e := &RuleEngine{
		compiler: parsePatternCompiler{},
		logger:   nopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.rules = make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{
			rule:  r,
			db:    e.compiler.Compile(r.DatabasePattern),
			table: e.compiler.Compile(r.TablePattern),
		}
		for _, p := range []models.Pattern{cr.db, cr.table} {
			if p.Kind == models.PatternInvalid {
				e.logger.Warn("Invalid rule pattern",
					"rule_id", r.ID,
					"pattern", p.Raw,
					"effect", r.Effect(),
					"error", p.Err())
			}
		}
		e.rules = append(e.rules, cr)
	}

	sort.SliceStable(e.rules, func(i, j int) bool {
		a, b := e.rules[i].rule, e.rules[j].rule
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return !a.IsAllowed && b.IsAllowed
	})

	return e
}

// Len returns the number of loaded rules.
func (e *RuleEngine) Len() int {
	return len(e.rules)
}

// Evaluate decides access to ref. Any matching deny rule denies, whatever
// the priority of matching allow rules; the highest-priority deny is
// reported. Without a deny, at least one allow rule must match.
//
// A database-level ref (empty Table) is allowed by any allow rule matching
// the database and denied only by deny rules whose table pattern is "*".
func (e *RuleEngine) Evaluate(ref models.TableRef, accessType models.AccessType, connectionID *string) models.AccessResult {
	var allow *compiledRule
	for i := range e.rules {
		cr := &e.rules[i]
		if !cr.matches(ref, accessType, connectionID) {
			continue
		}
		if !cr.rule.IsAllowed {
			rule := cr.rule
			return models.AccessResult{
				Allowed:     false,
				MatchedRule: &rule,
				Reason:      fmt.Sprintf("denied by rule %s", ruleLabel(rule)),
			}
		}
		if allow == nil {
			allow = cr
		}
	}

	if allow != nil {
		rule := allow.rule
		return models.AccessResult{Allowed: true, MatchedRule: &rule}
	}
	return models.AccessResult{Allowed: false, Reason: "no matching allow rule"}
}

// AllowsDatabase reports whether any table of db can be reached.
func (e *RuleEngine) AllowsDatabase(db string, accessType models.AccessType, connectionID *string) bool {
	return e.Evaluate(models.TableRef{Database: db}, accessType, connectionID).Allowed
}

// AllowsTable reports whether db.table is allowed.
func (e *RuleEngine) AllowsTable(db, table string, accessType models.AccessType, connectionID *string) bool {
	return e.Evaluate(models.TableRef{Database: db, Table: table}, accessType, connectionID).Allowed
}

func (cr *compiledRule) matches(ref models.TableRef, accessType models.AccessType, connectionID *string) bool {
	if !cr.rule.AccessType.Covers(accessType) {
		return false
	}
	if cr.rule.ConnectionID != nil && (connectionID == nil || *connectionID != *cr.rule.ConnectionID) {
		return false
	}
	if !cr.matchPattern(cr.db, ref.Database, ref.Database != "") {
		return false
	}

	if ref.IsDatabaseLevel() {
		if cr.rule.IsAllowed {
			return true
		}
		return cr.table.Kind == models.PatternWildcard || cr.table.Kind == models.PatternInvalid
	}
	return cr.matchPattern(cr.table, ref.Table, true)
}

// matchPattern fails closed on invalid patterns: they match everything for
// deny rules and nothing for allow rules.
func (cr *compiledRule) matchPattern(p models.Pattern, value string, present bool) bool {
	if p.Kind == models.PatternInvalid {
		return !cr.rule.IsAllowed
	}
	return p.Match(value, present)
}

func ruleLabel(r models.DataAccessRule) string {
	if r.ID != "" {
		return r.ID
	}
	return fmt.Sprintf("%s/%s", r.DatabasePattern, r.TablePattern)
}
