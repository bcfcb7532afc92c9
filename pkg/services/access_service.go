package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/repositories"
)

// AccessConfig holds policy settings of the access service.
type AccessConfig struct {
	// SystemDatabases are hidden from non-admin users by the filter operations.
	SystemDatabases []string
	// DefaultDatabase qualifies unqualified references when a request names none.
	DefaultDatabase string
	// LiveRecheck consults the permission store when the caller's permission
	// snapshot does not satisfy a statement.
	LiveRecheck bool
}

// DefaultAccessConfig returns the default access settings.
func DefaultAccessConfig() AccessConfig {
	return AccessConfig{
		SystemDatabases: []string{"system", "information_schema", "INFORMATION_SCHEMA"},
		DefaultDatabase: "default",
		LiveRecheck:     true,
	}
}

// accessService implements AccessService interface.
type accessService struct {
	rules     repositories.RuleRepository
	perms     repositories.PermissionRepository
	compiler  PatternCompiler
	logger    Logger
	metrics   MetricsCollector
	cfg       AccessConfig
	systemDBs map[string]struct{}
}

// NewAccessService creates a new access service. perms may be nil, which
// disables the live permission re-check.
func NewAccessService(
	rules repositories.RuleRepository,
	perms repositories.PermissionRepository,
	compiler PatternCompiler,
	logger Logger,
	metrics MetricsCollector,
	cfg AccessConfig,
) AccessService {
	if compiler == nil {
		compiler = parsePatternCompiler{}
	}
	systemDBs := make(map[string]struct{}, len(cfg.SystemDatabases))
	for _, db := range cfg.SystemDatabases {
		systemDBs[db] = struct{}{}
	}

	return &accessService{
		rules:     rules,
		perms:     perms,
		compiler:  compiler,
		logger:    logger,
		metrics:   metrics,
		cfg:       cfg,
		systemDBs: systemDBs,
	}
}

// ValidateQueryAccess decides whether a whole SQL batch may run. Statements
// are checked in order and the first denial ends evaluation. A batch with no
// statements, such as blank or comment-only SQL, is rejected with
// ErrEmptyQuery rather than allowed.
func (s *accessService) ValidateQueryAccess(ctx context.Context, req models.QueryAccessRequest) (*models.AccessDecision, error) {
	timer := s.metrics.StartTimer("access_evaluation")
	defer func() {
		s.metrics.RecordHistogram("access_evaluation_seconds", timer.Stop().Seconds())
	}()

	if req.IsAdmin {
		s.logger.Debug("Admin bypass", "user_id", req.UserID)
		s.recordDecision(true, "admin")
		return models.Allow(nil), nil
	}

	if strings.TrimSpace(req.UserID) == "" {
		s.metrics.IncrementCounter("access_errors", "code", errors.CodeUnauthenticated)
		return nil, errors.ErrMissingUser
	}

	statements := SplitStatements(req.SQL)
	if len(statements) == 0 {
		s.metrics.IncrementCounter("access_errors", "code", errors.CodeInvalidRequest)
		return nil, errors.ErrEmptyQuery
	}

	defaultDB := req.DefaultDatabase
	if defaultDB == "" {
		defaultDB = s.cfg.DefaultDatabase
	}

	granted := models.NewPermissionSet(req.Permissions)
	var (
		engine   *RuleEngine
		warnings []string
	)

	for i, text := range statements {
		stmt := ParseStatement(text)
		stmt.Index = i

		requirement := RequiredPermission(stmt.Verb, stmt.TargetKind)
		ok, err := s.satisfies(ctx, req.UserID, granted, requirement)
		if err != nil {
			return nil, err
		}
		if !ok {
			return s.deny(req.UserID, i, "permission", DenialReason(requirement)), nil
		}

		if stmt.Fallback {
			s.metrics.IncrementCounter("access_extraction_fallbacks")
			s.logger.Debug("Lexical table extraction used",
				"user_id", req.UserID,
				"statement_index", i,
				"notices", strings.Join(stmt.Notices, "; "))
		}

		if len(stmt.TableRefs) > 0 && engine == nil {
			if engine, err = s.loadEngine(ctx, req.UserID, req.ConnectionID); err != nil {
				return nil, err
			}
		}

		for _, check := range referenceChecks(stmt) {
			ref := check.ref.WithDefaultDatabase(defaultDB)
			result := engine.Evaluate(ref, check.accessType, req.ConnectionID)
			if !result.Allowed {
				s.logger.Debug("Rule evaluation denied reference",
					"user_id", req.UserID,
					"ref", ref.String(),
					"reason", result.Reason)
				return s.deny(req.UserID, i, "rule", fmt.Sprintf("Access denied to %s", ref)), nil
			}
		}

		warnings = append(warnings, statementWarnings(stmt)...)
	}

	s.logger.Info("Query access allowed",
		"user_id", req.UserID,
		"statements", len(statements),
		"warnings", len(warnings))
	s.recordDecision(true, "rules")
	return models.Allow(warnings), nil
}

// CheckUserAccess checks a single database or table. A nil table checks
// the database as a whole.
func (s *accessService) CheckUserAccess(
	ctx context.Context,
	userID, database string,
	table *string,
	accessType models.AccessType,
	connectionID *string,
) (*models.AccessResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.ErrMissingUser
	}
	if accessType != models.AccessRead && accessType != models.AccessWrite {
		return nil, errors.Newf(errors.CodeInvalidRequest, "access type must be read or write, got %q", accessType)
	}
	if database == "" {
		return nil, errors.New(errors.CodeInvalidRequest, "database is required")
	}

	if s.perms != nil {
		admin, err := s.perms.IsAdmin(ctx, userID)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to check admin role")
		}
		if admin {
			return &models.AccessResult{Allowed: true, Reason: "admin"}, nil
		}
	}

	engine, err := s.loadEngine(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}

	ref := models.TableRef{Database: database}
	if table != nil {
		ref.Table = *table
	}
	result := engine.Evaluate(ref, accessType, connectionID)
	return &result, nil
}

// FilterDatabases keeps the databases the user can read. Admins get the
// list back unchanged; other users never see system databases.
func (s *accessService) FilterDatabases(ctx context.Context, userID string, isAdmin bool, databases []string) ([]string, error) {
	if isAdmin {
		return append([]string(nil), databases...), nil
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.ErrMissingUser
	}

	engine, err := s.loadEngine(ctx, userID, nil)
	if err != nil {
		return nil, err
	}

	filtered := make([]string, 0, len(databases))
	for _, db := range databases {
		if s.isSystemDatabase(db) {
			continue
		}
		if engine.AllowsDatabase(db, models.AccessRead, nil) {
			filtered = append(filtered, db)
		}
	}

	s.logger.Debug("Filtered databases", "user_id", userID, "in", len(databases), "out", len(filtered))
	return filtered, nil
}

// FilterTables keeps the tables of database the user can read.
func (s *accessService) FilterTables(ctx context.Context, userID string, isAdmin bool, database string, tables []string) ([]string, error) {
	if isAdmin {
		return append([]string(nil), tables...), nil
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.ErrMissingUser
	}
	if s.isSystemDatabase(database) {
		return []string{}, nil
	}

	engine, err := s.loadEngine(ctx, userID, nil)
	if err != nil {
		return nil, err
	}

	filtered := make([]string, 0, len(tables))
	for _, table := range tables {
		if engine.AllowsTable(database, table, models.AccessRead, nil) {
			filtered = append(filtered, table)
		}
	}

	s.logger.Debug("Filtered tables", "user_id", userID, "database", database, "in", len(tables), "out", len(filtered))
	return filtered, nil
}

// satisfies checks the permission snapshot first and then, when enabled,
// the authoritative store. Store failures are errors, not denials.
func (s *accessService) satisfies(ctx context.Context, userID string, granted models.PermissionSet, req models.PermissionRequirement) (bool, error) {
	if req.SatisfiedBy(granted) {
		return true, nil
	}
	if !s.cfg.LiveRecheck || s.perms == nil {
		return false, nil
	}

	for _, perm := range req.AnyOf {
		ok, err := s.perms.HasPermission(ctx, userID, perm)
		if err != nil {
			s.metrics.IncrementCounter("access_errors", "code", errors.CodeUnavailable)
			return false, errors.Wrap(err, errors.CodeUnavailable, "permission re-check failed").
				WithDetail("permission", perm)
		}
		if ok {
			s.logger.Debug("Permission granted by live re-check", "user_id", userID, "permission", perm)
			return true, nil
		}
	}
	return false, nil
}

func (s *accessService) loadEngine(ctx context.Context, userID string, connectionID *string) (*RuleEngine, error) {
	rules, err := s.rules.ListRules(ctx, userID, connectionID)
	if err != nil {
		s.metrics.IncrementCounter("access_errors", "code", errors.CodeUnavailable)
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to load data access rules")
	}
	return NewRuleEngine(rules, WithPatternCompiler(s.compiler), WithRuleLogger(s.logger)), nil
}

func (s *accessService) deny(userID string, index int, stage, reason string) *models.AccessDecision {
	s.logger.Warn("Query access denied",
		"user_id", userID,
		"statement_index", index,
		"stage", stage,
		"reason", reason)
	s.recordDecision(false, stage)
	return models.Deny(index, reason)
}

func (s *accessService) recordDecision(allowed bool, stage string) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	s.metrics.IncrementCounter("access_decisions", "outcome", outcome, "stage", stage)
}

func (s *accessService) isSystemDatabase(db string) bool {
	_, ok := s.systemDBs[db]
	return ok
}

// refCheck is one rule evaluation a statement needs.
type refCheck struct {
	ref        models.TableRef
	accessType models.AccessType
}

// referenceChecks pairs each reference of stmt with the access types it is
// evaluated under. Tables the statement writes use the statement's access
// type and tables it only reads use read access, so a read deny rule still
// applies to the source of an INSERT ... SELECT. A table used both ways is
// checked twice.
func referenceChecks(stmt *models.Statement) []refCheck {
	statementType := AccessTypeFor(stmt.Verb)
	targets := refKeys(stmt.Targets)
	sources := refKeys(stmt.Sources)

	checks := make([]refCheck, 0, len(stmt.TableRefs))
	for _, ref := range stmt.TableRefs {
		_, isTarget := targets[ref.Key()]
		_, isSource := sources[ref.Key()]
		if isTarget || !isSource {
			checks = append(checks, refCheck{ref: ref, accessType: statementType})
		}
		if isSource && (!isTarget || statementType != models.AccessRead) {
			checks = append(checks, refCheck{ref: ref, accessType: models.AccessRead})
		}
	}
	return checks
}

func refKeys(refs []models.TableRef) map[string]struct{} {
	keys := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		keys[ref.Key()] = struct{}{}
	}
	return keys
}

func statementWarnings(stmt *models.Statement) []string {
	var warnings []string
	for _, notice := range stmt.Notices {
		warnings = append(warnings, fmt.Sprintf("statement %d: %s", stmt.Index, notice))
	}
	if len(stmt.TableRefs) == 0 {
		warnings = append(warnings, fmt.Sprintf("statement %d: no table references found", stmt.Index))
	}
	return warnings
}
