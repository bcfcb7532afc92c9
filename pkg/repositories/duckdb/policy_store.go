// Package duckdb provides a DuckDB-backed policy store.
package duckdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/infrastructure/pool"
	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/repositories"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS roles (
		id       VARCHAR PRIMARY KEY,
		name     VARCHAR NOT NULL UNIQUE,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS role_permissions (
		role_id    VARCHAR NOT NULL,
		permission VARCHAR NOT NULL,
		PRIMARY KEY (role_id, permission)
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id VARCHAR NOT NULL,
		role_id VARCHAR NOT NULL,
		PRIMARY KEY (user_id, role_id)
	)`,
	`CREATE TABLE IF NOT EXISTS data_access_rules (
		id               VARCHAR PRIMARY KEY,
		scope            VARCHAR NOT NULL,
		subject_id       VARCHAR NOT NULL,
		connection_id    VARCHAR,
		database_pattern VARCHAR NOT NULL,
		table_pattern    VARCHAR NOT NULL,
		access_type      VARCHAR NOT NULL,
		is_allowed       BOOLEAN NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 0,
		description      VARCHAR,
		created_at       TIMESTAMP NOT NULL
	)`,
}

const listRulesQuery = `
	SELECT id, scope, subject_id, connection_id, database_pattern, table_pattern,
	       access_type, is_allowed, priority, COALESCE(description, ''), created_at
	FROM data_access_rules
	WHERE ((scope = 'role' AND subject_id IN (SELECT role_id FROM user_roles WHERE user_id = ?))
	    OR (scope = 'user' AND subject_id = ?))
	  AND (connection_id IS NULL OR connection_id = ?)
	ORDER BY priority DESC, is_allowed ASC, id`

// PolicyStore implements repositories.PolicyStore on DuckDB. Role-scoped
// rules reference roles by id; SaveRule also accepts a role name.
type PolicyStore struct {
	pool   pool.ConnectionPool
	logger zerolog.Logger
}

var _ repositories.PolicyStore = (*PolicyStore)(nil)

// NewPolicyStore creates a store on p and makes sure its tables exist.
func NewPolicyStore(ctx context.Context, p pool.ConnectionPool, logger zerolog.Logger) (*PolicyStore, error) {
	s := &PolicyStore{
		pool:   p,
		logger: logger.With().Str("repo", "duckdb").Logger(),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the policy tables when missing.
func (s *PolicyStore) EnsureSchema(ctx context.Context) error {
	db, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}

	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			s.logger.Error().Err(err).Msg("Failed to create policy schema")
			return errors.Wrap(err, errors.CodeStoreFailed, "failed to create policy schema")
		}
	}
	return nil
}

// ListRules returns the user's own rules and the rules of every role the user holds.
func (s *PolicyStore) ListRules(ctx context.Context, userID string, connectionID *string) ([]models.DataAccessRule, error) {
	db, err := s.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	var conn interface{}
	if connectionID != nil {
		conn = *connectionID
	}

	start := time.Now()
	rows, err := db.QueryContext(ctx, listRulesQuery, userID, userID, conn)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to query rules")
		return nil, errors.Wrap(err, errors.CodeStoreFailed, "failed to query data access rules")
	}
	defer rows.Close()

	var rules []models.DataAccessRule
	for rows.Next() {
		var (
			rule          models.DataAccessRule
			scope, access string
			connID        sql.NullString
		)
		if err := rows.Scan(&rule.ID, &scope, &rule.SubjectID, &connID, &rule.DatabasePattern,
			&rule.TablePattern, &access, &rule.IsAllowed, &rule.Priority, &rule.Description, &rule.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan rule row")
		}
		rule.Scope = models.RuleScope(scope)
		rule.AccessType = models.AccessType(access)
		if connID.Valid {
			id := connID.String
			rule.ConnectionID = &id
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "error iterating rule rows")
	}

	s.logger.Debug().
		Str("user_id", userID).
		Int("rules", len(rules)).
		Dur("duration", time.Since(start)).
		Msg("Loaded data access rules")
	return rules, nil
}

// HasPermission reports whether any role of the user grants permission.
func (s *PolicyStore) HasPermission(ctx context.Context, userID, permission string) (bool, error) {
	return s.exists(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles ur
			JOIN role_permissions rp ON rp.role_id = ur.role_id
			WHERE ur.user_id = ? AND rp.permission = ?
		)`, userID, permission)
}

// IsAdmin reports whether any role of the user is an admin role.
func (s *PolicyStore) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return s.exists(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles ur
			JOIN roles r ON r.id = ur.role_id
			WHERE ur.user_id = ? AND r.is_admin
		)`, userID)
}

func (s *PolicyStore) exists(ctx context.Context, query string, args ...interface{}) (bool, error) {
	db, err := s.pool.Get(ctx)
	if err != nil {
		return false, err
	}

	var ok bool
	if err := db.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, errors.Wrap(err, errors.CodeStoreFailed, "failed to query permissions")
	}
	return ok, nil
}

// CreateRole stores a role with its permissions and returns its id.
func (s *PolicyStore) CreateRole(ctx context.Context, role repositories.Role) (string, error) {
	if err := repositories.ValidateRole(role); err != nil {
		return "", err
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}

	db, err := s.pool.Get(ctx)
	if err != nil {
		return "", err
	}

	if _, err := s.roleID(ctx, db, role.Name); err == nil {
		return "", errors.Newf(errors.CodeAlreadyExists, "role %q already exists", role.Name)
	} else if !errors.IsNotFound(err) {
		return "", err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.CodeStoreFailed, "failed to begin transaction")
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			s.logger.Error().Err(err).Msg("Failed to rollback transaction")
		}
	}()

	if _, err := tx.ExecContext(ctx, `INSERT INTO roles (id, name, is_admin) VALUES (?, ?, ?)`,
		role.ID, role.Name, role.IsAdmin); err != nil {
		return "", errors.Wrap(err, errors.CodeStoreFailed, "failed to insert role")
	}
	for _, perm := range role.Permissions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO role_permissions (role_id, permission) VALUES (?, ?) ON CONFLICT DO NOTHING`,
			role.ID, perm); err != nil {
			return "", errors.Wrap(err, errors.CodeStoreFailed, "failed to insert role permission")
		}
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, errors.CodeStoreFailed, "failed to commit role")
	}

	s.logger.Info().
		Str("role_id", role.ID).
		Str("role", role.Name).
		Bool("admin", role.IsAdmin).
		Int("permissions", len(role.Permissions)).
		Msg("Role created")
	return role.ID, nil
}

// GrantPermission adds a permission token to a role.
func (s *PolicyStore) GrantPermission(ctx context.Context, roleName, permission string) error {
	db, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}

	id, err := s.roleID(ctx, db, roleName)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO role_permissions (role_id, permission) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		id, permission); err != nil {
		return errors.Wrap(err, errors.CodeStoreFailed, "failed to grant permission")
	}
	return nil
}

// AssignRole gives userID the named role. Assigning twice is a no-op.
func (s *PolicyStore) AssignRole(ctx context.Context, userID, roleName string) error {
	if userID == "" {
		return errors.ErrMissingUser
	}

	db, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}

	id, err := s.roleID(ctx, db, roleName)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO user_roles (user_id, role_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		userID, id); err != nil {
		return errors.Wrap(err, errors.CodeStoreFailed, "failed to assign role")
	}

	s.logger.Debug().Str("user_id", userID).Str("role", roleName).Msg("Role assigned")
	return nil
}

// SaveRule inserts or replaces a rule. Missing ids and creation times are
// filled in on the passed rule.
func (s *PolicyStore) SaveRule(ctx context.Context, rule *models.DataAccessRule) error {
	if err := repositories.ValidateRule(rule); err != nil {
		return err
	}

	db, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}

	if rule.Scope == models.ScopeRole {
		id, err := s.roleID(ctx, db, rule.SubjectID)
		if err != nil {
			return err
		}
		rule.SubjectID = id
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	var conn interface{}
	if rule.ConnectionID != nil {
		conn = *rule.ConnectionID
	}

	if _, err := db.ExecContext(ctx, `
		INSERT OR REPLACE INTO data_access_rules
			(id, scope, subject_id, connection_id, database_pattern, table_pattern,
			 access_type, is_allowed, priority, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, string(rule.Scope), rule.SubjectID, conn, rule.DatabasePattern, rule.TablePattern,
		string(rule.AccessType), rule.IsAllowed, rule.Priority, rule.Description, rule.CreatedAt); err != nil {
		s.logger.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to save rule")
		return errors.Wrap(err, errors.CodeStoreFailed, "failed to save data access rule")
	}

	s.logger.Info().
		Str("rule_id", rule.ID).
		Str("scope", string(rule.Scope)).
		Str("subject", rule.SubjectID).
		Str("effect", rule.Effect()).
		Msg("Rule saved")
	return nil
}

// DeleteRule removes a rule by id.
func (s *PolicyStore) DeleteRule(ctx context.Context, id string) error {
	db, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}

	result, err := db.ExecContext(ctx, `DELETE FROM data_access_rules WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, errors.CodeStoreFailed, "failed to delete data access rule")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, errors.CodeStoreFailed, "failed to delete data access rule")
	}
	if n == 0 {
		return errors.ErrRuleNotFound
	}
	return nil
}

// Close closes the underlying pool.
func (s *PolicyStore) Close() error {
	return s.pool.Close()
}

// roleID resolves a role by id or name.
func (s *PolicyStore) roleID(ctx context.Context, db *sql.DB, ref string) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT id FROM roles WHERE id = ? OR name = ? LIMIT 1`, ref, ref).Scan(&id)
	if err == sql.ErrNoRows {
		return "", errors.Wrapf(errors.ErrRoleNotFound, errors.CodeNotFound, "role %q not found", ref)
	}
	if err != nil {
		return "", errors.Wrap(err, errors.CodeStoreFailed, "failed to look up role")
	}
	return id, nil
}
