package policyfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/repositories"
)

const testPolicy = `
roles:
  - name: analyst
    permissions: ["query:execute", "table:select"]
  - name: dba
    admin: true
users:
  - id: alice
    roles: [analyst]
  - id: root
    roles: [dba]
rules:
  - id: analyst-sales
    scope: role
    subject: analyst
    database: sales
    table: "*"
    access: read
    allow: true
    priority: 10
  - id: alice-salaries
    scope: user
    subject: alice
    database: sales
    table: /^salar/
    access: all
    allow: false
    priority: 10
    description: no payroll data
  - scope: role
    subject: analyst
    connection: staging
    database: "*"
    table: "*"
    access: all
    allow: true
`

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	p, err := Parse([]byte(testPolicy))
	require.NoError(t, err)

	store, err := NewStore(p, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	return store
}

func strPtr(s string) *string {
	return &s
}

func TestParse(t *testing.T) {
	p, err := Parse([]byte(testPolicy))
	require.NoError(t, err)

	assert.Len(t, p.Roles, 2)
	assert.Len(t, p.Users, 2)
	require.Len(t, p.Rules, 3)
	assert.NotEmpty(t, p.Rules[2].ID, "missing ids are generated")
	require.NotNil(t, p.Rules[2].ConnectionID)
	assert.Equal(t, "staging", *p.Rules[2].ConnectionID)
	assert.Equal(t, models.AccessAll, p.Rules[1].AccessType)
	assert.False(t, p.Rules[1].IsAllowed)

	empty, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Rules)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		code   string
	}{
		{"malformed yaml", "roles: [", errors.CodeInvalidRequest},
		{"unknown key", "rulez: []", errors.CodeInvalidRequest},
		{"role without name", "roles: [{admin: true}]", errors.CodeInvalidRequest},
		{"duplicate role", "roles: [{name: a}, {name: a}]", errors.CodeInvalidRequest},
		{"unknown user role", "users: [{id: u, roles: [ghost]}]", errors.CodeInvalidRequest},
		{"user without id", "roles: [{name: a}]\nusers: [{roles: [a]}]", errors.CodeInvalidRequest},
		{"bad access type", "rules: [{scope: user, subject: u, database: d, table: t, access: execute}]", errors.CodeInvalidRule},
		{"bad scope", "rules: [{scope: team, subject: u, database: d, table: t, access: read}]", errors.CodeInvalidRule},
		{"invalid regex", "rules: [{scope: user, subject: u, database: '/([/', table: t, access: read}]", errors.CodeInvalidRule},
		{"missing table", "rules: [{scope: user, subject: u, database: d, access: read}]", errors.CodeInvalidRule},
		{"unknown rule role", "rules: [{scope: role, subject: ghost, database: d, table: t, access: read}]", errors.CodeInvalidRule},
		{"duplicate rule id", "rules: [{id: x, scope: user, subject: u, database: d, table: t, access: read}, {id: x, scope: user, subject: u, database: d, table: t, access: read}]", errors.CodeInvalidRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.policy))
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))

	store, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	admin, err := store.IsAdmin(context.Background(), "root")
	require.NoError(t, err)
	assert.True(t, admin)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestStore_ListRules(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rules, err := store.ListRules(ctx, "alice", nil)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "alice-salaries", rules[0].ID, "deny first at equal priority")
	assert.Equal(t, "analyst-sales", rules[1].ID)

	rules, err = store.ListRules(ctx, "alice", strPtr("staging"))
	require.NoError(t, err)
	assert.Len(t, rules, 3)

	rules, err = store.ListRules(ctx, "alice", strPtr("prod"))
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	rules, err = store.ListRules(ctx, "root", nil)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestStore_Permissions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ok, err := store.HasPermission(ctx, "alice", models.PermTableSelect)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.HasPermission(ctx, "alice", models.PermTableDrop)
	require.NoError(t, err)
	assert.False(t, ok)

	admin, err := store.IsAdmin(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, admin)
}

func TestStore_Mutations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.CreateRole(ctx, repositories.Role{Name: "analyst"})
	assert.Equal(t, errors.CodeAlreadyExists, errors.GetCode(err))

	id, err := store.CreateRole(ctx, repositories.Role{Name: "writer", Permissions: []string{models.PermTableInsert}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.True(t, errors.IsNotFound(store.AssignRole(ctx, "bob", "ghost")))
	require.NoError(t, store.AssignRole(ctx, "bob", "writer"))

	ok, err := store.HasPermission(ctx, "bob", models.PermTableInsert)
	require.NoError(t, err)
	assert.True(t, ok)

	rule := &models.DataAccessRule{
		Scope: models.ScopeRole, SubjectID: "writer", DatabasePattern: "staging", TablePattern: "*",
		AccessType: models.AccessWrite, IsAllowed: true,
	}
	require.NoError(t, store.SaveRule(ctx, rule))
	assert.NotEmpty(t, rule.ID)
	assert.False(t, rule.CreatedAt.IsZero())

	rule.Priority = 3
	require.NoError(t, store.SaveRule(ctx, rule))
	rules, err := store.ListRules(ctx, "bob", nil)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 3, rules[0].Priority)

	require.NoError(t, store.DeleteRule(ctx, rule.ID))
	assert.True(t, errors.IsNotFound(store.DeleteRule(ctx, rule.ID)))
}

func TestStore_Closed(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.ListRules(context.Background(), "alice", nil)
	assert.True(t, errors.IsUnavailable(err))
	_, err = store.HasPermission(context.Background(), "alice", models.PermTableSelect)
	assert.True(t, errors.IsUnavailable(err))
}

type recordingWriter struct {
	roles   []string
	assigns []string
	rules   []string
}

func (w *recordingWriter) CreateRole(ctx context.Context, role repositories.Role) (string, error) {
	w.roles = append(w.roles, role.Name)
	return role.Name, nil
}

func (w *recordingWriter) AssignRole(ctx context.Context, userID, roleName string) error {
	w.assigns = append(w.assigns, userID+"="+roleName)
	return nil
}

func (w *recordingWriter) SaveRule(ctx context.Context, rule *models.DataAccessRule) error {
	w.rules = append(w.rules, rule.ID)
	return nil
}

func (w *recordingWriter) DeleteRule(ctx context.Context, id string) error {
	return nil
}

func TestPolicy_ApplyTo(t *testing.T) {
	p, err := Parse([]byte(testPolicy))
	require.NoError(t, err)

	w := &recordingWriter{}
	require.NoError(t, p.ApplyTo(context.Background(), w))
	assert.Equal(t, []string{"analyst", "dba"}, w.roles)
	assert.Equal(t, []string{"alice=analyst", "root=dba"}, w.assigns)
	assert.Equal(t, []string{"analyst-sales", "alice-salaries", p.Rules[2].ID}, w.rules)
}
