package main

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/gatekeeper/cmd/gatekeeper/config"
	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/infrastructure/metrics"
	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/repositories/policyfile"
)

const testPolicy = `
roles:
  - name: analyst
    permissions: ["query:execute"]
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
  - id: alice-salaries
    scope: user
    subject: alice
    database: sales
    table: /^salar/
    access: all
    allow: false
    priority: 10
`

func writePolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPolicy), 0o600))
	return path
}

func setupFileApp(t *testing.T, modify func(*config.Config)) *app {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.PolicyFile = writePolicy(t)
	if modify != nil {
		modify(cfg)
	}
	require.NoError(t, cfg.Validate())

	a, err := buildApp(context.Background(), cfg, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	return a
}

func TestBuildApp_FileStore(t *testing.T) {
	textfile := filepath.Join(t.TempDir(), "gatekeeper.prom")
	a := setupFileApp(t, func(c *config.Config) {
		c.Metrics.TextfilePath = textfile
	})
	ctx := context.Background()

	decision, err := a.access.ValidateQueryAccess(ctx, models.QueryAccessRequest{
		UserID:      "alice",
		Permissions: []string{models.PermQueryExecute},
		SQL:         "SELECT * FROM sales.orders",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = a.access.ValidateQueryAccess(ctx, models.QueryAccessRequest{
		UserID:      "alice",
		Permissions: []string{models.PermQueryExecute},
		SQL:         "SELECT * FROM sales.salaries",
	})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "Access denied to sales.salaries", decision.Reason)

	assert.Positive(t, a.patterns.Len(), "rule patterns go through the cache")

	require.NoError(t, a.Close())
	data, err := os.ReadFile(textfile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `gatekeeper_access_decisions_total{outcome="allowed",stage="rules"} 1`)
	assert.Contains(t, string(data), `gatekeeper_access_decisions_total{outcome="denied",stage="rule"} 1`)
}

func TestBuildApp_DuckDBImport(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Driver = config.DriverDuckDB
	cfg.Store.Pool.MaxOpenConnections = 1
	cfg.Metrics.Enabled = false
	require.NoError(t, cfg.Validate())

	logger := zerolog.New(zerolog.NewTestWriter(t))
	a, err := buildApp(context.Background(), cfg, logger)
	require.NoError(t, err)
	defer a.Close()

	p, err := policyfile.Parse([]byte(testPolicy))
	require.NoError(t, err)

	ctx := context.Background()
	counts, err := importPolicy(ctx, p, a.store, false, logger)
	require.NoError(t, err)
	assert.Equal(t, importCounts{Roles: 2, Assignments: 2, Rules: 2}, counts)

	_, err = importPolicy(ctx, p, a.store, false, logger)
	require.Error(t, err)
	assert.Equal(t, errors.CodeAlreadyExists, errors.GetCode(err))

	counts, err = importPolicy(ctx, p, a.store, true, logger)
	require.NoError(t, err)
	assert.Equal(t, importCounts{SkippedRoles: 2, Assignments: 2, Rules: 2}, counts)

	result, err := a.access.CheckUserAccess(ctx, "alice", "sales", strPtr("orders"), models.AccessRead, nil)
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	result, err = a.access.CheckUserAccess(ctx, "root", "hr", nil, models.AccessWrite, nil)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "admins pass")

	dbs, err := a.access.FilterDatabases(ctx, "alice", false, []string{"sales", "hr", "system"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sales"}, dbs)
}

func TestApp_Requester(t *testing.T) {
	a := setupFileApp(t, func(c *config.Config) {
		c.Auth.JWTSecret = "test-secret"
	})
	defer a.Close()

	claims := jwt.MapClaims{
		"sub":         "alice",
		"exp":         time.Now().Add(time.Hour).Unix(),
		"permissions": []string{models.PermTableSelect},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	r, err := a.requester("Bearer "+token, "ignored", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", r.UserID)
	assert.False(t, r.IsAdmin)
	assert.Equal(t, []string{models.PermTableSelect}, r.Permissions)

	r, err = a.requester("", "bob", false, []string{models.PermQueryExecute})
	require.NoError(t, err)
	assert.Equal(t, "bob", r.UserID)

	_, err = a.requester("garbage", "", false, nil)
	assert.True(t, errors.IsUnauthenticated(err))

	noAuth := setupFileApp(t, nil)
	defer noAuth.Close()
	_, err = noAuth.requester(token, "", false, nil)
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	a := setupFileApp(t, nil)
	defer a.Close()

	input := strings.Join([]string{
		`{"user":"alice","permissions":["query:execute"],"sql":"SELECT * FROM sales.orders"}`,
		`{"user":"alice","permissions":["query:execute"],"sql":"SELECT * FROM sales.salaries"}`,
		`not json`,
		``,
		`{"sql":"SELECT 1"}`,
		`{"user":"root","admin":true,"sql":"DROP DATABASE sales"}`,
	}, "\n")

	var out bytes.Buffer
	summary, err := replay(context.Background(), a.access, zerolog.Nop(), strings.NewReader(input), &out)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 2, summary.Allowed)
	assert.Equal(t, 1, summary.Denied)
	assert.Equal(t, 2, summary.Errors)
	assert.Equal(t, map[string]int{
		errors.CodeInvalidRequest:  1,
		errors.CodeUnauthenticated: 1,
	}, summary.ByCode)

	dec := json.NewDecoder(&out)
	var lines []int
	ids := make(map[string]struct{})
	for dec.More() {
		var o replayOutcome
		require.NoError(t, dec.Decode(&o))
		lines = append(lines, o.Line)
		ids[o.RequestID] = struct{}{}
	}
	assert.Equal(t, []int{1, 2, 3, 5, 6}, lines, "blank lines are skipped")
	assert.Len(t, ids, 5)
}

func TestReplay_Cancelled(t *testing.T) {
	a := setupFileApp(t, nil)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := replay(ctx, a.access, zerolog.Nop(), strings.NewReader(`{"user":"alice","sql":"SELECT 1"}`), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAddFields(t *testing.T) {
	var buf bytes.Buffer
	l := &serviceLoggerAdapter{logger: zerolog.New(&buf)}

	l.Info("decision",
		"user_id", "u1",
		"statements", 3,
		"roles", []string{"a", "b"},
		"cause", stderrors.New("boom"),
		42, "non-string key",
		"dangling")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "decision", fields["message"])
	assert.Equal(t, "u1", fields["user_id"])
	assert.Equal(t, float64(3), fields["statements"])
	assert.Equal(t, []interface{}{"a", "b"}, fields["roles"])
	assert.Equal(t, "boom", fields["cause"])
	assert.NotContains(t, fields, "dangling")
}

func TestServiceMetricsAdapter(t *testing.T) {
	prom := metrics.NewPrometheusCollector("test")
	m := &serviceMetricsAdapter{collector: prom}

	timer := m.StartTimer("op")
	time.Sleep(time.Millisecond)
	assert.GreaterOrEqual(t, timer.Stop(), time.Millisecond)

	m.IncrementCounter("ops", "kind", "x")
	families, err := prom.Registry().Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "test_ops_total", families[0].GetName())
}

func TestReadSQL(t *testing.T) {
	sql, err := readSQL(strings.NewReader("ignored"), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", sql)

	sql, err = readSQL(strings.NewReader("SELECT 2;\nSELECT 3"), "-")
	require.NoError(t, err)
	assert.Equal(t, "SELECT 2;\nSELECT 3", sql)
}

func TestTablesCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"tables", "SELECT * FROM a.t1 JOIN t2 USING (id); INSERT INTO a.t1 SELECT 1"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	var refs []models.TableRef
	require.NoError(t, json.Unmarshal(out.Bytes(), &refs))
	assert.Equal(t, []models.TableRef{{Database: "a", Table: "t1"}, {Table: "t2"}}, refs)
}

func strPtr(s string) *string {
	return &s
}
