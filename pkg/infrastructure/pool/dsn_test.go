package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveDSN(t *testing.T) {
	tests := []struct {
		name  string
		dsn   string
		token string
		want  string
	}{
		{"motherduck scheme", "motherduck://policies", "tok", "md:policies?motherduck_token=tok"},
		{"duckdb motherduck host", "duckdb://motherduck/policies", "tok", "md:policies?motherduck_token=tok"},
		{"md form", "md:policies", "tok", "md:policies?motherduck_token=tok"},
		{"default database", "motherduck://", "tok", "md:?motherduck_token=tok"},
		{"token already set", "md:policies?motherduck_token=mine", "tok", "md:policies?motherduck_token=mine"},
		{"no token", "motherduck://policies", "", "md:policies"},
		{"other settings kept", "md:policies?threads=4", "tok", "md:policies?motherduck_token=tok&threads=4"},
		{"local file", "policies.db", "tok", "policies.db"},
		{"in memory", ":memory:", "tok", ":memory:"},
		{"other duckdb uri", "duckdb://other/db", "tok", "duckdb://other/db"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveDSN(tt.dsn, tt.token)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.dsn != "policies.db" && tt.dsn != ":memory:" && tt.dsn != "duckdb://other/db", isMotherDuck(got))
		})
	}
}

func TestMaskDSN_MotherDuckToken(t *testing.T) {
	masked := maskDSN(resolveDSN("motherduck://policies", "very-secret-token"))
	assert.NotContains(t, masked, "very-secret-token")
	assert.Contains(t, masked, "md:policies")
}
