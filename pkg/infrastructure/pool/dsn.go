package pool

import (
	"net/url"
	"strings"
)

const (
	motherDuckPrefix   = "md:"
	motherDuckTokenKey = "motherduck_token"
)

// resolveDSN rewrites motherduck:// and duckdb://motherduck/ URIs to the
// md: form DuckDB opens, and sets motherduck_token from token unless the DSN
// already carries one. Other DSNs are returned unchanged.
func resolveDSN(dsn, token string) string {
	path, query, _ := strings.Cut(dsn, "?")

	switch {
	case strings.HasPrefix(path, "motherduck://"):
		path = motherDuckPrefix + strings.Trim(strings.TrimPrefix(path, "motherduck://"), "/")
	case strings.HasPrefix(path, "duckdb://motherduck"):
		path = motherDuckPrefix + strings.Trim(strings.TrimPrefix(path, "duckdb://motherduck"), "/")
	case !strings.HasPrefix(path, motherDuckPrefix):
		return dsn
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return path + "?" + query
	}
	if token != "" && params.Get(motherDuckTokenKey) == "" {
		params.Set(motherDuckTokenKey, token)
	}
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// isMotherDuck reports whether a resolved DSN targets MotherDuck.
func isMotherDuck(dsn string) bool {
	return strings.HasPrefix(dsn, motherDuckPrefix)
}
