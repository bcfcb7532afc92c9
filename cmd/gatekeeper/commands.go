package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/services"
)

// errDenied makes the process exit with status 2 after a denial was printed.
var errDenied = errors.New("access denied")

func newCheckCmd() *cobra.Command {
	var (
		userID      string
		isAdmin     bool
		permissions []string
		token       string
		database    string
		connection  string
	)

	cmd := &cobra.Command{
		Use:   "check [flags] SQL|-",
		Short: "Decide whether a SQL batch may run",
		Long: `Decide whether a SQL batch may run and print the decision as JSON.

The batch is read from stdin when SQL is "-". The exit status is 2 when the
batch is denied. With --token the caller is taken from the verified token and
--user, --admin and --permission are ignored.

Example:
  gatekeeper check --policy policy.yaml --user alice --permission query:execute "SELECT * FROM sales.orders"
  echo "DROP TABLE t" | gatekeeper check --store duckdb --dsn policies.db --token "$TOKEN" -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readSQL(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			requester, err := a.requester(token, userID, isAdmin, permissions)
			if err != nil {
				return err
			}

			decision, err := a.access.ValidateQueryAccess(cmd.Context(), models.QueryAccessRequest{
				UserID:          requester.UserID,
				IsAdmin:         requester.IsAdmin,
				Permissions:     requester.Permissions,
				SQL:             sql,
				DefaultDatabase: database,
				ConnectionID:    optional(connection),
			})
			if err != nil {
				return err
			}

			if err := writeJSON(cmd.OutOrStdout(), decision); err != nil {
				return err
			}
			if !decision.Allowed {
				return errDenied
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "treat the user as an administrator")
	cmd.Flags().StringSliceVarP(&permissions, "permission", "p", nil, "granted permission (repeatable)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token identifying the caller")
	cmd.Flags().StringVarP(&database, "database", "d", "", "default database for unqualified tables")
	cmd.Flags().StringVar(&connection, "connection", "", "connection id")
	return cmd
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse SQL|-",
		Short: "Print the verb, target kind and tables of each statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readSQL(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), services.ParseBatch(sql))
		},
	}
}

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables SQL|-",
		Short: "Print the distinct tables a SQL batch references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sql, err := readSQL(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			refs := services.ExtractTablesFromQuery(sql)
			if refs == nil {
				refs = []models.TableRef{}
			}
			return writeJSON(cmd.OutOrStdout(), refs)
		},
	}
}

func newAccessCmd() *cobra.Command {
	var (
		userID     string
		database   string
		table      string
		access     string
		connection string
	)

	cmd := &cobra.Command{
		Use:   "access",
		Short: "Check a user's access to a database or table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.access.CheckUserAccess(
				cmd.Context(),
				userID,
				database,
				optional(table),
				models.AccessType(access),
				optional(connection),
			)
			if err != nil {
				return err
			}

			if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Allowed {
				return errDenied
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().StringVarP(&database, "database", "d", "", "database name")
	cmd.Flags().StringVarP(&table, "table", "t", "", "table name; omit to check the whole database")
	cmd.Flags().StringVar(&access, "access", string(models.AccessRead), "access type (read, write)")
	cmd.Flags().StringVar(&connection, "connection", "", "connection id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("database")
	return cmd
}

func newFilterDatabasesCmd() *cobra.Command {
	var (
		userID  string
		isAdmin bool
	)

	cmd := &cobra.Command{
		Use:   "filter-databases DB...",
		Short: "Print the databases a user may see",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			visible, err := a.access.FilterDatabases(cmd.Context(), userID, isAdmin, args)
			if err != nil {
				return err
			}
			return writeLines(cmd.OutOrStdout(), visible)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "treat the user as an administrator")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newFilterTablesCmd() *cobra.Command {
	var (
		userID   string
		isAdmin  bool
		database string
	)

	cmd := &cobra.Command{
		Use:   "filter-tables TABLE...",
		Short: "Print the tables of a database a user may see",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			visible, err := a.access.FilterTables(cmd.Context(), userID, isAdmin, database, args)
			if err != nil {
				return err
			}
			return writeLines(cmd.OutOrStdout(), visible)
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().BoolVar(&isAdmin, "admin", false, "treat the user as an administrator")
	cmd.Flags().StringVarP(&database, "database", "d", "", "database name")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("database")
	return cmd
}

// readSQL returns arg, or all of stdin when arg is "-".
func readSQL(stdin io.Reader, arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read SQL from stdin: %w", err)
	}
	return string(data), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeLines(w io.Writer, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	_, err := io.WriteString(w, strings.Join(lines, "\n")+"\n")
	return err
}
