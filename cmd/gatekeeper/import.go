package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TFMV/gatekeeper/cmd/gatekeeper/config"
	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/infrastructure/metrics"
	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/repositories"
	"github.com/TFMV/gatekeeper/pkg/repositories/policyfile"
)

func newImportCmd() *cobra.Command {
	var skipExisting bool

	cmd := &cobra.Command{
		Use:   "import POLICY.yaml",
		Short: "Load a YAML policy into the DuckDB store",
		Long: `Load the roles, user assignments and rules of a YAML policy file into
the DuckDB policy store. Rules are replaced by id.

Example:
  gatekeeper import --store duckdb --dsn policies.db policy.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := policyfile.Load(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverDuckDB {
				return fmt.Errorf("import needs the %s store driver, got %s", config.DriverDuckDB, cfg.Store.Driver)
			}

			logger, logFile := setupLogging(cfg.LogLevel, cfg.Log)
			if logFile != nil {
				defer logFile.Close()
			}

			store, err := openStore(cmd.Context(), cfg, logger, metrics.NewNoOpCollector())
			if err != nil {
				return err
			}
			defer store.Close()

			counts, err := importPolicy(cmd.Context(), p, store, skipExisting, logger)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), counts)
		},
	}

	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "keep roles that already exist instead of failing")
	return cmd
}

// importCounts reports what an import wrote.
type importCounts struct {
	Roles        int `json:"roles"`
	SkippedRoles int `json:"skipped_roles"`
	Assignments  int `json:"assignments"`
	Rules        int `json:"rules"`
}

// importWriter counts writes and optionally tolerates existing roles.
type importWriter struct {
	repositories.PolicyWriter
	skipExisting bool
	counts       importCounts
}

func (w *importWriter) CreateRole(ctx context.Context, role repositories.Role) (string, error) {
	id, err := w.PolicyWriter.CreateRole(ctx, role)
	if err != nil {
		if w.skipExisting && errors.GetCode(err) == errors.CodeAlreadyExists {
			w.counts.SkippedRoles++
			return "", nil
		}
		return "", err
	}
	w.counts.Roles++
	return id, nil
}

func (w *importWriter) AssignRole(ctx context.Context, userID, roleName string) error {
	if err := w.PolicyWriter.AssignRole(ctx, userID, roleName); err != nil {
		return err
	}
	w.counts.Assignments++
	return nil
}

func (w *importWriter) SaveRule(ctx context.Context, rule *models.DataAccessRule) error {
	if err := w.PolicyWriter.SaveRule(ctx, rule); err != nil {
		return err
	}
	w.counts.Rules++
	return nil
}

// importPolicy writes p into dst.
func importPolicy(ctx context.Context, p *policyfile.Policy, dst repositories.PolicyWriter, skipExisting bool, logger zerolog.Logger) (importCounts, error) {
	w := &importWriter{PolicyWriter: dst, skipExisting: skipExisting}
	if err := p.ApplyTo(ctx, w); err != nil {
		return w.counts, fmt.Errorf("import stopped after %d roles, %d assignments and %d rules: %w",
			w.counts.Roles, w.counts.Assignments, w.counts.Rules, err)
	}

	logger.Info().
		Int("roles", w.counts.Roles).
		Int("skipped_roles", w.counts.SkippedRoles).
		Int("assignments", w.counts.Assignments).
		Int("rules", w.counts.Rules).
		Msg("Policy imported")
	return w.counts, nil
}
