// Package main provides the gatekeeper command line interface.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/TFMV/gatekeeper/cmd/gatekeeper/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "SQL access control checks",
	Long: `Gatekeeper decides whether a SQL batch may run for a user.

It splits the batch into statements, classifies each one, extracts the
tables it touches and checks them against role permissions and data
access rules.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "also write logs to this rotating file")
	flags.String("store", config.DriverFile, "policy store driver (file, duckdb)")
	flags.String("policy", "", "YAML policy file for the file store")
	flags.String("dsn", ":memory:", "DuckDB database path for the duckdb store")
	flags.String("jwt-secret", "", "HMAC secret for --token verification")
	flags.String("metrics-textfile", "", "write Prometheus metrics to this file on exit")

	// Bind flags to viper
	bindings := map[string]string{
		"config":                "config",
		"log_level":             "log-level",
		"log.file":              "log-file",
		"store.driver":          "store",
		"store.policy_file":     "policy",
		"store.dsn":             "dsn",
		"auth.jwt_secret":       "jwt-secret",
		"metrics.textfile_path": "metrics-textfile",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Errorf("failed to bind flag %s: %w", flag, err))
		}
	}

	rootCmd.AddCommand(
		newCheckCmd(),
		newParseCmd(),
		newTablesCmd(),
		newAccessCmd(),
		newFilterDatabasesCmd(),
		newFilterTablesCmd(),
		newReplayCmd(),
		newImportCmd(),
	)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Gatekeeper\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", commit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errDenied) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	// A missing .env is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging builds the process logger. Logs go to stderr since stdout
// carries command output; lc.File adds a rotating file.
func setupLogging(level string, lc config.LogConfig) (zerolog.Logger, io.Closer) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	if lc.File != "" {
		file := &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
			Compress:   lc.Compress,
		}
		out = zerolog.MultiLevelWriter(os.Stderr, file)
		closer = file
	}

	logger := zerolog.New(out).
		Level(logLevel).
		With().
		Timestamp().
		Str("service", "gatekeeper")

	if logLevel == zerolog.DebugLevel {
		logger = logger.Caller()
	}

	return logger.Logger(), closer
}
