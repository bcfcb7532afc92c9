package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/TFMV/gatekeeper/pkg/errors"
	"github.com/TFMV/gatekeeper/pkg/models"
	"github.com/TFMV/gatekeeper/pkg/services"
)

const maxReplayLine = 4 * 1024 * 1024

// replayRecord is one JSON line of a replay file.
type replayRecord struct {
	User        string   `json:"user"`
	Admin       bool     `json:"admin"`
	Permissions []string `json:"permissions"`
	SQL         string   `json:"sql"`
	Database    string   `json:"database"`
	Connection  string   `json:"connection"`
}

// replayOutcome is printed per request with --decisions.
type replayOutcome struct {
	RequestID string                 `json:"request_id"`
	Line      int                    `json:"line"`
	Decision  *models.AccessDecision `json:"decision,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Code      string                 `json:"code,omitempty"`
}

// replaySummary totals a replay run.
type replaySummary struct {
	Total    int            `json:"total"`
	Allowed  int            `json:"allowed"`
	Denied   int            `json:"denied"`
	Errors   int            `json:"errors"`
	Duration time.Duration  `json:"duration_ns"`
	ByCode   map[string]int `json:"errors_by_code,omitempty"`
}

func newReplayCmd() *cobra.Command {
	var decisions bool

	cmd := &cobra.Command{
		Use:   "replay FILE|-",
		Short: "Evaluate a file of recorded access requests",
		Long: `Evaluate JSON-lines access requests and print a summary.

Each line holds {"user", "admin", "permissions", "sql", "database", "connection"}.
Metrics are written to metrics.textfile_path when it is set.

Example:
  gatekeeper replay --policy policy.yaml --metrics-textfile /var/lib/node_exporter/gatekeeper.prom requests.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open replay file: %w", err)
				}
				defer f.Close()
				in = f
			}

			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			var out io.Writer
			if decisions {
				out = cmd.OutOrStdout()
			}
			summary, err := replay(cmd.Context(), a.access, a.logger, in, out)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().BoolVar(&decisions, "decisions", false, "print every decision as a JSON line")
	return cmd
}

// replay evaluates every request read from r. Malformed lines and failed
// evaluations are counted and do not stop the run. When out is not nil each
// outcome is written to it as a JSON line.
func replay(ctx context.Context, svc services.AccessService, logger zerolog.Logger, r io.Reader, out io.Writer) (*replaySummary, error) {
	start := time.Now()
	summary := &replaySummary{ByCode: make(map[string]int)}

	var enc *json.Encoder
	if out != nil {
		enc = json.NewEncoder(out)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxReplayLine)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		outcome := replayOutcome{RequestID: uuid.NewString(), Line: line}
		summary.Total++

		decision, err := replayLine(ctx, svc, text)
		switch {
		case err != nil:
			summary.Errors++
			code := errors.GetCode(err)
			summary.ByCode[code]++
			outcome.Error = err.Error()
			outcome.Code = code
			logger.Warn().
				Err(err).
				Str("request_id", outcome.RequestID).
				Int("line", line).
				Msg("Replay request failed")
		case decision.Allowed:
			summary.Allowed++
			outcome.Decision = decision
		default:
			summary.Denied++
			outcome.Decision = decision
			logger.Debug().
				Str("request_id", outcome.RequestID).
				Int("line", line).
				Str("reason", decision.Reason).
				Msg("Replay request denied")
		}

		if enc != nil {
			if err := enc.Encode(outcome); err != nil {
				return nil, fmt.Errorf("failed to write decision: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read replay input at line %d: %w", line+1, err)
	}

	if len(summary.ByCode) == 0 {
		summary.ByCode = nil
	}
	summary.Duration = time.Since(start)

	logger.Info().
		Int("total", summary.Total).
		Int("allowed", summary.Allowed).
		Int("denied", summary.Denied).
		Int("errors", summary.Errors).
		Dur("duration", summary.Duration).
		Msg("Replay complete")
	return summary, nil
}

func replayLine(ctx context.Context, svc services.AccessService, text string) (*models.AccessDecision, error) {
	var rec replayRecord
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidRequest, "malformed replay record")
	}

	return svc.ValidateQueryAccess(ctx, models.QueryAccessRequest{
		UserID:          rec.User,
		IsAdmin:         rec.Admin,
		Permissions:     rec.Permissions,
		SQL:             rec.SQL,
		DefaultDatabase: rec.Database,
		ConnectionID:    optional(rec.Connection),
	})
}
