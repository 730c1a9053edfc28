package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/export"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

func newReliabilityCmd(rt *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "reliability",
		Short: "Recompute source reliability scores once and print them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := rt.open(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			var report *models.ReliabilityReport
			err = withScope(ctx, a, func(ctx context.Context) error {
				var err error
				report, err = a.Reliability.Recompute(ctx)
				return err
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newExportCmd(rt *cliEnv) *cobra.Command {
	var (
		since, until string
		format, dir  string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export human-validated assertions as a training dataset",
		Long: "Without --since the export continues from the previous run's watermark " +
			"and is recorded as a new run. With --since an ad-hoc range is written and " +
			"no run is recorded.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if format != "" {
				rt.cfg.Export.Format = format
			}
			if dir != "" {
				rt.cfg.Export.Dir = dir
			}

			a, err := rt.open(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if since == "" {
				var run *models.ExportRun
				err = withScope(ctx, a, func(ctx context.Context) error {
					var err error
					run, err = a.Exporter.RunExport(ctx)
					return err
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			}

			from, err := parseFlagTime("since", since)
			if err != nil {
				return err
			}
			to := time.Now().UTC()
			if until != "" {
				if to, err = parseFlagTime("until", until); err != nil {
					return err
				}
			}

			w, err := export.Create(rt.cfg.Export.Format, rt.cfg.Export.Dir, to)
			if err != nil {
				return err
			}
			count := 0
			err = withScope(ctx, a, func(ctx context.Context) error {
				return a.Exporter.ExportValidated(ctx, from, to, func(rec *models.ExportRecord) error {
					count++
					return w.Write(rec)
				})
			})
			if closeErr := w.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"since":       from,
				"until":       to,
				"records":     count,
				"destination": w.Path(),
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "exclusive lower bound on resolution time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&until, "until", "", "inclusive upper bound on resolution time (default now)")
	cmd.Flags().StringVar(&format, "format", "", "jsonl or sqlite (default export.format)")
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default export.dir)")
	return cmd
}

func parseFlagTime(name, raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("--%s must be RFC3339 or YYYY-MM-DD, got %q", name, raw)
}

func newDeadLetterCmd(rt *cliEnv) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletter",
		Short: "Inspect and replay items parked after exhausting retries",
	}

	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List parked items, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := rt.open(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			items, err := a.DeadLetters.List(ctx, listLimit)
			if err != nil {
				return err
			}
			if items == nil {
				items = []*models.DeadLetter{}
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	list.Flags().IntVar(&listLimit, "limit", 50, "maximum items to list (0 for all)")

	var replayLimit int
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Re-submit parked items through the ingestion pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := rt.open(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.WarmCatalog(ctx); err != nil {
				return err
			}
			summary, err := a.Ingestion.ReplayDeadLetters(ctx, replayLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	replay.Flags().IntVar(&replayLimit, "limit", 0, "maximum items to replay (0 for all)")

	cmd.AddCommand(list, replay)
	return cmd
}

func newTokenCmd(rt *cliEnv) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, r := range roles {
				switch r {
				case auth.RoleReviewer, auth.RoleIngester, auth.RoleAdmin:
				default:
					return fmt.Errorf("unknown role %q", r)
				}
			}
			token, err := auth.IssueToken(rt.cfg.Auth, subject, roles, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, recorded as the reviewer identity")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role to grant: reviewer, ingester or admin (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
