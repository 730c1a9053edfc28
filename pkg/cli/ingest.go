package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/app"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/stix"
)

func newMigrateCmd(rt *cliEnv) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.Migrate(cmd.Context(), rt.cfg, rt.logger)
		},
	}
}

// openInput opens path for reading; "-" is stdin.
func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

// DryRunReport is printed by --dry-run ingestion instead of a bare summary.
type DryRunReport struct {
	Summary       *models.IngestionSummary `json:"summary"`
	Skipped       map[string]int           `json:"skipped,omitempty"`
	PendingReview int                      `json:"pending_review"`
	DeadLetters   int                      `json:"dead_letters"`
}

func newIngestCmd(rt *cliEnv) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "ingest <batch.json|->",
		Short: "Ingest a JSON batch of raw records and events",
		Long: "Ingest a JSON ingestion batch. With --dry-run the batch is processed " +
			"against an empty in-memory knowledge base and nothing is persisted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			var batch models.IngestionBatch
			if err := json.NewDecoder(in).Decode(&batch); err != nil {
				return fmt.Errorf("failed to decode batch: %w", err)
			}
			return runIngest(cmd, rt, &batch, nil, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "process against an in-memory store")
	return cmd
}

func newImportStixCmd(rt *cliEnv) *cobra.Command {
	var (
		dryRun   bool
		sourceID string
	)

	cmd := &cobra.Command{
		Use:   "import-stix <bundle.json|->",
		Short: "Convert a STIX 2.1 bundle (e.g. MITRE ATT&CK) and ingest it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := openInput(cmd, args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			res, err := stix.Convert(in, sourceID)
			if err != nil {
				return err
			}
			rt.logger.Info("Converted STIX bundle",
				zap.String("bundle_id", res.Batch.ID),
				zap.Int("records", len(res.Batch.Records)),
				zap.Any("skipped", res.Skipped))
			return runIngest(cmd, rt, res.Batch, res.Skipped, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "process against an in-memory store")
	cmd.Flags().StringVar(&sourceID, "source", stix.DefaultSourceID, "source id for the converted records")
	return cmd
}

func runIngest(cmd *cobra.Command, rt *cliEnv, batch *models.IngestionBatch, skipped map[string]int, dryRun bool) error {
	ctx := cmd.Context()

	a, err := rt.open(ctx, dryRun)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.WarmCatalog(ctx); err != nil {
		return err
	}

	summary, err := a.Ingestion.IngestBatch(ctx, batch)
	if err != nil {
		return err
	}

	if !dryRun {
		if len(skipped) > 0 {
			return printJSON(cmd.OutOrStdout(), map[string]any{"summary": summary, "skipped": skipped})
		}
		return printJSON(cmd.OutOrStdout(), summary)
	}

	report := DryRunReport{Summary: summary, Skipped: skipped}
	err = withScope(ctx, a, func(ctx context.Context) error {
		n, err := a.Review.CountPending(ctx)
		report.PendingReview = n
		return err
	})
	if err != nil {
		return err
	}
	if report.DeadLetters, err = a.DeadLetters.Count(ctx); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}
