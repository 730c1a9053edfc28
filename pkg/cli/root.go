// Package cli implements the threatgraph command line.
package cli

import (
	"context"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/app"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// cliEnv is filled by the root command's PersistentPreRunE and shared with
// every subcommand.
type cliEnv struct {
	version    string
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger

	// openApp is replaced in tests.
	openApp func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app.App, error)
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	return newRootCmd(&cliEnv{version: version, openApp: app.Open})
}

func newRootCmd(rt *cliEnv) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "threatgraph",
		Short:         "Evidence-based cybersecurity knowledge base",
		Version:       rt.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt.logger != nil {
				_ = rt.logger.Sync()
			}
		},
	}
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.PersistentFlags().StringVarP(&rt.configPath, "config", "c", "", "config file (default: environment only)")
	rootCmd.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(
		newServeCmd(rt),
		newMigrateCmd(rt),
		newIngestCmd(rt),
		newImportStixCmd(rt),
		newReliabilityCmd(rt),
		newExportCmd(rt),
		newDeadLetterCmd(rt),
		newTokenCmd(rt),
	)
	return rootCmd
}

// Execute runs the command tree with ctx, which should be cancelled on
// SIGINT/SIGTERM.
func Execute(ctx context.Context, version string) error {
	return NewRootCmd(version).ExecuteContext(ctx)
}

func (rt *cliEnv) init() error {
	var (
		cfg *config.Config
		err error
	)
	if rt.configPath != "" {
		cfg, err = config.Load(rt.configPath, rt.version)
	} else {
		cfg, err = config.LoadEnv(rt.version)
	}
	if err != nil {
		return err
	}
	if rt.logLevel != "" {
		cfg.Logging.Level = rt.logLevel
	}

	logger, err := logging.NewLogger(cfg.Logging, nil)
	if err != nil {
		return err
	}
	rt.cfg = cfg
	rt.logger = logger
	return nil
}

// open wires the PostgreSQL-backed stack, or the in-memory one for dry runs.
func (rt *cliEnv) open(ctx context.Context, dryRun bool) (*app.App, error) {
	if dryRun {
		return app.OpenInMemory(rt.cfg, rt.logger)
	}
	return rt.openApp(ctx, rt.cfg, rt.logger)
}

// withScope runs fn with a database scope from a on ctx.
func withScope(ctx context.Context, a *app.App, fn func(ctx context.Context) error) error {
	scoped, cleanup, err := a.Scopes.WithScope(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire database connection: %w", err)
	}
	defer cleanup()
	return fn(scoped)
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
