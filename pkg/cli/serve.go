package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/app"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/auth"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/handlers"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/mcp"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/middleware"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(rt *cliEnv) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, MCP endpoint and background jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger := rt.cfg, rt.logger

			logger.Info("Configuration loaded",
				zap.String("env", cfg.Env),
				zap.String("version", cfg.Version),
				zap.Bool("auth_verification", cfg.Auth.EnableVerification),
				zap.String("database", cfg.Database.User+"@"+cfg.Database.Host+"/"+cfg.Database.Database),
				zap.String("state_cache", cfg.Temporal.CacheBackend),
				zap.String("similarity", cfg.Similarity.Provider))

			if migrate {
				if err := app.Migrate(ctx, cfg, logger); err != nil {
					return err
				}
			}

			a, err := rt.openApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.WarmCatalog(ctx); err != nil {
				return err
			}

			handler, err := newHTTPHandler(a)
			if err != nil {
				return err
			}
			return serve(ctx, a, handler)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before serving")
	return cmd
}

// newHTTPHandler registers every route on a fresh mux and wraps it in the
// request logger.
func newHTTPHandler(a *app.App) (http.Handler, error) {
	cfg, logger := a.Config, a.Logger

	validator, err := auth.NewHMACValidator(cfg.Auth)
	if err != nil {
		return nil, err
	}
	authMiddleware := auth.NewMiddleware(auth.NewAuthService(validator, logger), logger)
	scope := handlers.ScopeMiddleware(database.WithProvidedScope(a.Scopes, logger))

	mux := http.NewServeMux()

	var pinger handlers.Pinger
	if a.DB != nil {
		pinger = a.DB
	}
	handlers.NewHealthHandler(cfg, pinger, logger).RegisterRoutes(mux)
	handlers.NewIngestHandler(a.Ingestion, logger).RegisterRoutes(mux, authMiddleware)
	handlers.NewReviewHandler(a.Review, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewEntityHandler(a.Query, a.Merge, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewSourceHandler(a.Catalog, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewExportHandler(a.Exporter, logger).RegisterRoutes(mux, authMiddleware, scope)
	handlers.NewDeadLetterHandler(a.DeadLetters, a.Ingestion, logger).RegisterRoutes(mux, authMiddleware)

	mcpServer := mcp.NewServer(cfg.Version, mcp.ServerDeps{
		Query:   a.Query,
		Pending: a.Review,
		Scopes:  a.Scopes,
	}, logger)
	handlers.NewMCPHandler(mcpServer, logger).RegisterRoutes(mux, authMiddleware)

	return middleware.RequestLogger(logger)(mux), nil
}

// serve runs the HTTP server and the periodic jobs until ctx is cancelled,
// then shuts the server down gracefully.
func serve(ctx context.Context, a *app.App, handler http.Handler) error {
	cfg, logger := a.Config, a.Logger

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Starting ekaya-threatgraph", zap.String("addr", srv.Addr), zap.String("version", cfg.Version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	if interval := cfg.Reliability.RecomputeInterval; interval > 0 {
		g.Go(func() error {
			return ignoreCancel(a.Reliability.Run(gctx, interval))
		})
	}
	if interval := cfg.Export.Interval; interval > 0 {
		g.Go(func() error {
			return ignoreCancel(a.Exporter.Run(gctx, interval))
		})
	}

	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
