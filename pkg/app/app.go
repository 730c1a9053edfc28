// Package app wires configuration, storage and services into a running
// knowledge base. Open builds the PostgreSQL-backed stack used by the server
// and batch commands; OpenInMemory builds a throwaway stack for dry runs.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/migrations"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/deadletter"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories/memory"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/services"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/similarity"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/statecache"
)

// App holds every wired service. Fields for infrastructure that the stack
// does not use are nil (DB and Redis in memory mode).
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Rules  *models.OntologyRules

	DB          *database.DB
	Redis       *redis.Client
	Scopes      database.ScopeProvider
	DeadLetters deadletter.Store
	Similarity  similarity.Service

	Catalog     services.SourceCatalog
	Normalizer  services.Normalizer
	Resolver    services.EntityResolver
	Router      services.ReviewRouter
	Evidence    services.EvidenceStore
	Temporal    services.TemporalStateService
	Review      services.ReviewService
	Query       services.QueryService
	Merge       services.EntityMergeService
	Ingestion   services.IngestionService
	Reliability services.ReliabilityTracker
	Exporter    services.DatasetExporter

	closers []func()
}

// stores is the storage-specific half of the wiring.
type stores struct {
	sources     repositories.SourceRepository
	entities    repositories.EntityRepository
	assertions  repositories.AssertionRepository
	events      repositories.EventRepository
	reviewTasks repositories.ReviewTaskRepository
	edges       repositories.EdgeRepository
	exportRuns  repositories.ExportRunRepository
	tx          database.TxRunner
	locker      database.KeyLocker
	scopes      database.ScopeProvider
	cache       statecache.Cache
}

// Open connects to PostgreSQL (and Redis when configured), opens the
// dead-letter store and similarity client, and wires every service.
// Migrations are not applied; call Migrate for that.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:              cfg.Database.ConnectionString(),
		MaxConnections:   cfg.Database.MaxConnections,
		StatementTimeout: cfg.Database.StatementTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)

	var cache statecache.Cache
	if cfg.Temporal.CacheBackend == "redis" {
		client, err := database.NewRedisClient(ctx, &cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = client
		a.closers = append(a.closers, func() { _ = client.Close() })
		cache = statecache.NewRedisCache(client, cfg.Redis.KeyPrefix+":", cfg.Temporal.CacheTTL, logger)
	} else {
		cache = statecache.NewMemoryCache(cfg.Temporal.CacheTTL, cfg.Temporal.MaxEntriesPerEntity)
	}

	sim, err := similarity.New(&cfg.Similarity, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create similarity client: %w", err)
	}

	err = a.wire(stores{
		sources:     repositories.NewSourceRepository(),
		entities:    repositories.NewEntityRepository(),
		assertions:  repositories.NewAssertionRepository(),
		events:      repositories.NewEventRepository(),
		reviewTasks: repositories.NewReviewTaskRepository(),
		edges:       repositories.NewEdgeRepository(),
		exportRuns:  repositories.NewExportRunRepository(),
		tx:          database.PgxTxRunner{},
		locker:      database.AdvisoryLocker{},
		scopes:      database.NewPoolScopeProvider(db),
		cache:       cache,
	}, sim, &cfg.DeadLetter)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// OpenInMemory wires every service over the in-memory store. Nothing is
// persisted: dead letters stay in memory and similarity lookups are off.
func OpenInMemory(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}
	repos := memory.NewStore().Repositories()

	err := a.wire(stores{
		sources:     repos.Sources,
		entities:    repos.Entities,
		assertions:  repos.Assertions,
		events:      repos.Events,
		reviewTasks: repos.ReviewTasks,
		edges:       repos.Edges,
		exportRuns:  repos.ExportRuns,
		tx:          database.PassthroughTxRunner{},
		locker:      database.NewLocalLocker(),
		scopes:      memory.NopScopeProvider{},
		cache:       statecache.NewMemoryCache(cfg.Temporal.CacheTTL, cfg.Temporal.MaxEntriesPerEntity),
	}, similarity.Nop{}, &config.DeadLetterConfig{InMemory: true})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(s stores, sim similarity.Service, dlCfg *config.DeadLetterConfig) error {
	cfg, logger := a.Config, a.Logger

	a.Similarity = sim
	a.closers = append(a.closers, func() {
		if err := sim.Close(); err != nil {
			logger.Warn("Failed to close similarity client", zap.Error(err))
		}
	})

	rules, err := config.LoadOntologyRules(cfg.RulesPath)
	if err != nil {
		return err
	}
	a.Rules = rules

	dl, err := deadletter.Open(dlCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open dead-letter store: %w", err)
	}
	a.DeadLetters = dl
	a.closers = append(a.closers, func() {
		if err := dl.Close(); err != nil {
			logger.Warn("Failed to close dead-letter store", zap.Error(err))
		}
	})

	a.Scopes = s.scopes
	a.Catalog = services.NewSourceCatalog(s.sources, cfg.Reliability.DefaultScore, logger)
	a.Normalizer = services.NewNormalizer(a.Catalog, rules, logger)
	a.Resolver = services.NewEntityResolver(services.EntityResolverDeps{
		Entities:   s.entities,
		Assertions: s.assertions,
		Edges:      s.edges,
		Similarity: sim,
		Locker:     s.locker,
		Config:     cfg.Resolution,
		Logger:     logger,
	})
	a.Router = services.NewReviewRouter(a.Catalog, cfg.Review, logger)
	a.Evidence = services.NewEvidenceStore(services.EvidenceStoreDeps{
		Assertions:  s.assertions,
		Events:      s.events,
		Edges:       s.edges,
		ReviewTasks: s.reviewTasks,
		Tx:          s.tx,
		Cache:       s.cache,
		Rules:       rules,
		Logger:      logger,
	})
	a.Temporal = services.NewTemporalStateService(s.entities, s.events, s.cache, rules, logger)
	a.Review = services.NewReviewService(services.ReviewServiceDeps{
		ReviewTasks: s.reviewTasks,
		Assertions:  s.assertions,
		Evidence:    a.Evidence,
		Normalizer:  a.Normalizer,
		Resolver:    a.Resolver,
		Catalog:     a.Catalog,
		Tx:          s.tx,
		Config:      cfg.Review,
		Logger:      logger,
	})
	a.Query = services.NewQueryService(s.entities, s.assertions, s.edges, a.Temporal, logger)
	a.Merge = services.NewEntityMergeService(services.EntityMergeServiceDeps{
		Entities:   s.entities,
		Assertions: s.assertions,
		Events:     s.events,
		Edges:      s.edges,
		Locker:     s.locker,
		Tx:         s.tx,
		Cache:      s.cache,
		Logger:     logger,
	})
	a.Ingestion = services.NewIngestionService(services.IngestionDeps{
		Catalog:     a.Catalog,
		Normalizer:  a.Normalizer,
		Resolver:    a.Resolver,
		Router:      a.Router,
		Evidence:    a.Evidence,
		DeadLetters: dl,
		Scopes:      s.scopes,
		Rules:       rules,
		Config:      cfg.Ingestion,
		Logger:      logger,
	})
	a.Reliability = services.NewReliabilityTracker(services.ReliabilityTrackerDeps{
		Sources:    s.sources,
		Assertions: s.assertions,
		Catalog:    a.Catalog,
		Tx:         s.tx,
		Scopes:     s.scopes,
		Config:     cfg.Reliability,
		Logger:     logger,
		Now:        time.Now,
	})
	a.Exporter = services.NewDatasetExporter(services.DatasetExporterDeps{
		Assertions: s.assertions,
		Entities:   s.entities,
		Runs:       s.exportRuns,
		Tx:         s.tx,
		Scopes:     s.scopes,
		Config:     cfg.Export,
		Logger:     logger,
		Now:        time.Now,
	})
	return nil
}

// WarmCatalog loads the source catalog so reliability lookups hit memory.
func (a *App) WarmCatalog(ctx context.Context) error {
	scoped, cleanup, err := a.Scopes.WithScope(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire database connection: %w", err)
	}
	defer cleanup()
	return a.Catalog.Refresh(scoped)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Migrate applies pending schema migrations to the configured database.
func Migrate(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: 2,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	return database.RunMigrations(sqlDB, migrations.FS, logger)
}
