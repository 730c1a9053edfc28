package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/config"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/deadletter"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/repositories/memory"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/similarity"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/statecache"
)

// testKB wires every service over the in-memory store, the way the CLI's
// dry-run mode does.
type testKB struct {
	store       *memory.Store
	repos       memory.Repositories
	cfg         *config.Config
	rules       *models.OntologyRules
	cache       *statecache.MemoryCache
	catalog     SourceCatalog
	normalizer  Normalizer
	resolver    EntityResolver
	router      ReviewRouter
	evidence    EvidenceStore
	temporal    TemporalStateService
	review      ReviewService
	query       QueryService
	merge       EntityMergeService
	deadLetters deadletter.Store
	ingestion   IngestionService
}

type testKBOption func(*testKBOptions)

type testKBOptions struct {
	resolverWrap func(EntityResolver) EntityResolver
	evidenceWrap func(EvidenceStore) EvidenceStore
	similarity   similarity.Service
	ingestion    func(*config.IngestionConfig)
}

func withResolver(wrap func(EntityResolver) EntityResolver) testKBOption {
	return func(o *testKBOptions) { o.resolverWrap = wrap }
}

func withEvidence(wrap func(EvidenceStore) EvidenceStore) testKBOption {
	return func(o *testKBOptions) { o.evidenceWrap = wrap }
}

func withSimilarity(s similarity.Service) testKBOption {
	return func(o *testKBOptions) { o.similarity = s }
}

func withIngestionConfig(fn func(*config.IngestionConfig)) testKBOption {
	return func(o *testKBOptions) { o.ingestion = fn }
}

func testConfig() *config.Config {
	return &config.Config{
		Ingestion: config.IngestionConfig{
			Workers:           4,
			ResolveTimeout:    2 * time.Second,
			CommitTimeout:     2 * time.Second,
			MaxRetries:        2,
			RetryInitialDelay: time.Millisecond,
			RetryMaxDelay:     5 * time.Millisecond,
			MaxBatchRecords:   1000,
		},
		Resolution: config.ResolutionConfig{
			AcceptThreshold:    0.75,
			NearTieEpsilon:     0.02,
			ShortlistSize:      10,
			ReliabilityWeight:  0.2,
			CoOccurrenceWeight: 0.15,
		},
		Review: config.ReviewConfig{
			BaseThreshold:         0.85,
			ReliabilityAdjustment: 0.1,
			MinThreshold:          0.5,
			MaxThreshold:          0.99,
			DefaultPageSize:       50,
			MaxPageSize:           200,
		},
		Reliability: config.ReliabilityConfig{
			DecayLambda:  0.01,
			DefaultScore: 0.5,
			MinEvidence:  1,
			PriorWeight:  1,
		},
		Temporal: config.TemporalConfig{
			CacheBackend:        "memory",
			CacheTTL:            time.Hour,
			MaxEntriesPerEntity: 64,
		},
		DeadLetter: config.DeadLetterConfig{InMemory: true},
	}
}

func newTestKB(t *testing.T, opts ...testKBOption) *testKB {
	t.Helper()
	var o testKBOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := zap.NewNop()
	cfg := testConfig()
	if o.ingestion != nil {
		o.ingestion(&cfg.Ingestion)
	}
	store := memory.NewStore()
	repos := store.Repositories()
	rules := models.DefaultOntologyRules()
	cache := statecache.NewMemoryCache(cfg.Temporal.CacheTTL, cfg.Temporal.MaxEntriesPerEntity)
	tx := database.PassthroughTxRunner{}
	locker := database.NewLocalLocker()

	kb := &testKB{store: store, repos: repos, cfg: cfg, rules: rules, cache: cache}
	kb.catalog = NewSourceCatalog(repos.Sources, cfg.Reliability.DefaultScore, logger)
	kb.normalizer = NewNormalizer(kb.catalog, rules, logger)
	kb.resolver = NewEntityResolver(EntityResolverDeps{
		Entities:   repos.Entities,
		Assertions: repos.Assertions,
		Edges:      repos.Edges,
		Similarity: o.similarity,
		Locker:     locker,
		Config:     cfg.Resolution,
		Logger:     logger,
	})
	if o.resolverWrap != nil {
		kb.resolver = o.resolverWrap(kb.resolver)
	}
	kb.router = NewReviewRouter(kb.catalog, cfg.Review, logger)
	kb.evidence = NewEvidenceStore(EvidenceStoreDeps{
		Assertions:  repos.Assertions,
		Events:      repos.Events,
		Edges:       repos.Edges,
		ReviewTasks: repos.ReviewTasks,
		Tx:          tx,
		Cache:       cache,
		Rules:       rules,
		Logger:      logger,
	})
	if o.evidenceWrap != nil {
		kb.evidence = o.evidenceWrap(kb.evidence)
	}
	kb.temporal = NewTemporalStateService(repos.Entities, repos.Events, cache, rules, logger)
	kb.review = NewReviewService(ReviewServiceDeps{
		ReviewTasks: repos.ReviewTasks,
		Assertions:  repos.Assertions,
		Evidence:    kb.evidence,
		Normalizer:  kb.normalizer,
		Resolver:    kb.resolver,
		Catalog:     kb.catalog,
		Tx:          tx,
		Config:      cfg.Review,
		Logger:      logger,
	})
	kb.query = NewQueryService(repos.Entities, repos.Assertions, repos.Edges, kb.temporal, logger)
	kb.merge = NewEntityMergeService(EntityMergeServiceDeps{
		Entities:   repos.Entities,
		Assertions: repos.Assertions,
		Events:     repos.Events,
		Edges:      repos.Edges,
		Locker:     locker,
		Tx:         tx,
		Cache:      cache,
		Logger:     logger,
	})

	dl, err := deadletter.Open(&cfg.DeadLetter, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dl.Close() })
	kb.deadLetters = dl

	kb.ingestion = NewIngestionService(IngestionDeps{
		Catalog:     kb.catalog,
		Normalizer:  kb.normalizer,
		Resolver:    kb.resolver,
		Router:      kb.router,
		Evidence:    kb.evidence,
		DeadLetters: dl,
		Scopes:      memory.NopScopeProvider{},
		Rules:       rules,
		Config:      cfg.Ingestion,
		Logger:      logger,
	})
	return kb
}

func (kb *testKB) declare(t *testing.T, kind string, ids ...string) {
	t.Helper()
	decls := make([]models.SourceDeclaration, len(ids))
	for i, id := range ids {
		decls[i] = models.SourceDeclaration{ID: id, Kind: kind}
	}
	require.NoError(t, kb.catalog.EnsureSources(context.Background(), decls))
}

func (kb *testKB) ingest(t *testing.T, records ...models.RawRecord) *models.IngestionSummary {
	t.Helper()
	summary, err := kb.ingestion.IngestBatch(context.Background(), &models.IngestionBatch{Records: records})
	require.NoError(t, err)
	return summary
}

// entityNamed returns the single unmerged entity with the given name.
func (kb *testKB) entityNamed(t *testing.T, name string) *models.Entity {
	t.Helper()
	found, err := kb.repos.Entities.FindByName(context.Background(), models.NormalizeName(name))
	require.NoError(t, err)
	require.Len(t, found, 1, "entities named %q", name)
	return found[0]
}

// fact builds a wire record. A nil confidence is omitted.
func fact(source, subject, predicate, object string, confidence any) models.RawRecord {
	rec := models.RawRecord{
		SourceID:  source,
		Subject:   rawJSON(subject),
		Predicate: predicate,
		Object:    rawJSON(object),
	}
	if confidence != nil {
		rec.Confidence = rawJSON(confidence)
	}
	return rec
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// flakyResolver fails the first failures calls with a retryable error.
type flakyResolver struct {
	EntityResolver
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (f *flakyResolver) Resolve(ctx context.Context, d models.Descriptor, rc ResolveContext) (*Resolution, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures < 0 || f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return nil, f.err
	}
	return f.EntityResolver.Resolve(ctx, d, rc)
}

// blockingResolver parks every call until released or ctx is done.
type blockingResolver struct {
	EntityResolver
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

func (b *blockingResolver) Resolve(ctx context.Context, d models.Descriptor, rc ResolveContext) (*Resolution, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.release:
	}
	return b.EntityResolver.Resolve(ctx, d, rc)
}

// staticSimilarity returns fixed matches for every lookup.
type staticSimilarity struct {
	matches []similarity.Match
}

func (s *staticSimilarity) Nearest(context.Context, string, int) ([]similarity.Match, error) {
	return s.matches, nil
}

func (s *staticSimilarity) Index(context.Context, uuid.UUID, string) error { return nil }

func (s *staticSimilarity) Close() error { return nil }
