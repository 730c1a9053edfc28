package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/ekaya-inc/ekaya-threatgraph/pkg/models"
)

// Config holds all configuration for ekaya-threatgraph.
// Configuration comes from a YAML file with environment variable overrides.
// Secrets (passwords, keys) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// RulesPath points at the ontology rules file. Built-in rules are used if empty.
	RulesPath string `yaml:"rules_path" env:"THREATGRAPH_RULES_PATH" env-default:""`

	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Logging     LoggingConfig     `yaml:"logging"`
	Auth        AuthConfig        `yaml:"auth"`
	Ingestion   IngestionConfig   `yaml:"ingestion"`
	Resolution  ResolutionConfig  `yaml:"resolution"`
	Review      ReviewConfig      `yaml:"review"`
	Reliability ReliabilityConfig `yaml:"reliability"`
	Similarity  SimilarityConfig  `yaml:"similarity"`
	Temporal    TemporalConfig    `yaml:"temporal"`
	DeadLetter  DeadLetterConfig  `yaml:"dead_letter"`
	Export      ExportConfig      `yaml:"export"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_threatgraph"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	// StatementTimeout is applied server-side to every session. 0 leaves the server default.
	StatementTimeout time.Duration `yaml:"statement_timeout" env:"PG_STATEMENT_TIMEOUT" env-default:"30s"`
}

// RedisConfig holds Redis configuration for the shared state cache.
// Host empty means Redis is not used.
type RedisConfig struct {
	Host      string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port      int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password  string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB        int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"threatgraph"`
}

// LoggingConfig controls the zap logger and optional file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format     string `yaml:"format" env:"LOG_FORMAT" env-default:"json"` // json or console
	File       string `yaml:"file" env:"LOG_FILE" env-default:""`         // empty logs to stderr only
	MaxSizeMB  int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB" env-default:"100"`
	MaxBackups int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS" env-default:"5"`
	MaxAgeDays int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS" env-default:"30"`
	Compress   bool   `yaml:"compress" env:"LOG_COMPRESS" env-default:"true"`
}

// AuthConfig holds reviewer authentication configuration.
type AuthConfig struct {
	// EnableVerification controls whether reviewer JWTs are validated.
	// Set to false for local development.
	EnableVerification bool   `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`
	JWTSecret          string `yaml:"-" env:"REVIEW_JWT_SECRET"` // Secret - not in YAML
	Issuer             string `yaml:"issuer" env:"AUTH_ISSUER" env-default:"ekaya-threatgraph"`
}

// IngestionConfig controls the worker pool and its per-fact bounds.
type IngestionConfig struct {
	Workers           int           `yaml:"workers" env:"INGEST_WORKERS" env-default:"8"`
	ResolveTimeout    time.Duration `yaml:"resolve_timeout" env:"INGEST_RESOLVE_TIMEOUT" env-default:"10s"`
	CommitTimeout     time.Duration `yaml:"commit_timeout" env:"INGEST_COMMIT_TIMEOUT" env-default:"5s"`
	MaxRetries        int           `yaml:"max_retries" env:"INGEST_MAX_RETRIES" env-default:"3"`
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"INGEST_RETRY_INITIAL_DELAY" env-default:"100ms"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"INGEST_RETRY_MAX_DELAY" env-default:"5s"`
	// RecordsPerSecond throttles dispatch across workers. 0 disables throttling.
	RecordsPerSecond float64 `yaml:"records_per_second" env:"INGEST_RECORDS_PER_SECOND" env-default:"0"`
	MaxBatchRecords  int     `yaml:"max_batch_records" env:"INGEST_MAX_BATCH_RECORDS" env-default:"50000"`
}

// ResolutionConfig tunes the entity resolver.
type ResolutionConfig struct {
	AcceptThreshold    float64 `yaml:"accept_threshold" env:"RESOLVE_ACCEPT_THRESHOLD" env-default:"0.75"`
	NearTieEpsilon     float64 `yaml:"near_tie_epsilon" env:"RESOLVE_NEAR_TIE_EPSILON" env-default:"0.02"`
	ShortlistSize      int     `yaml:"shortlist_size" env:"RESOLVE_SHORTLIST_SIZE" env-default:"10"`
	ReliabilityWeight  float64 `yaml:"reliability_weight" env:"RESOLVE_RELIABILITY_WEIGHT" env-default:"0.2"`
	CoOccurrenceWeight float64 `yaml:"co_occurrence_weight" env:"RESOLVE_CO_OCCURRENCE_WEIGHT" env-default:"0.15"`
}

// ReviewConfig tunes the review router and queue.
type ReviewConfig struct {
	BaseThreshold         float64 `yaml:"base_threshold" env:"REVIEW_BASE_THRESHOLD" env-default:"0.85"`
	ReliabilityAdjustment float64 `yaml:"reliability_adjustment" env:"REVIEW_RELIABILITY_ADJUSTMENT" env-default:"0.1"`
	MinThreshold          float64 `yaml:"min_threshold" env:"REVIEW_MIN_THRESHOLD" env-default:"0.5"`
	MaxThreshold          float64 `yaml:"max_threshold" env:"REVIEW_MAX_THRESHOLD" env-default:"0.99"`
	DefaultPageSize       int     `yaml:"default_page_size" env:"REVIEW_DEFAULT_PAGE_SIZE" env-default:"50"`
	MaxPageSize           int     `yaml:"max_page_size" env:"REVIEW_MAX_PAGE_SIZE" env-default:"200"`
	// CommitTimeout bounds the transaction recording a decision, and with it
	// the lag between a decision's resolved_at and its commit.
	CommitTimeout time.Duration `yaml:"commit_timeout" env:"REVIEW_COMMIT_TIMEOUT" env-default:"30s"`
}

// ReliabilityConfig tunes the source reliability tracker.
type ReliabilityConfig struct {
	// DecayLambda is the per-day exponential decay constant.
	DecayLambda  float64 `yaml:"decay_lambda" env:"RELIABILITY_DECAY_LAMBDA" env-default:"0.01"`
	DefaultScore float64 `yaml:"default_score" env:"RELIABILITY_DEFAULT_SCORE" env-default:"0.5"`
	MinEvidence  int     `yaml:"min_evidence" env:"RELIABILITY_MIN_EVIDENCE" env-default:"1"`
	// PriorWeight is the weight of a pseudo-outcome at DefaultScore mixed into
	// every source, so sparse or stale evidence stays near neutral. 0 disables it.
	PriorWeight       float64       `yaml:"prior_weight" env:"RELIABILITY_PRIOR_WEIGHT" env-default:"1"`
	RecomputeInterval time.Duration `yaml:"recompute_interval" env:"RELIABILITY_RECOMPUTE_INTERVAL" env-default:"15m"`
}

// SimilarityConfig selects and configures the similarity service client.
type SimilarityConfig struct {
	// Provider is one of: none, openai, http.
	Provider          string        `yaml:"provider" env:"SIMILARITY_PROVIDER" env-default:"none"`
	BaseURL           string        `yaml:"base_url" env:"SIMILARITY_BASE_URL" env-default:""`
	Model             string        `yaml:"model" env:"SIMILARITY_MODEL" env-default:"text-embedding-3-small"`
	APIKey            string        `yaml:"-" env:"SIMILARITY_API_KEY"` // Secret - not in YAML
	Timeout           time.Duration `yaml:"timeout" env:"SIMILARITY_TIMEOUT" env-default:"3s"`
	TopK              int           `yaml:"top_k" env:"SIMILARITY_TOP_K" env-default:"10"`
	MinScore          float64       `yaml:"min_score" env:"SIMILARITY_MIN_SCORE" env-default:"0.5"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"SIMILARITY_REQUESTS_PER_SECOND" env-default:"10"`
	IndexPath         string        `yaml:"index_path" env:"SIMILARITY_INDEX_PATH" env-default:"./data/vectors"`
	// Consecutive lookup failures before lookups fail fast, and how long they do.
	BreakerThreshold  int           `yaml:"breaker_threshold" env:"SIMILARITY_BREAKER_THRESHOLD" env-default:"5"`
	BreakerResetAfter time.Duration `yaml:"breaker_reset_after" env:"SIMILARITY_BREAKER_RESET_AFTER" env-default:"30s"`
}

// TemporalConfig configures the derived-state cache.
type TemporalConfig struct {
	// CacheBackend is memory or redis.
	CacheBackend        string        `yaml:"cache_backend" env:"STATE_CACHE_BACKEND" env-default:"memory"`
	CacheTTL            time.Duration `yaml:"cache_ttl" env:"STATE_CACHE_TTL" env-default:"1h"`
	MaxEntriesPerEntity int           `yaml:"max_entries_per_entity" env:"STATE_CACHE_MAX_ENTRIES_PER_ENTITY" env-default:"256"`
}

// DeadLetterConfig configures where exhausted items are parked.
type DeadLetterConfig struct {
	Dir      string `yaml:"dir" env:"DEAD_LETTER_DIR" env-default:"./data/deadletter"`
	InMemory bool   `yaml:"in_memory" env:"DEAD_LETTER_IN_MEMORY" env-default:"false"`
}

// ExportConfig configures the corrected-dataset exporter.
type ExportConfig struct {
	Dir    string `yaml:"dir" env:"EXPORT_DIR" env-default:"./exports"`
	Format string `yaml:"format" env:"EXPORT_FORMAT" env-default:"jsonl"` // jsonl or sqlite
	// Interval of the periodic export job. 0 disables it.
	Interval time.Duration `yaml:"interval" env:"EXPORT_INTERVAL" env-default:"0s"`
	// SettleWindow holds a run's upper bound this far behind its start so
	// reviews still committing are picked up by the next run. Must exceed
	// review.commit_timeout.
	SettleWindow time.Duration `yaml:"settle_window" env:"EXPORT_SETTLE_WINDOW" env-default:"2m"`
}

// Load reads configuration from path with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
// A missing file is an error; use LoadEnv for environment-only configuration.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadEnv builds configuration from environment variables and defaults only.
func LoadEnv(version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks ranges that cleanenv cannot express.
func (c *Config) Validate() error {
	var errs []error

	unit := func(name string, v float64) {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, v))
		}
	}
	unit("resolution.accept_threshold", c.Resolution.AcceptThreshold)
	unit("resolution.reliability_weight", c.Resolution.ReliabilityWeight)
	unit("resolution.co_occurrence_weight", c.Resolution.CoOccurrenceWeight)
	unit("review.base_threshold", c.Review.BaseThreshold)
	unit("review.min_threshold", c.Review.MinThreshold)
	unit("review.max_threshold", c.Review.MaxThreshold)
	unit("reliability.default_score", c.Reliability.DefaultScore)

	if c.Review.MinThreshold > c.Review.MaxThreshold {
		errs = append(errs, fmt.Errorf("review.min_threshold (%v) exceeds review.max_threshold (%v)", c.Review.MinThreshold, c.Review.MaxThreshold))
	}
	if c.Resolution.NearTieEpsilon < 0 {
		errs = append(errs, fmt.Errorf("resolution.near_tie_epsilon must be >= 0"))
	}
	if c.Resolution.ShortlistSize <= 0 {
		errs = append(errs, fmt.Errorf("resolution.shortlist_size must be positive"))
	}
	if c.Reliability.DecayLambda < 0 {
		errs = append(errs, fmt.Errorf("reliability.decay_lambda must be >= 0"))
	}
	if c.Reliability.PriorWeight < 0 {
		errs = append(errs, fmt.Errorf("reliability.prior_weight must be >= 0"))
	}
	if c.Ingestion.Workers <= 0 {
		errs = append(errs, fmt.Errorf("ingestion.workers must be positive"))
	}
	if c.Ingestion.ResolveTimeout <= 0 || c.Ingestion.CommitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ingestion timeouts must be positive"))
	}
	switch c.Similarity.Provider {
	case "none", "openai", "http":
	default:
		errs = append(errs, fmt.Errorf("similarity.provider %q is not one of none, openai, http", c.Similarity.Provider))
	}
	switch c.Temporal.CacheBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("temporal.cache_backend %q is not one of memory, redis", c.Temporal.CacheBackend))
	}
	if c.Temporal.CacheBackend == "redis" && c.Redis.Host == "" {
		errs = append(errs, fmt.Errorf("temporal.cache_backend redis requires redis.host"))
	}
	if c.Export.SettleWindow < 0 || c.Review.CommitTimeout < 0 {
		errs = append(errs, fmt.Errorf("export.settle_window and review.commit_timeout must be >= 0"))
	} else if c.Review.CommitTimeout > 0 && c.Export.SettleWindow <= c.Review.CommitTimeout {
		errs = append(errs, fmt.Errorf("export.settle_window (%v) must exceed review.commit_timeout (%v)", c.Export.SettleWindow, c.Review.CommitTimeout))
	}
	switch c.Export.Format {
	case "jsonl", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("export.format %q is not one of jsonl, sqlite", c.Export.Format))
	}

	return errors.Join(errs...)
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LoadOntologyRules reads the rules file at path. An empty path returns the
// built-in rules. Sections omitted from the file keep their built-in values.
func LoadOntologyRules(path string) (*models.OntologyRules, error) {
	rules := models.DefaultOntologyRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var fromFile models.OntologyRules
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}

	if len(fromFile.RelationshipPredicates) > 0 {
		rules.RelationshipPredicates = fromFile.RelationshipPredicates
	}
	if len(fromFile.EventPredicates) > 0 {
		rules.EventPredicates = fromFile.EventPredicates
	}
	if len(fromFile.StateRules) > 0 {
		rules.StateRules = fromFile.StateRules
	}
	if fromFile.DefaultState != "" {
		rules.DefaultState = fromFile.DefaultState
	}

	for eventType := range rules.StateRules {
		if eventType == "" {
			return nil, fmt.Errorf("rules file %s: empty event type in state_rules", path)
		}
	}

	return rules, nil
}
