// Package testhelpers starts the PostgreSQL container used by integration tests.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver for migrations
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-threatgraph/migrations"
	"github.com/ekaya-inc/ekaya-threatgraph/pkg/database"
)

// PostgresImage is the stock image the knowledge base schema is migrated into.
const PostgresImage = "postgres:17-alpine"

// KBTables lists every knowledge base table, children first.
var KBTables = []string{
	"kb_export_runs",
	"kb_edges",
	"kb_review_tasks",
	"kb_event_participants",
	"kb_events",
	"kb_assertions",
	"kb_entity_aliases",
	"kb_entities",
	"kb_sources",
}

// KBDB is a migrated knowledge base in a shared container.
type KBDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
}

var (
	sharedKBDB     *KBDB
	sharedKBDBOnce sync.Once
	sharedKBDBErr  error
)

// GetKBDB returns the shared knowledge base database, starting the
// container and applying migrations on first use.
func GetKBDB(t *testing.T) *KBDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedKBDBOnce.Do(func() {
		sharedKBDB, sharedKBDBErr = setupKBDB()
	})

	if sharedKBDBErr != nil {
		t.Fatalf("Failed to setup knowledge base database: %v", sharedKBDBErr)
	}

	return sharedKBDB
}

func setupKBDB() (*KBDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "threatgraph_test",
			"POSTGRES_USER":     "ekaya",
			"POSTGRES_PASSWORD": "test_password",
		},
		// The server restarts once after initdb, so wait for the second message.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://ekaya:test_password@%s:%s/threatgraph_test?sslmode=disable",
		host, port.Port())

	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, migrations.FS, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 10,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to knowledge base: %w", err)
	}

	return &KBDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
	}, nil
}

// Truncate empties every knowledge base table. Call it at the start of a
// test that needs a clean store.
func (k *KBDB) Truncate(t *testing.T) {
	t.Helper()
	_, err := k.DB.Exec(context.Background(),
		"TRUNCATE "+strings.Join(KBTables, ", ")+" RESTART IDENTITY CASCADE")
	if err != nil {
		t.Fatalf("Failed to truncate knowledge base tables: %v", err)
	}
}

// Scoped returns a context carrying a connection scope from the shared pool.
func (k *KBDB) Scoped(t *testing.T) context.Context {
	t.Helper()
	scope, err := k.DB.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Failed to acquire connection: %v", err)
	}
	t.Cleanup(scope.Close)
	return database.SetScope(context.Background(), scope)
}
