package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNoScope is returned when a repository is called without a database scope in context.
var ErrNoScope = errors.New("no database scope in context")

// Querier is the subset of pgx shared by pool connections and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Scope carries the connection repositories use for the current unit of work.
// Inside InTx, Conn is the open transaction.
type Scope struct {
	Conn    Querier
	release func()
}

// NewScope wraps conn in a Scope with no cleanup.
func NewScope(conn Querier) *Scope {
	return &Scope{Conn: conn}
}

// Close releases an acquired connection back to the pool.
// This MUST be called for scopes returned by DB.Acquire.
func (s *Scope) Close() {
	if s == nil || s.release == nil {
		return
	}
	s.release()
	s.release = nil
}

type contextKey string

// ScopeKey is the context key for storing the database scope.
const ScopeKey contextKey = "dbScope"

// GetScope retrieves the database scope from context.
// Returns nil and false if not present.
func GetScope(ctx context.Context) (*Scope, bool) {
	scope, ok := ctx.Value(ScopeKey).(*Scope)
	return scope, ok && scope != nil && scope.Conn != nil
}

// SetScope stores the database scope in context.
func SetScope(ctx context.Context, scope *Scope) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// ScopeProvider creates scoped contexts for background work
// (ingestion workers, periodic jobs) that does not pass through HTTP middleware.
type ScopeProvider interface {
	WithScope(ctx context.Context) (context.Context, func(), error)
}

// PoolScopeProvider pins one pooled connection per scope.
type PoolScopeProvider struct {
	db *DB
}

var _ ScopeProvider = (*PoolScopeProvider)(nil)

// NewPoolScopeProvider creates a PoolScopeProvider for the given database.
func NewPoolScopeProvider(db *DB) *PoolScopeProvider {
	return &PoolScopeProvider{db: db}
}

// WithScope returns ctx with an acquired connection installed. Contexts that
// already carry a scope are returned unchanged. The cleanup function must be
// called when the scope is no longer needed.
func (p *PoolScopeProvider) WithScope(ctx context.Context) (context.Context, func(), error) {
	if _, ok := GetScope(ctx); ok {
		return ctx, func() {}, nil
	}
	scope, err := p.db.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return SetScope(ctx, scope), scope.Close, nil
}

// StaticScopeProvider always installs the same Querier. Used with pgxmock
// and test containers.
type StaticScopeProvider struct {
	Conn Querier
}

var _ ScopeProvider = (*StaticScopeProvider)(nil)

func (p *StaticScopeProvider) WithScope(ctx context.Context) (context.Context, func(), error) {
	if _, ok := GetScope(ctx); ok {
		return ctx, func() {}, nil
	}
	return SetScope(ctx, NewScope(p.Conn)), func() {}, nil
}
