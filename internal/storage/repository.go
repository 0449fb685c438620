// Package storage is the loader contract: fact and lookup models, the
// declarative table schema, and a registry of SQL backends.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Config is the minimal configuration needed to open a Repository.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the backend-agnostic loader contract.
//
// Each backend implements these semantics in its own idiomatic way
// (Postgres ON CONFLICT, SQLite OR IGNORE, MySQL ON DUPLICATE KEY, SQL Server MERGE).
// Every statement commits on its own; there is no cross-statement transaction.
type Repository interface {
	// Close releases backend resources. Call once at process shutdown.
	Close()

	// EnsureTables creates tables and constraints that do not exist yet.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// UpsertMovies inserts movies or overwrites name/open date on conflict.
	UpsertMovies(ctx context.Context, movies []MovieFact) (int64, error)

	// UpsertBoxOffice inserts daily facts or overwrites the counters on conflict.
	UpsertBoxOffice(ctx context.Context, facts []BoxOfficeFact) (int64, error)

	// UpsertMovieDetails inserts details or, on conflict, replaces only the
	// columns whose incoming value is non-NULL (fill-if-null).
	UpsertMovieDetails(ctx context.Context, details []MovieDetailFact) (int64, error)

	// Categorical lookups. Names match exactly: no trimming, no case folding.
	LookupEntity(ctx context.Context, class EntityClass, name string) (int64, bool, error)
	InsertEntity(ctx context.Context, class EntityClass, name string) (int64, error)
	SelectAllEntities(ctx context.Context, class EntityClass) (map[string]int64, error)

	// Junction rows. InsertLink reports whether a row was created; inserting
	// an existing pair is a no-op.
	LinkExists(ctx context.Context, class EntityClass, movieCode string, entityID int64) (bool, error)
	InsertLink(ctx context.Context, class EntityClass, movieCode string, entityID int64) (bool, error)
}

// Factory opens a Repository for a backend kind.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New constructs a Repository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %s)", cfg.Kind, strings.Join(Kinds(), ", "))
	}
	return f(ctx, cfg)
}
