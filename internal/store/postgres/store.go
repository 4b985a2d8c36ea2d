package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/convoxa/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [store.Store]. It holds a single
// [pgxpool.Pool] shared by all concerns. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pool against dsn, wires pgvector type support into every
// pooled connection and brings the schema up to date via [Migrate].
//
// embeddingDimensions must agree with the embedding model producing the
// transcript-chunk vectors (1536 for OpenAI text-embedding-3-small).
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	// Without the registered types, scanning vector columns into
	// pgvector.Vector fails at query time.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Pool exposes the underlying connection pool for health probes.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close drains the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// emptyStringSlice returns s if non-nil, otherwise an empty non-nil slice so
// JSON marshalling produces "[]" instead of "null".
func emptyStringSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// emptyStringMap returns m if non-nil, otherwise an empty non-nil map so JSON
// marshalling produces "{}" instead of "null".
func emptyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// isDuplicateKeyError matches unique-violation errors (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
