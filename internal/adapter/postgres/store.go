package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/textualy/autoreply/internal/port/database"
)

// TokenSealer seals OAuth tokens before they reach the database.
type TokenSealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	sealer TokenSealer
}

var _ database.Store = (*Store)(nil)

// NewStore creates a new Store backed by the given connection pool.
// Tokens are sealed with sealer before they are written.
func NewStore(pool *pgxpool.Pool, sealer TokenSealer) *Store {
	return &Store{pool: pool, sealer: sealer}
}

// Ping checks database connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
