// Package postgres implements the storage contracts on PostgreSQL via pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felixgeelhaar/polyglot/internal/storage"
)

//go:embed schema.sql
var schema string

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements storage.Store on PostgreSQL
type Store struct {
	pool *pgxpool.Pool
	q    querier
	tx   pgx.Tx
	ctx  context.Context

	// Built with the Store and never reassigned; the root Store is shared across goroutines.
	fingerprints *FingerprintRepository
	sessions     *SessionRepository
	progression  *ProgressionRepository
}

// Open connects to databaseURL and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewStore(pool), nil
}

// NewStore creates a Store over an existing pool
func NewStore(pool *pgxpool.Pool) *Store {
	return newStore(context.Background(), pool, pool, nil)
}

func newStore(ctx context.Context, pool *pgxpool.Pool, q querier, tx pgx.Tx) *Store {
	return &Store{
		pool:         pool,
		q:            q,
		tx:           tx,
		ctx:          ctx,
		fingerprints: &FingerprintRepository{q: q},
		sessions:     &SessionRepository{q: q},
		progression:  &ProgressionRepository{q: q},
	}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Begin starts a transaction holding a transaction-scoped advisory lock on ownerID.
// Transactions of the same owner queue on the lock; other owners proceed in parallel.
func (s *Store) Begin(ctx context.Context, ownerID string) (storage.UnitOfWork, error) {
	if s.tx != nil {
		return nil, errors.New("transaction already in progress")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx for %s: %w", ownerID, err)
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ownerID); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("lock owner %s: %w", ownerID, err)
	}
	return newStore(ctx, s.pool, tx, tx), nil
}

// Commit commits the transaction
func (s *Store) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit(s.ctx)
}

// Rollback rolls back the transaction
func (s *Store) Rollback() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(s.ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// Fingerprints returns the exercise fingerprint repository
func (s *Store) Fingerprints() storage.FingerprintRepository {
	return s.fingerprints
}

// Sessions returns the session fingerprint repository
func (s *Store) Sessions() storage.SessionRepository {
	return s.sessions
}

// Progression returns the progression repository
func (s *Store) Progression() storage.ProgressionRepository {
	return s.progression
}

// Scopes lists every (owner, tier) pair with fingerprint or session history.
func (s *Store) Scopes(ctx context.Context) ([]storage.Scope, error) {
	rows, err := s.q.Query(ctx, `
		SELECT owner_id, tier FROM exercise_fingerprints
		UNION
		SELECT owner_id, tier FROM session_fingerprints
		ORDER BY owner_id, tier`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []storage.Scope
	for rows.Next() {
		var sc storage.Scope
		if err := rows.Scan(&sc.OwnerID, &sc.Tier); err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}
	return scopes, rows.Err()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
