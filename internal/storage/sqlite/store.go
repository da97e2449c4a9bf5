package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/felixgeelhaar/polyglot/internal/storage"
)

// Store implements storage.Store on SQLite.
type Store struct {
	db  *DB
	ext sqlx.ExtContext
	tx  *sqlx.Tx

	// Built with the Store and never reassigned; the root Store is shared across goroutines.
	fingerprints *FingerprintStore
	sessions     *SessionStore
	progression  *ProgressionStore
}

// NewStore creates a Store over an opened and migrated database.
func NewStore(db *DB) *Store {
	return newStore(db, db.DB, nil)
}

func newStore(db *DB, ext sqlx.ExtContext, tx *sqlx.Tx) *Store {
	return &Store{
		db:           db,
		ext:          ext,
		tx:           tx,
		fingerprints: &FingerprintStore{ext: ext},
		sessions:     &SessionStore{ext: ext},
		progression:  &ProgressionStore{ext: ext},
	}
}

// Begin starts a transaction. The single connection serializes it against
// every other transaction, so per-owner isolation holds for all owners at once.
func (s *Store) Begin(ctx context.Context, ownerID string) (storage.UnitOfWork, error) {
	if s.tx != nil {
		return nil, errors.New("transaction already in progress")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx for %s: %w", ownerID, err)
	}
	return newStore(s.db, tx, tx), nil
}

// Commit commits the transaction
func (s *Store) Commit() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Commit()
}

// Rollback rolls back the transaction
func (s *Store) Rollback() error {
	if s.tx == nil {
		return nil
	}
	return s.tx.Rollback()
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
	var scopes []storage.Scope
	err := sqlx.SelectContext(ctx, s.ext, &scopes, `
		SELECT owner_id, tier FROM exercise_fingerprints
		UNION
		SELECT owner_id, tier FROM session_fingerprints
		ORDER BY owner_id, tier`)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	return scopes, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func marshalStrings(s []string) (string, error) {
	if s == nil {
		s = []string{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	out := []string{}
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, err
	}
	return out, nil
}
