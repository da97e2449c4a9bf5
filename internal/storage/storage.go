// Package storage defines the persistence contracts of the engine.
// Each component owns its tables and reaches them only through its repository.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// Scope identifies the (owner, tier) partition of fingerprint history.
type Scope struct {
	OwnerID string `db:"owner_id" json:"owner_id"`
	Tier    int    `db:"tier" json:"tier"`
}

// UnitOfWork groups repository calls into one transaction.
// The root unit of work (not begun) runs each call on its own; Commit and Rollback are no-ops there.
type UnitOfWork interface {
	// Begin starts a transaction serialized against every other transaction of ownerID.
	Begin(ctx context.Context, ownerID string) (UnitOfWork, error)
	Commit() error
	Rollback() error

	Fingerprints() FingerprintRepository
	Sessions() SessionRepository
	Progression() ProgressionRepository
}

// Store is a UnitOfWork backed by a database connection.
type Store interface {
	UnitOfWork

	// Scopes lists every (owner, tier) pair that holds fingerprint or session history.
	Scopes(ctx context.Context) ([]Scope, error)
	Ping(ctx context.Context) error
	Close() error
}

// FingerprintRepository persists ExerciseFingerprints keyed by (owner, tier, hash).
type FingerprintRepository interface {
	Exists(ctx context.Context, ownerID string, tier int, hash string) (bool, error)
	// Insert stores fp unless it already exists and reports whether a row was added.
	Insert(ctx context.Context, fp domain.ExerciseFingerprint) (bool, error)
	Delete(ctx context.Context, ownerID string, tier int, hash string) (bool, error)
	DeleteOwner(ctx context.Context, ownerID string) (int64, error)
	Count(ctx context.Context, ownerID string, tier int) (int, error)
	CountBySkill(ctx context.Context, ownerID string, tier int) (map[string]int, error)
	// Recent returns up to limit fingerprints, newest first.
	Recent(ctx context.Context, ownerID string, tier int, limit int) ([]domain.ExerciseFingerprint, error)
	// EvictOldest deletes the oldest fingerprints until at most keep remain.
	EvictOldest(ctx context.Context, ownerID string, tier int, keep int) (int64, error)
	// EvictBefore deletes fingerprints created strictly before cutoff.
	EvictBefore(ctx context.Context, ownerID string, tier int, cutoff time.Time) (int64, error)
}

// SessionRepository persists SessionFingerprints keyed by (owner, tier, session hash).
type SessionRepository interface {
	Exists(ctx context.Context, ownerID string, tier int, sessionHash string) (bool, error)
	Insert(ctx context.Context, sf domain.SessionFingerprint) (bool, error)
	Recent(ctx context.Context, ownerID string, tier int, limit int) ([]domain.SessionFingerprint, error)
	EvictOldest(ctx context.Context, ownerID string, tier int, keep int) (int64, error)
	EvictBefore(ctx context.Context, ownerID string, tier int, cutoff time.Time) (int64, error)
	DeleteOwner(ctx context.Context, ownerID string) (int64, error)
}

// ProgressionRepository persists progression state, tier ledgers, mastery records and
// the applied-session set used to detect replays.
type ProgressionRepository interface {
	// Get returns domain.ErrNotFound when the owner has no state yet.
	Get(ctx context.Context, ownerID string) (*domain.UserProgressionState, error)
	// Save writes state and its ledgers if the stored version equals expectedVersion
	// (0 for a new owner). On success state.Version is incremented. A mismatch returns domain.ErrConflict.
	Save(ctx context.Context, state *domain.UserProgressionState, expectedVersion int64) error

	Mastery(ctx context.Context, ownerID string, tier int) ([]domain.SkillMasteryRecord, error)
	SaveMastery(ctx context.Context, rec domain.SkillMasteryRecord) error

	// AppliedSession returns nil when sessionID was never applied for ownerID.
	AppliedSession(ctx context.Context, ownerID, sessionID string) (*domain.AppliedSession, error)
	MarkApplied(ctx context.Context, applied domain.AppliedSession) error
	PruneApplied(ctx context.Context, before time.Time) (int64, error)
}

// WithinTx runs fn in a transaction for ownerID, committing on success.
func WithinTx(ctx context.Context, uow UnitOfWork, ownerID string, fn func(tx UnitOfWork) error) (err error) {
	tx, err := uow.Begin(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				slog.Warn("rollback failed", "owner", ownerID, "error", rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
