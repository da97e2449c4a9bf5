// Package dedup keeps learners from seeing the same exercise or batch twice
// within the retention window.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/fingerprint"
	"github.com/felixgeelhaar/polyglot/internal/retention"
	"github.com/felixgeelhaar/polyglot/internal/storage"
)

// Store is the content fingerprint store. It owns the exercise fingerprint table.
type Store struct {
	uow       storage.UnitOfWork
	retention *retention.Policy
	now       func() time.Time
	inTx      bool
}

// NewStore creates a fingerprint store over uow
func NewStore(uow storage.UnitOfWork, policy *retention.Policy) *Store {
	return &Store{uow: uow, retention: policy, now: time.Now}
}

// WithClock returns a copy of s using now as its time source
func (s *Store) WithClock(now func() time.Time) *Store {
	c := *s
	c.now = now
	return &c
}

// Within returns a copy of s bound to an open transaction
func (s *Store) Within(tx storage.UnitOfWork) *Store {
	c := *s
	c.uow = tx
	c.inTx = true
	return &c
}

// Fingerprint returns the content hash of item
func (s *Store) Fingerprint(item domain.ExerciseItem) string {
	return fingerprint.Item(item)
}

// IsDuplicate reports whether item is in the active window of (owner, tier)
func (s *Store) IsDuplicate(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error) {
	return s.HasHash(ctx, ownerID, tier, fingerprint.Item(item))
}

// HasHash reports whether hash is in the active window of (owner, tier)
func (s *Store) HasHash(ctx context.Context, ownerID string, tier int, hash string) (bool, error) {
	exists, err := s.uow.Fingerprints().Exists(ctx, ownerID, tier, hash)
	if err != nil {
		return false, fmt.Errorf("check duplicate: %w", err)
	}
	return exists, nil
}

// Record idempotently stores the fingerprint of item and enforces the retention caps.
// It reports the hash and whether a new row was written.
func (s *Store) Record(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem, skillTag string) (string, bool, error) {
	hash := fingerprint.Item(item)
	if skillTag == "" {
		skillTag = item.SkillTag
	}

	var inserted bool
	err := s.atomically(ctx, ownerID, func(tx storage.UnitOfWork) error {
		var err error
		inserted, err = s.recordHash(ctx, tx, ownerID, tier, skillTag, hash)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return hash, inserted, nil
}

func (s *Store) recordHash(ctx context.Context, tx storage.UnitOfWork, ownerID string, tier int, skillTag, hash string) (bool, error) {
	inserted, err := tx.Fingerprints().Insert(ctx, domain.ExerciseFingerprint{
		OwnerID:   ownerID,
		Tier:      tier,
		SkillTag:  skillTag,
		Hash:      hash,
		CreatedAt: s.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("record fingerprint: %w", err)
	}
	if inserted && s.retention != nil {
		if err := s.retention.AfterFingerprintWrite(ctx, tx, ownerID, tier); err != nil {
			return false, err
		}
	}
	return inserted, nil
}

// RemoveOne deletes the fingerprint of one known-bad item
func (s *Store) RemoveOne(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error) {
	return s.RemoveHash(ctx, ownerID, tier, fingerprint.Item(item))
}

// RemoveHash deletes one fingerprint by hash
func (s *Store) RemoveHash(ctx context.Context, ownerID string, tier int, hash string) (bool, error) {
	removed, err := s.uow.Fingerprints().Delete(ctx, ownerID, tier, hash)
	if err != nil {
		return false, fmt.Errorf("remove fingerprint: %w", err)
	}
	return removed, nil
}

// ClearAll removes every fingerprint of ownerID across tiers.
// An owner without history is not an error.
func (s *Store) ClearAll(ctx context.Context, ownerID string) (int64, error) {
	var n int64
	err := s.atomically(ctx, ownerID, func(tx storage.UnitOfWork) error {
		var err error
		n, err = tx.Fingerprints().DeleteOwner(ctx, ownerID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear fingerprints: %w", err)
	}
	return n, nil
}

// AvoidList returns the k most recent fingerprint hashes of (owner, tier), newest first
func (s *Store) AvoidList(ctx context.Context, ownerID string, tier, k int) ([]string, error) {
	if k <= 0 {
		return []string{}, nil
	}
	recent, err := s.uow.Fingerprints().Recent(ctx, ownerID, tier, k)
	if err != nil {
		return nil, fmt.Errorf("avoid list: %w", err)
	}
	hashes := make([]string, len(recent))
	for i, fp := range recent {
		hashes[i] = fp.Hash
	}
	return hashes, nil
}

// Coverage returns how many distinct items of each skill are in the active window
func (s *Store) Coverage(ctx context.Context, ownerID string, tier int) (map[string]int, error) {
	counts, err := s.uow.Fingerprints().CountBySkill(ctx, ownerID, tier)
	if err != nil {
		return nil, fmt.Errorf("coverage: %w", err)
	}
	return counts, nil
}

// Count returns the number of fingerprints in the active window
func (s *Store) Count(ctx context.Context, ownerID string, tier int) (int, error) {
	return s.uow.Fingerprints().Count(ctx, ownerID, tier)
}

func (s *Store) atomically(ctx context.Context, ownerID string, fn func(tx storage.UnitOfWork) error) error {
	if s.inTx {
		return fn(s.uow)
	}
	return storage.WithinTx(ctx, s.uow, ownerID, fn)
}
