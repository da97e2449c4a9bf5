package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// FingerprintStore persists exercise fingerprints.
type FingerprintStore struct {
	ext sqlx.ExtContext
}

type fingerprintRow struct {
	OwnerID   string `db:"owner_id"`
	Tier      int    `db:"tier"`
	SkillTag  string `db:"skill_tag"`
	Hash      string `db:"hash"`
	CreatedAt int64  `db:"created_at"`
}

func (r fingerprintRow) toDomain() domain.ExerciseFingerprint {
	return domain.ExerciseFingerprint{
		OwnerID:   r.OwnerID,
		Tier:      r.Tier,
		SkillTag:  r.SkillTag,
		Hash:      r.Hash,
		CreatedAt: fromNanos(r.CreatedAt),
	}
}

// Exists reports whether the fingerprint is stored.
func (s *FingerprintStore) Exists(ctx context.Context, ownerID string, tier int, hash string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.ext, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM exercise_fingerprints WHERE owner_id = ? AND tier = ? AND hash = ?
		)`, ownerID, tier, hash)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return exists, nil
}

// Insert stores fp, leaving an existing row untouched.
func (s *FingerprintStore) Insert(ctx context.Context, fp domain.ExerciseFingerprint) (bool, error) {
	result, err := s.ext.ExecContext(ctx, `
		INSERT INTO exercise_fingerprints (owner_id, tier, skill_tag, hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, tier, hash) DO NOTHING`,
		fp.OwnerID, fp.Tier, fp.SkillTag, fp.Hash, toNanos(fp.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert fingerprint rows affected: %w", err)
	}
	return n > 0, nil
}

// Delete removes one fingerprint.
func (s *FingerprintStore) Delete(ctx context.Context, ownerID string, tier int, hash string) (bool, error) {
	n, err := execRows(ctx, s.ext, `
		DELETE FROM exercise_fingerprints WHERE owner_id = ? AND tier = ? AND hash = ?`,
		ownerID, tier, hash)
	if err != nil {
		return false, fmt.Errorf("delete fingerprint: %w", err)
	}
	return n > 0, nil
}

// DeleteOwner removes every fingerprint of ownerID across tiers.
func (s *FingerprintStore) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	n, err := execRows(ctx, s.ext, `DELETE FROM exercise_fingerprints WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete owner fingerprints: %w", err)
	}
	return n, nil
}

// Count returns the number of stored fingerprints in the scope.
func (s *FingerprintStore) Count(ctx context.Context, ownerID string, tier int) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.ext, &n, `
		SELECT COUNT(*) FROM exercise_fingerprints WHERE owner_id = ? AND tier = ?`,
		ownerID, tier)
	if err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}

// CountBySkill returns stored fingerprint counts per skill tag.
func (s *FingerprintStore) CountBySkill(ctx context.Context, ownerID string, tier int) (map[string]int, error) {
	var rows []struct {
		SkillTag string `db:"skill_tag"`
		N        int    `db:"n"`
	}
	err := sqlx.SelectContext(ctx, s.ext, &rows, `
		SELECT skill_tag, COUNT(*) AS n FROM exercise_fingerprints
		WHERE owner_id = ? AND tier = ?
		GROUP BY skill_tag`, ownerID, tier)
	if err != nil {
		return nil, fmt.Errorf("count fingerprints by skill: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.SkillTag] = r.N
	}
	return counts, nil
}

// Recent returns up to limit fingerprints, newest first.
func (s *FingerprintStore) Recent(ctx context.Context, ownerID string, tier int, limit int) ([]domain.ExerciseFingerprint, error) {
	var rows []fingerprintRow
	err := sqlx.SelectContext(ctx, s.ext, &rows, `
		SELECT owner_id, tier, skill_tag, hash, created_at FROM exercise_fingerprints
		WHERE owner_id = ? AND tier = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, ownerID, tier, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent fingerprints: %w", err)
	}

	out := make([]domain.ExerciseFingerprint, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// EvictOldest deletes the oldest fingerprints until at most keep remain.
func (s *FingerprintStore) EvictOldest(ctx context.Context, ownerID string, tier int, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	n, err := execRows(ctx, s.ext, `
		DELETE FROM exercise_fingerprints
		WHERE owner_id = ? AND tier = ? AND id NOT IN (
			SELECT id FROM exercise_fingerprints
			WHERE owner_id = ? AND tier = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`, ownerID, tier, ownerID, tier, keep)
	if err != nil {
		return 0, fmt.Errorf("evict oldest fingerprints: %w", err)
	}
	return n, nil
}

// EvictBefore deletes fingerprints created strictly before cutoff.
func (s *FingerprintStore) EvictBefore(ctx context.Context, ownerID string, tier int, cutoff time.Time) (int64, error) {
	n, err := execRows(ctx, s.ext, `
		DELETE FROM exercise_fingerprints
		WHERE owner_id = ? AND tier = ? AND created_at < ?`,
		ownerID, tier, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("evict aged fingerprints: %w", err)
	}
	return n, nil
}

func execRows(ctx context.Context, ext sqlx.ExtContext, query string, args ...any) (int64, error) {
	result, err := ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
