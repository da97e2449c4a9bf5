package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// FingerprintRepository persists exercise fingerprints
type FingerprintRepository struct {
	q querier
}

// Exists reports whether the fingerprint is stored
func (r *FingerprintRepository) Exists(ctx context.Context, ownerID string, tier int, hash string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM exercise_fingerprints WHERE owner_id = $1 AND tier = $2 AND hash = $3
		)`, ownerID, tier, hash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return exists, nil
}

// Insert stores fp, leaving an existing row untouched
func (r *FingerprintRepository) Insert(ctx context.Context, fp domain.ExerciseFingerprint) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		INSERT INTO exercise_fingerprints (owner_id, tier, skill_tag, hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, tier, hash) DO NOTHING`,
		fp.OwnerID, fp.Tier, fp.SkillTag, fp.Hash, fp.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Delete removes one fingerprint
func (r *FingerprintRepository) Delete(ctx context.Context, ownerID string, tier int, hash string) (bool, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM exercise_fingerprints WHERE owner_id = $1 AND tier = $2 AND hash = $3`,
		ownerID, tier, hash)
	if err != nil {
		return false, fmt.Errorf("delete fingerprint: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteOwner removes every fingerprint of ownerID
func (r *FingerprintRepository) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM exercise_fingerprints WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete owner fingerprints: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of fingerprints in the scope
func (r *FingerprintRepository) Count(ctx context.Context, ownerID string, tier int) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM exercise_fingerprints WHERE owner_id = $1 AND tier = $2`,
		ownerID, tier).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}

// CountBySkill returns fingerprint counts per skill tag
func (r *FingerprintRepository) CountBySkill(ctx context.Context, ownerID string, tier int) (map[string]int, error) {
	rows, err := r.q.Query(ctx, `
		SELECT skill_tag, COUNT(*) FROM exercise_fingerprints
		WHERE owner_id = $1 AND tier = $2
		GROUP BY skill_tag`, ownerID, tier)
	if err != nil {
		return nil, fmt.Errorf("count fingerprints by skill: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			skill string
			n     int
		)
		if err := rows.Scan(&skill, &n); err != nil {
			return nil, err
		}
		counts[skill] = n
	}
	return counts, rows.Err()
}

// Recent returns up to limit fingerprints, newest first
func (r *FingerprintRepository) Recent(ctx context.Context, ownerID string, tier int, limit int) ([]domain.ExerciseFingerprint, error) {
	rows, err := r.q.Query(ctx, `
		SELECT owner_id, tier, skill_tag, hash, created_at FROM exercise_fingerprints
		WHERE owner_id = $1 AND tier = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, ownerID, tier, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent fingerprints: %w", err)
	}
	defer rows.Close()

	var out []domain.ExerciseFingerprint
	for rows.Next() {
		var f domain.ExerciseFingerprint
		if err := rows.Scan(&f.OwnerID, &f.Tier, &f.SkillTag, &f.Hash, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.CreatedAt = f.CreatedAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}

// EvictOldest deletes the oldest fingerprints until at most keep remain
func (r *FingerprintRepository) EvictOldest(ctx context.Context, ownerID string, tier int, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tag, err := r.q.Exec(ctx, `
		DELETE FROM exercise_fingerprints
		WHERE owner_id = $1 AND tier = $2 AND id NOT IN (
			SELECT id FROM exercise_fingerprints
			WHERE owner_id = $1 AND tier = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		)`, ownerID, tier, keep)
	if err != nil {
		return 0, fmt.Errorf("evict oldest fingerprints: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EvictBefore deletes fingerprints created strictly before cutoff
func (r *FingerprintRepository) EvictBefore(ctx context.Context, ownerID string, tier int, cutoff time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM exercise_fingerprints
		WHERE owner_id = $1 AND tier = $2 AND created_at < $3`,
		ownerID, tier, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("evict aged fingerprints: %w", err)
	}
	return tag.RowsAffected(), nil
}
