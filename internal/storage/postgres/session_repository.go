package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// SessionRepository persists session fingerprints
type SessionRepository struct {
	q querier
}

// Exists reports whether a batch with sessionHash was already accepted
func (r *SessionRepository) Exists(ctx context.Context, ownerID string, tier int, sessionHash string) (bool, error) {
	var exists bool
	err := r.q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM session_fingerprints WHERE owner_id = $1 AND tier = $2 AND session_hash = $3
		)`, ownerID, tier, sessionHash).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return exists, nil
}

// Insert stores sf, leaving an existing row untouched
func (r *SessionRepository) Insert(ctx context.Context, sf domain.SessionFingerprint) (bool, error) {
	members := sf.MemberHashes
	if members == nil {
		members = []string{}
	}
	membersJSON, err := json.Marshal(members)
	if err != nil {
		return false, fmt.Errorf("marshal member hashes: %w", err)
	}

	tag, err := r.q.Exec(ctx, `
		INSERT INTO session_fingerprints (owner_id, tier, session_hash, member_hashes, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (owner_id, tier, session_hash) DO NOTHING`,
		sf.OwnerID, sf.Tier, sf.SessionHash, string(membersJSON), sf.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Recent returns up to limit sessions, newest first
func (r *SessionRepository) Recent(ctx context.Context, ownerID string, tier int, limit int) ([]domain.SessionFingerprint, error) {
	rows, err := r.q.Query(ctx, `
		SELECT owner_id, tier, session_hash, member_hashes, created_at FROM session_fingerprints
		WHERE owner_id = $1 AND tier = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3`, ownerID, tier, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.SessionFingerprint
	for rows.Next() {
		var (
			sf      domain.SessionFingerprint
			members []byte
		)
		if err := rows.Scan(&sf.OwnerID, &sf.Tier, &sf.SessionHash, &members, &sf.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(members, &sf.MemberHashes); err != nil {
			return nil, fmt.Errorf("unmarshal member hashes: %w", err)
		}
		sf.CreatedAt = sf.CreatedAt.UTC()
		out = append(out, sf)
	}
	return out, rows.Err()
}

// EvictOldest deletes the oldest sessions until at most keep remain
func (r *SessionRepository) EvictOldest(ctx context.Context, ownerID string, tier int, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tag, err := r.q.Exec(ctx, `
		DELETE FROM session_fingerprints
		WHERE owner_id = $1 AND tier = $2 AND id NOT IN (
			SELECT id FROM session_fingerprints
			WHERE owner_id = $1 AND tier = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		)`, ownerID, tier, keep)
	if err != nil {
		return 0, fmt.Errorf("evict oldest sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// EvictBefore deletes sessions created strictly before cutoff
func (r *SessionRepository) EvictBefore(ctx context.Context, ownerID string, tier int, cutoff time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM session_fingerprints
		WHERE owner_id = $1 AND tier = $2 AND created_at < $3`,
		ownerID, tier, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("evict aged sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOwner removes every session of ownerID
func (r *SessionRepository) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM session_fingerprints WHERE owner_id = $1`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete owner sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
