package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// SessionStore persists session fingerprints.
type SessionStore struct {
	ext sqlx.ExtContext
}

type sessionRow struct {
	OwnerID      string `db:"owner_id"`
	Tier         int    `db:"tier"`
	SessionHash  string `db:"session_hash"`
	MemberHashes string `db:"member_hashes"`
	CreatedAt    int64  `db:"created_at"`
}

// Exists reports whether a batch with sessionHash was already accepted.
func (s *SessionStore) Exists(ctx context.Context, ownerID string, tier int, sessionHash string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.ext, &exists, `
		SELECT EXISTS(
			SELECT 1 FROM session_fingerprints WHERE owner_id = ? AND tier = ? AND session_hash = ?
		)`, ownerID, tier, sessionHash)
	if err != nil {
		return false, fmt.Errorf("check session: %w", err)
	}
	return exists, nil
}

// Insert stores sf, leaving an existing row untouched.
func (s *SessionStore) Insert(ctx context.Context, sf domain.SessionFingerprint) (bool, error) {
	members, err := marshalStrings(sf.MemberHashes)
	if err != nil {
		return false, fmt.Errorf("marshal member hashes: %w", err)
	}

	n, err := execRows(ctx, s.ext, `
		INSERT INTO session_fingerprints (owner_id, tier, session_hash, member_hashes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, tier, session_hash) DO NOTHING`,
		sf.OwnerID, sf.Tier, sf.SessionHash, members, toNanos(sf.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	return n > 0, nil
}

// Recent returns up to limit sessions, newest first.
func (s *SessionStore) Recent(ctx context.Context, ownerID string, tier int, limit int) ([]domain.SessionFingerprint, error) {
	var rows []sessionRow
	err := sqlx.SelectContext(ctx, s.ext, &rows, `
		SELECT owner_id, tier, session_hash, member_hashes, created_at FROM session_fingerprints
		WHERE owner_id = ? AND tier = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, ownerID, tier, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent sessions: %w", err)
	}

	out := make([]domain.SessionFingerprint, 0, len(rows))
	for _, r := range rows {
		members, err := unmarshalStrings(r.MemberHashes)
		if err != nil {
			return nil, fmt.Errorf("unmarshal member hashes: %w", err)
		}
		out = append(out, domain.SessionFingerprint{
			OwnerID:      r.OwnerID,
			Tier:         r.Tier,
			SessionHash:  r.SessionHash,
			MemberHashes: members,
			CreatedAt:    fromNanos(r.CreatedAt),
		})
	}
	return out, nil
}

// EvictOldest deletes the oldest sessions until at most keep remain.
func (s *SessionStore) EvictOldest(ctx context.Context, ownerID string, tier int, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	n, err := execRows(ctx, s.ext, `
		DELETE FROM session_fingerprints
		WHERE owner_id = ? AND tier = ? AND id NOT IN (
			SELECT id FROM session_fingerprints
			WHERE owner_id = ? AND tier = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`, ownerID, tier, ownerID, tier, keep)
	if err != nil {
		return 0, fmt.Errorf("evict oldest sessions: %w", err)
	}
	return n, nil
}

// EvictBefore deletes sessions created strictly before cutoff.
func (s *SessionStore) EvictBefore(ctx context.Context, ownerID string, tier int, cutoff time.Time) (int64, error) {
	n, err := execRows(ctx, s.ext, `
		DELETE FROM session_fingerprints
		WHERE owner_id = ? AND tier = ? AND created_at < ?`,
		ownerID, tier, toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("evict aged sessions: %w", err)
	}
	return n, nil
}

// DeleteOwner removes every session of ownerID across tiers.
func (s *SessionStore) DeleteOwner(ctx context.Context, ownerID string) (int64, error) {
	n, err := execRows(ctx, s.ext, `DELETE FROM session_fingerprints WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("delete owner sessions: %w", err)
	}
	return n, nil
}
