package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sqlc-dev/pqtype"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// ProgressionStore persists progression state, ledgers, mastery and applied sessions.
type ProgressionStore struct {
	ext sqlx.ExtContext
}

type stateRow struct {
	OwnerID           string `db:"owner_id"`
	CurrentTier       int    `db:"current_tier"`
	TotalItems        int    `db:"total_items"`
	TotalCorrect      int    `db:"total_correct"`
	TotalXP           int    `db:"total_xp"`
	CurrentStreakDays int    `db:"current_streak_days"`
	LongestStreakDays int    `db:"longest_streak_days"`
	LastActiveAt      int64  `db:"last_active_at"`
	Version           int64  `db:"version"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

type ledgerRow struct {
	Tier              int                   `db:"tier"`
	ItemsCompleted    int                   `db:"items_completed"`
	CorrectAnswers    int                   `db:"correct_answers"`
	Accuracy          float64               `db:"accuracy"`
	XPEarned          int                   `db:"xp_earned"`
	TimeSpentMinutes  float64               `db:"time_spent_minutes"`
	SessionsCompleted int                   `db:"sessions_completed"`
	Unlocked          bool                  `db:"unlocked"`
	Completed         bool                  `db:"completed"`
	CompletedAt       sql.NullInt64         `db:"completed_at"`
	WeakSkills        string                `db:"weak_skills"`
	StrongSkills      string                `db:"strong_skills"`
	RecentErrorFocus  pqtype.NullRawMessage `db:"recent_error_focus"`
	RecentSessions    pqtype.NullRawMessage `db:"recent_sessions"`
}

type masteryRow struct {
	OwnerID      string `db:"owner_id"`
	Tier         int    `db:"tier"`
	SkillTag     string `db:"skill_tag"`
	ItemsSeen    int    `db:"items_seen"`
	CorrectCount int    `db:"correct_count"`
	LastSeenAt   int64  `db:"last_seen_at"`
	MasteryLevel string `db:"mastery_level"`
}

type appliedRow struct {
	OwnerID   string        `db:"owner_id"`
	SessionID string        `db:"session_id"`
	Tier      int           `db:"tier"`
	Advanced  bool          `db:"advanced"`
	NewTier   sql.NullInt64 `db:"new_tier"`
	AppliedAt int64         `db:"applied_at"`
}

// Get loads the progression state of ownerID with all its ledgers.
func (s *ProgressionStore) Get(ctx context.Context, ownerID string) (*domain.UserProgressionState, error) {
	var row stateRow
	err := sqlx.GetContext(ctx, s.ext, &row, `
		SELECT owner_id, current_tier, total_items, total_correct, total_xp,
			current_streak_days, longest_streak_days, last_active_at, version,
			created_at, updated_at
		FROM progression_states WHERE owner_id = ?`, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get progression state: %w", err)
	}

	state := &domain.UserProgressionState{
		OwnerID:           row.OwnerID,
		CurrentTier:       row.CurrentTier,
		Ledgers:           make(map[int]*domain.LevelLedger),
		TotalItems:        row.TotalItems,
		TotalCorrect:      row.TotalCorrect,
		TotalXP:           row.TotalXP,
		CurrentStreakDays: row.CurrentStreakDays,
		LongestStreakDays: row.LongestStreakDays,
		LastActiveAt:      fromNanos(row.LastActiveAt),
		Version:           row.Version,
		CreatedAt:         fromNanos(row.CreatedAt),
		UpdatedAt:         fromNanos(row.UpdatedAt),
	}

	var ledgers []ledgerRow
	err = sqlx.SelectContext(ctx, s.ext, &ledgers, `
		SELECT tier, items_completed, correct_answers, accuracy, xp_earned,
			time_spent_minutes, sessions_completed, unlocked, completed, completed_at,
			weak_skills, strong_skills, recent_error_focus, recent_sessions
		FROM level_ledgers WHERE owner_id = ?
		ORDER BY tier`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	for _, lr := range ledgers {
		ledger, err := lr.toDomain()
		if err != nil {
			return nil, fmt.Errorf("decode ledger tier %d: %w", lr.Tier, err)
		}
		state.Ledgers[ledger.Tier] = ledger
	}
	return state, nil
}

func (r ledgerRow) toDomain() (*domain.LevelLedger, error) {
	weak, err := unmarshalStrings(r.WeakSkills)
	if err != nil {
		return nil, err
	}
	strong, err := unmarshalStrings(r.StrongSkills)
	if err != nil {
		return nil, err
	}

	l := &domain.LevelLedger{
		Tier:              r.Tier,
		ItemsCompleted:    r.ItemsCompleted,
		CorrectAnswers:    r.CorrectAnswers,
		Accuracy:          r.Accuracy,
		XPEarned:          r.XPEarned,
		TimeSpentMinutes:  r.TimeSpentMinutes,
		SessionsCompleted: r.SessionsCompleted,
		Unlocked:          r.Unlocked,
		Completed:         r.Completed,
		WeakSkills:        weak,
		StrongSkills:      strong,
	}
	if r.CompletedAt.Valid {
		t := fromNanos(r.CompletedAt.Int64)
		l.CompletedAt = &t
	}
	if r.RecentErrorFocus.Valid {
		if err := json.Unmarshal(r.RecentErrorFocus.RawMessage, &l.RecentErrorFocus); err != nil {
			return nil, err
		}
	}
	if r.RecentSessions.Valid {
		if err := json.Unmarshal(r.RecentSessions.RawMessage, &l.RecentSessions); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Save writes state if its stored version still equals expectedVersion.
func (s *ProgressionStore) Save(ctx context.Context, state *domain.UserProgressionState, expectedVersion int64) error {
	next := expectedVersion + 1

	var (
		n   int64
		err error
	)
	if expectedVersion == 0 {
		n, err = execRows(ctx, s.ext, `
			INSERT INTO progression_states (owner_id, current_tier, total_items, total_correct,
				total_xp, current_streak_days, longest_streak_days, last_active_at, version,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner_id) DO NOTHING`,
			state.OwnerID, state.CurrentTier, state.TotalItems, state.TotalCorrect,
			state.TotalXP, state.CurrentStreakDays, state.LongestStreakDays,
			toNanos(state.LastActiveAt), next, toNanos(state.CreatedAt), toNanos(state.UpdatedAt),
		)
	} else {
		n, err = execRows(ctx, s.ext, `
			UPDATE progression_states SET
				current_tier = ?, total_items = ?, total_correct = ?, total_xp = ?,
				current_streak_days = ?, longest_streak_days = ?, last_active_at = ?,
				version = ?, updated_at = ?
			WHERE owner_id = ? AND version = ?`,
			state.CurrentTier, state.TotalItems, state.TotalCorrect, state.TotalXP,
			state.CurrentStreakDays, state.LongestStreakDays, toNanos(state.LastActiveAt),
			next, toNanos(state.UpdatedAt),
			state.OwnerID, expectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("save progression state: %w", err)
	}
	if n == 0 {
		return domain.ErrConflict
	}

	for _, tier := range state.Tiers() {
		if err := s.saveLedger(ctx, state.OwnerID, state.Ledgers[tier]); err != nil {
			return fmt.Errorf("save ledger tier %d: %w", tier, err)
		}
	}

	state.Version = next
	return nil
}

func (s *ProgressionStore) saveLedger(ctx context.Context, ownerID string, l *domain.LevelLedger) error {
	weak, err := marshalStrings(l.WeakSkills)
	if err != nil {
		return err
	}
	strong, err := marshalStrings(l.StrongSkills)
	if err != nil {
		return err
	}

	focus, err := nullJSON(len(l.RecentErrorFocus), l.RecentErrorFocus)
	if err != nil {
		return err
	}
	tallies, err := nullJSON(len(l.RecentSessions), l.RecentSessions)
	if err != nil {
		return err
	}

	var completedAt sql.NullInt64
	if l.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toNanos(*l.CompletedAt), Valid: true}
	}

	_, err = s.ext.ExecContext(ctx, `
		INSERT INTO level_ledgers (owner_id, tier, items_completed, correct_answers, accuracy,
			xp_earned, time_spent_minutes, sessions_completed, unlocked, completed, completed_at,
			weak_skills, strong_skills, recent_error_focus, recent_sessions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, tier) DO UPDATE SET
			items_completed=excluded.items_completed, correct_answers=excluded.correct_answers,
			accuracy=excluded.accuracy, xp_earned=excluded.xp_earned,
			time_spent_minutes=excluded.time_spent_minutes,
			sessions_completed=excluded.sessions_completed,
			unlocked=excluded.unlocked, completed=excluded.completed,
			completed_at=excluded.completed_at,
			weak_skills=excluded.weak_skills, strong_skills=excluded.strong_skills,
			recent_error_focus=excluded.recent_error_focus,
			recent_sessions=excluded.recent_sessions`,
		ownerID, l.Tier, l.ItemsCompleted, l.CorrectAnswers, l.Accuracy,
		l.XPEarned, l.TimeSpentMinutes, l.SessionsCompleted, l.Unlocked, l.Completed, completedAt,
		weak, strong, focus, tallies,
	)
	return err
}

// nullJSON encodes v, or returns NULL when n is zero
func nullJSON(n int, v any) (pqtype.NullRawMessage, error) {
	if n == 0 {
		return pqtype.NullRawMessage{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true}, nil
}

// Mastery returns the mastery records of one tier ordered by skill.
func (s *ProgressionStore) Mastery(ctx context.Context, ownerID string, tier int) ([]domain.SkillMasteryRecord, error) {
	var rows []masteryRow
	err := sqlx.SelectContext(ctx, s.ext, &rows, `
		SELECT owner_id, tier, skill_tag, items_seen, correct_count, last_seen_at, mastery_level
		FROM skill_mastery WHERE owner_id = ? AND tier = ?
		ORDER BY skill_tag`, ownerID, tier)
	if err != nil {
		return nil, fmt.Errorf("list mastery: %w", err)
	}

	out := make([]domain.SkillMasteryRecord, len(rows))
	for i, r := range rows {
		out[i] = domain.SkillMasteryRecord{
			OwnerID:      r.OwnerID,
			Tier:         r.Tier,
			SkillTag:     r.SkillTag,
			ItemsSeen:    r.ItemsSeen,
			CorrectCount: r.CorrectCount,
			LastSeenAt:   fromNanos(r.LastSeenAt),
			MasteryLevel: domain.MasteryLevel(r.MasteryLevel),
		}
	}
	return out, nil
}

// SaveMastery upserts one mastery record.
func (s *ProgressionStore) SaveMastery(ctx context.Context, rec domain.SkillMasteryRecord) error {
	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO skill_mastery (owner_id, tier, skill_tag, items_seen, correct_count,
			last_seen_at, mastery_level)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, tier, skill_tag) DO UPDATE SET
			items_seen=excluded.items_seen, correct_count=excluded.correct_count,
			last_seen_at=excluded.last_seen_at, mastery_level=excluded.mastery_level`,
		rec.OwnerID, rec.Tier, rec.SkillTag, rec.ItemsSeen, rec.CorrectCount,
		toNanos(rec.LastSeenAt), string(rec.MasteryLevel),
	)
	if err != nil {
		return fmt.Errorf("save mastery: %w", err)
	}
	return nil
}

// AppliedSession returns the applied-session marker, or nil if none exists.
func (s *ProgressionStore) AppliedSession(ctx context.Context, ownerID, sessionID string) (*domain.AppliedSession, error) {
	var row appliedRow
	err := sqlx.GetContext(ctx, s.ext, &row, `
		SELECT owner_id, session_id, tier, advanced, new_tier, applied_at
		FROM applied_sessions WHERE owner_id = ? AND session_id = ?`, ownerID, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get applied session: %w", err)
	}

	applied := &domain.AppliedSession{
		OwnerID:   row.OwnerID,
		SessionID: row.SessionID,
		Tier:      row.Tier,
		Advanced:  row.Advanced,
		AppliedAt: fromNanos(row.AppliedAt),
	}
	if row.NewTier.Valid {
		t := int(row.NewTier.Int64)
		applied.NewTier = &t
	}
	return applied, nil
}

// MarkApplied records that a session submission was processed.
func (s *ProgressionStore) MarkApplied(ctx context.Context, applied domain.AppliedSession) error {
	var newTier sql.NullInt64
	if applied.NewTier != nil {
		newTier = sql.NullInt64{Int64: int64(*applied.NewTier), Valid: true}
	}

	_, err := s.ext.ExecContext(ctx, `
		INSERT INTO applied_sessions (owner_id, session_id, tier, advanced, new_tier, applied_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, session_id) DO NOTHING`,
		applied.OwnerID, applied.SessionID, applied.Tier, applied.Advanced, newTier,
		toNanos(applied.AppliedAt),
	)
	if err != nil {
		return fmt.Errorf("mark session applied: %w", err)
	}
	return nil
}

// PruneApplied forgets applied-session markers older than before.
func (s *ProgressionStore) PruneApplied(ctx context.Context, before time.Time) (int64, error) {
	n, err := execRows(ctx, s.ext, `DELETE FROM applied_sessions WHERE applied_at < ?`, toNanos(before))
	if err != nil {
		return 0, fmt.Errorf("prune applied sessions: %w", err)
	}
	return n, nil
}
