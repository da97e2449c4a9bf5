package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// ProgressionRepository persists progression state, ledgers, mastery and applied sessions
type ProgressionRepository struct {
	q querier
}

// Get loads the progression state of ownerID with all its ledgers
func (r *ProgressionRepository) Get(ctx context.Context, ownerID string) (*domain.UserProgressionState, error) {
	var (
		state        domain.UserProgressionState
		lastActiveAt *time.Time
	)
	err := r.q.QueryRow(ctx, `
		SELECT owner_id, current_tier, total_items, total_correct, total_xp,
			current_streak_days, longest_streak_days, last_active_at, version,
			created_at, updated_at
		FROM progression_states WHERE owner_id = $1`, ownerID).Scan(
		&state.OwnerID, &state.CurrentTier, &state.TotalItems, &state.TotalCorrect, &state.TotalXP,
		&state.CurrentStreakDays, &state.LongestStreakDays, &lastActiveAt, &state.Version,
		&state.CreatedAt, &state.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get progression state: %w", err)
	}
	state.LastActiveAt = timeValue(lastActiveAt)
	state.CreatedAt = state.CreatedAt.UTC()
	state.UpdatedAt = state.UpdatedAt.UTC()
	state.Ledgers = make(map[int]*domain.LevelLedger)

	rows, err := r.q.Query(ctx, `
		SELECT tier, items_completed, correct_answers, accuracy, xp_earned,
			time_spent_minutes, sessions_completed, unlocked, completed, completed_at,
			weak_skills, strong_skills, recent_error_focus, recent_sessions
		FROM level_ledgers WHERE owner_id = $1
		ORDER BY tier`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l                             domain.LevelLedger
			completedAt                   *time.Time
			weak, strong, recent, tallies []byte
		)
		if err := rows.Scan(
			&l.Tier, &l.ItemsCompleted, &l.CorrectAnswers, &l.Accuracy, &l.XPEarned,
			&l.TimeSpentMinutes, &l.SessionsCompleted, &l.Unlocked, &l.Completed, &completedAt,
			&weak, &strong, &recent, &tallies,
		); err != nil {
			return nil, err
		}
		if completedAt != nil {
			t := completedAt.UTC()
			l.CompletedAt = &t
		}
		if err := json.Unmarshal(weak, &l.WeakSkills); err != nil {
			return nil, fmt.Errorf("decode weak skills: %w", err)
		}
		if err := json.Unmarshal(strong, &l.StrongSkills); err != nil {
			return nil, fmt.Errorf("decode strong skills: %w", err)
		}
		if len(recent) > 0 {
			if err := json.Unmarshal(recent, &l.RecentErrorFocus); err != nil {
				return nil, fmt.Errorf("decode error focus: %w", err)
			}
		}
		if len(tallies) > 0 {
			if err := json.Unmarshal(tallies, &l.RecentSessions); err != nil {
				return nil, fmt.Errorf("decode recent sessions: %w", err)
			}
		}
		state.Ledgers[l.Tier] = &l
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &state, nil
}

// Save writes state if its stored version still equals expectedVersion
func (r *ProgressionRepository) Save(ctx context.Context, state *domain.UserProgressionState, expectedVersion int64) error {
	next := expectedVersion + 1

	var (
		query string
		args  []any
	)
	if expectedVersion == 0 {
		query = `
			INSERT INTO progression_states (owner_id, current_tier, total_items, total_correct,
				total_xp, current_streak_days, longest_streak_days, last_active_at, version,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (owner_id) DO NOTHING`
		args = []any{
			state.OwnerID, state.CurrentTier, state.TotalItems, state.TotalCorrect, state.TotalXP,
			state.CurrentStreakDays, state.LongestStreakDays, nullableTime(state.LastActiveAt), next,
			state.CreatedAt.UTC(), state.UpdatedAt.UTC(),
		}
	} else {
		query = `
			UPDATE progression_states SET
				current_tier = $2, total_items = $3, total_correct = $4, total_xp = $5,
				current_streak_days = $6, longest_streak_days = $7, last_active_at = $8,
				version = $9, updated_at = $10
			WHERE owner_id = $1 AND version = $11`
		args = []any{
			state.OwnerID, state.CurrentTier, state.TotalItems, state.TotalCorrect, state.TotalXP,
			state.CurrentStreakDays, state.LongestStreakDays, nullableTime(state.LastActiveAt), next,
			state.UpdatedAt.UTC(), expectedVersion,
		}
	}

	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save progression state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}

	for _, tier := range state.Tiers() {
		if err := r.saveLedger(ctx, state.OwnerID, state.Ledgers[tier]); err != nil {
			return fmt.Errorf("save ledger tier %d: %w", tier, err)
		}
	}

	state.Version = next
	return nil
}

func (r *ProgressionRepository) saveLedger(ctx context.Context, ownerID string, l *domain.LevelLedger) error {
	weak, err := json.Marshal(nonNil(l.WeakSkills))
	if err != nil {
		return err
	}
	strong, err := json.Marshal(nonNil(l.StrongSkills))
	if err != nil {
		return err
	}
	recent, err := nullableJSON(len(l.RecentErrorFocus), l.RecentErrorFocus)
	if err != nil {
		return err
	}
	tallies, err := nullableJSON(len(l.RecentSessions), l.RecentSessions)
	if err != nil {
		return err
	}

	var completedAt *time.Time
	if l.CompletedAt != nil {
		completedAt = nullableTime(*l.CompletedAt)
	}

	_, err = r.q.Exec(ctx, `
		INSERT INTO level_ledgers (owner_id, tier, items_completed, correct_answers, accuracy,
			xp_earned, time_spent_minutes, sessions_completed, unlocked, completed, completed_at,
			weak_skills, strong_skills, recent_error_focus, recent_sessions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (owner_id, tier) DO UPDATE SET
			items_completed = EXCLUDED.items_completed, correct_answers = EXCLUDED.correct_answers,
			accuracy = EXCLUDED.accuracy, xp_earned = EXCLUDED.xp_earned,
			time_spent_minutes = EXCLUDED.time_spent_minutes,
			sessions_completed = EXCLUDED.sessions_completed,
			unlocked = EXCLUDED.unlocked, completed = EXCLUDED.completed,
			completed_at = EXCLUDED.completed_at,
			weak_skills = EXCLUDED.weak_skills, strong_skills = EXCLUDED.strong_skills,
			recent_error_focus = EXCLUDED.recent_error_focus,
			recent_sessions = EXCLUDED.recent_sessions`,
		ownerID, l.Tier, l.ItemsCompleted, l.CorrectAnswers, l.Accuracy,
		l.XPEarned, l.TimeSpentMinutes, l.SessionsCompleted, l.Unlocked, l.Completed, completedAt,
		string(weak), string(strong), recent, tallies,
	)
	return err
}

// nullableJSON encodes v as a JSONB argument, or nil when n is zero
func nullableJSON(n int, v any) (*string, error) {
	if n == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

// Mastery returns the mastery records of one tier ordered by skill
func (r *ProgressionRepository) Mastery(ctx context.Context, ownerID string, tier int) ([]domain.SkillMasteryRecord, error) {
	rows, err := r.q.Query(ctx, `
		SELECT owner_id, tier, skill_tag, items_seen, correct_count, last_seen_at, mastery_level
		FROM skill_mastery WHERE owner_id = $1 AND tier = $2
		ORDER BY skill_tag`, ownerID, tier)
	if err != nil {
		return nil, fmt.Errorf("list mastery: %w", err)
	}
	defer rows.Close()

	var out []domain.SkillMasteryRecord
	for rows.Next() {
		var (
			rec      domain.SkillMasteryRecord
			lastSeen *time.Time
			level    string
		)
		if err := rows.Scan(&rec.OwnerID, &rec.Tier, &rec.SkillTag, &rec.ItemsSeen,
			&rec.CorrectCount, &lastSeen, &level); err != nil {
			return nil, err
		}
		rec.LastSeenAt = timeValue(lastSeen)
		rec.MasteryLevel = domain.MasteryLevel(level)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveMastery upserts one mastery record
func (r *ProgressionRepository) SaveMastery(ctx context.Context, rec domain.SkillMasteryRecord) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO skill_mastery (owner_id, tier, skill_tag, items_seen, correct_count,
			last_seen_at, mastery_level)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id, tier, skill_tag) DO UPDATE SET
			items_seen = EXCLUDED.items_seen, correct_count = EXCLUDED.correct_count,
			last_seen_at = EXCLUDED.last_seen_at, mastery_level = EXCLUDED.mastery_level`,
		rec.OwnerID, rec.Tier, rec.SkillTag, rec.ItemsSeen, rec.CorrectCount,
		nullableTime(rec.LastSeenAt), string(rec.MasteryLevel),
	)
	if err != nil {
		return fmt.Errorf("save mastery: %w", err)
	}
	return nil
}

// AppliedSession returns the applied-session marker, or nil if none exists
func (r *ProgressionRepository) AppliedSession(ctx context.Context, ownerID, sessionID string) (*domain.AppliedSession, error) {
	var (
		applied domain.AppliedSession
		newTier *int32
	)
	err := r.q.QueryRow(ctx, `
		SELECT owner_id, session_id, tier, advanced, new_tier, applied_at
		FROM applied_sessions WHERE owner_id = $1 AND session_id = $2`, ownerID, sessionID).Scan(
		&applied.OwnerID, &applied.SessionID, &applied.Tier, &applied.Advanced, &newTier, &applied.AppliedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get applied session: %w", err)
	}
	if newTier != nil {
		t := int(*newTier)
		applied.NewTier = &t
	}
	applied.AppliedAt = applied.AppliedAt.UTC()
	return &applied, nil
}

// MarkApplied records that a session submission was processed
func (r *ProgressionRepository) MarkApplied(ctx context.Context, applied domain.AppliedSession) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO applied_sessions (owner_id, session_id, tier, advanced, new_tier, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, session_id) DO NOTHING`,
		applied.OwnerID, applied.SessionID, applied.Tier, applied.Advanced, applied.NewTier,
		applied.AppliedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark session applied: %w", err)
	}
	return nil
}

// PruneApplied forgets applied-session markers older than before
func (r *ProgressionRepository) PruneApplied(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM applied_sessions WHERE applied_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune applied sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
