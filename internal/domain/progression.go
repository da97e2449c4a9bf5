package domain

import (
	"sort"
	"time"
)

// LevelLedger accumulates statistics for one tier of one learner.
// Accuracy never decreases over the lifetime of a ledger.
type LevelLedger struct {
	Tier              int        `json:"tier"`
	ItemsCompleted    int        `json:"items_completed"`
	CorrectAnswers    int        `json:"correct_answers"`
	Accuracy          float64    `json:"accuracy"`
	XPEarned          int        `json:"xp_earned"`
	TimeSpentMinutes  float64    `json:"time_spent_minutes"`
	SessionsCompleted int        `json:"sessions_completed"`
	Unlocked          bool       `json:"unlocked"`
	Completed         bool       `json:"completed"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	WeakSkills        []string   `json:"weak_skills"`
	StrongSkills      []string   `json:"strong_skills"`

	// RecentErrorFocus holds the error-focus skills of the most recent sessions, oldest first.
	RecentErrorFocus [][]string `json:"recent_error_focus,omitempty"`
	// RecentSessions holds the answer tallies of the most recent sessions, oldest first.
	RecentSessions []SessionTally `json:"recent_sessions,omitempty"`
}

// SessionTally is the item and correct-answer count of one session
type SessionTally struct {
	Items   int `json:"items"`
	Correct int `json:"correct"`
}

// RecentAccuracy is the pooled accuracy of RecentSessions.
func (l LevelLedger) RecentAccuracy() (float64, bool) {
	items, correct := 0, 0
	for _, s := range l.RecentSessions {
		items += s.Items
		correct += s.Correct
	}
	if items == 0 {
		return 0, false
	}
	return float64(correct) / float64(items), true
}

// RawAccuracy is CorrectAnswers/ItemsCompleted without the monotonic floor.
func (l LevelLedger) RawAccuracy() (float64, bool) {
	if l.ItemsCompleted == 0 {
		return 0, false
	}
	return float64(l.CorrectAnswers) / float64(l.ItemsCompleted), true
}

// NewLevelLedger returns an empty ledger for tier.
func NewLevelLedger(tier int, unlocked bool) *LevelLedger {
	return &LevelLedger{
		Tier:         tier,
		Unlocked:     unlocked,
		WeakSkills:   []string{},
		StrongSkills: []string{},
	}
}

// UserProgressionState aggregates every tier ledger of a learner plus lifetime totals.
type UserProgressionState struct {
	OwnerID           string               `json:"owner_id"`
	CurrentTier       int                  `json:"current_tier"`
	Ledgers           map[int]*LevelLedger `json:"ledgers"`
	TotalItems        int                  `json:"total_items"`
	TotalCorrect      int                  `json:"total_correct"`
	TotalXP           int                  `json:"total_xp"`
	CurrentStreakDays int                  `json:"current_streak_days"`
	LongestStreakDays int                  `json:"longest_streak_days"`
	LastActiveAt      time.Time            `json:"last_active_at"`
	Version           int64                `json:"version"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

// NewProgressionState creates the initial state of a learner: tier 0 unlocked.
func NewProgressionState(ownerID string, now time.Time) *UserProgressionState {
	return &UserProgressionState{
		OwnerID:   ownerID,
		Ledgers:   map[int]*LevelLedger{0: NewLevelLedger(0, true)},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// LifetimeAccuracy is TotalCorrect/TotalItems.
func (s *UserProgressionState) LifetimeAccuracy() float64 {
	if s.TotalItems == 0 {
		return 0
	}
	return float64(s.TotalCorrect) / float64(s.TotalItems)
}

// Ledger returns the ledger for tier, or a zero-valued one if none exists yet.
func (s *UserProgressionState) Ledger(tier int) LevelLedger {
	if l, ok := s.Ledgers[tier]; ok && l != nil {
		return *l
	}
	return *NewLevelLedger(tier, tier == 0 || tier <= s.CurrentTier)
}

// EnsureLedger returns the ledger for tier, creating it lazily.
// Tier 0 and every tier at or below the current tier start unlocked.
func (s *UserProgressionState) EnsureLedger(tier int) *LevelLedger {
	if s.Ledgers == nil {
		s.Ledgers = make(map[int]*LevelLedger)
	}
	l, ok := s.Ledgers[tier]
	if !ok || l == nil {
		l = NewLevelLedger(tier, tier == 0 || tier <= s.CurrentTier)
		s.Ledgers[tier] = l
	}
	return l
}

// Tiers returns the tiers with ledgers, ascending.
func (s *UserProgressionState) Tiers() []int {
	tiers := make([]int, 0, len(s.Ledgers))
	for t := range s.Ledgers {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)
	return tiers
}

// SkillOutcome is the per-skill part of a session result.
type SkillOutcome struct {
	Attempts int `json:"attempts"`
	Correct  int `json:"correct"`
}

// SessionResult is what a learner produced for one completed batch.
type SessionResult struct {
	ItemsTotal       int                     `json:"items_total"`
	Correct          int                     `json:"correct"`
	XPEarned         int                     `json:"xp_earned"`
	MinutesSpent     float64                 `json:"minutes_spent"`
	PerSkillOutcomes map[string]SkillOutcome `json:"per_skill_outcomes,omitempty"`
	// ErrorFocus lists skills the client flagged as the focus of mistakes.
	ErrorFocus []string `json:"error_focus,omitempty"`
}

// Validate checks counters are consistent.
func (r SessionResult) Validate() error {
	if r.ItemsTotal < 0 || r.Correct < 0 || r.XPEarned < 0 || r.MinutesSpent < 0 {
		return NewValidationError(CodeInvalidResult, "", "counters must not be negative")
	}
	if r.Correct > r.ItemsTotal {
		return NewValidationError(CodeInvalidResult, "correct",
			"correct answers (%d) exceed items total (%d)", r.Correct, r.ItemsTotal)
	}
	for skill, o := range r.PerSkillOutcomes {
		if o.Attempts < 0 || o.Correct < 0 || o.Correct > o.Attempts {
			return NewValidationError(CodeInvalidResult, "per_skill_outcomes",
				"inconsistent outcome for skill %q", skill)
		}
	}
	return nil
}

// Accuracy returns Correct/ItemsTotal for the session.
func (r SessionResult) Accuracy() (float64, bool) {
	if r.ItemsTotal == 0 {
		return 0, false
	}
	return float64(r.Correct) / float64(r.ItemsTotal), true
}

// AppliedSession remembers a processed submission so replays become no-ops.
type AppliedSession struct {
	OwnerID   string    `json:"owner_id"`
	SessionID string    `json:"session_id"`
	Tier      int       `json:"tier"`
	Advanced  bool      `json:"advanced"`
	NewTier   *int      `json:"new_tier,omitempty"`
	AppliedAt time.Time `json:"applied_at"`
}
