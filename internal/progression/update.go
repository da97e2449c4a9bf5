package progression

import (
	"sort"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// applyResult folds one session into state. It returns the tier ledger after the update.
func applyResult(state *domain.UserProgressionState, tier int, r domain.SessionResult, rules config.ProgressionConfig, now time.Time) *domain.LevelLedger {
	state.TotalItems += r.ItemsTotal
	state.TotalCorrect += r.Correct
	state.TotalXP += r.XPEarned

	l := state.EnsureLedger(tier)
	l.ItemsCompleted += r.ItemsTotal
	l.CorrectAnswers += r.Correct
	if candidate, ok := l.RawAccuracy(); ok && candidate > l.Accuracy {
		l.Accuracy = candidate
	}
	l.XPEarned += r.XPEarned
	l.TimeSpentMinutes += r.MinutesSpent
	l.SessionsCompleted++

	recordTally(l, r, rules.RecentSessionWindow)
	updateWeakSkills(l, errorFocus(r), rules)
	if acc, ok := r.Accuracy(); ok && acc >= rules.StrongSessionAccuracy {
		updateStrongSkills(l, practiced(r), rules.StrongSkillCap)
	}

	updateStreak(state, now)
	state.LastActiveAt = now
	state.UpdatedAt = now
	return l
}

// errorFocus returns the skills flagged by the client, or the skills with a wrong answer.
func errorFocus(r domain.SessionResult) []string {
	if len(r.ErrorFocus) > 0 {
		return dedupe(r.ErrorFocus)
	}
	var out []string
	for skill, o := range r.PerSkillOutcomes {
		if o.Correct < o.Attempts {
			out = append(out, skill)
		}
	}
	sort.Strings(out)
	return out
}

func practiced(r domain.SessionResult) []string {
	var out []string
	for skill, o := range r.PerSkillOutcomes {
		if o.Attempts > 0 {
			out = append(out, skill)
		}
	}
	sort.Strings(out)
	return out
}

// recordTally keeps the answer counts of the last window sessions
func recordTally(l *domain.LevelLedger, r domain.SessionResult, window int) {
	if window <= 0 {
		window = 5
	}
	l.RecentSessions = append(l.RecentSessions, domain.SessionTally{Items: r.ItemsTotal, Correct: r.Correct})
	if over := len(l.RecentSessions) - window; over > 0 {
		l.RecentSessions = l.RecentSessions[over:]
	}
}

// updateWeakSkills records focus in the rolling window and promotes skills that appear in
// at least WeakSkillMinSessions of the windowed sessions. The list is capped, oldest out.
func updateWeakSkills(l *domain.LevelLedger, focus []string, rules config.ProgressionConfig) {
	window := rules.WeakSkillWindow
	if window <= 0 {
		window = 3
	}
	if focus == nil {
		focus = []string{}
	}
	l.RecentErrorFocus = append(l.RecentErrorFocus, focus)
	if over := len(l.RecentErrorFocus) - window; over > 0 {
		l.RecentErrorFocus = l.RecentErrorFocus[over:]
	}

	for _, skill := range focus {
		if contains(l.WeakSkills, skill) {
			continue
		}
		n := 0
		for _, session := range l.RecentErrorFocus {
			if contains(session, skill) {
				n++
			}
		}
		if n >= rules.WeakSkillMinSessions {
			l.WeakSkills = appendCapped(l.WeakSkills, skill, rules.WeakSkillCap)
		}
	}
}

func updateStrongSkills(l *domain.LevelLedger, skills []string, limit int) {
	for _, skill := range skills {
		if !contains(l.StrongSkills, skill) {
			l.StrongSkills = appendCapped(l.StrongSkills, skill, limit)
		}
	}
}

// updateStreak counts consecutive UTC calendar days with at least one session.
func updateStreak(state *domain.UserProgressionState, now time.Time) {
	today := utcDay(now)
	switch {
	case state.LastActiveAt.IsZero() || state.CurrentStreakDays == 0:
		state.CurrentStreakDays = 1
	default:
		last := utcDay(state.LastActiveAt)
		switch days := int(today.Sub(last).Hours() / 24); {
		case days == 0:
		case days == 1:
			state.CurrentStreakDays++
		case days > 1:
			state.CurrentStreakDays = 1
		}
	}
	if state.CurrentStreakDays > state.LongestStreakDays {
		state.LongestStreakDays = state.CurrentStreakDays
	}
}

func utcDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// advance completes tier and unlocks the next one.
func advance(state *domain.UserProgressionState, tier int, now time.Time) int {
	l := state.EnsureLedger(tier)
	l.Completed = true
	completedAt := now
	l.CompletedAt = &completedAt

	next := tier + 1
	state.EnsureLedger(next).Unlocked = true
	if state.CurrentTier < next {
		state.CurrentTier = next
	}
	return next
}

func appendCapped(list []string, v string, limit int) []string {
	list = append(list, v)
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func dedupe(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" && !contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
