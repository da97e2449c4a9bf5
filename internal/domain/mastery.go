package domain

import "time"

// MasteryLevel classifies a learner's competence in one skill category
type MasteryLevel string

const (
	MasteryWeak     MasteryLevel = "weak"
	MasteryLearning MasteryLevel = "learning"
	MasteryGood     MasteryLevel = "good"
	MasteryMastered MasteryLevel = "mastered"
)

// ClassifyMastery derives a mastery level from answer counts.
func ClassifyMastery(correct, seen int) MasteryLevel {
	if seen <= 0 {
		return MasteryLearning
	}
	acc := float64(correct) / float64(seen)
	switch {
	case acc >= 0.9 && seen >= 10:
		return MasteryMastered
	case acc >= 0.75 && seen >= 5:
		return MasteryGood
	case acc < 0.5 && seen >= 5:
		return MasteryWeak
	default:
		return MasteryLearning
	}
}

// SkillMasteryRecord tracks one skill within one tier for one learner
type SkillMasteryRecord struct {
	OwnerID      string       `json:"owner_id"`
	Tier         int          `json:"tier"`
	SkillTag     string       `json:"skill_tag"`
	ItemsSeen    int          `json:"items_seen"`
	CorrectCount int          `json:"correct_count"`
	LastSeenAt   time.Time    `json:"last_seen_at"`
	MasteryLevel MasteryLevel `json:"mastery_level"`
}

// Accuracy returns CorrectCount/ItemsSeen, or 0 when nothing was seen.
func (r SkillMasteryRecord) Accuracy() float64 {
	if r.ItemsSeen == 0 {
		return 0
	}
	return float64(r.CorrectCount) / float64(r.ItemsSeen)
}

// Observe folds answered items into the record and reclassifies it.
func (r *SkillMasteryRecord) Observe(attempts, correct int, at time.Time) {
	r.ItemsSeen += attempts
	r.CorrectCount += correct
	r.LastSeenAt = at
	r.MasteryLevel = ClassifyMastery(r.CorrectCount, r.ItemsSeen)
}
