// Package domain holds the exercise, mastery and progression types shared by the engine.
package domain

import (
	"strings"
	"time"
)

// ExerciseItem is a candidate learning item produced by the content generation provider.
// The correct answer is referenced by index into Options.
type ExerciseItem struct {
	ID           string   `json:"id,omitempty"`
	SkillTag     string   `json:"skill_tag"`
	Kind         string   `json:"kind,omitempty"`
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Difficulty   float64  `json:"difficulty,omitempty"`
}

// CorrectOption returns the text of the correct option.
func (e ExerciseItem) CorrectOption() (string, bool) {
	if e.CorrectIndex < 0 || e.CorrectIndex >= len(e.Options) {
		return "", false
	}
	return e.Options[e.CorrectIndex], true
}

// Validate checks the structural shape of the item.
// Skill membership is checked by the caller, which knows the tier's skill table.
func (e ExerciseItem) Validate(minOptions, maxOptions int) error {
	if strings.TrimSpace(e.SkillTag) == "" {
		return NewValidationError(CodeMissingSkill, "skill_tag", "skill tag is required")
	}
	if strings.TrimSpace(e.Question) == "" {
		return NewValidationError(CodeMissingQuestion, "question", "question text is required")
	}
	if len(e.Options) == 0 {
		return NewValidationError(CodeMissingOptions, "options", "at least one option is required")
	}
	if len(e.Options) < minOptions || (maxOptions > 0 && len(e.Options) > maxOptions) {
		return NewValidationError(CodeOptionCount, "options",
			"got %d options, want between %d and %d", len(e.Options), minOptions, maxOptions)
	}
	for i, opt := range e.Options {
		if strings.TrimSpace(opt) == "" {
			return NewValidationError(CodeEmptyOption, "options", "option %d is empty", i)
		}
	}
	if _, ok := e.CorrectOption(); !ok {
		return NewValidationError(CodeCorrectOutOfRange, "correct_index",
			"correct index %d outside 0..%d", e.CorrectIndex, len(e.Options)-1)
	}
	return nil
}

// ExerciseFingerprint is the persisted digest of an exercise served to a learner.
type ExerciseFingerprint struct {
	OwnerID   string    `json:"owner_id"`
	Tier      int       `json:"tier"`
	SkillTag  string    `json:"skill_tag"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionFingerprint is the persisted digest of a whole served batch.
type SessionFingerprint struct {
	OwnerID      string    `json:"owner_id"`
	Tier         int       `json:"tier"`
	SessionHash  string    `json:"session_hash"`
	MemberHashes []string  `json:"member_hashes"`
	CreatedAt    time.Time `json:"created_at"`
}
