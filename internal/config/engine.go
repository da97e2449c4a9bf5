package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// EngineConfig is the data-driven configuration of the diversity and gating engine.
// It is loaded from YAML so thresholds and tables can change without a redeploy.
type EngineConfig struct {
	Tiers       []TierConfig      `yaml:"tiers"`
	Dedup       DedupConfig       `yaml:"dedup"`
	Retention   RetentionConfig   `yaml:"retention"`
	Planner     PlannerConfig     `yaml:"planner"`
	Progression ProgressionConfig `yaml:"progression"`
	Validation  ValidationConfig  `yaml:"validation"`
}

// TierConfig holds everything configured for one proficiency tier
type TierConfig struct {
	Name                  string         `yaml:"name"`
	Thresholds            Thresholds     `yaml:"thresholds"`
	Weights               GatingWeights  `yaml:"weights"`
	Distribution          []SkillShare   `yaml:"distribution"`
	MinVariationsPerSkill int            `yaml:"min_variations_per_skill"`
	Difficulty            DifficultyBand `yaml:"difficulty"`
	// VariationPoolPerSkill estimates how many distinct items exist per skill (0 = unlimited).
	VariationPoolPerSkill int      `yaml:"variation_pool_per_skill"`
	OverlapThreshold      *float64 `yaml:"overlap_threshold,omitempty"`
}

// Thresholds are the four gating criteria of a tier
type Thresholds struct {
	MinItems    int     `yaml:"min_items"`
	MinAccuracy float64 `yaml:"min_accuracy"`
	MinSessions int     `yaml:"min_sessions"`
	// Effort selects the fourth criterion: "xp" or "minutes".
	Effort     domain.Criterion `yaml:"effort"`
	MinXP      int              `yaml:"min_xp"`
	MinMinutes float64          `yaml:"min_minutes"`
}

// GatingWeights weight each criterion in the progress percentage. They must sum to 1.
type GatingWeights struct {
	Items    float64 `yaml:"items"`
	Accuracy float64 `yaml:"accuracy"`
	Sessions float64 `yaml:"sessions"`
	Effort   float64 `yaml:"effort"`
}

// SkillShare is one row of a tier's skill-distribution table
type SkillShare struct {
	Skill   string  `yaml:"skill"`
	Percent float64 `yaml:"percent"`
}

// DifficultyBand is the base difficulty range of a tier
type DifficultyBand struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// DedupConfig holds session overlap settings
type DedupConfig struct {
	OverlapThreshold float64 `yaml:"overlap_threshold"`
	// OverlapWindow is the number of recent sessions whose members are compared.
	OverlapWindow int `yaml:"overlap_window"`
}

// RetentionConfig bounds stored history
type RetentionConfig struct {
	MaxFingerprints   int           `yaml:"max_fingerprints"`
	MaxSessions       int           `yaml:"max_sessions"`
	MaxAgeDays        int           `yaml:"max_age_days"`
	AgeSweepEvery     int           `yaml:"age_sweep_every_writes"`
	AppliedSessionTTL time.Duration `yaml:"applied_session_ttl"`
}

// PlannerConfig holds skill distribution planning settings
type PlannerConfig struct {
	UnderRepresentedShare float64 `yaml:"under_represented_share"`
	AvoidListSize         int     `yaml:"avoid_list_size"`
	MaxBatchSize          int     `yaml:"max_batch_size"`
	HighAccuracy          float64 `yaml:"high_accuracy"`
	LowAccuracy           float64 `yaml:"low_accuracy"`
	DifficultyNudge       float64 `yaml:"difficulty_nudge"`
}

// ProgressionConfig holds ledger update rules
type ProgressionConfig struct {
	WeakSkillWindow       int         `yaml:"weak_skill_window"`
	WeakSkillMinSessions  int         `yaml:"weak_skill_min_sessions"`
	WeakSkillCap          int         `yaml:"weak_skill_cap"`
	StrongSkillCap        int         `yaml:"strong_skill_cap"`
	StrongSessionAccuracy float64     `yaml:"strong_session_accuracy"`
	RecentSessionWindow   int         `yaml:"recent_session_window"`
	Retry                 RetryConfig `yaml:"retry"`
}

// RetryConfig configures optimistic-concurrency retries
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// ValidationConfig bounds candidate shape
type ValidationConfig struct {
	MinOptions int `yaml:"min_options"`
	MaxOptions int `yaml:"max_options"`
}

// DefaultEngineConfig returns the built-in five-tier progression
func DefaultEngineConfig() *EngineConfig {
	equal := GatingWeights{Items: 0.25, Accuracy: 0.25, Sessions: 0.25, Effort: 0.25}
	return &EngineConfig{
		Tiers: []TierConfig{
			{
				Name:       "beginner",
				Thresholds: Thresholds{MinItems: 40, MinAccuracy: 0.70, MinSessions: 5, Effort: domain.CriterionXP, MinXP: 400},
				Weights:    equal,
				Distribution: []SkillShare{
					{Skill: "greetings", Percent: 25},
					{Skill: "basic-needs", Percent: 25},
					{Skill: "courtesy", Percent: 20},
					{Skill: "personal-info", Percent: 15},
					{Skill: "emergency-help", Percent: 15},
				},
				MinVariationsPerSkill: 5,
				Difficulty:            DifficultyBand{Min: 0.1, Max: 0.3},
			},
			{
				Name:       "elementary",
				Thresholds: Thresholds{MinItems: 60, MinAccuracy: 0.72, MinSessions: 7, Effort: domain.CriterionXP, MinXP: 700},
				Weights:    equal,
				Distribution: []SkillShare{
					{Skill: "daily-routine", Percent: 25},
					{Skill: "food-and-dining", Percent: 20},
					{Skill: "directions", Percent: 20},
					{Skill: "shopping", Percent: 20},
					{Skill: "time-and-dates", Percent: 15},
				},
				MinVariationsPerSkill: 6,
				Difficulty:            DifficultyBand{Min: 0.25, Max: 0.45},
			},
			{
				Name:       "intermediate",
				Thresholds: Thresholds{MinItems: 80, MinAccuracy: 0.75, MinSessions: 9, Effort: domain.CriterionMinutes, MinMinutes: 240},
				Weights:    equal,
				Distribution: []SkillShare{
					{Skill: "travel", Percent: 20},
					{Skill: "work-and-school", Percent: 20},
					{Skill: "health", Percent: 20},
					{Skill: "past-events", Percent: 20},
					{Skill: "opinions", Percent: 20},
				},
				MinVariationsPerSkill: 8,
				Difficulty:            DifficultyBand{Min: 0.4, Max: 0.6},
			},
			{
				Name:       "upper-intermediate",
				Thresholds: Thresholds{MinItems: 100, MinAccuracy: 0.78, MinSessions: 11, Effort: domain.CriterionMinutes, MinMinutes: 360},
				Weights:    equal,
				Distribution: []SkillShare{
					{Skill: "storytelling", Percent: 25},
					{Skill: "debate", Percent: 25},
					{Skill: "idioms", Percent: 25},
					{Skill: "formal-writing", Percent: 25},
				},
				MinVariationsPerSkill: 10,
				Difficulty:            DifficultyBand{Min: 0.55, Max: 0.75},
			},
			{
				Name:       "advanced",
				Thresholds: Thresholds{MinItems: 120, MinAccuracy: 0.80, MinSessions: 12, Effort: domain.CriterionXP, MinXP: 1500},
				Weights:    equal,
				Distribution: []SkillShare{
					{Skill: "nuance", Percent: 25},
					{Skill: "culture", Percent: 25},
					{Skill: "professional", Percent: 25},
					{Skill: "literature", Percent: 25},
				},
				MinVariationsPerSkill: 12,
				Difficulty:            DifficultyBand{Min: 0.7, Max: 0.9},
			},
		},
		Dedup: DedupConfig{
			OverlapThreshold: 0.5,
			OverlapWindow:    10,
		},
		Retention: RetentionConfig{
			MaxFingerprints:   200,
			MaxSessions:       50,
			MaxAgeDays:        90,
			AgeSweepEvery:     25,
			AppliedSessionTTL: 7 * 24 * time.Hour,
		},
		Planner: PlannerConfig{
			UnderRepresentedShare: 0.6,
			AvoidListSize:         50,
			MaxBatchSize:          50,
			HighAccuracy:          0.9,
			LowAccuracy:           0.6,
			DifficultyNudge:       0.05,
		},
		Progression: ProgressionConfig{
			WeakSkillWindow:       3,
			WeakSkillMinSessions:  2,
			WeakSkillCap:          5,
			StrongSkillCap:        5,
			StrongSessionAccuracy: 0.85,
			RecentSessionWindow:   5,
			Retry: RetryConfig{
				MaxAttempts:  5,
				InitialDelay: 10 * time.Millisecond,
				MaxDelay:     250 * time.Millisecond,
			},
		},
		Validation: ValidationConfig{
			MinOptions: 2,
			MaxOptions: 6,
		},
	}
}

// LoadEngineConfig loads the engine configuration from a YAML file.
// A missing file yields the defaults; keys present in the file override them.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read engine config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse engine config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveEngineConfig writes cfg to path as YAML
func SaveEngineConfig(path string, cfg *EngineConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal engine config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write engine config: %w", err)
	}
	return nil
}

// Validate checks internal consistency of the configuration
func (c *EngineConfig) Validate() error {
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}

	prevMin := -1.0
	for i, t := range c.Tiers {
		if t.Name == "" {
			return fmt.Errorf("tier %d: name is required", i)
		}
		if err := t.Thresholds.validate(); err != nil {
			return fmt.Errorf("tier %s: %w", t.Name, err)
		}
		if sum := t.Weights.sum(); sum != 0 && math.Abs(sum-1) > 1e-6 {
			return fmt.Errorf("tier %s: gating weights sum to %.4f, want 1", t.Name, sum)
		}
		if len(t.Distribution) == 0 {
			return fmt.Errorf("tier %s: distribution table is empty", t.Name)
		}
		seen := make(map[string]bool, len(t.Distribution))
		total := 0.0
		for _, s := range t.Distribution {
			if s.Skill == "" || s.Percent <= 0 {
				return fmt.Errorf("tier %s: distribution rows need a skill and a positive percent", t.Name)
			}
			if seen[s.Skill] {
				return fmt.Errorf("tier %s: duplicate skill %q", t.Name, s.Skill)
			}
			seen[s.Skill] = true
			total += s.Percent
		}
		if math.Abs(total-100) > 0.01 {
			return fmt.Errorf("tier %s: distribution sums to %.2f%%, want 100%%", t.Name, total)
		}
		if t.Difficulty.Min < 0 || t.Difficulty.Max > 1 || t.Difficulty.Min > t.Difficulty.Max {
			return fmt.Errorf("tier %s: difficulty band must satisfy 0 <= min <= max <= 1", t.Name)
		}
		if t.Difficulty.Min < prevMin {
			return fmt.Errorf("tier %s: difficulty must not decrease with tier", t.Name)
		}
		prevMin = t.Difficulty.Min
		if t.OverlapThreshold != nil && (*t.OverlapThreshold < 0 || *t.OverlapThreshold > 1) {
			return fmt.Errorf("tier %s: overlap threshold must be within [0, 1]", t.Name)
		}
	}

	if c.Dedup.OverlapThreshold < 0 || c.Dedup.OverlapThreshold > 1 {
		return fmt.Errorf("dedup.overlap_threshold must be within [0, 1]")
	}
	if c.Planner.UnderRepresentedShare < 0 || c.Planner.UnderRepresentedShare > 1 {
		return fmt.Errorf("planner.under_represented_share must be within [0, 1]")
	}
	if c.Retention.MaxFingerprints <= 0 || c.Retention.MaxSessions <= 0 {
		return fmt.Errorf("retention caps must be positive")
	}
	if c.Validation.MinOptions < 1 || (c.Validation.MaxOptions > 0 && c.Validation.MaxOptions < c.Validation.MinOptions) {
		return fmt.Errorf("validation option bounds are inconsistent")
	}
	return nil
}

// Tier returns the configuration of tier i
func (c *EngineConfig) Tier(i int) (TierConfig, error) {
	if i < 0 || i >= len(c.Tiers) {
		return TierConfig{}, fmt.Errorf("%w: %d (configured 0..%d)", domain.ErrUnknownTier, i, len(c.Tiers)-1)
	}
	return c.Tiers[i], nil
}

// TerminalTier returns the index of the last tier
func (c *EngineConfig) TerminalTier() int {
	return len(c.Tiers) - 1
}

// OverlapThreshold returns the session overlap threshold for tier i
func (c *EngineConfig) OverlapThreshold(i int) float64 {
	if i >= 0 && i < len(c.Tiers) && c.Tiers[i].OverlapThreshold != nil {
		return *c.Tiers[i].OverlapThreshold
	}
	return c.Dedup.OverlapThreshold
}

// HasSkill reports whether skill appears in the distribution table of the tier
func (t TierConfig) HasSkill(skill string) bool {
	for _, s := range t.Distribution {
		if s.Skill == skill {
			return true
		}
	}
	return false
}

// EffectiveWeights returns the configured weights, or equal weights when unset
func (t TierConfig) EffectiveWeights() GatingWeights {
	if t.Weights.sum() == 0 {
		return GatingWeights{Items: 0.25, Accuracy: 0.25, Sessions: 0.25, Effort: 0.25}
	}
	return t.Weights
}

func (w GatingWeights) sum() float64 {
	return w.Items + w.Accuracy + w.Sessions + w.Effort
}

func (th Thresholds) validate() error {
	if th.MinItems < 0 || th.MinSessions < 0 || th.MinXP < 0 || th.MinMinutes < 0 {
		return fmt.Errorf("thresholds must not be negative")
	}
	if th.MinAccuracy < 0 || th.MinAccuracy > 1 {
		return fmt.Errorf("min_accuracy must be within [0, 1]")
	}
	switch th.Effort {
	case domain.CriterionXP, domain.CriterionMinutes:
		return nil
	default:
		return fmt.Errorf("effort criterion %q is not one of xp, minutes", th.Effort)
	}
}
