package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if len(cfg.Tiers) != 5 {
		t.Fatalf("len(Tiers) = %d, want 5", len(cfg.Tiers))
	}
	if cfg.TerminalTier() != 4 {
		t.Errorf("TerminalTier() = %d, want 4", cfg.TerminalTier())
	}
	if cfg.Dedup.OverlapThreshold != 0.5 {
		t.Errorf("Dedup.OverlapThreshold = %v, want 0.5", cfg.Dedup.OverlapThreshold)
	}
	if cfg.Retention.MaxFingerprints != 200 {
		t.Errorf("Retention.MaxFingerprints = %d, want 200", cfg.Retention.MaxFingerprints)
	}
	if cfg.Retention.MaxSessions != 50 {
		t.Errorf("Retention.MaxSessions = %d, want 50", cfg.Retention.MaxSessions)
	}
	if cfg.Planner.UnderRepresentedShare != 0.6 {
		t.Errorf("Planner.UnderRepresentedShare = %v, want 0.6", cfg.Planner.UnderRepresentedShare)
	}
	if cfg.Planner.AvoidListSize != 50 {
		t.Errorf("Planner.AvoidListSize = %d, want 50", cfg.Planner.AvoidListSize)
	}
}

func TestDefaultEngineConfig_Beginner(t *testing.T) {
	tier, err := DefaultEngineConfig().Tier(0)
	if err != nil {
		t.Fatalf("Tier(0) error = %v", err)
	}

	th := tier.Thresholds
	if th.MinItems != 40 || th.MinAccuracy != 0.70 || th.MinSessions != 5 || th.MinXP != 400 {
		t.Errorf("beginner thresholds = %+v", th)
	}
	if th.Effort != domain.CriterionXP {
		t.Errorf("Effort = %q, want xp", th.Effort)
	}

	want := map[string]float64{
		"greetings":      25,
		"basic-needs":    25,
		"courtesy":       20,
		"personal-info":  15,
		"emergency-help": 15,
	}
	for _, s := range tier.Distribution {
		if want[s.Skill] != s.Percent {
			t.Errorf("Distribution[%s] = %v, want %v", s.Skill, s.Percent, want[s.Skill])
		}
	}
	if tier.Difficulty.Min != 0.1 || tier.Difficulty.Max != 0.3 {
		t.Errorf("Difficulty = %+v, want 0.1-0.3", tier.Difficulty)
	}
}

func TestDefaultEngineConfig_DifficultyIncreases(t *testing.T) {
	cfg := DefaultEngineConfig()
	for i := 1; i < len(cfg.Tiers); i++ {
		if cfg.Tiers[i].Difficulty.Min < cfg.Tiers[i-1].Difficulty.Min {
			t.Errorf("tier %d difficulty %v below tier %d", i, cfg.Tiers[i].Difficulty.Min, i-1)
		}
	}
}

func TestEngineConfig_Tier(t *testing.T) {
	cfg := DefaultEngineConfig()

	for _, i := range []int{-1, 5, 99} {
		if _, err := cfg.Tier(i); !errors.Is(err, domain.ErrUnknownTier) {
			t.Errorf("Tier(%d) error = %v, want ErrUnknownTier", i, err)
		}
	}
}

func TestEngineConfig_OverlapThreshold(t *testing.T) {
	cfg := DefaultEngineConfig()
	strict := 0.25
	cfg.Tiers[2].OverlapThreshold = &strict

	if got := cfg.OverlapThreshold(0); got != 0.5 {
		t.Errorf("OverlapThreshold(0) = %v, want 0.5", got)
	}
	if got := cfg.OverlapThreshold(2); got != 0.25 {
		t.Errorf("OverlapThreshold(2) = %v, want 0.25", got)
	}
	if got := cfg.OverlapThreshold(42); got != 0.5 {
		t.Errorf("OverlapThreshold(42) = %v, want default", got)
	}
}

func TestTierConfig_EffectiveWeights(t *testing.T) {
	tier := TierConfig{}
	w := tier.EffectiveWeights()
	if math.Abs(w.sum()-1) > 1e-9 {
		t.Errorf("EffectiveWeights() sum = %v, want 1", w.sum())
	}

	tier.Weights = GatingWeights{Items: 0.4, Accuracy: 0.4, Sessions: 0.1, Effort: 0.1}
	if got := tier.EffectiveWeights(); got != tier.Weights {
		t.Errorf("EffectiveWeights() = %+v, want configured weights", got)
	}
}

func TestEngineConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"no tiers", func(c *EngineConfig) { c.Tiers = nil }},
		{"distribution not 100", func(c *EngineConfig) { c.Tiers[0].Distribution[0].Percent = 30 }},
		{"duplicate skill", func(c *EngineConfig) { c.Tiers[0].Distribution[1].Skill = "greetings" }},
		{"weights not 1", func(c *EngineConfig) { c.Tiers[1].Weights.Items = 0.5 }},
		{"bad effort", func(c *EngineConfig) { c.Tiers[0].Thresholds.Effort = "stars" }},
		{"accuracy above 1", func(c *EngineConfig) { c.Tiers[0].Thresholds.MinAccuracy = 1.5 }},
		{"difficulty decreases", func(c *EngineConfig) { c.Tiers[3].Difficulty = DifficultyBand{Min: 0.1, Max: 0.2} }},
		{"inverted band", func(c *EngineConfig) { c.Tiers[0].Difficulty = DifficultyBand{Min: 0.3, Max: 0.1} }},
		{"overlap above 1", func(c *EngineConfig) { c.Dedup.OverlapThreshold = 1.2 }},
		{"zero fingerprint cap", func(c *EngineConfig) { c.Retention.MaxFingerprints = 0 }},
		{"option bounds", func(c *EngineConfig) { c.Validation.MaxOptions = 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultEngineConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestLoadEngineConfig_DefaultsWhenNoFile(t *testing.T) {
	cfg, err := LoadEngineConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadEngineConfig() error = %v", err)
	}
	if len(cfg.Tiers) != 5 {
		t.Errorf("len(Tiers) = %d, want 5", len(cfg.Tiers))
	}
}

func TestLoadEngineConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
dedup:
  overlap_threshold: 0.4
retention:
  max_fingerprints: 120
planner:
  under_represented_share: 0.5
tiers:
  - name: starter
    thresholds:
      min_items: 10
      min_accuracy: 0.6
      min_sessions: 2
      effort: minutes
      min_minutes: 30
    distribution:
      - skill: greetings
        percent: 50
      - skill: numbers
        percent: 50
    min_variations_per_skill: 3
    difficulty:
      min: 0.1
      max: 0.2
  - name: finisher
    thresholds:
      min_items: 20
      min_accuracy: 0.8
      min_sessions: 4
      effort: xp
      min_xp: 100
    distribution:
      - skill: stories
        percent: 100
    difficulty:
      min: 0.5
      max: 0.9
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig() error = %v", err)
	}

	if len(cfg.Tiers) != 2 {
		t.Fatalf("len(Tiers) = %d, want 2", len(cfg.Tiers))
	}
	if cfg.Tiers[0].Thresholds.Effort != domain.CriterionMinutes {
		t.Errorf("Effort = %q, want minutes", cfg.Tiers[0].Thresholds.Effort)
	}
	if cfg.Dedup.OverlapThreshold != 0.4 {
		t.Errorf("OverlapThreshold = %v, want 0.4", cfg.Dedup.OverlapThreshold)
	}
	if cfg.Retention.MaxFingerprints != 120 {
		t.Errorf("MaxFingerprints = %d, want 120", cfg.Retention.MaxFingerprints)
	}
	// Keys absent from the file keep their defaults
	if cfg.Retention.MaxSessions != 50 {
		t.Errorf("MaxSessions = %d, want default 50", cfg.Retention.MaxSessions)
	}
	if cfg.Progression.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want default 5", cfg.Progression.Retry.MaxAttempts)
	}
	if cfg.TerminalTier() != 1 {
		t.Errorf("TerminalTier() = %d, want 1", cfg.TerminalTier())
	}
}

func TestLoadEngineConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("tiers: [unterminated"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := LoadEngineConfig(path); err == nil {
		t.Error("LoadEngineConfig() should fail on invalid YAML")
	}
}

func TestLoadEngineConfig_RejectsInconsistentTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	content := `
tiers:
  - name: only
    thresholds: {min_items: 1, min_accuracy: 0.5, min_sessions: 1, effort: xp, min_xp: 1}
    distribution:
      - {skill: a, percent: 40}
      - {skill: b, percent: 40}
    difficulty: {min: 0.1, max: 0.2}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := LoadEngineConfig(path); err == nil {
		t.Error("LoadEngineConfig() should reject distribution not summing to 100")
	}
}

func TestSaveEngineConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	cfg := DefaultEngineConfig()
	cfg.Retention.AppliedSessionTTL = 48 * time.Hour

	if err := SaveEngineConfig(path, cfg); err != nil {
		t.Fatalf("SaveEngineConfig() error = %v", err)
	}

	loaded, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig() error = %v", err)
	}
	if loaded.Retention.AppliedSessionTTL != 48*time.Hour {
		t.Errorf("AppliedSessionTTL = %v, want 48h", loaded.Retention.AppliedSessionTTL)
	}
	if loaded.Tiers[4].Name != "advanced" {
		t.Errorf("Tiers[4].Name = %q, want advanced", loaded.Tiers[4].Name)
	}
}
