// Package progression accumulates per-tier learner statistics and decides tier advancement.
package progression

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/storage"
)

// Outcome is the result of recording a session
type Outcome struct {
	OwnerID     string              `json:"owner_id"`
	Tier        int                 `json:"tier"`
	SessionID   string              `json:"session_id"`
	Ledger      domain.LevelLedger  `json:"ledger"`
	Gating      domain.GatingStatus `json:"gating"`
	Advanced    bool                `json:"advanced"`
	NewTier     *int                `json:"new_tier,omitempty"`
	CurrentTier int                 `json:"current_tier"`
	// Replayed is set when sessionID had already been applied; nothing was counted twice.
	Replayed bool `json:"replayed"`
}

// Ledger is the progression ledger. It owns progression state, tier ledgers and mastery records.
type Ledger struct {
	uow     storage.UnitOfWork
	cfg     *config.EngineConfig
	retrier retry.Retry[*Outcome]
	now     func() time.Time
}

// NewLedger creates a progression ledger
func NewLedger(uow storage.UnitOfWork, cfg *config.EngineConfig) *Ledger {
	rc := cfg.Progression.Retry
	attempts := rc.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Ledger{
		uow: uow,
		cfg: cfg,
		retrier: retry.New[*Outcome](retry.Config{
			MaxAttempts:   attempts,
			InitialDelay:  rc.InitialDelay,
			MaxDelay:      rc.MaxDelay,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable: func(err error) bool {
				return errors.Is(err, domain.ErrConflict)
			},
		}),
		now: time.Now,
	}
}

// WithClock returns a copy of l using now as its time source
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	c := *l
	c.now = now
	return &c
}

// RecordSession applies one session result atomically. Replays of sessionID are no-ops that
// return the originally recorded advancement. Exhausted version conflicts surface as
// domain.ErrConcurrencyConflict with nothing applied.
func (l *Ledger) RecordSession(ctx context.Context, ownerID string, tier int, sessionID string, result domain.SessionResult) (*Outcome, error) {
	tc, err := l.validate(ownerID, tier, sessionID, result)
	if err != nil {
		return nil, err
	}

	var lastErr error
	out, err := l.retrier.Do(ctx, func(ctx context.Context) (*Outcome, error) {
		var out *Outcome
		lastErr = storage.WithinTx(ctx, l.uow, ownerID, func(tx storage.UnitOfWork) error {
			var err error
			out, err = l.record(ctx, tx, tc, ownerID, tier, sessionID, result)
			return err
		})
		return out, lastErr
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(lastErr, domain.ErrConflict) {
			slog.Warn("progression update conflicted",
				"owner", ownerID, "tier", tier, "session_id", sessionID, "error", lastErr)
			return nil, fmt.Errorf("%w: record session %s", domain.ErrConcurrencyConflict, sessionID)
		}
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}

	if out.Advanced && !out.Replayed {
		slog.Info("tier advanced", "owner", ownerID, "from", tier, "to", *out.NewTier)
	}
	return out, nil
}

func (l *Ledger) record(ctx context.Context, tx storage.UnitOfWork, tc config.TierConfig, ownerID string, tier int, sessionID string, result domain.SessionResult) (*Outcome, error) {
	repo := tx.Progression()

	applied, err := repo.AppliedSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("check applied session: %w", err)
	}

	state, err := l.load(ctx, repo, ownerID)
	if err != nil {
		return nil, err
	}

	if applied != nil {
		slog.Debug("session replay ignored", "owner", ownerID, "session_id", sessionID)
		return l.outcome(state, applied.Tier, sessionID, applied.Advanced, applied.NewTier, true), nil
	}

	now := l.now().UTC()
	expected := state.Version
	ledger := applyResult(state, tier, result, l.cfg.Progression, now)

	var newTier *int
	status := Evaluate(tc, tier, *ledger, tier == l.cfg.TerminalTier())
	if status.CanAdvance && ledger.Unlocked && !ledger.Completed {
		next := advance(state, tier, now)
		newTier = &next
	}

	if err := repo.Save(ctx, state, expected); err != nil {
		return nil, err
	}
	if err := l.observeMastery(ctx, repo, ownerID, tier, result, now); err != nil {
		return nil, err
	}
	err = repo.MarkApplied(ctx, domain.AppliedSession{
		OwnerID:   ownerID,
		SessionID: sessionID,
		Tier:      tier,
		Advanced:  newTier != nil,
		NewTier:   newTier,
		AppliedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("mark session applied: %w", err)
	}

	return l.outcome(state, tier, sessionID, newTier != nil, newTier, false), nil
}

func (l *Ledger) observeMastery(ctx context.Context, repo storage.ProgressionRepository, ownerID string, tier int, result domain.SessionResult, now time.Time) error {
	if len(result.PerSkillOutcomes) == 0 {
		return nil
	}
	existing, err := repo.Mastery(ctx, ownerID, tier)
	if err != nil {
		return fmt.Errorf("read mastery: %w", err)
	}
	bySkill := make(map[string]domain.SkillMasteryRecord, len(existing))
	for _, r := range existing {
		bySkill[r.SkillTag] = r
	}

	skills := make([]string, 0, len(result.PerSkillOutcomes))
	for skill := range result.PerSkillOutcomes {
		skills = append(skills, skill)
	}
	sort.Strings(skills)

	for _, skill := range skills {
		o := result.PerSkillOutcomes[skill]
		if o.Attempts == 0 {
			continue
		}
		rec, ok := bySkill[skill]
		if !ok {
			rec = domain.SkillMasteryRecord{OwnerID: ownerID, Tier: tier, SkillTag: skill}
		}
		rec.Observe(o.Attempts, o.Correct, now)
		if err := repo.SaveMastery(ctx, rec); err != nil {
			return fmt.Errorf("save mastery %s: %w", skill, err)
		}
	}
	return nil
}

// EvaluateGating returns the gating decision for tier from committed state.
// An owner without data gets the decision for an empty ledger.
func (l *Ledger) EvaluateGating(ctx context.Context, ownerID string, tier int) (domain.GatingStatus, error) {
	tc, err := l.cfg.Tier(tier)
	if err != nil {
		return domain.GatingStatus{}, err
	}
	state, err := l.State(ctx, ownerID)
	if err != nil {
		return domain.GatingStatus{}, err
	}
	return Evaluate(tc, tier, state.Ledger(tier), tier == l.cfg.TerminalTier()), nil
}

// State returns the progression state of ownerID, or a fresh tier-0 state when none exists.
func (l *Ledger) State(ctx context.Context, ownerID string) (*domain.UserProgressionState, error) {
	return l.load(ctx, l.uow.Progression(), ownerID)
}

// TierLedger returns the ledger of one tier
func (l *Ledger) TierLedger(ctx context.Context, ownerID string, tier int) (domain.LevelLedger, error) {
	if _, err := l.cfg.Tier(tier); err != nil {
		return domain.LevelLedger{}, err
	}
	state, err := l.State(ctx, ownerID)
	if err != nil {
		return domain.LevelLedger{}, err
	}
	return state.Ledger(tier), nil
}

// Mastery returns the skill mastery records of (owner, tier)
func (l *Ledger) Mastery(ctx context.Context, ownerID string, tier int) ([]domain.SkillMasteryRecord, error) {
	if _, err := l.cfg.Tier(tier); err != nil {
		return nil, err
	}
	records, err := l.uow.Progression().Mastery(ctx, ownerID, tier)
	if err != nil {
		return nil, fmt.Errorf("read mastery: %w", err)
	}
	return records, nil
}

func (l *Ledger) load(ctx context.Context, repo storage.ProgressionRepository, ownerID string) (*domain.UserProgressionState, error) {
	state, err := repo.Get(ctx, ownerID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewProgressionState(ownerID, l.now().UTC()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load progression: %w", err)
	}
	return state, nil
}

func (l *Ledger) outcome(state *domain.UserProgressionState, tier int, sessionID string, advanced bool, newTier *int, replayed bool) *Outcome {
	tc, _ := l.cfg.Tier(tier)
	ledger := state.Ledger(tier)
	return &Outcome{
		OwnerID:     state.OwnerID,
		Tier:        tier,
		SessionID:   sessionID,
		Ledger:      ledger,
		Gating:      Evaluate(tc, tier, ledger, tier == l.cfg.TerminalTier()),
		Advanced:    advanced,
		NewTier:     newTier,
		CurrentTier: state.CurrentTier,
		Replayed:    replayed,
	}
}

func (l *Ledger) validate(ownerID string, tier int, sessionID string, result domain.SessionResult) (config.TierConfig, error) {
	if strings.TrimSpace(ownerID) == "" {
		return config.TierConfig{}, domain.NewValidationError(domain.CodeMissingOwner, "owner_id", "owner is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return config.TierConfig{}, domain.NewValidationError(domain.CodeMissingSessionID, "session_id", "session id is required")
	}
	tc, err := l.cfg.Tier(tier)
	if err != nil {
		return config.TierConfig{}, err
	}
	if err := result.Validate(); err != nil {
		return config.TierConfig{}, err
	}
	for skill := range result.PerSkillOutcomes {
		if !tc.HasSkill(skill) {
			return config.TierConfig{}, domain.NewValidationError(domain.CodeUnknownSkill, "per_skill_outcomes",
				"skill %q is not part of tier %s", skill, tc.Name)
		}
	}
	for _, skill := range result.ErrorFocus {
		if !tc.HasSkill(skill) {
			return config.TierConfig{}, domain.NewValidationError(domain.CodeUnknownSkill, "error_focus",
				"skill %q is not part of tier %s", skill, tc.Name)
		}
	}
	return tc, nil
}
