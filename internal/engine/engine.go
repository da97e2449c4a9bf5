// Package engine is the entry point of the exercise diversity and progression gating engine.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/dedup"
	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/fingerprint"
	"github.com/felixgeelhaar/polyglot/internal/planner"
	"github.com/felixgeelhaar/polyglot/internal/progression"
	"github.com/felixgeelhaar/polyglot/internal/retention"
	"github.com/felixgeelhaar/polyglot/internal/storage"
)

// RejectReason explains why a candidate was not accepted
type RejectReason string

const (
	RejectInvalid          RejectReason = "invalid"
	RejectDuplicate        RejectReason = "duplicate"
	RejectDuplicateInBatch RejectReason = "duplicate_in_batch"
	RejectSessionDuplicate RejectReason = "duplicate_session"
	RejectSessionOverlap   RejectReason = "overlap_exceeded"
)

// AcceptedItem is a candidate that was persisted
type AcceptedItem struct {
	Index int                 `json:"index"`
	Hash  string              `json:"hash"`
	Item  domain.ExerciseItem `json:"item"`
}

// Rejection describes one refused candidate
type Rejection struct {
	Index   int                   `json:"index"`
	Hash    string                `json:"hash,omitempty"`
	Reason  RejectReason          `json:"reason"`
	Code    domain.ValidationCode `json:"code,omitempty"`
	Message string                `json:"message,omitempty"`
}

// CandidateResult is the outcome of SubmitCandidates. Partial acceptance is normal;
// callers request more candidates from the generation provider to fill the batch.
type CandidateResult struct {
	Accepted      []AcceptedItem  `json:"accepted"`
	Rejected      []Rejection     `json:"rejected"`
	RejectedCount int             `json:"rejected_count"`
	Session       *dedup.Decision `json:"session,omitempty"`
}

// ClearReport counts what ClearHistory removed
type ClearReport struct {
	Fingerprints int64 `json:"fingerprints"`
	Sessions     int64 `json:"sessions"`
}

// Engine wires the fingerprint store, session guard, planner, ledger and retention policy
type Engine struct {
	cfg          *config.EngineConfig
	store        storage.Store
	retention    *retention.Policy
	fingerprints *dedup.Store
	guard        *dedup.Guard
	ledger       *progression.Ledger
	planner      *planner.Planner
}

// Option configures an Engine
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source of every component
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates an Engine over store
func New(store storage.Store, cfg *config.EngineConfig, opts ...Option) *Engine {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	policy := retention.NewPolicy(cfg.Retention, retention.WithClock(o.now))
	fps := dedup.NewStore(store, policy).WithClock(o.now)
	ledger := progression.NewLedger(store, cfg).WithClock(o.now)

	return &Engine{
		cfg:          cfg,
		store:        store,
		retention:    policy,
		fingerprints: fps,
		guard:        dedup.NewGuard(store, cfg, policy).WithClock(o.now),
		ledger:       ledger,
		planner:      planner.New(cfg, ledger, fps).WithClock(o.now),
	}
}

// Config returns the engine configuration
func (e *Engine) Config() *config.EngineConfig {
	return e.cfg
}

// RequestBatch returns the distribution plan for the next batch
func (e *Engine) RequestBatch(ctx context.Context, ownerID string, tier, batchSize int) (*domain.Plan, error) {
	return e.planner.BuildPlan(ctx, ownerID, tier, batchSize)
}

// SubmitCandidates validates, fingerprints and de-duplicates candidates, then persists the
// accepted subset together with its session fingerprint in one transaction.
func (e *Engine) SubmitCandidates(ctx context.Context, ownerID string, tier int, candidates []domain.ExerciseItem) (*CandidateResult, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.NewValidationError(domain.CodeMissingOwner, "owner_id", "owner is required")
	}
	tc, err := e.cfg.Tier(tier)
	if err != nil {
		return nil, err
	}

	res := &CandidateResult{Accepted: []AcceptedItem{}, Rejected: []Rejection{}}
	var valid []AcceptedItem
	for i, item := range candidates {
		if err := e.validateCandidate(tc, item); err != nil {
			ve, _ := domain.AsValidation(err)
			res.Rejected = append(res.Rejected, Rejection{Index: i, Reason: RejectInvalid, Code: ve.Code, Message: ve.Message})
			continue
		}
		valid = append(valid, AcceptedItem{Index: i, Hash: fingerprint.Item(item), Item: item})
	}

	err = storage.WithinTx(ctx, e.store, ownerID, func(tx storage.UnitOfWork) error {
		fps := e.fingerprints.Within(tx)
		guard := e.guard.Within(tx)

		seen := make(map[string]bool, len(valid))
		var fresh []AcceptedItem
		for _, c := range valid {
			if seen[c.Hash] {
				res.Rejected = append(res.Rejected, Rejection{Index: c.Index, Hash: c.Hash, Reason: RejectDuplicateInBatch})
				continue
			}
			seen[c.Hash] = true

			dup, err := fps.HasHash(ctx, ownerID, tier, c.Hash)
			if err != nil {
				return err
			}
			if dup {
				res.Rejected = append(res.Rejected, Rejection{Index: c.Index, Hash: c.Hash, Reason: RejectDuplicate})
				continue
			}
			fresh = append(fresh, c)
		}
		if len(fresh) == 0 {
			return nil
		}

		members := make([]string, len(fresh))
		for i, c := range fresh {
			members[i] = c.Hash
		}
		decision, err := guard.Check(ctx, ownerID, tier, members)
		if err != nil {
			return err
		}
		res.Session = &decision
		if !decision.Accepted {
			for _, c := range fresh {
				res.Rejected = append(res.Rejected, Rejection{Index: c.Index, Hash: c.Hash, Reason: RejectReason(decision.Reason)})
			}
			return nil
		}

		for _, c := range fresh {
			if _, _, err := fps.Record(ctx, ownerID, tier, c.Item, c.Item.SkillTag); err != nil {
				return err
			}
		}
		if _, err := guard.Record(ctx, ownerID, tier, members); err != nil {
			return err
		}
		res.Accepted = fresh
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("submit candidates: %w", err)
	}

	sort.SliceStable(res.Rejected, func(i, j int) bool { return res.Rejected[i].Index < res.Rejected[j].Index })
	res.RejectedCount = len(res.Rejected)
	if res.RejectedCount > 0 {
		slog.Info("candidates rejected",
			"owner", ownerID,
			"tier", tier,
			"accepted", len(res.Accepted),
			"rejected", res.RejectedCount,
		)
	}
	return res, nil
}

func (e *Engine) validateCandidate(tc config.TierConfig, item domain.ExerciseItem) error {
	if err := item.Validate(e.cfg.Validation.MinOptions, e.cfg.Validation.MaxOptions); err != nil {
		return err
	}
	if !tc.HasSkill(item.SkillTag) {
		return domain.NewValidationError(domain.CodeUnknownSkill, "skill_tag",
			"skill %q is not part of tier %s", item.SkillTag, tc.Name)
	}
	return nil
}

// SubmitSessionResult records learner outcomes. Replays of sessionID are no-ops.
func (e *Engine) SubmitSessionResult(ctx context.Context, ownerID string, tier int, sessionID string, result domain.SessionResult) (*progression.Outcome, error) {
	return e.ledger.RecordSession(ctx, ownerID, tier, sessionID, result)
}

// GetGatingStatus evaluates advancement for a tier
func (e *Engine) GetGatingStatus(ctx context.Context, ownerID string, tier int) (domain.GatingStatus, error) {
	return e.ledger.EvaluateGating(ctx, ownerID, tier)
}

// ClearHistory removes every fingerprint and session fingerprint of ownerID atomically.
// Progression state and mastery records are kept.
func (e *Engine) ClearHistory(ctx context.Context, ownerID string) (*ClearReport, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.NewValidationError(domain.CodeMissingOwner, "owner_id", "owner is required")
	}

	report := &ClearReport{}
	err := storage.WithinTx(ctx, e.store, ownerID, func(tx storage.UnitOfWork) error {
		var err error
		if report.Fingerprints, err = e.fingerprints.Within(tx).ClearAll(ctx, ownerID); err != nil {
			return err
		}
		report.Sessions, err = e.guard.Within(tx).ClearAll(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("clear history: %w", err)
	}

	slog.Info("history cleared", "owner", ownerID,
		"fingerprints", report.Fingerprints, "sessions", report.Sessions)
	return report, nil
}

// RemoveFingerprint deletes one fingerprint by hash
func (e *Engine) RemoveFingerprint(ctx context.Context, ownerID string, tier int, hash string) (bool, error) {
	if _, err := e.cfg.Tier(tier); err != nil {
		return false, err
	}
	removed, err := e.fingerprints.RemoveHash(ctx, ownerID, tier, hash)
	if err != nil {
		return false, err
	}
	if removed {
		slog.Info("fingerprint removed", "owner", ownerID, "tier", tier, "hash", hash)
	}
	return removed, nil
}

// RemoveExercise deletes the fingerprint of one known-bad item
func (e *Engine) RemoveExercise(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error) {
	return e.RemoveFingerprint(ctx, ownerID, tier, fingerprint.Item(item))
}

// IsDuplicate reports whether item is in the active window of (owner, tier)
func (e *Engine) IsDuplicate(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error) {
	return e.fingerprints.IsDuplicate(ctx, ownerID, tier, item)
}

// Progression returns the learner's progression state
func (e *Engine) Progression(ctx context.Context, ownerID string) (*domain.UserProgressionState, error) {
	return e.ledger.State(ctx, ownerID)
}

// Mastery returns skill mastery records of a tier
func (e *Engine) Mastery(ctx context.Context, ownerID string, tier int) ([]domain.SkillMasteryRecord, error) {
	return e.ledger.Mastery(ctx, ownerID, tier)
}

// Sweep applies retention caps to every stored scope
func (e *Engine) Sweep(ctx context.Context) (retention.SweepReport, error) {
	return e.retention.Sweep(ctx, e.store)
}

// Retention returns the retention policy, for the periodic sweeper
func (e *Engine) Retention() *retention.Policy {
	return e.retention
}
