// Package retention bounds the size and age of stored dedup history.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/storage"
)

// Policy applies the configured caps. All bound operations are idempotent.
type Policy struct {
	cfg    config.RetentionConfig
	now    func() time.Time
	writes atomic.Uint64
}

// Option configures a Policy
type Option func(*Policy)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// NewPolicy creates a Policy from configuration
func NewPolicy(cfg config.RetentionConfig, opts ...Option) *Policy {
	p := &Policy{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the caps in effect
func (p *Policy) Config() config.RetentionConfig {
	return p.cfg
}

// MaxAge returns the age cutoff as a duration, or 0 when age eviction is disabled.
func (p *Policy) MaxAge() time.Duration {
	if p.cfg.MaxAgeDays <= 0 {
		return 0
	}
	return time.Duration(p.cfg.MaxAgeDays) * 24 * time.Hour
}

// BoundFingerprints evicts the oldest fingerprints of the scope until at most maxCount remain.
func (p *Policy) BoundFingerprints(ctx context.Context, uow storage.UnitOfWork, ownerID string, tier, maxCount int) (int64, error) {
	if maxCount <= 0 {
		return 0, nil
	}
	n, err := uow.Fingerprints().Count(ctx, ownerID, tier)
	if err != nil {
		return 0, err
	}
	if n <= maxCount {
		return 0, nil
	}
	return uow.Fingerprints().EvictOldest(ctx, ownerID, tier, maxCount)
}

// BoundByAge evicts fingerprints of the scope older than maxAgeDays.
func (p *Policy) BoundByAge(ctx context.Context, uow storage.UnitOfWork, ownerID string, tier, maxAgeDays int) (int64, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := p.now().AddDate(0, 0, -maxAgeDays)
	return uow.Fingerprints().EvictBefore(ctx, ownerID, tier, cutoff)
}

// BoundSessions keeps the newest keep session fingerprints of the scope.
func (p *Policy) BoundSessions(ctx context.Context, uow storage.UnitOfWork, ownerID string, tier, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	return uow.Sessions().EvictOldest(ctx, ownerID, tier, keep)
}

// PruneAppliedSessions forgets replay markers recorded before olderThan.
// A session ID pruned here is applied again if resubmitted.
func (p *Policy) PruneAppliedSessions(ctx context.Context, uow storage.UnitOfWork, olderThan time.Time) (int64, error) {
	return uow.Progression().PruneApplied(ctx, olderThan)
}

// AfterFingerprintWrite enforces the count cap and, on every Nth write, the age cap.
// It runs inside the caller's transaction.
func (p *Policy) AfterFingerprintWrite(ctx context.Context, uow storage.UnitOfWork, ownerID string, tier int) error {
	evicted, err := p.BoundFingerprints(ctx, uow, ownerID, tier, p.cfg.MaxFingerprints)
	if err != nil {
		return fmt.Errorf("bound fingerprints: %w", err)
	}

	var aged int64
	if every := p.cfg.AgeSweepEvery; every > 0 && p.writes.Add(1)%uint64(every) == 0 {
		aged, err = p.BoundByAge(ctx, uow, ownerID, tier, p.cfg.MaxAgeDays)
		if err != nil {
			return fmt.Errorf("bound fingerprints by age: %w", err)
		}
	}

	if evicted > 0 || aged > 0 {
		slog.Debug("fingerprints evicted",
			"owner", ownerID, "tier", tier, "over_cap", evicted, "aged", aged)
	}
	return nil
}

// AfterSessionWrite enforces the session history cap.
func (p *Policy) AfterSessionWrite(ctx context.Context, uow storage.UnitOfWork, ownerID string, tier int) error {
	if _, err := p.BoundSessions(ctx, uow, ownerID, tier, p.cfg.MaxSessions); err != nil {
		return fmt.Errorf("bound sessions: %w", err)
	}
	return nil
}

// SweepReport summarizes one sweep
type SweepReport struct {
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
	Scopes              int           `json:"scopes"`
	FailedScopes        int           `json:"failed_scopes"`
	FingerprintsEvicted int64         `json:"fingerprints_evicted"`
	SessionsEvicted     int64         `json:"sessions_evicted"`
	AppliedPruned       int64         `json:"applied_pruned"`
}

// Sweep applies every cap to every scope, one transaction per scope.
// The age cutoff is fixed when the sweep starts; records inserted later are never evicted by it.
func (p *Policy) Sweep(ctx context.Context, store storage.Store) (SweepReport, error) {
	report := SweepReport{StartedAt: p.now()}
	var cutoff time.Time
	if age := p.MaxAge(); age > 0 {
		cutoff = report.StartedAt.Add(-age)
	}

	scopes, err := store.Scopes(ctx)
	if err != nil {
		return report, fmt.Errorf("list scopes: %w", err)
	}
	report.Scopes = len(scopes)

	for _, sc := range scopes {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var fps, sess int64
		err := storage.WithinTx(ctx, store, sc.OwnerID, func(tx storage.UnitOfWork) error {
			n, err := p.BoundFingerprints(ctx, tx, sc.OwnerID, sc.Tier, p.cfg.MaxFingerprints)
			if err != nil {
				return err
			}
			fps += n
			if n, err = p.BoundSessions(ctx, tx, sc.OwnerID, sc.Tier, p.cfg.MaxSessions); err != nil {
				return err
			}
			sess += n

			if cutoff.IsZero() {
				return nil
			}
			if n, err = tx.Fingerprints().EvictBefore(ctx, sc.OwnerID, sc.Tier, cutoff); err != nil {
				return err
			}
			fps += n
			if n, err = tx.Sessions().EvictBefore(ctx, sc.OwnerID, sc.Tier, cutoff); err != nil {
				return err
			}
			sess += n
			return nil
		})
		if err != nil {
			report.FailedScopes++
			slog.Warn("retention sweep failed for scope",
				"owner", sc.OwnerID, "tier", sc.Tier, "error", err)
			continue
		}
		report.FingerprintsEvicted += fps
		report.SessionsEvicted += sess
	}

	if ttl := p.cfg.AppliedSessionTTL; ttl > 0 {
		n, err := p.PruneAppliedSessions(ctx, store, report.StartedAt.Add(-ttl))
		if err != nil {
			return report, fmt.Errorf("prune applied sessions: %w", err)
		}
		report.AppliedPruned = n
	}

	report.Duration = p.now().Sub(report.StartedAt)
	return report, nil
}
