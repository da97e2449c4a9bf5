package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/felixgeelhaar/polyglot/internal/storage"
)

// Sweeper runs Policy.Sweep periodically in the background.
type Sweeper struct {
	policy    *Policy
	store     storage.Store
	interval  time.Duration
	scheduler *gocron.Scheduler
	logger    *slog.Logger
}

// NewSweeper creates a sweeper that runs every interval
func NewSweeper(policy *Policy, store storage.Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		policy:    policy,
		store:     store,
		interval:  interval,
		scheduler: gocron.NewScheduler(time.UTC),
		logger:    logger,
	}
}

// Start schedules the sweep and returns immediately.
// Overlapping runs are skipped.
func (s *Sweeper) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", s.interval)
	}

	s.scheduler.SingletonModeAll()
	if _, err := s.scheduler.Every(s.interval).WaitForSchedule().Do(s.RunOnce); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.scheduler.StartAsync()

	s.logger.Info("retention sweeper started", "interval", s.interval)
	return nil
}

// Stop terminates the scheduler
func (s *Sweeper) Stop() {
	s.scheduler.Stop()
}

// RunOnce performs a single sweep bounded by the interval
func (s *Sweeper) RunOnce() {
	timeout := s.interval
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	report, err := s.policy.Sweep(ctx, s.store)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep complete",
		"scopes", report.Scopes,
		"failed_scopes", report.FailedScopes,
		"fingerprints_evicted", report.FingerprintsEvicted,
		"sessions_evicted", report.SessionsEvicted,
		"applied_pruned", report.AppliedPruned,
		"duration", report.Duration,
	)
}
