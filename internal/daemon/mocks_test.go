package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/engine"
	"github.com/felixgeelhaar/polyglot/internal/progression"
	"github.com/felixgeelhaar/polyglot/internal/queue"
	"github.com/felixgeelhaar/polyglot/internal/retention"
)

var errNotImplemented = errors.New("mock: not implemented")

// mockEngine implements engine.Service for testing
type mockEngine struct {
	requestBatchFn        func(ctx context.Context, ownerID string, tier, batchSize int) (*domain.Plan, error)
	submitCandidatesFn    func(ctx context.Context, ownerID string, tier int, candidates []domain.ExerciseItem) (*engine.CandidateResult, error)
	submitSessionResultFn func(ctx context.Context, ownerID string, tier int, sessionID string, result domain.SessionResult) (*progression.Outcome, error)
	getGatingStatusFn     func(ctx context.Context, ownerID string, tier int) (domain.GatingStatus, error)
	clearHistoryFn        func(ctx context.Context, ownerID string) (*engine.ClearReport, error)
	removeFingerprintFn   func(ctx context.Context, ownerID string, tier int, hash string) (bool, error)
	removeExerciseFn      func(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error)
	isDuplicateFn         func(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error)
	progressionFn         func(ctx context.Context, ownerID string) (*domain.UserProgressionState, error)
	masteryFn             func(ctx context.Context, ownerID string, tier int) ([]domain.SkillMasteryRecord, error)
	sweepFn               func(ctx context.Context) (retention.SweepReport, error)
}

var _ engine.Service = (*mockEngine)(nil)

func (m *mockEngine) RequestBatch(ctx context.Context, ownerID string, tier, batchSize int) (*domain.Plan, error) {
	if m.requestBatchFn != nil {
		return m.requestBatchFn(ctx, ownerID, tier, batchSize)
	}
	return nil, errNotImplemented
}

func (m *mockEngine) SubmitCandidates(ctx context.Context, ownerID string, tier int, candidates []domain.ExerciseItem) (*engine.CandidateResult, error) {
	if m.submitCandidatesFn != nil {
		return m.submitCandidatesFn(ctx, ownerID, tier, candidates)
	}
	return nil, errNotImplemented
}

func (m *mockEngine) SubmitSessionResult(ctx context.Context, ownerID string, tier int, sessionID string, result domain.SessionResult) (*progression.Outcome, error) {
	if m.submitSessionResultFn != nil {
		return m.submitSessionResultFn(ctx, ownerID, tier, sessionID, result)
	}
	return nil, errNotImplemented
}

func (m *mockEngine) GetGatingStatus(ctx context.Context, ownerID string, tier int) (domain.GatingStatus, error) {
	if m.getGatingStatusFn != nil {
		return m.getGatingStatusFn(ctx, ownerID, tier)
	}
	return domain.GatingStatus{}, errNotImplemented
}

func (m *mockEngine) ClearHistory(ctx context.Context, ownerID string) (*engine.ClearReport, error) {
	if m.clearHistoryFn != nil {
		return m.clearHistoryFn(ctx, ownerID)
	}
	return nil, errNotImplemented
}

func (m *mockEngine) RemoveFingerprint(ctx context.Context, ownerID string, tier int, hash string) (bool, error) {
	if m.removeFingerprintFn != nil {
		return m.removeFingerprintFn(ctx, ownerID, tier, hash)
	}
	return false, errNotImplemented
}

func (m *mockEngine) RemoveExercise(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error) {
	if m.removeExerciseFn != nil {
		return m.removeExerciseFn(ctx, ownerID, tier, item)
	}
	return false, errNotImplemented
}

func (m *mockEngine) IsDuplicate(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error) {
	if m.isDuplicateFn != nil {
		return m.isDuplicateFn(ctx, ownerID, tier, item)
	}
	return false, errNotImplemented
}

func (m *mockEngine) Progression(ctx context.Context, ownerID string) (*domain.UserProgressionState, error) {
	if m.progressionFn != nil {
		return m.progressionFn(ctx, ownerID)
	}
	return nil, errNotImplemented
}

func (m *mockEngine) Mastery(ctx context.Context, ownerID string, tier int) ([]domain.SkillMasteryRecord, error) {
	if m.masteryFn != nil {
		return m.masteryFn(ctx, ownerID, tier)
	}
	return nil, errNotImplemented
}

func (m *mockEngine) Sweep(ctx context.Context) (retention.SweepReport, error) {
	if m.sweepFn != nil {
		return m.sweepFn(ctx)
	}
	return retention.SweepReport{}, errNotImplemented
}

// mockPinger implements Pinger for testing
type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.err
}

// mockPublisher implements ResultPublisher and records published jobs
type mockPublisher struct {
	mu   sync.Mutex
	jobs []*queue.SessionResultJob
	err  error
}

func (m *mockPublisher) PublishSessionResult(ctx context.Context, job *queue.SessionResultJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs = append(m.jobs, job)
	return nil
}
