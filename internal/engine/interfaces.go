package engine

import (
	"context"

	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/progression"
	"github.com/felixgeelhaar/polyglot/internal/retention"
)

// Service is the engine surface used by the daemon handlers, the queue consumer and the MCP server
type Service interface {
	// RequestBatch returns the distribution plan for the next batch
	RequestBatch(ctx context.Context, ownerID string, tier, batchSize int) (*domain.Plan, error)

	// SubmitCandidates filters generated items and persists the accepted ones
	SubmitCandidates(ctx context.Context, ownerID string, tier int, candidates []domain.ExerciseItem) (*CandidateResult, error)

	// SubmitSessionResult records learner outcomes; idempotent on sessionID
	SubmitSessionResult(ctx context.Context, ownerID string, tier int, sessionID string, result domain.SessionResult) (*progression.Outcome, error)

	// GetGatingStatus evaluates advancement for a tier
	GetGatingStatus(ctx context.Context, ownerID string, tier int) (domain.GatingStatus, error)

	// ClearHistory removes fingerprint and session history; progression is kept
	ClearHistory(ctx context.Context, ownerID string) (*ClearReport, error)

	// RemoveFingerprint deletes one known-bad fingerprint
	RemoveFingerprint(ctx context.Context, ownerID string, tier int, hash string) (bool, error)

	// RemoveExercise deletes the fingerprint of one known-bad item
	RemoveExercise(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error)

	// IsDuplicate reports whether an item was already served in the active window
	IsDuplicate(ctx context.Context, ownerID string, tier int, item domain.ExerciseItem) (bool, error)

	// Progression returns the learner's progression state
	Progression(ctx context.Context, ownerID string) (*domain.UserProgressionState, error)

	// Mastery returns skill mastery records of a tier
	Mastery(ctx context.Context, ownerID string, tier int) ([]domain.SkillMasteryRecord, error)

	// Sweep applies retention caps to every stored scope
	Sweep(ctx context.Context) (retention.SweepReport, error)
}

// Ensure Engine implements Service
var _ Service = (*Engine)(nil)
