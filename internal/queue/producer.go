package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/google/uuid"
)

// Producer publishes session result jobs and their outcomes
type Producer struct {
	conn *Connection
}

// NewProducer creates a new queue producer
func NewProducer(conn *Connection) *Producer {
	return &Producer{conn: conn}
}

// PublishSessionResult enqueues a session result for ingestion
func (p *Producer) PublishSessionResult(ctx context.Context, job *SessionResultJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	if err := p.conn.PublishJSON(ctx, SessionResultQueueName, job); err != nil {
		return fmt.Errorf("failed to publish session result: %w", err)
	}

	slog.Info("published session result",
		"job_id", job.ID,
		"owner", job.OwnerID,
		"tier", job.Tier,
		"session_id", job.SessionID,
	)

	return nil
}

// PublishOutcome publishes what ingestion did with a job
func (p *Producer) PublishOutcome(ctx context.Context, outcome *JobOutcome) error {
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = time.Now()
	}

	if err := p.conn.PublishJSON(ctx, OutcomeQueueName, outcome); err != nil {
		return fmt.Errorf("failed to publish job outcome: %w", err)
	}

	slog.Debug("published job outcome",
		"job_id", outcome.JobID,
		"status", outcome.Status,
		"duration", outcome.Duration,
	)

	return nil
}

// NewSessionResultJob creates a job with a fresh ID
func NewSessionResultJob(ownerID string, tier int, sessionID string, result domain.SessionResult) *SessionResultJob {
	return &SessionResultJob{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Tier:      tier,
		SessionID: sessionID,
		Result:    result,
		CreatedAt: time.Now(),
	}
}
