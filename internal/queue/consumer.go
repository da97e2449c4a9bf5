package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/progression"
	amqp "github.com/rabbitmq/amqp091-go"
)

// SessionHandler applies one session result job
type SessionHandler func(ctx context.Context, job *SessionResultJob) (*progression.Outcome, error)

// OutcomePublisher receives the outcome of every processed job
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, outcome *JobOutcome) error
}

// Consumer consumes session result jobs from the queue
type Consumer struct {
	conn       *Connection
	handler    SessionHandler
	publisher  OutcomePublisher
	workers    int
	prefetch   int
	jobTimeout time.Duration
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Workers    int           // Number of concurrent workers
	Prefetch   int           // Prefetch count per worker
	JobTimeout time.Duration // Deadline for one SessionHandler call
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:    3,
		Prefetch:   1,
		JobTimeout: 30 * time.Second,
	}
}

func (cfg ConsumerConfig) withDefaults() ConsumerConfig {
	def := DefaultConsumerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = def.Prefetch
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	return cfg
}

// NewConsumer creates a new queue consumer that publishes outcomes on conn
func NewConsumer(conn *Connection, handler SessionHandler, cfg ConsumerConfig) *Consumer {
	c := newConsumer(handler, NewProducer(conn), cfg)
	c.conn = conn
	return c
}

func newConsumer(handler SessionHandler, publisher OutcomePublisher, cfg ConsumerConfig) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		handler:    handler,
		publisher:  publisher,
		workers:    cfg.Workers,
		prefetch:   cfg.Prefetch,
		jobTimeout: cfg.JobTimeout,
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancelFunc = context.WithCancel(ctx)

	ch := c.conn.Channel()

	if err := ch.Qos(c.prefetch*c.workers, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		SessionResultQueueName,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (manual ack for reliability)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	slog.Info("starting session result consumer", "workers", c.workers, "prefetch", c.prefetch)

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i, msgs)
	}

	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker stopping", "worker_id", id)
			return

		case msg, ok := <-msgs:
			if !ok {
				slog.Info("message channel closed", "worker_id", id)
				return
			}

			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage applies one delivery. Malformed and invalid jobs are rejected,
// a first conflict is requeued, everything else is acknowledged.
func (c *Consumer) processMessage(ctx context.Context, workerID int, msg amqp.Delivery) {
	start := time.Now()

	var job SessionResultJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		slog.Error("failed to unmarshal job", "worker_id", workerID, "error", err)
		_ = msg.Reject(false)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	result, err := c.handler(jobCtx, &job)

	outcome := &JobOutcome{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		SessionID: job.SessionID,
		Duration:  time.Since(start),
	}

	switch {
	case err == nil:
		outcome.Status = StatusApplied
		if result.Replayed {
			outcome.Status = StatusReplayed
		}
		outcome.Advanced = result.Advanced
		outcome.NewTier = result.NewTier
		outcome.CurrentTier = result.CurrentTier

	case errors.Is(err, domain.ErrConcurrencyConflict) && !msg.Redelivered:
		slog.Warn("session result conflicted, requeueing",
			"worker_id", workerID,
			"job_id", job.ID,
			"owner", job.OwnerID,
		)
		_ = msg.Nack(false, true)
		return

	case errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrUnknownTier):
		slog.Warn("session result rejected",
			"worker_id", workerID,
			"job_id", job.ID,
			"owner", job.OwnerID,
			"error", err,
		)
		outcome.Status = StatusRejected
		outcome.Error = err.Error()
		if ve, ok := domain.AsValidation(err); ok {
			outcome.Code = string(ve.Code)
		}
		c.publish(ctx, workerID, outcome)
		_ = msg.Reject(false)
		return

	default:
		slog.Error("session result failed",
			"worker_id", workerID,
			"job_id", job.ID,
			"owner", job.OwnerID,
			"error", err,
		)
		outcome.Status = StatusFailed
		outcome.Error = err.Error()
	}

	c.publish(ctx, workerID, outcome)

	if err := msg.Ack(false); err != nil {
		slog.Error("failed to ack message", "worker_id", workerID, "job_id", job.ID, "error", err)
	}
}

func (c *Consumer) publish(ctx context.Context, workerID int, outcome *JobOutcome) {
	outcome.CompletedAt = time.Now()
	if err := c.publisher.PublishOutcome(ctx, outcome); err != nil {
		slog.Error("failed to publish outcome",
			"worker_id", workerID,
			"job_id", outcome.JobID,
			"error", err,
		)
	}
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	slog.Info("consumer stopped")
}

// OutcomeHandler handles the outcome of a specific job
type OutcomeHandler func(outcome *JobOutcome)

// OutcomeConsumer dispatches job outcomes to per-job subscribers
type OutcomeConsumer struct {
	conn       *Connection
	handlers   map[string]OutcomeHandler
	handlersMu sync.RWMutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewOutcomeConsumer creates an outcome consumer
func NewOutcomeConsumer(conn *Connection) *OutcomeConsumer {
	return &OutcomeConsumer{
		conn:     conn,
		handlers: make(map[string]OutcomeHandler),
	}
}

// Subscribe registers a handler for the outcome of jobID
func (oc *OutcomeConsumer) Subscribe(jobID string, handler OutcomeHandler) {
	oc.handlersMu.Lock()
	defer oc.handlersMu.Unlock()
	oc.handlers[jobID] = handler
}

// Unsubscribe removes a handler
func (oc *OutcomeConsumer) Unsubscribe(jobID string) {
	oc.handlersMu.Lock()
	defer oc.handlersMu.Unlock()
	delete(oc.handlers, jobID)
}

// Start begins consuming outcomes
func (oc *OutcomeConsumer) Start(ctx context.Context) error {
	ctx, oc.cancelFunc = context.WithCancel(ctx)

	msgs, err := oc.conn.Channel().Consume(
		OutcomeQueueName,
		"",    // consumer tag
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start outcome consumer: %w", err)
	}

	oc.wg.Add(1)
	go oc.consume(ctx, msgs)

	return nil
}

func (oc *OutcomeConsumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer oc.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			oc.dispatch(msg.Body)
		}
	}
}

func (oc *OutcomeConsumer) dispatch(body []byte) {
	var outcome JobOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		slog.Error("failed to unmarshal outcome", "error", err)
		return
	}

	oc.handlersMu.RLock()
	handler, ok := oc.handlers[outcome.JobID.String()]
	oc.handlersMu.RUnlock()

	if ok {
		handler(&outcome)
	}
}

// Stop stops the outcome consumer
func (oc *OutcomeConsumer) Stop() {
	if oc.cancelFunc != nil {
		oc.cancelFunc()
	}
	oc.wg.Wait()
}
