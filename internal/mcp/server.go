// Package mcp exposes the engine as MCP tools for agent callers.
package mcp

import (
	"context"
	"fmt"
	"strings"

	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"
	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/engine"
	"github.com/google/uuid"
)

// Server wraps the MCP server with Polyglot functionality
type Server struct {
	mcpServer *server.Server
	engine    engine.Service
}

// Config contains configuration for the MCP server
type Config struct {
	Engine engine.Service
}

// NewServer creates a new MCP server for Polyglot
func NewServer(cfg Config) *Server {
	s := &Server{
		engine: cfg.Engine,
	}

	s.mcpServer = server.New(server.Info{
		Name:    "polyglot",
		Version: "0.1.0",
	}, server.WithInstructions(`
Polyglot keeps generated language exercises varied and gates tier advancement.

Typical flow for one batch:
1. polyglot_plan: get per-skill quotas, an avoid list and a difficulty hint
2. generate items that follow the plan
3. polyglot_submit_candidates: filter out repeats; only accepted items may be served
4. polyglot_submit_result: record the learner's session outcome
5. polyglot_gating: see whether the learner can advance and what blocks them

Other tools:
- polyglot_progress: lifetime progression and per-tier ledgers
- polyglot_clear_history: forget served items (progression is kept)
- polyglot_remove_fingerprint: drop one known-bad item from history
`))

	s.registerTools()

	return s
}

// registerTools registers all Polyglot MCP tools
func (s *Server) registerTools() {
	s.mcpServer.Tool("polyglot_plan").
		Description("Build the distribution plan for the next exercise batch.").
		Handler(s.handlePlan)

	s.mcpServer.Tool("polyglot_submit_candidates").
		Description("Submit generated exercise items; repeats and overlapping sessions are rejected.").
		Handler(s.handleSubmitCandidates)

	s.mcpServer.Tool("polyglot_submit_result").
		Description("Record a completed session. Resubmitting the same session_id is a no-op.").
		Handler(s.handleSubmitResult)

	s.mcpServer.Tool("polyglot_gating").
		Description("Check whether the learner may advance from a tier.").
		Handler(s.handleGating)

	s.mcpServer.Tool("polyglot_progress").
		Description("Get the learner's progression across tiers.").
		Handler(s.handleProgress)

	s.mcpServer.Tool("polyglot_clear_history").
		Description("Forget every served exercise of a learner. Progression is kept.").
		Handler(s.handleClearHistory)

	s.mcpServer.Tool("polyglot_remove_fingerprint").
		Description("Remove one exercise fingerprint so the item may be served again.").
		Handler(s.handleRemoveFingerprint)
}

// Input/Output types for tools

type PlanInput struct {
	OwnerID   string `json:"owner_id" jsonschema:"description=Learner ID"`
	Tier      int    `json:"tier" jsonschema:"description=Tier index starting at 0"`
	BatchSize int    `json:"batch_size" jsonschema:"description=Number of items to generate"`
}

type PlanOutput struct {
	Plan    *domain.Plan `json:"plan"`
	Summary string       `json:"summary"`
}

type CandidatesInput struct {
	OwnerID    string                `json:"owner_id" jsonschema:"description=Learner ID"`
	Tier       int                   `json:"tier" jsonschema:"description=Tier index starting at 0"`
	Candidates []domain.ExerciseItem `json:"candidates" jsonschema:"description=Generated items with skill_tag question options and correct_index"`
}

type CandidatesOutput struct {
	AcceptedIndexes []int              `json:"accepted_indexes"`
	Rejected        []engine.Rejection `json:"rejected"`
	Summary         string             `json:"summary"`
}

type ResultInput struct {
	OwnerID   string `json:"owner_id" jsonschema:"description=Learner ID"`
	Tier      int    `json:"tier" jsonschema:"description=Tier the session was played in"`
	SessionID string `json:"session_id,omitempty" jsonschema:"description=Idempotency key; generated when empty"`
	domain.SessionResult
}

type ResultOutput struct {
	SessionID   string   `json:"session_id"`
	Advanced    bool     `json:"advanced"`
	CurrentTier int      `json:"current_tier"`
	Replayed    bool     `json:"replayed"`
	Progress    int      `json:"progress_percentage"`
	Blocking    []string `json:"blocking_reasons"`
}

type TierInput struct {
	OwnerID string `json:"owner_id" jsonschema:"description=Learner ID"`
	Tier    int    `json:"tier" jsonschema:"description=Tier index starting at 0"`
}

type GatingOutput struct {
	CanAdvance bool     `json:"can_advance"`
	Progress   int      `json:"progress_percentage"`
	Blocking   []string `json:"blocking_reasons"`
	Maxed      bool     `json:"maxed"`
}

type OwnerInput struct {
	OwnerID string `json:"owner_id" jsonschema:"description=Learner ID"`
}

type ProgressOutput struct {
	State *domain.UserProgressionState `json:"state"`
}

type ClearOutput struct {
	Fingerprints int64  `json:"fingerprints"`
	Sessions     int64  `json:"sessions"`
	Message      string `json:"message"`
}

type RemoveInput struct {
	OwnerID string `json:"owner_id" jsonschema:"description=Learner ID"`
	Tier    int    `json:"tier" jsonschema:"description=Tier index starting at 0"`
	Hash    string `json:"hash" jsonschema:"description=Fingerprint hash returned by polyglot_submit_candidates"`
}

type RemoveOutput struct {
	Removed bool `json:"removed"`
}

// Tool handlers

func (s *Server) handlePlan(ctx context.Context, input PlanInput) (PlanOutput, error) {
	plan, err := s.engine.RequestBatch(ctx, input.OwnerID, input.Tier, input.BatchSize)
	if err != nil {
		return PlanOutput{}, fmt.Errorf("failed to build plan: %w", err)
	}

	parts := make([]string, 0, len(plan.Quotas))
	for _, q := range plan.Quotas {
		if q.Count > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", q.SkillTag, q.Count))
		}
	}
	summary := strings.Join(parts, ", ")
	if plan.Degraded {
		summary += fmt.Sprintf(" (degraded: %s)", plan.Degradation)
	}

	return PlanOutput{Plan: plan, Summary: summary}, nil
}

func (s *Server) handleSubmitCandidates(ctx context.Context, input CandidatesInput) (CandidatesOutput, error) {
	res, err := s.engine.SubmitCandidates(ctx, input.OwnerID, input.Tier, input.Candidates)
	if err != nil {
		return CandidatesOutput{}, fmt.Errorf("failed to submit candidates: %w", err)
	}

	out := CandidatesOutput{
		AcceptedIndexes: make([]int, 0, len(res.Accepted)),
		Rejected:        res.Rejected,
	}
	for _, a := range res.Accepted {
		out.AcceptedIndexes = append(out.AcceptedIndexes, a.Index)
	}
	out.Summary = fmt.Sprintf("%d accepted, %d rejected", len(res.Accepted), res.RejectedCount)
	if res.Session != nil && !res.Session.Accepted {
		out.Summary += fmt.Sprintf(" (session %s, overlap %.2f)", res.Session.Reason, res.Session.Overlap)
	}
	return out, nil
}

func (s *Server) handleSubmitResult(ctx context.Context, input ResultInput) (ResultOutput, error) {
	sessionID := input.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	outcome, err := s.engine.SubmitSessionResult(ctx, input.OwnerID, input.Tier, sessionID, input.SessionResult)
	if err != nil {
		return ResultOutput{}, fmt.Errorf("failed to record session: %w", err)
	}

	return ResultOutput{
		SessionID:   sessionID,
		Advanced:    outcome.Advanced,
		CurrentTier: outcome.CurrentTier,
		Replayed:    outcome.Replayed,
		Progress:    outcome.Gating.ProgressPercentage,
		Blocking:    outcome.Gating.Reasons(),
	}, nil
}

func (s *Server) handleGating(ctx context.Context, input TierInput) (GatingOutput, error) {
	status, err := s.engine.GetGatingStatus(ctx, input.OwnerID, input.Tier)
	if err != nil {
		return GatingOutput{}, fmt.Errorf("failed to evaluate gating: %w", err)
	}

	return GatingOutput{
		CanAdvance: status.CanAdvance,
		Progress:   status.ProgressPercentage,
		Blocking:   status.Reasons(),
		Maxed:      status.Maxed,
	}, nil
}

func (s *Server) handleProgress(ctx context.Context, input OwnerInput) (ProgressOutput, error) {
	state, err := s.engine.Progression(ctx, input.OwnerID)
	if err != nil {
		return ProgressOutput{}, fmt.Errorf("failed to get progression: %w", err)
	}
	return ProgressOutput{State: state}, nil
}

func (s *Server) handleClearHistory(ctx context.Context, input OwnerInput) (ClearOutput, error) {
	report, err := s.engine.ClearHistory(ctx, input.OwnerID)
	if err != nil {
		return ClearOutput{}, fmt.Errorf("failed to clear history: %w", err)
	}

	return ClearOutput{
		Fingerprints: report.Fingerprints,
		Sessions:     report.Sessions,
		Message:      "History cleared; progression kept",
	}, nil
}

func (s *Server) handleRemoveFingerprint(ctx context.Context, input RemoveInput) (RemoveOutput, error) {
	removed, err := s.engine.RemoveFingerprint(ctx, input.OwnerID, input.Tier, input.Hash)
	if err != nil {
		return RemoveOutput{}, fmt.Errorf("failed to remove fingerprint: %w", err)
	}
	return RemoveOutput{Removed: removed}, nil
}

// ServeStdio starts the MCP server on stdio
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP starts the MCP server on HTTP (alternative transport)
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server (for testing)
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
