package daemon

import (
	"net/http"
	"strconv"

	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/queue"
)

// PlanRequest is the body of a plan request
type PlanRequest struct {
	BatchSize int `json:"batch_size"`
}

// CandidatesRequest is the body of a candidate submission
type CandidatesRequest struct {
	Candidates []domain.ExerciseItem `json:"candidates"`
}

// ItemRequest wraps a single exercise item
type ItemRequest struct {
	Item domain.ExerciseItem `json:"item"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.tierParam(w, r)
	if !ok {
		return
	}

	var req PlanRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	plan, err := s.engine.RequestBatch(r.Context(), r.PathValue("owner"), tier, req.BatchSize)
	if err != nil {
		s.engineError(w, "failed to build plan", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, plan)
}

func (s *Server) handleSubmitCandidates(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.tierParam(w, r)
	if !ok {
		return
	}

	var req CandidatesRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	result, err := s.engine.SubmitCandidates(r.Context(), r.PathValue("owner"), tier, req.Candidates)
	if err != nil {
		s.engineError(w, "failed to submit candidates", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, result)
}

func (s *Server) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.tierParam(w, r)
	if !ok {
		return
	}

	var req ItemRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	dup, err := s.engine.IsDuplicate(r.Context(), r.PathValue("owner"), tier, req.Item)
	if err != nil {
		s.engineError(w, "failed to check duplicate", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"duplicate": dup})
}

func (s *Server) handleSessionResult(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.tierParam(w, r)
	if !ok {
		return
	}

	var result domain.SessionResult
	if !s.decodeBody(w, r, &result) {
		return
	}

	owner, sessionID := r.PathValue("owner"), r.PathValue("session")

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		s.enqueueSessionResult(w, r, owner, tier, sessionID, result)
		return
	}

	outcome, err := s.engine.SubmitSessionResult(r.Context(), owner, tier, sessionID, result)
	if err != nil {
		s.engineError(w, "failed to record session result", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, outcome)
}

// enqueueSessionResult validates the counters up front and hands the result to the queue
func (s *Server) enqueueSessionResult(w http.ResponseWriter, r *http.Request, owner string, tier int, sessionID string, result domain.SessionResult) {
	if s.publisher == nil {
		s.jsonError(w, http.StatusServiceUnavailable, "async ingestion is disabled", nil)
		return
	}
	if _, err := s.engineCfg.Tier(tier); err != nil {
		s.engineError(w, "failed to queue session result", err)
		return
	}
	if err := result.Validate(); err != nil {
		s.engineError(w, "failed to queue session result", err)
		return
	}

	job := queue.NewSessionResultJob(owner, tier, sessionID, result)
	if err := s.publisher.PublishSessionResult(r.Context(), job); err != nil {
		s.jsonError(w, http.StatusBadGateway, "failed to queue session result", err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID.String(),
		"status":     "queued",
		"session_id": sessionID,
	})
}

func (s *Server) handleGating(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.tierParam(w, r)
	if !ok {
		return
	}

	status, err := s.engine.GetGatingStatus(r.Context(), r.PathValue("owner"), tier)
	if err != nil {
		s.engineError(w, "failed to evaluate gating", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, status)
}

func (s *Server) handleMastery(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.tierParam(w, r)
	if !ok {
		return
	}

	records, err := s.engine.Mastery(r.Context(), r.PathValue("owner"), tier)
	if err != nil {
		s.engineError(w, "failed to get mastery", err)
		return
	}
	if records == nil {
		records = []domain.SkillMasteryRecord{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"tier":   tier,
		"skills": records,
	})
}

func (s *Server) handleProgression(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.Progression(r.Context(), r.PathValue("owner"))
	if err != nil {
		s.engineError(w, "failed to get progression", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, state)
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.ClearHistory(r.Context(), r.PathValue("owner"))
	if err != nil {
		s.engineError(w, "failed to clear history", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}

func (s *Server) handleRemoveFingerprint(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.tierParam(w, r)
	if !ok {
		return
	}

	hash := r.PathValue("hash")
	removed, err := s.engine.RemoveFingerprint(r.Context(), r.PathValue("owner"), tier, hash)
	if err != nil {
		s.engineError(w, "failed to remove fingerprint", err)
		return
	}
	if !removed {
		s.jsonError(w, http.StatusNotFound, "fingerprint not found", nil)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"removed": true, "hash": hash})
}

func (s *Server) handleRemoveExercise(w http.ResponseWriter, r *http.Request) {
	tier, ok := s.tierParam(w, r)
	if !ok {
		return
	}

	var req ItemRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	removed, err := s.engine.RemoveExercise(r.Context(), r.PathValue("owner"), tier, req.Item)
	if err != nil {
		s.engineError(w, "failed to remove exercise", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Sweep(r.Context())
	if err != nil {
		s.engineError(w, "retention sweep failed", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}
