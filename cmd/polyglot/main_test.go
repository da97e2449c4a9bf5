package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/felixgeelhaar/polyglot/internal/config"
)

// fakeDaemon records requests and answers from a route table
type fakeDaemon struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
}

func newFakeDaemon(t *testing.T) (*fakeDaemon, *httptest.Server) {
	t.Helper()
	d := &fakeDaemon{routes: map[string]func(http.ResponseWriter, *http.Request){}}
	srv := httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(srv.Close)
	return d, srv
}

func (d *fakeDaemon) handle(pattern string, status int, body any) {
	d.routes[pattern] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (d *fakeDaemon) serve(w http.ResponseWriter, r *http.Request) {
	rec := recordedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Query: r.URL.RawQuery}
	_ = json.NewDecoder(r.Body).Decode(&rec.Body)

	d.mu.Lock()
	d.requests = append(d.requests, rec)
	d.mu.Unlock()

	if h, ok := d.routes[r.Method+" "+r.URL.EscapedPath()]; ok {
		h(w, r)
		return
	}
	http.NotFound(w, r)
}

func (d *fakeDaemon) last() recordedRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return recordedRequest{}
	}
	return d.requests[len(d.requests)-1]
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		value float64
		want  string
	}{
		{0, "[░░░░]"},
		{0.5, "[██░░]"},
		{1, "[████]"},
		{1.7, "[████]"},
		{-0.3, "[░░░░]"},
	}

	for _, tt := range tests {
		if got := renderProgressBar(tt.value, 4); got != tt.want {
			t.Errorf("renderProgressBar(%v, 4) = %q; want %q", tt.value, got, tt.want)
		}
	}
}

func TestTierPath(t *testing.T) {
	got, err := tierPath("ana maria", "2", "gating")
	if err != nil {
		t.Fatalf("tierPath: %v", err)
	}
	if want := "/v1/owners/ana%20maria/tiers/2/gating"; got != want {
		t.Errorf("tierPath = %q; want %q", got, want)
	}

	if _, err := tierPath("learner", "two", "gating"); err == nil {
		t.Error("expected error for non-numeric tier")
	}
}

func TestPlanCommand(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("POST /v1/owners/learner-1/tiers/0/plan", http.StatusOK, map[string]any{
		"owner_id":   "learner-1",
		"tier":       0,
		"tier_name":  "A1",
		"batch_size": 5,
		"quotas": []map[string]any{
			{"skill_tag": "vocabulary", "count": 3, "target_percent": 60, "seen": 4},
			{"skill_tag": "grammar", "count": 2, "target_percent": 40, "seen": 0, "under_represented": true},
		},
		"avoid_list":  []string{"a", "b"},
		"difficulty":  map[string]any{"min": 0.2, "max": 0.4},
		"degraded":    true,
		"degradation": "avoid_list_relaxed",
	})

	out, err := runCLI(t, "--addr", srv.URL, "plan", "learner-1", "0", "--batch", "5")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if got := d.last().Body["batch_size"]; got != float64(5) {
		t.Errorf("batch_size sent = %v; want 5", got)
	}
	for _, want := range []string{"A1", "vocabulary", "grammar", "under-represented", "Avoid list: 2 items", "avoid_list_relaxed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPlanCommand_JSON(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("POST /v1/owners/learner-1/tiers/0/plan", http.StatusOK, map[string]any{
		"owner_id": "learner-1",
		"quotas":   []map[string]any{{"skill_tag": "vocabulary", "count": 10}},
	})

	out, err := runCLI(t, "--addr", srv.URL, "--json", "plan", "learner-1", "0")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	var plan struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal([]byte(out), &plan); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if plan.OwnerID != "learner-1" {
		t.Errorf("owner_id = %q", plan.OwnerID)
	}
}

func TestGatingCommand(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("GET /v1/owners/learner-1/tiers/1/gating", http.StatusOK, map[string]any{
		"tier":                1,
		"can_advance":         false,
		"progress_percentage": 50,
		"blocking_reasons": []map[string]any{
			{"criterion": "items", "current": 10, "required": 20, "message": "Complete 10 more items"},
		},
	})

	out, err := runCLI(t, "--addr", srv.URL, "gating", "learner-1", "1")
	if err != nil {
		t.Fatalf("gating: %v", err)
	}
	for _, want := range []string{"Tier 1", "50%", "Blocked by:", "Complete 10 more items"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestGatingCommand_APIError(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("GET /v1/owners/learner-1/tiers/9/gating", http.StatusNotFound, map[string]any{
		"error":   "failed to evaluate gating",
		"status":  404,
		"details": "unknown tier",
	})

	_, err := runCLI(t, "--addr", srv.URL, "gating", "learner-1", "9")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %v", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("status = %d; want 404", apiErr.Status)
	}
	if !strings.Contains(err.Error(), "unknown tier") {
		t.Errorf("error %q should include details", err)
	}
}

func TestSubmitResultCommand(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("POST /v1/owners/learner-1/tiers/0/sessions/s-1/result", http.StatusOK, map[string]any{
		"session_id":   "s-1",
		"advanced":     true,
		"current_tier": 1,
		"gating":       map[string]any{"tier": 0, "can_advance": true, "progress_percentage": 100},
	})

	out, err := runCLI(t, "--addr", srv.URL, "submit-result", "learner-1", "0", "s-1",
		"--items", "10", "--correct", "9", "--xp", "90", "--minutes", "6.5")
	if err != nil {
		t.Fatalf("submit-result: %v", err)
	}

	body := d.last().Body
	if body["items_total"] != float64(10) || body["correct"] != float64(9) || body["minutes_spent"] != 6.5 {
		t.Errorf("unexpected request body: %v", body)
	}
	if !strings.Contains(out, "Advanced to tier 1") {
		t.Errorf("output missing advancement:\n%s", out)
	}
}

func TestSubmitResultCommand_Async(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("POST /v1/owners/learner-1/tiers/0/sessions/s-2/result", http.StatusAccepted, map[string]any{
		"job_id":     "job-123",
		"status":     "queued",
		"session_id": "s-2",
	})

	out, err := runCLI(t, "--addr", srv.URL, "submit-result", "learner-1", "0", "s-2", "--items", "4", "--async")
	if err != nil {
		t.Fatalf("submit-result: %v", err)
	}
	if q := d.last().Query; q != "async=true" {
		t.Errorf("query = %q; want async=true", q)
	}
	if !strings.Contains(out, "job-123") {
		t.Errorf("output missing job id:\n%s", out)
	}
}

func TestProgressCommand(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("GET /v1/owners/learner-1/progression", http.StatusOK, map[string]any{
		"owner_id":            "learner-1",
		"current_tier":        1,
		"total_items":         40,
		"total_correct":       32,
		"total_xp":            400,
		"current_streak_days": 3,
		"longest_streak_days": 5,
		"ledgers": map[string]any{
			"0": map[string]any{"tier": 0, "items_completed": 30, "accuracy": 0.8, "sessions_completed": 3, "unlocked": true, "completed": true},
			"1": map[string]any{"tier": 1, "items_completed": 10, "accuracy": 0.8, "sessions_completed": 1, "unlocked": true, "weak_skills": []string{"grammar"}},
		},
	})

	out, err := runCLI(t, "--addr", srv.URL, "progress", "learner-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	for _, want := range []string{"Current tier:  1", "3 days (longest 5)", "weak: grammar"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	first, second := strings.Index(out, "✓ 0"), strings.Index(out, "1    10 items")
	if first < 0 || second < 0 || first > second {
		t.Errorf("tiers should be listed in order:\n%s", out)
	}
}

func TestClearHistoryCommand_RequiresConfirmation(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("DELETE /v1/owners/learner-1/history", http.StatusOK, map[string]any{"fingerprints": 12, "sessions": 3})

	if _, err := runCLI(t, "--addr", srv.URL, "clear-history", "learner-1"); err == nil {
		t.Fatal("expected error without --yes")
	}
	if got := d.last(); got.Method != "" {
		t.Fatalf("no request expected without --yes, got %s %s", got.Method, got.Path)
	}

	out, err := runCLI(t, "--addr", srv.URL, "clear-history", "learner-1", "--yes")
	if err != nil {
		t.Fatalf("clear-history: %v", err)
	}
	if !strings.Contains(out, "Cleared 12 fingerprints and 3 sessions") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestRemoveFingerprintCommand(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("DELETE /v1/owners/learner-1/tiers/0/fingerprints/abc123", http.StatusOK, map[string]any{"removed": true})

	out, err := runCLI(t, "--addr", srv.URL, "remove-fingerprint", "learner-1", "0", "abc123")
	if err != nil {
		t.Fatalf("remove-fingerprint: %v", err)
	}
	if !strings.Contains(out, "Removed abc123") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := runCLI(t, "--addr", srv.URL, "remove-fingerprint", "learner-1", "0", "missing"); err == nil {
		t.Error("expected error for unknown fingerprint")
	}
}

func TestSweepCommand(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("POST /v1/admin/sweep", http.StatusOK, map[string]any{
		"scopes":               4,
		"fingerprints_evicted": 7,
		"sessions_evicted":     2,
		"applied_pruned":       1,
		"failed_scopes":        1,
	})

	out, err := runCLI(t, "--addr", srv.URL, "sweep")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	for _, want := range []string{"Swept 4 scopes", "fingerprints evicted: 7", "failed scopes:        1"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand(t *testing.T) {
	d, srv := newFakeDaemon(t)
	d.handle("GET /v1/health", http.StatusOK, map[string]any{"status": "healthy"})
	d.handle("GET /v1/status", http.StatusOK, map[string]any{
		"status":        "running",
		"version":       "0.1.0",
		"database":      "sqlite",
		"tiers":         6,
		"async_results": true,
	})

	out, err := runCLI(t, "--addr", srv.URL, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"running", "0.1.0", "sqlite", "enabled"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	out, err := runCLI(t, "--addr", addr, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "stopped") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestDaemonUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	_, err := runCLI(t, "--addr", addr, "gating", "learner-1", "0")
	if err == nil || !strings.Contains(err.Error(), "daemon unreachable") {
		t.Errorf("expected unreachable error, got %v", err)
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "engine.yaml")

	out, err := runCLI(t, "config", "init", path)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, path) {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := runCLI(t, "config", "init", path); err == nil {
		t.Error("expected error when file exists without --force")
	}
	if _, err := runCLI(t, "config", "init", path, "--force"); err != nil {
		t.Errorf("config init --force: %v", err)
	}

	out, err = runCLI(t, "config", "validate", path)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	want := fmt.Sprintf("is valid (%d tiers)", len(config.DefaultEngineConfig().Tiers))
	if !strings.Contains(out, want) {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestConfigValidate_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte("tiers: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "config", "validate", path); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestTailLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "polyglotd.log")

	var buf bytes.Buffer
	if err := tailLog(&buf, path, 4096); err != nil {
		t.Fatalf("tailLog missing file: %v", err)
	}
	if !strings.Contains(buf.String(), "No log file found") {
		t.Errorf("unexpected output for missing file: %q", buf.String())
	}

	lines := "first line\nsecond line\nthird line\n"
	if err := os.WriteFile(path, []byte(lines), 0644); err != nil {
		t.Fatal(err)
	}

	buf.Reset()
	if err := tailLog(&buf, path, 4096); err != nil {
		t.Fatalf("tailLog: %v", err)
	}
	if buf.String() != lines {
		t.Errorf("full tail = %q; want %q", buf.String(), lines)
	}

	// Seeking into the middle of "second line" drops the partial line
	buf.Reset()
	if err := tailLog(&buf, path, int64(len("line\nthird line\n"))); err != nil {
		t.Fatalf("tailLog: %v", err)
	}
	if buf.String() != "third line\n" {
		t.Errorf("partial tail = %q; want %q", buf.String(), "third line\n")
	}
}

func TestReadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), pidFile)
	if err := os.WriteFile(path, []byte("4242\n"), 0644); err != nil {
		t.Fatal(err)
	}

	pid, err := readPID(path)
	if err != nil {
		t.Fatalf("readPID: %v", err)
	}
	if pid != 4242 {
		t.Errorf("pid = %d; want 4242", pid)
	}

	if err := os.WriteFile(path, []byte("nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPID(path); err == nil {
		t.Error("expected parse error")
	}
}
