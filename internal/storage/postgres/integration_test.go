//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/storage"
	"github.com/felixgeelhaar/polyglot/internal/storage/postgres"
)

// setupPostgres starts a PostgreSQL container and returns a migrated store
func setupPostgres(t *testing.T) *postgres.Store {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "polyglot",
				"POSTGRES_PASSWORD": "polyglot",
				"POSTGRES_DB":       "polyglot",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get port: %v", err)
	}

	url := fmt.Sprintf("postgres://polyglot:polyglot@%s:%s/polyglot?sslmode=disable", host, port.Port())
	store, err := postgres.Open(ctx, url)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Idempotent
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	return store
}

func TestIntegration_Fingerprints(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	repo := store.Fingerprints()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		inserted, err := repo.Insert(ctx, domain.ExerciseFingerprint{
			OwnerID: "u1", Tier: 0, SkillTag: "greetings",
			Hash: fmt.Sprintf("h%d", i), CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if !inserted {
			t.Errorf("Insert(h%d) = false; want true", i)
		}
	}

	inserted, err := repo.Insert(ctx, domain.ExerciseFingerprint{OwnerID: "u1", Tier: 0, SkillTag: "greetings", Hash: "h0", CreatedAt: base})
	if err != nil {
		t.Fatalf("Insert() duplicate error = %v", err)
	}
	if inserted {
		t.Error("Insert() duplicate = true; want false")
	}

	evicted, err := repo.EvictOldest(ctx, "u1", 0, 3)
	if err != nil {
		t.Fatalf("EvictOldest() error = %v", err)
	}
	if evicted != 2 {
		t.Errorf("EvictOldest() = %d; want 2", evicted)
	}

	recent, err := repo.Recent(ctx, "u1", 0, 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 3 || recent[0].Hash != "h4" {
		t.Errorf("Recent() = %v; want h4,h3,h2", recent)
	}

	scopes, err := store.Scopes(ctx)
	if err != nil {
		t.Fatalf("Scopes() error = %v", err)
	}
	if len(scopes) != 1 || scopes[0] != (storage.Scope{OwnerID: "u1", Tier: 0}) {
		t.Errorf("Scopes() = %v", scopes)
	}
}

func TestIntegration_Sessions(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	repo := store.Sessions()

	sf := domain.SessionFingerprint{
		OwnerID: "u1", Tier: 1, SessionHash: "s1",
		MemberHashes: []string{"a", "b", "c"}, CreatedAt: time.Now(),
	}
	if _, err := repo.Insert(ctx, sf); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	exists, err := repo.Exists(ctx, "u1", 1, "s1")
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v; want true", exists, err)
	}

	recent, err := repo.Recent(ctx, "u1", 1, 5)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 1 || len(recent[0].MemberHashes) != 3 {
		t.Errorf("Recent() = %+v", recent)
	}
}

func TestIntegration_Progression_RoundTrip(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	repo := store.Progression()
	now := time.Now().UTC().Truncate(time.Microsecond)

	state := domain.NewProgressionState("u1", now)
	l := state.EnsureLedger(0)
	l.ItemsCompleted, l.CorrectAnswers, l.Accuracy = 10, 8, 0.8
	l.WeakSkills = []string{"courtesy"}
	l.RecentErrorFocus = [][]string{{"courtesy"}}
	l.RecentSessions = []domain.SessionTally{{Items: 10, Correct: 8}}
	l.CompletedAt = &now

	if err := repo.Save(ctx, state, 0); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := repo.Save(ctx, domain.NewProgressionState("u1", now), 0); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("Save() duplicate create error = %v; want ErrConflict", err)
	}

	loaded, err := repo.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got := loaded.Ledgers[0]
	if got.Accuracy != 0.8 || got.WeakSkills[0] != "courtesy" || len(got.RecentErrorFocus) != 1 || len(got.RecentSessions) != 1 {
		t.Errorf("ledger = %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Errorf("CompletedAt = %v; want %v", got.CompletedAt, now)
	}

	newTier := 1
	if err := repo.MarkApplied(ctx, domain.AppliedSession{OwnerID: "u1", SessionID: "s", Tier: 0, Advanced: true, NewTier: &newTier, AppliedAt: now}); err != nil {
		t.Fatalf("MarkApplied() error = %v", err)
	}
	applied, err := repo.AppliedSession(ctx, "u1", "s")
	if err != nil || applied == nil || applied.NewTier == nil || *applied.NewTier != 1 {
		t.Errorf("AppliedSession() = %+v, %v", applied, err)
	}
}

func TestIntegration_OwnerLockSerializesWriters(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	if err := store.Progression().Save(ctx, domain.NewProgressionState("u1", time.Now()), 0); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- storage.WithinTx(ctx, store, "u1", func(tx storage.UnitOfWork) error {
				state, err := tx.Progression().Get(ctx, "u1")
				if err != nil {
					return err
				}
				state.TotalItems++
				return tx.Progression().Save(ctx, state, state.Version)
			})
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("writer error = %v", err)
		}
	}

	state, err := store.Progression().Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if state.TotalItems != writers {
		t.Errorf("TotalItems = %d; want %d", state.TotalItems, writers)
	}
}
