package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/domain"
)

func fp(owner string, tier int, skill, hash string, at time.Time) domain.ExerciseFingerprint {
	return domain.ExerciseFingerprint{OwnerID: owner, Tier: tier, SkillTag: skill, Hash: hash, CreatedAt: at}
}

func TestFingerprintStore_InsertExists(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Fingerprints()
	now := time.Now().UTC()

	inserted, err := repo.Insert(ctx, fp("u1", 0, "greetings", "aaaa", now))
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if !inserted {
		t.Error("Insert() = false; want true on first insert")
	}

	inserted, err = repo.Insert(ctx, fp("u1", 0, "greetings", "aaaa", now.Add(time.Second)))
	if err != nil {
		t.Fatalf("Insert() again error = %v", err)
	}
	if inserted {
		t.Error("Insert() = true; want false for duplicate")
	}

	exists, err := repo.Exists(ctx, "u1", 0, "aaaa")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Error("Exists() = false; want true")
	}

	// Scoped by owner and tier
	for _, tc := range []struct {
		owner string
		tier  int
	}{{"u2", 0}, {"u1", 1}} {
		exists, err := repo.Exists(ctx, tc.owner, tc.tier, "aaaa")
		if err != nil {
			t.Fatalf("Exists() error = %v", err)
		}
		if exists {
			t.Errorf("Exists(%s, %d) = true; want false", tc.owner, tc.tier)
		}
	}
}

func TestFingerprintStore_RecentAndCounts(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Fingerprints()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	skills := []string{"greetings", "greetings", "courtesy"}
	for i, skill := range skills {
		if _, err := repo.Insert(ctx, fp("u1", 0, skill, fmt.Sprintf("h%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	recent, err := repo.Recent(ctx, "u1", 0, 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(Recent()) = %d; want 2", len(recent))
	}
	if recent[0].Hash != "h2" || recent[1].Hash != "h1" {
		t.Errorf("Recent() = %s,%s; want h2,h1", recent[0].Hash, recent[1].Hash)
	}
	if !recent[0].CreatedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("CreatedAt = %v; want %v", recent[0].CreatedAt, base.Add(2*time.Minute))
	}

	n, err := repo.Count(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d; want 3", n)
	}

	bySkill, err := repo.CountBySkill(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("CountBySkill() error = %v", err)
	}
	if bySkill["greetings"] != 2 || bySkill["courtesy"] != 1 {
		t.Errorf("CountBySkill() = %v", bySkill)
	}
}

func TestFingerprintStore_EvictOldest(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Fingerprints()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 10; i++ {
		if _, err := repo.Insert(ctx, fp("u1", 0, "greetings", fmt.Sprintf("h%d", i), base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	if _, err := repo.Insert(ctx, fp("u2", 0, "greetings", "other", base)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	evicted, err := repo.EvictOldest(ctx, "u1", 0, 4)
	if err != nil {
		t.Fatalf("EvictOldest() error = %v", err)
	}
	if evicted != 6 {
		t.Errorf("EvictOldest() = %d; want 6", evicted)
	}

	for i := 0; i < 10; i++ {
		exists, _ := repo.Exists(ctx, "u1", 0, fmt.Sprintf("h%d", i))
		if want := i >= 6; exists != want {
			t.Errorf("Exists(h%d) = %v; want %v", i, exists, want)
		}
	}

	// Other owners are untouched
	if n, _ := repo.Count(ctx, "u2", 0); n != 1 {
		t.Errorf("Count(u2) = %d; want 1", n)
	}

	// Below the cap nothing happens
	evicted, err = repo.EvictOldest(ctx, "u1", 0, 4)
	if err != nil {
		t.Fatalf("EvictOldest() again error = %v", err)
	}
	if evicted != 0 {
		t.Errorf("EvictOldest() again = %d; want 0", evicted)
	}
}

func TestFingerprintStore_EvictBefore(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Fingerprints()
	now := time.Now().UTC()

	if _, err := repo.Insert(ctx, fp("u1", 0, "greetings", "old", now.AddDate(0, 0, -100))); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if _, err := repo.Insert(ctx, fp("u1", 0, "greetings", "new", now)); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	evicted, err := repo.EvictBefore(ctx, "u1", 0, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("EvictBefore() error = %v", err)
	}
	if evicted != 1 {
		t.Errorf("EvictBefore() = %d; want 1", evicted)
	}
	if exists, _ := repo.Exists(ctx, "u1", 0, "new"); !exists {
		t.Error("recent fingerprint should survive EvictBefore()")
	}
}

func TestFingerprintStore_Delete(t *testing.T) {
	ctx := context.Background()
	repo := openTestStore(t).Fingerprints()
	now := time.Now().UTC()

	for tier := 0; tier < 3; tier++ {
		if _, err := repo.Insert(ctx, fp("u1", tier, "greetings", "same", now)); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	removed, err := repo.Delete(ctx, "u1", 1, "same")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !removed {
		t.Error("Delete() = false; want true")
	}
	removed, _ = repo.Delete(ctx, "u1", 1, "same")
	if removed {
		t.Error("Delete() of missing fingerprint = true; want false")
	}

	n, err := repo.DeleteOwner(ctx, "u1")
	if err != nil {
		t.Fatalf("DeleteOwner() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteOwner() = %d; want 2", n)
	}

	// No history is not an error
	n, err = repo.DeleteOwner(ctx, "nobody")
	if err != nil {
		t.Fatalf("DeleteOwner(nobody) error = %v", err)
	}
	if n != 0 {
		t.Errorf("DeleteOwner(nobody) = %d; want 0", n)
	}
}
