package dedup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/domain"
	"github.com/felixgeelhaar/polyglot/internal/retention"
)

func batch(from, to int) []domain.ExerciseItem {
	items := make([]domain.ExerciseItem, 0, to-from)
	for i := from; i < to; i++ {
		items = append(items, item(i))
	}
	return items
}

func newGuard(t *testing.T, cfg *config.EngineConfig) *Guard {
	t.Helper()
	db := newTestStore(t)
	return NewGuard(db, cfg, retention.NewPolicy(cfg.Retention)).
		WithClock(tickingClock(time.Now().Add(-time.Hour)))
}

func TestGuard_Accept(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, config.DefaultEngineConfig())

	d, err := g.Accept(ctx, "u1", 0, batch(0, 8))
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.Equal(t, ReasonNone, d.Reason)
	assert.Len(t, d.MemberHashes, 8)
	assert.Equal(t, g.Fingerprint(batch(0, 8)), d.SessionHash)
	assert.Zero(t, d.Overlap)
}

func TestGuard_Accept_DuplicateSession(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, config.DefaultEngineConfig())

	_, err := g.Accept(ctx, "u1", 0, batch(0, 8))
	require.NoError(t, err)

	d, err := g.Accept(ctx, "u1", 0, batch(0, 8))
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonDuplicateSession, d.Reason)

	// Another tier has its own history
	d, err = g.Accept(ctx, "u1", 1, batch(0, 8))
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestGuard_Accept_OverlapExceeded(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, config.DefaultEngineConfig())

	_, err := g.Accept(ctx, "u1", 0, batch(0, 8))
	require.NoError(t, err)

	// 5 of 8 members were served before: 0.625 > 0.5
	next := append(batch(3, 8), batch(100, 103)...)
	d, err := g.Accept(ctx, "u1", 0, next)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonOverlapExceeded, d.Reason)
	assert.InDelta(t, 0.625, d.Overlap, 1e-9)
	assert.Equal(t, 0.5, d.Threshold)

	// Rejected batches are not recorded
	again, err := g.Check(ctx, "u1", 0, d.MemberHashes)
	require.NoError(t, err)
	assert.Equal(t, ReasonOverlapExceeded, again.Reason)
}

func TestGuard_Accept_OverlapAtThreshold(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, config.DefaultEngineConfig())

	_, err := g.Accept(ctx, "u1", 0, batch(0, 8))
	require.NoError(t, err)

	// 4 of 8: exactly 0.5 is not above the threshold
	next := append(batch(4, 8), batch(100, 104)...)
	d, err := g.Accept(ctx, "u1", 0, next)
	require.NoError(t, err)
	assert.True(t, d.Accepted)
	assert.InDelta(t, 0.5, d.Overlap, 1e-9)
}

func TestGuard_Accept_TierOverride(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultEngineConfig()
	strict := 0.25
	cfg.Tiers[1].OverlapThreshold = &strict
	g := newGuard(t, cfg)

	_, err := g.Accept(ctx, "u1", 1, batch(0, 8))
	require.NoError(t, err)

	next := append(batch(5, 8), batch(100, 105)...)
	d, err := g.Accept(ctx, "u1", 1, next)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, 0.25, d.Threshold)
}

func TestGuard_Accept_Empty(t *testing.T) {
	g := newGuard(t, config.DefaultEngineConfig())

	d, err := g.Accept(context.Background(), "u1", 0, nil)
	require.NoError(t, err)
	assert.False(t, d.Accepted)
	assert.Equal(t, ReasonEmptyBatch, d.Reason)
}

func TestGuard_OverlapWindow(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultEngineConfig()
	cfg.Dedup.OverlapWindow = 2
	g := newGuard(t, cfg)

	for i := 0; i < 3; i++ {
		d, err := g.Accept(ctx, "u1", 0, batch(i*10, i*10+8))
		require.NoError(t, err)
		require.True(t, d.Accepted)
	}

	// The first session fell out of the window
	d, err := g.Accept(ctx, "u1", 0, append(batch(0, 6), batch(200, 202)...))
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestGuard_BoundsHistory(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultEngineConfig()
	cfg.Retention.MaxSessions = 3
	db := newTestStore(t)
	g := NewGuard(db, cfg, retention.NewPolicy(cfg.Retention)).
		WithClock(tickingClock(time.Now().Add(-time.Hour)))

	for i := 0; i < 6; i++ {
		_, err := g.Record(ctx, "u1", 0, []string{fmt.Sprintf("h%d", i)})
		require.NoError(t, err)
	}

	recent, err := db.Sessions().Recent(ctx, "u1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
}

func TestGuard_ClearAll(t *testing.T) {
	ctx := context.Background()
	g := newGuard(t, config.DefaultEngineConfig())

	_, err := g.Accept(ctx, "u1", 0, batch(0, 4))
	require.NoError(t, err)
	_, err = g.Accept(ctx, "u1", 2, batch(0, 4))
	require.NoError(t, err)

	n, err := g.ClearAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	d, err := g.Accept(ctx, "u1", 0, batch(0, 4))
	require.NoError(t, err)
	assert.True(t, d.Accepted)
}

func TestOverlapRatio(t *testing.T) {
	seen := map[string]struct{}{"a": {}, "b": {}}

	tests := []struct {
		name    string
		members []string
		want    float64
	}{
		{"none", []string{"x", "y"}, 0},
		{"all", []string{"a", "b"}, 1},
		{"half", []string{"a", "x"}, 0.5},
		{"repeated members count once", []string{"a", "a", "x", "y"}, 1.0 / 3},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, OverlapRatio(tt.members, seen), 1e-9)
		})
	}
}
