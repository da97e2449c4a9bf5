// Package planner computes the skill mix, avoid list and difficulty hint for the next batch.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/domain"
)

// MasterySource answers read queries against the progression ledger
type MasterySource interface {
	Mastery(ctx context.Context, ownerID string, tier int) ([]domain.SkillMasteryRecord, error)
	TierLedger(ctx context.Context, ownerID string, tier int) (domain.LevelLedger, error)
}

// HistorySource answers read queries against the fingerprint store
type HistorySource interface {
	AvoidList(ctx context.Context, ownerID string, tier, k int) ([]string, error)
	Coverage(ctx context.Context, ownerID string, tier int) (map[string]int, error)
}

// Planner builds distribution plans. It never writes.
type Planner struct {
	cfg     *config.EngineConfig
	mastery MasterySource
	history HistorySource
	now     func() time.Time
}

// New creates a Planner
func New(cfg *config.EngineConfig, mastery MasterySource, history HistorySource) *Planner {
	return &Planner{cfg: cfg, mastery: mastery, history: history, now: time.Now}
}

// WithClock returns a copy of p using now as its time source
func (p *Planner) WithClock(now func() time.Time) *Planner {
	c := *p
	c.now = now
	return &c
}

// BuildPlan returns the skill quotas, avoid list and difficulty range for a batch of batchSize items.
func (p *Planner) BuildPlan(ctx context.Context, ownerID string, tier, batchSize int) (*domain.Plan, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, domain.NewValidationError(domain.CodeMissingOwner, "owner_id", "owner is required")
	}
	tc, err := p.cfg.Tier(tier)
	if err != nil {
		return nil, err
	}
	if limit := p.cfg.Planner.MaxBatchSize; batchSize <= 0 || (limit > 0 && batchSize > limit) {
		return nil, domain.NewValidationError(domain.CodeInvalidBatchSize, "batch_size",
			"batch size %d outside 1..%d", batchSize, p.cfg.Planner.MaxBatchSize)
	}

	records, err := p.mastery.Mastery(ctx, ownerID, tier)
	if err != nil {
		return nil, fmt.Errorf("read mastery: %w", err)
	}
	seen := make(map[string]int, len(records))
	for _, r := range records {
		seen[r.SkillTag] = r.ItemsSeen
	}

	plan := &domain.Plan{
		OwnerID:     ownerID,
		Tier:        tier,
		TierName:    tc.Name,
		BatchSize:   batchSize,
		Quotas:      Allocate(tc, seen, batchSize, p.cfg.Planner.UnderRepresentedShare),
		GeneratedAt: p.now().UTC(),
	}

	avoidSize := p.cfg.Planner.AvoidListSize
	if tc.VariationPoolPerSkill > 0 {
		coverage, err := p.history.Coverage(ctx, ownerID, tier)
		if err != nil {
			return nil, fmt.Errorf("read coverage: %w", err)
		}
		switch fitToPools(plan.Quotas, coverage, tc.VariationPoolPerSkill) {
		case domain.DegradationTierPool:
			plan.Degradation = domain.DegradationTierPool
		case domain.DegradationAvoidRelaxed:
			plan.Degradation = domain.DegradationAvoidRelaxed
			avoidSize /= 2
		}
		plan.Degraded = plan.Degradation != domain.DegradationNone
	}

	plan.AvoidList, err = p.history.AvoidList(ctx, ownerID, tier, avoidSize)
	if err != nil {
		return nil, fmt.Errorf("read avoid list: %w", err)
	}

	ledger, err := p.mastery.TierLedger(ctx, ownerID, tier)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	plan.Difficulty = p.difficulty(tc, ledger)

	if plan.Degraded {
		slog.Info("plan degraded",
			"owner", ownerID,
			"tier", tier,
			"degradation", plan.Degradation,
			"avoid_list", len(plan.AvoidList),
		)
	}
	return plan, nil
}

// MasteryLevel returns the mastery level of one skill, or learning when it was never seen.
func (p *Planner) MasteryLevel(ctx context.Context, ownerID string, tier int, skill string) (domain.MasteryLevel, error) {
	records, err := p.mastery.Mastery(ctx, ownerID, tier)
	if err != nil {
		return "", fmt.Errorf("read mastery: %w", err)
	}
	for _, r := range records {
		if r.SkillTag == skill {
			return domain.ClassifyMastery(r.CorrectCount, r.ItemsSeen), nil
		}
	}
	return domain.MasteryLearning, nil
}

// difficulty shifts the tier band up when recent accuracy on the tier is high and down when it is low.
func (p *Planner) difficulty(tc config.TierConfig, ledger domain.LevelLedger) domain.DifficultyRange {
	r := domain.DifficultyRange{Min: tc.Difficulty.Min, Max: tc.Difficulty.Max}
	acc, ok := ledger.RecentAccuracy()
	if !ok {
		return r
	}

	pc := p.cfg.Planner
	switch {
	case acc > pc.HighAccuracy:
		r.Nudge = pc.DifficultyNudge
	case acc < pc.LowAccuracy:
		r.Nudge = -pc.DifficultyNudge
	default:
		return r
	}
	r.Min = clamp01(r.Min + r.Nudge)
	r.Max = clamp01(r.Max + r.Nudge)
	return r
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// skillState is one row of the allocation, kept in table order
type skillState struct {
	index   int
	skill   string
	percent float64
	seen    int
	deficit int
	count   int
}

// Allocate splits batchSize across the tier's skills.
//
// Up to share*batchSize items go to under-represented skills (seen < MinVariationsPerSkill),
// one at a time in ascending seen order, never more than a skill's deficit. The rest is split
// across the whole table by its percentages. Leftovers go to the lowest seen-plus-planned count
// first, then the largest remainder, then table order.
func Allocate(tc config.TierConfig, seen map[string]int, batchSize int, share float64) []domain.SkillQuota {
	skills := make([]*skillState, len(tc.Distribution))
	for i, s := range tc.Distribution {
		st := &skillState{index: i, skill: s.Skill, percent: s.Percent, seen: seen[s.Skill]}
		if d := tc.MinVariationsPerSkill - st.seen; d > 0 {
			st.deficit = d
		}
		skills[i] = st
	}
	if len(skills) == 0 || batchSize <= 0 {
		return quotas(skills)
	}

	byCount := make([]*skillState, len(skills))
	copy(byCount, skills)
	sort.SliceStable(byCount, func(i, j int) bool { return byCount[i].seen < byCount[j].seen })

	var under []*skillState
	for _, st := range byCount {
		if st.deficit > 0 {
			under = append(under, st)
		}
	}

	// Round-robin in ascending seen order keeps the split even and puts odd slots on the least seen.
	budget := int(math.Floor(float64(batchSize) * share))
	for budget > 0 {
		progressed := false
		for _, st := range under {
			if budget == 0 {
				break
			}
			if st.count < st.deficit {
				st.count++
				budget--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	focused := 0
	for _, st := range skills {
		focused += st.count
	}
	remaining := batchSize - focused

	type part struct {
		st   *skillState
		frac float64
	}
	fracs := make([]part, len(skills))
	assigned := 0
	for i, st := range skills {
		exact := float64(remaining) * st.percent / 100
		whole := int(math.Floor(exact))
		st.count += whole
		assigned += whole
		fracs[i] = part{st: st, frac: exact - float64(whole)}
	}

	// Leftovers go to the skill with the fewest items counting this plan, so no skill
	// takes a second item while another is still empty.
	sort.SliceStable(fracs, func(i, j int) bool {
		a, b := fracs[i].st.seen+fracs[i].st.count, fracs[j].st.seen+fracs[j].st.count
		if a != b {
			return a < b
		}
		return fracs[i].frac > fracs[j].frac
	})
	for i := 0; assigned < remaining; i = (i + 1) % len(fracs) {
		fracs[i].st.count++
		assigned++
	}

	return quotas(skills)
}

func quotas(skills []*skillState) []domain.SkillQuota {
	out := make([]domain.SkillQuota, len(skills))
	for i, st := range skills {
		out[i] = domain.SkillQuota{
			SkillTag:         st.skill,
			Count:            st.count,
			TargetPercent:    st.percent,
			Seen:             st.seen,
			UnderRepresented: st.deficit > 0,
		}
	}
	return out
}

// fitToPools caps each quota at the variation pool left for its skill and moves the overflow to
// skills with spare pool. When the whole tier cannot absorb the overflow the quotas are restored
// and the caller relaxes the avoid list instead.
func fitToPools(qs []domain.SkillQuota, coverage map[string]int, pool int) domain.Degradation {
	spare := make([]int, len(qs))
	overflow := 0
	for i, q := range qs {
		left := pool - coverage[q.SkillTag]
		if left < 0 {
			left = 0
		}
		if q.Count > left {
			overflow += q.Count - left
		} else {
			spare[i] = left - q.Count
		}
	}
	if overflow == 0 {
		return domain.DegradationNone
	}

	total := 0
	for _, s := range spare {
		total += s
	}
	if total < overflow {
		return domain.DegradationAvoidRelaxed
	}

	for i, q := range qs {
		left := pool - coverage[q.SkillTag]
		if left < 0 {
			left = 0
		}
		if q.Count > left {
			qs[i].Count = left
		}
	}
	// Largest spare first, table order on ties.
	order := make([]int, len(qs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return spare[order[a]] > spare[order[b]] })
	for overflow > 0 {
		for _, i := range order {
			if overflow == 0 {
				break
			}
			if spare[i] > 0 {
				qs[i].Count++
				spare[i]--
				overflow--
			}
		}
	}
	return domain.DegradationTierPool
}
