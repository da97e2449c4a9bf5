package progression

import (
	"fmt"
	"math"
	"strconv"

	"github.com/felixgeelhaar/polyglot/internal/config"
	"github.com/felixgeelhaar/polyglot/internal/domain"
)

const epsilon = 1e-9

// criterion is one evaluated gating threshold
type criterion struct {
	name     domain.Criterion
	current  float64
	required float64
	weight   float64
	format   func(float64) string
}

// Evaluate computes the gating decision of ledger against the thresholds of tc.
// The terminal tier never advances and reports no blocking reasons.
func Evaluate(tc config.TierConfig, tier int, l domain.LevelLedger, terminal bool) domain.GatingStatus {
	status := domain.GatingStatus{Tier: tier, BlockingReasons: []domain.BlockingReason{}}
	if terminal {
		status.Maxed = true
		status.ProgressPercentage = 100
		return status
	}

	th := tc.Thresholds
	w := tc.EffectiveWeights()
	criteria := []criterion{
		{domain.CriterionItems, float64(l.ItemsCompleted), float64(th.MinItems), w.Items, formatCount},
		{domain.CriterionAccuracy, l.Accuracy, th.MinAccuracy, w.Accuracy, formatRatio},
		{domain.CriterionSessions, float64(l.SessionsCompleted), float64(th.MinSessions), w.Sessions, formatCount},
	}
	if th.Effort == domain.CriterionMinutes {
		criteria = append(criteria, criterion{domain.CriterionMinutes, l.TimeSpentMinutes, th.MinMinutes, w.Effort, formatMinutes})
	} else {
		criteria = append(criteria, criterion{domain.CriterionXP, float64(l.XPEarned), float64(th.MinXP), w.Effort, formatCount})
	}

	progress := 0.0
	for _, c := range criteria {
		ratio := 1.0
		if c.required > 0 {
			ratio = math.Min(c.current/c.required, 1)
		}
		progress += c.weight * ratio

		if c.current+epsilon < c.required {
			status.BlockingReasons = append(status.BlockingReasons, domain.BlockingReason{
				Criterion: c.name,
				Current:   c.current,
				Required:  c.required,
				Message:   fmt.Sprintf("%s: %s/%s", c.name, c.format(c.current), c.format(c.required)),
			})
		}
	}

	status.CanAdvance = len(status.BlockingReasons) == 0
	status.ProgressPercentage = int(math.Round(progress * 100))
	if !status.CanAdvance && status.ProgressPercentage >= 100 {
		status.ProgressPercentage = 99
	}
	if status.ProgressPercentage > 100 {
		status.ProgressPercentage = 100
	}
	return status
}

func formatCount(v float64) string {
	return strconv.FormatFloat(math.Floor(v), 'f', 0, 64)
}

func formatRatio(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func formatMinutes(v float64) string {
	if v == math.Trunc(v) {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}
