package domain

// Criterion is one of the four independently configured gating thresholds
type Criterion string

const (
	CriterionItems    Criterion = "items"
	CriterionAccuracy Criterion = "accuracy"
	CriterionSessions Criterion = "sessions"
	CriterionXP       Criterion = "xp"
	CriterionMinutes  Criterion = "minutes"
)

// BlockingReason describes one unmet criterion
type BlockingReason struct {
	Criterion Criterion `json:"criterion"`
	Current   float64   `json:"current"`
	Required  float64   `json:"required"`
	Message   string    `json:"message"`
}

// GatingStatus is the advancement decision for one tier.
type GatingStatus struct {
	Tier               int              `json:"tier"`
	CanAdvance         bool             `json:"can_advance"`
	ProgressPercentage int              `json:"progress_percentage"`
	BlockingReasons    []BlockingReason `json:"blocking_reasons"`
	// Maxed is set on the terminal tier, which never advances.
	Maxed bool `json:"maxed"`
}

// Reasons returns the display messages of the blocking reasons in order.
func (g GatingStatus) Reasons() []string {
	out := make([]string, len(g.BlockingReasons))
	for i, r := range g.BlockingReasons {
		out[i] = r.Message
	}
	return out
}
