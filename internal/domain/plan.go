package domain

import "time"

// Degradation names how a plan relaxed its constraints to fill the batch
type Degradation string

const (
	DegradationNone         Degradation = ""
	DegradationTierPool     Degradation = "whole_tier_pool"
	DegradationAvoidRelaxed Degradation = "avoid_list_relaxed"
)

// DifficultyRange is a hint to the generation provider, not a hard constraint.
type DifficultyRange struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Nudge float64 `json:"nudge"`
}

// SkillQuota is the number of items requested for one skill.
type SkillQuota struct {
	SkillTag         string  `json:"skill_tag"`
	Count            int     `json:"count"`
	TargetPercent    float64 `json:"target_percent"`
	Seen             int     `json:"seen"`
	UnderRepresented bool    `json:"under_represented"`
}

// Plan is handed to the content generation provider for the next batch.
type Plan struct {
	OwnerID     string          `json:"owner_id"`
	Tier        int             `json:"tier"`
	TierName    string          `json:"tier_name"`
	BatchSize   int             `json:"batch_size"`
	Quotas      []SkillQuota    `json:"quotas"`
	AvoidList   []string        `json:"avoid_list"`
	Difficulty  DifficultyRange `json:"difficulty"`
	Degraded    bool            `json:"degraded"`
	Degradation Degradation     `json:"degradation,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// Quota returns the count allocated to skill.
func (p *Plan) Quota(skill string) int {
	for _, q := range p.Quotas {
		if q.SkillTag == skill {
			return q.Count
		}
	}
	return 0
}

// Total returns the sum of all quotas.
func (p *Plan) Total() int {
	n := 0
	for _, q := range p.Quotas {
		n += q.Count
	}
	return n
}
