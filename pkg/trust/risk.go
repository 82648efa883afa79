package trust

import "fmt"

// Action is the disposition of a risk assessment, ordered by severity.
type Action string

const (
	ActionApprove  Action = "approve"
	ActionReview   Action = "review"
	ActionEDD      Action = "EDD"
	ActionEscalate Action = "escalate"
	ActionBlock    Action = "block"
)

// RiskInput is the per-request factor set.
type RiskInput struct {
	AmountMinor     int64
	VelocityPerHour int
	CrossBorder     bool
	PEP             bool
	SanctionsHit    bool
	KYCStatus       string // none, pending, verified
	EntityType      string // individual, business, agent
}

// RiskFactor is one contribution to the score.
type RiskFactor struct {
	Name   string  `json:"name"`
	Points float64 `json:"points"`
	Detail string  `json:"detail,omitempty"`
}

// RiskAssessment is the scored outcome in [0,100].
type RiskAssessment struct {
	Score   float64      `json:"score"`
	Action  Action       `json:"action"`
	Factors []RiskFactor `json:"factors"`
}

// Action thresholds on the [0,100] scale.
const (
	reviewThreshold   = 30.0
	eddThreshold      = 50.0
	escalateThreshold = 70.0
	blockThreshold    = 85.0
)

// AssessRisk aggregates the factors into a score and action. A sanctions
// hit pins the result to 100/block regardless of everything else.
func AssessRisk(in RiskInput) RiskAssessment {
	if in.SanctionsHit {
		return RiskAssessment{
			Score:  100,
			Action: ActionBlock,
			Factors: []RiskFactor{{
				Name: "sanctions", Points: 100, Detail: "sanctions screening hit",
			}},
		}
	}

	var factors []RiskFactor
	add := func(name string, points float64, detail string) {
		if points > 0 {
			factors = append(factors, RiskFactor{Name: name, Points: points, Detail: detail})
		}
	}

	switch {
	case in.AmountMinor >= 10_000_00:
		add("amount", 25, fmt.Sprintf("amount %d >= $10k", in.AmountMinor))
	case in.AmountMinor >= 1_000_00:
		add("amount", 15, fmt.Sprintf("amount %d >= $1k", in.AmountMinor))
	case in.AmountMinor >= 100_00:
		add("amount", 5, "")
	}

	switch {
	case in.VelocityPerHour > 50:
		add("velocity", 20, fmt.Sprintf("%d tx in the last hour", in.VelocityPerHour))
	case in.VelocityPerHour > 20:
		add("velocity", 10, "")
	}

	if in.CrossBorder {
		add("cross_border", 10, "")
	}
	if in.PEP {
		add("pep", 25, "politically exposed person")
	}

	switch in.KYCStatus {
	case "none":
		add("kyc", 20, "owner not KYC verified")
	case "pending":
		add("kyc", 10, "")
	}

	if in.EntityType == "agent" {
		add("entity_type", 5, "autonomous agent")
	}

	var score float64
	for _, f := range factors {
		score += f.Points
	}
	if score > 100 {
		score = 100
	}

	return RiskAssessment{Score: score, Action: actionForScore(score), Factors: factors}
}

func actionForScore(score float64) Action {
	switch {
	case score >= blockThreshold:
		return ActionBlock
	case score >= escalateThreshold:
		return ActionEscalate
	case score >= eddThreshold:
		return ActionEDD
	case score >= reviewThreshold:
		return ActionReview
	default:
		return ActionApprove
	}
}
