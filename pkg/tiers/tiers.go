// Package tiers defines the subscription plans organizations run on.
// Plans map to limits, features, and pricing.
package tiers

// PlanID identifies a subscription plan.
type PlanID string

const (
	PlanFree       PlanID = "free"
	PlanPro        PlanID = "pro"
	PlanEnterprise PlanID = "enterprise"
)

// Limits defines resource limits for a plan. -1 means unlimited.
type Limits struct {
	MaxTeams                int
	MaxMembers              int
	MaxAgents               int
	MaxPolicyPlugins        int
	DailyPaymentVolumeMinor int64
	AuditRetentionDays      int
}

// Plan represents a subscription plan with limits, features, and pricing.
type Plan struct {
	ID                 PlanID
	Name               string
	Description        string
	Limits             Limits
	Features           []string
	PricePerMonthMinor int64 // -1 = custom pricing
}

// All available plans
var (
	Free = Plan{
		ID:          PlanFree,
		Name:        "Free",
		Description: "For individuals evaluating agent payments",
		Limits: Limits{
			MaxTeams:                3,
			MaxMembers:              5,
			MaxAgents:               2,
			MaxPolicyPlugins:        2,
			DailyPaymentVolumeMinor: 500_00,
			AuditRetentionDays:      30,
		},
		Features:           []string{"mandate_verification", "basic_audit"},
		PricePerMonthMinor: 0,
	}

	Pro = Plan{
		ID:          PlanPro,
		Name:        "Pro",
		Description: "For teams running agents in production",
		Limits: Limits{
			MaxTeams:                25,
			MaxMembers:              100,
			MaxAgents:               50,
			MaxPolicyPlugins:        10,
			DailyPaymentVolumeMinor: 50_000_00,
			AuditRetentionDays:      365,
		},
		Features: []string{
			"mandate_verification",
			"basic_audit",
			"policy_plugins",
			"treasury_ach",
			"marketplace",
			"priority_support",
		},
		PricePerMonthMinor: 9900, // $99
	}

	Enterprise = Plan{
		ID:          PlanEnterprise,
		Name:        "Enterprise",
		Description: "For organizations with compliance obligations",
		Limits: Limits{
			MaxTeams:                -1, // unlimited
			MaxMembers:              -1,
			MaxAgents:               -1,
			MaxPolicyPlugins:        -1,
			DailyPaymentVolumeMinor: -1,
			AuditRetentionDays:      -1,
		},
		Features: []string{
			"all",
			"chain_anchoring",
			"evidence_exports",
			"sso",
			"sla",
			"dedicated_support",
		},
		PricePerMonthMinor: -1, // custom
	}

	// AllPlans contains all available plans
	AllPlans = map[PlanID]Plan{
		PlanFree:       Free,
		PlanPro:        Pro,
		PlanEnterprise: Enterprise,
	}
)

// Get returns a plan by ID, or nil if not found.
func Get(id PlanID) *Plan {
	plan, ok := AllPlans[id]
	if !ok {
		return nil
	}
	return &plan
}

// Valid reports whether id names a known plan.
func Valid(id PlanID) bool {
	_, ok := AllPlans[id]
	return ok
}

// HasFeature checks if a plan has a specific feature.
func (p *Plan) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature || f == "all" {
			return true
		}
	}
	return false
}

// IsUnlimited checks if a limit is unlimited (-1).
func IsUnlimited(limit int64) bool {
	return limit < 0
}

// AllowsCount checks a countable limit against current usage.
func AllowsCount(limit, current int) bool {
	return limit < 0 || current < limit
}
