// Package budget creates periodic per-organization budget cycles and
// allocates them across agents. A cycle covers one period (weekly, monthly
// or quarterly) and carries a set of per-agent allocations computed by a
// strategy. Closing a cycle leaves unspent amounts available for rollover
// into the next one.
//
// Every amount is an integer in minor units. Allocation arithmetic is pure
// integer math: shares are floored and leftover units are handed out
// deterministically, so the allocated sum never exceeds the cycle pool.
package budget

import "time"

// Period is the length of a budget cycle.
type Period string

const (
	PeriodWeekly    Period = "weekly"
	PeriodMonthly   Period = "monthly"
	PeriodQuarterly Period = "quarterly"
)

// Valid reports whether p is a known period.
func (p Period) Valid() bool {
	switch p {
	case PeriodWeekly, PeriodMonthly, PeriodQuarterly:
		return true
	}
	return false
}

// End returns the exclusive end of a cycle starting at start.
func (p Period) End(start time.Time) time.Time {
	switch p {
	case PeriodWeekly:
		return start.AddDate(0, 0, 7)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	case PeriodQuarterly:
		return start.AddDate(0, 3, 0)
	}
	return start
}

// Strategy selects how a cycle's pool is divided across agents.
type Strategy string

const (
	// StrategyFixed gives each agent a predefined amount, or an equal share
	// of the pool when no amounts are supplied.
	StrategyFixed Strategy = "FIXED"
	// StrategyProportional divides the pool by per-agent weights.
	StrategyProportional Strategy = "PROPORTIONAL"
	// StrategyPerformance guarantees each agent a floor and divides the rest
	// by return-on-investment weighting.
	StrategyPerformance Strategy = "PERFORMANCE_BASED"
	// StrategyRollover splits the fresh budget equally and adds each agent's
	// own unspent carry from the closing cycle on top.
	StrategyRollover Strategy = "ROLLOVER"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyFixed, StrategyProportional, StrategyPerformance, StrategyRollover:
		return true
	}
	return false
}

// CycleStatus is the lifecycle state of a cycle.
type CycleStatus string

const (
	CycleActive CycleStatus = "active"
	CycleClosed CycleStatus = "closed"
)

// Failure codes.
const (
	CodeCycleActive    = "budget_cycle_active"
	CodeOverAllocated  = "budget_over_allocated"
	CodeFloorTooHigh   = "budget_floor_exceeds_total"
	CodeMissingAgents  = "missing_agents_required"
	CodeMissingWeights = "missing_weights_required"
	CodeInvalidTotal   = "invalid_budget_total"
)

// Allocation is one agent's slice of a cycle.
type Allocation struct {
	ID          string    `json:"id"`
	CycleID     string    `json:"cycle_id"`
	AgentID     string    `json:"agent_id"`
	AmountMinor int64     `json:"amount_minor"`
	SpentMinor  int64     `json:"spent_minor"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UnspentMinor returns the remaining allocation, never negative. Overspend
// is possible because spend is recorded after the fact; it simply carries
// nothing forward.
func (a Allocation) UnspentMinor() int64 {
	if rem := a.AmountMinor - a.SpentMinor; rem > 0 {
		return rem
	}
	return 0
}

// Cycle is one budget period for an organization. The allocatable pool is
// TotalBudgetMinor + RolloverMinor and the invariant is that the allocated
// sum never exceeds it.
type Cycle struct {
	ID               string       `json:"id"`
	OrgID            string       `json:"org_id"`
	Period           Period       `json:"period"`
	StartDate        time.Time    `json:"start_date"`
	EndDate          time.Time    `json:"end_date"`
	TotalBudgetMinor int64        `json:"total_budget_minor"`
	RolloverMinor    int64        `json:"rollover_minor"`
	Strategy         Strategy     `json:"strategy"`
	Allocations      []Allocation `json:"allocations"`
	Status           CycleStatus  `json:"status"`
	RolloverFrom     string       `json:"rollover_from,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// AllocatedMinor returns the sum of all allocation amounts.
func (c *Cycle) AllocatedMinor() int64 {
	var sum int64
	for _, a := range c.Allocations {
		sum += a.AmountMinor
	}
	return sum
}

// PoolMinor returns the allocatable pool for the cycle.
func (c *Cycle) PoolMinor() int64 {
	return c.TotalBudgetMinor + c.RolloverMinor
}

// AllocationFor returns a copy of the agent's allocation, or false when the
// agent has none in this cycle.
func (c *Cycle) AllocationFor(agentID string) (Allocation, bool) {
	for _, a := range c.Allocations {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return Allocation{}, false
}

// UnspentTotalMinor sums the unspent remainder across all allocations.
func (c *Cycle) UnspentTotalMinor() int64 {
	var sum int64
	for _, a := range c.Allocations {
		sum += a.UnspentMinor()
	}
	return sum
}

func (c *Cycle) clone() *Cycle {
	cp := *c
	cp.Allocations = make([]Allocation, len(c.Allocations))
	copy(cp.Allocations, c.Allocations)
	return &cp
}
