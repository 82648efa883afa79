package budget_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aegis-Labs/aegispay/pkg/budget"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

func newAllocator(t *testing.T) (*budget.Allocator, func() time.Time) {
	t.Helper()
	current := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC) // a Monday
	clock := func() time.Time { return current }
	return budget.NewAllocator(budget.NewMemoryStore(), nil).WithClock(clock), clock
}

func amounts(t *testing.T, c *budget.Cycle) map[string]int64 {
	t.Helper()
	out := make(map[string]int64, len(c.Allocations))
	for _, a := range c.Allocations {
		out[a.AgentID] = a.AmountMinor
	}
	return out
}

func TestCreateCycleEqualSplit(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	c, err := alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 10_001,
		Strategy:         budget.StrategyFixed,
		Agents:           []string{"agent_c", "agent_a", "agent_b"},
	})
	require.NoError(t, err)
	require.Equal(t, budget.CycleActive, c.Status)
	require.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), c.StartDate)
	require.Equal(t, time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC), c.EndDate)

	// Leftover units land on the earliest agents in sorted order and the
	// shares sum exactly to the pool.
	require.Equal(t, map[string]int64{"agent_a": 3334, "agent_b": 3334, "agent_c": 3333}, amounts(t, c))
	require.Equal(t, int64(10_001), c.AllocatedMinor())
	for _, a := range c.Allocations {
		assert.Equal(t, c.EndDate, a.ExpiresAt)
		assert.Equal(t, c.ID, a.CycleID)
	}

	// A second active cycle for the same org is refused.
	_, err = alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 5_000,
		Strategy:         budget.StrategyFixed,
		Agents:           []string{"agent_a"},
	})
	require.Equal(t, budget.CodeCycleActive, errs.CodeOf(err))
}

func TestCreateCyclePredefinedAmounts(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	c, err := alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodMonthly,
		TotalBudgetMinor: 10_000,
		Strategy:         budget.StrategyFixed,
		FixedMinor:       map[string]int64{"agent_a": 6_000, "agent_b": 3_000},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"agent_a": 6_000, "agent_b": 3_000}, amounts(t, c))
	// Predefined amounts may underfill the pool; they must never overfill it.
	require.LessOrEqual(t, c.AllocatedMinor(), c.PoolMinor())
	require.Equal(t, time.Date(2025, 7, 2, 0, 0, 0, 0, time.UTC), c.EndDate)

	_, err = alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_2",
		Period:           budget.PeriodMonthly,
		TotalBudgetMinor: 5_000,
		Strategy:         budget.StrategyFixed,
		FixedMinor:       map[string]int64{"agent_a": 6_000},
	})
	require.Equal(t, budget.CodeOverAllocated, errs.CodeOf(err))
}

func TestProportionalWeights(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	c, err := alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 6_000,
		Strategy:         budget.StrategyProportional,
		Weights:          map[string]int64{"agent_a": 1, "agent_b": 2, "agent_c": 3},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"agent_a": 1_000, "agent_b": 2_000, "agent_c": 3_000}, amounts(t, c))

	// Largest-remainder rounding: 100 split 1:2 floors to 33+66, the
	// leftover unit goes to the larger remainder.
	c2, err := alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_2",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 100,
		Strategy:         budget.StrategyProportional,
		Weights:          map[string]int64{"agent_a": 1, "agent_b": 2},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"agent_a": 33, "agent_b": 67}, amounts(t, c2))
	require.Equal(t, int64(100), c2.AllocatedMinor())

	_, err = alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_3",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 100,
		Strategy:         budget.StrategyProportional,
	})
	require.Equal(t, budget.CodeMissingWeights, errs.CodeOf(err))
}

func TestPerformanceFloorsAndROI(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	c, err := alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodQuarterly,
		TotalBudgetMinor: 10_000,
		Strategy:         budget.StrategyPerformance,
		ROIBasisPoints:   map[string]int64{"agent_a": -200, "agent_b": 500, "agent_c": 1_500},
		FloorMinor:       1_000,
	})
	require.NoError(t, err)
	// Floors first (3 x 1000), then the remaining 7000 splits 0:500:1500.
	require.Equal(t, map[string]int64{"agent_a": 1_000, "agent_b": 2_750, "agent_c": 6_250}, amounts(t, c))
	require.Equal(t, int64(10_000), c.AllocatedMinor())
	require.Equal(t, time.Date(2025, 9, 2, 0, 0, 0, 0, time.UTC), c.EndDate)

	_, err = alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_2",
		Period:           budget.PeriodQuarterly,
		TotalBudgetMinor: 10_000,
		Strategy:         budget.StrategyPerformance,
		ROIBasisPoints:   map[string]int64{"agent_a": 100, "agent_b": 100, "agent_c": 100},
		FloorMinor:       4_000,
	})
	require.Equal(t, budget.CodeFloorTooHigh, errs.CodeOf(err))
}

func TestPerformanceWithoutPositiveROIKeepsFloorsOnly(t *testing.T) {
	alloc, _ := newAllocator(t)

	c, err := alloc.CreateCycle(context.Background(), budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodMonthly,
		TotalBudgetMinor: 9_000,
		Strategy:         budget.StrategyPerformance,
		ROIBasisPoints:   map[string]int64{"agent_a": 0, "agent_b": -50},
		FloorMinor:       2_000,
	})
	require.NoError(t, err)
	require.Equal(t, map[string]int64{"agent_a": 2_000, "agent_b": 2_000}, amounts(t, c))
	assert.Equal(t, int64(4_000), c.AllocatedMinor())
}

func TestRecordSpendTracksAllocation(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	_, err := alloc.RecordSpend(ctx, "org_1", "agent_a", 100)
	require.Equal(t, "active_budget_cycle_not_found", errs.CodeOf(err))

	_, err = alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 6_000,
		Strategy:         budget.StrategyFixed,
		Agents:           []string{"agent_a", "agent_b"},
	})
	require.NoError(t, err)

	got, err := alloc.RecordSpend(ctx, "org_1", "agent_a", 1_200)
	require.NoError(t, err)
	assert.Equal(t, int64(1_200), got.SpentMinor)
	assert.Equal(t, int64(1_800), got.UnspentMinor())

	got, err = alloc.RecordSpend(ctx, "org_1", "agent_a", 2_500)
	require.NoError(t, err)
	assert.Equal(t, int64(3_700), got.SpentMinor)
	// Overspend floors the unspent carry at zero rather than going negative.
	assert.Equal(t, int64(0), got.UnspentMinor())

	_, err = alloc.RecordSpend(ctx, "org_1", "agent_x", 100)
	require.Equal(t, "budget_allocation_not_found", errs.CodeOf(err))

	_, err = alloc.RecordSpend(ctx, "org_1", "agent_a", 0)
	require.Equal(t, budget.CodeInvalidTotal, errs.CodeOf(err))
}

func TestAutoRolloverFoldsUnspentIntoPool(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	first, err := alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 9_000,
		Strategy:         budget.StrategyFixed,
		Agents:           []string{"agent_a", "agent_b", "agent_c"},
	})
	require.NoError(t, err)

	_, err = alloc.RecordSpend(ctx, "org_1", "agent_a", 3_000)
	require.NoError(t, err)
	_, err = alloc.RecordSpend(ctx, "org_1", "agent_b", 2_000)
	require.NoError(t, err)
	// agent_c spends nothing. Unspent total: 0 + 1000 + 3000 = 4000.

	next, err := alloc.AutoRollover(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 9_000,
		Strategy:         budget.StrategyFixed,
		Agents:           []string{"agent_a", "agent_b", "agent_c"},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, next.RolloverFrom)
	assert.Equal(t, int64(9_000), next.TotalBudgetMinor)
	assert.Equal(t, int64(4_000), next.RolloverMinor)
	// Pool 13000 re-divides evenly across the three agents.
	assert.Equal(t, map[string]int64{"agent_a": 4_334, "agent_b": 4_333, "agent_c": 4_333}, amounts(t, next))
	assert.LessOrEqual(t, next.AllocatedMinor(), next.PoolMinor())
	// Contiguous periods: the new cycle starts where the old one ended.
	assert.Equal(t, first.EndDate, next.StartDate)

	closed, err := alloc.GetCycle(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, budget.CycleClosed, closed.Status)

	history, err := alloc.ListCycles(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, next.ID, history[0].ID)
}

func TestRolloverStrategyCapsAndKeepsPerAgentCarry(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	first, err := alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 10_000,
		Strategy:         budget.StrategyFixed,
		FixedMinor:       map[string]int64{"agent_a": 6_000, "agent_b": 4_000},
	})
	require.NoError(t, err)

	_, err = alloc.RecordSpend(ctx, "org_1", "agent_a", 2_000)
	require.NoError(t, err)
	_, err = alloc.RecordSpend(ctx, "org_1", "agent_b", 2_000)
	require.NoError(t, err)
	// Unspent: agent_a 4000, agent_b 2000, total 6000.

	next, err := alloc.AutoRollover(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 8_000,
		Strategy:         budget.StrategyRollover,
		Agents:           []string{"agent_a", "agent_b"},
	})
	require.NoError(t, err)

	// Cap is 50% of the closing total (5000 < 6000), so carries scale
	// pro rata: 4000*5000/6000 = 3333 and 2000*5000/6000 = 1666.
	assert.Equal(t, first.ID, next.RolloverFrom)
	assert.Equal(t, int64(8_000), next.TotalBudgetMinor)
	assert.Equal(t, int64(4_999), next.RolloverMinor)
	assert.Equal(t, map[string]int64{"agent_a": 7_333, "agent_b": 5_666}, amounts(t, next))
	assert.Equal(t, next.PoolMinor(), next.AllocatedMinor())
}

func TestRolloverStrategyUnderCapCarriesEverything(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	_, err := alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 10_000,
		Strategy:         budget.StrategyFixed,
		FixedMinor:       map[string]int64{"agent_a": 5_000, "agent_b": 5_000},
	})
	require.NoError(t, err)
	_, err = alloc.RecordSpend(ctx, "org_1", "agent_a", 4_000)
	require.NoError(t, err)
	_, err = alloc.RecordSpend(ctx, "org_1", "agent_b", 3_000)
	require.NoError(t, err)
	// Unspent 1000 + 2000 = 3000, under the 5000 cap.

	next, err := alloc.AutoRollover(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 6_000,
		Strategy:         budget.StrategyRollover,
		Agents:           []string{"agent_a", "agent_b"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3_000), next.RolloverMinor)
	assert.Equal(t, map[string]int64{"agent_a": 4_000, "agent_b": 5_000}, amounts(t, next))
}

func TestCloseCycleAllowsFreshCreate(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	_, err := alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodWeekly,
		TotalBudgetMinor: 1_000,
		Strategy:         budget.StrategyFixed,
		Agents:           []string{"agent_a"},
	})
	require.NoError(t, err)

	closed, err := alloc.CloseCycle(ctx, "org_1")
	require.NoError(t, err)
	assert.Equal(t, budget.CycleClosed, closed.Status)

	_, err = alloc.CloseCycle(ctx, "org_1")
	require.Equal(t, "active_budget_cycle_not_found", errs.CodeOf(err))

	_, err = alloc.CreateCycle(ctx, budget.CycleParams{
		OrgID:            "org_1",
		Period:           budget.PeriodMonthly,
		TotalBudgetMinor: 2_000,
		Strategy:         budget.StrategyFixed,
		Agents:           []string{"agent_a"},
	})
	require.NoError(t, err)
}

func TestCycleParamsValidation(t *testing.T) {
	alloc, _ := newAllocator(t)
	ctx := context.Background()

	cases := []struct {
		name string
		p    budget.CycleParams
		code string
	}{
		{
			name: "missing org",
			p:    budget.CycleParams{Period: budget.PeriodWeekly, Strategy: budget.StrategyFixed, TotalBudgetMinor: 100, Agents: []string{"a"}},
			code: "missing_org_id_required",
		},
		{
			name: "bad period",
			p:    budget.CycleParams{OrgID: "org_1", Period: "daily", Strategy: budget.StrategyFixed, TotalBudgetMinor: 100, Agents: []string{"a"}},
			code: "invalid_period_format",
		},
		{
			name: "bad strategy",
			p:    budget.CycleParams{OrgID: "org_1", Period: budget.PeriodWeekly, Strategy: "RANDOM", TotalBudgetMinor: 100, Agents: []string{"a"}},
			code: "invalid_strategy_format",
		},
		{
			name: "zero total",
			p:    budget.CycleParams{OrgID: "org_1", Period: budget.PeriodWeekly, Strategy: budget.StrategyFixed, Agents: []string{"a"}},
			code: budget.CodeInvalidTotal,
		},
		{
			name: "no agents",
			p:    budget.CycleParams{OrgID: "org_1", Period: budget.PeriodWeekly, Strategy: budget.StrategyFixed, TotalBudgetMinor: 100},
			code: budget.CodeMissingAgents,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := alloc.CreateCycle(ctx, tc.p)
			require.Equal(t, tc.code, errs.CodeOf(err))
		})
	}
}
