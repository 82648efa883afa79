package budget

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/ids"
)

// DefaultRolloverCapPercent bounds how much unspent budget the ROLLOVER
// strategy carries forward, as a percentage of the closing cycle's total.
const DefaultRolloverCapPercent = 50

// Store persists budget cycles. Allocations travel inside their cycle; a
// cycle and its allocations are written as one unit.
type Store interface {
	// CreateCycle inserts a new cycle.
	CreateCycle(ctx context.Context, c *Cycle) error
	// GetCycle returns a cycle by id, errs.KindNotFound when absent.
	GetCycle(ctx context.Context, id string) (*Cycle, error)
	// ActiveCycle returns the organization's active cycle,
	// errs.KindNotFound when none is open.
	ActiveCycle(ctx context.Context, orgID string) (*Cycle, error)
	// UpdateCycle rewrites an existing cycle.
	UpdateCycle(ctx context.Context, c *Cycle) error
	// ListCycles returns the organization's cycles, newest start first.
	ListCycles(ctx context.Context, orgID string) ([]*Cycle, error)
}

// Allocator creates, closes and rolls over budget cycles. Cycle
// transitions for one organization are serialized by a keyed lock; the
// store's active-per-org constraint backs this across instances.
type Allocator struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewAllocator wires an allocator over the given store.
func NewAllocator(store Store, log *slog.Logger) *Allocator {
	if log == nil {
		log = slog.Default()
	}
	return &Allocator{
		store: store,
		log:   log,
		now:   time.Now,
		locks: make(map[string]*sync.Mutex),
	}
}

// WithClock replaces the allocator's time source.
func (a *Allocator) WithClock(now func() time.Time) *Allocator {
	a.now = now
	return a
}

func (a *Allocator) orgLock(orgID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[orgID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[orgID] = l
	}
	return l
}

// CycleParams describes the cycle to open. Exactly the fields the chosen
// strategy reads are consulted; the rest may stay zero.
type CycleParams struct {
	OrgID            string
	Period           Period
	TotalBudgetMinor int64
	Strategy         Strategy

	// Start is normalized to a UTC date. Zero means today for CreateCycle
	// and the closing cycle's end date for AutoRollover.
	Start time.Time

	// Agents participate in equal splits (FIXED without amounts, ROLLOVER).
	Agents []string
	// FixedMinor sets predefined per-agent amounts for FIXED.
	FixedMinor map[string]int64
	// Weights drives PROPORTIONAL; agents are its keys.
	Weights map[string]int64
	// ROIBasisPoints drives PERFORMANCE_BASED; agents are its keys.
	// Non-positive values weigh as zero, leaving the agent its floor only.
	ROIBasisPoints map[string]int64
	// FloorMinor is the PERFORMANCE_BASED per-agent guarantee.
	FloorMinor int64
	// RolloverCapPercent overrides DefaultRolloverCapPercent for ROLLOVER.
	RolloverCapPercent int
}

func (p CycleParams) validate() error {
	if p.OrgID == "" {
		return errs.Validation("missing_org_id_required", "org_id is required")
	}
	if !p.Period.Valid() {
		return errs.Validation("invalid_period_format", "period must be weekly, monthly or quarterly")
	}
	if !p.Strategy.Valid() {
		return errs.Validation("invalid_strategy_format", "unknown allocation strategy")
	}
	if p.TotalBudgetMinor <= 0 {
		return errs.Validation(CodeInvalidTotal, "total budget must be positive")
	}
	return nil
}

// startDate normalizes t to a UTC calendar day.
func startDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// CreateCycle opens a new active cycle for the organization and allocates
// its pool per the strategy. Fails when an active cycle already exists.
func (a *Allocator) CreateCycle(ctx context.Context, p CycleParams) (*Cycle, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	lock := a.orgLock(p.OrgID)
	lock.Lock()
	defer lock.Unlock()

	if cur, err := a.store.ActiveCycle(ctx, p.OrgID); err == nil {
		return nil, errs.Newf(errs.KindState, CodeCycleActive,
			"organization %s already has active cycle %s", p.OrgID, cur.ID)
	} else if errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}

	start := p.Start
	if start.IsZero() {
		start = a.now()
	}
	return a.openCycle(ctx, p, startDate(start), 0, nil, "")
}

// openCycle builds, allocates and persists one cycle. carried holds the
// per-agent rollover amounts for StrategyRollover; rollover is the total
// carried into the pool. Callers hold the org lock.
func (a *Allocator) openCycle(ctx context.Context, p CycleParams, start time.Time, rollover int64, carried map[string]int64, rolloverFrom string) (*Cycle, error) {
	now := a.now().UTC()
	c := &Cycle{
		ID:               ids.NewCycle(),
		OrgID:            p.OrgID,
		Period:           p.Period,
		StartDate:        start,
		EndDate:          p.Period.End(start),
		TotalBudgetMinor: p.TotalBudgetMinor,
		RolloverMinor:    rollover,
		Strategy:         p.Strategy,
		Status:           CycleActive,
		RolloverFrom:     rolloverFrom,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	allocs, err := a.allocate(p, c, carried)
	if err != nil {
		return nil, err
	}
	c.Allocations = allocs

	if got, pool := c.AllocatedMinor(), c.PoolMinor(); got > pool {
		return nil, errs.Newf(errs.KindInternal, errs.CodeInternal,
			"allocated %d exceeds pool %d for cycle %s", got, pool, c.ID)
	}

	if err := a.store.CreateCycle(ctx, c); err != nil {
		return nil, err
	}
	a.log.InfoContext(ctx, "budget cycle opened",
		"cycle_id", c.ID,
		"org_id", c.OrgID,
		"period", string(c.Period),
		"strategy", string(c.Strategy),
		"total_minor", c.TotalBudgetMinor,
		"rollover_minor", c.RolloverMinor,
		"agents", len(c.Allocations))
	return c.clone(), nil
}

// allocate computes the cycle's allocations per the strategy.
func (a *Allocator) allocate(p CycleParams, c *Cycle, carried map[string]int64) ([]Allocation, error) {
	pool := c.PoolMinor()
	var amounts map[string]int64
	switch p.Strategy {
	case StrategyFixed:
		if len(p.FixedMinor) > 0 {
			var sum int64
			for _, amt := range p.FixedMinor {
				if amt < 0 {
					return nil, errs.Validation(CodeInvalidTotal, "fixed amounts must be non-negative")
				}
				sum += amt
			}
			if sum > pool {
				return nil, errs.Newf(errs.KindValidation, CodeOverAllocated,
					"fixed amounts total %d exceed pool %d", sum, pool)
			}
			amounts = p.FixedMinor
		} else {
			agents, err := requireAgents(p.Agents)
			if err != nil {
				return nil, err
			}
			amounts = splitEven(pool, agents)
		}

	case StrategyProportional:
		if len(p.Weights) == 0 {
			return nil, errs.Validation(CodeMissingWeights, "proportional allocation needs per-agent weights")
		}
		var total int64
		for agent, w := range p.Weights {
			if w < 0 {
				return nil, errs.Newf(errs.KindValidation, CodeMissingWeights, "negative weight for agent %s", agent)
			}
			total += w
		}
		if total == 0 {
			return nil, errs.Validation(CodeMissingWeights, "weights sum to zero")
		}
		amounts = splitWeighted(pool, p.Weights)

	case StrategyPerformance:
		if len(p.ROIBasisPoints) == 0 {
			return nil, errs.Validation(CodeMissingWeights, "performance allocation needs per-agent ROI")
		}
		if p.FloorMinor < 0 {
			return nil, errs.Validation(CodeInvalidTotal, "floor must be non-negative")
		}
		floors := p.FloorMinor * int64(len(p.ROIBasisPoints))
		if floors > pool {
			return nil, errs.Newf(errs.KindValidation, CodeFloorTooHigh,
				"floors total %d exceed pool %d", floors, pool)
		}
		weights := make(map[string]int64, len(p.ROIBasisPoints))
		var positive int64
		for agent, roi := range p.ROIBasisPoints {
			if roi < 0 {
				roi = 0
			}
			weights[agent] = roi
			positive += roi
		}
		amounts = make(map[string]int64, len(weights))
		for agent := range weights {
			amounts[agent] = p.FloorMinor
		}
		// With no positive ROI there is no signal; the surplus stays
		// unallocated rather than being spread arbitrarily.
		if positive > 0 {
			for agent, share := range splitWeighted(pool-floors, weights) {
				amounts[agent] += share
			}
		}

	case StrategyRollover:
		agents := append([]string(nil), p.Agents...)
		for agent := range carried {
			agents = append(agents, agent)
		}
		agents, err := requireAgents(agents)
		if err != nil {
			return nil, err
		}
		// The fresh budget splits evenly; each agent then keeps its own
		// capped carry from the closing cycle.
		amounts = splitEven(c.TotalBudgetMinor, agents)
		for agent, carry := range carried {
			amounts[agent] += carry
		}
	}

	agents := make([]string, 0, len(amounts))
	for agent := range amounts {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	allocs := make([]Allocation, 0, len(agents))
	for _, agent := range agents {
		allocs = append(allocs, Allocation{
			ID:          ids.NewAllocation(),
			CycleID:     c.ID,
			AgentID:     agent,
			AmountMinor: amounts[agent],
			ExpiresAt:   c.EndDate,
		})
	}
	return allocs, nil
}

// requireAgents dedupes, sorts and validates the agent list.
func requireAgents(agents []string) ([]string, error) {
	seen := make(map[string]struct{}, len(agents))
	out := make([]string, 0, len(agents))
	for _, agent := range agents {
		if agent == "" {
			continue
		}
		if _, dup := seen[agent]; dup {
			continue
		}
		seen[agent] = struct{}{}
		out = append(out, agent)
	}
	if len(out) == 0 {
		return nil, errs.Validation(CodeMissingAgents, "at least one agent is required")
	}
	sort.Strings(out)
	return out, nil
}

// splitEven divides pool across agents, handing leftover units to the
// earliest agents in sorted order so the shares sum exactly to pool.
func splitEven(pool int64, agents []string) map[string]int64 {
	n := int64(len(agents))
	base := pool / n
	rem := pool % n
	out := make(map[string]int64, len(agents))
	for i, agent := range agents {
		amt := base
		if int64(i) < rem {
			amt++
		}
		out[agent] = amt
	}
	return out
}

// splitWeighted divides pool by integer weights using largest-remainder
// rounding: shares are floored, then leftover units go to the largest
// truncated remainders, ties broken by agent id. The shares sum exactly
// to pool.
func splitWeighted(pool int64, weights map[string]int64) map[string]int64 {
	agents := make([]string, 0, len(weights))
	var total int64
	for agent, w := range weights {
		agents = append(agents, agent)
		total += w
	}
	sort.Strings(agents)

	out := make(map[string]int64, len(agents))
	if total == 0 {
		for _, agent := range agents {
			out[agent] = 0
		}
		return out
	}

	type slice struct {
		agent string
		rem   int64
	}
	var allocated int64
	rems := make([]slice, 0, len(agents))
	for _, agent := range agents {
		share := pool * weights[agent] / total
		out[agent] = share
		allocated += share
		rems = append(rems, slice{agent: agent, rem: pool * weights[agent] % total})
	}
	sort.SliceStable(rems, func(i, j int) bool {
		if rems[i].rem != rems[j].rem {
			return rems[i].rem > rems[j].rem
		}
		return rems[i].agent < rems[j].agent
	})
	for i := int64(0); i < pool-allocated; i++ {
		out[rems[i].agent]++
	}
	return out
}

// ActiveCycle returns the organization's open cycle.
func (a *Allocator) ActiveCycle(ctx context.Context, orgID string) (*Cycle, error) {
	return a.store.ActiveCycle(ctx, orgID)
}

// GetCycle returns a cycle by id.
func (a *Allocator) GetCycle(ctx context.Context, id string) (*Cycle, error) {
	return a.store.GetCycle(ctx, id)
}

// ListCycles returns the organization's cycle history, newest first.
func (a *Allocator) ListCycles(ctx context.Context, orgID string) ([]*Cycle, error) {
	return a.store.ListCycles(ctx, orgID)
}

// RecordSpend books settled spend against the agent's allocation in the
// active cycle and returns the updated allocation. Spend may exceed the
// allocation; enforcement happens upstream at verification time, this is
// the settlement bookkeeping that rollover math reads.
func (a *Allocator) RecordSpend(ctx context.Context, orgID, agentID string, amountMinor int64) (*Allocation, error) {
	if amountMinor <= 0 {
		return nil, errs.Validation(CodeInvalidTotal, "spend must be positive")
	}
	lock := a.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()

	c, err := a.store.ActiveCycle(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for i := range c.Allocations {
		if c.Allocations[i].AgentID != agentID {
			continue
		}
		c.Allocations[i].SpentMinor += amountMinor
		c.UpdatedAt = a.now().UTC()
		if err := a.store.UpdateCycle(ctx, c); err != nil {
			return nil, err
		}
		alloc := c.Allocations[i]
		return &alloc, nil
	}
	return nil, errs.NotFound("budget_allocation", agentID)
}

// CloseCycle marks the organization's active cycle closed and returns it.
func (a *Allocator) CloseCycle(ctx context.Context, orgID string) (*Cycle, error) {
	lock := a.orgLock(orgID)
	lock.Lock()
	defer lock.Unlock()
	return a.closeActive(ctx, orgID)
}

func (a *Allocator) closeActive(ctx context.Context, orgID string) (*Cycle, error) {
	c, err := a.store.ActiveCycle(ctx, orgID)
	if err != nil {
		return nil, err
	}
	c.Status = CycleClosed
	c.UpdatedAt = a.now().UTC()
	if err := a.store.UpdateCycle(ctx, c); err != nil {
		return nil, err
	}
	a.log.InfoContext(ctx, "budget cycle closed",
		"cycle_id", c.ID,
		"org_id", c.OrgID,
		"unspent_minor", c.UnspentTotalMinor())
	return c, nil
}

// AutoRollover closes the active cycle, computes per-agent unspent
// amounts and opens the next cycle whose pool is the new total plus the
// carried unspent. Under StrategyRollover the carry is capped at
// RolloverCapPercent of the closing cycle's total and each agent keeps
// its own share; other strategies fold the full unspent total into the
// pool and re-divide it.
//
// The new cycle starts where the closed one ended unless p.Start is set.
func (a *Allocator) AutoRollover(ctx context.Context, p CycleParams) (*Cycle, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	lock := a.orgLock(p.OrgID)
	lock.Lock()
	defer lock.Unlock()

	closed, err := a.closeActive(ctx, p.OrgID)
	if err != nil {
		return nil, err
	}

	unspent := make(map[string]int64, len(closed.Allocations))
	var unspentTotal int64
	for _, alloc := range closed.Allocations {
		if rem := alloc.UnspentMinor(); rem > 0 {
			unspent[alloc.AgentID] = rem
			unspentTotal += rem
		}
	}

	rollover := unspentTotal
	var carried map[string]int64
	if p.Strategy == StrategyRollover {
		capPct := int64(p.RolloverCapPercent)
		if capPct <= 0 {
			capPct = DefaultRolloverCapPercent
		}
		carryCap := closed.TotalBudgetMinor * capPct / 100
		carried = make(map[string]int64, len(unspent))
		if unspentTotal > carryCap {
			// Scale every agent's carry down pro rata to fit the cap.
			rollover = 0
			for agent, rem := range unspent {
				scaled := rem * carryCap / unspentTotal
				carried[agent] = scaled
				rollover += scaled
			}
		} else {
			for agent, rem := range unspent {
				carried[agent] = rem
			}
		}
	}

	start := p.Start
	if start.IsZero() {
		start = closed.EndDate
	}
	return a.openCycle(ctx, p, startDate(start), rollover, carried, closed.ID)
}
