package trust

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Tier buckets a trust score and carries per-tier spending limits.
type Tier string

const (
	TierUntrusted Tier = "UNTRUSTED"
	TierLow       Tier = "LOW"
	TierMedium    Tier = "MEDIUM"
	TierHigh      Tier = "HIGH"
	TierSovereign Tier = "SOVEREIGN"
)

// TierLimits are the spending caps of a tier, minor units.
type TierLimits struct {
	MaxPerTxMinor  int64
	MaxPerDayMinor int64
}

type tierBand struct {
	tier   Tier
	floor  float64
	limits TierLimits
}

// Bands are ordered descending so the first matching floor wins.
var tierBands = []tierBand{
	{TierSovereign, 0.90, TierLimits{MaxPerTxMinor: 50_000_00, MaxPerDayMinor: 100_000_00}},
	{TierHigh, 0.70, TierLimits{MaxPerTxMinor: 5_000_00, MaxPerDayMinor: 10_000_00}},
	{TierMedium, 0.50, TierLimits{MaxPerTxMinor: 500_00, MaxPerDayMinor: 1_000_00}},
	{TierLow, 0.30, TierLimits{MaxPerTxMinor: 50_00, MaxPerDayMinor: 100_00}},
	{TierUntrusted, 0.00, TierLimits{MaxPerTxMinor: 10_00, MaxPerDayMinor: 25_00}},
}

// TierForScore maps a score in [0,1] to its tier.
func TierForScore(score float64) Tier {
	for _, band := range tierBands {
		if score >= band.floor {
			return band.tier
		}
	}
	return TierUntrusted
}

// LimitsForTier returns the spending caps of a tier.
func LimitsForTier(tier Tier) TierLimits {
	for _, band := range tierBands {
		if band.tier == tier {
			return band.limits
		}
	}
	return tierBands[len(tierBands)-1].limits
}

// Weights are the signal weights of the composite score. They must sum to
// 1.0 within 1e-2.
type Weights struct {
	KYA         float64 `yaml:"kya"`
	History     float64 `yaml:"history"`
	Compliance  float64 `yaml:"compliance"`
	Reputation  float64 `yaml:"reputation"`
	Consistency float64 `yaml:"consistency"`
}

// DefaultWeights are the platform defaults.
var DefaultWeights = Weights{KYA: 0.30, History: 0.25, Compliance: 0.20, Reputation: 0.15, Consistency: 0.10}

// Validate enforces the unit-sum constraint.
func (w Weights) Validate() error {
	sum := w.KYA + w.History + w.Compliance + w.Reputation + w.Consistency
	if math.Abs(sum-1.0) > 1e-2 {
		return errs.Newf(errs.KindValidation, "invalid_weights_format",
			"trust weights sum to %.4f, want 1.0 ± 0.01", sum)
	}
	return nil
}

// HistoryStats summarizes an agent's transaction record.
type HistoryStats struct {
	Successes         int
	Failures          int
	Disputes          int
	TotalVolumeMinor  int64
	DistinctMerchants int
	AgeDays           int
}

// ComplianceStats captures AML screening results.
type ComplianceStats struct {
	AMLHit        bool
	LastViolation *time.Time
}

// ReputationStats is the counterparty rating aggregate.
type ReputationStats struct {
	Average float64 // mean rating normalized to [0,1]
	Count   int
}

// Signals is everything the scorer consumes for one agent.
type Signals struct {
	Level       Level
	History     HistoryStats
	Compliance  ComplianceStats
	Reputation  ReputationStats
	Consistency float64 // behavioural consistency in [0,1], 1 = no drift
}

// Scorer computes composite trust scores with a TTL cache.
type Scorer struct {
	weights Weights

	mu    sync.Mutex
	cache map[string]cachedScore
	ttl   time.Duration
	now   func() time.Time
}

type cachedScore struct {
	score    float64
	cachedAt time.Time
}

// ScoreCacheTTL is how long a computed score stays valid without a state
// change.
const ScoreCacheTTL = 5 * time.Minute

// NewScorer builds a scorer; invalid weights are rejected.
func NewScorer(weights Weights) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{
		weights: weights,
		cache:   make(map[string]cachedScore),
		ttl:     ScoreCacheTTL,
		now:     time.Now,
	}, nil
}

// WithClock replaces the scorer's time source.
func (s *Scorer) WithClock(now func() time.Time) *Scorer {
	s.now = now
	return s
}

// Score computes (or returns the cached) composite score for the agent.
func (s *Scorer) Score(agentID string, signals Signals) float64 {
	s.mu.Lock()
	if c, ok := s.cache[agentID]; ok && s.now().Sub(c.cachedAt) < s.ttl {
		s.mu.Unlock()
		return c.score
	}
	s.mu.Unlock()

	score := s.compute(signals)

	s.mu.Lock()
	s.cache[agentID] = cachedScore{score: score, cachedAt: s.now()}
	s.mu.Unlock()
	return score
}

// Invalidate drops the cached score after any agent state change.
func (s *Scorer) Invalidate(agentID string) {
	s.mu.Lock()
	delete(s.cache, agentID)
	s.mu.Unlock()
}

func (s *Scorer) compute(sig Signals) float64 {
	score := s.weights.KYA*kyaSubScore(sig.Level) +
		s.weights.History*historySubScore(sig.History) +
		s.weights.Compliance*complianceSubScore(sig.Compliance, s.now()) +
		s.weights.Reputation*reputationSubScore(sig.Reputation) +
		s.weights.Consistency*clamp01(sig.Consistency)
	return clamp01(score)
}

func kyaSubScore(level Level) float64 {
	switch level {
	case LevelAttested:
		return 1.0
	case LevelVerified:
		return 0.7
	case LevelBasic:
		return 0.4
	default:
		return 0.0
	}
}

// History sub-score weights.
const (
	historySuccessWeight   = 0.40
	historyVolumeWeight    = 0.25
	historyDiversityWeight = 0.20
	historyAgeWeight       = 0.15
)

func historySubScore(h HistoryStats) float64 {
	total := h.Successes + h.Failures
	successRate := 1.0
	if total > 0 {
		successRate = float64(h.Successes) / float64(total)
	}

	// Log-scaled volume: $100k of lifetime volume saturates the signal.
	dollars := float64(h.TotalVolumeMinor) / 100.0
	volume := clamp01(math.Log10(dollars+1) / 5.0)

	diversity := clamp01(float64(h.DistinctMerchants) / 20.0)
	age := clamp01(float64(h.AgeDays) / 365.0)

	raw := historySuccessWeight*successRate +
		historyVolumeWeight*volume +
		historyDiversityWeight*diversity +
		historyAgeWeight*age

	disputeRatio := 0.0
	if total > 0 {
		disputeRatio = clamp01(float64(h.Disputes) / float64(total))
	}
	return clamp01(raw * (1 - 0.5*disputeRatio))
}

// violation windows for the compliance signal.
const (
	complianceHardWindow = 7 * 24 * time.Hour
	complianceSoftWindow = 30 * 24 * time.Hour
)

func complianceSubScore(c ComplianceStats, now time.Time) float64 {
	if c.AMLHit {
		return 0
	}
	if c.LastViolation != nil {
		age := now.Sub(*c.LastViolation)
		if age < complianceHardWindow {
			return 0
		}
		if age < complianceSoftWindow {
			return 0.5
		}
	}
	return 1.0
}

// reputationConfidenceFloor is the rating count below which the signal
// blends toward the 0.5 prior.
const reputationConfidenceFloor = 50

func reputationSubScore(r ReputationStats) float64 {
	if r.Count <= 0 {
		return 0.5
	}
	confidence := math.Min(1, float64(r.Count)/float64(reputationConfidenceFloor))
	return clamp01(r.Average*confidence + 0.5*(1-confidence))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// CombineScores merges two parties' scores with a geometric mean; a strong
// prior relationship (> 0.7) boosts the result by 10%, capped at 1.
func CombineScores(requester, counterparty, relationshipStrength float64) float64 {
	combined := math.Sqrt(clamp01(requester) * clamp01(counterparty))
	if relationshipStrength > 0.7 {
		combined *= 1.1
	}
	return clamp01(combined)
}

// Describe renders a tier with its limits, for logs.
func (t Tier) Describe() string {
	l := LimitsForTier(t)
	return fmt.Sprintf("%s(tx<=%d,day<=%d)", string(t), l.MaxPerTxMinor, l.MaxPerDayMinor)
}
