package trust

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Severity grades a drift alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Sample is one observed transaction. Samples feed baseline construction
// and comparison but are never stored inside a Baseline.
type Sample struct {
	Merchant    string
	Category    string
	AmountMinor int64
	At          time.Time
}

// AmountSummary holds the distribution parameters of observed amounts.
type AmountSummary struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	P25  float64 `json:"p25"`
	P50  float64 `json:"p50"`
	P75  float64 `json:"p75"`
	P90  float64 `json:"p90"`
	P95  float64 `json:"p95"`
}

// Baseline is a 30-day behavioural profile reduced to distribution
// parameters. Raw samples are deliberately absent.
type Baseline struct {
	AgentID     string             `json:"agent_id"`
	Merchants   map[string]float64 `json:"merchants"`
	Categories  map[string]float64 `json:"categories"`
	Hours       map[string]float64 `json:"hours"`
	Amounts     AmountSummary      `json:"amounts"`
	TxPerDay    float64            `json:"tx_per_day"`
	SampleCount int                `json:"sample_count"`
	WindowDays  int                `json:"window_days"`
	BuiltAt     time.Time          `json:"built_at"`
}

// BaselineWindowDays is the observation window for baselines.
const BaselineWindowDays = 30

// RecentWindowDays is the comparison window.
const RecentWindowDays = 7

// BuildBaseline reduces samples to a parameter-only profile.
func BuildBaseline(agentID string, samples []Sample, now time.Time) *Baseline {
	b := &Baseline{
		AgentID:     agentID,
		Merchants:   distribution(samples, func(s Sample) string { return s.Merchant }),
		Categories:  distribution(samples, func(s Sample) string { return s.Category }),
		Hours:       distribution(samples, func(s Sample) string { return fmt.Sprintf("%02d", s.At.UTC().Hour()) }),
		SampleCount: len(samples),
		WindowDays:  BaselineWindowDays,
		BuiltAt:     now,
	}
	b.Amounts = summarizeAmounts(samples)
	b.TxPerDay = float64(len(samples)) / float64(BaselineWindowDays)
	return b
}

func distribution(samples []Sample, key func(Sample) string) map[string]float64 {
	counts := make(map[string]float64)
	for _, s := range samples {
		counts[key(s)]++
	}
	total := float64(len(samples))
	if total == 0 {
		return counts
	}
	for k := range counts {
		counts[k] /= total
	}
	return counts
}

func summarizeAmounts(samples []Sample) AmountSummary {
	if len(samples) == 0 {
		return AmountSummary{}
	}
	amounts := make([]float64, len(samples))
	var sum float64
	for i, s := range samples {
		amounts[i] = float64(s.AmountMinor)
		sum += amounts[i]
	}
	sort.Float64s(amounts)
	mean := sum / float64(len(amounts))

	var varSum float64
	for _, a := range amounts {
		varSum += (a - mean) * (a - mean)
	}
	std := math.Sqrt(varSum / float64(len(amounts)))

	return AmountSummary{
		Mean: mean,
		Std:  std,
		P25:  percentile(amounts, 0.25),
		P50:  percentile(amounts, 0.50),
		P75:  percentile(amounts, 0.75),
		P90:  percentile(amounts, 0.90),
		P95:  percentile(amounts, 0.95),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Alert is one detected deviation from the baseline.
type Alert struct {
	AgentID   string   `json:"agent_id"`
	Dimension string   `json:"dimension"` // merchant, category, hourly, amount, velocity
	PValue    float64  `json:"p_value,omitempty"`
	ZScore    float64  `json:"z_score,omitempty"`
	Severity  Severity `json:"severity"`
	Detail    string   `json:"detail"`
}

// Detector compares recent behaviour against a baseline.
type Detector struct {
	// SignificanceLevel is the p-value threshold below which categorical
	// deviations alert. Default 0.05.
	SignificanceLevel float64
	// MinSamples suppresses comparison when either window is too thin for
	// the statistics to mean anything.
	MinSamples int
}

// NewDetector returns a detector with the default significance level.
func NewDetector() *Detector {
	return &Detector{SignificanceLevel: 0.05, MinSamples: 10}
}

// Compare evaluates the recent window against the baseline and returns any
// alerts, worst first.
func (d *Detector) Compare(baseline *Baseline, recent []Sample) []Alert {
	if baseline == nil || baseline.SampleCount < d.MinSamples || len(recent) < d.MinSamples {
		return nil
	}
	var alerts []Alert

	for _, dim := range []struct {
		name     string
		expected map[string]float64
		key      func(Sample) string
	}{
		{"merchant", baseline.Merchants, func(s Sample) string { return s.Merchant }},
		{"category", baseline.Categories, func(s Sample) string { return s.Category }},
		{"hourly", baseline.Hours, func(s Sample) string { return fmt.Sprintf("%02d", s.At.UTC().Hour()) }},
	} {
		if p, ok := chiSquareP(dim.expected, recent, dim.key); ok && p < d.SignificanceLevel {
			alerts = append(alerts, Alert{
				AgentID:   baseline.AgentID,
				Dimension: dim.name,
				PValue:    p,
				Severity:  severityFromP(p),
				Detail:    fmt.Sprintf("%s distribution shifted (p=%.4f)", dim.name, p),
			})
		}
	}

	if alert, ok := d.amountDrift(baseline, recent); ok {
		alerts = append(alerts, alert)
	}
	if alert, ok := d.velocityDrift(baseline, recent); ok {
		alerts = append(alerts, alert)
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		return severityRank(alerts[i].Severity) > severityRank(alerts[j].Severity)
	})
	return alerts
}

// amountDrift compares the recent mean against the baseline parameters with
// a z-test on the standard error of the recent mean.
func (d *Detector) amountDrift(baseline *Baseline, recent []Sample) (Alert, bool) {
	if baseline.Amounts.Std <= 0 {
		return Alert{}, false
	}
	var sum float64
	for _, s := range recent {
		sum += float64(s.AmountMinor)
	}
	recentMean := sum / float64(len(recent))
	se := baseline.Amounts.Std / math.Sqrt(float64(len(recent)))
	z := (recentMean - baseline.Amounts.Mean) / se
	p := math.Erfc(math.Abs(z) / math.Sqrt2)
	if p >= d.SignificanceLevel {
		return Alert{}, false
	}
	return Alert{
		AgentID:   baseline.AgentID,
		Dimension: "amount",
		PValue:    p,
		ZScore:    z,
		Severity:  severityFromZ(math.Abs(z)),
		Detail: fmt.Sprintf("mean amount %.0f vs baseline %.0f (z=%.2f)",
			recentMean, baseline.Amounts.Mean, z),
	}, true
}

// velocityDrift flags a sustained multiple of the baseline daily rate.
func (d *Detector) velocityDrift(baseline *Baseline, recent []Sample) (Alert, bool) {
	if baseline.TxPerDay <= 0 {
		return Alert{}, false
	}
	recentRate := float64(len(recent)) / float64(RecentWindowDays)
	ratio := recentRate / baseline.TxPerDay
	var sev Severity
	switch {
	case ratio >= 10:
		sev = SeverityCritical
	case ratio >= 5:
		sev = SeverityHigh
	case ratio >= 3:
		sev = SeverityMedium
	case ratio >= 2:
		sev = SeverityLow
	default:
		return Alert{}, false
	}
	return Alert{
		AgentID:   baseline.AgentID,
		Dimension: "velocity",
		Severity:  sev,
		Detail:    fmt.Sprintf("tx rate %.1f/day vs baseline %.1f/day", recentRate, baseline.TxPerDay),
	}, true
}

// chiSquareP runs a χ² goodness-of-fit test of recent counts against the
// baseline distribution. Returns ok=false when there is nothing to test.
func chiSquareP(expected map[string]float64, recent []Sample, key func(Sample) string) (float64, bool) {
	if len(expected) < 2 {
		return 0, false
	}
	observed := make(map[string]float64)
	for _, s := range recent {
		observed[key(s)]++
	}
	n := float64(len(recent))

	// Unseen categories fold into a pseudo-bucket with a small expected
	// mass so novel behaviour is penalized rather than ignored.
	const epsilon = 0.5
	var chi2 float64
	df := -1
	for category, prob := range expected {
		exp := prob * n
		if exp <= 0 {
			continue
		}
		obs := observed[category]
		chi2 += (obs - exp) * (obs - exp) / exp
		df++
		delete(observed, category)
	}
	for _, obs := range observed {
		chi2 += (obs - epsilon) * (obs - epsilon) / epsilon
		df++
	}
	if df < 1 {
		return 0, false
	}
	return chiSquareSurvival(chi2, float64(df)), true
}

func severityFromP(p float64) Severity {
	switch {
	case p < 0.0001:
		return SeverityCritical
	case p < 0.001:
		return SeverityHigh
	case p < 0.01:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func severityFromZ(absZ float64) Severity {
	switch {
	case absZ >= 4:
		return SeverityCritical
	case absZ >= 3:
		return SeverityHigh
	case absZ >= 2.5:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// ConsistencyFromAlerts folds drift alerts into the behavioural consistency
// signal in [0,1] consumed by the scorer.
func ConsistencyFromAlerts(alerts []Alert) float64 {
	score := 1.0
	for _, a := range alerts {
		switch a.Severity {
		case SeverityCritical:
			score -= 0.5
		case SeverityHigh:
			score -= 0.3
		case SeverityMedium:
			score -= 0.15
		default:
			score -= 0.05
		}
	}
	return clamp01(score)
}
