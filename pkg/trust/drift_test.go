package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var driftBase = time.Unix(1_750_000_000, 0).UTC()

// steadySamples spreads n transactions evenly across the given merchants,
// alternating amounts 900/1100 so the mean is 1000 with std 100. All samples
// share one hour bucket so the hourly dimension stays out of these tests.
func steadySamples(n int, merchants []string) []Sample {
	samples := make([]Sample, n)
	for i := range samples {
		amount := int64(900)
		if i%2 == 1 {
			amount = 1100
		}
		samples[i] = Sample{
			Merchant:    merchants[i%len(merchants)],
			Category:    "software",
			AmountMinor: amount,
			At:          driftBase.Add(time.Duration(i%50) * time.Second),
		}
	}
	return samples
}

var threeMerchants = []string{"api.shop.example", "data.shop.example", "compute.shop.example"}

func TestBuildBaselineParameters(t *testing.T) {
	b := BuildBaseline("agent_1", steadySamples(300, threeMerchants), driftBase)

	assert.Equal(t, 300, b.SampleCount)
	assert.InDelta(t, 10.0, b.TxPerDay, 1e-9)
	require.Len(t, b.Merchants, 3)
	for _, m := range threeMerchants {
		assert.InDelta(t, 1.0/3.0, b.Merchants[m], 1e-9)
	}
	assert.InDelta(t, 1000, b.Amounts.Mean, 1e-9)
	assert.InDelta(t, 100, b.Amounts.Std, 1e-9)
	assert.InDelta(t, 1000, b.Amounts.P50, 1e-9)
	assert.InDelta(t, 1100, b.Amounts.P95, 1e-9)
}

func TestCompareStableBehaviourIsQuiet(t *testing.T) {
	b := BuildBaseline("agent_1", steadySamples(300, threeMerchants), driftBase)
	recent := steadySamples(30, threeMerchants)

	assert.Empty(t, NewDetector().Compare(b, recent))
}

func TestCompareNovelMerchantIsCritical(t *testing.T) {
	b := BuildBaseline("agent_1", steadySamples(300, threeMerchants), driftBase)
	recent := steadySamples(30, []string{"darkpool.example"})

	alerts := NewDetector().Compare(b, recent)
	require.Len(t, alerts, 1)
	assert.Equal(t, "merchant", alerts[0].Dimension)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Less(t, alerts[0].PValue, 0.0001)
}

func TestCompareAmountSpike(t *testing.T) {
	b := BuildBaseline("agent_1", steadySamples(300, threeMerchants), driftBase)

	recent := steadySamples(30, threeMerchants)
	for i := range recent {
		recent[i].AmountMinor = 2000
	}

	alerts := NewDetector().Compare(b, recent)
	require.Len(t, alerts, 1)
	assert.Equal(t, "amount", alerts[0].Dimension)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
	assert.Greater(t, alerts[0].ZScore, 4.0)
}

func TestCompareVelocitySurge(t *testing.T) {
	b := BuildBaseline("agent_1", steadySamples(300, threeMerchants), driftBase)

	// 700 transactions in the 7-day window is 10x the baseline rate.
	recent := steadySamples(700, threeMerchants)

	alerts := NewDetector().Compare(b, recent)
	require.NotEmpty(t, alerts)
	assert.Equal(t, "velocity", alerts[0].Dimension)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestCompareSkipsThinWindows(t *testing.T) {
	d := NewDetector()

	thin := BuildBaseline("agent_1", steadySamples(5, threeMerchants), driftBase)
	assert.Nil(t, d.Compare(thin, steadySamples(30, threeMerchants)))

	b := BuildBaseline("agent_1", steadySamples(300, threeMerchants), driftBase)
	assert.Nil(t, d.Compare(b, steadySamples(5, []string{"darkpool.example"})))
	assert.Nil(t, d.Compare(nil, steadySamples(30, threeMerchants)))
}

func TestChiSquareSurvivalKnownValues(t *testing.T) {
	assert.InDelta(t, 0.05, chiSquareSurvival(3.841, 1), 2e-3)
	assert.InDelta(t, 0.01, chiSquareSurvival(6.635, 1), 5e-4)
	assert.InDelta(t, 1.0, chiSquareSurvival(0, 2), 1e-9)
	// df=2 survival is exp(-x/2).
	assert.InDelta(t, 0.001, chiSquareSurvival(13.816, 2), 1e-4)
}

func TestSeverityMappings(t *testing.T) {
	assert.Equal(t, SeverityCritical, severityFromP(0.00005))
	assert.Equal(t, SeverityHigh, severityFromP(0.0005))
	assert.Equal(t, SeverityMedium, severityFromP(0.005))
	assert.Equal(t, SeverityLow, severityFromP(0.03))

	assert.Equal(t, SeverityCritical, severityFromZ(4.0))
	assert.Equal(t, SeverityHigh, severityFromZ(3.2))
	assert.Equal(t, SeverityMedium, severityFromZ(2.5))
	assert.Equal(t, SeverityLow, severityFromZ(2.1))
}

func TestConsistencyFromAlerts(t *testing.T) {
	assert.Equal(t, 1.0, ConsistencyFromAlerts(nil))
	assert.InDelta(t, 0.5, ConsistencyFromAlerts([]Alert{{Severity: SeverityCritical}}), 1e-9)
	assert.InDelta(t, 0.0, ConsistencyFromAlerts([]Alert{
		{Severity: SeverityCritical},
		{Severity: SeverityHigh},
		{Severity: SeverityMedium},
		{Severity: SeverityLow},
	}), 1e-9)
	// Floors at zero rather than going negative.
	assert.Equal(t, 0.0, ConsistencyFromAlerts([]Alert{
		{Severity: SeverityCritical}, {Severity: SeverityCritical}, {Severity: SeverityCritical},
	}))
}
