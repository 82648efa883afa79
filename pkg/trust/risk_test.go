package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssessRiskSanctionsPin(t *testing.T) {
	// A sanctions hit overrides every mitigating factor.
	out := AssessRisk(RiskInput{AmountMinor: 1_00, KYCStatus: "verified", SanctionsHit: true})
	assert.Equal(t, 100.0, out.Score)
	assert.Equal(t, ActionBlock, out.Action)
	require.Len(t, out.Factors, 1)
	assert.Equal(t, "sanctions", out.Factors[0].Name)
}

func TestAssessRiskActionBands(t *testing.T) {
	cases := []struct {
		name   string
		in     RiskInput
		score  float64
		action Action
	}{
		{
			name:   "clean small payment approves",
			in:     RiskInput{AmountMinor: 50_00, KYCStatus: "verified"},
			score:  0,
			action: ActionApprove,
		},
		{
			name:   "agent entity alone approves",
			in:     RiskInput{AmountMinor: 50_00, KYCStatus: "verified", EntityType: "agent"},
			score:  5,
			action: ActionApprove,
		},
		{
			name:   "large amount plus agent reviews",
			in:     RiskInput{AmountMinor: 10_000_00, KYCStatus: "verified", EntityType: "agent"},
			score:  30,
			action: ActionReview,
		},
		{
			name:   "missing kyc pushes into EDD",
			in:     RiskInput{AmountMinor: 10_000_00, KYCStatus: "none", EntityType: "agent"},
			score:  50,
			action: ActionEDD,
		},
		{
			name:   "pep stacks into escalation",
			in:     RiskInput{AmountMinor: 10_000_00, KYCStatus: "none", PEP: true, EntityType: "agent"},
			score:  75,
			action: ActionEscalate,
		},
		{
			name: "everything at once blocks",
			in: RiskInput{
				AmountMinor: 10_000_00, VelocityPerHour: 60, CrossBorder: true,
				PEP: true, KYCStatus: "none", EntityType: "agent",
			},
			score:  100, // 25+20+10+25+20+5 = 105, capped
			action: ActionBlock,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := AssessRisk(tc.in)
			assert.Equal(t, tc.score, out.Score)
			assert.Equal(t, tc.action, out.Action)
		})
	}
}

func TestAssessRiskAmountBands(t *testing.T) {
	score := func(amount int64) float64 { return AssessRisk(RiskInput{AmountMinor: amount, KYCStatus: "verified"}).Score }

	assert.Equal(t, 0.0, score(99_00))
	assert.Equal(t, 5.0, score(100_00))
	assert.Equal(t, 15.0, score(1_000_00))
	assert.Equal(t, 25.0, score(10_000_00))
}

func TestAssessRiskVelocityBands(t *testing.T) {
	score := func(perHour int) float64 {
		return AssessRisk(RiskInput{VelocityPerHour: perHour, KYCStatus: "verified"}).Score
	}

	assert.Equal(t, 0.0, score(20))
	assert.Equal(t, 10.0, score(21))
	assert.Equal(t, 10.0, score(50))
	assert.Equal(t, 20.0, score(51))
}
