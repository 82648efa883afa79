package trust

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/velocity"
)

// AgentState is everything the framework knows about one agent at
// evaluation time.
type AgentState struct {
	AgentID  string
	KYA      *KYAState
	Signals  Signals
	Country  string
	PEP      bool
	Sanction bool
	KYC      string // owner KYC status: none, pending, verified
	Baseline *Baseline
	Recent   []Sample
}

// ProfileProvider loads agent state for evaluation.
type ProfileProvider interface {
	State(ctx context.Context, agentID string) (*AgentState, error)
}

// RelationshipProvider reports prior relationship strength in [0,1].
type RelationshipProvider interface {
	Strength(ctx context.Context, a, b string) (float64, error)
}

// Evaluation is the outcome consumed by the payment orchestrator.
type Evaluation struct {
	Approved          bool            `json:"approved"`
	TrustScore        float64         `json:"trust_score"`
	RequesterScore    float64         `json:"requester_score"`
	CounterpartyScore float64         `json:"counterparty_score"`
	RequesterTier     Tier            `json:"requester_tier"`
	CounterpartyTier  Tier            `json:"counterparty_tier"`
	DenialReason      string          `json:"denial_reason,omitempty"`
	Warnings          []string        `json:"warnings,omitempty"`
	Risk              *RiskAssessment `json:"risk,omitempty"`
}

// Denial reasons. Velocity denials reuse the governor's window codes.
const (
	DenialKYAInsufficient = "kya_level_insufficient"
	DenialTierLimit       = "amount_exceeds_tier_limit"
	DenialRiskBlocked     = "risk_blocked"
	DenialRiskEscalation  = "risk_escalation_required"
	DenialDriftCritical   = "behavioural_drift_critical"
)

// Warning strings.
const (
	WarnRiskReview          = "risk_review_recommended"
	WarnEDD                 = "enhanced_due_diligence_required"
	WarnDriftHigh           = "behavioural_drift_high"
	WarnCounterpartyLow     = "counterparty_low_trust"
	WarnReputationLowVolume = "reputation_low_confidence"
)

// Framework composes KYA, scoring, drift and velocity into one gate.
type Framework struct {
	profiles      ProfileProvider
	relationships RelationshipProvider
	scorer        *Scorer
	detector      *Detector
	governor      velocity.Governor
	log           *slog.Logger
}

// NewFramework wires the collaborators. relationships may be nil when no
// relationship graph exists.
func NewFramework(profiles ProfileProvider, relationships RelationshipProvider, scorer *Scorer, detector *Detector, governor velocity.Governor, log *slog.Logger) *Framework {
	if log == nil {
		log = slog.Default()
	}
	if detector == nil {
		detector = NewDetector()
	}
	return &Framework{
		profiles:      profiles,
		relationships: relationships,
		scorer:        scorer,
		detector:      detector,
		governor:      governor,
		log:           log,
	}
}

// Evaluate gates one operation between two agents. Denials carry a
// deterministic reason; the evaluation is returned alongside the denial so
// callers can log scores either way.
func (f *Framework) Evaluate(ctx context.Context, requesterID, counterpartyID string, amountMinor int64, operation string) (*Evaluation, error) {
	requester, err := f.profiles.State(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("load requester state: %w", err)
	}
	counterparty, err := f.profiles.State(ctx, counterpartyID)
	if err != nil {
		return nil, fmt.Errorf("load counterparty state: %w", err)
	}

	eval := &Evaluation{}

	// Velocity rejects before any scoring work.
	if err := f.governor.Allow(ctx, requesterID); err != nil {
		if errs.KindOf(err) == errs.KindRateLimit {
			eval.DenialReason = errs.CodeOf(err)
			return eval, nil
		}
		return nil, err
	}

	// Drift feeds the consistency signal before scoring.
	var requesterAlerts []Alert
	if requester.Baseline != nil {
		requesterAlerts = f.detector.Compare(requester.Baseline, requester.Recent)
		requester.Signals.Consistency = ConsistencyFromAlerts(requesterAlerts)
	}

	eval.RequesterScore = f.scorer.Score(requesterID, requester.Signals)
	eval.CounterpartyScore = f.scorer.Score(counterpartyID, counterparty.Signals)
	eval.RequesterTier = TierForScore(eval.RequesterScore)
	eval.CounterpartyTier = TierForScore(eval.CounterpartyScore)

	strength := 0.0
	if f.relationships != nil {
		strength, err = f.relationships.Strength(ctx, requesterID, counterpartyID)
		if err != nil {
			return nil, fmt.Errorf("load relationship: %w", err)
		}
	}
	eval.TrustScore = CombineScores(eval.RequesterScore, eval.CounterpartyScore, strength)

	if requester.KYA == nil || !requester.KYA.Sufficient(amountMinor) {
		eval.DenialReason = DenialKYAInsufficient
		return eval, nil
	}

	if limits := LimitsForTier(eval.RequesterTier); amountMinor > limits.MaxPerTxMinor {
		eval.DenialReason = DenialTierLimit
		return eval, nil
	}

	risk := AssessRisk(RiskInput{
		AmountMinor:     amountMinor,
		VelocityPerHour: len(requester.Recent),
		CrossBorder:     requester.Country != "" && counterparty.Country != "" && requester.Country != counterparty.Country,
		PEP:             requester.PEP,
		SanctionsHit:    requester.Sanction || counterparty.Sanction,
		KYCStatus:       requester.KYC,
		EntityType:      "agent",
	})
	eval.Risk = &risk
	switch risk.Action {
	case ActionBlock:
		eval.DenialReason = DenialRiskBlocked
		return eval, nil
	case ActionEscalate:
		eval.DenialReason = DenialRiskEscalation
		return eval, nil
	case ActionEDD:
		eval.Warnings = append(eval.Warnings, WarnEDD)
	case ActionReview:
		eval.Warnings = append(eval.Warnings, WarnRiskReview)
	}

	for _, alert := range requesterAlerts {
		switch alert.Severity {
		case SeverityCritical:
			eval.DenialReason = DenialDriftCritical
			return eval, nil
		case SeverityHigh:
			eval.Warnings = append(eval.Warnings, WarnDriftHigh)
		}
	}

	if eval.CounterpartyTier == TierUntrusted {
		eval.Warnings = append(eval.Warnings, WarnCounterpartyLow)
	}
	if counterparty.Signals.Reputation.Count < reputationConfidenceFloor {
		eval.Warnings = append(eval.Warnings, WarnReputationLowVolume)
	}

	eval.Approved = true
	f.log.Debug("trust evaluation",
		"operation", operation,
		"requester", requesterID,
		"counterparty", counterpartyID,
		"combined_score", eval.TrustScore,
		"approved", eval.Approved)
	return eval, nil
}

// Invalidate drops cached scores after any state change for the agent.
func (f *Framework) Invalidate(agentID string) {
	f.scorer.Invalidate(agentID)
}
