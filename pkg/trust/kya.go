// Package trust scores agents and gates payments on that score: KYA
// levels, behavioural scoring with tiered limits, goal-drift detection and
// per-request risk assessment, composed into a single evaluation call.
package trust

import (
	"fmt"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Level is the Know-Your-Agent verification ladder.
type Level int

const (
	LevelNone Level = iota
	LevelBasic
	LevelVerified
	LevelAttested
)

var levelNames = map[Level]string{
	LevelNone:     "none",
	LevelBasic:    "basic",
	LevelVerified: "verified",
	LevelAttested: "attested",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Amount thresholds for required KYA, in minor units.
const (
	basicCeilingMinor    = 10_00
	verifiedCeilingMinor = 1_000_00
)

// RequiredLevel returns the minimum KYA level for a payment amount:
// up to $10 BASIC, up to $1,000 VERIFIED, above that ATTESTED.
func RequiredLevel(amountMinor int64) Level {
	switch {
	case amountMinor <= basicCeilingMinor:
		return LevelBasic
	case amountMinor <= verifiedCeilingMinor:
		return LevelVerified
	default:
		return LevelAttested
	}
}

// AttestedScoreFloor is the trust score an agent must hold before it can be
// promoted to ATTESTED.
const AttestedScoreFloor = 0.7

// KYAState tracks one agent's level and the evidence behind it.
type KYAState struct {
	AgentID              string           `json:"agent_id"`
	Level                Level            `json:"level"`
	AnchorVerificationID string           `json:"anchor_verification_id,omitempty"`
	CodeAttestation      *CodeAttestation `json:"code_attestation,omitempty"`
	LivenessActive       bool             `json:"liveness_active"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Upgrade moves the state to the target level, enforcing the evidence
// guards. Upgrades may jump levels as long as each guard is satisfied.
func (s *KYAState) Upgrade(target Level, score float64, now time.Time) error {
	if target <= s.Level {
		return errs.New(errs.KindState, "kya_invalid_transition",
			fmt.Sprintf("cannot upgrade from %s to %s", s.Level, target))
	}
	if target >= LevelVerified && s.AnchorVerificationID == "" {
		return errs.New(errs.KindState, "kya_anchor_required",
			"verified level requires an owner anchor verification")
	}
	if target == LevelAttested {
		if s.CodeAttestation == nil || !s.CodeAttestation.Valid(now) {
			return errs.New(errs.KindState, "kya_attestation_required",
				"attested level requires a current code attestation")
		}
		if score < AttestedScoreFloor {
			return errs.Newf(errs.KindState, "kya_score_too_low",
				"attested level requires trust score >= %.1f, have %.2f", AttestedScoreFloor, score)
		}
	}
	s.Level = target
	s.LivenessActive = true
	s.UpdatedAt = now
	return nil
}

// Downgrade steps exactly one level down; at NONE it is a no-op error.
func (s *KYAState) Downgrade(now time.Time) error {
	if s.Level == LevelNone {
		return errs.New(errs.KindState, "kya_invalid_transition", "already at the lowest level")
	}
	s.Level--
	s.UpdatedAt = now
	return nil
}

// Revoke forces NONE and terminates liveness tracking.
func (s *KYAState) Revoke(now time.Time) {
	s.Level = LevelNone
	s.LivenessActive = false
	s.CodeAttestation = nil
	s.UpdatedAt = now
}

// Sufficient reports whether the state's level covers the amount.
func (s *KYAState) Sufficient(amountMinor int64) bool {
	return s.Level >= RequiredLevel(amountMinor)
}
