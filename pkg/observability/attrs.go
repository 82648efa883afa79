package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Platform semantic convention attributes. Span and metric consumers key on
// these names, so they are stable across releases.
var (
	// Principals.
	AttrOrgID   = attribute.Key("aegispay.org.id")
	AttrAgentID = attribute.Key("aegispay.agent.id")

	// Mandates and payments.
	AttrMandateID   = attribute.Key("aegispay.mandate.id")
	AttrSubject     = attribute.Key("aegispay.mandate.subject")
	AttrAmountMinor = attribute.Key("aegispay.amount_minor")
	AttrToken       = attribute.Key("aegispay.token")
	AttrRail        = attribute.Key("aegispay.rail")
	AttrCanonMode   = attribute.Key("aegispay.canon.mode")

	// Trust and policy.
	AttrDecision     = attribute.Key("aegispay.decision")
	AttrDenialReason = attribute.Key("aegispay.denial_reason")
	AttrTrustScore   = attribute.Key("aegispay.trust.score")
	AttrPluginName   = attribute.Key("aegispay.policy.plugin")

	// Lifecycle objects.
	AttrSessionID = attribute.Key("aegispay.checkout.session_id")
	AttrEscrowID  = attribute.Key("aegispay.escrow.id")
	AttrJourneyID = attribute.Key("aegispay.journey.id")
	AttrAnchorID  = attribute.Key("aegispay.anchor.id")
	AttrChain     = attribute.Key("aegispay.anchor.chain")

	// Collaborators and failures.
	AttrProvider  = attribute.Key("aegispay.provider")
	AttrErrorCode = attribute.Key("aegispay.error.code")
)

// VerificationAttrs describes one mandate chain verification.
func VerificationAttrs(mandateID, subject string, amountMinor int64, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMandateID.String(mandateID),
		AttrSubject.String(subject),
		AttrAmountMinor.Int64(amountMinor),
		AttrCanonMode.String(mode),
	}
}

// TrustAttrs describes one trust evaluation outcome.
func TrustAttrs(agentID, decision string, score float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrDecision.String(decision),
		AttrTrustScore.Float64(score),
	}
}

// EscrowAttrs describes one escrow transition.
func EscrowAttrs(escrowID, state string, amountMinor int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEscrowID.String(escrowID),
		AttrDecision.String(state),
		AttrAmountMinor.Int64(amountMinor),
	}
}

// TreasuryAttrs describes one treasury provider interaction.
func TreasuryAttrs(providerName, orgID string, amountMinor int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProvider.String(providerName),
		AttrOrgID.String(orgID),
		AttrAmountMinor.Int64(amountMinor),
	}
}

// AnchorAttrs describes one anchoring run.
func AnchorAttrs(anchorID, chain string, batchSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAnchorID.String(anchorID),
		AttrChain.String(chain),
		attribute.Int("aegispay.anchor.batch_size", batchSize),
	}
}

// SpanFromContext extracts the active span, returning a no-op span when the
// context carries none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the active span; nil is a no-op.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	trace.SpanFromContext(ctx).RecordError(err)
}
