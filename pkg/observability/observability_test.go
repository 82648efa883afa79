package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aegis-Labs/aegispay/pkg/config"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "aegispay", cfg.ServiceName)
	require.Equal(t, "development", cfg.Environment)
	require.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	require.Equal(t, 1.0, cfg.SampleRate)
	require.True(t, cfg.Enabled)
	require.False(t, cfg.Insecure)
}

func TestFromSettings(t *testing.T) {
	s := config.Defaults()
	s.Env = "production"
	s.TelemetryEnabled = true
	s.OTLPEndpoint = "collector.internal:4317"
	s.TelemetrySampleRate = 0.25

	cfg := FromSettings(s)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "collector.internal:4317", cfg.OTLPEndpoint)
	assert.Equal(t, 0.25, cfg.SampleRate)
	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.Insecure, "production talks TLS to the collector")

	s.Env = "development"
	s.OTLPEndpoint = ""
	cfg = FromSettings(s)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *Provider

	ctx := context.Background()
	p.RecordOperation(ctx, AttrAgentID.String("agt_1"))
	p.RecordError(ctx, errs.Validation("bad_input", "nope"))
	p.RecordDuration(ctx, 5*time.Millisecond)
	require.NoError(t, p.Shutdown(ctx))

	trackedCtx, finish := p.TrackOperation(ctx, "verify")
	require.NotNil(t, trackedCtx)
	finish(nil)
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "verify",
		VerificationAttrs("pm_1", "agt_1", 2500, "pipe")...)
	require.NotNil(t, ctx)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "treasury")
	finish(errs.New(errs.KindService, errs.CodeServiceUnavailable, "gateway down"))
}

func TestRecordMetricsDisabledDoesNotPanic(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordOperation(ctx, attribute.String("operation", "verify"))
	p.RecordError(ctx, errs.NotFound("mandate_not_found", "gone"))
	p.RecordDuration(ctx, 100*time.Millisecond)
}

func TestVerificationAttrs(t *testing.T) {
	attrs := VerificationAttrs("pm_123", "agt_9", 150_00, "jcs")
	require.Len(t, attrs, 4)
	assert.Equal(t, "aegispay.mandate.id", string(attrs[0].Key))
	assert.Equal(t, "pm_123", attrs[0].Value.AsString())
	assert.Equal(t, int64(150_00), attrs[2].Value.AsInt64())
}

func TestTrustAttrs(t *testing.T) {
	attrs := TrustAttrs("agt_9", "approved", 0.82)
	require.Len(t, attrs, 3)
	assert.Equal(t, "aegispay.decision", string(attrs[1].Key))
	assert.Equal(t, 0.82, attrs[2].Value.AsFloat64())
}

func TestAnchorAttrs(t *testing.T) {
	attrs := AnchorAttrs("anchor_1", "base", 128)
	require.Len(t, attrs, 3)
	assert.Equal(t, "aegispay.anchor.chain", string(attrs[1].Key))
	assert.Equal(t, int64(128), attrs[2].Value.AsInt64())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, SpanFromContext(ctx))
	AddSpanEvent(ctx, "escrow.funded", AttrEscrowID.String("esc_1"))
	SetSpanStatus(ctx, errs.New(errs.KindInternal, "boom", "bad"))
	SetSpanStatus(ctx, nil)
}
