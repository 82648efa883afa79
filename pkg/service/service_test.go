package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aegis-Labs/aegispay/pkg/anchor"
	"github.com/Aegis-Labs/aegispay/pkg/audit"
	"github.com/Aegis-Labs/aegispay/pkg/canonical"
	"github.com/Aegis-Labs/aegispay/pkg/config"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/identity"
	"github.com/Aegis-Labs/aegispay/pkg/mandate"
	"github.com/Aegis-Labs/aegispay/pkg/marketplace"
	"github.com/Aegis-Labs/aegispay/pkg/observability"
	"github.com/Aegis-Labs/aegispay/pkg/tap"
	"github.com/Aegis-Labs/aegispay/pkg/trust"
	"github.com/Aegis-Labs/aegispay/pkg/verify"
)

const (
	testAgent    = "agent_1"
	merchantHost = "shop.example"
	intentHost   = "orchestrator.example"
)

// chainFixture signs full mandate triples against a registry the
// service under test shares.
type chainFixture struct {
	agent        *identity.Signer
	merchant     *identity.Signer
	orchestrator *identity.Signer
	registry     *identity.MemoryRegistry
}

func newChainFixture(t *testing.T) *chainFixture {
	t.Helper()
	f := &chainFixture{}

	var err error
	f.agent, err = identity.NewEd25519Signer()
	require.NoError(t, err)
	f.merchant, err = identity.NewEd25519Signer()
	require.NoError(t, err)
	f.orchestrator, err = identity.NewP256Signer()
	require.NoError(t, err)

	f.registry = identity.NewMemoryRegistry()
	f.registry.Bind(testAgent, merchantHost, f.agent.Method())
	f.registry.Bind(testAgent, merchantHost, f.merchant.Method())
	f.registry.Bind(testAgent, intentHost, f.orchestrator.Method())
	return f
}

func (f *chainFixture) sign(t *testing.T, signer *identity.Signer, full any, base *mandate.Mandate) {
	t.Helper()
	base.Proof = mandate.Proof{VerificationMethod: signer.VerificationMethod()}
	payload, err := mandate.SignatureBase(canonical.ModePipe, full)
	require.NoError(t, err)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	base.Proof.ProofValue = sig
}

// chain builds a signed triple: a 50 USD intent, a 32.40 USD cart, and
// a payment covering subtotal plus taxes. The service verifies against
// the wall clock, so expiries sit an hour out.
func (f *chainFixture) chain(t *testing.T, id string) *verify.Request {
	t.Helper()
	expiry := time.Now().Add(time.Hour)
	requested := int64(5000)
	intent := &mandate.IntentMandate{
		Mandate: mandate.Mandate{
			MandateID: "mandate_intent_" + id,
			Type:      mandate.TypeIntent,
			Subject:   testAgent,
			Issuer:    intentHost,
			Purpose:   mandate.PurposeIntent,
			ExpiresAt: expiry,
			Nonce:     "ni-" + id,
		},
		RequestedAmountMinor: &requested,
	}
	cart := &mandate.CartMandate{
		Mandate: mandate.Mandate{
			MandateID: "mandate_cart_" + id,
			Type:      mandate.TypeCart,
			Subject:   testAgent,
			Issuer:    merchantHost,
			Purpose:   mandate.PurposeCart,
			ExpiresAt: expiry,
			Nonce:     "nc-" + id,
		},
		MerchantDomain: merchantHost,
		Currency:       "USD",
		LineItems: []mandate.LineItem{
			{Label: "api credits", Quantity: 3, UnitPriceMinor: 1000, TotalMinor: 3000},
		},
		SubtotalMinor: 3000,
		TaxesMinor:    240,
	}
	payment := &mandate.PaymentMandate{
		Mandate: mandate.Mandate{
			MandateID: "mandate_pay_" + id,
			Type:      mandate.TypePayment,
			Subject:   testAgent,
			Issuer:    merchantHost,
			Purpose:   mandate.PurposeCheckout,
			ExpiresAt: expiry,
			Nonce:     "np-" + id,
		},
		Chain:         "base",
		Token:         "usdc",
		AmountMinor:   3240,
		Destination:   "0x9f8e7d",
		CartMandateID: "mandate_cart_" + id,
	}
	payment.AuditHash = mandate.AuditHash(payment.CartMandateID, "", payment.AmountMinor, payment.Chain, payment.Token, payment.Destination)

	f.sign(t, f.orchestrator, intent, &intent.Mandate)
	f.sign(t, f.merchant, cart, &cart.Mandate)
	f.sign(t, f.agent, payment, &payment.Mandate)
	return &verify.Request{Intent: intent, Cart: cart, Payment: payment, Mode: canonical.ModePipe}
}

func testSettings() config.Settings {
	st := config.Defaults()
	st.AllowedDomains = []string{merchantHost}
	st.WorkerPoolSize = 4
	return st
}

func newTestService(t *testing.T, mutate func(*Config)) (*Service, *chainFixture) {
	t.Helper()
	f := newChainFixture(t)
	cfg := Config{Settings: testSettings(), Identity: f.registry}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return s, f
}

func TestNewServiceZeroConfigDefaults(t *testing.T) {
	s, err := New(context.Background(), Config{})
	require.NoError(t, err)

	assert.Equal(t, 8080, s.Settings().Port)
	assert.Nil(t, s.Profile)
	assert.Equal(t, runtime.GOMAXPROCS(0), s.Pool.Size())

	assert.NotNil(t, s.Verifier)
	assert.NotNil(t, s.TAP)
	assert.NotNil(t, s.Trust)
	assert.NotNil(t, s.Treasury)
	assert.NotNil(t, s.Market)
	assert.NotNil(t, s.Checkout)
	assert.NotNil(t, s.Ledger)
	assert.NotNil(t, s.Audit)
	assert.NotNil(t, s.Anchors)
	assert.NotNil(t, s.Evidence)
	assert.NotNil(t, s.Orgs)
	assert.NotNil(t, s.Budgets)
	assert.NotNil(t, s.Policies)
	assert.NotNil(t, s.Agents)
	assert.NotNil(t, s.Idempotency)
	assert.NotNil(t, s.Timeline)
	assert.NotNil(t, s.SLOs)
	assert.Equal(t, len(observability.DefaultTargets()), s.SLIs.Count())
}

func TestNewServiceRejectsBadCanonMode(t *testing.T) {
	st := config.Defaults()
	st.CanonMode = "xml"
	_, err := New(context.Background(), Config{Settings: st})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "canonicalization mode")
}

func TestNewServiceRejectsShortWebhookSecret(t *testing.T) {
	st := config.Defaults()
	st.WebhookMasterSecret = "short"
	_, err := New(context.Background(), Config{Settings: st})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook secrets")
}

func TestNewServiceLoadsJurisdictionProfile(t *testing.T) {
	dir := t.TempDir()
	profile := []byte("name: European Union\ncode: eu\npayments:\n  max_payment_minor: 1000\n  block_sanctioned: true\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_eu.yaml"), profile, 0o600))

	st := config.Defaults()
	st.ProfilesDir = dir
	st.Jurisdiction = "eu"
	s, err := New(context.Background(), Config{Settings: st})
	require.NoError(t, err)
	require.NotNil(t, s.Profile)
	assert.Equal(t, "eu", s.Profile.Code)
	assert.Equal(t, int64(1000), s.Profile.Payments.MaxPaymentMinor)

	st.Jurisdiction = "mars"
	_, err = New(context.Background(), Config{Settings: st})
	require.Error(t, err, "a named profile must exist")
}

func TestServiceVerifyChainRecordsOutcome(t *testing.T) {
	s, f := newTestService(t, nil)
	ctx := context.Background()

	receipt, err := s.VerifyChain(ctx, f.chain(t, "ok"))
	require.NoError(t, err)
	assert.Equal(t, "mandate_pay_ok", receipt.PaymentMandateID)
	assert.Equal(t, testAgent, receipt.Subject)
	assert.Equal(t, int64(3240), receipt.AmountMinor)

	status, err := s.SLOs.Status("verify")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount)
	assert.True(t, status.InCompliance)

	entries := s.Timeline.Query(observability.TimelineQuery{})
	require.Len(t, entries, 1)
	assert.Equal(t, observability.EntryTypeVerification, entries[0].EntryType)
	assert.Equal(t, testAgent, entries[0].AgentID)
}

func TestServiceVerifyChainFailureSkipsTimeline(t *testing.T) {
	s, f := newTestService(t, nil)
	ctx := context.Background()
	req := f.chain(t, "dup")

	_, err := s.VerifyChain(ctx, req)
	require.NoError(t, err)

	// The payment mandate id is consumed, so resubmission fails.
	_, err = s.VerifyChain(ctx, req)
	require.Error(t, err)

	status, serr := s.SLOs.Status("verify")
	require.NoError(t, serr)
	assert.Equal(t, 2, status.ObservationCount)
	assert.Equal(t, 1, s.Timeline.Count(), "failed verifications stay off the timeline")
}

func TestServiceVerifyChainIdempotentReplays(t *testing.T) {
	s, f := newTestService(t, nil)
	ctx := context.Background()
	req := f.chain(t, "idem")

	first, replayed, err := s.VerifyChainIdempotent(ctx, "key-1", req)
	require.NoError(t, err)
	assert.False(t, replayed)

	// The same key replays the stored receipt. A re-run would hit the
	// replay guard and fail, so success here proves the cache answered.
	second, replayed, err := s.VerifyChainIdempotent(ctx, "key-1", req)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.PaymentMandateID, second.PaymentMandateID)
	assert.Equal(t, first.AmountMinor, second.AmountMinor)

	// A different key runs verification again and trips the guard.
	_, _, err = s.VerifyChainIdempotent(ctx, "key-2", req)
	require.Error(t, err)
}

func TestServiceVerifyChainIdempotentErrorReleasesKey(t *testing.T) {
	s, f := newTestService(t, nil)
	ctx := context.Background()

	bad := f.chain(t, "bad")
	bad.Cart.MerchantDomain = "evil.example"
	_, _, err := s.VerifyChainIdempotent(ctx, "key-retry", bad)
	require.Error(t, err)

	// The failure released the key, so a corrected retry runs.
	good := f.chain(t, "good")
	receipt, replayed, err := s.VerifyChainIdempotent(ctx, "key-retry", good)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "mandate_pay_good", receipt.PaymentMandateID)
}

func TestServiceEvaluateTrustDeniesUnknownAgent(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	eval, err := s.EvaluateTrust(ctx, "agent_a", "agent_b", 500, "payment")
	require.NoError(t, err)
	assert.False(t, eval.Approved)
	assert.Equal(t, trust.DenialKYAInsufficient, eval.DenialReason)

	status, err := s.SLOs.Status("policy")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount)

	policyType := observability.EntryTypePolicy
	entries := s.Timeline.Query(observability.TimelineQuery{EntryType: &policyType})
	require.Len(t, entries, 1)
	assert.Equal(t, "agent_a", entries[0].AgentID)
}

func TestServiceAnchorFlowExportsEvidence(t *testing.T) {
	s, _ := newTestService(t, nil)
	ctx := context.Background()

	var lastEntryID string
	for i := 0; i < 3; i++ {
		entry, err := s.Audit.Append(ctx, audit.Params{
			Type:        "payment.verified",
			Actor:       "verifier",
			Subject:     fmt.Sprintf("mandate_pay_%d", i),
			AmountMinor: int64(1000 + i),
		})
		require.NoError(t, err)
		lastEntryID = entry.EntryID
	}

	rec, err := s.AnchorNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, anchor.StatusAnchored, rec.Status)
	assert.Equal(t, 3, rec.EntryCount)
	assert.Contains(t, rec.TxHash, "0xdev")
	assert.Equal(t, "devnet", rec.Chain)

	// The covered entry is provable after anchoring.
	proof, covering, err := s.Anchors.ProofForEntry(ctx, lastEntryID)
	require.NoError(t, err)
	require.NotNil(t, proof)
	assert.Equal(t, rec.AnchorID, covering.AnchorID)

	anchorType := observability.EntryTypeAnchor
	entries := s.Timeline.Query(observability.TimelineQuery{EntryType: &anchorType})
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Details["evidence_ref"], "evidence bundle exported alongside the anchor")

	// An empty backlog anchors nothing.
	rec2, err := s.AnchorNow(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec2)

	status, err := s.SLOs.Status("anchor")
	require.NoError(t, err)
	assert.Equal(t, 1, status.ObservationCount)
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	s, _ := newTestService(t, func(c *Config) {
		c.Settings.AnchorInterval = config.Duration{Duration: 20 * time.Millisecond}
	})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let the anchor loop tick over an empty backlog a few times.
	time.Sleep(90 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestServiceLeaderGateSkipsTicks(t *testing.T) {
	s, _ := newTestService(t, func(c *Config) {
		c.Settings.AnchorInterval = config.Duration{Duration: 10 * time.Millisecond}
		c.Leader = StaticLeader(false)
	})
	ctx := context.Background()

	_, err := s.Audit.Append(ctx, audit.Params{Type: "payment.verified", Actor: "verifier", Subject: "mandate_pay_x"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()
	time.Sleep(80 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	status, err := s.SLOs.Status("anchor")
	require.NoError(t, err)
	assert.Zero(t, status.ObservationCount, "a non-leader never runs loop iterations")
	assert.Zero(t, s.Timeline.Count())
}

func TestDevCollaboratorsAreDeterministic(t *testing.T) {
	ctx := context.Background()
	esc := &marketplace.Escrow{EscrowID: "esc_42"}

	r1, err := devSettler{}.Release(ctx, esc)
	require.NoError(t, err)
	r2, err := devSettler{}.Release(ctx, esc)
	require.NoError(t, err)
	assert.Equal(t, r1, r2, "release is idempotent per escrow")

	refund, err := devSettler{}.Refund(ctx, esc)
	require.NoError(t, err)
	assert.NotEqual(t, r1, refund)

	a1, err := devChainExecutor{}.SubmitRoot(ctx, "anchor_1", "root_abc")
	require.NoError(t, err)
	a2, err := devChainExecutor{}.SubmitRoot(ctx, "anchor_1", "root_abc")
	require.NoError(t, err)
	assert.Equal(t, a1.TxHash, a2.TxHash)
	assert.Equal(t, "devnet", a1.Chain)
}

func TestServicePruneCachesRuns(t *testing.T) {
	s, _ := newTestService(t, nil)
	assert.NotPanics(t, func() { s.pruneCaches(context.Background()) })
}

// tapRequest signs an HTTP request whose TAP key id is the signer's own
// verification method, the form the service resolver accepts.
func tapRequest(t *testing.T, signer *identity.Signer, nonce string) *http.Request {
	t.Helper()
	created := time.Now().Add(-time.Minute).Unix()
	expires := time.Now().Add(time.Minute).Unix()
	input := fmt.Sprintf(
		`sig1=("@method" "@authority" "@path");created=%d;expires=%d;keyid=%q;alg="ed25519";nonce=%q;tag="agent-payer-auth"`,
		created, expires, signer.VerificationMethod(), nonce)

	req := httptest.NewRequest(http.MethodPost, "https://merchant.example/ucp/checkout", nil)
	req.Header.Set("Signature-Input", input)

	base := fmt.Sprintf("%q: %s\n%q: %s\n%q: %s\n%q: %s",
		"@method", http.MethodPost,
		"@authority", "merchant.example",
		"@path", "/ucp/checkout",
		"@signature-params", strings.TrimPrefix(input, "sig1="))
	sig, err := signer.Sign([]byte(base))
	require.NoError(t, err)
	req.Header.Set("Signature", fmt.Sprintf("sig1=:%s:", sig))
	return req
}

func TestServiceVerifyAgentRequest(t *testing.T) {
	s, f := newTestService(t, nil)
	ctx := context.Background()

	req := tapRequest(t, f.agent, "svc-nonce-1")
	in, err := s.VerifyAgentRequest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, f.agent.VerificationMethod(), in.KeyID)
	assert.Equal(t, tap.TagPayerAuth, in.Tag)

	// The nonce is consumed; a byte-identical redelivery is refused.
	_, err = s.VerifyAgentRequest(ctx, req)
	require.Error(t, err)
	assert.Equal(t, tap.CodeNonceReplayed, errs.CodeOf(err))
}

func TestServiceVerifyAgentRequestRejectsUnsigned(t *testing.T) {
	s, _ := newTestService(t, nil)
	req := httptest.NewRequest(http.MethodGet, "https://merchant.example/ucp/checkout", nil)
	_, err := s.VerifyAgentRequest(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, tap.CodeMissingSignature, errs.CodeOf(err))
}
