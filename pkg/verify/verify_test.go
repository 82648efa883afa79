package verify

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aegis-Labs/aegispay/pkg/agent"
	"github.com/Aegis-Labs/aegispay/pkg/canonical"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/identity"
	"github.com/Aegis-Labs/aegispay/pkg/mandate"
	"github.com/Aegis-Labs/aegispay/pkg/replay"
	"github.com/Aegis-Labs/aegispay/pkg/velocity"
)

const (
	testAgent    = "agent_1"
	merchantHost = "shop.example"
	intentHost   = "orchestrator.example"
)

type fixture struct {
	agent        *identity.Signer
	merchant     *identity.Signer
	orchestrator *identity.Signer
	registry     *identity.MemoryRegistry
	replayStore  *replay.MemoryStore
	limiter      *velocity.MemoryGovernor
	archive      *MemoryArchive
	verifier     *Verifier
	now          time.Time
}

func newFixture(t *testing.T, limits velocity.Limits) *fixture {
	t.Helper()
	f := &fixture{now: time.Unix(1_750_000_000, 0)}

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

	f.replayStore = replay.NewMemoryStore().WithClock(func() time.Time { return f.now })
	f.limiter = velocity.NewMemoryGovernor(limits).WithClock(func() time.Time { return f.now })
	f.archive = NewMemoryArchive()

	f.verifier = New(Config{
		AllowedDomains:   []string{merchantHost, "api.shop.example"},
		Mode:             canonical.ModePipe,
		RequireAllProofs: true,
	}, f.replayStore, f.limiter, f.registry, f.archive, nil).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) sign(t *testing.T, signer *identity.Signer, mode canonical.Mode, full any, base *mandate.Mandate) {
	t.Helper()
	base.Proof = mandate.Proof{VerificationMethod: signer.VerificationMethod()}
	payload, err := mandate.SignatureBase(mode, full)
	require.NoError(t, err)
	sig, err := signer.Sign(payload)
	require.NoError(t, err)
	base.Proof.ProofValue = sig
}

// chain builds a fully signed triple: intent for up to 50 USD, a 32.40 USD
// cart, and a payment covering subtotal+taxes.
func (f *fixture) chain(t *testing.T, mode canonical.Mode, id string) *Request {
	t.Helper()
	requested := int64(5000)
	intent := &mandate.IntentMandate{
		Mandate: mandate.Mandate{
			MandateID: "mandate_intent_" + id,
			Type:      mandate.TypeIntent,
			Subject:   testAgent,
			Issuer:    intentHost,
			Purpose:   mandate.PurposeIntent,
			ExpiresAt: f.now.Add(time.Hour),
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
			ExpiresAt: f.now.Add(time.Hour),
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
	payment := f.payment(t, mode, id, 3240)

	f.sign(t, f.orchestrator, mode, intent, &intent.Mandate)
	f.sign(t, f.merchant, mode, cart, &cart.Mandate)
	return &Request{Intent: intent, Cart: cart, Payment: payment, Mode: mode}
}

func (f *fixture) payment(t *testing.T, mode canonical.Mode, id string, amount int64) *mandate.PaymentMandate {
	t.Helper()
	p := &mandate.PaymentMandate{
		Mandate: mandate.Mandate{
			MandateID: "mandate_pay_" + id,
			Type:      mandate.TypePayment,
			Subject:   testAgent,
			Issuer:    merchantHost,
			Purpose:   mandate.PurposeCheckout,
			ExpiresAt: f.now.Add(time.Hour),
			Nonce:     "np-" + id,
		},
		Chain:         "base",
		Token:         "usdc",
		AmountMinor:   amount,
		Destination:   "0x9f8e7d",
		CartMandateID: "mandate_cart_" + id,
	}
	p.AuditHash = mandate.AuditHash(p.CartMandateID, "", p.AmountMinor, p.Chain, p.Token, p.Destination)
	f.sign(t, f.agent, mode, p, &p.Mandate)
	return p
}

func TestVerifyChainAccepts(t *testing.T) {
	f := newFixture(t, velocity.DefaultLimits)
	ctx := context.Background()
	req := f.chain(t, canonical.ModePipe, "ok")

	receipt, err := f.verifier.VerifyChain(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, req.Payment.MandateID, receipt.PaymentMandateID)
	assert.Equal(t, testAgent, receipt.Subject)
	assert.Equal(t, int64(3240), receipt.AmountMinor)

	archived, err := f.archive.GetChain(ctx, req.Payment.MandateID)
	require.NoError(t, err)
	assert.Equal(t, req.Cart.MandateID, archived.Cart.MandateID)

	seen, err := f.replayStore.Seen(ctx, req.Payment.MandateID)
	require.NoError(t, err)
	assert.True(t, seen, "accepted mandate id is consumed")
}

func TestVerifyChainJCSMode(t *testing.T) {
	f := newFixture(t, velocity.DefaultLimits)
	req := f.chain(t, canonical.ModeJCS, "jcs")
	_, err := f.verifier.VerifyChain(context.Background(), req)
	require.NoError(t, err)
}

func TestVerifyChainFailureOrder(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name     string
		mutate   func(t *testing.T, f *fixture, req *Request)
		wantCode string
	}{
		{
			name: "expired payment",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				req.Payment.ExpiresAt = f.now.Add(-time.Second)
				f.sign(t, f.agent, canonical.ModePipe, req.Payment, &req.Payment.Mandate)
			},
			wantCode: CodeMandateExpired,
		},
		{
			name: "wrong purpose",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				req.Intent.Purpose = "payment"
			},
			wantCode: CodeInvalidPurpose,
		},
		{
			name: "subject mismatch",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				req.Cart.Subject = "agent_2"
			},
			wantCode: CodeSubjectMismatch,
		},
		{
			name: "merchant domain mismatch",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				req.Cart.MerchantDomain = "other.example"
			},
			wantCode: CodeMerchantDomainMismatch,
		},
		{
			name: "payment exceeds cart bound",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				req.Payment = f.payment(t, canonical.ModePipe, "over-cart", 3241)
			},
			wantCode: CodePaymentExceedsCartTotal,
		},
		{
			name: "payment exceeds intent amount",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				capped := int64(1000)
				req.Intent.RequestedAmountMinor = &capped
				f.sign(t, f.orchestrator, canonical.ModePipe, req.Intent, &req.Intent.Mandate)
				req.Payment = f.payment(t, canonical.ModePipe, "over-intent", 2000)
			},
			wantCode: CodePaymentExceedsIntent,
		},
		{
			name: "domain not allow-listed",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				req.Cart.MerchantDomain = "evil.example"
				req.Payment.Issuer = "evil.example"
			},
			wantCode: CodeDomainNotAuthorized,
		},
		{
			name: "unbound signing key",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				rogue, err := identity.NewEd25519Signer()
				require.NoError(t, err)
				f.sign(t, rogue, canonical.ModePipe, req.Payment, &req.Payment.Mandate)
			},
			wantCode: CodeIdentityNotResolved,
		},
		{
			name: "tampered signature",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				req.Payment.Proof.ProofValue = base64.StdEncoding.EncodeToString(make([]byte, 64))
			},
			wantCode: CodeSignatureInvalid,
		},
		{
			name: "malformed verification method",
			mutate: func(t *testing.T, f *fixture, req *Request) {
				req.Payment.Proof.VerificationMethod = "not-a-method"
			},
			wantCode: CodeSignatureMalformed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, velocity.DefaultLimits)
			req := f.chain(t, canonical.ModePipe, "fail")
			tc.mutate(t, f, req)

			_, err := f.verifier.VerifyChain(ctx, req)
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, errs.CodeOf(err))
			assert.Zero(t, f.archive.Len(), "rejected chain must not be archived")
		})
	}
}

func TestVerifyChainReplayReject(t *testing.T) {
	f := newFixture(t, velocity.DefaultLimits)
	ctx := context.Background()
	req := f.chain(t, canonical.ModePipe, "rp")

	_, err := f.verifier.VerifyChain(ctx, req)
	require.NoError(t, err)

	_, err = f.verifier.VerifyChain(ctx, req)
	require.Error(t, err)
	assert.Equal(t, CodeMandateReplayed, errs.CodeOf(err))
	assert.Equal(t, errs.KindState, errs.KindOf(err))
}

func TestVerifyChainRateLimit(t *testing.T) {
	f := newFixture(t, velocity.Limits{PerMinute: 1, PerHour: 10, PerDay: 10})
	ctx := context.Background()

	_, err := f.verifier.VerifyChain(ctx, f.chain(t, canonical.ModePipe, "v1"))
	require.NoError(t, err)

	req := f.chain(t, canonical.ModePipe, "v2")
	_, err = f.verifier.VerifyChain(ctx, req)
	require.Error(t, err)
	assert.Equal(t, "rate_limit_minute", errs.CodeOf(err))

	// The rate-limited submission released its replay claim.
	seen, err := f.replayStore.Seen(ctx, req.Payment.MandateID)
	require.NoError(t, err)
	assert.False(t, seen)
}

// A post-claim failure must release the claim so a corrected resubmission
// of the same mandate id can succeed.
func TestReplayClaimRollsBackOnLateFailure(t *testing.T) {
	f := newFixture(t, velocity.DefaultLimits)
	ctx := context.Background()
	req := f.chain(t, canonical.ModePipe, "rb")

	good := req.Payment.Proof.ProofValue
	req.Payment.Proof.ProofValue = base64.StdEncoding.EncodeToString(make([]byte, 64))
	_, err := f.verifier.VerifyChain(ctx, req)
	require.Error(t, err)
	assert.Equal(t, CodeSignatureInvalid, errs.CodeOf(err))

	req.Payment.Proof.ProofValue = good
	_, err = f.verifier.VerifyChain(ctx, req)
	require.NoError(t, err, "released claim admits the corrected chain")
}

// Fifty concurrent submissions of one chain: exactly one acceptance, the
// rest rejected as replays, exactly one archived copy.
func TestConcurrentSubmissionSingleAcceptance(t *testing.T) {
	f := newFixture(t, velocity.DefaultLimits)
	ctx := context.Background()
	req := f.chain(t, canonical.ModePipe, "conc")

	const parallel = 50
	var accepted, replayed atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < parallel; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.verifier.VerifyChain(ctx, req)
			switch {
			case err == nil:
				accepted.Add(1)
			case errs.IsCode(err, CodeMandateReplayed):
				replayed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load())
	assert.Equal(t, int64(parallel-1), replayed.Load())
	assert.Equal(t, 1, f.archive.Len())
}

// manifestRegistry registers testAgent with the given budgets and wires
// the registry in as the verifier's manifest gate.
func (f *fixture) manifestRegistry(t *testing.T, perTx, daily int64, domains ...string) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry(nil).WithClock(func() time.Time { return f.now })
	_, err := reg.Register(context.Background(), &agent.Manifest{
		AgentID:             testAgent,
		OwnerID:             "user_1",
		Capabilities:        []string{"payments"},
		MaxBudgetPerTxMinor: perTx,
		DailyBudgetMinor:    daily,
		AllowedDomains:      domains,
	})
	require.NoError(t, err)
	f.verifier.WithManifestGate(reg)
	return reg
}

func TestVerifyChainManifestBudgets(t *testing.T) {
	f := newFixture(t, velocity.DefaultLimits)
	ctx := context.Background()
	reg := f.manifestRegistry(t, 3000, 6000, "example")

	// The 3240 payment exceeds the per-payment budget; the rejected chain
	// is not archived and its replay claim is released.
	req := f.chain(t, canonical.ModePipe, "gate")
	_, err := f.verifier.VerifyChain(ctx, req)
	require.Error(t, err)
	assert.Equal(t, agent.CodeManifestBudgetExceeded, errs.CodeOf(err))
	assert.Equal(t, errs.KindPolicy, errs.KindOf(err))
	assert.Zero(t, f.archive.Len())
	seen, err := f.replayStore.Seen(ctx, req.Payment.MandateID)
	require.NoError(t, err)
	assert.False(t, seen)

	// Raising the cap admits the same chain.
	_, err = reg.UpdateManifest(ctx, &agent.Manifest{
		AgentID:             testAgent,
		OwnerID:             "user_1",
		Capabilities:        []string{"payments"},
		MaxBudgetPerTxMinor: 4000,
		DailyBudgetMinor:    6000,
		AllowedDomains:      []string{merchantHost},
	})
	require.NoError(t, err)
	_, err = f.verifier.VerifyChain(ctx, req)
	require.NoError(t, err)

	// The accepted spend counts against the daily budget.
	_, err = f.verifier.VerifyChain(ctx, f.chain(t, canonical.ModePipe, "gate2"))
	require.Error(t, err)
	assert.Equal(t, agent.CodeManifestBudgetExceeded, errs.CodeOf(err))
}

func TestVerifyChainManifestDomainBlock(t *testing.T) {
	f := newFixture(t, velocity.DefaultLimits)
	ctx := context.Background()

	reg := agent.NewRegistry(nil).WithClock(func() time.Time { return f.now })
	_, err := reg.Register(ctx, &agent.Manifest{
		AgentID:             testAgent,
		OwnerID:             "user_1",
		Capabilities:        []string{"payments"},
		MaxBudgetPerTxMinor: 10_000,
		DailyBudgetMinor:    10_000,
		BlockedDomains:      []string{merchantHost},
	})
	require.NoError(t, err)
	f.verifier.WithManifestGate(reg)

	// The verifier's own allow-list admits the domain; the agent's
	// manifest block still rejects it.
	_, err = f.verifier.VerifyChain(ctx, f.chain(t, canonical.ModePipe, "blocked"))
	require.Error(t, err)
	assert.Equal(t, agent.CodeDomainNotAuthorized, errs.CodeOf(err))
	assert.Zero(t, f.archive.Len())
}

func TestVerifyPaymentFastPath(t *testing.T) {
	f := newFixture(t, velocity.DefaultLimits)
	ctx := context.Background()

	p := f.payment(t, canonical.ModePipe, "solo", 1500)
	receipt, err := f.verifier.VerifyPayment(ctx, p, canonical.ModePipe)
	require.NoError(t, err)
	assert.Equal(t, p.MandateID, receipt.PaymentMandateID)

	_, err = f.verifier.VerifyPayment(ctx, p, canonical.ModePipe)
	assert.Equal(t, CodeMandateReplayed, errs.CodeOf(err))
}

func TestVerifyPaymentRejectsForeignDomain(t *testing.T) {
	f := newFixture(t, velocity.DefaultLimits)
	p := f.payment(t, canonical.ModePipe, "dom", 1500)
	p.Issuer = "evil.example"

	_, err := f.verifier.VerifyPayment(context.Background(), p, canonical.ModePipe)
	assert.Equal(t, CodeDomainNotAuthorized, errs.CodeOf(err))
}
