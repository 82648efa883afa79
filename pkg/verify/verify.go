// Package verify implements mandate chain verification: a fixed sequence of
// checks over an Intent→Cart→Payment triple where the first failure is
// fatal and the replay claim is atomic with archival.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/canonical"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/identity"
	"github.com/Aegis-Labs/aegispay/pkg/mandate"
	"github.com/Aegis-Labs/aegispay/pkg/replay"
	"github.com/Aegis-Labs/aegispay/pkg/velocity"
)

// Failure codes for chain-level checks. Structural codes live in
// pkg/mandate; rate limit codes in pkg/velocity.
const (
	CodeMandateExpired           = "mandate_expired"
	CodeDomainNotAuthorized      = "domain_not_authorized"
	CodeMandateReplayed          = "mandate_replayed"
	CodeSignatureInvalid         = "signature_invalid"
	CodeSignatureMalformed       = "signature_malformed"
	CodeIdentityNotResolved      = "identity_not_resolved"
	CodeSubjectMismatch          = "subject_mismatch"
	CodeMerchantDomainMismatch   = "merchant_domain_mismatch"
	CodePaymentExceedsCartTotal  = "payment_exceeds_cart_total"
	CodePaymentExceedsIntent     = "payment_exceeds_intent_amount"
	CodeInvalidPurpose           = "invalid_purpose_format"
)

// Config tunes the verifier.
type Config struct {
	// AllowedDomains is the payment-domain allow-list. Matching is exact,
	// case-insensitive.
	AllowedDomains []string
	// Mode is the default canonicalization; a request may override it.
	Mode canonical.Mode
	// RequireAllProofs verifies intent and cart proofs in addition to the
	// payment proof. The payment proof is always verified.
	RequireAllProofs bool
}

// Request is one chain submission.
type Request struct {
	Intent  *mandate.IntentMandate
	Cart    *mandate.CartMandate
	Payment *mandate.PaymentMandate
	// Mode selects pipe or JCS canonicalization for this request; empty
	// uses the configured default.
	Mode canonical.Mode
}

// Receipt records an accepted chain.
type Receipt struct {
	PaymentMandateID string         `json:"payment_mandate_id"`
	Subject          string         `json:"subject"`
	AmountMinor      int64          `json:"amount_minor"`
	Mode             canonical.Mode `json:"mode"`
	VerifiedAt       time.Time      `json:"verified_at"`
}

// Archive persists accepted chains keyed on the payment mandate id.
type Archive interface {
	// SaveChain upserts the chain; saving the same payment mandate id again
	// is a no-op.
	SaveChain(ctx context.Context, ch *mandate.Chain) error
	// GetChain returns the archived chain or a not-found error.
	GetChain(ctx context.Context, paymentMandateID string) (*mandate.Chain, error)
}

// ManifestGate checks a payment against the paying agent's capability
// manifest and books accepted spend. It runs after the rate check and
// before any signature work.
type ManifestGate interface {
	CheckPayment(ctx context.Context, agentID, domain string, amountMinor int64) error
	RecordPayment(ctx context.Context, agentID string, amountMinor int64)
}

// Verifier runs the check sequence. The gate is optional; every other
// collaborator is required.
type Verifier struct {
	cfg      Config
	replay   replay.Store
	limiter  velocity.Governor
	registry identity.Registry
	archive  Archive
	gate     ManifestGate
	log      *slog.Logger
	now      func() time.Time
}

// New builds a Verifier.
func New(cfg Config, rp replay.Store, limiter velocity.Governor, reg identity.Registry, archive Archive, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		cfg:      cfg,
		replay:   rp,
		limiter:  limiter,
		registry: reg,
		archive:  archive,
		log:      log,
		now:      time.Now,
	}
}

// WithClock replaces the verifier's time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// WithManifestGate enforces agent capability manifests during
// verification. A nil gate disables manifest checks.
func (v *Verifier) WithManifestGate(g ManifestGate) *Verifier {
	v.gate = g
	return v
}

// VerifyChain runs the full check sequence; on success the chain is
// archived and the replay claim kept, otherwise neither survives. The
// returned error's code names the first failed check.
func (v *Verifier) VerifyChain(ctx context.Context, req *Request) (*Receipt, error) {
	mode := req.Mode
	if mode == "" {
		mode = v.cfg.Mode
	}
	intent, cart, payment := req.Intent, req.Cart, req.Payment

	// Structural validation covers proof decodability and, for the payment,
	// the audit-hash invariant.
	if intent == nil || cart == nil || payment == nil {
		return nil, errs.Validation(errs.CodeInvalidJSON, "chain requires intent, cart and payment mandates")
	}
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	if err := cart.Validate(); err != nil {
		return nil, err
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}

	if err := checkPurpose(intent, cart, payment); err != nil {
		return nil, err
	}

	now := v.now()
	for _, m := range []*mandate.Mandate{&intent.Mandate, &cart.Mandate, &payment.Mandate} {
		if m.Expired(now) {
			return nil, errs.New(errs.KindState, CodeMandateExpired,
				fmt.Sprintf("mandate %s expired at %s", m.MandateID, m.ExpiresAt.UTC().Format(time.RFC3339))).
				WithDetail("mandate_id", m.MandateID)
		}
	}

	if intent.Subject != payment.Subject || cart.Subject != payment.Subject {
		return nil, errs.New(errs.KindAuth, CodeSubjectMismatch, "all mandates must share one subject")
	}

	if !strings.EqualFold(cart.MerchantDomain, payment.Issuer) {
		return nil, errs.New(errs.KindAuth, CodeMerchantDomainMismatch,
			fmt.Sprintf("cart merchant %q does not match payment domain %q", cart.MerchantDomain, payment.Issuer))
	}

	if bound := cart.SubtotalMinor + cart.TaxesMinor; payment.AmountMinor > bound {
		return nil, errs.New(errs.KindPolicy, CodePaymentExceedsCartTotal,
			fmt.Sprintf("payment %d exceeds cart bound %d", payment.AmountMinor, bound))
	}

	if intent.RequestedAmountMinor != nil && payment.AmountMinor > *intent.RequestedAmountMinor {
		return nil, errs.New(errs.KindPolicy, CodePaymentExceedsIntent,
			fmt.Sprintf("payment %d exceeds intent amount %d", payment.AmountMinor, *intent.RequestedAmountMinor))
	}

	if !v.domainAllowed(payment.Issuer) {
		return nil, errs.New(errs.KindAuth, CodeDomainNotAuthorized,
			fmt.Sprintf("domain %q is not in the allow-list", payment.Issuer))
	}

	// Replay claim. From here on every failure must release the claim so
	// the reject and the archive write stay atomic.
	fresh, err := v.replay.CheckAndStore(ctx, payment.MandateID, payment.ExpiresAt)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindService, errs.CodeServiceUnavailable, "replay cache unavailable")
	}
	if !fresh {
		return nil, errs.New(errs.KindState, CodeMandateReplayed,
			fmt.Sprintf("mandate %s was already accepted", payment.MandateID))
	}

	receipt, err := v.finishChecks(ctx, mode, intent, cart, payment)
	if err != nil {
		if rbErr := v.replay.Delete(ctx, payment.MandateID); rbErr != nil {
			v.log.Error("replay rollback failed", "mandate_id", payment.MandateID, "error", rbErr)
		}
		return nil, err
	}
	return receipt, nil
}

// finishChecks runs the post-claim checks and archives on success.
func (v *Verifier) finishChecks(ctx context.Context, mode canonical.Mode, intent *mandate.IntentMandate, cart *mandate.CartMandate, payment *mandate.PaymentMandate) (*Receipt, error) {
	if err := v.limiter.Allow(ctx, payment.Subject); err != nil {
		return nil, err
	}

	if v.gate != nil {
		if err := v.gate.CheckPayment(ctx, payment.Subject, payment.Issuer, payment.AmountMinor); err != nil {
			return nil, err
		}
	}

	if err := v.verifyProof(ctx, mode, &payment.Mandate, payment); err != nil {
		return nil, err
	}
	if v.cfg.RequireAllProofs {
		if err := v.verifyProof(ctx, mode, &intent.Mandate, intent); err != nil {
			return nil, err
		}
		if err := v.verifyProof(ctx, mode, &cart.Mandate, cart); err != nil {
			return nil, err
		}
	}

	ch := &mandate.Chain{Intent: intent, Cart: cart, Payment: payment}
	if err := v.archive.SaveChain(ctx, ch); err != nil {
		return nil, errs.Wrap(err, errs.KindService, errs.CodeServiceUnavailable, "mandate archive unavailable")
	}

	if v.gate != nil {
		v.gate.RecordPayment(ctx, payment.Subject, payment.AmountMinor)
	}

	v.log.Info("mandate chain accepted",
		"payment_mandate_id", payment.MandateID,
		"subject", payment.Subject,
		"amount_minor", payment.AmountMinor,
		"mode", string(mode))

	return &Receipt{
		PaymentMandateID: payment.MandateID,
		Subject:          payment.Subject,
		AmountMinor:      payment.AmountMinor,
		Mode:             mode,
		VerifiedAt:       v.now(),
	}, nil
}

// verifyProof resolves the identity binding and checks the signature over
// the canonical base for one mandate.
func (v *Verifier) verifyProof(ctx context.Context, mode canonical.Mode, base *mandate.Mandate, full any) error {
	method, err := identity.ParseMethod(base.Proof.VerificationMethod)
	if err != nil {
		return errs.Wrap(err, errs.KindCrypto, CodeSignatureMalformed, "verification method is malformed")
	}

	bound, err := v.registry.VerifyBinding(ctx, base.Subject, base.Issuer, method)
	if err != nil {
		return errs.Wrap(err, errs.KindService, errs.CodeServiceUnavailable, "identity registry unavailable")
	}
	if !bound {
		return errs.New(errs.KindCrypto, CodeIdentityNotResolved,
			fmt.Sprintf("no binding for %s on %s", base.Subject, base.Issuer))
	}

	if !method.Algorithm.MessageAlgorithm() {
		return errs.New(errs.KindCrypto, CodeSignatureInvalid,
			fmt.Sprintf("algorithm %s is not permitted for mandate signatures", method.Algorithm))
	}

	payload, err := mandate.SignatureBase(mode, full)
	if err != nil {
		return errs.Wrap(err, errs.KindCrypto, CodeSignatureMalformed, "signature base could not be built")
	}
	sig, err := base.Proof.SignatureBytes()
	if err != nil {
		return errs.New(errs.KindCrypto, CodeSignatureMalformed, "proof_value is not decodable")
	}
	if err := method.Verify(payload, sig); err != nil {
		return errs.New(errs.KindCrypto, CodeSignatureInvalid,
			fmt.Sprintf("signature rejected for mandate %s", base.MandateID))
	}
	return nil
}

// VerifyPayment is the single-mandate fast path: structure, expiry,
// allow-list, replay, velocity, binding and signature, without chain
// relations. The replay claim and archive write follow the same atomic
// contract as the chain path.
func (v *Verifier) VerifyPayment(ctx context.Context, payment *mandate.PaymentMandate, mode canonical.Mode) (*Receipt, error) {
	if mode == "" {
		mode = v.cfg.Mode
	}
	if payment == nil {
		return nil, errs.Validation(errs.CodeInvalidJSON, "payment mandate is required")
	}
	if err := payment.Validate(); err != nil {
		return nil, err
	}
	if payment.Purpose != mandate.PurposeCheckout {
		return nil, errs.Validation(CodeInvalidPurpose,
			fmt.Sprintf("payment mandate purpose %q, want %q", payment.Purpose, mandate.PurposeCheckout))
	}
	if payment.Expired(v.now()) {
		return nil, errs.New(errs.KindState, CodeMandateExpired,
			fmt.Sprintf("mandate %s expired at %s", payment.MandateID, payment.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	if !v.domainAllowed(payment.Issuer) {
		return nil, errs.New(errs.KindAuth, CodeDomainNotAuthorized,
			fmt.Sprintf("domain %q is not in the allow-list", payment.Issuer))
	}

	fresh, err := v.replay.CheckAndStore(ctx, payment.MandateID, payment.ExpiresAt)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindService, errs.CodeServiceUnavailable, "replay cache unavailable")
	}
	if !fresh {
		return nil, errs.New(errs.KindState, CodeMandateReplayed,
			fmt.Sprintf("mandate %s was already accepted", payment.MandateID))
	}

	receipt, err := v.finishPayment(ctx, mode, payment)
	if err != nil {
		if rbErr := v.replay.Delete(ctx, payment.MandateID); rbErr != nil {
			v.log.Error("replay rollback failed", "mandate_id", payment.MandateID, "error", rbErr)
		}
		return nil, err
	}
	return receipt, nil
}

func (v *Verifier) finishPayment(ctx context.Context, mode canonical.Mode, payment *mandate.PaymentMandate) (*Receipt, error) {
	if err := v.limiter.Allow(ctx, payment.Subject); err != nil {
		return nil, err
	}
	if v.gate != nil {
		if err := v.gate.CheckPayment(ctx, payment.Subject, payment.Issuer, payment.AmountMinor); err != nil {
			return nil, err
		}
	}
	if err := v.verifyProof(ctx, mode, &payment.Mandate, payment); err != nil {
		return nil, err
	}
	if err := v.archive.SaveChain(ctx, &mandate.Chain{Payment: payment}); err != nil {
		return nil, errs.Wrap(err, errs.KindService, errs.CodeServiceUnavailable, "mandate archive unavailable")
	}
	if v.gate != nil {
		v.gate.RecordPayment(ctx, payment.Subject, payment.AmountMinor)
	}
	return &Receipt{
		PaymentMandateID: payment.MandateID,
		Subject:          payment.Subject,
		AmountMinor:      payment.AmountMinor,
		Mode:             mode,
		VerifiedAt:       v.now(),
	}, nil
}

func (v *Verifier) domainAllowed(domain string) bool {
	return slices.ContainsFunc(v.cfg.AllowedDomains, func(allowed string) bool {
		return strings.EqualFold(allowed, domain)
	})
}

func checkPurpose(intent *mandate.IntentMandate, cart *mandate.CartMandate, payment *mandate.PaymentMandate) error {
	for _, tc := range []struct {
		id, purpose, want string
	}{
		{intent.MandateID, intent.Purpose, mandate.PurposeIntent},
		{cart.MandateID, cart.Purpose, mandate.PurposeCart},
		{payment.MandateID, payment.Purpose, mandate.PurposeCheckout},
	} {
		if tc.purpose != tc.want {
			return errs.Validation(CodeInvalidPurpose,
				fmt.Sprintf("mandate %s purpose %q, want %q", tc.id, tc.purpose, tc.want))
		}
	}
	return nil
}
