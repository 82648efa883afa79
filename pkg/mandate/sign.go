package mandate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/Aegis-Labs/aegispay/pkg/canonical"
)

// AuditHash binds a payment to the cart and checkout it settles. The input
// is the colon-joined tuple cart_id:checkout_id:amount_minor:chain:token:
// destination; either id may be empty when that leg of the flow is absent.
func AuditHash(cartID, checkoutID string, amountMinor int64, chain, token, destination string) string {
	base := fmt.Sprintf("%s:%s:%d:%s:%s:%s", cartID, checkoutID, amountMinor, chain, token, destination)
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:])
}

// SignatureBase returns the bytes a signer commits to for the given mandate.
// ModePipe joins the salient fields with '|'; ModeJCS canonicalizes the full
// mandate JSON with the proof value blanked out.
func SignatureBase(mode canonical.Mode, m any) ([]byte, error) {
	if mode == canonical.ModeJCS {
		return jcsBase(m)
	}
	return pipeBase(m)
}

func pipeBase(m any) ([]byte, error) {
	switch v := m.(type) {
	case *PaymentMandate:
		return []byte(strings.Join([]string{
			v.MandateID,
			v.Subject,
			strconv.FormatInt(v.AmountMinor, 10),
			v.Token,
			v.Chain,
			v.Destination,
			v.AuditHash,
		}, "|")), nil
	case *IntentMandate:
		amount := ""
		if v.RequestedAmountMinor != nil {
			amount = strconv.FormatInt(*v.RequestedAmountMinor, 10)
		}
		return []byte(strings.Join([]string{
			v.MandateID,
			v.Subject,
			v.Issuer,
			v.Purpose,
			amount,
			strconv.FormatInt(v.ExpiresAt.UnixMilli(), 10),
			v.Nonce,
		}, "|")), nil
	case *CartMandate:
		return []byte(strings.Join([]string{
			v.MandateID,
			v.Subject,
			v.MerchantDomain,
			strconv.FormatInt(v.SubtotalMinor, 10),
			strconv.FormatInt(v.TaxesMinor, 10),
			strconv.FormatInt(v.ShippingMinor, 10),
			strconv.FormatInt(v.TotalMinor(), 10),
			strconv.FormatInt(v.ExpiresAt.UnixMilli(), 10),
			v.Nonce,
		}, "|")), nil
	case *CheckoutMandate:
		return []byte(strings.Join([]string{
			v.MandateID,
			v.Subject,
			v.CartMandateID,
			strconv.FormatInt(v.AuthorizedAmountMinor, 10),
			v.Currency,
			strconv.FormatInt(v.ExpiresAt.UnixMilli(), 10),
			v.Nonce,
		}, "|")), nil
	default:
		return nil, fmt.Errorf("unsupported mandate type %T", m)
	}
}

// jcsBase canonicalizes the mandate with proof_value cleared, so the
// signature covers the verification method but not itself.
func jcsBase(m any) ([]byte, error) {
	strip := func(base *Mandate) func() {
		saved := base.Proof.ProofValue
		base.Proof.ProofValue = ""
		return func() { base.Proof.ProofValue = saved }
	}
	switch v := m.(type) {
	case *PaymentMandate:
		defer strip(&v.Mandate)()
	case *IntentMandate:
		defer strip(&v.Mandate)()
	case *CartMandate:
		defer strip(&v.Mandate)()
	case *CheckoutMandate:
		defer strip(&v.Mandate)()
	default:
		return nil, fmt.Errorf("unsupported mandate type %T", m)
	}
	return canonical.JCS(m)
}

// CartHash is the canonical digest of a cart mandate used by merchant
// authorization tokens.
func CartHash(cart *CartMandate) (string, error) {
	base, err := SignatureBase(canonical.ModePipe, cart)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(base)
	return hex.EncodeToString(sum[:]), nil
}
