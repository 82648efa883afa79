// Package mandate implements the AP2-style payment mandate family: signed,
// expiring authorizations tied to a subject agent and an issuer domain.
// An Intent→Cart→Payment chain authorizes a single payment; a Checkout
// mandate bridges the UCP merchant flow into the same chain shape.
package mandate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Type discriminates the mandate family.
type Type string

const (
	TypeIntent   Type = "intent"
	TypeCart     Type = "cart"
	TypePayment  Type = "payment"
	TypeCheckout Type = "checkout"
)

// Purpose values expected per chain role. A payment mandate carries purpose
// "checkout" because it settles a checkout, not an intent.
const (
	PurposeIntent   = "intent"
	PurposeCart     = "cart"
	PurposeCheckout = "checkout"
)

// Validation failure codes produced while parsing mandates.
const (
	CodeMissingMandateID     = "missing_mandate_id_required"
	CodeMissingSubject       = "missing_subject_required"
	CodeMissingIssuer        = "missing_issuer_required"
	CodeMissingProof         = "missing_proof_required"
	CodeInvalidProofFormat   = "invalid_proof_format"
	CodeInvalidTypeFormat    = "invalid_type_format"
	CodeInvalidCartTotal     = "invalid_cart_total_format"
	CodeInvalidAmountFormat  = "invalid_amount_format"
	CodeInvalidAuditHash     = "invalid_audit_hash_format"
	CodeMissingExpiry        = "missing_expires_at_required"
	CodeMissingDestination   = "missing_destination_required"
	CodeMissingMerchant      = "missing_merchant_domain_required"
	CodeMissingCartReference = "missing_cart_mandate_id_required"
)

// Proof carries the signature material of a mandate. VerificationMethod
// encodes the algorithm and base64url public key as "<alg>:<key>";
// ProofValue is base64 of the raw signature bytes.
type Proof struct {
	VerificationMethod string `json:"verification_method"`
	ProofValue         string `json:"proof_value"`
}

// SignatureBytes decodes the proof value. Standard and URL-safe base64 are
// both accepted.
func (p Proof) SignatureBytes() ([]byte, error) {
	if p.ProofValue == "" {
		return nil, fmt.Errorf("empty proof_value")
	}
	if b, err := base64.StdEncoding.DecodeString(p.ProofValue); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(p.ProofValue); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("proof_value is not base64")
}

// Mandate is the base record shared by every mandate kind.
type Mandate struct {
	MandateID string    `json:"mandate_id"`
	Type      Type      `json:"type"`
	Subject   string    `json:"subject"`
	Issuer    string    `json:"issuer"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
	Nonce     string    `json:"nonce"`
	Proof     Proof     `json:"proof"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Expired reports whether the mandate is past its expiry at the given
// instant. A mandate expiring exactly now is expired; one millisecond of
// remaining validity is not.
func (m *Mandate) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

func (m *Mandate) validateBase(want Type) error {
	if m.MandateID == "" {
		return errs.Validation(CodeMissingMandateID, "mandate_id is required")
	}
	if m.Type != want {
		return errs.Validation(CodeInvalidTypeFormat,
			fmt.Sprintf("mandate %s has type %q, want %q", m.MandateID, m.Type, want))
	}
	if m.Subject == "" {
		return errs.Validation(CodeMissingSubject, "subject is required")
	}
	if m.Issuer == "" {
		return errs.Validation(CodeMissingIssuer, "issuer is required")
	}
	if m.ExpiresAt.IsZero() {
		return errs.Validation(CodeMissingExpiry, "expires_at is required")
	}
	if m.Proof.VerificationMethod == "" || m.Proof.ProofValue == "" {
		return errs.Validation(CodeMissingProof, "proof with verification_method and proof_value is required")
	}
	if _, err := m.Proof.SignatureBytes(); err != nil {
		return errs.New(errs.KindCrypto, "signature_malformed", "proof_value is not decodable")
	}
	return nil
}

// LineItem is one purchasable line of a cart.
type LineItem struct {
	SKU            string `json:"sku,omitempty"`
	Label          string `json:"label"`
	Quantity       int64  `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	TotalMinor     int64  `json:"total_minor"`
}

// DiscountType selects how a discount value applies to the subtotal.
type DiscountType string

const (
	// DiscountPercentage interprets Value as basis points of the subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed interprets Value as minor units.
	DiscountFixed DiscountType = "fixed"
)

// Discount is a price reduction applied to the cart subtotal. AppliedMinor
// is the resolved amount actually subtracted.
type Discount struct {
	Code         string       `json:"code"`
	Type         DiscountType `json:"type"`
	Value        int64        `json:"value"`
	AppliedMinor int64        `json:"applied_minor"`
}

// Apply resolves the discount against a subtotal in minor units.
func (d Discount) Apply(subtotalMinor int64) int64 {
	switch d.Type {
	case DiscountPercentage:
		return subtotalMinor * d.Value / 10_000
	case DiscountFixed:
		if d.Value > subtotalMinor {
			return subtotalMinor
		}
		return d.Value
	default:
		return 0
	}
}

// IntentMandate expresses what the agent has been authorized to buy.
type IntentMandate struct {
	Mandate
	RequestedAmountMinor *int64 `json:"requested_amount_minor,omitempty"`
	MerchantCategory     string `json:"merchant_category,omitempty"`
}

// Validate checks structure and role fields.
func (m *IntentMandate) Validate() error {
	if err := m.validateBase(TypeIntent); err != nil {
		return err
	}
	if m.RequestedAmountMinor != nil && *m.RequestedAmountMinor < 0 {
		return errs.Validation(CodeInvalidAmountFormat, "requested_amount_minor must be non-negative")
	}
	return nil
}

// CartMandate is the merchant-signed cart: items and price guaranteed for a
// limited time.
type CartMandate struct {
	Mandate
	MerchantDomain string     `json:"merchant_domain"`
	Currency       string     `json:"currency"`
	LineItems      []LineItem `json:"line_items"`
	SubtotalMinor  int64      `json:"subtotal_minor"`
	TaxesMinor     int64      `json:"taxes_minor"`
	ShippingMinor  int64      `json:"shipping_minor,omitempty"`
	Discounts      []Discount `json:"discounts,omitempty"`

	// MerchantAuthorization optionally carries a JWT binding the cart hash
	// to the merchant key, in addition to the mandate proof.
	MerchantAuthorization string `json:"merchant_authorization,omitempty"`
}

// TotalMinor returns subtotal + taxes + shipping − Σ discounts.
func (m *CartMandate) TotalMinor() int64 {
	total := m.SubtotalMinor + m.TaxesMinor + m.ShippingMinor
	for _, d := range m.Discounts {
		total -= d.AppliedMinor
	}
	return total
}

// Validate checks structure, role fields and the cart total invariant:
// the computed total must be non-negative before any clamping.
func (m *CartMandate) Validate() error {
	if err := m.validateBase(TypeCart); err != nil {
		return err
	}
	if m.MerchantDomain == "" {
		return errs.Validation(CodeMissingMerchant, "merchant_domain is required")
	}
	if m.SubtotalMinor < 0 || m.TaxesMinor < 0 || m.ShippingMinor < 0 {
		return errs.Validation(CodeInvalidCartTotal, "cart components must be non-negative")
	}
	var lineSum int64
	for _, li := range m.LineItems {
		if li.Quantity <= 0 || li.UnitPriceMinor < 0 {
			return errs.Validation(CodeInvalidCartTotal, "line item quantity and price must be positive")
		}
		lineSum += li.TotalMinor
	}
	if len(m.LineItems) > 0 && lineSum != m.SubtotalMinor {
		return errs.Validation(CodeInvalidCartTotal,
			fmt.Sprintf("subtotal %d does not match line items %d", m.SubtotalMinor, lineSum))
	}
	if m.TotalMinor() < 0 {
		return errs.Validation(CodeInvalidCartTotal, "cart total is negative after discounts")
	}
	return nil
}

// PaymentMandate carries the settlement instruction for a verified chain.
type PaymentMandate struct {
	Mandate
	Chain             string `json:"chain"`
	Token             string `json:"token"`
	AmountMinor       int64  `json:"amount_minor"`
	Destination       string `json:"destination"`
	AuditHash         string `json:"audit_hash"`
	CartMandateID     string `json:"cart_mandate_id,omitempty"`
	CheckoutMandateID string `json:"checkout_mandate_id,omitempty"`
}

// Validate checks structure, role fields and the audit-hash invariant.
func (m *PaymentMandate) Validate() error {
	if err := m.validateBase(TypePayment); err != nil {
		return err
	}
	if m.AmountMinor <= 0 {
		return errs.Validation(CodeInvalidAmountFormat, "amount_minor must be positive")
	}
	if m.Chain == "" || m.Token == "" {
		return errs.Validation(CodeInvalidAmountFormat, "chain and token are required")
	}
	if m.Destination == "" {
		return errs.Validation(CodeMissingDestination, "destination is required")
	}
	want := AuditHash(m.CartMandateID, m.CheckoutMandateID, m.AmountMinor, m.Chain, m.Token, m.Destination)
	if m.AuditHash != want {
		return errs.Validation(CodeInvalidAuditHash, "audit_hash does not match mandate contents")
	}
	return nil
}

// CheckoutMandate authorizes settlement of a specific cart mandate.
type CheckoutMandate struct {
	Mandate
	CartMandateID         string `json:"cart_mandate_id"`
	AuthorizedAmountMinor int64  `json:"authorized_amount_minor"`
	Currency              string `json:"currency"`
}

// Validate checks structure and role fields.
func (m *CheckoutMandate) Validate() error {
	if err := m.validateBase(TypeCheckout); err != nil {
		return err
	}
	if m.CartMandateID == "" {
		return errs.Validation(CodeMissingCartReference, "cart_mandate_id is required")
	}
	if m.AuthorizedAmountMinor <= 0 {
		return errs.Validation(CodeInvalidAmountFormat, "authorized_amount_minor must be positive")
	}
	return nil
}

// Chain is a fully linked Intent→Cart→Payment triple accepted as a unit.
type Chain struct {
	Intent  *IntentMandate  `json:"intent"`
	Cart    *CartMandate    `json:"cart"`
	Payment *PaymentMandate `json:"payment"`
}

// ParseIntent decodes and validates an intent mandate.
func ParseIntent(data []byte) (*IntentMandate, error) {
	var m IntentMandate
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, errs.CodeInvalidJSON, "intent mandate is not valid JSON")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseCart decodes and validates a cart mandate.
func ParseCart(data []byte) (*CartMandate, error) {
	var m CartMandate
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, errs.CodeInvalidJSON, "cart mandate is not valid JSON")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParsePayment decodes and validates a payment mandate.
func ParsePayment(data []byte) (*PaymentMandate, error) {
	var m PaymentMandate
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, errs.CodeInvalidJSON, "payment mandate is not valid JSON")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
