// Package checkout owns the CheckoutSession lifecycle: an agent builds a
// cart while the session is OPEN, completion atomically derives the
// checkout and payment mandates, and payment settles or reopens the
// session. Totals are recomputed on every mutation.
package checkout

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Aegis-Labs/aegispay/pkg/mandate"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusOpen               Status = "OPEN"
	StatusPendingPayment     Status = "PENDING_PAYMENT"
	StatusRequiresEscalation Status = "REQUIRES_ESCALATION"
	StatusCompleted          Status = "COMPLETED"
	StatusCancelled          Status = "CANCELLED"
	StatusExpired            Status = "EXPIRED"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Session is one checkout in progress.
type Session struct {
	SessionID  string `json:"session_id"`
	Merchant   string `json:"merchant"`
	CustomerID string `json:"customer_id"`
	Status     Status `json:"status"`

	LineItems []mandate.LineItem `json:"line_items"`
	Discounts []mandate.Discount `json:"discounts,omitempty"`

	SubtotalMinor int64   `json:"subtotal_minor"`
	TaxesMinor    int64   `json:"taxes_minor"`
	ShippingMinor int64   `json:"shipping_minor"`
	TotalMinor    int64   `json:"total_minor"`
	TaxRate       float64 `json:"tax_rate"`
	Currency      string  `json:"currency"`

	CartMandate     *mandate.CartMandate     `json:"cart_mandate"`
	CheckoutMandate *mandate.CheckoutMandate `json:"checkout_mandate,omitempty"`
	PaymentMandate  *mandate.PaymentMandate  `json:"payment_mandate,omitempty"`

	ExpiresAt        time.Time `json:"expires_at"`
	EscalationReason string    `json:"escalation_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// recompute applies the totals law:
//
//	subtotal  = Σ line totals
//	taxes     = round(subtotal · tax_rate)
//	discounts = resolved against subtotal
//	total     = max(0, subtotal + taxes + shipping − Σ discounts)
//
// and mirrors the result into the session's cart mandate.
func (s *Session) recompute() {
	var subtotal int64
	for i := range s.LineItems {
		s.LineItems[i].TotalMinor = s.LineItems[i].Quantity * s.LineItems[i].UnitPriceMinor
		subtotal += s.LineItems[i].TotalMinor
	}
	s.SubtotalMinor = subtotal
	s.TaxesMinor = int64(math.Round(float64(subtotal) * s.TaxRate))

	var discounts int64
	for i := range s.Discounts {
		s.Discounts[i].AppliedMinor = s.Discounts[i].Apply(subtotal)
		discounts += s.Discounts[i].AppliedMinor
	}

	total := subtotal + s.TaxesMinor + s.ShippingMinor - discounts
	if total < 0 {
		total = 0
	}
	s.TotalMinor = total

	if s.CartMandate != nil {
		s.CartMandate.LineItems = s.LineItems
		s.CartMandate.SubtotalMinor = s.SubtotalMinor
		s.CartMandate.TaxesMinor = s.TaxesMinor
		s.CartMandate.ShippingMinor = s.ShippingMinor
		s.CartMandate.Discounts = s.Discounts
	}
}

// clone deep-copies the session so stores can return it safely.
func (s *Session) clone() *Session {
	c := *s
	c.LineItems = append([]mandate.LineItem(nil), s.LineItems...)
	c.Discounts = append([]mandate.Discount(nil), s.Discounts...)
	if s.CartMandate != nil {
		cm := *s.CartMandate
		cm.LineItems = append([]mandate.LineItem(nil), s.CartMandate.LineItems...)
		cm.Discounts = append([]mandate.Discount(nil), s.CartMandate.Discounts...)
		c.CartMandate = &cm
	}
	if s.CheckoutMandate != nil {
		km := *s.CheckoutMandate
		c.CheckoutMandate = &km
	}
	if s.PaymentMandate != nil {
		pm := *s.PaymentMandate
		c.PaymentMandate = &pm
	}
	return &c
}

func newNonce() string { return uuid.NewString() }
