package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/ids"
	"github.com/Aegis-Labs/aegispay/pkg/mandate"
)

// Failure codes.
const (
	CodeSessionExpired  = "checkout_session_expired"
	CodeInvalidState    = "invalid_session_state"
	CodeEmptyCart       = "empty_cart"
	CodeItemNotFound    = "line_item_not_found"
	CodeSessionTerminal = "checkout_session_terminal"
)

// DefaultSessionTTL applies when CreateParams.TTL is zero.
const DefaultSessionTTL = 15 * time.Minute

// SweepInterval is the background expiry cadence.
const SweepInterval = 60 * time.Second

// CreateParams opens a session.
type CreateParams struct {
	Merchant      string
	CustomerID    string
	Currency      string
	TaxRate       float64
	ShippingMinor int64
	TTL           time.Duration
}

// PaymentDetails names the rail the generated payment mandate will use.
type PaymentDetails struct {
	Chain       string
	Token       string
	Destination string
}

// Manager drives sessions through the state machine. Operations serialize
// on a single mutex; the stores stay free of lifecycle logic.
type Manager struct {
	mu    sync.Mutex
	store Store
	log   *slog.Logger
	now   func() time.Time
}

// NewManager wires a manager over the given store.
func NewManager(store Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, log: log, now: time.Now}
}

// WithClock replaces the manager's time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create opens a session with an empty cart.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if p.Merchant == "" || p.CustomerID == "" {
		return nil, errs.Validation("missing_session_fields", "merchant and customer_id are required")
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	now := m.now()
	expires := now.Add(ttl)
	s := &Session{
		SessionID:     ids.NewCheckoutSession(),
		Merchant:      p.Merchant,
		CustomerID:    p.CustomerID,
		Status:        StatusOpen,
		TaxRate:       p.TaxRate,
		ShippingMinor: p.ShippingMinor,
		Currency:      p.Currency,
		ExpiresAt:     expires,
		CreatedAt:     now,
		UpdatedAt:     now,
		CartMandate: &mandate.CartMandate{
			Mandate: mandate.Mandate{
				MandateID: ids.NewMandate(),
				Type:      mandate.TypeCart,
				Subject:   p.CustomerID,
				Issuer:    p.Merchant,
				Purpose:   mandate.PurposeCart,
				ExpiresAt: expires,
				Nonce:     newNonce(),
				CreatedAt: now,
			},
			MerchantDomain: p.Merchant,
			Currency:       p.Currency,
		},
	}
	s.recompute()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	m.log.Info("checkout session opened", "session_id", s.SessionID, "merchant", p.Merchant)
	return s.clone(), nil
}

// Get loads a session, applying lazy expiry.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.clone(), nil
}

// load fetches and lazily expires. Callers hold m.mu.
func (m *Manager) load(ctx context.Context, sessionID string) (*Session, error) {
	s, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusOpen && !s.ExpiresAt.After(m.now()) {
		s.Status = StatusExpired
		s.UpdatedAt = m.now()
		if err := m.store.Put(ctx, s); err != nil {
			return nil, fmt.Errorf("expire session: %w", err)
		}
		m.log.Info("checkout session expired", "session_id", s.SessionID)
	}
	return s, nil
}

// mutate runs fn against an OPEN session, recomputes totals and persists.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusExpired {
		return nil, errs.Newf(errs.KindState, CodeSessionExpired, "session %s has expired", sessionID)
	}
	if s.Status != StatusOpen {
		return nil, errs.Newf(errs.KindState, CodeInvalidState,
			"session %s is %s, mutation requires OPEN", sessionID, s.Status)
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.recompute()
	s.UpdatedAt = m.now()
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return s.clone(), nil
}

// AddItem appends a line item.
func (m *Manager) AddItem(ctx context.Context, sessionID string, item mandate.LineItem) (*Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session) error {
		if item.Quantity <= 0 || item.UnitPriceMinor < 0 {
			return errs.Validation("invalid_line_item", "quantity must be positive and unit price non-negative")
		}
		s.LineItems = append(s.LineItems, item)
		return nil
	})
}

// UpdateItemQuantity changes the quantity of the item with the given SKU;
// zero removes it.
func (m *Manager) UpdateItemQuantity(ctx context.Context, sessionID, sku string, quantity int64) (*Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session) error {
		for i := range s.LineItems {
			if s.LineItems[i].SKU != sku {
				continue
			}
			if quantity <= 0 {
				s.LineItems = append(s.LineItems[:i], s.LineItems[i+1:]...)
			} else {
				s.LineItems[i].Quantity = quantity
			}
			return nil
		}
		return errs.Newf(errs.KindNotFound, CodeItemNotFound, "no line item with sku %s", sku)
	})
}

// AddDiscount applies a discount code.
func (m *Manager) AddDiscount(ctx context.Context, sessionID string, d mandate.Discount) (*Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session) error {
		if d.Type != mandate.DiscountPercentage && d.Type != mandate.DiscountFixed {
			return errs.Validation("invalid_discount_type", string(d.Type))
		}
		s.Discounts = append(s.Discounts, d)
		return nil
	})
}

// SetShipping updates the shipping charge.
func (m *Manager) SetShipping(ctx context.Context, sessionID string, shippingMinor int64) (*Session, error) {
	return m.mutate(ctx, sessionID, func(s *Session) error {
		if shippingMinor < 0 {
			return errs.Validation("invalid_shipping_amount", "shipping must be non-negative")
		}
		s.ShippingMinor = shippingMinor
		return nil
	})
}

// Complete freezes the cart and derives the checkout and payment mandates
// in one atomic step, linking cart → checkout → payment and computing the
// payment audit hash. The session moves to PENDING_PAYMENT.
func (m *Manager) Complete(ctx context.Context, sessionID string, pay PaymentDetails) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Status == StatusExpired:
		return nil, errs.Newf(errs.KindState, CodeSessionExpired, "session %s has expired", sessionID)
	case s.Status != StatusOpen:
		return nil, errs.Newf(errs.KindState, CodeInvalidState,
			"session %s is %s, complete requires OPEN", sessionID, s.Status)
	case len(s.LineItems) == 0:
		return nil, errs.New(errs.KindState, CodeEmptyCart, "cannot complete an empty cart")
	}
	if pay.Chain == "" || pay.Token == "" || pay.Destination == "" {
		return nil, errs.Validation("missing_payment_details", "chain, token and destination are required")
	}

	now := m.now()
	cartID := s.CartMandate.MandateID
	checkoutID := ids.NewMandate()
	paymentID := ids.NewMandate()

	s.CheckoutMandate = &mandate.CheckoutMandate{
		Mandate: mandate.Mandate{
			MandateID: checkoutID,
			Type:      mandate.TypeCheckout,
			Subject:   s.CustomerID,
			Issuer:    s.Merchant,
			Purpose:   mandate.PurposeCheckout,
			ExpiresAt: s.ExpiresAt,
			Nonce:     newNonce(),
			CreatedAt: now,
		},
		CartMandateID:         cartID,
		AuthorizedAmountMinor: s.TotalMinor,
		Currency:              s.Currency,
	}
	s.PaymentMandate = &mandate.PaymentMandate{
		Mandate: mandate.Mandate{
			MandateID: paymentID,
			Type:      mandate.TypePayment,
			Subject:   s.CustomerID,
			Issuer:    s.Merchant,
			Purpose:   mandate.PurposeCheckout,
			ExpiresAt: s.ExpiresAt,
			Nonce:     newNonce(),
			CreatedAt: now,
		},
		Chain:             pay.Chain,
		Token:             pay.Token,
		AmountMinor:       s.TotalMinor,
		Destination:       pay.Destination,
		CartMandateID:     cartID,
		CheckoutMandateID: checkoutID,
		AuditHash: mandate.AuditHash(cartID, checkoutID, s.TotalMinor,
			pay.Chain, pay.Token, pay.Destination),
	}
	s.Status = StatusPendingPayment
	s.UpdatedAt = now

	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	m.log.Info("checkout completed",
		"session_id", s.SessionID,
		"payment_mandate_id", paymentID,
		"total_minor", s.TotalMinor)
	return s.clone(), nil
}

// CompletePayment settles a PENDING_PAYMENT session.
func (m *Manager) CompletePayment(ctx context.Context, sessionID string) (*Session, error) {
	return m.transition(ctx, sessionID, StatusPendingPayment, func(s *Session) {
		s.Status = StatusCompleted
	})
}

// FailPayment reopens the session and discards the derived mandates so a
// fresh completion mints new ones.
func (m *Manager) FailPayment(ctx context.Context, sessionID string) (*Session, error) {
	return m.transition(ctx, sessionID, StatusPendingPayment, func(s *Session) {
		s.Status = StatusOpen
		s.CheckoutMandate = nil
		s.PaymentMandate = nil
	})
}

// Escalate parks an OPEN session for human review.
func (m *Manager) Escalate(ctx context.Context, sessionID, reason string) (*Session, error) {
	return m.transition(ctx, sessionID, StatusOpen, func(s *Session) {
		s.Status = StatusRequiresEscalation
		s.EscalationReason = reason
	})
}

// Resolve returns an escalated session to OPEN.
func (m *Manager) Resolve(ctx context.Context, sessionID string) (*Session, error) {
	return m.transition(ctx, sessionID, StatusRequiresEscalation, func(s *Session) {
		s.Status = StatusOpen
		s.EscalationReason = ""
	})
}

// Cancel terminates an OPEN session.
func (m *Manager) Cancel(ctx context.Context, sessionID string) (*Session, error) {
	return m.transition(ctx, sessionID, StatusOpen, func(s *Session) {
		s.Status = StatusCancelled
	})
}

// transition applies fn when the session is in the required state.
func (m *Manager) transition(ctx context.Context, sessionID string, required Status, fn func(*Session)) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == StatusExpired {
		return nil, errs.Newf(errs.KindState, CodeSessionExpired, "session %s has expired", sessionID)
	}
	if s.Status != required {
		return nil, errs.Newf(errs.KindState, CodeInvalidState,
			"session %s is %s, want %s", sessionID, s.Status, required)
	}
	fn(s)
	s.UpdatedAt = m.now()
	if err := m.store.Put(ctx, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	return s.clone(), nil
}

// Sweep expires every overdue OPEN session; it returns the count.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, err := m.store.ListExpiredOpen(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	swept := 0
	for _, id := range ids {
		s, err := m.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if s.Status != StatusOpen {
			continue
		}
		s.Status = StatusExpired
		s.UpdatedAt = m.now()
		if err := m.store.Put(ctx, s); err != nil {
			return swept, fmt.Errorf("expire session %s: %w", id, err)
		}
		swept++
	}
	if swept > 0 {
		m.log.Info("checkout sweep", "expired", swept)
	}
	return swept, nil
}

// RunSweeper loops Sweep on the interval until ctx is cancelled.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Error("checkout sweep failed", "error", err)
			}
		}
	}
}
