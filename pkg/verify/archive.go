package verify

import (
	"context"
	"sync"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/mandate"
)

// MemoryArchive is the in-process Archive. Chains are copied on read so
// callers cannot mutate archived state.
type MemoryArchive struct {
	mu     sync.RWMutex
	chains map[string]*mandate.Chain
}

// NewMemoryArchive returns an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{chains: make(map[string]*mandate.Chain)}
}

// SaveChain implements Archive. Saving an already-archived payment mandate
// id leaves the original untouched.
func (a *MemoryArchive) SaveChain(_ context.Context, ch *mandate.Chain) error {
	if ch == nil || ch.Payment == nil {
		return errs.Validation(errs.CodeInvalidJSON, "chain requires a payment mandate")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.chains[ch.Payment.MandateID]; exists {
		return nil
	}
	a.chains[ch.Payment.MandateID] = copyChain(ch)
	return nil
}

// GetChain implements Archive.
func (a *MemoryArchive) GetChain(_ context.Context, paymentMandateID string) (*mandate.Chain, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ch, ok := a.chains[paymentMandateID]
	if !ok {
		return nil, errs.NotFound("mandate", paymentMandateID)
	}
	return copyChain(ch), nil
}

// Len reports the number of archived chains.
func (a *MemoryArchive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.chains)
}

func copyChain(ch *mandate.Chain) *mandate.Chain {
	out := &mandate.Chain{}
	if ch.Intent != nil {
		intent := *ch.Intent
		if ch.Intent.RequestedAmountMinor != nil {
			amount := *ch.Intent.RequestedAmountMinor
			intent.RequestedAmountMinor = &amount
		}
		out.Intent = &intent
	}
	if ch.Cart != nil {
		cart := *ch.Cart
		cart.LineItems = append([]mandate.LineItem(nil), ch.Cart.LineItems...)
		cart.Discounts = append([]mandate.Discount(nil), ch.Cart.Discounts...)
		out.Cart = &cart
	}
	if ch.Payment != nil {
		payment := *ch.Payment
		out.Payment = &payment
	}
	return out
}
