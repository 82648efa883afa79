package provider

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// ThrottledTreasury wraps a Treasury with a client-side request-rate cap so
// a burst of agent traffic cannot trip the vendor's own limits. Calls wait
// for a token and give up when the context expires, which keeps the
// caller's deadline authoritative.
type ThrottledTreasury struct {
	inner Treasury
	lim   *rate.Limiter
}

// Throttle wraps inner at the given sustained rate and burst.
func Throttle(inner Treasury, limit rate.Limit, burst int) *ThrottledTreasury {
	return &ThrottledTreasury{inner: inner, lim: rate.NewLimiter(limit, burst)}
}

func (t *ThrottledTreasury) wait(ctx context.Context) error {
	if err := t.lim.Wait(ctx); err != nil {
		return errs.Wrap(err, errs.KindService, errs.CodeServiceUnavailable, "treasury provider throttled")
	}
	return nil
}

// Metadata implements Treasury. Metadata is local and never throttled.
func (t *ThrottledTreasury) Metadata() Metadata { return t.inner.Metadata() }

// CreateFinancialAccount implements Treasury.
func (t *ThrottledTreasury) CreateFinancialAccount(ctx context.Context, orgID, nickname string) (*FinancialAccount, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.CreateFinancialAccount(ctx, orgID, nickname)
}

// GetFinancialAccount implements Treasury.
func (t *ThrottledTreasury) GetFinancialAccount(ctx context.Context, token string) (*FinancialAccount, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.GetFinancialAccount(ctx, token)
}

// CreateExternalAccount implements Treasury.
func (t *ThrottledTreasury) CreateExternalAccount(ctx context.Context, p ExternalAccountParams) (*ExternalAccount, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.CreateExternalAccount(ctx, p)
}

// VerifyMicroDeposits implements Treasury.
func (t *ThrottledTreasury) VerifyMicroDeposits(ctx context.Context, token string, amountsMinor []int64) (*ExternalAccount, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.VerifyMicroDeposits(ctx, token, amountsMinor)
}

// OriginateACH implements Treasury.
func (t *ThrottledTreasury) OriginateACH(ctx context.Context, p ACHParams) (*ACHPayment, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.OriginateACH(ctx, p)
}

// Balance implements Treasury.
func (t *ThrottledTreasury) Balance(ctx context.Context, financialAccountToken string) (*Balance, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Balance(ctx, financialAccountToken)
}
