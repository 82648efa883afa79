package provider

import (
	"context"
	"log/slog"

	"github.com/Aegis-Labs/aegispay/pkg/resilience"
)

// ResilientTreasury decorates a Treasury with the provider call
// deadline, bounded retries and a per-provider circuit breaker.
// OriginateACH retries rely on ClientToken idempotency at the provider,
// so callers must set it.
type ResilientTreasury struct {
	inner Treasury
	guard *resilience.Guard
}

// Resilient wraps inner. A nil logger falls back to slog.Default.
func Resilient(inner Treasury, log *slog.Logger) *ResilientTreasury {
	return &ResilientTreasury{
		inner: inner,
		guard: resilience.NewGuard(inner.Metadata().Name, log),
	}
}

// Guard exposes the wrapper's guard, mainly so tests can pin clocks and
// sleepers.
func (r *ResilientTreasury) Guard() *resilience.Guard { return r.guard }

func (r *ResilientTreasury) do(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := resilience.WithDeadline(ctx, resilience.ProviderDeadline)
	defer cancel()
	return r.guard.Do(ctx, op, fn)
}

// Metadata implements Treasury. Metadata is local and never guarded.
func (r *ResilientTreasury) Metadata() Metadata { return r.inner.Metadata() }

// CreateFinancialAccount implements Treasury.
func (r *ResilientTreasury) CreateFinancialAccount(ctx context.Context, orgID, nickname string) (*FinancialAccount, error) {
	var out *FinancialAccount
	err := r.do(ctx, "treasury.create_financial_account", func(ctx context.Context) error {
		var err error
		out, err = r.inner.CreateFinancialAccount(ctx, orgID, nickname)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetFinancialAccount implements Treasury.
func (r *ResilientTreasury) GetFinancialAccount(ctx context.Context, token string) (*FinancialAccount, error) {
	var out *FinancialAccount
	err := r.do(ctx, "treasury.get_financial_account", func(ctx context.Context) error {
		var err error
		out, err = r.inner.GetFinancialAccount(ctx, token)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateExternalAccount implements Treasury.
func (r *ResilientTreasury) CreateExternalAccount(ctx context.Context, p ExternalAccountParams) (*ExternalAccount, error) {
	var out *ExternalAccount
	err := r.do(ctx, "treasury.create_external_account", func(ctx context.Context) error {
		var err error
		out, err = r.inner.CreateExternalAccount(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// VerifyMicroDeposits implements Treasury.
func (r *ResilientTreasury) VerifyMicroDeposits(ctx context.Context, token string, amountsMinor []int64) (*ExternalAccount, error) {
	var out *ExternalAccount
	err := r.do(ctx, "treasury.verify_micro_deposits", func(ctx context.Context) error {
		var err error
		out, err = r.inner.VerifyMicroDeposits(ctx, token, amountsMinor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// OriginateACH implements Treasury.
func (r *ResilientTreasury) OriginateACH(ctx context.Context, p ACHParams) (*ACHPayment, error) {
	var out *ACHPayment
	err := r.do(ctx, "treasury.originate_ach", func(ctx context.Context) error {
		var err error
		out, err = r.inner.OriginateACH(ctx, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Balance implements Treasury.
func (r *ResilientTreasury) Balance(ctx context.Context, financialAccountToken string) (*Balance, error) {
	var out *Balance
	err := r.do(ctx, "treasury.balance", func(ctx context.Context) error {
		var err error
		out, err = r.inner.Balance(ctx, financialAccountToken)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
