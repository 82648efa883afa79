package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// ACH directions, from the platform's point of view. A collection pulls
// funds from the external bank account into the financial account; a
// withdrawal pushes funds out.
const (
	DirectionCollection = "collection"
	DirectionWithdrawal = "withdrawal"
)

// External bank account verification states.
const (
	VerificationPendingDeposits = "PENDING_MICRO_DEPOSITS"
	VerificationVerified        = "VERIFIED"
	VerificationFailed          = "FAILED"
)

// FinancialAccount is a platform-owned account at the treasury provider.
type FinancialAccount struct {
	Token          string    `json:"token"`
	OrganizationID string    `json:"organization_id"`
	Nickname       string    `json:"nickname,omitempty"`
	RoutingNumber  string    `json:"routing_number"`
	AccountNumber  string    `json:"account_number"`
	CreatedAt      time.Time `json:"created_at"`
}

// ExternalAccountParams links a customer bank account.
type ExternalAccountParams struct {
	OrganizationID string
	Owner          string
	OwnerType      string // individual | business
	RoutingNumber  string
	AccountNumber  string
	AccountType    string // checking | savings
}

// ExternalAccount is a linked customer bank account as the provider sees
// it. Only the last four digits of the account number ever come back.
type ExternalAccount struct {
	Token             string    `json:"token"`
	OrganizationID    string    `json:"organization_id"`
	Owner             string    `json:"owner"`
	AccountType       string    `json:"account_type"`
	RoutingNumber     string    `json:"routing_number"`
	LastFour          string    `json:"last_four"`
	VerificationState string    `json:"verification_state"`
	CreatedAt         time.Time `json:"created_at"`
}

// ACHParams originates one ACH payment. ClientToken makes the origination
// idempotent at the provider: retries with the same token return the
// original payment.
type ACHParams struct {
	FinancialAccountToken string
	ExternalAccountToken  string
	AmountMinor           int64
	Direction             string // collection | withdrawal
	Descriptor            string
	ClientToken           string
}

// ACHPayment is the provider's view of an origination.
type ACHPayment struct {
	PaymentToken          string    `json:"payment_token"`
	FinancialAccountToken string    `json:"financial_account_token"`
	ExternalAccountToken  string    `json:"external_bank_account_token"`
	AmountMinor           int64     `json:"amount_minor"`
	Direction             string    `json:"direction"`
	Status                string    `json:"status"`
	CreatedAt             time.Time `json:"created_at"`
}

// Balance is a point-in-time snapshot of a financial account.
type Balance struct {
	FinancialAccountToken string    `json:"financial_account_token"`
	AvailableMinor        int64     `json:"available_amount_minor"`
	PendingMinor          int64     `json:"pending_amount_minor"`
	Currency              string    `json:"currency"`
	AsOf                  time.Time `json:"as_of"`
}

// Treasury is the banking capability contract: financial accounts,
// external bank accounts with micro-deposit verification, ACH origination
// and balance snapshots.
type Treasury interface {
	Metadata() Metadata
	CreateFinancialAccount(ctx context.Context, orgID, nickname string) (*FinancialAccount, error)
	GetFinancialAccount(ctx context.Context, token string) (*FinancialAccount, error)
	CreateExternalAccount(ctx context.Context, p ExternalAccountParams) (*ExternalAccount, error)
	VerifyMicroDeposits(ctx context.Context, token string, amountsMinor []int64) (*ExternalAccount, error)
	OriginateACH(ctx context.Context, p ACHParams) (*ACHPayment, error)
	Balance(ctx context.Context, financialAccountToken string) (*Balance, error)
}

// Treasury failure codes.
const (
	CodeMicroDepositMismatch = "micro_deposit_mismatch"
	CodeAccountNotVerified   = "external_account_not_verified"
	CodeInsufficientFunds    = "insufficient_funds"
)

// fakeMicroDeposits are the two amounts the fake "sends" to every linked
// account. Fixed so tests and demo flows can verify without inspection.
var fakeMicroDeposits = []int64{32, 45}

// FakeTreasury is the in-memory Treasury used by tests and local
// development. Tokens are minted from a counter so runs are deterministic,
// and FailNext injects a one-shot fault for resilience tests.
type FakeTreasury struct {
	mu        sync.Mutex
	seq       int
	accounts  map[string]*FinancialAccount
	externals map[string]*ExternalAccount
	payments  map[string]*ACHPayment
	available map[string]int64 // financial account token -> minor units
	byClient  map[string]string
	failNext  error
	now       func() time.Time
}

// NewFakeTreasury returns an empty fake.
func NewFakeTreasury() *FakeTreasury {
	return &FakeTreasury{
		accounts:  make(map[string]*FinancialAccount),
		externals: make(map[string]*ExternalAccount),
		payments:  make(map[string]*ACHPayment),
		available: make(map[string]int64),
		byClient:  make(map[string]string),
		now:       time.Now,
	}
}

// WithClock replaces the fake's time source.
func (f *FakeTreasury) WithClock(now func() time.Time) *FakeTreasury {
	f.now = now
	return f
}

// FailNext makes the next mutating call return err.
func (f *FakeTreasury) FailNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = err
}

// Credit adds available funds to a financial account.
func (f *FakeTreasury) Credit(token string, amountMinor int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[token] += amountMinor
}

// MicroDepositAmounts returns the amounts needed to verify token.
func (f *FakeTreasury) MicroDepositAmounts(token string) []int64 {
	return append([]int64(nil), fakeMicroDeposits...)
}

func (f *FakeTreasury) takeFault() error {
	err := f.failNext
	f.failNext = nil
	return err
}

// Metadata implements Treasury.
func (f *FakeTreasury) Metadata() Metadata {
	return Metadata{
		Name:         "fake-treasury",
		Kind:         KindTreasury,
		Version:      "1",
		Capabilities: []string{"financial_accounts", "external_accounts", "ach", "balances"},
	}
}

// CreateFinancialAccount implements Treasury.
func (f *FakeTreasury) CreateFinancialAccount(_ context.Context, orgID, nickname string) (*FinancialAccount, error) {
	if orgID == "" {
		return nil, errs.Validation("missing_organization_id", "organization id is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault(); err != nil {
		return nil, err
	}
	f.seq++
	a := &FinancialAccount{
		Token:          fmt.Sprintf("fa_fake_%04d", f.seq),
		OrganizationID: orgID,
		Nickname:       nickname,
		RoutingNumber:  "021000021",
		AccountNumber:  fmt.Sprintf("9900%06d", f.seq),
		CreatedAt:      f.now(),
	}
	f.accounts[a.Token] = a
	c := *a
	return &c, nil
}

// GetFinancialAccount implements Treasury.
func (f *FakeTreasury) GetFinancialAccount(_ context.Context, token string) (*FinancialAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[token]
	if !ok {
		return nil, errs.NotFound("financial_account", token)
	}
	c := *a
	return &c, nil
}

// CreateExternalAccount implements Treasury. New accounts start in
// PENDING_MICRO_DEPOSITS and must be verified before origination.
func (f *FakeTreasury) CreateExternalAccount(_ context.Context, p ExternalAccountParams) (*ExternalAccount, error) {
	if p.OrganizationID == "" || p.RoutingNumber == "" || p.AccountNumber == "" {
		return nil, errs.Validation("missing_account_fields", "organization id, routing and account number are required")
	}
	if len(p.AccountNumber) < 4 {
		return nil, errs.Validation("invalid_account_number", "account number too short")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault(); err != nil {
		return nil, err
	}
	f.seq++
	a := &ExternalAccount{
		Token:             fmt.Sprintf("eba_fake_%04d", f.seq),
		OrganizationID:    p.OrganizationID,
		Owner:             p.Owner,
		AccountType:       p.AccountType,
		RoutingNumber:     p.RoutingNumber,
		LastFour:          p.AccountNumber[len(p.AccountNumber)-4:],
		VerificationState: VerificationPendingDeposits,
		CreatedAt:         f.now(),
	}
	f.externals[a.Token] = a
	c := *a
	return &c, nil
}

// VerifyMicroDeposits implements Treasury. The submitted amounts must match
// in order; a mismatch moves the account to FAILED.
func (f *FakeTreasury) VerifyMicroDeposits(_ context.Context, token string, amountsMinor []int64) (*ExternalAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.externals[token]
	if !ok {
		return nil, errs.NotFound("external_account", token)
	}
	if len(amountsMinor) != len(fakeMicroDeposits) {
		return nil, errs.Validation(CodeMicroDepositMismatch, "two micro-deposit amounts are required")
	}
	for i, want := range fakeMicroDeposits {
		if amountsMinor[i] != want {
			a.VerificationState = VerificationFailed
			return nil, errs.New(errs.KindValidation, CodeMicroDepositMismatch, "micro-deposit amounts do not match")
		}
	}
	a.VerificationState = VerificationVerified
	c := *a
	return &c, nil
}

// OriginateACH implements Treasury. Withdrawals debit available funds
// immediately; collections stay pending until the fake's caller settles
// them out of band.
func (f *FakeTreasury) OriginateACH(_ context.Context, p ACHParams) (*ACHPayment, error) {
	if p.AmountMinor <= 0 {
		return nil, errs.Validation("invalid_amount", "amount must be positive")
	}
	if p.Direction != DirectionCollection && p.Direction != DirectionWithdrawal {
		return nil, errs.Validation("invalid_direction", "direction must be collection or withdrawal")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeFault(); err != nil {
		return nil, err
	}
	if p.ClientToken != "" {
		if token, ok := f.byClient[p.ClientToken]; ok {
			c := *f.payments[token]
			return &c, nil
		}
	}
	ext, ok := f.externals[p.ExternalAccountToken]
	if !ok {
		return nil, errs.NotFound("external_account", p.ExternalAccountToken)
	}
	if ext.VerificationState != VerificationVerified {
		return nil, errs.New(errs.KindState, CodeAccountNotVerified, "external account has not completed verification")
	}
	if p.Direction == DirectionWithdrawal && f.available[p.FinancialAccountToken] < p.AmountMinor {
		return nil, errs.New(errs.KindState, CodeInsufficientFunds, "available balance is below the requested amount")
	}
	if p.Direction == DirectionWithdrawal {
		f.available[p.FinancialAccountToken] -= p.AmountMinor
	}
	f.seq++
	pay := &ACHPayment{
		PaymentToken:          fmt.Sprintf("pay_fake_%04d", f.seq),
		FinancialAccountToken: p.FinancialAccountToken,
		ExternalAccountToken:  p.ExternalAccountToken,
		AmountMinor:           p.AmountMinor,
		Direction:             p.Direction,
		Status:                "PENDING",
		CreatedAt:             f.now(),
	}
	f.payments[pay.PaymentToken] = pay
	if p.ClientToken != "" {
		f.byClient[p.ClientToken] = pay.PaymentToken
	}
	c := *pay
	return &c, nil
}

// Balance implements Treasury.
func (f *FakeTreasury) Balance(_ context.Context, financialAccountToken string) (*Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.accounts[financialAccountToken]; !ok {
		return nil, errs.NotFound("financial_account", financialAccountToken)
	}
	pending := int64(0)
	for _, p := range f.payments {
		if p.FinancialAccountToken == financialAccountToken && p.Status == "PENDING" && p.Direction == DirectionCollection {
			pending += p.AmountMinor
		}
	}
	return &Balance{
		FinancialAccountToken: financialAccountToken,
		AvailableMinor:        f.available[financialAccountToken],
		PendingMinor:          pending,
		Currency:              "USD",
		AsOf:                  f.now(),
	}, nil
}
