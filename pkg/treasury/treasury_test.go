package treasury

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Aegis-Labs/aegispay/pkg/audit"
	"github.com/Aegis-Labs/aegispay/pkg/canonledger"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/provider"
	"github.com/Aegis-Labs/aegispay/pkg/velocity"
)

const testProvider = "lithic"

// countingTreasury counts originations so tests can prove limits fire
// before the provider is called.
type countingTreasury struct {
	*provider.FakeTreasury
	mu           sync.Mutex
	originations int
}

func (c *countingTreasury) OriginateACH(ctx context.Context, p provider.ACHParams) (*provider.ACHPayment, error) {
	c.mu.Lock()
	c.originations++
	c.mu.Unlock()
	return c.FakeTreasury.OriginateACH(ctx, p)
}

func (c *countingTreasury) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.originations
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	prov    *countingTreasury
	ledger  *canonledger.Ledger
	audits  *audit.Ledger
	secrets *Secrets
	current time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{current: time.Date(2025, 6, 16, 14, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.current }

	f.store = NewMemoryStore()
	f.prov = &countingTreasury{FakeTreasury: provider.NewFakeTreasury().WithClock(clock)}
	f.ledger = canonledger.NewLedger(canonledger.NewMemoryStore(), nil).WithClock(clock)
	f.audits = audit.NewLedger(audit.NewMemoryStore(), nil).WithClock(clock)

	secrets, err := NewSecrets([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	f.secrets = secrets

	f.svc = NewService(f.store, f.prov, nil).
		WithSecrets(secrets).
		WithLedger(f.ledger, 100).
		WithAudit(f.audits).
		WithClock(clock)
	return f
}

func (f *fixture) sign(t *testing.T, providerName string, body []byte) string {
	t.Helper()
	secret, err := f.secrets.For(providerName)
	require.NoError(t, err)
	return Sign(secret, body)
}

func (f *fixture) deliver(t *testing.T, body string) (*Receipt, error) {
	t.Helper()
	raw := []byte(body)
	return f.svc.HandleWebhook(context.Background(), testProvider, raw, f.sign(t, testProvider, raw))
}

// linkVerified links an external account and completes verification.
func (f *fixture) linkVerified(t *testing.T, orgID string) *ExternalBankAccount {
	t.Helper()
	ctx := context.Background()
	acct, err := f.svc.LinkExternalAccount(ctx, LinkParams{
		OrganizationID: orgID,
		Owner:          "Ada Lovelace",
		OwnerType:      "individual",
		RoutingNumber:  "121000358",
		AccountNumber:  "000123456789",
		AccountType:    "checking",
	})
	require.NoError(t, err)
	acct, err = f.svc.VerifyMicroDeposits(ctx, acct.Token, f.prov.MicroDepositAmounts(acct.Token))
	require.NoError(t, err)
	require.True(t, acct.Verified)
	return acct
}

func eventBody(t *testing.T, eventID, eventType, paymentToken string, extra map[string]any) string {
	t.Helper()
	m := map[string]any{
		"event_id":        eventID,
		"event_type":      eventType,
		"payment_token":   paymentToken,
		"organization_id": "org_1",
		"amount":          5_000,
		"created":         "2025-06-16T13:59:00Z",
	}
	for k, v := range extra {
		m[k] = v
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func TestLinkAndVerifyExternalAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, err := f.svc.LinkExternalAccount(ctx, LinkParams{
		OrganizationID: "org_1",
		RoutingNumber:  "121000358",
		AccountNumber:  "000123456789",
		AccountType:    "checking",
	})
	require.NoError(t, err)
	require.False(t, acct.Verified)
	require.Equal(t, "6789", acct.LastFour)

	_, err = f.svc.VerifyMicroDeposits(ctx, acct.Token, []int64{1, 2})
	require.Equal(t, provider.CodeMicroDepositMismatch, errs.CodeOf(err))
	got, err := f.svc.GetExternalAccount(ctx, acct.Token)
	require.NoError(t, err)
	require.False(t, got.Verified)

	got, err = f.svc.VerifyMicroDeposits(ctx, acct.Token, f.prov.MicroDepositAmounts(acct.Token))
	require.NoError(t, err)
	require.True(t, got.Verified)
}

func TestCreatePaymentHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.linkVerified(t, "org_1")

	fa, err := f.prov.CreateFinancialAccount(ctx, "org_1", "operating")
	require.NoError(t, err)

	pay, err := f.svc.CreatePayment(ctx, PaymentParams{
		OrganizationID:        "org_1",
		FinancialAccountToken: fa.Token,
		ExternalAccountToken:  acct.Token,
		AmountMinor:           5_000,
		Direction:             DirectionCollection,
		Descriptor:            "AEGISPAY FUND",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, pay.Status)
	require.NotEmpty(t, pay.PaymentToken)

	stored, err := f.svc.GetPayment(ctx, pay.PaymentToken)
	require.NoError(t, err)
	require.Equal(t, pay.PaymentToken, stored.PaymentToken)
	require.Equal(t, f.current, stored.CreatedAt)

	list, err := f.svc.ListPayments(ctx, "org_1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestCreatePaymentRejectsBadAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct, err := f.svc.LinkExternalAccount(ctx, LinkParams{
		OrganizationID: "org_1",
		RoutingNumber:  "121000358",
		AccountNumber:  "000123456789",
	})
	require.NoError(t, err)

	params := PaymentParams{
		OrganizationID:       "org_1",
		ExternalAccountToken: acct.Token,
		AmountMinor:          5_000,
		Direction:            DirectionCollection,
	}

	_, err = f.svc.CreatePayment(ctx, params)
	require.Equal(t, CodeAccountUnverified, errs.CodeOf(err))

	_, err = f.svc.VerifyMicroDeposits(ctx, acct.Token, f.prov.MicroDepositAmounts(acct.Token))
	require.NoError(t, err)

	wrongOrg := params
	wrongOrg.OrganizationID = "org_2"
	_, err = f.svc.CreatePayment(ctx, wrongOrg)
	require.Equal(t, errs.CodeUnauthorized, errs.CodeOf(err))

	_, err = f.svc.PauseAccount(ctx, acct.Token, "manual_review")
	require.NoError(t, err)
	_, err = f.svc.CreatePayment(ctx, params)
	require.Equal(t, CodeAccountPaused, errs.CodeOf(err))

	require.Zero(t, f.prov.calls(), "rejected payments must not reach the provider")
}

func TestLimitsEnforcedBeforeProviderCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.linkVerified(t, "org_1")

	limiter := NewLimiter(Limits{DailyMinor: 15_000, PerPaymentMinor: 10_000}, nil).
		WithClock(func() time.Time { return f.current })
	f.svc.WithLimiter(limiter)

	params := PaymentParams{
		OrganizationID:       "org_1",
		ExternalAccountToken: acct.Token,
		AmountMinor:          12_000,
		Direction:            DirectionCollection,
	}
	_, err := f.svc.CreatePayment(ctx, params)
	require.Equal(t, CodePaymentLimit, errs.CodeOf(err))

	params.AmountMinor = 8_000
	_, err = f.svc.CreatePayment(ctx, params)
	require.NoError(t, err)

	_, err = f.svc.CreatePayment(ctx, params)
	require.Equal(t, CodeDailyLimit, errs.CodeOf(err))

	require.Equal(t, 1, f.prov.calls(), "limit rejections must precede the provider call")

	// A failed provider call releases the reservation.
	params.AmountMinor = 7_000
	f.prov.FailNext(errors.New("gateway timeout"))
	_, err = f.svc.CreatePayment(ctx, params)
	require.Equal(t, errs.CodeServiceUnavailable, errs.CodeOf(err))
	require.Equal(t, int64(8_000), limiter.SpentToday("org_1"))

	_, err = f.svc.CreatePayment(ctx, params)
	require.NoError(t, err)
	require.Equal(t, int64(15_000), limiter.SpentToday("org_1"))

	// The next UTC day opens a fresh window.
	f.current = f.current.Add(24 * time.Hour)
	require.Equal(t, int64(0), limiter.SpentToday("org_1"))
}

func TestVelocityLimitSurfacesAsPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.linkVerified(t, "org_1")

	gov := velocity.NewMemoryGovernor(velocity.Limits{PerMinute: 2}).
		WithClock(func() time.Time { return f.current })
	f.svc.WithLimiter(NewLimiter(Limits{}, gov).WithClock(func() time.Time { return f.current }))

	params := PaymentParams{
		OrganizationID:       "org_1",
		ExternalAccountToken: acct.Token,
		AmountMinor:          1_000,
		Direction:            DirectionCollection,
	}
	for i := 0; i < 2; i++ {
		_, err := f.svc.CreatePayment(ctx, params)
		require.NoError(t, err)
	}
	_, err := f.svc.CreatePayment(ctx, params)
	require.Equal(t, CodeVelocityLimit, errs.CodeOf(err))
	require.Equal(t, errs.KindPolicy, errs.KindOf(err))
}

func TestWebhookSignatureRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := []byte(eventBody(t, "evt_1", EventOriginationInitiated, "pay_1", nil))

	_, err := f.svc.HandleWebhook(ctx, testProvider, body, "deadbeef")
	require.Equal(t, CodeBadSignature, errs.CodeOf(err))

	// A valid signature for a different body must not verify.
	other := f.sign(t, testProvider, []byte("other"))
	_, err = f.svc.HandleWebhook(ctx, testProvider, body, other)
	require.Equal(t, CodeBadSignature, errs.CodeOf(err))

	// A signature derived for another provider must not verify.
	_, err = f.svc.HandleWebhook(ctx, testProvider, body, f.sign(t, "bridge", body))
	require.Equal(t, CodeBadSignature, errs.CodeOf(err))

	// The sha256= prefix form is accepted.
	rec, err := f.svc.HandleWebhook(ctx, testProvider, body, "sha256="+f.sign(t, testProvider, body))
	require.NoError(t, err)
	require.Equal(t, ResultApplied, rec.Result)
}

func TestWebhookFailsClosedWithoutSecrets(t *testing.T) {
	f := newFixture(t)
	svc := NewService(f.store, f.prov, nil)
	_, err := svc.HandleWebhook(context.Background(), testProvider, []byte("{}"), "sig")
	require.Equal(t, CodeSecretsMissing, errs.CodeOf(err))
}

func TestEventMapDrivesPaymentStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.deliver(t, eventBody(t, "evt_1", EventOriginationInitiated, "pay_1", nil))
	require.NoError(t, err)
	require.Equal(t, ResultApplied, rec.Result)
	require.Equal(t, StatusPending, rec.Status)

	rec, err = f.deliver(t, eventBody(t, "evt_2", EventOriginationProcessed, "pay_1", nil))
	require.NoError(t, err)
	require.Equal(t, StatusProcessed, rec.Status)

	rec, err = f.deliver(t, eventBody(t, "evt_3", EventOriginationSettled, "pay_1", nil))
	require.NoError(t, err)
	require.Equal(t, StatusSettled, rec.Status)

	pay, err := f.svc.GetPayment(ctx, "pay_1")
	require.NoError(t, err)
	require.Equal(t, StatusSettled, pay.Status)

	// The canonical ledger tracked the journey to settled.
	j, err := f.ledger.JourneyByReference(ctx, "org_1", "ach", "pay_1")
	require.NoError(t, err)
	require.Equal(t, canonledger.StateSettled, j.CanonicalState)

	// A late INITIATED with a fresh event id is a no-op.
	rec, err = f.deliver(t, eventBody(t, "evt_4", EventOriginationInitiated, "pay_1", nil))
	require.NoError(t, err)
	require.Equal(t, ResultOutOfOrder, rec.Result)
	require.Equal(t, StatusSettled, rec.Status)

	pay, err = f.svc.GetPayment(ctx, "pay_1")
	require.NoError(t, err)
	require.Equal(t, StatusSettled, pay.Status)
}

func TestWebhookReplayReturnsOriginalReceipt(t *testing.T) {
	f := newFixture(t)
	body := eventBody(t, "evt_1", EventOriginationInitiated, "pay_1", nil)

	first, err := f.deliver(t, body)
	require.NoError(t, err)
	require.Equal(t, ResultApplied, first.Result)

	f.current = f.current.Add(time.Minute)
	second, err := f.deliver(t, body)
	require.NoError(t, err)
	require.Equal(t, first, second, "a duplicate delivery gets the original receipt verbatim")

	// The duplicate did not re-touch the ledger.
	j, err := f.ledger.JourneyByReference(context.Background(), "org_1", "ach", "pay_1")
	require.NoError(t, err)
	require.Equal(t, canonledger.StateSubmitted, j.CanonicalState)
}

func TestReturnPausesAccountOnAdministrativeCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.linkVerified(t, "org_1")

	_, err := f.deliver(t, eventBody(t, "evt_1", EventOriginationInitiated, "pay_1",
		map[string]any{"external_bank_account_token": acct.Token}))
	require.NoError(t, err)

	rec, err := f.deliver(t, eventBody(t, "evt_2", EventReturnProcessed, "pay_1",
		map[string]any{"external_bank_account_token": acct.Token, "return_code": "R02"}))
	require.NoError(t, err)
	require.Equal(t, ResultApplied, rec.Result)
	require.Equal(t, StatusReturned, rec.Status)

	pay, err := f.svc.GetPayment(ctx, "pay_1")
	require.NoError(t, err)
	require.Equal(t, "R02", pay.ReturnCode)
	require.Zero(t, pay.RetryCount, "administrative returns are not retryable")

	got, err := f.svc.GetExternalAccount(ctx, acct.Token)
	require.NoError(t, err)
	require.True(t, got.IsPaused)
	require.Equal(t, "ach_return_R02", got.PauseReason)

	head, err := f.audits.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, audit.TypeAccountPaused, head.Type)
	require.Equal(t, acct.Token, head.Subject)

	_, err = f.svc.CreatePayment(ctx, PaymentParams{
		OrganizationID:       "org_1",
		ExternalAccountToken: acct.Token,
		AmountMinor:          1_000,
		Direction:            DirectionCollection,
	})
	require.Equal(t, CodeAccountPaused, errs.CodeOf(err))

	resumed, err := f.svc.ResumeAccount(ctx, acct.Token)
	require.NoError(t, err)
	require.False(t, resumed.IsPaused)
	head, err = f.audits.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, audit.TypeAccountResumed, head.Type)
}

func TestReturnBumpsRetryOnRetryableCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.linkVerified(t, "org_1")

	_, err := f.deliver(t, eventBody(t, "evt_1", EventOriginationInitiated, "pay_1",
		map[string]any{"external_bank_account_token": acct.Token}))
	require.NoError(t, err)

	rec, err := f.deliver(t, eventBody(t, "evt_2", EventReturnProcessed, "pay_1",
		map[string]any{"external_bank_account_token": acct.Token, "return_code": "R01"}))
	require.NoError(t, err)
	require.Equal(t, StatusReturned, rec.Status)

	pay, err := f.svc.GetPayment(ctx, "pay_1")
	require.NoError(t, err)
	require.Equal(t, 1, pay.RetryCount)
	require.Equal(t, "R01", pay.ReturnCode)

	got, err := f.svc.GetExternalAccount(ctx, acct.Token)
	require.NoError(t, err)
	require.False(t, got.IsPaused, "retryable returns leave the account alone")
}

func TestUnknownEventTypeAcknowledged(t *testing.T) {
	f := newFixture(t)

	rec, err := f.deliver(t, eventBody(t, "evt_1", "ACH_SOMETHING_NEW", "pay_1", nil))
	require.NoError(t, err)
	require.Equal(t, ResultIgnored, rec.Result)
	require.Zero(t, f.store.Len(), "ignored events create no payment")

	// Even ignored deliveries are replay-guarded.
	f.current = f.current.Add(time.Minute)
	again, err := f.deliver(t, eventBody(t, "evt_1", "ACH_SOMETHING_NEW", "pay_1", nil))
	require.NoError(t, err)
	require.Equal(t, rec, again)
}

func TestSweepPrunesExpiredReplayRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	body := eventBody(t, "evt_1", "ACH_SOMETHING_NEW", "pay_1", nil)

	first, err := f.deliver(t, body)
	require.NoError(t, err)

	f.current = f.current.Add(ReplayTTL + time.Hour)
	removed, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	again, err := f.deliver(t, body)
	require.NoError(t, err)
	require.NotEqual(t, first.ReceivedAt, again.ReceivedAt, "after the TTL the delivery processes fresh")
}

func TestSecretsDerivation(t *testing.T) {
	_, err := NewSecrets([]byte("short"))
	require.Error(t, err)

	secrets, err := NewSecrets([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	a, err := secrets.For("lithic")
	require.NoError(t, err)
	b, err := secrets.For("bridge")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "providers get distinct secrets")

	a2, err := secrets.For("lithic")
	require.NoError(t, err)
	require.Equal(t, a, a2, "derivation is deterministic")

	_, err = secrets.For("")
	require.Error(t, err)
}

func TestCanonicalNormalization(t *testing.T) {
	ev, err := ParseEvent([]byte(eventBody(t, "evt_9", EventOriginationSettled, "pay_9",
		map[string]any{"amount": 4_200})))
	require.NoError(t, err)

	ce := ev.Canonical(testProvider, "org_1", []byte(`{"raw":true}`))
	require.Equal(t, "org_1", ce.OrganizationID)
	require.Equal(t, "ach", ce.Rail)
	require.Equal(t, testProvider, ce.Provider)
	require.Equal(t, "evt_9", ce.ProviderEventID)
	require.Equal(t, "pay_9", ce.ExternalReference)
	require.Equal(t, canonledger.StateSettled, ce.State)
	require.Equal(t, int64(4_200), ce.AmountMinor)
}

func TestMemoryStoreReplayRecordFirstWriterWins(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 16, 14, 0, 0, 0, time.UTC)

	first := &WebhookRecord{
		Provider:   testProvider,
		EventID:    "evt_1",
		Receipt:    &Receipt{EventID: "evt_1", Result: ResultApplied, ReceivedAt: base},
		ReceivedAt: base,
		ExpiresAt:  base.Add(ReplayTTL),
	}
	require.NoError(t, st.PutWebhookRecord(ctx, first))

	forged := &WebhookRecord{
		Provider:   testProvider,
		EventID:    "evt_1",
		Receipt:    &Receipt{EventID: "evt_1", Result: ResultIgnored, ReceivedAt: base.Add(time.Hour)},
		ReceivedAt: base.Add(time.Hour),
		ExpiresAt:  base.Add(ReplayTTL),
	}
	require.NoError(t, st.PutWebhookRecord(ctx, forged))

	got, err := st.GetWebhookRecord(ctx, testProvider, "evt_1")
	require.NoError(t, err)
	require.Equal(t, ResultApplied, got.Receipt.Result)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStoreUpsertAndTransition(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 16, 14, 0, 0, 0, time.UTC)

	pay := &Payment{
		PaymentToken:   "pay_1",
		OrganizationID: "org_1",
		AmountMinor:    5_000,
		Direction:      DirectionCollection,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectExec(`INSERT INTO treasury_payments`).
		WithArgs("pay_1", "org_1", "PENDING", sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	created, err := st.UpsertPayment(ctx, pay)
	require.NoError(t, err)
	require.True(t, created)

	mock.ExpectExec(`INSERT INTO treasury_payments`).
		WithArgs("pay_1", "org_1", "PENDING", sqlmock.AnyArg(), now, now).
		WillReturnResult(sqlmock.NewResult(0, 0))
	created, err = st.UpsertPayment(ctx, pay)
	require.NoError(t, err)
	require.False(t, created, "duplicate tokens leave the row untouched")

	next := pay.clone()
	next.Status = StatusProcessed
	next.UpdatedAt = now.Add(time.Minute)

	mock.ExpectExec(`UPDATE treasury_payments`).
		WithArgs("pay_1", "PROCESSED", sqlmock.AnyArg(), next.UpdatedAt, "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	applied, err := st.UpdatePayment(ctx, next, StatusPending)
	require.NoError(t, err)
	require.True(t, applied)

	mock.ExpectExec(`UPDATE treasury_payments`).
		WithArgs("pay_1", "PROCESSED", sqlmock.AnyArg(), next.UpdatedAt, "PENDING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	applied, err = st.UpdatePayment(ctx, next, StatusPending)
	require.NoError(t, err)
	require.False(t, applied, "a stale previous status makes the swap a no-op")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreWebhookRecords(t *testing.T) {
	st, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 16, 14, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT record_doc FROM treasury_webhook_events`).
		WithArgs(testProvider, "evt_1").
		WillReturnError(fmt.Errorf("connection reset"))
	_, err := st.GetWebhookRecord(ctx, testProvider, "evt_1")
	require.Error(t, err, "transport errors surface instead of reading as a miss")

	mock.ExpectQuery(`SELECT record_doc FROM treasury_webhook_events`).
		WithArgs(testProvider, "evt_2").
		WillReturnRows(sqlmock.NewRows([]string{"record_doc"}))
	rec, err := st.GetWebhookRecord(ctx, testProvider, "evt_2")
	require.NoError(t, err)
	require.Nil(t, rec, "a miss is nil, nil")

	doc := `{"provider":"lithic","event_id":"evt_3","receipt":{"event_id":"evt_3","result":"applied","received_at":"2025-06-16T14:00:00Z"},"received_at":"2025-06-16T14:00:00Z","expires_at":"2025-06-23T14:00:00Z"}`
	mock.ExpectQuery(`SELECT record_doc FROM treasury_webhook_events`).
		WithArgs(testProvider, "evt_3").
		WillReturnRows(sqlmock.NewRows([]string{"record_doc"}).AddRow([]byte(doc)))
	rec, err = st.GetWebhookRecord(ctx, testProvider, "evt_3")
	require.NoError(t, err)
	require.Equal(t, ResultApplied, rec.Receipt.Result)

	mock.ExpectExec(`INSERT INTO treasury_webhook_events`).
		WithArgs(testProvider, "evt_4", sqlmock.AnyArg(), now, now.Add(ReplayTTL)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	err = st.PutWebhookRecord(ctx, &WebhookRecord{
		Provider:   testProvider,
		EventID:    "evt_4",
		Receipt:    &Receipt{EventID: "evt_4", Result: ResultApplied, ReceivedAt: now},
		ReceivedAt: now,
		ExpiresAt:  now.Add(ReplayTTL),
	})
	require.NoError(t, err)

	mock.ExpectExec(`DELETE FROM treasury_webhook_events`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	removed, err := st.PruneWebhookRecords(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	require.NoError(t, mock.ExpectationsWereMet())
}
