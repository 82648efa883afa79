// Package treasury ingests provider-shaped ACH events and drives the
// payment lifecycle around them. Webhook deliveries are authenticated with
// a per-provider HMAC, deduplicated by (provider, event_id) with the
// original receipt replayed verbatim, and normalized into the canonical
// cross-rail ledger. Originations run through per-organization limits
// before the provider is ever called.
package treasury

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/audit"
	"github.com/Aegis-Labs/aegispay/pkg/canonledger"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/provider"
	"github.com/Aegis-Labs/aegispay/pkg/reqctx"
)

// providerTimeout bounds each treasury provider HTTP call.
const providerTimeout = 30 * time.Second

// SweepInterval is the default cadence for pruning expired webhook
// records and idle limit windows.
const SweepInterval = time.Hour

// Service owns treasury state. Webhook processing serializes per payment
// token via a keyed lock; distinct payments proceed in parallel.
type Service struct {
	store    Store
	provider provider.Treasury
	secrets  *Secrets
	ledger   *canonledger.Ledger
	auditlog *audit.Ledger
	limiter  *Limiter
	log      *slog.Logger
	now      func() time.Time
	driftTol int64

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService wires a service over the given store and provider.
func NewService(store Store, prov provider.Treasury, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		provider: prov,
		log:      log,
		now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// WithSecrets enables webhook signature verification.
func (s *Service) WithSecrets(secrets *Secrets) *Service {
	s.secrets = secrets
	return s
}

// WithLedger feeds normalized events into the canonical ledger with the
// given drift tolerance.
func (s *Service) WithLedger(ledger *canonledger.Ledger, driftToleranceMinor int64) *Service {
	s.ledger = ledger
	s.driftTol = driftToleranceMinor
	return s
}

// WithAudit records account pauses and resumes on the audit ledger.
func (s *Service) WithAudit(ledger *audit.Ledger) *Service {
	s.auditlog = ledger
	return s
}

// WithLimiter enforces per-organization origination limits.
func (s *Service) WithLimiter(l *Limiter) *Service {
	s.limiter = l
	return s
}

// WithClock replaces the service's time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// tokenLock returns the mutex guarding one payment token.
func (s *Service) tokenLock(token string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.locks[token]
	if !ok {
		m = &sync.Mutex{}
		s.locks[token] = m
	}
	return m
}

// providerErr keeps platform errors as they are and maps everything else
// to a retryable service failure.
func providerErr(err error) error {
	var pe *errs.Error
	if errors.As(err, &pe) {
		return err
	}
	return errs.Wrap(err, errs.KindService, errs.CodeServiceUnavailable, "treasury provider call failed")
}

// LinkParams links a customer bank account.
type LinkParams struct {
	OrganizationID string
	Owner          string
	OwnerType      string
	RoutingNumber  string
	AccountNumber  string
	AccountType    string
}

// LinkExternalAccount registers the account with the provider and mirrors
// it locally. New accounts stay unverified until their micro-deposits are
// confirmed.
func (s *Service) LinkExternalAccount(ctx context.Context, p LinkParams) (*ExternalBankAccount, error) {
	if p.OrganizationID == "" {
		return nil, errs.Validation("missing_organization_id", "organization id is required")
	}
	if p.RoutingNumber == "" || p.AccountNumber == "" {
		return nil, errs.Validation("missing_account_fields", "routing and account number are required")
	}

	pctx, cancel := reqctx.WithTimeout(ctx, providerTimeout)
	defer cancel()
	ext, err := s.provider.CreateExternalAccount(pctx, provider.ExternalAccountParams{
		OrganizationID: p.OrganizationID,
		Owner:          p.Owner,
		OwnerType:      p.OwnerType,
		RoutingNumber:  p.RoutingNumber,
		AccountNumber:  p.AccountNumber,
		AccountType:    p.AccountType,
	})
	if err != nil {
		return nil, providerErr(err)
	}

	now := s.now()
	acct := &ExternalBankAccount{
		Token:          ext.Token,
		OrganizationID: p.OrganizationID,
		Owner:          ext.Owner,
		AccountType:    ext.AccountType,
		RoutingNumber:  ext.RoutingNumber,
		LastFour:       ext.LastFour,
		Verified:       ext.VerificationState == provider.VerificationVerified,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.PutExternalAccount(ctx, acct); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "external bank account linked",
		"organization_id", p.OrganizationID, "token", acct.Token, "verified", acct.Verified)
	return acct, nil
}

// VerifyMicroDeposits confirms the amounts the provider sent to the
// account. On success the account becomes eligible for origination.
func (s *Service) VerifyMicroDeposits(ctx context.Context, token string, amountsMinor []int64) (*ExternalBankAccount, error) {
	acct, err := s.store.GetExternalAccount(ctx, token)
	if err != nil {
		return nil, err
	}

	pctx, cancel := reqctx.WithTimeout(ctx, providerTimeout)
	defer cancel()
	ext, err := s.provider.VerifyMicroDeposits(pctx, token, amountsMinor)
	if err != nil {
		return nil, providerErr(err)
	}

	acct.Verified = ext.VerificationState == provider.VerificationVerified
	acct.UpdatedAt = s.now()
	if err := s.store.PutExternalAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// GetExternalAccount loads a linked account.
func (s *Service) GetExternalAccount(ctx context.Context, token string) (*ExternalBankAccount, error) {
	return s.store.GetExternalAccount(ctx, token)
}

// PauseAccount stops originations against the account.
func (s *Service) PauseAccount(ctx context.Context, token, reason string) (*ExternalBankAccount, error) {
	return s.pauseAccount(ctx, token, reason, "")
}

func (s *Service) pauseAccount(ctx context.Context, token, reason, paymentToken string) (*ExternalBankAccount, error) {
	acct, err := s.store.GetExternalAccount(ctx, token)
	if err != nil {
		return nil, err
	}
	if acct.IsPaused {
		return acct, nil
	}
	acct.IsPaused = true
	acct.PauseReason = reason
	acct.UpdatedAt = s.now()
	if err := s.store.PutExternalAccount(ctx, acct); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, audit.Params{
		Type:    audit.TypeAccountPaused,
		Actor:   "treasury",
		Subject: token,
		Metadata: map[string]string{
			"reason":        reason,
			"payment_token": paymentToken,
		},
	})
	s.log.WarnContext(ctx, "external bank account paused",
		"token", token, "reason", reason, "payment_token", paymentToken)
	return acct, nil
}

// ResumeAccount re-enables a paused account.
func (s *Service) ResumeAccount(ctx context.Context, token string) (*ExternalBankAccount, error) {
	acct, err := s.store.GetExternalAccount(ctx, token)
	if err != nil {
		return nil, err
	}
	if !acct.IsPaused {
		return acct, nil
	}
	acct.IsPaused = false
	acct.PauseReason = ""
	acct.UpdatedAt = s.now()
	if err := s.store.PutExternalAccount(ctx, acct); err != nil {
		return nil, err
	}
	s.appendAudit(ctx, audit.Params{
		Type:    audit.TypeAccountResumed,
		Actor:   "treasury",
		Subject: token,
	})
	s.log.InfoContext(ctx, "external bank account resumed", "token", token)
	return acct, nil
}

func (s *Service) appendAudit(ctx context.Context, p audit.Params) {
	if s.auditlog == nil {
		return
	}
	if p.Metadata != nil {
		for k, v := range p.Metadata {
			if v == "" {
				delete(p.Metadata, k)
			}
		}
	}
	if _, err := s.auditlog.Append(ctx, p); err != nil {
		s.log.WarnContext(ctx, "audit append failed", "type", p.Type, "error", err)
	}
}

// PaymentParams originates one ACH payment.
type PaymentParams struct {
	OrganizationID        string
	FinancialAccountToken string
	ExternalAccountToken  string
	AmountMinor           int64
	Direction             Direction
	Descriptor            string
	ClientToken           string
}

// CreatePayment runs the origination pipeline: account checks, then
// per-organization limits, then the provider call. Limits are enforced
// strictly before the provider sees the request; a failed provider call
// releases the reserved daily spend.
func (s *Service) CreatePayment(ctx context.Context, p PaymentParams) (*Payment, error) {
	if p.OrganizationID == "" || p.ExternalAccountToken == "" {
		return nil, errs.Validation("missing_payment_fields", "organization id and external account token are required")
	}
	if p.AmountMinor <= 0 {
		return nil, errs.Validation("invalid_amount", "amount must be positive")
	}
	if !p.Direction.Valid() {
		return nil, errs.Validation("invalid_direction", "direction must be collection or withdrawal")
	}

	acct, err := s.store.GetExternalAccount(ctx, p.ExternalAccountToken)
	if err != nil {
		return nil, err
	}
	if acct.OrganizationID != p.OrganizationID {
		return nil, errs.New(errs.KindAuth, errs.CodeUnauthorized, "external account belongs to another organization")
	}
	if acct.IsPaused {
		return nil, errs.Newf(errs.KindState, CodeAccountPaused, "external bank account %s is paused", acct.Token)
	}
	if !acct.Verified {
		return nil, errs.Newf(errs.KindState, CodeAccountUnverified, "external bank account %s has not completed verification", acct.Token)
	}

	if s.limiter != nil {
		if err := s.limiter.Check(ctx, p.OrganizationID, p.AmountMinor); err != nil {
			return nil, err
		}
	}

	pctx, cancel := reqctx.WithTimeout(ctx, providerTimeout)
	defer cancel()
	ach, err := s.provider.OriginateACH(pctx, provider.ACHParams{
		FinancialAccountToken: p.FinancialAccountToken,
		ExternalAccountToken:  p.ExternalAccountToken,
		AmountMinor:           p.AmountMinor,
		Direction:             string(p.Direction),
		Descriptor:            p.Descriptor,
		ClientToken:           p.ClientToken,
	})
	if err != nil {
		if s.limiter != nil {
			s.limiter.Release(p.OrganizationID, p.AmountMinor)
		}
		return nil, providerErr(err)
	}

	now := s.now()
	pay := &Payment{
		PaymentToken:          ach.PaymentToken,
		OrganizationID:        p.OrganizationID,
		FinancialAccountToken: p.FinancialAccountToken,
		ExternalAccountToken:  p.ExternalAccountToken,
		AmountMinor:           p.AmountMinor,
		Direction:             p.Direction,
		Status:                StatusPending,
		Descriptor:            p.Descriptor,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if st := Status(ach.Status); st.Valid() {
		pay.Status = st
	}
	created, err := s.store.UpsertPayment(ctx, pay)
	if err != nil {
		return nil, err
	}
	if !created {
		// Provider-side idempotency returned an origination we already
		// track; the stored row is authoritative.
		return s.store.GetPayment(ctx, pay.PaymentToken)
	}
	s.log.InfoContext(ctx, "ach payment originated",
		"payment_token", pay.PaymentToken, "organization_id", p.OrganizationID,
		"amount_minor", p.AmountMinor, "direction", p.Direction)
	return pay, nil
}

// GetPayment loads one payment.
func (s *Service) GetPayment(ctx context.Context, token string) (*Payment, error) {
	return s.store.GetPayment(ctx, token)
}

// ListPayments lists an organization's payments.
func (s *Service) ListPayments(ctx context.Context, orgID string) ([]*Payment, error) {
	return s.store.ListPayments(ctx, orgID)
}

// HandleWebhook is the delivery entry point. The pipeline is: signature,
// parse, replay check, process, record. Only a fully processed delivery
// is recorded, so a mid-flight failure leaves the provider free to retry;
// every processing step is idempotent, which makes the retry converge.
func (s *Service) HandleWebhook(ctx context.Context, providerName string, body []byte, signature string) (*Receipt, error) {
	if s.secrets == nil {
		return nil, errs.New(errs.KindInternal, CodeSecretsMissing, "no webhook master secret configured")
	}
	secret, err := s.secrets.For(providerName)
	if err != nil {
		return nil, err
	}
	if err := VerifySignature(secret, body, signature); err != nil {
		return nil, err
	}

	ev, err := ParseEvent(body)
	if err != nil {
		return nil, err
	}

	if rec, err := s.store.GetWebhookRecord(ctx, providerName, ev.EventID); err != nil {
		return nil, err
	} else if rec != nil && rec.ExpiresAt.After(s.now()) {
		s.log.DebugContext(ctx, "duplicate webhook replayed",
			"provider", providerName, "event_id", ev.EventID)
		c := *rec.Receipt
		return &c, nil
	}

	receipt, err := s.applyEvent(ctx, providerName, ev, body)
	if err != nil {
		return nil, err
	}

	now := s.now()
	record := &WebhookRecord{
		Provider:   providerName,
		EventID:    ev.EventID,
		Receipt:    receipt,
		ReceivedAt: now,
		ExpiresAt:  now.Add(ReplayTTL),
	}
	if err := s.store.PutWebhookRecord(ctx, record); err != nil {
		s.log.WarnContext(ctx, "webhook record not stored", "event_id", ev.EventID, "error", err)
	}
	return receipt, nil
}

// applyEvent normalizes one authenticated, first-seen delivery. Order
// matters for crash safety: the canonical ledger (which dedupes by event
// id) is fed first, pause side effects run next (idempotent), and the
// payment transition lands last, so a redelivery after any partial
// failure finishes the remaining steps.
func (s *Service) applyEvent(ctx context.Context, providerName string, ev *WebhookEvent, raw []byte) (*Receipt, error) {
	now := s.now()
	receipt := &Receipt{EventID: ev.EventID, PaymentToken: ev.PaymentToken, ReceivedAt: now}

	status, known := ev.Status()
	if !known {
		receipt.Result = ResultIgnored
		s.log.DebugContext(ctx, "unhandled webhook event type",
			"provider", providerName, "event_type", ev.EventType)
		return receipt, nil
	}

	lock := s.tokenLock(ev.PaymentToken)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.store.GetPayment(ctx, ev.PaymentToken)
	if err != nil {
		if errs.KindOf(err) != errs.KindNotFound {
			return nil, err
		}
		cur = nil
	}

	orgID := ev.OrganizationID
	if cur != nil && cur.OrganizationID != "" {
		orgID = cur.OrganizationID
	}

	if s.ledger != nil {
		if orgID == "" {
			s.log.WarnContext(ctx, "webhook event without organization, ledger skipped",
				"provider", providerName, "event_id", ev.EventID)
		} else if _, err := s.ledger.IngestEvent(ctx, ev.Canonical(providerName, orgID, raw), s.driftTol); err != nil {
			return nil, err
		}
	}

	willApply := cur == nil || cur.Status.canAdvanceTo(status)

	if willApply && status == StatusReturned && pauseReturnCodes[ev.ReturnCode] {
		token := ev.ExternalAccountToken
		if cur != nil && cur.ExternalAccountToken != "" {
			token = cur.ExternalAccountToken
		}
		if token != "" {
			if _, err := s.pauseAccount(ctx, token, "ach_return_"+ev.ReturnCode, ev.PaymentToken); err != nil {
				if errs.KindOf(err) != errs.KindNotFound {
					return nil, err
				}
				s.log.WarnContext(ctx, "returned payment references unknown account", "token", token)
			}
		}
	}

	switch {
	case cur == nil:
		pay := &Payment{
			PaymentToken:          ev.PaymentToken,
			OrganizationID:        orgID,
			FinancialAccountToken: ev.FinancialAccountToken,
			ExternalAccountToken:  ev.ExternalAccountToken,
			AmountMinor:           ev.AmountMinor,
			Direction:             ev.Direction,
			Status:                status,
			ReturnCode:            ev.ReturnCode,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if status == StatusReturned && retryReturnCodes[ev.ReturnCode] {
			pay.RetryCount = 1
		}
		created, err := s.store.UpsertPayment(ctx, pay)
		if err != nil {
			return nil, err
		}
		if !created {
			// Lost a cross-instance race; the winner's row decides.
			stored, err := s.store.GetPayment(ctx, ev.PaymentToken)
			if err != nil {
				return nil, err
			}
			receipt.Status = stored.Status
			receipt.Result = ResultOutOfOrder
			return receipt, nil
		}
		receipt.Status = status
		receipt.Result = ResultApplied

	case willApply:
		pay := cur.clone()
		pay.Status = status
		if ev.ReturnCode != "" {
			pay.ReturnCode = ev.ReturnCode
		}
		if status == StatusReturned && retryReturnCodes[ev.ReturnCode] {
			pay.RetryCount++
		}
		pay.UpdatedAt = now
		applied, err := s.store.UpdatePayment(ctx, pay, cur.Status)
		if err != nil {
			return nil, err
		}
		if applied {
			receipt.Status = status
			receipt.Result = ResultApplied
		} else {
			receipt.Status = cur.Status
			receipt.Result = ResultOutOfOrder
		}

	default:
		receipt.Status = cur.Status
		receipt.Result = ResultOutOfOrder
	}

	s.log.InfoContext(ctx, "webhook event processed",
		"provider", providerName, "event_id", ev.EventID, "event_type", ev.EventType,
		"payment_token", ev.PaymentToken, "result", receipt.Result)
	return receipt, nil
}

// Sweep prunes expired webhook records and idle limit windows.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	removed, err := s.store.PruneWebhookRecords(ctx, s.now())
	if err != nil {
		return 0, err
	}
	if s.limiter != nil {
		s.limiter.PruneIdle()
	}
	return removed, nil
}

// RunSweeper loops Sweep on the interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
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
			if _, err := s.Sweep(ctx); err != nil {
				s.log.Error("treasury sweep failed", "error", err)
			}
		}
	}
}
