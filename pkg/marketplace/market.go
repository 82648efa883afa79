package marketplace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/ids"
)

// Failure codes.
const (
	CodeSelfDealing         = "self_dealing"
	CodeInvalidRequestState = "invalid_request_state"
	CodeInvalidEscrowState  = "invalid_escrow_state"
	CodeEscrowNotFunded     = "escrow_not_funded"
	CodeEscrowExpired       = "escrow_expired"
	CodeDisputeWindowClosed = "dispute_window_closed"
	CodeDeadlinePassed      = "request_deadline_passed"
	CodeMissingFundingTx    = "missing_funding_tx"
	CodeMissingWallets      = "missing_escrow_wallets"
)

// DefaultEscrowTTL applies when AcceptParams.EscrowTTL is zero.
const DefaultEscrowTTL = 72 * time.Hour

// SweepInterval is the background escrow-expiry cadence.
const SweepInterval = 60 * time.Second

// Settler moves escrowed funds on the underlying rail. Implementations
// must be idempotent per escrow so sweeper retries are safe.
type Settler interface {
	Release(ctx context.Context, esc *Escrow) (txHash string, err error)
	Refund(ctx context.Context, esc *Escrow) (txHash string, err error)
}

// Market drives service requests and their escrows through the protocol.
// Request and escrow writes that belong together go through the store as
// one atomic pair.
type Market struct {
	mu      sync.Mutex
	store   Store
	settler Settler
	log     *slog.Logger
	now     func() time.Time
}

// NewMarket wires a market over the given store and settler.
func NewMarket(store Store, settler Settler, log *slog.Logger) *Market {
	if log == nil {
		log = slog.Default()
	}
	return &Market{store: store, settler: settler, log: log, now: time.Now}
}

// WithClock replaces the market's time source.
func (m *Market) WithClock(now func() time.Time) *Market {
	m.now = now
	return m
}

// CreateRequestParams opens a service request.
type CreateRequestParams struct {
	Requester string
	Provider  string
	ServiceID string
	Terms     PaymentTerms
	Deadline  *time.Time
}

// CreateRequest registers a PENDING request from requester to provider.
func (m *Market) CreateRequest(ctx context.Context, p CreateRequestParams) (*ServiceRequest, error) {
	if p.Requester == "" || p.Provider == "" || p.ServiceID == "" {
		return nil, errs.Validation("missing_request_fields", "requester, provider and service_id are required")
	}
	if p.Requester == p.Provider {
		return nil, errs.New(errs.KindValidation, CodeSelfDealing, "requester and provider must differ")
	}
	if p.Terms.Currency == "" {
		p.Terms.Currency = "USD"
	}
	if !p.Terms.Price().IsPositive() {
		return nil, errs.Validation("invalid_amount", "payment terms require a positive amount")
	}

	now := m.now()
	r := &ServiceRequest{
		RequestID: ids.NewRequest(),
		Requester: p.Requester,
		Provider:  p.Provider,
		ServiceID: p.ServiceID,
		Status:    RequestPending,
		Terms:     p.Terms,
		Deadline:  p.Deadline,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.store.PutRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}
	m.log.Info("service request created",
		"request_id", r.RequestID, "requester", p.Requester, "provider", p.Provider,
		"price", r.Terms.Price().String())
	return r.clone(), nil
}

// AcceptParams carries the escrow wallets used when the terms demand one.
type AcceptParams struct {
	PayerWallet string
	PayeeWallet string
	EscrowTTL   time.Duration
}

// Accept moves a PENDING request to ACCEPTED. When the payment terms
// require escrow, a CREATED escrow is opened in the same atomic write.
func (m *Market) Accept(ctx context.Context, requestID string, p AcceptParams) (*ServiceRequest, *Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.requireStatus(ctx, requestID, RequestPending)
	if err != nil {
		return nil, nil, err
	}
	if err := m.checkDeadline(r); err != nil {
		return nil, nil, err
	}

	now := m.now()
	r.Status = RequestAccepted
	r.UpdatedAt = now

	if !r.Terms.RequireEscrow {
		if err := m.store.PutRequest(ctx, r); err != nil {
			return nil, nil, fmt.Errorf("store request: %w", err)
		}
		return r.clone(), nil, nil
	}

	if p.PayerWallet == "" || p.PayeeWallet == "" {
		return nil, nil, errs.New(errs.KindValidation, CodeMissingWallets,
			"escrow terms require payer and payee wallets")
	}
	ttl := p.EscrowTTL
	if ttl <= 0 {
		ttl = DefaultEscrowTTL
	}
	esc := &Escrow{
		EscrowID:    ids.NewEscrow(),
		RequestID:   r.RequestID,
		PayerWallet: p.PayerWallet,
		PayeeWallet: p.PayeeWallet,
		AmountMinor: r.Terms.AmountMinor,
		Status:      EscrowCreated,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.EscrowID = esc.EscrowID

	if err := m.store.PutBoth(ctx, r, esc); err != nil {
		return nil, nil, fmt.Errorf("store request and escrow: %w", err)
	}
	m.log.Info("service request accepted",
		"request_id", r.RequestID, "escrow_id", esc.EscrowID, "amount_minor", esc.AmountMinor)
	return r.clone(), esc.clone(), nil
}

// FundEscrow records the payer's funding transaction, CREATED → FUNDED.
// A CREATED escrow past its deadline expires instead.
func (m *Market) FundEscrow(ctx context.Context, escrowID, fundingTx string) (*Escrow, error) {
	if fundingTx == "" {
		return nil, errs.New(errs.KindValidation, CodeMissingFundingTx, "funding requires a transaction hash")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	esc, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Status != EscrowCreated {
		return nil, errs.Newf(errs.KindState, CodeInvalidEscrowState,
			"escrow %s is %s, funding requires CREATED", escrowID, esc.Status)
	}
	now := m.now()
	if !esc.ExpiresAt.After(now) {
		esc.Status = EscrowExpired
		esc.UpdatedAt = now
		if err := m.store.PutEscrow(ctx, esc); err != nil {
			return nil, fmt.Errorf("expire escrow: %w", err)
		}
		return nil, errs.Newf(errs.KindState, CodeEscrowExpired, "escrow %s expired unfunded", escrowID)
	}

	esc.Status = EscrowFunded
	esc.FundingTx = fundingTx
	esc.UpdatedAt = now
	if err := m.store.PutEscrow(ctx, esc); err != nil {
		return nil, fmt.Errorf("store escrow: %w", err)
	}
	m.log.Info("escrow funded", "escrow_id", escrowID, "funding_tx", fundingTx)
	return esc.clone(), nil
}

// Start moves an ACCEPTED request to IN_PROGRESS. When an escrow is
// attached it must be FUNDED before work begins.
func (m *Market) Start(ctx context.Context, requestID string) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.requireStatus(ctx, requestID, RequestAccepted)
	if err != nil {
		return nil, err
	}
	if err := m.checkDeadline(r); err != nil {
		return nil, err
	}
	if r.EscrowID != "" {
		esc, err := m.store.GetEscrow(ctx, r.EscrowID)
		if err != nil {
			return nil, err
		}
		if esc.Status != EscrowFunded {
			return nil, errs.Newf(errs.KindState, CodeEscrowNotFunded,
				"escrow %s is %s, work requires FUNDED", esc.EscrowID, esc.Status)
		}
	}

	r.Status = RequestInProgress
	r.UpdatedAt = m.now()
	if err := m.store.PutRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("store request: %w", err)
	}
	return r.clone(), nil
}

// Complete settles an IN_PROGRESS request. A FUNDED escrow is released to
// the payee in the same atomic write; a release failure aborts completion.
func (m *Market) Complete(ctx context.Context, requestID string) (*ServiceRequest, *Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.requireStatus(ctx, requestID, RequestInProgress)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	r.Status = RequestCompleted
	r.CompletedAt = &now
	r.UpdatedAt = now

	esc, err := m.loadEscrow(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if esc == nil || esc.Status != EscrowFunded {
		if err := m.store.PutRequest(ctx, r); err != nil {
			return nil, nil, fmt.Errorf("store request: %w", err)
		}
		return r.clone(), esc, nil
	}

	txHash, err := m.settler.Release(ctx, esc)
	if err != nil {
		return nil, nil, fmt.Errorf("release escrow %s: %w", esc.EscrowID, err)
	}
	esc.Status = EscrowReleased
	esc.ReleaseTx = txHash
	esc.UpdatedAt = now

	if err := m.store.PutBoth(ctx, r, esc); err != nil {
		return nil, nil, fmt.Errorf("store request and escrow: %w", err)
	}
	m.log.Info("service request completed",
		"request_id", r.RequestID, "escrow_id", esc.EscrowID, "release_tx", txHash)
	return r.clone(), esc.clone(), nil
}

// Fail marks an ACCEPTED or IN_PROGRESS request FAILED. A FUNDED escrow is
// refunded to the payer; an unfunded one expires.
func (m *Market) Fail(ctx context.Context, requestID, reason string) (*ServiceRequest, *Escrow, error) {
	return m.abort(ctx, requestID, RequestFailed, reason,
		RequestAccepted, RequestInProgress)
}

// Cancel withdraws a PENDING or ACCEPTED request. Escrow handling matches
// Fail: funded money comes back, unfunded escrows expire.
func (m *Market) Cancel(ctx context.Context, requestID, reason string) (*ServiceRequest, *Escrow, error) {
	return m.abort(ctx, requestID, RequestCancelled, reason,
		RequestPending, RequestAccepted)
}

func (m *Market) abort(ctx context.Context, requestID string, to RequestStatus, reason string, from ...RequestStatus) (*ServiceRequest, *Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.requireStatus(ctx, requestID, from...)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	r.Status = to
	r.FailureReason = reason
	r.UpdatedAt = now

	esc, err := m.loadEscrow(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case esc == nil:
		if err := m.store.PutRequest(ctx, r); err != nil {
			return nil, nil, fmt.Errorf("store request: %w", err)
		}
		return r.clone(), nil, nil
	case esc.Status == EscrowFunded:
		txHash, err := m.settler.Refund(ctx, esc)
		if err != nil {
			return nil, nil, fmt.Errorf("refund escrow %s: %w", esc.EscrowID, err)
		}
		esc.Status = EscrowRefunded
		esc.RefundTx = txHash
	case esc.Status == EscrowCreated:
		esc.Status = EscrowExpired
	}
	esc.UpdatedAt = now

	if err := m.store.PutBoth(ctx, r, esc); err != nil {
		return nil, nil, fmt.Errorf("store request and escrow: %w", err)
	}
	m.log.Info("service request aborted",
		"request_id", r.RequestID, "status", string(to), "reason", reason)
	return r.clone(), esc.clone(), nil
}

// Dispute contests a COMPLETED request inside the dispute window. A
// RELEASED escrow moves to DISPUTED pending arbitration.
func (m *Market) Dispute(ctx context.Context, requestID, reason string) (*ServiceRequest, *Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.requireStatus(ctx, requestID, RequestCompleted)
	if err != nil {
		return nil, nil, err
	}
	now := m.now()
	if now.After(r.DisputeDeadline()) {
		return nil, nil, errs.Newf(errs.KindState, CodeDisputeWindowClosed,
			"dispute window for %s closed at %s", requestID, r.DisputeDeadline().Format(time.RFC3339))
	}

	r.Status = RequestDisputed
	r.DisputeReason = reason
	r.UpdatedAt = now

	esc, err := m.loadEscrow(ctx, r)
	if err != nil {
		return nil, nil, err
	}
	if esc == nil {
		if err := m.store.PutRequest(ctx, r); err != nil {
			return nil, nil, fmt.Errorf("store request: %w", err)
		}
		return r.clone(), nil, nil
	}
	if esc.Status == EscrowReleased {
		esc.Status = EscrowDisputed
		esc.UpdatedAt = now
	}

	if err := m.store.PutBoth(ctx, r, esc); err != nil {
		return nil, nil, fmt.Errorf("store request and escrow: %w", err)
	}
	m.log.Warn("service request disputed", "request_id", r.RequestID, "reason", reason)
	return r.clone(), esc.clone(), nil
}

// GetRequest loads a request.
func (m *Market) GetRequest(ctx context.Context, requestID string) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return r.clone(), nil
}

// GetEscrow loads an escrow.
func (m *Market) GetEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	esc, err := m.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return esc.clone(), nil
}

// SweepEscrows settles every escrow past its deadline: FUNDED money is
// refunded to the payer, unfunded escrows expire. Returns the number of
// escrows transitioned.
func (m *Market) SweepEscrows(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	escrowIDs, err := m.store.ListExpiredEscrows(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired escrows: %w", err)
	}

	swept := 0
	for _, id := range escrowIDs {
		esc, err := m.store.GetEscrow(ctx, id)
		if err != nil {
			continue
		}
		switch esc.Status {
		case EscrowCreated:
			esc.Status = EscrowExpired
		case EscrowFunded:
			txHash, err := m.settler.Refund(ctx, esc)
			if err != nil {
				m.log.Error("escrow refund failed", "escrow_id", id, "error", err)
				continue
			}
			esc.Status = EscrowRefunded
			esc.RefundTx = txHash
		default:
			continue
		}
		esc.UpdatedAt = now
		if err := m.store.PutEscrow(ctx, esc); err != nil {
			return swept, fmt.Errorf("store escrow %s: %w", id, err)
		}
		swept++
	}
	if swept > 0 {
		m.log.Info("escrow sweep", "settled", swept)
	}
	return swept, nil
}

// RunSweeper loops SweepEscrows on the interval until ctx is cancelled.
func (m *Market) RunSweeper(ctx context.Context, interval time.Duration) {
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
			if _, err := m.SweepEscrows(ctx); err != nil {
				m.log.Error("escrow sweep failed", "error", err)
			}
		}
	}
}

// requireStatus loads a request and checks it is in one of the allowed
// states. Callers hold m.mu.
func (m *Market) requireStatus(ctx context.Context, requestID string, allowed ...RequestStatus) (*ServiceRequest, error) {
	r, err := m.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for _, s := range allowed {
		if r.Status == s {
			return r, nil
		}
	}
	return nil, errs.Newf(errs.KindState, CodeInvalidRequestState,
		"request %s is %s", requestID, r.Status)
}

// loadEscrow fetches the request's escrow, or nil when none is attached.
func (m *Market) loadEscrow(ctx context.Context, r *ServiceRequest) (*Escrow, error) {
	if r.EscrowID == "" {
		return nil, nil
	}
	esc, err := m.store.GetEscrow(ctx, r.EscrowID)
	if err != nil {
		return nil, err
	}
	return esc, nil
}

// checkDeadline rejects work on a request past its deadline.
func (m *Market) checkDeadline(r *ServiceRequest) error {
	if r.Deadline != nil && m.now().After(*r.Deadline) {
		return errs.Newf(errs.KindState, CodeDeadlinePassed,
			"request %s deadline %s has passed", r.RequestID, r.Deadline.Format(time.RFC3339))
	}
	return nil
}
