// Package marketplace implements the agent-to-agent service protocol: a
// requester agent contracts a provider agent, funds are locked in escrow,
// and completion or failure settles the escrow atomically with the request.
package marketplace

import (
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/money"
)

// RequestStatus is the service request lifecycle state.
type RequestStatus string

const (
	RequestPending    RequestStatus = "PENDING"
	RequestAccepted   RequestStatus = "ACCEPTED"
	RequestInProgress RequestStatus = "IN_PROGRESS"
	RequestCompleted  RequestStatus = "COMPLETED"
	RequestFailed     RequestStatus = "FAILED"
	RequestCancelled  RequestStatus = "CANCELLED"
	RequestDisputed   RequestStatus = "DISPUTED"
)

// Terminal reports whether the request can transition no further.
// COMPLETED is excluded: a completed request may still be disputed inside
// the dispute window.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestFailed, RequestCancelled, RequestDisputed:
		return true
	}
	return false
}

// EscrowStatus is the escrow lifecycle state.
type EscrowStatus string

const (
	EscrowCreated  EscrowStatus = "CREATED"
	EscrowFunded   EscrowStatus = "FUNDED"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
	EscrowDisputed EscrowStatus = "DISPUTED"
	EscrowExpired  EscrowStatus = "EXPIRED"
)

// PaymentTerms states what the provider is owed and under which protections.
type PaymentTerms struct {
	AmountMinor        int64  `json:"amount_minor"`
	Currency           string `json:"currency"`
	Token              string `json:"token,omitempty"`
	Chain              string `json:"chain,omitempty"`
	RequireEscrow      bool   `json:"require_escrow"`
	DisputeWindowHours int    `json:"dispute_window_hours"`
}

// Price returns the contracted amount as a typed monetary value.
func (t PaymentTerms) Price() money.Money {
	return money.New(t.AmountMinor, t.Currency)
}

// Escrow locks the payer's funds until the request settles.
type Escrow struct {
	EscrowID    string       `json:"escrow_id"`
	RequestID   string       `json:"request_id"`
	PayerWallet string       `json:"payer_wallet"`
	PayeeWallet string       `json:"payee_wallet"`
	AmountMinor int64        `json:"amount_minor"`
	Status      EscrowStatus `json:"status"`
	FundingTx   string       `json:"funding_tx,omitempty"`
	ReleaseTx   string       `json:"release_tx,omitempty"`
	RefundTx    string       `json:"refund_tx,omitempty"`
	ExpiresAt   time.Time    `json:"expires_at"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// ServiceRequest is one unit of contracted work between two agents.
type ServiceRequest struct {
	RequestID string        `json:"request_id"`
	Requester string        `json:"requester"`
	Provider  string        `json:"provider"`
	ServiceID string        `json:"service_id"`
	Status    RequestStatus `json:"status"`
	Terms     PaymentTerms  `json:"payment_terms"`

	EscrowID      string     `json:"escrow_id,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	DisputeReason string     `json:"dispute_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisputeDeadline returns the instant the dispute window closes, or the
// zero time when the request has not completed.
func (r *ServiceRequest) DisputeDeadline() time.Time {
	if r.CompletedAt == nil {
		return time.Time{}
	}
	return r.CompletedAt.Add(time.Duration(r.Terms.DisputeWindowHours) * time.Hour)
}

func (r *ServiceRequest) clone() *ServiceRequest {
	c := *r
	if r.Deadline != nil {
		d := *r.Deadline
		c.Deadline = &d
	}
	if r.CompletedAt != nil {
		d := *r.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

func (e *Escrow) clone() *Escrow {
	c := *e
	return &c
}
