package treasury

import (
	"time"
)

// Status is a treasury payment state. Transitions are forward-only by
// rank; RETURNED is terminal and reachable from any prior state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusSettled   Status = "SETTLED"
	StatusReturned  Status = "RETURNED"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusProcessed: 1,
	StatusSettled:   2,
	StatusReturned:  3,
}

// Valid reports whether s is a known payment status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// canAdvanceTo reports whether the conditional transition s -> to applies.
func (s Status) canAdvanceTo(to Status) bool {
	return statusRank[to] > statusRank[s]
}

// Direction of an ACH payment from the platform's point of view.
type Direction string

const (
	DirectionCollection Direction = "collection"
	DirectionWithdrawal Direction = "withdrawal"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionCollection || d == DirectionWithdrawal
}

// Payment is one ACH origination tracked by its provider payment token.
// Rows are upserted by token and then advance under the conditional
// status transition; webhook redelivery and out-of-order events are
// no-ops by construction.
type Payment struct {
	PaymentToken          string    `json:"payment_token"`
	OrganizationID        string    `json:"organization_id"`
	FinancialAccountToken string    `json:"financial_account_token,omitempty"`
	ExternalAccountToken  string    `json:"external_bank_account_token,omitempty"`
	AmountMinor           int64     `json:"amount_minor"`
	Direction             Direction `json:"direction"`
	Status                Status    `json:"status"`
	ReturnCode            string    `json:"return_code,omitempty"`
	RetryCount            int       `json:"retry_count"`
	Descriptor            string    `json:"descriptor,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func (p *Payment) clone() *Payment {
	c := *p
	return &c
}

// ExternalBankAccount is a linked customer bank account. A paused account
// rejects new originations until an operator resumes it; administrative
// return codes pause it automatically.
type ExternalBankAccount struct {
	Token          string    `json:"token"`
	OrganizationID string    `json:"organization_id"`
	Owner          string    `json:"owner,omitempty"`
	AccountType    string    `json:"account_type,omitempty"`
	RoutingNumber  string    `json:"routing_number,omitempty"`
	LastFour       string    `json:"last_four,omitempty"`
	Verified       bool      `json:"verified"`
	IsPaused       bool      `json:"is_paused"`
	PauseReason    string    `json:"pause_reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (a *ExternalBankAccount) clone() *ExternalBankAccount {
	c := *a
	return &c
}

// Receipt is the caller-visible outcome of one webhook delivery. It is
// what the replay guard stores: a duplicate delivery gets the original
// receipt back byte for byte.
type Receipt struct {
	EventID      string    `json:"event_id"`
	PaymentToken string    `json:"payment_token,omitempty"`
	Result       string    `json:"result"`
	Status       Status    `json:"status,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

// Receipt results.
const (
	ResultApplied    = "applied"
	ResultOutOfOrder = "out_of_order"
	ResultIgnored    = "ignored"
)

// WebhookRecord is one processed delivery, kept for ReplayTTL so the
// handler can answer duplicates without reprocessing.
type WebhookRecord struct {
	Provider   string    `json:"provider"`
	EventID    string    `json:"event_id"`
	Receipt    *Receipt  `json:"receipt"`
	ReceivedAt time.Time `json:"received_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Failure codes.
const (
	CodeDailyLimit        = "treasury_daily_limit_exceeded"
	CodePaymentLimit      = "treasury_payment_limit_exceeded"
	CodeVelocityLimit     = "treasury_velocity_limit_exceeded"
	CodeAccountPaused     = "external_bank_account_paused"
	CodeAccountUnverified = "external_bank_account_unverified"
	CodeBadSignature      = "invalid_webhook_signature"
	CodeSecretsMissing    = "webhook_secrets_not_configured"
)
