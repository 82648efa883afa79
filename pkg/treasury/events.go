package treasury

import (
	"encoding/json"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/canonledger"
	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Provider event types, Lithic-compatible. Originations are platform-
// initiated ACH; receipts are inbound credits landing on a financial
// account.
const (
	EventOriginationInitiated = "ACH_ORIGINATION_INITIATED"
	EventOriginationProcessed = "ACH_ORIGINATION_PROCESSED"
	EventOriginationSettled   = "ACH_ORIGINATION_SETTLED"
	EventReturnProcessed      = "ACH_RETURN_PROCESSED"
	EventReceiptProcessed     = "ACH_RECEIPT_PROCESSED"
	EventReceiptSettled       = "ACH_RECEIPT_SETTLED"
)

// eventStatus maps each provider event type to the payment status it
// drives. Unknown types are acknowledged and ignored.
var eventStatus = map[string]Status{
	EventOriginationInitiated: StatusPending,
	EventOriginationProcessed: StatusProcessed,
	EventOriginationSettled:   StatusSettled,
	EventReturnProcessed:      StatusReturned,
	EventReceiptProcessed:     StatusProcessed,
	EventReceiptSettled:       StatusSettled,
}

// canonState maps payment statuses onto the canonical ledger's journey
// states. Ranks are preserved, so out-of-order webhooks stay out of order
// after normalization.
var canonState = map[Status]canonledger.State{
	StatusPending:   canonledger.StateSubmitted,
	StatusProcessed: canonledger.StateProcessing,
	StatusSettled:   canonledger.StateSettled,
	StatusReturned:  canonledger.StateReturned,
}

// Return-code classes. Administrative returns mean the account itself is
// bad and must stop receiving originations; retryable returns are
// transient balance problems worth another attempt.
var (
	pauseReturnCodes = map[string]bool{"R02": true, "R03": true, "R29": true}
	retryReturnCodes = map[string]bool{"R01": true, "R09": true}
)

// WebhookEvent is the provider-shaped delivery payload.
type WebhookEvent struct {
	EventID               string    `json:"event_id"`
	EventType             string    `json:"event_type"`
	PaymentToken          string    `json:"payment_token"`
	OrganizationID        string    `json:"organization_id,omitempty"`
	FinancialAccountToken string    `json:"financial_account_token,omitempty"`
	ExternalAccountToken  string    `json:"external_bank_account_token,omitempty"`
	AmountMinor           int64     `json:"amount"`
	Direction             Direction `json:"direction,omitempty"`
	ReturnCode            string    `json:"return_code,omitempty"`
	Created               time.Time `json:"created"`
}

// ParseEvent decodes a raw delivery body.
func ParseEvent(body []byte) (*WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, errs.CodeInvalidJSON, "malformed webhook body")
	}
	if ev.EventID == "" {
		return nil, errs.Validation("missing_event_id", "event_id is required")
	}
	if ev.PaymentToken == "" {
		return nil, errs.Validation("missing_payment_token", "payment_token is required")
	}
	return &ev, nil
}

// Status resolves the payment status this event drives; ok is false for
// event types outside the deterministic map.
func (e *WebhookEvent) Status() (Status, bool) {
	s, ok := eventStatus[e.EventType]
	return s, ok
}

// Canonical renders the event for the cross-rail ledger. The payment token
// doubles as the journey's external reference.
func (e *WebhookEvent) Canonical(providerName, orgID string, raw json.RawMessage) canonledger.Event {
	status, _ := e.Status()
	return canonledger.Event{
		OrganizationID:    orgID,
		Rail:              "ach",
		Provider:          providerName,
		ProviderEventID:   e.EventID,
		ExternalReference: e.PaymentToken,
		EventType:         e.EventType,
		State:             canonState[status],
		EventTS:           e.Created,
		AmountMinor:       e.AmountMinor,
		ReturnCode:        e.ReturnCode,
		RawPayload:        raw,
	}
}
