package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Ramp directions.
type RampDirection string

const (
	RampOnramp  RampDirection = "onramp"  // fiat in, tokens out
	RampOfframp RampDirection = "offramp" // tokens in, fiat out
)

// Ramp transfer states.
type RampStatus string

const (
	RampPending    RampStatus = "pending"
	RampProcessing RampStatus = "processing"
	RampCompleted  RampStatus = "completed"
	RampFailed     RampStatus = "failed"
)

// QuoteParams requests a conversion quote. Onramps size the request in
// fiat minor units, offramps in token minor units; the provider fills in
// the other side.
type QuoteParams struct {
	FiatCurrency     string
	Token            string
	Chain            string
	Direction        RampDirection
	FiatAmountMinor  int64 // onramp input
	TokenAmountMinor int64 // offramp input
}

// Quote is a priced conversion, valid until ExpiresAt. Rate is token units
// per fiat unit and exists for display and audit only; settlement amounts
// are the integer minor-unit fields.
type Quote struct {
	QuoteID          string          `json:"quote_id"`
	FiatCurrency     string          `json:"fiat_currency"`
	Token            string          `json:"token"`
	Chain            string          `json:"chain"`
	Direction        RampDirection   `json:"direction"`
	FiatAmountMinor  int64           `json:"fiat_amount_minor"`
	TokenAmountMinor int64           `json:"token_amount_minor"`
	FeeMinor         int64           `json:"fee_minor"`
	Rate             decimal.Decimal `json:"rate"`
	ExpiresAt        time.Time       `json:"expires_at"`
}

// OnrampParams executes an onramp quote.
type OnrampParams struct {
	QuoteID                    string
	OrganizationID             string
	DestinationAddress         string
	SourceExternalAccountToken string
}

// OfframpParams executes an offramp quote.
type OfframpParams struct {
	QuoteID                         string
	OrganizationID                  string
	SourceAddress                   string
	DestinationExternalAccountToken string
}

// RampTransfer is one executing conversion.
type RampTransfer struct {
	TransferID       string          `json:"transfer_id"`
	QuoteID          string          `json:"quote_id"`
	OrganizationID   string          `json:"organization_id"`
	Direction        RampDirection   `json:"direction"`
	Status           RampStatus      `json:"status"`
	FiatAmountMinor  int64           `json:"fiat_amount_minor"`
	TokenAmountMinor int64           `json:"token_amount_minor"`
	Rate             decimal.Decimal `json:"rate"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RampEvent is a normalized ramp webhook.
type RampEvent struct {
	Provider   string     `json:"provider"`
	EventID    string     `json:"event_id"`
	TransferID string     `json:"transfer_id"`
	EventType  string     `json:"event_type"`
	Status     RampStatus `json:"status"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// Ramp is the fiat on/offramp capability contract.
type Ramp interface {
	Metadata() Metadata
	GetQuote(ctx context.Context, p QuoteParams) (*Quote, error)
	CreateOnramp(ctx context.Context, p OnrampParams) (*RampTransfer, error)
	CreateOfframp(ctx context.Context, p OfframpParams) (*RampTransfer, error)
	GetStatus(ctx context.Context, transferID string) (*RampTransfer, error)
	HandleWebhook(ctx context.Context, payload []byte, headers map[string]string) (*RampEvent, error)
}

// Ramp failure codes.
const (
	CodeUnsupportedPair = "unsupported_pair"
	CodeQuoteExpired    = "quote_expired"
)

// fakeQuoteTTL bounds how long a fake quote stays executable.
const fakeQuoteTTL = 5 * time.Minute

// tokenScale is minor-unit decimals per supported token.
var tokenScale = map[string]int32{
	"USDC": 6,
	"USDT": 6,
}

// FakeRamp is the in-memory Ramp. Rates are fixed per pair so quote math
// is reproducible; Advance drives transfer status for tests.
type FakeRamp struct {
	mu        sync.Mutex
	seq       int
	rates     map[string]decimal.Decimal // "USD/USDC" -> token per fiat unit
	feeRate   decimal.Decimal
	quotes    map[string]*Quote
	transfers map[string]*RampTransfer
	now       func() time.Time
}

// NewFakeRamp returns a fake seeded with stablecoin pairs at near-par.
func NewFakeRamp() *FakeRamp {
	return &FakeRamp{
		rates: map[string]decimal.Decimal{
			"USD/USDC": decimal.RequireFromString("0.9995"),
			"USD/USDT": decimal.RequireFromString("0.9998"),
		},
		feeRate:   decimal.RequireFromString("0.003"),
		quotes:    make(map[string]*Quote),
		transfers: make(map[string]*RampTransfer),
		now:       time.Now,
	}
}

// WithClock replaces the fake's time source.
func (f *FakeRamp) WithClock(now func() time.Time) *FakeRamp {
	f.now = now
	return f
}

// SetRate overrides the rate for a pair.
func (f *FakeRamp) SetRate(fiat, token string, rate decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[fiat+"/"+token] = rate
}

// Metadata implements Ramp.
func (f *FakeRamp) Metadata() Metadata {
	return Metadata{
		Name:         "fake-ramp",
		Kind:         KindRamp,
		Version:      "1",
		Capabilities: []string{"quote", "onramp", "offramp", "webhook"},
	}
}

// GetQuote implements Ramp.
func (f *FakeRamp) GetQuote(_ context.Context, p QuoteParams) (*Quote, error) {
	scale, ok := tokenScale[p.Token]
	if !ok {
		return nil, errs.Newf(errs.KindValidation, CodeUnsupportedPair, "unsupported token %q", p.Token)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rate, ok := f.rates[p.FiatCurrency+"/"+p.Token]
	if !ok {
		return nil, errs.Newf(errs.KindValidation, CodeUnsupportedPair, "no rate for %s/%s", p.FiatCurrency, p.Token)
	}

	q := &Quote{
		FiatCurrency: p.FiatCurrency,
		Token:        p.Token,
		Chain:        p.Chain,
		Direction:    p.Direction,
		Rate:         rate,
		ExpiresAt:    f.now().Add(fakeQuoteTTL),
	}
	switch p.Direction {
	case RampOnramp:
		if p.FiatAmountMinor <= 0 {
			return nil, errs.Validation("invalid_amount", "fiat amount must be positive")
		}
		fiat := decimal.NewFromInt(p.FiatAmountMinor)
		fee := fiat.Mul(f.feeRate)
		// net fiat minor -> whole fiat units -> token units -> token minor
		tokens := fiat.Sub(fee).Shift(-2).Mul(rate).Shift(scale)
		q.FiatAmountMinor = p.FiatAmountMinor
		q.FeeMinor = fee.IntPart()
		q.TokenAmountMinor = tokens.IntPart()
	case RampOfframp:
		if p.TokenAmountMinor <= 0 {
			return nil, errs.Validation("invalid_amount", "token amount must be positive")
		}
		gross := decimal.NewFromInt(p.TokenAmountMinor).Shift(-scale).Div(rate).Shift(2)
		fee := gross.Mul(f.feeRate)
		q.TokenAmountMinor = p.TokenAmountMinor
		q.FeeMinor = fee.IntPart()
		q.FiatAmountMinor = gross.Sub(fee).IntPart()
	default:
		return nil, errs.Validation("invalid_direction", "direction must be onramp or offramp")
	}

	f.seq++
	q.QuoteID = fmt.Sprintf("quote_fake_%04d", f.seq)
	f.quotes[q.QuoteID] = q
	c := *q
	return &c, nil
}

func (f *FakeRamp) execute(quoteID, orgID string, dir RampDirection) (*RampTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[quoteID]
	if !ok {
		return nil, errs.NotFound("quote", quoteID)
	}
	if q.Direction != dir {
		return nil, errs.Newf(errs.KindValidation, "invalid_direction", "quote %s is an %s quote", quoteID, q.Direction)
	}
	now := f.now()
	if now.After(q.ExpiresAt) {
		return nil, errs.New(errs.KindState, CodeQuoteExpired, "quote has expired")
	}
	f.seq++
	t := &RampTransfer{
		TransferID:       fmt.Sprintf("ramp_fake_%04d", f.seq),
		QuoteID:          quoteID,
		OrganizationID:   orgID,
		Direction:        dir,
		Status:           RampPending,
		FiatAmountMinor:  q.FiatAmountMinor,
		TokenAmountMinor: q.TokenAmountMinor,
		Rate:             q.Rate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	f.transfers[t.TransferID] = t
	c := *t
	return &c, nil
}

// CreateOnramp implements Ramp.
func (f *FakeRamp) CreateOnramp(_ context.Context, p OnrampParams) (*RampTransfer, error) {
	if p.DestinationAddress == "" {
		return nil, errs.Validation("missing_destination", "destination address is required")
	}
	return f.execute(p.QuoteID, p.OrganizationID, RampOnramp)
}

// CreateOfframp implements Ramp.
func (f *FakeRamp) CreateOfframp(_ context.Context, p OfframpParams) (*RampTransfer, error) {
	if p.DestinationExternalAccountToken == "" {
		return nil, errs.Validation("missing_destination", "destination external account is required")
	}
	return f.execute(p.QuoteID, p.OrganizationID, RampOfframp)
}

// GetStatus implements Ramp.
func (f *FakeRamp) GetStatus(_ context.Context, transferID string) (*RampTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[transferID]
	if !ok {
		return nil, errs.NotFound("ramp_transfer", transferID)
	}
	c := *t
	return &c, nil
}

// Advance moves a transfer to status, as a provider-side settlement would.
func (f *FakeRamp) Advance(transferID string, status RampStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transfers[transferID]
	if !ok {
		return errs.NotFound("ramp_transfer", transferID)
	}
	t.Status = status
	t.UpdatedAt = f.now()
	return nil
}

// HandleWebhook implements Ramp. The fake trusts the payload; signature
// verification happens in the treasury webhook layer before dispatch.
func (f *FakeRamp) HandleWebhook(_ context.Context, payload []byte, _ map[string]string) (*RampEvent, error) {
	var ev RampEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, errs.Wrap(err, errs.KindValidation, errs.CodeInvalidJSON, "malformed ramp webhook")
	}
	if ev.EventID == "" || ev.TransferID == "" {
		return nil, errs.Validation("missing_event_fields", "event_id and transfer_id are required")
	}
	ev.Provider = f.Metadata().Name
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.transfers[ev.TransferID]; ok && ev.Status != "" {
		t.Status = ev.Status
		t.UpdatedAt = f.now()
	}
	return &ev, nil
}
