// Package canonledger is the rail-agnostic funnel for payment events.
// Stablecoin transfers, ACH originations and card settlements all collapse
// into one canonical journey per external reference, with drift between
// expected and settled amounts surfaced as reconciliation breaks.
package canonledger

import (
	"encoding/json"
	"time"
)

// State is a canonical journey state. Forward progress follows
// created → submitted → processing → settled; returned and failed are
// terminal leaves reachable from anywhere.
type State string

const (
	StateCreated    State = "created"
	StateSubmitted  State = "submitted"
	StateProcessing State = "processing"
	StateSettled    State = "settled"
	StateReturned   State = "returned"
	StateFailed     State = "failed"
)

// stateRank orders the DAG. Terminal leaves share the top rank so neither
// can replace the other once reached.
var stateRank = map[State]int{
	StateCreated:    0,
	StateSubmitted:  1,
	StateProcessing: 2,
	StateSettled:    3,
	StateReturned:   4,
	StateFailed:     4,
}

// Valid reports whether s is a known canonical state.
func (s State) Valid() bool {
	_, ok := stateRank[s]
	return ok
}

// BreakStatus summarizes the worst open artifact on a journey.
type BreakStatus string

const (
	BreakStatusOK         BreakStatus = "ok"
	BreakStatusReviewOpen BreakStatus = "review_open"
	BreakStatusDriftOpen  BreakStatus = "drift_open"
)

var breakStatusRank = map[BreakStatus]int{
	BreakStatusOK:         0,
	BreakStatusReviewOpen: 1,
	BreakStatusDriftOpen:  2,
}

// CanonicalJourney is one payment attempt tracked across its rail.
type CanonicalJourney struct {
	JourneyID         string      `json:"journey_id"`
	OrganizationID    string      `json:"organization_id"`
	Rail              string      `json:"rail"`
	Provider          string      `json:"provider"`
	ExternalReference string      `json:"external_reference"`
	CanonicalState    State       `json:"canonical_state"`
	ExpectedMinor     int64       `json:"expected_amount_minor"`
	SettledMinor      int64       `json:"settled_amount_minor"`
	RetryCount        int         `json:"retry_count"`
	LastReturnCode    string      `json:"last_return_code,omitempty"`
	BreakStatus       BreakStatus `json:"break_status"`
	LastEventAt       time.Time   `json:"last_event_at"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

func (j *CanonicalJourney) clone() *CanonicalJourney {
	c := *j
	return &c
}

// CanonicalEvent is one normalized provider event applied to a journey.
type CanonicalEvent struct {
	ID              string          `json:"id"`
	JourneyID       string          `json:"journey_id"`
	Provider        string          `json:"provider"`
	ProviderEventID string          `json:"provider_event_id,omitempty"`
	EventType       string          `json:"canonical_event_type"`
	State           State           `json:"canonical_state"`
	EventTS         time.Time       `json:"event_ts"`
	AmountMinor     int64           `json:"amount_minor,omitempty"`
	ReturnCode      string          `json:"return_code,omitempty"`
	OutOfOrder      bool            `json:"out_of_order"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"`
}

// Break types and severities.
const (
	BreakTypeAmountDrift    = "amount_drift"
	BreakTypeCriticalReturn = "critical_return"

	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// ArtifactStatus applies to breaks.
type ArtifactStatus string

const (
	BreakOpen      ArtifactStatus = "open"
	BreakResolved  ArtifactStatus = "resolved"
	BreakDismissed ArtifactStatus = "dismissed"
)

// ReconciliationBreak records a discrepancy requiring operator attention.
type ReconciliationBreak struct {
	BreakID       string         `json:"break_id"`
	JourneyID     string         `json:"journey_id"`
	BreakType     string         `json:"break_type"`
	Severity      string         `json:"severity"`
	ExpectedMinor int64          `json:"expected_amount_minor"`
	SettledMinor  int64          `json:"settled_amount_minor"`
	DeltaMinor    int64          `json:"delta_minor"`
	Status        ArtifactStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (b *ReconciliationBreak) clone() *ReconciliationBreak {
	c := *b
	return &c
}

// Review reasons.
const (
	ReasonDriftMismatch  = "drift_mismatch"
	ReasonRetryExhausted = "retry_exhausted"
	ReasonCriticalReturn = "critical_return"
)

// ReviewStatus is the manual-review queue state.
type ReviewStatus string

const (
	ReviewQueued    ReviewStatus = "queued"
	ReviewInReview  ReviewStatus = "in_review"
	ReviewResolved  ReviewStatus = "resolved"
	ReviewDismissed ReviewStatus = "dismissed"
)

// ManualReviewItem queues a journey for a human.
type ManualReviewItem struct {
	ReviewID   string          `json:"review_id"`
	JourneyID  string          `json:"journey_id,omitempty"`
	ReasonCode string          `json:"reason_code"`
	Priority   string          `json:"priority"`
	Status     ReviewStatus    `json:"status"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (r *ManualReviewItem) clone() *ManualReviewItem {
	c := *r
	return &c
}

// open reports whether the review still demands attention.
func (r *ManualReviewItem) open() bool {
	return r.Status == ReviewQueued || r.Status == ReviewInReview
}
