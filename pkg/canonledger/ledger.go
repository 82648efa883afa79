package canonledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/ids"
)

// Failure codes.
const (
	CodeInvalidState       = "invalid_canonical_state"
	CodeInvalidBreakState  = "invalid_break_state"
	CodeInvalidReviewState = "invalid_review_state"
)

// Return-code handling.
const (
	ReturnCritical = "R29"

	DefaultMaxRetry = 3
)

// retryableReturnCodes bump the journey retry counter instead of breaking.
var retryableReturnCodes = map[string]bool{"R01": true, "R09": true}

// Event is an inbound normalized provider event.
type Event struct {
	OrganizationID    string
	Rail              string
	Provider          string
	ProviderEventID   string
	ExternalReference string
	EventType         string
	State             State
	EventTS           time.Time
	AmountMinor       int64
	ReturnCode        string
	RawPayload        json.RawMessage
}

// IngestResult reports what one event did to the ledger.
type IngestResult struct {
	Duplicate  bool
	OutOfOrder bool
	Journey    *CanonicalJourney
	Event      *CanonicalEvent
	Breaks     []*ReconciliationBreak
	Reviews    []*ManualReviewItem
}

// Ledger applies events to journeys. Updates serialize per journey via a
// keyed lock so concurrent webhook deliveries for the same payment cannot
// tear state; distinct journeys proceed in parallel.
type Ledger struct {
	store    Store
	log      *slog.Logger
	now      func() time.Time
	maxRetry int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLedger wires a ledger over the given store.
func NewLedger(store Store, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		store:    store,
		log:      log,
		now:      time.Now,
		maxRetry: DefaultMaxRetry,
		locks:    make(map[string]*sync.Mutex),
	}
}

// WithClock replaces the ledger's time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// WithMaxRetry overrides the retry budget before a retry_exhausted review.
func (l *Ledger) WithMaxRetry(n int) *Ledger {
	if n > 0 {
		l.maxRetry = n
	}
	return l
}

// journeyLock returns the mutex guarding one journey id.
func (l *Ledger) journeyLock(journeyID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[journeyID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[journeyID] = m
	}
	return m
}

// IngestEvent runs the canonical pipeline: duplicate short-circuit, journey
// upsert by natural key, DAG transition with out-of-order flagging, amount
// bookkeeping, drift detection against the tolerance, and return-code
// handling. Every write the event produces lands in one atomic commit.
func (l *Ledger) IngestEvent(ctx context.Context, e Event, driftToleranceMinor int64) (*IngestResult, error) {
	if e.OrganizationID == "" || e.Rail == "" || e.ExternalReference == "" {
		return nil, errs.Validation("missing_event_fields",
			"organization_id, rail and external_reference are required")
	}
	if !e.State.Valid() {
		return nil, errs.Newf(errs.KindValidation, CodeInvalidState,
			"unknown canonical state %q", e.State)
	}

	// Step 1: duplicate short-circuit by (provider, provider_event_id).
	if e.ProviderEventID != "" {
		seen, err := l.store.SeenEvent(ctx, e.Provider, e.ProviderEventID)
		if err != nil {
			return nil, fmt.Errorf("duplicate check: %w", err)
		}
		if seen {
			l.log.Debug("duplicate event skipped",
				"provider", e.Provider, "provider_event_id", e.ProviderEventID)
			return &IngestResult{Duplicate: true}, nil
		}
	}

	journeyID := ids.JourneyID(e.OrganizationID, e.Rail, e.ExternalReference)
	lock := l.journeyLock(journeyID)
	lock.Lock()
	defer lock.Unlock()

	now := l.now()

	// Step 2: upsert the journey by natural key.
	j, err := l.store.GetJourney(ctx, journeyID)
	if err != nil {
		if errs.KindOf(err) != errs.KindNotFound {
			return nil, fmt.Errorf("load journey: %w", err)
		}
		j = &CanonicalJourney{
			JourneyID:         journeyID,
			OrganizationID:    e.OrganizationID,
			Rail:              e.Rail,
			Provider:          e.Provider,
			ExternalReference: e.ExternalReference,
			CanonicalState:    StateCreated,
			BreakStatus:       BreakStatusOK,
			CreatedAt:         now,
		}
	}

	// Step 3: DAG transition. Backward arrivals keep the journey's later
	// state and only flag the event.
	outOfOrder := false
	advanced := false
	switch {
	case stateRank[e.State] > stateRank[j.CanonicalState]:
		j.CanonicalState = e.State
		advanced = true
	case e.State != j.CanonicalState:
		outOfOrder = true
	}
	if e.EventTS.After(j.LastEventAt) {
		j.LastEventAt = e.EventTS
	}
	j.UpdatedAt = now

	// Step 4: expected is the first amount seen; settled only on settled.
	if j.ExpectedMinor == 0 && e.AmountMinor > 0 {
		j.ExpectedMinor = e.AmountMinor
	}
	if e.State == StateSettled && e.AmountMinor > 0 && j.SettledMinor == 0 {
		j.SettledMinor = e.AmountMinor
	}

	ce := &CanonicalEvent{
		ID:              ids.NewEvent(),
		JourneyID:       journeyID,
		Provider:        e.Provider,
		ProviderEventID: e.ProviderEventID,
		EventType:       e.EventType,
		State:           e.State,
		EventTS:         e.EventTS,
		AmountMinor:     e.AmountMinor,
		ReturnCode:      e.ReturnCode,
		OutOfOrder:      outOfOrder,
		RawPayload:      e.RawPayload,
	}

	var breaks []*ReconciliationBreak
	var reviews []*ManualReviewItem

	// Step 5: drift detection on the transition into settled.
	if advanced && j.CanonicalState == StateSettled && j.ExpectedMinor > 0 && j.SettledMinor > 0 {
		delta := j.ExpectedMinor - j.SettledMinor
		if delta < 0 {
			delta = -delta
		}
		if delta > driftToleranceMinor {
			severity := SeverityMedium
			if delta > max(1000, 5*driftToleranceMinor) {
				severity = SeverityHigh
			}
			b, r, err := l.driftArtifacts(ctx, j, delta, severity, now)
			if err != nil {
				return nil, err
			}
			if b != nil {
				breaks = append(breaks, b)
			}
			if r != nil {
				reviews = append(reviews, r)
			}
		}
	}

	// Step 6: return-code handling.
	if e.ReturnCode != "" {
		j.LastReturnCode = e.ReturnCode
		switch {
		case e.ReturnCode == ReturnCritical:
			b, r, err := l.criticalReturnArtifacts(ctx, j, now)
			if err != nil {
				return nil, err
			}
			if b != nil {
				breaks = append(breaks, b)
			}
			if r != nil {
				reviews = append(reviews, r)
			}
		case retryableReturnCodes[e.ReturnCode]:
			j.RetryCount++
			if j.RetryCount > l.maxRetry {
				r, err := l.reviewIfAbsent(ctx, j.JourneyID, ReasonRetryExhausted, SeverityHigh, now)
				if err != nil {
					return nil, err
				}
				if r != nil {
					reviews = append(reviews, r)
					j.BreakStatus = worseBreakStatus(j.BreakStatus, BreakStatusReviewOpen)
				}
			}
		}
	}

	for range breaks {
		j.BreakStatus = worseBreakStatus(j.BreakStatus, BreakStatusDriftOpen)
	}

	if err := l.store.Commit(ctx, &Mutation{
		Journey: j,
		Event:   ce,
		Breaks:  breaks,
		Reviews: reviews,
	}); err != nil {
		return nil, fmt.Errorf("commit journey %s: %w", journeyID, err)
	}

	if len(breaks) > 0 || len(reviews) > 0 {
		l.log.Warn("reconciliation artifacts opened",
			"journey_id", journeyID,
			"breaks", len(breaks),
			"reviews", len(reviews),
			"state", string(j.CanonicalState))
	}

	return &IngestResult{
		OutOfOrder: outOfOrder,
		Journey:    j.clone(),
		Event:      ce,
		Breaks:     breaks,
		Reviews:    reviews,
	}, nil
}

// driftArtifacts opens the amount-drift break and its review unless either
// is already open for the journey.
func (l *Ledger) driftArtifacts(ctx context.Context, j *CanonicalJourney, delta int64, severity string, now time.Time) (*ReconciliationBreak, *ManualReviewItem, error) {
	var b *ReconciliationBreak
	open, err := l.store.HasOpenBreak(ctx, j.JourneyID, BreakTypeAmountDrift)
	if err != nil {
		return nil, nil, fmt.Errorf("break dedup: %w", err)
	}
	if !open {
		b = &ReconciliationBreak{
			BreakID:       ids.NewBreak(),
			JourneyID:     j.JourneyID,
			BreakType:     BreakTypeAmountDrift,
			Severity:      severity,
			ExpectedMinor: j.ExpectedMinor,
			SettledMinor:  j.SettledMinor,
			DeltaMinor:    delta,
			Status:        BreakOpen,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	r, err := l.reviewIfAbsent(ctx, j.JourneyID, ReasonDriftMismatch, severity, now)
	if err != nil {
		return nil, nil, err
	}
	return b, r, nil
}

// criticalReturnArtifacts opens the critical break and review for an R29.
func (l *Ledger) criticalReturnArtifacts(ctx context.Context, j *CanonicalJourney, now time.Time) (*ReconciliationBreak, *ManualReviewItem, error) {
	var b *ReconciliationBreak
	open, err := l.store.HasOpenBreak(ctx, j.JourneyID, BreakTypeCriticalReturn)
	if err != nil {
		return nil, nil, fmt.Errorf("break dedup: %w", err)
	}
	if !open {
		b = &ReconciliationBreak{
			BreakID:       ids.NewBreak(),
			JourneyID:     j.JourneyID,
			BreakType:     BreakTypeCriticalReturn,
			Severity:      SeverityCritical,
			ExpectedMinor: j.ExpectedMinor,
			SettledMinor:  j.SettledMinor,
			Status:        BreakOpen,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	r, err := l.reviewIfAbsent(ctx, j.JourneyID, ReasonCriticalReturn, SeverityCritical, now)
	if err != nil {
		return nil, nil, err
	}
	return b, r, nil
}

// reviewIfAbsent builds a review unless one with the same reason is open.
func (l *Ledger) reviewIfAbsent(ctx context.Context, journeyID, reason, priority string, now time.Time) (*ManualReviewItem, error) {
	open, err := l.store.HasOpenReview(ctx, journeyID, reason)
	if err != nil {
		return nil, fmt.Errorf("review dedup: %w", err)
	}
	if open {
		return nil, nil
	}
	return &ManualReviewItem{
		ReviewID:   ids.NewReview(),
		JourneyID:  journeyID,
		ReasonCode: reason,
		Priority:   priority,
		Status:     ReviewQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// GetJourney loads one journey.
func (l *Ledger) GetJourney(ctx context.Context, journeyID string) (*CanonicalJourney, error) {
	return l.store.GetJourney(ctx, journeyID)
}

// JourneyByReference loads a journey by its natural key.
func (l *Ledger) JourneyByReference(ctx context.Context, orgID, rail, externalRef string) (*CanonicalJourney, error) {
	return l.store.GetJourney(ctx, ids.JourneyID(orgID, rail, externalRef))
}

// ResolveBreak closes a break and recomputes the journey flag.
func (l *Ledger) ResolveBreak(ctx context.Context, breakID string) (*ReconciliationBreak, error) {
	return l.settleBreak(ctx, breakID, BreakResolved)
}

// DismissBreak discards a break and recomputes the journey flag.
func (l *Ledger) DismissBreak(ctx context.Context, breakID string) (*ReconciliationBreak, error) {
	return l.settleBreak(ctx, breakID, BreakDismissed)
}

func (l *Ledger) settleBreak(ctx context.Context, breakID string, to ArtifactStatus) (*ReconciliationBreak, error) {
	b, err := l.store.GetBreak(ctx, breakID)
	if err != nil {
		return nil, err
	}

	lock := l.journeyLock(b.JourneyID)
	lock.Lock()
	defer lock.Unlock()

	b, err = l.store.GetBreak(ctx, breakID)
	if err != nil {
		return nil, err
	}
	if b.Status != BreakOpen {
		return nil, errs.Newf(errs.KindState, CodeInvalidBreakState,
			"break %s is %s", breakID, b.Status)
	}
	b.Status = to
	b.UpdatedAt = l.now()
	if err := l.store.PutBreak(ctx, b); err != nil {
		return nil, fmt.Errorf("store break: %w", err)
	}
	if err := l.recomputeBreakStatus(ctx, b.JourneyID); err != nil {
		return nil, err
	}
	return b.clone(), nil
}

// StartReview claims a queued review.
func (l *Ledger) StartReview(ctx context.Context, reviewID string) (*ManualReviewItem, error) {
	r, err := l.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if r.Status != ReviewQueued {
		return nil, errs.Newf(errs.KindState, CodeInvalidReviewState,
			"review %s is %s", reviewID, r.Status)
	}
	r.Status = ReviewInReview
	r.UpdatedAt = l.now()
	if err := l.store.PutReview(ctx, r); err != nil {
		return nil, fmt.Errorf("store review: %w", err)
	}
	return r.clone(), nil
}

// ResolveReview closes a review and recomputes the journey flag.
func (l *Ledger) ResolveReview(ctx context.Context, reviewID string) (*ManualReviewItem, error) {
	return l.settleReview(ctx, reviewID, ReviewResolved)
}

// DismissReview discards a review and recomputes the journey flag.
func (l *Ledger) DismissReview(ctx context.Context, reviewID string) (*ManualReviewItem, error) {
	return l.settleReview(ctx, reviewID, ReviewDismissed)
}

func (l *Ledger) settleReview(ctx context.Context, reviewID string, to ReviewStatus) (*ManualReviewItem, error) {
	r, err := l.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}

	lock := l.journeyLock(r.JourneyID)
	lock.Lock()
	defer lock.Unlock()

	r, err = l.store.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if !r.open() {
		return nil, errs.Newf(errs.KindState, CodeInvalidReviewState,
			"review %s is %s", reviewID, r.Status)
	}
	r.Status = to
	r.UpdatedAt = l.now()
	if err := l.store.PutReview(ctx, r); err != nil {
		return nil, fmt.Errorf("store review: %w", err)
	}
	if r.JourneyID != "" {
		if err := l.recomputeBreakStatus(ctx, r.JourneyID); err != nil {
			return nil, err
		}
	}
	return r.clone(), nil
}

// recomputeBreakStatus derives the journey flag from what remains open.
// Callers hold the journey lock.
func (l *Ledger) recomputeBreakStatus(ctx context.Context, journeyID string) error {
	j, err := l.store.GetJourney(ctx, journeyID)
	if err != nil {
		return err
	}
	openBreaks, err := l.store.ListOpenBreaks(ctx, journeyID)
	if err != nil {
		return err
	}
	openReviews, err := l.store.ListOpenReviews(ctx, journeyID)
	if err != nil {
		return err
	}
	switch {
	case len(openBreaks) > 0:
		j.BreakStatus = BreakStatusDriftOpen
	case len(openReviews) > 0:
		j.BreakStatus = BreakStatusReviewOpen
	default:
		j.BreakStatus = BreakStatusOK
	}
	j.UpdatedAt = l.now()
	return l.store.Commit(ctx, &Mutation{Journey: j})
}

func worseBreakStatus(a, b BreakStatus) BreakStatus {
	if breakStatusRank[b] > breakStatusRank[a] {
		return b
	}
	return a
}
