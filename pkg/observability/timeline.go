package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TimelineEntryType categorizes operational timeline entries.
type TimelineEntryType string

const (
	EntryTypeVerification TimelineEntryType = "VERIFICATION"
	EntryTypePayment      TimelineEntryType = "PAYMENT"
	EntryTypeCheckout     TimelineEntryType = "CHECKOUT"
	EntryTypeEscrow       TimelineEntryType = "ESCROW"
	EntryTypeTreasury     TimelineEntryType = "TREASURY"
	EntryTypeAnchor       TimelineEntryType = "ANCHOR"
	EntryTypePolicy       TimelineEntryType = "POLICY_DECISION"
	EntryTypeEscalation   TimelineEntryType = "ESCALATION"
)

// TimelineEntry is a single operational event. This is the ops-facing view;
// the tamper-evident record of the same activity lives in the audit ledger.
type TimelineEntry struct {
	EntryID     string            `json:"entry_id"`
	EntryType   TimelineEntryType `json:"entry_type"`
	OrgID       string            `json:"org_id"`
	AgentID     string            `json:"agent_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Summary     string            `json:"summary"`
	ContentHash string            `json:"content_hash"`
	Details     map[string]any    `json:"details,omitempty"`
}

// TimelineQuery filters timeline entries.
type TimelineQuery struct {
	OrgID     string             `json:"org_id,omitempty"`
	AgentID   string             `json:"agent_id,omitempty"`
	EntryType *TimelineEntryType `json:"entry_type,omitempty"`
	After     *time.Time         `json:"after,omitempty"`
	Before    *time.Time         `json:"before,omitempty"`
	Limit     int                `json:"limit,omitempty"`
}

// Timeline collects operational events and answers org- and agent-scoped
// queries over them.
type Timeline struct {
	mu      sync.RWMutex
	entries []TimelineEntry
	byOrg   map[string][]int
	seq     int64
	clock   func() time.Time
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{
		byOrg: make(map[string][]int),
		clock: time.Now,
	}
}

// WithClock replaces the timeline's time source.
func (t *Timeline) WithClock(clock func() time.Time) *Timeline {
	t.clock = clock
	return t
}

// Record adds an entry. A nil timeline drops it silently so instrumentation
// call sites need no guards.
func (t *Timeline) Record(entry TimelineEntry) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	if entry.EntryID == "" {
		entry.EntryID = fmt.Sprintf("tl_%d", t.seq)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = t.clock()
	}

	data, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	h := sha256.Sum256(data)
	entry.ContentHash = "sha256:" + hex.EncodeToString(h[:])

	idx := len(t.entries)
	t.entries = append(t.entries, entry)
	if entry.OrgID != "" {
		t.byOrg[entry.OrgID] = append(t.byOrg[entry.OrgID], idx)
	}
	return nil
}

// Query returns entries matching the query, oldest first.
func (t *Timeline) Query(q TimelineQuery) []TimelineEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []TimelineEntry
	if q.OrgID != "" {
		indices, ok := t.byOrg[q.OrgID]
		if !ok {
			return nil
		}
		for _, i := range indices {
			candidates = append(candidates, t.entries[i])
		}
	} else {
		candidates = make([]TimelineEntry, len(t.entries))
		copy(candidates, t.entries)
	}

	var results []TimelineEntry
	for _, e := range candidates {
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.EntryType != nil && e.EntryType != *q.EntryType {
			continue
		}
		if q.After != nil && e.Timestamp.Before(*q.After) {
			continue
		}
		if q.Before != nil && e.Timestamp.After(*q.Before) {
			continue
		}
		results = append(results, e)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results
}

// Count returns total recorded entries.
func (t *Timeline) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
