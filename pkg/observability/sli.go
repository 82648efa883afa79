package observability

import (
	"fmt"
	"sync"
)

// SLISource defines where an indicator draws its data from.
type SLISource string

const (
	SLISourceMetric SLISource = "METRIC"
	SLISourceLog    SLISource = "LOG"
	SLISourceTrace  SLISource = "TRACE"
	SLISourceProbe  SLISource = "PROBE"
)

// SLI defines a service level indicator for one platform operation.
type SLI struct {
	SLIID           string    `json:"sli_id"`
	Name            string    `json:"name"`
	Operation       string    `json:"operation"` // verify, checkout, escrow, treasury, anchor, policy
	Source          SLISource `json:"source"`
	Unit            string    `json:"unit"`
	GoodEventQuery  string    `json:"good_event_query"`
	TotalEventQuery string    `json:"total_event_query"`
	LinkedSLOID     string    `json:"linked_slo_id,omitempty"`
}

// DefaultIndicators returns metric-backed indicators matching the RED
// instruments, one per default SLO target.
func DefaultIndicators() []*SLI {
	out := make([]*SLI, 0, len(DefaultTargets()))
	for _, t := range DefaultTargets() {
		out = append(out, &SLI{
			SLIID:           "sli_" + t.Operation,
			Name:            t.Name + " success ratio",
			Operation:       t.Operation,
			Source:          SLISourceMetric,
			Unit:            "%",
			GoodEventQuery:  fmt.Sprintf(`aegispay.operations.total{operation=%q} - aegispay.operation.errors.total{operation=%q}`, t.Operation, t.Operation),
			TotalEventQuery: fmt.Sprintf(`aegispay.operations.total{operation=%q}`, t.Operation),
			LinkedSLOID:     t.SLOID,
		})
	}
	return out
}

// SLIRegistry manages indicator definitions.
type SLIRegistry struct {
	mu   sync.Mutex
	slis map[string]*SLI
	byOp map[string][]string
}

// NewSLIRegistry returns an empty registry.
func NewSLIRegistry() *SLIRegistry {
	return &SLIRegistry{
		slis: make(map[string]*SLI),
		byOp: make(map[string][]string),
	}
}

// Register adds an indicator definition.
func (r *SLIRegistry) Register(sli *SLI) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sli.SLIID == "" || sli.Name == "" || sli.Operation == "" {
		return fmt.Errorf("SLI requires id, name, and operation")
	}
	r.slis[sli.SLIID] = sli
	r.byOp[sli.Operation] = append(r.byOp[sli.Operation], sli.SLIID)
	return nil
}

// Get retrieves an indicator by ID.
func (r *SLIRegistry) Get(sliID string) (*SLI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sli, ok := r.slis[sliID]
	if !ok {
		return nil, fmt.Errorf("SLI %q not found", sliID)
	}
	return sli, nil
}

// ByOperation returns all indicators for one operation.
func (r *SLIRegistry) ByOperation(operation string) []*SLI {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*SLI
	for _, id := range r.byOp[operation] {
		result = append(result, r.slis[id])
	}
	return result
}

// LinkToSLO links an indicator to an objective.
func (r *SLIRegistry) LinkToSLO(sliID, sloID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sli, ok := r.slis[sliID]
	if !ok {
		return fmt.Errorf("SLI %q not found", sliID)
	}
	sli.LinkedSLOID = sloID
	return nil
}

// Count returns the number of registered indicators.
func (r *SLIRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slis)
}
