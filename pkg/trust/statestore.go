package trust

import (
	"context"
	"sync"
)

// maxRecentSamples bounds the per-agent spending window kept for drift
// comparison.
const maxRecentSamples = 500

// MemoryStateStore is the in-process ProfileProvider. State is cloned on
// the way in and out, so concurrent evaluations never share mutable fields.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]*AgentState
}

// NewMemoryStateStore returns an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*AgentState)}
}

// Put stores a copy of the agent's state, replacing any previous one.
func (s *MemoryStateStore) Put(state *AgentState) {
	if state == nil || state.AgentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.AgentID] = cloneState(state)
}

// State implements ProfileProvider. An unknown agent gets a zero state with
// no KYA record; evaluation then denies it instead of erroring.
func (s *MemoryStateStore) State(_ context.Context, agentID string) (*AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.states[agentID]; ok {
		return cloneState(st), nil
	}
	return &AgentState{AgentID: agentID}, nil
}

// RecordSample appends one spending sample to the agent's recent window,
// creating the state if needed. The window is capped at maxRecentSamples,
// dropping the oldest first.
func (s *MemoryStateStore) RecordSample(agentID string, sample Sample) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agentID]
	if !ok {
		st = &AgentState{AgentID: agentID}
		s.states[agentID] = st
	}
	st.Recent = append(st.Recent, sample)
	if over := len(st.Recent) - maxRecentSamples; over > 0 {
		st.Recent = append([]Sample(nil), st.Recent[over:]...)
	}
}

// SetBaseline replaces the agent's behavioural baseline, creating the state
// if needed.
func (s *MemoryStateStore) SetBaseline(agentID string, b *Baseline) {
	if agentID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[agentID]
	if !ok {
		st = &AgentState{AgentID: agentID}
		s.states[agentID] = st
	}
	st.Baseline = cloneBaseline(b)
}

func cloneState(in *AgentState) *AgentState {
	out := *in
	if in.KYA != nil {
		kya := *in.KYA
		out.KYA = &kya
	}
	out.Baseline = cloneBaseline(in.Baseline)
	if in.Recent != nil {
		out.Recent = append([]Sample(nil), in.Recent...)
	}
	return &out
}

func cloneBaseline(in *Baseline) *Baseline {
	if in == nil {
		return nil
	}
	out := *in
	out.Merchants = cloneFreqMap(in.Merchants)
	out.Categories = cloneFreqMap(in.Categories)
	out.Hours = cloneFreqMap(in.Hours)
	return &out
}

func cloneFreqMap(in map[string]float64) map[string]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MemoryRelationships is the in-process RelationshipProvider. Pairs are
// unordered: the strength of (a, b) and (b, a) is the same edge.
type MemoryRelationships struct {
	mu    sync.RWMutex
	edges map[string]float64
}

// NewMemoryRelationships returns an empty graph.
func NewMemoryRelationships() *MemoryRelationships {
	return &MemoryRelationships{edges: make(map[string]float64)}
}

// Set records the relationship strength for the pair, clamped to [0,1].
func (r *MemoryRelationships) Set(a, b string, strength float64) {
	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edges[pairKey(a, b)] = strength
}

// Strength implements RelationshipProvider. Unknown pairs have strength 0.
func (r *MemoryRelationships) Strength(_ context.Context, a, b string) (float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.edges[pairKey(a, b)], nil
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}
