package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/ids"
	"github.com/Aegis-Labs/aegispay/pkg/trust"
)

// TrustCache drops cached trust scores when an agent's state changes.
// *trust.Scorer and *trust.Framework both satisfy it.
type TrustCache interface {
	Invalidate(agentID string)
}

// Registry holds the profile and manifest of every registered agent and
// serves the verifier's manifest gate.
type Registry struct {
	log   *slog.Logger
	trust TrustCache
	now   func() time.Time

	mu        sync.RWMutex
	profiles  map[string]*Profile
	manifests map[string]*Manifest
	spend     map[string]*daySpend
}

// daySpend tracks one agent's settled spend for a single UTC day.
type daySpend struct {
	day        string
	spentMinor int64
}

// NewRegistry returns an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:       log,
		now:       time.Now,
		profiles:  make(map[string]*Profile),
		manifests: make(map[string]*Manifest),
		spend:     make(map[string]*daySpend),
	}
}

// WithClock replaces the registry's time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithTrustCache wires score invalidation on profile and manifest changes.
func (r *Registry) WithTrustCache(c TrustCache) *Registry {
	r.trust = c
	return r
}

// Register validates the manifest, mints an agent id when the manifest
// carries none, and creates the profile at KYA NONE.
func (r *Registry) Register(ctx context.Context, m *Manifest) (*Profile, error) {
	if m == nil {
		return nil, errs.Validation(errs.CodeInvalidJSON, "manifest is required")
	}
	manifest := m.clone()
	if manifest.AgentID == "" {
		manifest.AgentID = ids.NewAgent()
	}
	if manifest.Capabilities == nil {
		manifest.Capabilities = []string{}
	}
	if err := ValidateManifest(manifest); err != nil {
		return nil, err
	}
	hash, err := manifest.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash manifest: %w", err)
	}

	now := r.now().UTC()
	profile := &Profile{
		AgentID:      manifest.AgentID,
		OwnerID:      manifest.OwnerID,
		KYALevel:     trust.LevelNone,
		Capabilities: append([]string(nil), manifest.Capabilities...),
		ManifestHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	if _, exists := r.profiles[manifest.AgentID]; exists {
		r.mu.Unlock()
		return nil, errs.Newf(errs.KindState, CodeAgentExists,
			"agent %s is already registered", manifest.AgentID)
	}
	r.profiles[manifest.AgentID] = profile
	r.manifests[manifest.AgentID] = manifest
	r.mu.Unlock()

	r.log.InfoContext(ctx, "agent registered",
		"agent_id", manifest.AgentID,
		"owner_id", manifest.OwnerID,
		"manifest_hash", hash)
	return profile.clone(), nil
}

// Get returns the agent's profile.
func (r *Registry) Get(_ context.Context, agentID string) (*Profile, error) {
	r.mu.RLock()
	p, ok := r.profiles[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("agent", agentID)
	}
	return p.clone(), nil
}

// GetManifest returns the agent's current manifest.
func (r *Registry) GetManifest(_ context.Context, agentID string) (*Manifest, error) {
	r.mu.RLock()
	m, ok := r.manifests[agentID]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.NotFound("agent", agentID)
	}
	return m.clone(), nil
}

// UpdateManifest replaces the agent's manifest. The profile's hash and
// capabilities follow, and the cached trust score is dropped: a changed
// manifest voids previous behavioural judgements. Replaying the current
// manifest byte-for-byte is a no-op.
func (r *Registry) UpdateManifest(ctx context.Context, m *Manifest) (*Profile, error) {
	if m == nil || m.AgentID == "" {
		return nil, errs.Validation("missing_agent_id_required", "manifest must name an agent")
	}
	manifest := m.clone()
	if manifest.Capabilities == nil {
		manifest.Capabilities = []string{}
	}
	if err := ValidateManifest(manifest); err != nil {
		return nil, err
	}
	hash, err := manifest.Hash()
	if err != nil {
		return nil, fmt.Errorf("hash manifest: %w", err)
	}

	r.mu.Lock()
	profile, ok := r.profiles[manifest.AgentID]
	if !ok {
		r.mu.Unlock()
		return nil, errs.NotFound("agent", manifest.AgentID)
	}
	if manifest.OwnerID != profile.OwnerID {
		r.mu.Unlock()
		return nil, errs.New(errs.KindAuth, errs.CodeUnauthorized,
			"a manifest update cannot change the agent's owner")
	}
	if profile.ManifestHash == hash {
		out := profile.clone()
		r.mu.Unlock()
		return out, nil
	}
	profile.ManifestHash = hash
	profile.Capabilities = append([]string(nil), manifest.Capabilities...)
	profile.TrustScore = nil
	profile.UpdatedAt = r.now().UTC()
	r.manifests[manifest.AgentID] = manifest
	out := profile.clone()
	r.mu.Unlock()

	if r.trust != nil {
		r.trust.Invalidate(manifest.AgentID)
	}
	r.log.InfoContext(ctx, "agent manifest updated",
		"agent_id", manifest.AgentID,
		"manifest_hash", hash)
	return out, nil
}

// SetLevel records a KYA transition decided by the trust framework and
// drops the cached trust score.
func (r *Registry) SetLevel(ctx context.Context, agentID string, level trust.Level) (*Profile, error) {
	r.mu.Lock()
	profile, ok := r.profiles[agentID]
	if !ok {
		r.mu.Unlock()
		return nil, errs.NotFound("agent", agentID)
	}
	profile.KYALevel = level
	profile.TrustScore = nil
	profile.UpdatedAt = r.now().UTC()
	out := profile.clone()
	r.mu.Unlock()

	if r.trust != nil {
		r.trust.Invalidate(agentID)
	}
	r.log.InfoContext(ctx, "agent kya level set",
		"agent_id", agentID,
		"level", level.String())
	return out, nil
}

// RecordScore caches the latest computed trust score on the profile.
// Unknown agents are ignored.
func (r *Registry) RecordScore(agentID string, score float64) {
	r.mu.Lock()
	if p, ok := r.profiles[agentID]; ok {
		s := score
		p.TrustScore = &s
	}
	r.mu.Unlock()
}

// CheckCapability rejects when the agent's manifest does not grant the
// named capability.
func (r *Registry) CheckCapability(_ context.Context, agentID, capability string) error {
	r.mu.RLock()
	m, ok := r.manifests[agentID]
	r.mu.RUnlock()
	if !ok {
		return errs.NotFound("agent", agentID)
	}
	if !m.HasCapability(capability) {
		return errs.Newf(errs.KindAuth, CodeCapabilityNotGranted,
			"capability %q is not granted to agent %s", capability, agentID)
	}
	return nil
}

// CheckPayment enforces the paying agent's manifest: domain authorization,
// the per-payment cap, and the daily budget net of spend already recorded
// today. It never records spend itself.
func (r *Registry) CheckPayment(_ context.Context, agentID, domain string, amountMinor int64) error {
	day := r.day()
	r.mu.RLock()
	m, ok := r.manifests[agentID]
	var spent int64
	if s, sok := r.spend[agentID]; sok && s.day == day {
		spent = s.spentMinor
	}
	r.mu.RUnlock()
	if !ok {
		return errs.NotFound("agent", agentID)
	}
	if !m.AllowsDomain(domain) {
		return errs.Newf(errs.KindAuth, CodeDomainNotAuthorized,
			"manifest does not authorize domain %q", domain)
	}
	if amountMinor > m.MaxBudgetPerTxMinor {
		return errs.Newf(errs.KindPolicy, CodeManifestBudgetExceeded,
			"amount %d exceeds the per-payment budget %d", amountMinor, m.MaxBudgetPerTxMinor)
	}
	if spent+amountMinor > m.DailyBudgetMinor {
		return errs.Newf(errs.KindPolicy, CodeManifestBudgetExceeded,
			"amount %d exceeds the remaining daily budget %d", amountMinor, m.DailyBudgetMinor-spent)
	}
	return nil
}

// RecordPayment books an accepted payment against the agent's daily
// budget. The window resets at UTC midnight.
func (r *Registry) RecordPayment(_ context.Context, agentID string, amountMinor int64) {
	day := r.day()
	r.mu.Lock()
	s, ok := r.spend[agentID]
	if !ok || s.day != day {
		s = &daySpend{day: day}
		r.spend[agentID] = s
	}
	s.spentMinor += amountMinor
	r.mu.Unlock()
}

func (r *Registry) day() string {
	return r.now().UTC().Format("2006-01-02")
}
