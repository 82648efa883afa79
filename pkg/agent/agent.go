// Package agent maintains agent profiles and their capability manifests.
// A manifest declares what an agent may do: its capabilities, per-payment
// and daily budgets, and the merchant domains it may pay. The registry
// serves those checks to the verifier and drops cached trust scores
// whenever a profile or manifest changes.
package agent

import (
	"strings"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/canonical"
	"github.com/Aegis-Labs/aegispay/pkg/trust"
)

// Failure codes owned by this package.
const (
	CodeAgentExists            = "agent_exists"
	CodeInvalidManifest        = "invalid_manifest_format"
	CodeManifestBudgetExceeded = "manifest_budget_exceeded"
	CodeDomainNotAuthorized    = "domain_not_authorized"
	CodeCapabilityNotGranted   = "capability_not_granted"
)

// Manifest is an agent's declarative capability statement. It carries no
// hash of itself; the profile records the manifest hash.
type Manifest struct {
	AgentID             string   `json:"agent_id"`
	OwnerID             string   `json:"owner_id"`
	Capabilities        []string `json:"capabilities"`
	MaxBudgetPerTxMinor int64    `json:"max_budget_per_tx_minor"`
	DailyBudgetMinor    int64    `json:"daily_budget_minor"`
	AllowedDomains      []string `json:"allowed_domains,omitempty"`
	BlockedDomains      []string `json:"blocked_domains,omitempty"`
}

// Hash returns the SHA-256 hex digest of the manifest's canonical
// sorted-key JSON form. Equal manifests hash equally regardless of field
// order in any serialized copy.
func (m *Manifest) Hash() (string, error) {
	return canonical.Hash(m)
}

// HasCapability reports whether the manifest grants the named capability.
func (m *Manifest) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// AllowsDomain reports whether the manifest permits paying the domain.
// Blocked entries win over allowed ones; an empty allow-list permits any
// domain that is not blocked. An entry matches its own host and every
// subdomain, case-insensitively.
func (m *Manifest) AllowsDomain(domain string) bool {
	host := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if host == "" {
		return false
	}
	for _, entry := range m.BlockedDomains {
		if domainMatches(host, entry) {
			return false
		}
	}
	if len(m.AllowedDomains) == 0 {
		return true
	}
	for _, entry := range m.AllowedDomains {
		if domainMatches(host, entry) {
			return true
		}
	}
	return false
}

func domainMatches(host, entry string) bool {
	entry = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(entry), "."))
	if entry == "" {
		return false
	}
	return host == entry || strings.HasSuffix(host, "."+entry)
}

func (m *Manifest) clone() *Manifest {
	out := *m
	out.Capabilities = append([]string(nil), m.Capabilities...)
	out.AllowedDomains = append([]string(nil), m.AllowedDomains...)
	out.BlockedDomains = append([]string(nil), m.BlockedDomains...)
	return &out
}

// Profile is the registry's view of one agent.
type Profile struct {
	AgentID      string      `json:"agent_id"`
	OwnerID      string      `json:"owner_id"`
	KYALevel     trust.Level `json:"kya_level"`
	Capabilities []string    `json:"capabilities"`
	ManifestHash string      `json:"manifest_hash"`
	TrustScore   *float64    `json:"trust_score,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

func (p *Profile) clone() *Profile {
	out := *p
	out.Capabilities = append([]string(nil), p.Capabilities...)
	if p.TrustScore != nil {
		s := *p.TrustScore
		out.TrustScore = &s
	}
	return &out
}
