package identity

import (
	"context"
	"sync"
)

// Registry answers whether a key is bound to an agent on a domain. The
// verifier consults it before any signature work so unbound keys fail fast.
type Registry interface {
	// VerifyBinding reports whether (agentID, domain, key, algorithm) is a
	// registered, unrevoked binding.
	VerifyBinding(ctx context.Context, agentID, domain string, method *Method) (bool, error)
}

// Binding is one registered key for an agent.
type Binding struct {
	AgentID     string
	Domain      string
	Algorithm   Algorithm
	Fingerprint string
	Revoked     bool
}

type bindingKey struct {
	agentID     string
	domain      string
	algorithm   Algorithm
	fingerprint string
}

// MemoryRegistry is the in-process Registry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	bindings map[bindingKey]*Binding
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{bindings: make(map[bindingKey]*Binding)}
}

// Bind registers a key for an agent on a domain. Re-binding an existing key
// clears a prior revocation.
func (r *MemoryRegistry) Bind(agentID, domain string, method *Method) *Binding {
	b := &Binding{
		AgentID:     agentID,
		Domain:      domain,
		Algorithm:   method.Algorithm,
		Fingerprint: method.Fingerprint(),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[keyOf(b)] = b
	return b
}

// Revoke marks the binding revoked; the entry stays so re-use is auditable.
func (r *MemoryRegistry) Revoke(agentID, domain string, method *Method) bool {
	k := bindingKey{agentID: agentID, domain: domain, algorithm: method.Algorithm, fingerprint: method.Fingerprint()}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[k]
	if !ok {
		return false
	}
	b.Revoked = true
	return true
}

// VerifyBinding implements Registry.
func (r *MemoryRegistry) VerifyBinding(_ context.Context, agentID, domain string, method *Method) (bool, error) {
	k := bindingKey{agentID: agentID, domain: domain, algorithm: method.Algorithm, fingerprint: method.Fingerprint()}
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[k]
	return ok && !b.Revoked, nil
}

func keyOf(b *Binding) bindingKey {
	return bindingKey{agentID: b.AgentID, domain: b.Domain, algorithm: b.Algorithm, fingerprint: b.Fingerprint}
}
