// Package policy evaluates transactions against declarative rules and a
// registry of user-provided plugins. Policy plugins are fanned out with a
// hard per-plugin wall-clock budget; approval plugins run serially until one
// approves; notification plugins run concurrently and never fail the caller.
package policy

import (
	"context"
	"time"
)

// PluginType classifies registry entries.
type PluginType string

const (
	TypePolicy       PluginType = "policy"
	TypeApproval     PluginType = "approval"
	TypeNotification PluginType = "notification"
	TypeAudit        PluginType = "audit"
	TypeWebhook      PluginType = "webhook"
)

// PluginBudget is the wall-clock budget for a single plugin invocation.
// A plugin that overruns it is treated as having rejected.
const PluginBudget = 5 * time.Second

// CurrentAPIMajor is the plugin API major this registry speaks. Manifests
// declaring a different major are rejected at registration.
const CurrentAPIMajor = 1

// Metadata describes a plugin to the registry.
type Metadata struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        PluginType     `json:"type"`
	APIVersion  string         `json:"api_version"` // semver, major gated
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

// Transaction is the evaluation input shared by every plugin type.
type Transaction struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	OrganizationID   string    `json:"organization_id,omitempty"`
	MerchantDomain   string    `json:"merchant_domain"`
	MerchantCategory string    `json:"merchant_category,omitempty"`
	AmountMinor      int64     `json:"amount_minor"`
	Currency         string    `json:"currency"`
	Country          string    `json:"country,omitempty"`
	At               time.Time `json:"at"`
}

// Decision is one plugin's verdict on a transaction.
type Decision struct {
	PluginID string `json:"plugin_id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Result aggregates the fan-out: approved only when every plugin approved.
type Result struct {
	Approved  bool       `json:"approved"`
	Decisions []Decision `json:"decisions"`
}

// Violations lists the reasons of every rejecting decision.
func (r *Result) Violations() []string {
	var v []string
	for _, d := range r.Decisions {
		if !d.Approved && d.Reason != "" {
			v = append(v, d.Reason)
		}
	}
	return v
}

// Plugin is the least common denominator every registry entry implements.
type Plugin interface {
	Metadata() Metadata
}

// PolicyPlugin votes approve/reject on a transaction.
type PolicyPlugin interface {
	Plugin
	Evaluate(ctx context.Context, txn *Transaction) (*Decision, error)
}

// ApprovalPlugin obtains an out-of-band approval (human, quorum, ...).
type ApprovalPlugin interface {
	Plugin
	RequestApproval(ctx context.Context, txn *Transaction) (bool, error)
}

// NotificationPlugin is told about decisions; errors are swallowed.
type NotificationPlugin interface {
	Plugin
	Notify(ctx context.Context, txn *Transaction, result *Result) error
}

// AuditPlugin records decisions in an external system.
type AuditPlugin interface {
	Plugin
	Record(ctx context.Context, txn *Transaction, result *Result) error
}

// WebhookPlugin delivers decision events to an external endpoint.
type WebhookPlugin interface {
	Plugin
	Deliver(ctx context.Context, event string, payload []byte) error
}

// Configurable plugins accept config updates through the registry.
type Configurable interface {
	UpdateConfig(config map[string]any) error
}
