package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// Registration codes.
const (
	CodePluginRegistered    = "plugin_already_registered"
	CodePluginDisabled      = "plugin_disabled"
	CodeInvalidAPIVersion   = "invalid_api_version_format"
	CodeAPIIncompatible     = "plugin_api_incompatible"
	CodeUnsupportedPlugin   = "plugin_type_unsupported"
	CodeNoApproverAvailable = "no_approver_available"
)

type registration struct {
	plugin   Plugin
	meta     Metadata
	enabled  bool
	addedAt  time.Time
	disabled time.Time
}

// Registry holds plugins of all types. Mutations and snapshots go through a
// single mutex; plugin invocations run outside it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registration
	log     *slog.Logger
	now     func() time.Time
	budget  time.Duration
}

// NewRegistry returns an empty registry with the default plugin budget.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*registration),
		log:     log,
		now:     time.Now,
		budget:  PluginBudget,
	}
}

// WithClock replaces the registry's time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// WithBudget overrides the per-plugin wall-clock budget.
func (r *Registry) WithBudget(budget time.Duration) *Registry {
	r.budget = budget
	return r
}

// Register adds a plugin, enabled. The manifest's api_version must parse as
// semver and match the registry's API major.
func (r *Registry) Register(p Plugin) error {
	meta := p.Metadata()
	if meta.ID == "" {
		return errs.Validation("missing_plugin_id", "plugin metadata has no id")
	}
	switch meta.Type {
	case TypePolicy, TypeApproval, TypeNotification, TypeAudit, TypeWebhook:
	default:
		return errs.Newf(errs.KindValidation, CodeUnsupportedPlugin,
			"unknown plugin type %q", meta.Type)
	}
	v, err := semver.NewVersion(meta.APIVersion)
	if err != nil {
		return errs.Newf(errs.KindValidation, CodeInvalidAPIVersion,
			"plugin %s api_version %q is not semver", meta.ID, meta.APIVersion)
	}
	if v.Major() != CurrentAPIMajor {
		return errs.Newf(errs.KindValidation, CodeAPIIncompatible,
			"plugin %s targets API v%d, registry speaks v%d", meta.ID, v.Major(), CurrentAPIMajor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[meta.ID]; exists {
		return errs.Newf(errs.KindState, CodePluginRegistered, "plugin %s already registered", meta.ID)
	}
	r.entries[meta.ID] = &registration{plugin: p, meta: meta, enabled: true, addedAt: r.now()}
	r.log.Info("plugin registered", "plugin_id", meta.ID, "type", string(meta.Type))
	return nil
}

// Unregister removes a plugin.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return errs.NotFound("plugin", id)
	}
	delete(r.entries, id)
	return nil
}

// Enable re-activates a disabled plugin.
func (r *Registry) Enable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[id]
	if !ok {
		return errs.NotFound("plugin", id)
	}
	reg.enabled = true
	return nil
}

// Disable keeps the plugin registered but excludes it from evaluation.
func (r *Registry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[id]
	if !ok {
		return errs.NotFound("plugin", id)
	}
	reg.enabled = false
	reg.disabled = r.now()
	return nil
}

// UpdateConfig forwards new config to a Configurable plugin and records it
// in the metadata.
func (r *Registry) UpdateConfig(id string, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[id]
	if !ok {
		return errs.NotFound("plugin", id)
	}
	c, ok := reg.plugin.(Configurable)
	if !ok {
		return errs.Newf(errs.KindValidation, "plugin_not_configurable",
			"plugin %s does not accept config updates", id)
	}
	if err := c.UpdateConfig(config); err != nil {
		return fmt.Errorf("update config for %s: %w", id, err)
	}
	reg.meta.Config = config
	return nil
}

// List returns metadata for all plugins of the given type ("" for all),
// sorted by id. Disabled plugins are included.
func (r *Registry) List(pluginType PluginType) []Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Metadata
	for _, reg := range r.entries {
		if pluginType == "" || reg.meta.Type == pluginType {
			out = append(out, reg.meta)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// snapshot returns the enabled plugins of one type without holding the lock
// during invocation.
func (r *Registry) snapshot(pluginType PluginType) []Plugin {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Plugin
	for _, reg := range r.entries {
		if reg.enabled && reg.meta.Type == pluginType {
			out = append(out, reg.plugin)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata().ID < out[j].Metadata().ID })
	return out
}

// Evaluate fans the transaction out to every enabled policy plugin, each
// under its own wall-clock budget. A timeout, error or panic counts as a
// rejection from that plugin; the aggregate approves only when every plugin
// approved. With no policy plugins registered the transaction is approved.
func (r *Registry) Evaluate(ctx context.Context, txn *Transaction) (*Result, error) {
	if txn.At.IsZero() {
		txn.At = r.now()
	}
	plugins := r.snapshot(TypePolicy)

	decisions := make([]Decision, len(plugins))
	var wg sync.WaitGroup
	for i, p := range plugins {
		pol, ok := p.(PolicyPlugin)
		if !ok {
			decisions[i] = Decision{PluginID: p.Metadata().ID, Approved: false, Reason: "plugin does not implement policy evaluation"}
			continue
		}
		wg.Add(1)
		go func(i int, pol PolicyPlugin) {
			defer wg.Done()
			decisions[i] = r.evaluateOne(ctx, pol, txn)
		}(i, pol)
	}
	wg.Wait()

	res := &Result{Approved: true, Decisions: decisions}
	for _, d := range decisions {
		if !d.Approved {
			res.Approved = false
		}
	}
	return res, nil
}

// evaluateOne runs a single plugin under the budget with panic containment.
func (r *Registry) evaluateOne(ctx context.Context, pol PolicyPlugin, txn *Transaction) (dec Decision) {
	id := pol.Metadata().ID
	dec = Decision{PluginID: id, Approved: false}

	ctx, cancel := context.WithTimeout(ctx, r.budget)
	defer cancel()

	type outcome struct {
		d   *Decision
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("plugin panic: %v", rec)}
			}
		}()
		d, err := pol.Evaluate(ctx, txn)
		ch <- outcome{d: d, err: err}
	}()

	select {
	case <-ctx.Done():
		dec.Reason = fmt.Sprintf("plugin %s exceeded %s budget", id, r.budget)
		r.log.Warn("policy plugin timed out", "plugin_id", id)
		return dec
	case out := <-ch:
		if out.err != nil {
			dec.Reason = out.err.Error()
			r.log.Warn("policy plugin failed", "plugin_id", id, "error", out.err)
			return dec
		}
		if out.d == nil {
			dec.Reason = "plugin returned no decision"
			return dec
		}
		d := *out.d
		d.PluginID = id
		return d
	}
}

// RequestApproval walks the enabled approval plugins serially; the first
// approval wins. All rejecting (or failing) leaves the transaction denied.
// With no approval plugins registered the error distinguishes "nobody could
// approve" from an explicit rejection.
func (r *Registry) RequestApproval(ctx context.Context, txn *Transaction) (bool, error) {
	plugins := r.snapshot(TypeApproval)
	if len(plugins) == 0 {
		return false, errs.New(errs.KindState, CodeNoApproverAvailable, "no approval plugins registered")
	}
	for _, p := range plugins {
		appr, ok := p.(ApprovalPlugin)
		if !ok {
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, r.budget)
		granted, err := appr.RequestApproval(callCtx, txn)
		cancel()
		if err != nil {
			r.log.Warn("approval plugin failed", "plugin_id", p.Metadata().ID, "error", err)
			continue
		}
		if granted {
			return true, nil
		}
	}
	return false, nil
}

// Notify fans the result out to every notification plugin concurrently.
// Failures are logged and swallowed; Notify never blocks on a slow plugin
// beyond the budget.
func (r *Registry) Notify(ctx context.Context, txn *Transaction, result *Result) {
	plugins := r.snapshot(TypeNotification)
	var wg sync.WaitGroup
	for _, p := range plugins {
		n, ok := p.(NotificationPlugin)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(n NotificationPlugin) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Warn("notification plugin panicked", "plugin_id", n.Metadata().ID, "panic", rec)
				}
			}()
			callCtx, cancel := context.WithTimeout(ctx, r.budget)
			defer cancel()
			if err := n.Notify(callCtx, txn, result); err != nil {
				r.log.Warn("notification plugin failed", "plugin_id", n.Metadata().ID, "error", err)
			}
		}(n)
	}
	wg.Wait()
}
