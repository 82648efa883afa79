package policy

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/velocity"
)

// builtinAPIVersion is the api_version built-in rules declare.
const builtinAPIVersion = "1.0.0"

// approve and reject are decision shorthands for built-in rules.
func approve() (*Decision, error) { return &Decision{Approved: true}, nil }

func reject(format string, args ...any) (*Decision, error) {
	return &Decision{Approved: false, Reason: fmt.Sprintf(format, args...)}, nil
}

// TimeRestrictionRule approves only inside an allowed weekday/hour window.
// Zero values are permissive: no weekdays means every day, equal hours mean
// the whole day.
type TimeRestrictionRule struct {
	ID              string
	AllowedWeekdays []time.Weekday
	StartHour       int // inclusive, 0-23
	EndHour         int // exclusive, 1-24
	Location        *time.Location
}

func (r *TimeRestrictionRule) Metadata() Metadata {
	return Metadata{ID: r.ID, Name: "time restriction", Type: TypePolicy, APIVersion: builtinAPIVersion}
}

func (r *TimeRestrictionRule) Evaluate(_ context.Context, txn *Transaction) (*Decision, error) {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	at := txn.At.In(loc)

	if len(r.AllowedWeekdays) > 0 && !slices.Contains(r.AllowedWeekdays, at.Weekday()) {
		return reject("transactions not allowed on %s", at.Weekday())
	}
	if r.StartHour != r.EndHour {
		hour := at.Hour()
		if hour < r.StartHour || hour >= r.EndHour {
			return reject("transactions allowed between %02d:00 and %02d:00, now %02d:%02d",
				r.StartHour, r.EndHour, hour, at.Minute())
		}
	}
	return approve()
}

// AmountBoundsRule enforces a per-transaction amount corridor in minor
// units. MaxMinor 0 means unbounded above.
type AmountBoundsRule struct {
	ID       string
	MinMinor int64
	MaxMinor int64
}

func (r *AmountBoundsRule) Metadata() Metadata {
	return Metadata{ID: r.ID, Name: "amount bounds", Type: TypePolicy, APIVersion: builtinAPIVersion}
}

func (r *AmountBoundsRule) Evaluate(_ context.Context, txn *Transaction) (*Decision, error) {
	if txn.AmountMinor < r.MinMinor {
		return reject("amount %d below minimum %d", txn.AmountMinor, r.MinMinor)
	}
	if r.MaxMinor > 0 && txn.AmountMinor > r.MaxMinor {
		return reject("amount %d exceeds maximum %d", txn.AmountMinor, r.MaxMinor)
	}
	return approve()
}

// UpdateConfig accepts {"min_minor": n, "max_minor": n}.
func (r *AmountBoundsRule) UpdateConfig(config map[string]any) error {
	if v, ok := asInt64(config["min_minor"]); ok {
		r.MinMinor = v
	}
	if v, ok := asInt64(config["max_minor"]); ok {
		r.MaxMinor = v
	}
	if r.MaxMinor > 0 && r.MinMinor > r.MaxMinor {
		return errs.Validation("invalid_amount_bounds", "min exceeds max")
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// BlocklistRule rejects blocked merchant domains and categories,
// case-insensitively.
type BlocklistRule struct {
	ID         string
	Merchants  []string
	Categories []string
}

func (r *BlocklistRule) Metadata() Metadata {
	return Metadata{ID: r.ID, Name: "merchant/category blocklist", Type: TypePolicy, APIVersion: builtinAPIVersion}
}

func (r *BlocklistRule) Evaluate(_ context.Context, txn *Transaction) (*Decision, error) {
	for _, m := range r.Merchants {
		if strings.EqualFold(m, txn.MerchantDomain) {
			return reject("merchant %s is blocklisted", txn.MerchantDomain)
		}
	}
	for _, c := range r.Categories {
		if strings.EqualFold(c, txn.MerchantCategory) {
			return reject("category %s is blocklisted", txn.MerchantCategory)
		}
	}
	return approve()
}

// VelocityRule limits transaction rate, either one window per merchant or a
// single global window.
type VelocityRule struct {
	ID          string
	PerMerchant bool

	governor *velocity.MemoryGovernor
}

// NewVelocityRule builds a velocity rule over fresh in-memory windows.
func NewVelocityRule(id string, limits velocity.Limits, perMerchant bool) *VelocityRule {
	return &VelocityRule{ID: id, PerMerchant: perMerchant, governor: velocity.NewMemoryGovernor(limits)}
}

// WithClock replaces the underlying window clock.
func (r *VelocityRule) WithClock(now func() time.Time) *VelocityRule {
	r.governor.WithClock(now)
	return r
}

func (r *VelocityRule) Metadata() Metadata {
	return Metadata{ID: r.ID, Name: "velocity limit", Type: TypePolicy, APIVersion: builtinAPIVersion}
}

func (r *VelocityRule) Evaluate(ctx context.Context, txn *Transaction) (*Decision, error) {
	key := "global"
	if r.PerMerchant {
		key = strings.ToLower(txn.MerchantDomain)
	}
	if err := r.governor.Allow(ctx, key); err != nil {
		if errs.KindOf(err) == errs.KindRateLimit {
			return reject("%s", errs.CodeOf(err))
		}
		return nil, err
	}
	return approve()
}
