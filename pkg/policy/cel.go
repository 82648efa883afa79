package policy

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// CELEnv compiles transaction rules. One environment is shared by all CEL
// rules; compiled programs are cached per rule.
type CELEnv struct {
	env *cel.Env
}

// NewCELEnv declares the transaction variables a rule can reference:
//
//	txn.amount_minor, txn.currency, txn.merchant_domain,
//	txn.merchant_category, txn.agent_id, txn.country, txn.hour, txn.weekday
func NewCELEnv() (*CELEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("txn", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel environment: %w", err)
	}
	return &CELEnv{env: env}, nil
}

// Compile builds a CEL policy rule from an expression that must evaluate to
// a bool (true = approve).
func (e *CELEnv) Compile(id, name, expr string) (*CELRule, error) {
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, errs.Wrap(issues.Err(), errs.KindValidation, "invalid_cel_expression",
			fmt.Sprintf("rule %s does not compile", id))
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10_000),
	)
	if err != nil {
		return nil, fmt.Errorf("build cel program for %s: %w", id, err)
	}
	return &CELRule{id: id, name: name, expr: expr, prg: prg}, nil
}

// CELRule is a declarative policy rule compiled from a CEL expression.
type CELRule struct {
	id   string
	name string
	expr string
	prg  cel.Program
}

func (r *CELRule) Metadata() Metadata {
	return Metadata{
		ID:         r.id,
		Name:       r.name,
		Type:       TypePolicy,
		APIVersion: builtinAPIVersion,
		Config:     map[string]any{"expression": r.expr},
	}
}

func (r *CELRule) Evaluate(ctx context.Context, txn *Transaction) (*Decision, error) {
	out, _, err := r.prg.ContextEval(ctx, map[string]any{
		"txn": map[string]any{
			"amount_minor":      txn.AmountMinor,
			"currency":          txn.Currency,
			"merchant_domain":   txn.MerchantDomain,
			"merchant_category": txn.MerchantCategory,
			"agent_id":          txn.AgentID,
			"country":           txn.Country,
			"hour":              int64(txn.At.UTC().Hour()),
			"weekday":           int64(txn.At.UTC().Weekday()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eval rule %s: %w", r.id, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return nil, fmt.Errorf("rule %s returned %T, want bool", r.id, out.Value())
	}
	if !allowed {
		return reject("cel rule %s rejected the transaction", r.id)
	}
	return approve()
}
