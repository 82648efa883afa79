package anchor

import (
	"context"
	"log/slog"

	"github.com/Aegis-Labs/aegispay/pkg/resilience"
)

// ResilientExecutor decorates a ChainExecutor with the chain submission
// deadline, bounded retries and a circuit breaker. Submission is
// idempotent on anchorID, so retrying a timed-out submit cannot anchor
// the same root twice.
type ResilientExecutor struct {
	inner ChainExecutor
	guard *resilience.Guard
}

// Resilient wraps inner. A nil logger falls back to slog.Default.
func Resilient(inner ChainExecutor, log *slog.Logger) *ResilientExecutor {
	return &ResilientExecutor{
		inner: inner,
		guard: resilience.NewGuard("chain-executor", log),
	}
}

// Guard exposes the wrapper's guard, mainly so tests can pin clocks and
// sleepers.
func (r *ResilientExecutor) Guard() *resilience.Guard { return r.guard }

// SubmitRoot implements ChainExecutor.
func (r *ResilientExecutor) SubmitRoot(ctx context.Context, anchorID, merkleRoot string) (*ChainReceipt, error) {
	ctx, cancel := resilience.WithDeadline(ctx, resilience.ChainDeadline)
	defer cancel()

	var receipt *ChainReceipt
	err := r.guard.Do(ctx, "chain.submit_root", func(ctx context.Context) error {
		var err error
		receipt, err = r.inner.SubmitRoot(ctx, anchorID, merkleRoot)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
