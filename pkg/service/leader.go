package service

import "context"

// Leader gates the singleton background loops (sweepers, the anchor
// runner, cache pruning). Every process runs the loops, but only the
// one holding leadership executes an iteration, so scaling out does not
// double-run them. In a single-process deployment StaticLeader(true)
// runs everything; clustered deployments plug in a lease-backed
// election and the loops follow leadership changes between ticks
// without restarting.
type Leader interface {
	// IsLeader reports whether this process currently holds leadership.
	// It is consulted on every tick, never cached.
	IsLeader(ctx context.Context) bool
}

// StaticLeader is a fixed leadership answer for single-node deployments
// and tests.
type StaticLeader bool

// IsLeader implements Leader.
func (l StaticLeader) IsLeader(context.Context) bool { return bool(l) }
