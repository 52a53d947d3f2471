// Package cluster is the optional multi-node coordination boundary.
// Leader election and cross-node event shipping are opaque
// to the core; the Manager only obeys IsEnabled/IsLeader gating and
// records the counters Sync returns.
package cluster

import "context"

// SyncResult is the counters a Sync pass reports.
type SyncResult struct {
	LocalEventsEmitted     int
	ImportedEventsApplied  int
	MergedDuplicateStories int
}

// Sync is implemented by a concrete cluster backend. The core never
// implements leader election or transport itself.
type Sync interface {
	IsEnabled() bool
	IsLeader(ctx context.Context) (bool, error)
	Sync(ctx context.Context) (SyncResult, error)
}

// Disabled is the no-op Sync used when cluster mode is off: the
// Manager's gating step collapses to a single always-true IsLeader
// check.
type Disabled struct{}

// IsEnabled always reports false.
func (Disabled) IsEnabled() bool { return false }

// IsLeader always reports true: a single node is trivially its own
// leader.
func (Disabled) IsLeader(context.Context) (bool, error) { return true, nil }

// Sync is a no-op returning zeroed counters.
func (Disabled) Sync(context.Context) (SyncResult, error) { return SyncResult{}, nil }
