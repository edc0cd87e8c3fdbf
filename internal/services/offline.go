// Package services provides the offline-aware data facades.
package services

import (
	"fmt"

	"github.com/healthreach/fieldsync/internal/connectivity"
	"github.com/healthreach/fieldsync/internal/queue"
)

// OfflineState is the UI's view of connectivity and queue pressure,
// backing the persistent "N pending changes" indicator.
type OfflineState struct {
	monitor *connectivity.Monitor
	q       *queue.Queue
}

// NewOfflineState creates an OfflineState.
func NewOfflineState(monitor *connectivity.Monitor, q *queue.Queue) *OfflineState {
	return &OfflineState{monitor: monitor, q: q}
}

// Snapshot is a point-in-time reading for the indicator.
type Snapshot struct {
	Online  bool
	Pending int
	Failed  int
}

// Snapshot returns the current state.
func (o *OfflineState) Snapshot() Snapshot {
	stats := o.q.Stats()
	return Snapshot{
		Online:  o.monitor.IsOnline(),
		Pending: stats["pending"] + stats["in_flight"],
		Failed:  stats["failed"],
	}
}

// Notification returns the banner text for the current state, or ""
// when there is nothing to show.
func (o *OfflineState) Notification() string {
	snap := o.Snapshot()

	if snap.Failed > 0 {
		return fmt.Sprintf("%d %s failed to sync, tap to review",
			snap.Failed, pluralChanges(snap.Failed))
	}
	if snap.Pending > 0 {
		return fmt.Sprintf("%d pending %s will sync when online",
			snap.Pending, pluralChanges(snap.Pending))
	}
	return ""
}

// OnChange subscribes to connectivity transitions. Returns an
// unsubscribe function.
func (o *OfflineState) OnChange(listener connectivity.Listener) func() {
	return o.monitor.OnChange(listener)
}

func pluralChanges(n int) string {
	if n == 1 {
		return "change"
	}
	return "changes"
}
