// Package telemetry collects in-process sync metrics. Nothing is ever
// transmitted off the device; the numbers back the diagnostics screen
// and shutdown logging only.
package telemetry

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time reading of sync activity since startup.
type Snapshot struct {
	Drains        int64         `json:"drains"`
	OpsApplied    int64         `json:"ops_applied"`
	OpsFailed     int64         `json:"ops_failed"`
	LastDrainAt   time.Time     `json:"last_drain_at"`
	LastDrainTime time.Duration `json:"last_drain_duration"`
	Reconnects    int64         `json:"reconnects"`
}

var (
	mu      sync.Mutex
	current Snapshot
)

// RecordDrain records one completed drain pass.
func RecordDrain(applied, failed int, duration time.Duration) {
	mu.Lock()
	defer mu.Unlock()

	current.Drains++
	current.OpsApplied += int64(applied)
	current.OpsFailed += int64(failed)
	current.LastDrainAt = time.Now()
	current.LastDrainTime = duration
}

// RecordReconnect records an offline-to-online transition.
func RecordReconnect() {
	mu.Lock()
	defer mu.Unlock()
	current.Reconnects++
}

// Get returns the current snapshot.
func Get() Snapshot {
	mu.Lock()
	defer mu.Unlock()
	return current
}

// Reset zeroes all counters. Used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = Snapshot{}
}
