// Package connectivity tracks online/offline state for the engine.
//
// The effective state is the AND of two signals: the platform flag
// (reported by the host through SetPlatformOnline) and an internal
// heuristic flag driven by observed request outcomes and optional
// active probing. Platform signals over-report connectivity on some
// devices, so neither signal is trusted alone.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/healthreach/fieldsync/internal/logging"
)

// Listener is invoked synchronously whenever the effective online
// state transitions.
type Listener func(online bool)

// Monitor is the single source of truth for "may I call the network now?".
type Monitor struct {
	mu             sync.Mutex
	platformOnline bool
	internalOnline bool
	listeners      map[int]Listener
	nextListenerID int
	probeClient    *http.Client
}

// NewMonitor creates a Monitor that assumes the device is online until
// told otherwise.
func NewMonitor() *Monitor {
	return &Monitor{
		platformOnline: true,
		internalOnline: true,
		listeners:      make(map[int]Listener),
		probeClient:    &http.Client{Timeout: 5 * time.Second},
	}
}

// IsOnline returns the effective connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.platformOnline && m.internalOnline
}

// SetPlatformOnline feeds the platform connectivity flag, typically
// wired to the host's network-change events.
func (m *Monitor) SetPlatformOnline(online bool) {
	m.update(func() { m.platformOnline = online })
}

// ReportSuccess records a successful network round trip, flipping the
// internal heuristic flag online.
func (m *Monitor) ReportSuccess() {
	m.update(func() { m.internalOnline = true })
}

// ReportFailure records a failed network round trip (transport-level,
// not a server error), flipping the internal heuristic flag offline.
func (m *Monitor) ReportFailure() {
	m.update(func() { m.internalOnline = false })
}

// OnChange registers a listener for effective-state transitions and
// returns an unsubscribe function.
func (m *Monitor) OnChange(listener Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListenerID
	m.nextListenerID++
	m.listeners[id] = listener

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// update applies a state mutation and notifies listeners if the
// effective state changed. Listeners run synchronously on the calling
// goroutine, outside the lock so they may re-enter the monitor.
func (m *Monitor) update(mutate func()) {
	m.mu.Lock()
	before := m.platformOnline && m.internalOnline
	mutate()
	after := m.platformOnline && m.internalOnline

	var toNotify []Listener
	if before != after {
		for _, l := range m.listeners {
			toNotify = append(toNotify, l)
		}
	}
	m.mu.Unlock()

	if before != after {
		logging.Info("Connectivity state changed",
			map[string]interface{}{"online": after})
	}
	for _, l := range toNotify {
		l(after)
	}
}

// StartProbing periodically issues a lightweight request against
// probeURL to keep the internal heuristic honest even when no user
// traffic is flowing. Blocks until ctx is cancelled.
func (m *Monitor) StartProbing(ctx context.Context, probeURL string, interval time.Duration) {
	if probeURL == "" || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx, probeURL)
		}
	}
}

// probe performs one reachability check.
func (m *Monitor) probe(ctx context.Context, probeURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return
	}

	resp, err := m.probeClient.Do(req)
	if err != nil {
		m.ReportFailure()
		return
	}
	resp.Body.Close()

	// Any response at all proves reachability; status is irrelevant.
	m.ReportSuccess()
}
