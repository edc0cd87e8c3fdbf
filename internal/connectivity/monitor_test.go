// Package connectivity provides unit tests for the monitor.
package connectivity

import "testing"

// TestEffectiveState tests that the effective state is the AND of the
// platform flag and the internal heuristic.
func TestEffectiveState(t *testing.T) {
	m := NewMonitor()

	if !m.IsOnline() {
		t.Fatal("New monitor should start online")
	}

	m.SetPlatformOnline(false)
	if m.IsOnline() {
		t.Error("Platform offline must force effective offline")
	}

	m.SetPlatformOnline(true)
	m.ReportFailure()
	if m.IsOnline() {
		t.Error("Internal heuristic offline must force effective offline")
	}

	m.ReportSuccess()
	if !m.IsOnline() {
		t.Error("Both signals online must yield effective online")
	}
}

// TestListenersFireOnTransition tests synchronous notification on
// effective-state changes only.
func TestListenersFireOnTransition(t *testing.T) {
	m := NewMonitor()

	var calls []bool
	m.OnChange(func(online bool) {
		calls = append(calls, online)
	})

	m.SetPlatformOnline(false) // transition: online -> offline
	m.SetPlatformOnline(false) // no transition
	m.ReportFailure()          // effective state already offline, no transition
	m.SetPlatformOnline(true)  // still offline (internal flag down)
	m.ReportSuccess()          // transition: offline -> online

	want := []bool{false, true}
	if len(calls) != len(want) {
		t.Fatalf("Got %d notifications, want %d: %v", len(calls), len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("Notification %d = %v, want %v", i, calls[i], want[i])
		}
	}
}

// TestUnsubscribe tests that removed listeners are not invoked.
func TestUnsubscribe(t *testing.T) {
	m := NewMonitor()

	count := 0
	unsubscribe := m.OnChange(func(bool) { count++ })

	m.SetPlatformOnline(false)
	unsubscribe()
	m.SetPlatformOnline(true)

	if count != 1 {
		t.Errorf("Listener called %d times after unsubscribe, want 1", count)
	}
}

// TestListenerMayReenter tests that a listener can call back into the
// monitor without deadlocking.
func TestListenerMayReenter(t *testing.T) {
	m := NewMonitor()

	var observed bool
	m.OnChange(func(online bool) {
		observed = m.IsOnline() == online
	})

	m.SetPlatformOnline(false)
	if !observed {
		t.Error("Listener saw inconsistent state on re-entry")
	}
}
