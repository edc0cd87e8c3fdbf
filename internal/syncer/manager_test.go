// Package syncer provides unit tests for the sync manager drain logic.
package syncer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/healthreach/fieldsync/internal/cache"
	"github.com/healthreach/fieldsync/internal/connectivity"
	"github.com/healthreach/fieldsync/internal/errors"
	"github.com/healthreach/fieldsync/internal/models"
	"github.com/healthreach/fieldsync/internal/queue"
)

// call records one request seen by the fake transport.
type call struct {
	Method   string
	Endpoint string
	Body     string
}

// fakeTransport scripts per-endpoint responses and records every call
// in order.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []call
	responses map[string]json.RawMessage // "METHOD endpoint" -> body
	failures  map[string]error           // "METHOD endpoint" -> error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: make(map[string]json.RawMessage),
		failures:  make(map[string]error),
	}
}

func (f *fakeTransport) respond(method, endpoint string, body string) {
	f.responses[method+" "+endpoint] = json.RawMessage(body)
}

func (f *fakeTransport) fail(method, endpoint string, err error) {
	f.failures[method+" "+endpoint] = err
}

func (f *fakeTransport) Do(ctx context.Context, method, endpoint string, body json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call{Method: method, Endpoint: endpoint, Body: string(body)})

	key := method + " " + endpoint
	if err, ok := f.failures[key]; ok {
		return nil, err
	}
	if resp, ok := f.responses[key]; ok {
		return resp, nil
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeTransport) recorded() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// setup wires a memory-only manager around a fake transport with the
// monitor reporting online.
func setup(t *testing.T) (*Manager, *queue.Queue, *cache.Store, *fakeTransport, *connectivity.Monitor) {
	t.Helper()

	q, err := queue.New(nil, queue.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	store, err := cache.NewStore(nil)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	transport := newFakeTransport()
	monitor := connectivity.NewMonitor()
	monitor.SetPlatformOnline(true)

	m, err := NewManager(q, store, transport, nil, monitor)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	return m, q, store, transport, monitor
}

// TestDrainOffline tests that a drain refuses to start while offline.
func TestDrainOffline(t *testing.T) {
	m, _, _, _, monitor := setup(t)
	monitor.SetPlatformOnline(false)

	_, err := m.Drain(context.Background())
	if !errors.Is(err, errors.ErrOffline) {
		t.Errorf("Expected ErrOffline, got %v", err)
	}
}

// TestDrainAppliesInOrder tests that one cache key's operations replay
// strictly in enqueue order and leave the queue empty.
func TestDrainAppliesInOrder(t *testing.T) {
	m, q, _, transport, _ := setup(t)

	endpoints := []string{"/api/residents/1", "/api/residents/2", "/api/residents/3"}
	for _, ep := range endpoints {
		if _, err := q.Enqueue(queue.OperationInput{
			Endpoint: ep,
			Method:   "PUT",
			Type:     models.OperationUpdate,
			Params:   map[string]string{"id": ep[len(ep)-1:]},
			CacheKey: "residents_all_all",
		}); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	result, err := m.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Applied != 3 || result.Failed != 0 {
		t.Errorf("Applied=%d Failed=%d, want 3/0", result.Applied, result.Failed)
	}
	if result.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", result.Remaining)
	}

	calls := transport.recorded()
	if len(calls) != 3 {
		t.Fatalf("Transport saw %d calls, want 3", len(calls))
	}
	for i, ep := range endpoints {
		if calls[i].Endpoint != ep {
			t.Errorf("Call %d hit %s, want %s", i, calls[i].Endpoint, ep)
		}
	}
	if q.Size() != 0 {
		t.Errorf("Queue size = %d after drain, want 0", q.Size())
	}
}

// TestDrainStopsGroupOnFailure tests that a failure halts its group so
// dependent operations are not replayed out of order, while other
// groups still drain.
func TestDrainStopsGroupOnFailure(t *testing.T) {
	m, q, _, transport, _ := setup(t)

	// Group one: the middle operation fails.
	q.Enqueue(queue.OperationInput{Endpoint: "/api/residents/1", Method: "PUT", Type: models.OperationUpdate, Params: map[string]string{"id": "1"}, CacheKey: "residents_all_all"})
	q.Enqueue(queue.OperationInput{Endpoint: "/api/residents/2", Method: "PUT", Type: models.OperationUpdate, Params: map[string]string{"id": "2"}, CacheKey: "residents_all_all"})
	q.Enqueue(queue.OperationInput{Endpoint: "/api/residents/3", Method: "PUT", Type: models.OperationUpdate, Params: map[string]string{"id": "3"}, CacheKey: "residents_all_all"})
	transport.fail("PUT", "/api/residents/2", errors.New(errors.ErrRemote, "server error"))

	// Group two: drains fully despite group one's failure.
	q.Enqueue(queue.OperationInput{Endpoint: "/api/vaccine-requests/9", Method: "PATCH", Type: models.OperationStatusChange, Params: map[string]string{"id": "9"}, CacheKey: "vaccine_requests_all"})

	result, err := m.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Applied != 2 {
		t.Errorf("Applied = %d, want 2 (first of group one, all of group two)", result.Applied)
	}
	if result.Failed != 1 {
		t.Errorf("Failed = %d, want 1", result.Failed)
	}

	// The third operation of group one was never attempted.
	for _, c := range transport.recorded() {
		if c.Endpoint == "/api/residents/3" {
			t.Error("Operation after the failure was replayed")
		}
	}

	// Failed op is retained; the blocked one is still pending.
	stats := q.Stats()
	if stats["pending"] != 2 {
		t.Errorf("Pending = %d after drain, want 2 (retrying op and blocked op)", stats["pending"])
	}
}

// TestDrainTerminalFailure tests that a validation rejection parks the
// operation as failed instead of scheduling retries.
func TestDrainTerminalFailure(t *testing.T) {
	m, q, _, transport, _ := setup(t)

	op, _ := q.Enqueue(queue.OperationInput{Endpoint: "/api/residents", Method: "POST", Type: models.OperationCreate, CacheKey: "residents_all_all", TempID: "temp_1"})
	transport.fail("POST", "/api/residents", errors.New(errors.ErrValidation, "birthdate is required"))

	if _, err := m.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	got, err := q.Get(op.ID)
	if err != nil {
		t.Fatalf("Operation missing after terminal failure: %v", err)
	}
	if got.Status != models.OperationStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 (no retries scheduled)", got.RetryCount)
	}
}

// TestDrainConcurrentCallRejected tests the single-drain guard.
func TestDrainConcurrentCallRejected(t *testing.T) {
	m, q, _, transport, _ := setup(t)

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := &blockingTransport{inner: transport, started: started, release: release}
	m.transport = blocking

	q.Enqueue(queue.OperationInput{Endpoint: "/api/residents/1", Method: "PUT", Type: models.OperationUpdate, Params: map[string]string{"id": "1"}, CacheKey: "residents_all_all"})

	done := make(chan error, 1)
	go func() {
		_, err := m.Drain(context.Background())
		done <- err
	}()

	<-started
	if _, err := m.Drain(context.Background()); !errors.Is(err, errors.ErrSyncInProgress) {
		t.Errorf("Expected ErrSyncInProgress, got %v", err)
	}
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("First drain failed: %v", err)
	}
}

// blockingTransport signals when its first call starts and waits for
// release before delegating.
type blockingTransport struct {
	inner   Transport
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingTransport) Do(ctx context.Context, method, endpoint string, body json.RawMessage) (json.RawMessage, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return b.inner.Do(ctx, method, endpoint, body)
}

// TestReconcileCreateRemapsID tests the full offline-create flow: the
// server id replaces the temp id in the cache, the remap is recorded,
// and a dependent operation queued against the temp id is rewritten
// before replay.
func TestReconcileCreateRemapsID(t *testing.T) {
	m, q, store, transport, _ := setup(t)

	// Optimistic record sits in the cache under a temp id.
	cache.PatchList(store, "residents_all_all", "residents", func(items []map[string]interface{}) []map[string]interface{} {
		return append(items, map[string]interface{}{
			"id": "temp_1", "first_name": "Ana", "last_name": "Reyes", "_pending": true,
		})
	})

	q.Enqueue(queue.OperationInput{
		Endpoint: "/api/residents",
		Method:   "POST",
		Type:     models.OperationCreate,
		Body:     json.RawMessage(`{"first_name":"Ana","last_name":"Reyes"}`),
		CacheKey: "residents_all_all",
		TempID:   "temp_1",
	})
	// Dependent operation captured offline right after the create.
	q.Enqueue(queue.OperationInput{
		Endpoint: "/api/residents/temp_1/status",
		Method:   "PATCH",
		Type:     models.OperationStatusChange,
		Body:     json.RawMessage(`{"status":"verified"}`),
		Params:   map[string]string{"id": "temp_1"},
		CacheKey: "residents_all_all",
	})

	transport.respond("POST", "/api/residents", `{"id":"501","first_name":"Ana","last_name":"Reyes","status":"pending"}`)
	transport.respond("PATCH", "/api/residents/501/status", `{"id":"501","first_name":"Ana","last_name":"Reyes","status":"verified"}`)

	result, err := m.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Applied != 2 {
		t.Fatalf("Applied = %d, want 2", result.Applied)
	}

	// The dependent call went out against the server id.
	calls := transport.recorded()
	if calls[1].Endpoint != "/api/residents/501/status" {
		t.Errorf("Dependent call hit %s, want the remapped endpoint", calls[1].Endpoint)
	}

	if got := m.ResolveID("temp_1"); got != "501" {
		t.Errorf("ResolveID(temp_1) = %s, want 501", got)
	}

	// Cache now holds the authoritative record, not the temp one.
	var records []map[string]interface{}
	if !store.GetInto("residents_all_all", &records) {
		t.Fatal("Expected cache hit after reconcile")
	}
	if len(records) != 1 {
		t.Fatalf("Got %d cached records, want 1", len(records))
	}
	if records[0]["id"] != "501" {
		t.Errorf("Cached id = %v, want 501", records[0]["id"])
	}
	if _, pending := records[0]["_pending"]; pending {
		t.Error("Pending marker not cleared after reconcile")
	}
	if records[0]["status"] != "verified" {
		t.Errorf("Cached status = %v, want verified", records[0]["status"])
	}
}

// TestReconcileDelete tests that a confirmed delete drops the record
// from the cached collection.
func TestReconcileDelete(t *testing.T) {
	m, q, store, transport, _ := setup(t)

	store.CacheData("residents_all_all", []map[string]interface{}{
		{"id": "1", "first_name": "Juan"},
		{"id": "2", "first_name": "Maria"},
	}, "residents")

	q.Enqueue(queue.OperationInput{
		Endpoint: "/api/residents/1",
		Method:   "DELETE",
		Type:     models.OperationDelete,
		Params:   map[string]string{"id": "1"},
		CacheKey: "residents_all_all",
	})
	transport.respond("DELETE", "/api/residents/1", ``)

	if _, err := m.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	var records []map[string]interface{}
	store.GetInto("residents_all_all", &records)
	if len(records) != 1 || records[0]["id"] != "2" {
		t.Errorf("Cache after delete = %v, want only id 2", records)
	}
}

// TestDrainRefreshesViewedKeys tests that registered refreshers run
// after a drain so views reconcile with server truth.
func TestDrainRefreshesViewedKeys(t *testing.T) {
	m, q, _, _, _ := setup(t)

	refreshed := 0
	unregister := m.RegisterRefresher("residents_all_all", func(ctx context.Context) error {
		refreshed++
		return nil
	})
	defer unregister()

	q.Enqueue(queue.OperationInput{Endpoint: "/api/residents/1", Method: "PUT", Type: models.OperationUpdate, Params: map[string]string{"id": "1"}, CacheKey: "residents_all_all"})

	if _, err := m.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if refreshed != 1 {
		t.Errorf("Refresher ran %d times, want 1", refreshed)
	}

	unregister()
	if _, err := m.Drain(context.Background()); err != nil {
		t.Fatalf("Second drain failed: %v", err)
	}
	if refreshed != 1 {
		t.Errorf("Unregistered refresher still ran: %d", refreshed)
	}
}

// TestRefreshKey tests the targeted refresh used by the realtime
// subscription.
func TestRefreshKey(t *testing.T) {
	m, _, _, _, _ := setup(t)

	refreshed := false
	m.RegisterRefresher("residents_all_all", func(ctx context.Context) error {
		refreshed = true
		return nil
	})

	if err := m.RefreshKey(context.Background(), "residents_all_all"); err != nil {
		t.Fatalf("RefreshKey failed: %v", err)
	}
	if !refreshed {
		t.Error("Registered refresher did not run")
	}

	// Untracked keys are a no-op, not an error.
	if err := m.RefreshKey(context.Background(), "untracked_key"); err != nil {
		t.Errorf("RefreshKey on untracked key returned %v", err)
	}
}

// TestNetworkFailureReportsToMonitor tests that transport-level errors
// flip the internal connectivity heuristic.
func TestNetworkFailureReportsToMonitor(t *testing.T) {
	m, q, _, transport, monitor := setup(t)

	q.Enqueue(queue.OperationInput{Endpoint: "/api/residents/1", Method: "PUT", Type: models.OperationUpdate, Params: map[string]string{"id": "1"}, CacheKey: "residents_all_all"})
	transport.fail("PUT", "/api/residents/1", errors.Wrap(errors.ErrNetwork, "request failed", stderrors.New("connection refused")))

	if _, err := m.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if monitor.IsOnline() {
		t.Error("Monitor still online after a network failure")
	}
}

// TestGroupByCacheKey tests partitioning and per-group ordering.
func TestGroupByCacheKey(t *testing.T) {
	ops := []*models.QueuedOperation{
		{ID: "a", Seq: 3, CacheKey: "residents_all_all"},
		{ID: "b", Seq: 1, CacheKey: "residents_all_all"},
		{ID: "c", Seq: 2, CacheKey: "vaccine_requests_all"},
	}

	groups := groupByCacheKey(ops)
	if len(groups) != 2 {
		t.Fatalf("Got %d groups, want 2", len(groups))
	}
	residents := groups["residents_all_all"]
	if len(residents) != 2 || residents[0].ID != "b" || residents[1].ID != "a" {
		t.Errorf("Group not ordered by seq: %v", residents)
	}
}

// TestStringField tests id extraction from decoded records.
func TestStringField(t *testing.T) {
	tests := []struct {
		name   string
		record map[string]interface{}
		want   string
	}{
		{"string id", map[string]interface{}{"id": "abc"}, "abc"},
		{"numeric id", map[string]interface{}{"id": float64(42)}, "42"},
		{"missing", map[string]interface{}{}, ""},
		{"nil record", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stringField(tt.record, "id"); got != tt.want {
				t.Errorf("stringField() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestNamespaceOf tests cache key to namespace derivation.
func TestNamespaceOf(t *testing.T) {
	tests := []struct{ key, want string }{
		{"residents_pending_brgy12", "residents"},
		{"barangays_all", "barangays"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := namespaceOf(tt.key); got != tt.want {
			t.Errorf("namespaceOf(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}
