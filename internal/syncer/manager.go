// Package syncer provides the sync manager that replays queued
// operations against the remote API once connectivity returns.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/healthreach/fieldsync/internal/cache"
	"github.com/healthreach/fieldsync/internal/connectivity"
	"github.com/healthreach/fieldsync/internal/db"
	"github.com/healthreach/fieldsync/internal/errors"
	"github.com/healthreach/fieldsync/internal/logging"
	"github.com/healthreach/fieldsync/internal/models"
	"github.com/healthreach/fieldsync/internal/queue"
)

// Transport issues one replayed operation against the remote API.
// Satisfied by *api.Client.
type Transport interface {
	Do(ctx context.Context, method, endpoint string, body json.RawMessage) (json.RawMessage, error)
}

// RefreshFunc re-fetches one currently-viewed cache key from the
// server. Registered by the data layer, invoked after a drain so the
// UI reconciles with server truth.
type RefreshFunc func(ctx context.Context) error

// DrainResult summarizes one drain pass.
type DrainResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Groups    int
	Applied   int
	Failed    int
	Remaining int
}

// Manager drains the operation queue. Operations that share a cache
// key replay strictly in enqueue order; distinct cache keys drain
// concurrently and are unordered relative to each other.
type Manager struct {
	q         *queue.Queue
	store     *cache.Store
	transport Transport
	repo      *db.Repository // nil means remaps are memory-only (tests)
	monitor   *connectivity.Monitor

	remapMu sync.RWMutex
	remaps  map[string]string // temp id -> server-assigned id

	refreshMu  sync.Mutex
	refreshers map[string]RefreshFunc

	draining int32
}

// NewManager creates a Manager, reloading temp id remaps persisted by
// earlier sessions.
func NewManager(q *queue.Queue, store *cache.Store, transport Transport, repo *db.Repository, monitor *connectivity.Monitor) (*Manager, error) {
	m := &Manager{
		q:          q,
		store:      store,
		transport:  transport,
		repo:       repo,
		monitor:    monitor,
		remaps:     make(map[string]string),
		refreshers: make(map[string]RefreshFunc),
	}

	if repo != nil {
		remaps, err := repo.ListRemaps()
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to load id remaps", err)
		}
		for _, remap := range remaps {
			m.remaps[remap.TempID] = remap.RealID
		}
	}

	return m, nil
}

// ResolveID maps a temp id to its server-assigned id if the creating
// operation has been reconciled; otherwise returns id unchanged.
func (m *Manager) ResolveID(id string) string {
	m.remapMu.RLock()
	defer m.remapMu.RUnlock()
	if real, ok := m.remaps[id]; ok {
		return real
	}
	return id
}

// RegisterRefresher registers the re-fetch callback for a viewed cache
// key and returns an unregister function.
func (m *Manager) RegisterRefresher(cacheKey string, fn RefreshFunc) func() {
	m.refreshMu.Lock()
	m.refreshers[cacheKey] = fn
	m.refreshMu.Unlock()

	return func() {
		m.refreshMu.Lock()
		delete(m.refreshers, cacheKey)
		m.refreshMu.Unlock()
	}
}

// RefreshKey re-fetches a single cache key through its registered
// refresher, if a view is currently tracking it. Used by the realtime
// subscription after invalidating a key.
func (m *Manager) RefreshKey(ctx context.Context, cacheKey string) error {
	m.refreshMu.Lock()
	fn, ok := m.refreshers[cacheKey]
	m.refreshMu.Unlock()
	if !ok {
		return nil
	}
	return fn(ctx)
}

// Drain replays all ready operations. Only one drain runs at a time;
// a concurrent call reports ErrSyncInProgress. A drain already past
// its connectivity check is not cancelled by an offline transition:
// in-flight calls finish, the group loops just stop scheduling more.
func (m *Manager) Drain(ctx context.Context) (*DrainResult, error) {
	if !m.monitor.IsOnline() {
		return nil, errors.New(errors.ErrOffline, "device is offline")
	}
	if !atomic.CompareAndSwapInt32(&m.draining, 0, 1) {
		return nil, errors.New(errors.ErrSyncInProgress, "drain already in progress")
	}
	defer atomic.StoreInt32(&m.draining, 0)

	result := &DrainResult{StartTime: time.Now()}

	groups := groupByCacheKey(m.q.ListPending(""))
	result.Groups = len(groups)

	if len(groups) > 0 {
		logging.Info("Draining sync queue", map[string]interface{}{
			"groups":  len(groups),
			"pending": m.q.Stats()["pending"],
		})
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for key, ops := range groups {
		wg.Add(1)
		go func(key string, ops []*models.QueuedOperation) {
			defer wg.Done()
			applied, failed := m.drainGroup(ctx, key, ops)
			mu.Lock()
			result.Applied += applied
			result.Failed += failed
			mu.Unlock()
		}(key, ops)
	}
	wg.Wait()

	result.Remaining = m.q.Stats()["pending"]
	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	// Reconcile viewed keys with server truth; covers edits made by
	// other devices while this one was offline.
	m.refreshViewed(ctx)

	return result, nil
}

// drainGroup replays one cache key's operations sequentially. The
// first failure stops the group: later operations on the same records
// may depend on the failed one having applied.
func (m *Manager) drainGroup(ctx context.Context, key string, ops []*models.QueuedOperation) (applied, failed int) {
	now := time.Now().Unix()

	for _, op := range ops {
		if ctx.Err() != nil || !m.monitor.IsOnline() {
			return applied, failed
		}
		if op.NextRetryAt > now {
			// Head of the group is still backing off; replaying the
			// rest would reorder writes.
			return applied, failed
		}

		op = m.applyRemaps(op)

		if err := m.q.MarkInFlight(op.ID); err != nil {
			logging.Warn("Failed to mark operation in-flight",
				map[string]interface{}{"id": op.ID, "error": err.Error()})
			return applied, failed
		}

		data, err := m.transport.Do(ctx, op.Method, op.Endpoint, op.Body)
		if err != nil {
			if errors.Is(err, errors.ErrNetwork) || errors.Is(err, errors.ErrTimeout) {
				m.monitor.ReportFailure()
			}
			terminal := !errors.Transient(err)
			if markErr := m.q.MarkFailed(op.ID, err, terminal); markErr != nil {
				logging.Warn("Failed to record operation failure",
					map[string]interface{}{"id": op.ID, "error": markErr.Error()})
			}
			failed++
			return applied, failed
		}

		m.monitor.ReportSuccess()
		m.reconcile(op, data)

		if err := m.q.MarkDone(op.ID); err != nil {
			logging.Warn("Failed to remove completed operation",
				map[string]interface{}{"id": op.ID, "error": err.Error()})
		}
		applied++
	}

	return applied, failed
}

// reconcile merges a confirmed operation's result back into the cache.
func (m *Manager) reconcile(op *models.QueuedOperation, data json.RawMessage) {
	switch op.Type {
	case models.OperationCreate:
		m.reconcileCreate(op, data)
	case models.OperationUpdate, models.OperationStatusChange:
		m.reconcileUpdate(op, data)
	case models.OperationDelete:
		m.reconcileDelete(op)
	}
}

// reconcileCreate records the temp id mapping and swaps the optimistic
// record for the authoritative one.
func (m *Manager) reconcileCreate(op *models.QueuedOperation, data json.RawMessage) {
	record := decodeRecord(data)
	realID := stringField(record, "id")

	if op.TempID != "" && realID != "" {
		m.remapMu.Lock()
		m.remaps[op.TempID] = realID
		m.remapMu.Unlock()

		if m.repo != nil {
			remap := &models.IDRemap{TempID: op.TempID, RealID: realID, CreatedAt: time.Now().Unix()}
			if err := m.repo.UpsertRemap(remap); err != nil {
				logging.Warn("Failed to persist id remap",
					map[string]interface{}{"temp_id": op.TempID, "error": err.Error()})
			}
		}

		logging.Info("Reconciled created record", map[string]interface{}{
			"temp_id": op.TempID, "id": realID, "cache_key": op.CacheKey,
		})
	}

	m.patchRecords(op.CacheKey, func(records []map[string]interface{}) []map[string]interface{} {
		for i, existing := range records {
			if stringField(existing, "id") == op.TempID {
				if record != nil {
					delete(record, "_pending")
					records[i] = record
				} else {
					// Server confirmed but returned no body; keep the
					// optimistic record, just settle it.
					existing["id"] = realIDOr(existing, realID)
					delete(existing, "_pending")
				}
				return records
			}
		}
		if record != nil {
			delete(record, "_pending")
			records = append(records, record)
		}
		return records
	})
}

// reconcileUpdate replaces the patched record with the server's view
// and clears its pending flag.
func (m *Manager) reconcileUpdate(op *models.QueuedOperation, data json.RawMessage) {
	record := decodeRecord(data)
	targetID := m.ResolveID(op.Params["id"])

	m.patchRecords(op.CacheKey, func(records []map[string]interface{}) []map[string]interface{} {
		for i, existing := range records {
			id := stringField(existing, "id")
			if id != targetID && m.ResolveID(id) != targetID {
				continue
			}
			if record != nil {
				delete(record, "_pending")
				records[i] = record
			} else {
				delete(existing, "_pending")
			}
			break
		}
		return records
	})
}

// reconcileDelete drops the record from the cached collection.
func (m *Manager) reconcileDelete(op *models.QueuedOperation) {
	targetID := m.ResolveID(op.Params["id"])

	m.patchRecords(op.CacheKey, func(records []map[string]interface{}) []map[string]interface{} {
		out := records[:0]
		for _, existing := range records {
			id := stringField(existing, "id")
			if id == targetID || m.ResolveID(id) == targetID {
				continue
			}
			out = append(out, existing)
		}
		return out
	})
}

// patchRecords applies a mutation to the cached collection for key.
// The manager treats cached values as opaque JSON arrays of records
// with an "id" field, so it stays agnostic of the domain types.
func (m *Manager) patchRecords(key string, mutate func([]map[string]interface{}) []map[string]interface{}) {
	err := cache.PatchList(m.store, key, namespaceOf(key), mutate)
	if err != nil {
		logging.Warn("Failed to reconcile cache entry",
			map[string]interface{}{"key": key, "error": err.Error()})
	}
}

// applyRemaps substitutes reconciled ids into an operation queued
// against a temp id, e.g. an update captured offline right after an
// offline create. Persists the rewrite so a restart replays correctly.
func (m *Manager) applyRemaps(op *models.QueuedOperation) *models.QueuedOperation {
	m.remapMu.RLock()
	defer m.remapMu.RUnlock()

	if len(m.remaps) == 0 {
		return op
	}

	changed := false
	for tempID, realID := range m.remaps {
		if strings.Contains(op.Endpoint, tempID) {
			op.Endpoint = strings.ReplaceAll(op.Endpoint, tempID, realID)
			changed = true
		}
		for k, v := range op.Params {
			if strings.Contains(v, tempID) {
				op.Params[k] = strings.ReplaceAll(v, tempID, realID)
				changed = true
			}
		}
		if len(op.Body) > 0 && strings.Contains(string(op.Body), tempID) {
			op.Body = json.RawMessage(strings.ReplaceAll(string(op.Body), tempID, realID))
			changed = true
		}
	}

	if changed {
		if err := m.q.Rewrite(op); err != nil {
			logging.Warn("Failed to persist remapped operation",
				map[string]interface{}{"id": op.ID, "error": err.Error()})
		}
	}
	return op
}

// refreshViewed re-fetches every registered cache key.
func (m *Manager) refreshViewed(ctx context.Context) {
	if !m.monitor.IsOnline() {
		return
	}

	m.refreshMu.Lock()
	fns := make(map[string]RefreshFunc, len(m.refreshers))
	for key, fn := range m.refreshers {
		fns[key] = fn
	}
	m.refreshMu.Unlock()

	for key, fn := range fns {
		if err := fn(ctx); err != nil {
			logging.Warn("Post-drain refresh failed",
				map[string]interface{}{"cache_key": key, "error": err.Error()})
		}
	}
}

// =====================================================
// Helpers
// =====================================================

// groupByCacheKey partitions pending operations preserving per-key
// enqueue order.
func groupByCacheKey(ops []*models.QueuedOperation) map[string][]*models.QueuedOperation {
	groups := make(map[string][]*models.QueuedOperation)
	for _, op := range ops {
		groups[op.CacheKey] = append(groups[op.CacheKey], op)
	}
	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool { return group[i].Seq < group[j].Seq })
	}
	return groups
}

// decodeRecord parses a response body into a generic record, or nil.
func decodeRecord(data json.RawMessage) map[string]interface{} {
	if len(data) == 0 {
		return nil
	}
	var record map[string]interface{}
	if err := json.Unmarshal(data, &record); err != nil {
		return nil
	}
	return record
}

// stringField extracts a field as a string, tolerating numeric ids.
func stringField(record map[string]interface{}, field string) string {
	if record == nil {
		return ""
	}
	switch v := record[field].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return ""
	}
}

// realIDOr prefers the reconciled id, falling back to the existing one.
func realIDOr(existing map[string]interface{}, realID string) interface{} {
	if realID != "" {
		return realID
	}
	return existing["id"]
}

// namespaceOf derives the resource namespace from a cache key, e.g.
// "residents_pending_brgy12" -> "residents".
func namespaceOf(key string) string {
	if i := strings.Index(key, "_"); i > 0 {
		return key[:i]
	}
	return key
}
