// Package queue provides the durable queue of pending write operations
// captured while offline, with exponential backoff and retry logic.
package queue

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/healthreach/fieldsync/internal/db"
	"github.com/healthreach/fieldsync/internal/errors"
	"github.com/healthreach/fieldsync/internal/logging"
	"github.com/healthreach/fieldsync/internal/models"
	"github.com/healthreach/fieldsync/internal/uuid"
)

// OperationInput is what the data layer supplies when enqueueing a
// write intent. The queue assigns id, sequence, status and timestamps.
type OperationInput struct {
	Endpoint    string
	Method      string
	Type        models.OperationType
	Body        json.RawMessage
	Params      map[string]string
	Description string
	CacheKey    string
	TempID      string // create only
}

// Config tunes queue capacity and retry behavior.
type Config struct {
	MaxSize    int
	MaxRetries int
	BackoffMin time.Duration
	BackoffMax time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:    1000,
		MaxRetries: 5,
		BackoffMin: 2 * time.Second,
		BackoffMax: 5 * time.Minute,
	}
}

// Queue manages pending sync operations. All state changes are written
// through to SQLite so nothing enqueued is lost across restarts.
type Queue struct {
	mu      sync.RWMutex
	items   map[string]*models.QueuedOperation
	nextSeq int64
	repo    *db.Repository // nil means memory-only (tests)
	cfg     Config
}

// New creates a Queue, reloading operations persisted by earlier
// sessions. Operations left in-flight by a crashed drain are reset to
// pending; their network calls may or may not have landed, which
// last-write-wins replay tolerates.
func New(repo *db.Repository, cfg Config) (*Queue, error) {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}

	q := &Queue{
		items: make(map[string]*models.QueuedOperation),
		repo:  repo,
		cfg:   cfg,
	}

	if repo != nil {
		ops, err := repo.ListOperations()
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to load sync queue", err)
		}
		for _, op := range ops {
			if op.Status == models.OperationStatusInFlight {
				op.Status = models.OperationStatusPending
				op.UpdatedAt = time.Now().Unix()
				if err := repo.UpdateOperation(op); err != nil {
					return nil, errors.Wrap(errors.ErrDatabase, "failed to reset in-flight operation", err)
				}
			}
			q.items[op.ID] = op
			if op.Seq >= q.nextSeq {
				q.nextSeq = op.Seq + 1
			}
		}
	}

	return q, nil
}

// Enqueue adds a write intent to the queue and returns the stored
// operation so the caller can render its pending state immediately.
func (q *Queue) Enqueue(input OperationInput) (*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.cfg.MaxSize {
		return nil, errors.New(errors.ErrQueueFull, "sync queue is full")
	}

	now := time.Now().Unix()
	op := &models.QueuedOperation{
		ID:          uuid.New(),
		Seq:         q.nextSeq,
		Endpoint:    input.Endpoint,
		Method:      input.Method,
		Type:        input.Type,
		Body:        input.Body,
		Params:      input.Params,
		Description: input.Description,
		CacheKey:    input.CacheKey,
		TempID:      input.TempID,
		Status:      models.OperationStatusPending,
		MaxRetries:  q.cfg.MaxRetries,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.nextSeq++

	if q.repo != nil {
		if err := q.repo.InsertOperation(op); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to persist operation", err)
		}
	}
	q.items[op.ID] = op

	logging.Info("Enqueued operation", map[string]interface{}{
		"id":          op.ID,
		"type":        op.Type,
		"cache_key":   op.CacheKey,
		"description": op.Description,
	})

	return copyOp(op), nil
}

// ListPending returns pending operations ordered by enqueue order,
// optionally filtered by cache key ("" matches everything). Operations
// still inside their backoff window are included; the sync manager
// decides whether a group is ready.
func (q *Queue) ListPending(cacheKey string) []*models.QueuedOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var pending []*models.QueuedOperation
	for _, op := range q.items {
		if op.Status != models.OperationStatusPending {
			continue
		}
		if cacheKey != "" && op.CacheKey != cacheKey {
			continue
		}
		pending = append(pending, copyOp(op))
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	return pending
}

// List returns every operation in the queue, any status, in enqueue order.
func (q *Queue) List() []*models.QueuedOperation {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ops := make([]*models.QueuedOperation, 0, len(q.items))
	for _, op := range q.items {
		ops = append(ops, copyOp(op))
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })
	return ops
}

// Get returns a single operation by id.
func (q *Queue) Get(id string) (*models.QueuedOperation, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	op, ok := q.items[id]
	if !ok {
		return nil, errors.New(errors.ErrOpNotFound, "operation "+id+" not found")
	}
	return copyOp(op), nil
}

// MarkInFlight transitions an operation to in-flight before its network
// call is issued.
func (q *Queue) MarkInFlight(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.items[id]
	if !ok {
		return errors.New(errors.ErrOpNotFound, "operation "+id+" not found")
	}

	op.Status = models.OperationStatusInFlight
	op.UpdatedAt = time.Now().Unix()
	return q.persist(op)
}

// MarkDone removes a confirmed operation from the queue and durable
// storage. Operations leave the queue only through here or Discard.
func (q *Queue) MarkDone(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.items[id]
	if !ok {
		return errors.New(errors.ErrOpNotFound, "operation "+id+" not found")
	}

	delete(q.items, id)
	if q.repo != nil {
		if err := q.repo.DeleteOperation(id); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to remove completed operation", err)
		}
	}

	logging.Info("Completed operation", map[string]interface{}{
		"id": id, "type": op.Type, "cache_key": op.CacheKey,
	})
	return nil
}

// MarkFailed records a replay failure. Transient failures are re-queued
// with exponential backoff until MaxRetries is exhausted; after that,
// and for terminal failures, the operation stays in the queue with
// status failed until the user retries or discards it.
func (q *Queue) MarkFailed(id string, cause error, terminal bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.items[id]
	if !ok {
		return errors.New(errors.ErrOpNotFound, "operation "+id+" not found")
	}

	now := time.Now()
	op.RetryCount++
	op.LastError = cause.Error()
	op.UpdatedAt = now.Unix()

	if terminal || op.RetryCount >= op.MaxRetries {
		op.Status = models.OperationStatusFailed
		logging.Error("Operation failed permanently", cause, map[string]interface{}{
			"id":          id,
			"type":        op.Type,
			"cache_key":   op.CacheKey,
			"description": op.Description,
			"retries":     op.RetryCount,
		})
		return q.persist(op)
	}

	delay := retryDelay(q.cfg, op.RetryCount)
	op.Status = models.OperationStatusPending
	op.NextRetryAt = now.Add(delay).Unix()

	logging.Warn("Operation failed, will retry", map[string]interface{}{
		"id":        id,
		"type":      op.Type,
		"cache_key": op.CacheKey,
		"retry":     op.RetryCount,
		"max":       op.MaxRetries,
		"delay":     delay.String(),
		"error":     cause.Error(),
	})
	return q.persist(op)
}

// Rewrite persists endpoint/body/params changes made by the sync
// manager when it substitutes reconciled ids into later operations.
func (q *Queue) Rewrite(op *models.QueuedOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored, ok := q.items[op.ID]
	if !ok {
		return errors.New(errors.ErrOpNotFound, "operation "+op.ID+" not found")
	}

	stored.Endpoint = op.Endpoint
	stored.Body = op.Body
	stored.Params = op.Params
	stored.UpdatedAt = time.Now().Unix()
	return q.persist(stored)
}

// RetryAll resets all failed operations to pending for a manual retry.
func (q *Queue) RetryAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().Unix()
	count := 0
	for _, op := range q.items {
		if op.Status != models.OperationStatusFailed {
			continue
		}
		op.Status = models.OperationStatusPending
		op.RetryCount = 0
		op.NextRetryAt = now
		op.LastError = ""
		op.UpdatedAt = now
		if err := q.persist(op); err != nil {
			logging.Warn("Failed to persist retried operation",
				map[string]interface{}{"id": op.ID, "error": err.Error()})
		}
		count++
	}

	if count > 0 {
		logging.Info("Reset failed operations for retry",
			map[string]interface{}{"count": count})
	}
	return count
}

// Discard removes an operation the user has explicitly given up on.
// This is the only path by which a failed operation leaves the queue
// without a confirmed success.
func (q *Queue) Discard(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.items[id]
	if !ok {
		return errors.New(errors.ErrOpNotFound, "operation "+id+" not found")
	}

	delete(q.items, id)
	if q.repo != nil {
		if err := q.repo.DeleteOperation(id); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to remove discarded operation", err)
		}
	}

	logging.Info("Discarded operation", map[string]interface{}{
		"id": id, "description": op.Description,
	})
	return nil
}

// Stats returns per-status operation counts for the pending-changes
// indicator.
func (q *Queue) Stats() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := map[string]int{
		"total":     0,
		"pending":   0,
		"in_flight": 0,
		"failed":    0,
	}
	for _, op := range q.items {
		stats["total"]++
		switch op.Status {
		case models.OperationStatusPending:
			stats["pending"]++
		case models.OperationStatusInFlight:
			stats["in_flight"]++
		case models.OperationStatusFailed:
			stats["failed"]++
		}
	}
	return stats
}

// Size returns the number of operations in the queue.
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// persist writes an operation's current state through to SQLite.
// Caller must hold q.mu.
func (q *Queue) persist(op *models.QueuedOperation) error {
	if q.repo == nil {
		return nil
	}
	if err := q.repo.UpdateOperation(op); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to persist operation state", err)
	}
	return nil
}

// retryDelay computes the backoff delay before the given retry attempt,
// exponential with jitter so a recovering backend is not hammered by
// every device at once.
func retryDelay(cfg Config, retry int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffMin
	bo.MaxInterval = cfg.BackoffMax
	bo.RandomizationFactor = 0.5
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // the retry cap bounds attempts, not elapsed time
	bo.Reset() // latch InitialInterval into the current interval

	delay := bo.NextBackOff()
	for i := 1; i < retry; i++ {
		delay = bo.NextBackOff()
	}
	if delay > cfg.BackoffMax {
		delay = cfg.BackoffMax
	}
	return delay
}

// copyOp returns a copy so callers never alias queue-internal state.
func copyOp(op *models.QueuedOperation) *models.QueuedOperation {
	dup := *op
	dup.Body = append(json.RawMessage(nil), op.Body...)
	if op.Params != nil {
		dup.Params = make(map[string]string, len(op.Params))
		for k, v := range op.Params {
			dup.Params[k] = v
		}
	}
	return &dup
}
