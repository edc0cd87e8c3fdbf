// Package db provides CRUD repository operations for fieldsync data models.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/healthreach/fieldsync/internal/models"
)

// Repository provides durable storage for cache entries, queued
// operations and temp id remaps.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	// Try to get from cache first
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// Store in cache (if already stored by another goroutine, use existing)
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// CacheEntry Operations
// =====================================================

// UpsertCacheEntry creates or overwrites a cache entry.
func (r *Repository) UpsertCacheEntry(entry *models.CacheEntry) error {
	query := `
	INSERT INTO cache_entries (key, namespace, value, fetched_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		namespace = excluded.namespace,
		value = excluded.value,
		fetched_at = excluded.fetched_at
	`
	_, err := r.db.Exec(query, entry.Key, entry.Namespace, []byte(entry.Value), entry.FetchedAt)
	return err
}

// GetCacheEntry retrieves a cache entry by key.
// Returns sql.ErrNoRows if the key was never populated.
func (r *Repository) GetCacheEntry(key string) (*models.CacheEntry, error) {
	query := `SELECT key, namespace, value, fetched_at FROM cache_entries WHERE key = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var entry models.CacheEntry
	var value []byte
	err = stmt.QueryRow(key).Scan(&entry.Key, &entry.Namespace, &value, &entry.FetchedAt)
	if err != nil {
		return nil, err
	}
	entry.Value = json.RawMessage(value)
	return &entry, nil
}

// ListCacheEntries returns all cache entries, optionally filtered by
// namespace ("" matches everything).
func (r *Repository) ListCacheEntries(namespace string) ([]*models.CacheEntry, error) {
	query := `SELECT key, namespace, value, fetched_at FROM cache_entries`
	args := []interface{}{}
	if namespace != "" {
		query += ` WHERE namespace = ?`
		args = append(args, namespace)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.CacheEntry
	for rows.Next() {
		var entry models.CacheEntry
		var value []byte
		if err := rows.Scan(&entry.Key, &entry.Namespace, &value, &entry.FetchedAt); err != nil {
			return nil, err
		}
		entry.Value = json.RawMessage(value)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// DeleteCacheEntry removes a cache entry by key.
func (r *Repository) DeleteCacheEntry(key string) error {
	_, err := r.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// =====================================================
// QueuedOperation Operations
// =====================================================

// InsertOperation persists a newly enqueued operation.
func (r *Repository) InsertOperation(op *models.QueuedOperation) error {
	params, err := marshalParams(op.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal operation params: %w", err)
	}

	query := `
	INSERT INTO sync_queue (id, seq, endpoint, method, type, body, params, description,
		cache_key, temp_id, status, retry_count, max_retries, next_retry_at, last_error,
		created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.Exec(query, op.ID, op.Seq, op.Endpoint, op.Method, string(op.Type),
		[]byte(op.Body), params, op.Description, op.CacheKey, op.TempID, string(op.Status),
		op.RetryCount, op.MaxRetries, op.NextRetryAt, op.LastError, op.CreatedAt, op.UpdatedAt)
	return err
}

// UpdateOperation persists lifecycle changes of a queued operation.
func (r *Repository) UpdateOperation(op *models.QueuedOperation) error {
	params, err := marshalParams(op.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal operation params: %w", err)
	}

	query := `
	UPDATE sync_queue SET endpoint = ?, body = ?, params = ?, status = ?, retry_count = ?,
		next_retry_at = ?, last_error = ?, updated_at = ?
	WHERE id = ?
	`
	_, err = r.db.Exec(query, op.Endpoint, []byte(op.Body), params, string(op.Status),
		op.RetryCount, op.NextRetryAt, op.LastError, op.UpdatedAt, op.ID)
	return err
}

// DeleteOperation removes a completed or discarded operation.
func (r *Repository) DeleteOperation(id string) error {
	_, err := r.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id)
	return err
}

// ListOperations returns all stored operations ordered by enqueue order.
func (r *Repository) ListOperations() ([]*models.QueuedOperation, error) {
	query := `
	SELECT id, seq, endpoint, method, type, body, params, description, cache_key,
		temp_id, status, retry_count, max_retries, next_retry_at, last_error,
		created_at, updated_at
	FROM sync_queue ORDER BY seq ASC
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		var op models.QueuedOperation
		var opType, status string
		var body []byte
		var params sql.NullString
		err := rows.Scan(&op.ID, &op.Seq, &op.Endpoint, &op.Method, &opType, &body,
			&params, &op.Description, &op.CacheKey, &op.TempID, &status, &op.RetryCount,
			&op.MaxRetries, &op.NextRetryAt, &op.LastError, &op.CreatedAt, &op.UpdatedAt)
		if err != nil {
			return nil, err
		}
		op.Type = models.OperationType(opType)
		op.Status = models.OperationStatus(status)
		op.Body = json.RawMessage(body)
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &op.Params); err != nil {
				return nil, fmt.Errorf("failed to unmarshal operation params: %w", err)
			}
		}
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// MaxOperationSeq returns the highest assigned sequence number, or 0.
func (r *Repository) MaxOperationSeq() (int64, error) {
	var seq int64
	err := r.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM sync_queue`).Scan(&seq)
	return seq, err
}

// marshalParams encodes the params map as JSON for storage.
func marshalParams(params map[string]string) (string, error) {
	if len(params) == 0 {
		return "", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// =====================================================
// IDRemap Operations
// =====================================================

// UpsertRemap records a temp id to server-assigned id mapping.
func (r *Repository) UpsertRemap(remap *models.IDRemap) error {
	query := `
	INSERT INTO id_remap (temp_id, real_id, created_at)
	VALUES (?, ?, ?)
	ON CONFLICT(temp_id) DO UPDATE SET real_id = excluded.real_id
	`
	_, err := r.db.Exec(query, remap.TempID, remap.RealID, remap.CreatedAt)
	return err
}

// GetRemap resolves a temp id. Returns sql.ErrNoRows when unmapped.
func (r *Repository) GetRemap(tempID string) (*models.IDRemap, error) {
	stmt, err := r.PrepareStmt(`SELECT temp_id, real_id, created_at FROM id_remap WHERE temp_id = ?`)
	if err != nil {
		return nil, err
	}

	var remap models.IDRemap
	if err := stmt.QueryRow(tempID).Scan(&remap.TempID, &remap.RealID, &remap.CreatedAt); err != nil {
		return nil, err
	}
	return &remap, nil
}

// ListRemaps returns all known temp id mappings.
func (r *Repository) ListRemaps() ([]*models.IDRemap, error) {
	rows, err := r.db.Query(`SELECT temp_id, real_id, created_at FROM id_remap`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var remaps []*models.IDRemap
	for rows.Next() {
		var remap models.IDRemap
		if err := rows.Scan(&remap.TempID, &remap.RealID, &remap.CreatedAt); err != nil {
			return nil, err
		}
		remaps = append(remaps, &remap)
	}
	return remaps, rows.Err()
}

// DeleteRemap removes a mapping once nothing references the temp id.
func (r *Repository) DeleteRemap(tempID string) error {
	_, err := r.db.Exec(`DELETE FROM id_remap WHERE temp_id = ?`, tempID)
	return err
}
