// Package models provides data model definitions for the fieldsync engine.
package models

import (
	"encoding/json"
	"time"
)

// OperationType is the semantic tag of a queued write.
type OperationType string

const (
	OperationCreate       OperationType = "create"
	OperationUpdate       OperationType = "update"
	OperationDelete       OperationType = "delete"
	OperationStatusChange OperationType = "status_change"
)

// OperationStatus represents the lifecycle state of a queued operation.
type OperationStatus string

const (
	OperationStatusPending  OperationStatus = "pending"
	OperationStatusInFlight OperationStatus = "in_flight"
	OperationStatusFailed   OperationStatus = "failed"
	OperationStatusDone     OperationStatus = "done"
)

// QueuedOperation represents a write intent captured while offline,
// waiting to be replayed against the remote API.
type QueuedOperation struct {
	ID          string            `db:"id" json:"id"`
	Seq         int64             `db:"seq" json:"seq"` // replay order within a cache key
	Endpoint    string            `db:"endpoint" json:"endpoint"`
	Method      string            `db:"method" json:"method"` // POST, PUT, PATCH, DELETE
	Type        OperationType     `db:"type" json:"type"`
	Body        json.RawMessage   `db:"body" json:"body,omitempty"`
	Params      map[string]string `db:"params" json:"params,omitempty"`
	Description string            `db:"description" json:"description"`
	CacheKey    string            `db:"cache_key" json:"cache_key"`
	TempID      string            `db:"temp_id" json:"temp_id,omitempty"` // create only
	Status      OperationStatus   `db:"status" json:"status"`
	RetryCount  int               `db:"retry_count" json:"retry_count"`
	MaxRetries  int               `db:"max_retries" json:"max_retries"`
	NextRetryAt int64             `db:"next_retry_at" json:"next_retry_at"`
	LastError   string            `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64             `db:"created_at" json:"created_at"`
	UpdatedAt   int64             `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for QueuedOperation.
func (QueuedOperation) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (q *QueuedOperation) CreatedAtTime() time.Time {
	return time.Unix(q.CreatedAt, 0)
}

// Ready reports whether the operation may be replayed now, i.e. it is
// pending and its backoff window has elapsed.
func (q *QueuedOperation) Ready(now int64) bool {
	return q.Status == OperationStatusPending && q.NextRetryAt <= now
}

// IDRemap maps a client-minted temp id to the server-assigned id after
// a create operation has been reconciled.
type IDRemap struct {
	TempID    string `db:"temp_id" json:"temp_id"`
	RealID    string `db:"real_id" json:"real_id"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for IDRemap.
func (IDRemap) TableName() string {
	return "id_remap"
}
