// Package models provides data model definitions for the fieldsync engine.
package models

import (
	"encoding/json"
	"time"
)

// CacheEntry is the last known-good value for one query shape, persisted
// so a fully offline device retains its data set across restarts.
// Entries are only ever replaced by fresher data, never expired by age.
type CacheEntry struct {
	Key       string          `db:"key" json:"key"`
	Namespace string          `db:"namespace" json:"namespace"`
	Value     json.RawMessage `db:"value" json:"value"`
	FetchedAt int64           `db:"fetched_at" json:"fetched_at"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// FetchedAtTime returns the FetchedAt as time.Time.
func (c *CacheEntry) FetchedAtTime() time.Time {
	return time.Unix(c.FetchedAt, 0)
}
