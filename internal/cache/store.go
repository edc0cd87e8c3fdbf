// Package cache provides the local cache store serving reads while offline.
//
// Entries are keyed by query shape (resource + filter fingerprint) so
// distinct filters never collide. The store is write-through to SQLite,
// so the last-seen data set survives restarts. Values are only ever
// replaced by fresher data, never expired by age.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/healthreach/fieldsync/internal/db"
	"github.com/healthreach/fieldsync/internal/errors"
	"github.com/healthreach/fieldsync/internal/logging"
	"github.com/healthreach/fieldsync/internal/models"
)

// Store is the process-wide local cache. Caching is best-effort: a
// failed write degrades to a smaller cache, never to an error for the
// caller.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*models.CacheEntry
	repo    *db.Repository // nil means memory-only (tests)
}

// NewStore creates a Store backed by repo, preloading entries persisted
// by earlier sessions. A nil repo yields a memory-only store.
func NewStore(repo *db.Repository) (*Store, error) {
	s := &Store{
		entries: make(map[string]*models.CacheEntry),
		repo:    repo,
	}

	if repo != nil {
		persisted, err := repo.ListCacheEntries("")
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "failed to load cache entries", err)
		}
		for _, entry := range persisted {
			s.entries[entry.Key] = entry
		}
	}

	return s, nil
}

// CacheData stores value under key, overwriting any previous entry.
// Idempotent; never returns an error. Serialization failures are
// logged and swallowed because the cache must not become a hard
// dependency of correctness.
func (s *Store) CacheData(key string, value interface{}, namespace string) {
	raw, err := json.Marshal(value)
	if err != nil {
		logging.Warn("Failed to serialize cache value",
			map[string]interface{}{"key": key, "error": err.Error()})
		return
	}

	entry := &models.CacheEntry{
		Key:       key,
		Namespace: namespace,
		Value:     raw,
		FetchedAt: time.Now().Unix(),
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()

	s.persist(entry)
}

// Get returns the raw cached value for key. The second return is false
// if the key was never populated. The returned slice is a copy, so
// callers can hold it without tearing later writers.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), entry.Value...), true
}

// GetInto unmarshals the cached value for key into dst. A
// deserialization failure is treated as a cache miss, never an error.
func (s *Store) GetInto(key string, dst interface{}) bool {
	raw, ok := s.Get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logging.Warn("Cached value is corrupt, treating as miss",
			map[string]interface{}{"key": key, "error": err.Error()})
		return false
	}
	return true
}

// Meta returns when the entry for key was last fetched from the server.
func (s *Store) Meta(key string) (time.Time, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return entry.FetchedAtTime(), true
}

// Keys returns all cached keys, optionally filtered by namespace.
func (s *Store) Keys(namespace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for key, entry := range s.entries {
		if namespace == "" || entry.Namespace == namespace {
			keys = append(keys, key)
		}
	}
	return keys
}

// Invalidate drops the entry for key from memory and durable storage.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	if s.repo != nil {
		if err := s.repo.DeleteCacheEntry(key); err != nil {
			logging.Warn("Failed to delete persisted cache entry",
				map[string]interface{}{"key": key, "error": err.Error()})
		}
	}
}

// Patch applies an optimistic in-place mutation to the entry for key.
// Every optimistic update in the engine goes through this one code
// path. The mutator receives the current raw value (nil if the key was
// never populated) and returns the replacement. The entry's FetchedAt
// is preserved; a patch is not a fresh fetch.
func (s *Store) Patch(key string, namespace string, mutate func(raw json.RawMessage) (json.RawMessage, error)) error {
	s.mu.Lock()

	var current json.RawMessage
	entry, ok := s.entries[key]
	if ok {
		current = append(json.RawMessage(nil), entry.Value...)
	}

	next, err := mutate(current)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrCachePatch, "cache patch mutator failed", err)
	}

	if !ok {
		entry = &models.CacheEntry{
			Key:       key,
			Namespace: namespace,
			FetchedAt: time.Now().Unix(),
		}
		s.entries[key] = entry
	}
	entry.Value = next
	persistCopy := *entry
	s.mu.Unlock()

	s.persist(&persistCopy)
	return nil
}

// persist writes an entry through to SQLite, best-effort.
func (s *Store) persist(entry *models.CacheEntry) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpsertCacheEntry(entry); err != nil {
		logging.Warn("Failed to persist cache entry",
			map[string]interface{}{"key": entry.Key, "error": err.Error()})
	}
}

// PatchList applies a typed mutation to a cached list. A missing or
// corrupt entry starts from an empty list, so an optimistic create
// works even before the first successful fetch.
func PatchList[T any](s *Store, key string, namespace string, mutate func(items []T) []T) error {
	return s.Patch(key, namespace, func(raw json.RawMessage) (json.RawMessage, error) {
		var items []T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &items); err != nil {
				logging.Warn("Cached list is corrupt, patching from empty",
					map[string]interface{}{"key": key, "error": err.Error()})
				items = nil
			}
		}
		return json.Marshal(mutate(items))
	})
}
