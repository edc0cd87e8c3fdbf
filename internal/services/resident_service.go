// Package services provides the offline-aware data facades.
package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/healthreach/fieldsync/internal/cache"
	"github.com/healthreach/fieldsync/internal/connectivity"
	"github.com/healthreach/fieldsync/internal/errors"
	"github.com/healthreach/fieldsync/internal/logging"
	"github.com/healthreach/fieldsync/internal/models"
	"github.com/healthreach/fieldsync/internal/queue"
	"github.com/healthreach/fieldsync/internal/syncer"
	"github.com/healthreach/fieldsync/internal/uuid"
)

const (
	residentsEndpoint  = "/api/residents"
	residentsNamespace = "residents"
)

// ResidentFilters fingerprint one query shape. Distinct filters cache
// independently so result sets never collide.
type ResidentFilters struct {
	Status     models.ResidentStatus
	BarangayID string
	Search     string
}

// CacheKey returns the cache key for this query shape.
func (f ResidentFilters) CacheKey() string {
	status := "all"
	if f.Status != "" {
		status = string(f.Status)
	}
	barangay := "all"
	if f.BarangayID != "" {
		barangay = f.BarangayID
	}
	key := residentsNamespace + "_" + status + "_" + barangay
	if f.Search != "" {
		key += "_q_" + f.Search
	}
	return key
}

// Query returns the remote API query parameters for this shape.
func (f ResidentFilters) Query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.BarangayID != "" {
		q.Set("barangay_id", f.BarangayID)
	}
	if f.Search != "" {
		q.Set("search", f.Search)
	}
	return q
}

// ResidentList is what the UI renders: the collection plus whether it
// came from the local cache and when it was last fetched.
type ResidentList struct {
	Residents []models.Resident
	FromCache bool
	FetchedAt time.Time
}

// ResidentService is the single entry point the UI uses for resident
// CRUD, online or offline.
type ResidentService struct {
	store   *cache.Store
	q       *queue.Queue
	client  remoteAPI
	monitor *connectivity.Monitor
	manager *syncer.Manager
}

// NewResidentService creates a ResidentService.
func NewResidentService(store *cache.Store, q *queue.Queue, client remoteAPI, monitor *connectivity.Monitor, manager *syncer.Manager) *ResidentService {
	return &ResidentService{
		store:   store,
		q:       q,
		client:  client,
		monitor: monitor,
		manager: manager,
	}
}

// List returns residents for the given filters. Online it fetches and
// refreshes the cache; offline (or when the fetch fails) it serves the
// last cached collection. A cold cache degrades to an empty list,
// never an error.
func (s *ResidentService) List(ctx context.Context, filters ResidentFilters) (*ResidentList, error) {
	key := filters.CacheKey()

	if s.monitor.IsOnline() {
		data, err := s.client.Get(ctx, residentsEndpoint, filters.Query())
		if err == nil {
			s.monitor.ReportSuccess()
			var residents []models.Resident
			if err := json.Unmarshal(data, &residents); err != nil {
				return nil, errors.Wrap(errors.ErrRemote, "malformed resident list", err)
			}
			s.store.CacheData(key, residents, residentsNamespace)
			return &ResidentList{Residents: residents, FetchedAt: time.Now()}, nil
		}

		if errors.Is(err, errors.ErrNetwork) || errors.Is(err, errors.ErrTimeout) {
			s.monitor.ReportFailure()
		}
		logging.Warn("Resident fetch failed, falling back to cache",
			map[string]interface{}{"cache_key": key, "error": err.Error()})
	}

	return s.fromCache(key), nil
}

// Refresh forces a reconciling fetch for the given filters. Same
// contract as List; a separate name keeps call sites honest about
// intent.
func (s *ResidentService) Refresh(ctx context.Context, filters ResidentFilters) (*ResidentList, error) {
	return s.List(ctx, filters)
}

// Track registers the filters' cache key for post-drain refresh and
// returns an untrack function. Call when a view mounts, untrack when
// it unmounts.
func (s *ResidentService) Track(filters ResidentFilters) func() {
	return s.manager.RegisterRefresher(filters.CacheKey(), func(ctx context.Context) error {
		_, err := s.List(ctx, filters)
		return err
	})
}

// fromCache serves the last known-good collection for key.
func (s *ResidentService) fromCache(key string) *ResidentList {
	var residents []models.Resident
	if !s.store.GetInto(key, &residents) {
		// Never populated: empty state, not an error.
		return &ResidentList{Residents: []models.Resident{}}
	}

	fetchedAt, _ := s.store.Meta(key)
	return &ResidentList{Residents: residents, FromCache: true, FetchedAt: fetchedAt}
}

// GetByID returns a resident by id, consulting the temp id remap so a
// reference captured before reconciliation still resolves.
func (s *ResidentService) GetByID(ctx context.Context, id string) (*models.Resident, error) {
	realID := s.manager.ResolveID(id)

	for _, key := range s.store.Keys(residentsNamespace) {
		var residents []models.Resident
		if !s.store.GetInto(key, &residents) {
			continue
		}
		for i := range residents {
			if residents[i].ID == realID || s.manager.ResolveID(residents[i].ID) == realID {
				resident := residents[i]
				return &resident, nil
			}
		}
	}

	if !s.monitor.IsOnline() {
		return nil, errors.New(errors.ErrNotFound, "resident "+id+" not cached")
	}

	data, err := s.client.Get(ctx, residentsEndpoint+"/"+realID, nil)
	if err != nil {
		return nil, err
	}
	var resident models.Resident
	if err := json.Unmarshal(data, &resident); err != nil {
		return nil, errors.Wrap(errors.ErrRemote, "malformed resident", err)
	}
	return &resident, nil
}

// Create adds a resident. Online failures are returned to the caller,
// not queued; the user is online and the failure is real.
func (s *ResidentService) Create(ctx context.Context, filters ResidentFilters, resident models.Resident) (*models.Resident, Result) {
	key := filters.CacheKey()
	now := time.Now().Unix()
	resident.CreatedAt = now
	resident.UpdatedAt = now
	if resident.Status == "" {
		resident.Status = models.ResidentStatusPending
	}

	if s.monitor.IsOnline() {
		body, err := json.Marshal(resident)
		if err != nil {
			return nil, Result{Err: errors.Wrap(errors.ErrInvalid, "failed to encode resident", err)}
		}
		data, err := s.client.Do(ctx, http.MethodPost, residentsEndpoint, body)
		if err != nil {
			return nil, Result{Err: err}
		}
		s.monitor.ReportSuccess()

		var created models.Resident
		if err := json.Unmarshal(data, &created); err != nil {
			return nil, Result{Err: errors.Wrap(errors.ErrRemote, "malformed create response", err)}
		}

		s.spliceIn(key, created)
		return &created, Result{Success: true}
	}

	// Offline: queue for replay first, then splice the optimistic record
	// in. The cache only sees records a queued operation will reconcile.
	resident.ID = uuid.NewTemp()
	resident.Pending = true

	body, err := json.Marshal(resident)
	if err != nil {
		return nil, Result{Err: errors.Wrap(errors.ErrInvalid, "failed to encode resident", err)}
	}
	_, err = s.q.Enqueue(queue.OperationInput{
		Endpoint:    residentsEndpoint,
		Method:      http.MethodPost,
		Type:        models.OperationCreate,
		Body:        body,
		Description: "Create resident " + resident.FullName(),
		CacheKey:    key,
		TempID:      resident.ID,
	})
	if err != nil {
		return nil, Result{Err: err}
	}

	s.spliceIn(key, resident)
	return &resident, Result{Success: true, Queued: true}
}

// Update edits a resident in place.
func (s *ResidentService) Update(ctx context.Context, filters ResidentFilters, id string, resident models.Resident) (*models.Resident, Result) {
	key := filters.CacheKey()
	targetID := s.manager.ResolveID(id)
	resident.ID = targetID
	resident.Touch()

	if s.monitor.IsOnline() {
		body, err := json.Marshal(resident)
		if err != nil {
			return nil, Result{Err: errors.Wrap(errors.ErrInvalid, "failed to encode resident", err)}
		}
		data, err := s.client.Do(ctx, http.MethodPut, residentsEndpoint+"/"+targetID, body)
		if err != nil {
			return nil, Result{Err: err}
		}
		s.monitor.ReportSuccess()

		var updated models.Resident
		if err := json.Unmarshal(data, &updated); err != nil {
			return nil, Result{Err: errors.Wrap(errors.ErrRemote, "malformed update response", err)}
		}

		s.replace(key, updated.ID, updated)
		return &updated, Result{Success: true}
	}

	resident.Pending = true

	body, err := json.Marshal(resident)
	if err != nil {
		return nil, Result{Err: errors.Wrap(errors.ErrInvalid, "failed to encode resident", err)}
	}
	_, err = s.q.Enqueue(queue.OperationInput{
		Endpoint:    residentsEndpoint + "/" + targetID,
		Method:      http.MethodPut,
		Type:        models.OperationUpdate,
		Body:        body,
		Params:      map[string]string{"id": targetID},
		Description: "Update resident " + resident.FullName(),
		CacheKey:    key,
	})
	if err != nil {
		return nil, Result{Err: err}
	}

	s.replace(key, targetID, resident)
	return &resident, Result{Success: true, Queued: true}
}

// Delete removes a resident.
func (s *ResidentService) Delete(ctx context.Context, filters ResidentFilters, id string) Result {
	key := filters.CacheKey()
	targetID := s.manager.ResolveID(id)
	description := "Delete resident " + s.displayName(key, targetID)

	if s.monitor.IsOnline() {
		_, err := s.client.Do(ctx, http.MethodDelete, residentsEndpoint+"/"+targetID, nil)
		if err != nil {
			return Result{Err: err}
		}
		s.monitor.ReportSuccess()
		s.remove(key, targetID)
		return Result{Success: true}
	}

	_, err := s.q.Enqueue(queue.OperationInput{
		Endpoint:    residentsEndpoint + "/" + targetID,
		Method:      http.MethodDelete,
		Type:        models.OperationDelete,
		Params:      map[string]string{"id": targetID},
		Description: description,
		CacheKey:    key,
	})
	if err != nil {
		return Result{Err: err}
	}

	s.remove(key, targetID)
	return Result{Success: true, Queued: true}
}

// ChangeStatus flips a resident's verification status.
func (s *ResidentService) ChangeStatus(ctx context.Context, filters ResidentFilters, id string, status models.ResidentStatus) Result {
	key := filters.CacheKey()
	targetID := s.manager.ResolveID(id)
	body, _ := json.Marshal(map[string]string{"status": string(status)})

	if s.monitor.IsOnline() {
		data, err := s.client.Do(ctx, http.MethodPatch, residentsEndpoint+"/"+targetID+"/status", body)
		if err != nil {
			return Result{Err: err}
		}
		s.monitor.ReportSuccess()

		var updated models.Resident
		if err := json.Unmarshal(data, &updated); err == nil && updated.ID != "" {
			s.replace(key, updated.ID, updated)
		} else {
			s.mutateStatus(key, targetID, status, false)
		}
		return Result{Success: true}
	}

	_, err := s.q.Enqueue(queue.OperationInput{
		Endpoint:    residentsEndpoint + "/" + targetID + "/status",
		Method:      http.MethodPatch,
		Type:        models.OperationStatusChange,
		Body:        body,
		Params:      map[string]string{"id": targetID},
		Description: "Change status of resident " + s.displayName(key, targetID) + " to " + string(status),
		CacheKey:    key,
	})
	if err != nil {
		return Result{Err: err}
	}

	s.mutateStatus(key, targetID, status, true)
	return Result{Success: true, Queued: true}
}

// =====================================================
// Cache splice helpers (all funnel through cache.Patch)
// =====================================================

// spliceIn appends a record to the cached collection.
func (s *ResidentService) spliceIn(key string, resident models.Resident) {
	s.patch(key, func(residents []models.Resident) []models.Resident {
		return append(residents, resident)
	})
}

// replace swaps the record with the given id.
func (s *ResidentService) replace(key, id string, resident models.Resident) {
	s.patch(key, func(residents []models.Resident) []models.Resident {
		for i := range residents {
			if residents[i].ID == id {
				residents[i] = resident
				break
			}
		}
		return residents
	})
}

// remove drops the record with the given id.
func (s *ResidentService) remove(key, id string) {
	s.patch(key, func(residents []models.Resident) []models.Resident {
		out := residents[:0]
		for _, r := range residents {
			if r.ID != id {
				out = append(out, r)
			}
		}
		return out
	})
}

// mutateStatus updates one record's status in place.
func (s *ResidentService) mutateStatus(key, id string, status models.ResidentStatus, pending bool) {
	s.patch(key, func(residents []models.Resident) []models.Resident {
		for i := range residents {
			if residents[i].ID == id {
				residents[i].Status = status
				residents[i].Pending = pending
				residents[i].Touch()
				break
			}
		}
		return residents
	})
}

func (s *ResidentService) patch(key string, mutate func([]models.Resident) []models.Resident) {
	if err := cache.PatchList(s.store, key, residentsNamespace, mutate); err != nil {
		logging.Warn("Optimistic resident patch failed",
			map[string]interface{}{"cache_key": key, "error": err.Error()})
	}
}

// displayName finds a human label for queue descriptions.
func (s *ResidentService) displayName(key, id string) string {
	var residents []models.Resident
	if s.store.GetInto(key, &residents) {
		for i := range residents {
			if residents[i].ID == id {
				return residents[i].FullName()
			}
		}
	}
	return id
}
