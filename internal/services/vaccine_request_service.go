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
	vaccineRequestsEndpoint  = "/api/vaccine-requests"
	vaccineRequestsNamespace = "vaccine_requests"
)

// VaccineRequestFilters fingerprint one vaccine request query shape.
type VaccineRequestFilters struct {
	Status     models.VaccineRequestStatus
	BarangayID string
}

// CacheKey returns the cache key for this query shape.
func (f VaccineRequestFilters) CacheKey() string {
	status := "all"
	if f.Status != "" {
		status = string(f.Status)
	}
	barangay := "all"
	if f.BarangayID != "" {
		barangay = f.BarangayID
	}
	return vaccineRequestsNamespace + "_" + status + "_" + barangay
}

// Query returns the remote API query parameters for this shape.
func (f VaccineRequestFilters) Query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.BarangayID != "" {
		q.Set("barangay_id", f.BarangayID)
	}
	return q
}

// VaccineRequestList is the renderable collection plus cache metadata.
type VaccineRequestList struct {
	Requests  []models.VaccineRequest
	FromCache bool
	FetchedAt time.Time
}

// VaccineRequestService is the offline-aware facade for vaccine
// requests. Same contract as ResidentService.
type VaccineRequestService struct {
	store   *cache.Store
	q       *queue.Queue
	client  remoteAPI
	monitor *connectivity.Monitor
	manager *syncer.Manager
}

// NewVaccineRequestService creates a VaccineRequestService.
func NewVaccineRequestService(store *cache.Store, q *queue.Queue, client remoteAPI, monitor *connectivity.Monitor, manager *syncer.Manager) *VaccineRequestService {
	return &VaccineRequestService{
		store:   store,
		q:       q,
		client:  client,
		monitor: monitor,
		manager: manager,
	}
}

// List returns vaccine requests for the given filters, from the
// network when online and from the cache otherwise.
func (s *VaccineRequestService) List(ctx context.Context, filters VaccineRequestFilters) (*VaccineRequestList, error) {
	key := filters.CacheKey()

	if s.monitor.IsOnline() {
		data, err := s.client.Get(ctx, vaccineRequestsEndpoint, filters.Query())
		if err == nil {
			s.monitor.ReportSuccess()
			var requests []models.VaccineRequest
			if err := json.Unmarshal(data, &requests); err != nil {
				return nil, errors.Wrap(errors.ErrRemote, "malformed vaccine request list", err)
			}
			s.store.CacheData(key, requests, vaccineRequestsNamespace)
			return &VaccineRequestList{Requests: requests, FetchedAt: time.Now()}, nil
		}

		if errors.Is(err, errors.ErrNetwork) || errors.Is(err, errors.ErrTimeout) {
			s.monitor.ReportFailure()
		}
		logging.Warn("Vaccine request fetch failed, falling back to cache",
			map[string]interface{}{"cache_key": key, "error": err.Error()})
	}

	var requests []models.VaccineRequest
	if !s.store.GetInto(key, &requests) {
		return &VaccineRequestList{Requests: []models.VaccineRequest{}}, nil
	}
	fetchedAt, _ := s.store.Meta(key)
	return &VaccineRequestList{Requests: requests, FromCache: true, FetchedAt: fetchedAt}, nil
}

// Track registers the filters' cache key for post-drain refresh.
func (s *VaccineRequestService) Track(filters VaccineRequestFilters) func() {
	return s.manager.RegisterRefresher(filters.CacheKey(), func(ctx context.Context) error {
		_, err := s.List(ctx, filters)
		return err
	})
}

// Create files a vaccine request.
func (s *VaccineRequestService) Create(ctx context.Context, filters VaccineRequestFilters, request models.VaccineRequest) (*models.VaccineRequest, Result) {
	key := filters.CacheKey()
	request.RequestedAt = time.Now().Unix()
	request.UpdatedAt = request.RequestedAt
	if request.Status == "" {
		request.Status = models.VaccineRequestStatusRequested
	}
	// A request filed against a resident created offline references the
	// resident's temp id; the sync manager rewrites it at replay time.
	request.ResidentID = s.manager.ResolveID(request.ResidentID)

	if s.monitor.IsOnline() {
		body, err := json.Marshal(request)
		if err != nil {
			return nil, Result{Err: errors.Wrap(errors.ErrInvalid, "failed to encode vaccine request", err)}
		}
		data, err := s.client.Do(ctx, http.MethodPost, vaccineRequestsEndpoint, body)
		if err != nil {
			return nil, Result{Err: err}
		}
		s.monitor.ReportSuccess()

		var created models.VaccineRequest
		if err := json.Unmarshal(data, &created); err != nil {
			return nil, Result{Err: errors.Wrap(errors.ErrRemote, "malformed create response", err)}
		}
		s.patch(key, func(requests []models.VaccineRequest) []models.VaccineRequest {
			return append(requests, created)
		})
		return &created, Result{Success: true}
	}

	// Queue before the optimistic patch so a failed enqueue never
	// strands a pending record in the cache.
	request.ID = uuid.NewTemp()
	request.Pending = true

	body, err := json.Marshal(request)
	if err != nil {
		return nil, Result{Err: errors.Wrap(errors.ErrInvalid, "failed to encode vaccine request", err)}
	}
	_, err = s.q.Enqueue(queue.OperationInput{
		Endpoint:    vaccineRequestsEndpoint,
		Method:      http.MethodPost,
		Type:        models.OperationCreate,
		Body:        body,
		Description: "Request " + request.Vaccine + " for resident " + request.ResidentID,
		CacheKey:    key,
		TempID:      request.ID,
	})
	if err != nil {
		return nil, Result{Err: err}
	}

	s.patch(key, func(requests []models.VaccineRequest) []models.VaccineRequest {
		return append(requests, request)
	})
	return &request, Result{Success: true, Queued: true}
}

// ChangeStatus moves a request through its fulfillment states.
func (s *VaccineRequestService) ChangeStatus(ctx context.Context, filters VaccineRequestFilters, id string, status models.VaccineRequestStatus) Result {
	key := filters.CacheKey()
	targetID := s.manager.ResolveID(id)
	body, _ := json.Marshal(map[string]string{"status": string(status)})

	if s.monitor.IsOnline() {
		_, err := s.client.Do(ctx, http.MethodPatch, vaccineRequestsEndpoint+"/"+targetID+"/status", body)
		if err != nil {
			return Result{Err: err}
		}
		s.monitor.ReportSuccess()
		s.mutateStatus(key, targetID, status, false)
		return Result{Success: true}
	}

	_, err := s.q.Enqueue(queue.OperationInput{
		Endpoint:    vaccineRequestsEndpoint + "/" + targetID + "/status",
		Method:      http.MethodPatch,
		Type:        models.OperationStatusChange,
		Body:        body,
		Params:      map[string]string{"id": targetID},
		Description: "Change vaccine request " + targetID + " to " + string(status),
		CacheKey:    key,
	})
	if err != nil {
		return Result{Err: err}
	}

	s.mutateStatus(key, targetID, status, true)
	return Result{Success: true, Queued: true}
}

func (s *VaccineRequestService) mutateStatus(key, id string, status models.VaccineRequestStatus, pending bool) {
	s.patch(key, func(requests []models.VaccineRequest) []models.VaccineRequest {
		for i := range requests {
			if requests[i].ID == id {
				requests[i].Status = status
				requests[i].Pending = pending
				requests[i].UpdatedAt = time.Now().Unix()
				break
			}
		}
		return requests
	})
}

func (s *VaccineRequestService) patch(key string, mutate func([]models.VaccineRequest) []models.VaccineRequest) {
	if err := cache.PatchList(s.store, key, vaccineRequestsNamespace, mutate); err != nil {
		logging.Warn("Optimistic vaccine request patch failed",
			map[string]interface{}{"cache_key": key, "error": err.Error()})
	}
}
