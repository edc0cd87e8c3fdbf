// Package services provides the offline-aware data facades.
package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/healthreach/fieldsync/internal/cache"
	"github.com/healthreach/fieldsync/internal/connectivity"
	"github.com/healthreach/fieldsync/internal/errors"
	"github.com/healthreach/fieldsync/internal/logging"
	"github.com/healthreach/fieldsync/internal/models"
)

const (
	barangaysEndpoint  = "/api/barangays"
	barangaysNamespace = "barangays"
	barangaysCacheKey  = "barangays_all"
)

// BarangayList is the renderable barangay reference list.
type BarangayList struct {
	Barangays []models.Barangay
	FromCache bool
	FetchedAt time.Time
}

// BarangayService serves the barangay reference data. Barangays are
// created through an administrative flow outside this app, so the
// facade is read-only: fetch when online, cached list otherwise.
type BarangayService struct {
	store   *cache.Store
	client  remoteAPI
	monitor *connectivity.Monitor
}

// NewBarangayService creates a BarangayService.
func NewBarangayService(store *cache.Store, client remoteAPI, monitor *connectivity.Monitor) *BarangayService {
	return &BarangayService{store: store, client: client, monitor: monitor}
}

// List returns all barangays.
func (s *BarangayService) List(ctx context.Context) (*BarangayList, error) {
	if s.monitor.IsOnline() {
		data, err := s.client.Get(ctx, barangaysEndpoint, nil)
		if err == nil {
			s.monitor.ReportSuccess()
			var barangays []models.Barangay
			if err := json.Unmarshal(data, &barangays); err != nil {
				return nil, errors.Wrap(errors.ErrRemote, "malformed barangay list", err)
			}
			s.store.CacheData(barangaysCacheKey, barangays, barangaysNamespace)
			return &BarangayList{Barangays: barangays, FetchedAt: time.Now()}, nil
		}

		if errors.Is(err, errors.ErrNetwork) || errors.Is(err, errors.ErrTimeout) {
			s.monitor.ReportFailure()
		}
		logging.Warn("Barangay fetch failed, falling back to cache",
			map[string]interface{}{"error": err.Error()})
	}

	var barangays []models.Barangay
	if !s.store.GetInto(barangaysCacheKey, &barangays) {
		return &BarangayList{Barangays: []models.Barangay{}}, nil
	}
	fetchedAt, _ := s.store.Meta(barangaysCacheKey)
	return &BarangayList{Barangays: barangays, FromCache: true, FetchedAt: fetchedAt}, nil
}
