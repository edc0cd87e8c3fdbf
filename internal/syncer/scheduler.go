// Package syncer provides background drain scheduling.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/healthreach/fieldsync/internal/connectivity"
	"github.com/healthreach/fieldsync/internal/errors"
	"github.com/healthreach/fieldsync/internal/logging"
	"github.com/healthreach/fieldsync/internal/telemetry"
)

// Scheduler triggers drains on reconnect and on a periodic tick that
// picks up operations whose backoff window has elapsed.
type Scheduler struct {
	manager       *Manager
	monitor       *connectivity.Monitor
	drainInterval time.Duration

	mu          sync.Mutex
	isRunning   bool
	stopCh      chan struct{}
	triggerCh   chan struct{}
	unsubscribe func()
	wg          sync.WaitGroup
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	DrainInterval time.Duration // how often to check for ready retries (default: 1 minute)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{DrainInterval: time.Minute}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(manager *Manager, monitor *connectivity.Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	return &Scheduler{
		manager:       manager,
		monitor:       monitor,
		drainInterval: config.DrainInterval,
		triggerCh:     make(chan struct{}, 1),
	}
}

// Start starts the background drain loop and subscribes to
// connectivity transitions. A stopped scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	s.unsubscribe = s.monitor.OnChange(func(online bool) {
		if online {
			telemetry.RecordReconnect()
			s.TriggerSync()
		}
	})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stopCh)

	logging.Info("Sync scheduler started", nil)
}

// Stop stops the scheduler gracefully. A drain pass in progress is
// allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	logging.Info("Sync scheduler stopped", nil)
}

// TriggerSync requests an immediate drain (reconnect event or the
// user's manual "retry sync" action). Non-blocking; coalesces with an
// already-requested drain.
func (s *Scheduler) TriggerSync() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// loop runs drains on trigger and on the periodic tick.
func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-s.triggerCh:
			s.drain(ctx)
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain runs one pass, tolerating the expected idle conditions.
func (s *Scheduler) drain(ctx context.Context) {
	if !s.monitor.IsOnline() {
		return
	}

	result, err := s.manager.Drain(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrOffline) || errors.Is(err, errors.ErrSyncInProgress) {
			return
		}
		logging.Error("Drain pass failed", err, nil)
		return
	}

	telemetry.RecordDrain(result.Applied, result.Failed, result.Duration)

	if result.Applied > 0 || result.Failed > 0 {
		logging.Info("Drain pass completed", map[string]interface{}{
			"applied":   result.Applied,
			"failed":    result.Failed,
			"remaining": result.Remaining,
			"duration":  result.Duration.String(),
		})
	}
}
