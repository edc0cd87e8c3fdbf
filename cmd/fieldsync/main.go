// Package main runs the fieldsync engine as a long-lived process on
// the field device, exposing its services to the embedding UI layer.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/healthreach/fieldsync/internal/api"
	"github.com/healthreach/fieldsync/internal/cache"
	"github.com/healthreach/fieldsync/internal/config"
	"github.com/healthreach/fieldsync/internal/connectivity"
	"github.com/healthreach/fieldsync/internal/crypto"
	"github.com/healthreach/fieldsync/internal/db"
	"github.com/healthreach/fieldsync/internal/logging"
	"github.com/healthreach/fieldsync/internal/queue"
	"github.com/healthreach/fieldsync/internal/realtime"
	"github.com/healthreach/fieldsync/internal/syncer"
	"github.com/healthreach/fieldsync/internal/telemetry"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("fieldsync v%s\n", Version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fieldsync: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logging.Init(os.Stdout, logging.LogLevel(cfg.LogLevel))
	logging.Info("Starting fieldsync", map[string]interface{}{
		"version": Version,
		"api":     cfg.APIBaseURL,
		"data":    cfg.DataDir,
	})

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	store, err := cache.NewStore(repo)
	if err != nil {
		return fmt.Errorf("failed to load cache: %w", err)
	}

	q, err := queue.New(repo, queue.Config{
		MaxSize:    cfg.MaxQueueSize,
		MaxRetries: cfg.MaxRetries,
		BackoffMin: cfg.BackoffMin,
		BackoffMax: cfg.BackoffMax,
	})
	if err != nil {
		return fmt.Errorf("failed to load sync queue: %w", err)
	}

	monitor := connectivity.NewMonitor()

	// The session token survives restarts encrypted at rest, so a
	// relaunched app resumes syncing without a fresh login.
	tokens := crypto.NewTokenStore(cfg.DataDir)
	client := api.NewClient(cfg.APIBaseURL, cfg.RequestTimeout, func(ctx context.Context) (string, error) {
		return tokens.Load(), nil
	})

	manager, err := syncer.NewManager(q, store, client, repo, monitor)
	if err != nil {
		return fmt.Errorf("failed to create sync manager: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := syncer.NewScheduler(manager, monitor, &syncer.SchedulerConfig{
		DrainInterval: cfg.DrainInterval,
	})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	go monitor.StartProbing(ctx, cfg.ProbeURL, cfg.ProbeInterval)

	if cfg.RealtimeURL != "" {
		subscriber := realtime.NewSubscriber(cfg.RealtimeURL, monitor)
		invalidate := func(event realtime.Event) {
			key := event.CacheKey()
			if key == "" {
				return
			}
			store.Invalidate(key)
			if err := manager.RefreshKey(ctx, key); err != nil {
				logging.Warn("Failed to refresh invalidated key",
					map[string]interface{}{"cache_key": key, "error": err.Error()})
			}
		}
		subscriber.Subscribe(realtime.EventRecordChanged, invalidate)
		subscriber.Subscribe(realtime.EventRecordDeleted, invalidate)
		go subscriber.Run(ctx)
	}

	// Catch up on anything queued before the last shutdown.
	scheduler.TriggerSync()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	stats := telemetry.Get()
	logging.Info("Shutting down", map[string]interface{}{
		"signal":      sig.String(),
		"drains":      stats.Drains,
		"ops_applied": stats.OpsApplied,
		"ops_failed":  stats.OpsFailed,
		"reconnects":  stats.Reconnects,
	})
	return nil
}
