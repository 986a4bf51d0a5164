// Package service wires configuration into a running monitor: store,
// lease backend, mirrors and the scheduler.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/refliv-monitor/internal/clickhouse"
	"github.com/SteelMorgan/refliv-monitor/internal/config"
	"github.com/SteelMorgan/refliv-monitor/internal/extract"
	"github.com/SteelMorgan/refliv-monitor/internal/ingest"
	"github.com/SteelMorgan/refliv-monitor/internal/lease"
	"github.com/SteelMorgan/refliv-monitor/internal/monitor"
	"github.com/SteelMorgan/refliv-monitor/internal/policy"
	"github.com/SteelMorgan/refliv-monitor/internal/publish"
	"github.com/SteelMorgan/refliv-monitor/internal/sink"
	"github.com/SteelMorgan/refliv-monitor/internal/store"
	"github.com/SteelMorgan/refliv-monitor/internal/store/boltdb"
	"github.com/SteelMorgan/refliv-monitor/internal/store/postgres"
	"github.com/SteelMorgan/refliv-monitor/internal/store/redislease"
	"github.com/SteelMorgan/refliv-monitor/internal/tail"
	"github.com/SteelMorgan/refliv-monitor/internal/writer"
)

// OpenStore opens the configured store and, when asked for, routes the
// lease through Redis.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		st, err = postgres.Open(ctx, cfg.DatabaseURL, cfg.RetryConfig())
	default:
		if dir := filepath.Dir(cfg.BoltPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		st, err = boltdb.Open(cfg.BoltPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}

	if cfg.LeaseBackend == config.LeaseRedis {
		rl, err := redislease.Open(ctx, redislease.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.RetryConfig())
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open redis lease: %w", err)
		}
		st = store.WithLease(st, rl)
	}

	log.Info().
		Str("store", cfg.StoreDriver).
		Str("lease", cfg.LeaseBackend).
		Msg("Store opened")

	return st, nil
}

// LeaseStore is a lease backend that must be closed after use
type LeaseStore interface {
	store.LeaseStore
	io.Closer
}

// OpenLeaseStore opens only what is needed to read and signal the lease.
// With the Redis backend the main store is not touched, so control commands
// work while a daemon holds an embedded bolt file.
func OpenLeaseStore(ctx context.Context, cfg *config.Config) (LeaseStore, error) {
	if cfg.LeaseBackend != config.LeaseRedis {
		return OpenStore(ctx, cfg)
	}
	rl, err := redislease.Open(ctx, redislease.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cfg.RetryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open redis lease: %w", err)
	}
	return rl, nil
}

// MonitorService owns every long-lived component of the daemon
type MonitorService struct {
	cfg       *config.Config
	store     store.Store
	sink      *sink.Sink
	scheduler *monitor.Scheduler
	closers   []io.Closer
}

// NewMonitorService opens backends and builds the scheduler. The scheduler
// is not started.
func NewMonitorService(ctx context.Context, cfg *config.Config) (*MonitorService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &MonitorService{cfg: cfg, store: st}

	s.sink = sink.New(st, cfg.BatchSize)
	buffers := extract.NewBufferTable(cfg.BufferTargetBytes)
	tailer := tail.NewTailer(st, buffers, s.sink, cfg.BufferTargetBytes)

	if cfg.ClickHouseEnabled {
		ch, err := clickhouse.NewClient(ctx, clickhouse.Options{
			Host:     cfg.ClickHouseHost,
			Port:     cfg.ClickHousePort,
			Database: cfg.ClickHouseDB,
		}, cfg.RetryConfig())
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		s.closers = append(s.closers, ch)
		if err := ch.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to prepare ClickHouse schema: %w", err)
		}
		mirror := writer.NewClickHouseWriter(ch)
		s.sink.AddObserver(mirror)
		tailer.SetProgressReporter(mirror)
	}

	if len(cfg.KafkaBrokers) > 0 {
		pub := publish.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		s.closers = append(s.closers, pub)
		s.sink.AddObserver(pub)
	}

	coord := lease.NewCoordinator(st, cfg.LeaseStaleness)
	s.scheduler = monitor.NewScheduler(st, coord, tailer, buffers, monitor.Options{
		IdleInterval: cfg.IdleInterval,
		ErrorBackoff: cfg.ErrorBackoff,
		StopTimeout:  cfg.StopTimeout,
	})

	return s, nil
}

// SeedPolicies upserts the folders listed in FOLDERS_FILE, if any
func (s *MonitorService) SeedPolicies(ctx context.Context) (int, error) {
	if s.cfg.FoldersFile == "" {
		return 0, nil
	}
	return SeedPolicies(ctx, s.store, s.cfg.FoldersFile)
}

// SeedPolicies loads a folders file and upserts every valid entry by path
func SeedPolicies(ctx context.Context, st store.PolicyStore, path string) (int, error) {
	policies, err := policy.LoadFile(path)
	if err != nil {
		return 0, err
	}

	seeded := 0
	for i := range policies {
		p := &policies[i]
		if err := st.UpsertPolicy(ctx, p); err != nil {
			log.Error().Err(err).Str("path", p.Path).Msg("Failed to store folder policy")
			continue
		}
		log.Info().
			Int64("folder_id", p.ID).
			Str("path", p.Path).
			Bool("active", p.Active).
			Msg("Folder policy seeded")
		seeded++
	}
	return seeded, nil
}

// Scheduler returns the monitor scheduler
func (s *MonitorService) Scheduler() *monitor.Scheduler {
	return s.scheduler
}

// Ingest returns a one-shot ingestion service sharing the daemon's sink
func (s *MonitorService) Ingest() *ingest.Service {
	return ingest.NewService(s.sink)
}

// Start starts the monitor loop. A loop already running in another process
// is not an error for the daemon; it logs and stays idle.
func (s *MonitorService) Start(ctx context.Context) error {
	err := s.scheduler.Start(ctx)
	if errors.Is(err, lease.ErrHeld) {
		log.Warn().Msg("Monitor already running in another process, staying idle")
		return nil
	}
	return err
}

// Stop stops the local monitor loop. A loop owned by another process is
// left alone; monitorctl stop is the way to reach it.
func (s *MonitorService) Stop(ctx context.Context) error {
	if !s.scheduler.LocalRunning() {
		return nil
	}
	return s.scheduler.Stop(ctx)
}

// Status reports the local loop and the stored lease
func (s *MonitorService) Status(ctx context.Context) (monitor.Status, error) {
	return s.scheduler.Status(ctx)
}

// Close releases mirrors and the store
func (s *MonitorService) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
