package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/BrandonDHaskell/Tapledger/server/internal/config"
	dbpkg "github.com/BrandonDHaskell/Tapledger/server/internal/db"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store/memory"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store/sqlite"
	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

type stores struct {
	devices    store.DeviceStore
	heartbeats store.HeartbeatStore
	ledger     store.LedgerStore
	queue      store.OfflineQueueStore
	roster     store.RosterStore

	backlog func() int64 // nil for the memory driver
}

// app is the wired service graph shared by every subcommand.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	alerts   *service.AlertLog

	devices    *service.DeviceRegistry
	roster     *service.Roster
	seq        *service.Sequencer
	verifier   *service.Verifier
	health     *service.HealthMonitor
	ingestor   *service.Ingestor
	reconciler *service.Reconciler
	heartbeats *service.HeartbeatService
	watchdog   *service.HeartbeatWatchdog
	pruner     *service.HeartbeatPruner
	replayer   *service.Replayer

	closers []func()
}

func openStores(ctx context.Context, cfg config.Config) (stores, []func(), error) {
	if cfg.DBDriver == "memory" {
		return stores{
			devices:    memory.NewDeviceStore(),
			heartbeats: memory.NewHeartbeatStore(),
			ledger:     memory.NewLedgerStore(),
			queue:      memory.NewOfflineQueueStore(),
			roster:     memory.NewRosterStore(cfg.AllowedCardIDs),
		}, nil, nil
	}

	conn, err := openDB(ctx, cfg)
	if err != nil {
		return stores{}, nil, err
	}
	writer := dbpkg.NewWorker(conn)
	closers := []func(){writer.Close, func() { _ = conn.Close() }}
	return stores{
		devices:    sqlite.NewDeviceStore(conn, writer),
		heartbeats: sqlite.NewHeartbeatStore(conn, writer),
		ledger:     sqlite.NewLedgerStore(conn, writer),
		queue:      sqlite.NewOfflineQueueStore(conn, writer),
		roster:     sqlite.NewRosterStore(conn, writer),
		backlog:    writer.Pending,
	}, closers, nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	return dbpkg.Open(ctx, dbpkg.Config{Path: cfg.DBPath, Env: cfg.Env})
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	st, closers, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, closers: closers}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)
	if st.backlog != nil {
		metrics.RegisterWriterBacklog(a.registry, st.backlog)
	}

	clock := service.RealClock{}
	a.alerts = service.NewAlertLog(service.AlertConfig{
		Limit:  cfg.AlertLimit,
		MaxAge: cfg.AlertRetention(),
	}, clock, m, logger)
	deps := service.Deps{
		Clock:   clock,
		IDs:     service.UUIDGenerator{},
		Alerts:  a.alerts,
		Metrics: m,
		Logger:  logger,
	}

	a.devices = service.NewDeviceRegistry(st.devices, deps)
	a.roster = service.NewRoster(st.roster, cfg.AllowAll, deps)

	a.seq, err = service.NewSequencer(ctx, st.ledger, service.SequencerConfig{QueueSize: cfg.CommitQueueSize}, deps)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("start sequencer: %w", err)
	}
	a.closers = append([]func(){a.seq.Close}, a.closers...)

	a.verifier = service.NewVerifier(a.seq, cfg.ReplayPageSize, deps)
	a.health = service.NewHealthMonitor(a.seq, a.devices, a.verifier, service.HealthConfig{
		BacklogSoft:  cfg.BacklogSoft,
		BacklogHard:  cfg.BacklogHard,
		VerifyWindow: uint64(cfg.VerifyWindow),
		Interval:     cfg.HealthInterval(),
	}, deps)
	a.ingestor = service.NewIngestor(a.seq, a.devices, a.roster, a.health, deps)
	a.reconciler = service.NewReconciler(a.ingestor, a.devices, st.queue, a.health,
		service.ReconcilerConfig{QueueLimit: cfg.OfflineQueueLimit}, deps)
	a.closers = append([]func(){a.reconciler.Close}, a.closers...)

	a.heartbeats = service.NewHeartbeatService(st.heartbeats, a.devices, a.reconciler, deps)
	a.watchdog = service.NewHeartbeatWatchdog(a.devices, service.WatchdogConfig{
		Interval:    cfg.HeartbeatInterval(),
		MissedLimit: cfg.MissedHeartbeatLimit,
	}, deps)
	a.pruner = service.NewHeartbeatPruner(st.heartbeats, service.PrunerConfig{
		RetentionDays: cfg.HeartbeatRetentionDays,
		Interval:      cfg.PruneInterval(),
	}, deps)
	a.replayer = service.NewReplayer(a.seq, service.ReplayConfig{
		PageSize: cfg.ReplayPageSize,
		MaxGap:   cfg.MaxReplayGap(),
	}, deps)

	return a, nil
}

// seed registers the configured devices and enrolls the allowed cards
// that are not already active.
func (a *app) seed(ctx context.Context) error {
	for _, id := range a.cfg.KnownDevices {
		if _, err := a.devices.Register(ctx, id, "", ""); err != nil && !errors.Is(err, service.ErrDuplicateDevice) {
			return fmt.Errorf("seed device %s: %w", id, err)
		}
	}
	for _, card := range a.cfg.AllowedCardIDs {
		known, err := a.roster.IsKnown(ctx, card)
		if err != nil {
			return err
		}
		if known {
			continue
		}
		if err := a.roster.Enroll(ctx, card, ""); err != nil {
			return fmt.Errorf("seed card %s: %w", card, err)
		}
	}
	return nil
}

// Close stops the services, then the stores.
func (a *app) Close() {
	for _, fn := range a.closers {
		fn()
	}
	a.closers = nil
}
