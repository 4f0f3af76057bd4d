package service_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store/memory"
	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

// ── Fakes ────────────────────────────────────────────────────────────────────

// fakeClock never sleeps: After advances the clock by d and fires at once,
// recording the requested wait.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// seqIDs returns evt-1, evt-2, ...
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("evt-%d", g.n)
}

// blockingLedger holds every Append until release is closed.
type blockingLedger struct {
	*memory.LedgerStore
	entered chan struct{}
	release chan struct{}
}

func newBlockingLedger() *blockingLedger {
	return &blockingLedger{
		LedgerStore: memory.NewLedgerStore(),
		entered:     make(chan struct{}, 16),
		release:     make(chan struct{}),
	}
}

func (l *blockingLedger) Append(ctx context.Context, entries []chain.Entry) error {
	l.entered <- struct{}{}
	<-l.release
	return l.LedgerStore.Append(ctx, entries)
}

// failingLedger fails Append while fail is set.
type failingLedger struct {
	*memory.LedgerStore
	mu   sync.Mutex
	fail bool
}

var errDiskFull = errors.New("disk full")

func (l *failingLedger) SetFail(v bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = v
}

func (l *failingLedger) Append(ctx context.Context, entries []chain.Entry) error {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return l.LedgerStore.Append(ctx, entries)
}

// gatedQueue holds the next Enqueue after arm until release is closed.
type gatedQueue struct {
	*memory.OfflineQueueStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newGatedQueue() *gatedQueue {
	return &gatedQueue{
		OfflineQueueStore: memory.NewOfflineQueueStore(),
		entered:           make(chan struct{}, 1),
		release:           make(chan struct{}),
	}
}

func (q *gatedQueue) arm() { q.armed.Store(true) }

func (q *gatedQueue) Enqueue(ctx context.Context, deviceID string, taps []chain.RawTap) (int, error) {
	if q.armed.CompareAndSwap(true, false) {
		q.entered <- struct{}{}
		<-q.release
	}
	return q.OfflineQueueStore.Enqueue(ctx, deviceID, taps)
}

// flakyQueue fails the next Remove after failNextRemove.
type flakyQueue struct {
	*memory.OfflineQueueStore
	failRemove atomic.Bool
}

func (q *flakyQueue) failNextRemove() { q.failRemove.Store(true) }

func (q *flakyQueue) Remove(ctx context.Context, deviceID string, localSeqs []uint64) error {
	if q.failRemove.CompareAndSwap(true, false) {
		return errDiskFull
	}
	return q.OfflineQueueStore.Remove(ctx, deviceID, localSeqs)
}

// ── Harness ──────────────────────────────────────────────────────────────────

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type harnessConfig struct {
	ledger     store.LedgerStore
	queue      store.OfflineQueueStore
	metrics    *metrics.Metrics
	queueSize  int
	queueLimit int
	allowAll   bool
}

type harness struct {
	clock      *fakeClock
	alerts     *service.AlertLog
	deps       service.Deps
	devices    *memory.DeviceStore
	ledger     store.LedgerStore
	mem        *memory.LedgerStore // nil when a custom ledger is supplied
	queue      store.OfflineQueueStore
	heartbeats *memory.HeartbeatStore

	registry   *service.DeviceRegistry
	roster     *service.Roster
	seq        *service.Sequencer
	verifier   *service.Verifier
	health     *service.HealthMonitor
	ingestor   *service.Ingestor
	reconciler *service.Reconciler
	replayer   *service.Replayer
	heartbeat  *service.HeartbeatService
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newHarness wires every service over in-memory stores with GATE-01 and
// GATE-02 registered and CARD-0001..CARD-0003 enrolled.
func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	ctx := context.Background()

	h := &harness{
		clock:      newFakeClock(t0),
		devices:    memory.NewDeviceStore(),
		queue:      cfg.queue,
		heartbeats: memory.NewHeartbeatStore(),
		ledger:     cfg.ledger,
	}
	if h.queue == nil {
		h.queue = memory.NewOfflineQueueStore()
	}
	if h.ledger == nil {
		h.mem = memory.NewLedgerStore()
		h.ledger = h.mem
	}
	logger := discardLogger()
	h.alerts = service.NewAlertLog(service.AlertConfig{}, h.clock, nil, logger)
	h.deps = service.Deps{Clock: h.clock, IDs: &seqIDs{}, Alerts: h.alerts, Metrics: cfg.metrics, Logger: logger}

	h.registry = service.NewDeviceRegistry(h.devices, h.deps)
	h.roster = service.NewRoster(memory.NewRosterStore([]string{"CARD-0001", "CARD-0002", "CARD-0003"}), cfg.allowAll, h.deps)

	seq, err := service.NewSequencer(ctx, h.ledger, service.SequencerConfig{QueueSize: cfg.queueSize}, h.deps)
	require.NoError(t, err)
	t.Cleanup(seq.Close)
	h.seq = seq

	h.verifier = service.NewVerifier(seq, 4, h.deps)
	h.health = service.NewHealthMonitor(seq, h.registry, h.verifier, service.HealthConfig{BacklogSoft: 2, BacklogHard: 4}, h.deps)
	h.ingestor = service.NewIngestor(seq, h.registry, h.roster, h.health, h.deps)
	h.reconciler = service.NewReconciler(h.ingestor, h.registry, h.queue, h.health,
		service.ReconcilerConfig{QueueLimit: cfg.queueLimit}, h.deps)
	t.Cleanup(h.reconciler.Close)
	h.replayer = service.NewReplayer(seq, service.ReplayConfig{PageSize: 3, MaxGap: 10 * time.Minute}, h.deps)
	h.heartbeat = service.NewHeartbeatService(h.heartbeats, h.registry, h.reconciler, h.deps)

	for _, id := range []string{"GATE-01", "GATE-02"} {
		_, err := h.registry.Register(ctx, id, id, "Main entrance")
		require.NoError(t, err)
	}
	return h
}

func (h *harness) online(t *testing.T, deviceID string) {
	t.Helper()
	_, _, err := h.registry.RecordHeartbeat(context.Background(), deviceID, h.clock.Now())
	require.NoError(t, err)
}

func newTap(device string, local uint64, kind chain.EventKind, at time.Time) chain.RawTap {
	return chain.RawTap{
		DeviceID:   device,
		LocalSeq:   local,
		EmployeeID: "CARD-0001",
		Kind:       kind,
		DeviceTime: at,
	}
}

func (h *harness) submit(t *testing.T, tap chain.RawTap) service.Result {
	t.Helper()
	res, err := h.ingestor.Submit(context.Background(), tap)
	require.NoError(t, err)
	return res
}

func (h *harness) readAll(t *testing.T) []chain.Entry {
	t.Helper()
	entries, err := h.seq.ReadRange(context.Background(), 1, h.seq.Head().Seq)
	require.NoError(t, err)
	return entries
}

func (h *harness) hasAlert(code string, sev service.Severity) bool {
	for _, a := range h.alerts.Recent() {
		if a.Code == code && a.Severity == sev {
			return true
		}
	}
	return false
}

// upload builds an offline-queue upload with a valid checksum.
func upload(device string, taps ...chain.RawTap) service.Batch {
	return service.Batch{
		DeviceID: device,
		Taps:     taps,
		Checksum: chain.BatchChecksum(device, taps),
	}
}

func newMemLedger() *memory.LedgerStore { return memory.NewLedgerStore() }
