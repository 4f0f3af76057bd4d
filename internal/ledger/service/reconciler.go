package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

type ReconcilerConfig struct {
	// QueueLimit bounds each device's offline queue.  Default 10000.
	QueueLimit int
}

// StageResult reports an offline-queue upload.
type StageResult struct {
	Queued  int // queue length after the upload
	Skipped int // taps already committed to the ledger
}

// SyncResult reports a committed reconciliation batch.
type SyncResult struct {
	Committed int
	FirstSeq  uint64
	LastSeq   uint64
}

// Reconciler merges a reconnected device's offline queue into the ledger.
// Device timestamps are kept as captured; ledger sequence is commit order.
type Reconciler struct {
	ingestor *Ingestor
	registry *DeviceRegistry
	queue    store.OfflineQueueStore
	health   *HealthMonitor
	limit    int

	clock  Clock
	alerts *AlertLog
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler builds the reconciler.  health may be nil.
func NewReconciler(in *Ingestor, reg *DeviceRegistry, q store.OfflineQueueStore, health *HealthMonitor, cfg ReconcilerConfig, deps Deps) *Reconciler {
	deps = deps.withDefaults()
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = 10000
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		ingestor: in,
		registry: reg,
		queue:    q,
		health:   health,
		limit:    cfg.QueueLimit,
		clock:    deps.Clock,
		alerts:   deps.Alerts,
		logger:   deps.Logger,
		locks:    make(map[string]*sync.Mutex),
		bg:       bg,
		cancel:   cancel,
	}
}

// Close cancels triggered syncs and waits for them to return.
func (r *Reconciler) Close() {
	r.cancel()
	r.wg.Wait()
}

// Wait blocks until every triggered sync has finished.
func (r *Reconciler) Wait() { r.wg.Wait() }

func (r *Reconciler) deviceLock(deviceID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[deviceID] = l
	}
	return l
}

// Stage stores a device's offline-queue upload durably.  The checksum and
// ordering are verified first; taps the ledger already holds are skipped
// as harmless duplicates.  If the device is online the queue is synced in
// the background.
func (r *Reconciler) Stage(ctx context.Context, upload Batch) (StageResult, error) {
	deviceID := strings.TrimSpace(upload.DeviceID)
	if deviceID == "" {
		return StageResult{}, invalid("device_id", "required")
	}
	dev, err := r.ingestor.deviceActive(ctx, deviceID)
	if err != nil {
		return StageResult{}, err
	}
	if len(upload.Taps) == 0 {
		n, err := r.queue.Len(ctx, deviceID)
		return StageResult{Queued: n}, err
	}

	if want := chain.BatchChecksum(deviceID, upload.Taps); !strings.EqualFold(strings.TrimSpace(upload.Checksum), want) {
		return StageResult{}, &BatchRejectedError{DeviceID: deviceID, Reason: "checksum mismatch"}
	}

	res, err := r.stage(ctx, deviceID, upload.Taps)
	if err != nil {
		return StageResult{}, err
	}
	r.logger.InfoContext(ctx, "offline queue staged",
		"device_id", deviceID, "uploaded", len(upload.Taps), "skipped", res.Skipped, "queued", res.Queued)

	if dev.State == store.StateOnline && res.Queued > 0 {
		r.Trigger(deviceID)
	}
	return res, nil
}

// stage holds the device lock from the ledger lookups through the enqueue,
// so a sync cannot commit a tap between its lookup and its enqueue.
func (r *Reconciler) stage(ctx context.Context, deviceID string, taps []chain.RawTap) (StageResult, error) {
	l := r.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()

	now := r.clock.Now()
	fresh := make([]chain.RawTap, 0, len(taps))
	var skipped int
	for i, t := range taps {
		t.DeviceID = deviceID
		t.ArrivedAt = now
		v, err := r.ingestor.validate(ctx, t)
		if err != nil {
			r.ingestor.rejectStaged(ctx, v, err)
			return StageResult{}, err
		}
		if i > 0 && v.LocalSeq <= taps[i-1].LocalSeq {
			return StageResult{}, &BatchRejectedError{
				DeviceID: deviceID, LocalSeq: v.LocalSeq, Reason: "local sequence not strictly increasing",
			}
		}
		if _, found, err := r.ingestor.Lookup(ctx, v.Key()); err != nil {
			return StageResult{}, err
		} else if found {
			skipped++
			continue
		}
		fresh = append(fresh, v)
	}

	pending, err := r.queue.Pending(ctx, deviceID)
	if err != nil {
		return StageResult{}, err
	}
	queued := make(map[uint64]struct{}, len(pending))
	for _, p := range pending {
		queued[p.LocalSeq] = struct{}{}
	}
	added := 0
	for _, t := range fresh {
		if _, ok := queued[t.LocalSeq]; !ok {
			added++
		}
	}
	if len(pending)+added > r.limit {
		return StageResult{}, fmt.Errorf("%w: %s holds %d, limit %d", ErrQueueFull, deviceID, len(pending), r.limit)
	}

	n, err := r.queue.Enqueue(ctx, deviceID, fresh)
	if err != nil {
		return StageResult{}, err
	}
	if err := r.registry.SetQueued(ctx, deviceID, n); err != nil {
		return StageResult{}, err
	}
	return StageResult{Queued: n, Skipped: skipped}, nil
}

// SyncDevice commits the device's queued taps as one batch.  On success
// the queue is cleared and the device's queued count drops to zero.  On
// rejection the queue is left untouched for operator review.
func (r *Reconciler) SyncDevice(ctx context.Context, deviceID string, opts SyncOptions) (SyncResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	l := r.deviceLock(deviceID)
	l.Lock()
	defer l.Unlock()
	return r.sync(ctx, deviceID, opts)
}

// Trigger syncs the device in the background unless a sync for it is
// already running.
func (r *Reconciler) Trigger(deviceID string) {
	l := r.deviceLock(deviceID)
	if !l.TryLock() {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer l.Unlock()
		if _, err := r.sync(r.bg, deviceID, SyncOptions{}); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.WarnContext(r.bg, "background sync failed", "device_id", deviceID, "error", err)
		}
	}()
}

func (r *Reconciler) sync(ctx context.Context, deviceID string, opts SyncOptions) (SyncResult, error) {
	if _, err := r.registry.Get(ctx, deviceID); err != nil {
		return SyncResult{}, err
	}
	pending, err := r.queue.Pending(ctx, deviceID)
	if err != nil {
		return SyncResult{}, err
	}
	if pending, err = r.dropCommitted(ctx, deviceID, pending); err != nil {
		return SyncResult{}, err
	}
	if len(pending) == 0 {
		return SyncResult{}, r.registry.SetQueued(ctx, deviceID, 0)
	}

	batch := Batch{
		DeviceID: deviceID,
		Taps:     pending,
		Checksum: chain.BatchChecksum(deviceID, pending),
	}
	results, err := r.ingestor.SubmitBatch(ctx, batch, opts)
	if err != nil {
		if errors.Is(err, ErrBatchRejected) {
			r.alerts.Raise(ctx, SeverityHigh, AlertBatchRejected,
				fmt.Sprintf("offline queue of %s left for review: %v", deviceID, err))
		}
		return SyncResult{}, err
	}

	localSeqs := make([]uint64, len(pending))
	for i, t := range pending {
		localSeqs[i] = t.LocalSeq
	}
	if err := r.queue.Remove(ctx, deviceID, localSeqs); err != nil {
		return SyncResult{}, fmt.Errorf("clear offline queue: %w", err)
	}
	left, err := r.queue.Len(ctx, deviceID)
	if err != nil {
		return SyncResult{}, err
	}
	if err := r.registry.SetQueued(ctx, deviceID, left); err != nil {
		return SyncResult{}, err
	}

	res := SyncResult{
		Committed: len(results),
		FirstSeq:  results[0].Entry.Seq,
		LastSeq:   results[len(results)-1].Entry.Seq,
	}
	r.health.RecordSync(deviceID, res.Committed)
	r.alerts.Raise(ctx, SeverityInfo, AlertSyncCompleted,
		fmt.Sprintf("device %s reconciled %d taps at seq %d..%d", deviceID, res.Committed, res.FirstSeq, res.LastSeq))
	return res, nil
}

// dropCommitted removes queued taps the ledger already holds, as left
// behind when a queue clear fails after its batch committed.
func (r *Reconciler) dropCommitted(ctx context.Context, deviceID string, pending []chain.RawTap) ([]chain.RawTap, error) {
	keep := make([]chain.RawTap, 0, len(pending))
	var stale []uint64
	for _, t := range pending {
		t.DeviceID = deviceID
		_, found, err := r.ingestor.Lookup(ctx, t.Key())
		if err != nil {
			return nil, err
		}
		if found {
			stale = append(stale, t.LocalSeq)
			continue
		}
		keep = append(keep, t)
	}
	if len(stale) == 0 {
		return pending, nil
	}
	if err := r.queue.Remove(ctx, deviceID, stale); err != nil {
		return nil, fmt.Errorf("clear committed taps from offline queue: %w", err)
	}
	r.logger.WarnContext(ctx, "dropped committed taps from offline queue",
		"device_id", deviceID, "count", len(stale), "first_local_seq", stale[0])
	return keep, nil
}
