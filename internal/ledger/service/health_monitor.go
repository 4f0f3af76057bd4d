package service

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

type HealthConfig struct {
	BacklogSoft   int           // commit queue depth that degrades health, default 256
	BacklogHard   int           // commit queue depth that is critical, default 900
	VerifyWindow  uint64        // most recent entries verified per run, default 1000
	VerifyHistory int           // verification runs kept in the rolling window, default 20
	Interval      time.Duration // refresh period for Run, default 30s
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.BacklogSoft <= 0 {
		c.BacklogSoft = 256
	}
	if c.BacklogHard <= 0 {
		c.BacklogHard = 900
	}
	if c.VerifyWindow == 0 {
		c.VerifyWindow = 1000
	}
	if c.VerifyHistory <= 0 {
		c.VerifyHistory = 20
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	return c
}

// Snapshot is a point-in-time health aggregate.  It is cached, never
// persisted.
type Snapshot struct {
	Status             Status           `json:"status"`
	LastSeq            uint64           `json:"last_seq"`
	CommittedToday     int64            `json:"committed_today"`
	EventsPerHour      float64          `json:"events_per_hour"`
	DevicesOnline      int              `json:"devices_online"`
	DevicesOffline     int              `json:"devices_offline"`
	DevicesMaintenance int              `json:"devices_maintenance"`
	VerifyPassed       int              `json:"verify_passed"`
	VerifyFailed       int              `json:"verify_failed"`
	VerifyErrors       int              `json:"verify_errors"`
	QueueDepth         int              `json:"queue_depth"`
	OfflineQueued      int              `json:"offline_queued"`
	SyncsCompleted     int64            `json:"syncs_completed"`
	Outcomes           map[string]int64 `json:"outcomes,omitempty"`
	Alerts             []Alert          `json:"alerts"`
	ComputedAt         time.Time        `json:"computed_at"`
}

// ClassifyStatus applies the health thresholds to s.
func ClassifyStatus(s Snapshot, cfg HealthConfig) Status {
	cfg = cfg.withDefaults()
	devices := s.DevicesOnline + s.DevicesOffline + s.DevicesMaintenance

	switch {
	case s.VerifyFailed > 0,
		s.QueueDepth >= cfg.BacklogHard,
		devices > 0 && s.DevicesOffline == devices:
		return StatusCritical
	}

	if s.VerifyErrors > 0 || s.QueueDepth >= cfg.BacklogSoft || s.DevicesOffline > 0 {
		return StatusDegraded
	}
	for _, a := range s.Alerts {
		if a.Severity == SeverityHigh || a.Severity == SeverityCritical {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

type verifyMark int

const (
	verifyPass verifyMark = iota
	verifyFail
	verifyError
)

// HealthMonitor aggregates registry, ledger and pipeline signals into a
// cached Snapshot.  It only reads from the components it observes.  A nil
// *HealthMonitor ignores Record* calls.
type HealthMonitor struct {
	cfg      HealthConfig
	seq      *Sequencer
	registry *DeviceRegistry
	verifier *Verifier

	clock   Clock
	alerts  *AlertLog
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	verifies []verifyMark
	outcomes map[string]int64
	syncs    int64
	watchers []func(Status)

	snap atomic.Pointer[Snapshot]
}

// NewHealthMonitor subscribes to verifier results.  verifier may be nil,
// in which case Run only refreshes.
func NewHealthMonitor(seq *Sequencer, reg *DeviceRegistry, verifier *Verifier, cfg HealthConfig, deps Deps) *HealthMonitor {
	deps = deps.withDefaults()
	h := &HealthMonitor{
		cfg:      cfg.withDefaults(),
		seq:      seq,
		registry: reg,
		verifier: verifier,
		clock:    deps.Clock,
		alerts:   deps.Alerts,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		outcomes: make(map[string]int64),
	}
	if verifier != nil {
		verifier.OnResult(h.RecordVerification)
	}
	return h
}

// RecordVerification adds a run to the rolling verification window.
func (h *HealthMonitor) RecordVerification(res VerifyResult, err error) {
	if h == nil {
		return
	}
	mark := verifyPass
	switch {
	case err != nil:
		mark = verifyError
	case !res.OK():
		mark = verifyFail
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.verifies = append(h.verifies, mark)
	if over := len(h.verifies) - h.cfg.VerifyHistory; over > 0 {
		h.verifies = h.verifies[over:]
	}
}

func (h *HealthMonitor) RecordOutcome(outcome string) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.outcomes[outcome]++
	h.mu.Unlock()
}

// RecordSync is the reconciliation confirmation for a device.
func (h *HealthMonitor) RecordSync(deviceID string, committed int) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.syncs++
	h.mu.Unlock()
	h.logger.Info("reconciliation confirmed", "device_id", deviceID, "committed", committed)
}

// OnStatus registers fn to be called whenever the classified status
// changes.
func (h *HealthMonitor) OnStatus(fn func(Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watchers = append(h.watchers, fn)
}

// Snapshot returns the most recently computed snapshot.
func (h *HealthMonitor) Snapshot() Snapshot {
	if s := h.snap.Load(); s != nil {
		return *s
	}
	return Snapshot{Status: StatusHealthy}
}

// Refresh recomputes and caches the snapshot.
func (h *HealthMonitor) Refresh(ctx context.Context) (Snapshot, error) {
	now := h.clock.Now()
	head := h.seq.Head()

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := h.seq.CountCommittedSince(ctx, dayStart)
	if err != nil {
		return Snapshot{}, err
	}
	lastHour, err := h.seq.CountCommittedSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return Snapshot{}, err
	}
	devices, err := h.registry.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	s := Snapshot{
		LastSeq:        head.Seq,
		CommittedToday: today,
		EventsPerHour:  float64(lastHour),
		QueueDepth:     h.seq.QueueDepth(),
		Alerts:         h.alerts.Recent(),
		ComputedAt:     now,
	}
	for _, d := range devices {
		if !d.Active {
			continue
		}
		switch d.State {
		case store.StateOnline:
			s.DevicesOnline++
		case store.StateOffline:
			s.DevicesOffline++
		case store.StateMaintenance:
			s.DevicesMaintenance++
		}
		s.OfflineQueued += d.QueuedEvents
	}

	h.mu.Lock()
	for _, m := range h.verifies {
		switch m {
		case verifyPass:
			s.VerifyPassed++
		case verifyFail:
			s.VerifyFailed++
		case verifyError:
			s.VerifyErrors++
		}
	}
	s.Outcomes = maps.Clone(h.outcomes)
	s.SyncsCompleted = h.syncs
	watchers := h.watchers
	h.mu.Unlock()

	s.Status = ClassifyStatus(s, h.cfg)

	prev := h.snap.Swap(&s)
	h.metrics.SetDevices(s.DevicesOnline, s.DevicesOffline, s.DevicesMaintenance)
	h.metrics.SetQueueDepth(s.QueueDepth)

	if prev == nil || prev.Status != s.Status {
		h.logger.InfoContext(ctx, "health status", "status", string(s.Status),
			"verify_failed", s.VerifyFailed, "devices_offline", s.DevicesOffline, "queue_depth", s.QueueDepth)
		for _, fn := range watchers {
			fn(s.Status)
		}
	}
	return s, nil
}

// VerifyRecent checks the last VerifyWindow entries.
func (h *HealthMonitor) VerifyRecent(ctx context.Context) {
	if h.verifier == nil {
		return
	}
	head := h.seq.Head().Seq
	if head == 0 {
		return
	}
	from := uint64(1)
	if head > h.cfg.VerifyWindow {
		from = head - h.cfg.VerifyWindow + 1
	}
	// Failures are recorded through the verifier's observers.
	_, _ = h.verifier.VerifyChain(ctx, from, head)
}

// Run verifies and refreshes once immediately, then every Interval until
// ctx is cancelled.
func (h *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		h.VerifyRecent(ctx)
		if _, err := h.Refresh(ctx); err != nil && ctx.Err() == nil {
			h.logger.ErrorContext(ctx, "health refresh failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
