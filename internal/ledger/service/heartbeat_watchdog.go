package service

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatWatchdog sweeps the registry once per heartbeat interval.  An
// online device that has not been seen for a whole interval gets a missed
// heartbeat; at MissedLimit it is marked offline.
type HeartbeatWatchdog struct {
	registry *DeviceRegistry
	interval time.Duration
	limit    int
	clock    Clock
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

type WatchdogConfig struct {
	Interval    time.Duration // expected heartbeat period, default 30s
	MissedLimit int           // default 3
}

func NewHeartbeatWatchdog(reg *DeviceRegistry, cfg WatchdogConfig, deps Deps) *HeartbeatWatchdog {
	deps = deps.withDefaults()
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MissedLimit <= 0 {
		cfg.MissedLimit = 3
	}
	return &HeartbeatWatchdog{
		registry: reg,
		interval: cfg.Interval,
		limit:    cfg.MissedLimit,
		clock:    deps.Clock,
		logger:   deps.Logger,
		done:     make(chan struct{}),
	}
}

func (w *HeartbeatWatchdog) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)
	w.logger.InfoContext(ctx, "heartbeat watchdog started",
		"interval", w.interval.String(), "missed_limit", w.limit)
}

func (w *HeartbeatWatchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

func (w *HeartbeatWatchdog) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.ErrorContext(ctx, "heartbeat sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns the ids of devices it took offline.
func (w *HeartbeatWatchdog) Sweep(ctx context.Context) ([]string, error) {
	devices, err := w.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	now := w.clock.Now()

	var offline []string
	for _, d := range devices {
		if now.Sub(d.LastSeen) < w.interval {
			continue
		}
		went, err := w.registry.noteMissedHeartbeat(ctx, d.DeviceID, w.limit)
		if err != nil {
			w.logger.WarnContext(ctx, "missed heartbeat update failed", "device_id", d.DeviceID, "error", err)
			continue
		}
		if went {
			offline = append(offline, d.DeviceID)
		}
	}
	return offline, nil
}
