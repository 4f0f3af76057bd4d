package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
)

// HeartbeatPruner periodically deletes heartbeat history older than a
// configurable retention period.  Ledger entries are never pruned.
//
// A retention of 0 disables pruning entirely.
type HeartbeatPruner struct {
	store     store.HeartbeatStore
	retention time.Duration
	interval  time.Duration
	clock     Clock
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
}

type PrunerConfig struct {
	// RetentionDays is how many days of heartbeat history to keep.
	// 0 means keep everything (pruner will not start).
	RetentionDays int

	// Interval is how often the pruner runs.  Defaults to 6h.
	Interval time.Duration
}

// NewHeartbeatPruner creates a pruner but does not start it.
func NewHeartbeatPruner(s store.HeartbeatStore, cfg PrunerConfig, deps Deps) *HeartbeatPruner {
	deps = deps.withDefaults()
	interval := cfg.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}

	return &HeartbeatPruner{
		store:     s,
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		interval:  interval,
		clock:     deps.Clock,
		logger:    deps.Logger,
		done:      make(chan struct{}),
	}
}

// Start runs an immediate prune, then repeats on the configured interval
// until ctx is cancelled or Stop is called.
func (p *HeartbeatPruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		p.logger.InfoContext(ctx, "heartbeat pruner disabled", "retention_days", 0)
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)

	p.logger.InfoContext(ctx, "heartbeat pruner started",
		"retention", p.retention.String(), "interval", p.interval.String())
}

// Stop signals the pruner to exit and waits for it to finish.
func (p *HeartbeatPruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *HeartbeatPruner) loop(ctx context.Context) {
	defer close(p.done)

	p.PruneOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PruneOnce(ctx)
		}
	}
}

// PruneOnce deletes history older than the retention and returns the
// number of rows removed.
func (p *HeartbeatPruner) PruneOnce(ctx context.Context) int64 {
	cutoff := p.clock.Now().Add(-p.retention)
	deleted, err := p.store.PruneOlderThan(ctx, cutoff)
	if err != nil {
		p.logger.ErrorContext(ctx, "heartbeat prune failed", "error", err)
		return 0
	}
	if deleted > 0 {
		p.logger.InfoContext(ctx, "heartbeat prune",
			"deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return deleted
}
