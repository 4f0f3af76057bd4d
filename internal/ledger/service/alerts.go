package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert codes.
const (
	AlertSequenceGap       = "SequenceGapDetected"
	AlertValidation        = "ValidationError"
	AlertBatchRejected     = "BatchRejected"
	AlertChainVerification = "ChainVerificationFailure"
	AlertServiceOverloaded = "ServiceOverloaded"
	AlertDeviceOffline     = "DeviceOffline"
	AlertSyncCompleted     = "ReconciliationCompleted"
)

type Alert struct {
	Severity Severity  `json:"severity"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// AlertLog is an append-only ring of recent alerts, bounded by count and
// by age.  Alerts are informational; raising one never blocks ingestion.
// A nil *AlertLog discards alerts.
type AlertLog struct {
	mu     sync.Mutex
	buf    []Alert
	next   int
	full   bool
	maxAge time.Duration

	clock   Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type AlertConfig struct {
	Limit  int           // default 256
	MaxAge time.Duration // default 24h
}

func NewAlertLog(cfg AlertConfig, clock Clock, m *metrics.Metrics, logger *slog.Logger) *AlertLog {
	if cfg.Limit <= 0 {
		cfg.Limit = 256
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AlertLog{
		buf:     make([]Alert, cfg.Limit),
		maxAge:  cfg.MaxAge,
		clock:   clock,
		metrics: m,
		logger:  logger,
	}
}

func (l *AlertLog) Raise(ctx context.Context, sev Severity, code, msg string) {
	if l == nil {
		return
	}
	a := Alert{Severity: sev, Code: code, Message: msg, At: l.clock.Now()}

	l.mu.Lock()
	l.buf[l.next] = a
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	l.metrics.IncrementAlert(string(sev))

	level := slog.LevelInfo
	switch sev {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityHigh, SeverityCritical:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, "alert", "severity", sev, "code", code, "message", msg)
}

// Recent returns alerts younger than the retention age, oldest first.
func (l *AlertLog) Recent() []Alert {
	if l == nil {
		return nil
	}
	cutoff := l.clock.Now().Add(-l.maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	var ordered []Alert
	if l.full {
		ordered = append(ordered, l.buf[l.next:]...)
	}
	ordered = append(ordered, l.buf[:l.next]...)

	out := make([]Alert, 0, len(ordered))
	for _, a := range ordered {
		if a.At.Before(cutoff) {
			continue
		}
		out = append(out, a)
	}
	return out
}
