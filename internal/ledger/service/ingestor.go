package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/chain"
	"github.com/BrandonDHaskell/Tapledger/server/internal/ledger/store"
	"github.com/BrandonDHaskell/Tapledger/server/internal/metrics"
)

// Pipeline stages, reported as span events and stage counters.
const (
	StageValidated = "validated"
	StageSequenced = "sequenced"
	StageCommitted = "committed"
)

// Tap outcomes.
const (
	OutcomeCommitted  = "committed"
	OutcomeDuplicate  = "duplicate"
	OutcomeRejected   = "rejected"
	OutcomeOverloaded = "overloaded"
	OutcomeFailed     = "failed"
)

// Batch is an ordered run of one device's taps plus the checksum the
// device computed over them.
type Batch struct {
	DeviceID string
	Taps     []chain.RawTap
	Checksum string
}

// SyncOptions are operator overrides for reconciliation.
type SyncOptions struct {
	// AcceptLeadingGap admits a batch whose first local sequence does not
	// follow the device's last committed one.
	AcceptLeadingGap bool
}

// Ingestor validates taps and hands them to the Sequencer.  Validation
// runs on the caller's goroutine; only the commit is serialized.
type Ingestor struct {
	seq      *Sequencer
	registry *DeviceRegistry
	roster   *Roster
	health   *HealthMonitor

	clock   Clock
	alerts  *AlertLog
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	overloadAlerted atomic.Int64 // unix nanos of the last overload alert
}

const overloadAlertEvery = 30 * time.Second

// NewIngestor builds the pipeline.  health may be nil.
func NewIngestor(seq *Sequencer, reg *DeviceRegistry, roster *Roster, health *HealthMonitor, deps Deps) *Ingestor {
	deps = deps.withDefaults()
	return &Ingestor{
		seq:      seq,
		registry: reg,
		roster:   roster,
		health:   health,
		clock:    deps.Clock,
		alerts:   deps.Alerts,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		tracer:   otel.Tracer("github.com/BrandonDHaskell/Tapledger/server/internal/ledger/service"),
	}
}

// Submit ingests one tap from an online device.  The arrival time is
// always stamped by the ledger.
func (in *Ingestor) Submit(ctx context.Context, tap chain.RawTap) (Result, error) {
	ctx, span := in.tracer.Start(ctx, "ingest.submit", trace.WithAttributes(
		attribute.String("device_id", tap.DeviceID),
		attribute.Int64("local_seq", int64(tap.LocalSeq)),
	))
	defer span.End()

	tap.ArrivedAt = in.clock.Now()
	tap, err := in.validate(ctx, tap)
	if err != nil {
		in.reject(ctx, span, tap, err)
		return Result{}, err
	}
	in.stage(span, StageValidated)

	res, err := in.seq.Append(ctx, tap)
	if err != nil {
		in.fail(ctx, span, err)
		return Result{}, err
	}
	in.stage(span, StageSequenced)
	span.SetAttributes(attribute.Int64("seq", int64(res.Entry.Seq)))

	if res.Duplicate {
		in.outcome(OutcomeDuplicate)
		span.SetAttributes(attribute.Bool("duplicate", true))
		in.logger.InfoContext(ctx, "duplicate tap",
			"device_id", tap.DeviceID, "local_seq", tap.LocalSeq, "seq", res.Entry.Seq)
		return res, nil
	}

	in.stage(span, StageCommitted)
	in.outcome(OutcomeCommitted)
	in.logger.DebugContext(ctx, "tap committed",
		"device_id", tap.DeviceID, "local_seq", tap.LocalSeq, "seq", res.Entry.Seq, "gap", res.Gap)
	return res, nil
}

// SubmitBatch ingests a reconciliation batch all-or-nothing.  Any
// validation failure, checksum mismatch, duplicate or gap rejects the
// whole batch with a *BatchRejectedError.
func (in *Ingestor) SubmitBatch(ctx context.Context, b Batch, opts SyncOptions) ([]Result, error) {
	ctx, span := in.tracer.Start(ctx, "ingest.submit_batch", trace.WithAttributes(
		attribute.String("device_id", b.DeviceID),
		attribute.Int("taps", len(b.Taps)),
		attribute.Bool("accept_leading_gap", opts.AcceptLeadingGap),
	))
	defer span.End()

	results, err := in.submitBatch(ctx, span, b, opts)
	if err != nil {
		in.metrics.IncrementBatch("rejected")
		return nil, err
	}
	in.metrics.IncrementBatch("committed")
	return results, nil
}

func (in *Ingestor) submitBatch(ctx context.Context, span trace.Span, b Batch, opts SyncOptions) ([]Result, error) {
	b.DeviceID = strings.TrimSpace(b.DeviceID)
	if b.DeviceID == "" {
		err := invalid("device_id", "required")
		in.fail(ctx, span, err)
		return nil, err
	}

	if want := chain.BatchChecksum(b.DeviceID, b.Taps); !strings.EqualFold(strings.TrimSpace(b.Checksum), want) {
		err := &BatchRejectedError{DeviceID: b.DeviceID, Reason: "checksum mismatch"}
		in.fail(ctx, span, err)
		return nil, err
	}

	now := in.clock.Now()
	taps := make([]chain.RawTap, len(b.Taps))
	for i, t := range b.Taps {
		t.DeviceID = b.DeviceID
		if t.ArrivedAt.IsZero() {
			t.ArrivedAt = now
		}
		v, err := in.validate(ctx, t)
		if err != nil {
			rej := &BatchRejectedError{DeviceID: b.DeviceID, LocalSeq: t.LocalSeq, Reason: err.Error(), Err: err}
			in.fail(ctx, span, rej)
			return nil, rej
		}
		taps[i] = v
	}
	in.stage(span, StageValidated)

	results, err := in.seq.AppendBatch(ctx, b.DeviceID, taps, opts.AcceptLeadingGap)
	if err != nil {
		in.fail(ctx, span, err)
		return nil, err
	}
	in.stage(span, StageSequenced)
	in.stage(span, StageCommitted)
	for range results {
		in.outcome(OutcomeCommitted)
	}
	return results, nil
}

// validate normalises tap and checks it against the registry and roster.
func (in *Ingestor) validate(ctx context.Context, tap chain.RawTap) (chain.RawTap, error) {
	tap.DeviceID = strings.TrimSpace(tap.DeviceID)
	tap.EmployeeID = strings.TrimSpace(tap.EmployeeID)

	if tap.DeviceID == "" {
		return tap, invalid("device_id", "required")
	}
	if tap.LocalSeq == 0 {
		return tap, invalid("local_seq", "must be at least 1")
	}
	kind, ok := chain.ParseKind(string(tap.Kind))
	if !ok {
		return tap, invalid("kind", fmt.Sprintf("unknown kind %q", tap.Kind))
	}
	tap.Kind = kind
	if tap.DeviceTime.IsZero() {
		return tap, invalid("device_time", "required")
	}
	tap.DeviceTime = tap.DeviceTime.UTC()

	dev, err := in.registry.Get(ctx, tap.DeviceID)
	if errors.Is(err, ErrNotFound) {
		return tap, invalid("device_id", "unknown device "+tap.DeviceID)
	}
	if err != nil {
		return tap, err
	}
	if !dev.Active {
		return tap, invalid("device_id", "device "+tap.DeviceID+" is deactivated")
	}

	if tap.EmployeeID == "" {
		return tap, invalid("card_id", "required")
	}
	known, err := in.roster.IsKnown(ctx, tap.EmployeeID)
	if err != nil {
		return tap, err
	}
	if !known {
		return tap, invalid("card_id", "unknown employee "+tap.EmployeeID)
	}
	return tap, nil
}

func (in *Ingestor) reject(ctx context.Context, span trace.Span, tap chain.RawTap, err error) {
	in.fail(ctx, span, err)
	in.alertInvalid(ctx, tap, err)
}

// rejectStaged records a tap refused while staging an offline queue.
func (in *Ingestor) rejectStaged(ctx context.Context, tap chain.RawTap, err error) {
	if errors.Is(err, ErrValidation) {
		in.outcome(OutcomeRejected)
	}
	in.alertInvalid(ctx, tap, err)
}

func (in *Ingestor) alertInvalid(ctx context.Context, tap chain.RawTap, err error) {
	if errors.Is(err, ErrValidation) {
		in.alerts.Raise(ctx, SeverityWarning, AlertValidation,
			fmt.Sprintf("tap %s rejected: %v", tap.Key(), err))
	}
}

func (in *Ingestor) fail(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrBatchRejected):
		in.outcome(OutcomeRejected)
	case errors.Is(err, ErrServiceOverloaded):
		in.outcome(OutcomeOverloaded)
		depth := in.seq.QueueDepth()
		in.logger.WarnContext(ctx, "commit queue full", "depth", depth)
		in.alertOverloaded(ctx, depth)
	default:
		in.outcome(OutcomeFailed)
		in.logger.ErrorContext(ctx, "ingest failed", "error", err)
	}
}

// alertOverloaded raises at most one overload alert per overloadAlertEvery.
func (in *Ingestor) alertOverloaded(ctx context.Context, depth int) {
	now := in.clock.Now().UnixNano()
	last := in.overloadAlerted.Load()
	if last != 0 && now-last < int64(overloadAlertEvery) {
		return
	}
	if !in.overloadAlerted.CompareAndSwap(last, now) {
		return
	}
	in.alerts.Raise(ctx, SeverityWarning, AlertServiceOverloaded,
		fmt.Sprintf("commit queue full at depth %d; taps refused with retry", depth))
}

func (in *Ingestor) stage(span trace.Span, stage string) {
	span.AddEvent(stage)
	in.metrics.IncrementStage(stage)
}

func (in *Ingestor) outcome(o string) {
	in.metrics.IncrementTap(o)
	in.health.RecordOutcome(o)
}

// Lookup reports whether a device-local sequence is already committed.
func (in *Ingestor) Lookup(ctx context.Context, key chain.DeviceSeq) (chain.Entry, bool, error) {
	return in.seq.Lookup(ctx, key)
}

// deviceActive is used by the reconciler before staging an upload.
func (in *Ingestor) deviceActive(ctx context.Context, deviceID string) (store.DeviceRecord, error) {
	dev, err := in.registry.Get(ctx, deviceID)
	if err != nil {
		return store.DeviceRecord{}, err
	}
	if !dev.Active {
		return dev, invalid("device_id", "device "+deviceID+" is deactivated")
	}
	return dev, nil
}
